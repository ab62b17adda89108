// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package node

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	t.Parallel()
	v, err := ParseVersion("HTTP/1.1")
	require.NoError(t, err)
	assert.Equal(t, HTTP11, v)
	v, err = ParseVersion("HTTP/2.0")
	require.NoError(t, err)
	assert.Equal(t, HTTP2, v)
	v, err = ParseVersion("http/2")
	require.NoError(t, err)
	assert.Equal(t, HTTP2, v)
	_, err = ParseVersion("HTTP/3")
	require.ErrorIs(t, err, ErrUnknownVersion)

	assert.Equal(t, "HTTP/1.1", HTTP11.String())
	assert.Equal(t, "HTTP/2.0", HTTP2.String())
}

func TestFromURL(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		url    string
		want   Node
		errMsg string
	}{
		{url: "http://example.com/foo", want: CleartextHTTP1("example.com", 80)},
		{url: "https://example.com", want: SecureHTTP1("example.com", 443)},
		{url: "http://127.0.0.1:8080/x?y=z", want: CleartextHTTP1("127.0.0.1", 8080)},
		{url: "http://[::1]:9000/", want: CleartextHTTP1("::1", 9000)},
		{url: "ftp://example.com", errMsg: "unsupported URL scheme"},
		{url: "http://example.com:0", errMsg: "invalid port"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.url, func(t *testing.T) {
			t.Parallel()
			u, err := url.Parse(testCase.url)
			require.NoError(t, err)
			got, err := FromURL(u, HTTP11)
			if testCase.errMsg != "" {
				require.ErrorContains(t, err, testCase.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.want, got)
		})
	}
}

func TestNodeIdentity(t *testing.T) {
	t.Parallel()
	assert.True(t, CleartextHTTP1("a", 80).Equal(CleartextHTTP2("a", 80)))
	assert.False(t, CleartextHTTP1("a", 80).Equal(SecureHTTP1("a", 80)))
	assert.False(t, CleartextHTTP1("a", 80).Equal(CleartextHTTP1("a", 81)))

	assert.Equal(t, "a", CleartextHTTP1("a", 80).Authority())
	assert.Equal(t, "a:8080", CleartextHTTP1("a", 8080).Authority())
	assert.Equal(t, "[::1]", SecureHTTP2("::1", 443).Authority())
	assert.Equal(t, "https://a:443 (HTTP/2.0)", SecureHTTP2("a", 443).String())

	require.NoError(t, CleartextHTTP1("a", 1).Validate())
	require.Error(t, Node{Host: "a", Port: 1}.Validate())
	require.Error(t, CleartextHTTP1("", 1).Validate())

	parsed, err := Parse("localhost:1234", true, HTTP2)
	require.NoError(t, err)
	assert.Equal(t, SecureHTTP2("localhost", 1234), parsed)
}
