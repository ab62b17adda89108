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

package request

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bufbuild/httppool/backoff"
	"github.com/bufbuild/httppool/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTarget(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		build  func() *Builder
		target string
	}{
		{
			name:   "fragment_and_query_kept",
			build:  func() *Builder { return New().URL("http://host/path?a=b#frag") },
			target: "/path?a=b#frag",
		},
		{
			name:   "empty_path",
			build:  func() *Builder { return New().URL("http://host") },
			target: "/",
		},
		{
			name: "params_merged_in_order",
			build: func() *Builder {
				return New().URL("http://host/p?x=1&flag").AddParam("q", "a b&c").AddParam("x", "2")
			},
			target: "/p?x=1&flag&q=a%20b%26c&x=2",
		},
		{
			name:   "path_resolved_against_url",
			build:  func() *Builder { return New().URL("http://host/base/").Path("child?k=v") },
			target: "/base/child?k=v",
		},
		{
			name:   "address_less",
			build:  func() *Builder { return New().Path("/status").AddParam("full", "1") },
			target: "/status?full=1",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			req, err := testCase.build().Build()
			require.NoError(t, err)
			assert.Equal(t, testCase.target, req.Target())
		})
	}
}

func TestBuildAddressLess(t *testing.T) {
	t.Parallel()
	req, err := New().Build()
	require.NoError(t, err)
	assert.Nil(t, req.URL())
	assert.Equal(t, "/", req.Target())
	assert.Empty(t, req.HeaderValue("Host"))

	req, err = New().RemoteNode(node.CleartextHTTP2("example.com", 8443)).Build()
	require.NoError(t, err)
	assert.Equal(t, node.HTTP2, req.Version())
	assert.Equal(t, "example.com:8443", req.HeaderValue("Host"))
	remote, ok := req.RemoteNode()
	assert.True(t, ok)
	assert.Equal(t, 8443, remote.Port)
}

func TestBuildContentLength(t *testing.T) {
	t.Parallel()
	req, err := New().Post().URL("http://host/").Content(bytes.Repeat([]byte{'x'}, 42), "").Build()
	require.NoError(t, err)
	assert.Equal(t, "42", req.HeaderValue("Content-Length"))
	assert.Empty(t, req.HeaderValue("Transfer-Encoding"))
	assert.Equal(t, int64(42), req.ContentLength())

	req, err = New().URL("http://host/").Build()
	require.NoError(t, err)
	assert.Equal(t, "0", req.HeaderValue("Content-Length"))
	assert.Nil(t, req.Body())
}

func TestBuildChunked(t *testing.T) {
	t.Parallel()
	req, err := New().Post().URL("http://host/").Stream(strings.NewReader("streamed"), "text/plain").Build()
	require.NoError(t, err)
	assert.Equal(t, "chunked", req.HeaderValue("Transfer-Encoding"))
	assert.Empty(t, req.HeaderValue("Content-Length"))
	assert.Equal(t, int64(-1), req.ContentLength())
	assert.False(t, req.Replayable())
	body, err := io.ReadAll(req.Body())
	require.NoError(t, err)
	assert.Equal(t, "streamed", string(body))

	// An explicit framing header is left alone.
	req, err = New().Post().URL("http://host/").SetHeader("Content-Length", "3").Text("abc").Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, req.Header().Values("Content-Length"))
}

func TestBuildConnectionClose(t *testing.T) {
	t.Parallel()
	req, err := New().URL("http://host/").KeepAlive(false).Build()
	require.NoError(t, err)
	assert.Equal(t, "close", req.HeaderValue("Connection"))

	req, err = New().URL("http://host/").KeepAlive(true).Build()
	require.NoError(t, err)
	assert.Empty(t, req.Header().Values("Connection"))

	// Only HTTP/1.1 has persistent connection semantics to opt out of.
	req, err = New().URL("http://host/").HTTP2().KeepAlive(false).Build()
	require.NoError(t, err)
	assert.Empty(t, req.Header().Values("Connection"))
}

func TestBuildDefaultHeaders(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2023, time.March, 4, 5, 6, 7, 0, time.FixedZone("x", 3600))
	config := DefaultConfig()
	config.Now = func() time.Time { return fixed }
	req, err := NewBuilder(config).URL("http://bücher.example:8080/").Build()
	require.NoError(t, err)

	header := req.Header()
	assert.Equal(t, "xn--bcher-kva.example:8080", header.Get("Host"))
	assert.Equal(t, "Sat, 04 Mar 2023 04:06:07 GMT", header.Get("Date"))
	assert.Equal(t, DefaultUserAgent, header.Get("User-Agent"))
	assert.Equal(t, "gzip", header.Get("Accept-Encoding"))
	assert.Equal(t, "*/*", header.Get("Accept"))

	req, err = New().URL("http://host/").
		SetHeader("User-Agent", "mine").
		SetHeader("Accept", "application/json").
		AcceptGzip(false).
		Build()
	require.NoError(t, err)
	header = req.Header()
	assert.Equal(t, "mine", header.Get("User-Agent"))
	assert.Equal(t, "application/json", header.Get("Accept"))
	assert.Empty(t, header.Get("Accept-Encoding"))
}

func TestBuildHeaderOrderAndRemoval(t *testing.T) {
	t.Parallel()
	req, err := New().URL("http://host/").
		AddHeader("X-Multi", "1").
		AddHeader("x-multi", "2").
		AddHeader("X-Multi", "3").
		RemoveHeader("Date").
		RemoveHeader("Accept").
		Build()
	require.NoError(t, err)
	header := req.Header()
	assert.Equal(t, []string{"1", "2", "3"}, header.Values("X-Multi"))
	assert.Empty(t, header.Values("Date"))
	assert.Empty(t, header.Values("Accept"))

	// The returned header is a copy.
	header.Set("X-Multi", "changed")
	assert.Equal(t, "1", req.HeaderValue("X-Multi"))
}

func TestBuildForm(t *testing.T) {
	t.Parallel()
	req, err := New().Post().URL("http://host/form").
		AddFormParam("name", "a b").
		AddFormParam("x", "1&2").
		Build()
	require.NoError(t, err)
	assert.Equal(t, "name=a+b&x=1%262", string(req.Content()))
	assert.Equal(t, FormContentType, req.HeaderValue("Content-Type"))
	assert.Equal(t, "16", req.HeaderValue("Content-Length"))

	// An explicit body wins over form parameters.
	req, err = New().Post().URL("http://host/form").AddFormParam("a", "b").JSON([]byte(`{}`)).Build()
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(req.Content()))
	assert.Equal(t, "application/json; charset=utf-8", req.HeaderValue("Content-Type"))
}

func TestBuildContentTypeOnlyIfAbsent(t *testing.T) {
	t.Parallel()
	req, err := New().Post().URL("http://host/").ContentType("text/csv").Text("a,b").Build()
	require.NoError(t, err)
	assert.Equal(t, "text/csv", req.HeaderValue("Content-Type"))

	req, err = New().Post().URL("http://host/").XML([]byte("<a/>")).Build()
	require.NoError(t, err)
	assert.Equal(t, "application/xml; charset=utf-8", req.HeaderValue("Content-Type"))
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name  string
		build func() *Builder
	}{
		{name: "relative_url", build: func() *Builder { return New().URL("/no/host") }},
		{name: "bad_scheme", build: func() *Builder { return New().URL("ftp://host/") }},
		{name: "bad_header_name", build: func() *Builder { return New().AddHeader("bad name", "v") }},
		{name: "bad_header_value", build: func() *Builder { return New().SetHeader("X", "a\r\nb") }},
		{name: "bad_method", build: func() *Builder { return New().Method("GE T") }},
		{name: "bad_cookie", build: func() *Builder { return New().AddCookie(&http.Cookie{Name: "bad name"}) }},
		{name: "negative_redirects", build: func() *Builder { return New().MaxRedirects(-1) }},
		{name: "unknown_version", build: func() *Builder { return New().VersionString("HTTP/0.9") }},
		{name: "host_in_path", build: func() *Builder { return New().Path("http://other/") }},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			_, err := testCase.build().Build()
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestBuildPolicies(t *testing.T) {
	t.Parallel()
	req, err := New().URL("http://host/").Build()
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, req.Method())
	assert.Equal(t, node.HTTP11, req.Version())
	assert.True(t, req.FollowRedirect())
	assert.Equal(t, DefaultMaxRedirects, req.MaxRedirects())
	assert.Equal(t, time.Duration(-1), req.Timeout())
	assert.False(t, req.RetryEnabled())
	assert.NotEmpty(t, req.ID())

	req, err = New().URL("http://host/").
		Timeout(time.Second).
		Retry(backoff.Constant(time.Millisecond, 2)).
		AddCookie(&http.Cookie{Name: "session", Value: "abc"}).
		Build()
	require.NoError(t, err)
	assert.Equal(t, time.Second, req.Timeout())
	assert.True(t, req.RetryEnabled())
	require.Len(t, req.Cookies(), 1)
	assert.Equal(t, "session", req.Cookies()[0].Name)
}
