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

package redirect_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bufbuild/httppool"
	"github.com/bufbuild/httppool/node"
	"github.com/bufbuild/httppool/redirect"
	"github.com/bufbuild/httppool/request"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFollow(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{responses: map[string]fakeResponse{
		"http://a.example/start": {status: http.StatusFound, location: "/middle"},
		"http://a.example/middle": {status: http.StatusMovedPermanently, location: "http://b.example/end"},
		"http://b.example/end":    {status: http.StatusOK, body: "done"},
	}}
	req, err := request.New().URL("http://a.example/start").SetHeader("Authorization", "secret").Build()
	require.NoError(t, err)

	resp, err := redirect.Follow(context.Background(), exec, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", resp.Text())
	assert.Equal(t, 2, req.RedirectCount())
	assert.Equal(t, []string{"http://a.example/start", "http://a.example/middle", "http://b.example/end"}, exec.urls())
	// Credentials stay with the original host.
	assert.Equal(t, "secret", exec.sent[1].HeaderValue("Authorization"))
	assert.Empty(t, exec.sent[2].HeaderValue("Authorization"))
	assert.Equal(t, "b.example", exec.sent[2].HeaderValue("Host"))
}

func TestFollowLimit(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{responses: map[string]fakeResponse{
		"http://a.example/loop": {status: http.StatusTemporaryRedirect, location: "/loop"},
	}}
	req, err := request.New().URL("http://a.example/loop").MaxRedirects(3).Build()
	require.NoError(t, err)
	resp, err := redirect.Follow(context.Background(), exec, req)
	require.NoError(t, err)
	// The limit running out is not an error: the last redirect is final.
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Len(t, exec.sent, 4)
	assert.Equal(t, 3, req.RedirectCount())

	disabled, err := request.New().URL("http://a.example/loop").FollowRedirect(false).Build()
	require.NoError(t, err)
	resp, err = redirect.Follow(context.Background(), exec, disabled)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, 0, disabled.RedirectCount())
}

func TestFollowSeeOtherBecomesGet(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{responses: map[string]fakeResponse{
		"http://a.example/form":   {status: http.StatusSeeOther, location: "/result"},
		"http://a.example/result": {status: http.StatusOK},
	}}
	req, err := request.New().URL("http://a.example/form").Post().AddFormParam("k", "v").Build()
	require.NoError(t, err)
	_, err = redirect.Follow(context.Background(), exec, req)
	require.NoError(t, err)
	require.Len(t, exec.sent, 2)
	assert.Equal(t, http.MethodGet, exec.sent[1].Method())
	assert.Nil(t, exec.sent[1].Body())
	assert.Equal(t, "0", exec.sent[1].HeaderValue("Content-Length"))
}

func TestFollowErrors(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{responses: map[string]fakeResponse{
		"http://a.example/bad": {status: http.StatusFound, location: "ftp://a.example/file"},
	}}
	req, err := request.New().URL("http://a.example/bad").Build()
	require.NoError(t, err)
	_, err = redirect.Follow(context.Background(), exec, req)
	require.ErrorContains(t, err, "unsupported redirect scheme")

	req, err = request.New().URL("http://a.example/missing").Build()
	require.NoError(t, err)
	_, err = redirect.Follow(context.Background(), exec, req)
	require.ErrorIs(t, err, errNotFound)
}

func TestFollowWithClient(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new?from=old", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "moved "+r.URL.Query().Get("from"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	n, err := node.Parse(server.Listener.Addr().String(), false, node.HTTP11)
	require.NoError(t, err)

	client, err := httppool.NewClient(httppool.WithNodes(n), httppool.WithConnectionLimit(1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var statuses []int
	req, err := request.New().URL(server.URL + "/old").OnStatus(func(status int) {
		statuses = append(statuses, status)
	}).Build()
	require.NoError(t, err)
	resp, err := redirect.Follow(context.Background(), client, req)
	require.NoError(t, err)
	assert.Equal(t, "moved old", resp.Text())
	assert.Equal(t, []int{http.StatusMovedPermanently, http.StatusOK}, statuses)
	assert.Equal(t, uint64(2), client.Stats().Responses)
}

var errNotFound = errors.New("no such resource")

type fakeResponse struct {
	status   int
	location string
	body     string
}

type fakeExecutor struct {
	responses map[string]fakeResponse
	mu        sync.Mutex
	sent      []*request.Request
}

func (e *fakeExecutor) Execute(_ context.Context, req *request.Request) (*request.Future, error) {
	e.mu.Lock()
	e.sent = append(e.sent, req)
	e.mu.Unlock()
	future := req.Track()
	canned, ok := e.responses[req.URL().String()]
	if !ok {
		future.Complete(nil, errNotFound)
		return future, nil
	}
	header := http.Header{}
	if canned.location != "" {
		header.Set("Location", canned.location)
	}
	future.Complete(&request.Response{
		StatusCode: canned.status,
		Header:     header,
		Body:       []byte(canned.body),
		Request:    req,
	}, nil)
	return future, nil
}

func (e *fakeExecutor) urls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	urls := make([]string, len(e.sent))
	for i, req := range e.sent {
		urls[i] = req.URL().String()
	}
	return urls
}
