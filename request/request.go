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
	"errors"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync/atomic"
	"time"

	"github.com/bufbuild/httppool/backoff"
	"github.com/bufbuild/httppool/node"
)

//nolint:gochecknoglobals
var (
	// ErrInvalidRequest wraps every error reported by Builder.Build.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrPending is returned by Future.Result before the request completes.
	ErrPending = errors.New("request still pending")
)

// Request is an immutable HTTP exchange description. Requests are
// created with a Builder.
//
// Two pieces of state change after Build: the redirect counter, which is
// owned by whatever loop replays redirects (see CanRedirect), and the
// completion handle, which is replaced each time the request is
// submitted (see Track). A request must not be submitted again while a
// previous submission is still pending.
type Request struct {
	id      string
	method  string
	version node.Version
	url     *url.URL
	target  string
	remote  *node.Node
	header  http.Header
	cookies []*http.Cookie
	content []byte
	stream  io.Reader
	timeout time.Duration

	followRedirect bool
	maxRedirects   int
	redirects      *redirectCounter

	backOff  backoff.BackOff
	listener Listener

	future atomic.Pointer[Future]
}

type redirectCounter struct {
	// +checkatomic
	count atomic.Int32
}

// ID is a unique identifier for the logical request. Redirect replays
// derived with RedirectTo keep the same ID.
func (r *Request) ID() string { return r.id }

// Method returns the request method.
func (r *Request) Method() string { return r.method }

// Version returns the protocol version the request must be sent with.
func (r *Request) Version() node.Version { return r.version }

// URL returns a copy of the request URL, with merged query parameters.
// It is nil for address-less requests.
func (r *Request) URL() *url.URL {
	if r.url == nil {
		return nil
	}
	u := *r.url
	return &u
}

// Target is the request target sent on the wire: path, query and
// fragment.
func (r *Request) Target() string { return r.target }

// RemoteNode returns the node set with Builder.RemoteNode, if any.
func (r *Request) RemoteNode() (node.Node, bool) {
	if r.remote == nil {
		return node.Node{}, false
	}
	return *r.remote, true
}

// Header returns a copy of the normalized headers.
func (r *Request) Header() http.Header { return r.header.Clone() }

// HeaderValue returns the first value of the named header.
func (r *Request) HeaderValue(name string) string { return r.header.Get(name) }

// Cookies returns the cookies to send with the request.
func (r *Request) Cookies() []*http.Cookie { return slices.Clone(r.cookies) }

// ContentLength is the body length, -1 when the body is a stream of
// unknown length and 0 when there is no body.
func (r *Request) ContentLength() int64 {
	if r.stream != nil {
		return -1
	}
	return int64(len(r.content))
}

// Content returns the buffered body, or nil for streamed and empty
// bodies. The returned slice must not be modified.
func (r *Request) Content() []byte { return r.content }

// Body returns a reader over the body, or nil if there is none. For
// buffered bodies every call returns a fresh reader. A streamed body can
// only be read once.
func (r *Request) Body() io.Reader {
	switch {
	case r.stream != nil:
		return r.stream
	case len(r.content) > 0:
		return bytes.NewReader(r.content)
	default:
		return nil
	}
}

// Replayable reports whether the body can be sent more than once, which
// is required for retries.
func (r *Request) Replayable() bool { return r.stream == nil }

// Timeout returns the per-request timeout. A negative value means the
// client default applies and zero means no timeout.
func (r *Request) Timeout() time.Duration { return r.timeout }

// FollowRedirect reports whether redirects may be followed.
func (r *Request) FollowRedirect() bool { return r.followRedirect }

// MaxRedirects is the maximum number of times CanRedirect returns true.
func (r *Request) MaxRedirects() int { return r.maxRedirects }

// RedirectCount is the number of redirects granted so far.
func (r *Request) RedirectCount() int { return int(r.redirects.count.Load()) }

// CanRedirect is the gate consulted before replaying the request against
// a redirect location. It returns false if following redirects is
// disabled or the limit has been reached; otherwise it consumes one
// redirect and returns true.
func (r *Request) CanRedirect() bool {
	if !r.followRedirect {
		return false
	}
	for {
		count := r.redirects.count.Load()
		if int(count) >= r.maxRedirects {
			return false
		}
		if r.redirects.count.CompareAndSwap(count, count+1) {
			return true
		}
	}
}

// RetryEnabled reports whether failed exchanges may be retried.
func (r *Request) RetryEnabled() bool { return r.backOff != nil }

// BackOff returns the retry strategy, or nil when retries are disabled.
func (r *Request) BackOff() backoff.BackOff { return r.backOff }

// Listener returns the request's listener, which may be nil.
func (r *Request) Listener() Listener { return r.listener }

// Track installs a fresh completion handle for a new submission of the
// request and returns it.
func (r *Request) Track() *Future {
	future := newFuture(r.listener)
	r.future.Store(future)
	return future
}

// Future returns the completion handle of the latest submission, or nil
// if the request was never submitted.
func (r *Request) Future() *Future { return r.future.Load() }
