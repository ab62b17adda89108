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
	"net/http"
	"time"

	"github.com/bufbuild/httppool/node"
)

const (
	// DefaultUserAgent is the User-Agent of DefaultConfig.
	DefaultUserAgent = "httppool/1.0"
	// DefaultMaxRedirects is the redirect limit of DefaultConfig.
	DefaultMaxRedirects = 10
	// FormContentType is used for bodies built from form parameters.
	FormContentType = "application/x-www-form-urlencoded; charset=utf-8"
)

// Config holds the defaults a Builder starts from.
type Config struct {
	// Method is the initial method. Empty means GET.
	Method string
	// Version is the initial protocol version. Unknown means HTTP/1.1.
	Version node.Version
	// BaseURL is used when the builder is never given a URL. It may be
	// empty, in which case the request is address-less and the client
	// picks its single configured node.
	BaseURL string
	// UserAgent is set on every request that does not carry one. Empty
	// means no User-Agent is added.
	UserAgent string
	// AcceptGzip adds "Accept-Encoding: gzip".
	AcceptGzip bool
	// KeepAlive keeps HTTP/1.1 connections open after the exchange.
	KeepAlive bool
	// FollowRedirect enables Request.CanRedirect.
	FollowRedirect bool
	// MaxRedirects bounds how many times CanRedirect returns true.
	MaxRedirects int
	// Timeout is the per-request timeout. Negative means the client's
	// default; zero means none.
	Timeout time.Duration
	// Now supplies the Date header. Nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the defaults used by NewBuilder: GET over
// HTTP/1.1, gzip accepted, keep-alive on, redirects followed up to
// DefaultMaxRedirects times, client default timeout.
func DefaultConfig() Config {
	return Config{
		Method:         http.MethodGet,
		Version:        node.HTTP11,
		UserAgent:      DefaultUserAgent,
		AcceptGzip:     true,
		KeepAlive:      true,
		FollowRedirect: true,
		MaxRedirects:   DefaultMaxRedirects,
		Timeout:        -1,
	}
}
