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

	"github.com/bufbuild/httppool/node"
)

// Response is a fully received HTTP response.
type Response struct {
	// StatusCode is the numeric status, e.g. 200.
	StatusCode int
	// Status is the status line text, e.g. "200 OK".
	Status string
	// Proto is the protocol the response arrived on, e.g. "HTTP/2.0".
	Proto string
	Header http.Header
	// Cookies are parsed from the Set-Cookie headers.
	Cookies []*http.Cookie
	// Body is the complete body, already gzip-decoded when the server
	// used Content-Encoding: gzip.
	Body []byte
	// Node is the endpoint that produced the response.
	Node node.Node
	// StreamID identifies the exchange within its transport.
	StreamID uint32
	// Request is the request this response answers.
	Request *Request
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// IsRedirect reports whether the response asks the client to repeat the
// request elsewhere.
func (r *Response) IsRedirect() bool {
	switch r.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return r.Header.Get("Location") != ""
	default:
		return false
	}
}
