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
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ErrNoBaseURL is returned by RedirectTo for address-less requests, which
// have nothing to resolve a relative location against.
var ErrNoBaseURL = errors.New("request has no URL to resolve the redirect against")

// RedirectTo derives the request that replays r against a redirect
// location. The derived request shares r's redirect counter, listener,
// retry policy and ID, so CanRedirect keeps counting across the whole
// chain. A 303, or a 301/302 answering anything but GET or HEAD, turns
// the replay into a bodiless GET. Credentials and cookies are dropped
// when the redirect leaves the original host.
//
// RedirectTo does not consult CanRedirect; callers do that first.
func (r *Request) RedirectTo(location string, statusCode int) (*Request, error) {
	if r.url == nil {
		return nil, ErrNoBaseURL
	}
	ref, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect location %q: %w", location, err)
	}
	next := r.url.ResolveReference(ref)
	if scheme := strings.ToLower(next.Scheme); scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("unsupported redirect scheme %q", next.Scheme)
	}
	host, err := httpguts.PunycodeHostPort(next.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect host %q: %w", next.Host, err)
	}

	derived := &Request{
		id:             r.id,
		method:         r.method,
		version:        r.version,
		url:            next,
		header:         r.header.Clone(),
		cookies:        r.cookies,
		content:        r.content,
		stream:         r.stream,
		timeout:        r.timeout,
		followRedirect: r.followRedirect,
		maxRedirects:   r.maxRedirects,
		redirects:      r.redirects,
		backOff:        r.backOff,
		listener:       r.listener,
	}
	if rewritesToGet(r.method, statusCode) {
		derived.method = http.MethodGet
		derived.content, derived.stream = nil, nil
		derived.header.Del("Content-Type")
		derived.header.Del("Transfer-Encoding")
		derived.header.Set("Content-Length", "0")
	}
	if !strings.EqualFold(host, r.header.Get("Host")) {
		for _, name := range []string{"Authorization", "Www-Authenticate", "Cookie", "Cookie2"} {
			derived.header.Del(name)
		}
		derived.cookies = nil
	}
	derived.header.Set("Host", host)

	target := next.EscapedPath()
	if target == "" {
		target = "/"
	}
	if next.RawQuery != "" {
		target += "?" + next.RawQuery
	}
	if next.Fragment != "" {
		target += "#" + next.EscapedFragment()
	}
	derived.target = target
	return derived, nil
}

func rewritesToGet(method string, statusCode int) bool {
	switch statusCode {
	case http.StatusSeeOther:
		return method != http.MethodHead
	case http.StatusMovedPermanently, http.StatusFound:
		return method != http.MethodGet && method != http.MethodHead
	default:
		return false
	}
}
