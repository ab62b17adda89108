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

import "net/http"

// Listener observes the response of a request. For every response,
// OnCookies is called first (only if the response set cookies), then
// OnStatus, then OnResponse. Each is called at most once per submission,
// from whichever goroutine completed the exchange.
type Listener interface {
	OnCookies(cookies []*http.Cookie)
	OnStatus(statusCode int)
	OnResponse(resp *Response)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are
// skipped.
type ListenerFuncs struct {
	Cookies  func([]*http.Cookie)
	Status   func(int)
	Response func(*Response)
}

var _ Listener = ListenerFuncs{}

// OnCookies implements Listener.
func (l ListenerFuncs) OnCookies(cookies []*http.Cookie) {
	if l.Cookies != nil {
		l.Cookies(cookies)
	}
}

// OnStatus implements Listener.
func (l ListenerFuncs) OnStatus(statusCode int) {
	if l.Status != nil {
		l.Status(statusCode)
	}
}

// OnResponse implements Listener.
func (l ListenerFuncs) OnResponse(resp *Response) {
	if l.Response != nil {
		l.Response(resp)
	}
}

func (l ListenerFuncs) empty() bool {
	return l.Cookies == nil && l.Status == nil && l.Response == nil
}

// Multi returns a listener that forwards each callback to all of the
// given listeners, in order.
func Multi(listeners ...Listener) Listener {
	return multiListener(listeners)
}

type multiListener []Listener

func (m multiListener) OnCookies(cookies []*http.Cookie) {
	for _, l := range m {
		l.OnCookies(cookies)
	}
}

func (m multiListener) OnStatus(statusCode int) {
	for _, l := range m {
		l.OnStatus(statusCode)
	}
}

func (m multiListener) OnResponse(resp *Response) {
	for _, l := range m {
		l.OnResponse(resp)
	}
}

func notify(l Listener, resp *Response) {
	if len(resp.Cookies) > 0 {
		l.OnCookies(resp.Cookies)
	}
	l.OnStatus(resp.StatusCode)
	l.OnResponse(resp)
}
