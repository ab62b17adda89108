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
	"context"
	"errors"
	"sync/atomic"
)

var errNoResponse = errors.New("exchange completed without a response")

// Future is the completion handle of one submission of a request. It is
// resolved exactly once, with either a response or an error.
type Future struct {
	listener Listener
	// +checkatomic
	claimed atomic.Bool
	done    chan struct{}
	// resp and err are written once before done is closed.
	resp *Response
	err  error
}

func newFuture(listener Listener) *Future {
	return &Future{listener: listener, done: make(chan struct{})}
}

// Complete resolves the future. On success the request's listener is
// notified before waiters are released. Only the first call has any
// effect; it returns false for every later call. A panicking listener
// propagates to the caller after the future is resolved.
func (f *Future) Complete(resp *Response, err error) bool {
	if !f.claimed.CompareAndSwap(false, true) {
		return false
	}
	if err == nil && resp == nil {
		err = errNoResponse
	}
	if err != nil {
		resp = nil
	}
	f.resp, f.err = resp, err
	// Waiters are released even if a listener panics.
	defer close(f.done)
	if err == nil && f.listener != nil {
		notify(f.listener, resp)
	}
	return true
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is resolved or ctx is done. A context
// error only stops the wait; the exchange itself carries on.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking, or ErrPending.
func (f *Future) Result() (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	default:
		return nil, ErrPending
	}
}
