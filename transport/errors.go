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

package transport

import (
	"errors"

	"github.com/bufbuild/httppool/node"
)

//nolint:gochecknoglobals
var (
	// ErrTransportClosed fails requests that were in flight when the
	// transport was closed, and every request submitted afterwards.
	ErrTransportClosed = errors.New("transport closed")
	// ErrTransportFailed matches every *Error.
	ErrTransportFailed = errors.New("transport failed")
	// ErrRequestTimeout fails a request whose timeout elapsed. It does not
	// affect other requests on the same transport.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrNoProvider is returned when no provider is registered for a
	// protocol version.
	ErrNoProvider = errors.New("no protocol provider registered")
	// ErrVersionMismatch is returned when a request's version differs from
	// the version spoken by the transport it was submitted to.
	ErrVersionMismatch = errors.New("request version does not match transport")
	// ErrConnUnusable is returned by a connection that can no longer carry
	// requests, for example after the server asked to close it.
	ErrConnUnusable = errors.New("connection is no longer usable")
	// ErrWaitTimeout is returned by WaitTimeout when requests are still
	// outstanding after the timeout. They are not cancelled.
	ErrWaitTimeout = errors.New("timed out waiting for outstanding requests")
)

// Error is a connection-level failure. It marks the transport failed and
// is delivered to every request that was outstanding on it.
type Error struct {
	Node node.Node
	Err  error
}

func (e *Error) Error() string {
	return "transport to " + e.Node.HostPort() + " failed: " + e.Err.Error()
}

// Unwrap makes errors.Is match both ErrTransportFailed and the cause.
func (e *Error) Unwrap() []error {
	return []error{ErrTransportFailed, e.Err}
}
