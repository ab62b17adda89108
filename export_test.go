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

package httppool

import (
	"github.com/bufbuild/httppool/internal"
	"github.com/bufbuild/httppool/node"
	"github.com/bufbuild/httppool/transport"
)

// WithClock replaces the clock that drives retry delays.
func WithClock(clock internal.Clock) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.clock = clock
	})
}

// SharedTransport returns the current shared HTTP/2 transport of a
// configured node, or nil.
func (c *Client) SharedTransport(n node.Node) *transport.Transport {
	np, ok := c.pools[n.Key()]
	if !ok {
		return nil
	}
	np.mu.Lock()
	defer np.mu.Unlock()
	return np.shared
}

// ActiveTransports returns how many per-exchange transports are open.
func (c *Client) ActiveTransports() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}
