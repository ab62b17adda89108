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
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/httppool/node"
)

// HTTP1Provider speaks HTTP/1.1, one exchange at a time per connection.
type HTTP1Provider struct {
	options DialOptions
}

// NewHTTP1Provider returns the HTTP/1.1 provider.
func NewHTTP1Provider(options DialOptions) *HTTP1Provider {
	return &HTTP1Provider{options: options}
}

func (p *HTTP1Provider) Version() node.Version { return node.HTTP11 }

// Dial opens a connection. Secure nodes negotiate "http/1.1" via ALPN.
func (p *HTTP1Provider) Dial(ctx context.Context, n node.Node) (Conn, error) {
	conn, err := p.options.dial(ctx, n, "http/1.1")
	if err != nil {
		return nil, err
	}
	return NewHTTP1Conn(n, conn), nil
}

// NewTransport binds a serial transport to conn. Unless options carry
// their own Redial, a connection spent by an interrupted exchange is
// replaced by dialing the same node again.
func (p *HTTP1Provider) NewTransport(conn Conn, options Options) *Transport {
	if options.Redial == nil {
		n := conn.Node()
		options.Redial = func(ctx context.Context) (Conn, error) {
			return p.Dial(ctx, n)
		}
	}
	return New(conn, Serial, options)
}

// NewHTTP1Conn wraps an established network connection to n.
func NewHTTP1Conn(n node.Node, conn net.Conn) Conn {
	return &http1Conn{
		node: n,
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bufio.NewWriter(conn),
	}
}

type http1Conn struct {
	node node.Node
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	// held for the duration of an exchange
	mu sync.Mutex
	// +checkatomic
	broken atomic.Bool
	// +checkatomic
	closed atomic.Bool
}

func (c *http1Conn) Node() node.Node { return c.node }

func (c *http1Conn) RoundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.Reusable() {
		return nil, ErrConnUnusable
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	}
	// Cancellation interrupts blocked reads and writes by moving the
	// deadline into the past. The connection cannot be reused after that.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	reusable := false
	defer func() {
		if !stop() {
			reusable = false
		}
		if reusable {
			_ = c.conn.SetDeadline(time.Time{})
		} else {
			c.broken.Store(true)
		}
	}()

	if err := req.Write(c.bw); err != nil {
		return nil, err
	}
	if err := c.bw.Flush(); err != nil {
		return nil, err
	}
	resp, err := c.readResponse(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	reusable = !resp.Close && !req.Close
	return resp, nil
}

// readResponse skips interim 1xx responses other than 101.
func (c *http1Conn) readResponse(req *http.Request) (*http.Response, error) {
	for {
		resp, err := http.ReadResponse(c.br, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 || resp.StatusCode == http.StatusSwitchingProtocols {
			return resp, nil
		}
		_ = resp.Body.Close()
	}
}

func (c *http1Conn) Reusable() bool {
	return !c.broken.Load() && !c.closed.Load()
}

func (c *http1Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}
