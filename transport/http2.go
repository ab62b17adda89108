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
	"bytes"
	"context"
	"io"
	"net"
	"net/http"

	"github.com/bufbuild/httppool/node"
	"golang.org/x/net/http2"
)

// HTTP2Provider speaks HTTP/2, multiplexing any number of exchanges over
// one connection. Insecure nodes use prior-knowledge cleartext HTTP/2
// (h2c); secure nodes negotiate "h2" via ALPN.
type HTTP2Provider struct {
	options   DialOptions
	transport *http2.Transport
}

// NewHTTP2Provider returns the HTTP/2 provider.
func NewHTTP2Provider(options DialOptions) *HTTP2Provider {
	return &HTTP2Provider{
		options: options,
		transport: &http2.Transport{
			AllowHTTP: true,
			// Wait for a free stream instead of failing when the server's
			// concurrent stream limit is reached.
			StrictMaxConcurrentStreams: true,
			DisableCompression:         true,
		},
	}
}

func (p *HTTP2Provider) Version() node.Version { return node.HTTP2 }

// Dial opens a connection and performs the HTTP/2 preface.
func (p *HTTP2Provider) Dial(ctx context.Context, n node.Node) (Conn, error) {
	conn, err := p.options.dial(ctx, n, "h2")
	if err != nil {
		return nil, err
	}
	h2Conn, err := p.NewConn(n, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return h2Conn, nil
}

// NewConn starts an HTTP/2 client connection over an established network
// connection to n.
func (p *HTTP2Provider) NewConn(n node.Node, conn net.Conn) (Conn, error) {
	clientConn, err := p.transport.NewClientConn(conn)
	if err != nil {
		return nil, err
	}
	return &http2Conn{node: n, cc: clientConn}, nil
}

// NewTransport binds a multiplexed transport to conn.
func (p *HTTP2Provider) NewTransport(conn Conn, options Options) *Transport {
	return New(conn, Multiplexed, options)
}

type http2Conn struct {
	node node.Node
	cc   *http2.ClientConn
}

func (c *http2Conn) Node() node.Node { return c.node }

func (c *http2Conn) RoundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.cc.RoundTrip(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

func (c *http2Conn) Reusable() bool {
	state := c.cc.State()
	return !state.Closed && !state.Closing
}

func (c *http2Conn) Close() error {
	return c.cc.Close()
}
