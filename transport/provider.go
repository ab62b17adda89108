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
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bufbuild/httppool/node"
)

// Conn is one established connection, already configured for its
// protocol. It is the boundary to the wire codec: the codec writes the
// request and parses the response, and a Conn hands back the response
// with its body fully buffered.
type Conn interface {
	// Node is the endpoint the connection is open to.
	Node() node.Node
	// RoundTrip sends req and returns its response. The response body is
	// fully read; closing it is optional. Cancellation and deadlines come
	// from ctx.
	RoundTrip(ctx context.Context, req *http.Request) (*http.Response, error)
	// Reusable reports whether the connection can carry more requests.
	Reusable() bool
	Close() error
}

// Provider implements one protocol version: it dials connections set up
// for that protocol and binds transports with the protocol's
// multiplexing model to them.
type Provider interface {
	Version() node.Version
	Dial(ctx context.Context, n node.Node) (Conn, error)
	NewTransport(conn Conn, options Options) *Transport
}

// Registry maps each protocol version to exactly one provider.
type Registry struct {
	providers map[node.Version]Provider
}

// NewRegistry creates a registry. Registering two providers for the same
// version is an error.
func NewRegistry(providers ...Provider) (*Registry, error) {
	registry := &Registry{providers: make(map[node.Version]Provider, len(providers))}
	for _, provider := range providers {
		if err := registry.register(provider); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// DefaultRegistry returns a registry with the HTTP/1.1 and HTTP/2
// providers, dialing with the given options.
func DefaultRegistry(options DialOptions) *Registry {
	registry, _ := NewRegistry(NewHTTP1Provider(options), NewHTTP2Provider(options))
	return registry
}

// With returns a copy of the registry in which the given providers
// replace any existing provider for their version.
func (r *Registry) With(providers ...Provider) *Registry {
	clone := &Registry{providers: make(map[node.Version]Provider, len(r.providers)+len(providers))}
	for version, provider := range r.providers {
		clone.providers[version] = provider
	}
	for _, provider := range providers {
		clone.providers[provider.Version()] = provider
	}
	return clone
}

// Lookup returns the provider registered for version.
func (r *Registry) Lookup(version node.Version) (Provider, error) {
	if provider, ok := r.providers[version]; ok {
		return provider, nil
	}
	return nil, fmt.Errorf("%w for %s", ErrNoProvider, version)
}

func (r *Registry) register(provider Provider) error {
	if provider == nil {
		return errors.New("nil provider")
	}
	version := provider.Version()
	if _, ok := r.providers[version]; ok {
		return fmt.Errorf("duplicate provider for %s", version)
	}
	r.providers[version] = provider
	return nil
}

// DialOptions controls how providers open connections.
type DialOptions struct {
	// Dial opens the TCP connection. Defaults to a net.Dialer with a 30
	// second timeout and keep-alive.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
	// TLSConfig is used for secure nodes. The server name defaults to the
	// node's host and the ALPN protocol is set by the provider.
	TLSConfig *tls.Config
}

func (o DialOptions) dial(ctx context.Context, n node.Node, alpn string) (net.Conn, error) {
	dial := o.Dial
	if dial == nil {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		dial = dialer.DialContext
	}
	conn, err := dial(ctx, "tcp", n.HostPort())
	if err != nil {
		return nil, err
	}
	if !n.Secure {
		return conn, nil
	}
	var config *tls.Config
	if o.TLSConfig != nil {
		config = o.TLSConfig.Clone()
	} else {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if config.ServerName == "" {
		config.ServerName = n.Host
	}
	config.NextProtos = []string{alpn}
	tlsConn := tls.Client(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if negotiated := tlsConn.ConnectionState().NegotiatedProtocol; negotiated != "" && negotiated != alpn {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("server negotiated %q instead of %q", negotiated, alpn)
	}
	return tlsConn, nil
}
