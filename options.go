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
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/bufbuild/httppool/internal"
	"github.com/bufbuild/httppool/node"
	"github.com/bufbuild/httppool/picker"
	"github.com/bufbuild/httppool/transport"
	"golang.org/x/time/rate"
)

// DefaultConnectionLimit is the per-node connection limit used when no
// WithConnectionLimit option is given.
const DefaultConnectionLimit = 4

// ClientOption is an option used to customize the behavior of a Client.
type ClientOption interface {
	apply(*clientOptions)
}

// WithNodes adds nodes for the client to pool connections to. Requests
// addressed to any other node use a dedicated connection that is closed
// once the exchange completes.
func WithNodes(nodes ...node.Node) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.nodes = append(opts.nodes, nodes...)
	})
}

// WithConnectionLimit configures the maximum number of connections leased
// per node at any one time. Callers beyond the limit wait in Execute
// until a connection is returned. If zero or no WithConnectionLimit
// option is used, DefaultConnectionLimit applies.
func WithConnectionLimit(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.connectionLimit = limit
	})
}

// WithDefaultTimeout limits requests that do not set their own timeout.
// The timeout covers the entire exchange, from writing the first request
// byte to reading the last response byte. Zero, the default, means no
// timeout.
func WithDefaultTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.defaultTimeout = duration
	})
}

// WithLogger configures the logger for debug events. By default nothing
// is logged.
func WithLogger(logger *slog.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// WithDebug enables debug logging. Without a WithLogger option, debug
// events are written as text to stderr.
func WithDebug(enabled bool) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.debug = enabled
	})
}

// WithProvider registers a protocol provider, replacing the built-in one
// for the same version.
func WithProvider(provider transport.Provider) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.providers = append(opts.providers, provider)
	})
}

// WithPicker lets address-less requests be balanced across several
// configured nodes. Without it, an address-less request is only accepted
// when exactly one node is configured.
func WithPicker(factory picker.Factory) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.picker = factory
	})
}

// WithDialer configures the client to use the given function to
// establish network connections. If no WithDialer option is provided,
// a default [net.Dialer] is used that uses a 30-second dial timeout and
// configures the connection to use TCP keep-alive every 30 seconds.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.dialOptions.Dial = dialFunc
	})
}

// WithTLSConfig adds custom TLS configuration to the client. The given
// config is used for secure nodes. ALPN protocols are always chosen by
// the protocol provider.
func WithTLSConfig(config *tls.Config) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.dialOptions.TLSConfig = config
	})
}

// WithRateLimit limits how fast the client sends requests, retries
// included. Execute waits for the limiter before leasing a connection.
func WithRateLimit(limit rate.Limit, burst int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.limiter = rate.NewLimiter(limit, burst)
	})
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	nodes           []node.Node
	connectionLimit int
	defaultTimeout  time.Duration
	logger          *slog.Logger
	debug           bool
	providers       []transport.Provider
	picker          picker.Factory
	dialOptions     transport.DialOptions
	limiter         *rate.Limiter
	clock           internal.Clock
}

func (opts *clientOptions) applyDefaults() {
	if opts.connectionLimit <= 0 {
		opts.connectionLimit = DefaultConnectionLimit
	}
	if opts.logger == nil {
		if opts.debug {
			opts.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		} else {
			opts.logger = slog.New(slog.DiscardHandler)
		}
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}
