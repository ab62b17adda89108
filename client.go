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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/httppool/internal"
	"github.com/bufbuild/httppool/node"
	"github.com/bufbuild/httppool/picker"
	"github.com/bufbuild/httppool/pool"
	"github.com/bufbuild/httppool/request"
	"github.com/bufbuild/httppool/transport"
	"golang.org/x/sync/errgroup"
)

//nolint:gochecknoglobals
var (
	// ErrConfiguration is wrapped by every error NewClient returns.
	ErrConfiguration = errors.New("invalid client configuration")
	// ErrClientClosed is returned by Execute once Shutdown or Close has
	// been called.
	ErrClientClosed = errors.New("client closed")
	// ErrAmbiguousNode is returned for an address-less request when the
	// client cannot tell which configured node it is meant for.
	ErrAmbiguousNode = errors.New("address-less request requires exactly one configured node or a picker")
)

// Client sends requests over pooled connections.
//
// Every configured node gets its own bounded pool. HTTP/1.1 requests
// lease a connection for the duration of one exchange. HTTP/2 requests
// to a configured node share one long-lived multiplexed transport, which
// is replaced when it fails. Requests to nodes that are not configured
// use a dedicated connection that is closed after the exchange.
type Client struct {
	opts     clientOptions
	registry *transport.Registry
	nodes    []node.Node
	pools    map[node.Key]*nodePool
	balancer picker.Picker
	logger   *slog.Logger

	requests  atomic.Uint64
	responses atomic.Uint64
	retries   atomic.Uint64
	failures  atomic.Uint64

	closeOnce sync.Once
	closeErr  error

	mu sync.Mutex
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	inflight int
	// +checklocks:mu
	drained chan struct{}
	// +checklocks:mu
	active map[*transport.Transport]struct{}
}

type nodePool struct {
	node     node.Node
	provider transport.Provider
	pool     *pool.Pool[transport.Conn]

	mu sync.Mutex
	// +checklocks:mu
	shared *transport.Transport
}

// route is where one request goes.
type route struct {
	node     node.Node
	provider transport.Provider
	// nil for nodes that are not configured
	pool     *nodePool
	whenDone func()
}

// Stats are monotonic counters of client activity.
type Stats struct {
	// Requests accepted by Execute.
	Requests uint64
	// Responses delivered to callers.
	Responses uint64
	// Retries scheduled after failed attempts.
	Retries uint64
	// Failures delivered to callers.
	Failures uint64
}

// NewClient returns a new client that uses the given options. Invalid
// nodes, duplicate nodes and nodes whose protocol version has no
// registered provider are configuration errors.
func NewClient(options ...ClientOption) (*Client, error) {
	var opts clientOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	drained := make(chan struct{})
	close(drained)
	client := &Client{
		opts:     opts,
		registry: transport.DefaultRegistry(opts.dialOptions).With(opts.providers...),
		pools:    make(map[node.Key]*nodePool, len(opts.nodes)),
		logger:   opts.logger,
		drained:  drained,
		active:   make(map[*transport.Transport]struct{}),
	}
	for _, n := range opts.nodes {
		if err := client.addNode(n); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
	}
	if opts.picker != nil && len(client.nodes) > 0 {
		client.balancer = opts.picker.New(client.Nodes())
	}
	return client, nil
}

func (c *Client) addNode(n node.Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if _, ok := c.pools[n.Key()]; ok {
		return fmt.Errorf("duplicate node %s", n.HostPort())
	}
	provider, err := c.registry.Lookup(n.Version)
	if err != nil {
		return err
	}
	connPool, err := pool.New(pool.Config[transport.Conn]{
		Nodes:   []node.Node{n},
		Limit:   c.opts.connectionLimit,
		Dial:    provider.Dial,
		Close:   func(conn transport.Conn) error { return conn.Close() },
		Healthy: func(conn transport.Conn) bool { return conn.Reusable() },
		Logger:  c.logger,
	})
	if err != nil {
		return err
	}
	c.pools[n.Key()] = &nodePool{node: n, provider: provider, pool: connPool}
	c.nodes = append(c.nodes, n)
	return nil
}

// Nodes returns the configured nodes.
func (c *Client) Nodes() []node.Node {
	nodes := make([]node.Node, 0, len(c.nodes))
	return append(nodes, c.nodes...)
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:  c.requests.Load(),
		Responses: c.responses.Load(),
		Retries:   c.retries.Load(),
		Failures:  c.failures.Load(),
	}
}

// PoolStats returns usage of the pool for a configured node.
func (c *Client) PoolStats(n node.Node) (pool.Stats, bool) {
	np, ok := c.pools[n.Key()]
	if !ok {
		return pool.Stats{}, false
	}
	return np.pool.Stats(), true
}

// Prepare opens up to count idle connections to every configured node.
// Failures are joined into the returned error; the client remains usable
// either way.
func (c *Client) Prepare(ctx context.Context, count int) error {
	var grp errgroup.Group
	errs := make([]error, len(c.nodes))
	for i, n := range c.nodes {
		np := c.pools[n.Key()]
		grp.Go(func() error {
			errs[i] = np.pool.Prepare(ctx, count)
			return nil
		})
	}
	_ = grp.Wait()
	return errors.Join(errs...)
}

// Do executes req and waits for its outcome.
func (c *Client) Do(ctx context.Context, req *request.Request) (*request.Response, error) {
	future, err := c.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return future.Wait(ctx)
}

// Execute sends req and returns its completion handle.
//
// Execute waits for pool admission, so it blocks while the target node
// already has its limit of connections leased. Configuration problems,
// such as an address-less request the client cannot route, a closed
// client or pool, and cancellation of ctx during admission are returned
// directly. Every other failure, including connection errors, is
// delivered through the handle, after retries if the request enables
// them.
func (c *Client) Execute(ctx context.Context, req *request.Request) (*request.Future, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", request.ErrInvalidRequest)
	}
	rt, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	if err := c.begin(); err != nil {
		rt.whenDone()
		return nil, err
	}
	c.requests.Add(1)
	future := req.Track()
	if err := c.dispatch(ctx, req, rt, future, 1); err != nil {
		if errors.Is(err, pool.ErrPoolClosed) || ctx.Err() != nil {
			c.settle(rt, future, nil, err)
			return nil, err
		}
		c.handleFailure(ctx, req, rt, future, 1, err)
	}
	return future, nil
}

// NewTransport returns a transport on a connection of its own to n. For a
// configured node the connection is leased from the node's pool and
// closing the transport returns it. The caller must close the transport.
func (c *Client) NewTransport(ctx context.Context, n node.Node) (*transport.Transport, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	if np, ok := c.pools[n.Key()]; ok {
		if np.node.Version != n.Version {
			return nil, fmt.Errorf("%w: %s is configured for %s", transport.ErrVersionMismatch, n.HostPort(), np.node.Version)
		}
		return c.leaseTransport(ctx, np)
	}
	provider, err := c.registry.Lookup(n.Version)
	if err != nil {
		return nil, err
	}
	conn, err := provider.Dial(ctx, n)
	if err != nil {
		return nil, err
	}
	return provider.NewTransport(conn, c.transportOptions(nil)), nil
}

func (c *Client) resolve(req *request.Request) (route, error) {
	rt := route{whenDone: func() {}}
	if remote, ok := req.RemoteNode(); ok {
		rt.node = remote
	} else if u := req.URL(); u != nil {
		n, err := node.FromURL(u, req.Version())
		if err != nil {
			return route{}, fmt.Errorf("%w: %w", request.ErrInvalidRequest, err)
		}
		rt.node = n
	} else {
		switch {
		case len(c.nodes) == 1:
			rt.node = c.nodes[0]
		case c.balancer != nil:
			n, whenDone, err := c.balancer.Pick()
			if err != nil {
				return route{}, err
			}
			rt.node = n
			if whenDone != nil {
				rt.whenDone = whenDone
			}
		default:
			return route{}, ErrAmbiguousNode
		}
	}

	fail := func(err error) (route, error) {
		rt.whenDone()
		return route{}, err
	}
	if rt.node.Version != req.Version() {
		return fail(fmt.Errorf("%w: %s request for %s node %s",
			transport.ErrVersionMismatch, req.Version(), rt.node.Version, rt.node.HostPort()))
	}
	if np, ok := c.pools[rt.node.Key()]; ok {
		if np.node.Version != rt.node.Version {
			return fail(fmt.Errorf("%w: %s is configured for %s",
				transport.ErrVersionMismatch, rt.node.HostPort(), np.node.Version))
		}
		rt.pool, rt.provider = np, np.provider
		return rt, nil
	}
	provider, err := c.registry.Lookup(rt.node.Version)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrConfiguration, err))
	}
	rt.provider = provider
	return rt, nil
}

// dispatch runs one attempt. It returns an error only when the attempt
// could not be started; otherwise the outcome arrives asynchronously.
func (c *Client) dispatch(ctx context.Context, req *request.Request, rt route, future *request.Future, attempt int) error {
	if c.opts.limiter != nil {
		if err := c.opts.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	tr, finish, err := c.transportFor(ctx, rt)
	if err != nil {
		return err
	}
	c.logger.LogAttrs(ctx, slog.LevelDebug, "dispatching request",
		slog.String("request", req.ID()),
		slog.String("method", req.Method()),
		slog.String("target", req.Target()),
		slog.String("node", rt.node.HostPort()),
		slog.String("version", rt.node.Version.String()),
		slog.Int("attempt", attempt))
	tr.Submit(ctx, req, func(resp *request.Response, err error) {
		finish()
		if err != nil {
			c.handleFailure(ctx, req, rt, future, attempt, err)
			return
		}
		c.settle(rt, future, resp, nil)
	})
	return nil
}

// transportFor returns the transport for one attempt and a function to
// call once the attempt is over.
func (c *Client) transportFor(ctx context.Context, rt route) (*transport.Transport, func(), error) {
	if rt.pool != nil && rt.node.Version == node.HTTP2 {
		tr, err := c.sharedTransport(ctx, rt.pool)
		return tr, func() {}, err
	}
	var tr *transport.Transport
	if rt.pool != nil {
		leased, err := c.leaseTransport(ctx, rt.pool)
		if err != nil {
			return nil, nil, err
		}
		tr = leased
	} else {
		conn, err := rt.provider.Dial(ctx, rt.node)
		if err != nil {
			return nil, nil, err
		}
		tr = rt.provider.NewTransport(conn, c.transportOptions(nil))
	}
	if !c.track(tr) {
		_ = tr.Close()
		return nil, nil, ErrClientClosed
	}
	return tr, func() {
		c.untrack(tr)
		// Closed means the attempt was failed by a Close already underway.
		if tr.State() != transport.Closed {
			_ = tr.Close()
		}
	}, nil
}

// sharedTransport returns the node's long-lived HTTP/2 transport,
// replacing it if it failed or its connection stopped taking requests.
func (c *Client) sharedTransport(ctx context.Context, np *nodePool) (*transport.Transport, error) {
	np.mu.Lock()
	defer np.mu.Unlock()
	if shared := np.shared; shared != nil {
		if shared.State() == transport.Open && shared.Reusable() {
			return shared, nil
		}
		c.logger.LogAttrs(ctx, slog.LevelDebug, "replacing shared transport",
			slog.String("node", np.node.HostPort()),
			slog.String("state", shared.State().String()))
		np.shared = nil
		if shared.Failed() {
			_ = shared.Close()
		} else {
			// Let the streams still running on it finish.
			go func() { _ = shared.Shutdown(context.Background()) }()
		}
	}
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	tr, err := c.leaseTransport(ctx, np)
	if err != nil {
		return nil, err
	}
	np.shared = tr
	return tr, nil
}

func (c *Client) leaseTransport(ctx context.Context, np *nodePool) (*transport.Transport, error) {
	entry, err := np.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return np.provider.NewTransport(entry.Conn(), c.transportOptions(func(t *transport.Transport) error {
		return np.pool.Release(entry, !t.Reusable())
	})), nil
}

func (c *Client) transportOptions(onClose func(*transport.Transport) error) transport.Options {
	return transport.Options{
		DefaultTimeout: c.opts.defaultTimeout,
		Logger:         c.logger,
		OnClose:        onClose,
	}
}

func (c *Client) handleFailure(ctx context.Context, req *request.Request, rt route, future *request.Future, attempt int, err error) {
	delay, ok := c.retryDelay(ctx, req, attempt, err)
	if !ok {
		c.settle(rt, future, nil, err)
		return
	}
	c.retries.Add(1)
	c.logger.LogAttrs(ctx, slog.LevelDebug, "retrying request",
		slog.String("request", req.ID()),
		slog.String("node", rt.node.HostPort()),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.Any("error", err))
	go func() {
		if sleepErr := internal.Sleep(ctx, c.opts.clock, delay); sleepErr != nil {
			c.settle(rt, future, nil, errors.Join(err, sleepErr))
			return
		}
		if dispatchErr := c.dispatch(ctx, req, rt, future, attempt+1); dispatchErr != nil {
			c.handleFailure(ctx, req, rt, future, attempt+1, dispatchErr)
		}
	}()
}

// retryDelay reports whether a failed attempt is retried and after how
// long. Closed clients, pools and transports and invalid requests are
// never retried, and neither are requests whose body cannot be replayed.
func (c *Client) retryDelay(ctx context.Context, req *request.Request, attempt int, err error) (time.Duration, bool) {
	if !req.RetryEnabled() || !req.Replayable() || ctx.Err() != nil || c.isClosed() {
		return 0, false
	}
	for _, fatal := range []error{
		ErrClientClosed,
		pool.ErrPoolClosed,
		transport.ErrTransportClosed,
		transport.ErrVersionMismatch,
		request.ErrInvalidRequest,
	} {
		if errors.Is(err, fatal) {
			return 0, false
		}
	}
	return req.BackOff().NextDelay(attempt)
}

// settle resolves the request's handle and ends its accounting.
func (c *Client) settle(rt route, future *request.Future, resp *request.Response, err error) {
	if err != nil {
		c.failures.Add(1)
	} else {
		c.responses.Add(1)
	}
	future.Complete(resp, err)
	rt.whenDone()
	c.end()
}

func (c *Client) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.inflight++
	if c.inflight == 1 {
		c.drained = make(chan struct{})
	}
	return nil
}

func (c *Client) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if c.inflight == 0 {
		close(c.drained)
	}
}

func (c *Client) track(tr *transport.Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return false
	}
	c.active[tr] = struct{}{}
	return true
}

func (c *Client) untrack(tr *transport.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, tr)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Shutdown stops accepting requests and waits for the ones already
// accepted to complete before closing the client. If ctx ends first, the
// remaining requests fail.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	drained := c.drained
	c.mu.Unlock()
	var waitErr error
	select {
	case <-drained:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	return errors.Join(waitErr, c.Close())
}

// Close fails every request still in flight with
// transport.ErrTransportClosed, closes all connections and rejects new
// requests. It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		active := make([]*transport.Transport, 0, len(c.active))
		for tr := range c.active {
			active = append(active, tr)
		}
		c.active = nil
		c.mu.Unlock()

		// Closing the pools first releases callers blocked on admission,
		// including one that is opening a shared transport.
		errs := make([]error, len(c.nodes))
		var pools errgroup.Group
		for i, n := range c.nodes {
			np := c.pools[n.Key()]
			pools.Go(func() error {
				errs[i] = np.pool.Close()
				return nil
			})
		}
		_ = pools.Wait()

		var transports errgroup.Group
		for _, tr := range active {
			transports.Go(func() error {
				_ = tr.Close()
				return nil
			})
		}
		for i, n := range c.nodes {
			np := c.pools[n.Key()]
			transports.Go(func() error {
				np.mu.Lock()
				shared := np.shared
				np.shared = nil
				np.mu.Unlock()
				if shared != nil {
					errs[i] = errors.Join(errs[i], shared.Close())
				}
				return nil
			})
		}
		_ = transports.Wait()
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
