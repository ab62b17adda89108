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

// Package pool provides a bounded pool of reusable connections to one or
// more nodes.
//
// Each node has a counting semaphore with as many permits as the pool's
// per-node limit. A permit is held for as long as an entry is leased, so
// the number of leased entries per node never exceeds the limit. Idle
// entries hold no permit. Acquire blocks until a permit is available; it
// never returns an empty lease. Fairness among blocked callers is not
// guaranteed.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bufbuild/httppool/node"
	"github.com/bufbuild/httppool/picker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

//nolint:gochecknoglobals
var (
	// ErrPoolClosed is returned by Acquire and Prepare once Close has been
	// called, including to callers that were blocked in Acquire.
	ErrPoolClosed = errors.New("pool is closed")
	// ErrNotLeased is returned when releasing an entry that is not
	// currently leased, or that belongs to another pool.
	ErrNotLeased = errors.New("entry is not leased from this pool")
)

// Config configures a Pool.
type Config[T any] struct {
	// Nodes are the endpoints the pool connects to. At least one is
	// required.
	Nodes []node.Node
	// Limit is the maximum number of leased connections per node.
	Limit int
	// Dial opens a new connection to a node.
	Dial func(ctx context.Context, n node.Node) (T, error)
	// Close closes a connection. Optional.
	Close func(conn T) error
	// Healthy reports whether an idle connection may be handed out
	// again. Unhealthy connections are closed instead. Optional.
	Healthy func(conn T) bool
	// Picker selects the node for each Acquire. Defaults to
	// picker.RoundRobinFactory.
	Picker picker.Factory
	// Logger receives debug events. Defaults to a discarding logger.
	Logger *slog.Logger
}

// Pool is a bounded set of reusable connections.
type Pool[T any] struct {
	config Config[T]
	picker picker.Picker
	slots  map[node.Key]*slot[T]
	logger *slog.Logger

	closeCtx   context.Context //nolint:containedctx
	closeFunc  context.CancelFunc
	closeOnce  sync.Once
	closeError error

	mu sync.Mutex
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	inUse int
	// +checklocks:mu
	peak int
}

type slot[T any] struct {
	node node.Node
	sem  *semaphore.Weighted
	// +checklocks:Pool.mu
	idle []*Entry[T]
	// +checklocks:Pool.mu
	inUse int
	// +checklocks:Pool.mu
	peak int
}

// Entry is one pooled connection.
type Entry[T any] struct {
	pool     *Pool[T]
	slot     *slot[T]
	conn     T
	// +checklocks:pool.mu
	whenDone func()
	// +checklocks:pool.mu
	leased bool
}

// Conn returns the pooled connection.
func (e *Entry[T]) Conn() T { return e.conn }

// Node returns the node the connection is open to.
func (e *Entry[T]) Node() node.Node { return e.slot.node }

// InUse reports whether the entry is currently leased.
func (e *Entry[T]) InUse() bool {
	e.pool.mu.Lock()
	defer e.pool.mu.Unlock()
	return e.leased
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Idle  int
	InUse int
	// PeakInUse is the highest number of connections leased at once
	// across all nodes.
	PeakInUse int
	// NodePeakInUse is the highest number of connections any single node
	// had leased at once. It never exceeds Config.Limit.
	NodePeakInUse int
}

// New creates a pool. No connections are opened until Prepare or
// Acquire.
func New[T any](config Config[T]) (*Pool[T], error) {
	if len(config.Nodes) == 0 {
		return nil, errors.New("pool requires at least one node")
	}
	if config.Limit <= 0 {
		return nil, fmt.Errorf("pool limit must be positive, got %d", config.Limit)
	}
	if config.Dial == nil {
		return nil, errors.New("pool requires a dial function")
	}
	if config.Picker == nil {
		config.Picker = picker.RoundRobinFactory
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	slots := make(map[node.Key]*slot[T], len(config.Nodes))
	nodes := make([]node.Node, 0, len(config.Nodes))
	for _, n := range config.Nodes {
		if err := n.Validate(); err != nil {
			return nil, err
		}
		if _, ok := slots[n.Key()]; ok {
			return nil, fmt.Errorf("duplicate pool node %s", n.HostPort())
		}
		slots[n.Key()] = &slot[T]{node: n, sem: semaphore.NewWeighted(int64(config.Limit))}
		nodes = append(nodes, n)
	}
	closeCtx, closeFunc := context.WithCancel(context.Background())
	return &Pool[T]{
		config:    config,
		picker:    config.Picker.New(nodes),
		slots:     slots,
		logger:    logger,
		closeCtx:  closeCtx,
		closeFunc: closeFunc,
	}, nil
}

// Nodes returns the pool's nodes in configuration order.
func (p *Pool[T]) Nodes() []node.Node {
	nodes := make([]node.Node, 0, len(p.config.Nodes))
	return append(nodes, p.config.Nodes...)
}

// Limit returns the per-node lease limit.
func (p *Pool[T]) Limit() int { return p.config.Limit }

// Prepare opens up to count idle connections per node, capped at the
// limit and counting connections that are already idle. Failures are
// joined into the returned error; the pool remains usable either way.
func (p *Pool[T]) Prepare(ctx context.Context, count int) error {
	if count > p.config.Limit {
		count = p.config.Limit
	}
	var grp errgroup.Group
	var errsMu sync.Mutex
	var errs []error
	for _, n := range p.config.Nodes {
		s := p.slots[n.Key()]
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		missing := count - len(s.idle)
		p.mu.Unlock()
		for i := 0; i < missing; i++ {
			grp.Go(func() error {
				if err := p.prepareOne(ctx, s); err != nil {
					errsMu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", s.node.HostPort(), err))
					errsMu.Unlock()
				}
				return nil
			})
		}
	}
	_ = grp.Wait()
	return errors.Join(errs...)
}

func (p *Pool[T]) prepareOne(ctx context.Context, s *slot[T]) error {
	// Hold a permit while dialing so warm-up never overshoots the limit.
	if !s.sem.TryAcquire(1) {
		return nil
	}
	defer s.sem.Release(1)
	conn, err := p.config.Dial(ctx, s.node)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed || len(s.idle) >= p.config.Limit {
		p.mu.Unlock()
		return p.closeConn(conn)
	}
	s.idle = append(s.idle, &Entry[T]{pool: p, slot: s, conn: conn})
	p.mu.Unlock()
	return nil
}

// Acquire leases a connection. It blocks until the chosen node has a free
// permit, ctx is done, or the pool is closed. An idle healthy connection
// is reused if available; otherwise a new one is dialed.
func (p *Pool[T]) Acquire(ctx context.Context) (*Entry[T], error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	n, whenDone, err := p.picker.Pick()
	if err != nil {
		return nil, err
	}
	if whenDone == nil {
		whenDone = func() {}
	}
	s := p.slots[n.Key()]

	acquireCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(p.closeCtx, func() { cancel(ErrPoolClosed) })
	defer stop()
	if err := s.sem.Acquire(acquireCtx, 1); err != nil {
		whenDone()
		if cause := context.Cause(acquireCtx); errors.Is(cause, ErrPoolClosed) {
			return nil, ErrPoolClosed
		}
		return nil, err
	}

	entry, err := p.lease(acquireCtx, s)
	if err != nil {
		s.sem.Release(1)
		whenDone()
		if errors.Is(context.Cause(acquireCtx), ErrPoolClosed) {
			return nil, ErrPoolClosed
		}
		return nil, err
	}
	p.mu.Lock()
	entry.whenDone = whenDone
	p.mu.Unlock()
	return entry, nil
}

// lease runs with a permit held.
func (p *Pool[T]) lease(ctx context.Context, s *slot[T]) (*Entry[T], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		var entry *Entry[T]
		if last := len(s.idle) - 1; last >= 0 {
			entry = s.idle[last]
			s.idle[last] = nil
			s.idle = s.idle[:last]
		}
		p.mu.Unlock()
		if entry == nil {
			break
		}
		if p.config.Healthy == nil || p.config.Healthy(entry.conn) {
			p.markLeased(entry)
			return entry, nil
		}
		p.logger.LogAttrs(ctx, slog.LevelDebug, "discarding unhealthy idle connection",
			slog.String("node", s.node.HostPort()))
		_ = p.closeConn(entry.conn)
	}

	conn, err := p.config.Dial(ctx, s.node)
	if err != nil {
		return nil, err
	}
	p.logger.LogAttrs(ctx, slog.LevelDebug, "opened pooled connection",
		slog.String("node", s.node.HostPort()),
		slog.String("version", s.node.Version.String()))
	entry := &Entry[T]{pool: p, slot: s, conn: conn}
	if p.markLeased(entry) {
		return entry, nil
	}
	_ = p.closeConn(conn)
	return nil, ErrPoolClosed
}

func (p *Pool[T]) markLeased(entry *Entry[T]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	entry.leased = true
	p.inUse++
	p.peak = max(p.peak, p.inUse)
	entry.slot.inUse++
	entry.slot.peak = max(entry.slot.peak, entry.slot.inUse)
	return true
}

// Release returns a leased entry. The connection is closed instead of
// kept idle when closeConn is true, when the pool is closed, or when the
// node already has Limit idle connections. Release never blocks.
func (p *Pool[T]) Release(entry *Entry[T], closeConn bool) error {
	if entry == nil || entry.pool != p {
		return ErrNotLeased
	}
	p.mu.Lock()
	if !entry.leased {
		p.mu.Unlock()
		return ErrNotLeased
	}
	entry.leased = false
	p.inUse--
	entry.slot.inUse--
	// The next lessee may set its own callback as soon as the entry is idle.
	whenDone := entry.whenDone
	entry.whenDone = nil
	keep := !closeConn && !p.closed && len(entry.slot.idle) < p.config.Limit
	if keep {
		entry.slot.idle = append(entry.slot.idle, entry)
	}
	p.mu.Unlock()

	entry.slot.sem.Release(1)
	if whenDone != nil {
		whenDone()
	}
	if keep {
		return nil
	}
	return p.closeConn(entry.conn)
}

// Close closes every idle connection and fails all current and future
// Acquire calls with ErrPoolClosed. Leased connections are closed when
// they are released. Close is idempotent.
func (p *Pool[T]) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		var idle []*Entry[T]
		for _, s := range p.slots {
			idle = append(idle, s.idle...)
			s.idle = nil
		}
		p.mu.Unlock()
		p.closeFunc()

		var grp errgroup.Group
		errs := make([]error, len(idle))
		for i, entry := range idle {
			grp.Go(func() error {
				errs[i] = p.closeConn(entry.conn)
				return nil
			})
		}
		_ = grp.Wait()
		p.closeError = errors.Join(errs...)
	})
	return p.closeError
}

// Stats returns a snapshot of pool usage.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := Stats{InUse: p.inUse, PeakInUse: p.peak}
	for _, s := range p.slots {
		stats.Idle += len(s.idle)
		stats.NodePeakInUse = max(stats.NodePeakInUse, s.peak)
	}
	return stats
}

func (p *Pool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool[T]) closeConn(conn T) error {
	if p.config.Close == nil {
		return nil
	}
	return p.config.Close(conn)
}
