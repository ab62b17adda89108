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

// Package transport binds request exchanges to a single connection.
//
// A Transport tracks every request submitted to it until the request
// completes, and counts them so callers can wait for the connection to go
// quiet. HTTP/1.1 transports run exchanges one at a time in submission
// order; HTTP/2 transports run them concurrently, each on its own stream,
// and correlate every response to its request by stream ID.
//
// A connection-level error moves the transport to the Failed state and
// fails every outstanding request with an *Error. A request timeout only
// fails the request it belongs to.
package transport

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/httppool/internal"
	"github.com/bufbuild/httppool/node"
	"github.com/bufbuild/httppool/request"
)

// Mode is how a transport schedules exchanges on its connection.
type Mode uint8

const (
	// Serial runs one exchange at a time, in submission order.
	Serial Mode = iota + 1
	// Multiplexed runs exchanges concurrently on separate streams.
	Multiplexed
)

// State is the lifecycle state of a transport.
type State int32

const (
	// Open transports accept new requests.
	Open State = iota
	// Draining transports finish outstanding requests but reject new ones.
	Draining
	// Closed transports are done. Requests that were outstanding at close
	// failed with ErrTransportClosed.
	Closed
	// Failed transports hit a connection-level error.
	Failed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a Transport.
type Options struct {
	// DefaultTimeout applies to requests whose timeout is negative. Zero
	// means no timeout.
	DefaultTimeout time.Duration
	// Logger receives debug events. Defaults to a discarding logger.
	Logger *slog.Logger
	// OnClose runs once when the transport is closed, in place of closing
	// the connection. It is how a pool takes the connection back.
	OnClose func(t *Transport) error
	// Redial opens a replacement connection for a serial transport whose
	// connection was left unusable by a timed out or cancelled exchange.
	// Without it, requests queued behind such an exchange fail with
	// ErrConnUnusable while the transport stays open.
	Redial func(ctx context.Context) (Conn, error)

	clock internal.Clock
}

// Transport runs request exchanges over one connection.
type Transport struct {
	// base is the connection the transport was created with; OnClose
	// takes it back.
	base           Conn
	redial         func(ctx context.Context) (Conn, error)
	node           node.Node
	mode           Mode
	defaultTimeout time.Duration
	logger         *slog.Logger
	onClose        func(t *Transport) error
	clock          internal.Clock

	ctx    context.Context //nolint:containedctx
	cancel context.CancelCauseFunc

	// +checkatomic
	state atomic.Int32
	// +checkatomic
	outstanding atomic.Int64
	closeOnce   sync.Once
	closeErr    error

	mu sync.Mutex
	// +checklocks:mu
	streams map[uint32]*stream
	// +checklocks:mu
	sequence uint32
	// +checklocks:mu
	drained chan struct{}
	// +checklocks:mu
	tail <-chan struct{}
	// +checklocks:mu
	failure *Error
	// +checklocks:mu
	interrupted bool
	// +checklocks:mu
	conn Conn
	// +checklocks:mu
	spent bool
}

type stream struct {
	id   uint32
	req  *request.Request
	done func(*request.Response, error)
	// serial mode only: turn is closed when the previous exchange is over,
	// finished when this one is.
	turn     <-chan struct{}
	finished chan struct{}
}

// New binds a transport to conn. Most callers use Provider.NewTransport.
func New(conn Conn, mode Mode, options Options) *Transport {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clock := options.clock
	if clock == nil {
		clock = internal.NewRealClock()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	drained := make(chan struct{})
	close(drained)
	return &Transport{
		base:           conn,
		conn:           conn,
		redial:         options.Redial,
		node:           conn.Node(),
		mode:           mode,
		defaultTimeout: options.DefaultTimeout,
		logger:         logger,
		onClose:        options.OnClose,
		clock:          clock,
		ctx:            ctx,
		cancel:         cancel,
		streams:        make(map[uint32]*stream),
		drained:        drained,
	}
}

// Node returns the endpoint of the underlying connection.
func (t *Transport) Node() node.Node { return t.node }

// Version returns the protocol version the transport speaks.
func (t *Transport) Version() node.Version { return t.node.Version }

// Mode returns how the transport schedules exchanges.
func (t *Transport) Mode() Mode { return t.mode }

// State returns the current lifecycle state.
func (t *Transport) State() State { return State(t.state.Load()) }

// Failed reports whether a connection-level error has occurred.
func (t *Transport) Failed() bool { return t.State() == Failed }

// Failure returns the connection-level error, or nil.
func (t *Transport) Failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failure == nil {
		return nil
	}
	return t.failure
}

// Outstanding returns the number of submitted requests that have not
// completed yet.
func (t *Transport) Outstanding() int { return int(t.outstanding.Load()) }

// Reusable reports whether the connection may be handed to another user
// once this transport is closed: it never failed, no exchange was cut
// short by Close, and the connection itself can take more requests.
func (t *Transport) Reusable() bool {
	t.mu.Lock()
	interrupted := t.interrupted
	replaced := t.conn != t.base
	t.mu.Unlock()
	return !interrupted && !replaced && t.State() != Failed && t.base.Reusable()
}

// Execute submits req and returns its completion handle. The request's
// listener runs before the handle resolves.
func (t *Transport) Execute(ctx context.Context, req *request.Request) *request.Future {
	future := req.Track()
	t.Submit(ctx, req, func(resp *request.Response, err error) {
		future.Complete(resp, err)
	})
	return future
}

// Submit starts an exchange for req and calls done exactly once with its
// outcome. The outstanding count drops only after done returns. A
// request that cannot be submitted completes immediately.
//
// Cancelling ctx fails the request without affecting the transport. A
// cancelled HTTP/1.1 exchange spends its connection; see Options.Redial.
func (t *Transport) Submit(ctx context.Context, req *request.Request, done func(*request.Response, error)) {
	s, err := t.open(req, done)
	if err != nil {
		done(nil, err)
		return
	}
	t.logger.LogAttrs(ctx, slog.LevelDebug, "request submitted",
		slog.String("node", t.node.HostPort()),
		slog.String("request", req.ID()),
		slog.Uint64("stream", uint64(s.id)))
	go t.run(ctx, s)
}

func (t *Transport) open(req *request.Request, done func(*request.Response, error)) (*stream, error) {
	if req.Version() != t.node.Version {
		return nil, fmt.Errorf("%w: %s request on %s transport", ErrVersionMismatch, req.Version(), t.node.Version)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.State() {
	case Open:
	case Failed:
		return nil, t.failure
	default:
		return nil, ErrTransportClosed
	}
	t.sequence++
	id := t.sequence
	if t.mode == Multiplexed {
		// Client-initiated HTTP/2 streams use odd identifiers.
		id = 2*t.sequence - 1
	}
	s := &stream{id: id, req: req, done: done}
	if t.mode == Serial {
		s.turn = t.tail
		s.finished = make(chan struct{})
		t.tail = s.finished
	}
	if t.outstanding.Add(1) == 1 {
		t.drained = make(chan struct{})
	}
	t.streams[id] = s
	return s, nil
}

func (t *Transport) run(ctx context.Context, s *stream) {
	if s.finished != nil {
		defer close(s.finished)
	}
	if s.turn != nil {
		select {
		case <-s.turn:
		case <-t.ctx.Done():
			// Already failed by Close or a connection failure.
			return
		case <-ctx.Done():
			t.complete(s.id, nil, context.Cause(ctx))
			return
		}
	}
	if !t.pending(s.id) {
		return
	}
	start := time.Now()
	resp, err := t.exchange(ctx, s)
	if err != nil {
		t.logger.LogAttrs(ctx, slog.LevelDebug, "request failed",
			slog.String("node", t.node.HostPort()),
			slog.String("request", s.req.ID()),
			slog.Uint64("stream", uint64(s.id)),
			slog.Any("error", err))
	} else {
		t.logger.LogAttrs(ctx, slog.LevelDebug, "request complete",
			slog.String("node", t.node.HostPort()),
			slog.String("request", s.req.ID()),
			slog.Uint64("stream", uint64(s.id)),
			slog.Int("status", resp.StatusCode),
			slog.Duration("elapsed", time.Since(start)))
	}
	t.complete(s.id, resp, err)
}

func (t *Transport) exchange(ctx context.Context, s *stream) (*request.Response, error) {
	exchangeCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(t.ctx, func() { cancel(context.Cause(t.ctx)) })
	defer stop()
	timeout := s.req.Timeout()
	if timeout < 0 {
		timeout = t.defaultTimeout
	}
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		exchangeCtx, cancelTimeout = context.WithTimeoutCause(exchangeCtx, timeout, ErrRequestTimeout)
		defer cancelTimeout()
	}

	httpReq, err := newHTTPRequest(exchangeCtx, s.req, t.node)
	if err != nil {
		return nil, err
	}
	conn, err := t.connFor(exchangeCtx)
	if err != nil {
		return nil, err
	}
	httpResp, err := conn.RoundTrip(exchangeCtx, httpReq)
	if err != nil {
		return nil, t.classify(exchangeCtx, s, conn, timeout, err)
	}
	return newResponse(httpResp, s.req, t.node, s.id)
}

// connFor returns the connection for the next exchange. A connection
// that can take no more requests, because an earlier exchange was
// interrupted or the server asked to close it, is replaced if the
// transport can redial.
func (t *Transport) connFor(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	conn, spent := t.conn, t.spent
	t.mu.Unlock()
	if conn.Reusable() {
		return conn, nil
	}
	if t.redial == nil {
		if spent {
			return nil, fmt.Errorf("%w: an earlier exchange was interrupted", ErrConnUnusable)
		}
		// Let the round trip report the connection's state.
		return conn, nil
	}
	fresh, err := t.redial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, t.fail(err)
	}
	t.mu.Lock()
	if t.State() == Closed || t.State() == Failed {
		t.mu.Unlock()
		_ = fresh.Close()
		return nil, ErrTransportClosed
	}
	old := t.conn
	t.conn, t.spent = fresh, false
	t.mu.Unlock()
	if old != t.base {
		_ = old.Close()
	}
	t.logger.LogAttrs(ctx, slog.LevelDebug, "replaced interrupted connection",
		slog.String("node", t.node.HostPort()))
	return fresh, nil
}

// classify decides whether a round trip error belongs to the request
// alone or to the whole connection.
func (t *Transport) classify(ctx context.Context, s *stream, conn Conn, timeout time.Duration, err error) error {
	if ctx.Err() != nil {
		if t.mode == Serial && !conn.Reusable() {
			t.mu.Lock()
			t.spent = true
			t.mu.Unlock()
		}
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrRequestTimeout) {
			return fmt.Errorf("%w: %s %s after %v", ErrRequestTimeout, s.req.Method(), s.req.Target(), timeout)
		}
		return cause
	}
	if conn.Reusable() {
		// A stream-level error such as a reset leaves the connection intact.
		return err
	}
	return t.fail(err)
}

// pending reports whether the stream is still in the table.
func (t *Transport) pending(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.streams[id]
	return ok
}

// complete removes the stream and delivers its outcome. Streams that were
// already failed by Close or a connection failure are ignored.
func (t *Transport) complete(id uint32, resp *request.Response, err error) {
	t.mu.Lock()
	s, ok := t.streams[id]
	delete(t.streams, id)
	t.mu.Unlock()
	if !ok {
		return
	}
	s.done(resp, err)
	t.finish()
}

func (t *Transport) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outstanding.Add(-1) == 0 {
		close(t.drained)
	}
}

// failAll completes every outstanding stream with err, in stream order.
func (t *Transport) failAll(err error) int {
	t.mu.Lock()
	streams := make([]*stream, 0, len(t.streams))
	for _, s := range t.streams {
		streams = append(streams, s)
	}
	clear(t.streams)
	t.mu.Unlock()
	slices.SortFunc(streams, func(a, b *stream) int { return cmp.Compare(a.id, b.id) })
	for _, s := range streams {
		s.done(nil, err)
		t.finish()
	}
	return len(streams)
}

func (t *Transport) fail(err error) error {
	t.mu.Lock()
	if t.failure != nil {
		failure := t.failure
		t.mu.Unlock()
		return failure
	}
	failure := &Error{Node: t.node, Err: err}
	t.failure = failure
	t.state.Store(int32(Failed))
	t.mu.Unlock()

	t.logger.LogAttrs(context.Background(), slog.LevelDebug, "transport failed",
		slog.String("node", t.node.HostPort()),
		slog.Any("error", err))
	t.cancel(failure)
	t.failAll(failure)
	return failure
}

// Wait blocks until no requests are outstanding or ctx is done.
func (t *Transport) Wait(ctx context.Context) error {
	t.mu.Lock()
	drained := t.drained
	t.mu.Unlock()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout blocks until no requests are outstanding or d elapses, in
// which case it returns ErrWaitTimeout.
func (t *Transport) WaitTimeout(d time.Duration) error {
	t.mu.Lock()
	drained := t.drained
	t.mu.Unlock()
	timer := t.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-drained:
		return nil
	case <-timer.Chan():
		return fmt.Errorf("%w: %d outstanding", ErrWaitTimeout, t.Outstanding())
	}
}

// Shutdown stops accepting requests, waits for outstanding ones to
// complete and then closes the transport. If ctx ends first, the
// remaining requests fail with ErrTransportClosed.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.state.CompareAndSwap(int32(Open), int32(Draining))
	waitErr := t.Wait(ctx)
	return errors.Join(waitErr, t.Close())
}

// Close fails outstanding requests with ErrTransportClosed and releases
// the connection. It is idempotent, but must not be called from the done
// callback of a request that Close itself is failing; State reports
// Closed by then.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		if t.State() != Failed {
			t.state.Store(int32(Closed))
		}
		t.mu.Unlock()
		t.cancel(ErrTransportClosed)
		if n := t.failAll(ErrTransportClosed); n > 0 {
			t.mu.Lock()
			t.interrupted = true
			t.mu.Unlock()
		}
		t.mu.Lock()
		current := t.conn
		t.mu.Unlock()
		var replacementErr error
		if current != t.base {
			replacementErr = current.Close()
		}
		if t.onClose != nil {
			t.closeErr = t.onClose(t)
		} else {
			t.closeErr = t.base.Close()
		}
		t.closeErr = errors.Join(t.closeErr, replacementErr)
	})
	return t.closeErr
}
