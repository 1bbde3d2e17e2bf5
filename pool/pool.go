// Copyright 2023-2025 Buf Technologies, Inc.
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

package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bufbuild/asynchttp/internal"
	"github.com/bufbuild/asynchttp/resolver"
	"go.uber.org/zap"
)

var (
	// ErrPoolClosed is returned by Acquire once the pool has been closed.
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrExchangeInFlight is returned when a connection that still carries
	// an exchange is released or bound again.
	ErrExchangeInFlight = errors.New("connection has an exchange in flight")
	// ErrAcquireTimeout is returned when Acquire waits longer than the
	// pool's acquire timeout.
	ErrAcquireTimeout = errors.New("timed out acquiring a connection")
	// ErrNotLeased is returned when a connection that is not currently
	// leased from the pool is handed back to it.
	ErrNotLeased = errors.New("connection is not leased from this pool")

	errNotPending = errors.New("exchange is not pending on this connection")
)

// DialFunc establishes a new network connection to dest. For TLS
// destinations, the returned connection must have completed its handshake.
type DialFunc func(ctx context.Context, dest resolver.Destination) (net.Conn, error)

// DialError reports a failure to establish a new connection.
type DialError struct {
	Destination resolver.Destination
	Err         error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %v: %v", e.Destination, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// Option configures a Pool.
type Option interface {
	apply(*poolOptions)
}

// WithCapacity bounds the number of connections (idle, leased, and being
// dialed) the pool may hold at once. The default is 64.
func WithCapacity(capacity int) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.capacity = capacity
	})
}

// WithAcquireTimeout bounds how long Acquire may take, including the time
// spent waiting in the queue and dialing. Zero means Acquire is bounded
// only by its context.
func WithAcquireTimeout(timeout time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.acquireTimeout = timeout
	})
}

// WithIdleTimeout closes connections that stay idle in the pool for longer
// than timeout. Zero keeps idle connections open indefinitely.
func WithIdleTimeout(timeout time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.idleTimeout = timeout
	})
}

// WithLogger sets the logger used for connection lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.logger = logger
	})
}

// WithClock replaces the clock used for timers. Tests use a fake clock.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.clock = clock
	})
}

type optionFunc func(*poolOptions)

func (f optionFunc) apply(opts *poolOptions) {
	f(opts)
}

type poolOptions struct {
	capacity       int
	acquireTimeout time.Duration
	idleTimeout    time.Duration
	logger         *zap.Logger
	clock          internal.Clock
}

// Stats is a point-in-time snapshot of a pool's bookkeeping.
type Stats struct {
	Capacity int
	// Open counts idle, leased, and dialing connections.
	Open    int
	Leased  int
	Idle    int
	Waiting int

	Dials        uint64
	DialFailures uint64
	Discarded    uint64
	Evicted      uint64
	Waits        uint64
}

// Pool is a bounded cache of connections to a single destination. It is
// safe for concurrent use.
type Pool struct {
	dest           resolver.Destination
	dial           DialFunc
	capacity       int
	acquireTimeout time.Duration
	idleTimeout    time.Duration
	clock          internal.Clock
	logger         *zap.Logger

	mu sync.Mutex
	// +checklocks:mu
	idle []*Conn
	// +checklocks:mu
	numOpen int
	// +checklocks:mu
	numLeased int
	// +checklocks:mu
	waiters list.List // of *waiter, oldest first
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	stats Stats
}

type waiter struct {
	// grant is buffered so that handing off never blocks while the pool's
	// lock is held.
	grant chan grant
	// +checklocks:Pool.mu
	elem *list.Element
}

// grant is what a waiter receives: a connection, a reserved slot to dial a
// new connection into, or an error.
type grant struct {
	conn *Conn
	dial bool
	err  error
}

// New returns an empty pool for dest that uses dial to open connections.
func New(dest resolver.Destination, dial DialFunc, options ...Option) *Pool {
	opts := poolOptions{capacity: 64}
	for _, opt := range options {
		opt.apply(&opts)
	}
	if opts.capacity < 1 {
		opts.capacity = 1
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
	return &Pool{
		dest:           dest,
		dial:           dial,
		capacity:       opts.capacity,
		acquireTimeout: opts.acquireTimeout,
		idleTimeout:    opts.idleTimeout,
		clock:          opts.clock,
		logger:         opts.logger.With(zap.Stringer("destination", dest)),
	}
}

// Destination returns the destination the pool connects to.
func (p *Pool) Destination() resolver.Destination {
	return p.dest
}

// Acquire returns a leased connection. It prefers the most recently used
// idle connection, then dials a new one if the pool is below capacity, and
// otherwise waits for a connection or a free slot. Waiters are served in
// arrival order.
//
// Acquire fails with the context's error if ctx is done first, with
// ErrAcquireTimeout if the pool's acquire timeout elapses first, with a
// *DialError if a new connection cannot be established, and with
// ErrPoolClosed once the pool is closed.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if p.acquireTimeout > 0 {
		var cancel context.CancelCauseFunc
		ctx, cancel = context.WithCancelCause(ctx)
		timer := p.clock.AfterFunc(p.acquireTimeout, func() {
			cancel(ErrAcquireTimeout)
		})
		defer func() {
			timer.Stop()
			cancel(nil)
		}()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if ctx.Err() != nil {
		p.mu.Unlock()
		return nil, contextError(ctx)
	}
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		conn := p.idle[last]
		p.idle[last] = nil
		p.idle = p.idle[:last]
		stopIdleTimer(conn)
		if !conn.lease() {
			// closed underneath us; its slot is free again
			p.numOpen--
			continue
		}
		conn.leased = true
		p.numLeased++
		p.mu.Unlock()
		return conn, nil
	}
	if p.numOpen < p.capacity {
		p.numOpen++ // reserve the slot before dialing
		p.mu.Unlock()
		return p.dialLeased(ctx)
	}

	w := &waiter{grant: make(chan grant, 1)}
	w.elem = p.waiters.PushBack(w)
	p.stats.Waits++
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		p.mu.Lock()
		if w.elem != nil {
			p.waiters.Remove(w.elem)
			w.elem = nil
			p.mu.Unlock()
			return nil, contextError(ctx)
		}
		p.mu.Unlock()
		// Lost the race with a hand-off: the grant is already in the
		// channel and has to be given back.
		p.returnGrant(<-w.grant)
		return nil, contextError(ctx)
	case granted := <-w.grant:
		switch {
		case granted.err != nil:
			return nil, granted.err
		case granted.conn != nil:
			return granted.conn, nil
		default:
			return p.dialLeased(ctx)
		}
	}
}

// Release returns a leased connection to the pool, handing it directly to
// the oldest waiter if there is one. A connection that still has an exchange
// in flight is refused with ErrExchangeInFlight and stays with the caller,
// who must either complete the exchange first or Discard the connection.
func (p *Pool) Release(conn *Conn) error {
	if err := conn.releasable(); err != nil {
		return err
	}
	p.mu.Lock()
	if conn.owner != p || !conn.leased {
		p.mu.Unlock()
		return ErrNotLeased
	}
	conn.leased = false
	p.numLeased--
	if p.closed || conn.Closed() {
		p.numOpen--
		p.grantSlotLocked()
		p.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	p.putLocked(conn)
	p.mu.Unlock()
	return nil
}

// Discard closes a leased connection instead of returning it, and frees its
// slot so that a waiter may dial a replacement. It is used for connections
// that failed or timed out mid-exchange, and for responses that asked for
// the connection to be closed.
func (p *Pool) Discard(conn *Conn, cause error) {
	p.mu.Lock()
	if conn.owner == p && conn.leased {
		conn.leased = false
		p.numLeased--
		p.numOpen--
		p.stats.Discarded++
		p.grantSlotLocked()
	}
	p.mu.Unlock()
	_ = conn.Close()
	p.logger.Debug("discarded connection", zap.Stringer("conn_id", conn.ID()), zap.Error(cause))
}

// Close closes idle connections, fails every waiting Acquire with
// ErrPoolClosed, and makes future Acquire calls fail the same way. Leased
// connections are closed when they are released or discarded.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.numOpen -= len(idle)
	for elem := p.waiters.Front(); elem != nil; elem = p.waiters.Front() {
		w := p.waiters.Remove(elem).(*waiter) //nolint:forcetypeassert,errcheck // only *waiter is stored
		w.elem = nil
		w.grant <- grant{err: ErrPoolClosed}
	}
	for _, conn := range idle {
		stopIdleTimer(conn)
	}
	p.mu.Unlock()

	var errs []error
	for _, conn := range idle {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the pool's bookkeeping.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.Capacity = p.capacity
	stats.Open = p.numOpen
	stats.Leased = p.numLeased
	stats.Idle = len(p.idle)
	stats.Waiting = p.waiters.Len()
	return stats
}

// dialLeased dials a connection into a slot that the caller has already
// reserved by incrementing numOpen.
func (p *Pool) dialLeased(ctx context.Context) (*Conn, error) {
	netConn, err := p.dial(ctx, p.dest)
	if err != nil {
		p.mu.Lock()
		p.numOpen--
		p.stats.DialFailures++
		p.grantSlotLocked()
		p.mu.Unlock()
		if ctx.Err() != nil {
			return nil, contextError(ctx)
		}
		return nil, &DialError{Destination: p.dest, Err: err}
	}
	conn := NewConn(p.dest, netConn, p.clock.Now())
	conn.owner = p

	p.mu.Lock()
	p.stats.Dials++
	if p.closed {
		p.numOpen--
		p.mu.Unlock()
		_ = conn.Close()
		return nil, ErrPoolClosed
	}
	conn.leased = true
	p.numLeased++
	p.mu.Unlock()
	p.logger.Debug("opened connection",
		zap.Stringer("conn_id", conn.ID()),
		zap.String("remote_addr", netConn.RemoteAddr().String()),
	)
	return conn, nil
}

// putLocked hands a released connection to the oldest waiter, or parks it.
//
// +checklocks:p.mu
func (p *Pool) putLocked(conn *Conn) {
	if front := p.waiters.Front(); front != nil {
		if !conn.handOff() {
			p.numOpen--
			p.grantSlotLocked()
			return
		}
		w := p.waiters.Remove(front).(*waiter) //nolint:forcetypeassert,errcheck // only *waiter is stored
		w.elem = nil
		conn.leased = true
		p.numLeased++
		w.grant <- grant{conn: conn}
		return
	}
	if !conn.park() {
		p.numOpen--
		return
	}
	conn.idleSince = p.clock.Now()
	if p.idleTimeout > 0 {
		conn.idleTimer = p.clock.AfterFunc(p.idleTimeout, func() {
			p.evict(conn)
		})
	}
	p.idle = append(p.idle, conn)
}

// grantSlotLocked gives a free slot, if any, to the oldest waiter, who will
// dial a new connection into it.
//
// +checklocks:p.mu
func (p *Pool) grantSlotLocked() {
	if p.closed || p.numOpen >= p.capacity {
		return
	}
	front := p.waiters.Front()
	if front == nil {
		return
	}
	w := p.waiters.Remove(front).(*waiter) //nolint:forcetypeassert,errcheck // only *waiter is stored
	w.elem = nil
	p.numOpen++
	w.grant <- grant{dial: true}
}

// returnGrant undoes a grant that a cancelled waiter received anyway.
func (p *Pool) returnGrant(granted grant) {
	switch {
	case granted.conn != nil:
		_ = p.Release(granted.conn)
	case granted.dial:
		p.mu.Lock()
		p.numOpen--
		p.grantSlotLocked()
		p.mu.Unlock()
	}
}

func (p *Pool) evict(conn *Conn) {
	p.mu.Lock()
	found := false
	for i, idle := range p.idle {
		if idle == conn {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		// leased again before the timer fired
		p.mu.Unlock()
		return
	}
	conn.idleTimer = nil
	p.numOpen--
	p.stats.Evicted++
	p.grantSlotLocked()
	p.mu.Unlock()
	_ = conn.Close()
	p.logger.Debug("evicted idle connection", zap.Stringer("conn_id", conn.ID()))
}

func stopIdleTimer(conn *Conn) {
	if conn.idleTimer != nil {
		conn.idleTimer.Stop()
		conn.idleTimer = nil
	}
}

func contextError(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrAcquireTimeout) {
		return ErrAcquireTimeout
	}
	return ctx.Err()
}
