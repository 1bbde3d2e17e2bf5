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
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bufbuild/asynchttp/internal"
	"github.com/bufbuild/asynchttp/resolver"
	"github.com/google/uuid"
)

const bufferSize = 4 << 10

// State is the lifecycle state of a Conn.
type State int32

const (
	// StateIdle means the connection has no exchange bound to it. It is
	// either parked in its pool or about to be released.
	StateIdle State = iota
	// StateLeased means a caller holds the connection but has not bound an
	// exchange to it yet.
	StateLeased
	// StateInFlight means an exchange is bound and its response has not been
	// fully received.
	StateInFlight
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLeased:
		return "leased"
	case StateInFlight:
		return "in-flight"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Exchange is the request/response pairing bound to a connection while it is
// in flight. The sequence number identifies the exchange so that a late or
// duplicate completion can be told apart from the current one.
type Exchange interface {
	Seq() uint64
}

// Conn is one physical connection to a destination, plus the buffered
// reader and writer the HTTP codec uses on it.
type Conn struct {
	id        uuid.UUID
	dest      resolver.Destination
	netConn   net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	tlsState  *tls.ConnectionState
	createdAt time.Time
	closeOnce sync.Once
	closeErr  error

	mu sync.Mutex
	// +checklocks:mu
	state State
	// +checklocks:mu
	pending Exchange
	// +checklocks:mu
	exchanges int

	// The fields below belong to the owning pool and are guarded by its mutex.
	owner     *Pool
	leased    bool
	idleSince time.Time
	idleTimer internal.Timer
}

// NewConn wraps an established network connection. If netConn is a
// *tls.Conn, its handshake must already be complete. The returned Conn is
// in StateLeased: it belongs to whoever created it until it is added to a
// pool.
func NewConn(dest resolver.Destination, netConn net.Conn, now time.Time) *Conn {
	conn := &Conn{
		id:        uuid.New(),
		dest:      dest,
		netConn:   netConn,
		reader:    bufio.NewReaderSize(netConn, bufferSize),
		writer:    bufio.NewWriterSize(netConn, bufferSize),
		createdAt: now,
		state:     StateLeased,
	}
	if tlsConn, ok := netConn.(*tls.Conn); ok {
		state := tlsConn.ConnectionState()
		conn.tlsState = &state
	}
	return conn
}

// ID uniquely identifies the connection, for logs and traces.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// Destination returns the destination this connection is bound to.
func (c *Conn) Destination() resolver.Destination {
	return c.dest
}

// NetConn returns the underlying network connection.
func (c *Conn) NetConn() net.Conn {
	return c.netConn
}

// Reader returns the buffered reader over the connection. It must only be
// used while an exchange is bound.
func (c *Conn) Reader() *bufio.Reader {
	return c.reader
}

// Writer returns the buffered writer over the connection. It must only be
// used while an exchange is bound.
func (c *Conn) Writer() *bufio.Writer {
	return c.writer
}

// TLSConnectionState returns the negotiated TLS state, or nil for plain
// connections.
func (c *Conn) TLSConnectionState() *tls.ConnectionState {
	return c.tlsState
}

// CreatedAt returns the time the connection was established.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the exchange currently bound to the connection, or nil.
func (c *Conn) Pending() Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Exchanges returns how many exchanges have been bound to the connection
// over its lifetime.
func (c *Conn) Exchanges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchanges
}

// Bind makes ex the connection's pending exchange, moving it from Leased to
// InFlight. It fails if the connection is not leased or already carries an
// exchange.
func (c *Conn) Bind(ex Exchange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return fmt.Errorf("bind exchange %d: %w (pending exchange %d)", ex.Seq(), ErrExchangeInFlight, c.pending.Seq())
	}
	if c.state != StateLeased {
		return fmt.Errorf("bind exchange %d: connection is %v, not leased", ex.Seq(), c.state)
	}
	c.pending = ex
	c.state = StateInFlight
	c.exchanges++
	return nil
}

// Complete clears the pending exchange and moves the connection from
// InFlight to Idle, after which it may be released. ex must be the exchange
// that was bound; anything else is rejected and leaves the connection as is.
func (c *Conn) Complete(ex Exchange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInFlight {
		return fmt.Errorf("complete exchange %d: connection is %v, not in flight", ex.Seq(), c.state)
	}
	if c.pending == nil || c.pending.Seq() != ex.Seq() {
		return fmt.Errorf("complete exchange %d: %w", ex.Seq(), errNotPending)
	}
	c.pending = nil
	c.state = StateIdle
	return nil
}

// Close closes the underlying connection. Closed is terminal: a closed
// connection never becomes idle or leased again.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.closeOnce.Do(func() {
		c.closeErr = c.netConn.Close()
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.State() == StateClosed
}

func (c *Conn) String() string {
	return c.dest.String() + "#" + c.id.String()
}

// lease moves an idle connection to Leased. It returns false if the
// connection was closed in the meantime.
func (c *Conn) lease() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return false
	}
	c.state = StateLeased
	return true
}

// park moves a released connection to Idle.
func (c *Conn) park() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.state = StateIdle
	return true
}

// releasable reports whether the connection may go back to its pool. A
// connection with a pending exchange never may.
func (c *Conn) releasable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil || c.state == StateInFlight {
		return ErrExchangeInFlight
	}
	return nil
}

// handOff moves a released connection straight to Leased for a waiting
// caller.
func (c *Conn) handOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.state = StateLeased
	return true
}
