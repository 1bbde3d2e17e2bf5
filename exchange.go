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

package asynchttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/bufbuild/asynchttp/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Callback receives the outcome of one submitted request. Exactly one of
// its methods is called, exactly once, from a goroutine owned by the
// client (or from within Submit, for a URL that cannot be resolved).
//
// The connection that carried the exchange is not reused until the
// callback returns, so callbacks should hand off long-running work.
type Callback interface {
	OnResponse(resp *Response)
	// OnError receives the failure. If the status line and headers had
	// already arrived, partial holds them.
	OnError(err error, partial *Response)
}

// CallbackFuncs adapts a pair of functions to the Callback interface.
// Either may be nil.
type CallbackFuncs struct {
	Response func(resp *Response)
	Error    func(err error, partial *Response)
}

// OnResponse implements Callback.
func (f CallbackFuncs) OnResponse(resp *Response) {
	if f.Response != nil {
		f.Response(resp)
	}
}

// OnError implements Callback.
func (f CallbackFuncs) OnError(err error, partial *Response) {
	if f.Error != nil {
		f.Error(err, partial)
	}
}

// errConnectionClose is the discard cause for a response that does not let
// its connection be reused.
var errConnectionClose = errors.New("server closed the connection after the response")

// aLongTimeAgo is a deadline in the past, used to interrupt blocked I/O.
//
//nolint:gochecknoglobals
var aLongTimeAgo = time.Unix(1, 0)

// exchange pairs one request with its callback. It is the pending exchange
// of at most one connection, and its callback fires at most once.
type exchange struct {
	seq      uint64
	req      *preparedRequest
	callback Callback
	client   *Client
	started  time.Time
	span     trace.Span
	done     atomic.Bool
}

var _ pool.Exchange = (*exchange)(nil)

func (ex *exchange) Seq() uint64 {
	return ex.seq
}

func (ex *exchange) destination() string {
	if ex.req == nil {
		return ""
	}
	return ex.req.dest.String()
}

// finish delivers the outcome unless one was already delivered, and
// reports whether this call delivered it. A panicking callback is logged
// and otherwise ignored.
func (ex *exchange) finish(resp *Response, err error) bool {
	if !ex.done.CompareAndSwap(false, true) {
		return false
	}
	client := ex.client
	client.metrics.observe(ex.destination(), err, client.clock.Since(ex.started))
	if ex.span != nil {
		if resp != nil {
			ex.span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		}
		if err != nil {
			ex.span.RecordError(err)
			ex.span.SetStatus(codes.Error, err.Error())
		}
		ex.span.End()
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			client.metrics.panics.Inc()
			client.logger.Error("callback panicked",
				zap.Uint64("seq", ex.seq),
				zap.String("destination", ex.destination()),
				zap.Any("panic", recovered),
				zap.StackSkip("stack", 1),
			)
		}
	}()
	if err != nil {
		ex.callback.OnError(err, resp)
	} else {
		ex.callback.OnResponse(resp)
	}
	return true
}

// run drives one exchange from acquire to release. The callback always
// fires before the connection goes back to its pool.
func (c *Client) run(ctx context.Context, ex *exchange) {
	defer c.inflight.Done()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(c.rootCtx, func() {
		cancel(ErrClientClosed)
	})
	defer stop()

	dest := ex.req.dest
	ctx, ex.span = c.tracer.Start(ctx, "asynchttp.exchange",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", ex.req.method),
			attribute.String("url.scheme", dest.Scheme.String()),
			attribute.String("server.address", dest.Host),
			attribute.Int("server.port", dest.Port),
		),
	)

	connPool, err := c.registry.getOrCreate(dest)
	if err != nil {
		ex.finish(nil, err)
		return
	}
	conn, err := connPool.Acquire(ctx)
	if err != nil {
		ex.finish(nil, acquireError(ctx, connPool, err))
		return
	}
	if err := conn.Bind(ex); err != nil {
		// the pool handed out a connection that is still busy
		connPool.Discard(conn, err)
		ex.finish(nil, &IOError{Op: "write", Err: err})
		return
	}
	ex.span.SetAttributes(attribute.String("asynchttp.conn_id", conn.ID().String()))

	resp, err := c.transact(ctx, conn, ex)
	if err == nil {
		err = correlate(conn, ex)
	}
	if err != nil {
		connPool.Discard(conn, err)
		ex.finish(resp, err)
		return
	}
	ex.finish(resp, nil)

	// The response has been delivered: only now may the connection carry
	// another exchange.
	if err := conn.Complete(ex); err != nil {
		c.logger.Error("completing exchange", zap.Uint64("seq", ex.seq), zap.Error(err))
		connPool.Discard(conn, err)
		return
	}
	if !resp.KeepAlive() {
		connPool.Discard(conn, errConnectionClose)
		return
	}
	if err := connPool.Release(conn); err != nil {
		connPool.Discard(conn, err)
	}
}

// transact writes the request and reads the whole response, bounded by
// the response timeout and by ctx.
func (c *Client) transact(ctx context.Context, conn *pool.Conn, ex *exchange) (*Response, error) {
	netConn := conn.NetConn()
	var deadline time.Time
	if c.responseTimeout > 0 {
		deadline = time.Now().Add(c.responseTimeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	if err := netConn.SetDeadline(deadline); err != nil {
		return nil, &IOError{Op: "write", Err: err}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = netConn.SetDeadline(aLongTimeAgo)
	})

	if err := ex.req.writeTo(conn.Writer()); err != nil {
		stop()
		return nil, exchangeError(ctx, "write", err)
	}
	if err := conn.Writer().Flush(); err != nil {
		stop()
		return nil, exchangeError(ctx, "write", err)
	}
	resp, err := readResponse(conn.Reader(), ex.req.method, c.maxResponseBytes)
	if !stop() {
		// ctx ended while reading; the deadline may already be poisoned
		if err == nil {
			err = context.Cause(ctx)
		}
		return resp, exchangeError(ctx, "read", err)
	}
	if err != nil {
		return resp, exchangeError(ctx, "read", err)
	}
	if err := netConn.SetDeadline(time.Time{}); err != nil {
		return resp, &IOError{Op: "read", Err: err}
	}
	return resp, nil
}

// correlate checks that resp belongs to ex: ex must still be the pending
// exchange of the connection it arrived on.
func correlate(conn *pool.Conn, ex *exchange) error {
	pending := conn.Pending()
	if pending == nil || pending.Seq() != ex.Seq() {
		return &IOError{
			Op:  "read",
			Err: fmt.Errorf("response on %v does not belong to exchange %d", conn, ex.Seq()),
		}
	}
	return nil
}

func exchangeError(ctx context.Context, op string, err error) error {
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: "exchange", Err: err}
	}
	if ctx.Err() != nil {
		return &IOError{Op: op, Err: context.Cause(ctx)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Op: "exchange", Err: err}
	}
	return &IOError{Op: op, Err: err}
}

func acquireError(ctx context.Context, connPool *pool.Pool, err error) error {
	if errors.Is(err, pool.ErrAcquireTimeout) || errors.Is(err, context.DeadlineExceeded) {
		err = &TimeoutError{Op: "acquire", Err: err}
	} else if errors.Is(err, context.Canceled) {
		err = context.Cause(ctx)
	}
	return &AcquireError{Destination: connPool.Destination(), Err: err}
}
