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
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/asynchttp/internal"
	"github.com/bufbuild/asynchttp/pool"
	"github.com/bufbuild/asynchttp/resolver"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultDNSCacheTTL = 30 * time.Second

//nolint:gochecknoglobals
var (
	defaultDialer = &net.Dialer{
		KeepAlive: 30 * time.Second,
	}
)

// ClientOption is an option used to customize the behavior of a client.
type ClientOption interface {
	apply(*clientOptions)
}

// WithConfig replaces all plain-value settings with the given config,
// including the TLS trust policy it describes. Options that follow it
// override individual settings.
func WithConfig(config Config) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.config = config
		opts.trustPolicy = nil
	})
}

// WithMaxConnectionsPerDestination bounds the number of connections the
// client holds to any one destination. If no such option is used, the limit
// is 64.
func WithMaxConnectionsPerDestination(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.config.MaxConnectionsPerDestination = limit
	})
}

// WithConnectTimeout limits how long establishing a new connection may take,
// including name resolution and the TLS handshake. If no such option is
// used, a default of 10 seconds is used. Zero means no limit beyond the
// request's context.
func WithConnectTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.config.ConnectTimeout = duration
	})
}

// WithResponseTimeout limits how long an exchange may take once it has a
// connection: writing the request, waiting for the response, and reading
// the response body. A request whose context has an earlier deadline uses
// that instead. If no such option is used, a default of 30 seconds is used.
func WithResponseTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.config.ResponseTimeout = duration
	})
}

// WithAcquireTimeout limits how long an exchange waits for a connection
// when its destination's pool is exhausted. If no such option is used, a
// default of 30 seconds is used.
func WithAcquireTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.config.AcquireTimeout = duration
	})
}

// WithMaxResponseBytes limits the size of a response body, after it is
// decompressed. Larger responses fail with a DecodeError. If no such option
// is used, the limit is 1 MiB.
func WithMaxResponseBytes(limit int64) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.config.MaxResponseBytes = limit
	})
}

// WithIdleConnectionTimeout configures a timeout for how long an idle
// connection will remain open. If zero, idle connections will be left open
// indefinitely. If no such option is used, a default of 90 seconds is used.
// If backend servers or intermediary proxies/load balancers place time
// limits on idle connections, this should be configured to be less than
// that time limit.
func WithIdleConnectionTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.config.IdleConnTimeout = duration
	})
}

// WithCloseGracePeriod configures how long Close waits for in-flight
// exchanges to finish before cancelling them. If no such option is used, a
// default of 20 seconds is used.
func WithCloseGracePeriod(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.config.CloseGracePeriod = duration
	})
}

// WithTLSTrustPolicy configures how server certificates are verified. If no
// such option is used, the host's root certificates are trusted.
func WithTLSTrustPolicy(policy TrustPolicy) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.trustPolicy = policy
	})
}

// WithRootContext configures the root context of the client. Cancelling it
// fails every exchange that is still in flight, as Close does once its
// grace period has elapsed. If not specified, [context.Background] is used.
func WithRootContext(ctx context.Context) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.rootCtx = ctx
	})
}

// WithDialer configures the client to use the given function to establish
// network connections. If no WithDialer option is provided, a default
// [net.Dialer] is used that configures the connection to use TCP keep-alive
// every 30 seconds. The connect timeout applies either way.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.dialFunc = dialFunc
	})
}

// WithAddressResolver configures how destinations are resolved into
// addresses to dial. If no such option is used, DNS is used, IPv4
// addresses are preferred when there are any, and results are cached for
// 30 seconds.
func WithAddressResolver(res resolver.AddressResolver) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.resolver = res
	})
}

// WithLogger configures the logger for connection lifecycle events and
// recovered callback panics. If no such option is used, nothing is logged.
func WithLogger(logger *zap.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// WithMetricsRegisterer registers the client's Prometheus metrics, and its
// per-destination pool gauges, on registerer. If no such option is used,
// metrics are not exported.
func WithMetricsRegisterer(registerer prometheus.Registerer) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.registerer = registerer
	})
}

// WithTracerProvider configures the provider of the tracer that records one
// span per exchange. If no such option is used, nothing is traced.
func WithTracerProvider(provider trace.TracerProvider) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.tracerProvider = provider
	})
}

func withClock(clock internal.Clock) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.clock = clock
	})
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	config         Config
	trustPolicy    TrustPolicy
	rootCtx        context.Context //nolint:containedctx
	dialFunc       func(ctx context.Context, network, addr string) (net.Conn, error)
	resolver       resolver.AddressResolver
	logger         *zap.Logger
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
	clock          internal.Clock
}

func (opts *clientOptions) applyDefaults() {
	if opts.trustPolicy == nil {
		opts.trustPolicy = opts.config.TrustPolicy()
	}
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.dialFunc == nil {
		opts.dialFunc = defaultDialer.DialContext
	}
	if opts.resolver == nil {
		opts.resolver = resolver.NewCachingResolver(
			resolver.NewDNSResolver(net.DefaultResolver, "ip", resolver.PreferIPv4),
			defaultDNSCacheTTL,
		)
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.tracerProvider == nil {
		opts.tracerProvider = noop.NewTracerProvider()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}

// Client sends HTTP/1.1 requests asynchronously over pooled connections,
// one pool per destination. Its methods are safe for concurrent use.
//
// Each connection carries one exchange at a time: it goes back to its pool
// only after the previous response has been read in full and delivered.
type Client struct {
	rootCtx          context.Context //nolint:containedctx
	cancel           context.CancelFunc
	registry         *registry
	connector        *connector
	logger           *zap.Logger
	metrics          *metrics
	tracer           trace.Tracer
	clock            internal.Clock
	responseTimeout  time.Duration
	maxResponseBytes int64
	gracePeriod      time.Duration
	nextSeq          atomic.Uint64
	inflight         sync.WaitGroup

	mu sync.RWMutex
	// +checklocks:mu
	closed    bool
	closeDone chan struct{}
	closeErr  error
}

// NewClient returns a new client that uses the given options. It fails if
// the settings are invalid or the TLS trust policy cannot be built.
func NewClient(options ...ClientOption) (*Client, error) {
	opts := clientOptions{config: DefaultConfig()}
	for _, opt := range options {
		opt.apply(&opts)
	}
	if err := opts.config.Validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()
	tlsConfig, insecure, err := opts.trustPolicy.tlsConfig()
	if err != nil {
		return nil, fmt.Errorf("tls trust policy: %w", err)
	}
	if insecure {
		opts.logger.Warn("TLS certificate verification is disabled; any server certificate will be accepted")
	}

	rootCtx, cancel := context.WithCancel(opts.rootCtx)
	client := &Client{
		rootCtx:          rootCtx,
		cancel:           cancel,
		logger:           opts.logger,
		tracer:           opts.tracerProvider.Tracer("github.com/bufbuild/asynchttp"),
		clock:            opts.clock,
		responseTimeout:  opts.config.ResponseTimeout,
		maxResponseBytes: opts.config.MaxResponseBytes,
		gracePeriod:      opts.config.CloseGracePeriod,
		closeDone:        make(chan struct{}),
		connector: &connector{
			resolver:  opts.resolver,
			dial:      opts.dialFunc,
			tlsConfig: tlsConfig,
			timeout:   opts.config.ConnectTimeout,
			logger:    opts.logger,
		},
	}
	poolOptions := []pool.Option{
		pool.WithCapacity(opts.config.MaxConnectionsPerDestination),
		pool.WithAcquireTimeout(opts.config.AcquireTimeout),
		pool.WithIdleTimeout(opts.config.IdleConnTimeout),
		pool.WithClock(opts.clock),
		pool.WithLogger(opts.logger),
	}
	client.registry = newRegistry(func(dest resolver.Destination) *pool.Pool {
		return pool.New(dest, client.connector.connect, poolOptions...)
	})
	client.metrics, err = newMetrics(opts.registerer, client.registry)
	if err != nil {
		cancel()
		return nil, err
	}
	return client, nil
}

// Submit starts sending req and returns without waiting for the network.
// The outcome is delivered to callback exactly once.
//
// A URL that cannot be resolved into a destination is reported to
// callback.OnError as a *ResolutionError before Submit returns, and Submit
// then returns nil. Submit returns an error, and never calls callback, when
// the client is closed or the request is otherwise invalid.
//
// ctx bounds the whole exchange, including waiting for a connection.
func (c *Client) Submit(ctx context.Context, req *Request, callback Callback) error {
	if ctx == nil {
		return errors.New("nil context")
	}
	if req == nil {
		return errEmptyRequest
	}
	if callback == nil {
		return errors.New("nil callback")
	}
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClientClosed
	}
	c.inflight.Add(1)
	c.mu.RUnlock()

	ex := &exchange{
		seq:      c.nextSeq.Add(1),
		callback: callback,
		client:   c,
		started:  c.clock.Now(),
	}
	prepared, err := prepareRequest(req)
	if err != nil {
		defer c.inflight.Done()
		var resolutionErr *ResolutionError
		if errors.As(err, &resolutionErr) {
			ex.finish(nil, err)
			return nil
		}
		return fmt.Errorf("invalid request: %w", err)
	}
	ex.req = prepared
	go c.run(ctx, ex)
	return nil
}

// Go is like Submit, but delivers the outcome through the returned Future.
// Errors that Submit would return are delivered the same way.
func (c *Client) Go(ctx context.Context, req *Request) *Future {
	future := newFuture()
	if err := c.Submit(ctx, req, futureCallback{future}); err != nil {
		future.complete(nil, err)
	}
	return future
}

// Prewarm establishes a connection to the destination of each of the given
// URLs, so that the first requests to them do not pay for connecting.
func (c *Client) Prewarm(ctx context.Context, urls ...string) error {
	grp, grpCtx := errgroup.WithContext(ctx)
	for _, raw := range urls {
		dest, _, err := resolver.ParseURL(raw)
		if err != nil {
			return &ResolutionError{URL: raw, Err: err}
		}
		connPool, err := c.registry.getOrCreate(dest)
		if err != nil {
			return err
		}
		grp.Go(func() error {
			conn, err := connPool.Acquire(grpCtx)
			if err != nil {
				return acquireError(grpCtx, connPool, err)
			}
			return connPool.Release(conn)
		})
	}
	return grp.Wait()
}

// PoolStats returns a snapshot of every destination's pool.
func (c *Client) PoolStats() map[resolver.Destination]pool.Stats {
	pools := c.registry.snapshot()
	stats := make(map[resolver.Destination]pool.Stats, len(pools))
	for _, p := range pools {
		stats[p.Destination()] = p.Stats()
	}
	return stats
}

// Close stops the client from accepting requests, waits up to the close
// grace period for in-flight exchanges to finish, then cancels whatever is
// left and closes every connection. Cancelled exchanges still get their
// callback. Calling Close again waits for the first call and returns its
// result.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.closeDone
		return c.closeErr
	}
	c.closed = true
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()
	if c.gracePeriod > 0 {
		timer := c.clock.NewTimer(c.gracePeriod)
		select {
		case <-drained:
		case <-timer.Chan():
			c.logger.Warn("close grace period elapsed, cancelling in-flight exchanges",
				zap.Duration("grace_period", c.gracePeriod))
		}
		timer.Stop()
	}
	c.cancel()
	<-drained
	c.closeErr = c.registry.close()
	close(c.closeDone)
	return c.closeErr
}
