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
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/bufbuild/asynchttp/resolver"
	"go.uber.org/zap"
)

// connector opens new connections for the pools: it resolves the
// destination, dials the resolved addresses in round-robin order, and
// performs the TLS handshake for TLS destinations, all within the connect
// timeout.
type connector struct {
	resolver  resolver.AddressResolver
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsConfig *tls.Config
	timeout   time.Duration
	logger    *zap.Logger
	next      atomic.Uint64
}

func (c *connector) connect(ctx context.Context, dest resolver.Destination) (net.Conn, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	addresses, err := c.resolver.Resolve(ctx, dest)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dest.Host, err)
	}
	if len(addresses) == 0 {
		return nil, resolver.ErrNoAddresses
	}

	start := int(c.next.Add(1) % uint64(len(addresses))) //nolint:gosec // len is positive
	var errs []error
	for i := range addresses {
		address := addresses[(start+i)%len(addresses)]
		netConn, err := c.dial(ctx, "tcp", address.HostPort)
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if dest.Scheme != resolver.SchemeTLS {
			return netConn, nil
		}
		tlsConn, err := c.handshake(ctx, dest, netConn)
		if err != nil {
			// a failed handshake is not retried on another address
			return nil, err
		}
		return tlsConn, nil
	}
	return nil, errors.Join(errs...)
}

func (c *connector) handshake(ctx context.Context, dest resolver.Destination, netConn net.Conn) (net.Conn, error) {
	config := c.tlsConfig.Clone()
	if config.ServerName == "" {
		config.ServerName = dest.Host
	}
	tlsConn := tls.Client(netConn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", dest.HostPort(), err)
	}
	c.logger.Debug("completed tls handshake",
		zap.Stringer("destination", dest),
		zap.String("tls_version", tls.VersionName(tlsConn.ConnectionState().Version)),
	)
	return tlsConn, nil
}
