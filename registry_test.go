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
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bufbuild/asynchttp/pool"
	"github.com/bufbuild/asynchttp/resolver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreatesOnePoolPerDestination(t *testing.T) {
	t.Parallel()
	var created atomic.Int32
	reg := newRegistry(func(dest resolver.Destination) *pool.Pool {
		created.Add(1)
		return pool.New(dest, refuseDial)
	})
	t.Cleanup(func() { assert.NoError(t, reg.close()) })

	dest := resolver.Destination{Host: "example.com", Port: 443, Scheme: resolver.SchemeTLS}
	pools := make([]*pool.Pool, 50)
	var group sync.WaitGroup
	for i := range pools {
		group.Add(1)
		go func() {
			defer group.Done()
			p, err := reg.getOrCreate(dest)
			assert.NoError(t, err)
			pools[i] = p
		}()
	}
	group.Wait()
	assert.Equal(t, int32(1), created.Load())
	for _, p := range pools {
		assert.Same(t, pools[0], p)
	}

	other, err := reg.getOrCreate(resolver.Destination{Host: "example.com", Port: 80, Scheme: resolver.SchemePlain})
	require.NoError(t, err)
	assert.NotSame(t, pools[0], other)
	assert.Len(t, reg.snapshot(), 2)
}

func TestRegistryRefusesAfterClose(t *testing.T) {
	t.Parallel()
	reg := newRegistry(func(dest resolver.Destination) *pool.Pool {
		return pool.New(dest, refuseDial)
	})
	dest := resolver.Destination{Host: "example.com", Port: 80}
	p, err := reg.getOrCreate(dest)
	require.NoError(t, err)
	require.NoError(t, reg.close())
	require.NoError(t, reg.close())

	_, err = reg.getOrCreate(dest)
	require.ErrorIs(t, err, ErrClientClosed)
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, pool.ErrPoolClosed)
	assert.Empty(t, reg.snapshot())
}

func TestRegistryCollector(t *testing.T) {
	t.Parallel()
	reg := newRegistry(func(dest resolver.Destination) *pool.Pool {
		return pool.New(dest, pipeDial)
	})
	t.Cleanup(func() { assert.NoError(t, reg.close()) })
	p, err := reg.getOrCreate(resolver.Destination{Host: "example.com", Port: 80})
	require.NoError(t, err)
	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	expected := `
# HELP asynchttp_pool_connections Connections held by a destination's pool, by state
# TYPE asynchttp_pool_connections gauge
asynchttp_pool_connections{destination="http://example.com:80",state="connecting"} 0
asynchttp_pool_connections{destination="http://example.com:80",state="idle"} 0
asynchttp_pool_connections{destination="http://example.com:80",state="leased"} 1
# HELP asynchttp_pool_dials_total Connections established
# TYPE asynchttp_pool_dials_total counter
asynchttp_pool_dials_total{destination="http://example.com:80"} 1
`
	require.NoError(t, testutil.CollectAndCompare(reg, strings.NewReader(expected),
		"asynchttp_pool_connections", "asynchttp_pool_dials_total"))

	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(reg))
	count, err := testutil.GatherAndCount(registry)
	require.NoError(t, err)
	assert.Equal(t, 8, count)
}

func refuseDial(context.Context, resolver.Destination) (net.Conn, error) {
	return nil, errRefused
}

func pipeDial(context.Context, resolver.Destination) (net.Conn, error) {
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}
