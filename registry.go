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
	"sync"

	"github.com/bufbuild/asynchttp/pool"
	"github.com/bufbuild/asynchttp/resolver"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// registry holds one pool per destination. Pools are created on first use
// and live until the registry is closed.
type registry struct {
	newPool func(resolver.Destination) *pool.Pool

	mu sync.RWMutex
	// +checklocks:mu
	pools map[resolver.Destination]*pool.Pool
	// +checklocks:mu
	closed bool
}

func newRegistry(newPool func(resolver.Destination) *pool.Pool) *registry {
	return &registry{
		newPool: newPool,
		pools:   map[resolver.Destination]*pool.Pool{},
	}
}

// getOrCreate gets the pool for the given dest, creating one if none
// exists. It refuses to create a pool once the registry is closed.
func (r *registry) getOrCreate(dest resolver.Destination) (*pool.Pool, error) {
	r.mu.RLock()
	closed := r.closed
	existing := r.pools[dest]
	r.mu.RUnlock()

	if closed {
		return nil, ErrClientClosed
	}
	if existing != nil {
		return existing, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// double-check in case things changed while upgrading lock
	if r.closed {
		return nil, ErrClientClosed
	}
	if existing := r.pools[dest]; existing != nil {
		return existing, nil
	}
	created := r.newPool(dest)
	r.pools[dest] = created
	return created, nil
}

func (r *registry) snapshot() []*pool.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pools := make([]*pool.Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	return pools
}

// close closes every pool, in parallel. It is safe to call more than once.
func (r *registry) close() error {
	r.mu.Lock()
	r.closed = true
	pools := make([]*pool.Pool, 0, len(r.pools))
	for dest, p := range r.pools {
		pools = append(pools, p)
		delete(r.pools, dest)
	}
	r.mu.Unlock()

	grp, _ := errgroup.WithContext(context.Background())
	for _, p := range pools {
		grp.Go(p.Close)
	}
	return grp.Wait()
}

//nolint:gochecknoglobals
var (
	poolConnectionsDesc = prometheus.NewDesc(
		"asynchttp_pool_connections",
		"Connections held by a destination's pool, by state",
		[]string{"destination", "state"}, nil,
	)
	poolWaitersDesc = prometheus.NewDesc(
		"asynchttp_pool_waiters",
		"Acquires waiting for a connection",
		[]string{"destination"}, nil,
	)
	poolDialsDesc = prometheus.NewDesc(
		"asynchttp_pool_dials_total",
		"Connections established",
		[]string{"destination"}, nil,
	)
	poolDialFailuresDesc = prometheus.NewDesc(
		"asynchttp_pool_dial_failures_total",
		"Connection attempts that failed",
		[]string{"destination"}, nil,
	)
	poolDiscardsDesc = prometheus.NewDesc(
		"asynchttp_pool_discards_total",
		"Connections discarded after a failed or non-reusable exchange",
		[]string{"destination"}, nil,
	)
	poolEvictionsDesc = prometheus.NewDesc(
		"asynchttp_pool_evictions_total",
		"Idle connections closed for exceeding the idle timeout",
		[]string{"destination"}, nil,
	)
)

var _ prometheus.Collector = (*registry)(nil)

// Describe implements prometheus.Collector.
func (r *registry) Describe(descs chan<- *prometheus.Desc) {
	descs <- poolConnectionsDesc
	descs <- poolWaitersDesc
	descs <- poolDialsDesc
	descs <- poolDialFailuresDesc
	descs <- poolDiscardsDesc
	descs <- poolEvictionsDesc
}

// Collect implements prometheus.Collector.
func (r *registry) Collect(metrics chan<- prometheus.Metric) {
	for _, p := range r.snapshot() {
		dest := p.Destination().String()
		stats := p.Stats()
		metrics <- prometheus.MustNewConstMetric(poolConnectionsDesc, prometheus.GaugeValue, float64(stats.Leased), dest, "leased")
		metrics <- prometheus.MustNewConstMetric(poolConnectionsDesc, prometheus.GaugeValue, float64(stats.Idle), dest, "idle")
		metrics <- prometheus.MustNewConstMetric(poolConnectionsDesc, prometheus.GaugeValue, float64(stats.Open-stats.Leased-stats.Idle), dest, "connecting")
		metrics <- prometheus.MustNewConstMetric(poolWaitersDesc, prometheus.GaugeValue, float64(stats.Waiting), dest)
		metrics <- prometheus.MustNewConstMetric(poolDialsDesc, prometheus.CounterValue, float64(stats.Dials), dest)
		metrics <- prometheus.MustNewConstMetric(poolDialFailuresDesc, prometheus.CounterValue, float64(stats.DialFailures), dest)
		metrics <- prometheus.MustNewConstMetric(poolDiscardsDesc, prometheus.CounterValue, float64(stats.Discarded), dest)
		metrics <- prometheus.MustNewConstMetric(poolEvictionsDesc, prometheus.CounterValue, float64(stats.Evicted), dest)
	}
}
