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

package resolver

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bufbuild/asynchttp/internal"
	"golang.org/x/sync/singleflight"
)

// ErrNoAddresses is returned when resolution succeeds but yields nothing
// usable.
var ErrNoAddresses = errors.New("resolver returned no addresses")

// AddressFamilyAffinity controls which resolved addresses are used, based on
// their address family.
type AddressFamilyAffinity int

const (
	// AllFamilies will result in all addresses being used, regardless of
	// their address family.
	AllFamilies AddressFamilyAffinity = iota

	// PreferIPv4 will result in only IPv4 addresses being used, if any
	// IPv4 addresses are present. If no IPv4 addresses are resolved, then
	// all addresses will be used.
	PreferIPv4

	// PreferIPv6 will result in only IPv6 addresses being used, if any
	// IPv6 addresses are present. If no IPv6 addresses are resolved, then
	// all addresses will be used.
	PreferIPv6
)

// Address is one dialable "host:port" for a destination.
type Address struct {
	HostPort string
}

// AddressResolver resolves a destination into the addresses a new
// connection may be dialed to. Implementations must be safe for concurrent
// use; they are called from every goroutine that dials.
type AddressResolver interface {
	Resolve(ctx context.Context, dest Destination) ([]Address, error)
}

// AddressResolverFunc adapts a function to the AddressResolver interface.
type AddressResolverFunc func(ctx context.Context, dest Destination) ([]Address, error)

// Resolve calls f.
func (f AddressResolverFunc) Resolve(ctx context.Context, dest Destination) ([]Address, error) {
	return f(ctx, dest)
}

// NewDNSResolver returns a resolver that looks destinations up in DNS with
// the given [net.Resolver]. The network must be one of "ip", "ip4" or "ip6".
// IP literals are returned as-is without a lookup.
func NewDNSResolver(
	resolver *net.Resolver,
	network string,
	affinity AddressFamilyAffinity,
) AddressResolver {
	return &dnsResolver{
		resolver: resolver,
		network:  network,
		affinity: affinity,
	}
}

type dnsResolver struct {
	resolver *net.Resolver
	network  string
	affinity AddressFamilyAffinity
}

func (r *dnsResolver) Resolve(ctx context.Context, dest Destination) ([]Address, error) {
	port := strconv.Itoa(dest.Port)
	addresses, err := r.resolver.LookupNetIP(ctx, r.network, dest.Host)
	if err != nil {
		return nil, err
	}
	switch r.affinity {
	case AllFamilies:
		break
	case PreferIPv4:
		ip4Addresses := addresses[:0]
		for _, address := range addresses {
			if address.Is4() || address.Is4In6() {
				ip4Addresses = append(ip4Addresses, address)
			}
		}
		if len(ip4Addresses) > 0 {
			addresses = ip4Addresses
		}
	case PreferIPv6:
		ip6Addresses := addresses[:0]
		for _, address := range addresses {
			if address.Is6() && !address.Is4In6() {
				ip6Addresses = append(ip6Addresses, address)
			}
		}
		if len(ip6Addresses) > 0 {
			addresses = ip6Addresses
		}
	}
	if len(addresses) == 0 {
		return nil, ErrNoAddresses
	}
	result := make([]Address, len(addresses))
	for i, address := range addresses {
		result[i].HostPort = net.JoinHostPort(address.Unmap().String(), port)
	}
	return result, nil
}

// NewCachingResolver wraps res so that results are reused for ttl. Concurrent
// misses for the same destination share a single underlying lookup. If a
// refresh fails while an expired entry is still within ttl of its expiry, the
// stale entry is served instead of the error.
func NewCachingResolver(res AddressResolver, ttl time.Duration) AddressResolver {
	return newCachingResolver(res, ttl, internal.NewRealClock())
}

func newCachingResolver(res AddressResolver, ttl time.Duration, clock internal.Clock) *cachingResolver {
	return &cachingResolver{
		resolver: res,
		ttl:      ttl,
		clock:    clock,
		cache:    map[Destination]cacheEntry{},
	}
}

type cachingResolver struct {
	resolver AddressResolver
	ttl      time.Duration
	clock    internal.Clock
	group    singleflight.Group

	mu sync.Mutex
	// +checklocks:mu
	cache map[Destination]cacheEntry
}

type cacheEntry struct {
	addresses []Address
	expires   time.Time
}

func (r *cachingResolver) Resolve(ctx context.Context, dest Destination) ([]Address, error) {
	now := r.clock.Now()
	r.mu.Lock()
	entry, ok := r.cache[dest]
	r.mu.Unlock()
	if ok && now.Before(entry.expires) {
		return entry.addresses, nil
	}

	result, err, _ := r.group.Do(dest.String(), func() (any, error) {
		addresses, err := r.resolver.Resolve(ctx, dest)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.cache[dest] = cacheEntry{addresses: addresses, expires: r.clock.Now().Add(r.ttl)}
		return addresses, nil
	})
	if err != nil {
		if ok && now.Before(entry.expires.Add(r.ttl)) {
			return entry.addresses, nil
		}
		if ok {
			r.mu.Lock()
			if current, stillThere := r.cache[dest]; stillThere && current.expires.Equal(entry.expires) {
				delete(r.cache, dest)
			}
			r.mu.Unlock()
		}
		return nil, err
	}
	addresses, _ := result.([]Address) //nolint:errcheck // only []Address is ever stored
	return addresses, nil
}
