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

// Package resolver turns request URLs into the destinations that the client
// keys its connection pools on, and turns destinations into network
// addresses when a new connection has to be dialed.
//
// A [Destination] is a plain comparable value: two requests whose URLs share
// a scheme, canonical host and port always map to the same Destination, and
// therefore to the same pool. Canonicalisation lower-cases the host and
// converts internationalised names to their ASCII (punycode) form, so
// "http://Bücher.example" and "http://xn--bcher-kva.example:80" share a pool.
//
// Address resolution happens at dial time, not at submit time. The default
// [AddressResolver] performs a DNS lookup through a [net.Resolver] and caches
// results for a fixed TTL; concurrent lookups for the same destination are
// collapsed into one. When a refresh fails, the last known addresses keep
// being served until they expire.
package resolver
