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

// Package pool provides a bounded, per-destination cache of reusable HTTP/1.1
// connections.
//
// A [Pool] hands out [Conn] values through [Pool.Acquire]. An idle
// connection is reused when one exists; otherwise a new one is dialed while
// the pool is below capacity; otherwise the caller queues behind earlier
// callers (first in, first out) until a connection is released, a slot frees
// up, or the acquire is cancelled or times out.
//
// Every Conn carries a small state machine:
//
//	Idle -> Leased -> InFlight -> Idle
//	           \          \
//	            +----------+----> Closed
//
// A leased connection moves to InFlight when an exchange is bound to it with
// [Conn.Bind], and back to Idle only when that same exchange is completed with
// [Conn.Complete]. [Pool.Release] refuses connections that are still
// InFlight, so a second caller can never be handed a connection whose
// response has not been read yet. Connections that hit an I/O error must be
// given back with [Pool.Discard] instead, which closes them and frees their
// slot for a replacement.
package pool
