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

// Package asynchttp provides an asynchronous HTTP/1.1 client that keeps a
// bounded pool of reusable connections per destination.
//
// To create a new client use the [NewClient] function. Requests are started
// with [Client.Submit], which returns as soon as the request has been
// accepted and later reports the outcome to a [Callback], or with
// [Client.Go], which reports it through a [Future]:
//
//	client, err := asynchttp.NewClient(
//	    asynchttp.WithMaxConnectionsPerDestination(16),
//	    asynchttp.WithResponseTimeout(5*time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	resp, err := client.Go(ctx, &asynchttp.Request{
//	    Method: http.MethodGet,
//	    URL:    "https://example.com/search",
//	    Params: asynchttp.Params("q", "pool"),
//	}).Result()
//
// # Connections
//
// A destination is the scheme, host, and port of a URL. Each destination
// gets its own pool, which holds at most the configured number of
// connections. A request takes an idle connection when there is one, opens
// a new one while the pool is below its limit, and otherwise waits, in
// arrival order, until a connection is returned or the acquire timeout
// elapses.
//
// A connection carries one exchange at a time, and is returned to its pool
// only after the response has been read in full and handed to the
// callback. A connection that fails, times out, or is closed by the server
// is discarded, and its slot becomes available for a new connection.
//
// # Errors
//
// Failures are reported as one of [*ResolutionError], [*AcquireError],
// [*IOError], [*DecodeError], and [*TimeoutError]. An acquire that times
// out is an [*AcquireError] wrapping a [*TimeoutError]. All of them unwrap
// to their cause.
//
// # TLS
//
// Server certificates are verified against the host's roots unless a
// different [TrustPolicy] is configured with [WithTLSTrustPolicy].
// [InsecureTrustAll] disables verification and is logged as a warning.
//
// # Closing
//
// [Client.Close] stops accepting requests, waits up to the close grace
// period for outstanding exchanges, cancels those that remain, and closes
// every connection. The client cannot be used after it has been closed.
package asynchttp
