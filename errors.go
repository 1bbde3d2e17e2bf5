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
	"errors"
	"fmt"

	"github.com/bufbuild/asynchttp/resolver"
)

var (
	// ErrClientClosed is returned by Submit and Go once Close has been
	// called.
	ErrClientClosed = errors.New("client is closed")
	// ErrResponseTooLarge is the cause of a DecodeError for a response body
	// that exceeds the configured maximum, after decompression.
	ErrResponseTooLarge = errors.New("response body exceeds maximum size")
)

// ResolutionError reports a request URL that could not be turned into a
// destination. It is always delivered synchronously, from within Submit.
type ResolutionError struct {
	URL string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %v", e.URL, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// AcquireError reports a failure to obtain a connection: the pool stayed
// exhausted past the acquire timeout, or a new connection could not be
// established.
type AcquireError struct {
	Destination resolver.Destination
	Err         error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("acquire connection to %v: %v", e.Destination, e.Err)
}

func (e *AcquireError) Unwrap() error {
	return e.Err
}

// IOError reports a write or read failure on an established connection.
// Op is "write" or "read".
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// DecodeError reports a malformed, truncated, or oversized response.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode response: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that a deadline was exceeded. Op is "acquire" when
// the pool stayed exhausted for too long, and "exchange" when the server
// did not respond in time.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return e.Op + " timed out: " + e.Err.Error()
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Timeout implements the same method as [net.Error].
func (e *TimeoutError) Timeout() bool {
	return true
}
