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
)

// Future is the pending outcome of a request started with Client.Go.
type Future struct {
	done chan struct{}
	once sync.Once
	resp *Response
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done returns a channel that is closed once the outcome is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the outcome is available and returns it. On error,
// the response holds whatever had been received, if anything.
func (f *Future) Result() (*Response, error) {
	<-f.done
	return f.resp, f.err
}

// Wait is like Result, but gives up when ctx is done. Giving up does not
// cancel the request.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) complete(resp *Response, err error) {
	f.once.Do(func() {
		f.resp, f.err = resp, err
		close(f.done)
	})
}

type futureCallback struct {
	future *Future
}

func (c futureCallback) OnResponse(resp *Response) {
	c.future.complete(resp, nil)
}

func (c futureCallback) OnError(err error, partial *Response) {
	c.future.complete(partial, err)
}
