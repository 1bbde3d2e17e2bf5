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

// Package clocktest adapts *clockwork.FakeClock to internal.Clock. Go
// compares interface method signatures nominally, so the clockwork methods
// that return clockwork.Timer have to be re-boxed as internal.Timer.
package clocktest

import (
	"context"
	"time"

	"github.com/bufbuild/asynchttp/internal"
	"github.com/jonboulle/clockwork"
)

// FakeClock is a clock that only moves when Advance is called.
type FakeClock interface {
	internal.Clock
	Advance(d time.Duration)
	// BlockUntilContext waits until at least the given number of timers
	// are registered with the clock, or ctx is done.
	BlockUntilContext(ctx context.Context, waiters int) error
}

// NewFakeClock creates a new FakeClock using Clockwork.
func NewFakeClock() FakeClock {
	return fakeClock{clockwork.NewFakeClock()}
}

type fakeClock struct {
	*clockwork.FakeClock
}

var _ FakeClock = fakeClock{}

// NewTimer re-boxes the clockwork.Timer as an internal.Timer.
func (f fakeClock) NewTimer(d time.Duration) internal.Timer {
	timer := f.FakeClock.NewTimer(d)
	if d == 0 {
		// clockwork still fires zero-duration timers lazily; match the
		// pre-1.23 runtime behaviour. See jonboulle/clockwork#98.
		if !timer.Stop() {
			<-timer.Chan()
		}
	}
	return timer
}

// AfterFunc re-boxes the clockwork.Timer as an internal.Timer.
func (f fakeClock) AfterFunc(d time.Duration, fn func()) internal.Timer {
	return f.FakeClock.AfterFunc(d, fn)
}
