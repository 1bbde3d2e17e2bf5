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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture(t *testing.T) {
	t.Parallel()
	future := newFuture()
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	resp, err := future.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, resp)
	select {
	case <-future.Done():
		t.Fatal("future completed early")
	default:
	}

	want := &Response{StatusCode: 200}
	futureCallback{future}.OnResponse(want)
	// Only the first outcome counts.
	futureCallback{future}.OnError(errors.New("late"), nil)
	<-future.Done()
	resp, err = future.Result()
	require.NoError(t, err)
	assert.Same(t, want, resp)
	resp, err = future.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, want, resp)
}
