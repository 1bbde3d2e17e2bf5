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

package loadcmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bufbuild/asynchttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRun(t *testing.T) {
	t.Parallel()
	var (
		count       atomic.Int32
		inflight    atomic.Int32
		maxInflight atomic.Int32
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			seen := maxInflight.Load()
			if current <= seen || maxInflight.CompareAndSwap(seen, current) {
				break
			}
		}
		n := count.Add(1)
		if n%5 == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = fmt.Fprintf(w, `{"kind":%q,"q":%q}`, []string{"even", "odd"}[n%2], r.URL.Query().Get("q"))
	}))
	t.Cleanup(server.Close)

	plan := DefaultPlan(asynchttp.DefaultConfig())
	plan.Target.URL = server.URL
	plan.Target.Params = []Param{{Key: "q", Value: "load"}}
	plan.Requests = 20
	plan.Concurrency = 4
	plan.Extract = "q"
	plan.Schema = `{"type": "object", "required": ["kind"], "properties": {"kind": {"enum": ["odd"]}}}`
	client := newClient(t, plan)

	report, err := Run(context.Background(), client, plan)
	require.NoError(t, err)
	assert.Equal(t, 20, report.Requests)
	assert.Equal(t, 20, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.Equal(t, map[int]int{http.StatusOK: 16, http.StatusServiceUnavailable: 4}, report.Statuses)
	assert.Equal(t, []int{http.StatusOK, http.StatusServiceUnavailable}, report.StatusCodes())
	assert.Equal(t, map[string]int{"load": 20}, report.Extracted)
	assert.Equal(t, 10, report.SchemaViolations)
	assert.Equal(t, int64(20), report.Latency.TotalCount())
	assert.LessOrEqual(t, maxInflight.Load(), int32(4))
	assert.Positive(t, report.Throughput())
}

func TestRunCountsFailures(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "too long for the limit")
	}))
	t.Cleanup(server.Close)

	plan := DefaultPlan(asynchttp.DefaultConfig())
	plan.Target.URL = server.URL
	plan.Requests = 3
	plan.Client.MaxResponseBytes = 4
	client := newClient(t, plan)

	report, err := Run(context.Background(), client, plan)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Failed)
	assert.Equal(t, map[string]int{"decode": 3}, report.Errors)
	// The status line had arrived before the body was rejected.
	assert.Equal(t, map[int]int{http.StatusOK: 3}, report.Statuses)

	plan.Target.URL = "ftp://example.com/"
	report, err = Run(context.Background(), client, plan)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"resolution": 3}, report.Errors)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	t.Parallel()
	plan := DefaultPlan(asynchttp.DefaultConfig())
	plan.Target.URL = "http://localhost/"
	plan.Requests = 10
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := Run(ctx, newClient(t, plan), plan)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Requests)
}

func TestWriteReport(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"id":7}`)
	}))
	t.Cleanup(server.Close)
	plan := DefaultPlan(asynchttp.DefaultConfig())
	plan.Target.URL = server.URL
	plan.Requests = 2
	plan.Extract = "id"
	report, err := Run(context.Background(), newClient(t, plan), plan)
	require.NoError(t, err)
	report.Errors["timeout"] = 1

	var plain bytes.Buffer
	require.NoError(t, WriteReport(&plain, report, false))
	output := plain.String()
	assert.Contains(t, output, "requests:   2 (2 ok, 0 failed)")
	assert.Contains(t, output, "p50")
	assert.Contains(t, output, "p99.9")
	assert.Contains(t, output, "  200 2\n")
	assert.Contains(t, output, "  timeout 1\n")
	assert.Contains(t, output, "  \"7\" 2\n")
	assert.NotContains(t, output, "\x1b[")

	var colored bytes.Buffer
	require.NoError(t, WriteReport(&colored, report, true))
	assert.Contains(t, colored.String(), "\x1b[")
	assert.False(t, isTerminal(&colored))
}

func newClient(t *testing.T, plan *Plan) *asynchttp.Client {
	t.Helper()
	client, err := asynchttp.NewClient(
		asynchttp.WithConfig(plan.Client),
		asynchttp.WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, client.Close())
	})
	return client
}
