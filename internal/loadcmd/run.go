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
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/bufbuild/asynchttp"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Latencies are recorded in microseconds, from 1µs to one minute.
const (
	minLatency     = 1
	maxLatency     = int64(time.Minute / time.Microsecond)
	latencySigFigs = 3
)

// Report summarizes a finished run.
type Report struct {
	Requests  int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
	// Statuses counts responses by status code.
	Statuses map[int]int
	// Errors counts failures by kind, such as "timeout" or "io".
	Errors map[string]int
	// Extracted counts the distinct results of the plan's GJSON path.
	Extracted map[string]int
	// SchemaViolations counts response bodies that did not satisfy the
	// plan's schema.
	SchemaViolations int
	Latency          *hdrhistogram.Histogram
}

// Throughput is the number of completed requests per second.
func (r *Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Requests) / r.Elapsed.Seconds()
}

// StatusCodes returns the observed status codes in ascending order.
func (r *Report) StatusCodes() []int {
	codes := make([]int, 0, len(r.Statuses))
	for code := range r.Statuses {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	return codes
}

type recorder struct {
	extract string
	schema  *jsonschema.Schema

	mu     sync.Mutex
	report Report
}

func (r *recorder) record(elapsed time.Duration, resp *asynchttp.Response, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	report := &r.report
	report.Requests++
	_ = report.Latency.RecordValue(max(minLatency, elapsed.Microseconds()))
	if err != nil {
		report.Failed++
		report.Errors[errorKind(err)]++
		if resp != nil {
			report.Statuses[resp.StatusCode]++
		}
		return
	}
	report.Succeeded++
	report.Statuses[resp.StatusCode]++
	if r.extract != "" {
		result := gjson.GetBytes(resp.Body, r.extract)
		if result.Exists() {
			report.Extracted[result.String()]++
		}
	}
	if r.schema != nil {
		var doc any
		if err := json.Unmarshal(resp.Body, &doc); err != nil || r.schema.Validate(doc) != nil {
			report.SchemaViolations++
		}
	}
}

// Run sends the plan's requests with client and waits for all of them to
// finish. It stops starting new requests when ctx is done.
func Run(ctx context.Context, client *asynchttp.Client, plan *Plan) (*Report, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	rec := &recorder{
		extract: plan.Extract,
		report: Report{
			Statuses:  map[int]int{},
			Errors:    map[string]int{},
			Extracted: map[string]int{},
			Latency:   hdrhistogram.New(minLatency, maxLatency, latencySigFigs),
		},
	}
	if plan.Schema != "" {
		schema, err := plan.compileSchema()
		if err != nil {
			return nil, err
		}
		rec.schema = schema
	}
	limit := rate.Inf
	if plan.Rate > 0 {
		limit = rate.Limit(plan.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)
	inflight := semaphore.NewWeighted(int64(plan.Concurrency))
	req := plan.request()

	start := time.Now()
	var runErr error
	for range plan.Requests {
		if err := limiter.Wait(ctx); err != nil {
			runErr = err
			break
		}
		if err := inflight.Acquire(ctx, 1); err != nil {
			runErr = err
			break
		}
		sent := time.Now()
		err := client.Submit(ctx, req, asynchttp.CallbackFuncs{
			Response: func(resp *asynchttp.Response) {
				defer inflight.Release(1)
				rec.record(time.Since(sent), resp, nil)
			},
			Error: func(err error, partial *asynchttp.Response) {
				defer inflight.Release(1)
				rec.record(time.Since(sent), partial, err)
			},
		})
		if err != nil {
			inflight.Release(1)
			runErr = err
			break
		}
	}
	// Waiting on the full weight returns once every callback has fired.
	if err := inflight.Acquire(context.WithoutCancel(ctx), int64(plan.Concurrency)); err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	report := rec.report
	report.Elapsed = time.Since(start)
	return &report, runErr
}

func errorKind(err error) string {
	var (
		resolutionErr *asynchttp.ResolutionError
		acquireErr    *asynchttp.AcquireError
		timeoutErr    *asynchttp.TimeoutError
		ioErr         *asynchttp.IOError
		decodeErr     *asynchttp.DecodeError
	)
	switch {
	case errors.As(err, &resolutionErr):
		return "resolution"
	case errors.As(err, &acquireErr):
		return "acquire"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &ioErr):
		return "io"
	case errors.As(err, &decodeErr):
		return "decode"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}
