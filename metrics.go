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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for asynchttp_exchanges_total.
const (
	outcomeSuccess    = "success"
	outcomeResolution = "resolution_error"
	outcomeAcquire    = "acquire_error"
	outcomeIO         = "io_error"
	outcomeDecode     = "decode_error"
	outcomeTimeout    = "timeout"
	outcomeOther      = "error"
)

type metrics struct {
	exchanges *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	panics    prometheus.Counter
}

// newMetrics creates the client's metrics and registers them, along with
// extra, on registerer. With a nil registerer nothing is registered.
func newMetrics(registerer prometheus.Registerer, extra ...prometheus.Collector) (*metrics, error) {
	m := &metrics{
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asynchttp_exchanges_total",
				Help: "Completed exchanges by destination and outcome",
			},
			[]string{"destination", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "asynchttp_exchange_duration_seconds",
				Help:    "Time from submit until the callback fires",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"destination"},
		),
		panics: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "asynchttp_callback_panics_total",
				Help: "Callbacks that panicked",
			},
		),
	}
	if registerer == nil {
		return m, nil
	}
	collectors := append([]prometheus.Collector{m.exchanges, m.duration, m.panics}, extra...)
	for i, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			for _, registered := range collectors[:i] {
				registerer.Unregister(registered)
			}
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *metrics) observe(destination string, err error, elapsed time.Duration) {
	m.exchanges.WithLabelValues(destination, outcome(err)).Inc()
	m.duration.WithLabelValues(destination).Observe(elapsed.Seconds())
}

func outcome(err error) string {
	var (
		resolutionErr *ResolutionError
		acquireErr    *AcquireError
		timeoutErr    *TimeoutError
		ioErr         *IOError
		decodeErr     *DecodeError
	)
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.As(err, &resolutionErr):
		return outcomeResolution
	case errors.As(err, &acquireErr):
		return outcomeAcquire
	case errors.As(err, &timeoutErr):
		return outcomeTimeout
	case errors.As(err, &ioErr):
		return outcomeIO
	case errors.As(err, &decodeErr):
		return outcomeDecode
	default:
		return outcomeOther
	}
}
