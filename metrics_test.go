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
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestClientMetrics(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(server.Close)
	registry := prometheus.NewPedanticRegistry()
	client := newTestClient(t, WithMetricsRegisterer(registry))

	_, err := client.Go(context.Background(), &Request{URL: server.URL + "/"}).Result()
	require.NoError(t, err)
	resp, err := client.Go(context.Background(), &Request{URL: server.URL + "/missing"}).Result()
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_, err = client.Go(context.Background(), &Request{URL: "gopher://nowhere"}).Result()
	var resolutionErr *ResolutionError
	require.ErrorAs(t, err, &resolutionErr)

	dest := server.URL
	assert.InDelta(t, 2.0, testutil.ToFloat64(client.metrics.exchanges.WithLabelValues(dest, outcomeSuccess)), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(client.metrics.exchanges.WithLabelValues("", outcomeResolution)), 0)
	count, err := testutil.GatherAndCount(registry, "asynchttp_pool_connections", "asynchttp_exchange_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 3+2, count)

	// A second client cannot register the same metrics.
	_, err = NewClient(WithMetricsRegisterer(registry))
	require.ErrorContains(t, err, "register metrics")
	count, err = testutil.GatherAndCount(registry, "asynchttp_exchanges_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestClientTracing(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	t.Cleanup(server.Close)
	provider := &recordingTracerProvider{}
	client := newTestClient(t, WithTracerProvider(provider))

	_, err := client.Go(context.Background(), &Request{Method: http.MethodDelete, URL: server.URL + "/pot"}).Result()
	require.NoError(t, err)
	_, err = client.Go(context.Background(), &Request{URL: "http://127.0.0.1:1/"}).Result()
	require.Error(t, err)

	spans := provider.recorded()
	require.Len(t, spans, 2)
	ok, failed := spans[0], spans[1]
	assert.Equal(t, "asynchttp.exchange", ok.name)
	assert.True(t, ok.isEnded())
	assert.Equal(t, codes.Unset, ok.statusCode())
	attrs := ok.attributes()
	assert.Equal(t, http.MethodDelete, attrs["http.request.method"].AsString())
	assert.Equal(t, "127.0.0.1", attrs["server.address"].AsString())
	assert.Equal(t, int64(http.StatusTeapot), attrs["http.response.status_code"].AsInt64())
	assert.Contains(t, attrs, attribute.Key("asynchttp.conn_id"))
	assert.True(t, failed.isEnded())
	assert.Equal(t, codes.Error, failed.statusCode())
}

type recordingTracerProvider struct {
	noop.TracerProvider

	mu    sync.Mutex
	spans []*recordingSpan
}

func (p *recordingTracerProvider) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return recordingTracer{provider: p}
}

func (p *recordingTracerProvider) recorded() []*recordingSpan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*recordingSpan(nil), p.spans...)
}

type recordingTracer struct {
	noop.Tracer

	provider *recordingTracerProvider
}

func (t recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	config := trace.NewSpanStartConfig(opts...)
	span := &recordingSpan{name: name, attrs: map[attribute.Key]attribute.Value{}}
	span.SetAttributes(config.Attributes()...)
	t.provider.mu.Lock()
	t.provider.spans = append(t.provider.spans, span)
	t.provider.mu.Unlock()
	return trace.ContextWithSpan(ctx, span), span
}

type recordingSpan struct {
	noop.Span

	name string

	mu     sync.Mutex
	attrs  map[attribute.Key]attribute.Value
	status codes.Code
	ended  bool
}

func (s *recordingSpan) SetAttributes(kv ...attribute.KeyValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, attr := range kv {
		s.attrs[attr.Key] = attr.Value
	}
}

func (s *recordingSpan) SetStatus(code codes.Code, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
}

func (s *recordingSpan) End(...trace.SpanEndOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

func (s *recordingSpan) attributes() map[attribute.Key]attribute.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs := make(map[attribute.Key]attribute.Value, len(s.attrs))
	for key, value := range s.attrs {
		attrs[key] = value
	}
	return attrs
}

func (s *recordingSpan) statusCode() codes.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *recordingSpan) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}
