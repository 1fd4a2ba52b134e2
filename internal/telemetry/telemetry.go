// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry wires a small set of OpenTelemetry
// counters/histograms to a Prometheus-scrapeable HTTP endpoint: an
// OpenTelemetry Meter instrumented in-process, read out through
// go.opentelemetry.io/otel/exporters/prometheus and served with
// github.com/prometheus/client_golang/prometheus/promhttp.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the instruments the engine reports: coalesce
// duration, coalesce throughput, garbage bytes reclaimed,
// leaf-coalesce iteration count, lock-wait duration.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	coalesceDuration       metric.Float64Histogram
	coalesceThroughput     metric.Float64Histogram
	garbageBytesReclaimed  metric.Int64Counter
	leafCoalesceIterations metric.Int64Histogram
	lockWaitDuration       metric.Float64Histogram
}

// New builds a Metrics instance backed by a fresh Prometheus registry.
// Callers serve the result's Handler() on an HTTP mux to expose it for
// scraping.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("smgc/coalescer")

	m := &Metrics{provider: provider, registry: registry}

	m.coalesceDuration, err = meter.Float64Histogram("smgc/coalesce_duration",
		metric.WithDescription("Wall-clock duration of one inline or leaf coalesce."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	m.coalesceThroughput, err = meter.Float64Histogram("smgc/coalesce_throughput",
		metric.WithDescription("Observed vhd-coalesce copy throughput."),
		metric.WithUnit("By/s"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	m.garbageBytesReclaimed, err = meter.Int64Counter("smgc/garbage_bytes_reclaimed",
		metric.WithDescription("Cumulative bytes freed by deleting garbage VDIs."),
		metric.WithUnit("By"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	m.leafCoalesceIterations, err = meter.Int64Histogram("smgc/leaf_coalesce_iterations",
		metric.WithDescription("Snapshot-coalesce iterations consumed by one leaf-coalesce run."))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	m.lockWaitDuration, err = meter.Float64Histogram("smgc/lock_wait_duration",
		metric.WithDescription("Time spent blocked acquiring SR_LOCK or GC_ACTIVE."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	return m, nil
}

// Handler returns the HTTP handler that serves the Prometheus scrape
// endpoint, typically mounted at "/metrics".
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the underlying meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// RecordCoalesce reports one completed coalesce's duration and
// throughput.
func (m *Metrics) RecordCoalesce(ctx context.Context, d time.Duration, bytesPerSecond float64) {
	if m == nil {
		return
	}
	m.coalesceDuration.Record(ctx, d.Seconds())
	if bytesPerSecond > 0 {
		m.coalesceThroughput.Record(ctx, bytesPerSecond)
	}
}

// RecordGarbageReclaimed adds n bytes to the cumulative garbage-bytes
// counter.
func (m *Metrics) RecordGarbageReclaimed(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.garbageBytesReclaimed.Add(ctx, n)
}

// RecordLeafCoalesceIterations reports how many snapshot-coalesce
// iterations one leaf-coalesce run consumed.
func (m *Metrics) RecordLeafCoalesceIterations(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.leafCoalesceIterations.Record(ctx, n)
}

// RecordLockWait reports time spent blocked acquiring a lockset lock.
func (m *Metrics) RecordLockWait(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.lockWaitDuration.Record(ctx, d.Seconds())
}
