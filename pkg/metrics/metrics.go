// Copyright 2025 The lilac Authors
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

// Package metrics exposes Prometheus metrics about the batch scheduler.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the scheduler's Prometheus collectors.
type Metrics struct {
	BuildsTotal *prometheus.CounterVec
	QueueSize   *prometheus.GaugeVec
	ActiveBuilds *prometheus.GaugeVec

	BuildDurationSeconds *prometheus.HistogramVec
	BatchDurationSeconds prometheus.Histogram

	registry *prometheus.Registry
}

// New creates registered collectors plus the go runtime defaults.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		BuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lilac_builds_total",
				Help: "Total number of package builds by result",
			},
			[]string{"result"},
		),
		QueueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lilac_queue_size",
				Help: "Number of packages per scheduler state",
			},
			[]string{"state"},
		),
		ActiveBuilds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lilac_active_builds",
				Help: "Number of running builds per worker",
			},
			[]string{"worker"},
		),
		BuildDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lilac_build_duration_seconds",
				Help:    "Duration of package builds in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~4.5h
			},
			[]string{"result", "worker"},
		),
		BatchDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lilac_batch_duration_seconds",
				Help:    "Duration of whole batches in seconds",
				Buckets: prometheus.ExponentialBuckets(60, 2, 10), // 1m to ~8.5h
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.BuildsTotal,
		m.QueueSize,
		m.ActiveBuilds,
		m.BuildDurationSeconds,
		m.BatchDurationSeconds,
	)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint until ctx is done. An empty addr
// disables it.
func (m *Metrics) Serve(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	log := clog.FromContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("metrics server: %v", err)
	}
}

// RecordBuild records one finished build.
func (m *Metrics) RecordBuild(result, worker string, elapsed time.Duration) {
	m.BuildsTotal.WithLabelValues(result).Inc()
	m.BuildDurationSeconds.WithLabelValues(result, worker).Observe(elapsed.Seconds())
}

// UpdateQueues sets the per-state gauges.
func (m *Metrics) UpdateQueues(sizes map[string]int) {
	for state, n := range sizes {
		m.QueueSize.WithLabelValues(state).Set(float64(n))
	}
}

// SetActive reports a worker's running build count.
func (m *Metrics) SetActive(worker string, n int) {
	m.ActiveBuilds.WithLabelValues(worker).Set(float64(n))
}
