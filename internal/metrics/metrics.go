// Copyright (c) 2026 John Earle
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

// Package metrics holds the Prometheus instruments of the triage service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "triage"

// Outcome labels for EmailsProcessed.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeConflict  = "conflict"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Worker
	EmailsProcessed *prometheus.CounterVec
	ClaimConflicts  prometheus.Counter
	CycleDuration   prometheus.Histogram
	BatchSize       prometheus.Gauge
	StaleFailed     prometheus.Counter
	CyclesSkipped   prometheus.Counter

	// API
	EmailsIngested prometheus.Counter
	AuthFailures   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers all metrics with reg. Passing a fresh registry keeps tests
// isolated from the global default.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EmailsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_processed_total",
			Help:      "Emails that left processing, by outcome.",
		}, []string{"outcome"}),
		ClaimConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_conflicts_total",
			Help:      "Claims or completions lost to a concurrent transition.",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_cycle_duration_seconds",
			Help:      "Wall time of one worker cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		BatchSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_batch_size",
			Help:      "Pending emails fetched by the last cycle.",
		}),
		StaleFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_failed_total",
			Help:      "Emails failed after sitting in processing too long.",
		}),
		CyclesSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_cycles_skipped_total",
			Help:      "Cycles skipped because another instance held the lease.",
		}),
		EmailsIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_ingested_total",
			Help:      "Emails accepted by the ingest endpoint.",
		}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected requests, by error kind.",
		}, []string{"kind"}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
