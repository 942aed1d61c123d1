// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package poolstats exposes Prometheus metrics for the key pool proxy. All
// helpers are safe to call from hot paths; labels stay low-cardinality
// (endpoint tags and outcome classes only, never credentials).
package poolstats

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "siliconpool_requests_total",
		Help: "Proxied requests by endpoint tag and outcome class",
	}, []string{"endpoint", "outcome"})
	upstreamRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "siliconpool_upstream_retries_total",
		Help: "Network-class upstream retries performed by the dispatcher",
	})
	tokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "siliconpool_tokens_total",
		Help: "Tokens accounted from upstream responses, by direction",
	}, []string{"direction"})
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "siliconpool_queue_depth",
		Help: "Work items currently waiting in the dispatch queue",
	})
	inflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "siliconpool_inflight_requests",
		Help: "Upstream calls currently holding a dispatch permit",
	})
	flushRowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "siliconpool_cache_flush_rows_total",
		Help: "Total buffered operations moved to the store by flushes",
	})
	rowsPerFlush = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "siliconpool_cache_rows_per_flush",
		Help:    "Distribution of buffered operations per flush",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})
	flushErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "siliconpool_cache_flush_errors_total",
		Help: "Flush attempts that rolled back",
	})
	keysDisabledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "siliconpool_keys_disabled_total",
		Help: "Credentials disabled after validation or dispatch failures",
	})
	validationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "siliconpool_validations_total",
		Help: "Credential validation probes by classification",
	}, []string{"result"})
)

func init() {
	// Register eagerly; harmless when /metrics is never scraped.
	prometheus.MustRegister(requestsTotal, upstreamRetriesTotal, tokensTotal,
		queueDepth, inflight, flushRowsTotal, rowsPerFlush, flushErrorsTotal,
		keysDisabledTotal, validationsTotal)
}

// ObserveRequest records one proxied request outcome ("ok", "upstream_error",
// "no_key", "queue_timeout", "client_gone", "internal").
func ObserveRequest(endpoint, outcome string) {
	requestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// ObserveRetry counts one network-class retry.
func ObserveRetry() { upstreamRetriesTotal.Inc() }

// ObserveTokens accounts token usage extracted from an upstream response.
func ObserveTokens(input, output int64) {
	if input > 0 {
		tokensTotal.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		tokensTotal.WithLabelValues("output").Add(float64(output))
	}
}

// SetQueueDepth publishes the current dispatch queue length.
func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// AddInflight moves the in-flight gauge by delta (+1 on permit acquire, -1 on release).
func AddInflight(delta int) { inflight.Add(float64(delta)) }

// ObserveFlush records one successful flush of n buffered operations.
func ObserveFlush(n int) {
	if n <= 0 {
		return
	}
	flushRowsTotal.Add(float64(n))
	rowsPerFlush.Observe(float64(n))
}

// ObserveFlushError counts one rolled-back flush.
func ObserveFlushError() { flushErrorsTotal.Inc() }

// ObserveKeyDisabled counts one credential demotion.
func ObserveKeyDisabled() { keysDisabledTotal.Inc() }

// ObserveValidation records one probe classification ("valid", "invalid", "transient").
func ObserveValidation(result string) {
	validationsTotal.WithLabelValues(result).Inc()
}
