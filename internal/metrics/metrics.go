// Copyright 2025 Tom Barlow
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

// Package metrics exposes Prometheus collectors for the research service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsTotal tracks completed runs by mode and final status
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_runs_total",
			Help: "Total research runs by mode and final status",
		},
		[]string{"mode", "status"},
	)

	// activeRuns tracks runs currently executing
	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weaver_active_runs",
			Help: "Number of currently executing research runs",
		},
	)

	// searchRequests tracks provider calls by provider name and outcome
	searchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_search_requests_total",
			Help: "Total search provider requests by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// cacheLookups tracks search cache effectiveness
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_search_cache_total",
			Help: "Total search cache lookups by result",
		},
		[]string{"result"},
	)

	// circuitState tracks breaker state per provider (0 closed, 1 half-open, 2 open)
	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weaver_circuit_state",
			Help: "Circuit breaker state per search provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)

	// llmTokens tracks token consumption by provider and kind
	llmTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_llm_tokens_total",
			Help: "Total LLM tokens consumed by provider and kind",
		},
		[]string{"provider", "kind"},
	)

	// eventsDropped tracks ring buffer overflow per subscriber drop
	eventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weaver_events_dropped_total",
			Help: "Total run events dropped due to slow subscribers",
		},
	)

	// nodeDuration tracks per-node execution latency
	nodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weaver_node_duration_seconds",
			Help:    "Workflow node execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"node"},
	)

	// checkpointOps tracks checkpoint persistence by operation and outcome
	checkpointOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_checkpoint_operations_total",
			Help: "Total checkpoint operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
)

// RecordRunCompleted increments the run counter for a terminal status.
func RecordRunCompleted(mode, status string) {
	runsTotal.WithLabelValues(mode, status).Inc()
}

// IncActiveRuns increments the active run gauge.
func IncActiveRuns() {
	activeRuns.Inc()
}

// DecActiveRuns decrements the active run gauge.
func DecActiveRuns() {
	activeRuns.Dec()
}

// RecordSearch increments the provider request counter.
// outcome should be one of: ok, error, timeout, rate_limited
func RecordSearch(provider, outcome string) {
	searchRequests.WithLabelValues(provider, outcome).Inc()
}

// RecordCacheLookup increments the cache counter with hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}

// SetCircuitState records the breaker state for a provider.
// state should be one of: closed, half_open, open
func SetCircuitState(provider, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	circuitState.WithLabelValues(provider).Set(v)
}

// RecordTokens adds consumed tokens for a provider.
// kind should be one of: prompt, completion
func RecordTokens(provider, kind string, n int) {
	if n <= 0 {
		return
	}
	llmTokens.WithLabelValues(provider, kind).Add(float64(n))
}

// RecordEventsDropped adds to the dropped event counter.
func RecordEventsDropped(n int) {
	if n <= 0 {
		return
	}
	eventsDropped.Add(float64(n))
}

// ObserveNodeDuration records one node execution.
func ObserveNodeDuration(node string, seconds float64) {
	nodeDuration.WithLabelValues(node).Observe(seconds)
}

// RecordCheckpointOp increments the checkpoint operation counter.
// operation should be one of: save, load, delete
func RecordCheckpointOp(operation, outcome string) {
	checkpointOps.WithLabelValues(operation, outcome).Inc()
}
