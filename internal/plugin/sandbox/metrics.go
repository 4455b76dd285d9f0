// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package sandbox

import "github.com/prometheus/client_golang/prometheus"

var (
	apiCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pluginrt_sandbox_api_calls_total",
			Help: "Host API calls made through plugin sandboxes by path and outcome",
		},
		[]string{"path", "status"},
	)

	limitsExceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pluginrt_sandbox_limit_breaches_total",
			Help: "Resource limit breaches by resource",
		},
		[]string{"resource"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pluginrt_sandbox_call_duration_seconds",
			Help:    "Duration of calls into plugin code by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// RegisterMetrics registers the sandbox metrics with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(apiCalls, limitsExceeded, callDuration)
}
