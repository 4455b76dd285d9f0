// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package plugin

import "github.com/prometheus/client_golang/prometheus"

var (
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pluginrt_plugin_transitions_total",
			Help: "Lifecycle state transitions by target state",
		},
		[]string{"state"},
	)

	lifecycleFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pluginrt_plugin_lifecycle_failures_total",
			Help: "Failed lifecycle operations by operation",
		},
		[]string{"operation"},
	)

	activePlugins = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pluginrt_plugins_active",
		Help: "Number of plugins in the ACTIVE state",
	})
)

// RegisterMetrics registers the lifecycle metrics with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(transitions, lifecycleFailures, activePlugins)
}
