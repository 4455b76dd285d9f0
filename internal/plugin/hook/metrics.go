// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package hook

import "github.com/prometheus/client_golang/prometheus"

var hookDispatches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pluginrt_hook_dispatches_total",
		Help: "Total number of hook handler invocations by hook type and status",
	},
	[]string{"hook", "status"},
)

// RegisterMetrics registers the hook metrics with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(hookDispatches)
}
