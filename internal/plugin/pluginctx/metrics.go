// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package pluginctx

import "github.com/prometheus/client_golang/prometheus"

var messages = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pluginrt_messages_total",
		Help: "Plugin-to-plugin messages by kind and outcome",
	},
	[]string{"kind", "status"},
)

// RegisterMetrics registers the messaging metrics with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(messages)
}
