// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package sandbox

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/oops"
)

// ErrResourceLimit is matched by every LimitError.
var ErrResourceLimit = errors.New("resource limit exceeded")

// RateGracePeriod is how long after the window start rate ceilings are
// ignored.
const RateGracePeriod = 30 * time.Second

// Resource names a monitored resource.
type Resource string

// Monitored resources.
const (
	ResourceMemory  Resource = "memory"
	ResourceCPU     Resource = "cpu"
	ResourceFileOps Resource = "file_ops"
	ResourceNetwork Resource = "network_requests"
)

// Limits are per-sandbox ceilings. A zero field means "keep the current
// value" when passed to SetLimits.
type Limits struct {
	MaxMemoryMB                 float64 `koanf:"max_memory_mb"`
	MaxCPUPercent               float64 `koanf:"max_cpu_percent"`
	MaxFileOpsPerMinute         float64 `koanf:"max_file_ops_per_minute"`
	MaxNetworkRequestsPerMinute float64 `koanf:"max_network_requests_per_minute"`
}

// DefaultLimits returns the ceilings applied to every new sandbox.
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryMB:                 500,
		MaxCPUPercent:               90,
		MaxFileOpsPerMinute:         10000,
		MaxNetworkRequestsPerMinute: 500,
	}
}

// Merge returns l with the non-zero fields of o applied.
func (l Limits) Merge(o Limits) Limits {
	if o.MaxMemoryMB > 0 {
		l.MaxMemoryMB = o.MaxMemoryMB
	}
	if o.MaxCPUPercent > 0 {
		l.MaxCPUPercent = o.MaxCPUPercent
	}
	if o.MaxFileOpsPerMinute > 0 {
		l.MaxFileOpsPerMinute = o.MaxFileOpsPerMinute
	}
	if o.MaxNetworkRequestsPerMinute > 0 {
		l.MaxNetworkRequestsPerMinute = o.MaxNetworkRequestsPerMinute
	}
	return l
}

// Usage is a snapshot of a sandbox's accumulated resource usage.
type Usage struct {
	CPUPercent      float64   `json:"cpuPercent"`
	MemoryMB        float64   `json:"memoryMB"`
	FileOps         int64     `json:"fileOperations"`
	NetworkRequests int64     `json:"networkRequests"`
	WindowStart     time.Time `json:"windowStart"`
}

// LimitError reports a breached ceiling.
type LimitError struct {
	PluginID string
	Resource Resource
	Value    float64
	Limit    float64
	Unit     string
}

func (e *LimitError) Error() string {
	var what string
	switch e.Resource {
	case ResourceMemory:
		what = "memory limit"
	case ResourceCPU:
		what = "CPU limit"
	case ResourceFileOps:
		what = "file operation rate limit"
	case ResourceNetwork:
		what = "network request rate limit"
	default:
		what = string(e.Resource) + " limit"
	}
	return fmt.Sprintf("plugin exceeded %s: %s > %s",
		what, formatAmount(e.Value, e.Unit), formatAmount(e.Limit, e.Unit))
}

// Is makes errors.Is(err, ErrResourceLimit) hold.
func (e *LimitError) Is(target error) bool {
	return target == ErrResourceLimit
}

func formatAmount(v float64, unit string) string {
	return fmt.Sprintf("%.0f%s", v, unit)
}

// Monitor accumulates the resource usage of one sandbox and enforces its
// limits. Counters keep accumulating until Reset.
//
// Monitor is safe for concurrent use.
type Monitor struct {
	pluginID string
	now      func() time.Time

	mu     sync.Mutex
	limits Limits
	usage  Usage
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithClock replaces the monitor's time source.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLimits merges limits over the defaults.
func WithLimits(l Limits) MonitorOption {
	return func(m *Monitor) {
		m.limits = m.limits.Merge(l)
	}
}

// NewMonitor creates a monitor for pluginID with default limits.
func NewMonitor(pluginID string, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		pluginID: pluginID,
		now:      time.Now,
		limits:   DefaultLimits(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.usage.WindowStart = m.now()
	return m
}

// SetLimits merges l into the current limits.
func (m *Monitor) SetLimits(l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = m.limits.Merge(l)
}

// Limits returns the current limits.
func (m *Monitor) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// Usage returns a snapshot of the accumulated usage.
func (m *Monitor) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// UpdateCPU records the latest CPU estimate and checks limits.
func (m *Monitor) UpdateCPU(percent float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.CPUPercent = percent
	return m.checkLocked()
}

// UpdateMemory records the latest memory sample and checks limits.
func (m *Monitor) UpdateMemory(mb float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.MemoryMB = mb
	return m.checkLocked()
}

// RecordFileOperation counts one file operation and checks limits. The
// operation is counted even when it breaches a limit.
func (m *Monitor) RecordFileOperation() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.FileOps++
	return m.checkLocked()
}

// RecordNetworkRequest counts one network request and checks limits.
func (m *Monitor) RecordNetworkRequest() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.NetworkRequests++
	return m.checkLocked()
}

// Check evaluates every limit against the current usage.
func (m *Monitor) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked()
}

// Reset zeroes the counters and restarts the rate window.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = Usage{WindowStart: m.now()}
}

func (m *Monitor) checkLocked() error {
	if m.usage.MemoryMB > m.limits.MaxMemoryMB {
		return m.breach(ResourceMemory, m.usage.MemoryMB, m.limits.MaxMemoryMB, "MB")
	}
	if m.usage.CPUPercent > m.limits.MaxCPUPercent {
		return m.breach(ResourceCPU, m.usage.CPUPercent, m.limits.MaxCPUPercent, "%")
	}

	elapsed := m.now().Sub(m.usage.WindowStart)
	if elapsed <= RateGracePeriod {
		return nil
	}
	minutes := elapsed.Minutes()
	if rate := float64(m.usage.FileOps) / minutes; rate > m.limits.MaxFileOpsPerMinute {
		return m.breach(ResourceFileOps, rate, m.limits.MaxFileOpsPerMinute, "/min")
	}
	if rate := float64(m.usage.NetworkRequests) / minutes; rate > m.limits.MaxNetworkRequestsPerMinute {
		return m.breach(ResourceNetwork, rate, m.limits.MaxNetworkRequestsPerMinute, "/min")
	}
	return nil
}

func (m *Monitor) breach(r Resource, value, limit float64, unit string) error {
	limitsExceeded.WithLabelValues(string(r)).Inc()
	return oops.In("sandbox").
		Code("RESOURCE_LIMIT").
		With("plugin", m.pluginID).
		With("resource", string(r)).
		With("unit", unit).
		Wrap(&LimitError{PluginID: m.pluginID, Resource: r, Value: value, Limit: limit, Unit: unit})
}
