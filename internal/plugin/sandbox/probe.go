// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package sandbox

import (
	"context"

	"github.com/samber/oops"
	"github.com/shirou/gopsutil/v4/process"
)

const bytesPerMB = 1024 * 1024

// ProcessProbe samples the resident set size of an operating system
// process. It is used for plugins running in their own process.
type ProcessProbe struct {
	proc *process.Process
}

// NewProcessProbe creates a probe for pid.
func NewProcessProbe(ctx context.Context, pid int) (*ProcessProbe, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return nil, oops.In("sandbox").With("pid", pid).Wrap(err)
	}
	return &ProcessProbe{proc: proc}, nil
}

// MemoryMB returns the process RSS in megabytes.
func (p *ProcessProbe) MemoryMB(ctx context.Context) (float64, error) {
	info, err := p.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, oops.In("sandbox").With("pid", p.proc.Pid).Wrap(err)
	}
	return float64(info.RSS) / bytesPerMB, nil
}

// ProbeFunc adapts a function to MemoryProbe.
type ProbeFunc func(ctx context.Context) (float64, error)

// MemoryMB calls f.
func (f ProbeFunc) MemoryMB(ctx context.Context) (float64, error) { return f(ctx) }
