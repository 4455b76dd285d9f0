// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package sandbox is the execution boundary around plugin code. A Sandbox
// owns the capability-gated host API handed to one plugin, accounts every
// call against the plugin's resource limits, and tears down everything the
// plugin scheduled when it is destroyed.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/internal/plugin/capability"
	"github.com/memorynote/pluginrt/internal/plugin/lua"
	"github.com/memorynote/pluginrt/pkg/errutil"
	"github.com/memorynote/pluginrt/pkg/plugin"
)

// Sentinel errors.
var (
	ErrDestroyed        = errors.New("sandbox destroyed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnknownPath      = errors.New("unknown host API path")
)

// MemoryProbe samples the memory used by a plugin, in megabytes.
type MemoryProbe interface {
	MemoryMB(ctx context.Context) (float64, error)
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithSandboxLimits merges l over the default limits.
func WithSandboxLimits(l Limits) Option {
	return func(s *Sandbox) { s.monitorOpts = append(s.monitorOpts, WithLimits(l)) }
}

// WithSandboxClock sets the clock used by the resource monitor.
func WithSandboxClock(now func() time.Time) Option {
	return func(s *Sandbox) { s.monitorOpts = append(s.monitorOpts, WithClock(now)) }
}

// WithMemoryProbe sets the probe sampled after every host API call.
func WithMemoryProbe(p MemoryProbe) Option {
	return func(s *Sandbox) { s.probe = p }
}

// WithExecutionTimeout bounds every Call. Zero disables the bound.
func WithExecutionTimeout(d time.Duration) Option {
	return func(s *Sandbox) { s.timeout = d }
}

// WithEnforcer shares a permission enforcer between sandboxes.
func WithEnforcer(e *capability.Enforcer) Option {
	return func(s *Sandbox) {
		if e != nil {
			s.enforcer = e
		}
	}
}

// WithResolver replaces the API path resolver.
func WithResolver(r *capability.Resolver) Option {
	return func(s *Sandbox) {
		if r != nil {
			s.resolver = r
		}
	}
}

// WithStateFactory replaces the Lua state factory used by Execute.
func WithStateFactory(f *lua.StateFactory) Option {
	return func(s *Sandbox) {
		if f != nil {
			s.factory = f
		}
	}
}

// WithSandboxLogger sets the logger. The plugin id is added to it.
func WithSandboxLogger(l *slog.Logger) Option {
	return func(s *Sandbox) {
		if l != nil {
			s.logger = l
		}
	}
}

var defaultResolver = capability.MustResolver(capability.DefaultRules)

// Sandbox runs one plugin's code against a restricted host API.
//
// Sandbox is safe for concurrent use.
type Sandbox struct {
	id          string
	perms       []plugin.Permission
	enforcer    *capability.Enforcer
	resolver    *capability.Resolver
	monitor     *Monitor
	monitorOpts []MonitorOption
	probe       MemoryProbe
	timeout     time.Duration
	factory     *lua.StateFactory
	logger      *slog.Logger
	api         *plugin.API

	mu        sync.Mutex
	destroyed bool
	timerSeq  uint64
	timers    map[uint64]func()
	runtimes  []*lua.Runtime
}

// New creates a sandbox for pluginID holding perms. host is the full host
// API; the sandbox exposes only the capabilities perms allow.
func New(pluginID string, perms []plugin.Permission, host *plugin.API, opts ...Option) (*Sandbox, error) {
	s := &Sandbox{
		id:       pluginID,
		perms:    append([]plugin.Permission(nil), perms...),
		enforcer: capability.NewEnforcer(),
		resolver: defaultResolver,
		factory:  lua.NewStateFactory(),
		logger:   slog.Default(),
		timers:   make(map[uint64]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("plugin", pluginID)
	s.monitor = NewMonitor(pluginID, s.monitorOpts...)

	if err := s.enforcer.GrantPermissions(pluginID, s.perms); err != nil {
		return nil, oops.In("sandbox").With("plugin", pluginID).Wrap(err)
	}
	s.api = s.buildAPI(host)
	return s, nil
}

// ID returns the plugin id.
func (s *Sandbox) ID() string { return s.id }

// API returns the gated host API. Capabilities without a matching
// permission are nil.
func (s *Sandbox) API() *plugin.API { return s.api }

// Monitor returns the sandbox's resource monitor.
func (s *Sandbox) Monitor() *Monitor { return s.monitor }

// SetMemoryProbe replaces the memory probe. Binary plugins attach a probe
// once their process has started.
func (s *Sandbox) SetMemoryProbe(p MemoryProbe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probe = p
}

// IsDestroyed reports whether Destroy has been called.
func (s *Sandbox) IsDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Execute evaluates Lua source in a fresh restricted runtime, with globals
// merged into its global scope, and returns the chunk's exported value.
// The runtime is closed when the sandbox is destroyed.
func (s *Sandbox) Execute(ctx context.Context, name, code string, globals map[string]any) (*lua.Module, error) {
	if s.IsDestroyed() {
		return nil, s.destroyedErr("execute")
	}

	rt, err := lua.NewRuntime(ctx, s.factory, s.logger)
	if err != nil {
		return nil, oops.In("sandbox").With("plugin", s.id).Wrap(err)
	}
	for k, v := range globals {
		rt.SetGlobal(k, v)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	mod, err := rt.Load(ctx, name, code)
	elapsed := time.Since(start)
	callDuration.WithLabelValues("execute").Observe(elapsed.Seconds())
	if err == nil {
		err = s.monitor.UpdateCPU(cpuEstimate(elapsed))
	}
	if err != nil {
		rt.Close()
		return nil, oops.In("sandbox").With("plugin", s.id).With("chunk", name).Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		rt.Close()
		return nil, s.destroyedErr("execute")
	}
	s.runtimes = append(s.runtimes, rt)
	return mod, nil
}

// cpuEstimate converts wall time into the monitor's CPU figure: one percent
// per millisecond, capped at 100.
func cpuEstimate(d time.Duration) float64 {
	return min(100, float64(d.Milliseconds()))
}

// Call runs fn inside the sandbox boundary: panics become errors, the
// optional execution timeout is applied to ctx, and memory is sampled once
// fn returns.
func (s *Sandbox) Call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if s.IsDestroyed() {
		return s.destroyedErr(op)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = oops.In("sandbox").With("plugin", s.id).With("operation", op).Errorf("plugin panic: %v", r)
			}
		}()
		return fn(ctx)
	}()
	callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	return s.sampleMemory(ctx)
}

// Destroy cancels every timer, closes the Lua runtimes, resets the monitor
// and revokes the plugin's grants. Later calls are no-ops. Every gated API
// call made after Destroy fails with ErrDestroyed.
func (s *Sandbox) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	cancels := make([]func(), 0, len(s.timers))
	for _, cancel := range s.timers {
		cancels = append(cancels, cancel)
	}
	clear(s.timers)
	runtimes := s.runtimes
	s.runtimes = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, rt := range runtimes {
		rt.Close()
	}
	s.monitor.Reset()
	s.enforcer.RemoveGrants(s.id)
	s.logger.Debug("sandbox destroyed", "timers_cancelled", len(cancels))
}

// guard runs before every host API call: the sandbox must be alive, the
// plugin must hold the permission path requires, and the call is counted
// against the resource limits.
func (s *Sandbox) guard(ctx context.Context, path string) error {
	if s.IsDestroyed() {
		apiCalls.WithLabelValues(path, "destroyed").Inc()
		return s.destroyedErr(path)
	}
	rule, ok := s.resolver.Resolve(path)
	if !ok {
		apiCalls.WithLabelValues(path, "unknown").Inc()
		return oops.In("sandbox").Code("PERMISSION_DENIED").With("plugin", s.id).With("path", path).
			Wrap(fmt.Errorf("%w: %s", ErrUnknownPath, path))
	}
	if rule.Permission != "" && !s.enforcer.Check(s.id, rule.Permission) {
		apiCalls.WithLabelValues(path, "denied").Inc()
		return s.permissionErr(path, rule.Permission)
	}

	var err error
	switch rule.Counter {
	case capability.CountFileOp:
		err = s.monitor.RecordFileOperation()
	case capability.CountNetwork:
		err = s.monitor.RecordNetworkRequest()
	}
	if err == nil {
		err = s.sampleMemory(ctx)
	}
	if err != nil {
		apiCalls.WithLabelValues(path, "limited").Inc()
		return err
	}
	apiCalls.WithLabelValues(path, "ok").Inc()
	return nil
}

func (s *Sandbox) sampleMemory(ctx context.Context) error {
	s.mu.Lock()
	probe := s.probe
	s.mu.Unlock()
	if probe == nil {
		return nil
	}
	mb, err := probe.MemoryMB(ctx)
	if err != nil {
		s.logger.Debug("memory probe failed", "error", err)
		return nil
	}
	return s.monitor.UpdateMemory(mb)
}

func (s *Sandbox) permissionErr(path string, perm plugin.Permission) error {
	return oops.In("sandbox").Code("PERMISSION_DENIED").
		With("plugin", s.id).With("path", path).With("permission", string(perm)).
		Wrap(fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, path, perm))
}

func (s *Sandbox) destroyedErr(op string) error {
	return oops.In("sandbox").Code("SANDBOX_DESTROYED").With("plugin", s.id).With("operation", op).
		Wrap(ErrDestroyed)
}

// runCallback invokes a plugin callback scheduled through the sandbox,
// logging failures instead of propagating them.
func (s *Sandbox) runCallback(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			errutil.LogError(s.logger, "plugin callback panicked",
				oops.In("sandbox").With("plugin", s.id).With("callback", kind).Errorf("panic: %v", r))
		}
	}()
	fn()
}
