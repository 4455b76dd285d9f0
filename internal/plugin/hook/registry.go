// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package hook implements the priority-ordered hook registry shared by the
// runtime and its plugins.
package hook

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/pkg/errutil"
	"github.com/memorynote/pluginrt/pkg/plugin"
)

// entry is one registered handler.
type entry struct {
	id      string
	seq     uint64
	handler plugin.HookHandler
	opts    plugin.HookOptions
	owner   string
}

// Registry dispatches hook emissions to registered handlers in ascending
// priority order. Handlers of equal priority run in registration order.
//
// Registry is safe for concurrent use. Handlers are invoked without the
// registry lock held, so a handler may register or remove handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[plugin.HookType][]*entry
	seq      uint64
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for handler failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handlers: make(map[plugin.HookType][]*entry),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// On registers h for hook type t on behalf of owner and returns the
// registration id. An empty owner marks a host registration.
func (r *Registry) On(t plugin.HookType, h plugin.HookHandler, opts plugin.HookOptions, owner string) (string, error) {
	if t == "" {
		return "", oops.In("hook").Code("INVALID_HOOK").Errorf("hook type cannot be empty")
	}
	if h == nil {
		return "", oops.In("hook").Code("INVALID_HOOK").With("hook", t).Errorf("handler cannot be nil")
	}
	if opts.Priority == 0 {
		opts.Priority = plugin.DefaultHookPriority
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e := &entry{
		id:      ulid.Make().String(),
		seq:     r.seq,
		handler: h,
		opts:    opts,
		owner:   owner,
	}
	list := append(r.handlers[t], e)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].opts.Priority != list[j].opts.Priority {
			return list[i].opts.Priority < list[j].opts.Priority
		}
		return list[i].seq < list[j].seq
	})
	r.handlers[t] = list
	return e.id, nil
}

// Once registers h to run for at most one emission of t.
func (r *Registry) Once(t plugin.HookType, h plugin.HookHandler, opts plugin.HookOptions, owner string) (string, error) {
	opts.Once = true
	return r.On(t, h, opts, owner)
}

// Emit runs the handlers of t in priority order against a fresh hook
// context and returns it so the caller can inspect IsPrevented and the
// final payload. Handler errors and panics are logged, reported as a
// HookError emission, and do not stop dispatch; StopPropagation does.
func (r *Registry) Emit(ctx context.Context, t plugin.HookType, data map[string]any, source string) *plugin.HookContext {
	hc := plugin.NewHookContext(t, data, source)

	r.mu.RLock()
	snapshot := make([]*entry, len(r.handlers[t]))
	copy(snapshot, r.handlers[t])
	r.mu.RUnlock()

	for _, e := range snapshot {
		if hc.IsStopped() {
			break
		}
		if e.opts.Condition != nil && !e.opts.Condition(hc) {
			continue
		}
		if e.opts.Once && !r.RemoveHandler(t, e.id) {
			// Another emission already consumed it.
			continue
		}
		r.invoke(ctx, t, e, hc)
	}
	return hc
}

func (r *Registry) invoke(ctx context.Context, t plugin.HookType, e *entry, hc *plugin.HookContext) {
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("handler panic: %v", p)
			}
		}()
		return e.handler(ctx, hc)
	}()

	status := "ok"
	if err != nil {
		status = "error"
		errutil.LogError(r.logger, "hook handler failed",
			oops.In("hook").With("hook", string(t)).With("plugin", e.owner).With("handler", e.id).Wrap(err))
	}
	hookDispatches.WithLabelValues(string(t), status).Inc()

	// Failures of hook-error handlers are only logged.
	if err != nil && t != plugin.HookError {
		r.Emit(ctx, plugin.HookError, map[string]any{
			"hookType":  string(t),
			"pluginId":  e.owner,
			"handlerId": e.id,
			"error":     err.Error(),
		}, "hook")
	}
}

// RemoveHandler removes one registration. It reports whether the handler
// was still registered.
func (r *Registry) RemoveHandler(t plugin.HookType, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.handlers[t]
	for i, e := range list {
		if e.id == id {
			r.handlers[t] = append(list[:i:i], list[i+1:]...)
			if len(r.handlers[t]) == 0 {
				delete(r.handlers, t)
			}
			return true
		}
	}
	return false
}

// RemovePluginHandlers removes every registration owned by owner and
// returns how many were removed. Other owners' handlers are untouched.
func (r *Registry) RemovePluginHandlers(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for t, list := range r.handlers {
		kept := list[:0:0]
		for _, e := range list {
			if e.owner == owner {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(r.handlers, t)
		} else {
			r.handlers[t] = kept
		}
	}
	return removed
}

// HandlerCount returns the number of handlers registered for t.
func (r *Registry) HandlerCount(t plugin.HookType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[t])
}

// RegisteredTypes returns the hook types that have handlers, sorted.
func (r *Registry) RegisteredTypes() []plugin.HookType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]plugin.HookType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// PluginStats returns, per hook type, how many handlers owner has registered.
func (r *Registry) PluginStats(owner string) map[plugin.HookType]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[plugin.HookType]int)
	for t, list := range r.handlers {
		for _, e := range list {
			if e.owner == owner {
				stats[t]++
			}
		}
	}
	return stats
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.handlers)
}
