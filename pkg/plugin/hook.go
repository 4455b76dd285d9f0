// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package plugin

import (
	"context"
	"maps"
	"sync"
	"time"
)

// HookType names an extension point.
type HookType string

// Hook types emitted by the runtime and the host application.
const (
	HookAppStarting HookType = "app.starting"
	HookAppReady    HookType = "app.ready"
	HookAppClosing  HookType = "app.closing"

	HookPluginLoaded      HookType = "plugin.loaded"
	HookPluginActivated   HookType = "plugin.activated"
	HookPluginDeactivated HookType = "plugin.deactivated"
	HookPluginUnloaded    HookType = "plugin.unloaded"
	HookPluginError       HookType = "plugin.error"

	HookPluginInstallCompleted   HookType = "plugin.installCompleted"
	HookPluginUninstallCompleted HookType = "plugin.uninstallCompleted"
	HookPluginUpdateCompleted    HookType = "plugin.updateCompleted"
	HookPluginUpdateFailed       HookType = "plugin.updateFailed"

	HookFileOpening HookType = "file.opening"
	HookFileOpened  HookType = "file.opened"
	HookFileSaving  HookType = "file.saving"
	HookFileSaved   HookType = "file.saved"
	HookFileClosing HookType = "file.closing"
	HookFileClosed  HookType = "file.closed"

	HookEditorContentChanged   HookType = "editor.contentChanged"
	HookEditorSelectionChanged HookType = "editor.selectionChanged"

	HookReviewSessionStarting HookType = "review.sessionStarting"
	HookReviewSessionEnding   HookType = "review.sessionEnding"
	HookReviewCardReviewed    HookType = "review.cardReviewed"

	HookConfigurationChanged HookType = "system.configurationChanged"
	HookCommandExecuted      HookType = "ui.commandExecuted"

	// HookError is emitted when a handler returns an error or panics. Data
	// carries hookType, pluginId, handlerId and error.
	HookError HookType = "hook-error"
)

// DefaultHookPriority is used when a registration does not set one.
// Lower values run first.
const DefaultHookPriority = 100

// HookHandler handles a hook emission. A returned error is logged and
// dispatch continues with the next handler.
type HookHandler func(ctx context.Context, hc *HookContext) error

// HookOptions tune a handler registration.
type HookOptions struct {
	// Priority orders handlers ascending. Zero means DefaultHookPriority.
	Priority int

	// Once removes the handler after its first invocation.
	Once bool

	// Condition, when set, skips the handler for emissions it returns false for.
	Condition func(hc *HookContext) bool
}

// HookContext is the mutable state shared by the handlers of one emission.
type HookContext struct {
	Type      HookType
	Source    string
	Timestamp time.Time

	mu        sync.Mutex
	data      map[string]any
	stopped   bool
	prevented bool
}

// NewHookContext creates the context for a single emission. data is copied.
func NewHookContext(t HookType, data map[string]any, source string) *HookContext {
	return &HookContext{
		Type:      t,
		Source:    source,
		Timestamp: time.Now(),
		data:      maps.Clone(data),
	}
}

// Data returns a copy of the current payload.
func (hc *HookContext) Data() map[string]any {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return maps.Clone(hc.data)
}

// Get returns one payload value.
func (hc *HookContext) Get(key string) (any, bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	v, ok := hc.data[key]
	return v, ok
}

// UpdateData merges update into the payload seen by later handlers.
func (hc *HookContext) UpdateData(update map[string]any) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.data == nil {
		hc.data = make(map[string]any, len(update))
	}
	maps.Copy(hc.data, update)
}

// StopPropagation halts dispatch to the remaining handlers of this emission.
func (hc *HookContext) StopPropagation() {
	hc.mu.Lock()
	hc.stopped = true
	hc.mu.Unlock()
}

// PreventDefault tells the emitter to skip its default action.
func (hc *HookContext) PreventDefault() {
	hc.mu.Lock()
	hc.prevented = true
	hc.mu.Unlock()
}

// IsStopped reports whether StopPropagation was called.
func (hc *HookContext) IsStopped() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.stopped
}

// IsPrevented reports whether PreventDefault was called.
func (hc *HookContext) IsPrevented() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.prevented
}

// Hooks is the plugin-scoped view of the hook registry. Registrations are
// owned by the calling plugin and released when it is deactivated.
type Hooks interface {
	On(t HookType, h HookHandler, opts HookOptions) (Disposable, error)
	Once(t HookType, h HookHandler, opts HookOptions) (Disposable, error)
	Emit(ctx context.Context, t HookType, data map[string]any) *HookContext
}
