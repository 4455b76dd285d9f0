// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package pluginctx

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/pkg/errutil"
	"github.com/memorynote/pluginrt/pkg/plugin"
)

// Disposables runs registered cleanups exactly once, in registration order.
// A failing cleanup is logged and does not stop the others. Anything added
// after Dispose is disposed immediately.
type Disposables struct {
	logger *slog.Logger

	mu       sync.Mutex
	items    []plugin.Disposable
	disposed bool
}

var _ plugin.Disposables = (*Disposables)(nil)

// NewDisposables creates an empty registry.
func NewDisposables(logger *slog.Logger) *Disposables {
	if logger == nil {
		logger = slog.Default()
	}
	return &Disposables{logger: logger}
}

// Add registers d. Nil is ignored.
func (r *Disposables) Add(d plugin.Disposable) {
	if d == nil {
		return
	}
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		r.disposeOne(d)
		return
	}
	r.items = append(r.items, d)
	r.mu.Unlock()
}

// AddFunc registers fn.
func (r *Disposables) AddFunc(fn func()) {
	if fn == nil {
		return
	}
	r.Add(plugin.DisposableFunc(fn))
}

// Len returns the number of pending cleanups.
func (r *Disposables) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Dispose runs every cleanup. Later calls do nothing.
func (r *Disposables) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	items := r.items
	r.items = nil
	r.mu.Unlock()

	for _, d := range items {
		r.disposeOne(d)
	}
}

func (r *Disposables) disposeOne(d plugin.Disposable) {
	defer func() {
		if p := recover(); p != nil {
			errutil.LogError(r.logger, "error disposing resource",
				oops.In("pluginctx").Wrap(fmt.Errorf("dispose panic: %v", p)))
		}
	}()
	d.Dispose()
}
