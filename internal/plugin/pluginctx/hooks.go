// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package pluginctx

import (
	"context"
	"sync"

	"github.com/memorynote/pluginrt/internal/plugin/hook"
	"github.com/memorynote/pluginrt/pkg/plugin"
)

// hooks registers handlers on the shared registry on behalf of one plugin.
// Every registration is owned by the plugin and released with its
// subscriptions.
type hooks struct {
	c   *Context
	reg *hook.Registry
}

var _ plugin.Hooks = (*hooks)(nil)

func (h *hooks) On(t plugin.HookType, handler plugin.HookHandler, opts plugin.HookOptions) (plugin.Disposable, error) {
	id, err := h.reg.On(t, handler, opts, h.c.id)
	if err != nil {
		return nil, err
	}
	return h.track(t, id), nil
}

func (h *hooks) Once(t plugin.HookType, handler plugin.HookHandler, opts plugin.HookOptions) (plugin.Disposable, error) {
	id, err := h.reg.Once(t, handler, opts, h.c.id)
	if err != nil {
		return nil, err
	}
	return h.track(t, id), nil
}

func (h *hooks) Emit(ctx context.Context, t plugin.HookType, data map[string]any) *plugin.HookContext {
	return h.reg.Emit(ctx, t, data, h.c.id)
}

func (h *hooks) track(t plugin.HookType, id string) plugin.Disposable {
	d := plugin.DisposableFunc(sync.OnceFunc(func() { h.reg.RemoveHandler(t, id) }))
	h.c.Subscriptions().Add(d)
	return d
}
