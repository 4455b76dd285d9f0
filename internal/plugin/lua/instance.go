// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package lua

import (
	"context"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

// Lifecycle function names looked up on a Lua plugin's instance table.
const (
	fnOnLoad             = "on_load"
	fnOnInitialize       = "on_initialize"
	fnOnActivate         = "on_activate"
	fnOnDeactivate       = "on_deactivate"
	fnOnUnload           = "on_unload"
	fnOnError            = "on_error"
	fnOnUpdate           = "on_update"
	fnRegisterExtensions = "register_extensions"
)

// Instance adapts a Lua plugin to the lifecycle interfaces. Lifecycle
// functions are called as methods on the instance table; missing ones are
// no-ops.
type Instance struct {
	rt   *Runtime
	name string
	self *lua.LTable
}

var (
	_ plugin.Loader             = (*Instance)(nil)
	_ plugin.Initializer        = (*Instance)(nil)
	_ plugin.Activator          = (*Instance)(nil)
	_ plugin.Deactivator        = (*Instance)(nil)
	_ plugin.Unloader           = (*Instance)(nil)
	_ plugin.ErrorHandler       = (*Instance)(nil)
	_ plugin.Updater            = (*Instance)(nil)
	_ plugin.ExtensionRegistrar = (*Instance)(nil)
)

// NewInstance constructs the plugin instance from a module's exports. A
// module that returns a function is treated as a constructor and called
// with the `ctx` table; a module that returns a table is the instance
// itself. Either way the `ctx` table is also available as instance.ctx.
func NewInstance(ctx context.Context, mod *Module, pc plugin.Context) (*Instance, error) {
	rt := mod.rt
	ctxTable, err := rt.BindContext(ctx, pc)
	if err != nil {
		return nil, err
	}

	var self *lua.LTable
	err = rt.with(ctx, func(ctx context.Context, L *lua.LState) error {
		switch exp := mod.exports.(type) {
		case *lua.LFunction:
			rets, err := rt.callLocked(ctx, exp, 1, ctxTable)
			if err != nil {
				return oops.In("lua").With("chunk", mod.name).Hint("constructor failed").Wrap(err)
			}
			tbl, ok := rets[0].(*lua.LTable)
			if !ok {
				return oops.In("lua").With("chunk", mod.name).
					Errorf("constructor must return a table, got %s", rets[0].Type())
			}
			self = tbl
		case *lua.LTable:
			self = exp
		default:
			return oops.In("lua").With("chunk", mod.name).
				Errorf("plugin must return a table or constructor function, got %s", mod.exports.Type())
		}
		L.SetField(self, "ctx", ctxTable)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Instance{rt: rt, name: mod.name, self: self}, nil
}

// Has reports whether the instance defines the named function.
func (i *Instance) Has(name string) bool {
	has := false
	_ = i.rt.with(context.Background(), func(_ context.Context, L *lua.LState) error {
		_, has = L.GetField(i.self, name).(*lua.LFunction)
		return nil
	})
	return has
}

// invoke calls self:name(args...) when defined.
func (i *Instance) invoke(ctx context.Context, name string, args ...any) error {
	return i.rt.with(ctx, func(ctx context.Context, L *lua.LState) error {
		fn, ok := L.GetField(i.self, name).(*lua.LFunction)
		if !ok {
			return nil
		}
		largs := make([]lua.LValue, 0, len(args)+1)
		largs = append(largs, i.self)
		for _, a := range args {
			largs = append(largs, ToLua(L, a))
		}
		if _, err := i.rt.callLocked(ctx, fn, 0, largs...); err != nil {
			return oops.In("lua").With("chunk", i.name).With("function", name).Wrap(err)
		}
		return nil
	})
}

// OnLoad implements plugin.Loader.
func (i *Instance) OnLoad(ctx context.Context) error { return i.invoke(ctx, fnOnLoad) }

// OnInitialize implements plugin.Initializer.
func (i *Instance) OnInitialize(ctx context.Context) error { return i.invoke(ctx, fnOnInitialize) }

// OnActivate implements plugin.Activator.
func (i *Instance) OnActivate(ctx context.Context) error { return i.invoke(ctx, fnOnActivate) }

// OnDeactivate implements plugin.Deactivator.
func (i *Instance) OnDeactivate(ctx context.Context) error { return i.invoke(ctx, fnOnDeactivate) }

// OnUnload implements plugin.Unloader.
func (i *Instance) OnUnload(ctx context.Context) error { return i.invoke(ctx, fnOnUnload) }

// OnError implements plugin.ErrorHandler.
func (i *Instance) OnError(ctx context.Context, err error) error {
	return i.invoke(ctx, fnOnError, err.Error())
}

// OnUpdate implements plugin.Updater.
func (i *Instance) OnUpdate(ctx context.Context, oldVersion, newVersion string) error {
	return i.invoke(ctx, fnOnUpdate, oldVersion, newVersion)
}

// RegisterExtensions implements plugin.ExtensionRegistrar.
func (i *Instance) RegisterExtensions(ctx context.Context) error {
	return i.invoke(ctx, fnRegisterExtensions)
}
