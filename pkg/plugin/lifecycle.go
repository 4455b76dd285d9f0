// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package plugin

import "context"

// Instance is an opaque plugin object produced by a Factory. The runtime
// probes it for the optional lifecycle interfaces below; any method it does
// not implement is treated as a no-op.
type Instance any

// Factory constructs a plugin instance bound to its context.
type Factory func(pc Context) (Instance, error)

// Loader is implemented by plugins that run code when loaded.
type Loader interface {
	OnLoad(ctx context.Context) error
}

// Initializer is implemented by plugins that prepare state before activation.
type Initializer interface {
	OnInitialize(ctx context.Context) error
}

// Activator is implemented by plugins that run code when activated.
type Activator interface {
	OnActivate(ctx context.Context) error
}

// Deactivator is implemented by plugins that run code when deactivated.
type Deactivator interface {
	OnDeactivate(ctx context.Context) error
}

// Unloader is implemented by plugins that run code before they are unloaded.
type Unloader interface {
	OnUnload(ctx context.Context) error
}

// ErrorHandler receives lifecycle failures of its own plugin.
type ErrorHandler interface {
	OnError(ctx context.Context, err error) error
}

// Updater is implemented by plugins that migrate state across versions.
type Updater interface {
	OnUpdate(ctx context.Context, oldVersion, newVersion string) error
}

// ExtensionRegistrar is implemented by plugins that contribute extensions
// once activation succeeds.
type ExtensionRegistrar interface {
	RegisterExtensions(ctx context.Context) error
}

// Base implements every lifecycle interface as a no-op. Embed it to
// override only the methods a plugin needs.
type Base struct{}

func (Base) OnLoad(context.Context) error { return nil }
func (Base) OnInitialize(context.Context) error { return nil }
func (Base) OnActivate(context.Context) error { return nil }
func (Base) OnDeactivate(context.Context) error { return nil }
func (Base) OnUnload(context.Context) error { return nil }
func (Base) OnError(context.Context, error) error { return nil }
func (Base) OnUpdate(context.Context, string, string) error { return nil }
func (Base) RegisterExtensions(context.Context) error { return nil }

var (
	_ Loader             = Base{}
	_ Initializer        = Base{}
	_ Activator          = Base{}
	_ Deactivator        = Base{}
	_ Unloader           = Base{}
	_ ErrorHandler       = Base{}
	_ Updater            = Base{}
	_ ExtensionRegistrar = Base{}
)
