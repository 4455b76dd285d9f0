// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package pluginctx builds the per-plugin context: logger, storage,
// configuration, disposables, messaging and hook registration.
package pluginctx

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/internal/plugin/hook"
	"github.com/memorynote/pluginrt/pkg/plugin"
)

// Options are the collaborators of one plugin context.
type Options struct {
	ID          string
	Version     string
	Permissions []plugin.Permission
	Logger      *slog.Logger

	// Storage defaults to an in-memory store.
	Storage plugin.Storage

	// Config defaults to an empty, unpersisted store.
	Config *Config

	// Bus and Hooks are shared between every plugin of a runtime.
	Bus   *Bus
	Hooks *hook.Registry

	// API is the plugin's gated host API.
	API *plugin.API
}

// Context implements plugin.Context.
type Context struct {
	id          string
	version     string
	permissions []plugin.Permission
	logger      *slog.Logger
	storage     plugin.Storage
	config      *Config
	bus         *Bus
	endpoint    *Endpoint
	registry    *hook.Registry
	hooks       *hooks
	api         *plugin.API

	mu       sync.Mutex
	subs     *Disposables
	disposed bool
}

var _ plugin.Context = (*Context)(nil)

// New creates a context. Bus and Hooks are required.
func New(opts Options) (*Context, error) {
	if opts.ID == "" {
		return nil, oops.In("pluginctx").Errorf("plugin id cannot be empty")
	}
	if opts.Bus == nil || opts.Hooks == nil {
		return nil, oops.In("pluginctx").With("plugin", opts.ID).Errorf("bus and hook registry are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("plugin", opts.ID)

	c := &Context{
		id:          opts.ID,
		version:     opts.Version,
		permissions: slices.Clone(opts.Permissions),
		logger:      logger,
		storage:     opts.Storage,
		config:      opts.Config,
		bus:         opts.Bus,
		endpoint:    opts.Bus.Endpoint(opts.ID),
		registry:    opts.Hooks,
		api:         opts.API,
		subs:        NewDisposables(logger),
	}
	if c.storage == nil {
		c.storage = NewMemoryStorage()
	}
	if c.config == nil {
		c.config = NewConfig(nil, nil, nil)
	}
	if c.api == nil {
		c.api = &plugin.API{}
	}
	c.hooks = &hooks{c: c, reg: opts.Hooks}
	return c, nil
}

func (c *Context) ID() string { return c.id }
func (c *Context) Version() string { return c.version }
func (c *Context) Permissions() []plugin.Permission { return slices.Clone(c.permissions) }
func (c *Context) Logger() *slog.Logger { return c.logger }
func (c *Context) Storage() plugin.Storage { return c.storage }
func (c *Context) Config() plugin.Config { return c.config }
func (c *Context) Messaging() plugin.Messenger { return c.endpoint }
func (c *Context) Hooks() plugin.Hooks { return c.hooks }
func (c *Context) API() *plugin.API { return c.api }

// Subscriptions returns the registry of the current activation.
func (c *Context) Subscriptions() plugin.Disposables {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs
}

// PendingDisposables returns the number of cleanups waiting in the current
// registry.
func (c *Context) PendingDisposables() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs.Len()
}

// EndActivation disposes everything registered since the last activation
// started and opens a fresh registry. It is called on deactivation so a
// later activation starts clean.
func (c *Context) EndActivation() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	subs := c.subs
	c.subs = NewDisposables(c.logger)
	c.mu.Unlock()
	subs.Dispose()
}

// Dispose releases every subscription, disconnects the plugin from the bus
// and removes its hook handlers. Later calls do nothing.
func (c *Context) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	subs := c.subs
	c.mu.Unlock()

	subs.Dispose()
	c.bus.Remove(c.id)
	if n := c.registry.RemovePluginHandlers(c.id); n > 0 {
		c.logger.Debug("removed leftover hook handlers", "count", n)
	}
}

// IsDisposed reports whether Dispose has been called.
func (c *Context) IsDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}
