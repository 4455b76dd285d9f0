// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package pluginctx

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

// ConfigPersister saves a plugin's full configuration after every Set.
type ConfigPersister func(ctx context.Context, values map[string]any) error

// Config is a change-notifying configuration store.
type Config struct {
	persist ConfigPersister

	mu        sync.RWMutex
	values    map[string]any
	listeners map[uint64]func(context.Context, plugin.ConfigChange)
	seq       uint64
}

var _ plugin.Config = (*Config)(nil)

// NewConfig creates a store holding defaults overlaid with saved. persist
// may be nil.
func NewConfig(defaults, saved map[string]any, persist ConfigPersister) *Config {
	values := make(map[string]any, len(defaults)+len(saved))
	maps.Copy(values, defaults)
	maps.Copy(values, saved)
	return &Config{
		persist:   persist,
		values:    values,
		listeners: make(map[uint64]func(context.Context, plugin.ConfigChange)),
	}
}

// Get returns the value of key.
func (c *Config) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// All returns a copy of every value.
func (c *Config) All() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.values)
}

// Set stores value, persists the configuration and then notifies every
// listener with the old and new value. A persistence failure leaves the
// previous value in place and notifies nobody.
func (c *Config) Set(ctx context.Context, key string, value any) error {
	if key == "" {
		return oops.In("config").Errorf("key cannot be empty")
	}

	c.mu.Lock()
	old, had := c.values[key]
	c.values[key] = value
	snapshot := maps.Clone(c.values)
	c.mu.Unlock()

	if c.persist != nil {
		if err := c.persist(ctx, snapshot); err != nil {
			c.mu.Lock()
			if had {
				c.values[key] = old
			} else {
				delete(c.values, key)
			}
			c.mu.Unlock()
			return oops.In("config").With("key", key).Wrap(err)
		}
	}

	change := plugin.ConfigChange{Key: key, OldValue: old, NewValue: value}
	for _, fn := range c.snapshotListeners() {
		fn(ctx, change)
	}
	return nil
}

// OnDidChange registers fn for every successful Set.
func (c *Config) OnDidChange(fn func(context.Context, plugin.ConfigChange)) plugin.Disposable {
	c.mu.Lock()
	c.seq++
	id := c.seq
	c.listeners[id] = fn
	c.mu.Unlock()

	return plugin.DisposableFunc(func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	})
}

// snapshotListeners returns the listeners in registration order.
func (c *Config) snapshotListeners() []func(context.Context, plugin.ConfigChange) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(context.Context, plugin.ConfigChange), len(ids))
	for i, id := range ids {
		fns[i] = c.listeners[id]
	}
	return fns
}
