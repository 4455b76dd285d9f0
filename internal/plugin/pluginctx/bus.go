// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package pluginctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/pkg/errutil"
	"github.com/memorynote/pluginrt/pkg/plugin"
)

// ErrUnknownRecipient is returned when sending to a plugin with no endpoint.
var ErrUnknownRecipient = errors.New("unknown message recipient")

// Bus connects the messaging endpoints of every loaded plugin. Delivery is
// synchronous: Send returns after every handler of the recipient ran.
type Bus struct {
	logger *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger, endpoints: make(map[string]*Endpoint)}
}

// Endpoint returns the endpoint of pluginID, creating it on first use.
func (b *Bus) Endpoint(pluginID string) *Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep, ok := b.endpoints[pluginID]; ok {
		return ep
	}
	ep := &Endpoint{bus: b, id: pluginID, handlers: make(map[uint64]func(context.Context, plugin.Message))}
	b.endpoints[pluginID] = ep
	return ep
}

// Remove disconnects pluginID. Messages sent to it afterwards fail.
func (b *Bus) Remove(pluginID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, pluginID)
}

// Members returns the connected plugin ids, sorted.
func (b *Bus) Members() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.endpoints))
}

func (b *Bus) lookup(pluginID string) (*Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ep, ok := b.endpoints[pluginID]
	return ep, ok
}

// Endpoint is one plugin's view of the bus.
type Endpoint struct {
	bus *Bus
	id  string

	mu       sync.RWMutex
	handlers map[uint64]func(context.Context, plugin.Message)
	seq      uint64
}

var _ plugin.Messenger = (*Endpoint)(nil)

// Send delivers payload to the plugin to.
func (e *Endpoint) Send(ctx context.Context, to string, payload any) error {
	target, ok := e.bus.lookup(to)
	if !ok {
		messages.WithLabelValues("direct", "undeliverable").Inc()
		return oops.In("messaging").Code("PLUGIN_NOT_FOUND").With("from", e.id).With("to", to).
			Wrap(fmt.Errorf("%w: %s", ErrUnknownRecipient, to))
	}
	msg := plugin.Message{
		ID:        ulid.Make().String(),
		From:      e.id,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	target.deliver(ctx, msg)
	messages.WithLabelValues("direct", "delivered").Inc()
	return nil
}

// Broadcast delivers payload to every other connected plugin, in id order.
func (e *Endpoint) Broadcast(ctx context.Context, payload any) error {
	msg := plugin.Message{
		ID:        ulid.Make().String(),
		From:      e.id,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	for _, id := range e.bus.Members() {
		if id == e.id {
			continue
		}
		if target, ok := e.bus.lookup(id); ok {
			target.deliver(ctx, msg)
		}
	}
	messages.WithLabelValues("broadcast", "delivered").Inc()
	return nil
}

// OnMessage registers fn for messages addressed to this plugin, including
// broadcasts from others.
func (e *Endpoint) OnMessage(fn func(context.Context, plugin.Message)) plugin.Disposable {
	e.mu.Lock()
	e.seq++
	id := e.seq
	e.handlers[id] = fn
	e.mu.Unlock()

	return plugin.DisposableFunc(func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	})
}

func (e *Endpoint) deliver(ctx context.Context, msg plugin.Message) {
	e.mu.RLock()
	ids := slices.Sorted(maps.Keys(e.handlers))
	fns := make([]func(context.Context, plugin.Message), len(ids))
	for i, id := range ids {
		fns[i] = e.handlers[id]
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if p := recover(); p != nil {
					errutil.LogError(e.bus.logger, "message handler panicked",
						oops.In("messaging").With("plugin", e.id).With("from", msg.From).Errorf("panic: %v", p))
				}
			}()
			fn(ctx, msg)
		}()
	}
}
