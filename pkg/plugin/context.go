// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package plugin

import (
	"context"
	"log/slog"
	"time"
)

// Disposable releases an associated resource. Dispose must be safe to call
// more than once.
type Disposable interface {
	Dispose()
}

// DisposableFunc adapts a function to Disposable.
type DisposableFunc func()

// Dispose calls f.
func (f DisposableFunc) Dispose() { f() }

// Storage is a per-plugin key/value store. Values must be JSON encodable.
type Storage interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
}

// ConfigChange describes one configuration update.
type ConfigChange struct {
	Key      string
	OldValue any
	NewValue any
}

// Config is a per-plugin configuration store that notifies listeners on Set.
type Config interface {
	Get(key string) (any, bool)
	All() map[string]any
	Set(ctx context.Context, key string, value any) error
	OnDidChange(fn func(ctx context.Context, change ConfigChange)) Disposable
}

// Disposables collects cleanup callbacks run when the plugin is torn down.
type Disposables interface {
	Add(d Disposable)
	AddFunc(fn func())
}

// Message is a plugin-to-plugin message.
type Message struct {
	ID        string
	From      string
	To        string // empty for broadcasts
	Payload   any
	Timestamp time.Time
}

// Messenger sends messages to other plugins over the shared bus.
type Messenger interface {
	Send(ctx context.Context, to string, payload any) error
	Broadcast(ctx context.Context, payload any) error
	OnMessage(fn func(ctx context.Context, msg Message)) Disposable
}

// Context is the per-plugin composition root handed to a plugin's factory.
type Context interface {
	ID() string
	Version() string
	Permissions() []Permission
	Logger() *slog.Logger
	Storage() Storage
	Config() Config
	Subscriptions() Disposables
	Messaging() Messenger
	Hooks() Hooks
	// API returns the capability-gated host API. Capabilities the plugin has
	// no permission for are nil.
	API() *API
}
