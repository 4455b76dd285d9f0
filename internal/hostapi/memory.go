// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package hostapi

import (
	"context"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

// Database is an in-memory document store keyed by collection and id.
type Database struct {
	mu          sync.RWMutex
	collections map[string]map[string]plugin.Record
}

var (
	_ plugin.DatabaseReader = (*Database)(nil)
	_ plugin.DatabaseWriter = (*Database)(nil)
	_ plugin.DatabaseSchema = (*Database)(nil)
)

// NewDatabase creates an empty database.
func NewDatabase() *Database {
	return &Database{collections: make(map[string]map[string]plugin.Record)}
}

// Get returns the record, or nil when it does not exist.
func (d *Database) Get(_ context.Context, collection, id string) (plugin.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, err := d.collection(collection)
	if err != nil {
		return nil, err
	}
	rec, ok := c[id]
	if !ok {
		return nil, nil
	}
	return maps.Clone(rec), nil
}

// Query returns the records whose fields equal every filter entry, ordered
// by id.
func (d *Database) Query(_ context.Context, collection string, filter map[string]any) ([]plugin.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, err := d.collection(collection)
	if err != nil {
		return nil, err
	}
	var out []plugin.Record
	for _, id := range slices.Sorted(maps.Keys(c)) {
		rec := c[id]
		if matches(rec, filter) {
			out = append(out, maps.Clone(rec))
		}
	}
	return out, nil
}

// Put stores rec under id.
func (d *Database) Put(_ context.Context, collection, id string, rec plugin.Record) error {
	if id == "" {
		return oops.In("hostapi").With("collection", collection).Errorf("record id cannot be empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.collection(collection)
	if err != nil {
		return err
	}
	c[id] = maps.Clone(rec)
	return nil
}

// Delete removes id from collection.
func (d *Database) Delete(_ context.Context, collection, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.collection(collection)
	if err != nil {
		return err
	}
	delete(c, id)
	return nil
}

// CreateCollection creates name. Creating an existing collection is a no-op.
func (d *Database) CreateCollection(_ context.Context, name string) error {
	if name == "" {
		return oops.In("hostapi").Errorf("collection name cannot be empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.collections[name]; !ok {
		d.collections[name] = make(map[string]plugin.Record)
	}
	return nil
}

// DropCollection removes name and its records.
func (d *Database) DropCollection(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.collections, name)
	return nil
}

func (d *Database) collection(name string) (map[string]plugin.Record, error) {
	c, ok := d.collections[name]
	if !ok {
		return nil, oops.In("hostapi").Code("NOT_FOUND").With("collection", name).Errorf("collection %s does not exist", name)
	}
	return c, nil
}

func matches(rec plugin.Record, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := rec[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// Commands is an in-memory command registry.
type Commands struct {
	mu       sync.RWMutex
	commands map[string]plugin.CommandFunc
}

var _ plugin.CommandRegistry = (*Commands)(nil)

// NewCommands creates an empty registry.
func NewCommands() *Commands {
	return &Commands{commands: make(map[string]plugin.CommandFunc)}
}

// Register adds command id until the returned disposable runs.
func (c *Commands) Register(_ context.Context, id string, fn plugin.CommandFunc) (plugin.Disposable, error) {
	if id == "" || fn == nil {
		return nil, oops.In("hostapi").Errorf("command id and function are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.commands[id]; ok {
		return nil, oops.In("hostapi").With("command", id).Errorf("command %s already registered", id)
	}
	c.commands[id] = fn
	return plugin.DisposableFunc(func() {
		c.mu.Lock()
		delete(c.commands, id)
		c.mu.Unlock()
	}), nil
}

// Execute runs command id.
func (c *Commands) Execute(ctx context.Context, id string, args []any) (any, error) {
	c.mu.RLock()
	fn, ok := c.commands[id]
	c.mu.RUnlock()
	if !ok {
		return nil, oops.In("hostapi").Code("NOT_FOUND").With("command", id).Errorf("command %s not found", id)
	}
	return fn(ctx, args)
}

// IDs returns the registered command ids, sorted.
func (c *Commands) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.commands))
}

// Clipboard holds clipboard text in memory.
type Clipboard struct {
	mu   sync.Mutex
	text string
}

var _ plugin.Clipboard = (*Clipboard)(nil)

// ReadText returns the clipboard text.
func (c *Clipboard) ReadText(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text, nil
}

// WriteText replaces the clipboard text.
func (c *Clipboard) WriteText(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
	return nil
}

// IPC delivers payloads to in-process channel subscribers synchronously.
type IPC struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[string]func(context.Context, any)
}

var (
	_ plugin.IPCSender   = (*IPC)(nil)
	_ plugin.IPCReceiver = (*IPC)(nil)
)

// NewIPC creates an IPC hub.
func NewIPC(logger *slog.Logger) *IPC {
	if logger == nil {
		logger = slog.Default()
	}
	return &IPC{logger: logger, subs: make(map[string]map[string]func(context.Context, any))}
}

// Send delivers payload to every receiver on channel.
func (i *IPC) Send(ctx context.Context, channel string, payload any) error {
	if channel == "" {
		return oops.In("hostapi").Errorf("channel cannot be empty")
	}
	i.mu.RLock()
	ids := slices.Sorted(maps.Keys(i.subs[channel]))
	fns := make([]func(context.Context, any), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, i.subs[channel][id])
	}
	i.mu.RUnlock()

	for _, fn := range fns {
		i.deliver(ctx, channel, fn, payload)
	}
	return nil
}

func (i *IPC) deliver(ctx context.Context, channel string, fn func(context.Context, any), payload any) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("ipc receiver panicked", "channel", channel, "panic", r)
		}
	}()
	fn(ctx, payload)
}

// Receive subscribes fn to channel until the returned disposable runs.
func (i *IPC) Receive(_ context.Context, channel string, fn func(context.Context, any)) (plugin.Disposable, error) {
	if channel == "" || fn == nil {
		return nil, oops.In("hostapi").Errorf("channel and receiver are required")
	}
	id := ulid.Make().String()
	i.mu.Lock()
	if i.subs[channel] == nil {
		i.subs[channel] = make(map[string]func(context.Context, any))
	}
	i.subs[channel][id] = fn
	i.mu.Unlock()
	return plugin.DisposableFunc(func() {
		i.mu.Lock()
		delete(i.subs[channel], id)
		if len(i.subs[channel]) == 0 {
			delete(i.subs, channel)
		}
		i.mu.Unlock()
	}), nil
}

// Review keeps review cards in memory.
type Review struct {
	mu      sync.Mutex
	now     func() time.Time
	cards   map[string]plugin.Card
	results map[string][]int
}

var _ plugin.Review = (*Review)(nil)

// NewReview creates an empty review queue.
func NewReview() *Review {
	return &Review{now: time.Now, cards: make(map[string]plugin.Card), results: make(map[string][]int)}
}

// AddCard adds or replaces a card.
func (r *Review) AddCard(c plugin.Card) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cards[c.ID] = c
}

// DueCards returns up to limit cards due now, earliest first. A
// non-positive limit returns every due card.
func (r *Review) DueCards(_ context.Context, limit int) ([]plugin.Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var due []plugin.Card
	for _, c := range r.cards {
		if !c.Due.After(now) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Due.Equal(due[j].Due) {
			return due[i].ID < due[j].ID
		}
		return due[i].Due.Before(due[j].Due)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// RecordResult stores a grade from 0 to 5 and reschedules the card by
// grade days.
func (r *Review) RecordResult(_ context.Context, cardID string, grade int) error {
	if grade < 0 || grade > 5 {
		return oops.In("hostapi").With("grade", grade).Errorf("grade must be between 0 and 5")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cards[cardID]
	if !ok {
		return oops.In("hostapi").Code("NOT_FOUND").With("card", cardID).Errorf("card %s not found", cardID)
	}
	r.results[cardID] = append(r.results[cardID], grade)
	c.Due = r.now().Add(time.Duration(grade) * 24 * time.Hour)
	r.cards[cardID] = c
	return nil
}

// Results returns the grades recorded for cardID.
func (r *Review) Results(cardID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.results[cardID])
}
