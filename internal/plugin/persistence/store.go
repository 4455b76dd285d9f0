// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package persistence keeps the durable record of installed plugins and
// their enabled state.
//
// The whole record is one JSON document. Every mutation rewrites the
// document through a Backend while holding the store lock, so concurrent
// writers are applied in order and never overwrite each other.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/memorynote/pluginrt/internal/plugin/manifest"
)

// DocumentVersion is written into every saved document.
const DocumentVersion = "1.0.0"

// Error codes used by this package.
const (
	CodePersistenceFailed = "PERSISTENCE_FAILED"
	CodeNotInstalled      = "PLUGIN_NOT_FOUND"
)

var (
	// ErrCorrupt is returned by backends when the stored document cannot be decoded.
	ErrCorrupt = errors.New("corrupt persistence document")
	// ErrNotInstalled is returned when state is written for a plugin with no install record.
	ErrNotInstalled = errors.New("plugin not installed")
)

// PluginState is the runtime state remembered for one plugin.
type PluginState struct {
	ID         string         `json:"id"`
	Enabled    bool           `json:"enabled"`
	AutoLoad   bool           `json:"autoLoad"`
	LastLoaded *time.Time     `json:"lastLoaded,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
}

// InstallRecord describes one installed plugin.
type InstallRecord struct {
	ID           string             `json:"id"`
	Version      string             `json:"version"`
	InstallPath  string             `json:"installPath"`
	InstallTime  time.Time          `json:"installTime"`
	Enabled      bool               `json:"enabled"`
	AutoLoad     bool               `json:"autoLoad"`
	LastLoaded   *time.Time         `json:"lastLoaded,omitempty"`
	Dependencies []string           `json:"dependencies"`
	Manifest     *manifest.Manifest `json:"manifest,omitempty"`
}

// Document is the persisted form of the store.
type Document struct {
	PluginStates     map[string]*PluginState   `json:"pluginStates"`
	InstalledPlugins map[string]*InstallRecord `json:"installedPlugins"`
	Version          string                    `json:"version"`
	LastUpdated      time.Time                 `json:"lastUpdated"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		PluginStates:     make(map[string]*PluginState),
		InstalledPlugins: make(map[string]*InstallRecord),
		Version:          DocumentVersion,
	}
}

// StateUpdate is a partial update of a PluginState. Nil fields are left
// unchanged.
type StateUpdate struct {
	Enabled    *bool
	AutoLoad   *bool
	LastLoaded *time.Time
	Config     map[string]any
}

// Backend loads and saves the document.
type Backend interface {
	// Load returns the stored document, or nil when nothing has been saved.
	// Undecodable documents are reported with an error wrapping ErrCorrupt.
	Load(ctx context.Context) (*Document, error)
	// Save replaces the stored document. Errors wrapped with
	// retry.RetryableError are retried.
	Save(ctx context.Context, doc *Document) error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetry sets how often and how fast a failed save is retried.
func WithRetry(maxRetries uint64, base time.Duration) Option {
	return func(s *Store) {
		s.backoff = func() retry.Backoff {
			return retry.WithMaxRetries(maxRetries, retry.NewExponential(base))
		}
	}
}

// Store is the in-memory view of the document plus its backend.
type Store struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
	backoff func() retry.Backoff

	mu  sync.Mutex
	doc *Document
}

// Open loads the document from backend. A corrupt document is replaced by
// an empty one and logged; other load errors are returned.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend: backend,
		logger:  slog.Default(),
		now:     time.Now,
	}
	WithRetry(3, 50*time.Millisecond)(s)
	for _, opt := range opts {
		opt(s)
	}

	doc, err := backend.Load(ctx)
	switch {
	case errors.Is(err, ErrCorrupt):
		s.logger.Warn("discarding corrupt plugin state", "error", err)
		doc = nil
	case err != nil:
		return nil, oops.In("persistence").Code(CodePersistenceFailed).Hint("load plugin state").Wrap(err)
	}
	if doc == nil {
		doc = NewDocument()
	}
	normalize(doc)
	s.doc = doc
	return s, nil
}

// RecordInstallation adds or replaces the install record for m. New records
// are disabled; a reinstall keeps the previous enabled and auto-load flags.
func (s *Store) RecordInstallation(ctx context.Context, m *manifest.Manifest, installPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &InstallRecord{
		ID:           m.ID,
		Version:      m.Version,
		InstallPath:  installPath,
		InstallTime:  s.now().UTC(),
		Enabled:      false,
		AutoLoad:     true,
		Dependencies: m.DependencyIDs(),
		Manifest:     m,
	}
	if prev, ok := s.doc.InstalledPlugins[m.ID]; ok {
		rec.Enabled = prev.Enabled
		rec.AutoLoad = prev.AutoLoad
		rec.LastLoaded = prev.LastLoaded
	}
	s.doc.InstalledPlugins[m.ID] = rec
	return s.saveLocked(ctx)
}

// RecordUninstallation forgets everything about id.
func (s *Store) RecordUninstallation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, installed := s.doc.InstalledPlugins[id]
	_, stated := s.doc.PluginStates[id]
	if !installed && !stated {
		return nil
	}
	delete(s.doc.InstalledPlugins, id)
	delete(s.doc.PluginStates, id)
	return s.saveLocked(ctx)
}

// UpdatePluginState merges u into the state of id. A plugin without state
// starts from its install record's flags. Only installed plugins have state; the
// install record mirrors the enabled, auto-load and last-loaded fields.
func (s *Store) UpdatePluginState(ctx context.Context, id string, u StateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.InstalledPlugins[id]
	if !ok {
		return oops.In("persistence").Code(CodeNotInstalled).With("plugin", id).Wrap(ErrNotInstalled)
	}
	st, ok := s.doc.PluginStates[id]
	if !ok {
		st = &PluginState{ID: id, Enabled: rec.Enabled, AutoLoad: rec.AutoLoad, LastLoaded: rec.LastLoaded}
		s.doc.PluginStates[id] = st
	}
	if u.Enabled != nil {
		st.Enabled = *u.Enabled
	}
	if u.AutoLoad != nil {
		st.AutoLoad = *u.AutoLoad
	}
	if u.LastLoaded != nil {
		t := u.LastLoaded.UTC()
		st.LastLoaded = &t
	}
	if u.Config != nil {
		st.Config = maps.Clone(u.Config)
	}

	rec.Enabled = st.Enabled
	rec.AutoLoad = st.AutoLoad
	rec.LastLoaded = st.LastLoaded
	return s.saveLocked(ctx)
}

// SetEnabled is shorthand for updating only the enabled flag.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.UpdatePluginState(ctx, id, StateUpdate{Enabled: &enabled})
}

// InstalledPlugins returns every install record, sorted by id.
func (s *Store) InstalledPlugins() []InstallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]InstallRecord, 0, len(s.doc.InstalledPlugins))
	for _, id := range slices.Sorted(maps.Keys(s.doc.InstalledPlugins)) {
		out = append(out, copyRecord(s.doc.InstalledPlugins[id]))
	}
	return out
}

// InstallRecord returns the install record of id.
func (s *Store) InstallRecord(id string) (InstallRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.InstalledPlugins[id]
	if !ok {
		return InstallRecord{}, false
	}
	return copyRecord(rec), true
}

// PluginState returns the state of id.
func (s *Store) PluginState(id string) (PluginState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.doc.PluginStates[id]
	if !ok {
		return PluginState{}, false
	}
	out := *st
	out.Config = maps.Clone(st.Config)
	return out, true
}

// AutoLoadPlugins returns the ids of installed plugins that are enabled and
// marked for auto-load, sorted.
func (s *Store) AutoLoadPlugins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, rec := range s.doc.InstalledPlugins {
		if rec.Enabled && rec.AutoLoad {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// IsInstalled reports whether id has an install record.
func (s *Store) IsInstalled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.doc.InstalledPlugins[id]
	return ok
}

// IsEnabled reports whether id is installed and enabled.
func (s *Store) IsEnabled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.InstalledPlugins[id]
	return ok && rec.Enabled
}

// Dependencies returns the dependency ids recorded for id.
func (s *Store) Dependencies(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.doc.InstalledPlugins[id]; ok {
		return slices.Clone(rec.Dependencies)
	}
	return nil
}

// Cleanup removes records whose plugin directory no longer holds a
// manifest. Records without an install path (builtin plugins) are kept.
// It returns the removed ids, sorted.
func (s *Store) Cleanup(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, rec := range s.doc.InstalledPlugins {
		if rec.InstallPath == "" || manifest.Exists(rec.InstallPath) {
			continue
		}
		delete(s.doc.InstalledPlugins, id)
		delete(s.doc.PluginStates, id)
		removed = append(removed, id)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	slices.Sort(removed)
	s.logger.Info("removed stale plugin records", "plugins", removed)
	return removed, s.saveLocked(ctx)
}

// Export returns a deep copy of the document.
func (s *Store) Export() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneDocument(s.doc)
}

// Import replaces the document with doc. States of plugins that are not
// installed are dropped.
func (s *Store) Import(ctx context.Context, doc *Document) error {
	if doc == nil {
		return oops.In("persistence").Errorf("document cannot be nil")
	}
	cp, err := cloneDocument(doc)
	if err != nil {
		return err
	}
	normalize(cp)
	for id := range cp.PluginStates {
		if _, ok := cp.InstalledPlugins[id]; !ok {
			delete(cp.PluginStates, id)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = cp
	return s.saveLocked(ctx)
}

// Reset empties the document.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = NewDocument()
	return s.saveLocked(ctx)
}

// saveLocked writes the document. The in-memory document is kept on
// failure so later saves can persist it.
func (s *Store) saveLocked(ctx context.Context) error {
	s.doc.Version = DocumentVersion
	s.doc.LastUpdated = s.now().UTC()

	snapshot, err := cloneDocument(s.doc)
	if err != nil {
		return err
	}
	err = retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		return s.backend.Save(ctx, snapshot)
	})
	if err != nil {
		return oops.In("persistence").Code(CodePersistenceFailed).Hint("save plugin state").Wrap(err)
	}
	return nil
}

func normalize(doc *Document) {
	if doc.PluginStates == nil {
		doc.PluginStates = make(map[string]*PluginState)
	}
	if doc.InstalledPlugins == nil {
		doc.InstalledPlugins = make(map[string]*InstallRecord)
	}
	if doc.Version == "" {
		doc.Version = DocumentVersion
	}
}

func cloneDocument(doc *Document) (*Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, oops.In("persistence").Code(CodePersistenceFailed).Wrap(err)
	}
	return decodeDocument(raw)
}

// decodeDocument parses raw. Decoding failures wrap ErrCorrupt.
func decodeDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, oops.In("persistence").Wrapf(errors.Join(ErrCorrupt, err), "decode document")
	}
	normalize(&doc)
	return &doc, nil
}

func copyRecord(rec *InstallRecord) InstallRecord {
	out := *rec
	out.Dependencies = slices.Clone(rec.Dependencies)
	return out
}
