// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package hostapi

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

// ErrWatcherClosed is returned by Watch after Close.
var ErrWatcherClosed = errors.New("watcher closed")

// Watcher delivers workspace change notifications. Each Watch call owns an
// fsnotify watcher and a goroutine that exits when the watch is disposed.
type Watcher struct {
	ws     *Workspace
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	seq     uint64
	watches map[uint64]*watch
	wg      sync.WaitGroup
}

var _ plugin.FileWatcher = (*Watcher)(nil)

type watch struct {
	fsw  *fsnotify.Watcher
	once sync.Once
}

// NewWatcher creates a watcher for paths inside ws.
func NewWatcher(ws *Workspace, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{ws: ws, logger: logger, watches: make(map[uint64]*watch)}
}

// Watch calls fn for every change to path. Directories are watched
// non-recursively. Event paths are relative to the workspace.
func (w *Watcher) Watch(_ context.Context, path string, fn func(plugin.FileEvent)) (plugin.Disposable, error) {
	full, err := w.ws.Resolve(path)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWatcherClosed
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, oops.In("hostapi").With("path", path).Wrap(err)
	}
	if err := fsw.Add(full); err != nil {
		_ = fsw.Close()
		return nil, oops.In("hostapi").With("path", path).Hint("path must exist").Wrap(err)
	}

	w.seq++
	id := w.seq
	wt := &watch{fsw: fsw}
	w.watches[id] = wt
	w.wg.Add(1)
	go w.loop(wt, fn)

	return plugin.DisposableFunc(func() {
		w.mu.Lock()
		delete(w.watches, id)
		w.mu.Unlock()
		wt.stop()
	}), nil
}

func (w *Watcher) loop(wt *watch, fn func(plugin.FileEvent)) {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-wt.fsw.Events:
			if !ok {
				return
			}
			fn(plugin.FileEvent{Path: w.relative(ev.Name), Op: opName(ev.Op)})
		case err, ok := <-wt.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watch error", "error", err)
		}
	}
}

// stop closes the fsnotify watcher, which ends its loop. It does not wait,
// so fn may dispose its own watch.
func (wt *watch) stop() {
	wt.once.Do(func() { _ = wt.fsw.Close() })
}

// Watching returns the number of live watches.
func (w *Watcher) Watching() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watches)
}

// Close stops every watch and waits for their loops to exit. Later Watch
// calls fail.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	watches := w.watches
	w.watches = make(map[uint64]*watch)
	w.mu.Unlock()

	for _, wt := range watches {
		wt.stop()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) relative(name string) string {
	rel, err := filepath.Rel(w.ws.Root(), name)
	if err != nil {
		return name
	}
	return filepath.ToSlash(rel)
}

// opName flattens an fsnotify op to the most significant change.
func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	default:
		return strings.ToLower(op.String())
	}
}
