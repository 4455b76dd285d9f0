// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package hostapi

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/internal/xdg"
	"github.com/memorynote/pluginrt/pkg/plugin"
)

// ErrOutsideWorkspace is returned for paths that escape the workspace.
var ErrOutsideWorkspace = errors.New("path outside workspace")

// Workspace serves file operations relative to a root directory.
type Workspace struct {
	root string
}

var (
	_ plugin.FileReader  = (*Workspace)(nil)
	_ plugin.FileWriter  = (*Workspace)(nil)
	_ plugin.FileDeleter = (*Workspace)(nil)
)

// NewWorkspace roots file operations at dir.
func NewWorkspace(dir string) *Workspace {
	return &Workspace{root: filepath.Clean(dir)}
}

// Root returns the workspace directory.
func (w *Workspace) Root() string { return w.root }

// Resolve maps a workspace-relative path to an absolute one. Absolute
// paths are accepted when they lie inside the workspace.
func (w *Workspace) Resolve(path string) (string, error) {
	var full string
	if filepath.IsAbs(path) {
		full = filepath.Clean(path)
	} else {
		full = filepath.Join(w.root, path)
	}
	rel, err := filepath.Rel(w.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", oops.In("hostapi").Code("PERMISSION_DENIED").With("path", path).Wrap(ErrOutsideWorkspace)
	}
	return full, nil
}

// ReadFile returns the contents of path.
func (w *Workspace) ReadFile(_ context.Context, path string) ([]byte, error) {
	full, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full) //nolint:gosec // resolved inside the workspace
	if err != nil {
		return nil, oops.In("hostapi").With("path", path).Wrap(err)
	}
	return data, nil
}

// ReadDir lists path.
func (w *Workspace) ReadDir(_ context.Context, path string) ([]plugin.FileInfo, error) {
	full, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, oops.In("hostapi").With("path", path).Wrap(err)
	}
	out := make([]plugin.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileInfo(info))
	}
	return out, nil
}

// Stat describes path.
func (w *Workspace) Stat(_ context.Context, path string) (plugin.FileInfo, error) {
	full, err := w.Resolve(path)
	if err != nil {
		return plugin.FileInfo{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return plugin.FileInfo{}, oops.In("hostapi").With("path", path).Wrap(err)
	}
	return fileInfo(info), nil
}

// WriteFile replaces path atomically, creating parent directories.
func (w *Workspace) WriteFile(_ context.Context, path string, data []byte) error {
	full, err := w.Resolve(path)
	if err != nil {
		return err
	}
	if err := xdg.WriteFileAtomic(full, data, 0o644); err != nil {
		return oops.In("hostapi").With("path", path).Wrap(err)
	}
	return nil
}

// MkdirAll creates path and its parents.
func (w *Workspace) MkdirAll(_ context.Context, path string) error {
	full, err := w.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return oops.In("hostapi").With("path", path).Wrap(err)
	}
	return nil
}

// Remove deletes path recursively. The workspace root cannot be removed.
func (w *Workspace) Remove(_ context.Context, path string) error {
	full, err := w.Resolve(path)
	if err != nil {
		return err
	}
	if full == w.root {
		return oops.In("hostapi").Code("PERMISSION_DENIED").Errorf("cannot remove the workspace root")
	}
	if err := os.RemoveAll(full); err != nil {
		return oops.In("hostapi").With("path", path).Wrap(err)
	}
	return nil
}

func fileInfo(info os.FileInfo) plugin.FileInfo {
	return plugin.FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}
}
