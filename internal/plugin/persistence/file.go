// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/memorynote/pluginrt/internal/xdg"
)

// DefaultFilePath returns the state file location inside a workspace.
func DefaultFilePath(workspace string) string {
	return filepath.Join(workspace, ".memorynote", "plugins.json")
}

// FileBackend stores the document as indented JSON in a single file.
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend writing to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the file location.
func (b *FileBackend) Path() string { return b.path }

// Load implements Backend.
func (b *FileBackend) Load(context.Context) (*Document, error) {
	raw, err := os.ReadFile(filepath.Clean(b.path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("persistence").With("path", b.path).Wrap(err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, oops.In("persistence").With("path", b.path).Wrap(err)
	}
	return doc, nil
}

// Save implements Backend. Write failures are retryable.
func (b *FileBackend) Save(_ context.Context, doc *Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return oops.In("persistence").Wrap(err)
	}
	if err := xdg.WriteFileAtomic(b.path, raw, 0o600); err != nil {
		return retry.RetryableError(oops.In("persistence").With("path", b.path).Wrap(err))
	}
	return nil
}
