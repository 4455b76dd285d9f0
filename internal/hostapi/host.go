// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package hostapi is a local implementation of the host API that plugins
// reach through their sandbox. Files are rooted at a workspace directory,
// UI calls are logged, and the remaining namespaces are kept in memory.
package hostapi

import (
	"log/slog"
	"net/http"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

// Options configures a Host.
type Options struct {
	// Workspace is the directory file paths are resolved against.
	Workspace string
	Logger    *slog.Logger
	// HTTPClient performs network requests. Defaults to a client with
	// DefaultFetchTimeout.
	HTTPClient *http.Client
	// ConfirmAnswer is returned by Dialogs.Confirm.
	ConfirmAnswer bool
}

// Host bundles every local host API implementation.
type Host struct {
	Workspace *Workspace
	Watcher   *Watcher
	Fetcher   *Fetcher
	UI        *UI
	Database  *Database
	Commands  *Commands
	Clipboard *Clipboard
	IPC       *IPC
	Review    *Review
}

// New creates a host rooted at opts.Workspace.
func New(opts Options) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ws := NewWorkspace(opts.Workspace)
	return &Host{
		Workspace: ws,
		Watcher:   NewWatcher(ws, logger),
		Fetcher:   NewFetcher(opts.HTTPClient),
		UI:        NewUI(logger, opts.ConfirmAnswer),
		Database:  NewDatabase(),
		Commands:  NewCommands(),
		Clipboard: &Clipboard{},
		IPC:       NewIPC(logger),
		Review:    NewReview(),
	}
}

// API returns the full, ungated host API. Sandboxes narrow it per plugin.
func (h *Host) API() *plugin.API {
	return &plugin.API{
		Data: plugin.DataAPI{
			FS: plugin.FSAPI{
				Reader:  h.Workspace,
				Writer:  h.Workspace,
				Deleter: h.Workspace,
				Watcher: h.Watcher,
			},
			Database: plugin.DatabaseAPI{
				Reader: h.Database,
				Writer: h.Database,
				Schema: h.Database,
			},
		},
		UI: plugin.UIAPI{
			Dialogs:       h.UI,
			Notifications: h.UI,
			Elements:      h.UI,
		},
		System: plugin.SystemAPI{
			Commands:  h.Commands,
			Clipboard: h.Clipboard,
		},
		IPC: plugin.IPCAPI{
			Sender:   h.IPC,
			Receiver: h.IPC,
		},
		Network: h.Fetcher,
		Review:  h.Review,
	}
}

// Close stops every file watch.
func (h *Host) Close() error {
	return h.Watcher.Close()
}
