// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package sandbox

import (
	"context"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

// buildAPI constructs the gated API. A capability exists only when the
// host provides it and the plugin holds its permission.
func (s *Sandbox) buildAPI(host *plugin.API) *plugin.API {
	if host == nil {
		host = &plugin.API{}
	}
	has := func(p plugin.Permission) bool { return s.enforcer.Check(s.id, p) }

	api := &plugin.API{Timers: &timers{s: s}}

	if host.Data.FS.Reader != nil && has(plugin.PermFSRead) {
		api.Data.FS.Reader = &fsReader{s: s, inner: host.Data.FS.Reader}
	}
	if host.Data.FS.Writer != nil && has(plugin.PermFSWrite) {
		api.Data.FS.Writer = &fsWriter{s: s, inner: host.Data.FS.Writer}
	}
	if host.Data.FS.Deleter != nil && has(plugin.PermFSDelete) {
		api.Data.FS.Deleter = &fsDeleter{s: s, inner: host.Data.FS.Deleter}
	}
	if host.Data.FS.Watcher != nil && has(plugin.PermFSWatch) {
		api.Data.FS.Watcher = &fsWatcher{s: s, inner: host.Data.FS.Watcher}
	}
	if host.Data.Database.Reader != nil && has(plugin.PermDBRead) {
		api.Data.Database.Reader = &dbReader{s: s, inner: host.Data.Database.Reader}
	}
	if host.Data.Database.Writer != nil && has(plugin.PermDBWrite) {
		api.Data.Database.Writer = &dbWriter{s: s, inner: host.Data.Database.Writer}
	}
	if host.Data.Database.Schema != nil && has(plugin.PermDBSchema) {
		api.Data.Database.Schema = &dbSchema{s: s, inner: host.Data.Database.Schema}
	}
	if host.Network != nil && has(plugin.PermNetworkRequest) {
		api.Network = &network{s: s, inner: host.Network}
	}
	if host.UI.Dialogs != nil && has(plugin.PermUIDialog) {
		api.UI.Dialogs = &dialogs{s: s, inner: host.UI.Dialogs}
	}
	if host.UI.Notifications != nil && has(plugin.PermUINotification) {
		api.UI.Notifications = &notifier{s: s, inner: host.UI.Notifications}
	}
	if host.UI.Elements != nil && has(plugin.PermUIModify) {
		api.UI.Elements = &uiModifier{s: s, inner: host.UI.Elements}
	}
	if host.System.Commands != nil && has(plugin.PermSystemCommand) {
		api.System.Commands = &commands{s: s, inner: host.System.Commands}
	}
	if host.System.Clipboard != nil && has(plugin.PermSystemClipboard) {
		api.System.Clipboard = &clipboard{s: s, inner: host.System.Clipboard}
	}
	if host.IPC.Sender != nil && has(plugin.PermIPCSend) {
		api.IPC.Sender = &ipcSender{s: s, inner: host.IPC.Sender}
	}
	if host.IPC.Receiver != nil && has(plugin.PermIPCReceive) {
		api.IPC.Receiver = &ipcReceiver{s: s, inner: host.IPC.Receiver}
	}
	if host.Review != nil {
		api.Review = &review{s: s, inner: host.Review}
	}
	return api
}

type fsReader struct {
	s     *Sandbox
	inner plugin.FileReader
}

func (g *fsReader) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := g.s.guard(ctx, "data.fs.read.readFile"); err != nil {
		return nil, err
	}
	return g.inner.ReadFile(ctx, path)
}

func (g *fsReader) ReadDir(ctx context.Context, path string) ([]plugin.FileInfo, error) {
	if err := g.s.guard(ctx, "data.fs.read.readDir"); err != nil {
		return nil, err
	}
	return g.inner.ReadDir(ctx, path)
}

func (g *fsReader) Stat(ctx context.Context, path string) (plugin.FileInfo, error) {
	if err := g.s.guard(ctx, "data.fs.read.stat"); err != nil {
		return plugin.FileInfo{}, err
	}
	return g.inner.Stat(ctx, path)
}

type fsWriter struct {
	s     *Sandbox
	inner plugin.FileWriter
}

func (g *fsWriter) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := g.s.guard(ctx, "data.fs.write.writeFile"); err != nil {
		return err
	}
	return g.inner.WriteFile(ctx, path, data)
}

func (g *fsWriter) MkdirAll(ctx context.Context, path string) error {
	if err := g.s.guard(ctx, "data.fs.write.mkdirAll"); err != nil {
		return err
	}
	return g.inner.MkdirAll(ctx, path)
}

type fsDeleter struct {
	s     *Sandbox
	inner plugin.FileDeleter
}

func (g *fsDeleter) Remove(ctx context.Context, path string) error {
	if err := g.s.guard(ctx, "data.fs.delete.remove"); err != nil {
		return err
	}
	return g.inner.Remove(ctx, path)
}

type fsWatcher struct {
	s     *Sandbox
	inner plugin.FileWatcher
}

// Watch drops events delivered after the sandbox is destroyed.
func (g *fsWatcher) Watch(ctx context.Context, path string, fn func(plugin.FileEvent)) (plugin.Disposable, error) {
	if err := g.s.guard(ctx, "data.fs.watch.watch"); err != nil {
		return nil, err
	}
	return g.inner.Watch(ctx, path, func(ev plugin.FileEvent) {
		if g.s.IsDestroyed() {
			return
		}
		g.s.runCallback("watch", func() { fn(ev) })
	})
}

type dbReader struct {
	s     *Sandbox
	inner plugin.DatabaseReader
}

func (g *dbReader) Get(ctx context.Context, collection, id string) (plugin.Record, error) {
	if err := g.s.guard(ctx, "data.database.read.get"); err != nil {
		return nil, err
	}
	return g.inner.Get(ctx, collection, id)
}

func (g *dbReader) Query(ctx context.Context, collection string, filter map[string]any) ([]plugin.Record, error) {
	if err := g.s.guard(ctx, "data.database.read.query"); err != nil {
		return nil, err
	}
	return g.inner.Query(ctx, collection, filter)
}

type dbWriter struct {
	s     *Sandbox
	inner plugin.DatabaseWriter
}

func (g *dbWriter) Put(ctx context.Context, collection, id string, rec plugin.Record) error {
	if err := g.s.guard(ctx, "data.database.write.put"); err != nil {
		return err
	}
	return g.inner.Put(ctx, collection, id, rec)
}

func (g *dbWriter) Delete(ctx context.Context, collection, id string) error {
	if err := g.s.guard(ctx, "data.database.write.delete"); err != nil {
		return err
	}
	return g.inner.Delete(ctx, collection, id)
}

type dbSchema struct {
	s     *Sandbox
	inner plugin.DatabaseSchema
}

func (g *dbSchema) CreateCollection(ctx context.Context, name string) error {
	if err := g.s.guard(ctx, "data.database.schema.createCollection"); err != nil {
		return err
	}
	return g.inner.CreateCollection(ctx, name)
}

func (g *dbSchema) DropCollection(ctx context.Context, name string) error {
	if err := g.s.guard(ctx, "data.database.schema.dropCollection"); err != nil {
		return err
	}
	return g.inner.DropCollection(ctx, name)
}

type network struct {
	s     *Sandbox
	inner plugin.Network
}

func (g *network) Fetch(ctx context.Context, req plugin.Request) (*plugin.Response, error) {
	if err := g.s.guard(ctx, "network.fetch"); err != nil {
		return nil, err
	}
	return g.inner.Fetch(ctx, req)
}

type dialogs struct {
	s     *Sandbox
	inner plugin.Dialogs
}

func (g *dialogs) ShowMessage(ctx context.Context, title, message string) error {
	if err := g.s.guard(ctx, "ui.dialog.showMessage"); err != nil {
		return err
	}
	return g.inner.ShowMessage(ctx, title, message)
}

func (g *dialogs) Confirm(ctx context.Context, title, message string) (bool, error) {
	if err := g.s.guard(ctx, "ui.dialog.confirm"); err != nil {
		return false, err
	}
	return g.inner.Confirm(ctx, title, message)
}

func (g *dialogs) Prompt(ctx context.Context, title, placeholder string) (string, error) {
	if err := g.s.guard(ctx, "ui.dialog.prompt"); err != nil {
		return "", err
	}
	return g.inner.Prompt(ctx, title, placeholder)
}

type notifier struct {
	s     *Sandbox
	inner plugin.Notifier
}

func (g *notifier) Notify(ctx context.Context, level, message string) error {
	if err := g.s.guard(ctx, "ui.notification.notify"); err != nil {
		return err
	}
	return g.inner.Notify(ctx, level, message)
}

type commands struct {
	s     *Sandbox
	inner plugin.CommandRegistry
}

func (g *commands) Register(ctx context.Context, id string, fn plugin.CommandFunc) (plugin.Disposable, error) {
	if err := g.s.guard(ctx, "system.command.register"); err != nil {
		return nil, err
	}
	return g.inner.Register(ctx, id, func(ctx context.Context, args []any) (any, error) {
		if g.s.IsDestroyed() {
			return nil, g.s.destroyedErr("command:" + id)
		}
		return fn(ctx, args)
	})
}

func (g *commands) Execute(ctx context.Context, id string, args []any) (any, error) {
	if err := g.s.guard(ctx, "system.command.execute"); err != nil {
		return nil, err
	}
	return g.inner.Execute(ctx, id, args)
}

type clipboard struct {
	s     *Sandbox
	inner plugin.Clipboard
}

func (g *clipboard) ReadText(ctx context.Context) (string, error) {
	if err := g.s.guard(ctx, "system.clipboard.readText"); err != nil {
		return "", err
	}
	return g.inner.ReadText(ctx)
}

func (g *clipboard) WriteText(ctx context.Context, text string) error {
	if err := g.s.guard(ctx, "system.clipboard.writeText"); err != nil {
		return err
	}
	return g.inner.WriteText(ctx, text)
}

type ipcSender struct {
	s     *Sandbox
	inner plugin.IPCSender
}

func (g *ipcSender) Send(ctx context.Context, channel string, payload any) error {
	if err := g.s.guard(ctx, "ipc.send.send"); err != nil {
		return err
	}
	return g.inner.Send(ctx, channel, payload)
}

type ipcReceiver struct {
	s     *Sandbox
	inner plugin.IPCReceiver
}

func (g *ipcReceiver) Receive(ctx context.Context, channel string, fn func(context.Context, any)) (plugin.Disposable, error) {
	if err := g.s.guard(ctx, "ipc.receive.receive"); err != nil {
		return nil, err
	}
	return g.inner.Receive(ctx, channel, func(ctx context.Context, payload any) {
		if g.s.IsDestroyed() {
			return
		}
		g.s.runCallback("ipc", func() { fn(ctx, payload) })
	})
}

type review struct {
	s     *Sandbox
	inner plugin.Review
}

func (g *review) DueCards(ctx context.Context, limit int) ([]plugin.Card, error) {
	if err := g.s.guard(ctx, "review.dueCards"); err != nil {
		return nil, err
	}
	return g.inner.DueCards(ctx, limit)
}

func (g *review) RecordResult(ctx context.Context, cardID string, grade int) error {
	if err := g.s.guard(ctx, "review.recordResult"); err != nil {
		return err
	}
	return g.inner.RecordResult(ctx, cardID, grade)
}
