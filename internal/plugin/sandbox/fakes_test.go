// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package sandbox_test

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

type fakeFS struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeFS() *fakeFS { return &fakeFS{files: map[string][]byte{}} }

func (f *fakeFS) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return data, nil
}

func (f *fakeFS) ReadDir(context.Context, string) ([]plugin.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.files))
	for name := range f.files {
		names = append(names, name)
	}
	sort.Strings(names)
	infos := make([]plugin.FileInfo, len(names))
	for i, name := range names {
		infos[i] = plugin.FileInfo{Name: name, Size: int64(len(f.files[name]))}
	}
	return infos, nil
}

func (f *fakeFS) Stat(_ context.Context, path string) (plugin.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return plugin.FileInfo{}, fs.ErrNotExist
	}
	return plugin.FileInfo{Name: path, Size: int64(len(data)), ModTime: time.Time{}}, nil
}

func (f *fakeFS) WriteFile(_ context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

func (f *fakeFS) MkdirAll(context.Context, string) error { return nil }

func (f *fakeFS) Remove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(_ context.Context, level, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, level+": "+message)
	return nil
}

type fakeElement struct {
	id       string
	kind     string
	attrs    map[string]any
	children []plugin.Element
}

func (e *fakeElement) ID() string   { return e.id }
func (e *fakeElement) Kind() string { return e.kind }

func (e *fakeElement) SetAttribute(_ context.Context, name string, value any) error {
	e.attrs[name] = value
	return nil
}

func (e *fakeElement) AppendChild(_ context.Context, child plugin.Element) error {
	if _, ok := child.(*fakeElement); !ok {
		return errors.New("foreign element")
	}
	e.children = append(e.children, child)
	return nil
}

func (e *fakeElement) RemoveChild(_ context.Context, child plugin.Element) error {
	for i, c := range e.children {
		if c == child {
			e.children = append(e.children[:i], e.children[i+1:]...)
			return nil
		}
	}
	return errors.New("not a child")
}

func (e *fakeElement) Remove(context.Context) error { return nil }

type fakeUI struct {
	created []*fakeElement
	status  map[string]string
}

func (u *fakeUI) CreateElement(_ context.Context, kind string) (plugin.Element, error) {
	e := &fakeElement{id: kind, kind: kind, attrs: map[string]any{}}
	u.created = append(u.created, e)
	return e, nil
}

func (u *fakeUI) FindElement(_ context.Context, id string) (plugin.Element, error) {
	for _, e := range u.created {
		if e.id == id {
			return e, nil
		}
	}
	return nil, errors.New("not found")
}

func (u *fakeUI) RegisterPanel(context.Context, plugin.Panel) (plugin.Disposable, error) {
	return plugin.DisposableFunc(func() {}), nil
}

func (u *fakeUI) SetStatus(_ context.Context, id, text string) error {
	if u.status == nil {
		u.status = map[string]string{}
	}
	u.status[id] = text
	return nil
}

type fakeCommands struct {
	mu  sync.Mutex
	fns map[string]plugin.CommandFunc
}

func (c *fakeCommands) Register(_ context.Context, id string, fn plugin.CommandFunc) (plugin.Disposable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fns == nil {
		c.fns = map[string]plugin.CommandFunc{}
	}
	c.fns[id] = fn
	return plugin.DisposableFunc(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.fns, id)
	}), nil
}

func (c *fakeCommands) Execute(ctx context.Context, id string, args []any) (any, error) {
	c.mu.Lock()
	fn, ok := c.fns[id]
	c.mu.Unlock()
	if !ok {
		return nil, errors.New("unknown command")
	}
	return fn(ctx, args)
}

func fullHost() (*plugin.API, *fakeFS, *fakeNotifier, *fakeUI, *fakeCommands) {
	files := newFakeFS()
	notes := &fakeNotifier{}
	ui := &fakeUI{}
	cmds := &fakeCommands{}
	host := &plugin.API{}
	host.Data.FS.Reader = files
	host.Data.FS.Writer = files
	host.Data.FS.Deleter = files
	host.UI.Notifications = notes
	host.UI.Elements = ui
	host.System.Commands = cmds
	return host, files, notes, ui, cmds
}
