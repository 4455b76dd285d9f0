// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package hostapi

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

// Notification is one message shown through the Notifier.
type Notification struct {
	Level   string
	Message string
}

// UI logs dialogs and notifications and keeps plugin-created elements,
// panels and status entries in memory.
type UI struct {
	logger  *slog.Logger
	confirm bool

	mu            sync.Mutex
	notifications []Notification
	elements      map[string]*Element
	panels        map[string]plugin.Panel
	status        map[string]string
}

var (
	_ plugin.Dialogs    = (*UI)(nil)
	_ plugin.Notifier   = (*UI)(nil)
	_ plugin.UIModifier = (*UI)(nil)
)

// NewUI creates a UI whose Confirm dialogs answer confirm.
func NewUI(logger *slog.Logger, confirm bool) *UI {
	if logger == nil {
		logger = slog.Default()
	}
	return &UI{
		logger:   logger,
		confirm:  confirm,
		elements: make(map[string]*Element),
		panels:   make(map[string]plugin.Panel),
		status:   make(map[string]string),
	}
}

// ShowMessage logs a message dialog.
func (u *UI) ShowMessage(ctx context.Context, title, message string) error {
	u.logger.InfoContext(ctx, "dialog", "title", title, "message", message)
	return nil
}

// Confirm logs the question and returns the configured answer.
func (u *UI) Confirm(ctx context.Context, title, message string) (bool, error) {
	u.logger.InfoContext(ctx, "confirm dialog", "title", title, "message", message, "answer", u.confirm)
	return u.confirm, nil
}

// Prompt logs the prompt and returns an empty answer.
func (u *UI) Prompt(ctx context.Context, title, placeholder string) (string, error) {
	u.logger.InfoContext(ctx, "prompt dialog", "title", title, "placeholder", placeholder)
	return "", nil
}

// Notify logs message at level and records it.
func (u *UI) Notify(ctx context.Context, level, message string) error {
	switch level {
	case plugin.NotifyError:
		u.logger.ErrorContext(ctx, message, "source", "notification")
	case plugin.NotifyWarning:
		u.logger.WarnContext(ctx, message, "source", "notification")
	default:
		level = plugin.NotifyInfo
		u.logger.InfoContext(ctx, message, "source", "notification")
	}
	u.mu.Lock()
	u.notifications = append(u.notifications, Notification{Level: level, Message: message})
	u.mu.Unlock()
	return nil
}

// Notifications returns every notification shown so far.
func (u *UI) Notifications() []Notification {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.notifications)
}

// CreateElement creates a detached element of kind.
func (u *UI) CreateElement(_ context.Context, kind string) (plugin.Element, error) {
	if kind == "" {
		return nil, oops.In("hostapi").Errorf("element kind cannot be empty")
	}
	el := &Element{ui: u, id: ulid.Make().String(), kind: kind, attrs: make(map[string]any)}
	u.mu.Lock()
	u.elements[el.id] = el
	u.mu.Unlock()
	return el, nil
}

// FindElement returns the element with id, or nil.
func (u *UI) FindElement(_ context.Context, id string) (plugin.Element, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if el, ok := u.elements[id]; ok {
		return el, nil
	}
	return nil, nil
}

// RegisterPanel adds a sidebar panel until the returned disposable runs.
func (u *UI) RegisterPanel(_ context.Context, p plugin.Panel) (plugin.Disposable, error) {
	if p.ID == "" {
		return nil, oops.In("hostapi").Errorf("panel id cannot be empty")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.panels[p.ID]; ok {
		return nil, oops.In("hostapi").With("panel", p.ID).Errorf("panel %s already registered", p.ID)
	}
	u.panels[p.ID] = p
	return plugin.DisposableFunc(func() {
		u.mu.Lock()
		delete(u.panels, p.ID)
		u.mu.Unlock()
	}), nil
}

// Panels returns the registered panels sorted by id.
func (u *UI) Panels() []plugin.Panel {
	u.mu.Lock()
	defer u.mu.Unlock()
	ids := slices.Sorted(maps.Keys(u.panels))
	out := make([]plugin.Panel, 0, len(ids))
	for _, id := range ids {
		out = append(out, u.panels[id])
	}
	return out
}

// SetStatus sets status bar entry id. Empty text removes it.
func (u *UI) SetStatus(_ context.Context, id, text string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if text == "" {
		delete(u.status, id)
		return nil
	}
	u.status[id] = text
	return nil
}

// Status returns status bar entry id.
func (u *UI) Status(id string) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	text, ok := u.status[id]
	return text, ok
}

// Element is an in-memory UI element.
type Element struct {
	ui   *UI
	id   string
	kind string

	// guarded by ui.mu
	attrs    map[string]any
	parent   *Element
	children []*Element
}

var _ plugin.Element = (*Element)(nil)

func (e *Element) ID() string   { return e.id }
func (e *Element) Kind() string { return e.kind }

// SetAttribute sets attribute name.
func (e *Element) SetAttribute(_ context.Context, name string, value any) error {
	e.ui.mu.Lock()
	defer e.ui.mu.Unlock()
	e.attrs[name] = value
	return nil
}

// Attribute returns attribute name.
func (e *Element) Attribute(name string) (any, bool) {
	e.ui.mu.Lock()
	defer e.ui.mu.Unlock()
	v, ok := e.attrs[name]
	return v, ok
}

// AppendChild moves child under e.
func (e *Element) AppendChild(_ context.Context, child plugin.Element) error {
	c, err := e.own(child)
	if err != nil {
		return err
	}
	e.ui.mu.Lock()
	defer e.ui.mu.Unlock()
	for p := e; p != nil; p = p.parent {
		if p == c {
			return oops.In("hostapi").With("element", c.id).Errorf("cannot append an element to its own subtree")
		}
	}
	if c.parent != nil {
		c.parent.detach(c)
	}
	c.parent = e
	e.children = append(e.children, c)
	return nil
}

// RemoveChild detaches child from e.
func (e *Element) RemoveChild(_ context.Context, child plugin.Element) error {
	c, err := e.own(child)
	if err != nil {
		return err
	}
	e.ui.mu.Lock()
	defer e.ui.mu.Unlock()
	if c.parent != e {
		return oops.In("hostapi").With("element", c.id).Errorf("element %s is not a child of %s", c.id, e.id)
	}
	e.detach(c)
	return nil
}

// Remove deletes e and its subtree.
func (e *Element) Remove(context.Context) error {
	e.ui.mu.Lock()
	defer e.ui.mu.Unlock()
	if e.parent != nil {
		e.parent.detach(e)
	}
	e.forget()
	return nil
}

// Children returns the ids of e's children in order.
func (e *Element) Children() []string {
	e.ui.mu.Lock()
	defer e.ui.mu.Unlock()
	ids := make([]string, len(e.children))
	for i, c := range e.children {
		ids[i] = c.id
	}
	return ids
}

func (e *Element) own(child plugin.Element) (*Element, error) {
	c, ok := child.(*Element)
	if !ok || c.ui != e.ui {
		return nil, oops.In("hostapi").Errorf("element does not belong to this host")
	}
	return c, nil
}

func (e *Element) detach(c *Element) {
	e.children = slices.DeleteFunc(e.children, func(x *Element) bool { return x == c })
	c.parent = nil
}

func (e *Element) forget() {
	delete(e.ui.elements, e.id)
	for _, c := range e.children {
		c.forget()
	}
}
