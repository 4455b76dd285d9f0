// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package sandbox

import (
	"context"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

// Unwrapper is implemented by element handles the sandbox hands to plugins.
type Unwrapper interface {
	Unwrap() plugin.Element
}

// Unwrap returns the host element behind a sandboxed handle. Elements that
// are not sandbox handles are returned unchanged.
func Unwrap(e plugin.Element) plugin.Element {
	for {
		u, ok := e.(Unwrapper)
		if !ok {
			return e
		}
		e = u.Unwrap()
	}
}

type uiModifier struct {
	s     *Sandbox
	inner plugin.UIModifier
}

func (g *uiModifier) CreateElement(ctx context.Context, kind string) (plugin.Element, error) {
	if err := g.s.guard(ctx, "ui.elements.createElement"); err != nil {
		return nil, err
	}
	el, err := g.inner.CreateElement(ctx, kind)
	if err != nil || el == nil {
		return el, err
	}
	return &element{s: g.s, inner: el}, nil
}

func (g *uiModifier) FindElement(ctx context.Context, id string) (plugin.Element, error) {
	if err := g.s.guard(ctx, "ui.elements.findElement"); err != nil {
		return nil, err
	}
	el, err := g.inner.FindElement(ctx, id)
	if err != nil || el == nil {
		return el, err
	}
	return &element{s: g.s, inner: el}, nil
}

func (g *uiModifier) RegisterPanel(ctx context.Context, p plugin.Panel) (plugin.Disposable, error) {
	if err := g.s.guard(ctx, "ui.elements.registerPanel"); err != nil {
		return nil, err
	}
	return g.inner.RegisterPanel(ctx, p)
}

func (g *uiModifier) SetStatus(ctx context.Context, id, text string) error {
	if err := g.s.guard(ctx, "ui.elements.setStatus"); err != nil {
		return err
	}
	return g.inner.SetStatus(ctx, id, text)
}

// element wraps a host element. Structural mutations are counted as file
// operations.
type element struct {
	s     *Sandbox
	inner plugin.Element
}

func (e *element) Unwrap() plugin.Element { return e.inner }

func (e *element) ID() string   { return e.inner.ID() }
func (e *element) Kind() string { return e.inner.Kind() }

func (e *element) SetAttribute(ctx context.Context, name string, value any) error {
	if err := e.s.guard(ctx, "ui.elements.mutate.setAttribute"); err != nil {
		return err
	}
	return e.inner.SetAttribute(ctx, name, value)
}

func (e *element) AppendChild(ctx context.Context, child plugin.Element) error {
	if err := e.s.guard(ctx, "ui.elements.mutate.appendChild"); err != nil {
		return err
	}
	return e.inner.AppendChild(ctx, Unwrap(child))
}

func (e *element) RemoveChild(ctx context.Context, child plugin.Element) error {
	if err := e.s.guard(ctx, "ui.elements.mutate.removeChild"); err != nil {
		return err
	}
	return e.inner.RemoveChild(ctx, Unwrap(child))
}

func (e *element) Remove(ctx context.Context) error {
	if err := e.s.guard(ctx, "ui.elements.mutate.remove"); err != nil {
		return err
	}
	return e.inner.Remove(ctx)
}
