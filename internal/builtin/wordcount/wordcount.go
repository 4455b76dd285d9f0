// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package wordcount is a builtin plugin that keeps a word count of the
// most recently saved note in the status bar.
package wordcount

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/internal/plugin/manifest"
	"github.com/memorynote/pluginrt/pkg/plugin"
)

// ID is the plugin id.
const ID = "word-count"

// CommandID counts the words of the file named by its first argument.
const CommandID = ID + ".count"

// Manifest returns the plugin's manifest.
func Manifest() *manifest.Manifest {
	return &manifest.Manifest{
		ID:          ID,
		Name:        "Word Count",
		Version:     "1.0.0",
		Description: "Shows the word count of the last saved note",
		Author:      "MemoryNote Contributors",
		License:     "Apache-2.0",
		Type:        manifest.TypeBuiltin,
		Permissions: []plugin.Permission{plugin.PermFSRead, plugin.PermUIModify, plugin.PermSystemCommand},
		Contributes: manifest.Contributes{
			Commands: []manifest.CommandContribution{{ID: CommandID, Title: "Count Words"}},
		},
	}
}

// Plugin is the word-count instance.
type Plugin struct {
	plugin.Base
	pc plugin.Context
}

// New is the builtin factory.
func New(pc plugin.Context) (plugin.Instance, error) {
	return &Plugin{pc: pc}, nil
}

// Count returns the number of whitespace separated words in text.
func Count(text string) int {
	return len(strings.Fields(text))
}

func (p *Plugin) count(ctx context.Context, path string) (int, error) {
	fs := p.pc.API().Data.FS.Reader
	if fs == nil {
		return 0, oops.In(ID).Code("PERMISSION_DENIED").Errorf("fs.read not granted")
	}
	data, err := fs.ReadFile(ctx, path)
	if err != nil {
		return 0, err
	}
	return Count(string(data)), nil
}

// OnActivate updates the status bar whenever a note is saved.
func (p *Plugin) OnActivate(context.Context) error {
	_, err := p.pc.Hooks().On(plugin.HookFileSaved, func(ctx context.Context, hc *plugin.HookContext) error {
		v, _ := hc.Get("path")
		path, ok := v.(string)
		if !ok || path == "" {
			return nil
		}
		n, err := p.count(ctx, path)
		if err != nil {
			return err
		}
		if err := p.pc.Storage().Set(ctx, "last", map[string]any{"path": path, "words": n}); err != nil {
			return err
		}
		if ui := p.pc.API().UI.Elements; ui != nil {
			return ui.SetStatus(ctx, ID, fmt.Sprintf("%d words", n))
		}
		return nil
	}, plugin.HookOptions{})
	return err
}

// RegisterExtensions contributes the count command.
func (p *Plugin) RegisterExtensions(ctx context.Context) error {
	cmds := p.pc.API().System.Commands
	if cmds == nil {
		return oops.In(ID).Code("PERMISSION_DENIED").Errorf("system.command not granted")
	}
	d, err := cmds.Register(ctx, CommandID, func(ctx context.Context, args []any) (any, error) {
		if len(args) == 0 {
			return nil, oops.In(ID).Errorf("%s expects a file path", CommandID)
		}
		path, ok := args[0].(string)
		if !ok {
			return nil, oops.In(ID).Errorf("%s expects a file path, got %T", CommandID, args[0])
		}
		return p.count(ctx, path)
	})
	if err != nil {
		return err
	}
	p.pc.Subscriptions().Add(d)
	return nil
}

// OnDeactivate clears the status bar entry.
func (p *Plugin) OnDeactivate(ctx context.Context) error {
	if ui := p.pc.API().UI.Elements; ui != nil {
		return ui.SetStatus(ctx, ID, "")
	}
	return nil
}
