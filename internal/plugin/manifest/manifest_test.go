// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package manifest_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorynote/pluginrt/internal/plugin/manifest"
	"github.com/memorynote/pluginrt/pkg/errutil"
	"github.com/memorynote/pluginrt/pkg/plugin"
)

const noteOrganizerYAML = `
id: note-organizer
name: Note Organizer
version: 1.2.0
description: Sorts notes into folders
author: MemoryNote Team
license: MIT
type: lua
engines:
  host: ">=1.0.0 <2.0.0"
dependencies:
  markdown-tools: "^1.0.0"
permissions:
  - ui.modify
  - fs.read
contributes:
  commands:
    - id: organizer.sort
      title: Sort notes
  sidebar:
    - id: organizer.panel
      title: Organizer
lua-plugin:
  entry: main.lua
`

func TestParse_YAML(t *testing.T) {
	m, err := manifest.Parse([]byte(noteOrganizerYAML))
	require.NoError(t, err)

	assert.Equal(t, "note-organizer", m.ID)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Equal(t, manifest.TypeLua, m.Type)
	assert.Equal(t, []string{"markdown-tools"}, m.DependencyIDs())
	assert.True(t, m.HasPermission(plugin.PermUIModify))
	assert.False(t, m.HasPermission(plugin.PermFSWrite))
	require.Len(t, m.Contributes.Commands, 1)
	assert.Equal(t, "organizer.sort", m.Contributes.Commands[0].ID)
	require.NotNil(t, m.LuaPlugin)
	assert.Equal(t, "main.lua", m.LuaPlugin.Entry)
}

func TestParse_JSON(t *testing.T) {
	data := `{
  "id": "word-count",
  "name": "Word Count",
  "version": "0.1.0",
  "description": "Counts words",
  "author": "someone",
  "type": "builtin",
  "permissions": ["ui.notification"]
}`
	m, err := manifest.Parse([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, "word-count", m.ID)
	assert.Equal(t, manifest.TypeBuiltin, m.Type)
	assert.Equal(t, []plugin.Permission{plugin.PermUINotification}, m.Permissions)
}

func TestParse_Invalid(t *testing.T) {
	base := map[string]string{
		"id":          "id: sample",
		"name":        "name: Sample",
		"version":     "version: 1.0.0",
		"description": "description: d",
		"author":      "author: a",
		"type":        "type: builtin",
	}
	build := func(override map[string]string, extra string) []byte {
		out := ""
		for _, k := range []string{"id", "name", "version", "description", "author", "type"} {
			line := base[k]
			if v, ok := override[k]; ok {
				line = v
			}
			if line != "" {
				out += line + "\n"
			}
		}
		return []byte(out + extra)
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{"empty", nil, "empty"},
		{"missing id", build(map[string]string{"id": ""}, ""), "missing required field id"},
		{"missing name", build(map[string]string{"name": ""}, ""), "missing required field name"},
		{"missing version", build(map[string]string{"version": ""}, ""), "missing required field version"},
		{"missing description", build(map[string]string{"description": ""}, ""), "missing required field description"},
		{"missing author", build(map[string]string{"author": ""}, ""), "missing required field author"},
		{"uppercase id", build(map[string]string{"id": "id: Sample"}, ""), "id"},
		{"trailing hyphen", build(map[string]string{"id": "id: sample-"}, ""), "id"},
		{"malformed version", build(map[string]string{"version": "version: v1"}, ""), "invalid version format"},
		{"four part version", build(map[string]string{"version": "version: 1.2.3.4"}, ""), "invalid version"},
		{"unknown permission", build(nil, "permissions: [fs.execute]\n"), "unknown permission"},
		{"self dependency", build(nil, "dependencies:\n  sample: '*'\n"), "depends on itself"},
		{"bad range", build(nil, "dependencies:\n  other: '>>1'\n"), "invalid version range"},
		{"bad engine range", build(nil, "engines:\n  host: 'abc'\n"), "host version range"},
		{"unknown type", build(map[string]string{"type": "type: wasm"}, ""), "type must be"},
		{"lua without entry", build(map[string]string{"type": "type: lua"}, ""), "lua-plugin.entry"},
		{"binary without executable", build(map[string]string{"type": "type: binary"}, ""), "binary-plugin.executable"},
		{"bad yaml", []byte("id: [unclosed"), "invalid manifest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := manifest.Parse(tt.data)
			require.Error(t, err)
			assert.Nil(t, m)
			assert.True(t, errors.Is(err, manifest.ErrInvalidManifest), "error should wrap ErrInvalidManifest: %v", err)
			assert.Contains(t, err.Error(), tt.wantErr)
			errutil.AssertErrorCode(t, err, "MANIFEST_INVALID")
		})
	}
}

func TestValidID(t *testing.T) {
	assert.True(t, manifest.ValidID("a"))
	assert.True(t, manifest.ValidID("note-organizer"))
	assert.True(t, manifest.ValidID("3d-view"))
	assert.False(t, manifest.ValidID(""))
	assert.False(t, manifest.ValidID("-x"))
	assert.False(t, manifest.ValidID("under_score"))
	assert.False(t, manifest.ValidID(string(make([]byte, 65))))
}

func TestManifest_SatisfiesDependency(t *testing.T) {
	m, err := manifest.Parse([]byte(noteOrganizerYAML))
	require.NoError(t, err)

	ok, err := m.SatisfiesDependency("markdown-tools", "1.4.2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SatisfiesDependency("markdown-tools", "2.0.0")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.SatisfiesDependency("unknown", "1.0.0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManifest_SupportsHost(t *testing.T) {
	m, err := manifest.Parse([]byte(noteOrganizerYAML))
	require.NoError(t, err)

	ok, err := m.SupportsHost("1.5.0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SupportsHost("2.0.0")
	require.NoError(t, err)
	assert.False(t, ok)

	m.Engines.Host = ""
	ok, err = m.SupportsHost("9.9.9")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoad_PrefersYAMLOverJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(noteOrganizerYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(`{"id":"other"}`), 0o600))

	m, err := manifest.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "note-organizer", m.ID)
	assert.True(t, manifest.Exists(dir))
}

func TestLoad_MissingManifest(t *testing.T) {
	dir := t.TempDir()
	_, err := manifest.Load(dir)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "MANIFEST_NOT_FOUND")
	assert.False(t, manifest.Exists(dir))
}
