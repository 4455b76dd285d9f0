// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package wordcount_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorynote/pluginrt/internal/builtin/wordcount"
	"github.com/memorynote/pluginrt/internal/hostapi"
	"github.com/memorynote/pluginrt/internal/plugin"
	pluginpkg "github.com/memorynote/pluginrt/pkg/plugin"
)

func TestCount(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"one", 1},
		{"# Title\n\nsome  body\ttext", 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, wordcount.Count(tt.text), "%q", tt.text)
	}
}

func TestManifestIsValid(t *testing.T) {
	require.NoError(t, wordcount.Manifest().Validate())
}

func setup(t *testing.T) (*plugin.Manager, *hostapi.Host, string) {
	t.Helper()
	workspace := t.TempDir()
	host := hostapi.New(hostapi.Options{Workspace: workspace})
	t.Cleanup(func() { _ = host.Close() })

	m := plugin.NewManager(
		plugin.WithHostAPI(host.API()),
		plugin.WithBuiltin(wordcount.ID, wordcount.New),
	)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	ctx := context.Background()
	require.NoError(t, m.LoadBuiltin(ctx, wordcount.Manifest()))
	require.NoError(t, m.ActivatePlugin(ctx, wordcount.ID))
	return m, host, workspace
}

func TestWordCount_StatusFollowsSavedFile(t *testing.T) {
	m, host, workspace := setup(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "today.md"), []byte("three little words"), 0o600))

	m.Hooks().Emit(ctx, pluginpkg.HookFileSaved, map[string]any{"path": "today.md"}, "editor")

	status, ok := host.UI.Status(wordcount.ID)
	require.True(t, ok)
	assert.Equal(t, "3 words", status)
}

func TestWordCount_IgnoresSavesWithoutPath(t *testing.T) {
	m, host, _ := setup(t)

	m.Hooks().Emit(context.Background(), pluginpkg.HookFileSaved, map[string]any{}, "editor")

	_, ok := host.UI.Status(wordcount.ID)
	assert.False(t, ok)
}

func TestWordCount_Command(t *testing.T) {
	_, host, workspace := setup(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "a.md"), []byte("a b c d"), 0o600))

	got, err := host.Commands.Execute(ctx, wordcount.CommandID, []any{"a.md"})
	require.NoError(t, err)
	assert.Equal(t, 4, got)

	_, err = host.Commands.Execute(ctx, wordcount.CommandID, nil)
	assert.Error(t, err)
	_, err = host.Commands.Execute(ctx, wordcount.CommandID, []any{"missing.md"})
	assert.Error(t, err)
}

func TestWordCount_DeactivateReleasesContributions(t *testing.T) {
	m, host, workspace := setup(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "a.md"), []byte("x"), 0o600))
	m.Hooks().Emit(ctx, pluginpkg.HookFileSaved, map[string]any{"path": "a.md"}, "editor")

	require.NoError(t, m.DeactivatePlugin(ctx, wordcount.ID))

	_, ok := host.UI.Status(wordcount.ID)
	assert.False(t, ok, "status cleared")
	assert.NotContains(t, host.Commands.IDs(), wordcount.CommandID)
	assert.Zero(t, m.Hooks().HandlerCount(pluginpkg.HookFileSaved))
}
