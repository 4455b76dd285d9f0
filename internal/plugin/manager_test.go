// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package plugin_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorynote/pluginrt/internal/plugin"
	"github.com/memorynote/pluginrt/internal/plugin/manifest"
	"github.com/memorynote/pluginrt/internal/plugin/sandbox"
	"github.com/memorynote/pluginrt/pkg/errutil"
	pluginpkg "github.com/memorynote/pluginrt/pkg/plugin"
)

// callLog records lifecycle calls as "id:method" across plugins.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) got() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// fakePlugin is a builtin plugin whose lifecycle methods record themselves
// and fail when told to.
type fakePlugin struct {
	pluginpkg.Base
	id       string
	pc       pluginpkg.Context
	log      *callLog
	fail     map[string]error
	onActive func(ctx context.Context, pc pluginpkg.Context) error
	errs     []error
}

func (p *fakePlugin) call(method string) error {
	p.log.add(p.id + ":" + method)
	return p.fail[method]
}

func (p *fakePlugin) OnLoad(context.Context) error       { return p.call("load") }
func (p *fakePlugin) OnInitialize(context.Context) error { return p.call("initialize") }
func (p *fakePlugin) OnDeactivate(context.Context) error { return p.call("deactivate") }
func (p *fakePlugin) OnUnload(context.Context) error     { return p.call("unload") }

func (p *fakePlugin) RegisterExtensions(context.Context) error { return p.call("extensions") }

func (p *fakePlugin) OnActivate(ctx context.Context) error {
	if err := p.call("activate"); err != nil {
		return err
	}
	if p.onActive != nil {
		return p.onActive(ctx, p.pc)
	}
	return nil
}

func (p *fakePlugin) OnError(_ context.Context, err error) error {
	p.errs = append(p.errs, err)
	return p.call("error")
}

func (p *fakePlugin) OnUpdate(_ context.Context, oldVersion, newVersion string) error {
	return p.call("update " + oldVersion + "->" + newVersion)
}

type harness struct {
	m       *plugin.Manager
	log     *callLog
	plugins map[string]*fakePlugin
	events  *callLog
}

func newHarness(t *testing.T, opts ...plugin.Option) *harness {
	t.Helper()
	h := &harness{
		m:       plugin.NewManager(opts...),
		log:     &callLog{},
		plugins: make(map[string]*fakePlugin),
		events:  &callLog{},
	}
	for _, ht := range []pluginpkg.HookType{
		pluginpkg.HookPluginLoaded,
		pluginpkg.HookPluginActivated,
		pluginpkg.HookPluginDeactivated,
		pluginpkg.HookPluginUnloaded,
		pluginpkg.HookPluginError,
	} {
		_, err := h.m.Hooks().On(ht, func(_ context.Context, hc *pluginpkg.HookContext) error {
			id, _ := hc.Get("pluginId")
			h.events.add(fmt.Sprintf("%s %v", hc.Type, id))
			return nil
		}, pluginpkg.HookOptions{}, "test")
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = h.m.Close(context.Background()) })
	return h
}

func builtinManifest(id, version string, deps map[string]string) *manifest.Manifest {
	return &manifest.Manifest{
		ID:           id,
		Name:         id,
		Version:      version,
		Description:  "test plugin",
		Author:       "tests",
		Type:         manifest.TypeBuiltin,
		Dependencies: deps,
	}
}

// register adds a builtin factory for id without loading it.
func (h *harness) register(t *testing.T, id string, fail map[string]error) *fakePlugin {
	t.Helper()
	p := &fakePlugin{id: id, log: h.log, fail: fail}
	h.plugins[id] = p
	require.NoError(t, h.m.RegisterBuiltin(id, func(pc pluginpkg.Context) (pluginpkg.Instance, error) {
		p.pc = pc
		return p, nil
	}))
	return p
}

// load registers and loads a builtin plugin.
func (h *harness) load(t *testing.T, id string, deps map[string]string, fail map[string]error) *fakePlugin {
	t.Helper()
	p := h.register(t, id, fail)
	require.NoError(t, h.m.LoadBuiltin(context.Background(), builtinManifest(id, "1.0.0", deps)))
	return p
}

func (h *harness) state(t *testing.T, id string) plugin.State {
	t.Helper()
	st, ok := h.m.State(id)
	require.True(t, ok, "plugin %s not loaded", id)
	return st
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.load(t, "alpha", nil, nil)
	assert.Equal(t, plugin.StateLoaded, h.state(t, "alpha"))

	require.NoError(t, h.m.ActivatePlugin(ctx, "alpha"))
	assert.Equal(t, plugin.StateActive, h.state(t, "alpha"))
	assert.Equal(t, []string{"alpha"}, h.m.ActivePlugins())

	require.NoError(t, h.m.ActivatePlugin(ctx, "alpha"), "activating an active plugin is a no-op")

	require.NoError(t, h.m.DeactivatePlugin(ctx, "alpha"))
	assert.Equal(t, plugin.StateInactive, h.state(t, "alpha"))

	require.NoError(t, h.m.ActivatePlugin(ctx, "alpha"), "inactive plugins can be reactivated")
	require.NoError(t, h.m.UnloadPlugin(ctx, "alpha"))
	_, ok := h.m.State("alpha")
	assert.False(t, ok)

	assert.Equal(t, []string{
		"alpha:load",
		"alpha:initialize", "alpha:activate", "alpha:extensions",
		"alpha:deactivate",
		"alpha:initialize", "alpha:activate", "alpha:extensions",
		"alpha:deactivate", "alpha:unload",
	}, h.log.got())
	assert.Equal(t, []string{
		"plugin.loaded alpha",
		"plugin.activated alpha",
		"plugin.deactivated alpha",
		"plugin.activated alpha",
		"plugin.deactivated alpha",
		"plugin.unloaded alpha",
	}, h.events.got())
}

func TestManager_LoadBuiltin_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("already loaded", func(t *testing.T) {
		h := newHarness(t)
		h.load(t, "alpha", nil, nil)
		err := h.m.LoadBuiltin(ctx, builtinManifest("alpha", "1.0.0", nil))
		require.ErrorIs(t, err, plugin.ErrAlreadyLoaded)
		errutil.AssertErrorCode(t, err, plugin.CodeAlreadyLoaded)
	})

	t.Run("factory not registered", func(t *testing.T) {
		h := newHarness(t)
		err := h.m.LoadBuiltin(ctx, builtinManifest("ghost", "1.0.0", nil))
		require.ErrorIs(t, err, plugin.ErrBuiltinNotFound)
		_, ok := h.m.State("ghost")
		assert.False(t, ok, "nothing is registered after a failed construction")
		assert.Empty(t, h.m.Dependencies("ghost"))
		assert.Equal(t, []string{"plugin.error ghost"}, h.events.got())
	})

	t.Run("invalid manifest", func(t *testing.T) {
		h := newHarness(t)
		mf := builtinManifest("alpha", "1.0.0", nil)
		mf.Author = ""
		err := h.m.LoadBuiltin(ctx, mf)
		require.ErrorIs(t, err, manifest.ErrInvalidManifest)
		assert.Empty(t, h.events.got())
	})

	t.Run("engine incompatible", func(t *testing.T) {
		h := newHarness(t, plugin.WithHostVersion("0.9.0"))
		h.register(t, "alpha", nil)
		mf := builtinManifest("alpha", "1.0.0", nil)
		mf.Engines.Host = ">=1.0.0"
		err := h.m.LoadBuiltin(ctx, mf)
		require.ErrorIs(t, err, plugin.ErrEngineIncompatible)
		errutil.AssertErrorCode(t, err, plugin.CodeEngineIncompatible)
	})

	t.Run("factory error", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.m.RegisterBuiltin("broken", func(pluginpkg.Context) (pluginpkg.Instance, error) {
			return nil, errors.New("boom")
		}))
		err := h.m.LoadBuiltin(ctx, builtinManifest("broken", "1.0.0", map[string]string{"base": "*"}))
		errutil.AssertErrorCode(t, err, plugin.CodeLifecycleFailed)
		_, ok := h.m.State("broken")
		assert.False(t, ok)
		assert.Empty(t, h.m.Dependents("base"), "graph edges are rolled back")
	})

	t.Run("on_load failure leaves plugin in error", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "bad", map[string]error{"load": errors.New("no")})
		err := h.m.LoadBuiltin(ctx, builtinManifest("bad", "1.0.0", nil))
		errutil.AssertErrorCode(t, err, plugin.CodeLifecycleFailed)
		assert.Equal(t, plugin.StateError, h.state(t, "bad"))
		info, ok := h.m.Plugin("bad")
		require.True(t, ok)
		require.Error(t, info.Err)
		assert.Contains(t, h.log.got(), "bad:error")
	})
}

func TestManager_RegisterBuiltin_Rejects(t *testing.T) {
	m := plugin.NewManager()
	factory := func(pluginpkg.Context) (pluginpkg.Instance, error) { return pluginpkg.Base{}, nil }

	require.Error(t, m.RegisterBuiltin("Bad_ID", factory))
	require.NoError(t, m.RegisterBuiltin("good", factory))
	require.Error(t, m.RegisterBuiltin("good", factory))
}

func TestManager_ActivatesDependenciesFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.load(t, "p", map[string]string{"q": "^1.0.0"}, nil)

	err := h.m.ActivatePlugin(ctx, "p")
	require.ErrorIs(t, err, plugin.ErrDependencyNotFound)
	errutil.AssertErrorCode(t, err, plugin.CodeDependencyNotFound)
	errutil.AssertErrorContext(t, err, "dependency", "q")
	assert.Equal(t, plugin.StateLoaded, h.state(t, "p"), "a missing dependency does not change state")

	h.load(t, "q", nil, nil)
	require.NoError(t, h.m.ActivatePlugin(ctx, "p"))
	assert.Equal(t, plugin.StateActive, h.state(t, "q"))
	assert.Equal(t, plugin.StateActive, h.state(t, "p"))

	calls := h.log.got()
	assert.Less(t, indexOf(calls, "q:activate"), indexOf(calls, "p:initialize"))
	assert.Equal(t, []string{"p"}, h.m.Dependents("q"))
	assert.Equal(t, []string{"q"}, h.m.Dependencies("p"))
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func TestManager_DependencyVersion(t *testing.T) {
	h := newHarness(t)
	h.load(t, "q", nil, nil)
	h.load(t, "p", map[string]string{"q": ">=2.0.0"}, nil)

	err := h.m.ActivatePlugin(context.Background(), "p")
	require.ErrorIs(t, err, plugin.ErrDependencyVersion)
	errutil.AssertErrorCode(t, err, plugin.CodeDependencyVersion)
	assert.Equal(t, plugin.StateLoaded, h.state(t, "p"))
	assert.Equal(t, plugin.StateLoaded, h.state(t, "q"), "dependencies are checked before any activation")
}

func TestManager_DeactivateRefusedWithActiveDependents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.load(t, "q", nil, nil)
	h.load(t, "p", map[string]string{"q": "*"}, nil)
	require.NoError(t, h.m.ActivatePlugin(ctx, "p"))

	err := h.m.DeactivatePlugin(ctx, "q")
	require.ErrorIs(t, err, plugin.ErrActiveDependents)
	errutil.AssertErrorCode(t, err, plugin.CodeActiveDependents)
	assert.Equal(t, plugin.StateActive, h.state(t, "q"))

	err = h.m.UnloadPlugin(ctx, "q")
	require.ErrorIs(t, err, plugin.ErrActiveDependents, "unload deactivates first and is refused the same way")
	assert.Equal(t, plugin.StateActive, h.state(t, "q"))

	require.NoError(t, h.m.DeactivatePlugin(ctx, "p"))
	require.NoError(t, h.m.DeactivatePlugin(ctx, "q"))
	assert.Equal(t, plugin.StateInactive, h.state(t, "q"))
}

func TestManager_RejectsCycles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.load(t, "a", map[string]string{"b": "*"}, nil)
	h.register(t, "b", nil)

	err := h.m.LoadBuiltin(ctx, builtinManifest("b", "1.0.0", map[string]string{"a": "*"}))
	errutil.AssertErrorCode(t, err, plugin.CodeCyclicDependency)
	_, ok := h.m.State("b")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, h.m.Dependencies("a"), "a keeps its edge to the missing b")

	order, err := h.m.LoadOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, order)
}

func TestManager_ActivationFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.load(t, "flaky", nil, map[string]error{"activate": errors.New("boom")})

	err := h.m.ActivatePlugin(ctx, "flaky")
	errutil.AssertErrorCode(t, err, plugin.CodeLifecycleFailed)
	assert.Equal(t, plugin.StateError, h.state(t, "flaky"))
	require.Len(t, p.errs, 1, "the plugin's error handler observes the failure")
	assert.Contains(t, h.events.got(), "plugin.error flaky")
	assert.NotContains(t, h.log.got(), "flaky:extensions")

	err = h.m.ActivatePlugin(ctx, "flaky")
	require.ErrorIs(t, err, plugin.ErrInvalidState)

	require.NoError(t, h.m.UnloadPlugin(ctx, "flaky"), "plugins in error can still be unloaded")
}

func TestManager_ActivationReleasesHooksOnDeactivate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	const saved pluginpkg.HookType = pluginpkg.HookFileSaved

	p := h.register(t, "watcher", nil)
	p.onActive = func(_ context.Context, pc pluginpkg.Context) error {
		_, err := pc.Hooks().On(saved, func(context.Context, *pluginpkg.HookContext) error { return nil }, pluginpkg.HookOptions{})
		return err
	}
	require.NoError(t, h.m.LoadBuiltin(ctx, builtinManifest("watcher", "1.0.0", nil)))

	require.NoError(t, h.m.ActivatePlugin(ctx, "watcher"))
	assert.Equal(t, 1, h.m.Hooks().HandlerCount(saved))

	require.NoError(t, h.m.DeactivatePlugin(ctx, "watcher"))
	assert.Equal(t, 0, h.m.Hooks().HandlerCount(saved))

	require.NoError(t, h.m.ActivatePlugin(ctx, "watcher"))
	assert.Equal(t, 1, h.m.Hooks().HandlerCount(saved))
	require.NoError(t, h.m.UnloadPlugin(ctx, "watcher"))
	assert.Equal(t, 0, h.m.Hooks().HandlerCount(saved))
}

func TestManager_MemoryLimitMovesPluginToError(t *testing.T) {
	ctx := context.Background()
	var usedMB atomic.Int64
	usedMB.Store(5)
	probe := sandbox.ProbeFunc(func(context.Context) (float64, error) { return float64(usedMB.Load()), nil })

	h := newHarness(t, plugin.WithSandboxOptions(
		sandbox.WithSandboxLimits(sandbox.Limits{MaxMemoryMB: 64}),
		sandbox.WithMemoryProbe(probe),
	))
	p := h.register(t, "hungry", nil)
	p.onActive = func(context.Context, pluginpkg.Context) error {
		usedMB.Store(512)
		return nil
	}
	require.NoError(t, h.m.LoadBuiltin(ctx, builtinManifest("hungry", "1.0.0", nil)))

	err := h.m.ActivatePlugin(ctx, "hungry")
	require.ErrorIs(t, err, sandbox.ErrResourceLimit)
	errutil.AssertErrorCode(t, err, "RESOURCE_LIMIT")
	var limit *sandbox.LimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, sandbox.ResourceMemory, limit.Resource)
	assert.Equal(t, plugin.StateError, h.state(t, "hungry"))
	assert.NotContains(t, h.log.got(), "hungry:extensions")
}

func TestManager_UnloadReportsHandlerErrorButUnloads(t *testing.T) {
	h := newHarness(t)
	h.load(t, "sticky", nil, map[string]error{"unload": errors.New("cannot let go")})

	err := h.m.UnloadPlugin(context.Background(), "sticky")
	errutil.AssertErrorCode(t, err, plugin.CodeLifecycleFailed)
	_, ok := h.m.State("sticky")
	assert.False(t, ok)
	assert.Contains(t, h.events.got(), "plugin.unloaded sticky")
}

func TestManager_UnknownPlugin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for name, fn := range map[string]func(context.Context, string) error{
		"activate":   h.m.ActivatePlugin,
		"deactivate": h.m.DeactivatePlugin,
		"unload":     h.m.UnloadPlugin,
	} {
		t.Run(name, func(t *testing.T) {
			err := fn(ctx, "ghost")
			require.ErrorIs(t, err, plugin.ErrPluginNotFound)
			errutil.AssertErrorCode(t, err, plugin.CodePluginNotFound)
		})
	}
}

func TestManager_BatchOperations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.load(t, "base", nil, nil)
	h.load(t, "mid", map[string]string{"base": "*"}, nil)
	h.load(t, "top", map[string]string{"mid": "*"}, nil)
	h.load(t, "broken", nil, map[string]error{"activate": errors.New("no")})

	err := h.m.ActivatePlugins(ctx, []string{"top", "broken", "base", "mid"})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, plugin.CodeLifecycleFailed)
	assert.Equal(t, []string{"base", "mid", "top"}, h.m.ActivePlugins(), "one failure does not stop the batch")

	calls := h.log.got()
	assert.Less(t, indexOf(calls, "base:activate"), indexOf(calls, "mid:activate"))
	assert.Less(t, indexOf(calls, "mid:activate"), indexOf(calls, "top:activate"))

	require.NoError(t, h.m.DeactivatePlugins(ctx, []string{"base", "mid", "top"}))
	calls = h.log.got()
	assert.Less(t, indexOf(calls, "top:deactivate"), indexOf(calls, "mid:deactivate"))
	assert.Less(t, indexOf(calls, "mid:deactivate"), indexOf(calls, "base:deactivate"))
	assert.Empty(t, h.m.ActivePlugins())
}

func TestManager_Close(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.load(t, "q", nil, nil)
	h.load(t, "p", map[string]string{"q": "*"}, nil)
	require.NoError(t, h.m.ActivatePlugin(ctx, "p"))

	require.NoError(t, h.m.Close(ctx))
	assert.Empty(t, h.m.Plugins())

	calls := h.log.got()
	assert.Less(t, indexOf(calls, "p:deactivate"), indexOf(calls, "q:deactivate"), "dependents stop first")
	assert.Contains(t, calls, "q:unload")

	require.NoError(t, h.m.Close(ctx), "close is idempotent")
	h.register(t, "late", nil)
	err := h.m.LoadBuiltin(ctx, builtinManifest("late", "1.0.0", nil))
	require.ErrorIs(t, err, plugin.ErrManagerClosed)
}

func TestManager_PluginsSnapshot(t *testing.T) {
	h := newHarness(t)
	h.load(t, "b", nil, nil)
	h.load(t, "a", nil, nil)

	infos := h.m.Plugins()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, manifest.TypeBuiltin, infos[0].Type)
	assert.Equal(t, plugin.StateLoaded, infos[1].State)

	usage, ok := h.m.Usage("a")
	require.True(t, ok)
	assert.Zero(t, usage.FileOps)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ACTIVE", plugin.StateActive.String())
	assert.Equal(t, "ERROR", plugin.StateError.String())
	assert.Equal(t, "UNKNOWN", plugin.State(99).String())
}
