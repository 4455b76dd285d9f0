// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package lua_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorynote/pluginrt/internal/plugin/hook"
	pluginlua "github.com/memorynote/pluginrt/internal/plugin/lua"
	"github.com/memorynote/pluginrt/internal/plugin/pluginctx"
	"github.com/memorynote/pluginrt/internal/plugin/sandbox"
	"github.com/memorynote/pluginrt/pkg/plugin"
)

type harness struct {
	bus  *pluginctx.Bus
	hook *hook.Registry
}

func newHarness() *harness {
	return &harness{bus: pluginctx.NewBus(nil), hook: hook.NewRegistry()}
}

// load evaluates code in a fresh runtime and builds the plugin instance
// against a context named id.
func (h *harness) load(t *testing.T, id, code string, api *plugin.API) (*pluginlua.Instance, *pluginctx.Context) {
	t.Helper()
	pc, err := pluginctx.New(pluginctx.Options{
		ID:      id,
		Version: "1.0.0",
		Bus:     h.bus,
		Hooks:   h.hook,
		API:     api,
	})
	require.NoError(t, err)
	t.Cleanup(pc.Dispose)

	rt := newRuntime(t)
	mod, err := rt.Load(context.Background(), id+"/main.lua", code)
	require.NoError(t, err)
	inst, err := pluginlua.NewInstance(context.Background(), mod, pc)
	require.NoError(t, err)
	return inst, pc
}

func TestInstance_LifecycleCallsMethods(t *testing.T) {
	inst, pc := newHarness().load(t, "p", `
local P = { calls = {} }
local function record(self, name) self.ctx.storage.set(name, true) end
function P:on_load() record(self, "load") end
function P:on_initialize() record(self, "initialize") end
function P:on_activate() record(self, "activate") end
function P:on_deactivate() record(self, "deactivate") end
function P:on_unload() record(self, "unload") end
function P:on_update(old, new) self.ctx.storage.set("update", old .. "->" .. new) end
function P:on_error(msg) self.ctx.storage.set("error", msg) end
return P
`, nil)

	ctx := context.Background()
	require.NoError(t, inst.OnLoad(ctx))
	require.NoError(t, inst.OnInitialize(ctx))
	require.NoError(t, inst.OnActivate(ctx))
	require.NoError(t, inst.OnDeactivate(ctx))
	require.NoError(t, inst.OnUnload(ctx))
	require.NoError(t, inst.OnUpdate(ctx, "1.0.0", "1.1.0"))
	require.NoError(t, inst.OnError(ctx, errors.New("bad thing")))
	require.NoError(t, inst.RegisterExtensions(ctx), "missing functions are no-ops")

	keys, err := pc.Storage().Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"load", "initialize", "activate", "deactivate", "unload", "update", "error"}, keys)

	v, _, _ := pc.Storage().Get(ctx, "update")
	assert.Equal(t, "1.0.0->1.1.0", v)
	assert.True(t, inst.Has("on_activate"))
	assert.False(t, inst.Has("register_extensions"))
}

func TestInstance_ConstructorReceivesContext(t *testing.T) {
	inst, _ := newHarness().load(t, "ctor", `
return function(ctx)
  local self = { id = ctx.id }
  function self:on_activate()
    if self.id ~= "ctor" or self.ctx.version ~= "1.0.0" then error("bad context") end
  end
  return self
end
`, nil)
	require.NoError(t, inst.OnActivate(context.Background()))
}

func TestInstance_LifecycleErrorPropagates(t *testing.T) {
	inst, _ := newHarness().load(t, "failing", `
return { on_activate = function() error("cannot start") end }
`, nil)
	err := inst.OnActivate(context.Background())
	require.ErrorContains(t, err, "cannot start")
}

func TestNewInstance_RejectsBadExports(t *testing.T) {
	h := newHarness()
	pc, err := pluginctx.New(pluginctx.Options{ID: "bad", Bus: h.bus, Hooks: h.hook})
	require.NoError(t, err)
	defer pc.Dispose()

	rt := newRuntime(t)
	mod, err := rt.Load(context.Background(), "bad.lua", `return 42`)
	require.NoError(t, err)
	_, err = pluginlua.NewInstance(context.Background(), mod, pc)
	require.Error(t, err)

	mod, err = rt.Load(context.Background(), "ctor.lua", `return function() return "nope" end`)
	require.NoError(t, err)
	_, err = pluginlua.NewInstance(context.Background(), mod, pc)
	require.Error(t, err)
}

func TestBridge_ConfigChangeNotifiesLua(t *testing.T) {
	inst, pc := newHarness().load(t, "cfg", `
local P = {}
function P:on_activate()
  local ctx = self.ctx
  ctx.config.on_change(function(change)
    ctx.storage.set("seen", change.key .. "=" .. tostring(change.newValue))
  end)
  ctx.config.set("theme", "dark")
end
return P
`, nil)

	require.NoError(t, inst.OnActivate(context.Background()))
	v, ok, err := pc.Storage().Get(context.Background(), "seen")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "theme=dark", v)
	assert.Equal(t, 1, pc.PendingDisposables())
}

func TestBridge_HooksReenterSameRuntime(t *testing.T) {
	inst, pc := newHarness().load(t, "hooks", `
local P = {}
function P:on_activate()
  local ctx = self.ctx
  ctx.hooks.on("file.saving", function(hc)
    hc:update_data({ title = string.upper(hc:get("title")) })
    hc:prevent_default()
  end, { priority = 10 })
  local result = ctx.hooks.emit("file.saving", { title = "draft" })
  ctx.storage.set("result", { prevented = result.prevented, title = result.data.title })
end
return P
`, nil)

	require.NoError(t, inst.OnActivate(context.Background()))
	v, _, err := pc.Storage().Get(context.Background(), "result")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"prevented": true, "title": "DRAFT"}, v)
}

func TestBridge_HookHandlerFromGoEmitter(t *testing.T) {
	h := newHarness()
	inst, pc := h.load(t, "listener", `
local P = {}
function P:on_activate()
  self.ctx.hooks.on("file.saved", function(hc)
    self.ctx.storage.set("path", hc.data.path)
  end)
end
return P
`, nil)
	require.NoError(t, inst.OnActivate(context.Background()))

	h.hook.Emit(context.Background(), plugin.HookFileSaved, map[string]any{"path": "notes/a.md"}, "editor")

	v, _, _ := pc.Storage().Get(context.Background(), "path")
	assert.Equal(t, "notes/a.md", v)

	pc.EndActivation()
	assert.Zero(t, h.hook.HandlerCount(plugin.HookFileSaved))
}

func TestBridge_MessagingBetweenPlugins(t *testing.T) {
	h := newHarness()
	receiver, rpc := h.load(t, "receiver", `
local P = {}
function P:on_activate()
  self.ctx.messaging.on_message(function(msg)
    self.ctx.storage.set("got", msg.from .. ":" .. msg.payload.text)
  end)
end
return P
`, nil)
	sender, spc := h.load(t, "sender", `
local P = {}
function P:on_activate()
  local ok, err = self.ctx.messaging.send("receiver", { text = "hi" })
  self.ctx.storage.set("sent", ok == true)
  local _, missing = self.ctx.messaging.send("nobody", {})
  self.ctx.storage.set("missing", missing ~= nil)
end
return P
`, nil)

	require.NoError(t, receiver.OnActivate(context.Background()))
	require.NoError(t, sender.OnActivate(context.Background()))

	v, _, _ := rpc.Storage().Get(context.Background(), "got")
	assert.Equal(t, "sender:hi", v)
	sent, _, _ := spc.Storage().Get(context.Background(), "sent")
	assert.Equal(t, true, sent)
	missing, _, _ := spc.Storage().Get(context.Background(), "missing")
	assert.Equal(t, true, missing)
}

func TestBridge_AbsentCapabilitiesAreNil(t *testing.T) {
	sb, err := sandbox.New("gated", []plugin.Permission{plugin.PermFSRead}, &plugin.API{})
	require.NoError(t, err)
	defer sb.Destroy()

	inst, pc := newHarness().load(t, "gated", `
local P = {}
function P:on_activate()
  local api = self.ctx.api
  self.ctx.storage.set("write", api.data.fs.write_file == nil)
  self.ctx.storage.set("network", api.network == nil)
  self.ctx.storage.set("timers", api.timers ~= nil)
end
return P
`, sb.API())
	require.NoError(t, inst.OnActivate(context.Background()))

	for _, key := range []string{"write", "network", "timers"} {
		v, _, _ := pc.Storage().Get(context.Background(), key)
		assert.Equal(t, true, v, key)
	}
}

func TestBridge_TimerCallbackRunsInRuntime(t *testing.T) {
	sb, err := sandbox.New("timer", nil, nil)
	require.NoError(t, err)
	defer sb.Destroy()

	inst, pc := newHarness().load(t, "timer", `
local P = {}
function P:on_activate()
  self.ctx.api.timers.after(1, function() self.ctx.storage.set("fired", true) end)
end
return P
`, sb.API())
	require.NoError(t, inst.OnActivate(context.Background()))

	assert.Eventually(t, func() bool {
		v, _, _ := pc.Storage().Get(context.Background(), "fired")
		return v == true
	}, time.Second, 5*time.Millisecond)
}

func TestBridge_SubscriptionsAddRunsOnEndActivation(t *testing.T) {
	inst, pc := newHarness().load(t, "subs", `
local P = {}
function P:on_activate()
  self.ctx.subscriptions.add(function() self.ctx.storage.set("cleaned", true) end)
end
return P
`, nil)
	require.NoError(t, inst.OnActivate(context.Background()))

	pc.EndActivation()
	v, _, _ := pc.Storage().Get(context.Background(), "cleaned")
	assert.Equal(t, true, v)
}

func TestBridge_UtilNewIDIsUnique(t *testing.T) {
	inst, pc := newHarness().load(t, "ids", `
local P = {}
function P:on_load()
  self.ctx.storage.set("a", self.ctx.util.new_id())
  self.ctx.storage.set("b", self.ctx.util.new_id())
end
return P
`, nil)
	ctx := context.Background()
	require.NoError(t, inst.OnLoad(ctx))

	a, ok, err := pc.Storage().Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	b, _, err := pc.Storage().Get(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
}

func TestBridge_SelfReferencingTableRaisesLuaError(t *testing.T) {
	tests := []struct {
		name string
		call string
	}{
		{"storage.set", `self.ctx.storage.set("k", t)`},
		{"config.set", `self.ctx.config.set("k", t)`},
		{"hooks.emit", `self.ctx.hooks.emit("file.saving", t)`},
		{"messaging.send", `self.ctx.messaging.send("other", t)`},
		{"messaging.broadcast", `self.ctx.messaging.broadcast(t)`},
		{"log fields", `self.ctx.log.info("msg", t)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, pc := newHarness().load(t, "cyclic", `
local P = {}
function P:on_activate()
  local t = { name = "loop" }
  t.self = t
  `+tt.call+`
end
function P:on_deactivate()
  self.ctx.storage.set("alive", true)
end
return P
`, nil)

			ctx := context.Background()
			err := inst.OnActivate(ctx)
			require.ErrorContains(t, err, "reference to itself")

			require.NoError(t, inst.OnDeactivate(ctx), "runtime stays usable")
			v, ok, err := pc.Storage().Get(ctx, "alive")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, true, v)
		})
	}
}

func TestBridge_ConversionErrorCanBeCaught(t *testing.T) {
	inst, pc := newHarness().load(t, "guarded", `
local P = {}
function P:on_activate()
  local t = {}
  t[1] = t
  local ok, msg = pcall(self.ctx.storage.set, "k", t)
  self.ctx.storage.set("caught", not ok and string.find(msg, "reference to itself") ~= nil)
end
return P
`, nil)

	ctx := context.Background()
	require.NoError(t, inst.OnActivate(ctx))
	v, _, err := pc.Storage().Get(ctx, "caught")
	require.NoError(t, err)
	assert.Equal(t, true, v)
	_, ok, err := pc.Storage().Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
