// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

//go:build integration

package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/memorynote/pluginrt/internal/hostapi"
	"github.com/memorynote/pluginrt/internal/plugin"
	"github.com/memorynote/pluginrt/internal/plugin/persistence"
	"github.com/memorynote/pluginrt/internal/plugin/sandbox"
	pluginpkg "github.com/memorynote/pluginrt/pkg/plugin"
)

// organizerDir is the bundled example plugin.
var organizerDir = filepath.Join("..", "..", "plugins", "note-organizer")

func writeLuaPlugin(dir, id string, deps map[string]string, perms []string, source string) string {
	pluginDir := filepath.Join(dir, id)
	Expect(os.MkdirAll(pluginDir, 0o750)).To(Succeed())

	yaml := "id: " + id + "\nname: " + id + "\nversion: 1.0.0\ndescription: integration plugin\nauthor: tests\ntype: lua\n"
	if len(deps) > 0 {
		yaml += "dependencies:\n"
		for dep, rng := range deps {
			yaml += "  " + dep + ": \"" + rng + "\"\n"
		}
	}
	if len(perms) > 0 {
		yaml += "permissions:\n"
		for _, p := range perms {
			yaml += "  - " + p + "\n"
		}
	}
	yaml += "lua-plugin:\n  entry: main.lua\n"

	Expect(os.WriteFile(filepath.Join(pluginDir, "plugin.yaml"), []byte(yaml), 0o600)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(pluginDir, "main.lua"), []byte(source), 0o600)).To(Succeed())
	return pluginDir
}

var _ = Describe("Plugin lifecycle", func() {
	var (
		ctx     context.Context
		workDir string
		host    *hostapi.Host
		store   *persistence.Store
		usedMB  atomic.Int64
		manager *plugin.Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		workDir = GinkgoT().TempDir()
		host = hostapi.New(hostapi.Options{Workspace: workDir})
		DeferCleanup(host.Close)

		var err error
		store, err = persistence.Open(ctx, persistence.NewFileBackend(filepath.Join(workDir, "state.json")))
		Expect(err).NotTo(HaveOccurred())

		usedMB.Store(10)
		probe := sandbox.ProbeFunc(func(context.Context) (float64, error) { return float64(usedMB.Load()), nil })
		manager = plugin.NewManager(
			plugin.WithHostAPI(host.API()),
			plugin.WithStore(store),
			plugin.WithInstallDir(filepath.Join(workDir, "installed")),
			plugin.WithSandboxOptions(
				sandbox.WithSandboxLimits(sandbox.Limits{MaxMemoryMB: 128}),
				sandbox.WithMemoryProbe(probe),
			),
		)
		DeferCleanup(func() { _ = manager.Close(context.Background()) })
	})

	stateOf := func(id string) plugin.State {
		st, ok := manager.State(id)
		Expect(ok).To(BeTrue(), "plugin %s is not loaded", id)
		return st
	}

	Describe("installing note-organizer", func() {
		BeforeEach(func() {
			Expect(manager.InstallPlugin(ctx, organizerDir)).To(Succeed())
		})

		It("is loaded but not enabled", func() {
			Expect(stateOf("note-organizer")).To(Equal(plugin.StateLoaded))
			Expect(store.IsInstalled("note-organizer")).To(BeTrue())
			Expect(store.IsEnabled("note-organizer")).To(BeFalse())
		})

		It("activates, contributes its panel and records enabled", func() {
			Expect(manager.ActivatePlugin(ctx, "note-organizer")).To(Succeed())

			Expect(stateOf("note-organizer")).To(Equal(plugin.StateActive))
			Expect(store.IsEnabled("note-organizer")).To(BeTrue())
			Expect(host.UI.Panels()).To(ContainElement(HaveField("ID", "note-organizer.panel")))
			status, ok := host.UI.Status("note-organizer")
			Expect(ok).To(BeTrue())
			Expect(status).To(Equal("grouping by tag"))

			hc := manager.Hooks().Emit(ctx, pluginpkg.HookFileSaved, map[string]any{"path": "notes/today.md"}, "editor")
			Expect(hc.IsPrevented()).To(BeFalse())
		})

		It("removes its contributions when deactivated", func() {
			Expect(manager.ActivatePlugin(ctx, "note-organizer")).To(Succeed())
			Expect(manager.Hooks().HandlerCount(pluginpkg.HookFileSaved)).To(Equal(1))

			Expect(manager.DeactivatePlugin(ctx, "note-organizer")).To(Succeed())

			Expect(stateOf("note-organizer")).To(Equal(plugin.StateInactive))
			Expect(host.UI.Panels()).To(BeEmpty())
			_, ok := host.UI.Status("note-organizer")
			Expect(ok).To(BeFalse())
			Expect(manager.Hooks().HandlerCount(pluginpkg.HookFileSaved)).To(BeZero())
			Expect(store.IsEnabled("note-organizer")).To(BeFalse())
		})

		It("is forgotten after uninstalling", func() {
			Expect(manager.UninstallPlugin(ctx, "note-organizer")).To(Succeed())
			_, ok := manager.State("note-organizer")
			Expect(ok).To(BeFalse())
			Expect(store.IsInstalled("note-organizer")).To(BeFalse())
			Expect(filepath.Join(workDir, "installed", "note-organizer")).NotTo(BeADirectory())
		})
	})

	It("denies host capabilities a plugin did not declare", func() {
		dir := writeLuaPlugin(GinkgoT().TempDir(), "sneaky", nil, nil, `
return function(ctx)
  return {
    on_activate = function(self)
      ctx.api.ui.elements.set_status("sneaky", "hello")
    end,
  }
end`)
		Expect(manager.LoadPlugin(ctx, dir)).To(Succeed())

		err := manager.ActivatePlugin(ctx, "sneaky")
		Expect(err).To(HaveOccurred())
		Expect(stateOf("sneaky")).To(Equal(plugin.StateError))
		_, ok := host.UI.Status("sneaky")
		Expect(ok).To(BeFalse())
	})

	It("moves a plugin over its memory ceiling to ERROR", func() {
		dir := writeLuaPlugin(GinkgoT().TempDir(), "hungry", nil, nil, `return { on_activate = function(self) end }`)
		Expect(manager.LoadPlugin(ctx, dir)).To(Succeed())

		usedMB.Store(1024)
		err := manager.ActivatePlugin(ctx, "hungry")

		Expect(err).To(MatchError(sandbox.ErrResourceLimit))
		Expect(stateOf("hungry")).To(Equal(plugin.StateError))
	})

	Describe("dependencies", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
			writeLuaPlugin(dir, "q", nil, nil, `return {}`)
			writeLuaPlugin(dir, "p", map[string]string{"q": "^1.0.0"}, nil, `return {}`)
		})

		It("activates Q before P once Q is loaded", func() {
			Expect(manager.LoadPlugin(ctx, filepath.Join(dir, "p"))).To(Succeed())
			Expect(manager.ActivatePlugin(ctx, "p")).To(MatchError(plugin.ErrDependencyNotFound))

			Expect(manager.LoadPlugin(ctx, filepath.Join(dir, "q"))).To(Succeed())
			Expect(manager.ActivatePlugin(ctx, "p")).To(Succeed())
			Expect(stateOf("q")).To(Equal(plugin.StateActive))
			Expect(stateOf("p")).To(Equal(plugin.StateActive))
		})

		It("refuses to deactivate Q while P is active", func() {
			Expect(manager.LoadPlugin(ctx, filepath.Join(dir, "q"))).To(Succeed())
			Expect(manager.LoadPlugin(ctx, filepath.Join(dir, "p"))).To(Succeed())
			Expect(manager.ActivatePlugin(ctx, "p")).To(Succeed())

			Expect(manager.DeactivatePlugin(ctx, "q")).To(MatchError(plugin.ErrActiveDependents))
			Expect(manager.DeactivatePlugin(ctx, "p")).To(Succeed())
			Expect(manager.DeactivatePlugin(ctx, "q")).To(Succeed())
		})

		It("rejects a plugin that closes a cycle", func() {
			cyclic := GinkgoT().TempDir()
			writeLuaPlugin(cyclic, "a", map[string]string{"b": "*"}, nil, `return {}`)
			writeLuaPlugin(cyclic, "b", map[string]string{"a": "*"}, nil, `return {}`)

			Expect(manager.LoadPlugin(ctx, filepath.Join(cyclic, "a"))).To(Succeed())
			Expect(manager.LoadPlugin(ctx, filepath.Join(cyclic, "b"))).NotTo(Succeed())
			_, ok := manager.State("b")
			Expect(ok).To(BeFalse())
		})
	})
})
