// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

//go:build integration

package integration

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/memorynote/pluginrt/internal/hostapi"
	"github.com/memorynote/pluginrt/internal/plugin"
	"github.com/memorynote/pluginrt/internal/plugin/persistence"
)

var _ = Describe("Schema migrations", func() {
	It("applies, reports and rolls back the plugin state schema", func() {
		m, err := persistence.NewMigrator(env.url)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = m.Close() })

		Expect(m.Up()).To(Succeed())
		version, dirty, err := m.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(dirty).To(BeFalse())
		Expect(version).To(BeNumerically(">=", 1))

		pending, err := m.PendingMigrations()
		Expect(err).NotTo(HaveOccurred())
		Expect(pending).To(BeEmpty())

		Expect(m.Down()).To(Succeed())
		pending, err = m.PendingMigrations()
		Expect(err).NotTo(HaveOccurred())
		Expect(pending).NotTo(BeEmpty())

		Expect(m.Up()).To(Succeed(), "leave the schema in place for other specs")
	})
})

var _ = Describe("PostgreSQL persistence", func() {
	var (
		ctx        context.Context
		installDir string
	)

	// openManager opens a fresh backend, store and manager, as a restarted
	// process would.
	openManager := func() (*plugin.Manager, *persistence.Store) {
		backend, err := persistence.OpenPostgres(ctx, env.url)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(backend.Close)

		store, err := persistence.Open(ctx, backend)
		Expect(err).NotTo(HaveOccurred())

		host := hostapi.New(hostapi.Options{Workspace: GinkgoT().TempDir()})
		DeferCleanup(host.Close)

		m := plugin.NewManager(
			plugin.WithHostAPI(host.API()),
			plugin.WithStore(store),
			plugin.WithInstallDir(installDir),
		)
		DeferCleanup(func() { _ = m.Close(context.Background()) })
		return m, store
	}

	BeforeEach(func() {
		ctx = context.Background()
		installDir = GinkgoT().TempDir()

		backend, err := persistence.OpenPostgres(ctx, env.url)
		Expect(err).NotTo(HaveOccurred())
		store, err := persistence.Open(ctx, backend)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Reset(ctx)).To(Succeed())
		backend.Close()
	})

	It("keeps install records across restarts", func() {
		m, _ := openManager()
		src := writeLuaPlugin(GinkgoT().TempDir(), "backlinks", "1.0.0", `return {}`)
		Expect(m.InstallPlugin(ctx, src)).To(Succeed())
		Expect(m.Close(ctx)).To(Succeed())

		_, store := openManager()
		rec, ok := store.InstallRecord("backlinks")
		Expect(ok).To(BeTrue())
		Expect(rec.Version).To(Equal("1.0.0"))
		Expect(rec.InstallPath).To(Equal(filepath.Join(installDir, "backlinks")))
		Expect(rec.Enabled).To(BeFalse())
		Expect(rec.AutoLoad).To(BeTrue())
	})

	It("auto-loads and activates enabled plugins after a restart", func() {
		m, _ := openManager()
		Expect(m.InstallPlugin(ctx, writeLuaPlugin(GinkgoT().TempDir(), "calendar", "1.0.0", `return {}`))).To(Succeed())
		Expect(m.InstallPlugin(ctx, writeLuaPlugin(GinkgoT().TempDir(), "graph", "1.0.0", `return {}`))).To(Succeed())
		Expect(m.EnablePlugin(ctx, "calendar")).To(Succeed())
		Expect(m.Close(ctx)).To(Succeed())

		restarted, store := openManager()
		Expect(restarted.AutoLoad(ctx)).To(Succeed())

		state := func(id string) plugin.State {
			st, ok := restarted.State(id)
			Expect(ok).To(BeTrue(), id)
			return st
		}
		Expect(state("calendar")).To(Equal(plugin.StateActive))
		Expect(state("graph")).To(Equal(plugin.StateLoaded))
		st, ok := store.PluginState("calendar")
		Expect(ok).To(BeTrue())
		Expect(st.LastLoaded).NotTo(BeNil())
	})

	It("forgets uninstalled plugins", func() {
		m, _ := openManager()
		Expect(m.InstallPlugin(ctx, writeLuaPlugin(GinkgoT().TempDir(), "kanban", "1.0.0", `return {}`))).To(Succeed())
		Expect(m.UninstallPlugin(ctx, "kanban")).To(Succeed())
		Expect(m.Close(ctx)).To(Succeed())

		_, store := openManager()
		Expect(store.IsInstalled("kanban")).To(BeFalse())
		Expect(store.InstalledPlugins()).To(BeEmpty())
	})
})
