// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package plugin

import (
	"cmp"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/internal/plugin/depgraph"
	"github.com/memorynote/pluginrt/internal/plugin/manifest"
	"github.com/memorynote/pluginrt/internal/plugin/persistence"
	"github.com/memorynote/pluginrt/internal/xdg"
	pluginpkg "github.com/memorynote/pluginrt/pkg/plugin"
)

// Discovered is a plugin found on disk.
type Discovered struct {
	Manifest *manifest.Manifest
	Dir      string
}

// Discover returns the plugins in the subdirectories of dir, sorted by id.
// Directories without a valid manifest are logged and skipped. A missing
// dir holds no plugins.
func (m *Manager) Discover(dir string) ([]Discovered, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("plugin").With("dir", dir).Hint("read plugins directory").Wrap(err)
	}

	var out []Discovered
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, entry.Name())
		mf, err := manifest.Load(pluginDir)
		if err != nil {
			m.logger.Warn("skipping plugin", "dir", entry.Name(), "error", err)
			continue
		}
		out = append(out, Discovered{Manifest: mf, Dir: pluginDir})
	}
	slices.SortFunc(out, func(a, b Discovered) int { return cmp.Compare(a.Manifest.ID, b.Manifest.ID) })
	return out, nil
}

// orderByDependencies sorts ids so dependencies come first. On a cycle the
// input order is kept and loading reports the cycle per plugin.
func (m *Manager) orderByDependencies(ids []string, depsOf func(string) []string) []string {
	g := depgraph.New()
	for _, id := range ids {
		g.AddNode(id, depsOf(id))
	}
	order, err := g.LoadOrder()
	if err != nil {
		m.logger.Warn("plugins form a dependency cycle", "error", err)
		return ids
	}
	return slices.DeleteFunc(order, func(id string) bool { return !slices.Contains(ids, id) })
}

// LoadAll loads every plugin in dir without installing it. Individual
// failures are logged and returned joined; the rest still load.
func (m *Manager) LoadAll(ctx context.Context, dir string) ([]string, error) {
	found, err := m.Discover(dir)
	if err != nil {
		return nil, err
	}
	dirs := make(map[string]string, len(found))
	ids := make([]string, 0, len(found))
	deps := make(map[string][]string, len(found))
	for _, d := range found {
		dirs[d.Manifest.ID] = d.Dir
		ids = append(ids, d.Manifest.ID)
		deps[d.Manifest.ID] = d.Manifest.DependencyIDs()
	}

	var loaded []string
	var errs []error
	for _, id := range m.orderByDependencies(ids, func(id string) []string { return deps[id] }) {
		if err := m.LoadPlugin(ctx, dirs[id]); err != nil {
			m.logger.Error("failed to load plugin", "plugin", id, "error", err)
			errs = append(errs, err)
			continue
		}
		loaded = append(loaded, id)
	}
	return loaded, errors.Join(errs...)
}

func (m *Manager) requireStore() (*persistence.Store, error) {
	if m.store == nil {
		return nil, oops.In("plugin").Code(CodePersistenceRequired).Wrap(ErrNoPersistence)
	}
	return m.store, nil
}

// AutoLoad loads every installed plugin marked for auto-load in dependency
// order and activates the enabled ones. Records whose directory vanished
// are dropped first. Failures are logged and returned joined.
func (m *Manager) AutoLoad(ctx context.Context) error {
	store, err := m.requireStore()
	if err != nil {
		return err
	}
	removed, err := store.Cleanup(ctx)
	if err != nil {
		return err
	}
	for _, id := range removed {
		m.logger.Warn("dropped install record of missing plugin", "plugin", id)
	}

	records := make(map[string]persistence.InstallRecord)
	ids := make([]string, 0)
	for _, rec := range store.InstalledPlugins() {
		if rec.AutoLoad {
			records[rec.ID] = rec
			ids = append(ids, rec.ID)
		}
	}

	var errs []error
	for _, id := range m.orderByDependencies(ids, store.Dependencies) {
		rec := records[id]
		if _, loaded := m.get(id); !loaded {
			if err := m.LoadPlugin(ctx, rec.InstallPath); err != nil {
				m.logger.Error("failed to auto-load plugin", "plugin", id, "error", err)
				errs = append(errs, err)
				continue
			}
		}
		if store.IsEnabled(id) {
			if err := m.ActivatePlugin(ctx, id); err != nil {
				m.logger.Error("failed to activate plugin", "plugin", id, "error", err)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// InstallPlugin loads the plugin in src and records its installation. With
// an install directory, src is first copied to <install dir>/<id>. New
// installations start disabled.
func (m *Manager) InstallPlugin(ctx context.Context, src string) error {
	store, err := m.requireStore()
	if err != nil {
		return err
	}
	mf, err := manifest.Load(src)
	if err != nil {
		return err
	}

	return m.run(ctx, "install", mf.ID, func(ctx context.Context, o *op) error {
		if _, ok := m.get(mf.ID); ok {
			return oops.In("plugin").Code(CodeAlreadyLoaded).With("plugin", mf.ID).Wrapf(ErrAlreadyLoaded, "plugin %s", mf.ID)
		}
		dir, copied, err := m.stage(mf.ID, src)
		if err != nil {
			return err
		}
		if err := m.load(ctx, o, mf, dir); err != nil {
			m.unstage(dir, copied)
			return err
		}
		if err := store.RecordInstallation(ctx, mf, dir); err != nil {
			if uerr := m.unload(ctx, o, mf.ID); uerr != nil {
				m.logger.Warn("roll back install", "plugin", mf.ID, "error", uerr)
			}
			m.unstage(dir, copied)
			return err
		}
		m.logger.Info("plugin installed", "plugin", mf.ID, "version", mf.Version, "path", dir)
		o.emit(pluginpkg.HookPluginInstallCompleted, map[string]any{
			"pluginId": mf.ID,
			"version":  mf.Version,
			"path":     dir,
		})
		return nil
	})
}

// stage copies src into the install directory when one is configured. It
// reports whether a copy was made.
func (m *Manager) stage(id, src string) (string, bool, error) {
	if m.installDir == "" {
		return src, false, nil
	}
	dst := filepath.Join(m.installDir, id)
	if same, err := samePath(src, dst); err != nil || same {
		return dst, false, err
	}
	if err := os.RemoveAll(dst); err != nil {
		return "", false, oops.In("plugin").With("path", dst).Wrap(err)
	}
	if err := copyTree(src, dst); err != nil {
		_ = os.RemoveAll(dst)
		return "", false, err
	}
	return dst, true, nil
}

func (m *Manager) unstage(dir string, copied bool) {
	if !copied {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("remove staged plugin", "path", dir, "error", err)
	}
}

// ownsInstall reports whether path is a copy made by stage.
func (m *Manager) ownsInstall(id, path string) bool {
	if m.installDir == "" || path == "" {
		return false
	}
	same, err := samePath(path, filepath.Join(m.installDir, id))
	return err == nil && same
}

func samePath(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, oops.In("plugin").With("path", a).Wrap(err)
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, oops.In("plugin").With("path", b).Wrap(err)
	}
	return absA == absB, nil
}

// copyTree copies the regular files and directories under src to dst.
// Symlinks are skipped.
func copyTree(src, dst string) error {
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o750)
		case !d.Type().IsRegular():
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path) //nolint:gosec // path comes from walking src
		if err != nil {
			return err
		}
		return xdg.WriteFileAtomic(target, data, info.Mode().Perm())
	})
	if err != nil {
		return oops.In("plugin").With("src", src).With("dst", dst).Hint("copy plugin").Wrap(err)
	}
	return nil
}

// UninstallPlugin unloads id and forgets its installation. A copy made by
// InstallPlugin is removed from disk.
func (m *Manager) UninstallPlugin(ctx context.Context, id string) error {
	store, err := m.requireStore()
	if err != nil {
		return err
	}
	return m.run(ctx, "uninstall", id, func(ctx context.Context, o *op) error {
		rec, installed := store.InstallRecord(id)
		_, loaded := m.get(id)
		if !installed && !loaded {
			return notFound(id)
		}
		if loaded {
			if err := m.unload(ctx, o, id); err != nil {
				if _, still := m.get(id); still {
					return err
				}
				m.logger.Warn("plugin reported an error while unloading", "plugin", id, "error", err)
			}
		}
		if installed {
			if err := store.RecordUninstallation(ctx, id); err != nil {
				return err
			}
			if m.ownsInstall(id, rec.InstallPath) {
				if err := os.RemoveAll(rec.InstallPath); err != nil {
					m.logger.Warn("remove plugin files", "plugin", id, "path", rec.InstallPath, "error", err)
				}
			}
		}
		m.logger.Info("plugin uninstalled", "plugin", id)
		o.emit(pluginpkg.HookPluginUninstallCompleted, map[string]any{"pluginId": id})
		return nil
	})
}

// EnablePlugin marks id enabled and activates it when loaded.
func (m *Manager) EnablePlugin(ctx context.Context, id string) error {
	store, err := m.requireStore()
	if err != nil {
		return err
	}
	if !store.IsInstalled(id) {
		return notFound(id)
	}
	if _, loaded := m.get(id); loaded {
		if err := m.ActivatePlugin(ctx, id); err != nil {
			return err
		}
	}
	return store.SetEnabled(ctx, id, true)
}

// DisablePlugin deactivates id when loaded and marks it disabled.
func (m *Manager) DisablePlugin(ctx context.Context, id string) error {
	store, err := m.requireStore()
	if err != nil {
		return err
	}
	if !store.IsInstalled(id) {
		return notFound(id)
	}
	if _, loaded := m.get(id); loaded {
		if err := m.DeactivatePlugin(ctx, id); err != nil {
			return err
		}
	}
	return store.SetEnabled(ctx, id, false)
}

// UpdatePlugin replaces a loaded plugin with the newer version in src. The
// new instance's on_update receives both versions and it is reactivated if
// the old one was active.
func (m *Manager) UpdatePlugin(ctx context.Context, src string) error {
	mf, err := manifest.Load(src)
	if err != nil {
		return err
	}
	return m.run(ctx, "update", mf.ID, func(ctx context.Context, o *op) error {
		oldVersion, err := m.update(ctx, o, mf, src)
		if err != nil {
			o.emit(pluginpkg.HookPluginUpdateFailed, map[string]any{
				"pluginId": mf.ID,
				"version":  mf.Version,
				"error":    err.Error(),
			})
			return err
		}
		m.logger.Info("plugin updated", "plugin", mf.ID, "from", oldVersion, "to", mf.Version)
		o.emit(pluginpkg.HookPluginUpdateCompleted, map[string]any{
			"pluginId":   mf.ID,
			"oldVersion": oldVersion,
			"newVersion": mf.Version,
		})
		return nil
	})
}

func (m *Manager) update(ctx context.Context, o *op, mf *manifest.Manifest, src string) (string, error) {
	id := mf.ID
	old, ok := m.get(id)
	if !ok {
		return "", notFound(id)
	}
	oldVersion := old.manifest.Version
	if !mf.SemVer().GreaterThan(old.manifest.SemVer()) {
		return oldVersion, oops.In("plugin").Code(CodeInvalidState).With("plugin", id).
			With("installed", oldVersion).With("candidate", mf.Version).
			Wrapf(ErrVersionNotNewer, "plugin %s %s is not newer than %s", id, mf.Version, oldVersion)
	}
	wasActive := m.stateOf(old) == StateActive

	if err := m.unload(ctx, o, id); err != nil {
		if _, still := m.get(id); still {
			return oldVersion, err
		}
		m.logger.Warn("plugin reported an error while unloading", "plugin", id, "error", err)
	}

	installed := m.store != nil && m.store.IsInstalled(id)
	dir := src
	if installed {
		staged, _, err := m.stage(id, src)
		if err != nil {
			return oldVersion, err
		}
		dir = staged
	}
	if err := m.load(ctx, o, mf, dir); err != nil {
		return oldVersion, err
	}
	lp, _ := m.get(id)
	err := invokeHook(ctx, lp, "on_update", func(u pluginpkg.Updater, ctx context.Context) error {
		return u.OnUpdate(ctx, oldVersion, mf.Version)
	})
	if err != nil {
		m.fail(ctx, o, lp, "update", err)
		return oldVersion, err
	}
	if wasActive {
		if err := m.activate(ctx, o, id); err != nil {
			return oldVersion, err
		}
	}
	if installed {
		if err := m.store.RecordInstallation(ctx, mf, dir); err != nil {
			return oldVersion, err
		}
	}
	return oldVersion, nil
}
