// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package plugin runs plugins through their lifecycle: it loads them into
// sandboxes, activates them in dependency order, tears them down again and
// keeps the persistent install state in step.
package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/memorynote/pluginrt/internal/plugin/capability"
	"github.com/memorynote/pluginrt/internal/plugin/depgraph"
	"github.com/memorynote/pluginrt/internal/plugin/goplugin"
	"github.com/memorynote/pluginrt/internal/plugin/hook"
	"github.com/memorynote/pluginrt/internal/plugin/lua"
	"github.com/memorynote/pluginrt/internal/plugin/manifest"
	"github.com/memorynote/pluginrt/internal/plugin/persistence"
	"github.com/memorynote/pluginrt/internal/plugin/pluginctx"
	"github.com/memorynote/pluginrt/internal/plugin/sandbox"
	"github.com/memorynote/pluginrt/pkg/errutil"
	pluginpkg "github.com/memorynote/pluginrt/pkg/plugin"
)

// DefaultHostVersion is matched against each manifest's engines.host range.
const DefaultHostVersion = "1.0.0"

// hookSource identifies the manager as the emitter of lifecycle hooks.
const hookSource = "plugin-manager"

var tracer = otel.Tracer("pluginrt/plugin")

// Info is a snapshot of one loaded plugin.
type Info struct {
	ID          string
	Name        string
	Version     string
	Type        manifest.Type
	Dir         string
	State       State
	Err         error
	Permissions []pluginpkg.Permission
}

// loadedPlugin is the manager's record of one plugin. state and lastErr
// are guarded by Manager.mu; everything else is fixed once loading ends.
type loadedPlugin struct {
	manifest *manifest.Manifest
	dir      string
	instance pluginpkg.Instance
	ctx      *pluginctx.Context
	sandbox  *sandbox.Sandbox

	state   State
	lastErr error
}

func (lp *loadedPlugin) id() string { return lp.manifest.ID }

// Option configures a Manager.
type Option func(*Manager)

// WithHostAPI sets the full host API. Each plugin sees the subset its
// permissions allow.
func WithHostAPI(api *pluginpkg.API) Option {
	return func(m *Manager) { m.host = api }
}

// WithHostVersion sets the version checked against engines.host.
func WithHostVersion(v string) Option {
	return func(m *Manager) { m.hostVersion = v }
}

// WithHooks shares a hook registry with the rest of the application.
func WithHooks(r *hook.Registry) Option {
	return func(m *Manager) { m.hooks = r }
}

// WithStore enables persistence of install records and plugin state.
func WithStore(s *persistence.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithStorageFactory sets how plugin key/value storage is created.
func WithStorageFactory(f pluginctx.StorageFactory) Option {
	return func(m *Manager) { m.storage = f }
}

// WithLauncher enables binary plugins.
func WithLauncher(l *goplugin.Launcher) Option {
	return func(m *Manager) { m.launcher = l }
}

// WithSandboxOptions appends options applied to every plugin sandbox.
func WithSandboxOptions(opts ...sandbox.Option) Option {
	return func(m *Manager) { m.sandboxOpts = append(m.sandboxOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithInstallDir makes InstallPlugin copy plugins into dir/<id>.
func WithInstallDir(dir string) Option {
	return func(m *Manager) { m.installDir = dir }
}

// WithBuiltin registers a factory for a builtin plugin.
func WithBuiltin(id string, f pluginpkg.Factory) Option {
	return func(m *Manager) { m.builtins[id] = f }
}

// Manager owns every loaded plugin.
//
// Lifecycle operations are serialized. Hooks describing an operation are
// emitted once it has finished, so handlers may call back into the manager.
type Manager struct {
	host        *pluginpkg.API
	hostVersion string
	hooks       *hook.Registry
	store       *persistence.Store
	storage     pluginctx.StorageFactory
	launcher    *goplugin.Launcher
	sandboxOpts []sandbox.Option
	logger      *slog.Logger
	installDir  string
	bus         *pluginctx.Bus
	enforcer    *capability.Enforcer
	graph       *depgraph.Graph

	opMu sync.Mutex

	mu       sync.RWMutex
	plugins  map[string]*loadedPlugin
	builtins map[string]pluginpkg.Factory
	closed   bool
}

// NewManager creates a manager with no plugins loaded.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		host:        &pluginpkg.API{},
		hostVersion: DefaultHostVersion,
		storage:     pluginctx.MemoryStorageFactory(),
		logger:      slog.Default(),
		enforcer:    capability.NewEnforcer(),
		graph:       depgraph.New(),
		plugins:     make(map[string]*loadedPlugin),
		builtins:    make(map[string]pluginpkg.Factory),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.hooks == nil {
		m.hooks = hook.NewRegistry(hook.WithLogger(m.logger))
	}
	m.bus = pluginctx.NewBus(m.logger)
	return m
}

// Hooks returns the hook registry plugins register with.
func (m *Manager) Hooks() *hook.Registry { return m.hooks }

// Store returns the persistence store, or nil.
func (m *Manager) Store() *persistence.Store { return m.store }

// RegisterBuiltin registers the factory of a builtin plugin.
func (m *Manager) RegisterBuiltin(id string, f pluginpkg.Factory) error {
	if !manifest.ValidID(id) {
		return oops.In("plugin").Code("MANIFEST_INVALID").With("plugin", id).Errorf("invalid builtin id %q", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.builtins[id]; ok {
		return oops.In("plugin").Code(CodeAlreadyLoaded).With("plugin", id).Errorf("builtin %s already registered", id)
	}
	m.builtins[id] = f
	return nil
}

// op collects the hooks an operation emits.
type op struct {
	events []event
}

type event struct {
	hook pluginpkg.HookType
	data map[string]any
}

func (o *op) emit(t pluginpkg.HookType, data map[string]any) {
	o.events = append(o.events, event{hook: t, data: data})
}

// run executes fn as one serialized lifecycle operation and then emits the
// hooks it queued.
func (m *Manager) run(ctx context.Context, name, id string, fn func(context.Context, *op) error) (err error) {
	ctx, span := tracer.Start(ctx, "plugin."+name, trace.WithAttributes(attribute.String("plugin.id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var o op
	err = func() error {
		m.opMu.Lock()
		defer m.opMu.Unlock()
		if m.isClosed() {
			return oops.In("plugin").With("operation", name).Wrap(ErrManagerClosed)
		}
		return fn(ctx, &o)
	}()
	for _, e := range o.events {
		m.hooks.Emit(ctx, e.hook, e.data, hookSource)
	}
	return err
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) get(id string) (*loadedPlugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lp, ok := m.plugins[id]
	return lp, ok
}

func (m *Manager) stateOf(lp *loadedPlugin) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lp.state
}

func (m *Manager) setState(lp *loadedPlugin, st State) {
	m.mu.Lock()
	prev := lp.state
	lp.state = st
	m.mu.Unlock()
	if prev == st {
		return
	}

	transitions.WithLabelValues(st.String()).Inc()
	if prev == StateActive {
		activePlugins.Dec()
	}
	if st == StateActive {
		activePlugins.Inc()
	}
	m.logger.Debug("plugin state changed", "plugin", lp.id(), "from", prev.String(), "to", st.String())
}

func notFound(id string) error {
	return oops.In("plugin").Code(CodePluginNotFound).With("plugin", id).Wrapf(ErrPluginNotFound, "plugin %s", id)
}

func invalidState(id, operation string, st State) error {
	return oops.In("plugin").Code(CodeInvalidState).With("plugin", id).With("state", st.String()).
		Wrapf(ErrInvalidState, "cannot %s plugin %s in state %s", operation, id, st)
}

// invokeHook calls one optional lifecycle method inside the plugin's
// sandbox. Instances that do not implement T are skipped.
func invokeHook[T any](ctx context.Context, lp *loadedPlugin, operation string, fn func(T, context.Context) error) error {
	h, ok := lp.instance.(T)
	if !ok {
		return nil
	}
	err := lp.sandbox.Call(ctx, operation, func(ctx context.Context) error { return fn(h, ctx) })
	if err != nil {
		return oops.In("plugin").Code(CodeLifecycleFailed).With("plugin", lp.id()).With("operation", operation).
			Wrapf(err, "plugin %s %s", lp.id(), operation)
	}
	return nil
}

// fail moves lp to ERROR, gives the plugin a chance to observe the failure
// and queues plugin.error.
func (m *Manager) fail(ctx context.Context, o *op, lp *loadedPlugin, operation string, err error) {
	m.mu.Lock()
	lp.lastErr = err
	m.mu.Unlock()
	m.setState(lp, StateError)
	lifecycleFailures.WithLabelValues(operation).Inc()
	errutil.LogError(m.logger, "plugin "+operation+" failed", err)

	if h, ok := lp.instance.(pluginpkg.ErrorHandler); ok && !lp.sandbox.IsDestroyed() {
		herr := lp.sandbox.Call(ctx, "on_error", func(ctx context.Context) error { return h.OnError(ctx, err) })
		if herr != nil {
			m.logger.Warn("plugin error handler failed", "plugin", lp.id(), "error", herr)
		}
	}
	o.emit(pluginpkg.HookPluginError, map[string]any{
		"pluginId":  lp.id(),
		"operation": operation,
		"error":     err.Error(),
	})
}

// LoadPlugin loads the plugin in dir. On success the plugin is LOADED; a
// failing on_load leaves it registered in ERROR.
func (m *Manager) LoadPlugin(ctx context.Context, dir string) error {
	mf, err := manifest.Load(dir)
	if err != nil {
		return err
	}
	return m.run(ctx, "load", mf.ID, func(ctx context.Context, o *op) error {
		return m.load(ctx, o, mf, dir)
	})
}

// LoadBuiltin loads a builtin plugin described by mf. Its factory must be
// registered first.
func (m *Manager) LoadBuiltin(ctx context.Context, mf *manifest.Manifest) error {
	if err := mf.Validate(); err != nil {
		return err
	}
	if mf.Type != manifest.TypeBuiltin {
		return oops.In("plugin").Code("MANIFEST_INVALID").With("plugin", mf.ID).
			Errorf("plugin %s has type %s, want builtin", mf.ID, mf.Type)
	}
	return m.run(ctx, "load", mf.ID, func(ctx context.Context, o *op) error {
		return m.load(ctx, o, mf, "")
	})
}

func (m *Manager) load(ctx context.Context, o *op, mf *manifest.Manifest, dir string) error {
	id := mf.ID
	if _, ok := m.get(id); ok {
		return oops.In("plugin").Code(CodeAlreadyLoaded).With("plugin", id).Wrapf(ErrAlreadyLoaded, "plugin %s", id)
	}
	if ok, err := mf.SupportsHost(m.hostVersion); err != nil || !ok {
		b := oops.In("plugin").Code(CodeEngineIncompatible).With("plugin", id).
			With("host", m.hostVersion).With("requires", mf.Engines.Host)
		if err != nil {
			return b.Wrap(err)
		}
		return b.Wrapf(ErrEngineIncompatible, "plugin %s requires host %s, running %s", id, mf.Engines.Host, m.hostVersion)
	}
	if err := m.addGraphNode(id, mf.DependencyIDs()); err != nil {
		return err
	}

	lp := &loadedPlugin{manifest: mf, dir: dir}
	m.mu.Lock()
	m.plugins[id] = lp
	m.mu.Unlock()
	m.setState(lp, StateLoading)

	if err := m.construct(ctx, lp); err != nil {
		m.teardown(lp)
		err = oops.In("plugin").Code(CodeLifecycleFailed).With("plugin", id).Wrapf(err, "load plugin %s", id)
		lifecycleFailures.WithLabelValues("load").Inc()
		errutil.LogError(m.logger, "plugin load failed", err)
		o.emit(pluginpkg.HookPluginError, map[string]any{
			"pluginId":  id,
			"operation": "load",
			"error":     err.Error(),
		})
		return err
	}
	if err := invokeHook(ctx, lp, "on_load", pluginpkg.Loader.OnLoad); err != nil {
		m.fail(ctx, o, lp, "load", err)
		return err
	}

	m.setState(lp, StateLoaded)
	m.logger.Info("plugin loaded", "plugin", id, "version", mf.Version, "type", string(mf.Type))
	o.emit(pluginpkg.HookPluginLoaded, map[string]any{"pluginId": id, "version": mf.Version})
	return nil
}

// construct builds the sandbox, context and instance of lp.
func (m *Manager) construct(ctx context.Context, lp *loadedPlugin) error {
	mf := lp.manifest
	opts := append([]sandbox.Option{
		sandbox.WithSandboxLogger(m.logger),
		sandbox.WithEnforcer(m.enforcer),
	}, m.sandboxOpts...)
	sb, err := sandbox.New(mf.ID, mf.Permissions, m.host, opts...)
	if err != nil {
		return err
	}
	lp.sandbox = sb

	storage, err := m.storage(mf.ID)
	if err != nil {
		return oops.In("plugin").With("plugin", mf.ID).Hint("open plugin storage").Wrap(err)
	}
	pc, err := pluginctx.New(pluginctx.Options{
		ID:          mf.ID,
		Version:     mf.Version,
		Permissions: mf.Permissions,
		Logger:      m.logger,
		Storage:     storage,
		Config:      pluginctx.NewConfig(mf.Configuration, m.savedConfig(mf.ID), m.configPersister(mf.ID)),
		Bus:         m.bus,
		Hooks:       m.hooks,
		API:         sb.API(),
	})
	if err != nil {
		return err
	}
	lp.ctx = pc

	inst, err := m.instantiate(ctx, lp)
	if err != nil {
		return err
	}
	lp.instance = inst
	return nil
}

func (m *Manager) instantiate(ctx context.Context, lp *loadedPlugin) (pluginpkg.Instance, error) {
	mf := lp.manifest
	switch mf.Type {
	case manifest.TypeLua:
		return m.instantiateLua(ctx, lp)
	case manifest.TypeBinary:
		if m.launcher == nil {
			return nil, oops.In("plugin").With("plugin", mf.ID).Wrap(ErrBinaryUnavailable)
		}
		inst, err := m.launcher.Launch(ctx, mf, lp.dir, lp.sandbox)
		if err != nil {
			return nil, err
		}
		return inst, nil
	case manifest.TypeBuiltin:
		m.mu.RLock()
		factory, ok := m.builtins[mf.ID]
		m.mu.RUnlock()
		if !ok {
			return nil, oops.In("plugin").With("plugin", mf.ID).Wrap(ErrBuiltinNotFound)
		}
		var inst pluginpkg.Instance
		err := lp.sandbox.Call(ctx, "construct", func(context.Context) error {
			var err error
			inst, err = factory(lp.ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		return inst, nil
	}
	return nil, oops.In("plugin").Code("MANIFEST_INVALID").With("plugin", mf.ID).Errorf("unsupported plugin type %q", mf.Type)
}

func (m *Manager) instantiateLua(ctx context.Context, lp *loadedPlugin) (pluginpkg.Instance, error) {
	mf := lp.manifest
	path, err := entryPath(lp.dir, mf.LuaPlugin.Entry)
	if err != nil {
		return nil, err
	}
	code, err := os.ReadFile(path) //nolint:gosec // path is confined to the plugin directory
	if err != nil {
		return nil, oops.In("plugin").With("plugin", mf.ID).With("entry", mf.LuaPlugin.Entry).Hint("read lua entry").Wrap(err)
	}

	mod, err := lp.sandbox.Execute(ctx, mf.ID+"/"+mf.LuaPlugin.Entry, string(code), map[string]any{"manifest": mf})
	if err != nil {
		return nil, err
	}
	var inst *lua.Instance
	err = lp.sandbox.Call(ctx, "construct", func(ctx context.Context) error {
		var err error
		inst, err = lua.NewInstance(ctx, mod, lp.ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// entryPath joins entry to dir and rejects paths that leave dir.
func entryPath(dir, entry string) (string, error) {
	path := filepath.Join(dir, entry)
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", oops.In("plugin").Code("MANIFEST_INVALID").With("entry", entry).
			Errorf("lua entry %q is outside the plugin directory", entry)
	}
	return path, nil
}

func (m *Manager) savedConfig(id string) map[string]any {
	if m.store == nil {
		return nil
	}
	if st, ok := m.store.PluginState(id); ok {
		return st.Config
	}
	return nil
}

func (m *Manager) configPersister(id string) pluginctx.ConfigPersister {
	return func(ctx context.Context, values map[string]any) error {
		if m.store == nil || !m.store.IsInstalled(id) {
			return nil
		}
		return m.store.UpdatePluginState(ctx, id, persistence.StateUpdate{Config: values})
	}
}

// persistState writes u for installed plugins. Failures are logged only.
func (m *Manager) persistState(ctx context.Context, id string, u persistence.StateUpdate) {
	if m.store == nil || !m.store.IsInstalled(id) {
		return
	}
	if err := m.store.UpdatePluginState(ctx, id, u); err != nil {
		errutil.LogError(m.logger, "persist plugin state", err)
	}
}

// addGraphNode adds id to the dependency graph unless its edges close a
// cycle.
func (m *Manager) addGraphNode(id string, deps []string) error {
	m.graph.AddNode(id, deps)
	if _, err := m.graph.LoadOrder(); err != nil {
		m.removeGraphNode(id)
		return oops.In("plugin").Code(CodeCyclicDependency).With("plugin", id).Wrapf(err, "load plugin %s", id)
	}
	return nil
}

// removeGraphNode removes id from the graph. A node other plugins still
// depend on stays behind as a placeholder. Placeholders nothing depends on
// any more are pruned.
func (m *Manager) removeGraphNode(id string) {
	deps := m.graph.Dependencies(id)
	if len(m.graph.Dependents(id)) > 0 {
		m.graph.AddNode(id, nil)
	} else {
		m.graph.RemoveNode(id)
	}
	for _, dep := range deps {
		if _, loaded := m.get(dep); !loaded && len(m.graph.Dependents(dep)) == 0 {
			m.graph.RemoveNode(dep)
		}
	}
}

// teardown releases everything lp holds and forgets it.
func (m *Manager) teardown(lp *loadedPlugin) {
	id := lp.id()
	if c, ok := lp.instance.(io.Closer); ok {
		if err := c.Close(); err != nil {
			m.logger.Warn("close plugin", "plugin", id, "error", err)
		}
	}
	if lp.sandbox != nil {
		lp.sandbox.Destroy()
	}
	if lp.ctx != nil {
		lp.ctx.Dispose()
	}
	m.hooks.RemovePluginHandlers(id)

	m.mu.Lock()
	delete(m.plugins, id)
	m.mu.Unlock()
	m.removeGraphNode(id)
	m.setState(lp, StateUnloaded)
}

// ActivatePlugin activates id after activating its dependencies. Activating
// an ACTIVE plugin does nothing. Missing or incompatible dependencies are
// reported without changing the plugin's state.
func (m *Manager) ActivatePlugin(ctx context.Context, id string) error {
	return m.run(ctx, "activate", id, func(ctx context.Context, o *op) error {
		return m.activate(ctx, o, id)
	})
}

func (m *Manager) activate(ctx context.Context, o *op, id string) error {
	lp, ok := m.get(id)
	if !ok {
		return notFound(id)
	}
	switch st := m.stateOf(lp); {
	case st == StateActive:
		return nil
	case !st.canActivate():
		return invalidState(id, "activate", st)
	}
	if cycles := m.graph.CheckCircularDependency(); len(cycles) > 0 {
		return oops.In("plugin").Code(CodeCyclicDependency).With("plugin", id).
			Wrapf(depgraph.ErrCyclicDependency, "%s", strings.Join(cycles, "; "))
	}
	if err := m.checkDependencies(lp); err != nil {
		return err
	}
	for _, dep := range lp.manifest.DependencyIDs() {
		if err := m.activate(ctx, o, dep); err != nil {
			return oops.In("plugin").With("plugin", id).With("dependency", dep).
				Wrapf(err, "activate dependency %s of %s", dep, id)
		}
	}

	m.setState(lp, StateInitializing)
	err := invokeHook(ctx, lp, "on_initialize", pluginpkg.Initializer.OnInitialize)
	if err == nil {
		err = invokeHook(ctx, lp, "on_activate", pluginpkg.Activator.OnActivate)
	}
	if err == nil {
		err = invokeHook(ctx, lp, "register_extensions", pluginpkg.ExtensionRegistrar.RegisterExtensions)
	}
	if err != nil {
		lp.ctx.EndActivation()
		m.fail(ctx, o, lp, "activate", err)
		return err
	}

	m.setState(lp, StateActive)
	now := time.Now()
	enabled := true
	m.persistState(ctx, id, persistence.StateUpdate{Enabled: &enabled, LastLoaded: &now})
	m.logger.Info("plugin activated", "plugin", id, "version", lp.manifest.Version)
	o.emit(pluginpkg.HookPluginActivated, map[string]any{"pluginId": id, "version": lp.manifest.Version})
	return nil
}

// checkDependencies verifies that every direct dependency of lp is loaded
// at a version its manifest accepts.
func (m *Manager) checkDependencies(lp *loadedPlugin) error {
	for _, dep := range lp.manifest.DependencyIDs() {
		d, ok := m.get(dep)
		if !ok {
			return oops.In("plugin").Code(CodeDependencyNotFound).With("plugin", lp.id()).With("dependency", dep).
				Wrapf(ErrDependencyNotFound, "plugin %s depends on %s, which is not loaded", lp.id(), dep)
		}
		ok, err := lp.manifest.SatisfiesDependency(dep, d.manifest.Version)
		if err != nil || !ok {
			b := oops.In("plugin").Code(CodeDependencyVersion).With("plugin", lp.id()).With("dependency", dep).
				With("required", lp.manifest.Dependencies[dep]).With("found", d.manifest.Version)
			if err != nil {
				return b.Wrap(err)
			}
			return b.Wrapf(ErrDependencyVersion, "plugin %s requires %s %s, found %s",
				lp.id(), dep, lp.manifest.Dependencies[dep], d.manifest.Version)
		}
	}
	return nil
}

// DeactivatePlugin deactivates id and records it as disabled. Plugins that
// are LOADED or INACTIVE are left alone. Deactivation is refused while an
// active plugin depends on id.
func (m *Manager) DeactivatePlugin(ctx context.Context, id string) error {
	return m.run(ctx, "deactivate", id, func(ctx context.Context, o *op) error {
		return m.deactivate(ctx, o, id, true)
	})
}

func (m *Manager) deactivate(ctx context.Context, o *op, id string, persist bool) error {
	lp, ok := m.get(id)
	if !ok {
		return notFound(id)
	}
	switch st := m.stateOf(lp); st {
	case StateActive:
	case StateLoaded, StateInactive:
		return nil
	default:
		return invalidState(id, "deactivate", st)
	}
	if active := m.activeDependents(id); len(active) > 0 {
		return oops.In("plugin").Code(CodeActiveDependents).With("plugin", id).With("dependents", active).
			Wrapf(ErrActiveDependents, "cannot deactivate %s while %s depend on it", id, strings.Join(active, ", "))
	}

	m.setState(lp, StateUnloading)
	err := invokeHook(ctx, lp, "on_deactivate", pluginpkg.Deactivator.OnDeactivate)
	lp.ctx.EndActivation()
	if err != nil {
		m.fail(ctx, o, lp, "deactivate", err)
		return err
	}

	m.setState(lp, StateInactive)
	if persist {
		enabled := false
		m.persistState(ctx, id, persistence.StateUpdate{Enabled: &enabled})
	}
	m.logger.Info("plugin deactivated", "plugin", id)
	o.emit(pluginpkg.HookPluginDeactivated, map[string]any{"pluginId": id})
	return nil
}

// activeDependents returns the loaded plugins depending on id that are
// active or activating.
func (m *Manager) activeDependents(id string) []string {
	var out []string
	for _, dep := range m.graph.Dependents(id) {
		lp, ok := m.get(dep)
		if !ok {
			continue
		}
		if st := m.stateOf(lp); st == StateActive || st == StateInitializing {
			out = append(out, dep)
		}
	}
	return out
}

// UnloadPlugin deactivates id if needed and unloads it. A failing on_unload
// is reported but the plugin is unloaded regardless.
func (m *Manager) UnloadPlugin(ctx context.Context, id string) error {
	return m.run(ctx, "unload", id, func(ctx context.Context, o *op) error {
		return m.unload(ctx, o, id)
	})
}

func (m *Manager) unload(ctx context.Context, o *op, id string) error {
	lp, ok := m.get(id)
	if !ok {
		return notFound(id)
	}
	if m.stateOf(lp) == StateActive {
		if err := m.deactivate(ctx, o, id, false); errors.Is(err, ErrActiveDependents) {
			return err
		}
	}

	m.setState(lp, StateUnloading)
	err := invokeHook(ctx, lp, "on_unload", pluginpkg.Unloader.OnUnload)
	if err != nil {
		m.fail(ctx, o, lp, "unload", err)
	}
	m.teardown(lp)
	m.logger.Info("plugin unloaded", "plugin", id)
	o.emit(pluginpkg.HookPluginUnloaded, map[string]any{"pluginId": id, "version": lp.manifest.Version})
	return err
}

// ActivatePlugins activates ids in dependency order. Failures are logged
// and do not stop the batch; they are returned joined.
func (m *Manager) ActivatePlugins(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range m.ordered(ids) {
		if err := m.ActivatePlugin(ctx, id); err != nil {
			m.logger.Warn("batch activation failed", "plugin", id, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeactivatePlugins deactivates ids in reverse dependency order.
func (m *Manager) DeactivatePlugins(ctx context.Context, ids []string) error {
	order := m.ordered(ids)
	slices.Reverse(order)
	var errs []error
	for _, id := range order {
		if err := m.DeactivatePlugin(ctx, id); err != nil {
			m.logger.Warn("batch deactivation failed", "plugin", id, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ordered sorts ids by the graph's load order. Ids the graph does not know
// come last, sorted.
func (m *Manager) ordered(ids []string) []string {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	order, err := m.graph.LoadOrder()
	if err != nil {
		m.logger.Warn("dependency graph has a cycle", "error", err)
		order = nil
	}
	out := make([]string, 0, len(want))
	for _, id := range order {
		if want[id] {
			out = append(out, id)
			delete(want, id)
		}
	}
	rest := make([]string, 0, len(want))
	for id := range want {
		rest = append(rest, id)
	}
	slices.Sort(rest)
	return append(out, rest...)
}

// Close deactivates and unloads every plugin, dependents first. The
// persisted enabled flags are left untouched. Later operations fail with
// ErrManagerClosed.
func (m *Manager) Close(ctx context.Context) error {
	if m.isClosed() {
		return nil
	}
	err := m.run(ctx, "close", "", func(ctx context.Context, o *op) error {
		order := m.ordered(m.ids())
		slices.Reverse(order)

		var errs []error
		for _, id := range order {
			if st, ok := m.State(id); ok && st == StateActive {
				if err := m.deactivate(ctx, o, id, false); err != nil {
					errs = append(errs, err)
				}
			}
		}
		for _, id := range order {
			if _, ok := m.get(id); ok {
				if err := m.unload(ctx, o, id); err != nil {
					errs = append(errs, err)
				}
			}
		}

		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		return errors.Join(errs...)
	})
	if m.launcher != nil {
		m.launcher.Close()
	}
	return err
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// State returns the lifecycle state of id.
func (m *Manager) State(id string) (State, bool) {
	lp, ok := m.get(id)
	if !ok {
		return StateUnloaded, false
	}
	return m.stateOf(lp), true
}

// Plugin returns a snapshot of id.
func (m *Manager) Plugin(id string) (Info, bool) {
	lp, ok := m.get(id)
	if !ok {
		return Info{}, false
	}
	return m.info(lp), true
}

// Plugins returns a snapshot of every loaded plugin, sorted by id.
func (m *Manager) Plugins() []Info {
	out := make([]Info, 0)
	for _, id := range m.ids() {
		if lp, ok := m.get(id); ok {
			out = append(out, m.info(lp))
		}
	}
	return out
}

func (m *Manager) info(lp *loadedPlugin) Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Info{
		ID:          lp.manifest.ID,
		Name:        lp.manifest.Name,
		Version:     lp.manifest.Version,
		Type:        lp.manifest.Type,
		Dir:         lp.dir,
		State:       lp.state,
		Err:         lp.lastErr,
		Permissions: slices.Clone(lp.manifest.Permissions),
	}
}

// ActivePlugins returns the ids of ACTIVE plugins, sorted.
func (m *Manager) ActivePlugins() []string {
	var out []string
	for _, info := range m.Plugins() {
		if info.State == StateActive {
			out = append(out, info.ID)
		}
	}
	return out
}

// Dependencies returns the direct dependencies recorded for id.
func (m *Manager) Dependencies(id string) []string { return m.graph.Dependencies(id) }

// Dependents returns the plugins that directly depend on id.
func (m *Manager) Dependents(id string) []string { return m.graph.Dependents(id) }

// LoadOrder returns the loaded plugins in dependency order.
func (m *Manager) LoadOrder() ([]string, error) {
	order, err := m.graph.LoadOrder()
	if err != nil {
		return nil, oops.In("plugin").Code(CodeCyclicDependency).Wrap(err)
	}
	return slices.DeleteFunc(order, func(id string) bool {
		_, ok := m.get(id)
		return !ok
	}), nil
}

// Usage returns the resource usage sampled for id.
func (m *Manager) Usage(id string) (sandbox.Usage, bool) {
	lp, ok := m.get(id)
	if !ok || lp.sandbox == nil {
		return sandbox.Usage{}, false
	}
	return lp.sandbox.Monitor().Usage(), true
}
