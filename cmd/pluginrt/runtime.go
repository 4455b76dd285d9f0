// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/internal/builtin/wordcount"
	"github.com/memorynote/pluginrt/internal/config"
	"github.com/memorynote/pluginrt/internal/hostapi"
	"github.com/memorynote/pluginrt/internal/plugin"
	"github.com/memorynote/pluginrt/internal/plugin/goplugin"
	"github.com/memorynote/pluginrt/internal/plugin/manifest"
	"github.com/memorynote/pluginrt/internal/plugin/persistence"
	"github.com/memorynote/pluginrt/internal/plugin/pluginctx"
	"github.com/memorynote/pluginrt/internal/plugin/sandbox"
	"github.com/memorynote/pluginrt/internal/xdg"
	pluginpkg "github.com/memorynote/pluginrt/pkg/plugin"
)

// builtin is a plugin compiled into the runtime.
type builtin struct {
	manifest *manifest.Manifest
	factory  pluginpkg.Factory
}

// builtins are loaded and activated by `pluginrt run`.
var builtins = []builtin{
	{manifest: wordcount.Manifest(), factory: wordcount.New},
}

// runtime is a fully wired plugin manager and its collaborators.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	host    *hostapi.Host
	store   *persistence.Store
	manager *plugin.Manager

	closers []func() error
}

// openRuntime wires the manager described by cfg. The caller must Close it.
func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = rt.closeResources()
		}
	}()

	if err := xdg.EnsureDir(cfg.DataDir); err != nil {
		return nil, oops.In("cli").Code("CONFIG_INVALID").With("data_dir", cfg.DataDir).Wrap(err)
	}

	backend, err := rt.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	rt.store, err = persistence.Open(ctx, backend, persistence.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	storage, err := rt.storageFactory(ctx)
	if err != nil {
		return nil, err
	}

	rt.host = hostapi.New(hostapi.Options{Workspace: cfg.WorkspaceDir, Logger: logger})
	rt.closers = append(rt.closers, rt.host.Close)

	opts := []plugin.Option{
		plugin.WithHostAPI(rt.host.API()),
		plugin.WithHostVersion(cfg.HostVersion),
		plugin.WithStore(rt.store),
		plugin.WithStorageFactory(storage),
		plugin.WithInstallDir(cfg.PluginsDir),
		plugin.WithLogger(logger),
		plugin.WithSandboxOptions(
			sandbox.WithSandboxLimits(cfg.Limits),
			sandbox.WithExecutionTimeout(cfg.ExecutionTimeout),
		),
	}
	if cfg.EnableBinary {
		opts = append(opts, plugin.WithLauncher(goplugin.NewLauncher(goplugin.WithLogger(logger))))
	}
	for _, b := range builtins {
		opts = append(opts, plugin.WithBuiltin(b.manifest.ID, b.factory))
	}
	rt.manager = plugin.NewManager(opts...)
	return rt, nil
}

func (rt *runtime) openBackend(ctx context.Context) (persistence.Backend, error) {
	switch rt.cfg.Persistence.Backend {
	case config.PersistencePostgres:
		pg, err := persistence.OpenPostgres(ctx, rt.cfg.Persistence.DatabaseURL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() error { pg.Close(); return nil })
		return pg, nil
	default:
		return persistence.NewFileBackend(rt.cfg.StatePath()), nil
	}
}

func (rt *runtime) storageFactory(ctx context.Context) (pluginctx.StorageFactory, error) {
	switch rt.cfg.Storage.Backend {
	case config.StorageMemory:
		return pluginctx.MemoryStorageFactory(), nil
	case config.StorageRedis:
		client := redis.NewClient(&redis.Options{Addr: rt.cfg.Storage.RedisAddr})
		rt.closers = append(rt.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, oops.In("cli").Code("STORAGE_UNAVAILABLE").With("addr", rt.cfg.Storage.RedisAddr).
				Hint("check storage.redis_addr").Wrap(err)
		}
		return pluginctx.RedisStorageFactory(client), nil
	default:
		return pluginctx.FileStorageFactory(rt.cfg.StorageDir()), nil
	}
}

// loadBuiltins loads and activates every builtin plugin.
func (rt *runtime) loadBuiltins(ctx context.Context) error {
	var errs []error
	for _, b := range builtins {
		if err := rt.manager.LoadBuiltin(ctx, b.manifest); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := rt.manager.ActivatePlugin(ctx, b.manifest.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close shuts the manager down and releases every backend.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.manager != nil {
		errs = append(errs, rt.manager.Close(ctx))
	}
	errs = append(errs, rt.closeResources())
	return errors.Join(errs...)
}

func (rt *runtime) closeResources() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
