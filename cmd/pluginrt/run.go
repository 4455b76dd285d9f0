// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/memorynote/pluginrt/internal/config"
	"github.com/memorynote/pluginrt/internal/logging"
	"github.com/memorynote/pluginrt/internal/observability"
	"github.com/memorynote/pluginrt/internal/plugin"
	"github.com/memorynote/pluginrt/internal/plugin/hook"
	"github.com/memorynote/pluginrt/internal/plugin/pluginctx"
	"github.com/memorynote/pluginrt/internal/plugin/sandbox"
	pluginpkg "github.com/memorynote/pluginrt/pkg/plugin"
)

const serviceName = "pluginrt"

// shutdownTimeout bounds plugin teardown and server stop on exit.
const shutdownTimeout = 30 * time.Second

// NewRunCmd creates the run subcommand.
func NewRunCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Load enabled plugins and serve until interrupted",
		Long: `Load every installed plugin marked for auto-load, activate the enabled
ones and the builtins, then wait for SIGINT or SIGTERM. On shutdown every
plugin is deactivated and unloaded in reverse dependency order.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return runWithDeps(cmd.Context(), cfg, cmd.ErrOrStderr(), nil)
		},
	}
}

// newLogger builds the process logger from cfg and installs it as default.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.Setup(serviceName, version, cfg.LogFormat, w, logging.WithLevel(level))
	slog.SetDefault(logger)
	return logger, nil
}

func metricsRegistrars() []observability.Registrar {
	return []observability.Registrar{
		plugin.RegisterMetrics,
		hook.RegisterMetrics,
		sandbox.RegisterMetrics,
		pluginctx.RegisterMetrics,
	}
}

func runWithDeps(ctx context.Context, cfg *config.Config, logw io.Writer, deps *RunDeps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	deps = deps.withDefaults()

	logger, err := newLogger(cfg, logw)
	if err != nil {
		return err
	}

	rt, err := deps.RuntimeOpener(ctx, cfg, logger)
	if err != nil {
		return oops.In("cli").With("operation", "open runtime").Wrap(err)
	}

	var ready atomic.Bool
	var obs ObservabilityServer
	var obsErr <-chan error
	if cfg.MetricsAddr != "" {
		obs = deps.ObservabilityServerFactory(cfg.MetricsAddr, ready.Load, metricsRegistrars()...)
		obs.SetBuildInfo(version, cfg.HostVersion)
		obsErr, err = obs.Start()
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = rt.Close(closeCtx)
			return oops.In("cli").Code("OBSERVABILITY_START_FAILED").With("addr", cfg.MetricsAddr).Wrap(err)
		}
		logger.Info("observability server started", "addr", cfg.MetricsAddr)
	}

	hooks := rt.manager.Hooks()
	hooks.Emit(ctx, pluginpkg.HookAppStarting, nil, serviceName)

	if err := rt.manager.AutoLoad(ctx); err != nil {
		logger.Warn("some plugins failed to load", "error", err)
	}
	if err := rt.loadBuiltins(ctx); err != nil {
		logger.Warn("some builtin plugins failed to start", "error", err)
	}

	hooks.Emit(ctx, pluginpkg.HookAppReady, nil, serviceName)
	ready.Store(true)
	logger.Info("plugin runtime ready", "active", rt.manager.ActivePlugins())

	sigCh, stop := deps.SignalNotifier()
	defer stop()

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err, ok := <-obsErr:
		if ok && err != nil {
			logger.Error("observability server failed", "error", err)
			runErr = oops.In("cli").Code("OBSERVABILITY_FAILED").Wrap(err)
		}
	case <-ctx.Done():
	}
	ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	hooks.Emit(shutdownCtx, pluginpkg.HookAppClosing, nil, serviceName)
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Warn("error during plugin shutdown", "error", err)
	}
	if obs != nil {
		if err := obs.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	logger.Info("plugin runtime stopped")
	return runErr
}
