// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package main

import (
	"context"
	"errors"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/memorynote/pluginrt/internal/plugin/manifest"
)

// withRuntime opens a runtime for a one-shot command and closes it after fn.
func withRuntime(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := opts.load(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	runErr := fn(ctx, rt)
	if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("error during plugin shutdown", "error", err)
	}
	return runErr
}

// NewListCmd creates the list subcommand.
func NewListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, opts, func(_ context.Context, rt *runtime) error {
				records := rt.store.InstalledPlugins()
				if len(records) == 0 {
					cmd.Println(styles.muted.Render("no plugins installed"))
					return nil
				}
				rows := make([][]string, 0, len(records))
				for _, rec := range records {
					kind := ""
					if rec.Manifest != nil {
						kind = string(rec.Manifest.Type)
					}
					rows = append(rows, []string{rec.ID, rec.Version, kind, yesNo(rec.Enabled), yesNo(rec.AutoLoad), rec.InstallPath})
				}
				cmd.Println(renderTable([]string{"ID", "VERSION", "TYPE", "ENABLED", "AUTOLOAD", "PATH"}, rows))
				return nil
			})
		},
	}
}

// NewInstallCmd creates the install subcommand.
func NewInstallCmd(opts *globalOptions) *cobra.Command {
	var enable bool
	cmd := &cobra.Command{
		Use:   "install <dir>",
		Short: "Install the plugin in a directory",
		Long: `Validate the plugin in <dir>, copy it into the plugins directory and
record its installation. New installations start disabled unless
--enable is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				if err := rt.manager.InstallPlugin(ctx, args[0]); err != nil {
					return err
				}
				id := installedID(rt, args[0])
				if enable && id != "" {
					if err := rt.manager.EnablePlugin(ctx, id); err != nil {
						return err
					}
				}
				cmd.Println(styles.ok.Render("installed"), id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&enable, "enable", false, "enable the plugin after installing it")
	return cmd
}

// NewUpdateCmd creates the update subcommand.
func NewUpdateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update <dir>",
		Short: "Replace an installed plugin with a newer version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				id := installedID(rt, args[0])
				rec, ok := rt.store.InstallRecord(id)
				if id == "" || !ok {
					return oops.In("cli").Code("PLUGIN_NOT_FOUND").With("path", args[0]).
						Hint("install the plugin first").Errorf("plugin in %s is not installed", args[0])
				}
				if err := rt.manager.LoadPlugin(ctx, rec.InstallPath); err != nil {
					return err
				}
				if err := rt.manager.UpdatePlugin(ctx, args[0]); err != nil {
					return err
				}
				cmd.Println(styles.ok.Render("updated"), id)
				return nil
			})
		},
	}
}

// NewUninstallCmd creates the uninstall subcommand.
func NewUninstallCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <id>",
		Short: "Uninstall a plugin and remove its copied files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				if err := rt.manager.UninstallPlugin(ctx, args[0]); err != nil {
					return err
				}
				cmd.Println(styles.ok.Render("uninstalled"), args[0])
				return nil
			})
		},
	}
}

// NewEnableCmd creates the enable subcommand.
func NewEnableCmd(opts *globalOptions) *cobra.Command {
	return newToggleCmd(opts, "enable", "Mark a plugin to be activated on the next run", true)
}

// NewDisableCmd creates the disable subcommand.
func NewDisableCmd(opts *globalOptions) *cobra.Command {
	return newToggleCmd(opts, "disable", "Stop a plugin from being activated on the next run", false)
}

func newToggleCmd(opts *globalOptions, name, short string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				var errs []error
				for _, id := range args {
					var err error
					if enable {
						err = rt.manager.EnablePlugin(ctx, id)
					} else {
						err = rt.manager.DisablePlugin(ctx, id)
					}
					if err != nil {
						errs = append(errs, err)
						continue
					}
					cmd.Println(styles.ok.Render(name+"d"), id)
				}
				return errors.Join(errs...)
			})
		},
	}
}

// installedID returns the id of the installed plugin whose manifest lives
// in dir, or "" when there is none.
func installedID(rt *runtime, dir string) string {
	mf, err := manifest.Load(dir)
	if err != nil {
		rt.logger.Debug("read manifest", "path", dir, "error", err)
		return ""
	}
	if !rt.store.IsInstalled(mf.ID) {
		return ""
	}
	return mf.ID
}
