// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/memorynote/pluginrt/internal/config"
)

// globalOptions are flags shared by every subcommand.
type globalOptions struct {
	configFile string
}

// load resolves the configuration for cmd from defaults, the config file
// and the flags set on the command line.
func (o *globalOptions) load(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(o.configFile, cmd.Flags())
}

// NewRootCmd creates the root command for the pluginrt CLI.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "pluginrt",
		Short: "pluginrt - the MemoryNote plugin runtime",
		Long: `pluginrt loads, sandboxes and manages MemoryNote plugins.

Plugins are Lua scripts, out-of-process binaries or builtins. Each runs
against a host API narrowed to the permissions its manifest declares,
under per-plugin resource limits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/pluginrt/config.yaml)")
	config.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		NewRunCmd(opts),
		NewListCmd(opts),
		NewInstallCmd(opts),
		NewUpdateCmd(opts),
		NewUninstallCmd(opts),
		NewEnableCmd(opts),
		NewDisableCmd(opts),
		NewValidateCmd(),
		NewMigrateCmd(opts),
	)

	return cmd
}
