// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package main

import (
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/memorynote/pluginrt/internal/config"
	"github.com/memorynote/pluginrt/internal/plugin/persistence"
)

// Migrator wraps the methods used by migrate from persistence.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Version() (uint, bool, error)
	Force(version int) error
	PendingMigrations() ([]uint, error)
	Close() error
}

// migratorFactory is replaced in tests.
var migratorFactory = func(url string) (Migrator, error) {
	return persistence.NewMigrator(url)
}

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL plugin state schema",
		Long: `Apply or inspect the schema used by the postgres persistence backend.
The database URL comes from persistence.database_url, --database-url or
DATABASE_URL.`,
	}
	cmd.AddCommand(
		newMigrateSubCmd(opts, "up", "Apply every pending migration", cobra.NoArgs, func(cmd *cobra.Command, m Migrator, _ []string) error {
			if err := m.Up(); err != nil {
				return err
			}
			cmd.Println("Migrations completed successfully")
			return nil
		}),
		newMigrateSubCmd(opts, "down", "Drop the plugin state schema", cobra.NoArgs, func(cmd *cobra.Command, m Migrator, _ []string) error {
			if err := m.Down(); err != nil {
				return err
			}
			cmd.Println("Schema dropped")
			return nil
		}),
		newMigrateSubCmd(opts, "status", "Show the applied and pending migrations", cobra.NoArgs, runMigrateStatus),
		newMigrateSubCmd(opts, "force <version>", "Mark a version as applied after manual repair", cobra.ExactArgs(1), func(cmd *cobra.Command, m Migrator, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return oops.In("cli").Code("INVALID_VERSION").With("version", args[0]).Wrap(err)
			}
			if err := m.Force(v); err != nil {
				return err
			}
			cmd.Printf("Forced schema version %d\n", v)
			return nil
		}),
	)
	return cmd
}

func newMigrateSubCmd(opts *globalOptions, use, short string, args cobra.PositionalArgs, fn func(*cobra.Command, Migrator, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			url := cfg.Persistence.DatabaseURL
			if url == "" {
				return oops.In("cli").Code("CONFIG_INVALID").
					Hint("set persistence.database_url, --database-url or " + config.DatabaseURLEnv).
					Errorf("a database URL is required")
			}
			m, err := migratorFactory(url)
			if err != nil {
				return oops.In("cli").Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
			}
			defer func() { _ = m.Close() }()
			return fn(cmd, m, args)
		},
	}
}

func runMigrateStatus(cmd *cobra.Command, m Migrator, _ []string) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	pending, err := m.PendingMigrations()
	if err != nil {
		return err
	}

	state := styles.ok.Render("clean")
	if dirty {
		state = styles.err.Render("dirty")
	}
	cmd.Printf("Current version: %d (%s)\n", version, state)
	if len(pending) == 0 {
		cmd.Println("No pending migrations")
		return nil
	}
	cmd.Println("Pending migrations:")
	for _, v := range pending {
		name, err := persistence.MigrationName(v)
		if err != nil {
			return err
		}
		cmd.Println("  " + name)
	}
	return nil
}
