// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package main

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/memorynote/pluginrt/internal/plugin/manifest"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>...",
		Short: "Validate plugin manifests",
		Long: `Check the manifest in each plugin directory against the manifest JSON
Schema and the runtime's own rules, including engines.host against
--host-version.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hostVersion, err := cmd.Flags().GetString("host-version")
			if err != nil {
				return oops.In("cli").Wrap(err)
			}
			var errs []error
			for _, dir := range args {
				if err := validateDir(dir, hostVersion); err != nil {
					cmd.Println(styles.err.Render("FAIL"), dir)
					cmd.Println("  " + manifest.FormatSchemaError(err))
					errs = append(errs, err)
					continue
				}
				cmd.Println(styles.ok.Render("ok"), dir)
			}
			if len(errs) > 0 {
				return oops.In("cli").Code("MANIFEST_INVALID").With("failed", len(errs)).
					Errorf("%d of %d manifests invalid", len(errs), len(args))
			}
			return nil
		},
	}
}

func validateDir(dir, hostVersion string) error {
	path, err := manifest.Find(dir)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return oops.In("cli").With("path", path).Wrap(err)
	}
	if err := manifest.ValidateSchema(data); err != nil {
		return err
	}
	mf, err := manifest.Parse(data)
	if err != nil {
		return err
	}
	if hostVersion == "" {
		return nil
	}
	ok, err := mf.SupportsHost(hostVersion)
	if err != nil {
		return err
	}
	if !ok {
		return oops.In("cli").Code("HOST_INCOMPATIBLE").With("engines.host", mf.Engines.Host).
			Errorf("engines.host %s does not match host version %s", mf.Engines.Host, hostVersion)
	}
	return nil
}
