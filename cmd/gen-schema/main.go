// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Command gen-schema writes the plugin manifest JSON Schema.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/memorynote/pluginrt/internal/plugin/manifest"
	"github.com/memorynote/pluginrt/internal/xdg"
)

func main() {
	fs := pflag.NewFlagSet("gen-schema", pflag.ExitOnError)
	out := fs.StringP("output", "o", filepath.Join("schemas", "plugin.schema.json"), "schema file to write")
	_ = fs.Parse(os.Args[1:])

	if err := generate(*out); err != nil {
		fmt.Fprintf(os.Stderr, "gen-schema: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated %s\n", *out)
}

// generate writes the manifest schema to outPath, creating its directory.
func generate(outPath string) error {
	schema, err := manifest.GenerateSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	if err := xdg.WriteFileAtomic(outPath, schema, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	return nil
}
