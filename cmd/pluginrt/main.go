// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Command pluginrt runs and manages MemoryNote plugins.
package main

import (
	"fmt"
	"os"

	"github.com/memorynote/pluginrt/pkg/errutil"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cmd := NewRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.err.Render("error:"), errutil.Describe(err))
		os.Exit(1)
	}
}
