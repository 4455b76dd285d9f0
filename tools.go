// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

//go:build tools

// Package main pins test tooling that is only imported from build-tagged
// suites, so `go mod tidy` keeps it in go.mod.
package main

import (
	_ "github.com/onsi/ginkgo/v2"
	_ "github.com/onsi/gomega"
	_ "github.com/testcontainers/testcontainers-go/modules/postgres"
)
