// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package errutil bridges oops errors to logging, the CLI and tests.
package errutil

import (
	"fmt"
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs err at error level. Oops errors contribute their domain,
// code, context and hint as attributes; other errors log their text.
func LogError(logger *slog.Logger, msg string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		logger.Error(msg, "error", err)
		return
	}

	attrs := []any{"error", oopsErr.Error()}
	if domain := oopsErr.Domain(); domain != "" {
		attrs = append(attrs, "domain", domain)
	}
	if code := CodeOf(err); code != "" {
		attrs = append(attrs, "code", code)
	}
	if ctx := oopsErr.Context(); len(ctx) > 0 {
		attrs = append(attrs, "context", ctx)
	}
	if hint := oopsErr.Hint(); hint != "" {
		attrs = append(attrs, "hint", hint)
	}
	logger.Error(msg, attrs...)
}

// CodeOf returns the oops code carried by err, or "" when it has none.
func CodeOf(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code := oopsErr.Code()
	if code == nil {
		return ""
	}
	return fmt.Sprint(code)
}

// Describe renders err for a terminal: "[CODE] message" plus the hint on
// its own line when one is set.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if code := CodeOf(err); code != "" {
		s = "[" + code + "] " + s
	}
	if oopsErr, ok := oops.AsOops(err); ok && oopsErr.Hint() != "" {
		s += "\nhint: " + oopsErr.Hint()
	}
	return s
}
