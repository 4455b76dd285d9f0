// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package logging builds the runtime's slog loggers. Records carry the
// service name, its version and, when the context holds a span, the
// OpenTelemetry trace and span ids.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel/trace"
)

// Supported formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// PluginKey is the attribute naming the plugin a record belongs to.
const PluginKey = "plugin"

// traceHandler decorates records with service identity and trace context.
type traceHandler struct {
	handler slog.Handler
	service string
	version string
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(
		slog.String("service", h.service),
		slog.String("version", h.version),
	)

	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.HasTraceID() {
		r.AddAttrs(slog.String("trace_id", spanCtx.TraceID().String()))
	}
	if spanCtx.HasSpanID() {
		r.AddAttrs(slog.String("span_id", spanCtx.SpanID().String()))
	}

	//nolint:wrapcheck // Handler interface requires unwrapped error passthrough
	return h.handler.Handle(ctx, r)
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{handler: h.handler.WithAttrs(attrs), service: h.service, version: h.version}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{handler: h.handler.WithGroup(name), service: h.service, version: h.version}
}

type settings struct {
	level slog.Leveler
}

// Option adjusts Setup.
type Option func(*settings)

// WithLevel sets the minimum level. The default is info.
func WithLevel(l slog.Leveler) Option {
	return func(s *settings) { s.level = l }
}

// ValidateFormat reports whether format names a supported handler.
// The empty string selects JSON.
func ValidateFormat(format string) error {
	switch format {
	case "", FormatJSON, FormatText:
		return nil
	default:
		return oops.In("logging").Code("CONFIG_INVALID").With("format", format).
			Errorf("log format must be %q or %q", FormatJSON, FormatText)
	}
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, oops.In("logging").Code("CONFIG_INVALID").With("level", s).Wrap(err)
	}
	return l, nil
}

// Setup creates a logger writing format ("json" or "text") to w.
// A nil w writes to os.Stderr. Unknown formats fall back to JSON.
func Setup(service, version, format string, w io.Writer, opts ...Option) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	s := settings{level: slog.LevelInfo}
	for _, opt := range opts {
		opt(&s)
	}

	handlerOpts := &slog.HandlerOptions{Level: s.level}
	var base slog.Handler
	if format == FormatText {
		base = slog.NewTextHandler(w, handlerOpts)
	} else {
		base = slog.NewJSONHandler(w, handlerOpts)
	}

	return slog.New(&traceHandler{handler: base, service: service, version: version})
}

// SetDefault installs a Setup logger as the slog default and returns it.
func SetDefault(service, version, format string, opts ...Option) *slog.Logger {
	logger := Setup(service, version, format, nil, opts...)
	slog.SetDefault(logger)
	return logger
}

// ForPlugin scopes logger to plugin id.
func ForPlugin(logger *slog.Logger, id string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(PluginKey, id)
}
