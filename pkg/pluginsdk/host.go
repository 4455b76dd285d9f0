// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package pluginsdk

import (
	"context"
	"encoding/base64"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Host is the plugin-side handle to the host API. Every call is a message
// the host checks against the plugin's permissions before executing.
type Host struct {
	cc grpc.ClientConnInterface
}

// NewHost wraps a connection to the host service.
func NewHost(cc grpc.ClientConnInterface) *Host {
	return &Host{cc: cc}
}

// Invoke calls the host API method at path, e.g. "data.fs.read.readFile".
// The result uses the JSON value model.
func (h *Host) Invoke(ctx context.Context, path string, args map[string]any) (any, error) {
	req, err := structpb.NewStruct(map[string]any{FieldPath: path, FieldArgs: args})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := h.cc.Invoke(ctx, invokeMethod, req, resp); err != nil {
		return nil, err
	}
	return resp.AsMap()[FieldResult], nil
}

// ReadFile reads a workspace file.
func (h *Host) ReadFile(ctx context.Context, path string) ([]byte, error) {
	v, err := h.Invoke(ctx, "data.fs.read.readFile", map[string]any{"path": path, "encoding": "base64"})
	if err != nil {
		return nil, err
	}
	s, _ := v.(string)
	return base64.StdEncoding.DecodeString(s)
}

// WriteFile writes a workspace file.
func (h *Host) WriteFile(ctx context.Context, path string, data []byte) error {
	_, err := h.Invoke(ctx, "data.fs.write.writeFile", map[string]any{
		"path":     path,
		"content":  base64.StdEncoding.EncodeToString(data),
		"encoding": "base64",
	})
	return err
}

// Notify shows a notification at level info, warning or error.
func (h *Host) Notify(ctx context.Context, level, message string) error {
	_, err := h.Invoke(ctx, "ui.notification.notify", map[string]any{"level": level, "message": message})
	return err
}
