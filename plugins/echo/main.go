// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package main implements the echo binary plugin. It announces each
// lifecycle transition through the host's notification API.
//
// Build with:
//
//	go build -o plugins/echo/echo-plugin ./plugins/echo
package main

import (
	"context"
	"fmt"

	"github.com/memorynote/pluginrt/pkg/plugin"
	"github.com/memorynote/pluginrt/pkg/pluginsdk"
)

type echo struct {
	plugin.Base
	host *pluginsdk.Host
	info pluginsdk.Info
}

func (e *echo) announce(ctx context.Context, what string) error {
	return e.host.Notify(ctx, plugin.NotifyInfo, fmt.Sprintf("%s %s (%s)", e.info.ID, what, e.info.Version))
}

func (e *echo) OnActivate(ctx context.Context) error   { return e.announce(ctx, "activated") }
func (e *echo) OnDeactivate(ctx context.Context) error { return e.announce(ctx, "deactivated") }

func (e *echo) OnUpdate(ctx context.Context, oldVersion, newVersion string) error {
	return e.announce(ctx, "updated from "+oldVersion+" to "+newVersion)
}

func main() {
	pluginsdk.Serve(&pluginsdk.ServeConfig{
		New: func(host *pluginsdk.Host, info pluginsdk.Info) (plugin.Instance, error) {
			return &echo{host: host, info: info}, nil
		},
	})
}
