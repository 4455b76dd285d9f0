// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package goplugin

import (
	"context"
	"errors"

	hashiplug "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"

	"github.com/memorynote/pluginrt/pkg/pluginsdk"
)

// HandshakeConfig is imported from pluginsdk to ensure host and plugins
// use identical configuration. Do not define locally to prevent drift.
var HandshakeConfig = pluginsdk.HandshakeConfig

// PluginMap is the map of plugins we can dispense.
var PluginMap = map[string]hashiplug.Plugin{
	pluginsdk.PluginName: &GRPCPlugin{},
}

// Broker serves host services to the plugin process.
type Broker interface {
	NextId() uint32 //nolint:revive // matches go-plugin's GRPCBroker
	AcceptAndServe(id uint32, newServer func([]grpc.ServerOption) *grpc.Server)
}

// LifecycleCaller sends lifecycle calls to the plugin process.
type LifecycleCaller interface {
	Call(ctx context.Context, method string, args map[string]any) error
}

// Conn is what the host dispenses from a plugin process.
type Conn struct {
	Plugin LifecycleCaller
	Broker Broker
}

// GRPCPlugin implements go-plugin's Plugin interface on the host side.
type GRPCPlugin struct {
	hashiplug.NetRPCUnsupportedPlugin
}

// GRPCServer is never used by the host.
func (p *GRPCPlugin) GRPCServer(*hashiplug.GRPCBroker, *grpc.Server) error {
	return errors.New("goplugin: the host does not serve plugins")
}

// GRPCClient returns the connection to a plugin process.
func (p *GRPCPlugin) GRPCClient(_ context.Context, broker *hashiplug.GRPCBroker, c *grpc.ClientConn) (any, error) {
	return &Conn{Plugin: pluginsdk.NewPluginClient(c), Broker: broker}, nil
}
