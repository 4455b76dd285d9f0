// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package pluginsdk provides the SDK for building out-of-process plugins.
//
// A binary plugin runs as its own process and talks to the runtime over
// gRPC using the HashiCorp go-plugin framework. The runtime drives the
// plugin's lifecycle; the plugin reaches the host API only through Host,
// whose calls are permission checked by the runtime.
//
// Example usage:
//
//	type Echo struct {
//		plugin.Base
//		host *pluginsdk.Host
//	}
//
//	func (e *Echo) OnActivate(ctx context.Context) error {
//		return e.host.Notify(ctx, "info", "echo activated")
//	}
//
//	func main() {
//		pluginsdk.Serve(&pluginsdk.ServeConfig{
//			New: func(host *pluginsdk.Host, _ pluginsdk.Info) (plugin.Instance, error) {
//				return &Echo{host: host}, nil
//			},
//		})
//	}
package pluginsdk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	hashiplug "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

// PluginName is the name plugins are dispensed under.
const PluginName = "plugin"

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and plugins must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGINRT_PLUGIN",
	MagicCookieValue: "pluginrt-v1",
}

// Info identifies the plugin instance being started.
type Info struct {
	ID      string
	Version string
}

// Factory builds the plugin instance once the host connection is up. The
// instance may implement any of the lifecycle interfaces in pkg/plugin.
type Factory func(host *Host, info Info) (plugin.Instance, error)

// ServeConfig configures the plugin server.
type ServeConfig struct {
	// New is required; Serve panics if nil.
	New Factory
}

// Serve starts the plugin server. This should be called from main().
// It blocks and never returns under normal operation.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("pluginsdk: config cannot be nil")
	}
	if config.New == nil {
		panic("pluginsdk: config.New cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			PluginName: &grpcPlugin{factory: config.New},
		},
		GRPCServer: hashiplug.DefaultGRPCServer,
	})
}

// grpcPlugin implements go-plugin's Plugin interface for gRPC.
type grpcPlugin struct {
	hashiplug.NetRPCUnsupportedPlugin
	factory Factory
}

// GRPCServer registers the plugin server (called by plugin process).
func (p *grpcPlugin) GRPCServer(broker *hashiplug.GRPCBroker, s *grpc.Server) error {
	if p.factory == nil {
		return errors.New("pluginsdk: factory is nil")
	}
	RegisterPluginServer(s, NewServer(p.factory, broker))
	return nil
}

// GRPCClient returns a plugin client (called by host process).
func (p *grpcPlugin) GRPCClient(_ context.Context, _ *hashiplug.GRPCBroker, c *grpc.ClientConn) (any, error) {
	return NewPluginClient(c), nil
}

// Dialer opens connections to services the host serves through the
// go-plugin broker.
type Dialer interface {
	Dial(id uint32) (*grpc.ClientConn, error)
}

// Server dispatches lifecycle calls to a plugin instance.
type Server struct {
	factory Factory
	broker  Dialer

	mu   sync.Mutex
	inst plugin.Instance
	conn *grpc.ClientConn
}

var _ PluginServer = (*Server)(nil)

// NewServer creates the plugin-side server.
func NewServer(factory Factory, broker Dialer) *Server {
	return &Server{factory: factory, broker: broker}
}

// Call implements PluginServer.
func (s *Server) Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	method, _ := fields[FieldMethod].(string)
	args, _ := fields[FieldArgs].(map[string]any)

	if method == MethodInit {
		if err := s.init(args); err != nil {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		return &structpb.Struct{}, nil
	}

	s.mu.Lock()
	inst := s.inst
	s.mu.Unlock()
	if inst == nil {
		return nil, status.Error(codes.FailedPrecondition, "plugin not initialized")
	}
	if err := dispatch(ctx, inst, method, args); err != nil {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		return nil, status.Error(codes.Unknown, err.Error())
	}
	return &structpb.Struct{}, nil
}

// Close releases the host connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Server) init(args map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inst != nil {
		return errors.New("plugin already initialized")
	}
	brokerID, ok := args[FieldBrokerID].(float64)
	if !ok {
		return errors.New("missing broker id")
	}
	conn, err := s.broker.Dial(uint32(brokerID))
	if err != nil {
		return fmt.Errorf("dial host: %w", err)
	}
	id, _ := args[FieldID].(string)
	version, _ := args[FieldVersion].(string)
	inst, err := s.factory(NewHost(conn), Info{ID: id, Version: version})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("create plugin: %w", err)
	}
	s.inst = inst
	s.conn = conn
	return nil
}

func dispatch(ctx context.Context, inst plugin.Instance, method string, args map[string]any) error {
	str := func(key string) string {
		v, _ := args[key].(string)
		return v
	}
	switch method {
	case MethodOnLoad:
		if p, ok := inst.(plugin.Loader); ok {
			return p.OnLoad(ctx)
		}
	case MethodOnInitialize:
		if p, ok := inst.(plugin.Initializer); ok {
			return p.OnInitialize(ctx)
		}
	case MethodOnActivate:
		if p, ok := inst.(plugin.Activator); ok {
			return p.OnActivate(ctx)
		}
	case MethodOnDeactivate:
		if p, ok := inst.(plugin.Deactivator); ok {
			return p.OnDeactivate(ctx)
		}
	case MethodOnUnload:
		if p, ok := inst.(plugin.Unloader); ok {
			return p.OnUnload(ctx)
		}
	case MethodOnError:
		if p, ok := inst.(plugin.ErrorHandler); ok {
			return p.OnError(ctx, errors.New(str(FieldMessage)))
		}
	case MethodOnUpdate:
		if p, ok := inst.(plugin.Updater); ok {
			return p.OnUpdate(ctx, str(FieldOld), str(FieldNew))
		}
	case MethodRegisterExtensions:
		if p, ok := inst.(plugin.ExtensionRegistrar); ok {
			return p.RegisterExtensions(ctx)
		}
	default:
		return status.Errorf(codes.Unimplemented, "unknown method %q", method)
	}
	return nil
}
