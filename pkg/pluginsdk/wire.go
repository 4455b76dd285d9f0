// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package pluginsdk

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service and method names of the host/plugin protocol. Both directions
// carry google.protobuf.Struct messages.
const (
	PluginServiceName = "pluginrt.plugin.v1.Plugin"
	HostServiceName   = "pluginrt.plugin.v1.Host"

	callMethod   = "/" + PluginServiceName + "/Call"
	invokeMethod = "/" + HostServiceName + "/Invoke"
)

// Lifecycle methods named in a Call request.
const (
	MethodInit               = "init"
	MethodOnLoad             = "on_load"
	MethodOnInitialize       = "on_initialize"
	MethodOnActivate         = "on_activate"
	MethodOnDeactivate       = "on_deactivate"
	MethodOnUnload           = "on_unload"
	MethodOnError            = "on_error"
	MethodOnUpdate           = "on_update"
	MethodRegisterExtensions = "register_extensions"
)

// Request and response fields.
const (
	FieldMethod   = "method"
	FieldArgs     = "args"
	FieldPath     = "path"
	FieldResult   = "result"
	FieldBrokerID = "broker_id"
	FieldID       = "id"
	FieldVersion  = "version"
	FieldMessage  = "message"
	FieldOld      = "old_version"
	FieldNew      = "new_version"
)

// PluginServer handles lifecycle calls inside the plugin process.
type PluginServer interface {
	Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// HostServer handles host API calls inside the host process.
type HostServer interface {
	Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterPluginServer registers srv on s.
func RegisterPluginServer(s grpc.ServiceRegistrar, srv PluginServer) {
	s.RegisterService(&pluginServiceDesc, srv)
}

// RegisterHostServer registers srv on s.
func RegisterHostServer(s grpc.ServiceRegistrar, srv HostServer) {
	s.RegisterService(&hostServiceDesc, srv)
}

var pluginServiceDesc = grpc.ServiceDesc{
	ServiceName: PluginServiceName,
	HandlerType: (*PluginServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Call",
		Handler: unaryHandler(callMethod, func(srv any, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return srv.(PluginServer).Call(ctx, req)
		}),
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pluginrt/plugin/v1/plugin.proto",
}

var hostServiceDesc = grpc.ServiceDesc{
	ServiceName: HostServiceName,
	HandlerType: (*HostServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Invoke",
		Handler: unaryHandler(invokeMethod, func(srv any, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return srv.(HostServer).Invoke(ctx, req)
		}),
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pluginrt/plugin/v1/plugin.proto",
}

type structHandler func(srv any, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

//nolint:revive // grpc.MethodHandler fixes the parameter order
func unaryHandler(fullMethod string, h structHandler) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return h(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return h(srv, ctx, req.(*structpb.Struct))
		})
	}
}

// PluginClient calls lifecycle methods of a plugin process.
type PluginClient struct {
	cc grpc.ClientConnInterface
}

// NewPluginClient wraps cc.
func NewPluginClient(cc grpc.ClientConnInterface) *PluginClient {
	return &PluginClient{cc: cc}
}

// Call invokes method with args.
func (c *PluginClient) Call(ctx context.Context, method string, args map[string]any) error {
	req, err := structpb.NewStruct(map[string]any{FieldMethod: method, FieldArgs: args})
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, callMethod, req, new(structpb.Struct))
}
