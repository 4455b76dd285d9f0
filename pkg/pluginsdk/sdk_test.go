// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package pluginsdk_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/memorynote/pluginrt/pkg/plugin"
	"github.com/memorynote/pluginrt/pkg/pluginsdk"
)

func TestServeConfig_NewRequired(t *testing.T) {
	assert.PanicsWithValue(t, "pluginsdk: config.New cannot be nil", func() {
		pluginsdk.Serve(&pluginsdk.ServeConfig{New: nil})
	})
}

func TestServeConfig_ConfigRequired(t *testing.T) {
	assert.PanicsWithValue(t, "pluginsdk: config cannot be nil", func() {
		pluginsdk.Serve(nil)
	})
}

func TestHandshakeConfig(t *testing.T) {
	assert.Equal(t, uint(1), pluginsdk.HandshakeConfig.ProtocolVersion)
	assert.Equal(t, "PLUGINRT_PLUGIN", pluginsdk.HandshakeConfig.MagicCookieKey)
	assert.Equal(t, "pluginrt-v1", pluginsdk.HandshakeConfig.MagicCookieValue)
}

// lazyDialer hands out connections that are never used for RPCs.
type lazyDialer struct {
	dialed []uint32
	err    error
}

func (d *lazyDialer) Dial(id uint32) (*grpc.ClientConn, error) {
	d.dialed = append(d.dialed, id)
	if d.err != nil {
		return nil, d.err
	}
	return grpc.NewClient("passthrough:///unused", grpc.WithTransportCredentials(insecure.NewCredentials()))
}

type recorder struct {
	plugin.Base
	calls []string
	fail  string
}

func (r *recorder) record(name string) error {
	r.calls = append(r.calls, name)
	if name == r.fail {
		return errors.New(name + " failed")
	}
	return nil
}

func (r *recorder) OnLoad(context.Context) error       { return r.record("load") }
func (r *recorder) OnActivate(context.Context) error   { return r.record("activate") }
func (r *recorder) OnDeactivate(context.Context) error { return r.record("deactivate") }
func (r *recorder) OnError(_ context.Context, err error) error {
	return r.record("error:" + err.Error())
}

func (r *recorder) OnUpdate(_ context.Context, oldVersion, newVersion string) error {
	return r.record("update:" + oldVersion + "->" + newVersion)
}

func call(t *testing.T, s *pluginsdk.Server, method string, args map[string]any) error {
	t.Helper()
	req, err := structpb.NewStruct(map[string]any{pluginsdk.FieldMethod: method, pluginsdk.FieldArgs: args})
	require.NoError(t, err)
	_, err = s.Call(context.Background(), req)
	return err
}

func initArgs(id, version string) map[string]any {
	return map[string]any{pluginsdk.FieldBrokerID: float64(3), pluginsdk.FieldID: id, pluginsdk.FieldVersion: version}
}

func TestServer_DispatchesLifecycle(t *testing.T) {
	rec := &recorder{}
	var info pluginsdk.Info
	dialer := &lazyDialer{}
	s := pluginsdk.NewServer(func(_ *pluginsdk.Host, i pluginsdk.Info) (plugin.Instance, error) {
		info = i
		return rec, nil
	}, dialer)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, call(t, s, pluginsdk.MethodInit, initArgs("echo", "1.2.0")))
	assert.Equal(t, pluginsdk.Info{ID: "echo", Version: "1.2.0"}, info)
	assert.Equal(t, []uint32{3}, dialer.dialed)

	require.NoError(t, call(t, s, pluginsdk.MethodOnLoad, nil))
	require.NoError(t, call(t, s, pluginsdk.MethodOnInitialize, nil))
	require.NoError(t, call(t, s, pluginsdk.MethodOnActivate, nil))
	require.NoError(t, call(t, s, pluginsdk.MethodOnError, map[string]any{pluginsdk.FieldMessage: "boom"}))
	require.NoError(t, call(t, s, pluginsdk.MethodOnUpdate, map[string]any{pluginsdk.FieldOld: "1.0.0", pluginsdk.FieldNew: "1.2.0"}))
	require.NoError(t, call(t, s, pluginsdk.MethodOnDeactivate, nil))

	assert.Equal(t, []string{"load", "activate", "error:boom", "update:1.0.0->1.2.0", "deactivate"}, rec.calls)
}

func TestServer_Errors(t *testing.T) {
	t.Run("call before init", func(t *testing.T) {
		s := pluginsdk.NewServer(func(*pluginsdk.Host, pluginsdk.Info) (plugin.Instance, error) {
			return &recorder{}, nil
		}, &lazyDialer{})
		err := call(t, s, pluginsdk.MethodOnActivate, nil)
		assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	})

	t.Run("second init", func(t *testing.T) {
		s := pluginsdk.NewServer(func(*pluginsdk.Host, pluginsdk.Info) (plugin.Instance, error) {
			return &recorder{}, nil
		}, &lazyDialer{})
		t.Cleanup(func() { _ = s.Close() })
		require.NoError(t, call(t, s, pluginsdk.MethodInit, initArgs("p", "1.0.0")))
		err := call(t, s, pluginsdk.MethodInit, initArgs("p", "1.0.0"))
		assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	})

	t.Run("missing broker id", func(t *testing.T) {
		s := pluginsdk.NewServer(func(*pluginsdk.Host, pluginsdk.Info) (plugin.Instance, error) {
			return &recorder{}, nil
		}, &lazyDialer{})
		err := call(t, s, pluginsdk.MethodInit, map[string]any{pluginsdk.FieldID: "p"})
		assert.Equal(t, codes.FailedPrecondition, status.Code(err))
		assert.Contains(t, err.Error(), "missing broker id")
	})

	t.Run("dial failure", func(t *testing.T) {
		s := pluginsdk.NewServer(func(*pluginsdk.Host, pluginsdk.Info) (plugin.Instance, error) {
			return &recorder{}, nil
		}, &lazyDialer{err: errors.New("no route")})
		err := call(t, s, pluginsdk.MethodInit, initArgs("p", "1.0.0"))
		assert.Contains(t, err.Error(), "no route")
	})

	t.Run("factory failure", func(t *testing.T) {
		s := pluginsdk.NewServer(func(*pluginsdk.Host, pluginsdk.Info) (plugin.Instance, error) {
			return nil, errors.New("bad config")
		}, &lazyDialer{})
		err := call(t, s, pluginsdk.MethodInit, initArgs("p", "1.0.0"))
		assert.Contains(t, err.Error(), "bad config")
		assert.NoError(t, s.Close())
	})

	t.Run("handler error and unknown method", func(t *testing.T) {
		s := pluginsdk.NewServer(func(*pluginsdk.Host, pluginsdk.Info) (plugin.Instance, error) {
			return &recorder{fail: "activate"}, nil
		}, &lazyDialer{})
		t.Cleanup(func() { _ = s.Close() })
		require.NoError(t, call(t, s, pluginsdk.MethodInit, initArgs("p", "1.0.0")))

		err := call(t, s, pluginsdk.MethodOnActivate, nil)
		assert.Equal(t, codes.Unknown, status.Code(err))
		assert.Contains(t, err.Error(), "activate failed")

		err = call(t, s, "on_reticulate", nil)
		assert.Equal(t, codes.Unimplemented, status.Code(err))
	})

	t.Run("instance without lifecycle methods", func(t *testing.T) {
		s := pluginsdk.NewServer(func(*pluginsdk.Host, pluginsdk.Info) (plugin.Instance, error) {
			return struct{}{}, nil
		}, &lazyDialer{})
		t.Cleanup(func() { _ = s.Close() })
		require.NoError(t, call(t, s, pluginsdk.MethodInit, initArgs("p", "1.0.0")))
		assert.NoError(t, call(t, s, pluginsdk.MethodOnActivate, nil))
		assert.NoError(t, call(t, s, pluginsdk.MethodRegisterExtensions, nil))
	})
}

// hostStub answers Invoke by echoing the path and a canned result.
type hostStub struct {
	paths  []string
	args   []map[string]any
	result any
	err    error
}

func (h *hostStub) Invoke(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	path, _ := fields[pluginsdk.FieldPath].(string)
	args, _ := fields[pluginsdk.FieldArgs].(map[string]any)
	h.paths = append(h.paths, path)
	h.args = append(h.args, args)
	if h.err != nil {
		return nil, h.err
	}
	return structpb.NewStruct(map[string]any{pluginsdk.FieldResult: h.result})
}

func startHost(t *testing.T, stub *hostStub) *pluginsdk.Host {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	pluginsdk.RegisterHostServer(srv, stub)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return pluginsdk.NewHost(conn)
}

func TestHost_Invoke(t *testing.T) {
	ctx := context.Background()

	t.Run("read file decodes base64", func(t *testing.T) {
		stub := &hostStub{result: base64.StdEncoding.EncodeToString([]byte("# notes"))}
		host := startHost(t, stub)

		data, err := host.ReadFile(ctx, "notes/a.md")
		require.NoError(t, err)
		assert.Equal(t, "# notes", string(data))
		assert.Equal(t, []string{"data.fs.read.readFile"}, stub.paths)
		assert.Equal(t, "base64", stub.args[0]["encoding"])
	})

	t.Run("write file encodes base64", func(t *testing.T) {
		stub := &hostStub{result: true}
		host := startHost(t, stub)

		require.NoError(t, host.WriteFile(ctx, "out.txt", []byte("hi")))
		assert.Equal(t, []string{"data.fs.write.writeFile"}, stub.paths)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hi")), stub.args[0]["content"])
	})

	t.Run("permission denial surfaces as error", func(t *testing.T) {
		stub := &hostStub{err: status.Error(codes.PermissionDenied, "ui.notification not granted")}
		host := startHost(t, stub)

		err := host.Notify(ctx, "info", "hello")
		require.Error(t, err)
		assert.Equal(t, codes.PermissionDenied, status.Code(err))
		assert.Equal(t, []string{"ui.notification.notify"}, stub.paths)
	})

	t.Run("generic result", func(t *testing.T) {
		stub := &hostStub{result: []any{"a", "b"}}
		host := startHost(t, stub)

		v, err := host.Invoke(ctx, "data.fs.read.readDir", map[string]any{"path": "."})
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b"}, v)
	})
}

func TestPluginClient_Call(t *testing.T) {
	rec := &recorder{}
	s := pluginsdk.NewServer(func(*pluginsdk.Host, pluginsdk.Info) (plugin.Instance, error) {
		return rec, nil
	}, &lazyDialer{})
	t.Cleanup(func() { _ = s.Close() })

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	pluginsdk.RegisterPluginServer(srv, s)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client := pluginsdk.NewPluginClient(conn)
	ctx := context.Background()
	require.NoError(t, client.Call(ctx, pluginsdk.MethodInit, initArgs("remote", "0.1.0")))
	require.NoError(t, client.Call(ctx, pluginsdk.MethodOnLoad, nil))
	require.NoError(t, client.Call(ctx, pluginsdk.MethodOnActivate, map[string]any{}))
	assert.Equal(t, []string{"load", "activate"}, rec.calls)
}
