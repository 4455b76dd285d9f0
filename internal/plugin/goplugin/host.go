// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package goplugin runs binary plugins as separate processes using
// HashiCorp's go-plugin system over gRPC.
//
// The plugin process has no direct access to the host API. Each call it
// makes is a message served by the host, checked against the plugin's
// sandbox and executed on its behalf.
package goplugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/memorynote/pluginrt/internal/plugin/manifest"
	"github.com/memorynote/pluginrt/internal/plugin/sandbox"
	"github.com/memorynote/pluginrt/pkg/plugin"
	"github.com/memorynote/pluginrt/pkg/pluginsdk"
)

// Sentinel errors for programmatic error checking.
var (
	// ErrLauncherClosed is returned when launching after Close.
	ErrLauncherClosed = errors.New("launcher is closed")
	// ErrAlreadyRunning is returned when a plugin's process is already running.
	ErrAlreadyRunning = errors.New("plugin process already running")
)

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client returns the gRPC client protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
	// ReattachConfig identifies the running process, nil when unknown.
	ReattachConfig() *hashiplug.ReattachConfig
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the given executable path.
	NewClient(execPath string) PluginClient
}

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct{}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(execPath string) PluginClient {
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          PluginMap,
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath comes from a validated manifest
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolGRPC},
	})
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithClientFactory replaces the go-plugin client factory.
func WithClientFactory(f ClientFactory) Option {
	return func(l *Launcher) { l.factory = f }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Launcher) { l.logger = logger }
}

// Launcher starts binary plugin processes.
type Launcher struct {
	factory ClientFactory
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	procs  map[string]*Instance
}

// NewLauncher creates a launcher.
func NewLauncher(opts ...Option) *Launcher {
	l := &Launcher{
		factory: &DefaultClientFactory{},
		logger:  slog.Default(),
		procs:   make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch starts the executable declared by m in dir, serves the host API
// to it through sb and initializes the plugin. When the process id is
// known, sb samples the process's memory.
func (l *Launcher) Launch(ctx context.Context, m *manifest.Manifest, dir string, sb *sandbox.Sandbox) (*Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLauncherClosed
	}
	if _, ok := l.procs[m.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, m.ID)
	}
	if m.BinaryPlugin == nil {
		return nil, oops.In("goplugin").With("plugin", m.ID).Errorf("plugin %s is not a binary plugin", m.ID)
	}

	execPath := filepath.Join(dir, m.BinaryPlugin.Executable)
	if _, err := os.Stat(execPath); err != nil {
		return nil, oops.In("goplugin").With("plugin", m.ID).With("path", execPath).Hint("plugin executable not found").Wrap(err)
	}

	client := l.factory.NewClient(execPath)
	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, oops.In("goplugin").With("plugin", m.ID).Hint("connect to plugin").Wrap(err)
	}
	raw, err := rpcClient.Dispense(pluginsdk.PluginName)
	if err != nil {
		client.Kill()
		return nil, oops.In("goplugin").With("plugin", m.ID).Hint("dispense plugin").Wrap(err)
	}
	conn, ok := raw.(*Conn)
	if !ok {
		client.Kill()
		return nil, oops.In("goplugin").With("plugin", m.ID).Errorf("unexpected plugin type %T", raw)
	}

	brokerID := conn.Broker.NextId()
	go conn.Broker.AcceptAndServe(brokerID, func(opts []grpc.ServerOption) *grpc.Server {
		s := grpc.NewServer(opts...)
		pluginsdk.RegisterHostServer(s, &hostServer{sb: sb})
		return s
	})

	inst := &Instance{id: m.ID, caller: conn.Plugin, client: client, launcher: l}
	err = inst.call(ctx, pluginsdk.MethodInit, map[string]any{
		pluginsdk.FieldBrokerID: float64(brokerID),
		pluginsdk.FieldID:       m.ID,
		pluginsdk.FieldVersion:  m.Version,
	})
	if err != nil {
		client.Kill()
		return nil, err
	}

	if rc := client.ReattachConfig(); rc != nil && rc.Pid > 0 {
		if probe, err := sandbox.NewProcessProbe(ctx, rc.Pid); err == nil {
			sb.SetMemoryProbe(probe)
		} else {
			l.logger.Warn("memory probe unavailable", "plugin", m.ID, "error", err)
		}
	}

	l.procs[m.ID] = inst
	l.logger.Info("binary plugin started", "plugin", m.ID, "path", execPath)
	return inst, nil
}

// Running returns the ids of running plugin processes, sorted.
func (l *Launcher) Running() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.procs))
	for id := range l.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close kills every plugin process.
func (l *Launcher) Close() {
	l.mu.Lock()
	procs := l.procs
	l.procs = make(map[string]*Instance)
	l.closed = true
	l.mu.Unlock()

	for _, inst := range procs {
		inst.client.Kill()
	}
}

func (l *Launcher) forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.procs, id)
}

// Instance is the host-side handle of a running binary plugin. It
// implements every lifecycle interface by forwarding the call to the
// plugin process; methods the plugin does not implement are no-ops there.
type Instance struct {
	id       string
	caller   LifecycleCaller
	client   PluginClient
	launcher *Launcher

	once sync.Once
}

var (
	_ plugin.Loader             = (*Instance)(nil)
	_ plugin.Initializer        = (*Instance)(nil)
	_ plugin.Activator          = (*Instance)(nil)
	_ plugin.Deactivator        = (*Instance)(nil)
	_ plugin.Unloader           = (*Instance)(nil)
	_ plugin.ErrorHandler       = (*Instance)(nil)
	_ plugin.Updater            = (*Instance)(nil)
	_ plugin.ExtensionRegistrar = (*Instance)(nil)
)

func (i *Instance) call(ctx context.Context, method string, args map[string]any) error {
	if err := i.caller.Call(ctx, method, args); err != nil {
		return oops.In("goplugin").With("plugin", i.id).With("method", method).
			Errorf("%s", status.Convert(err).Message())
	}
	return nil
}

// OnLoad implements plugin.Loader.
func (i *Instance) OnLoad(ctx context.Context) error {
	return i.call(ctx, pluginsdk.MethodOnLoad, nil)
}

// OnInitialize implements plugin.Initializer.
func (i *Instance) OnInitialize(ctx context.Context) error {
	return i.call(ctx, pluginsdk.MethodOnInitialize, nil)
}

// OnActivate implements plugin.Activator.
func (i *Instance) OnActivate(ctx context.Context) error {
	return i.call(ctx, pluginsdk.MethodOnActivate, nil)
}

// OnDeactivate implements plugin.Deactivator.
func (i *Instance) OnDeactivate(ctx context.Context) error {
	return i.call(ctx, pluginsdk.MethodOnDeactivate, nil)
}

// OnUnload implements plugin.Unloader.
func (i *Instance) OnUnload(ctx context.Context) error {
	return i.call(ctx, pluginsdk.MethodOnUnload, nil)
}

// OnError implements plugin.ErrorHandler.
func (i *Instance) OnError(ctx context.Context, err error) error {
	return i.call(ctx, pluginsdk.MethodOnError, map[string]any{pluginsdk.FieldMessage: err.Error()})
}

// OnUpdate implements plugin.Updater.
func (i *Instance) OnUpdate(ctx context.Context, oldVersion, newVersion string) error {
	return i.call(ctx, pluginsdk.MethodOnUpdate, map[string]any{
		pluginsdk.FieldOld: oldVersion,
		pluginsdk.FieldNew: newVersion,
	})
}

// RegisterExtensions implements plugin.ExtensionRegistrar.
func (i *Instance) RegisterExtensions(ctx context.Context) error {
	return i.call(ctx, pluginsdk.MethodRegisterExtensions, nil)
}

// Close kills the plugin process. It is safe to call more than once.
func (i *Instance) Close() error {
	i.once.Do(func() {
		i.client.Kill()
		i.launcher.forget(i.id)
	})
	return nil
}

// hostServer executes host API calls from a plugin process through its
// sandbox.
type hostServer struct {
	sb *sandbox.Sandbox
}

// Invoke implements pluginsdk.HostServer.
func (h *hostServer) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	path, _ := fields[pluginsdk.FieldPath].(string)
	args, _ := fields[pluginsdk.FieldArgs].(map[string]any)

	result, err := h.sb.Invoke(ctx, path, sandbox.Args(args))
	if err != nil {
		return nil, status.Error(statusCode(err), err.Error())
	}
	resp, err := structpb.NewStruct(map[string]any{pluginsdk.FieldResult: result})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

func statusCode(err error) codes.Code {
	switch {
	case errors.Is(err, sandbox.ErrPermissionDenied), errors.Is(err, sandbox.ErrUnknownPath):
		return codes.PermissionDenied
	case errors.Is(err, sandbox.ErrResourceLimit):
		return codes.ResourceExhausted
	case errors.Is(err, sandbox.ErrDestroyed):
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}
