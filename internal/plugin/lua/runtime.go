// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package lua

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

// ErrClosed is returned for calls into a closed runtime.
var ErrClosed = errors.New("lua runtime closed")

// heldKey marks a context whose goroutine already holds a runtime's lock.
// Host functions invoked from Lua run with such a context, so callbacks
// that re-enter the same runtime synchronously do not deadlock.
type heldKey struct{ rt *Runtime }

// Runtime is one Lua state owned by a single plugin. gopher-lua states are
// not goroutine-safe; every entry into the state goes through call, which
// serializes callers.
type Runtime struct {
	logger *slog.Logger

	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

// NewRuntime creates a runtime backed by a fresh restricted state.
func NewRuntime(ctx context.Context, f *StateFactory, logger *slog.Logger) (*Runtime, error) {
	if f == nil {
		f = NewStateFactory()
	}
	if logger == nil {
		logger = slog.Default()
	}
	L, err := f.NewState(ctx)
	if err != nil {
		return nil, oops.In("lua").Hint("failed to create state").Wrap(err)
	}
	L.RemoveContext()
	return &Runtime{L: L, logger: logger}, nil
}

// SetGlobal sets a global variable, converting v with ToLua.
func (r *Runtime) SetGlobal(name string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.L.SetGlobal(name, ToLua(r.L, v))
}

// Global returns the value of a global variable, or LNil.
func (r *Runtime) Global(ctx context.Context, name string) lua.LValue {
	var v lua.LValue = lua.LNil
	_ = r.with(ctx, func(_ context.Context, L *lua.LState) error {
		v = L.GetGlobal(name)
		return nil
	})
	return v
}

// Module is the value exported by a loaded chunk.
type Module struct {
	rt      *Runtime
	name    string
	exports lua.LValue
}

// Runtime returns the runtime the module lives in.
func (m *Module) Runtime() *Runtime { return m.rt }

// Name returns the chunk name.
func (m *Module) Name() string { return m.name }

// Load compiles and runs code, returning the chunk's return value.
func (r *Runtime) Load(ctx context.Context, name, code string) (*Module, error) {
	var exports lua.LValue = lua.LNil
	err := r.with(ctx, func(ctx context.Context, L *lua.LState) error {
		fn, err := L.Load(strings.NewReader(code), name)
		if err != nil {
			return oops.In("lua").With("chunk", name).Hint("syntax error").Wrap(err)
		}
		rets, err := r.callLocked(ctx, fn, 1)
		if err != nil {
			return oops.In("lua").With("chunk", name).Wrap(err)
		}
		exports = rets[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Module{rt: r, name: name, exports: exports}, nil
}

// Call invokes fn with args and returns nret results.
func (r *Runtime) Call(ctx context.Context, fn lua.LValue, nret int, args ...any) ([]lua.LValue, error) {
	var rets []lua.LValue
	err := r.with(ctx, func(ctx context.Context, L *lua.LState) error {
		largs := make([]lua.LValue, len(args))
		for i, a := range args {
			largs[i] = ToLua(L, a)
		}
		var err error
		rets, err = r.callLocked(ctx, fn, nret, largs...)
		return err
	})
	return rets, err
}

// with runs fn holding the runtime lock unless ctx shows the caller already
// holds it.
func (r *Runtime) with(ctx context.Context, fn func(ctx context.Context, L *lua.LState) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(heldKey{r}) == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		ctx = context.WithValue(ctx, heldKey{r}, true)
	}
	if r.closed {
		return ErrClosed
	}
	return fn(ctx, r.L)
}

// callLocked must be called from within with.
func (r *Runtime) callLocked(ctx context.Context, fn lua.LValue, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	prev := r.L.Context()
	r.L.SetContext(ctx)
	defer func() {
		if prev != nil {
			r.L.SetContext(prev)
		} else {
			r.L.RemoveContext()
		}
	}()

	top := r.L.GetTop()
	if err := r.L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...); err != nil {
		r.L.SetTop(top)
		return nil, err
	}
	rets := make([]lua.LValue, nret)
	for i := range nret {
		rets[i] = r.L.Get(top + 1 + i)
	}
	r.L.SetTop(top)
	return rets, nil
}

// Close releases the state. Later calls fail with ErrClosed.
func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.L.Close()
}

// Closed reports whether Close has been called.
func (r *Runtime) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
