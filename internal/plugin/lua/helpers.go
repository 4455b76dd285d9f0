// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package lua

import (
	"context"

	lua "github.com/yuin/gopher-lua"
)

// pushError pushes nil followed by an error string to the Lua stack and returns 2.
// This is the standard pattern for returning errors from host functions.
func pushError(L *lua.LState, errMsg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(errMsg))
	return 2
}

// pushSuccess pushes a value followed by nil (no error) to the Lua stack and returns 2.
func pushSuccess(L *lua.LState, value lua.LValue) int {
	L.Push(value)
	L.Push(lua.LNil)
	return 2
}

// pushResult pushes value or err using the two-value convention.
func pushResult(L *lua.LState, value any, err error) int {
	if err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, ToLua(L, value))
}

// pushDone pushes true or err using the two-value convention.
func pushDone(L *lua.LState, err error) int {
	if err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, lua.LTrue)
}

// stateContext returns the context attached to the running call.
func stateContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// optTable returns argument n as a table, or nil when absent.
func optTable(L *lua.LState, n int) *lua.LTable {
	if tbl, ok := L.Get(n).(*lua.LTable); ok {
		return tbl
	}
	return nil
}

// optMap returns argument n converted to a map, or nil.
func optMap(L *lua.LState, n int) map[string]any {
	tbl := optTable(L, n)
	if tbl == nil {
		return nil
	}
	v, err := FromLua(tbl)
	if err != nil {
		L.ArgError(n, err.Error())
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// checkValue converts argument n, raising an argument error when the value
// cannot be represented in Go.
func checkValue(L *lua.LState, n int) any {
	v, err := FromLua(L.Get(n))
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return v
}
