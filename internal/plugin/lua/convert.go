// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package lua

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

// ToLua converts a Go value to a Lua value. Maps become tables keyed by
// string, slices become 1-based arrays. Types without a direct mapping are
// converted through their JSON encoding.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case time.Time:
		return lua.LString(val.UTC().Format(time.RFC3339Nano))
	case error:
		return lua.LString(val.Error())
	case []any:
		tbl := L.CreateTable(len(val), 0)
		for _, item := range val {
			tbl.Append(ToLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.CreateTable(len(val), 0)
		for _, item := range val {
			tbl.Append(lua.LString(item))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(val))
		for k, item := range val {
			tbl.RawSetString(k, ToLua(L, item))
		}
		return tbl
	case map[string]string:
		tbl := L.CreateTable(0, len(val))
		for k, item := range val {
			tbl.RawSetString(k, lua.LString(item))
		}
		return tbl
	}

	data, err := json.Marshal(v)
	if err != nil {
		return lua.LString(fmt.Sprint(v))
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return lua.LString(fmt.Sprint(v))
	}
	return ToLua(L, generic)
}

// MaxTableDepth bounds how deeply nested a table passed from Lua may be.
const MaxTableDepth = 100

// FromLua converts a Lua value to a Go value. Tables with only sequential
// integer keys become []any, other tables become map[string]any. Integral
// numbers become int64. Functions and userdata become their string form.
// A table that contains itself, or nests deeper than MaxTableDepth, is
// rejected with an UNSUPPORTED_VALUE error.
func FromLua(v lua.LValue) (any, error) {
	return fromLua(v, make(map[*lua.LTable]struct{}), 0)
}

// fromLua converts v; path holds the tables being converted above it.
func fromLua(v lua.LValue, path map[*lua.LTable]struct{}, depth int) (any, error) {
	switch val := v.(type) {
	case lua.LString:
		return string(val), nil
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f), nil
		}
		return f, nil
	case lua.LBool:
		return bool(val), nil
	case *lua.LTable:
		if depth >= MaxTableDepth {
			return nil, oops.In("lua").Code("UNSUPPORTED_VALUE").
				With("max_depth", MaxTableDepth).
				Errorf("table nesting exceeds %d levels", MaxTableDepth)
		}
		if _, ok := path[val]; ok {
			return nil, oops.In("lua").Code("UNSUPPORTED_VALUE").
				Errorf("table contains a reference to itself")
		}
		path[val] = struct{}{}
		defer delete(path, val)
		if isArray(val) {
			return tableToSlice(val, path, depth+1)
		}
		return tableToMap(val, path, depth+1)
	case *lua.LNilType:
		return nil, nil
	default:
		return v.String(), nil
	}
}

// isArray reports whether tbl has only keys 1..n. The empty table is an
// array.
func isArray(tbl *lua.LTable) bool {
	n := tbl.MaxN()
	count := 0
	tbl.ForEach(func(_, _ lua.LValue) { count++ })
	return count == n
}

func tableToSlice(tbl *lua.LTable, path map[*lua.LTable]struct{}, depth int) ([]any, error) {
	n := tbl.MaxN()
	result := make([]any, 0, n)
	for i := 1; i <= n; i++ {
		item, err := fromLua(tbl.RawGetInt(i), path, depth)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, nil
}

func tableToMap(tbl *lua.LTable, path map[*lua.LTable]struct{}, depth int) (map[string]any, error) {
	result := make(map[string]any)
	for k, v := tbl.Next(lua.LNil); k != lua.LNil; k, v = tbl.Next(k) {
		item, err := fromLua(v, path, depth)
		if err != nil {
			return nil, oops.With("key", k.String()).Wrap(err)
		}
		result[k.String()] = item
	}
	return result, nil
}
