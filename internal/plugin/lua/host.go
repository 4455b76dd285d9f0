// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package lua

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

// elementHandleField holds the host element behind an element table.
const elementHandleField = "__handle"

// binder exposes one plugin context to a runtime.
type binder struct {
	rt     *Runtime
	pc     plugin.Context
	logger *slog.Logger
}

// BindContext builds the `ctx` table for pc. Host API functions appear only
// for capabilities present in pc.API(). Every callback registered from Lua
// is also added to pc.Subscriptions so it is released on teardown.
func (r *Runtime) BindContext(ctx context.Context, pc plugin.Context) (*lua.LTable, error) {
	b := &binder{rt: r, pc: pc, logger: pc.Logger()}
	var tbl *lua.LTable
	err := r.with(ctx, func(_ context.Context, L *lua.LState) error {
		tbl = b.contextTable(L)
		return nil
	})
	return tbl, err
}

func (b *binder) contextTable(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "id", lua.LString(b.pc.ID()))
	L.SetField(tbl, "version", lua.LString(b.pc.Version()))

	perms := L.NewTable()
	for _, p := range b.pc.Permissions() {
		perms.Append(lua.LString(p))
	}
	L.SetField(tbl, "permissions", perms)

	L.SetField(tbl, "log", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"debug": b.logFn(slog.LevelDebug),
		"info":  b.logFn(slog.LevelInfo),
		"warn":  b.logFn(slog.LevelWarn),
		"error": b.logFn(slog.LevelError),
	}))
	L.SetField(tbl, "storage", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get":    b.storageGet,
		"set":    b.storageSet,
		"delete": b.storageDelete,
		"clear":  b.storageClear,
		"keys":   b.storageKeys,
	}))
	L.SetField(tbl, "config", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get":       b.configGet,
		"all":       b.configAll,
		"set":       b.configSet,
		"on_change": b.configOnChange,
	}))
	L.SetField(tbl, "subscriptions", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"add": b.subscriptionsAdd,
	}))
	L.SetField(tbl, "messaging", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"send":       b.messagingSend,
		"broadcast":  b.messagingBroadcast,
		"on_message": b.messagingOnMessage,
	}))
	L.SetField(tbl, "hooks", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"on":   b.hooksOn(false),
		"once": b.hooksOn(true),
		"emit": b.hooksEmit,
	}))
	L.SetField(tbl, "util", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"new_id": newID,
	}))
	L.SetField(tbl, "api", b.apiTable(L, b.pc.API()))
	return tbl
}

// newID returns a fresh ULID string.
func newID(L *lua.LState) int {
	L.Push(lua.LString(ulid.Make().String()))
	return 1
}

// callback wraps a Lua function as a Go callback. Failures are logged.
func (b *binder) callback(kind string, fn *lua.LFunction) func(ctx context.Context, args ...any) {
	return func(ctx context.Context, args ...any) {
		if _, err := b.rt.Call(ctx, fn, 0, args...); err != nil {
			b.logger.Warn("lua callback failed", "callback", kind, "error", err)
		}
	}
}

// disposer returns a Lua function that disposes d, and registers d with the
// plugin's subscriptions.
func (b *binder) disposer(L *lua.LState, d plugin.Disposable) *lua.LFunction {
	if d == nil {
		d = plugin.DisposableFunc(func() {})
	}
	b.pc.Subscriptions().Add(d)
	return L.NewFunction(func(*lua.LState) int {
		d.Dispose()
		return 0
	})
}

func (b *binder) logFn(level slog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)
		var attrs []any
		if fields := optMap(L, 2); fields != nil {
			for k, v := range fields {
				attrs = append(attrs, k, v)
			}
		}
		b.logger.Log(stateContext(L), level, msg, attrs...)
		return 0
	}
}

func (b *binder) storageGet(L *lua.LState) int {
	v, ok, err := b.pc.Storage().Get(stateContext(L), L.CheckString(1))
	if err != nil {
		return pushError(L, err.Error())
	}
	if !ok {
		return pushSuccess(L, lua.LNil)
	}
	return pushSuccess(L, ToLua(L, v))
}

func (b *binder) storageSet(L *lua.LState) int {
	return pushDone(L, b.pc.Storage().Set(stateContext(L), L.CheckString(1), checkValue(L, 2)))
}

func (b *binder) storageDelete(L *lua.LState) int {
	return pushDone(L, b.pc.Storage().Delete(stateContext(L), L.CheckString(1)))
}

func (b *binder) storageClear(L *lua.LState) int {
	return pushDone(L, b.pc.Storage().Clear(stateContext(L)))
}

func (b *binder) storageKeys(L *lua.LState) int {
	keys, err := b.pc.Storage().Keys(stateContext(L))
	return pushResult(L, keys, err)
}

func (b *binder) configGet(L *lua.LState) int {
	v, _ := b.pc.Config().Get(L.CheckString(1))
	L.Push(ToLua(L, v))
	return 1
}

func (b *binder) configAll(L *lua.LState) int {
	L.Push(ToLua(L, b.pc.Config().All()))
	return 1
}

func (b *binder) configSet(L *lua.LState) int {
	return pushDone(L, b.pc.Config().Set(stateContext(L), L.CheckString(1), checkValue(L, 2)))
}

func (b *binder) configOnChange(L *lua.LState) int {
	cb := b.callback("config", L.CheckFunction(1))
	d := b.pc.Config().OnDidChange(func(ctx context.Context, c plugin.ConfigChange) {
		cb(ctx, map[string]any{"key": c.Key, "oldValue": c.OldValue, "newValue": c.NewValue})
	})
	L.Push(b.disposer(L, d))
	return 1
}

func (b *binder) subscriptionsAdd(L *lua.LState) int {
	cb := b.callback("dispose", L.CheckFunction(1))
	b.pc.Subscriptions().AddFunc(func() { cb(context.Background()) })
	return 0
}

func (b *binder) messagingSend(L *lua.LState) int {
	return pushDone(L, b.pc.Messaging().Send(stateContext(L), L.CheckString(1), checkValue(L, 2)))
}

func (b *binder) messagingBroadcast(L *lua.LState) int {
	return pushDone(L, b.pc.Messaging().Broadcast(stateContext(L), checkValue(L, 1)))
}

func (b *binder) messagingOnMessage(L *lua.LState) int {
	cb := b.callback("message", L.CheckFunction(1))
	d := b.pc.Messaging().OnMessage(func(ctx context.Context, m plugin.Message) {
		cb(ctx, map[string]any{
			"id":        m.ID,
			"from":      m.From,
			"to":        m.To,
			"payload":   m.Payload,
			"timestamp": m.Timestamp,
		})
	})
	L.Push(b.disposer(L, d))
	return 1
}

func (b *binder) hooksOn(once bool) lua.LGFunction {
	return func(L *lua.LState) int {
		hookType := plugin.HookType(L.CheckString(1))
		fn := L.CheckFunction(2)
		opts := plugin.HookOptions{Once: once}
		if o := optTable(L, 3); o != nil {
			if p, ok := L.GetField(o, "priority").(lua.LNumber); ok {
				opts.Priority = int(p)
			}
			if lua.LVAsBool(L.GetField(o, "once")) {
				opts.Once = true
			}
		}

		handler := func(ctx context.Context, hc *plugin.HookContext) error {
			return b.rt.with(ctx, func(ctx context.Context, L *lua.LState) error {
				_, err := b.rt.callLocked(ctx, fn, 0, hookContextTable(L, hc))
				return err
			})
		}
		var (
			d   plugin.Disposable
			err error
		)
		if opts.Once {
			d, err = b.pc.Hooks().Once(hookType, handler, opts)
		} else {
			d, err = b.pc.Hooks().On(hookType, handler, opts)
		}
		if err != nil {
			return pushError(L, err.Error())
		}
		return pushSuccess(L, b.disposer(L, d))
	}
}

func (b *binder) hooksEmit(L *lua.LState) int {
	hc := b.pc.Hooks().Emit(stateContext(L), plugin.HookType(L.CheckString(1)), optMap(L, 2))
	result := L.NewTable()
	L.SetField(result, "prevented", lua.LBool(hc.IsPrevented()))
	L.SetField(result, "stopped", lua.LBool(hc.IsStopped()))
	L.SetField(result, "data", ToLua(L, hc.Data()))
	L.Push(result)
	return 1
}

// hookContextTable exposes hc to a Lua handler. Mutators are methods:
// hc:stop_propagation(), hc:prevent_default(), hc:update_data(tbl).
func hookContextTable(L *lua.LState, hc *plugin.HookContext) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "type", lua.LString(hc.Type))
	L.SetField(tbl, "source", lua.LString(hc.Source))
	L.SetField(tbl, "timestamp", ToLua(L, hc.Timestamp))
	L.SetField(tbl, "data", ToLua(L, hc.Data()))
	L.SetFuncs(tbl, map[string]lua.LGFunction{
		"stop_propagation": func(*lua.LState) int {
			hc.StopPropagation()
			return 0
		},
		"prevent_default": func(*lua.LState) int {
			hc.PreventDefault()
			return 0
		},
		"update_data": func(L *lua.LState) int {
			if m := optMap(L, 2); m != nil {
				hc.UpdateData(m)
				L.SetField(tbl, "data", ToLua(L, hc.Data()))
			}
			return 0
		},
		"get": func(L *lua.LState) int {
			v, _ := hc.Get(L.CheckString(2))
			L.Push(ToLua(L, v))
			return 1
		},
	})
	return tbl
}

// apiTable builds the `ctx.api` tree. Absent capabilities leave no entry.
func (b *binder) apiTable(L *lua.LState, api *plugin.API) *lua.LTable {
	root := L.NewTable()
	if api == nil {
		return root
	}

	data := L.NewTable()
	fs := L.NewTable()
	if r := api.Data.FS.Reader; r != nil {
		L.SetFuncs(fs, map[string]lua.LGFunction{
			"read_file": func(L *lua.LState) int {
				content, err := r.ReadFile(stateContext(L), L.CheckString(1))
				return pushResult(L, content, err)
			},
			"read_dir": func(L *lua.LState) int {
				entries, err := r.ReadDir(stateContext(L), L.CheckString(1))
				return pushResult(L, entries, err)
			},
			"stat": func(L *lua.LState) int {
				info, err := r.Stat(stateContext(L), L.CheckString(1))
				return pushResult(L, info, err)
			},
		})
	}
	if w := api.Data.FS.Writer; w != nil {
		L.SetFuncs(fs, map[string]lua.LGFunction{
			"write_file": func(L *lua.LState) int {
				return pushDone(L, w.WriteFile(stateContext(L), L.CheckString(1), []byte(L.CheckString(2))))
			},
			"mkdir_all": func(L *lua.LState) int {
				return pushDone(L, w.MkdirAll(stateContext(L), L.CheckString(1)))
			},
		})
	}
	if d := api.Data.FS.Deleter; d != nil {
		L.SetField(fs, "remove", L.NewFunction(func(L *lua.LState) int {
			return pushDone(L, d.Remove(stateContext(L), L.CheckString(1)))
		}))
	}
	if w := api.Data.FS.Watcher; w != nil {
		L.SetField(fs, "watch", L.NewFunction(func(L *lua.LState) int {
			cb := b.callback("watch", L.CheckFunction(2))
			d, err := w.Watch(stateContext(L), L.CheckString(1), func(ev plugin.FileEvent) {
				cb(context.Background(), map[string]any{"path": ev.Path, "op": ev.Op})
			})
			if err != nil {
				return pushError(L, err.Error())
			}
			return pushSuccess(L, b.disposer(L, d))
		}))
	}
	L.SetField(data, "fs", fs)

	db := L.NewTable()
	if r := api.Data.Database.Reader; r != nil {
		L.SetFuncs(db, map[string]lua.LGFunction{
			"get": func(L *lua.LState) int {
				rec, err := r.Get(stateContext(L), L.CheckString(1), L.CheckString(2))
				return pushResult(L, map[string]any(rec), err)
			},
			"query": func(L *lua.LState) int {
				recs, err := r.Query(stateContext(L), L.CheckString(1), optMap(L, 2))
				return pushResult(L, recs, err)
			},
		})
	}
	if w := api.Data.Database.Writer; w != nil {
		L.SetFuncs(db, map[string]lua.LGFunction{
			"put": func(L *lua.LState) int {
				return pushDone(L, w.Put(stateContext(L), L.CheckString(1), L.CheckString(2), optMap(L, 3)))
			},
			"delete": func(L *lua.LState) int {
				return pushDone(L, w.Delete(stateContext(L), L.CheckString(1), L.CheckString(2)))
			},
		})
	}
	if s := api.Data.Database.Schema; s != nil {
		L.SetFuncs(db, map[string]lua.LGFunction{
			"create_collection": func(L *lua.LState) int {
				return pushDone(L, s.CreateCollection(stateContext(L), L.CheckString(1)))
			},
			"drop_collection": func(L *lua.LState) int {
				return pushDone(L, s.DropCollection(stateContext(L), L.CheckString(1)))
			},
		})
	}
	L.SetField(data, "database", db)
	L.SetField(root, "data", data)

	if n := api.Network; n != nil {
		L.SetField(root, "network", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
			"fetch": func(L *lua.LState) int {
				opts := optMap(L, 2)
				req := plugin.Request{URL: L.CheckString(1)}
				if m, ok := opts["method"].(string); ok {
					req.Method = m
				}
				if body, ok := opts["body"].(string); ok {
					req.Body = []byte(body)
				}
				if h, ok := opts["headers"].(map[string]any); ok {
					req.Headers = make(map[string]string, len(h))
					for k, v := range h {
						if s, ok := v.(string); ok {
							req.Headers[k] = s
						}
					}
				}
				resp, err := n.Fetch(stateContext(L), req)
				if err != nil {
					return pushError(L, err.Error())
				}
				return pushSuccess(L, ToLua(L, map[string]any{
					"status":  resp.Status,
					"headers": resp.Headers,
					"body":    string(resp.Body),
				}))
			},
		}))
	}

	ui := L.NewTable()
	if d := api.UI.Dialogs; d != nil {
		L.SetField(ui, "dialog", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
			"show_message": func(L *lua.LState) int {
				return pushDone(L, d.ShowMessage(stateContext(L), L.CheckString(1), L.OptString(2, "")))
			},
			"confirm": func(L *lua.LState) int {
				ok, err := d.Confirm(stateContext(L), L.CheckString(1), L.OptString(2, ""))
				return pushResult(L, ok, err)
			},
			"prompt": func(L *lua.LState) int {
				text, err := d.Prompt(stateContext(L), L.CheckString(1), L.OptString(2, ""))
				return pushResult(L, text, err)
			},
		}))
	}
	if n := api.UI.Notifications; n != nil {
		L.SetField(ui, "notification", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
			"notify": func(L *lua.LState) int {
				return pushDone(L, n.Notify(stateContext(L), L.OptString(2, plugin.NotifyInfo), L.CheckString(1)))
			},
		}))
	}
	if e := api.UI.Elements; e != nil {
		L.SetField(ui, "elements", b.elementsTable(L, e))
	}
	L.SetField(root, "ui", ui)

	system := L.NewTable()
	if c := api.System.Commands; c != nil {
		L.SetField(system, "command", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
			"register": func(L *lua.LState) int {
				id := L.CheckString(1)
				fn := L.CheckFunction(2)
				d, err := c.Register(stateContext(L), id, func(ctx context.Context, args []any) (any, error) {
					rets, err := b.rt.Call(ctx, fn, 1, args...)
					if err != nil {
						return nil, err
					}
					return FromLua(rets[0])
				})
				if err != nil {
					return pushError(L, err.Error())
				}
				return pushSuccess(L, b.disposer(L, d))
			},
			"execute": func(L *lua.LState) int {
				var args []any
				if optTable(L, 2) != nil {
					args, _ = checkValue(L, 2).([]any)
				}
				result, err := c.Execute(stateContext(L), L.CheckString(1), args)
				return pushResult(L, result, err)
			},
		}))
	}
	if c := api.System.Clipboard; c != nil {
		L.SetField(system, "clipboard", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
			"read_text": func(L *lua.LState) int {
				text, err := c.ReadText(stateContext(L))
				return pushResult(L, text, err)
			},
			"write_text": func(L *lua.LState) int {
				return pushDone(L, c.WriteText(stateContext(L), L.CheckString(1)))
			},
		}))
	}
	L.SetField(root, "system", system)

	ipc := L.NewTable()
	if s := api.IPC.Sender; s != nil {
		L.SetField(ipc, "send", L.NewFunction(func(L *lua.LState) int {
			return pushDone(L, s.Send(stateContext(L), L.CheckString(1), checkValue(L, 2)))
		}))
	}
	if r := api.IPC.Receiver; r != nil {
		L.SetField(ipc, "receive", L.NewFunction(func(L *lua.LState) int {
			cb := b.callback("ipc", L.CheckFunction(2))
			d, err := r.Receive(stateContext(L), L.CheckString(1), func(ctx context.Context, payload any) {
				cb(ctx, payload)
			})
			if err != nil {
				return pushError(L, err.Error())
			}
			return pushSuccess(L, b.disposer(L, d))
		}))
	}
	L.SetField(root, "ipc", ipc)

	if r := api.Review; r != nil {
		L.SetField(root, "review", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
			"due_cards": func(L *lua.LState) int {
				cards, err := r.DueCards(stateContext(L), L.OptInt(1, 0))
				return pushResult(L, cards, err)
			},
			"record_result": func(L *lua.LState) int {
				return pushDone(L, r.RecordResult(stateContext(L), L.CheckString(1), L.CheckInt(2)))
			},
		}))
	}

	if t := api.Timers; t != nil {
		L.SetField(root, "timers", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
			"after": func(L *lua.LState) int {
				cb := b.callback("timeout", L.CheckFunction(2))
				d := t.AfterFunc(time.Duration(L.CheckInt64(1))*time.Millisecond, func() { cb(context.Background()) })
				L.Push(b.disposer(L, d))
				return 1
			},
			"every": func(L *lua.LState) int {
				cb := b.callback("interval", L.CheckFunction(2))
				d := t.Every(time.Duration(L.CheckInt64(1))*time.Millisecond, func() { cb(context.Background()) })
				L.Push(b.disposer(L, d))
				return 1
			},
		}))
	}
	return root
}

func (b *binder) elementsTable(L *lua.LState, e plugin.UIModifier) *lua.LTable {
	return L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"create_element": func(L *lua.LState) int {
			el, err := e.CreateElement(stateContext(L), L.CheckString(1))
			if err != nil {
				return pushError(L, err.Error())
			}
			return pushSuccess(L, elementTable(L, el))
		},
		"find_element": func(L *lua.LState) int {
			el, err := e.FindElement(stateContext(L), L.CheckString(1))
			if err != nil {
				return pushError(L, err.Error())
			}
			if el == nil {
				return pushSuccess(L, lua.LNil)
			}
			return pushSuccess(L, elementTable(L, el))
		},
		"register_panel": func(L *lua.LState) int {
			spec := optMap(L, 1)
			panel := plugin.Panel{}
			panel.ID, _ = spec["id"].(string)
			panel.Title, _ = spec["title"].(string)
			panel.Icon, _ = spec["icon"].(string)
			d, err := e.RegisterPanel(stateContext(L), panel)
			if err != nil {
				return pushError(L, err.Error())
			}
			return pushSuccess(L, b.disposer(L, d))
		},
		"set_status": func(L *lua.LState) int {
			return pushDone(L, e.SetStatus(stateContext(L), L.CheckString(1), L.OptString(2, "")))
		},
	})
}

// elementTable wraps a sandboxed element handle. Methods take the element
// as self: el:set_attribute(name, value), el:append_child(other).
func elementTable(L *lua.LState, el plugin.Element) *lua.LTable {
	tbl := L.NewTable()
	ud := L.NewUserData()
	ud.Value = el
	L.SetField(tbl, elementHandleField, ud)
	L.SetField(tbl, "id", lua.LString(el.ID()))
	L.SetField(tbl, "kind", lua.LString(el.Kind()))
	L.SetFuncs(tbl, map[string]lua.LGFunction{
		"set_attribute": func(L *lua.LState) int {
			return pushDone(L, el.SetAttribute(stateContext(L), L.CheckString(2), checkValue(L, 3)))
		},
		"append_child": func(L *lua.LState) int {
			child, err := elementArg(L, 2)
			if err != nil {
				return pushError(L, err.Error())
			}
			return pushDone(L, el.AppendChild(stateContext(L), child))
		},
		"remove_child": func(L *lua.LState) int {
			child, err := elementArg(L, 2)
			if err != nil {
				return pushError(L, err.Error())
			}
			return pushDone(L, el.RemoveChild(stateContext(L), child))
		},
		"remove": func(L *lua.LState) int {
			return pushDone(L, el.Remove(stateContext(L)))
		},
	})
	return tbl
}

func elementArg(L *lua.LState, n int) (plugin.Element, error) {
	tbl := optTable(L, n)
	if tbl == nil {
		return nil, oops.In("lua").Errorf("argument %d must be an element", n)
	}
	ud, ok := L.GetField(tbl, elementHandleField).(*lua.LUserData)
	if !ok {
		return nil, oops.In("lua").Errorf("argument %d must be an element", n)
	}
	el, ok := ud.Value.(plugin.Element)
	if !ok {
		return nil, oops.In("lua").Errorf("argument %d must be an element", n)
	}
	return el, nil
}
