// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

// Args are the named arguments of a message-passing host API call.
type Args map[string]any

func (a Args) str(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", key, v)
	}
	return s, nil
}

func (a Args) optStr(key string) string {
	s, _ := a[key].(string)
	return s
}

func (a Args) num(key string) (int, error) {
	switch v := a[key].(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case nil:
		return 0, fmt.Errorf("missing argument %q", key)
	default:
		return 0, fmt.Errorf("argument %q must be a number, got %T", key, v)
	}
}

func (a Args) obj(key string) map[string]any {
	m, _ := a[key].(map[string]any)
	return m
}

func (a Args) list(key string) []any {
	l, _ := a[key].([]any)
	return l
}

// invokeFunc implements one message-passing host API method against the
// gated API. It runs only when the capability exists.
type invokeFunc func(ctx context.Context, api *plugin.API, args Args) (any, error)

// invokeTable maps every callable API path to its implementation. Paths
// that need callbacks (watch, receive, command registration, timers, UI
// element handles) are only available to in-process plugins.
var invokeTable = map[string]invokeFunc{
	"data.fs.read.readFile": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.Data.FS.Reader == nil {
			return nil, errNoCapability
		}
		path, err := a.str("path")
		if err != nil {
			return nil, err
		}
		data, err := api.Data.FS.Reader.ReadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		if a.optStr("encoding") == "base64" {
			return base64.StdEncoding.EncodeToString(data), nil
		}
		return string(data), nil
	},
	"data.fs.read.readDir": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.Data.FS.Reader == nil {
			return nil, errNoCapability
		}
		path, err := a.str("path")
		if err != nil {
			return nil, err
		}
		return api.Data.FS.Reader.ReadDir(ctx, path)
	},
	"data.fs.read.stat": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.Data.FS.Reader == nil {
			return nil, errNoCapability
		}
		path, err := a.str("path")
		if err != nil {
			return nil, err
		}
		return api.Data.FS.Reader.Stat(ctx, path)
	},
	"data.fs.write.writeFile": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.Data.FS.Writer == nil {
			return nil, errNoCapability
		}
		path, err := a.str("path")
		if err != nil {
			return nil, err
		}
		content := []byte(a.optStr("content"))
		if a.optStr("encoding") == "base64" {
			if content, err = base64.StdEncoding.DecodeString(a.optStr("content")); err != nil {
				return nil, err
			}
		}
		return nil, api.Data.FS.Writer.WriteFile(ctx, path, content)
	},
	"data.fs.write.mkdirAll": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.Data.FS.Writer == nil {
			return nil, errNoCapability
		}
		path, err := a.str("path")
		if err != nil {
			return nil, err
		}
		return nil, api.Data.FS.Writer.MkdirAll(ctx, path)
	},
	"data.fs.delete.remove": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.Data.FS.Deleter == nil {
			return nil, errNoCapability
		}
		path, err := a.str("path")
		if err != nil {
			return nil, err
		}
		return nil, api.Data.FS.Deleter.Remove(ctx, path)
	},
	"data.database.read.get": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.Data.Database.Reader == nil {
			return nil, errNoCapability
		}
		coll, err := a.str("collection")
		if err != nil {
			return nil, err
		}
		id, err := a.str("id")
		if err != nil {
			return nil, err
		}
		return api.Data.Database.Reader.Get(ctx, coll, id)
	},
	"data.database.read.query": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.Data.Database.Reader == nil {
			return nil, errNoCapability
		}
		coll, err := a.str("collection")
		if err != nil {
			return nil, err
		}
		return api.Data.Database.Reader.Query(ctx, coll, a.obj("filter"))
	},
	"data.database.write.put": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.Data.Database.Writer == nil {
			return nil, errNoCapability
		}
		coll, err := a.str("collection")
		if err != nil {
			return nil, err
		}
		id, err := a.str("id")
		if err != nil {
			return nil, err
		}
		return nil, api.Data.Database.Writer.Put(ctx, coll, id, a.obj("record"))
	},
	"data.database.write.delete": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.Data.Database.Writer == nil {
			return nil, errNoCapability
		}
		coll, err := a.str("collection")
		if err != nil {
			return nil, err
		}
		id, err := a.str("id")
		if err != nil {
			return nil, err
		}
		return nil, api.Data.Database.Writer.Delete(ctx, coll, id)
	},
	"data.database.schema.createCollection": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.Data.Database.Schema == nil {
			return nil, errNoCapability
		}
		name, err := a.str("name")
		if err != nil {
			return nil, err
		}
		return nil, api.Data.Database.Schema.CreateCollection(ctx, name)
	},
	"data.database.schema.dropCollection": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.Data.Database.Schema == nil {
			return nil, errNoCapability
		}
		name, err := a.str("name")
		if err != nil {
			return nil, err
		}
		return nil, api.Data.Database.Schema.DropCollection(ctx, name)
	},
	"network.fetch": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.Network == nil {
			return nil, errNoCapability
		}
		url, err := a.str("url")
		if err != nil {
			return nil, err
		}
		req := plugin.Request{Method: a.optStr("method"), URL: url, Body: []byte(a.optStr("body"))}
		if h := a.obj("headers"); len(h) > 0 {
			req.Headers = make(map[string]string, len(h))
			for k, v := range h {
				req.Headers[k] = fmt.Sprint(v)
			}
		}
		resp, err := api.Network.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": resp.Status, "headers": resp.Headers, "body": string(resp.Body)}, nil
	},
	"ui.dialog.showMessage": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.UI.Dialogs == nil {
			return nil, errNoCapability
		}
		return nil, api.UI.Dialogs.ShowMessage(ctx, a.optStr("title"), a.optStr("message"))
	},
	"ui.dialog.confirm": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.UI.Dialogs == nil {
			return nil, errNoCapability
		}
		return api.UI.Dialogs.Confirm(ctx, a.optStr("title"), a.optStr("message"))
	},
	"ui.dialog.prompt": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.UI.Dialogs == nil {
			return nil, errNoCapability
		}
		return api.UI.Dialogs.Prompt(ctx, a.optStr("title"), a.optStr("placeholder"))
	},
	"ui.notification.notify": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.UI.Notifications == nil {
			return nil, errNoCapability
		}
		level := a.optStr("level")
		if level == "" {
			level = plugin.NotifyInfo
		}
		return nil, api.UI.Notifications.Notify(ctx, level, a.optStr("message"))
	},
	"ui.elements.setStatus": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.UI.Elements == nil {
			return nil, errNoCapability
		}
		id, err := a.str("id")
		if err != nil {
			return nil, err
		}
		return nil, api.UI.Elements.SetStatus(ctx, id, a.optStr("text"))
	},
	"system.command.execute": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.System.Commands == nil {
			return nil, errNoCapability
		}
		id, err := a.str("id")
		if err != nil {
			return nil, err
		}
		return api.System.Commands.Execute(ctx, id, a.list("args"))
	},
	"system.clipboard.readText": func(ctx context.Context, api *plugin.API, _ Args) (any, error) {
		if api.System.Clipboard == nil {
			return nil, errNoCapability
		}
		return api.System.Clipboard.ReadText(ctx)
	},
	"system.clipboard.writeText": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.System.Clipboard == nil {
			return nil, errNoCapability
		}
		return nil, api.System.Clipboard.WriteText(ctx, a.optStr("text"))
	},
	"ipc.send.send": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.IPC.Sender == nil {
			return nil, errNoCapability
		}
		channel, err := a.str("channel")
		if err != nil {
			return nil, err
		}
		return nil, api.IPC.Sender.Send(ctx, channel, a["payload"])
	},
	"review.dueCards": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.Review == nil {
			return nil, errNoCapability
		}
		limit, err := a.num("limit")
		if err != nil {
			limit = 0
		}
		return api.Review.DueCards(ctx, limit)
	},
	"review.recordResult": func(ctx context.Context, api *plugin.API, a Args) (any, error) {
		if api.Review == nil {
			return nil, errNoCapability
		}
		id, err := a.str("cardId")
		if err != nil {
			return nil, err
		}
		grade, err := a.num("grade")
		if err != nil {
			return nil, err
		}
		return nil, api.Review.RecordResult(ctx, id, grade)
	},
}

// errNoCapability marks a call whose capability the host does not provide.
var errNoCapability = errors.New("capability not available")

// InvokablePaths returns every path Invoke accepts, sorted.
func InvokablePaths() []string {
	paths := make([]string, 0, len(invokeTable))
	for p := range invokeTable {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Invoke performs a host API call by path with named arguments. It is the
// message-passing entry point for plugins running out of process. The
// result is normalised to JSON-compatible values.
func (s *Sandbox) Invoke(ctx context.Context, path string, args Args) (any, error) {
	if s.IsDestroyed() {
		return nil, s.destroyedErr(path)
	}
	fn, ok := invokeTable[path]
	if !ok {
		return nil, oops.In("sandbox").Code("PERMISSION_DENIED").With("plugin", s.id).With("path", path).
			Wrap(fmt.Errorf("%w: %s", ErrUnknownPath, path))
	}
	rule, _ := s.resolver.Resolve(path)
	if rule.Permission != "" && !s.enforcer.Check(s.id, rule.Permission) {
		apiCalls.WithLabelValues(path, "denied").Inc()
		return nil, s.permissionErr(path, rule.Permission)
	}
	if args == nil {
		args = Args{}
	}

	result, err := fn(ctx, s.api, args)
	if errors.Is(err, errNoCapability) {
		return nil, oops.In("sandbox").Code("PERMISSION_DENIED").With("plugin", s.id).With("path", path).
			Wrap(fmt.Errorf("%w: %s is not provided by the host", ErrPermissionDenied, path))
	}
	if err != nil {
		return nil, err
	}
	return normalize(result)
}

// normalize converts a result to the JSON value model.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch v.(type) {
	case string, bool, float64:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, oops.In("sandbox").Wrap(err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, oops.In("sandbox").Wrap(err)
	}
	return out, nil
}
