// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package capability

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

// Counter identifies which resource counter a host API call increments.
type Counter int

// Resource counters.
const (
	CountNone Counter = iota
	CountFileOp
	CountNetwork
)

// Rule maps an API path prefix to the permission it requires.
type Rule struct {
	// Prefix is a dotted path such as "data.fs.write". It matches itself
	// and every path below it.
	Prefix string

	// Permission is required for matching paths. Empty means ungated.
	Permission plugin.Permission

	// Counter is incremented for every matching call.
	Counter Counter
}

// DefaultRules is the permission map of the host API tree.
var DefaultRules = []Rule{
	{Prefix: "data.fs.read", Permission: plugin.PermFSRead, Counter: CountFileOp},
	{Prefix: "data.fs.write", Permission: plugin.PermFSWrite, Counter: CountFileOp},
	{Prefix: "data.fs.delete", Permission: plugin.PermFSDelete, Counter: CountFileOp},
	{Prefix: "data.fs.watch", Permission: plugin.PermFSWatch, Counter: CountFileOp},
	{Prefix: "data.database.read", Permission: plugin.PermDBRead},
	{Prefix: "data.database.write", Permission: plugin.PermDBWrite},
	{Prefix: "data.database.schema", Permission: plugin.PermDBSchema},
	{Prefix: "network", Permission: plugin.PermNetworkRequest, Counter: CountNetwork},
	{Prefix: "ui.dialog", Permission: plugin.PermUIDialog},
	{Prefix: "ui.notification", Permission: plugin.PermUINotification},
	{Prefix: "ui.elements.mutate", Permission: plugin.PermUIModify, Counter: CountFileOp},
	{Prefix: "ui.elements", Permission: plugin.PermUIModify},
	{Prefix: "system.command", Permission: plugin.PermSystemCommand},
	{Prefix: "system.clipboard", Permission: plugin.PermSystemClipboard},
	{Prefix: "ipc.send", Permission: plugin.PermIPCSend},
	{Prefix: "ipc.receive", Permission: plugin.PermIPCReceive},
	{Prefix: "review"},
	{Prefix: "timers"},
}

type compiledRule struct {
	Rule
	exact glob.Glob
	below glob.Glob
}

// Resolver resolves host API paths to rules. The first matching rule wins.
type Resolver struct {
	rules []compiledRule
}

// NewResolver compiles rules. An invalid prefix is a programming error and
// returns an error.
func NewResolver(rules []Rule) (*Resolver, error) {
	r := &Resolver{rules: make([]compiledRule, 0, len(rules))}
	for _, rule := range rules {
		exact, err := glob.Compile(glob.QuoteMeta(rule.Prefix), '.')
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Prefix, err)
		}
		below, err := glob.Compile(glob.QuoteMeta(rule.Prefix)+".**", '.')
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Prefix, err)
		}
		r.rules = append(r.rules, compiledRule{Rule: rule, exact: exact, below: below})
	}
	return r, nil
}

// MustResolver is NewResolver that panics on error.
func MustResolver(rules []Rule) *Resolver {
	r, err := NewResolver(rules)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the rule covering path. ok is false for paths outside the
// API tree.
func (r *Resolver) Resolve(path string) (Rule, bool) {
	path = strings.Trim(path, ".")
	for _, rule := range r.rules {
		if rule.exact.Match(path) || rule.below.Match(path) {
			return rule.Rule, true
		}
	}
	return Rule{}, false
}
