// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package capability maps host API paths to permissions and records which
// permissions each plugin holds.
//
// Pattern matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
//
// Examples:
//   - "fs.*" grants "fs.read" and "fs.write" but not "db.read"
//   - "**" grants every permission and is meant for trusted builtin plugins
package capability

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gobwas/glob"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

// compiledGrant holds a pattern and its compiled glob.
type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer tracks the permissions granted to each plugin.
//
// Enforcer is safe for concurrent use. The zero value is ready to use.
type Enforcer struct {
	grants map[string][]compiledGrant // plugin id -> compiled grants
	mu     sync.RWMutex
}

// NewEnforcer creates an enforcer with no grants.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		grants: make(map[string][]compiledGrant),
	}
}

// SetGrants replaces the grants of a plugin. Patterns are compiled before
// any state changes, so a failing call leaves the enforcer untouched.
func (e *Enforcer) SetGrants(pluginID string, patterns []string) error {
	if pluginID == "" {
		return errors.New("plugin id cannot be empty")
	}

	compiled := make([]compiledGrant, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return fmt.Errorf("grant %d: empty permission pattern", i)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return fmt.Errorf("grant %d (%q): %w", i, pattern, err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[pluginID] = compiled
	return nil
}

// GrantPermissions is SetGrants for exact permissions.
func (e *Enforcer) GrantPermissions(pluginID string, perms []plugin.Permission) error {
	patterns := make([]string, len(perms))
	for i, p := range perms {
		if !p.Valid() {
			return fmt.Errorf("unknown permission %q", p)
		}
		patterns[i] = string(p)
	}
	return e.SetGrants(pluginID, patterns)
}

// IsRegistered reports whether the plugin has grants, possibly empty.
func (e *Enforcer) IsRegistered(pluginID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.grants == nil {
		return false
	}
	_, ok := e.grants[pluginID]
	return ok
}

// RemoveGrants forgets a plugin. Safe for unknown plugins.
func (e *Enforcer) RemoveGrants(pluginID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants == nil {
		return
	}
	delete(e.grants, pluginID)
}

// GetGrants returns a copy of the patterns granted to a plugin, or nil if
// the plugin is not registered.
func (e *Enforcer) GetGrants(pluginID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[pluginID]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// ListPlugins returns the registered plugin ids, sorted.
func (e *Enforcer) ListPlugins() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	plugins := make([]string, 0, len(e.grants))
	for id := range e.grants {
		plugins = append(plugins, id)
	}
	sort.Strings(plugins)
	return plugins
}

// Check reports whether the plugin holds perm. Unknown plugins and empty
// permissions are denied.
func (e *Enforcer) Check(pluginID string, perm plugin.Permission) bool {
	if perm == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[pluginID]
	if !ok {
		return false
	}
	for _, grant := range grants {
		if grant.glob.Match(string(perm)) {
			return true
		}
	}
	return false
}
