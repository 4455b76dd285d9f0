// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package manifest parses and validates plugin manifests.
//
// A manifest is read from plugin.yaml, plugin.yml or plugin.json in the
// plugin directory. JSON is accepted by the same decoder since it is a
// subset of YAML.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

// ErrInvalidManifest is wrapped by every validation failure.
var ErrInvalidManifest = errors.New("invalid manifest")

// Type identifies the plugin runtime.
type Type string

// Plugin types supported by the runtime.
const (
	TypeLua     Type = "lua"
	TypeBinary  Type = "binary"
	TypeBuiltin Type = "builtin"
)

// Manifest is the declared identity and requirements of a plugin.
// It is treated as immutable once parsed.
type Manifest struct {
	ID            string              `yaml:"id" json:"id" jsonschema:"required,pattern=^[a-z0-9]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Name          string              `yaml:"name" json:"name" jsonschema:"required,minLength=1"`
	Version       string              `yaml:"version" json:"version" jsonschema:"required,pattern=^[0-9]+\\.[0-9]+\\.[0-9]+"`
	Description   string              `yaml:"description" json:"description" jsonschema:"required,minLength=1"`
	Author        string              `yaml:"author" json:"author" jsonschema:"required,minLength=1"`
	License       string              `yaml:"license,omitempty" json:"license,omitempty"`
	Homepage      string              `yaml:"homepage,omitempty" json:"homepage,omitempty"`
	Repository    string              `yaml:"repository,omitempty" json:"repository,omitempty"`
	Type          Type                `yaml:"type" json:"type" jsonschema:"required,enum=lua,enum=binary,enum=builtin"`
	Engines       Engines             `yaml:"engines,omitempty" json:"engines,omitempty"`
	Dependencies  map[string]string   `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Permissions   []plugin.Permission `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Contributes   Contributes         `yaml:"contributes,omitempty" json:"contributes,omitempty"`
	Configuration map[string]any      `yaml:"configuration,omitempty" json:"configuration,omitempty"`
	LuaPlugin     *LuaConfig          `yaml:"lua-plugin,omitempty" json:"lua-plugin,omitempty"`
	BinaryPlugin  *BinaryConfig       `yaml:"binary-plugin,omitempty" json:"binary-plugin,omitempty"`
}

// Engines declares host compatibility.
type Engines struct {
	// Host is a semver constraint the host version must satisfy.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
}

// LuaConfig holds Lua-specific configuration.
type LuaConfig struct {
	Entry string `yaml:"entry" json:"entry" jsonschema:"required"`
}

// BinaryConfig holds binary plugin configuration.
type BinaryConfig struct {
	Executable string `yaml:"executable" json:"executable" jsonschema:"required"`
}

// Contributes lists the contribution points a plugin declares.
type Contributes struct {
	Commands    []CommandContribution    `yaml:"commands,omitempty" json:"commands,omitempty"`
	Keybindings []KeybindingContribution `yaml:"keybindings,omitempty" json:"keybindings,omitempty"`
	Sidebar     []SidebarContribution    `yaml:"sidebar,omitempty" json:"sidebar,omitempty"`
	Algorithms  []AlgorithmContribution  `yaml:"algorithms,omitempty" json:"algorithms,omitempty"`
	Themes      []ThemeContribution      `yaml:"themes,omitempty" json:"themes,omitempty"`
	Languages   []LanguageContribution   `yaml:"languages,omitempty" json:"languages,omitempty"`
}

// CommandContribution declares a command.
type CommandContribution struct {
	ID          string `yaml:"id" json:"id" jsonschema:"required"`
	Title       string `yaml:"title" json:"title" jsonschema:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Category    string `yaml:"category,omitempty" json:"category,omitempty"`
}

// KeybindingContribution binds a key chord to a command.
type KeybindingContribution struct {
	ID      string `yaml:"id" json:"id" jsonschema:"required"`
	Key     string `yaml:"key" json:"key" jsonschema:"required"`
	Command string `yaml:"command" json:"command" jsonschema:"required"`
	When    string `yaml:"when,omitempty" json:"when,omitempty"`
}

// SidebarContribution declares a sidebar panel.
type SidebarContribution struct {
	ID        string `yaml:"id" json:"id" jsonschema:"required"`
	Title     string `yaml:"title" json:"title" jsonschema:"required"`
	Icon      string `yaml:"icon,omitempty" json:"icon,omitempty"`
	Component string `yaml:"component,omitempty" json:"component,omitempty"`
	Position  int    `yaml:"position,omitempty" json:"position,omitempty"`
}

// AlgorithmContribution declares a diff or review algorithm.
type AlgorithmContribution struct {
	Type        string `yaml:"type" json:"type" jsonschema:"required,enum=diff,enum=review"`
	ID          string `yaml:"id" json:"id" jsonschema:"required"`
	Name        string `yaml:"name" json:"name" jsonschema:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ThemeContribution declares a color theme.
type ThemeContribution struct {
	ID     string            `yaml:"id" json:"id" jsonschema:"required"`
	Name   string            `yaml:"name" json:"name" jsonschema:"required"`
	Type   string            `yaml:"type" json:"type" jsonschema:"required,enum=dark,enum=light"`
	Colors map[string]string `yaml:"colors,omitempty" json:"colors,omitempty"`
}

// LanguageContribution declares a language mode.
type LanguageContribution struct {
	ID         string   `yaml:"id" json:"id" jsonschema:"required"`
	Name       string   `yaml:"name" json:"name" jsonschema:"required"`
	Extensions []string `yaml:"extensions,omitempty" json:"extensions,omitempty"`
}

// maxIDLength is the maximum allowed length for plugin ids.
const maxIDLength = 64

// idPattern validates plugin ids: lowercase letters, digits and hyphens,
// not starting or ending with a hyphen.
var idPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// versionPattern is the required prefix of every version string.
var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+`)

// FileNames are the manifest file names looked up in a plugin directory,
// in order of preference.
var FileNames = []string{"plugin.yaml", "plugin.yml", "plugin.json"}

// ValidID reports whether id is a well-formed plugin id.
func ValidID(id string) bool {
	return id != "" && len(id) <= maxIDLength && idPattern.MatchString(id)
}

// Parse decodes and validates manifest data (YAML or JSON).
func Parse(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, invalid("", "manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, oops.In("manifest").Code("MANIFEST_INVALID").Wrap(fmt.Errorf("%w: %w", ErrInvalidManifest, err))
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Find returns the path of the manifest file in dir.
func Find(dir string) (string, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", oops.In("manifest").Code("MANIFEST_NOT_FOUND").With("dir", dir).
		Errorf("no manifest found in %s (looked for %v)", dir, FileNames)
}

// Exists reports whether dir contains a manifest file.
func Exists(dir string) bool {
	_, err := Find(dir)
	return err == nil
}

// Load finds, reads and validates the manifest in dir.
func Load(dir string) (*Manifest, error) {
	path, err := Find(dir)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.In("manifest").With("path", path).Wrap(err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, oops.In("manifest").With("path", path).Wrap(err)
	}
	return m, nil
}

// Validate checks manifest constraints and fails on the first violation.
func (m *Manifest) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"id", m.ID},
		{"name", m.Name},
		{"version", m.Version},
		{"description", m.Description},
		{"author", m.Author},
	}
	for _, r := range required {
		if r.value == "" {
			return invalid(r.field, "missing required field %s", r.field)
		}
	}

	if !ValidID(m.ID) {
		return invalid("id", "id %q must be at most %d characters of a-z, 0-9 and hyphens, and not start or end with a hyphen", m.ID, maxIDLength)
	}

	if !versionPattern.MatchString(m.Version) {
		return invalid("version", "invalid version format %q", m.Version)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return invalid("version", "invalid version %q: %v", m.Version, err)
	}

	if m.Engines.Host != "" {
		if _, err := semver.NewConstraint(m.Engines.Host); err != nil {
			return invalid("engines.host", "invalid host version range %q: %v", m.Engines.Host, err)
		}
	}

	for dep, rng := range m.Dependencies {
		if !ValidID(dep) {
			return invalid("dependencies", "invalid dependency id %q", dep)
		}
		if dep == m.ID {
			return invalid("dependencies", "plugin %s depends on itself", m.ID)
		}
		if _, err := constraint(rng); err != nil {
			return invalid("dependencies", "invalid version range %q for dependency %s: %v", rng, dep, err)
		}
	}

	for _, p := range m.Permissions {
		if !p.Valid() {
			return invalid("permissions", "unknown permission %q", p)
		}
	}

	for i, c := range m.Contributes.Commands {
		if c.ID == "" || c.Title == "" {
			return invalid("contributes.commands", "command %d requires id and title", i)
		}
	}
	for i, a := range m.Contributes.Algorithms {
		if a.Type != "diff" && a.Type != "review" {
			return invalid("contributes.algorithms", "algorithm %d has type %q, want diff or review", i, a.Type)
		}
	}

	switch m.Type {
	case TypeLua:
		if m.LuaPlugin == nil || m.LuaPlugin.Entry == "" {
			return invalid("lua-plugin", "lua-plugin.entry is required when type is lua")
		}
	case TypeBinary:
		if m.BinaryPlugin == nil || m.BinaryPlugin.Executable == "" {
			return invalid("binary-plugin", "binary-plugin.executable is required when type is binary")
		}
	case TypeBuiltin:
	default:
		return invalid("type", "type must be 'lua', 'binary' or 'builtin', got %q", m.Type)
	}

	return nil
}

// SemVer returns the parsed version. Validate guarantees it parses.
func (m *Manifest) SemVer() *semver.Version {
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil
	}
	return v
}

// DependencyIDs returns the declared dependency ids, sorted.
func (m *Manifest) DependencyIDs() []string {
	ids := make([]string, 0, len(m.Dependencies))
	for id := range m.Dependencies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasPermission reports whether the manifest requests p.
func (m *Manifest) HasPermission(p plugin.Permission) bool {
	return slices.Contains(m.Permissions, p)
}

// SatisfiesDependency reports whether version satisfies the range declared
// for dependency id. Undeclared dependencies never match.
func (m *Manifest) SatisfiesDependency(id, version string) (bool, error) {
	rng, ok := m.Dependencies[id]
	if !ok {
		return false, nil
	}
	c, err := constraint(rng)
	if err != nil {
		return false, err
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, oops.In("manifest").With("dependency", id).With("version", version).Wrap(err)
	}
	return c.Check(v), nil
}

// SupportsHost reports whether hostVersion satisfies engines.host. An empty
// range accepts any host.
func (m *Manifest) SupportsHost(hostVersion string) (bool, error) {
	if m.Engines.Host == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(m.Engines.Host)
	if err != nil {
		return false, oops.In("manifest").With("engines.host", m.Engines.Host).Wrap(err)
	}
	v, err := semver.NewVersion(hostVersion)
	if err != nil {
		return false, oops.In("manifest").With("host_version", hostVersion).Wrap(err)
	}
	return c.Check(v), nil
}

// constraint parses a dependency range. Empty means any version.
func constraint(rng string) (*semver.Constraints, error) {
	if rng == "" {
		rng = "*"
	}
	c, err := semver.NewConstraint(rng)
	if err != nil {
		return nil, oops.In("manifest").With("range", rng).Wrap(err)
	}
	return c, nil
}

func invalid(field, format string, args ...any) error {
	b := oops.In("manifest").Code("MANIFEST_INVALID")
	if field != "" {
		b = b.With("field", field)
	}
	return b.Wrap(fmt.Errorf("%w: %s", ErrInvalidManifest, fmt.Sprintf(format, args...)))
}
