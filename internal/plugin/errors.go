// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package plugin

import "errors"

// Error codes attached to lifecycle errors.
const (
	CodePluginNotFound      = "PLUGIN_NOT_FOUND"
	CodeAlreadyLoaded       = "PLUGIN_ALREADY_LOADED"
	CodeInvalidState        = "INVALID_STATE"
	CodeDependencyNotFound  = "DEPENDENCY_NOT_FOUND"
	CodeDependencyVersion   = "DEPENDENCY_VERSION"
	CodeCyclicDependency    = "CYCLIC_DEPENDENCY"
	CodeActiveDependents    = "ACTIVE_DEPENDENTS"
	CodeLifecycleFailed     = "LIFECYCLE_FAILED"
	CodeEngineIncompatible  = "ENGINE_INCOMPATIBLE"
	CodePersistenceRequired = "PERSISTENCE_REQUIRED"
)

// Sentinel errors wrapped by lifecycle errors.
var (
	ErrPluginNotFound     = errors.New("plugin not found")
	ErrAlreadyLoaded      = errors.New("plugin already loaded")
	ErrInvalidState       = errors.New("invalid plugin state")
	ErrDependencyNotFound = errors.New("dependency not found")
	ErrDependencyVersion  = errors.New("dependency version not satisfied")
	ErrActiveDependents   = errors.New("plugin has active dependents")
	ErrEngineIncompatible = errors.New("plugin does not support this host version")
	ErrNoPersistence      = errors.New("no persistence store configured")
	ErrManagerClosed      = errors.New("plugin manager closed")
	ErrBuiltinNotFound    = errors.New("builtin plugin not registered")
	ErrBinaryUnavailable  = errors.New("binary plugins are not enabled")
	ErrVersionNotNewer    = errors.New("update version is not newer")
)
