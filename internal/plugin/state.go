// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package plugin

// State is the lifecycle state of a loaded plugin.
type State int

// Lifecycle states. State only changes through the Manager.
const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateInitializing
	StateActive
	StateInactive
	StateUnloading
	StateError
)

var stateNames = [...]string{
	StateUnloaded:     "UNLOADED",
	StateLoading:      "LOADING",
	StateLoaded:       "LOADED",
	StateInitializing: "INITIALIZING",
	StateActive:       "ACTIVE",
	StateInactive:     "INACTIVE",
	StateUnloading:    "UNLOADING",
	StateError:        "ERROR",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// canActivate reports whether activation may start from s.
func (s State) canActivate() bool {
	return s == StateLoaded || s == StateInactive
}
