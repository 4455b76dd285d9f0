// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

// Package plugin defines the contract between the plugin runtime and plugin code.
package plugin

import "slices"

// Permission is a named capability a plugin must declare before it can use
// a gated host API.
type Permission string

// Permissions a manifest may request. The set is closed.
const (
	PermFSRead          Permission = "fs.read"
	PermFSWrite         Permission = "fs.write"
	PermFSDelete        Permission = "fs.delete"
	PermFSWatch         Permission = "fs.watch"
	PermDBRead          Permission = "db.read"
	PermDBWrite         Permission = "db.write"
	PermDBSchema        Permission = "db.schema"
	PermNetworkRequest  Permission = "network.request"
	PermUIModify        Permission = "ui.modify"
	PermUIDialog        Permission = "ui.dialog"
	PermUINotification  Permission = "ui.notification"
	PermSystemCommand   Permission = "system.command"
	PermSystemClipboard Permission = "system.clipboard"
	PermIPCSend         Permission = "ipc.send"
	PermIPCReceive      Permission = "ipc.receive"
)

var allPermissions = []Permission{
	PermFSRead, PermFSWrite, PermFSDelete, PermFSWatch,
	PermDBRead, PermDBWrite, PermDBSchema,
	PermNetworkRequest,
	PermUIModify, PermUIDialog, PermUINotification,
	PermSystemCommand, PermSystemClipboard,
	PermIPCSend, PermIPCReceive,
}

// AllPermissions returns every known permission.
func AllPermissions() []Permission {
	return slices.Clone(allPermissions)
}

// Valid reports whether p is one of the known permissions.
func (p Permission) Valid() bool {
	return slices.Contains(allPermissions, p)
}

func (p Permission) String() string { return string(p) }
