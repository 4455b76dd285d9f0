// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package plugin

import (
	"context"
	"time"
)

// API is the host API tree handed to plugin code. Each capability is an
// interface value that is nil unless the plugin holds the permission it
// requires, so unauthorized operations do not exist rather than failing
// at call time. Review and Timers are always present.
type API struct {
	Data    DataAPI
	UI      UIAPI
	System  SystemAPI
	IPC     IPCAPI
	Network Network
	Review  Review
	Timers  Timers
}

// DataAPI groups file system and database access.
type DataAPI struct {
	FS       FSAPI
	Database DatabaseAPI
}

// FSAPI groups file system capabilities.
type FSAPI struct {
	Reader  FileReader  // fs.read
	Writer  FileWriter  // fs.write
	Deleter FileDeleter // fs.delete
	Watcher FileWatcher // fs.watch
}

// DatabaseAPI groups database capabilities.
type DatabaseAPI struct {
	Reader DatabaseReader // db.read
	Writer DatabaseWriter // db.write
	Schema DatabaseSchema // db.schema
}

// UIAPI groups user interface capabilities.
type UIAPI struct {
	Dialogs       Dialogs    // ui.dialog
	Notifications Notifier   // ui.notification
	Elements      UIModifier // ui.modify
}

// SystemAPI groups system capabilities.
type SystemAPI struct {
	Commands  CommandRegistry // system.command
	Clipboard Clipboard       // system.clipboard
}

// IPCAPI groups inter-process channel capabilities.
type IPCAPI struct {
	Sender   IPCSender   // ipc.send
	Receiver IPCReceiver // ipc.receive
}

// FileInfo describes a file returned by Stat.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	ModTime time.Time `json:"modTime"`
}

// FileReader reads from the workspace.
type FileReader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	ReadDir(ctx context.Context, path string) ([]FileInfo, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
}

// FileWriter writes to the workspace.
type FileWriter interface {
	WriteFile(ctx context.Context, path string, data []byte) error
	MkdirAll(ctx context.Context, path string) error
}

// FileDeleter removes workspace entries.
type FileDeleter interface {
	Remove(ctx context.Context, path string) error
}

// FileEvent is a change notification from a FileWatcher.
type FileEvent struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}

// FileWatcher watches workspace paths for changes.
type FileWatcher interface {
	Watch(ctx context.Context, path string, fn func(FileEvent)) (Disposable, error)
}

// Record is one database document.
type Record map[string]any

// DatabaseReader queries host collections.
type DatabaseReader interface {
	Get(ctx context.Context, collection, id string) (Record, error)
	Query(ctx context.Context, collection string, filter map[string]any) ([]Record, error)
}

// DatabaseWriter mutates host collections.
type DatabaseWriter interface {
	Put(ctx context.Context, collection, id string, rec Record) error
	Delete(ctx context.Context, collection, id string) error
}

// DatabaseSchema manages host collections.
type DatabaseSchema interface {
	CreateCollection(ctx context.Context, name string) error
	DropCollection(ctx context.Context, name string) error
}

// Request is an outbound network request.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Response is the result of a network request.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Network performs outbound requests.
type Network interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// Dialogs shows modal interactions.
type Dialogs interface {
	ShowMessage(ctx context.Context, title, message string) error
	Confirm(ctx context.Context, title, message string) (bool, error)
	Prompt(ctx context.Context, title, placeholder string) (string, error)
}

// Notification levels.
const (
	NotifyInfo    = "info"
	NotifyWarning = "warning"
	NotifyError   = "error"
)

// Notifier shows transient notifications.
type Notifier interface {
	Notify(ctx context.Context, level, message string) error
}

// Element is a handle to a host UI element.
type Element interface {
	ID() string
	Kind() string
	SetAttribute(ctx context.Context, name string, value any) error
	AppendChild(ctx context.Context, child Element) error
	RemoveChild(ctx context.Context, child Element) error
	Remove(ctx context.Context) error
}

// Panel is a sidebar panel contributed by a plugin.
type Panel struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Icon  string `json:"icon,omitempty"`
}

// UIModifier creates and mutates host UI elements.
type UIModifier interface {
	CreateElement(ctx context.Context, kind string) (Element, error)
	FindElement(ctx context.Context, id string) (Element, error)
	RegisterPanel(ctx context.Context, p Panel) (Disposable, error)
	SetStatus(ctx context.Context, id, text string) error
}

// CommandFunc implements a registered command.
type CommandFunc func(ctx context.Context, args []any) (any, error)

// CommandRegistry registers and runs host commands.
type CommandRegistry interface {
	Register(ctx context.Context, id string, fn CommandFunc) (Disposable, error)
	Execute(ctx context.Context, id string, args []any) (any, error)
}

// Clipboard reads and writes the system clipboard.
type Clipboard interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, text string) error
}

// IPCSender publishes on host IPC channels.
type IPCSender interface {
	Send(ctx context.Context, channel string, payload any) error
}

// IPCReceiver subscribes to host IPC channels.
type IPCReceiver interface {
	Receive(ctx context.Context, channel string, fn func(ctx context.Context, payload any)) (Disposable, error)
}

// Card is a spaced-repetition review card.
type Card struct {
	ID     string    `json:"id"`
	NoteID string    `json:"noteId"`
	Due    time.Time `json:"due"`
}

// Review exposes the review subsystem. It is not permission gated.
type Review interface {
	DueCards(ctx context.Context, limit int) ([]Card, error)
	RecordResult(ctx context.Context, cardID string, grade int) error
}

// Timers schedules callbacks that are cancelled when the plugin's sandbox
// is destroyed.
type Timers interface {
	AfterFunc(d time.Duration, fn func()) Disposable
	Every(d time.Duration, fn func()) Disposable
}
