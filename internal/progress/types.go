// Package progress implements the device side of reading-position sync:
// synchronous durable saves, debounced pushes, and pull reconciliation.
package progress

import (
	"context"

	"github.com/alexjbarnes/reader-sync/internal/state"
)

//go:generate mockgen -source=types.go -destination=mocks_test.go -package=progress

// Push outcome statuses returned by the server resolver.
const (
	PushUpdated  = "updated"
	PushIgnored  = "ignored"
	PushConflict = "conflict"
)

// SyncStatus is the per-book cloud sync state surfaced to the UI. The
// local save itself always succeeds; this only reports whether the
// server has caught up.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusSyncing SyncStatus = "syncing"
	StatusError   SyncStatus = "error"
)

// ServerRecord is one authoritative record returned by the server, with
// the position already decompressed.
type ServerRecord struct {
	BookID      string
	Position    string
	Percentage  float64
	PageNumber  int
	ChapterID   string
	UpdatedAt   int64
	DeviceID    string
	SyncVersion int64
}

// Pusher submits one local record to the server resolver. Extracted for
// testability.
type Pusher interface {
	Push(ctx context.Context, rec state.ProgressRecord) (*PushResult, error)
}

// Puller fetches the most recently server-updated records, newest first.
type Puller interface {
	Pull(ctx context.Context, limit int) ([]ServerRecord, error)
}

// PushResult is the resolver's verdict on one pushed record. A
// non-updated status is not an error: the local write was stale and the
// next pull reconciliation will converge.
type PushResult struct {
	Status      string
	Reason      string
	ServerState *ServerRecord
}
