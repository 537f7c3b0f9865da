// Package store persists per-user reading progress and resolves
// concurrent writes from multiple devices.
//
// Conflict policy is last-writer-wins by client capture timestamp, with
// a hot window: for a short period after an accepted write, only the
// device that wrote it may override the record, even if a competing
// write carries a nominally newer timestamp. This closes the race where
// two devices push near-simultaneously and network reordering would let
// a slow stale push clobber a just-accepted fresher one.
package store

import (
	"context"
	"time"

	apperrors "github.com/alexjbarnes/reader-sync/internal/errors"
)

const (
	// HotWindow is how long after a server-accepted write a different
	// device may not override the record, regardless of timestamps.
	HotWindow = 10 * time.Second

	// MaxFutureSkew is the clock-skew guard: client timestamps further
	// than this in the future are rejected outright.
	MaxFutureSkew = 5 * time.Minute

	// MaxStaleAge is the stale-write guard: client timestamps older than
	// this are rejected outright.
	MaxStaleAge = 30 * 24 * time.Hour

	// DefaultListLimit bounds pull queries when the caller asks for
	// nothing specific.
	DefaultListLimit = 20

	// MaxListLimit is the hard cap on pull page size.
	MaxListLimit = 100
)

// Record is the authoritative server-side state for one (user, book)
// pair. Position is stored compressed and is opaque to the server.
// UpdatedAt is the client capture time in milliseconds and orders
// conflicting writes; ServerSyncedAt is server wall clock of the last
// accepted write and is used only for the hot-window check.
type Record struct {
	UserID         string
	BookID         string
	Position       string
	Percentage     float64
	PageNumber     int
	ChapterID      string
	DeviceID       string
	UpdatedAt      int64
	SyncVersion    int64
	ServerSyncedAt time.Time
}

// UpsertInput is one device's pushed progress for one book. The user is
// never part of the input; it comes from the authenticated session.
type UpsertInput struct {
	BookID     string
	Position   string
	Percentage float64
	PageNumber int
	ChapterID  string
	DeviceID   string
	UpdatedAt  int64
}

// UpsertResult reports whether the push was applied and the record state
// after the attempt. Rejected pushes still return the (unchanged) winner
// so the client can see what it lost to.
type UpsertResult struct {
	Updated bool
	Record  Record
}

// ProgressStore is the server-side progress persistence contract.
// Upsert must serialize concurrent calls for the same (user, book) pair;
// calls for different pairs may proceed in parallel.
type ProgressStore interface {
	Upsert(ctx context.Context, userID string, in UpsertInput) (UpsertResult, error)
	List(ctx context.Context, userID string, limit int) ([]Record, error)
}

// ValidateTimestamp rejects client timestamps outside the window the
// resolver is willing to order. Both failures are permanent for that
// payload: retrying the identical push will fail the same way.
func ValidateTimestamp(updatedAtMs int64, now time.Time) error {
	ts := time.UnixMilli(updatedAtMs)

	if ts.Sub(now) > MaxFutureSkew {
		return apperrors.ErrClockSkew
	}

	if now.Sub(ts) > MaxStaleAge {
		return apperrors.ErrStaleWrite
	}

	return nil
}

// shouldApply is the conflict-resolution decision, shared by every store
// implementation. It must run while the existing record is locked.
//
// Equal timestamps lose: a replayed push with an identical updatedAt is
// rejected, which is what makes Upsert idempotent on syncVersion.
// A device always may override its own prior write (retries, self
// correction), even inside another device's hot window.
func shouldApply(existing *Record, in UpsertInput, now time.Time) bool {
	if existing == nil {
		return true
	}

	if in.UpdatedAt <= existing.UpdatedAt {
		return false
	}

	if in.DeviceID == existing.DeviceID {
		return true
	}

	return now.Sub(existing.ServerSyncedAt) > HotWindow
}

// clampLimit normalizes a caller-supplied page size.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}

	if limit > MaxListLimit {
		return MaxListLimit
	}

	return limit
}

func recordFrom(userID string, in UpsertInput, syncVersion int64, now time.Time) Record {
	return Record{
		UserID:         userID,
		BookID:         in.BookID,
		Position:       in.Position,
		Percentage:     in.Percentage,
		PageNumber:     in.PageNumber,
		ChapterID:      in.ChapterID,
		DeviceID:       in.DeviceID,
		UpdatedAt:      in.UpdatedAt,
		SyncVersion:    syncVersion,
		ServerSyncedAt: now,
	}
}
