package progress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/reader-sync/internal/state"
)

const (
	// DefaultPullInterval is how often the reconciler polls the server.
	DefaultPullInterval = 15 * time.Second

	// DefaultPullLimit is the page size for a reconciliation pull.
	DefaultPullLimit = 20

	// localFreshnessWindow protects a record the reader is actively
	// updating from being clobbered by a pull, even one carrying a
	// newer timestamp from another device.
	localFreshnessWindow = 5 * time.Second
)

// ReconcilerConfig carries the dependencies for a Reconciler.
type ReconcilerConfig struct {
	State  *state.State
	Puller Puller
	Logger *slog.Logger

	// Interval and Limit override the polling defaults when non-zero.
	Interval time.Duration
	Limit    int

	// OnApplied, if set, is called for each book whose local record was
	// replaced by server state.
	OnApplied func(bookID string)
}

// Reconciler periodically pulls the server's most recent records and
// folds newer remote writes into the local store.
type Reconciler struct {
	state     *state.State
	puller    Puller
	logger    *slog.Logger
	interval  time.Duration
	limit     int
	onApplied func(string)
	now       func() time.Time
}

// NewReconciler creates a reconciler. Call Run to start polling.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPullInterval
	}

	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultPullLimit
	}

	return &Reconciler{
		state:     cfg.State,
		puller:    cfg.Puller,
		logger:    cfg.Logger,
		interval:  interval,
		limit:     limit,
		onApplied: cfg.OnApplied,
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled. A failed pull skips the cycle; the
// next tick tries again.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Warn("reconcile cycle failed", "error", err)
			}
		}
	}
}

// ReconcileOnce performs a single pull-and-merge pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	records, err := r.puller.Pull(ctx, r.limit)
	if err != nil {
		return fmt.Errorf("pulling records: %w", err)
	}

	for _, rec := range records {
		applied, err := r.applyOne(rec)
		if err != nil {
			return fmt.Errorf("applying record %s: %w", rec.BookID, err)
		}

		if applied {
			r.logger.Debug("applied server record",
				"book_id", rec.BookID,
				"device_id", rec.DeviceID,
				"updated_at", rec.UpdatedAt)

			if r.onApplied != nil {
				r.onApplied(rec.BookID)
			}
		}
	}

	return nil
}

// applyOne writes rec into the local store if it beats the local copy.
func (r *Reconciler) applyOne(rec ServerRecord) (bool, error) {
	local, err := r.state.GetProgress(rec.BookID)
	if err != nil {
		return false, err
	}

	if local != nil {
		if rec.UpdatedAt <= local.UpdatedAt {
			return false, nil
		}

		// The local record was just written, likely mid-session on this
		// device. Leave it alone; an unsynced one will be pushed and
		// lose (or win) at the server instead.
		age := r.now().UnixMilli() - local.UpdatedAt
		if age < localFreshnessWindow.Milliseconds() {
			return false, nil
		}
	}

	err = r.state.PutProgress(state.ProgressRecord{
		BookID:     rec.BookID,
		Position:   rec.Position,
		Percentage: rec.Percentage,
		PageNumber: rec.PageNumber,
		ChapterID:  rec.ChapterID,
		UpdatedAt:  rec.UpdatedAt,
		DeviceID:   rec.DeviceID,
		Synced:     true,
	})
	if err != nil {
		return false, err
	}

	return true, nil
}
