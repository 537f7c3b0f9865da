package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/reader-sync/internal/state"
)

const (
	// pushTimeout bounds a single flush's network work.
	pushTimeout = 30 * time.Second

	// retryTick drives flushes for records stuck in backoff when the
	// device is otherwise idle.
	retryTick = 30 * time.Second

	initialRetryDelay = 2 * time.Second
	maxRetryDelay     = 5 * time.Minute
)

// CoordinatorConfig carries the dependencies for a Coordinator.
type CoordinatorConfig struct {
	State    *state.State
	Pusher   Pusher
	DeviceID string
	Logger   *slog.Logger

	// FlushDelay overrides the debounce quiet period. Zero means
	// DefaultFlushDelay.
	FlushDelay time.Duration
}

// Coordinator owns the save path: every save lands in the local store
// synchronously, then the book is queued for a debounced push. Push
// failures never fail a save.
type Coordinator struct {
	state    *state.State
	pusher   Pusher
	deviceID string
	logger   *slog.Logger
	deb      *Debouncer
	now      func() time.Time

	mu     sync.Mutex
	status map[string]SyncStatus
	retry  map[string]*retryState
}

// retryState gates push attempts for a book whose last push hit a
// transient failure.
type retryState struct {
	delay       time.Duration
	nextAttempt time.Time
}

// NewCoordinator creates a coordinator. Saves are accepted immediately;
// call Run to also get idle retries for backed-off pushes.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		state:    cfg.State,
		pusher:   cfg.Pusher,
		deviceID: cfg.DeviceID,
		logger:   cfg.Logger,
		now:      time.Now,
		status:   make(map[string]SyncStatus),
		retry:    make(map[string]*retryState),
	}

	c.deb = NewDebouncer(cfg.FlushDelay, c.flush)

	return c
}

// SaveProgress durably records a reading position and queues it for
// sync. It returns an error only when the local write fails; the cloud
// push happens in the background.
func (c *Coordinator) SaveProgress(bookID, pos string, percentage float64, pageNumber int, chapterID string) error {
	rec := state.ProgressRecord{
		BookID:     bookID,
		Position:   pos,
		Percentage: percentage,
		PageNumber: pageNumber,
		ChapterID:  chapterID,
		UpdatedAt:  c.now().UnixMilli(),
		DeviceID:   c.deviceID,
		Synced:     false,
	}

	if err := c.state.PutProgress(rec); err != nil {
		return fmt.Errorf("saving progress for %s: %w", bookID, err)
	}

	c.mu.Lock()
	c.status[bookID] = StatusSyncing
	// A fresh save means the reader is active again, so any backoff
	// from an earlier failure is cleared.
	delete(c.retry, bookID)
	c.mu.Unlock()

	c.deb.Enqueue(bookID)

	return nil
}

// Status reports the cloud sync state for bookID.
func (c *Coordinator) Status(bookID string) SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.status[bookID]; ok {
		return s
	}

	return StatusSynced
}

// NoteReconciled records that a pull applied the server's state for
// bookID, which supersedes any in-flight push concern.
func (c *Coordinator) NoteReconciled(bookID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status[bookID] = StatusSynced
	delete(c.retry, bookID)
}

// Flush pushes everything pending right now. Called on shutdown.
func (c *Coordinator) Flush() {
	c.deb.Flush()
}

// Run flushes backed-off records on a slow tick until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(retryTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.deb.Stop()

			return ctx.Err()
		case <-ticker.C:
			if c.deb.Pending() > 0 {
				c.deb.Flush()
			}
		}
	}
}

// flush pushes each pending book's latest stored record, returning the
// IDs that should be retried.
func (c *Coordinator) flush(bookIDs []string) []string {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	var requeue []string

	for _, bookID := range bookIDs {
		if !c.attemptDue(bookID) {
			requeue = append(requeue, bookID)

			continue
		}

		retry, err := c.pushOne(ctx, bookID)
		if err != nil {
			c.logger.Warn("push failed", "book_id", bookID, "retry", retry, "error", err)
		}

		if retry {
			requeue = append(requeue, bookID)
		}
	}

	return requeue
}

// pushOne pushes the current stored record for bookID. The returned
// bool reports whether the book should be requeued.
func (c *Coordinator) pushOne(ctx context.Context, bookID string) (bool, error) {
	rec, err := c.state.GetProgress(bookID)
	if err != nil {
		return true, fmt.Errorf("loading progress: %w", err)
	}

	if rec == nil || rec.Synced {
		return false, nil
	}

	res, err := c.pusher.Push(ctx, *rec)
	if err != nil {
		if IsTransient(err) {
			c.backoff(bookID)

			return true, err
		}

		// Permanent rejection (clock skew, stale write, bad request):
		// retrying the same payload cannot succeed. The record stays
		// local until a newer save replaces it.
		c.setStatus(bookID, StatusError)

		return false, err
	}

	c.clearBackoff(bookID)

	switch res.Status {
	case PushUpdated:
		if err := c.markSynced(*rec); err != nil {
			return true, err
		}

		c.setStatus(bookID, StatusSynced)
	default:
		// The server kept a newer write from another device. The local
		// record is left as-is; the next pull brings the winner down.
		c.logger.Debug("push superseded", "book_id", bookID, "status", res.Status, "reason", res.Reason)
	}

	return false, nil
}

// markSynced flips the stored record's synced flag, unless a newer save
// landed while the push was in flight.
func (c *Coordinator) markSynced(pushed state.ProgressRecord) error {
	current, err := c.state.GetProgress(pushed.BookID)
	if err != nil {
		return fmt.Errorf("reloading progress: %w", err)
	}

	if current == nil || current.UpdatedAt != pushed.UpdatedAt {
		return nil
	}

	current.Synced = true

	if err := c.state.PutProgress(*current); err != nil {
		return fmt.Errorf("marking synced: %w", err)
	}

	return nil
}

func (c *Coordinator) setStatus(bookID string, s SyncStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status[bookID] = s
}

// attemptDue reports whether bookID is past its backoff gate.
func (c *Coordinator) attemptDue(bookID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.retry[bookID]
	if !ok {
		return true
	}

	return !c.now().Before(r.nextAttempt)
}

// backoff doubles the retry delay for bookID, capped at maxRetryDelay.
func (c *Coordinator) backoff(bookID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.retry[bookID]
	if !ok {
		r = &retryState{delay: initialRetryDelay}
		c.retry[bookID] = r
	} else {
		r.delay *= 2
		if r.delay > maxRetryDelay {
			r.delay = maxRetryDelay
		}
	}

	r.nextAttempt = c.now().Add(r.delay)
}

func (c *Coordinator) clearBackoff(bookID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.retry, bookID)
}
