package progress

import (
	"sync"
	"time"
)

// DefaultFlushDelay is the quiet period after the last save before the
// pending set is flushed to the server.
const DefaultFlushDelay = 2 * time.Second

// FlushFunc receives the drained set of pending book IDs and returns
// the IDs whose push failed and should be retried on the next flush.
type FlushFunc func(bookIDs []string) (requeue []string)

// Debouncer coalesces bursts of saves into a single flush. It tracks
// pending book IDs, not payloads: the flush reads the latest record
// from the local store, so rapid saves to one book cost one push.
type Debouncer struct {
	delay time.Duration
	flush FlushFunc

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

// NewDebouncer creates a debouncer that calls flush after delay has
// elapsed with no new enqueues.
func NewDebouncer(delay time.Duration, flush FlushFunc) *Debouncer {
	if delay <= 0 {
		delay = DefaultFlushDelay
	}

	return &Debouncer{
		delay:   delay,
		flush:   flush,
		pending: make(map[string]struct{}),
	}
}

// Enqueue marks bookID as needing a push and restarts the quiet-period
// timer.
func (d *Debouncer) Enqueue(bookID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending[bookID] = struct{}{}

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, d.fire)
}

// Flush drains and flushes the pending set immediately, bypassing the
// timer. Used on shutdown so a final save is not lost to the delay.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	d.fire()
}

// Pending returns the number of book IDs awaiting a flush.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pending)
}

// Stop cancels any scheduled flush. Pending IDs are kept and will go
// out on the next Enqueue or Flush.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) fire() {
	d.mu.Lock()

	if len(d.pending) == 0 {
		d.mu.Unlock()

		return
	}

	ids := make([]string, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}

	d.pending = make(map[string]struct{})
	d.mu.Unlock()

	// The flush runs outside the lock so new saves are never blocked on
	// network I/O.
	requeue := d.flush(ids)

	if len(requeue) == 0 {
		return
	}

	// Failed IDs rejoin the pending set without restarting the timer:
	// they ride along with the next save-triggered flush, or a retry
	// tick if the device has gone idle.
	d.mu.Lock()
	for _, id := range requeue {
		d.pending[id] = struct{}{}
	}
	d.mu.Unlock()
}
