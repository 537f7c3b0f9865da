package progress

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/alexjbarnes/reader-sync/internal/state"
)

const testDeviceID = "device-aaaa"

func newTestCoordinator(t *testing.T, pusher Pusher) (*Coordinator, *state.State) {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	c := NewCoordinator(CoordinatorConfig{
		State:      st,
		Pusher:     pusher,
		DeviceID:   testDeviceID,
		Logger:     slog.New(slog.DiscardHandler),
		FlushDelay: 2 * time.Second,
	})

	return c, st
}

func TestCoordinator_SaveIsDurableBeforePush(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockPusher(ctrl)

	c, st := newTestCoordinator(t, mock)

	// No push has happened yet, but the save is already on disk.
	require.NoError(t, c.SaveProgress("book-1", "epubcfi(/6/4!/4/2)", 0.25, 42, "ch-3"))

	rec, err := st.GetProgress("book-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "epubcfi(/6/4!/4/2)", rec.Position)
	assert.Equal(t, 0.25, rec.Percentage)
	assert.Equal(t, 42, rec.PageNumber)
	assert.Equal(t, "ch-3", rec.ChapterID)
	assert.Equal(t, testDeviceID, rec.DeviceID)
	assert.False(t, rec.Synced)

	assert.Equal(t, StatusSyncing, c.Status("book-1"))
}

func TestCoordinator_BurstPushesOnlyLatest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockPusher(ctrl)
		c, st := newTestCoordinator(t, mock)

		mock.EXPECT().Push(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ any, rec state.ProgressRecord) (*PushResult, error) {
				assert.Equal(t, "pos-3", rec.Position)
				return &PushResult{Status: PushUpdated}, nil
			})

		require.NoError(t, c.SaveProgress("book-1", "pos-1", 0.1, 0, ""))
		require.NoError(t, c.SaveProgress("book-1", "pos-2", 0.2, 0, ""))
		require.NoError(t, c.SaveProgress("book-1", "pos-3", 0.3, 0, ""))

		time.Sleep(2*time.Second + time.Millisecond)
		synctest.Wait()

		rec, err := st.GetProgress("book-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.True(t, rec.Synced)
		assert.Equal(t, StatusSynced, c.Status("book-1"))
	})
}

func TestCoordinator_TransientFailureBacksOffThenRetries(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockPusher(ctrl)
		c, st := newTestCoordinator(t, mock)

		gomock.InOrder(
			mock.EXPECT().Push(gomock.Any(), gomock.Any()).
				Return(nil, &TransientError{Err: assert.AnError}),
			mock.EXPECT().Push(gomock.Any(), gomock.Any()).
				Return(&PushResult{Status: PushUpdated}, nil),
		)

		require.NoError(t, c.SaveProgress("book-1", "pos-1", 0.1, 0, ""))

		time.Sleep(2*time.Second + time.Millisecond)
		synctest.Wait()

		// Failed push: still pending, still unsynced.
		assert.Equal(t, 1, c.deb.Pending())
		rec, err := st.GetProgress("book-1")
		require.NoError(t, err)
		assert.False(t, rec.Synced)

		// Inside the backoff window a flush attempts nothing.
		c.Flush()
		synctest.Wait()
		assert.Equal(t, 1, c.deb.Pending())

		// Past the backoff window the retry goes through.
		time.Sleep(3 * time.Second)
		c.Flush()
		synctest.Wait()

		assert.Equal(t, 0, c.deb.Pending())
		rec, err = st.GetProgress("book-1")
		require.NoError(t, err)
		assert.True(t, rec.Synced)
		assert.Equal(t, StatusSynced, c.Status("book-1"))
	})
}

func TestCoordinator_PermanentFailureGivesUp(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockPusher(ctrl)
		c, st := newTestCoordinator(t, mock)

		// A permanently rejected payload is pushed exactly once.
		mock.EXPECT().Push(gomock.Any(), gomock.Any()).
			Return(nil, assert.AnError)

		require.NoError(t, c.SaveProgress("book-1", "pos-1", 0.1, 0, ""))

		time.Sleep(2*time.Second + time.Millisecond)
		synctest.Wait()

		assert.Equal(t, 0, c.deb.Pending())
		assert.Equal(t, StatusError, c.Status("book-1"))

		rec, err := st.GetProgress("book-1")
		require.NoError(t, err)
		assert.False(t, rec.Synced)

		// Nothing further ever goes out for it.
		time.Sleep(10 * time.Minute)
		c.Flush()
		synctest.Wait()
	})
}

func TestCoordinator_IgnoredPushLeavesLocalUnsynced(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockPusher(ctrl)
		c, st := newTestCoordinator(t, mock)

		mock.EXPECT().Push(gomock.Any(), gomock.Any()).
			Return(&PushResult{Status: PushIgnored, Reason: "older_timestamp"}, nil)

		require.NoError(t, c.SaveProgress("book-1", "pos-1", 0.1, 0, ""))

		time.Sleep(2*time.Second + time.Millisecond)
		synctest.Wait()

		// Not requeued: the pull reconciler will bring down the winner.
		assert.Equal(t, 0, c.deb.Pending())

		rec, err := st.GetProgress("book-1")
		require.NoError(t, err)
		assert.False(t, rec.Synced)
	})
}

func TestCoordinator_NewerSaveDuringPushStaysUnsynced(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockPusher(ctrl)
		c, st := newTestCoordinator(t, mock)

		mock.EXPECT().Push(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ any, rec state.ProgressRecord) (*PushResult, error) {
				// While the push is in flight, the reader turns a page.
				newer := rec
				newer.Position = "pos-2"
				newer.UpdatedAt = rec.UpdatedAt + 500
				require.NoError(t, st.PutProgress(newer))
				return &PushResult{Status: PushUpdated}, nil
			})

		require.NoError(t, c.SaveProgress("book-1", "pos-1", 0.1, 0, ""))

		time.Sleep(2*time.Second + time.Millisecond)
		synctest.Wait()

		// The ack is for the old payload: the newer record must not be
		// marked synced.
		rec, err := st.GetProgress("book-1")
		require.NoError(t, err)
		assert.Equal(t, "pos-2", rec.Position)
		assert.False(t, rec.Synced)
	})
}

func TestCoordinator_SyncedRecordSkipped(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockPusher(ctrl)
		c, st := newTestCoordinator(t, mock)

		require.NoError(t, st.PutProgress(state.ProgressRecord{
			BookID:    "book-1",
			Position:  "pos-1",
			UpdatedAt: time.Now().UnixMilli(),
			DeviceID:  testDeviceID,
			Synced:    true,
		}))

		// No Push expected.
		c.deb.Enqueue("book-1")

		time.Sleep(2*time.Second + time.Millisecond)
		synctest.Wait()

		assert.Equal(t, 0, c.deb.Pending())
	})
}

func TestCoordinator_StatusDefaultsToSynced(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, _ := newTestCoordinator(t, NewMockPusher(ctrl))

	assert.Equal(t, StatusSynced, c.Status("never-seen"))
}

func TestCoordinator_NoteReconciled(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, _ := newTestCoordinator(t, NewMockPusher(ctrl))

	c.setStatus("book-1", StatusError)
	c.backoff("book-1")

	c.NoteReconciled("book-1")

	assert.Equal(t, StatusSynced, c.Status("book-1"))
	assert.True(t, c.attemptDue("book-1"))
}

func TestCoordinator_BackoffDoublesAndCaps(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, _ := newTestCoordinator(t, NewMockPusher(ctrl))

	for i := 0; i < 20; i++ {
		c.backoff("book-1")
	}

	c.mu.Lock()
	delay := c.retry["book-1"].delay
	c.mu.Unlock()

	assert.Equal(t, maxRetryDelay, delay)
}

func TestCoordinator_RunRetriesIdlePending(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockPusher(ctrl)
		c, _ := newTestCoordinator(t, mock)

		gomock.InOrder(
			mock.EXPECT().Push(gomock.Any(), gomock.Any()).
				Return(nil, &TransientError{Err: assert.AnError}),
			mock.EXPECT().Push(gomock.Any(), gomock.Any()).
				Return(&PushResult{Status: PushUpdated}, nil),
		)

		done := make(chan error, 1)
		ctx, cancel := context.WithCancel(t.Context())
		go func() { done <- c.Run(ctx) }()

		require.NoError(t, c.SaveProgress("book-1", "pos-1", 0.1, 0, ""))

		// First flush fails; the retry tick picks it up once the
		// backoff has expired, with no further saves.
		time.Sleep(time.Minute)
		synctest.Wait()

		assert.Equal(t, 0, c.deb.Pending())
		assert.Equal(t, StatusSynced, c.Status("book-1"))

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})
}
