package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestRegistry returns a registry whose reap timers are collected
// instead of scheduled, so tests control retention expiry.
func newTestRegistry(t *testing.T) (*Registry, *[]func()) {
	t.Helper()
	r := NewRegistry(DefaultRetention, zaptest.NewLogger(t))
	var pending []func()
	r.after = func(_ time.Duration, fn func()) {
		pending = append(pending, fn)
	}
	return r, &pending
}

func TestCreateAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)

	snap, err := r.Create("alice", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, StatusCreated, snap.Status)

	got, ok := r.Get(snap.ID)
	require.True(t, ok)
	assert.Equal(t, "alice", got.UserID)
}

func TestOneRunningScanPerUser(t *testing.T) {
	r, _ := newTestRegistry(t)

	first, err := r.Create("alice", nil)
	require.NoError(t, err)

	_, err = r.Create("alice", nil)
	assert.ErrorIs(t, err, ErrScanAlreadyRunning)

	// A different user is unaffected.
	_, err = r.Create("bob", nil)
	assert.NoError(t, err)

	// Finalizing frees the slot.
	require.True(t, r.Finalize(first.ID, StatusComplete, ""))
	_, err = r.Create("alice", nil)
	assert.NoError(t, err)
}

func TestCancelTriState(t *testing.T) {
	r, _ := newTestRegistry(t)

	assert.Equal(t, CancelNotFound, r.Cancel("no-such-task"))

	cancelled := false
	snap, err := r.Create("alice", func() { cancelled = true })
	require.NoError(t, err)

	assert.Equal(t, CancelIssued, r.Cancel(snap.ID))
	assert.True(t, cancelled)
	assert.True(t, r.Cancelled(snap.ID))

	// Cancel does not flip the status; the orchestrator finalizes.
	got, ok := r.Get(snap.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCreated, got.Status)

	// A second cancel of a live task is still an ack.
	assert.Equal(t, CancelIssued, r.Cancel(snap.ID))

	r.Finalize(snap.ID, StatusCancelled, "")
	assert.Equal(t, CancelAlreadyTerminal, r.Cancel(snap.ID))
}

func TestFinalizeOnce(t *testing.T) {
	r, _ := newTestRegistry(t)
	snap, err := r.Create("alice", nil)
	require.NoError(t, err)

	assert.True(t, r.Finalize(snap.ID, StatusFailed, "scanner exited 1"))
	assert.False(t, r.Finalize(snap.ID, StatusComplete, ""))

	got, ok := r.Get(snap.ID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "scanner exited 1", got.Error)
	require.NotNil(t, got.FinishedAt)
}

func TestFinalizeRejectsNonTerminalStatus(t *testing.T) {
	r, _ := newTestRegistry(t)
	snap, err := r.Create("alice", nil)
	require.NoError(t, err)
	assert.False(t, r.Finalize(snap.ID, StatusRunning, ""))
}

func TestTerminalTaskRetainedUntilReap(t *testing.T) {
	r, pending := newTestRegistry(t)
	snap, err := r.Create("alice", nil)
	require.NoError(t, err)
	r.Finalize(snap.ID, StatusComplete, "")

	// Still queryable before the retention window expires.
	_, ok := r.Get(snap.ID)
	assert.True(t, ok)

	require.Len(t, *pending, 1)
	(*pending)[0]()
	_, ok = r.Get(snap.ID)
	assert.False(t, ok)
}

func TestProgressAndStage(t *testing.T) {
	r, _ := newTestRegistry(t)
	snap, err := r.Create("alice", nil)
	require.NoError(t, err)

	r.Start(snap.ID, "ping_sweep")
	total := int64(254)
	r.Progress(snap.ID, 10, &total)

	got, _ := r.Get(snap.ID)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "ping_sweep", got.Stage)
	assert.Equal(t, int64(10), got.EventsProcessed)
	require.NotNil(t, got.TotalEvents)
	assert.Equal(t, int64(254), *got.TotalEvents)

	// Progress after finalize is ignored.
	r.Finalize(snap.ID, StatusComplete, "")
	r.Progress(snap.ID, 99, nil)
	got, _ = r.Get(snap.ID)
	assert.Equal(t, int64(10), got.EventsProcessed)
}

func TestNextSeqMonotonic(t *testing.T) {
	r, _ := newTestRegistry(t)
	snap, err := r.Create("alice", nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), r.NextSeq(snap.ID))
	assert.Equal(t, uint64(2), r.NextSeq(snap.ID))

	// Still allocating after finalize, for the terminal status frame.
	r.Finalize(snap.ID, StatusCancelled, "")
	assert.Equal(t, uint64(3), r.NextSeq(snap.ID))

	assert.Zero(t, r.NextSeq("no-such-task"))
}

func TestActiveSweep(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, _ := r.Create("alice", nil)
	b, _ := r.Create("bob", nil)
	r.Finalize(b.ID, StatusComplete, "")

	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)
}
