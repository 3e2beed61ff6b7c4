package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckTracker_HappyPathInOrder(t *testing.T) {
	tr := NewAckTracker(newTestLogger(), 0)

	var ids []AckID
	for _, lsn := range []LSN{100, 110, 120, 130, 140, 150, 160, 170, 180, 190} {
		ids = append(ids, tr.Register(lsn))
	}

	assert.EqualValues(t, 0, tr.FrontierLSN())
	for _, id := range ids {
		tr.MarkPublishedByID(id)
	}
	assert.EqualValues(t, 190, tr.FrontierLSN())
	assert.Equal(t, 0, tr.Pending())
}

func TestAckTracker_OutOfOrderPublication(t *testing.T) {
	tr := NewAckTracker(newTestLogger(), 0)

	id1 := tr.Register(100)
	id2 := tr.Register(110)
	id3 := tr.Register(120)

	tr.MarkPublishedByID(id3)
	assert.EqualValues(t, 0, tr.FrontierLSN(), "frontier must not advance until the head registration is published")

	tr.MarkPublishedByID(id1)
	assert.EqualValues(t, 100, tr.FrontierLSN())

	tr.MarkPublishedByID(id2)
	assert.EqualValues(t, 120, tr.FrontierLSN(), "sweeping past id2 also retires the already-published id3")
}

func TestAckTracker_LSNRegressionRegistration(t *testing.T) {
	tr := NewAckTracker(newTestLogger(), 0)

	id1 := tr.Register(200)
	id2 := tr.Register(150) // regression; tolerated
	id3 := tr.Register(210)

	require.Equal(t, 3, tr.Pending())

	tr.MarkPublishedByID(id1)
	tr.MarkPublishedByID(id2)
	tr.MarkPublishedByID(id3)
	assert.EqualValues(t, 210, tr.FrontierLSN())
}

func TestAckTracker_MarkPublishedUnknownAckIDIsNoop(t *testing.T) {
	tr := NewAckTracker(newTestLogger(), 42)
	assert.NotPanics(t, func() { tr.MarkPublishedByID(9999) })
	assert.EqualValues(t, 42, tr.FrontierLSN())
}

func TestAckTracker_MarkPublishedIsIdempotent(t *testing.T) {
	tr := NewAckTracker(newTestLogger(), 0)
	id := tr.Register(100)
	tr.MarkPublishedByID(id)
	tr.MarkPublishedByID(id)
	assert.EqualValues(t, 100, tr.FrontierLSN())
}

func TestAckTracker_InitialLSNIsFrontierBeforeAnyRegistration(t *testing.T) {
	tr := NewAckTracker(newTestLogger(), 555)
	assert.EqualValues(t, 555, tr.FrontierLSN())
}

// TestAckTracker_LeaderFailoverRedeliversSinceStaleCheckpoint reproduces the
// duplicate-delivery window a lost advisory lock opens: the in-memory
// frontier can run ahead of the last StandbyStatusUpdate actually
// acknowledged by the slot's confirmed_flush_lsn. A new leader cycle starts
// a fresh AckTracker from that stale, not-yet-advanced checkpoint, so every
// LSN published since the last flush is registered and published again.
// Nothing is skipped; the same range is simply redelivered.
func TestAckTracker_LeaderFailoverRedeliversSinceStaleCheckpoint(t *testing.T) {
	lsns := []LSN{100, 110, 120, 130, 140}
	staleCheckpoint := LSN(0)

	cycle1 := NewAckTracker(newTestLogger(), staleCheckpoint)
	var delivered []LSN
	for _, lsn := range lsns {
		id := cycle1.Register(lsn)
		cycle1.MarkPublishedByID(id)
		delivered = append(delivered, lsn)
	}
	assert.EqualValues(t, 140, cycle1.FrontierLSN(), "cycle 1 advances its in-memory frontier past every published lsn")

	// The lock is lost here before feedback carrying the advanced frontier
	// ever reaches the slot, so the durable checkpoint is still the stale
	// value the new cycle starts from.

	cycle2 := NewAckTracker(newTestLogger(), staleCheckpoint)
	for _, lsn := range lsns {
		id := cycle2.Register(lsn)
		cycle2.MarkPublishedByID(id)
		delivered = append(delivered, lsn)
	}
	assert.EqualValues(t, 140, cycle2.FrontierLSN(), "cycle 2 reconstructs the same frontier from the stale checkpoint")

	require.Len(t, delivered, 10, "every lsn is redelivered once per cycle: duplicates, not loss")
	assert.Equal(t, lsns, delivered[:5])
	assert.Equal(t, lsns, delivered[5:])
}
