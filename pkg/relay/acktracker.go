package relay

import (
	"container/list"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// pendingRegistration is the AckTracker's interior bookkeeping entry for one
// registered event: its ack_id, the LSN it was registered with, and whether
// it has since been marked published.
type pendingRegistration struct {
	ackID     AckID
	lsn       LSN
	published bool
}

// AckTracker maintains the contiguous frontier over an unbounded stream of
// (ack_id, lsn) registrations. Registrations are kept in registration order
// -- not LSN order, since LSN is only weakly monotonic -- and the frontier
// is computed by sweeping that list from its current head for as long as
// entries are marked published. A register/mark_published pair is safe for
// a single-producer (reader), single-consumer (publisher) usage pattern;
// the internal mutex also permits concurrent read-only frontier queries.
type AckTracker struct {
	logger log.Logger

	mu          sync.Mutex
	regs        *list.List // of *pendingRegistration, oldest (lowest ack_id) first
	byAckID     map[AckID]*list.Element
	nextAckID   AckID
	lastRegLSN  LSN
	haveLastReg bool
	frontier    LSN
}

// NewAckTracker constructs a tracker whose frontier starts at initialLSN,
// the durable checkpoint read from the replication slot at leader start.
func NewAckTracker(logger log.Logger, initialLSN LSN) *AckTracker {
	return &AckTracker{
		logger:   logger,
		regs:     list.New(),
		byAckID:  make(map[AckID]*list.Element),
		frontier: initialLSN,
	}
}

// Register assigns the next ack_id and records a new pending registration
// for lsn. A strictly decreasing LSN relative to the previously registered
// one is tolerated -- logged as a regression, not rejected -- since startup
// WAL replay can reoffer already-seen positions.
func (t *AckTracker) Register(lsn LSN) AckID {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.haveLastReg && lsn < t.lastRegLSN {
		level.Warn(t.logger).Log("msg", "ack_register_lsn_regression", "lsn", lsn.String(), "last_registered_lsn", t.lastRegLSN.String())
	}
	t.lastRegLSN = lsn
	t.haveLastReg = true

	id := t.nextAckID
	t.nextAckID++

	r := &pendingRegistration{ackID: id, lsn: lsn}
	elem := t.regs.PushBack(r)
	t.byAckID[id] = elem
	return id
}

// MarkPublishedByID marks the registration for ackID published. It is
// idempotent; an unknown ack_id is a no-op with a warning, since it
// indicates a programming error upstream rather than a condition the
// tracker itself can recover from.
func (t *AckTracker) MarkPublishedByID(ackID AckID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.byAckID[ackID]
	if !ok {
		level.Warn(t.logger).Log("msg", "mark_published for unknown ack_id", "ack_id", ackID)
		return
	}
	r := elem.Value.(*pendingRegistration)
	if r.published {
		return
	}
	r.published = true
	t.sweepLocked()
}

// sweepLocked advances the frontier past every published entry at the head
// of the registration list, retiring each swept entry. Caller must hold
// t.mu.
func (t *AckTracker) sweepLocked() {
	for {
		front := t.regs.Front()
		if front == nil {
			return
		}
		r := front.Value.(*pendingRegistration)
		if !r.published {
			return
		}
		if r.lsn > t.frontier {
			t.frontier = r.lsn
		}
		t.regs.Remove(front)
		delete(t.byAckID, r.ackID)
	}
}

// FrontierLSN returns the highest LSN L such that every registration up to
// and including the newest one with lsn <= L, in registration order, has
// been marked published.
func (t *AckTracker) FrontierLSN() LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frontier
}

// Pending returns the number of registrations not yet swept past the
// frontier. Exposed for metrics and tests only.
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regs.Len()
}
