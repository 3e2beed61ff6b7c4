package relay

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// InflightQueue is a FIFO queue bounded by two independent capacities:
// maximum item count and maximum aggregate payload bytes. Put blocks until
// both caps have room, GetReady hands out the head available event, and
// TaskDone must be called exactly once per event to release the capacity
// it holds. The queue has a single producer (the replication reader) and a
// single consumer (the micro-batcher), per the pipeline's single-writer
// invariant, so FIFO ordering among waiters falls directly out of there
// only ever being one Put in flight.
//
// GetReady and TaskDone are deliberately decoupled: a consumer may pull
// several events into an in-progress batch -- each leaving the "available"
// region -- well before any of them is task_done'd, which only happens
// once the batch's outcome (published or dropped) is known. Capacity is
// held for an event from Put until its TaskDone, across both regions.
//
// A single oversize event (ApproxSizeBytes > maxBytes) is admitted anyway
// when the queue is otherwise empty -- degenerate, logged, but never
// deadlocking on an oversize singleton.
type InflightQueue struct {
	logger log.Logger

	maxCount int
	maxBytes int

	mu        sync.Mutex
	notify    *sync.Cond
	available *list.List // of *ChangeEvent, not yet handed out by GetReady
	inflight  map[*ChangeEvent]struct{}
	count     int // available + inflight
	bytes     int // available + inflight
	closed    bool

	countGauge *atomic.Int64
	bytesGauge *atomic.Int64
}

// NewInflightQueue constructs a queue bounded by maxCount items and
// maxBytes aggregate payload bytes.
func NewInflightQueue(logger log.Logger, maxCount, maxBytes int) *InflightQueue {
	q := &InflightQueue{
		logger:     logger,
		maxCount:   maxCount,
		maxBytes:   maxBytes,
		available:  list.New(),
		inflight:   make(map[*ChangeEvent]struct{}),
		countGauge: atomic.NewInt64(0),
		bytesGauge: atomic.NewInt64(0),
	}
	q.notify = sync.NewCond(&q.mu)
	return q
}

// wouldFitLocked reports whether admitting size bytes right now would stay
// within both caps, or whether the queue is otherwise empty (in which case
// a single oversize event is admitted as a degenerate case rather than
// blocking forever). Caller must hold q.mu.
func (q *InflightQueue) wouldFitLocked(size int) bool {
	if q.count == 0 {
		return true
	}
	return q.count+1 <= q.maxCount && q.bytes+size <= q.maxBytes
}

// Put blocks the caller until both count and byte capacity are available,
// then admits event at the tail of the available region. Returns ctx.Err()
// if ctx is cancelled, or an error if the queue is closed, while waiting;
// the event is not admitted in either case.
func (q *InflightQueue) Put(ctx context.Context, e *ChangeEvent) error {
	size := e.Size()
	if size > q.maxBytes {
		level.Warn(q.logger).Log("msg", "admitting oversize event into inflight queue", "ack_id", e.AckID, "lsn", e.LSN.String(), "size_bytes", size, "max_bytes", q.maxBytes)
	}

	// Wake waiters on context cancellation, same as a cancellable condvar.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notify.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && !q.wouldFitLocked(size) {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.notify.Wait()
	}
	if q.closed {
		return context.Canceled
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.available.PushBack(e)
	q.count++
	q.bytes += size
	q.countGauge.Store(int64(q.count))
	q.bytesGauge.Store(int64(q.bytes))
	q.notify.Signal()
	return nil
}

// GetReady returns the head available event, moving it from the available
// region into the inflight region, or (nil, false) if the queue remained
// empty of available events for the whole timeout. It never returns a
// fatal error on timeout.
func (q *InflightQueue) GetReady(timeout time.Duration) (*ChangeEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.takeAvailableLocked(); ok {
		return e, true
	}

	timedOut := atomic.NewBool(false)
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		q.mu.Lock()
		q.notify.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	for q.available.Len() == 0 {
		if timedOut.Load() {
			return nil, false
		}
		q.notify.Wait()
	}
	e, _ := q.takeAvailableLocked()
	return e, true
}

// takeAvailableLocked pops the head of the available list into inflight.
// Caller must hold q.mu.
func (q *InflightQueue) takeAvailableLocked() (*ChangeEvent, bool) {
	front := q.available.Front()
	if front == nil {
		return nil, false
	}
	e := front.Value.(*ChangeEvent)
	q.available.Remove(front)
	q.inflight[e] = struct{}{}
	return e, true
}

// TaskDone releases the count and byte capacity reserved for e. It must be
// called exactly once per event returned by GetReady; a double TaskDone,
// or a TaskDone for an event never claimed via GetReady, is a programming
// error and panics.
func (q *InflightQueue) TaskDone(e *ChangeEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[e]; !ok {
		panic("relay: TaskDone called on an event that is not inflight (double task_done or never claimed via GetReady)")
	}
	delete(q.inflight, e)
	q.count--
	q.bytes -= e.Size()
	if q.count < 0 || q.bytes < 0 {
		panic("relay: InflightQueue accounting went negative; double task_done?")
	}
	q.countGauge.Store(int64(q.count))
	q.bytesGauge.Store(int64(q.bytes))
	q.notify.Broadcast()
}

// Close unblocks any waiting Put callers without admitting further events.
func (q *InflightQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notify.Broadcast()
}

// Count returns the current queued item count (available plus inflight).
func (q *InflightQueue) Count() int64 { return q.countGauge.Load() }

// Bytes returns the current queued aggregate byte size (available plus
// inflight).
func (q *InflightQueue) Bytes() int64 { return q.bytesGauge.Load() }
