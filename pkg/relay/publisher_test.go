package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gfanton/pgkinesisrelay/pkg/sink"
)

func newTestRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// fakeSink scripts a sequence of PutRecords outcomes, one per call, so
// tests can exercise the publisher's retry/drop state machine
// deterministically.
type fakeSink struct {
	mu    sync.Mutex
	calls [][]sink.Record
	steps []func(records []sink.Record) ([]sink.RecordResult, error)
}

func (f *fakeSink) PutRecords(ctx context.Context, records []sink.Record) ([]sink.RecordResult, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, records)
	f.mu.Unlock()

	if call >= len(f.steps) {
		return make([]sink.RecordResult, len(records)), nil
	}
	return f.steps[call](records)
}

func allOK(records []sink.Record) ([]sink.RecordResult, error) {
	return make([]sink.RecordResult, len(records)), nil
}

func newTestPublisher(t *testing.T, s sink.Sink, tracker *AckTracker, queue *InflightQueue) (*Publisher, chan *Batch, chan LSN) {
	t.Helper()
	in := make(chan *Batch, 1)
	frontierCh := make(chan LSN, 1)
	reg := newTestRegistry()
	p := NewPublisher(newTestLogger(), s, tracker, queue, in, frontierCh, PublisherConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2,
	}, NewMetrics(reg))
	return p, in, frontierCh
}

func queueWithEvents(t *testing.T, tracker *AckTracker, n int, baseLSN LSN) (*InflightQueue, []*ChangeEvent) {
	t.Helper()
	q := NewInflightQueue(newTestLogger(), n+1, 1<<20)
	events := make([]*ChangeEvent, n)
	for i := 0; i < n; i++ {
		lsn := baseLSN + LSN(i*10)
		id := tracker.Register(lsn)
		e := &ChangeEvent{LSN: lsn, AckID: id, Payload: []byte("x"), PartitionKey: "k"}
		require.NoError(t, q.Put(context.Background(), e))
		got, ok := q.GetReady(time.Second)
		require.True(t, ok)
		require.Same(t, e, got)
		events[i] = e
	}
	return q, events
}

func TestPublisher_RetriableStreamFailureThenSuccess(t *testing.T) {
	tracker := NewAckTracker(newTestLogger(), 0)
	queue, events := queueWithEvents(t, tracker, 5, 100)

	attempts := 0
	s := &fakeSink{steps: []func([]sink.Record) ([]sink.RecordResult, error){
		func(r []sink.Record) ([]sink.RecordResult, error) { attempts++; return nil, assertErr("throttled") },
		func(r []sink.Record) ([]sink.RecordResult, error) { attempts++; return nil, assertErr("throttled") },
		func(r []sink.Record) ([]sink.RecordResult, error) { attempts++; return allOK(r) },
	}}

	p, in, frontierCh := newTestPublisher(t, s, tracker, queue)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	in <- &Batch{Events: events}

	select {
	case lsn := <-frontierCh:
		assert.EqualValues(t, 140, lsn)
	case <-time.After(time.Second):
		t.Fatal("expected frontier to advance")
	}

	assert.Equal(t, 3, attempts)
	assert.EqualValues(t, 0, queue.Count())
}

func TestPublisher_NonRetriablePerRecordFailure(t *testing.T) {
	tracker := NewAckTracker(newTestLogger(), 0)
	queue, events := queueWithEvents(t, tracker, 3, 100)

	s := &fakeSink{steps: []func([]sink.Record) ([]sink.RecordResult, error){
		func(r []sink.Record) ([]sink.RecordResult, error) {
			return []sink.RecordResult{
				{},
				{Failed: true, ErrorCode: "ValidationException", ErrorMessage: "bad record"},
				{},
			}, nil
		},
	}}

	p, in, frontierCh := newTestPublisher(t, s, tracker, queue)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	in <- &Batch{Events: events}

	select {
	case lsn := <-frontierCh:
		assert.EqualValues(t, 120, lsn)
	case <-time.After(time.Second):
		t.Fatal("expected frontier to advance past all three events")
	}

	assert.EqualValues(t, 0, queue.Count())
}

func TestPublisher_RetryExhaustedDropsRemainder(t *testing.T) {
	tracker := NewAckTracker(newTestLogger(), 0)
	queue, events := queueWithEvents(t, tracker, 2, 100)

	s := &fakeSink{steps: []func([]sink.Record) ([]sink.RecordResult, error){
		func(r []sink.Record) ([]sink.RecordResult, error) { return nil, assertErr("throttled") },
		func(r []sink.Record) ([]sink.RecordResult, error) { return nil, assertErr("throttled") },
	}}

	p, in, frontierCh := newTestPublisher(t, s, tracker, queue)
	p.cfg.MaxAttempts = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	in <- &Batch{Events: events}

	select {
	case lsn := <-frontierCh:
		assert.EqualValues(t, 110, lsn)
	case <-time.After(time.Second):
		t.Fatal("expected frontier to advance even though records were dropped")
	}
	assert.EqualValues(t, 0, queue.Count())
}

func TestPublisher_RateLimitThrottlesSinkDispatch(t *testing.T) {
	tracker := NewAckTracker(newTestLogger(), 0)
	queue, events := queueWithEvents(t, tracker, 2, 100)

	var calls int32
	s := &fakeSink{steps: []func([]sink.Record) ([]sink.RecordResult, error){
		func(r []sink.Record) ([]sink.RecordResult, error) { atomic.AddInt32(&calls, 1); return allOK(r) },
	}}

	in := make(chan *Batch, 1)
	frontierCh := make(chan LSN, 1)
	reg := newTestRegistry()
	p := NewPublisher(newTestLogger(), s, tracker, queue, in, frontierCh, PublisherConfig{
		MaxAttempts:              5,
		BaseDelay:                time.Millisecond,
		MaxDelay:                 10 * time.Millisecond,
		Multiplier:               2,
		MaxSinkAttemptsPerSecond: 1000,
	}, NewMetrics(reg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	in <- &Batch{Events: events}

	select {
	case <-frontierCh:
	case <-time.After(time.Second):
		t.Fatal("expected frontier to advance under a generous rate limit")
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
