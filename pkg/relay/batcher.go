package relay

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Batch is a group of events shaped by the micro-batcher's three caps,
// handed to the publisher as one unit of work.
type Batch struct {
	Events []*ChangeEvent
}

// TotalBytes sums the accounted size of every event in the batch.
func (b *Batch) TotalBytes() int {
	total := 0
	for _, e := range b.Events {
		total += e.Size()
	}
	return total
}

// BatcherConfig shapes the three simultaneous caps a batch is built under:
// a batch is flushed as soon as any one of them is reached.
type BatcherConfig struct {
	MaxRecords int
	MaxBytes   int
	MaxLinger  time.Duration

	// pollTimeout bounds each InflightQueue.GetReady call; it should be well
	// under MaxLinger so the linger deadline is checked promptly.
	pollTimeout time.Duration
}

// MicroBatcher drains an InflightQueue into Batch values, shaped by
// max-record-count, max-bytes, and max-linger caps applied simultaneously.
// A batch is emitted the instant any cap is reached; otherwise the partial
// batch is flushed once max-linger has elapsed since its first event.
// Empty batches are never emitted.
type MicroBatcher struct {
	logger log.Logger
	queue  *InflightQueue
	cfg    BatcherConfig
	out    chan<- *Batch
}

// NewMicroBatcher constructs a batcher draining queue and publishing
// completed batches to out. out should be an unbuffered or small-buffered
// channel read by exactly one publisher task.
func NewMicroBatcher(logger log.Logger, queue *InflightQueue, cfg BatcherConfig, out chan<- *Batch) *MicroBatcher {
	if cfg.pollTimeout <= 0 {
		cfg.pollTimeout = cfg.MaxLinger / 4
		if cfg.pollTimeout <= 0 || cfg.pollTimeout > 250*time.Millisecond {
			cfg.pollTimeout = 250 * time.Millisecond
		}
	}
	return &MicroBatcher{logger: logger, queue: queue, cfg: cfg, out: out}
}

// Run drives the batcher until ctx is cancelled. It never returns an error
// for a clean shutdown; the only observable effect of cancellation is that
// Run returns after delivering (or abandoning delivery of) its current
// partial batch.
func (b *MicroBatcher) Run(ctx context.Context) error {
	var current []*ChangeEvent
	var bytes int
	var firstEventAt time.Time

	flush := func() bool {
		if len(current) == 0 {
			return true
		}
		batch := &Batch{Events: current}
		select {
		case b.out <- batch:
			current = nil
			bytes = 0
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			flush()
			return nil
		}

		if len(current) > 0 {
			lingerRemaining := b.cfg.MaxLinger - time.Since(firstEventAt)
			if lingerRemaining <= 0 {
				level.Debug(b.logger).Log("msg", "flushing batch on max_linger", "records", len(current), "bytes", bytes)
				if !flush() {
					return nil
				}
				continue
			}
		}

		e, ok := b.queue.GetReady(b.cfg.pollTimeout)
		if !ok {
			continue
		}

		current = append(current, e)
		bytes += e.Size()
		if len(current) == 1 {
			firstEventAt = time.Now()
		}

		if len(current) >= b.cfg.MaxRecords || bytes >= b.cfg.MaxBytes {
			level.Debug(b.logger).Log("msg", "flushing batch on cap", "records", len(current), "bytes", bytes)
			if !flush() {
				return nil
			}
		}
	}
}
