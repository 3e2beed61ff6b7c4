package relay

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/opentracing/opentracing-go"
	"golang.org/x/time/rate"

	"github.com/gfanton/pgkinesisrelay/pkg/sink"
)

// PublisherConfig carries the retry/backoff parameters and attempt ceiling
// the publisher applies to a failing batch or pending subset. The wait
// before each retry comes from dskit's backoff: it starts at BaseDelay,
// doubles after every retry up to MaxDelay, and carries random jitter.
// Multiplier is not applied to the delay; the growth factor is always 2.
//
// MaxSinkAttemptsPerSecond is an optional safety valve, not part of the
// core retry/drop state machine: it throttles how often the publisher
// dispatches a PutRecords call (fresh batch or retry alike), independent of
// the sink's own throttling response, to avoid hammering a sink that is
// already shedding load. Zero means unlimited.
type PublisherConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64

	MaxSinkAttemptsPerSecond float64
}

func (c PublisherConfig) backoffConfig() backoff.Config {
	return backoff.Config{
		MinBackoff: c.BaseDelay,
		MaxBackoff: c.MaxDelay,
		MaxRetries: c.MaxAttempts,
	}
}

// Publisher consumes batches from the micro-batcher and dispatches each to
// the sink's batch-put operation, implementing the per-batch state machine
// NEW -> SENDING -> {ALL_OK | PARTIAL | FAILED_STREAM}, retrying retriable
// subsets with backoff and dropping non-retriable or exhausted ones. After
// every batch outcome it reads the ack frontier and pushes it on the
// frontier channel for the replication reader to feed back to Postgres.
type Publisher struct {
	logger     log.Logger
	sink       sink.Sink
	ackTracker *AckTracker
	queue      *InflightQueue
	in         <-chan *Batch
	frontierCh chan LSN
	cfg        PublisherConfig
	metrics    *Metrics
	limiter    *rate.Limiter
}

// NewPublisher constructs a publisher reading batches from in and
// publishing to s, backed by ackTracker for publication bookkeeping and
// queue for capacity release. frontierCh is a capacity-1 channel drained
// and overwritten with the latest frontier value; the reader is the sole
// consumer.
func NewPublisher(logger log.Logger, s sink.Sink, ackTracker *AckTracker, queue *InflightQueue, in <-chan *Batch, frontierCh chan LSN, cfg PublisherConfig, metrics *Metrics) *Publisher {
	limit := rate.Inf
	if cfg.MaxSinkAttemptsPerSecond > 0 {
		limit = rate.Limit(cfg.MaxSinkAttemptsPerSecond)
	}
	return &Publisher{
		logger:     logger,
		sink:       s,
		ackTracker: ackTracker,
		queue:      queue,
		in:         in,
		frontierCh: frontierCh,
		cfg:        cfg,
		metrics:    metrics,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Run drives the publisher until ctx is cancelled or in is closed.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-p.in:
			if !ok {
				return nil
			}
			if err := p.publishBatch(ctx, batch); err != nil {
				return err
			}
		}
	}
}

// publishBatch drives one batch through the retry/drop state machine to a
// terminal outcome, then emits the resulting frontier.
func (p *Publisher) publishBatch(ctx context.Context, batch *Batch) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "relay.Publisher.publishBatch")
	defer span.Finish()

	pending := batch.Events
	b := backoff.New(ctx, p.cfg.backoffConfig())
	attempt := 0

	for len(pending) > 0 && b.Ongoing() {
		attempt++
		records := make([]sink.Record, len(pending))
		for i, e := range pending {
			records[i] = sink.Record{PartitionKey: e.PartitionKey, Payload: e.Payload}
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		results, err := p.sink.PutRecords(ctx, records)
		if err != nil {
			retriable := ClassifyError("", err.Error())
			if !retriable {
				level.Error(p.logger).Log("msg", "kinesis_records_dropped", "reason", "non-retriable stream error", "err", err, "count", len(pending))
				p.dropAll(pending, "stream_error_non_retriable")
				pending = nil
				break
			}
			level.Warn(p.logger).Log("msg", "kinesis stream put failed, retrying", "err", err, "attempt", attempt, "count", len(pending))
			p.metrics.publishRetries.Inc()
			b.Wait()
			continue
		}

		var next []*ChangeEvent
		for i, e := range pending {
			r := results[i]
			if !r.Failed {
				p.markDelivered(e)
				continue
			}
			if ClassifyError(r.ErrorCode, r.ErrorMessage) {
				next = append(next, e)
				continue
			}
			level.Warn(p.logger).Log("msg", "kinesis_records_dropped", "ack_id", e.AckID, "lsn", e.LSN.String(), "error_code", r.ErrorCode, "error_message", r.ErrorMessage)
			p.dropOne(e)
		}

		if len(next) == 0 {
			pending = nil
			break
		}
		level.Warn(p.logger).Log("msg", "partial batch failure, retrying retriable subset", "attempt", attempt, "count", len(next))
		p.metrics.publishRetries.Inc()
		pending = next
		b.Wait()
	}

	if len(pending) > 0 {
		level.Error(p.logger).Log("msg", "kinesis_retry_exhausted", "count", len(pending))
		p.dropAll(pending, "retry_exhausted")
	}

	p.emitFrontier()
	return nil
}

// markDelivered records a successfully published event and releases its
// queue capacity.
func (p *Publisher) markDelivered(e *ChangeEvent) {
	p.ackTracker.MarkPublishedByID(e.AckID)
	p.queue.TaskDone(e)
	p.metrics.recordsPublished.Inc()
}

// dropOne implements the drop policy for a single event: marked published
// (so the frontier is not stalled by a poison record), task_done'd, and
// accounted in metrics.
func (p *Publisher) dropOne(e *ChangeEvent) {
	p.ackTracker.MarkPublishedByID(e.AckID)
	p.queue.TaskDone(e)
	p.metrics.recordsDropped.Inc()
}

func (p *Publisher) dropAll(events []*ChangeEvent, reason string) {
	for _, e := range events {
		level.Warn(p.logger).Log("msg", "kinesis_records_dropped", "ack_id", e.AckID, "lsn", e.LSN.String(), "reason", reason)
		p.dropOne(e)
	}
}

// emitFrontier pushes the current ack frontier on the frontier channel,
// coalescing to "latest" by draining a stale pending value first. It does
// not compare against the last value pushed: an unchanged frontier is
// pushed again, and the reader skips values that do not advance past the
// LSN it last sent.
func (p *Publisher) emitFrontier() {
	lsn := p.ackTracker.FrontierLSN()
	for {
		select {
		case p.frontierCh <- lsn:
			return
		default:
		}
		select {
		case <-p.frontierCh:
		default:
			return
		}
	}
}
