package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgconn"
	"github.com/jackc/pglogrepl"
	"github.com/opentracing/opentracing-go"

	"github.com/gfanton/pgkinesisrelay/pkg/pgreplication"
)

// ReaderConfig carries the connection and interval parameters the
// replication reader needs beyond the AckTracker/InflightQueue it is wired
// to at construction.
type ReaderConfig struct {
	ConnString       string
	ReplicationSlot  string
	Publication      string
	StartLSN         pglogrepl.LSN
	FeedbackInterval time.Duration

	// PartitionKeyFallbackColumn is passed through to DecodeWAL2JSON for
	// changes wal2json did not report primary key metadata for.
	PartitionKeyFallbackColumn string
}

// ReplicationReader owns one logical replication connection in streaming
// mode. It parses each XLogData frame into a change event, registers it
// with the ack tracker, and enqueues it; it answers keepalive reply
// requests and periodically drains the frontier channel to advance the
// slot's confirmed position via StandbyStatusUpdate. The LSN it sends is
// forced non-decreasing within a session even if a stale value is ever
// observed off the frontier channel, which should not happen but is
// treated as recoverable rather than fatal.
type ReplicationReader struct {
	logger     log.Logger
	cfg        ReaderConfig
	ackTracker *AckTracker
	queue      *InflightQueue
	frontierCh <-chan LSN

	conn *pgconn.PgConn
}

// NewReplicationReader constructs a reader bound to ackTracker and queue.
// The connection is established lazily by Run.
func NewReplicationReader(logger log.Logger, cfg ReaderConfig, ackTracker *AckTracker, queue *InflightQueue, frontierCh <-chan LSN) *ReplicationReader {
	return &ReplicationReader{
		logger:     logger,
		cfg:        cfg,
		ackTracker: ackTracker,
		queue:      queue,
		frontierCh: frontierCh,
	}
}

// Run connects, starts replication at cfg.StartLSN, and streams until ctx
// is cancelled or an unrecoverable protocol/connection error occurs. The
// caller (the supervisor) treats any non-nil return as cause to unwind the
// current leader cycle and retry.
func (r *ReplicationReader) Run(ctx context.Context) error {
	replConnConfig, err := pgconn.ParseConfig(r.cfg.ConnString)
	if err != nil {
		return fmt.Errorf("parsing replication connection string: %w", err)
	}
	if replConnConfig.RuntimeParams == nil {
		replConnConfig.RuntimeParams = map[string]string{}
	}
	replConnConfig.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, replConnConfig)
	if err != nil {
		return fmt.Errorf("connecting replication stream: %w", err)
	}
	r.conn = conn
	defer conn.Close(ctx)

	pluginArgs := []string{`"write-in-chunks" '1'`, `"include-xids" '0'`, `"include-pk" '1'`}
	if err := pglogrepl.StartReplication(ctx, conn, r.cfg.ReplicationSlot, r.cfg.StartLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
	}); err != nil {
		return fmt.Errorf("starting replication on slot %q: %w", r.cfg.ReplicationSlot, err)
	}

	lastSent := r.cfg.StartLSN
	nextStatusDeadline := time.Now().Add(r.cfg.FeedbackInterval)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if sent, ok := r.drainAndSendFeedback(ctx, conn, lastSent); ok {
			lastSent = sent
		}

		if time.Now().After(nextStatusDeadline) {
			if sent, err := r.sendStatusUpdate(ctx, conn, lastSent); err != nil {
				level.Warn(r.logger).Log("msg", "failed to send periodic standby status update", "err", err)
			} else {
				lastSent = sent
			}
			nextStatusDeadline = time.Now().Add(r.cfg.FeedbackInterval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStatusDeadline)
		msg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			return fmt.Errorf("receiving replication message: %w", err)
		}

		cd, ok := msg.(*pgconn.CopyData)
		if !ok {
			continue
		}

		switch cd.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
			if err != nil {
				return fmt.Errorf("parsing keepalive: %w", err)
			}
			if ka.ReplyRequested {
				sent, err := r.sendStatusUpdate(ctx, conn, lastSent)
				if err != nil {
					level.Warn(r.logger).Log("msg", "failed to reply to keepalive", "err", err)
					continue
				}
				lastSent = sent
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
			if err != nil {
				return fmt.Errorf("parsing XLogData: %w", err)
			}
			if err := r.handleXLogData(ctx, xld); err != nil {
				return err
			}
		}
	}
}

// handleXLogData decodes one WAL frame, registers it, and enqueues it.
// Backpressure from the queue's Put naturally throttles this loop; no
// frame is dropped for lack of queue capacity. Frames with an empty
// payload, and frames that fail to decode (logged at warn), are skipped
// without being registered or enqueued.
func (r *ReplicationReader) handleXLogData(ctx context.Context, xld pglogrepl.XLogData) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "relay.ReplicationReader.handleXLogData")
	defer span.Finish()

	lsn := LSN(xld.WALStart)
	if len(xld.WALData) == 0 {
		return nil
	}

	decoded, err := pgreplication.DecodeWAL2JSON(xld.WALData, r.cfg.PartitionKeyFallbackColumn)
	if err != nil {
		level.Warn(r.logger).Log("msg", "discarding undecodable wal2json frame", "lsn", lsn.String(), "err", err)
		return nil
	}

	ackID := r.ackTracker.Register(lsn)
	event := &ChangeEvent{
		LSN:          lsn,
		AckID:        ackID,
		Payload:      decoded.Payload,
		PartitionKey: decoded.PartitionKey,
	}
	return r.queue.Put(ctx, event)
}

// drainAndSendFeedback drains the frontier channel to its latest value
// and, if it advanced past lastSent, sends it as a StandbyStatusUpdate.
// Returns the new lastSent and whether it changed.
func (r *ReplicationReader) drainAndSendFeedback(ctx context.Context, conn *pgconn.PgConn, lastSent LSN) (LSN, bool) {
	latest := lastSent
	haveLatest := false
drain:
	for {
		select {
		case lsn := <-r.frontierCh:
			latest = lsn
			haveLatest = true
		default:
			break drain
		}
	}
	if !haveLatest {
		return lastSent, false
	}
	if latest < lastSent {
		level.Error(r.logger).Log("msg", "feedback_lsn_clamped", "observed", latest.String(), "last_sent", lastSent.String())
		latest = lastSent
	}
	if latest == lastSent {
		return lastSent, false
	}
	sent, err := r.sendStatusUpdate(ctx, conn, latest)
	if err != nil {
		level.Warn(r.logger).Log("msg", "failed to send feedback standby status update", "err", err)
		return lastSent, false
	}
	return sent, true
}

// sendStatusUpdate issues a StandbyStatusUpdate carrying lsn as
// write/flush/apply position. The LSN sent is guaranteed non-decreasing
// across the session by every caller only ever passing a value it has
// already clamped against lastSent.
func (r *ReplicationReader) sendStatusUpdate(ctx context.Context, conn *pgconn.PgConn, lsn LSN) (LSN, error) {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pglogrepl.LSN(lsn),
		WALFlushPosition: pglogrepl.LSN(lsn),
		WALApplyPosition: pglogrepl.LSN(lsn),
		ClientTime:       time.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("sending standby status update: %w", err)
	}
	return lsn, nil
}
