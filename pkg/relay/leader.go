package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5"
)

// ErrLeaderLockLost is the distinguished error the watchdog surfaces when
// it finds the leader session no longer holds the advisory lock, so the
// supervisor can log and account for it distinctly from an ordinary
// connection failure.
var ErrLeaderLockLost = errors.New("leader_lock_lost")

// LeaderConfig carries the connection and interval parameters the leader
// elector and its watchdog need.
type LeaderConfig struct {
	ConnString          string
	LockKey             int64
	AcquireInterval     time.Duration
	WatchdogInterval    time.Duration
	WatchdogQueryTimeout time.Duration
}

// LeaderElector acquires and holds a Postgres advisory lock on a dedicated
// session, separate from the replication connection, for the duration of
// a leader cycle. Holding the lock is co-terminus with keeping that
// session open.
type LeaderElector struct {
	logger log.Logger
	cfg    LeaderConfig
}

// NewLeaderElector constructs an elector with cfg.
func NewLeaderElector(logger log.Logger, cfg LeaderConfig) *LeaderElector {
	return &LeaderElector{logger: logger, cfg: cfg}
}

// LeaderSession is a held advisory lock plus the connection it lives on.
// Closing it releases the lock.
type LeaderSession struct {
	conn *pgx.Conn
	key  int64
}

// Close releases the advisory lock by closing the dedicated session.
func (s *LeaderSession) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// Acquire blocks, polling on cfg.AcquireInterval, until the advisory lock
// is obtained or ctx is cancelled. Each attempt opens a fresh connection
// attempt only if the previous one failed; a live connection is reused
// across try-lock polls.
func (l *LeaderElector) Acquire(ctx context.Context) (*LeaderSession, error) {
	var conn *pgx.Conn
	for {
		if err := ctx.Err(); err != nil {
			if conn != nil {
				conn.Close(context.Background())
			}
			return nil, err
		}

		if conn == nil {
			c, err := pgx.Connect(ctx, l.cfg.ConnString)
			if err != nil {
				level.Warn(l.logger).Log("msg", "failed to open leader session, retrying", "err", err)
				if !sleepCtx(ctx, l.cfg.AcquireInterval) {
					return nil, ctx.Err()
				}
				continue
			}
			conn = c
		}

		var acquired bool
		err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.cfg.LockKey).Scan(&acquired)
		if err != nil {
			level.Warn(l.logger).Log("msg", "leader session query failed, reconnecting", "err", err)
			conn.Close(context.Background())
			conn = nil
			if !sleepCtx(ctx, l.cfg.AcquireInterval) {
				return nil, ctx.Err()
			}
			continue
		}

		if acquired {
			level.Info(l.logger).Log("msg", "acquired leader advisory lock", "key", l.cfg.LockKey)
			return &LeaderSession{conn: conn, key: l.cfg.LockKey}, nil
		}

		if !sleepCtx(ctx, l.cfg.AcquireInterval) {
			conn.Close(context.Background())
			return nil, ctx.Err()
		}
	}
}

// Watchdog periodically verifies that a leader session still holds its
// advisory lock, signalling ErrLeaderLockLost via Run's return if it finds
// the lock gone.
type Watchdog struct {
	logger  log.Logger
	cfg     LeaderConfig
	session *LeaderSession
}

// NewWatchdog constructs a watchdog polling session on cfg.WatchdogInterval.
func NewWatchdog(logger log.Logger, cfg LeaderConfig, session *LeaderSession) *Watchdog {
	return &Watchdog{logger: logger, cfg: cfg, session: session}
}

// Run polls pg_locks until ctx is cancelled or the lock is found missing,
// in which case it returns ErrLeaderLockLost.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			held, err := w.probe(ctx)
			if err != nil {
				level.Warn(w.logger).Log("msg", "watchdog probe failed", "err", err)
				continue
			}
			if !held {
				level.Error(w.logger).Log("msg", "leadership_lost", "key", w.cfg.LockKey)
				return ErrLeaderLockLost
			}
		}
	}
}

func (w *Watchdog) probe(ctx context.Context) (bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, w.cfg.WatchdogQueryTimeout)
	defer cancel()

	var held bool
	const q = `
		SELECT EXISTS(
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			  AND ((classid::bigint << 32) | objid::bigint) = $1
			  AND pid = pg_backend_pid()
		)`
	if err := w.session.conn.QueryRow(queryCtx, q, w.cfg.LockKey).Scan(&held); err != nil {
		return false, fmt.Errorf("querying pg_locks: %w", err)
	}
	return held, nil
}

// sleepCtx sleeps for d or until ctx is cancelled, returning false in the
// latter case.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
