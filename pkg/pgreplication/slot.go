// Package pgreplication wraps the Postgres logical replication wire
// protocol and slot metadata queries behind small, typed helpers: parsing
// wal2json change payloads and reading a slot's durable checkpoint.
package pgreplication

import (
	"context"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// SlotCheckpoint is the durable cursor read from pg_replication_slots for a
// named logical slot: confirmed_flush_lsn when present, else restart_lsn.
type SlotCheckpoint struct {
	LSN    pglogrepl.LSN
	Exists bool
}

// ReadSlotCheckpoint queries pg_replication_slots for slotName over a
// regular (non-replication) connection and returns its durable checkpoint.
// Exists is false when no slot with that name exists; callers must create
// the slot out of band before replication can start.
func ReadSlotCheckpoint(ctx context.Context, conn *pgx.Conn, slotName string) (SlotCheckpoint, error) {
	const q = `
		SELECT confirmed_flush_lsn, restart_lsn
		FROM pg_replication_slots
		WHERE slot_name = $1`

	var confirmedFlush, restart *string
	err := conn.QueryRow(ctx, q, slotName).Scan(&confirmedFlush, &restart)
	if err == pgx.ErrNoRows {
		return SlotCheckpoint{}, nil
	}
	if err != nil {
		return SlotCheckpoint{}, errors.Wrapf(err, "reading slot checkpoint for %q", slotName)
	}

	raw := restart
	if confirmedFlush != nil {
		raw = confirmedFlush
	}
	if raw == nil {
		return SlotCheckpoint{Exists: true}, nil
	}

	lsn, err := pglogrepl.ParseLSN(*raw)
	if err != nil {
		return SlotCheckpoint{}, errors.Wrapf(err, "parsing slot lsn %q", *raw)
	}
	return SlotCheckpoint{LSN: lsn, Exists: true}, nil
}

// AdvisoryLockKey derives the 64-bit advisory lock key used for leader
// election from a replication slot name, unless hasOverride is true, in
// which case the configured override is used verbatim. Deriving the key
// from the slot name means two relays pointed at different slots never
// contend for the same lock by accident.
func AdvisoryLockKey(slotName string, override int64, hasOverride bool) int64 {
	if hasOverride {
		return override
	}
	var h int64 = 14695981039346656037 % (1 << 62) // fnv offset basis, truncated to fit int64
	for _, b := range []byte(slotName) {
		h ^= int64(b)
		h *= 1099511628211
		if h < 0 {
			h = -h
		}
	}
	return h
}
