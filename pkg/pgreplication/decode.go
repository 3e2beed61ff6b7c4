package pgreplication

import (
	"encoding/json"
	"fmt"
	"strings"
)

// wal2jsonChange mirrors the per-change object wal2json emits when the
// slot is configured with "write-in-chunks" (one change per XLogData
// frame, rather than one JSON document per transaction). Only the fields
// needed to route and carry the payload are modeled.
type wal2jsonChange struct {
	Kind         string          `json:"kind"`
	Schema       string          `json:"schema"`
	Table        string          `json:"table"`
	ColumnNames  []string        `json:"columnnames"`
	ColumnValues []interface{}   `json:"columnvalues"`
	PK           []wal2jsonPKCol `json:"pk"`
}

// wal2jsonPKCol is one entry of the "pk" array wal2json emits per change
// when the slot is started with "include-pk" '1': the primary key's
// column name (and type, which this relay has no use for).
type wal2jsonPKCol struct {
	Name string `json:"name"`
}

// DecodedChange is one already-parsed logical change ready to be
// registered and queued: a routing key and the verbatim bytes to publish
// downstream.
type DecodedChange struct {
	PartitionKey string
	Payload      []byte
}

// DecodeWAL2JSON parses one wal2json change object from a single XLogData
// frame's payload. The partition key is derived in order of preference:
//
//  1. the change's first primary key column, when wal2json's "include-pk"
//     option is enabled and the change carries a non-empty "pk" array;
//  2. pkFallbackColumn, a configured column name matched case-insensitively
//     against the change's columnnames, for tables wal2json did not report
//     primary key metadata for (e.g. unkeyed tables, or an older wal2json
//     without "include-pk" support);
//  3. the schema-qualified table name, when neither of the above resolves
//     to a present column -- the coarsest grouping, but always available.
func DecodeWAL2JSON(raw []byte, pkFallbackColumn string) (DecodedChange, error) {
	var c wal2jsonChange
	if err := json.Unmarshal(raw, &c); err != nil {
		return DecodedChange{}, fmt.Errorf("decoding wal2json change: %w", err)
	}
	if c.Table == "" {
		return DecodedChange{}, fmt.Errorf("decoding wal2json change: missing table")
	}

	schema := c.Schema
	if schema == "" {
		schema = "public"
	}
	tableKey := schema + "." + c.Table

	key := tableKey
	if col, ok := firstPKColumnName(c); ok {
		if v, ok := columnValue(c, col); ok {
			key = tableKey + ":" + v
		}
	} else if pkFallbackColumn != "" {
		if v, ok := columnValue(c, pkFallbackColumn); ok {
			key = tableKey + ":" + v
		}
	}

	return DecodedChange{
		PartitionKey: key,
		Payload:      raw,
	}, nil
}

// firstPKColumnName returns the name of c's first reported primary key
// column, if wal2json included one.
func firstPKColumnName(c wal2jsonChange) (string, bool) {
	if len(c.PK) == 0 {
		return "", false
	}
	return c.PK[0].Name, true
}

// columnValue looks up name in c.ColumnNames case-insensitively and
// formats the corresponding columnvalues entry for use in a partition key.
func columnValue(c wal2jsonChange, name string) (string, bool) {
	for i, n := range c.ColumnNames {
		if !strings.EqualFold(n, name) {
			continue
		}
		if i >= len(c.ColumnValues) {
			return "", false
		}
		return fmt.Sprintf("%v", c.ColumnValues[i]), true
	}
	return "", false
}
