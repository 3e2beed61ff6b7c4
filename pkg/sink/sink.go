// Package sink defines the downstream batch-put boundary the publisher
// dispatches to, and a Kinesis-backed implementation of it.
package sink

import "context"

// Record is one outbound record: an opaque payload routed to a shard by
// partition key.
type Record struct {
	PartitionKey string
	Payload      []byte
}

// RecordResult is the per-record outcome of a PutRecords call. ErrorCode
// and ErrorMessage are populated only when Failed is true, matching the
// shape Kinesis itself returns: partial failures are reported per-record
// alongside an overall call success.
type RecordResult struct {
	Failed       bool
	ErrorCode    string
	ErrorMessage string
}

// Sink is a partitioned, batch-oriented streaming write surface, modeled
// on Kinesis's PutRecords: it accepts up to N records per call and reports
// success or failure for each individually. A non-nil error from PutRecords
// means the whole call failed at the stream level (e.g. throttling,
// connection reset, access denied) and no per-record results are valid.
type Sink interface {
	// PutRecords writes records and returns one RecordResult per input
	// record, in the same order, when err is nil. A non-nil err indicates
	// a stream-level failure; the caller must not read results in that case.
	PutRecords(ctx context.Context, records []Record) (results []RecordResult, err error)
}
