package sink

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

// KinesisAPI is the subset of the Kinesis client used by KinesisSink,
// narrowed for testability the way aws-sdk-go-v2 service clients are
// typically wrapped behind a small interface.
type KinesisAPI interface {
	PutRecords(ctx context.Context, params *kinesis.PutRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error)
}

// KinesisSink writes records to a single named Kinesis data stream via
// PutRecords.
type KinesisSink struct {
	client     KinesisAPI
	streamName string
}

// NewKinesisSink constructs a sink bound to streamName using client.
func NewKinesisSink(client KinesisAPI, streamName string) *KinesisSink {
	return &KinesisSink{client: client, streamName: streamName}
}

// PutRecords implements Sink by issuing one Kinesis PutRecords call for the
// whole batch and translating per-record entries back to RecordResult.
func (s *KinesisSink) PutRecords(ctx context.Context, records []Record) ([]RecordResult, error) {
	if len(records) == 0 {
		return nil, nil
	}

	entries := make([]types.PutRecordsRequestEntry, len(records))
	for i, r := range records {
		entries[i] = types.PutRecordsRequestEntry{
			Data:         r.Payload,
			PartitionKey: aws.String(r.PartitionKey),
		}
	}

	out, err := s.client.PutRecords(ctx, &kinesis.PutRecordsInput{
		StreamName: aws.String(s.streamName),
		Records:    entries,
	})
	if err != nil {
		return nil, fmt.Errorf("kinesis PutRecords: %w", err)
	}

	results := make([]RecordResult, len(out.Records))
	for i, rr := range out.Records {
		if rr.ErrorCode == nil {
			continue
		}
		results[i] = RecordResult{
			Failed:       true,
			ErrorCode:    aws.ToString(rr.ErrorCode),
			ErrorMessage: aws.ToString(rr.ErrorMessage),
		}
	}
	return results, nil
}
