// Package eventbus publishes committed transfer records to downstream
// consumers.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/0xmhha/transfer-indexer/pkg/types"
	"github.com/segmentio/kafka-go"
)

// EventTypeTransfer is the event_type header of every published record
const EventTypeTransfer = "erc20.transfer"

// Publisher delivers records that were already committed to storage.
// Publish must not return before delivery is acknowledged.
type Publisher interface {
	Publish(ctx context.Context, records []types.TransferRecord) error
	Close() error
}

// MessageKey returns the partition key of a record, <chain>:<hash>:<logIndex>.
// Re-publishing a record after a restart yields the same key.
func MessageKey(rec *types.TransferRecord) string {
	return rec.Chain + ":" + rec.Hash + ":" + strconv.FormatUint(uint64(rec.LogIndex), 10)
}

// NewTransferMessage builds the Kafka message for one record
func NewTransferMessage(rec *types.TransferRecord) (kafka.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	return kafka.Message{
		Key:   []byte(MessageKey(rec)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventTypeTransfer)},
			{Key: "chain", Value: []byte(rec.Chain)},
			{Key: "block_number", Value: []byte(strconv.FormatUint(rec.BlockNumber, 10))},
		},
	}, nil
}
