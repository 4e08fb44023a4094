// Package normalize turns decoded Transfer logs into storage records.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	itypes "github.com/0xmhha/transfer-indexer/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ErrMalformedLog is returned when a log lacks an argument a record needs
var ErrMalformedLog = errors.New("malformed transfer log")

// TimestampFunc resolves the timestamp of a block
type TimestampFunc func(blockNumber uint64) (time.Time, error)

// Normalize maps a decoded log and its block timestamp to a TransferRecord.
// Addresses and the hash are lower-cased, the value is kept as a decimal
// string, and a missing recipient stays nil rather than becoming the zero
// address.
func Normalize(ev itypes.LogEvent, ts time.Time, chain string) (itypes.TransferRecord, error) {
	if chain == "" {
		return itypes.TransferRecord{}, fmt.Errorf("%w: empty chain tag", ErrMalformedLog)
	}
	if ev.From == nil {
		return itypes.TransferRecord{}, fmt.Errorf("%w: tx %s log %d has no sender", ErrMalformedLog, ev.TxHash.Hex(), ev.LogIndex)
	}
	if ev.Value == nil {
		return itypes.TransferRecord{}, fmt.Errorf("%w: tx %s log %d has no value", ErrMalformedLog, ev.TxHash.Hex(), ev.LogIndex)
	}
	if ev.Value.Sign() < 0 {
		return itypes.TransferRecord{}, fmt.Errorf("%w: tx %s log %d has a negative value", ErrMalformedLog, ev.TxHash.Hex(), ev.LogIndex)
	}

	rec := itypes.TransferRecord{
		Chain:           strings.ToLower(chain),
		Hash:            strings.ToLower(ev.TxHash.Hex()),
		LogIndex:        ev.LogIndex,
		BlockNumber:     ev.BlockNumber,
		Timestamp:       ts.UTC(),
		FromAddress:     Address(*ev.From),
		ValueWei:        ev.Value.String(),
		ContractAddress: Address(ev.Address),
	}
	if ev.To != nil {
		to := Address(*ev.To)
		rec.ToAddress = &to
	}
	return rec, nil
}

// NormalizeAll normalizes a chunk's events, skipping malformed ones with a
// warning. A timestamp that cannot be resolved fails the whole batch.
func NormalizeAll(events []itypes.LogEvent, timestampOf TimestampFunc, chain string, logger *zap.Logger) ([]itypes.TransferRecord, int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	records := make([]itypes.TransferRecord, 0, len(events))
	skipped := 0
	for _, ev := range events {
		ts, err := timestampOf(ev.BlockNumber)
		if err != nil {
			return nil, skipped, err
		}
		rec, err := Normalize(ev, ts, chain)
		if err != nil {
			skipped++
			logger.Warn("skipping malformed transfer log",
				zap.String("chain", chain),
				zap.String("tx", ev.TxHash.Hex()),
				zap.Uint("log_index", ev.LogIndex),
				zap.Uint64("block", ev.BlockNumber),
				zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

// Address returns the lower-case hex form used for storage keys
func Address(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// AddressString lower-cases a hex address string after validating it
func AddressString(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("invalid address %q", s)
	}
	return Address(common.HexToAddress(s)), nil
}
