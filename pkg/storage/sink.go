package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/0xmhha/transfer-indexer/pkg/types"
	"go.uber.org/zap"
)

// UpsertSink writes normalized transfers idempotently. Re-delivering the same
// record overwrites it in place; its contract is found or created by
// (chain, lower-cased address).
type UpsertSink struct {
	store  Store
	logger *zap.Logger
}

// NewUpsertSink creates a sink over store
func NewUpsertSink(store Store, logger *zap.Logger) (*UpsertSink, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UpsertSink{store: store, logger: logger}, nil
}

// Upsert persists a single record
func (s *UpsertSink) Upsert(ctx context.Context, rec *types.TransferRecord) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	recs := []types.TransferRecord{*rec}
	if _, err := s.UpsertAll(ctx, recs); err != nil {
		return err
	}
	rec.ContractID = recs[0].ContractID
	return nil
}

// UpsertAll persists recs as one atomic unit and fills in each record's
// ContractID. It returns the number of records written.
func (s *UpsertSink) UpsertAll(ctx context.Context, recs []types.TransferRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	ids := make([]string, len(recs))
	err := s.store.Atomic(ctx, func(w Writer) error {
		contracts := make(map[string]string)
		for i := range recs {
			rec := &recs[i]
			chain := strings.ToLower(rec.Chain)
			address := strings.ToLower(rec.ContractAddress)

			memoKey := chain + "/" + address
			id, ok := contracts[memoKey]
			if !ok {
				var err error
				id, err = w.FindOrCreateContract(ctx, chain, address)
				if err != nil {
					return fmt.Errorf("failed to resolve contract %s: %w", address, err)
				}
				contracts[memoKey] = id
			}

			if err := w.UpsertTransaction(ctx, chain, strings.ToLower(rec.Hash), fieldsOf(rec, id)); err != nil {
				return fmt.Errorf("failed to upsert transaction %s/%d: %w", rec.Hash, rec.LogIndex, err)
			}
			ids[i] = id
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for i := range recs {
		recs[i].ContractID = ids[i]
	}
	s.logger.Debug("upserted transfers", zap.Int("records", len(recs)))
	return len(recs), nil
}

func fieldsOf(rec *types.TransferRecord, contractID string) TransactionFields {
	var to *string
	if rec.ToAddress != nil {
		lower := strings.ToLower(*rec.ToAddress)
		to = &lower
	}
	return TransactionFields{
		LogIndex:        rec.LogIndex,
		BlockNumber:     rec.BlockNumber,
		Timestamp:       rec.Timestamp.UTC(),
		FromAddress:     strings.ToLower(rec.FromAddress),
		ToAddress:       to,
		ValueWei:        rec.ValueWei,
		ContractAddress: strings.ToLower(rec.ContractAddress),
		ContractID:      contractID,
	}
}
