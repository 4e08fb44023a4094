package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/0xmhha/transfer-indexer/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var _ Store = (*KVStore)(nil)

// KVStore implements Store on top of a key-value Backend. Each Atomic unit is
// committed as a single backend batch.
type KVStore struct {
	backend Backend
	logger  *zap.Logger

	// writeMu serializes Atomic units so contract creation cannot race
	writeMu sync.Mutex

	// now is overridable in tests
	now func() time.Time
}

// NewKVStore creates a store over backend
func NewKVStore(backend Backend, logger *zap.Logger) (*KVStore, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVStore{backend: backend, logger: logger, now: time.Now}, nil
}

// Backend returns the underlying backend
func (s *KVStore) Backend() Backend {
	return s.backend
}

// Atomic runs fn against a batch and commits it only if fn succeeds
func (s *KVStore) Atomic(ctx context.Context, fn func(Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := s.backend.NewBatch()
	defer batch.Close()

	w := &kvWriter{
		store:   s,
		batch:   batch,
		pending: make(map[string]string),
	}
	if err := fn(w); err != nil {
		return err
	}
	if batch.Count() == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	s.logger.Debug("committed batch",
		zap.Int("operations", batch.Count()),
		zap.Int("contracts_created", len(w.pending)))
	return nil
}

// GetTransaction returns one transfer by identity
func (s *KVStore) GetTransaction(ctx context.Context, chain, hash string, logIndex uint) (*types.TransferRecord, error) {
	data, err := s.backend.Get(TransferKey(chain, hash, logIndex))
	if err != nil {
		return nil, err
	}
	return DecodeTransfer(data)
}

// GetContract returns the contract of (chain, address)
func (s *KVStore) GetContract(ctx context.Context, chain, address string) (*types.ContractRecord, error) {
	data, err := s.backend.Get(ContractKey(chain, address))
	if err != nil {
		return nil, err
	}
	return DecodeContract(data)
}

// CountTransactions returns the number of transfers stored for chain
func (s *KVStore) CountTransactions(ctx context.Context, chain string) (int, error) {
	prefix := TransferPrefix(chain)
	iter, err := s.backend.NewIterator(prefix, PrefixEnd(prefix))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	count := 0
	for ; iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

// ListTransactions returns every transfer stored for chain in key order
func (s *KVStore) ListTransactions(ctx context.Context, chain string) ([]*types.TransferRecord, error) {
	prefix := TransferPrefix(chain)
	iter, err := s.backend.NewIterator(prefix, PrefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*types.TransferRecord
	for ; iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := DecodeTransfer(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", iter.Key(), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the backend
func (s *KVStore) Close() error {
	return s.backend.Close()
}

type kvWriter struct {
	store *KVStore
	batch BackendBatch
	// contracts created in this batch, keyed by contract key
	pending map[string]string
}

func (w *kvWriter) FindOrCreateContract(ctx context.Context, chain, address string) (string, error) {
	if chain == "" || address == "" {
		return "", fmt.Errorf("%w: contract identity requires chain and address", ErrInvalidKey)
	}
	address = strings.ToLower(address)
	key := ContractKey(chain, address)

	if id, ok := w.pending[string(key)]; ok {
		return id, nil
	}

	data, err := w.store.backend.Get(key)
	switch {
	case err == nil:
		existing, err := DecodeContract(data)
		if err != nil {
			return "", err
		}
		return existing.ID, nil
	case !errors.Is(err, ErrNotFound):
		return "", fmt.Errorf("failed to look up contract %s/%s: %w", chain, address, err)
	}

	contract := &types.ContractRecord{
		ID:        uuid.NewString(),
		Chain:     chain,
		Address:   address,
		CreatedAt: w.store.now().UTC(),
	}
	encoded, err := EncodeContract(contract)
	if err != nil {
		return "", err
	}
	if err := w.batch.Set(key, encoded); err != nil {
		return "", fmt.Errorf("failed to stage contract: %w", err)
	}
	w.pending[string(key)] = contract.ID
	return contract.ID, nil
}

func (w *kvWriter) UpsertTransaction(ctx context.Context, chain, hash string, fields TransactionFields) error {
	if chain == "" || hash == "" {
		return fmt.Errorf("%w: transaction identity requires chain and hash", ErrInvalidKey)
	}
	encoded, err := EncodeTransfer(chain, hash, fields)
	if err != nil {
		return err
	}
	if err := w.batch.Set(TransferKey(chain, hash, fields.LogIndex), encoded); err != nil {
		return fmt.Errorf("failed to stage transaction: %w", err)
	}
	return nil
}
