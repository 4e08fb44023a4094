// Package checkpoint persists the last fully indexed block of each chain.
package checkpoint

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/0xmhha/transfer-indexer/pkg/storage"
)

// Store reads and writes per-chain checkpoints
type Store interface {
	// Get returns the last scanned block of chain; ok is false when the
	// chain has never completed a chunk
	Get(ctx context.Context, chain string) (block uint64, ok bool, err error)

	// Set records block as the last scanned block of chain
	Set(ctx context.Context, chain string, block uint64) error
}

var _ Store = (*KVStore)(nil)

// KVStore keeps checkpoints in a storage.Backend as 8-byte big-endian values
type KVStore struct {
	backend storage.Backend
}

// NewKVStore creates a checkpoint store over backend
func NewKVStore(backend storage.Backend) (*KVStore, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	return &KVStore{backend: backend}, nil
}

// Get returns the last scanned block of chain
func (s *KVStore) Get(ctx context.Context, chain string) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	data, err := s.backend.Get(storage.CheckpointKey(chain))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read checkpoint of %s: %w", chain, err)
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("%w: checkpoint of %s has %d bytes", storage.ErrInvalidData, chain, len(data))
	}
	return binary.BigEndian.Uint64(data), true, nil
}

// Set records block as the last scanned block of chain
func (s *KVStore) Set(ctx context.Context, chain string, block uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], block)
	if err := s.backend.Set(storage.CheckpointKey(chain), buf[:]); err != nil {
		return fmt.Errorf("failed to write checkpoint of %s: %w", chain, err)
	}
	return nil
}
