package storage

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

var _ Backend = (*PebbleBackend)(nil)

// PebbleBackend implements the Backend interface using PebbleDB
type PebbleBackend struct {
	db       *pebble.DB
	readOnly bool
	closed   atomic.Bool
	logger   *zap.Logger
}

// NewPebbleBackend opens (or creates) a PebbleDB database at config.Path
func NewPebbleBackend(config *BackendConfig, logger *zap.Logger) (*PebbleBackend, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &pebble.Options{
		Cache:                    pebble.NewCache(int64(config.Cache) << 20),
		MaxOpenFiles:             config.MaxOpenFiles,
		MemTableSize:             uint64(config.WriteBuffer) << 20,
		MaxConcurrentCompactions: func() int { return 1 },
		ReadOnly:                 config.ReadOnly,
	}

	db, err := pebble.Open(config.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	logger.Info("opened pebble backend", zap.String("path", config.Path), zap.Bool("read_only", config.ReadOnly))

	return &PebbleBackend{
		db:       db,
		readOnly: config.ReadOnly,
		logger:   logger,
	}, nil
}

// Type returns the backend type
func (b *PebbleBackend) Type() BackendType {
	return BackendTypePebble
}

// Get retrieves a value by key
func (b *PebbleBackend) Get(key []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	value, closer, err := b.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	// Copy value since it's only valid until closer is closed
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Set stores a key-value pair
func (b *PebbleBackend) Set(key, value []byte) error {
	if err := b.writable(); err != nil {
		return err
	}
	return b.db.Set(key, value, pebble.Sync)
}

// Delete removes a key
func (b *PebbleBackend) Delete(key []byte) error {
	if err := b.writable(); err != nil {
		return err
	}
	return b.db.Delete(key, pebble.Sync)
}

// Has checks if a key exists
func (b *PebbleBackend) Has(key []byte) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}
	_, closer, err := b.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

// NewIterator creates an iterator over [start, end)
func (b *PebbleBackend) NewIterator(start, end []byte) (Iterator, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: end,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	iter.First()
	return &pebbleIterator{iter: iter}, nil
}

// NewBatch creates a new batch for atomic writes
func (b *PebbleBackend) NewBatch() BackendBatch {
	return &pebbleBatch{batch: b.db.NewBatch(), readOnly: b.readOnly}
}

// Close closes the backend
func (b *PebbleBackend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.db.Close()
}

func (b *PebbleBackend) writable() error {
	if b.closed.Load() {
		return ErrClosed
	}
	if b.readOnly {
		return ErrReadOnly
	}
	return nil
}

type pebbleIterator struct {
	iter *pebble.Iterator
}

func (i *pebbleIterator) Valid() bool   { return i.iter.Valid() }
func (i *pebbleIterator) Next()         { i.iter.Next() }
func (i *pebbleIterator) Key() []byte   { return i.iter.Key() }
func (i *pebbleIterator) Value() []byte { return i.iter.Value() }
func (i *pebbleIterator) Close() error  { return i.iter.Close() }

type pebbleBatch struct {
	batch    *pebble.Batch
	count    int
	readOnly bool
}

func (b *pebbleBatch) Set(key, value []byte) error {
	b.count++
	return b.batch.Set(key, value, nil)
}

func (b *pebbleBatch) Delete(key []byte) error {
	b.count++
	return b.batch.Delete(key, nil)
}

func (b *pebbleBatch) Commit() error {
	if b.readOnly {
		return ErrReadOnly
	}
	return b.batch.Commit(pebble.Sync)
}

func (b *pebbleBatch) Count() int {
	return b.count
}

func (b *pebbleBatch) Close() error {
	return b.batch.Close()
}
