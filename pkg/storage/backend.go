package storage

import (
	"fmt"

	"go.uber.org/zap"
)

// BackendType identifies the type of key-value backend
type BackendType string

const (
	// BackendTypePebble represents PebbleDB backend
	BackendTypePebble BackendType = "pebble"

	// BackendTypeMemory represents in-memory backend (for testing and dry runs)
	BackendTypeMemory BackendType = "memory"
)

// Backend is the ordered key-value store under KVStore and the checkpoint
// store. Get returns ErrNotFound for absent keys; iterators cover [start, end).
type Backend interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	NewIterator(start, end []byte) (Iterator, error)
	// NewBatch starts an atomic unit of writes
	NewBatch() BackendBatch
	Close() error
	Type() BackendType
}

// Iterator provides iteration over key-value pairs
type Iterator interface {
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
	Close() error
}

// BackendBatch buffers writes until Commit applies them all at once. Close
// without Commit discards them.
type BackendBatch interface {
	Set(key, value []byte) error
	Delete(key []byte) error
	Commit() error
	Count() int
	Close() error
}

// BackendConfig describes the key-value backend to open
type BackendConfig struct {
	Type BackendType

	// Path is the pebble data directory
	Path string

	// Cache and WriteBuffer are sizes in MB
	Cache        int
	WriteBuffer  int
	MaxOpenFiles int

	ReadOnly bool
}

// DefaultBackendConfig returns the tuning used for a backend of the given type
func DefaultBackendConfig(backendType BackendType, path string) *BackendConfig {
	return &BackendConfig{
		Type:         backendType,
		Path:         path,
		Cache:        64,
		MaxOpenFiles: 500,
		WriteBuffer:  32,
	}
}

// OpenBackend opens the backend named by config.Type
func OpenBackend(config *BackendConfig, logger *zap.Logger) (Backend, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	switch config.Type {
	case BackendTypePebble:
		return NewPebbleBackend(config, logger)
	case BackendTypeMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q, must be one of: %s, %s",
			config.Type, BackendTypePebble, BackendTypeMemory)
	}
}
