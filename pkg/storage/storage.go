package storage

import (
	"context"
	"errors"
	"time"

	"github.com/0xmhha/transfer-indexer/pkg/types"
)

// Common errors
var (
	// ErrNotFound is returned when a requested item is not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned when a key is invalid
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidData is returned when stored data cannot be decoded
	ErrInvalidData = errors.New("invalid data")

	// ErrClosed is returned when operating on a closed store
	ErrClosed = errors.New("storage is closed")

	// ErrReadOnly is returned when attempting to write to a read-only store
	ErrReadOnly = errors.New("storage is read-only")
)

// TransactionFields are the mutable columns of a transfer row. Identity
// (chain, hash, log index) is passed separately.
type TransactionFields struct {
	LogIndex        uint
	BlockNumber     uint64
	Timestamp       time.Time
	FromAddress     string
	ToAddress       *string
	ValueWei        string
	ContractAddress string
	ContractID      string
}

// Writer is the write surface available inside one Atomic unit
type Writer interface {
	// FindOrCreateContract returns the id of the (chain, address) contract,
	// creating it on first sight
	FindOrCreateContract(ctx context.Context, chain, address string) (string, error)

	// UpsertTransaction inserts the transfer or overwrites its fields
	UpsertTransaction(ctx context.Context, chain, hash string, fields TransactionFields) error
}

// Reader provides read access to indexed records
type Reader interface {
	GetTransaction(ctx context.Context, chain, hash string, logIndex uint) (*types.TransferRecord, error)
	GetContract(ctx context.Context, chain, address string) (*types.ContractRecord, error)
	CountTransactions(ctx context.Context, chain string) (int, error)
}

// Store persists transfers and contracts
type Store interface {
	Reader

	// Atomic runs fn as one unit: either every write fn made is visible
	// afterwards or none is
	Atomic(ctx context.Context, fn func(Writer) error) error

	Close() error
}
