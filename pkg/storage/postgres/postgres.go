// Package postgres stores transfers, contracts and checkpoints in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/0xmhha/transfer-indexer/pkg/storage"
	"github.com/0xmhha/transfer-indexer/pkg/types"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// DefaultQueryTimeout is applied to individual non-transactional queries
const DefaultQueryTimeout = 30 * time.Second

var schema = []string{
	`CREATE TABLE IF NOT EXISTS contracts (
		id         TEXT PRIMARY KEY,
		chain      TEXT NOT NULL,
		address    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (chain, address)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		chain            TEXT NOT NULL,
		hash             TEXT NOT NULL,
		log_index        BIGINT NOT NULL,
		block_number     BIGINT NOT NULL,
		block_timestamp  TIMESTAMPTZ NOT NULL,
		from_address     TEXT NOT NULL,
		to_address       TEXT,
		value_wei        NUMERIC(78, 0) NOT NULL,
		contract_address TEXT NOT NULL,
		contract_id      TEXT NOT NULL REFERENCES contracts (id),
		PRIMARY KEY (chain, hash, log_index)
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_chain_block_idx ON transactions (chain, block_number)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		chain              TEXT PRIMARY KEY,
		last_scanned_block BIGINT NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Config holds connection pool settings
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var _ storage.Store = (*Store)(nil)

// Store implements storage.Store on PostgreSQL. It also keeps per-chain
// checkpoints so records and progress can live in one database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects to the database and verifies the connection
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres url cannot be empty")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return New(db, logger), nil
}

// New wraps an open database handle
func New(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Migrate creates the tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.logger.Info("postgres schema ready")
	return nil
}

// Atomic runs fn inside one SQL transaction
func (s *Store) Atomic(ctx context.Context, fn func(storage.Writer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&writer{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetTransaction returns one transfer by identity
func (s *Store) GetTransaction(ctx context.Context, chain, hash string, logIndex uint) (*types.TransferRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var (
		rec      types.TransferRecord
		logIdx   int64
		blockNum int64
		to       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT chain, hash, log_index, block_number, block_timestamp, from_address,
		       to_address, value_wei, contract_address, contract_id
		FROM transactions
		WHERE chain = $1 AND hash = $2 AND log_index = $3
	`, chain, strings.ToLower(hash), int64(logIndex)).Scan(
		&rec.Chain, &rec.Hash, &logIdx, &blockNum, &rec.Timestamp, &rec.FromAddress,
		&to, &rec.ValueWei, &rec.ContractAddress, &rec.ContractID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}

	rec.LogIndex = uint(logIdx)
	rec.BlockNumber = uint64(blockNum)
	rec.Timestamp = rec.Timestamp.UTC()
	if to.Valid {
		rec.ToAddress = &to.String
	}
	return &rec, nil
}

// GetContract returns the contract of (chain, address)
func (s *Store) GetContract(ctx context.Context, chain, address string) (*types.ContractRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var c types.ContractRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chain, address, created_at
		FROM contracts
		WHERE chain = $1 AND address = $2
	`, chain, strings.ToLower(address)).Scan(&c.ID, &c.Chain, &c.Address, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contract: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

// CountTransactions returns the number of transfers stored for chain
func (s *Store) CountTransactions(ctx context.Context, chain string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE chain = $1`, chain,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

// Get returns the last scanned block of chain
func (s *Store) Get(ctx context.Context, chain string) (uint64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var block int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_scanned_block FROM checkpoints WHERE chain = $1`, chain,
	).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get checkpoint: %w", err)
	}
	return uint64(block), true, nil
}

// Set records block as the last scanned block of chain
func (s *Store) Set(ctx context.Context, chain string, block uint64) error {
	if block > math.MaxInt64 {
		return fmt.Errorf("checkpoint %d exceeds BIGINT range", block)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (chain, last_scanned_block)
		VALUES ($1, $2)
		ON CONFLICT (chain) DO UPDATE SET
			last_scanned_block = EXCLUDED.last_scanned_block,
			updated_at = now()
	`, chain, int64(block))
	if err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

type writer struct {
	tx *sql.Tx
}

// FindOrCreateContract inserts the contract or, on conflict, returns the id
// already stored for (chain, address)
func (w *writer) FindOrCreateContract(ctx context.Context, chain, address string) (string, error) {
	if chain == "" || address == "" {
		return "", fmt.Errorf("%w: contract identity requires chain and address", storage.ErrInvalidKey)
	}

	var id string
	err := w.tx.QueryRowContext(ctx, `
		INSERT INTO contracts (id, chain, address)
		VALUES ($1, $2, $3)
		ON CONFLICT (chain, address) DO UPDATE SET
			chain = contracts.chain
		RETURNING id
	`, uuid.NewString(), chain, strings.ToLower(address)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert contract: %w", err)
	}
	return id, nil
}

func (w *writer) UpsertTransaction(ctx context.Context, chain, hash string, f storage.TransactionFields) error {
	if chain == "" || hash == "" {
		return fmt.Errorf("%w: transaction identity requires chain and hash", storage.ErrInvalidKey)
	}

	_, err := w.tx.ExecContext(ctx, `
		INSERT INTO transactions (chain, hash, log_index, block_number, block_timestamp,
			from_address, to_address, value_wei, contract_address, contract_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (chain, hash, log_index) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			block_timestamp = EXCLUDED.block_timestamp,
			from_address = EXCLUDED.from_address,
			to_address = EXCLUDED.to_address,
			value_wei = EXCLUDED.value_wei,
			contract_address = EXCLUDED.contract_address,
			contract_id = EXCLUDED.contract_id
	`, chain, strings.ToLower(hash), int64(f.LogIndex), int64(f.BlockNumber), f.Timestamp.UTC(),
		f.FromAddress, nullString(f.ToAddress), f.ValueWei, f.ContractAddress, f.ContractID)
	if err != nil {
		return fmt.Errorf("upsert transaction: %w", err)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
