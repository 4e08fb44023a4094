package postgres

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/0xmhha/transfer-indexer/pkg/storage"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil), mock
}

func TestMigrate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS contracts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS transactions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS transactions_chain_block_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS checkpoints").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAtomic_Commit(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)
	ts := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO contracts").
		WithArgs(sqlmock.AnyArg(), "ethereum", "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("contract-1"))
	mock.ExpectExec("INSERT INTO transactions").
		WithArgs("ethereum", "0xabc", int64(2), int64(1000), ts,
			"0x1111111111111111111111111111111111111111", nil,
			"123456789012345678901234567890",
			"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", "contract-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Atomic(ctx, func(w storage.Writer) error {
		id, err := w.FindOrCreateContract(ctx, "ethereum", "0xA0b86991C6218b36c1d19D4a2e9Eb0cE3606eB48")
		if err != nil {
			return err
		}
		assert.Equal(t, "contract-1", id)
		return w.UpsertTransaction(ctx, "ethereum", "0xABC", storage.TransactionFields{
			LogIndex:        2,
			BlockNumber:     1000,
			Timestamp:       ts,
			FromAddress:     "0x1111111111111111111111111111111111111111",
			ValueWei:        "123456789012345678901234567890",
			ContractAddress: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
			ContractID:      id,
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAtomic_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)

	boom := errors.New("connection lost")
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO contracts").WillReturnError(boom)
	mock.ExpectRollback()

	err := s.Atomic(ctx, func(w storage.Writer) error {
		_, err := w.FindOrCreateContract(ctx, "ethereum", "0xaaaa")
		return err
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTransaction(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)
	ts := time.Unix(1700000000, 0)

	cols := []string{"chain", "hash", "log_index", "block_number", "block_timestamp", "from_address",
		"to_address", "value_wei", "contract_address", "contract_id"}
	mock.ExpectQuery("SELECT (.+) FROM transactions").
		WithArgs("ethereum", "0xabc", int64(0)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"ethereum", "0xabc", int64(0), int64(1000), ts, "0x1111", nil, "1000", "0xaaaa", "contract-1"))

	rec, err := s.GetTransaction(ctx, "ethereum", "0xABC", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), rec.BlockNumber)
	assert.Nil(t, rec.ToAddress)
	assert.Equal(t, "contract-1", rec.ContractID)
	assert.Equal(t, time.UTC, rec.Timestamp.Location())

	mock.ExpectQuery("SELECT (.+) FROM transactions").
		WillReturnRows(sqlmock.NewRows(cols))
	_, err = s.GetTransaction(ctx, "ethereum", "0xdef", 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountTransactions(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").WithArgs("ethereum").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountTransactions(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestCheckpoint(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT last_scanned_block FROM checkpoints").WithArgs("ethereum").
		WillReturnRows(sqlmock.NewRows([]string{"last_scanned_block"}))
	_, ok, err := s.Get(ctx, "ethereum")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec("INSERT INTO checkpoints").WithArgs("ethereum", int64(1999)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Set(ctx, "ethereum", 1999))

	mock.ExpectQuery("SELECT last_scanned_block FROM checkpoints").WithArgs("ethereum").
		WillReturnRows(sqlmock.NewRows([]string{"last_scanned_block"}).AddRow(int64(1999)))
	block, ok, err := s.Get(ctx, "ethereum")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1999), block)

	assert.Error(t, s.Set(ctx, "ethereum", math.MaxUint64))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_EmptyURL(t *testing.T) {
	_, err := Open(context.Background(), Config{}, nil)
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	s := New(db, nil)

	mock.ExpectPing()
	require.NoError(t, s.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	assert.Error(t, s.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
