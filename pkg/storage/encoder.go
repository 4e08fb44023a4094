package storage

import (
	"bytes"
	"fmt"
	"time"

	"github.com/0xmhha/transfer-indexer/pkg/types"
	"github.com/ethereum/go-ethereum/rlp"
)

// storedTransfer is the RLP layout of a transfer row. Field order is part of
// the on-disk format.
type storedTransfer struct {
	Chain           string
	Hash            string
	LogIndex        uint64
	BlockNumber     uint64
	Timestamp       uint64
	FromAddress     string
	ToAddress       *string `rlp:"nil"`
	ValueWei        string
	ContractAddress string
	ContractID      string
}

type storedContract struct {
	ID        string
	Chain     string
	Address   string
	CreatedAt uint64
}

// EncodeTransfer encodes a transfer row using RLP
func EncodeTransfer(chain, hash string, f TransactionFields) ([]byte, error) {
	if f.Timestamp.Unix() < 0 {
		return nil, fmt.Errorf("timestamp cannot precede the unix epoch: %s", f.Timestamp)
	}
	row := storedTransfer{
		Chain:           chain,
		Hash:            hash,
		LogIndex:        uint64(f.LogIndex),
		BlockNumber:     f.BlockNumber,
		Timestamp:       uint64(f.Timestamp.Unix()),
		FromAddress:     f.FromAddress,
		ToAddress:       f.ToAddress,
		ValueWei:        f.ValueWei,
		ContractAddress: f.ContractAddress,
		ContractID:      f.ContractID,
	}

	var buf bytes.Buffer
	if err := rlp.Encode(&buf, &row); err != nil {
		return nil, fmt.Errorf("failed to encode transfer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeTransfer decodes a transfer row from RLP
func DecodeTransfer(data []byte) (*types.TransferRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty transfer", ErrInvalidData)
	}

	var row storedTransfer
	if err := rlp.DecodeBytes(data, &row); err != nil {
		return nil, fmt.Errorf("%w: failed to decode transfer: %v", ErrInvalidData, err)
	}

	return &types.TransferRecord{
		Chain:           row.Chain,
		Hash:            row.Hash,
		LogIndex:        uint(row.LogIndex),
		BlockNumber:     row.BlockNumber,
		Timestamp:       time.Unix(int64(row.Timestamp), 0).UTC(),
		FromAddress:     row.FromAddress,
		ToAddress:       row.ToAddress,
		ValueWei:        row.ValueWei,
		ContractAddress: row.ContractAddress,
		ContractID:      row.ContractID,
	}, nil
}

// EncodeContract encodes a contract row using RLP
func EncodeContract(c *types.ContractRecord) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("contract cannot be nil")
	}
	row := storedContract{
		ID:        c.ID,
		Chain:     c.Chain,
		Address:   c.Address,
		CreatedAt: uint64(c.CreatedAt.Unix()),
	}

	var buf bytes.Buffer
	if err := rlp.Encode(&buf, &row); err != nil {
		return nil, fmt.Errorf("failed to encode contract: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeContract decodes a contract row from RLP
func DecodeContract(data []byte) (*types.ContractRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty contract", ErrInvalidData)
	}

	var row storedContract
	if err := rlp.DecodeBytes(data, &row); err != nil {
		return nil, fmt.Errorf("%w: failed to decode contract: %v", ErrInvalidData, err)
	}

	return &types.ContractRecord{
		ID:        row.ID,
		Chain:     row.Chain,
		Address:   row.Address,
		CreatedAt: time.Unix(int64(row.CreatedAt), 0).UTC(),
	}, nil
}
