package testutil

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// TransferTopic is topic0 of the ERC20 Transfer event
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var (
	// DefaultFrom and DefaultTo are the parties of logs built without explicit addresses
	DefaultFrom = common.HexToAddress("0x1111111111111111111111111111111111111111")
	DefaultTo   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// NewTestLogger creates a logger that writes through t.Log
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// TxHash derives a distinct transaction hash from a log position
func TxHash(block uint64, index uint) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(index)))
}

// AddressTopic left-pads an address into an indexed topic
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// TransferLog builds a well-formed Transfer log of token from DefaultFrom to DefaultTo
func TransferLog(token common.Address, block uint64, index uint, value *big.Int) types.Log {
	return TransferLogBetween(token, DefaultFrom, DefaultTo, block, index, value)
}

// TransferLogBetween builds a well-formed Transfer log between two parties
func TransferLogBetween(token, from, to common.Address, block uint64, index uint, value *big.Int) types.Log {
	return types.Log{
		Address:     token,
		Topics:      []common.Hash{TransferTopic, AddressTopic(from), AddressTopic(to)},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		BlockNumber: block,
		TxHash:      TxHash(block, index),
		Index:       index,
	}
}

// Header builds a header carrying only a number and a timestamp
func Header(number uint64, ts time.Time) *types.Header {
	return &types.Header{
		Number: new(big.Int).SetUint64(number),
		Time:   uint64(ts.Unix()),
	}
}
