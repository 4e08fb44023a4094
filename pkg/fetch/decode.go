package fetch

import (
	"errors"
	"fmt"
	"math/big"

	itypes "github.com/0xmhha/transfer-indexer/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferEventSignature is the canonical ERC20 Transfer signature
const TransferEventSignature = "Transfer(address,address,uint256)"

// TransferTopic is keccak256 of TransferEventSignature
var TransferTopic = crypto.Keccak256Hash([]byte(TransferEventSignature))

// ErrNotTransfer is returned for logs whose first topic is not TransferTopic
var ErrNotTransfer = errors.New("log is not a Transfer event")

// DecodeTransfer converts a raw log into a LogEvent. Indexed arguments that
// are missing stay nil; ERC721 transfers carry no value word and therefore
// decode with a nil Value.
func DecodeTransfer(log types.Log) (itypes.LogEvent, error) {
	if len(log.Topics) == 0 || log.Topics[0] != TransferTopic {
		return itypes.LogEvent{}, fmt.Errorf("%w: tx %s index %d", ErrNotTransfer, log.TxHash.Hex(), log.Index)
	}

	ev := itypes.LogEvent{
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
		Address:     log.Address,
	}
	if len(log.Topics) > 1 {
		from := common.BytesToAddress(log.Topics[1].Bytes())
		ev.From = &from
	}
	if len(log.Topics) > 2 {
		to := common.BytesToAddress(log.Topics[2].Bytes())
		ev.To = &to
	}
	if len(log.Topics) == 3 && len(log.Data) >= 32 {
		ev.Value = new(big.Int).SetBytes(log.Data[:32])
	}
	return ev, nil
}
