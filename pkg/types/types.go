package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSpec identifies one chain to index. It is immutable once loaded.
type ChainSpec struct {
	Name        string
	RPCEndpoint string
	StartBlock  *uint64
	RPCTimeout  time.Duration
	RateLimit   float64
	RateBurst   int
}

// HasStartBlock reports whether an explicit start block was configured
func (c ChainSpec) HasStartBlock() bool {
	return c.StartBlock != nil
}

// BlockRange is an inclusive block interval
type BlockRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// NewBlockRange creates a validated range
func NewBlockRange(from, to uint64) (BlockRange, error) {
	r := BlockRange{From: from, To: to}
	if err := r.Validate(); err != nil {
		return BlockRange{}, err
	}
	return r, nil
}

// Validate checks that From <= To
func (r BlockRange) Validate() error {
	if r.From > r.To {
		return fmt.Errorf("invalid block range: from %d > to %d", r.From, r.To)
	}
	return nil
}

// Size returns the number of blocks covered
func (r BlockRange) Size() uint64 {
	return r.To - r.From + 1
}

// Contains reports whether n lies inside the range
func (r BlockRange) Contains(n uint64) bool {
	return n >= r.From && n <= r.To
}

// Mid returns the bisection point; [From,Mid] and [Mid+1,To] are both
// non-empty whenever From < To.
func (r BlockRange) Mid() uint64 {
	return r.From + (r.To-r.From)/2
}

// Split divides the range into [From,at] and [at+1,To]. The caller must
// ensure From <= at < To.
func (r BlockRange) Split(at uint64) (BlockRange, BlockRange) {
	return BlockRange{From: r.From, To: at}, BlockRange{From: at + 1, To: r.To}
}

func (r BlockRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.From, r.To)
}

// LogEvent is one decoded Transfer log. Arguments the log did not carry are nil.
type LogEvent struct {
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	Address     common.Address
	From        *common.Address
	To          *common.Address
	Value       *big.Int
}

// TransferRecord is the persisted, normalized form of a Transfer log.
// Identity is (Chain, Hash, LogIndex).
type TransferRecord struct {
	Chain           string    `json:"chain"`
	Hash            string    `json:"hash"`
	LogIndex        uint      `json:"logIndex"`
	BlockNumber     uint64    `json:"blockNumber"`
	Timestamp       time.Time `json:"timestamp"`
	FromAddress     string    `json:"fromAddress"`
	ToAddress       *string   `json:"toAddress,omitempty"`
	ValueWei        string    `json:"valueWei"`
	ContractAddress string    `json:"contractAddress"`
	ContractID      string    `json:"contractId,omitempty"`
}

// ContractRecord is an emitting token contract, unique by (Chain, Address)
type ContractRecord struct {
	ID        string    `json:"id"`
	Chain     string    `json:"chain"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
}

// Checkpoint is the last fully indexed block of a chain
type Checkpoint struct {
	Chain            string
	LastScannedBlock uint64
}
