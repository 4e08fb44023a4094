package backfill

import (
	"time"

	"github.com/0xmhha/transfer-indexer/pkg/types"
)

// State is the orchestrator's position in its per-chain lifecycle
type State int

const (
	StateIdle State = iota
	StateScanningChain
	StateFetchingChunk
	StateResolvingTimestamps
	StateNormalizing
	StatePersisting
	StatePublishing
	StateCheckpointing
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:                "idle",
	StateScanningChain:       "scanning_chain",
	StateFetchingChunk:       "fetching_chunk",
	StateResolvingTimestamps: "resolving_timestamps",
	StateNormalizing:         "normalizing",
	StatePersisting:          "persisting",
	StatePublishing:          "publishing",
	StateCheckpointing:       "checkpointing",
	StateDone:                "done",
	StateFailed:              "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the run has finished
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Status is a point-in-time snapshot of one chain's run. Chunk is the range
// in flight; Checkpoint is the last block known to be fully indexed.
type Status struct {
	Chain           string            `json:"chain"`
	State           State             `json:"state"`
	Window          *types.BlockRange `json:"window,omitempty"`
	Chunk           *types.BlockRange `json:"chunk,omitempty"`
	LatestBlock     uint64            `json:"latestBlock"`
	Checkpoint      *uint64           `json:"checkpoint,omitempty"`
	ChunksDone      int               `json:"chunksDone"`
	LogsFetched     int               `json:"logsFetched"`
	RecordsUpserted int               `json:"recordsUpserted"`
	RecordsSkipped  int               `json:"recordsSkipped"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	FinishedAt      *time.Time        `json:"finishedAt,omitempty"`
	Error           string            `json:"error,omitempty"`
}
