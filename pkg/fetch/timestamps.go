package fetch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/0xmhha/transfer-indexer/pkg/retry"
	"github.com/0xmhha/transfer-indexer/pkg/rpcerr"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// BlockSource resolves block headers
type BlockSource interface {
	GetBlockTimestamp(ctx context.Context, number uint64) (time.Time, error)
	BatchGetHeaders(ctx context.Context, numbers []uint64) ([]*types.Header, error)
}

// TimestampCache memoizes block timestamps for the duration of one chunk.
// It is owned by a single chain task and is not safe for concurrent use.
type TimestampCache struct {
	source  BlockSource
	policy  retry.Policy
	logger  *zap.Logger
	entries map[uint64]time.Time
	lookups int
}

// NewTimestampCache creates an empty cache
func NewTimestampCache(source BlockSource, policy retry.Policy, logger *zap.Logger) *TimestampCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimestampCache{
		source:  source,
		policy:  policy,
		logger:  logger,
		entries: make(map[uint64]time.Time),
	}
}

// TimestampOf returns the timestamp of block number, fetching it on first use
func (c *TimestampCache) TimestampOf(ctx context.Context, number uint64) (time.Time, error) {
	if ts, ok := c.entries[number]; ok {
		return ts, nil
	}

	c.lookups++
	ts, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) (time.Time, error) {
		return c.source.GetBlockTimestamp(ctx, number)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to resolve timestamp of block %d: %w", number, err)
	}
	c.entries[number] = ts
	return ts, nil
}

// Prefetch resolves the distinct, not yet cached block numbers in one batched
// request. Endpoints that reject batching fall back to per-block lookups.
func (c *TimestampCache) Prefetch(ctx context.Context, numbers []uint64) error {
	missing := c.missing(numbers)
	if len(missing) == 0 {
		return nil
	}

	c.lookups++
	headers, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) ([]*types.Header, error) {
		return c.source.BatchGetHeaders(ctx, missing)
	})
	if err != nil {
		if rpcerr.Classify(err).Class != rpcerr.ClassPermanent || ctx.Err() != nil {
			return fmt.Errorf("failed to prefetch %d block timestamps: %w", len(missing), err)
		}
		c.logger.Debug("batch header fetch rejected, resolving blocks one by one",
			zap.Int("blocks", len(missing)),
			zap.Error(err))
		for _, n := range missing {
			if _, err := c.TimestampOf(ctx, n); err != nil {
				return err
			}
		}
		return nil
	}

	// A BlockSource may answer with nil or too few headers; those blocks stay
	// uncached and TimestampOf resolves them one by one.
	for i, h := range headers {
		if i >= len(missing) {
			break
		}
		if h == nil {
			continue
		}
		c.entries[missing[i]] = time.Unix(int64(h.Time), 0).UTC()
	}
	return nil
}

// Reset flushes all entries
func (c *TimestampCache) Reset() {
	c.entries = make(map[uint64]time.Time)
	c.lookups = 0
}

// Len returns the number of cached blocks
func (c *TimestampCache) Len() int {
	return len(c.entries)
}

// Lookups returns the number of RPC lookups issued since the last Reset
func (c *TimestampCache) Lookups() int {
	return c.lookups
}

func (c *TimestampCache) missing(numbers []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(numbers))
	var out []uint64
	for _, n := range numbers {
		if _, ok := c.entries[n]; ok {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
