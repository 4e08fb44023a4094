package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/0xmhha/transfer-indexer/internal/constants"
	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps checkpoints as decimal strings under <prefix><chain>
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to url and verifies the connection
func NewRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreWithClient(client, prefix), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = constants.DefaultCheckpointKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get returns the last scanned block of chain
func (s *RedisStore) Get(ctx context.Context, chain string) (uint64, bool, error) {
	val, err := s.client.Get(ctx, s.key(chain)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get checkpoint of %s: %w", chain, err)
	}

	block, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("checkpoint of %s is not a block number: %q", chain, val)
	}
	return block, true, nil
}

// Set records block as the last scanned block of chain
func (s *RedisStore) Set(ctx context.Context, chain string, block uint64) error {
	if err := s.client.Set(ctx, s.key(chain), strconv.FormatUint(block, 10), 0).Err(); err != nil {
		return fmt.Errorf("set checkpoint of %s: %w", chain, err)
	}
	return nil
}

// Ping verifies the server is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(chain string) string {
	return s.prefix + chain
}
