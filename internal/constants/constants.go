package constants

import "time"

// Backfill Constants
const (
	// DefaultChunkSize is the nominal number of blocks processed per chunk
	DefaultChunkSize = 1000

	// MaxChunkSize caps the nominal chunk size
	MaxChunkSize = 100000

	// DefaultWindow is the number of most recent blocks scanned when a chain
	// has neither a checkpoint nor an explicit start block
	DefaultWindow = 5000

	// DefaultMaxConcurrentChains runs chains one after another
	DefaultMaxConcurrentChains = 1
)

// Retry Constants
const (
	// DefaultMaxAttempts is the default number of attempts for an RPC operation
	DefaultMaxAttempts = 3

	// DefaultRetryDelay is the base delay of the linear backoff
	DefaultRetryDelay = 800 * time.Millisecond

	// MaxRetryDelay caps the configurable base delay
	MaxRetryDelay = 1 * time.Minute
)

// RPC Client Constants
const (
	// DefaultRPCTimeout is the default timeout for dialing and per-call requests
	DefaultRPCTimeout = 30 * time.Second

	// DefaultRateLimitBurst is used when a rate limit is set without a burst
	DefaultRateLimitBurst = 1

	// DefaultHeaderBatchSize is the maximum number of headers requested in one batch call
	DefaultHeaderBatchSize = 100
)

// Storage Constants
const (
	// DefaultDBPath is the default pebble data directory
	DefaultDBPath = "./data"

	// DefaultCheckpointKeyPrefix prefixes checkpoint keys in Redis
	DefaultCheckpointKeyPrefix = "tip:"

	// DefaultPostgresMaxOpenConns is the default connection pool size
	DefaultPostgresMaxOpenConns = 10
)

// Ops Server Constants
const (
	// DefaultMetricsAddr is the default listen address of the ops server
	DefaultMetricsAddr = ":9090"

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout
	DefaultWriteTimeout = 15 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 10 * time.Second
)

// Event Bus Constants
const (
	// DefaultKafkaTopic is the topic committed transfers are published to
	DefaultKafkaTopic = "erc20-transfers"

	// DefaultKafkaBatchTimeout bounds how long the writer buffers messages
	DefaultKafkaBatchTimeout = 100 * time.Millisecond
)
