package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/0xmhha/transfer-indexer/internal/constants"
	"github.com/0xmhha/transfer-indexer/pkg/types"
	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	BackendPebble   = "pebble"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds all configuration for the indexer
type Config struct {
	Chains     []ChainConfig    `yaml:"chains"`
	Backfill   BackfillConfig   `yaml:"backfill"`
	Storage    StorageConfig    `yaml:"storage"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	EventBus   EventBusConfig   `yaml:"eventbus"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ChainConfig describes one chain to index
type ChainConfig struct {
	Name        string        `yaml:"name"`
	RPCEndpoint string        `yaml:"rpc_endpoint"`
	StartBlock  *uint64       `yaml:"start_block"`
	RPCTimeout  time.Duration `yaml:"rpc_timeout"`
	// RateLimit is the maximum RPC requests per second (0 = unlimited)
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// BackfillConfig holds the scan loop settings shared by all chains
type BackfillConfig struct {
	ChunkSize   uint64        `yaml:"chunk_size"`
	Window      uint64        `yaml:"window"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	// MaxConcurrentChains bounds how many chains are scanned at once.
	// Unset means one at a time.
	MaxConcurrentChains int `yaml:"max_concurrent_chains"`
	// IsolateFailures keeps scanning the remaining chains when one fails
	IsolateFailures bool `yaml:"isolate_failures"`
	// PinLatest keeps the head sampled at chain start instead of re-reading
	// it before the final chunk
	PinLatest bool `yaml:"pin_latest"`
}

// StorageConfig selects where transfer and contract records are written
type StorageConfig struct {
	Backend      string `yaml:"backend"`
	Path         string `yaml:"path"`
	PostgresURL  string `yaml:"postgres_url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// CheckpointConfig selects where per-chain progress is written.
// An empty backend stores checkpoints next to the records.
type CheckpointConfig struct {
	Backend   string `yaml:"backend"`
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// EventBusConfig holds optional publication settings
type EventBusConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig holds Kafka publisher configuration
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`

	// RequiredAcks: -1 = none, 1 = leader, anything else = all replicas
	RequiredAcks int `yaml:"required_acks"`

	// Compression is one of "", gzip, snappy, lz4, zstd
	Compression string `yaml:"compression"`

	// SASLMechanism is PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512
	SASLMechanism string `yaml:"sasl_mechanism"`
	SASLUsername  string `yaml:"sasl_username"`
	SASLPassword  string `yaml:"sasl_password"`

	TLS bool `yaml:"tls"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds the ops server configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

var chainNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// NewConfig creates a configuration populated with defaults
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for unset fields
func (c *Config) SetDefaults() {
	for i := range c.Chains {
		c.Chains[i].Name = strings.ToLower(strings.TrimSpace(c.Chains[i].Name))
		if c.Chains[i].RPCTimeout == 0 {
			c.Chains[i].RPCTimeout = constants.DefaultRPCTimeout
		}
		if c.Chains[i].RateLimit > 0 && c.Chains[i].RateBurst == 0 {
			c.Chains[i].RateBurst = constants.DefaultRateLimitBurst
		}
	}

	if c.Backfill.ChunkSize == 0 {
		c.Backfill.ChunkSize = constants.DefaultChunkSize
	}
	if c.Backfill.Window == 0 {
		c.Backfill.Window = constants.DefaultWindow
	}
	if c.Backfill.MaxAttempts == 0 {
		c.Backfill.MaxAttempts = constants.DefaultMaxAttempts
	}
	if c.Backfill.RetryDelay == 0 {
		c.Backfill.RetryDelay = constants.DefaultRetryDelay
	}
	if c.Backfill.MaxConcurrentChains == 0 {
		c.Backfill.MaxConcurrentChains = constants.DefaultMaxConcurrentChains
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendPebble
	}
	if c.Storage.Path == "" {
		c.Storage.Path = constants.DefaultDBPath
	}
	if c.Storage.MaxOpenConns == 0 {
		c.Storage.MaxOpenConns = constants.DefaultPostgresMaxOpenConns
	}

	if c.Checkpoint.KeyPrefix == "" {
		c.Checkpoint.KeyPrefix = constants.DefaultCheckpointKeyPrefix
	}

	if c.EventBus.Kafka.Topic == "" {
		c.EventBus.Kafka.Topic = constants.DefaultKafkaTopic
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = constants.DefaultMetricsAddr
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overrides configuration with environment variables.
//
// INDEXER_CHAINS lists chain names; each chain then reads RPC_<NAME> and
// START_BLOCK_<NAME>. Chains already declared in the file pick up the same
// per-chain variables.
func (c *Config) LoadFromEnv() error {
	if names := os.Getenv("INDEXER_CHAINS"); names != "" {
		for _, name := range strings.Split(names, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			if c.chainIndex(name) < 0 {
				c.Chains = append(c.Chains, ChainConfig{Name: name})
			}
		}
	}

	for i := range c.Chains {
		suffix := envSuffix(c.Chains[i].Name)
		if endpoint := os.Getenv("RPC_" + suffix); endpoint != "" {
			c.Chains[i].RPCEndpoint = endpoint
		}
		if start := os.Getenv("START_BLOCK_" + suffix); start != "" {
			val, err := strconv.ParseUint(start, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid START_BLOCK_%s: %w", suffix, err)
			}
			c.Chains[i].StartBlock = &val
		}
	}

	if err := envUint64("INDEXER_CHUNK_SIZE", &c.Backfill.ChunkSize); err != nil {
		return err
	}
	if err := envUint64("INDEXER_WINDOW", &c.Backfill.Window); err != nil {
		return err
	}
	if err := envInt("INDEXER_RETRY_ATTEMPTS", &c.Backfill.MaxAttempts); err != nil {
		return err
	}
	if err := envDuration("INDEXER_RETRY_DELAY", &c.Backfill.RetryDelay); err != nil {
		return err
	}
	if err := envInt("INDEXER_MAX_CONCURRENT_CHAINS", &c.Backfill.MaxConcurrentChains); err != nil {
		return err
	}
	if err := envBool("INDEXER_ISOLATE_FAILURES", &c.Backfill.IsolateFailures); err != nil {
		return err
	}
	if err := envBool("INDEXER_PIN_LATEST", &c.Backfill.PinLatest); err != nil {
		return err
	}

	if backend := os.Getenv("INDEXER_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}
	if path := os.Getenv("INDEXER_DB_PATH"); path != "" {
		c.Storage.Path = path
	}
	if dsn := os.Getenv("INDEXER_POSTGRES_URL"); dsn != "" {
		c.Storage.PostgresURL = dsn
	}

	if backend := os.Getenv("INDEXER_CHECKPOINT_BACKEND"); backend != "" {
		c.Checkpoint.Backend = backend
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Checkpoint.RedisURL = redisURL
		if c.Checkpoint.Backend == "" {
			c.Checkpoint.Backend = BackendRedis
		}
	}

	if brokers := os.Getenv("INDEXER_KAFKA_BROKERS"); brokers != "" {
		c.EventBus.Kafka.Brokers = splitList(brokers)
		c.EventBus.Kafka.Enabled = true
	}
	if topic := os.Getenv("INDEXER_KAFKA_TOPIC"); topic != "" {
		c.EventBus.Kafka.Topic = topic
	}
	if user := os.Getenv("INDEXER_KAFKA_SASL_USERNAME"); user != "" {
		c.EventBus.Kafka.SASLUsername = user
		c.EventBus.Kafka.SASLPassword = os.Getenv("INDEXER_KAFKA_SASL_PASSWORD")
		c.EventBus.Kafka.SASLMechanism = os.Getenv("INDEXER_KAFKA_SASL_MECHANISM")
		if c.EventBus.Kafka.SASLMechanism == "" {
			c.EventBus.Kafka.SASLMechanism = "PLAIN"
		}
	}

	if level := os.Getenv("INDEXER_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("INDEXER_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	if err := envBool("INDEXER_METRICS_ENABLED", &c.Metrics.Enabled); err != nil {
		return err
	}
	if addr := os.Getenv("INDEXER_METRICS_ADDR"); addr != "" {
		c.Metrics.Addr = addr
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	seen := make(map[string]bool, len(c.Chains))
	for _, chain := range c.Chains {
		if err := chain.Validate(); err != nil {
			return err
		}
		if seen[chain.Name] {
			return fmt.Errorf("duplicate chain %q", chain.Name)
		}
		seen[chain.Name] = true
	}

	if c.Backfill.ChunkSize == 0 || c.Backfill.ChunkSize > constants.MaxChunkSize {
		return fmt.Errorf("chunk size must be between 1 and %d", constants.MaxChunkSize)
	}
	if c.Backfill.Window == 0 {
		return fmt.Errorf("window must be positive")
	}
	if c.Backfill.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if c.Backfill.RetryDelay < 0 || c.Backfill.RetryDelay > constants.MaxRetryDelay {
		return fmt.Errorf("retry delay must be between 0 and %s", constants.MaxRetryDelay)
	}
	if c.Backfill.MaxConcurrentChains < 0 {
		return fmt.Errorf("max concurrent chains cannot be negative")
	}

	switch c.Storage.Backend {
	case BackendPebble:
		if c.Storage.Path == "" {
			return fmt.Errorf("database path is required for the pebble backend")
		}
	case BackendPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres url is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("invalid storage backend %q, must be one of: pebble, postgres, memory", c.Storage.Backend)
	}

	switch c.Checkpoint.Backend {
	case "":
	case BackendRedis:
		if c.Checkpoint.RedisURL == "" {
			return fmt.Errorf("redis url is required for the redis checkpoint backend")
		}
	default:
		return fmt.Errorf("invalid checkpoint backend %q, must be empty or redis", c.Checkpoint.Backend)
	}

	if c.EventBus.Kafka.Enabled {
		if len(c.EventBus.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka enabled but no brokers configured")
		}
		if c.EventBus.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic is required when kafka is enabled")
		}
		switch c.EventBus.Kafka.Compression {
		case "", "gzip", "snappy", "lz4", "zstd":
		default:
			return fmt.Errorf("invalid kafka compression %q", c.EventBus.Kafka.Compression)
		}
		if c.EventBus.Kafka.SASLUsername != "" {
			switch c.EventBus.Kafka.SASLMechanism {
			case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
			default:
				return fmt.Errorf("invalid kafka SASL mechanism %q", c.EventBus.Kafka.SASLMechanism)
			}
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics address is required when metrics are enabled")
	}

	return nil
}

// Spec returns the immutable chain description used by the scan loop
func (cc ChainConfig) Spec() types.ChainSpec {
	spec := types.ChainSpec{
		Name:        cc.Name,
		RPCEndpoint: cc.RPCEndpoint,
		RPCTimeout:  cc.RPCTimeout,
		RateLimit:   cc.RateLimit,
		RateBurst:   cc.RateBurst,
	}
	if cc.StartBlock != nil {
		start := *cc.StartBlock
		spec.StartBlock = &start
	}
	return spec
}

// Validate checks a single chain entry
func (cc ChainConfig) Validate() error {
	if !chainNamePattern.MatchString(cc.Name) {
		return fmt.Errorf("invalid chain name %q", cc.Name)
	}
	if cc.RPCEndpoint == "" {
		return fmt.Errorf("chain %s: RPC endpoint is required (set RPC_%s)", cc.Name, envSuffix(cc.Name))
	}
	u, err := url.Parse(cc.RPCEndpoint)
	if err != nil {
		return fmt.Errorf("chain %s: invalid RPC endpoint: %w", cc.Name, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("chain %s: unsupported RPC endpoint scheme %q", cc.Name, u.Scheme)
	}
	if cc.RPCTimeout < 0 {
		return fmt.Errorf("chain %s: RPC timeout cannot be negative", cc.Name)
	}
	if cc.RateLimit < 0 {
		return fmt.Errorf("chain %s: rate limit cannot be negative", cc.Name)
	}
	return nil
}

// Load is a convenience method that loads configuration in the following order:
// 1. Load from file (if provided)
// 2. Load from environment variables (override file)
// 3. Set defaults for missing values
// 4. Validate
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) chainIndex(name string) int {
	for i := range c.Chains {
		if strings.EqualFold(c.Chains[i].Name, name) {
			return i
		}
	}
	return -1
}

func envSuffix(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envUint64(key string, dst *uint64) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	val, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = val
	return nil
}

func envInt(key string, dst *int) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = val
	return nil
}

func envBool(key string, dst *bool) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = val
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = val
	return nil
}
