package client

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/0xmhha/transfer-indexer/internal/constants"
	"github.com/0xmhha/transfer-indexer/pkg/rpcerr"
	itypes "github.com/0xmhha/transfer-indexer/pkg/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client wraps one chain's JSON-RPC endpoint. Every error it returns is
// classified with rpcerr so callers can decide whether to retry or split.
type Client struct {
	ethClient   *ethclient.Client
	rpcClient   *rpc.Client
	endpoint    string
	chain       string
	callTimeout time.Duration
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// Config holds client configuration
type Config struct {
	Chain    string
	Endpoint string
	// Timeout bounds dialing and every individual call (0 = no bound)
	Timeout time.Duration
	// RateLimit is the maximum requests per second (0 = unlimited)
	RateLimit float64
	RateBurst int
	Logger    *zap.Logger
}

// NewClient dials the endpoint and verifies it answers eth_chainId
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	client := newWithRPC(rpcClient, cfg, logger)

	chainID, err := client.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to ping RPC endpoint: %w", err)
	}

	logger.Info("connected to chain RPC",
		zap.String("chain", cfg.Chain),
		zap.String("endpoint", cfg.Endpoint),
		zap.String("chain_id", chainID.String()))

	return client, nil
}

func newWithRPC(rpcClient *rpc.Client, cfg *Config, logger *zap.Logger) *Client {
	c := &Client{
		ethClient:   ethclient.NewClient(rpcClient),
		rpcClient:   rpcClient,
		endpoint:    cfg.Endpoint,
		chain:       cfg.Chain,
		callTimeout: cfg.Timeout,
		logger:      logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = constants.DefaultRateLimitBurst
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// Close closes the client connection
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// Chain returns the chain tag this client serves
func (c *Client) Chain() string {
	return c.chain
}

// ChainID returns the chain ID reported by the endpoint
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	chainID, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return nil, rpcerr.Wrap("failed to get chain ID", err)
	}
	return chainID, nil
}

// LatestBlock returns the latest block number
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	blockNumber, err := c.ethClient.BlockNumber(ctx)
	if err != nil {
		return 0, rpcerr.Wrap("failed to get latest block number", err)
	}
	return blockNumber, nil
}

// GetLogs returns the logs in r whose first topic is topic
func (c *Client) GetLogs(ctx context.Context, r itypes.BlockRange, topic common.Hash) ([]types.Log, error) {
	if err := r.Validate(); err != nil {
		return nil, rpcerr.Permanent(err)
	}

	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(r.From),
		ToBlock:   new(big.Int).SetUint64(r.To),
		Topics:    [][]common.Hash{{topic}},
	}
	logs, err := c.ethClient.FilterLogs(ctx, query)
	if err != nil {
		return nil, rpcerr.Wrap(fmt.Sprintf("failed to get logs %s", r), err)
	}
	return logs, nil
}

// GetBlock fetches the header of block number
func (c *Client) GetBlock(ctx context.Context, number uint64) (*types.Header, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	header, err := c.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, rpcerr.Wrap(fmt.Sprintf("failed to get block %d", number), err)
	}
	return header, nil
}

// GetBlockTimestamp returns the UTC timestamp of block number
func (c *Client) GetBlockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	header, err := c.GetBlock(ctx, number)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// BatchGetHeaders fetches multiple headers using batched eth_getBlockByNumber
// calls. The result is index-aligned with numbers.
func (c *Client) BatchGetHeaders(ctx context.Context, numbers []uint64) ([]*types.Header, error) {
	if len(numbers) == 0 {
		return nil, nil
	}

	headers := make([]*types.Header, len(numbers))
	for start := 0; start < len(numbers); start += constants.DefaultHeaderBatchSize {
		end := start + constants.DefaultHeaderBatchSize
		if end > len(numbers) {
			end = len(numbers)
		}
		if err := c.batchHeaders(ctx, numbers[start:end], headers[start:end]); err != nil {
			return nil, err
		}
	}
	return headers, nil
}

func (c *Client) batchHeaders(ctx context.Context, numbers []uint64, out []*types.Header) error {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	batch := make([]rpc.BatchElem, len(numbers))
	for i, num := range numbers {
		batch[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{hexutil.EncodeUint64(num), false},
			Result: &out[i],
		}
	}

	if err := c.rpcClient.BatchCallContext(ctx, batch); err != nil {
		return rpcerr.Wrap("batch call failed", err)
	}

	for i, elem := range batch {
		if elem.Error != nil {
			c.logger.Debug("failed to fetch header in batch",
				zap.String("chain", c.chain),
				zap.Uint64("block_number", numbers[i]),
				zap.Error(elem.Error))
			return rpcerr.Wrap(fmt.Sprintf("failed to get block %d", numbers[i]), elem.Error)
		}
		if out[i] == nil {
			return rpcerr.Wrap(fmt.Sprintf("failed to get block %d", numbers[i]), ethereum.NotFound)
		}
	}
	return nil
}

// GetTransaction fetches a transaction by its hash
func (c *Client) GetTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()

	tx, isPending, err := c.ethClient.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, false, rpcerr.Wrap(fmt.Sprintf("failed to get transaction %s", hash.Hex()), err)
	}
	return tx, isPending, nil
}

// begin waits for the rate limiter and applies the per-call timeout
func (c *Client) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := c.wait(ctx); err != nil {
		return nil, nil, err
	}
	if c.callTimeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
		return ctx, cancel, nil
	}
	return ctx, func() {}, nil
}

// wait blocks until the limiter allows one request, or ctx is done.
// Reserve guarantees exactly one token is consumed per call.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return ctx.Err()
	}
	r := c.limiter.Reserve()
	if !r.OK() {
		return rpcerr.Permanent(fmt.Errorf("rate: cannot reserve token"))
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}
