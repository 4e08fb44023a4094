// Package backfill drives one chain from its resume point to the latest
// block: fetch, timestamp, normalize, persist, then checkpoint, one chunk at
// a time in ascending order.
package backfill

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/0xmhha/transfer-indexer/internal/logger"
	"github.com/0xmhha/transfer-indexer/pkg/checkpoint"
	"github.com/0xmhha/transfer-indexer/pkg/eventbus"
	"github.com/0xmhha/transfer-indexer/pkg/fetch"
	"github.com/0xmhha/transfer-indexer/pkg/normalize"
	"github.com/0xmhha/transfer-indexer/pkg/retry"
	"github.com/0xmhha/transfer-indexer/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ChainClient is the chain surface the orchestrator needs
type ChainClient interface {
	fetch.LogSource
	fetch.BlockSource
	LatestBlock(ctx context.Context) (uint64, error)
}

// RecordSink persists a chunk's records as one unit
type RecordSink interface {
	UpsertAll(ctx context.Context, records []types.TransferRecord) (int, error)
}

// Config holds orchestrator configuration
type Config struct {
	// ChunkSize is the nominal number of blocks per chunk
	ChunkSize uint64
	// Window is how far back a chain without checkpoint or start block is scanned
	Window uint64
	Retry  retry.Policy
	// PinLatest keeps the head sampled at start instead of re-reading it
	// before the final chunk
	PinLatest bool
}

// Validate validates the orchestrator configuration
func (c *Config) Validate() error {
	if c.ChunkSize == 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if c.Window == 0 {
		return fmt.Errorf("window must be positive")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}
	return nil
}

// Deps are the collaborators of one orchestrator. Publisher and Metrics are
// optional.
type Deps struct {
	Client      ChainClient
	Sink        RecordSink
	Checkpoints checkpoint.Store
	Publisher   eventbus.Publisher
	Metrics     *Metrics
	Logger      *zap.Logger
}

// Orchestrator runs the backfill of a single chain. Run must not be called
// concurrently; Status may be called from any goroutine.
type Orchestrator struct {
	chain       types.ChainSpec
	config      Config
	client      ChainClient
	fetcher     *fetch.RangeFetcher
	cache       *fetch.TimestampCache
	sink        RecordSink
	checkpoints checkpoint.Store
	publisher   eventbus.Publisher
	metrics     *Metrics
	policy      retry.Policy
	logger      *zap.Logger

	mu     sync.RWMutex
	status Status
}

// New creates an orchestrator for chain
func New(chain types.ChainSpec, config Config, deps Deps) (*Orchestrator, error) {
	if chain.Name == "" {
		return nil, fmt.Errorf("chain name cannot be empty")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if deps.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store cannot be nil")
	}

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = logger.WithChain(logger.WithComponent(log, "backfill"), chain.Name)

	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}

	o := &Orchestrator{
		chain:       chain,
		config:      config,
		client:      deps.Client,
		sink:        deps.Sink,
		checkpoints: deps.Checkpoints,
		publisher:   deps.Publisher,
		metrics:     metrics,
		logger:      log,
		status:      Status{Chain: chain.Name, State: StateIdle},
	}

	o.policy = config.Retry
	onRetry := config.Retry.OnRetry
	o.policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		metrics.Retries.WithLabelValues(chain.Name).Inc()
		log.Debug("retrying after transient failure",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}
	}

	fetcher, err := fetch.NewRangeFetcher(deps.Client, fetch.Config{Retry: o.policy}, log)
	if err != nil {
		return nil, err
	}
	fetcher.SetObserver(&chainObserver{chain: chain.Name, metrics: metrics})
	o.fetcher = fetcher
	o.cache = fetch.NewTimestampCache(deps.Client, o.policy, log)

	return o, nil
}

// Chain returns the chain this orchestrator indexes
func (o *Orchestrator) Chain() string {
	return o.chain.Name
}

// Status returns a snapshot of the run
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s := o.status
	if s.Window != nil {
		w := *s.Window
		s.Window = &w
	}
	if s.Chunk != nil {
		c := *s.Chunk
		s.Chunk = &c
	}
	if s.Checkpoint != nil {
		cp := *s.Checkpoint
		s.Checkpoint = &cp
	}
	return s
}

// Run indexes the chain up to the latest block. It returns nil once every
// chunk is committed and checkpointed, or the first fatal error. A failed
// chunk leaves the checkpoint at the previous chunk.
func (o *Orchestrator) Run(ctx context.Context) error {
	started := time.Now().UTC()
	o.update(func(s *Status) {
		s.State = StateScanningChain
		s.StartedAt = &started
		s.FinishedAt = nil
		s.Error = ""
	})

	err := o.run(ctx)

	finished := time.Now().UTC()
	o.update(func(s *Status) {
		s.FinishedAt = &finished
		s.Chunk = nil
		if err != nil {
			s.State = StateFailed
			s.Error = err.Error()
			return
		}
		s.State = StateDone
	})

	if err != nil {
		o.logger.Error("backfill failed", zap.Error(err))
		return err
	}
	o.logger.Info("backfill complete", zap.Duration("elapsed", finished.Sub(started)))
	return nil
}

func (o *Orchestrator) run(ctx context.Context) error {
	latest, err := o.latestBlock(ctx)
	if err != nil {
		return err
	}

	var cp *uint64
	err = retry.Do(ctx, o.policy, func(ctx context.Context) error {
		block, ok, err := o.checkpoints.Get(ctx, o.chain.Name)
		if err != nil {
			return err
		}
		if ok {
			cp = &block
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if cp != nil {
		o.metrics.Checkpoint.WithLabelValues(o.chain.Name).Set(float64(*cp))
		o.update(func(s *Status) { s.Checkpoint = cp })
	}

	window, pending := Window(latest, cp, o.chain.StartBlock, o.config.Window)
	if !pending {
		o.logger.Info("chain is up to date", zap.Uint64("latest", latest))
		return nil
	}
	o.publishWindow(window)

	o.logger.Info("scanning chain",
		zap.Uint64("from", window.From),
		zap.Uint64("to", window.To),
		zap.Uint64("chunk_size", o.config.ChunkSize),
		zap.Bool("resumed", cp != nil))

	for from := window.From; from <= window.To; {
		to := window.To
		if window.To-from >= o.config.ChunkSize {
			to = from + o.config.ChunkSize - 1
		}

		if to == window.To && !o.config.PinLatest {
			fresh, err := o.latestBlock(ctx)
			if err != nil {
				return err
			}
			if fresh > window.To {
				o.logger.Debug("chain head advanced, extending window",
					zap.Uint64("previous", window.To),
					zap.Uint64("latest", fresh))
				window.To = fresh
				o.publishWindow(window)
				continue
			}
		}

		chunk := types.BlockRange{From: from, To: to}
		if err := o.processChunk(ctx, chunk); err != nil {
			return fmt.Errorf("chunk %s: %w", chunk, err)
		}
		if to == window.To {
			break
		}
		from = to + 1
	}
	return nil
}

func (o *Orchestrator) latestBlock(ctx context.Context) (uint64, error) {
	latest, err := retry.DoValue(ctx, o.policy, o.client.LatestBlock)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest block: %w", err)
	}
	o.metrics.LatestBlock.WithLabelValues(o.chain.Name).Set(float64(latest))
	o.update(func(s *Status) { s.LatestBlock = latest })
	return latest, nil
}

// processChunk runs one chunk through the pipeline. The checkpoint is written
// last, so any earlier failure leaves it untouched.
func (o *Orchestrator) processChunk(ctx context.Context, chunk types.BlockRange) error {
	start := time.Now()
	o.update(func(s *Status) {
		s.State = StateFetchingChunk
		s.Chunk = &chunk
	})

	events, err := o.fetcher.FetchLogs(ctx, chunk)
	if err != nil {
		return err
	}

	o.setState(StateResolvingTimestamps)
	defer o.cache.Reset()
	if err := o.cache.Prefetch(ctx, blockNumbers(events)); err != nil {
		return err
	}

	o.setState(StateNormalizing)
	records, skipped, err := normalize.NormalizeAll(events, func(n uint64) (time.Time, error) {
		return o.cache.TimestampOf(ctx, n)
	}, o.chain.Name, o.logger)
	if err != nil {
		return err
	}
	sortRecords(records)

	o.setState(StatePersisting)
	var written int
	err = retry.Do(ctx, o.policy, func(ctx context.Context) error {
		n, err := o.sink.UpsertAll(ctx, records)
		written = n
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to persist records: %w", err)
	}

	if o.publisher != nil && len(records) > 0 {
		o.setState(StatePublishing)
		err := retry.Do(ctx, o.policy, func(ctx context.Context) error {
			return o.publisher.Publish(ctx, records)
		})
		if err != nil {
			return fmt.Errorf("failed to publish records: %w", err)
		}
	}

	o.setState(StateCheckpointing)
	err = retry.Do(ctx, o.policy, func(ctx context.Context) error {
		return o.checkpoints.Set(ctx, o.chain.Name, chunk.To)
	})
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	elapsed := time.Since(start)
	chain := o.chain.Name
	o.metrics.ChunksProcessed.WithLabelValues(chain).Inc()
	o.metrics.LogsFetched.WithLabelValues(chain).Add(float64(len(events)))
	o.metrics.RecordsUpserted.WithLabelValues(chain).Add(float64(written))
	o.metrics.RecordsSkipped.WithLabelValues(chain).Add(float64(skipped))
	o.metrics.Checkpoint.WithLabelValues(chain).Set(float64(chunk.To))
	o.metrics.ChunkDuration.WithLabelValues(chain).Observe(elapsed.Seconds())

	cp := chunk.To
	o.update(func(s *Status) {
		s.Checkpoint = &cp
		s.ChunksDone++
		s.LogsFetched += len(events)
		s.RecordsUpserted += written
		s.RecordsSkipped += skipped
	})

	o.logger.Info("chunk indexed",
		zap.Uint64("from", chunk.From),
		zap.Uint64("to", chunk.To),
		zap.Int("logs", len(events)),
		zap.Int("records", written),
		zap.Int("skipped", skipped),
		zap.Duration("elapsed", elapsed))
	return nil
}

func (o *Orchestrator) publishWindow(w types.BlockRange) {
	o.update(func(s *Status) { s.Window = &w })
}

func (o *Orchestrator) setState(state State) {
	o.update(func(s *Status) { s.State = state })
}

func (o *Orchestrator) update(fn func(*Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.status)
}

// Window returns the inclusive block range a run must cover. An existing
// checkpoint resumes right after it, a configured start block is never
// undercut, and with neither the last size blocks up to latest are scanned.
// pending is false when there is nothing left to index.
func Window(latest uint64, checkpoint, startBlock *uint64, size uint64) (r types.BlockRange, pending bool) {
	if checkpoint != nil && *checkpoint >= latest {
		return types.BlockRange{}, false
	}

	var from uint64
	switch {
	case checkpoint != nil && startBlock != nil:
		from = max(*checkpoint+1, *startBlock)
	case checkpoint != nil:
		from = *checkpoint + 1
	case startBlock != nil:
		from = *startBlock
	case size > 0 && latest >= size:
		from = latest - size + 1
	}

	if from > latest {
		return types.BlockRange{}, false
	}
	return types.BlockRange{From: from, To: latest}, true
}

func blockNumbers(events []types.LogEvent) []uint64 {
	numbers := make([]uint64, len(events))
	for i, ev := range events {
		numbers[i] = ev.BlockNumber
	}
	return numbers
}

// sortRecords orders records by (block, log index) so storage and consumers
// see a chunk in chain order regardless of how the fetcher split it
func sortRecords(records []types.TransferRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].BlockNumber != records[j].BlockNumber {
			return records[i].BlockNumber < records[j].BlockNumber
		}
		return records[i].LogIndex < records[j].LogIndex
	})
}
