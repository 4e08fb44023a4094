package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/0xmhha/transfer-indexer/internal/config"
	"github.com/0xmhha/transfer-indexer/pkg/api"
	"github.com/0xmhha/transfer-indexer/pkg/backfill"
	"github.com/0xmhha/transfer-indexer/pkg/checkpoint"
	"github.com/0xmhha/transfer-indexer/pkg/client"
	"github.com/0xmhha/transfer-indexer/pkg/eventbus"
	"github.com/0xmhha/transfer-indexer/pkg/multichain"
	"github.com/0xmhha/transfer-indexer/pkg/retry"
	"github.com/0xmhha/transfer-indexer/pkg/storage"
	"github.com/0xmhha/transfer-indexer/pkg/storage/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// pingKey is read by the readiness check of key-value backends
var pingKey = []byte("/meta/ping")

var (
	errDialFailed  = errors.New("failed to connect")
	errSetupFailed = errors.New("failed to create orchestrator")
)

// app owns every long-lived dependency of one indexer process
type app struct {
	logger        *zap.Logger
	registry      *prometheus.Registry
	store         storage.Store
	checkpoints   checkpoint.Store
	publisher     eventbus.Publisher
	orchestrators []*backfill.Orchestrator
	runner        *multichain.Runner
	checks        map[string]api.Check
	closers       []func() error
}

// clientFactory dials one chain; replaced in tests
type clientFactory func(cfg config.ChainConfig, log *zap.Logger) (backfill.ChainClient, func(), error)

func dialChain(cfg config.ChainConfig, log *zap.Logger) (backfill.ChainClient, func(), error) {
	c, err := client.NewClient(&client.Config{
		Chain:     cfg.Name,
		Endpoint:  cfg.RPCEndpoint,
		Timeout:   cfg.RPCTimeout,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Logger:    log,
	})
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	return buildApp(ctx, cfg, log, dialChain)
}

// buildApp wires storage, checkpoints, the optional publisher and one
// orchestrator per chain. On error everything opened so far is closed.
func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger, dial clientFactory) (a *app, err error) {
	a = &app{
		logger:   log,
		registry: prometheus.NewRegistry(),
		checks:   make(map[string]api.Check),
	}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.openStorage(ctx, cfg); err != nil {
		return a, err
	}
	if err := a.openCheckpoints(ctx, cfg); err != nil {
		return a, err
	}

	if cfg.EventBus.Kafka.Enabled {
		pub, err := eventbus.NewKafkaPublisher(cfg.EventBus.Kafka, log)
		if err != nil {
			return a, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
	}

	sink, err := storage.NewUpsertSink(a.store, log)
	if err != nil {
		return a, err
	}

	metrics := backfill.NewMetrics(a.registry)
	orchConfig := backfill.Config{
		ChunkSize: cfg.Backfill.ChunkSize,
		Window:    cfg.Backfill.Window,
		Retry: retry.Policy{
			MaxAttempts: cfg.Backfill.MaxAttempts,
			BaseDelay:   cfg.Backfill.RetryDelay,
		},
		PinLatest: cfg.Backfill.PinLatest,
	}

	tasks := make([]multichain.Task, 0, len(cfg.Chains))
	for _, chainCfg := range cfg.Chains {
		c, closeClient, err := dial(chainCfg, log)
		if err != nil {
			return a, multichain.NewChainError(chainCfg.Name, errDialFailed, err)
		}
		a.closers = append(a.closers, func() error { closeClient(); return nil })

		o, err := backfill.New(chainCfg.Spec(), orchConfig, backfill.Deps{
			Client:      c,
			Sink:        sink,
			Checkpoints: a.checkpoints,
			Publisher:   a.publisher,
			Metrics:     metrics,
			Logger:      log,
		})
		if err != nil {
			return a, multichain.NewChainError(chainCfg.Name, errSetupFailed, err)
		}
		a.orchestrators = append(a.orchestrators, o)
		tasks = append(tasks, o)
	}

	a.runner, err = multichain.NewRunner(multichain.Config{
		MaxConcurrentChains: cfg.Backfill.MaxConcurrentChains,
		IsolateFailures:     cfg.Backfill.IsolateFailures,
	}, tasks, log)
	if err != nil {
		return a, err
	}
	return a, nil
}

func (a *app) openStorage(ctx context.Context, cfg *config.Config) error {
	if cfg.Storage.Backend == config.BackendPostgres {
		pg, err := postgres.Open(ctx, postgres.Config{
			URL:             cfg.Storage.PostgresURL,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxOpenConns,
			ConnMaxLifetime: 30 * time.Minute,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("failed to open postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		a.store = pg
		a.checkpoints = pg
		a.checks["storage"] = pg.Ping
		return nil
	}

	backend, err := storage.OpenBackend(
		storage.DefaultBackendConfig(storage.BackendType(cfg.Storage.Backend), cfg.Storage.Path),
		a.logger,
	)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}
	store, err := storage.NewKVStore(backend, a.logger)
	if err != nil {
		_ = backend.Close()
		return err
	}
	a.closers = append(a.closers, store.Close)

	cps, err := checkpoint.NewKVStore(backend)
	if err != nil {
		return err
	}
	a.store = store
	a.checkpoints = cps
	a.checks["storage"] = func(context.Context) error {
		_, err := backend.Has(pingKey)
		return err
	}
	a.logger.Info("storage initialized",
		zap.String("backend", cfg.Storage.Backend),
		zap.String("path", cfg.Storage.Path))
	return nil
}

// openCheckpoints replaces the co-located checkpoint store with Redis when
// one is configured
func (a *app) openCheckpoints(ctx context.Context, cfg *config.Config) error {
	if cfg.Checkpoint.Backend != config.BackendRedis {
		return nil
	}

	rs, err := checkpoint.NewRedisStore(ctx, cfg.Checkpoint.RedisURL, cfg.Checkpoint.KeyPrefix)
	if err != nil {
		return fmt.Errorf("failed to open redis checkpoint store: %w", err)
	}
	a.closers = append(a.closers, rs.Close)
	a.checkpoints = rs
	a.checks["checkpoint"] = rs.Ping
	a.logger.Info("checkpoints stored in redis", zap.String("prefix", cfg.Checkpoint.KeyPrefix))
	return nil
}

func (a *app) opsServer(addr, version string) (*api.Server, error) {
	opsConfig := api.DefaultConfig()
	opsConfig.Addr = addr

	sources := make([]api.StatusSource, len(a.orchestrators))
	for i, o := range a.orchestrators {
		sources[i] = o
	}
	return api.NewServer(opsConfig, a.logger, api.Options{
		Sources:  sources,
		Checks:   a.checks,
		Gatherer: a.registry,
		Version:  version,
	})
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to close resource", zap.Error(err))
		}
	}
	a.closers = nil
}
