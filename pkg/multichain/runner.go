// Package multichain runs one backfill task per chain, sequentially or with
// bounded concurrency.
package multichain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0xmhha/transfer-indexer/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is one chain's unit of work
type Task interface {
	Chain() string
	Run(ctx context.Context) error
}

// Config holds runner configuration
type Config struct {
	// MaxConcurrentChains bounds how many tasks run at once.
	// 1 runs chains one after another; 0 runs all of them together.
	MaxConcurrentChains int

	// IsolateFailures lets the remaining chains finish when one fails.
	// Otherwise the first failure cancels every other chain.
	IsolateFailures bool
}

// Validate validates the runner configuration
func (c *Config) Validate() error {
	if c.MaxConcurrentChains < 0 {
		return fmt.Errorf("%w: max concurrent chains cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// Runner executes a fixed set of chain tasks
type Runner struct {
	config Config
	tasks  []Task
	logger *zap.Logger
}

// NewRunner creates a runner. Chain names must be unique.
func NewRunner(config Config, tasks []Task, log *zap.Logger) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrNoChains
	}

	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if _, ok := seen[t.Chain()]; ok {
			return nil, NewChainError(t.Chain(), ErrDuplicateChain, nil)
		}
		seen[t.Chain()] = struct{}{}
	}

	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		config: config,
		tasks:  tasks,
		logger: logger.WithComponent(log, "multichain"),
	}, nil
}

// Chains returns the chain names in run order
func (r *Runner) Chains() []string {
	names := make([]string, len(r.tasks))
	for i, t := range r.tasks {
		names[i] = t.Chain()
	}
	return names
}

// Run executes every task and blocks until all have returned. With
// IsolateFailures the result joins one ChainError per failed chain;
// otherwise it is the first failure.
func (r *Runner) Run(ctx context.Context) error {
	start := time.Now()
	r.logger.Info("starting backfill",
		zap.Strings("chains", r.Chains()),
		zap.Int("max_concurrent", r.config.MaxConcurrentChains),
		zap.Bool("isolate_failures", r.config.IsolateFailures))

	var err error
	if r.config.IsolateFailures {
		err = r.runIsolated(ctx)
	} else {
		err = r.runFailFast(ctx)
	}

	if err != nil {
		r.logger.Error("backfill finished with failures",
			zap.Int("failed", len(ChainErrors(err))),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return err
	}
	r.logger.Info("backfill finished", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (r *Runner) runFailFast(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	r.limit(g)

	for _, t := range r.tasks {
		t := t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				r.logger.Warn("chain not started",
					zap.String("chain", t.Chain()),
					zap.Error(err))
				return NewChainError(t.Chain(), ErrChainSkipped, err)
			}
			if err := t.Run(gctx); err != nil {
				return NewChainError(t.Chain(), ErrBackfillFailed, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) runIsolated(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	r.limit(&g)

	for _, t := range r.tasks {
		t := t
		g.Go(func() error {
			if err := t.Run(ctx); err != nil {
				mu.Lock()
				errs = append(errs, NewChainError(t.Chain(), ErrBackfillFailed, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (r *Runner) limit(g *errgroup.Group) {
	if r.config.MaxConcurrentChains > 0 {
		g.SetLimit(r.config.MaxConcurrentChains)
	}
}
