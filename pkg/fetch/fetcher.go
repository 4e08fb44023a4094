package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/0xmhha/transfer-indexer/pkg/retry"
	"github.com/0xmhha/transfer-indexer/pkg/rpcerr"
	itypes "github.com/0xmhha/transfer-indexer/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// ErrUnsplittable is returned when a single-block query still exceeds the
// provider's result limit
var ErrUnsplittable = errors.New("range cannot be split further")

// LogSource is the log query surface of the chain client
type LogSource interface {
	GetLogs(ctx context.Context, r itypes.BlockRange, topic common.Hash) ([]types.Log, error)
}

// Observer receives fetch events, typically for metrics
type Observer interface {
	ObserveRequest(r itypes.BlockRange, err error)
	ObserveSplit(r itypes.BlockRange, at uint64, suggested bool)
}

// Config holds range fetcher configuration
type Config struct {
	// Topic is the event signature hash logs are filtered by.
	// Defaults to TransferTopic.
	Topic common.Hash

	// Retry is applied to every sub-range query
	Retry retry.Policy
}

// Validate validates the fetcher configuration
func (c *Config) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}
	return nil
}

// RangeFetcher returns every matching log of a block range, narrowing the
// query whenever the provider refuses it for returning too many results
type RangeFetcher struct {
	source   LogSource
	config   Config
	observer Observer
	logger   *zap.Logger
}

// NewRangeFetcher creates a new range fetcher
func NewRangeFetcher(source LogSource, config Config, logger *zap.Logger) (*RangeFetcher, error) {
	if source == nil {
		return nil, fmt.Errorf("log source cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Topic == (common.Hash{}) {
		config.Topic = TransferTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RangeFetcher{source: source, config: config, logger: logger}, nil
}

// SetObserver installs an observer for requests and splits
func (f *RangeFetcher) SetObserver(o Observer) {
	f.observer = o
}

// FetchLogs returns all Transfer events in r. It either covers the whole
// range or fails; order across sub-ranges is not guaranteed.
func (f *RangeFetcher) FetchLogs(ctx context.Context, r itypes.BlockRange) ([]itypes.LogEvent, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	var events []itypes.LogEvent
	work := []itypes.BlockRange{r}

	for len(work) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sub := work[len(work)-1]
		work = work[:len(work)-1]

		logs, err := retry.DoValue(ctx, f.config.Retry, func(ctx context.Context) ([]types.Log, error) {
			logs, err := f.source.GetLogs(ctx, sub, f.config.Topic)
			if f.observer != nil {
				f.observer.ObserveRequest(sub, err)
			}
			return logs, err
		})
		if err == nil {
			events = f.appendEvents(events, logs)
			continue
		}

		suggested, isLimit := rpcerr.SizeLimit(err)
		if !isLimit {
			return nil, fmt.Errorf("failed to fetch logs %s: %w", sub, err)
		}

		at, fromProvider, ok := splitPoint(sub, suggested)
		if !ok {
			return nil, fmt.Errorf("%w %s: %w", ErrUnsplittable, sub, err)
		}

		left, right := sub.Split(at)
		f.logger.Debug("splitting log query",
			zap.Uint64("from", sub.From),
			zap.Uint64("to", sub.To),
			zap.Uint64("split_at", at),
			zap.Bool("provider_suggested", fromProvider))
		if f.observer != nil {
			f.observer.ObserveSplit(sub, at, fromProvider)
		}

		// Left half is popped first so results arrive roughly ascending.
		work = append(work, right, left)
	}

	return events, nil
}

func (f *RangeFetcher) appendEvents(events []itypes.LogEvent, logs []types.Log) []itypes.LogEvent {
	for _, log := range logs {
		if log.Removed {
			continue
		}
		ev, err := DecodeTransfer(log)
		if err != nil {
			f.logger.Debug("ignoring non-transfer log",
				zap.String("tx", log.TxHash.Hex()),
				zap.Uint("log_index", log.Index),
				zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events
}

// splitPoint picks where to divide r after a size-limit refusal. A provider
// suggestion is used only if it lies strictly inside r; otherwise r is
// bisected. A single block cannot be divided.
func splitPoint(r itypes.BlockRange, suggested *uint64) (at uint64, fromProvider bool, ok bool) {
	if r.From >= r.To {
		return 0, false, false
	}
	if suggested != nil && *suggested > r.From && *suggested < r.To {
		return *suggested, true, true
	}
	return r.Mid(), false, true
}
