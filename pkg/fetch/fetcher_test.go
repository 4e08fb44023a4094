package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"

	"github.com/0xmhha/transfer-indexer/internal/testutil"
	"github.com/0xmhha/transfer-indexer/pkg/retry"
	"github.com/0xmhha/transfer-indexer/pkg/rpcerr"
	itypes "github.com/0xmhha/transfer-indexer/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// limitError mimics a provider's JSON-RPC "too many results" error
type limitError struct {
	data map[string]interface{}
}

func (e *limitError) Error() string          { return "query returned more than 10000 results" }
func (e *limitError) ErrorCode() int         { return -32005 }
func (e *limitError) ErrorData() interface{} { return e.data }

// fakeLogSource serves logs from memory and refuses ranges wider than limit
type fakeLogSource struct {
	mu        sync.Mutex
	logs      map[uint64][]types.Log
	limit     uint64
	suggest   func(r itypes.BlockRange) *uint64
	failures  map[itypes.BlockRange][]error
	served    []itypes.BlockRange
	requested []itypes.BlockRange
}

func newFakeLogSource(limit uint64) *fakeLogSource {
	return &fakeLogSource{
		logs:     make(map[uint64][]types.Log),
		limit:    limit,
		failures: make(map[itypes.BlockRange][]error),
	}
}

func (s *fakeLogSource) addTransfer(block uint64, index uint, value int64) {
	s.logs[block] = append(s.logs[block], transferLog(block, index, value))
}

func (s *fakeLogSource) GetLogs(_ context.Context, r itypes.BlockRange, topic common.Hash) ([]types.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requested = append(s.requested, r)
	if queued := s.failures[r]; len(queued) > 0 {
		s.failures[r] = queued[1:]
		return nil, queued[0]
	}
	if s.limit > 0 && r.Size() > s.limit || s.limit == 0 {
		err := &limitError{}
		if s.suggest != nil {
			if at := s.suggest(r); at != nil {
				err.data = map[string]interface{}{"to": fmt.Sprintf("0x%x", *at)}
			}
		}
		return nil, rpcerr.Wrap(fmt.Sprintf("failed to get logs %s", r), err)
	}

	s.served = append(s.served, r)
	var out []types.Log
	for n := r.From; n <= r.To; n++ {
		for _, l := range s.logs[n] {
			if l.Topics[0] == topic {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

func transferLog(block uint64, index uint, value int64) types.Log {
	return testutil.TransferLog(common.HexToAddress("0x00000000000000000000000000000000000000aa"), block, index, big.NewInt(value))
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3}
}

func newTestFetcher(t *testing.T, source LogSource) *RangeFetcher {
	t.Helper()
	f, err := NewRangeFetcher(source, Config{Retry: testPolicy()}, nil)
	require.NoError(t, err)
	return f
}

func eventKeys(events []itypes.LogEvent) []string {
	keys := make([]string, len(events))
	for i, ev := range events {
		keys[i] = fmt.Sprintf("%d/%s/%d", ev.BlockNumber, ev.TxHash.Hex(), ev.LogIndex)
	}
	sort.Strings(keys)
	return keys
}

func assertPartition(t *testing.T, want itypes.BlockRange, served []itypes.BlockRange, limit uint64) {
	t.Helper()
	sorted := append([]itypes.BlockRange(nil), served...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })

	next := want.From
	for _, r := range sorted {
		assert.Equal(t, next, r.From, "gap or overlap before %s", r)
		assert.LessOrEqual(t, r.Size(), limit, "served range %s exceeds limit", r)
		next = r.To + 1
	}
	assert.Equal(t, want.To+1, next, "served ranges do not reach the end of %s", want)
}

func TestFetchLogs_SplitsToProviderLimit(t *testing.T) {
	limited := newFakeLogSource(500)
	unlimited := newFakeLogSource(1 << 32)
	for n := uint64(1000); n <= 1999; n++ {
		limited.addTransfer(n, 0, int64(n))
		unlimited.addTransfer(n, 0, int64(n))
		if n%7 == 0 {
			limited.addTransfer(n, 1, 1)
			unlimited.addTransfer(n, 1, 1)
		}
	}
	r := itypes.BlockRange{From: 1000, To: 1999}

	got, err := newTestFetcher(t, limited).FetchLogs(context.Background(), r)
	require.NoError(t, err)
	want, err := newTestFetcher(t, unlimited).FetchLogs(context.Background(), r)
	require.NoError(t, err)

	assert.Equal(t, eventKeys(want), eventKeys(got))
	assert.Len(t, got, 1000+143)
	assertPartition(t, r, limited.served, 500)
	assert.Equal(t, []itypes.BlockRange{{From: 1000, To: 1499}, {From: 1500, To: 1999}}, limited.served)
}

func TestFetchLogs_DeepSplits(t *testing.T) {
	source := newFakeLogSource(37)
	for n := uint64(0); n <= 1000; n += 3 {
		source.addTransfer(n, 0, 1)
	}
	r := itypes.BlockRange{From: 0, To: 1000}

	events, err := newTestFetcher(t, source).FetchLogs(context.Background(), r)
	require.NoError(t, err)

	assert.Len(t, events, 334)
	assertPartition(t, r, source.served, 37)
}

func TestFetchLogs_UsesProviderSuggestion(t *testing.T) {
	source := newFakeLogSource(300)
	source.suggest = func(r itypes.BlockRange) *uint64 {
		at := r.From + 299
		return &at
	}
	for n := uint64(1000); n <= 1999; n++ {
		source.addTransfer(n, 0, 1)
	}
	r := itypes.BlockRange{From: 1000, To: 1999}

	observer := &recordingObserver{}
	f := newTestFetcher(t, source)
	f.SetObserver(observer)

	events, err := f.FetchLogs(context.Background(), r)
	require.NoError(t, err)

	assert.Len(t, events, 1000)
	assertPartition(t, r, source.served, 300)
	assert.Equal(t, itypes.BlockRange{From: 1000, To: 1299}, source.served[0])
	require.NotEmpty(t, observer.splits)
	for _, s := range observer.splits {
		assert.True(t, s.suggested)
	}
}

func TestFetchLogs_IgnoresSuggestionOutsideRange(t *testing.T) {
	source := newFakeLogSource(500)
	source.suggest = func(r itypes.BlockRange) *uint64 {
		at := r.To
		return &at
	}
	r := itypes.BlockRange{From: 1000, To: 1999}

	observer := &recordingObserver{}
	f := newTestFetcher(t, source)
	f.SetObserver(observer)

	_, err := f.FetchLogs(context.Background(), r)
	require.NoError(t, err)

	require.Len(t, observer.splits, 1)
	assert.Equal(t, uint64(1499), observer.splits[0].at)
	assert.False(t, observer.splits[0].suggested)
}

func TestFetchLogs_SingleBlockCannotSplit(t *testing.T) {
	source := newFakeLogSource(0)

	_, err := newTestFetcher(t, source).FetchLogs(context.Background(), itypes.BlockRange{From: 5, To: 6})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsplittable)

	var limitErr *limitError
	assert.True(t, errors.As(err, &limitErr))
	assert.Equal(t, []itypes.BlockRange{{From: 5, To: 6}, {From: 5, To: 5}}, source.requested)
}

func TestFetchLogs_RetriesTransientFailures(t *testing.T) {
	source := newFakeLogSource(1000)
	source.addTransfer(10, 0, 5)
	r := itypes.BlockRange{From: 1, To: 20}
	source.failures[r] = []error{errors.New("connection reset by peer"), errors.New("503 service unavailable")}

	events, err := newTestFetcher(t, source).FetchLogs(context.Background(), r)
	require.NoError(t, err)

	assert.Len(t, events, 1)
	assert.Len(t, source.requested, 3)
}

func TestFetchLogs_ExhaustedRetriesFail(t *testing.T) {
	source := newFakeLogSource(1000)
	r := itypes.BlockRange{From: 1, To: 20}
	source.failures[r] = []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout")}

	_, err := newTestFetcher(t, source).FetchLogs(context.Background(), r)
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Contains(t, err.Error(), "failed to fetch logs [1, 20]")
}

func TestFetchLogs_PermanentFailureIsNotRetried(t *testing.T) {
	source := newFakeLogSource(1000)
	r := itypes.BlockRange{From: 1, To: 20}
	source.failures[r] = []error{rpcerr.Permanent(errors.New("invalid params"))}

	_, err := newTestFetcher(t, source).FetchLogs(context.Background(), r)
	require.Error(t, err)
	assert.Len(t, source.requested, 1)
}

func TestFetchLogs_SkipsRemovedAndForeignLogs(t *testing.T) {
	source := newFakeLogSource(1000)
	source.addTransfer(1, 0, 1)
	removed := transferLog(2, 0, 1)
	removed.Removed = true
	source.logs[2] = []types.Log{removed}

	events, err := newTestFetcher(t, source).FetchLogs(context.Background(), itypes.BlockRange{From: 1, To: 2})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestFetchLogs_InvalidInput(t *testing.T) {
	f := newTestFetcher(t, newFakeLogSource(10))
	_, err := f.FetchLogs(context.Background(), itypes.BlockRange{From: 2, To: 1})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.FetchLogs(ctx, itypes.BlockRange{From: 1, To: 2})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRangeFetcher_Validation(t *testing.T) {
	_, err := NewRangeFetcher(nil, Config{Retry: testPolicy()}, nil)
	assert.Error(t, err)

	_, err = NewRangeFetcher(newFakeLogSource(1), Config{}, nil)
	assert.Error(t, err)

	f, err := NewRangeFetcher(newFakeLogSource(1), Config{Retry: testPolicy()}, nil)
	require.NoError(t, err)
	assert.Equal(t, TransferTopic, f.config.Topic)
}

func TestSplitPoint(t *testing.T) {
	u := func(v uint64) *uint64 { return &v }
	tests := []struct {
		name      string
		r         itypes.BlockRange
		suggested *uint64
		at        uint64
		provider  bool
		ok        bool
	}{
		{"bisect", itypes.BlockRange{From: 1000, To: 1999}, nil, 1499, false, true},
		{"two blocks", itypes.BlockRange{From: 7, To: 8}, nil, 7, false, true},
		{"single block", itypes.BlockRange{From: 7, To: 7}, nil, 0, false, false},
		{"suggestion inside", itypes.BlockRange{From: 100, To: 200}, u(120), 120, true, true},
		{"suggestion at from", itypes.BlockRange{From: 100, To: 200}, u(100), 150, false, true},
		{"suggestion at to", itypes.BlockRange{From: 100, To: 200}, u(200), 150, false, true},
		{"suggestion beyond", itypes.BlockRange{From: 100, To: 200}, u(5000), 150, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at, provider, ok := splitPoint(tt.r, tt.suggested)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.at, at)
				assert.Equal(t, tt.provider, provider)
			}
		})
	}
}

type splitEvent struct {
	r         itypes.BlockRange
	at        uint64
	suggested bool
}

type recordingObserver struct {
	requests int
	splits   []splitEvent
}

func (o *recordingObserver) ObserveRequest(itypes.BlockRange, error) { o.requests++ }

func (o *recordingObserver) ObserveSplit(r itypes.BlockRange, at uint64, suggested bool) {
	o.splits = append(o.splits, splitEvent{r: r, at: at, suggested: suggested})
}
