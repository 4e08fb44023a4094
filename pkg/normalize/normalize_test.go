package normalize

import (
	"errors"
	"math/big"
	"testing"
	"time"

	itypes "github.com/0xmhha/transfer-indexer/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func addr(s string) *common.Address {
	a := common.HexToAddress(s)
	return &a
}

func sampleEvent() itypes.LogEvent {
	return itypes.LogEvent{
		TxHash:      common.HexToHash("0xAB00000000000000000000000000000000000000000000000000000000000001"),
		BlockNumber: 1234,
		LogIndex:    2,
		Address:     common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		From:        addr("0xABCdef0000000000000000000000000000000001"),
		To:          addr("0x00000000000000000000000000000000000000Ff"),
		Value:       big.NewInt(1000),
	}
}

func TestNormalize(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("KST", 9*3600))

	rec, err := Normalize(sampleEvent(), ts, "Ethereum")
	require.NoError(t, err)

	assert.Equal(t, "ethereum", rec.Chain)
	assert.Equal(t, "0xab00000000000000000000000000000000000000000000000000000000000001", rec.Hash)
	assert.Equal(t, uint(2), rec.LogIndex)
	assert.Equal(t, uint64(1234), rec.BlockNumber)
	assert.Equal(t, ts.UTC(), rec.Timestamp)
	assert.Equal(t, time.UTC, rec.Timestamp.Location())
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", rec.FromAddress)
	require.NotNil(t, rec.ToAddress)
	assert.Equal(t, "0x00000000000000000000000000000000000000ff", *rec.ToAddress)
	assert.Equal(t, "1000", rec.ValueWei)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", rec.ContractAddress)
	assert.Empty(t, rec.ContractID)
}

func TestNormalize_ValuePrecision(t *testing.T) {
	value, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	require.True(t, ok)
	ev := sampleEvent()
	ev.Value = value

	rec, err := Normalize(ev, time.Now(), "base")
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901234567890", rec.ValueWei)

	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	ev.Value = maxUint256
	rec, err = Normalize(ev, time.Now(), "base")
	require.NoError(t, err)
	assert.Equal(t, maxUint256.String(), rec.ValueWei)
}

func TestNormalize_MixedCaseAddressesMatch(t *testing.T) {
	upper := sampleEvent()
	upper.Address = common.HexToAddress("0xABCDEF0000000000000000000000000000000000")
	lower := sampleEvent()
	lower.Address = common.HexToAddress("0xabcdef0000000000000000000000000000000000")

	a, err := Normalize(upper, time.Now(), "ethereum")
	require.NoError(t, err)
	b, err := Normalize(lower, time.Now(), "ethereum")
	require.NoError(t, err)

	assert.Equal(t, a.ContractAddress, b.ContractAddress)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000000", a.ContractAddress)
}

func TestNormalize_MissingRecipientStaysAbsent(t *testing.T) {
	ev := sampleEvent()
	ev.To = nil

	rec, err := Normalize(ev, time.Now(), "ethereum")
	require.NoError(t, err)
	assert.Nil(t, rec.ToAddress)
}

func TestNormalize_BurnKeepsZeroAddress(t *testing.T) {
	ev := sampleEvent()
	ev.To = addr("0x0000000000000000000000000000000000000000")

	rec, err := Normalize(ev, time.Now(), "ethereum")
	require.NoError(t, err)
	require.NotNil(t, rec.ToAddress)
	assert.Equal(t, "0x0000000000000000000000000000000000000000", *rec.ToAddress)
}

func TestNormalize_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*itypes.LogEvent)
		chain  string
	}{
		{"missing sender", func(ev *itypes.LogEvent) { ev.From = nil }, "ethereum"},
		{"missing value", func(ev *itypes.LogEvent) { ev.Value = nil }, "ethereum"},
		{"negative value", func(ev *itypes.LogEvent) { ev.Value = big.NewInt(-1) }, "ethereum"},
		{"empty chain", func(*itypes.LogEvent) {}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := sampleEvent()
			tt.mutate(&ev)
			_, err := Normalize(ev, time.Now(), tt.chain)
			assert.ErrorIs(t, err, ErrMalformedLog)
		})
	}
}

func TestNormalizeAll_SkipsMalformed(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	good := sampleEvent()
	bad := sampleEvent()
	bad.LogIndex = 3
	bad.Value = nil

	lookup := func(n uint64) (time.Time, error) { return time.Unix(int64(n), 0), nil }
	records, skipped, err := NormalizeAll([]itypes.LogEvent{good, bad}, lookup, "ethereum", zap.New(core))
	require.NoError(t, err)

	assert.Len(t, records, 1)
	assert.Equal(t, 1, skipped)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "skipping malformed transfer log", entry.Message)
	assert.Equal(t, uint64(3), entry.ContextMap()["log_index"])
}

func TestNormalizeAll_TimestampFailure(t *testing.T) {
	lookup := func(uint64) (time.Time, error) { return time.Time{}, errors.New("rpc down") }
	_, _, err := NormalizeAll([]itypes.LogEvent{sampleEvent()}, lookup, "ethereum", nil)
	assert.EqualError(t, err, "rpc down")
}

func TestAddressString(t *testing.T) {
	got, err := AddressString("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	require.NoError(t, err)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", got)

	_, err = AddressString("not-an-address")
	assert.Error(t, err)
}
