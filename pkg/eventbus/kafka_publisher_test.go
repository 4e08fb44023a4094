package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/0xmhha/transfer-indexer/internal/config"
	"github.com/0xmhha/transfer-indexer/pkg/types"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	batches [][]kafka.Message
	err     error
	closed  int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, msgs)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed++
	return nil
}

func record(hash string, logIndex uint) types.TransferRecord {
	to := "0x2222222222222222222222222222222222222222"
	return types.TransferRecord{
		Chain:           "ethereum",
		Hash:            hash,
		LogIndex:        logIndex,
		BlockNumber:     1234,
		Timestamp:       time.Unix(1700000000, 0).UTC(),
		FromAddress:     "0x1111111111111111111111111111111111111111",
		ToAddress:       &to,
		ValueWei:        "123456789012345678901234567890",
		ContractAddress: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		ContractID:      "c-1",
	}
}

func TestNewTransferMessage(t *testing.T) {
	rec := record("0xabc", 3)
	msg, err := NewTransferMessage(&rec)
	require.NoError(t, err)

	assert.Equal(t, "ethereum:0xabc:3", string(msg.Key))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "123456789012345678901234567890", decoded["valueWei"])
	assert.Equal(t, "0xabc", decoded["hash"])

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, EventTypeTransfer, headers["event_type"])
	assert.Equal(t, "1234", headers["block_number"])
}

func TestNewTransferMessage_OmitsMissingRecipient(t *testing.T) {
	rec := record("0xabc", 0)
	rec.ToAddress = nil
	msg, err := NewTransferMessage(&rec)
	require.NoError(t, err)
	assert.NotContains(t, string(msg.Value), "toAddress")
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "erc20-transfers", nil)

	require.NoError(t, p.Publish(context.Background(), nil))
	assert.Empty(t, w.batches)

	recs := []types.TransferRecord{record("0xabc", 0), record("0xabc", 1)}
	require.NoError(t, p.Publish(context.Background(), recs))

	require.Len(t, w.batches, 1)
	require.Len(t, w.batches[0], 2)
	assert.Equal(t, "ethereum:0xabc:1", string(w.batches[0][1].Key))

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.MessagesWritten)
	assert.Positive(t, stats.BytesWritten)
	assert.Zero(t, stats.Errors)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	boom := errors.New("leader not available")
	p := newKafkaPublisher(&fakeWriter{err: boom}, "t", nil)

	err := p.Publish(context.Background(), []types.TransferRecord{record("0xabc", 0)})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(1), p.Stats().Errors)
}

func TestKafkaPublisher_Close(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "t", nil)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, w.closed)

	err := p.Publish(context.Background(), []types.TransferRecord{record("0xabc", 0)})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(config.KafkaConfig{Topic: "t"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewKafkaPublisher(config.KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewKafkaPublisher(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t", Compression: "brotli"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	p, err := NewKafkaPublisher(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t", Compression: "zstd"}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestBuildKafkaTransport(t *testing.T) {
	transport, err := buildKafkaTransport(config.KafkaConfig{})
	require.NoError(t, err)
	assert.Nil(t, transport)

	transport, err = buildKafkaTransport(config.KafkaConfig{
		ClientID:      "indexer",
		TLS:           true,
		SASLMechanism: "PLAIN",
		SASLUsername:  "user",
		SASLPassword:  "secret",
	})
	require.NoError(t, err)
	require.NotNil(t, transport)
	assert.Equal(t, "indexer", transport.ClientID)
	assert.NotNil(t, transport.TLS)
	assert.Equal(t, plain.Mechanism{Username: "user", Password: "secret"}, transport.SASL)

	_, err = buildKafkaTransport(config.KafkaConfig{SASLMechanism: "GSSAPI", SASLUsername: "u"})
	assert.Error(t, err)
}

func TestCreateKafkaSASLMechanism_Scram(t *testing.T) {
	for _, name := range []string{"SCRAM-SHA-256", "SCRAM-SHA-512"} {
		m, err := createKafkaSASLMechanism(config.KafkaConfig{SASLMechanism: name, SASLUsername: "u", SASLPassword: "p"})
		require.NoError(t, err)
		assert.Equal(t, name, m.Name())
	}
}

func TestRequiredAcks(t *testing.T) {
	assert.Equal(t, kafka.RequireAll, requiredAcks(0))
	assert.Equal(t, kafka.RequireOne, requiredAcks(1))
	assert.Equal(t, kafka.RequireNone, requiredAcks(-1))
}
