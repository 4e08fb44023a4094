package eventbus

import (
	"crypto/tls"
	"fmt"

	"github.com/0xmhha/transfer-indexer/internal/config"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// createKafkaSASLMechanism creates the appropriate SASL mechanism from config
func createKafkaSASLMechanism(cfg config.KafkaConfig) (sasl.Mechanism, error) {
	switch cfg.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{
			Username: cfg.SASLUsername,
			Password: cfg.SASLPassword,
		}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.SASLUsername, cfg.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.SASLUsername, cfg.SASLPassword)
	default:
		return nil, fmt.Errorf("%w: unsupported SASL mechanism %q", ErrInvalidConfiguration, cfg.SASLMechanism)
	}
}

// buildKafkaTransport creates a transport carrying client id, SASL and TLS
// settings. It returns nil when the defaults suffice.
func buildKafkaTransport(cfg config.KafkaConfig) (*kafka.Transport, error) {
	if cfg.ClientID == "" && cfg.SASLUsername == "" && !cfg.TLS {
		return nil, nil
	}

	transport := &kafka.Transport{ClientID: cfg.ClientID}
	if cfg.TLS {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.SASLUsername != "" {
		mechanism, err := createKafkaSASLMechanism(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create SASL mechanism: %w", err)
		}
		transport.SASL = mechanism
	}
	return transport, nil
}

func compressionCodec(name string) (kafka.Compression, error) {
	switch name {
	case "":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("%w: unsupported compression %q", ErrInvalidConfiguration, name)
	}
}

func requiredAcks(n int) kafka.RequiredAcks {
	switch n {
	case -1:
		return kafka.RequireNone
	case 1:
		return kafka.RequireOne
	default:
		return kafka.RequireAll
	}
}
