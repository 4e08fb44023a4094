package api

import (
	"fmt"
	"net"
	"time"

	"github.com/0xmhha/transfer-indexer/internal/constants"
)

// Config holds ops server configuration
type Config struct {
	// Addr is the listen address, host:port
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// ReadyTimeout bounds each readiness check
	ReadyTimeout time.Duration

	// ShutdownTimeout is the graceful shutdown timeout
	ShutdownTimeout time.Duration

	MaxHeaderBytes int
}

// DefaultConfig returns a default ops server configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:            constants.DefaultMetricsAddr,
		ReadTimeout:     constants.DefaultReadTimeout,
		WriteTimeout:    constants.DefaultWriteTimeout,
		IdleTimeout:     60 * time.Second,
		ReadyTimeout:    2 * time.Second,
		ShutdownTimeout: constants.DefaultShutdownTimeout,
		MaxHeaderBytes:  1 << 20,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Addr, err)
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("read and write timeouts must be positive")
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("ready timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}
