package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xmhha/transfer-indexer/internal/config"
	"github.com/0xmhha/transfer-indexer/internal/logger"
	"github.com/0xmhha/transfer-indexer/pkg/api"
	"github.com/0xmhha/transfer-indexer/pkg/multichain"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// flags holds command-line overrides; zero values leave the configuration untouched
type flags struct {
	configFile      string
	showVersion     bool
	storageBackend  string
	dbPath          string
	chunkSize       uint64
	window          uint64
	maxConcurrent   int
	isolateFailures bool
	pinLatest       bool
	logLevel        string
	logFormat       string
	enableMetrics   bool
	metricsAddr     string
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("indexer", flag.ContinueOnError)
	fs.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML)")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information and exit")
	fs.StringVar(&f.storageBackend, "storage", "", "Storage backend (pebble, postgres, memory)")
	fs.StringVar(&f.dbPath, "db", "", "Pebble database path")
	fs.Uint64Var(&f.chunkSize, "chunk-size", 0, "Blocks per chunk")
	fs.Uint64Var(&f.window, "window", 0, "Blocks scanned back from the head when a chain has no checkpoint")
	fs.IntVar(&f.maxConcurrent, "max-concurrent-chains", 0, "Chains scanned at once")
	fs.BoolVar(&f.isolateFailures, "isolate-failures", false, "Keep scanning other chains when one fails")
	fs.BoolVar(&f.pinLatest, "pin-latest", false, "Do not re-read the chain head before the final chunk")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format (json, console)")
	fs.BoolVar(&f.enableMetrics, "metrics", false, "Serve /health, /ready, /status and /metrics")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Ops server listen address")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code: 0 when every chain completed, 1 otherwise
func run(args []string) int {
	f, err := parseFlags(args)
	if err != nil {
		return 2
	}

	if f.showVersion {
		fmt.Printf("transfer-indexer version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		return 0
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	log, err := initLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting transfer indexer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.Int("chains", len(cfg.Chains)),
		zap.String("storage", cfg.Storage.Backend),
		zap.Uint64("chunk_size", cfg.Backfill.ChunkSize),
		zap.Uint64("window", cfg.Backfill.Window),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize", zap.Error(err))
		return 1
	}
	defer app.Close()

	var opsServer *api.Server
	if cfg.Metrics.Enabled {
		opsServer, err = app.opsServer(cfg.Metrics.Addr, version)
		if err != nil {
			log.Error("failed to create ops server", zap.Error(err))
			return 1
		}
		go func() {
			if err := opsServer.Start(); err != nil {
				log.Error("ops server failed", zap.Error(err))
			}
		}()
	}

	err = app.runner.Run(ctx)

	if opsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if serr := opsServer.Stop(shutdownCtx); serr != nil {
			log.Error("failed to stop ops server gracefully", zap.Error(serr))
		}
		cancel()
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("backfill interrupted", zap.Error(err))
		}
		for _, ce := range multichain.ChainErrors(err) {
			log.Error("chain failed", zap.String("chain", ce.Chain), zap.Error(ce.Err))
		}
		return 1
	}

	log.Info("indexer stopped")
	return 0
}

// loadConfig loads configuration from file and environment variables, then
// applies command-line overrides and validates the result
func loadConfig(f *flags) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	applyFlags(cfg, f)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyFlags applies command-line flags to configuration
func applyFlags(cfg *config.Config, f *flags) {
	if f.storageBackend != "" {
		cfg.Storage.Backend = f.storageBackend
	}
	if f.dbPath != "" {
		cfg.Storage.Path = f.dbPath
	}
	if f.chunkSize > 0 {
		cfg.Backfill.ChunkSize = f.chunkSize
	}
	if f.window > 0 {
		cfg.Backfill.Window = f.window
	}
	if f.maxConcurrent > 0 {
		cfg.Backfill.MaxConcurrentChains = f.maxConcurrent
	}
	if f.isolateFailures {
		cfg.Backfill.IsolateFailures = true
	}
	if f.pinLatest {
		cfg.Backfill.PinLatest = true
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.enableMetrics {
		cfg.Metrics.Enabled = true
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Addr = f.metricsAddr
	}
}

// initLogger initializes the logger based on configuration
func initLogger(level, format string) (*zap.Logger, error) {
	return logger.NewWithConfig(&logger.Config{
		Level:       level,
		Format:      format,
		Development: format == "console",
		OutputPaths: []string{"stdout"},
	})
}
