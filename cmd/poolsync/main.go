package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"poolsync/internal/config"
	"poolsync/internal/store"
	"poolsync/internal/store/postgres"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "poolsync",
		Short:        "Contribution pool event sync",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("store", config.StoreFile, "store backend (memory, file, postgres)")
	root.PersistentFlags().String("store-path", "./data/poolsync.json", "file store path")
	root.PersistentFlags().String("pg-dsn", "", "Postgres DSN")
	root.PersistentFlags().String("cursor-name", "pool", "sync cursor name in the store")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine",
		RunE:  runSync,
	}

	runCmd.Flags().String("rpc-url", "", "JSON-RPC URL for range queries")
	runCmd.Flags().String("ws-url", "", "websocket URL for live log subscriptions")
	runCmd.Flags().String("contract", "", "pool contract address")
	runCmd.Flags().Uint64("chain-id", 0, "expected chain id, 0 skips the check")
	runCmd.Flags().String("tiers", "", "tier amount overrides (comma-separated tier=amount)")
	runCmd.Flags().Duration("poll-interval", 15*time.Second, "polling interval and re-subscribe spacing")
	runCmd.Flags().Uint64("max-block-span", 2000, "blocks per log query")
	runCmd.Flags().Uint64("sweep-limit", 50000, "blocks per catch-up sweep")
	runCmd.Flags().Duration("sweep-timeout", 2*time.Minute, "wall-clock budget per catch-up sweep")
	runCmd.Flags().Uint64("lookback", 5000, "blocks behind head to start from without a cursor")
	runCmd.Flags().Uint64("confirmations", 3, "blocks behind head a sweep stops at")
	runCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	runCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	runCmd.Flags().Duration("retry-max-backoff", 30*time.Second, "maximum retry backoff")
	runCmd.Flags().String("metrics-addr", ":9102", "metrics and health listen address, empty disables")
	runCmd.Flags().String("audit-log", "", "JSONL file receiving applied changes")
	runCmd.Flags().String("redis-addr", "", "Redis address for notifications and the lease")
	runCmd.Flags().String("redis-password", "", "Redis password")
	runCmd.Flags().Int("redis-db", 0, "Redis database")
	runCmd.Flags().String("lease-key", "poolsync:lease", "Redis lease key, empty disables the lease")
	runCmd.Flags().Duration("lease-ttl", 15*time.Second, "Redis lease ttl")

	root.AddCommand(runCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Decode the pool events of a transaction",
		RunE:  runVerify,
	}

	verifyCmd.Flags().String("rpc-url", "", "JSON-RPC URL")
	verifyCmd.Flags().String("contract", "", "pool contract address")
	verifyCmd.Flags().String("tiers", "", "tier amount overrides (comma-separated tier=amount)")
	verifyCmd.Flags().String("tx", "", "transaction hash")
	verifyCmd.Flags().String("out", "-", "output JSONL path, - for stdout")

	root.AddCommand(verifyCmd)

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print pool counters and the sync cursor",
		RunE:  runStatus,
	})

	cursorCmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or move the sync cursor",
	}
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Move the sync cursor to a block, replaying later events on the next run",
		RunE:  runCursorReset,
	}
	resetCmd.Flags().Uint64("block", 0, "last processed block to record")
	_ = resetCmd.MarkFlagRequired("block")
	cursorCmd.AddCommand(resetCmd)
	root.AddCommand(cursorCmd)

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres schema",
		RunE:  runMigrate,
	})

	return root
}

func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// openStore opens the configured backend. Postgres schemas are created on
// open so a fresh database works without a separate migrate.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, error) {
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}

	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store, state is lost on exit")
		return store.NewMemoryStore(), nil
	case config.StoreFile:
		st, err := store.OpenFileStore(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		logger.Info("file store opened", zap.String("path", cfg.StorePath))
		return st, nil
	default:
		st, err := postgres.NewStore(ctx, cfg.PGDSN, cfg.CursorName)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			st.Close()
			return nil, err
		}
		logger.Info("postgres store opened", zap.String("pg_dsn", redactDSN(cfg.PGDSN)), zap.String("cursor", cfg.CursorName))
		return st, nil
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	return "***"
}
