package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"poolsync/internal/config"
	"poolsync/internal/model"
	"poolsync/internal/store"
)

type poolStatus struct {
	model.Pool
	PayoutAmount uint64 `json:"payout_amount"`
}

type cursorStatus struct {
	Cursor *model.SyncCursor `json:"cursor"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	writer, err := newJSONLWriter("-")
	if err != nil {
		return err
	}
	defer writer.Close()

	return writeStatus(ctx, st, cfg.Tiers, writer)
}

func writeStatus(ctx context.Context, st store.Store, tiers model.TierTable, writer *jsonlWriter) error {
	pools, err := st.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("list pools: %w", err)
	}
	for _, pool := range pools {
		payout, _ := tiers.PayoutAmount(pool.Tier)
		if err := writer.Write(poolStatus{Pool: pool, PayoutAmount: payout}); err != nil {
			return err
		}
	}

	cursor, ok, err := st.ReadSyncCursor(ctx)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	status := cursorStatus{}
	if ok {
		status.Cursor = &cursor
	}
	return writer.Write(status)
}

func runCursorReset(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	block, _ := cmd.Flags().GetUint64("block")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	previous, ok, err := st.ReadSyncCursor(ctx)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	if err := st.ResetSyncCursor(ctx, block); err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}

	fields := []zap.Field{zap.Uint64("block", block)}
	if ok {
		fields = append(fields, zap.Uint64("previous", previous.LastProcessedBlock))
	}
	logger.Info("cursor reset", fields...)
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Store != config.StorePostgres {
		return fmt.Errorf("migrate requires --store postgres")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	st.Close()

	logger.Info("schema ready", zap.String("pg_dsn", redactDSN(cfg.PGDSN)))
	return nil
}
