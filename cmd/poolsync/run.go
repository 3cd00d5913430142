package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"poolsync/internal/chain"
	"poolsync/internal/lease"
	"poolsync/internal/notify"
	"poolsync/internal/syncer"
)

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}
	contract, err := cfg.ContractAddress()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, chain.Options{
		RPCURL:       cfg.RPCURL,
		WSURL:        cfg.WSURL,
		MaxBlockSpan: cfg.MaxBlockSpan,
	})
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	if err := chainClient.VerifyDeployment(ctx, cfg.ChainID, contract); err != nil {
		return err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := syncer.NewMetrics(reg)

	var notifiers notify.Multi
	if cfg.AuditLog != "" {
		notifiers = append(notifiers, notify.NewJSONLSink(cfg.AuditLog, logger))
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = notify.NewRedisClient(ctx, notify.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			return err
		}
		defer rdb.Close()
		notifiers = append(notifiers, notify.NewRedisNotifier(rdb, logger))
	}

	engine, err := syncer.NewEngine(syncer.Config{
		Contract:      contract,
		Tiers:         cfg.Tiers,
		PollInterval:  cfg.PollInterval,
		MaxBlockSpan:  cfg.MaxBlockSpan,
		SweepLimit:    cfg.SweepLimit,
		SweepTimeout:  cfg.SweepTimeout,
		Lookback:      cfg.Lookback,
		Confirmations: cfg.Confirmations,
		Retry: syncer.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBackoff,
			MaxDelay:   cfg.RetryMaxBackoff,
		},
	}, chainClient, st, logger, syncer.WithMetrics(metrics), syncer.WithNotifier(notifiers))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if rdb != nil && cfg.LeaseKey != "" {
		l, err := lease.New(rdb, cfg.LeaseKey, cfg.LeaseOwner, cfg.LeaseTTL, logger)
		if err != nil {
			return err
		}
		if err := l.Acquire(ctx, cfg.LeaseTTL/3); err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		g.Go(func() error { return l.Keep(gctx) })
	}

	if cfg.MetricsAddr != "" {
		srv := newMetricsServer(cfg.MetricsAddr, reg, engine)
		g.Go(func() error { return serveMetrics(gctx, srv, logger) })
	}

	logger.Info("poolsync start",
		zap.String("rpc", cfg.RPCURL),
		zap.Bool("live", chainClient.CanSubscribe()),
		zap.String("contract", contract.Hex()),
		zap.Uint64("chain_id", cfg.ChainID),
		zap.String("store", cfg.Store),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Uint64("max_block_span", cfg.MaxBlockSpan),
		zap.Uint64("confirmations", cfg.Confirmations),
		zap.String("metrics_addr", cfg.MetricsAddr),
		zap.Bool("redis", rdb != nil),
	)

	g.Go(func() error { return engine.Run(gctx) })

	if err := g.Wait(); err != nil {
		logger.Error("poolsync stopped", zap.Error(err))
		return err
	}
	logger.Info("poolsync stopped")
	return nil
}
