// Package syncer keeps the store in step with the pool contract. It sweeps
// block ranges from a durable cursor, follows a live log subscription when one
// is available, and falls back to polling when the subscription drops.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"poolsync/internal/chain"
	"poolsync/internal/contract"
	"poolsync/internal/model"
	"poolsync/internal/notify"
	"poolsync/internal/reconcile"
	"poolsync/internal/store"
)

// ErrStopped is returned for work requested after shutdown began.
var ErrStopped = errors.New("engine stopped")

// State is the engine's delivery mode.
type State int32

const (
	StateStarting State = iota
	StatePolling
	StateLive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StatePolling:
		return "polling"
	case StateLive:
		return "live"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Ledger is the chain access the engine needs. *chain.Client implements it.
type Ledger interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
	SubscribeLogs(ctx context.Context, addresses []common.Address, topic0 []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Config holds the engine's runtime settings.
type Config struct {
	Contract      common.Address
	Tiers         model.TierTable
	PollInterval  time.Duration
	MaxBlockSpan  uint64
	SweepLimit    uint64
	SweepTimeout  time.Duration
	Lookback      uint64
	Confirmations uint64
	Retry         RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.MaxBlockSpan == 0 {
		c.MaxBlockSpan = 2000
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = 2 * time.Minute
	}
	if len(c.Tiers) == 0 {
		c.Tiers = model.DefaultTiers()
	}
	return c
}

// Option customises an Engine.
type Option func(*Engine)

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides the time source used for paid timestamps and changes.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine reconciles pool contract events into a store.
type Engine struct {
	cfg        Config
	ledger     Ledger
	store      store.Store
	decoder    *contract.Decoder
	reconciler *reconcile.Reconciler
	topics     []common.Hash
	notifier   notify.Notifier
	metrics    *Metrics
	logger     *zap.Logger
	now        func() time.Time

	// applyMu serializes normalize, match and apply across sweeps and live
	// delivery.
	applyMu  sync.Mutex
	stopping atomic.Bool
	state    atomic.Int32
	pushOff  bool

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine builds an Engine. Construction fails with a ConfigurationError
// when the contract binding cannot be built.
func NewEngine(cfg Config, ledger Ledger, st store.Store, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if ledger == nil {
		return nil, &model.ConfigurationError{Reason: "ledger client is nil"}
	}
	if st == nil {
		return nil, &model.ConfigurationError{Reason: "store is nil"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	decoder, err := contract.NewDecoder(cfg.Contract, cfg.Tiers)
	if err != nil {
		return nil, err
	}
	topics, err := contract.Topics()
	if err != nil {
		return nil, &model.ConfigurationError{Reason: "pool event topics", Err: err}
	}

	e := &Engine{
		cfg:      cfg,
		ledger:   ledger,
		store:    st,
		decoder:  decoder,
		topics:   topics,
		notifier: notify.Nop{},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.reconciler = reconcile.New(st, cfg.Tiers, logger)
	e.reconciler.SetClock(e.now)
	e.setState(StateStarting)
	return e, nil
}

// State returns the current delivery mode.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	prev := State(e.state.Swap(int32(s)))
	e.metrics.setState(s)
	if prev != s {
		e.logger.Info("engine state", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Run drives the engine until ctx ends, Stop is called or a fatal error
// occurs. Only ConfigurationErrors and store setup failures are returned.
func (e *Engine) Run(ctx context.Context) error {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return fmt.Errorf("engine already running")
	}
	if e.stopping.Load() {
		e.runMu.Unlock()
		return ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.runMu.Unlock()

	defer func() {
		cancel()
		e.stopping.Store(true)
		e.setState(StateStopped)
		close(done)
	}()

	e.setState(StateStarting)
	if err := e.store.EnsurePools(ctx, e.cfg.Tiers); err != nil {
		return fmt.Errorf("ensure pools: %w", err)
	}
	if cursor, ok, err := e.store.ReadSyncCursor(ctx); err != nil {
		return fmt.Errorf("read cursor: %w", err)
	} else if ok {
		e.metrics.setCursor(cursor.LastProcessedBlock)
		e.logger.Info("resume from cursor", zap.Uint64("last_processed", cursor.LastProcessedBlock))
	}

	e.setState(StatePolling)
	caughtUp, err := e.pollSweep(ctx)
	if err != nil {
		return stopErr(ctx, err)
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var lastAttempt time.Time
	for {
		if caughtUp && !e.pushOff && time.Since(lastAttempt) >= e.cfg.PollInterval {
			lastAttempt = time.Now()
			if err := e.followLive(ctx); err != nil {
				return stopErr(ctx, err)
			}
			if ctx.Err() != nil {
				return nil
			}
			lastAttempt = time.Now()
			if e.State() == StateLive {
				e.metrics.observeFailover()
			}
			e.setState(StatePolling)
			if caughtUp, err = e.pollSweep(ctx); err != nil {
				return stopErr(ctx, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if caughtUp, err = e.pollSweep(ctx); err != nil {
			return stopErr(ctx, err)
		}
	}
}

// Stop cancels Run and waits for in-flight work to finish. No store write
// starts after Stop is called.
func (e *Engine) Stop() {
	e.stopping.Store(true)

	e.runMu.Lock()
	cancel, done, running := e.cancel, e.done, e.running
	e.runMu.Unlock()

	if !running {
		e.setState(StateStopped)
		return
	}
	cancel()
	<-done
}

func stopErr(ctx context.Context, err error) error {
	if errors.Is(err, ErrStopped) {
		return nil
	}
	if ctx.Err() != nil && !model.IsConfiguration(err) {
		return nil
	}
	return err
}

// pollSweep runs one sweep, returning only fatal errors.
func (e *Engine) pollSweep(ctx context.Context) (bool, error) {
	caughtUp, err := e.Sweep(ctx)
	if err == nil {
		return caughtUp, nil
	}
	if model.IsConfiguration(err) || errors.Is(err, ErrStopped) || ctx.Err() != nil {
		return false, err
	}
	e.logger.Warn("sweep incomplete, retrying next interval", zap.Error(err))
	return false, nil
}

// followLive opens a subscription, bridges the gap since the last sweep and
// applies pushed logs until the subscription fails. It returns nil when the
// engine should fall back to polling.
func (e *Engine) followLive(ctx context.Context) error {
	logs := make(chan types.Log, 256)
	sub, err := e.ledger.SubscribeLogs(ctx, []common.Address{e.cfg.Contract}, e.topics, logs)
	switch {
	case errors.Is(err, chain.ErrSubscriptionUnavailable):
		e.pushOff = true
		e.logger.Info("no subscription endpoint, staying in polling mode")
		return nil
	case model.IsConfiguration(err):
		return err
	case err != nil:
		e.logger.Warn("subscribe failed", zap.Error(err))
		return nil
	}
	defer sub.Unsubscribe()

	e.setState(StateLive)
	if _, err := e.Sweep(ctx); err != nil {
		if model.IsConfiguration(err) {
			return err
		}
		e.logger.Warn("bridging sweep failed", zap.Error(err))
		return nil
	}

	checkpoint := time.NewTicker(e.cfg.PollInterval)
	defer checkpoint.Stop()

	held := &heldLogs{depth: e.cfg.Confirmations}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			e.logger.Warn("subscription lost, falling back to polling", zap.Error(err))
			return nil
		case log := <-logs:
			if log.Removed && held.add(log) {
				e.logger.Info("reorged log dropped before confirmation",
					zap.Uint64("block", log.BlockNumber),
					zap.String("tx_hash", log.TxHash.Hex()),
				)
				continue
			}
			if !log.Removed {
				held.add(log)
			}
			pending := held.ready()
			if log.Removed {
				pending = append(pending, log)
			}
			for _, ready := range pending {
				if err := e.handleLog(ctx, ready); err != nil {
					if model.IsConfiguration(err) {
						return err
					}
					e.logger.Warn("live event failed, recovering with sweep",
						zap.Uint64("block", ready.BlockNumber),
						zap.String("tx_hash", ready.TxHash.Hex()),
						zap.Error(err),
					)
					return nil
				}
			}
		case <-checkpoint.C:
			if err := e.checkpointLive(ctx, held); err != nil {
				if model.IsConfiguration(err) || errors.Is(err, ErrStopped) {
					return err
				}
				e.logger.Warn("live checkpoint failed", zap.Error(err))
			}
		}
	}
}

// checkpointLive sweeps from the durable cursor to head minus confirmations,
// so the cursor only passes blocks whose logs were fetched and applied, then
// drops held logs the sweep covered.
func (e *Engine) checkpointLive(ctx context.Context, held *heldLogs) error {
	if _, err := e.Sweep(ctx); err != nil {
		return err
	}
	cursor, ok, err := e.store.ReadSyncCursor(ctx)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	if ok {
		held.prune(cursor.LastProcessedBlock)
	}
	return nil
}

func (e *Engine) advanceCursor(ctx context.Context, block uint64) error {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	if e.stopping.Load() {
		return ErrStopped
	}
	if err := e.store.WriteSyncCursor(ctx, block); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	e.metrics.setCursor(block)
	return nil
}
