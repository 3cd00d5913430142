package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"poolsync/internal/model"
	"poolsync/internal/notify"
	"poolsync/internal/reconcile"
)

// Sweep catches up from the durable cursor towards head minus confirmations,
// bounded by SweepLimit blocks and SweepTimeout. The cursor advances after
// each fully applied range. It reports whether the sweep reached its target.
func (e *Engine) Sweep(ctx context.Context) (bool, error) {
	if e.stopping.Load() {
		return false, ErrStopped
	}
	started := time.Now()
	caughtUp, err := e.sweep(ctx)

	result := "complete"
	switch {
	case err != nil:
		result = "failed"
	case !caughtUp:
		result = "partial"
	}
	e.metrics.observeSweep(result, time.Since(started).Seconds())
	return caughtUp, err
}

func (e *Engine) sweep(parent context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(parent, e.cfg.SweepTimeout)
	defer cancel()

	var head uint64
	err := withRetry(ctx, e.cfg.Retry, func(ctx context.Context) error {
		var err error
		head, err = e.ledger.LatestBlockNumber(ctx)
		if err != nil {
			e.logger.Warn("latest block fetch failed", zap.Error(err))
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("get latest block: %w", err)
	}
	e.metrics.setHead(head)

	cursor, hasCursor, err := e.store.ReadSyncCursor(ctx)
	if err != nil {
		return false, fmt.Errorf("read cursor: %w", err)
	}
	window, complete, ok := sweepWindow(cursor.LastProcessedBlock, hasCursor, head, e.cfg.Confirmations, e.cfg.Lookback, e.cfg.SweepLimit)
	if !ok {
		e.logger.Debug("nothing to sweep", zap.Uint64("head", head), zap.Uint64("cursor", cursor.LastProcessedBlock))
		return true, nil
	}

	ranges, err := SplitRange(window.From, window.To, e.cfg.MaxBlockSpan)
	if err != nil {
		return false, err
	}

	for _, blockRange := range ranges {
		if parent.Err() != nil {
			return false, parent.Err()
		}
		if ctx.Err() != nil {
			e.logger.Info("sweep time budget spent", zap.Uint64("next", blockRange.From))
			return false, nil
		}

		applied, err := e.processRange(ctx, blockRange)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
				e.logger.Info("sweep time budget spent", zap.Uint64("next", blockRange.From))
				return false, nil
			}
			return false, fmt.Errorf("range %d-%d: %w", blockRange.From, blockRange.To, err)
		}
		if err := e.advanceCursor(ctx, blockRange.To); err != nil {
			return false, err
		}

		e.logger.Info("range complete", zap.Int("events", applied), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
	}

	return complete, nil
}

// processRange applies every log in r. Each log is attempted even when an
// earlier one fails; any non-skip failure fails the range.
func (e *Engine) processRange(ctx context.Context, r BlockRange) (int, error) {
	var logs []types.Log
	err := withRetry(ctx, e.cfg.Retry, func(ctx context.Context) error {
		var err error
		logs, err = e.ledger.FilterLogs(ctx, r.From, r.To, []common.Address{e.cfg.Contract}, e.topics)
		if err != nil {
			e.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", r.From), zap.Uint64("to", r.To))
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("filter logs: %w", err)
	}

	var (
		failed   int
		firstErr error
	)
	for _, log := range logs {
		if err := e.handleLog(ctx, log); err != nil {
			if model.IsConfiguration(err) || errors.Is(err, ErrStopped) {
				return 0, err
			}
			failed++
			if firstErr == nil {
				firstErr = err
			}
			e.logger.Warn("event failed",
				zap.Uint64("block", log.BlockNumber),
				zap.Uint("log_index", log.Index),
				zap.String("tx_hash", log.TxHash.Hex()),
				zap.Error(err),
			)
		}
	}
	if failed > 0 {
		return 0, fmt.Errorf("%d of %d events failed: %w", failed, len(logs), firstErr)
	}
	return len(logs), nil
}

// handleLog normalizes, matches and applies one log. It returns nil for logs
// that are skipped, including data integrity rejections.
func (e *Engine) handleLog(ctx context.Context, log types.Log) error {
	if log.Removed {
		e.logger.Warn("skipping removed log",
			zap.Uint64("block", log.BlockNumber),
			zap.String("tx_hash", log.TxHash.Hex()),
		)
		e.metrics.observeEvent("unknown", "removed")
		return nil
	}
	if !e.decoder.CanDecode(log) {
		e.logger.Debug("skipping untracked log", zap.String("address", log.Address.Hex()), zap.String("tx_hash", log.TxHash.Hex()))
		return nil
	}
	event, err := e.decoder.Decode(log)
	if err != nil {
		e.logger.Error("malformed pool event",
			zap.Uint64("block", log.BlockNumber),
			zap.String("tx_hash", log.TxHash.Hex()),
			zap.Error(err),
		)
		e.metrics.observeEvent("unknown", "malformed")
		return nil
	}

	res, err := e.apply(ctx, event)
	kind := string(event.Kind)
	switch {
	case model.IsDataIntegrity(err):
		e.logger.Error("data integrity violation, skipping event",
			zap.String("kind", kind),
			zap.String("tx_hash", event.Ref.TxHash),
			zap.Uint64("log_index", event.Ref.LogIndex),
			zap.Uint8("tier", uint8(event.Tier)),
			zap.Uint64("batch", event.Batch),
			zap.Error(err),
		)
		e.metrics.observeEvent(kind, string(reconcile.OutcomeRejected))
		return nil
	case errors.Is(err, ErrStopped):
		return err
	case err != nil:
		e.metrics.observeEvent(kind, "failed")
		return fmt.Errorf("apply %s: %w", kind, err)
	}

	e.metrics.observeEvent(kind, string(res.Outcome))
	if change, ok := notify.ChangeFrom(event, res, e.now()); ok {
		e.notifier.Notify(ctx, change)
	}
	if res.Outcome == reconcile.OutcomeApplied {
		e.logger.Info("event applied",
			zap.String("kind", kind),
			zap.String("tx_hash", event.Ref.TxHash),
			zap.Uint8("tier", uint8(event.Tier)),
			zap.Uint64("batch", event.Batch),
		)
	}
	return nil
}

// apply runs one event through the reconciler under applyMu. Notification
// happens after the lock is released.
func (e *Engine) apply(ctx context.Context, event model.Event) (reconcile.Result, error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	if e.stopping.Load() {
		return reconcile.Result{}, ErrStopped
	}

	var res reconcile.Result
	err := withRetry(ctx, e.cfg.Retry, func(ctx context.Context) error {
		var err error
		res, err = e.reconciler.Apply(ctx, event)
		return err
	})
	return res, err
}
