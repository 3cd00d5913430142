// Package reconcile matches decoded pool events to off-chain records and
// advances them by natural key, so redelivered events change nothing.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"poolsync/internal/model"
	"poolsync/internal/pool"
	"poolsync/internal/store"
)

// Outcome classifies what applying one event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeRejected  Outcome = "rejected"
)

// Result describes the records touched by an applied event.
type Result struct {
	Outcome      Outcome
	Contribution model.Contribution
	Payout       *model.Payout
	Pool         model.Pool
}

// Reconciler applies events to a store.
type Reconciler struct {
	store  store.Store
	tiers  model.TierTable
	logger *zap.Logger
	now    func() time.Time
}

func New(st store.Store, tiers model.TierTable, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: st, tiers: tiers, logger: logger, now: time.Now}
}

// SetClock overrides the time source used for paid timestamps.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Apply reconciles one event. A *model.DataIntegrityError means the event was
// rejected and should be skipped; any other error is retryable.
func (r *Reconciler) Apply(ctx context.Context, event model.Event) (Result, error) {
	var (
		res Result
		err error
	)
	switch event.Kind {
	case model.KindContributionAccepted:
		res, err = r.applyAccepted(ctx, event)
	case model.KindPayoutProcessed:
		res, err = r.applyPayout(ctx, event)
	default:
		return Result{Outcome: OutcomeRejected}, &model.DataIntegrityError{Kind: event.Kind, TxHash: event.Ref.TxHash, Reason: "unknown event kind"}
	}
	if model.IsDataIntegrity(err) {
		res.Outcome = OutcomeRejected
	}
	return res, err
}

func (r *Reconciler) applyAccepted(ctx context.Context, event model.Event) (Result, error) {
	var res Result
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		res = Result{}
		c, err := tx.FindContributionByTxHash(ctx, event.Ref.TxHash)
		if errors.Is(err, model.ErrNotFound) {
			r.logger.Info("contribution not registered, skipping",
				zap.String("tx_hash", event.Ref.TxHash),
				zap.String("contributor", event.Contributor),
				zap.Uint8("tier", uint8(event.Tier)),
				zap.Uint64("batch", event.Batch),
			)
			res.Outcome = OutcomeUnmatched
			return nil
		}
		if err != nil {
			return fmt.Errorf("find contribution: %w", err)
		}
		res.Contribution = c

		if c.Status != model.StatusPending {
			res.Outcome = OutcomeDuplicate
			return nil
		}
		if c.Contributor != event.Contributor {
			return integrity(event, fmt.Sprintf("record contributor %s does not match event contributor %s", c.Contributor, event.Contributor))
		}
		if c.Tier != event.Tier {
			return integrity(event, fmt.Sprintf("record tier %d does not match event tier %d", c.Tier, event.Tier))
		}
		if amount, ok := r.tiers.Amount(c.Tier); !ok || c.Amount != amount {
			return integrity(event, fmt.Sprintf("record amount %d does not match tier %d amount", c.Amount, c.Tier))
		}

		batch := event.Batch
		updated, err := tx.UpdateContributionStatus(ctx, model.StatusUpdate{
			TxHash:            c.TxHash,
			Status:            model.StatusConfirmed,
			Batch:             &batch,
			ConfirmedBlock:    event.Ref.BlockNumber,
			ConfirmedLogIndex: event.Ref.LogIndex,
		})
		if err != nil {
			return fmt.Errorf("confirm contribution: %w", err)
		}
		if !updated {
			res.Outcome = OutcomeDuplicate
			return nil
		}
		c.Status = model.StatusConfirmed
		c.Batch = batch
		c.ConfirmedBlock = event.Ref.BlockNumber
		c.ConfirmedLogIndex = event.Ref.LogIndex
		res.Contribution = c

		accepted, err := tx.CountBatchContributions(ctx, event.Tier, event.Batch)
		if err != nil {
			return fmt.Errorf("count batch: %w", err)
		}
		if accepted > model.BatchSize {
			r.logger.Error("batch holds more contributions than the ledger allows",
				zap.Uint8("tier", uint8(event.Tier)),
				zap.Uint64("batch", event.Batch),
				zap.Int("accepted", accepted),
			)
		}

		current, err := r.loadPool(ctx, tx, event.Tier)
		if err != nil {
			return err
		}
		next := current
		next.CurrentBatch = pool.CurrentBatchAfter(event.Batch, accepted)
		next = current.Merge(next)
		if next.CurrentBatch != current.CurrentBatch {
			if err := tx.UpsertPoolBatchCounters(ctx, next); err != nil {
				return fmt.Errorf("upsert pool: %w", err)
			}
		}
		res.Pool = next
		res.Outcome = OutcomeApplied
		return nil
	})
	return res, err
}

func (r *Reconciler) applyPayout(ctx context.Context, event model.Event) (Result, error) {
	var res Result
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		res = Result{}
		if existing, err := tx.FindPayoutByEvent(ctx, event.Ref.TxHash, event.Ref.LogIndex); err == nil {
			res.Outcome = OutcomeDuplicate
			res.Payout = &existing
			return nil
		} else if !errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("find payout: %w", err)
		}

		if held, err := tx.FindPayoutByTierBatch(ctx, event.Tier, event.Batch); err == nil {
			return integrity(event, fmt.Sprintf("batch %d already paid to %s by %s", event.Batch, held.Recipient, held.TxHash))
		} else if !errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("find batch payout: %w", err)
		}

		c, err := tx.FindContributionByTierBatchAddress(ctx, event.Tier, event.Batch, event.Contributor, model.StatusConfirmed)
		if errors.Is(err, model.ErrNotFound) {
			_, paidErr := tx.FindContributionByTierBatchAddress(ctx, event.Tier, event.Batch, event.Contributor, model.StatusPaid)
			if paidErr == nil {
				res.Outcome = OutcomeDuplicate
				return nil
			}
			if !errors.Is(paidErr, model.ErrNotFound) {
				return fmt.Errorf("find paid contribution: %w", paidErr)
			}
			return integrity(event, "payout references no confirmed contribution")
		}
		if err != nil {
			return fmt.Errorf("find confirmed contribution: %w", err)
		}

		if err := r.checkPayoutSlot(ctx, tx, event); err != nil {
			return err
		}
		if expected, ok := r.tiers.PayoutAmount(event.Tier); ok && expected != event.Amount {
			r.logger.Warn("payout amount differs from tier split",
				zap.String("tx_hash", event.Ref.TxHash),
				zap.Uint64("amount", event.Amount),
				zap.Uint64("expected", expected),
			)
		}

		paidAt := r.now().UTC()
		updated, err := tx.UpdateContributionStatus(ctx, model.StatusUpdate{
			TxHash:       c.TxHash,
			Status:       model.StatusPaid,
			PaidAt:       &paidAt,
			PayoutTxHash: event.Ref.TxHash,
		})
		if err != nil {
			return fmt.Errorf("mark paid: %w", err)
		}
		if !updated {
			res.Outcome = OutcomeDuplicate
			return nil
		}
		c.Status = model.StatusPaid
		c.PaidAt = &paidAt
		c.PayoutTxHash = event.Ref.TxHash
		res.Contribution = c

		payout := model.Payout{
			Tier:               event.Tier,
			Batch:              event.Batch,
			Recipient:          event.Contributor,
			Amount:             event.Amount,
			TxHash:             event.Ref.TxHash,
			LogIndex:           event.Ref.LogIndex,
			BlockNumber:        event.Ref.BlockNumber,
			ContributionTxHash: c.TxHash,
			ProcessedAt:        paidAt,
		}
		inserted, err := tx.InsertPayoutRecordIfAbsent(ctx, payout)
		if err != nil {
			return fmt.Errorf("insert payout: %w", err)
		}
		if !inserted {
			return integrity(event, "contribution already has a payout record")
		}
		res.Payout = &payout

		current, err := r.loadPool(ctx, tx, event.Tier)
		if err != nil {
			return err
		}
		next := current.Merge(model.Pool{
			LastPayoutBatch: event.Batch,
			LastPayoutIndex: uint64(pool.PayoutSlot(event.Batch)),
		})
		if err := tx.UpsertPoolBatchCounters(ctx, next); err != nil {
			return fmt.Errorf("upsert pool: %w", err)
		}
		res.Pool = next
		res.Outcome = OutcomeApplied
		return nil
	})
	return res, err
}

// checkPayoutSlot compares the recipient with the slot the contract pays for
// the batch. The ledger has already moved the funds, so a mismatch is logged
// and the payout is still recorded.
func (r *Reconciler) checkPayoutSlot(ctx context.Context, tx store.Tx, event model.Event) error {
	members, err := tx.ListBatchContributions(ctx, event.Tier, event.Batch)
	if err != nil {
		return fmt.Errorf("list batch: %w", err)
	}
	contributors := make([]string, 0, len(members))
	for _, m := range members {
		contributors = append(contributors, m.Contributor)
	}
	expected, ok := pool.ExpectedRecipient(event.Batch, contributors)
	if !ok {
		r.logger.Debug("batch not fully confirmed, payout slot unchecked",
			zap.Uint8("tier", uint8(event.Tier)),
			zap.Uint64("batch", event.Batch),
			zap.Int("confirmed", len(members)),
		)
		return nil
	}
	if expected != event.Contributor {
		r.logger.Warn("payout recipient is not the batch payout slot",
			zap.Uint8("tier", uint8(event.Tier)),
			zap.Uint64("batch", event.Batch),
			zap.String("expected", expected),
			zap.Error(integrity(event, fmt.Sprintf("slot %d belongs to %s, paid %s", pool.PayoutSlot(event.Batch), expected, event.Contributor))),
		)
	}
	return nil
}

func (r *Reconciler) loadPool(ctx context.Context, tx store.Tx, tier model.Tier) (model.Pool, error) {
	p, err := tx.GetPool(ctx, tier)
	if errors.Is(err, model.ErrNotFound) {
		amount, _ := r.tiers.Amount(tier)
		return model.Pool{Tier: tier, ContributionAmount: amount}, nil
	}
	if err != nil {
		return model.Pool{}, fmt.Errorf("get pool: %w", err)
	}
	return p, nil
}

func integrity(event model.Event, reason string) error {
	return &model.DataIntegrityError{Kind: event.Kind, TxHash: event.Ref.TxHash, Reason: reason}
}
