// Package store defines the off-chain system of record the sync engine
// reconciles against.
package store

import (
	"context"
	"errors"

	"poolsync/internal/model"
)

// ErrDuplicate is returned when inserting a contribution whose tx hash exists.
var ErrDuplicate = errors.New("duplicate contribution")

// Tx holds the operations the reconciler performs on one event. Every call is
// atomic for its own key; InTx groups several into one unit.
type Tx interface {
	FindContributionByTxHash(ctx context.Context, txHash string) (model.Contribution, error)
	// FindContributionByTierBatchAddress returns the earliest record in queue
	// order matching the key and status.
	FindContributionByTierBatchAddress(ctx context.Context, tier model.Tier, batch uint64, contributor string, status model.ContributionStatus) (model.Contribution, error)
	// CountBatchContributions counts confirmed and paid records in a batch.
	CountBatchContributions(ctx context.Context, tier model.Tier, batch uint64) (int, error)
	// ListBatchContributions returns the confirmed and paid records of a
	// batch in acceptance order.
	ListBatchContributions(ctx context.Context, tier model.Tier, batch uint64) ([]model.Contribution, error)
	// UpdateContributionStatus applies a forward transition. It reports false
	// when the record is missing or already at or past the target status.
	UpdateContributionStatus(ctx context.Context, update model.StatusUpdate) (bool, error)
	FindPayoutByEvent(ctx context.Context, txHash string, logIndex uint64) (model.Payout, error)
	// FindPayoutByTierBatch returns the payout recorded for a closed batch.
	FindPayoutByTierBatch(ctx context.Context, tier model.Tier, batch uint64) (model.Payout, error)
	// InsertPayoutRecordIfAbsent reports false when the payout event, its
	// contribution or its (tier, batch) is already recorded.
	InsertPayoutRecordIfAbsent(ctx context.Context, payout model.Payout) (bool, error)
	GetPool(ctx context.Context, tier model.Tier) (model.Pool, error)
	// UpsertPoolBatchCounters raises the pool counters, never lowers them.
	UpsertPoolBatchCounters(ctx context.Context, pool model.Pool) error
}

// Store is the durable state consumed by the engine.
type Store interface {
	Tx
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// InsertContribution records a pending contribution. It belongs to the API
	// layer; the engine never calls it.
	InsertContribution(ctx context.Context, contribution model.Contribution) error
	EnsurePools(ctx context.Context, tiers model.TierTable) error
	ListPools(ctx context.Context) ([]model.Pool, error)

	ReadSyncCursor(ctx context.Context) (model.SyncCursor, bool, error)
	// WriteSyncCursor advances the cursor; lower values are ignored.
	WriteSyncCursor(ctx context.Context, block uint64) error
	// ResetSyncCursor moves the cursor to block unconditionally.
	ResetSyncCursor(ctx context.Context, block uint64) error

	Close()
}

// PrecedingStatuses lists the statuses a record may hold to move to target.
func PrecedingStatuses(target model.ContributionStatus) []model.ContributionStatus {
	all := []model.ContributionStatus{model.StatusPending, model.StatusConfirmed, model.StatusPaid}
	out := make([]model.ContributionStatus, 0, len(all))
	for _, status := range all {
		if status.Precedes(target) {
			out = append(out, status)
		}
	}
	return out
}
