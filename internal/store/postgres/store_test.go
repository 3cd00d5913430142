package postgres

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"poolsync/internal/model"
	"poolsync/internal/store"
)

// openTestStore connects to POOLSYNC_TEST_PG_DSN and empties the tables.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POOLSYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("POOLSYNC_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	st, err := NewStore(ctx, dsn, "test")
	require.NoError(t, err)
	t.Cleanup(st.Close)

	require.NoError(t, st.EnsureSchema(ctx))
	_, err = st.pool.Exec(ctx, `TRUNCATE payouts, contributions, pools, sync_state`)
	require.NoError(t, err)
	require.NoError(t, st.EnsurePools(ctx, model.DefaultTiers()))
	return st
}

const (
	hashA = "0x00000000000000000000000000000000000000000000000000000000000000a1"
	hashB = "0x00000000000000000000000000000000000000000000000000000000000000b2"
	payTx = "0x00000000000000000000000000000000000000000000000000000000000000f0"
	addrA = "0x00000000000000000000000000000000000000aa"
)

func TestContributionLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertContribution(ctx, model.Contribution{TxHash: hashA, Contributor: addrA, Tier: model.TierOne, Amount: 10_000_000}))
	require.ErrorIs(t, st.InsertContribution(ctx, model.Contribution{TxHash: hashA, Contributor: addrA, Tier: model.TierOne, Amount: 10_000_000}), store.ErrDuplicate)

	batch := uint64(0)
	ok, err := st.UpdateContributionStatus(ctx, model.StatusUpdate{TxHash: hashA, Status: model.StatusConfirmed, Batch: &batch, ConfirmedBlock: 10, ConfirmedLogIndex: 2})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.UpdateContributionStatus(ctx, model.StatusUpdate{TxHash: hashA, Status: model.StatusConfirmed, Batch: &batch})
	require.NoError(t, err)
	require.False(t, ok)

	n, err := st.CountBatchContributions(ctx, model.TierOne, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	found, err := st.FindContributionByTierBatchAddress(ctx, model.TierOne, 0, addrA, model.StatusConfirmed)
	require.NoError(t, err)
	require.Equal(t, hashA, found.TxHash)
	require.Equal(t, uint64(10), found.ConfirmedBlock)

	paidAt := time.Now().UTC().Truncate(time.Microsecond)
	ok, err = st.UpdateContributionStatus(ctx, model.StatusUpdate{TxHash: hashA, Status: model.StatusPaid, PaidAt: &paidAt, PayoutTxHash: payTx})
	require.NoError(t, err)
	require.True(t, ok)

	payout := model.Payout{Tier: model.TierOne, Batch: 0, Recipient: addrA, Amount: 30_000_000, TxHash: payTx, LogIndex: 1, BlockNumber: 20, ContributionTxHash: hashA, ProcessedAt: paidAt}
	inserted, err := st.InsertPayoutRecordIfAbsent(ctx, payout)
	require.NoError(t, err)
	require.True(t, inserted)
	inserted, err = st.InsertPayoutRecordIfAbsent(ctx, payout)
	require.NoError(t, err)
	require.False(t, inserted)

	got, err := st.FindPayoutByEvent(ctx, payTx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(30_000_000), got.Amount)

	_, err = st.FindContributionByTxHash(ctx, hashB)
	require.ErrorIs(t, err, model.ErrNotFound)

	byBatch, err := st.FindPayoutByTierBatch(ctx, model.TierOne, 0)
	require.NoError(t, err)
	require.Equal(t, payTx, byBatch.TxHash)

	// A second payout for the same closed batch is refused.
	second := payout
	second.LogIndex = 2
	second.ContributionTxHash = hashB
	require.NoError(t, st.InsertContribution(ctx, model.Contribution{TxHash: hashB, Contributor: addrA, Tier: model.TierOne, Amount: 10_000_000}))
	inserted, err = st.InsertPayoutRecordIfAbsent(ctx, second)
	require.NoError(t, err)
	require.False(t, inserted)

	members, err := st.ListBatchContributions(ctx, model.TierOne, 0)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, hashA, members[0].TxHash)

	err = st.InsertContribution(ctx, model.Contribution{TxHash: payTx, Contributor: addrA, Tier: model.TierOne, Amount: math.MaxUint64})
	require.True(t, model.IsDataIntegrity(err))
}

func TestPoolCountersAndCursorAreMonotone(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertPoolBatchCounters(ctx, model.Pool{Tier: model.TierTwo, CurrentBatch: 3, LastPayoutBatch: 2, LastPayoutIndex: 2}))
	require.NoError(t, st.UpsertPoolBatchCounters(ctx, model.Pool{Tier: model.TierTwo, CurrentBatch: 1, LastPayoutBatch: 1, LastPayoutIndex: 4}))
	p, err := st.GetPool(ctx, model.TierTwo)
	require.NoError(t, err)
	require.Equal(t, uint64(3), p.CurrentBatch)
	require.Equal(t, uint64(2), p.LastPayoutBatch)
	require.Equal(t, uint64(2), p.LastPayoutIndex)

	require.NoError(t, st.WriteSyncCursor(ctx, 100))
	require.NoError(t, st.WriteSyncCursor(ctx, 50))
	cursor, ok, err := st.ReadSyncCursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), cursor.LastProcessedBlock)

	require.NoError(t, st.ResetSyncCursor(ctx, 10))
	cursor, _, err = st.ReadSyncCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10), cursor.LastProcessedBlock)
}

func TestInTxRollsBack(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.InsertContribution(ctx, model.Contribution{TxHash: hashB, Contributor: addrA, Tier: model.TierOne, Amount: 10_000_000}))

	boom := errors.New("boom")
	err := st.InTx(ctx, func(tx store.Tx) error {
		batch := uint64(0)
		if _, err := tx.UpdateContributionStatus(ctx, model.StatusUpdate{TxHash: hashB, Status: model.StatusConfirmed, Batch: &batch}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	c, err := st.FindContributionByTxHash(ctx, hashB)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, c.Status)
}
