package reconcile_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"poolsync/internal/model"
	"poolsync/internal/pool"
	"poolsync/internal/reconcile"
	"poolsync/internal/store"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func address(i int) string {
	return fmt.Sprintf("0x%040x", 0xa0+i)
}

func txHash(prefix string, i int) string {
	return fmt.Sprintf("0x%s%063x", prefix, i)
}

func newHarness(t *testing.T) (*store.MemoryStore, *reconcile.Reconciler) {
	t.Helper()
	st := store.NewMemoryStore()
	st.SetClock(func() time.Time { return fixedNow })
	require.NoError(t, st.EnsurePools(context.Background(), model.DefaultTiers()))
	r := reconcile.New(st, model.DefaultTiers(), zaptest.NewLogger(t))
	r.SetClock(func() time.Time { return fixedNow })
	return st, r
}

func seedPending(t *testing.T, st *store.MemoryStore, hash, contributor string, tier model.Tier, batch uint64) {
	t.Helper()
	amount, _ := model.DefaultTiers().Amount(tier)
	require.NoError(t, st.InsertContribution(context.Background(), model.Contribution{
		TxHash:      hash,
		Contributor: contributor,
		Tier:        tier,
		Batch:       batch,
		Amount:      amount,
		Status:      model.StatusPending,
	}))
}

func accepted(block, index uint64, hash, contributor string, tier model.Tier, batch uint64) model.Event {
	return model.Event{
		Kind:        model.KindContributionAccepted,
		Ref:         model.EventRef{BlockNumber: block, TxHash: hash, LogIndex: index},
		Contributor: contributor,
		Tier:        tier,
		Batch:       batch,
	}
}

func payout(block, index uint64, hash, contributor string, amount uint64, tier model.Tier, batch uint64) model.Event {
	return model.Event{
		Kind:        model.KindPayoutProcessed,
		Ref:         model.EventRef{BlockNumber: block, TxHash: hash, LogIndex: index},
		Contributor: contributor,
		Tier:        tier,
		Batch:       batch,
		Amount:      amount,
	}
}

func poolFor(t *testing.T, st *store.MemoryStore, tier model.Tier) model.Pool {
	t.Helper()
	p, err := st.GetPool(context.Background(), tier)
	require.NoError(t, err)
	return p
}

func TestAcceptedConfirmsPendingRecord(t *testing.T) {
	st, r := newHarness(t)
	ctx := context.Background()
	seedPending(t, st, txHash("c", 1), address(1), model.TierOne, 0)

	res, err := r.Apply(ctx, accepted(100, 2, txHash("c", 1), address(1), model.TierOne, 0))
	require.NoError(t, err)
	require.Equal(t, reconcile.OutcomeApplied, res.Outcome)

	c, err := st.FindContributionByTxHash(ctx, txHash("c", 1))
	require.NoError(t, err)
	require.Equal(t, model.StatusConfirmed, c.Status)
	require.Equal(t, uint64(100), c.ConfirmedBlock)
	require.Equal(t, uint64(2), c.ConfirmedLogIndex)
	require.Equal(t, uint64(0), poolFor(t, st, model.TierOne).CurrentBatch)
}

func TestAcceptedAdoptsEventBatch(t *testing.T) {
	st, r := newHarness(t)
	ctx := context.Background()
	seedPending(t, st, txHash("c", 1), address(1), model.TierTwo, 0)

	_, err := r.Apply(ctx, accepted(100, 0, txHash("c", 1), address(1), model.TierTwo, 3))
	require.NoError(t, err)

	c, err := st.FindContributionByTxHash(ctx, txHash("c", 1))
	require.NoError(t, err)
	require.Equal(t, uint64(3), c.Batch)
	require.Equal(t, uint64(3), poolFor(t, st, model.TierTwo).CurrentBatch)
}

func TestAcceptedWithoutRecordFabricatesNothing(t *testing.T) {
	st, r := newHarness(t)
	ctx := context.Background()
	before := poolFor(t, st, model.TierOne)

	res, err := r.Apply(ctx, accepted(100, 0, txHash("c", 9), address(9), model.TierOne, 4))
	require.NoError(t, err)
	require.Equal(t, reconcile.OutcomeUnmatched, res.Outcome)

	require.Empty(t, st.Contributions())
	require.Empty(t, st.Payouts())
	require.Equal(t, before, poolFor(t, st, model.TierOne))
}

func TestAcceptedRedeliveryIsNoop(t *testing.T) {
	st, r := newHarness(t)
	ctx := context.Background()
	seedPending(t, st, txHash("c", 1), address(1), model.TierOne, 0)
	event := accepted(100, 0, txHash("c", 1), address(1), model.TierOne, 0)

	_, err := r.Apply(ctx, event)
	require.NoError(t, err)
	snapshot := st.Contributions()

	res, err := r.Apply(ctx, event)
	require.NoError(t, err)
	require.Equal(t, reconcile.OutcomeDuplicate, res.Outcome)
	require.Equal(t, snapshot, st.Contributions())
}

func TestAcceptedMismatchIsRejected(t *testing.T) {
	tests := []struct {
		name  string
		event model.Event
	}{
		{"contributor", accepted(100, 0, txHash("c", 1), address(2), model.TierOne, 0)},
		{"tier", accepted(100, 0, txHash("c", 1), address(1), model.TierTwo, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, r := newHarness(t)
			seedPending(t, st, txHash("c", 1), address(1), model.TierOne, 0)

			res, err := r.Apply(context.Background(), tt.event)
			require.Error(t, err)
			require.True(t, model.IsDataIntegrity(err))
			require.Equal(t, reconcile.OutcomeRejected, res.Outcome)

			c, err := st.FindContributionByTxHash(context.Background(), txHash("c", 1))
			require.NoError(t, err)
			require.Equal(t, model.StatusPending, c.Status)
		})
	}
}

func TestAcceptedWrongAmountIsRejected(t *testing.T) {
	st, r := newHarness(t)
	require.NoError(t, st.InsertContribution(context.Background(), model.Contribution{
		TxHash:      txHash("c", 1),
		Contributor: address(1),
		Tier:        model.TierOne,
		Amount:      1,
	}))

	_, err := r.Apply(context.Background(), accepted(100, 0, txHash("c", 1), address(1), model.TierOne, 0))
	require.True(t, model.IsDataIntegrity(err))
}

func TestPayoutWithoutConfirmedRecordIsRejected(t *testing.T) {
	st, r := newHarness(t)
	seedPending(t, st, txHash("c", 1), address(1), model.TierOne, 0)

	res, err := r.Apply(context.Background(), payout(200, 0, txHash("d", 1), address(1), 30_000_000, model.TierOne, 0))
	require.True(t, model.IsDataIntegrity(err))
	require.Equal(t, reconcile.OutcomeRejected, res.Outcome)
	require.Empty(t, st.Payouts())
	require.Equal(t, uint64(0), poolFor(t, st, model.TierOne).LastPayoutIndex)
}

func TestPayoutRedeliveryIsNoop(t *testing.T) {
	st, r := newHarness(t)
	ctx := context.Background()
	seedPending(t, st, txHash("c", 1), address(1), model.TierOne, 0)
	_, err := r.Apply(ctx, accepted(100, 0, txHash("c", 1), address(1), model.TierOne, 0))
	require.NoError(t, err)

	event := payout(120, 1, txHash("d", 1), address(1), 30_000_000, model.TierOne, 0)
	res, err := r.Apply(ctx, event)
	require.NoError(t, err)
	require.Equal(t, reconcile.OutcomeApplied, res.Outcome)
	require.NotNil(t, res.Payout)

	res, err = r.Apply(ctx, event)
	require.NoError(t, err)
	require.Equal(t, reconcile.OutcomeDuplicate, res.Outcome)
	require.Len(t, st.Payouts(), 1)
	require.Equal(t, uint64(0), poolFor(t, st, model.TierOne).LastPayoutBatch)
	require.Equal(t, uint64(0), poolFor(t, st, model.TierOne).LastPayoutIndex)
}

func TestPayoutPicksEarliestConfirmedRecord(t *testing.T) {
	st, r := newHarness(t)
	ctx := context.Background()
	seedPending(t, st, txHash("c", 1), address(1), model.TierOne, 0)
	seedPending(t, st, txHash("c", 2), address(1), model.TierOne, 0)
	_, err := r.Apply(ctx, accepted(100, 0, txHash("c", 1), address(1), model.TierOne, 0))
	require.NoError(t, err)
	_, err = r.Apply(ctx, accepted(100, 1, txHash("c", 2), address(1), model.TierOne, 0))
	require.NoError(t, err)

	res, err := r.Apply(ctx, payout(110, 0, txHash("d", 1), address(1), 30_000_000, model.TierOne, 0))
	require.NoError(t, err)
	require.Equal(t, txHash("c", 1), res.Contribution.TxHash)

	second, err := st.FindContributionByTxHash(ctx, txHash("c", 2))
	require.NoError(t, err)
	require.Equal(t, model.StatusConfirmed, second.Status)
}

func TestTierOneScenario(t *testing.T) {
	st, r := newHarness(t)
	ctx := context.Background()
	tiers := model.DefaultTiers()

	batcher, err := pool.NewBatcher(model.TierOne, tiers)
	require.NoError(t, err)

	var (
		events []model.Event
		block  uint64 = 1000
	)
	for i := 0; i < model.BatchSize; i++ {
		contributor := address(i)
		hash := txHash("c", i)
		seedPending(t, st, hash, contributor, model.TierOne, 0)

		out := batcher.Contribute(contributor)
		events = append(events, accepted(block, 0, hash, contributor, model.TierOne, out.Batch))
		if out.Payout != nil {
			events = append(events, payout(block, 1, hash, out.Payout.Recipient, out.Payout.Amount, out.Payout.Tier, out.Payout.Batch))
		}
		block++
	}

	for _, event := range events {
		_, err := r.Apply(ctx, event)
		require.NoError(t, err)
	}

	p := poolFor(t, st, model.TierOne)
	require.Equal(t, uint64(1), p.CurrentBatch)
	require.Equal(t, uint64(0), p.LastPayoutBatch)
	require.Equal(t, uint64(0), p.LastPayoutIndex)
	require.Equal(t, batcher.State().CurrentBatch, p.CurrentBatch)
	require.Equal(t, batcher.State().LastPayoutIndex, p.LastPayoutIndex)

	payouts := st.Payouts()
	require.Len(t, payouts, 1)
	require.Equal(t, address(0), payouts[0].Recipient)
	require.Equal(t, uint64(30_000_000), payouts[0].Amount)
	require.Equal(t, txHash("c", 0), payouts[0].ContributionTxHash)

	for _, c := range st.Contributions() {
		if c.Contributor == address(0) {
			require.Equal(t, model.StatusPaid, c.Status)
			require.NotNil(t, c.PaidAt)
			require.Equal(t, fixedNow, *c.PaidAt)
			require.Equal(t, txHash("c", 4), c.PayoutTxHash)
			continue
		}
		require.Equal(t, model.StatusConfirmed, c.Status)
	}

	snapshot := st.Contributions()
	for _, event := range events {
		res, err := r.Apply(ctx, event)
		require.NoError(t, err)
		require.Equal(t, reconcile.OutcomeDuplicate, res.Outcome)
	}
	require.Equal(t, snapshot, st.Contributions())
	require.Len(t, st.Payouts(), 1)
	require.Equal(t, p, poolFor(t, st, model.TierOne))
}

// confirmBatch seeds and confirms one full batch of tier one, contributors
// first..first+4 in acceptance order.
func confirmBatch(t *testing.T, st *store.MemoryStore, r *reconcile.Reconciler, first int, batch uint64) {
	t.Helper()
	for i := first; i < first+model.BatchSize; i++ {
		seedPending(t, st, txHash("c", i), address(i), model.TierOne, batch)
		_, err := r.Apply(context.Background(), accepted(100+uint64(i), 0, txHash("c", i), address(i), model.TierOne, batch))
		require.NoError(t, err)
	}
}

func TestSecondPayoutForBatchIsRejected(t *testing.T) {
	st, r := newHarness(t)
	ctx := context.Background()
	confirmBatch(t, st, r, 0, 0)

	res, err := r.Apply(ctx, payout(200, 0, txHash("d", 1), address(0), 30_000_000, model.TierOne, 0))
	require.NoError(t, err)
	require.Equal(t, reconcile.OutcomeApplied, res.Outcome)

	res, err = r.Apply(ctx, payout(201, 0, txHash("d", 2), address(1), 30_000_000, model.TierOne, 0))
	require.True(t, model.IsDataIntegrity(err))
	require.Equal(t, reconcile.OutcomeRejected, res.Outcome)

	require.Len(t, st.Payouts(), 1)
	other, err := st.FindContributionByTxHash(ctx, txHash("c", 1))
	require.NoError(t, err)
	require.Equal(t, model.StatusConfirmed, other.Status)
}

func TestPayoutOutsideSlotIsLoggedAndRecorded(t *testing.T) {
	st, _ := newHarness(t)
	core, logs := observer.New(zapcore.WarnLevel)
	r := reconcile.New(st, model.DefaultTiers(), zap.New(core))
	confirmBatch(t, st, r, 0, 0)

	res, err := r.Apply(context.Background(), payout(200, 0, txHash("d", 1), address(2), 30_000_000, model.TierOne, 0))
	require.NoError(t, err)
	require.Equal(t, reconcile.OutcomeApplied, res.Outcome)
	require.Equal(t, 1, logs.FilterMessage("payout recipient is not the batch payout slot").Len())
}

func TestPayoutsFollowSlotAcrossBatches(t *testing.T) {
	st, _ := newHarness(t)
	core, logs := observer.New(zapcore.WarnLevel)
	r := reconcile.New(st, model.DefaultTiers(), zap.New(core))
	ctx := context.Background()

	batcher, err := pool.NewBatcher(model.TierOne, model.DefaultTiers())
	require.NoError(t, err)
	for i := 0; i < 3*model.BatchSize; i++ {
		out := batcher.Contribute(address(i))
		seedPending(t, st, txHash("c", i), address(i), model.TierOne, out.Batch)
		_, err := r.Apply(ctx, accepted(100+uint64(i), 0, txHash("c", i), address(i), model.TierOne, out.Batch))
		require.NoError(t, err)
		if out.Payout == nil {
			continue
		}
		res, err := r.Apply(ctx, payout(100+uint64(i), 1, txHash("c", i), out.Payout.Recipient, out.Payout.Amount, model.TierOne, out.Payout.Batch))
		require.NoError(t, err)
		require.Equal(t, reconcile.OutcomeApplied, res.Outcome)
	}

	p := poolFor(t, st, model.TierOne)
	require.Equal(t, batcher.State().CurrentBatch, p.CurrentBatch)
	require.Equal(t, uint64(2), p.LastPayoutBatch)
	require.Equal(t, uint64(2), p.LastPayoutIndex)
	require.Equal(t, batcher.State().LastPayoutIndex, p.LastPayoutIndex)
	require.Len(t, st.Payouts(), 3)
	require.Zero(t, logs.Len())

	for batch, seed := range []int{0, 6, 12} {
		paid, err := st.FindPayoutByTierBatch(ctx, model.TierOne, uint64(batch))
		require.NoError(t, err)
		require.Equal(t, address(seed), paid.Recipient)
	}
}

func TestUnknownKindIsRejected(t *testing.T) {
	_, r := newHarness(t)
	_, err := r.Apply(context.Background(), model.Event{Kind: "Transfer"})
	require.True(t, model.IsDataIntegrity(err))
}
