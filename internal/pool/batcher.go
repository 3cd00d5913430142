// Package pool mirrors the batching rule the pool contract enforces on-chain:
// five accepted contributions fill the slots of a batch, and closing the batch
// pays the slot at the payout index, which then advances by one and wraps.
package pool

import (
	"fmt"

	"poolsync/internal/model"
)

// Disbursement is the payout issued when a batch closes.
type Disbursement struct {
	Recipient string
	Amount    uint64
	Tier      model.Tier
	Batch     uint64
	Slot      int
}

// Outcome reports what one contribution did to the tier.
type Outcome struct {
	Batch  uint64
	Slot   int
	Closed bool
	Payout *Disbursement
}

// Batcher replays the contract's batch and payout progression for one tier.
type Batcher struct {
	tier        model.Tier
	amount      uint64
	payout      uint64
	batch       uint64
	slots       [model.BatchSize]string
	filled      int
	payoutIndex int
	lastPayout  uint64
	lastIndex   int
}

func NewBatcher(tier model.Tier, tiers model.TierTable) (*Batcher, error) {
	amount, ok := tiers.Amount(tier)
	if !ok {
		return nil, fmt.Errorf("tier %d not configured", tier)
	}
	payout, _ := tiers.PayoutAmount(tier)
	return &Batcher{tier: tier, amount: amount, payout: payout}, nil
}

// Contribute accepts one contribution into the next free slot of the current
// batch. The fifth closes the batch and pays slots[payoutIndex].
func (b *Batcher) Contribute(contributor string) Outcome {
	out := Outcome{Batch: b.batch, Slot: b.filled}
	b.slots[b.filled] = model.CanonicalAddress(contributor)
	b.filled++

	if b.filled < model.BatchSize {
		return out
	}

	out.Closed = true
	out.Payout = &Disbursement{
		Recipient: b.slots[b.payoutIndex],
		Amount:    b.payout,
		Tier:      b.tier,
		Batch:     b.batch,
		Slot:      b.payoutIndex,
	}
	b.lastPayout, b.lastIndex = b.batch, b.payoutIndex
	b.payoutIndex = (b.payoutIndex + 1) % model.BatchSize
	b.slots = [model.BatchSize]string{}
	b.filled = 0
	b.batch++
	return out
}

// State returns the counters as the store records them.
func (b *Batcher) State() model.Pool {
	return model.Pool{
		Tier:               b.tier,
		ContributionAmount: b.amount,
		CurrentBatch:       b.batch,
		LastPayoutBatch:    b.lastPayout,
		LastPayoutIndex:    uint64(b.lastIndex),
	}
}

// PayoutSlot returns the slot paid when batch closes. The payout index starts
// at zero and advances once per closed batch.
func PayoutSlot(batch uint64) int {
	return int(batch % model.BatchSize)
}

// ExpectedRecipient returns the contributor the contract pays when batch
// closes, given the batch's contributors in acceptance order. It reports
// false until the batch holds a full set of slots.
func ExpectedRecipient(batch uint64, contributors []string) (string, bool) {
	if len(contributors) < model.BatchSize {
		return "", false
	}
	return model.CanonicalAddress(contributors[PayoutSlot(batch)]), true
}

// CurrentBatchAfter returns the tier's current batch once accepted
// contributions have landed in batch.
func CurrentBatchAfter(batch uint64, accepted int) uint64 {
	if accepted >= model.BatchSize {
		return batch + 1
	}
	return batch
}
