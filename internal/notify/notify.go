// Package notify publishes applied pool transitions to interested readers.
// Publication is best-effort: a failed notification never fails reconciliation.
package notify

import (
	"context"
	"fmt"
	"time"

	"poolsync/internal/model"
	"poolsync/internal/reconcile"
)

// Topic names one kind of change.
type Topic string

const (
	TopicContributionConfirmed Topic = "contribution.confirmed"
	TopicPayoutRecorded        Topic = "payout.recorded"
)

// Change is the payload published for an applied event.
type Change struct {
	Topic        Topic      `json:"topic"`
	Tier         model.Tier `json:"tier"`
	Batch        uint64     `json:"batch"`
	Contributor  string     `json:"contributor"`
	TxHash       string     `json:"tx_hash"`
	Status       string     `json:"status"`
	Amount       uint64     `json:"amount"`
	PayoutTxHash string     `json:"payout_tx_hash,omitempty"`
	BlockNumber  uint64     `json:"block_number"`
	LogIndex     uint64     `json:"log_index"`
	CurrentBatch uint64     `json:"current_batch"`
	At           time.Time  `json:"at"`
}

// Channel returns the pub/sub channel for a tier and topic.
func Channel(tier model.Tier, topic Topic) string {
	return fmt.Sprintf("poolsync:%d:%s", tier, topic)
}

// ChangeFrom describes an applied reconciliation result. ok is false when the
// result changed nothing.
func ChangeFrom(event model.Event, res reconcile.Result, at time.Time) (Change, bool) {
	if res.Outcome != reconcile.OutcomeApplied {
		return Change{}, false
	}
	change := Change{
		Tier:         event.Tier,
		Batch:        event.Batch,
		Contributor:  event.Contributor,
		TxHash:       res.Contribution.TxHash,
		Status:       string(res.Contribution.Status),
		Amount:       res.Contribution.Amount,
		BlockNumber:  event.Ref.BlockNumber,
		LogIndex:     event.Ref.LogIndex,
		CurrentBatch: res.Pool.CurrentBatch,
		At:           at.UTC(),
	}
	switch event.Kind {
	case model.KindContributionAccepted:
		change.Topic = TopicContributionConfirmed
	case model.KindPayoutProcessed:
		change.Topic = TopicPayoutRecorded
		change.PayoutTxHash = event.Ref.TxHash
		if res.Payout != nil {
			change.Amount = res.Payout.Amount
		}
	default:
		return Change{}, false
	}
	return change, true
}

// Notifier receives applied changes.
type Notifier interface {
	Notify(ctx context.Context, change Change)
}

// Nop discards every change.
type Nop struct{}

func (Nop) Notify(context.Context, Change) {}

// Multi fans a change out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, change Change) {
	for _, n := range m {
		n.Notify(ctx, change)
	}
}
