package model

import "time"

// BatchSize is the number of accepted contributions that closes a batch.
const BatchSize = 5

// Pool holds the batch counters of one tier. LastPayoutIndex is the queue
// slot paid when LastPayoutBatch closed.
type Pool struct {
	Tier               Tier      `json:"tier"`
	ContributionAmount uint64    `json:"contribution_amount"`
	CurrentBatch       uint64    `json:"current_batch"`
	LastPayoutBatch    uint64    `json:"last_payout_batch"`
	LastPayoutIndex    uint64    `json:"last_payout_index"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Merge returns p with every counter raised to at least the value in other.
// Counters never move backwards; the payout index travels with the later
// payout batch.
func (p Pool) Merge(other Pool) Pool {
	if other.CurrentBatch > p.CurrentBatch {
		p.CurrentBatch = other.CurrentBatch
	}
	switch {
	case other.LastPayoutBatch > p.LastPayoutBatch:
		p.LastPayoutBatch = other.LastPayoutBatch
		p.LastPayoutIndex = other.LastPayoutIndex
	case other.LastPayoutBatch == p.LastPayoutBatch && other.LastPayoutIndex > p.LastPayoutIndex:
		p.LastPayoutIndex = other.LastPayoutIndex
	}
	if p.ContributionAmount == 0 {
		p.ContributionAmount = other.ContributionAmount
	}
	if other.UpdatedAt.After(p.UpdatedAt) {
		p.UpdatedAt = other.UpdatedAt
	}
	return p
}

// SyncCursor is the last block whose events have been durably applied.
type SyncCursor struct {
	LastProcessedBlock uint64    `json:"last_processed_block"`
	UpdatedAt          time.Time `json:"updated_at"`
}
