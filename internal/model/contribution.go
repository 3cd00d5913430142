package model

import (
	"strings"
	"time"
)

// ContributionStatus is the lifecycle stage of a contribution.
type ContributionStatus string

const (
	StatusPending   ContributionStatus = "pending"
	StatusConfirmed ContributionStatus = "confirmed"
	StatusPaid      ContributionStatus = "paid"
)

func (s ContributionStatus) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusConfirmed:
		return 2
	case StatusPaid:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s ContributionStatus) Valid() bool {
	return s.rank() > 0
}

// Precedes reports whether moving from s to next is a forward transition.
func (s ContributionStatus) Precedes(next ContributionStatus) bool {
	return s.Valid() && next.Valid() && s.rank() < next.rank()
}

// Contribution is the off-chain record of one contribution transaction.
type Contribution struct {
	TxHash            string             `json:"tx_hash"`
	Contributor       string             `json:"contributor"`
	Tier              Tier               `json:"tier"`
	Batch             uint64             `json:"batch"`
	Amount            uint64             `json:"amount"`
	Status            ContributionStatus `json:"status"`
	CreatedAt         time.Time          `json:"created_at"`
	ConfirmedBlock    uint64             `json:"confirmed_block,omitempty"`
	ConfirmedLogIndex uint64             `json:"confirmed_log_index,omitempty"`
	PaidAt            *time.Time         `json:"paid_at,omitempty"`
	PayoutTxHash      string             `json:"payout_tx_hash,omitempty"`
}

// StatusUpdate describes a forward transition of a contribution record.
type StatusUpdate struct {
	TxHash            string
	Status            ContributionStatus
	Batch             *uint64
	ConfirmedBlock    uint64
	ConfirmedLogIndex uint64
	PaidAt            *time.Time
	PayoutTxHash      string
}

// Payout is the record of one disbursement to a contributor.
type Payout struct {
	Tier               Tier      `json:"tier"`
	Batch              uint64    `json:"batch"`
	Recipient          string    `json:"recipient"`
	Amount             uint64    `json:"amount"`
	TxHash             string    `json:"tx_hash"`
	LogIndex           uint64    `json:"log_index"`
	BlockNumber        uint64    `json:"block_number"`
	ContributionTxHash string    `json:"contribution_tx_hash"`
	ProcessedAt        time.Time `json:"processed_at"`
}

// CanonicalAddress lowercases a hex address for storage and comparison.
func CanonicalAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// CanonicalHash lowercases a hex transaction hash.
func CanonicalHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
