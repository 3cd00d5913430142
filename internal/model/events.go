package model

// EventKind names a contract event tracked by the engine.
type EventKind string

const (
	KindContributionAccepted EventKind = "ContributionAccepted"
	KindPayoutProcessed      EventKind = "PayoutProcessed"
)

// EventRef locates an event on the ledger.
type EventRef struct {
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint64 `json:"log_index"`
	Removed     bool   `json:"removed,omitempty"`
}

// Event is a decoded pool event. Amount is only set for payouts.
type Event struct {
	Kind        EventKind `json:"kind"`
	Ref         EventRef  `json:"ref"`
	Contributor string    `json:"contributor"`
	Tier        Tier      `json:"tier"`
	Batch       uint64    `json:"batch"`
	Amount      uint64    `json:"amount,omitempty"`
}
