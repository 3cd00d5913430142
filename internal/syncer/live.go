package syncer

import (
	"github.com/ethereum/go-ethereum/core/types"

	"poolsync/internal/chain"
)

// heldLogs buffers pushed logs until they sit confirmations blocks below the
// newest block seen on the subscription.
type heldLogs struct {
	depth uint64
	head  uint64
	logs  []types.Log
}

// add buffers log and raises the head estimate. A removed log cancels its
// buffered twin; add reports false when there was none to cancel.
func (h *heldLogs) add(log types.Log) bool {
	if log.Removed {
		for i, held := range h.logs {
			if held.TxHash == log.TxHash && held.Index == log.Index && held.BlockHash == log.BlockHash {
				h.logs = append(h.logs[:i], h.logs[i+1:]...)
				return true
			}
		}
		return false
	}
	if log.BlockNumber > h.head {
		h.head = log.BlockNumber
	}
	h.logs = append(h.logs, log)
	return true
}

// ready removes and returns the logs that reached the confirmation depth, in
// chain order.
func (h *heldLogs) ready() []types.Log {
	var out, keep []types.Log
	for _, log := range h.logs {
		if log.BlockNumber+h.depth <= h.head {
			out = append(out, log)
		} else {
			keep = append(keep, log)
		}
	}
	h.logs = keep
	chain.SortLogs(out)
	return out
}

// prune drops logs at or below block, which a sweep has already applied.
func (h *heldLogs) prune(block uint64) {
	keep := h.logs[:0]
	for _, log := range h.logs {
		if log.BlockNumber > block {
			keep = append(keep, log)
		}
	}
	h.logs = keep
}

func (h *heldLogs) len() int {
	return len(h.logs)
}
