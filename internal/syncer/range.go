package syncer

import "fmt"

// BlockRange is an inclusive block range.
type BlockRange struct {
	From uint64
	To   uint64
}

func (r BlockRange) Len() uint64 {
	return r.To - r.From + 1
}

// SplitRange splits [from, to] into ranges of at most span blocks.
func SplitRange(from, to, span uint64) ([]BlockRange, error) {
	if span == 0 {
		return nil, fmt.Errorf("block span must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block must be >= from block")
	}

	ranges := make([]BlockRange, 0, (to-from)/span+1)
	for start := from; ; {
		end := to
		if to-start >= span {
			end = start + span - 1
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to {
			break
		}
		start = end + 1
	}
	return ranges, nil
}

// sweepWindow returns the blocks one sweep covers. A missing cursor starts
// lookback blocks behind head. The window ends at head minus confirmations
// and spans at most limit blocks when limit is set. ok is false when there is
// nothing to do.
func sweepWindow(cursor uint64, hasCursor bool, head, confirmations, lookback, limit uint64) (window BlockRange, complete, ok bool) {
	if head < confirmations {
		return BlockRange{}, true, false
	}
	target := head - confirmations

	var from uint64
	switch {
	case hasCursor:
		from = cursor + 1
	case head > lookback:
		from = head - lookback
	}
	if from > target {
		return BlockRange{}, true, false
	}

	to := target
	if limit > 0 && to-from+1 > limit {
		to = from + limit - 1
	}
	return BlockRange{From: from, To: to}, to == target, true
}
