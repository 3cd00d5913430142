package contract

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"poolsync/internal/model"
)

// Decoder turns raw pool contract logs into model events.
type Decoder struct {
	poolABI   abi.ABI
	address   common.Address
	tiers     model.TierTable
	topicKind map[common.Hash]model.EventKind
}

// NewDecoder builds a decoder for logs emitted by address.
func NewDecoder(address common.Address, tiers model.TierTable) (*Decoder, error) {
	parsed, err := PoolABI()
	if err != nil {
		return nil, &model.ConfigurationError{Reason: "parse pool abi", Err: err}
	}
	if len(tiers) == 0 {
		return nil, &model.ConfigurationError{Reason: "tier table is empty"}
	}

	return &Decoder{
		poolABI: parsed,
		address: address,
		tiers:   tiers,
		topicKind: map[common.Hash]model.EventKind{
			parsed.Events["ContributionAccepted"].ID: model.KindContributionAccepted,
			parsed.Events["PayoutProcessed"].ID:      model.KindPayoutProcessed,
		},
	}, nil
}

// CanDecode checks if the log carries a tracked topic0 from the pool contract.
func (d *Decoder) CanDecode(log types.Log) bool {
	if len(log.Topics) == 0 || log.Address != d.address {
		return false
	}
	_, ok := d.topicKind[log.Topics[0]]
	return ok
}

// Decode converts a log into an Event.
func (d *Decoder) Decode(log types.Log) (model.Event, error) {
	if len(log.Topics) == 0 {
		return model.Event{}, fmt.Errorf("missing topics")
	}
	if log.Address != d.address {
		return model.Event{}, fmt.Errorf("unexpected emitter %s", log.Address.Hex())
	}
	kind, ok := d.topicKind[log.Topics[0]]
	if !ok {
		return model.Event{}, fmt.Errorf("unsupported topic0: %s", log.Topics[0].Hex())
	}

	event := d.poolABI.Events[string(kind)]
	contributor, values, err := unpackEvent(event, log)
	if err != nil {
		return model.Event{}, err
	}

	out := model.Event{
		Kind: kind,
		Ref: model.EventRef{
			BlockNumber: log.BlockNumber,
			BlockHash:   log.BlockHash.Hex(),
			TxHash:      model.CanonicalHash(log.TxHash.Hex()),
			LogIndex:    uint64(log.Index),
			Removed:     log.Removed,
		},
		Contributor: model.CanonicalAddress(contributor.Hex()),
	}

	switch kind {
	case model.KindContributionAccepted:
		if len(values) != 2 {
			return model.Event{}, fmt.Errorf("unexpected %s values: %d", kind, len(values))
		}
		if out.Tier, out.Batch, err = d.tierAndBatch(values[0], values[1]); err != nil {
			return model.Event{}, err
		}
	case model.KindPayoutProcessed:
		if len(values) != 3 {
			return model.Event{}, fmt.Errorf("unexpected %s values: %d", kind, len(values))
		}
		if out.Amount, err = asUint64(values[0]); err != nil {
			return model.Event{}, fmt.Errorf("amount: %w", err)
		}
		if out.Amount > math.MaxInt64 {
			return model.Event{}, fmt.Errorf("amount %d exceeds storable range", out.Amount)
		}
		if out.Tier, out.Batch, err = d.tierAndBatch(values[1], values[2]); err != nil {
			return model.Event{}, err
		}
	}

	return out, nil
}

func (d *Decoder) tierAndBatch(rawTier, rawBatch interface{}) (model.Tier, uint64, error) {
	tierValue, err := asUint64(rawTier)
	if err != nil {
		return 0, 0, fmt.Errorf("tier: %w", err)
	}
	tier, err := d.tiers.ParseTier(tierValue)
	if err != nil {
		return 0, 0, err
	}
	batch, err := asUint64(rawBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("batch: %w", err)
	}
	return tier, batch, nil
}

// unpackEvent returns the contributor and the remaining values in declaration order.
// A contributor emitted in data instead of a topic is accepted too.
func unpackEvent(event abi.Event, log types.Log) (common.Address, []interface{}, error) {
	switch len(log.Topics) {
	case 2:
		var indexed struct {
			Contributor common.Address
		}
		if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), log.Topics[1:]); err != nil {
			return common.Address{}, nil, fmt.Errorf("parse topics: %w", err)
		}
		values, err := event.Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("unpack %s: %w", event.Name, err)
		}
		return indexed.Contributor, values, nil
	case 1:
		values, err := dataArguments(event.Inputs).Unpack(log.Data)
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("unpack %s: %w", event.Name, err)
		}
		if len(values) == 0 {
			return common.Address{}, nil, fmt.Errorf("unpack %s: no values", event.Name)
		}
		contributor, ok := values[0].(common.Address)
		if !ok {
			return common.Address{}, nil, fmt.Errorf("unexpected contributor type %T", values[0])
		}
		return contributor, values[1:], nil
	default:
		return common.Address{}, nil, fmt.Errorf("expected 1 or 2 topics, got %d", len(log.Topics))
	}
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func dataArguments(args abi.Arguments) abi.Arguments {
	out := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		arg.Indexed = false
		out = append(out, arg)
	}
	return out
}

func asUint64(value interface{}) (uint64, error) {
	v, ok := value.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected type %T", value)
	}
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("value out of range: %s", v)
	}
	return v.Uint64(), nil
}
