// Package contracttest builds pool contract logs for tests.
package contracttest

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"poolsync/internal/contract"
)

// PoolAddress is the contract address used across tests.
var PoolAddress = common.HexToAddress("0x5555555555555555555555555555555555555555")

// Accepted builds a ContributionAccepted log.
func Accepted(block uint64, index uint, txHash common.Hash, contributor common.Address, tier, batch uint64) types.Log {
	parsed, err := contract.PoolABI()
	if err != nil {
		panic(err)
	}
	event := parsed.Events["ContributionAccepted"]
	data, err := event.Inputs.NonIndexed().Pack(new(big.Int).SetUint64(tier), new(big.Int).SetUint64(batch))
	if err != nil {
		panic(err)
	}
	return buildLog(block, index, txHash, event.ID, contributor, data)
}

// Payout builds a PayoutProcessed log.
func Payout(block uint64, index uint, txHash common.Hash, contributor common.Address, amount, tier, batch uint64) types.Log {
	parsed, err := contract.PoolABI()
	if err != nil {
		panic(err)
	}
	event := parsed.Events["PayoutProcessed"]
	data, err := event.Inputs.NonIndexed().Pack(
		new(big.Int).SetUint64(amount),
		new(big.Int).SetUint64(tier),
		new(big.Int).SetUint64(batch),
	)
	if err != nil {
		panic(err)
	}
	return buildLog(block, index, txHash, event.ID, contributor, data)
}

// TxHash derives a deterministic transaction hash from a seed.
func TxHash(seed uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(0xabc000 + seed))
}

// Address derives a deterministic contributor address from a seed.
func Address(seed uint64) common.Address {
	return common.BigToAddress(new(big.Int).SetUint64(0x1000 + seed))
}

func buildLog(block uint64, index uint, txHash, topic0 common.Hash, contributor common.Address, data []byte) types.Log {
	return types.Log{
		Address:     PoolAddress,
		Topics:      []common.Hash{topic0, common.BytesToHash(contributor.Bytes())},
		Data:        data,
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      txHash,
		Index:       index,
	}
}
