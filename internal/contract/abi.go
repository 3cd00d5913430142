package contract

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const poolABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "contributor", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "tier", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "batch", "type": "uint256"}
    ],
    "name": "ContributionAccepted",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "contributor", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "tier", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "batch", "type": "uint256"}
    ],
    "name": "PayoutProcessed",
    "type": "event"
  }
]`

var (
	poolABI     abi.ABI
	poolABIOnce sync.Once
	poolABIErr  error
)

// PoolABI returns the parsed event ABI of the pool contract.
func PoolABI() (abi.ABI, error) {
	poolABIOnce.Do(func() {
		poolABI, poolABIErr = abi.JSON(strings.NewReader(poolABIJSON))
	})
	return poolABI, poolABIErr
}

// Topics returns the topic0 hashes of the tracked events.
func Topics() ([]common.Hash, error) {
	parsed, err := PoolABI()
	if err != nil {
		return nil, err
	}
	return []common.Hash{
		parsed.Events["ContributionAccepted"].ID,
		parsed.Events["PayoutProcessed"].ID,
	}, nil
}
