package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"poolsync/internal/model"
)

type codedError struct{ code int }

func (e codedError) Error() string  { return fmt.Sprintf("rpc error %d", e.code) }
func (e codedError) ErrorCode() int { return e.code }

func TestSortLogs(t *testing.T) {
	logs := []types.Log{
		{BlockNumber: 12, Index: 0},
		{BlockNumber: 10, Index: 3},
		{BlockNumber: 10, Index: 1},
		{BlockNumber: 11, Index: 0},
	}
	SortLogs(logs)

	got := make([][2]uint64, 0, len(logs))
	for _, l := range logs {
		got = append(got, [2]uint64{l.BlockNumber, uint64(l.Index)})
	}
	require.Equal(t, [][2]uint64{{10, 1}, {10, 3}, {11, 0}, {12, 0}}, got)
}

func TestClassify(t *testing.T) {
	err := classify("tx by hash", ethereum.NotFound)
	require.ErrorIs(t, err, model.ErrNotFound)
	require.False(t, model.IsNetwork(err))

	err = classify("filter logs", codedError{code: codeMethodNotFound})
	require.True(t, model.IsConfiguration(err))

	err = classify("filter logs", codedError{code: codeInvalidParams})
	require.True(t, model.IsConfiguration(err))

	err = classify("filter logs", codedError{code: -32000})
	require.True(t, model.IsNetwork(err))

	err = classify("latest block", errors.New("connection reset by peer"))
	require.True(t, model.IsNetwork(err))

	err = classify("latest block", fmt.Errorf("wrapped: %w", context.DeadlineExceeded))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, model.IsNetwork(err))
}

func TestFilterLogsRejectsBadRanges(t *testing.T) {
	c := &Client{maxBlockSpan: 10}
	ctx := context.Background()

	_, err := c.FilterLogs(ctx, 20, 19, nil, nil)
	require.Error(t, err)

	_, err = c.FilterLogs(ctx, 100, 110, nil, nil)
	require.ErrorContains(t, err, "exceeds max block span")
}

func TestSubscribeWithoutPushEndpoint(t *testing.T) {
	c := &Client{}
	require.False(t, c.CanSubscribe())

	_, err := c.SubscribeLogs(context.Background(), nil, nil, make(chan types.Log))
	require.ErrorIs(t, err, ErrSubscriptionUnavailable)
}

func TestFilterQuery(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	topic := common.HexToHash("0x01")

	q := filterQuery([]common.Address{addr}, []common.Hash{topic}, 5, 9)
	require.Equal(t, uint64(5), q.FromBlock.Uint64())
	require.Equal(t, uint64(9), q.ToBlock.Uint64())
	require.Equal(t, []common.Address{addr}, q.Addresses)
	require.Equal(t, [][]common.Hash{{topic}}, q.Topics)

	q = filterQuery(nil, nil, 1, 1)
	require.Nil(t, q.Topics)
}
