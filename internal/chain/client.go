// Package chain talks to the ledger over JSON-RPC. The pull endpoint serves
// range queries and lookups; the optional push endpoint serves log
// subscriptions.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"poolsync/internal/model"
)

// ErrSubscriptionUnavailable is returned by SubscribeLogs when no push
// endpoint is configured.
var ErrSubscriptionUnavailable = errors.New("log subscription endpoint not configured")

// Client wraps the go-ethereum RPC clients for both endpoints.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client

	wsClient *rpc.Client
	wsEth    *ethclient.Client

	maxBlockSpan uint64

	mu      sync.RWMutex
	tsCache map[uint64]uint64
}

// Options configures the endpoints.
type Options struct {
	RPCURL       string
	WSURL        string
	MaxBlockSpan uint64
}

// NewClient dials the pull endpoint and, when set, the push endpoint.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.RPCURL == "" {
		return nil, &model.ConfigurationError{Reason: "rpc url is required"}
	}
	rpcClient, err := rpc.DialContext(ctx, opts.RPCURL)
	if err != nil {
		return nil, &model.ConfigurationError{Reason: "dial rpc endpoint", Err: err}
	}

	c := &Client{
		rpcClient:    rpcClient,
		ethClient:    ethclient.NewClient(rpcClient),
		maxBlockSpan: opts.MaxBlockSpan,
		tsCache:      make(map[uint64]uint64),
	}
	if opts.WSURL != "" {
		wsClient, err := rpc.DialContext(ctx, opts.WSURL)
		if err != nil {
			rpcClient.Close()
			return nil, &model.ConfigurationError{Reason: "dial websocket endpoint", Err: err}
		}
		c.wsClient = wsClient
		c.wsEth = ethclient.NewClient(wsClient)
	}
	return c, nil
}

// Close closes both endpoints.
func (c *Client) Close() {
	if c.wsClient != nil {
		c.wsClient.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// CanSubscribe reports whether a push endpoint is configured.
func (c *Client) CanSubscribe() bool {
	return c.wsEth != nil
}

// ChainID returns the chain id reported by the pull endpoint.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	id, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return 0, classify("chain id", err)
	}
	return id.Uint64(), nil
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.ethClient.BlockNumber(ctx)
	if err != nil {
		return 0, classify("block number", err)
	}
	return n, nil
}

// BlockTimestamp returns the block timestamp, using an in-memory cache.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	c.mu.RLock()
	ts, ok := c.tsCache[number]
	c.mu.RUnlock()
	if ok {
		return ts, nil
	}

	header, err := c.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, classify("header by number", err)
	}

	ts = header.Time
	c.mu.Lock()
	c.tsCache[number] = ts
	c.mu.Unlock()

	return ts, nil
}

// TransactionByHash returns model.ErrNotFound for unknown transactions.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	tx, pending, err := c.ethClient.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, false, classify("transaction by hash", err)
	}
	return tx, pending, nil
}

// TransactionReceipt returns model.ErrNotFound for unknown or unmined
// transactions.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := c.ethClient.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, classify("transaction receipt", err)
	}
	return receipt, nil
}

// FilterLogs returns logs in [fromBlock, toBlock] for addresses and topic0
// filters, ordered by block then log index.
func (c *Client) FilterLogs(
	ctx context.Context,
	fromBlock uint64,
	toBlock uint64,
	addresses []common.Address,
	topic0 []common.Hash,
) ([]types.Log, error) {
	if toBlock < fromBlock {
		return nil, fmt.Errorf("invalid range %d-%d", fromBlock, toBlock)
	}
	if c.maxBlockSpan > 0 && toBlock-fromBlock+1 > c.maxBlockSpan {
		return nil, fmt.Errorf("range %d-%d exceeds max block span %d", fromBlock, toBlock, c.maxBlockSpan)
	}
	logs, err := c.ethClient.FilterLogs(ctx, filterQuery(addresses, topic0, fromBlock, toBlock))
	if err != nil {
		return nil, classify("filter logs", err)
	}
	SortLogs(logs)
	return logs, nil
}

// SubscribeLogs streams new logs matching the filter into ch.
func (c *Client) SubscribeLogs(ctx context.Context, addresses []common.Address, topic0 []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error) {
	if c.wsEth == nil {
		return nil, ErrSubscriptionUnavailable
	}
	query := ethereum.FilterQuery{Addresses: addresses}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}
	sub, err := c.wsEth.SubscribeFilterLogs(ctx, query, ch)
	if err != nil {
		return nil, classify("subscribe logs", err)
	}
	return sub, nil
}

// VerifyDeployment checks the endpoint serves the expected chain and that
// code exists at the contract address.
func (c *Client) VerifyDeployment(ctx context.Context, chainID uint64, contract common.Address) error {
	if chainID != 0 {
		got, err := c.ChainID(ctx)
		if err != nil {
			return err
		}
		if got != chainID {
			return &model.ConfigurationError{Reason: fmt.Sprintf("endpoint serves chain %d, expected %d", got, chainID)}
		}
	}
	code, err := c.ethClient.CodeAt(ctx, contract, nil)
	if err != nil {
		return classify("code at", err)
	}
	if len(code) == 0 {
		return &model.ConfigurationError{Reason: fmt.Sprintf("no contract code at %s", contract.Hex())}
	}
	return nil
}

func filterQuery(addresses []common.Address, topic0 []common.Hash, fromBlock, toBlock uint64) ethereum.FilterQuery {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addresses,
	}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}
	return query
}

// SortLogs orders logs by block number then log index.
func SortLogs(logs []types.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
}

// JSON-RPC codes that point at a misconfigured endpoint rather than a
// transient failure.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

func classify(op string, err error) error {
	switch {
	case errors.Is(err, ethereum.NotFound):
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeMethodNotFound, codeInvalidParams:
			return &model.ConfigurationError{Reason: op, Err: err}
		}
	}
	return &model.NetworkError{Op: op, Err: err}
}
