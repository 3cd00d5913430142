package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"poolsync/internal/model"
)

// fakeLedger is an in-memory chain with one optional live subscription.
type fakeLedger struct {
	mu            sync.Mutex
	head          uint64
	logs          []types.Log
	filterErrs    int
	filterFatal   error
	subscribeErr  error
	subscriptions int
	conn          *liveConn
}

type liveConn struct {
	logs chan types.Log
	kill chan error
	dead chan struct{}
}

func (f *fakeLedger) LatestBlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeLedger) FilterLogs(_ context.Context, from, to uint64, addresses []common.Address, _ []common.Hash) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.filterFatal != nil {
		return nil, f.filterFatal
	}
	if f.filterErrs > 0 {
		f.filterErrs--
		return nil, &model.NetworkError{Op: "filter logs", Err: errors.New("connection reset by peer")}
	}

	var out []types.Log
	for _, log := range f.logs {
		if log.BlockNumber < from || log.BlockNumber > to {
			continue
		}
		if len(addresses) > 0 && log.Address != addresses[0] {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

func (f *fakeLedger) SubscribeLogs(_ context.Context, _ []common.Address, _ []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}

	conn := &liveConn{
		logs: make(chan types.Log),
		kill: make(chan error, 1),
		dead: make(chan struct{}),
	}
	f.conn = conn
	f.subscriptions++

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer close(conn.dead)
		for {
			select {
			case <-quit:
				return nil
			case err := <-conn.kill:
				return err
			case log := <-conn.logs:
				select {
				case ch <- log:
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

// emit appends logs to the chain and pushes them to a live subscriber.
func (f *fakeLedger) emit(logs ...types.Log) {
	f.mu.Lock()
	conn := f.conn
	for _, log := range logs {
		f.logs = append(f.logs, log)
		if log.BlockNumber > f.head {
			f.head = log.BlockNumber
		}
	}
	f.mu.Unlock()

	conn.push(logs...)
}

// mine appends logs to the chain without pushing them to the subscriber.
func (f *fakeLedger) mine(logs ...types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, log := range logs {
		f.logs = append(f.logs, log)
		if log.BlockNumber > f.head {
			f.head = log.BlockNumber
		}
	}
}

// reorg drops log from the chain and pushes its removed copy.
func (f *fakeLedger) reorg(log types.Log) {
	f.mu.Lock()
	kept := f.logs[:0]
	for _, l := range f.logs {
		if l.BlockNumber == log.BlockNumber && l.TxHash == log.TxHash && l.Index == log.Index {
			continue
		}
		kept = append(kept, l)
	}
	f.logs = kept
	conn := f.conn
	f.mu.Unlock()

	log.Removed = true
	conn.push(log)
}

func (c *liveConn) push(logs ...types.Log) {
	if c == nil {
		return
	}
	for _, log := range logs {
		select {
		case c.logs <- log:
		case <-c.dead:
			return
		case <-time.After(time.Second):
			return
		}
	}
}

// drop kills the live subscription with an error.
func (f *fakeLedger) drop() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		conn.kill <- errors.New("websocket: close 1006 (abnormal closure)")
	}
}

func (f *fakeLedger) setHead(head uint64) {
	f.mu.Lock()
	f.head = head
	f.mu.Unlock()
}

func (f *fakeLedger) subscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscriptions
}

func (f *fakeLedger) live() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil
}
