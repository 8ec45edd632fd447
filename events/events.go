// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package events reconciles the mempool with the chain: it replays past
// EntryPoint logs to drop mined operations and credit inclusions, and can
// attach a live subscription to shorten the loop.
package events

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/phamhongphuc1999/bundler/cache"
	"github.com/phamhongphuc1999/bundler/entrypoint"
	"github.com/phamhongphuc1999/bundler/log"
	"github.com/phamhongphuc1999/bundler/mempool"
	"github.com/phamhongphuc1999/bundler/metrics"
	"github.com/phamhongphuc1999/bundler/reputation"
)

var (
	logger              = log.WithContext("pkg", "events")
	metricIncludedCount = metrics.LazyLoadCounter("ops_included_count")
)

// how far back the first reconciliation reaches.
const initialLookback = 1000

// Node is the log query surface the manager needs.
type Node interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Manager watches the EntryPoint's event stream.
type Manager struct {
	node       Node
	pool       *mempool.Pool
	rep        *reputation.Manager
	entryPoint common.Address

	mu        sync.Mutex
	lastBlock uint64
	started   bool
	// aggregator announced for a tx, keyed by tx hash; consulted by the
	// UserOperationEvent of the same transaction.
	aggregatorByTx *cache.LRU

	stop chan struct{}
	done chan struct{}
}

// New creates an events manager for the given EntryPoint.
func New(node Node, pool *mempool.Pool, rep *reputation.Manager, entryPoint common.Address) *Manager {
	aggregators, err := cache.NewLRU(128)
	if err != nil {
		panic(err)
	}
	return &Manager{
		node:           node,
		pool:           pool,
		rep:            rep,
		entryPoint:     entryPoint,
		aggregatorByTx: aggregators,
	}
}

// HandlePastEvents replays EntryPoint logs from the cursor to the head and
// applies them to the mempool and reputation state.
func (m *Manager) HandlePastEvents(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	head, err := m.node.BlockNumber(ctx)
	if err != nil {
		return errors.Wrap(err, "block number")
	}
	if m.lastBlock == 0 {
		if head > initialLookback {
			m.lastBlock = head - initialLookback
		} else {
			m.lastBlock = 1
		}
	}

	logs, err := m.node.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(m.lastBlock),
		Addresses: []common.Address{m.entryPoint},
	})
	if err != nil {
		return errors.Wrap(err, "query entrypoint logs")
	}
	for i := range logs {
		m.handleEvent(&logs[i])
	}
	return nil
}

func (m *Manager) handleEvent(ev *types.Log) {
	if len(ev.Topics) == 0 {
		return
	}
	switch ev.Topics[0] {
	case entrypoint.UserOperationEventTopic:
		m.handleUserOperationEvent(ev)
	case entrypoint.AccountDeployedTopic:
		m.handleAccountDeployed(ev)
	case entrypoint.SignatureAggregatorChangedTopic:
		m.handleAggregatorChanged(ev)
	}
	if ev.BlockNumber >= m.lastBlock {
		m.lastBlock = ev.BlockNumber + 1
	}
}

func (m *Manager) handleUserOperationEvent(ev *types.Log) {
	parsed, err := entrypoint.ParseUserOperationEvent(*ev)
	if err != nil {
		logger.Warn("malformed UserOperationEvent", "err", err)
		return
	}
	if m.pool.RemoveByHash(parsed.UserOpHash) {
		logger.Debug("op mined, removed from mempool", "hash", parsed.UserOpHash, "tx", ev.TxHash)
	}
	metricIncludedCount().Add(1)
	m.rep.UpdateIncluded(parsed.Sender)
	m.rep.UpdateIncluded(parsed.Paymaster)
	if agg := m.aggregatorOfTx(ev.TxHash); agg != nil {
		m.rep.UpdateIncluded(*agg)
	}
}

func (m *Manager) handleAccountDeployed(ev *types.Log) {
	parsed, err := entrypoint.ParseAccountDeployed(*ev)
	if err != nil {
		logger.Warn("malformed AccountDeployed", "err", err)
		return
	}
	m.rep.UpdateIncluded(parsed.Factory)
}

func (m *Manager) handleAggregatorChanged(ev *types.Log) {
	aggregator, err := entrypoint.ParseSignatureAggregatorChanged(*ev)
	if err != nil {
		logger.Warn("malformed SignatureAggregatorChanged", "err", err)
		return
	}
	m.aggregatorByTx.Add(ev.TxHash, aggregator)
}

// aggregatorOfTx returns the aggregator announced earlier in the same
// transaction, if any.
func (m *Manager) aggregatorOfTx(txHash common.Hash) *common.Address {
	if v, ok := m.aggregatorByTx.Get(txHash); ok {
		addr := v.(common.Address)
		return &addr
	}
	return nil
}

// Start attaches a live UserOperationEvent subscription so mined ops leave
// the pool without waiting for the next replay.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	ch := make(chan types.Log, 64)
	sub, err := m.node.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{m.entryPoint},
		Topics:    [][]common.Hash{{entrypoint.UserOperationEventTopic}},
	}, ch)
	if err != nil {
		return errors.Wrap(err, "subscribe UserOperationEvent")
	}

	m.started = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		defer sub.Unsubscribe()
		for {
			select {
			case ev := <-ch:
				m.mu.Lock()
				m.handleEvent(&ev)
				m.mu.Unlock()
			case err := <-sub.Err():
				if err != nil {
					logger.Warn("event subscription dropped", "err", err)
				}
				return
			case <-m.stop:
				return
			}
		}
	}()
	return nil
}

// Stop detaches the live subscription.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()
	<-done
}
