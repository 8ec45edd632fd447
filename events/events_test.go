// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package events

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phamhongphuc1999/bundler/entrypoint"
	"github.com/phamhongphuc1999/bundler/mempool"
	"github.com/phamhongphuc1999/bundler/reputation"
	"github.com/phamhongphuc1999/bundler/userop"
)

var (
	epAddr     = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	sender     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	pmAddr     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	factory    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	aggregator = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

type fakeSub struct {
	err chan error
}

func (s *fakeSub) Unsubscribe()      {}
func (s *fakeSub) Err() <-chan error { return s.err }

type fakeNode struct {
	head    uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
	subCh   chan<- types.Log
	subErr  error
}

func (n *fakeNode) BlockNumber(_ context.Context) (uint64, error) {
	return n.head, nil
}

func (n *fakeNode) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	n.queries = append(n.queries, q)
	return n.logs, nil
}

func (n *fakeNode) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if n.subErr != nil {
		return nil, n.subErr
	}
	n.subCh = ch
	return &fakeSub{err: make(chan error)}, nil
}

type zeroStakeReader struct{}

func (zeroStakeReader) GetDepositInfo(context.Context, common.Address) (*entrypoint.DepositInfo, error) {
	return &entrypoint.DepositInfo{Deposit: new(big.Int), Stake: new(big.Int)}, nil
}

type env struct {
	node *fakeNode
	pool *mempool.Pool
	rep  *reputation.Manager
	mgr  *Manager
}

func newEnv(head uint64) *env {
	node := &fakeNode{head: head}
	rep := reputation.New(reputation.BundlerParams, big.NewInt(1e18), 86400, zeroStakeReader{}, nil, nil)
	pool := mempool.New(rep)
	return &env{
		node: node,
		pool: pool,
		rep:  rep,
		mgr:  New(node, pool, rep, epAddr),
	}
}

func (e *env) addOp(t *testing.T) *mempool.Entry {
	t.Helper()
	op := &userop.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(0),
		MaxFeePerGas:         big.NewInt(1000),
		MaxPriorityFeePerGas: big.NewInt(100),
	}
	entry := &mempool.Entry{Op: op, Hash: crypto.Keccak256Hash(sender.Bytes())}
	require.NoError(t, e.pool.Add(context.Background(), entry))
	return entry
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func userOpEventLog(t *testing.T, opHash common.Hash, block uint64, tx common.Hash) types.Log {
	t.Helper()
	data, err := entrypoint.ABI.Events["UserOperationEvent"].Inputs.NonIndexed().Pack(
		big.NewInt(0), true, big.NewInt(100), big.NewInt(50),
	)
	require.NoError(t, err)
	return types.Log{
		Address:     epAddr,
		Topics:      []common.Hash{entrypoint.UserOperationEventTopic, opHash, addrTopic(sender), addrTopic(pmAddr)},
		Data:        data,
		BlockNumber: block,
		TxHash:      tx,
	}
}

func accountDeployedLog(t *testing.T, opHash common.Hash, block uint64) types.Log {
	t.Helper()
	data, err := entrypoint.ABI.Events["AccountDeployed"].Inputs.NonIndexed().Pack(factory, pmAddr)
	require.NoError(t, err)
	return types.Log{
		Address:     epAddr,
		Topics:      []common.Hash{entrypoint.AccountDeployedTopic, opHash, addrTopic(sender)},
		Data:        data,
		BlockNumber: block,
	}
}

func aggregatorChangedLog(block uint64, tx common.Hash) types.Log {
	return types.Log{
		Address:     epAddr,
		Topics:      []common.Hash{entrypoint.SignatureAggregatorChangedTopic, addrTopic(aggregator)},
		BlockNumber: block,
		TxHash:      tx,
	}
}

func includedCount(t *testing.T, rep *reputation.Manager, addr common.Address) uint64 {
	t.Helper()
	for _, entry := range rep.Dump() {
		if entry.Address == addr {
			return entry.OpsIncluded
		}
	}
	return 0
}

func TestHandlePastEventsRemovesMinedOp(t *testing.T) {
	e := newEnv(5000)
	entry := e.addOp(t)
	e.node.logs = []types.Log{userOpEventLog(t, entry.Hash, 4500, common.HexToHash("0x01"))}

	require.NoError(t, e.mgr.HandlePastEvents(context.Background()))

	assert.Equal(t, 0, e.pool.Count(), "mined op leaves the pool")
	assert.Equal(t, uint64(1), includedCount(t, e.rep, sender))
	assert.Equal(t, uint64(1), includedCount(t, e.rep, pmAddr))
}

func TestHandlePastEventsCursor(t *testing.T) {
	e := newEnv(5000)
	e.node.logs = []types.Log{userOpEventLog(t, common.HexToHash("0xaa"), 4500, common.HexToHash("0x01"))}

	require.NoError(t, e.mgr.HandlePastEvents(context.Background()))
	require.Len(t, e.node.queries, 1)
	assert.Equal(t, int64(4000), e.node.queries[0].FromBlock.Int64(), "first pass looks back a fixed window")
	assert.Equal(t, []common.Address{epAddr}, e.node.queries[0].Addresses)

	e.node.logs = nil
	require.NoError(t, e.mgr.HandlePastEvents(context.Background()))
	require.Len(t, e.node.queries, 2)
	assert.Equal(t, int64(4501), e.node.queries[1].FromBlock.Int64(), "cursor advances past handled logs")
}

func TestHandlePastEventsShortChain(t *testing.T) {
	e := newEnv(10)
	require.NoError(t, e.mgr.HandlePastEvents(context.Background()))
	require.Len(t, e.node.queries, 1)
	assert.Equal(t, int64(1), e.node.queries[0].FromBlock.Int64())
}

func TestAccountDeployedCreditsFactory(t *testing.T) {
	e := newEnv(5000)
	e.node.logs = []types.Log{accountDeployedLog(t, common.HexToHash("0xaa"), 4500)}

	require.NoError(t, e.mgr.HandlePastEvents(context.Background()))
	assert.Equal(t, uint64(1), includedCount(t, e.rep, factory))
}

func TestAggregatorCreditedOncePerOp(t *testing.T) {
	e := newEnv(5000)
	tx := common.HexToHash("0x01")
	e.node.logs = []types.Log{
		aggregatorChangedLog(4500, tx),
		userOpEventLog(t, common.HexToHash("0xaa"), 4500, tx),
	}

	require.NoError(t, e.mgr.HandlePastEvents(context.Background()))
	assert.Equal(t, uint64(1), includedCount(t, e.rep, aggregator))
}

func TestAggregatorOtherTxIgnored(t *testing.T) {
	e := newEnv(5000)
	e.node.logs = []types.Log{
		aggregatorChangedLog(4500, common.HexToHash("0x01")),
		userOpEventLog(t, common.HexToHash("0xaa"), 4501, common.HexToHash("0x02")),
	}

	require.NoError(t, e.mgr.HandlePastEvents(context.Background()))
	assert.Equal(t, uint64(0), includedCount(t, e.rep, aggregator))
}

func TestUnknownTopicIgnored(t *testing.T) {
	e := newEnv(5000)
	e.node.logs = []types.Log{{
		Address:     epAddr,
		Topics:      []common.Hash{common.HexToHash("0xdead")},
		BlockNumber: 4500,
	}}
	require.NoError(t, e.mgr.HandlePastEvents(context.Background()))
	assert.Empty(t, e.rep.Dump())
}

func TestStartStop(t *testing.T) {
	e := newEnv(5000)
	entry := e.addOp(t)

	require.NoError(t, e.mgr.Start(context.Background()))
	require.NoError(t, e.mgr.Start(context.Background()), "second start is a no-op")
	require.NotNil(t, e.node.subCh)

	e.node.subCh <- userOpEventLog(t, entry.Hash, 5001, common.HexToHash("0x01"))
	assert.Eventually(t, func() bool {
		return e.pool.Count() == 0
	}, time.Second, 5*time.Millisecond)

	e.mgr.Stop()
	e.mgr.Stop() // idempotent
}
