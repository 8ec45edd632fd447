// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package mempool

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phamhongphuc1999/bundler/entrypoint"
	"github.com/phamhongphuc1999/bundler/reputation"
	"github.com/phamhongphuc1999/bundler/rpcerr"
	"github.com/phamhongphuc1999/bundler/userop"
)

var (
	senderA   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	senderB   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	paymaster = common.HexToAddress("0x3333333333333333333333333333333333333333")
	factory   = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

type noStakeReader struct{}

func (noStakeReader) GetDepositInfo(context.Context, common.Address) (*entrypoint.DepositInfo, error) {
	return &entrypoint.DepositInfo{Deposit: new(big.Int), Stake: new(big.Int)}, nil
}

func newTestPool() *Pool {
	rep := reputation.New(reputation.BundlerParams, big.NewInt(1e18), 86400, noStakeReader{}, nil, nil)
	return New(rep)
}

func poolOp(sender common.Address, nonce int64) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(nonce),
		MaxFeePerGas:         big.NewInt(1000),
		MaxPriorityFeePerGas: big.NewInt(100),
	}
}

func poolEntry(op *userop.UserOperation) *Entry {
	return &Entry{
		Op:      op,
		Hash:    crypto.Keccak256Hash(op.Sender.Bytes(), common.BigToHash(op.Nonce).Bytes(), op.MaxPriorityFeePerGas.Bytes()),
		Prefund: big.NewInt(1),
	}
}

func mustAdd(t *testing.T, p *Pool, op *userop.UserOperation) *Entry {
	t.Helper()
	entry := poolEntry(op)
	require.NoError(t, p.Add(context.Background(), entry))
	return entry
}

func TestAddAndEntryCounts(t *testing.T) {
	p := newTestPool()

	op := poolOp(senderA, 0)
	op.PaymasterAndData = paymaster.Bytes()
	op.InitCode = factory.Bytes()
	entry := mustAdd(t, p, op)

	assert.Equal(t, 1, p.Count())
	assert.Equal(t, uint64(1), p.EntryCount(senderA))
	assert.Equal(t, uint64(1), p.EntryCount(paymaster))
	assert.Equal(t, uint64(1), p.EntryCount(factory))

	require.True(t, p.RemoveByHash(entry.Hash))
	assert.Equal(t, 0, p.Count())
	assert.Equal(t, uint64(0), p.EntryCount(senderA))
	assert.Equal(t, uint64(0), p.EntryCount(paymaster))
	assert.Equal(t, uint64(0), p.EntryCount(factory))

	assert.False(t, p.RemoveByHash(entry.Hash), "double remove is a no-op")
}

func TestEntryCountRollbackOnReject(t *testing.T) {
	p := newTestPool()
	mustAdd(t, p, poolOp(senderA, 0))

	// a paymaster that is also a pooled sender violates the multi-role rule
	op := poolOp(senderB, 0)
	op.PaymasterAndData = senderA.Bytes()
	err := p.Add(context.Background(), poolEntry(op))
	require.Error(t, err)

	assert.Equal(t, uint64(0), p.EntryCount(senderB), "rejected add must not leak counters")
	assert.Equal(t, uint64(1), p.EntryCount(senderA))
}

func TestReplacement(t *testing.T) {
	p := newTestPool()
	mustAdd(t, p, poolOp(senderA, 0))

	// +9% on priority fee is not enough
	lowBump := poolOp(senderA, 0)
	lowBump.MaxPriorityFeePerGas = big.NewInt(109)
	lowBump.MaxFeePerGas = big.NewInt(1100)
	err := p.Add(context.Background(), poolEntry(lowBump))
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.CodeInvalidParams))

	// exactly +10% on both fees replaces
	bump := poolOp(senderA, 0)
	bump.MaxPriorityFeePerGas = big.NewInt(110)
	bump.MaxFeePerGas = big.NewInt(1100)
	entry := poolEntry(bump)
	require.NoError(t, p.Add(context.Background(), entry))

	assert.Equal(t, 1, p.Count(), "replacement keeps one op per (sender, nonce)")
	got, ok := p.Get(entry.Hash)
	require.True(t, ok)
	assert.Equal(t, int64(110), got.Op.MaxPriorityFeePerGas.Int64())

	// both fees must grow; bumping only one fails
	onlyPriority := poolOp(senderA, 0)
	onlyPriority.MaxPriorityFeePerGas = big.NewInt(200)
	onlyPriority.MaxFeePerGas = big.NewInt(1100)
	err = p.Add(context.Background(), poolEntry(onlyPriority))
	assert.Error(t, err)
}

func TestOneOpPerSenderNonce(t *testing.T) {
	p := newTestPool()
	mustAdd(t, p, poolOp(senderA, 0))
	mustAdd(t, p, poolOp(senderA, 1))
	assert.Equal(t, 2, p.Count())
	assert.Equal(t, uint64(2), p.EntryCount(senderA))
}

func TestMultiRoleRejection(t *testing.T) {
	p := newTestPool()

	withPaymaster := poolOp(senderA, 0)
	withPaymaster.PaymasterAndData = paymaster.Bytes()
	mustAdd(t, p, withPaymaster)

	// the pooled paymaster may not turn up as a sender
	err := p.Add(context.Background(), poolEntry(poolOp(paymaster, 0)))
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.CodeOpcodeValidation))

	// a pooled sender may not turn up as a factory
	op := poolOp(senderB, 0)
	op.InitCode = senderA.Bytes()
	err = p.Add(context.Background(), poolEntry(op))
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.CodeOpcodeValidation))
}

func TestThrottledEntityQuota(t *testing.T) {
	p := newTestPool()
	// throttle the paymaster: minExpected 50 > included+10, <= included+50
	p.rep.Set([]reputation.Entry{{Address: paymaster, OpsSeen: 500, OpsIncluded: 0}})

	var added int
	for i := int64(0); i < 10; i++ {
		op := poolOp(common.BigToAddress(big.NewInt(100+i)), 0)
		op.PaymasterAndData = paymaster.Bytes()
		if err := p.Add(context.Background(), poolEntry(op)); err != nil {
			assert.True(t, rpcerr.Is(err, rpcerr.CodeReputation))
			break
		}
		added++
	}
	assert.Equal(t, ThrottledEntityMempoolCount, added, "throttled entity stops at its floor")
}

func TestUnstakedEntityAllowance(t *testing.T) {
	p := newTestPool()

	var err error
	for i := int64(0); i < 20; i++ {
		op := poolOp(common.BigToAddress(big.NewInt(200+i)), 0)
		op.PaymasterAndData = paymaster.Bytes()
		if err = p.Add(context.Background(), poolEntry(op)); err != nil {
			break
		}
	}
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.CodeInsufficientStake))
	assert.Equal(t, uint64(10), p.EntryCount(paymaster), "unstaked allowance is the base slack")
}

func TestRemoveBySenderNonce(t *testing.T) {
	p := newTestPool()
	mustAdd(t, p, poolOp(senderA, 0))
	mustAdd(t, p, poolOp(senderA, 1))

	assert.True(t, p.RemoveBySenderNonce(senderA, big.NewInt(0)))
	assert.False(t, p.RemoveBySenderNonce(senderA, big.NewInt(0)))
	assert.Equal(t, 1, p.Count())
}

func TestClear(t *testing.T) {
	p := newTestPool()
	mustAdd(t, p, poolOp(senderA, 0))
	p.Clear()
	assert.Equal(t, 0, p.Count())
	assert.Empty(t, p.Dump())
	assert.Equal(t, uint64(0), p.EntryCount(senderA))
}

func TestSortedForInclusion(t *testing.T) {
	p := newTestPool()

	fees := []int64{50, 300, 100, 300}
	for i, fee := range fees {
		op := poolOp(common.BigToAddress(big.NewInt(int64(300+i))), 0)
		op.MaxPriorityFeePerGas = big.NewInt(fee)
		mustAdd(t, p, op)
	}

	sorted := p.SortedForInclusion()
	require.Len(t, sorted, 4)
	assert.Equal(t, int64(300), sorted[0].Op.MaxPriorityFeePerGas.Int64())
	assert.Equal(t, int64(300), sorted[1].Op.MaxPriorityFeePerGas.Int64())
	assert.Equal(t, int64(100), sorted[2].Op.MaxPriorityFeePerGas.Int64())
	assert.Equal(t, int64(50), sorted[3].Op.MaxPriorityFeePerGas.Int64())

	// equal fees keep insertion order (stable sort)
	assert.True(t, sorted[0].Op.Sender.Big().Cmp(sorted[1].Op.Sender.Big()) < 0)

	// the sort does not mutate the pool's insertion order
	dump := p.Dump()
	assert.Equal(t, int64(50), dump[0].MaxPriorityFeePerGas.Int64())
}

func TestContainsSender(t *testing.T) {
	p := newTestPool()
	mustAdd(t, p, poolOp(senderA, 0))
	assert.True(t, p.ContainsSender(senderA))
	assert.False(t, p.ContainsSender(senderB))
}
