// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package reputation

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phamhongphuc1999/bundler/entrypoint"
	"github.com/phamhongphuc1999/bundler/rpcerr"
)

var (
	addrGood = common.HexToAddress("0x1111111111111111111111111111111111111111")
	addrBad  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fakeStakeReader struct {
	deposits map[common.Address]*entrypoint.DepositInfo
}

func (r *fakeStakeReader) GetDepositInfo(_ context.Context, addr common.Address) (*entrypoint.DepositInfo, error) {
	if info, ok := r.deposits[addr]; ok {
		return info, nil
	}
	return &entrypoint.DepositInfo{Deposit: new(big.Int), Stake: new(big.Int)}, nil
}

func newTestManager(whitelist, blacklist []common.Address) *Manager {
	return New(BundlerParams, big.NewInt(1e18), 86400, &fakeStakeReader{}, whitelist, blacklist)
}

func TestGetStatusUnknown(t *testing.T) {
	m := newTestManager(nil, nil)
	assert.Equal(t, OK, m.GetStatus(addrGood))
}

func TestGetStatusThresholds(t *testing.T) {
	m := newTestManager(nil, nil)

	// minExpected = opsSeen/10; OK while minExpected <= included+10
	m.Set([]Entry{{Address: addrGood, OpsSeen: 100, OpsIncluded: 0}})
	assert.Equal(t, OK, m.GetStatus(addrGood))

	// throttled when included+10 < minExpected <= included+50
	m.Set([]Entry{{Address: addrGood, OpsSeen: 110, OpsIncluded: 0}})
	assert.Equal(t, Throttled, m.GetStatus(addrGood))

	m.Set([]Entry{{Address: addrGood, OpsSeen: 500, OpsIncluded: 0}})
	assert.Equal(t, Throttled, m.GetStatus(addrGood))

	// banned past the ban slack
	m.Set([]Entry{{Address: addrGood, OpsSeen: 510, OpsIncluded: 0}})
	assert.Equal(t, Banned, m.GetStatus(addrGood))

	// inclusions pull the status back
	m.Set([]Entry{{Address: addrGood, OpsSeen: 510, OpsIncluded: 41}})
	assert.Equal(t, OK, m.GetStatus(addrGood))
}

func TestWhitelistBlacklistOverride(t *testing.T) {
	m := newTestManager([]common.Address{addrGood}, []common.Address{addrBad})

	m.Set([]Entry{{Address: addrGood, OpsSeen: 1_000_000, OpsIncluded: 0}})
	assert.Equal(t, OK, m.GetStatus(addrGood), "whitelist wins over counters")
	assert.Equal(t, Banned, m.GetStatus(addrBad), "blacklist needs no counters")

	assert.NoError(t, m.CheckBanned("paymaster", addrGood))
	err := m.CheckBanned("paymaster", addrBad)
	assert.True(t, rpcerr.Is(err, rpcerr.CodeReputation))
}

func TestCrashedHandleOps(t *testing.T) {
	m := newTestManager(nil, nil)
	m.Set([]Entry{{Address: addrGood, OpsSeen: 50, OpsIncluded: 40}})

	m.CrashedHandleOps(addrGood)
	assert.Equal(t, Banned, m.GetStatus(addrGood))

	dump := m.Dump()
	require.Len(t, dump, 1)
	assert.Equal(t, uint64(10050), dump[0].OpsSeen)
	assert.Equal(t, uint64(0), dump[0].OpsIncluded)

	// the zero address (absent entity) is never tracked
	m.CrashedHandleOps(common.Address{})
	assert.Len(t, m.Dump(), 1)
}

func TestHourlyCronDecay(t *testing.T) {
	m := newTestManager(nil, nil)
	m.Set([]Entry{
		{Address: addrGood, OpsSeen: 24, OpsIncluded: 24},
		{Address: addrBad, OpsSeen: 1, OpsIncluded: 0},
	})

	m.HourlyCron()

	dump := m.Dump()
	require.Len(t, dump, 1, "exhausted records are dropped")
	assert.Equal(t, addrGood, dump[0].Address)
	assert.Equal(t, uint64(23), dump[0].OpsSeen)
	assert.Equal(t, uint64(23), dump[0].OpsIncluded)

	// counters never grow under the cron
	for i := 0; i < 200; i++ {
		m.HourlyCron()
	}
	assert.Empty(t, m.Dump())
}

func TestDumpSetRoundTrip(t *testing.T) {
	m := newTestManager(nil, nil)
	m.UpdateSeen(addrBad)
	m.UpdateSeen(addrGood)
	m.UpdateIncluded(addrGood)

	dump := m.Dump()
	require.Len(t, dump, 2)
	assert.True(t, dump[0].Address.Cmp(dump[1].Address) < 0, "dump is address-ordered")

	other := newTestManager(nil, nil)
	other.Set(dump)
	assert.Equal(t, dump, other.Dump())
}

func TestClear(t *testing.T) {
	m := newTestManager(nil, []common.Address{addrBad})
	m.UpdateSeen(addrGood)

	m.Clear()
	assert.Empty(t, m.Dump())
	assert.Equal(t, Banned, m.GetStatus(addrBad), "list membership survives clear")
}

func TestStakeStatus(t *testing.T) {
	reader := &fakeStakeReader{deposits: map[common.Address]*entrypoint.DepositInfo{
		addrGood: {Deposit: big.NewInt(1), Stake: big.NewInt(2e18), UnstakeDelaySec: 86400},
		addrBad:  {Deposit: big.NewInt(1), Stake: big.NewInt(2e18), UnstakeDelaySec: 60},
	}}
	m := New(BundlerParams, big.NewInt(1e18), 86400, reader, nil, nil)

	status, err := m.StakeStatus(context.Background(), addrGood)
	require.NoError(t, err)
	assert.True(t, status.IsStaked)

	status, err = m.StakeStatus(context.Background(), addrBad)
	require.NoError(t, err)
	assert.False(t, status.IsStaked, "short unstake delay fails the policy")
}

func TestCheckStake(t *testing.T) {
	reader := &fakeStakeReader{deposits: map[common.Address]*entrypoint.DepositInfo{
		addrGood: {Deposit: big.NewInt(1), Stake: big.NewInt(2e18), UnstakeDelaySec: 86400},
	}}
	m := New(BundlerParams, big.NewInt(1e18), 86400, reader, []common.Address{addrBad}, nil)

	assert.NoError(t, m.CheckStake(context.Background(), "paymaster", addrGood))
	assert.NoError(t, m.CheckStake(context.Background(), "paymaster", addrBad), "whitelisted entities skip the stake check")

	unstaked := common.HexToAddress("0x3333333333333333333333333333333333333333")
	err := m.CheckStake(context.Background(), "paymaster", unstaked)
	assert.True(t, rpcerr.Is(err, rpcerr.CodeInsufficientStake))
}

func TestMaxAllowedMempoolOpsUnstaked(t *testing.T) {
	m := newTestManager(nil, nil)
	assert.Equal(t, uint64(10), m.MaxAllowedMempoolOpsUnstaked(addrGood), "unknown entities get the base slack")

	m.Set([]Entry{{Address: addrGood, OpsSeen: 100, OpsIncluded: 50}})
	// slack 10 + rate(0.5)*10 + included 50
	assert.Equal(t, uint64(65), m.MaxAllowedMempoolOpsUnstaked(addrGood))
}
