// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package reputation tracks the behaviour of the four ERC-4337 entity kinds
// (account, paymaster, factory, aggregator) and classifies each address as
// OK, THROTTLED or BANNED.
package reputation

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/phamhongphuc1999/bundler/entrypoint"
	"github.com/phamhongphuc1999/bundler/log"
	"github.com/phamhongphuc1999/bundler/rpcerr"
)

var logger = log.WithContext("pkg", "reputation")

// Status classifies one address.
type Status int

const (
	OK Status = iota
	Throttled
	Banned
)

func (s Status) String() string {
	switch s {
	case Throttled:
		return "throttled"
	case Banned:
		return "banned"
	default:
		return "ok"
	}
}

// Params tune the seen/included classification thresholds.
type Params struct {
	MinInclusionDenominator uint64
	ThrottlingSlack         uint64
	BanSlack                uint64
}

// BundlerParams is the profile a bundler applies to its own mempool.
var BundlerParams = Params{MinInclusionDenominator: 10, ThrottlingSlack: 10, BanSlack: 50}

// NonBundlerParams is the stricter client-side profile.
var NonBundlerParams = Params{MinInclusionDenominator: 100, ThrottlingSlack: 10, BanSlack: 10}

// Entry is the debug/wire form of one address record.
type Entry struct {
	Address     common.Address `json:"address"`
	OpsSeen     uint64         `json:"opsSeen"`
	OpsIncluded uint64         `json:"opsIncluded"`
	Status      *Status        `json:"status,omitempty"`
}

// StakeInfo reports an address's EntryPoint stake.
type StakeInfo struct {
	Addr            common.Address `json:"addr"`
	Stake           *big.Int       `json:"stake"`
	UnstakeDelaySec *big.Int       `json:"unstakeDelaySec"`
}

// StakeStatus pairs the stake report with the bundler's verdict.
type StakeStatus struct {
	StakeInfo StakeInfo `json:"stakeInfo"`
	IsStaked  bool      `json:"isStaked"`
}

// StakeReader is the EntryPoint read path the manager depends on.
type StakeReader interface {
	GetDepositInfo(ctx context.Context, addr common.Address) (*entrypoint.DepositInfo, error)
}

type counters struct {
	opsSeen     uint64
	opsIncluded uint64
}

// Manager holds all reputation state. Callers serialize mutations through
// the execution manager; the internal lock only guards the debug read path.
type Manager struct {
	mu              sync.RWMutex
	params          Params
	entries         map[common.Address]*counters
	whitelist       map[common.Address]struct{}
	blacklist       map[common.Address]struct{}
	minStake        *big.Int
	minUnstakeDelay uint64
	stakeReader     StakeReader
}

// New creates a manager with the given thresholds and stake policy.
func New(params Params, minStake *big.Int, minUnstakeDelay uint64, stakeReader StakeReader, whitelist, blacklist []common.Address) *Manager {
	m := &Manager{
		params:          params,
		entries:         make(map[common.Address]*counters),
		whitelist:       make(map[common.Address]struct{}),
		blacklist:       make(map[common.Address]struct{}),
		minStake:        minStake,
		minUnstakeDelay: minUnstakeDelay,
		stakeReader:     stakeReader,
	}
	for _, addr := range whitelist {
		m.whitelist[addr] = struct{}{}
	}
	for _, addr := range blacklist {
		m.blacklist[addr] = struct{}{}
	}
	return m
}

// GetStatus classifies addr. White/blacklist membership overrides counters;
// unknown addresses are OK.
func (m *Manager) GetStatus(addr common.Address) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked(addr)
}

func (m *Manager) statusLocked(addr common.Address) Status {
	if _, ok := m.whitelist[addr]; ok {
		return OK
	}
	if _, ok := m.blacklist[addr]; ok {
		return Banned
	}
	entry, ok := m.entries[addr]
	if !ok {
		return OK
	}
	minExpected := entry.opsSeen / m.params.MinInclusionDenominator
	switch {
	case minExpected <= entry.opsIncluded+m.params.ThrottlingSlack:
		return OK
	case minExpected <= entry.opsIncluded+m.params.BanSlack:
		return Throttled
	default:
		return Banned
	}
}

func (m *Manager) counterFor(addr common.Address) *counters {
	entry, ok := m.entries[addr]
	if !ok {
		entry = &counters{}
		m.entries[addr] = entry
	}
	return entry
}

// UpdateSeen counts one accepted op for addr. The zero address (an absent
// entity) is ignored.
func (m *Manager) UpdateSeen(addr common.Address) {
	if addr == (common.Address{}) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counterFor(addr).opsSeen++
}

// UpdateIncluded credits one on-chain inclusion to addr.
func (m *Manager) UpdateIncluded(addr common.Address) {
	if addr == (common.Address{}) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counterFor(addr).opsIncluded++
}

// CrashedHandleOps punishes the entity blamed for a reverted handleOps:
// the huge opsSeen jump flips its status to banned until it decays.
func (m *Manager) CrashedHandleOps(addr common.Address) {
	if addr == (common.Address{}) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.counterFor(addr)
	entry.opsSeen += 10000
	entry.opsIncluded = 0
	logger.Warn("entity crashed handleOps", "addr", addr, "opsSeen", entry.opsSeen)
}

// HourlyCron decays every counter by 1/24 and drops exhausted records.
func (m *Manager) HourlyCron() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, entry := range m.entries {
		entry.opsSeen = entry.opsSeen * 23 / 24
		entry.opsIncluded = entry.opsIncluded * 23 / 24
		if entry.opsSeen == 0 && entry.opsIncluded == 0 {
			delete(m.entries, addr)
		}
	}
}

// Dump returns every record with its derived status, ordered by address for
// a stable debug output.
func (m *Manager) Dump() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for addr, entry := range m.entries {
		status := m.statusLocked(addr)
		out = append(out, Entry{
			Address:     addr,
			OpsSeen:     entry.opsSeen,
			OpsIncluded: entry.opsIncluded,
			Status:      &status,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}

// Set overwrites the records of the given addresses (debug surface).
func (m *Manager) Set(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[e.Address] = &counters{opsSeen: e.OpsSeen, opsIncluded: e.OpsIncluded}
	}
}

// Clear drops all counters (debug surface). List membership stays.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[common.Address]*counters)
}

// StakeStatus reads addr's deposit record and applies the stake policy.
func (m *Manager) StakeStatus(ctx context.Context, addr common.Address) (*StakeStatus, error) {
	info, err := m.stakeReader.GetDepositInfo(ctx, addr)
	if err != nil {
		return nil, errors.Wrap(err, "stake status")
	}
	isStaked := info.Stake.Cmp(m.minStake) >= 0 &&
		info.UnstakeDelaySec >= uint32(m.minUnstakeDelay)
	return &StakeStatus{
		StakeInfo: StakeInfo{
			Addr:            addr,
			Stake:           info.Stake,
			UnstakeDelaySec: new(big.Int).SetUint64(uint64(info.UnstakeDelaySec)),
		},
		IsStaked: isStaked,
	}, nil
}

// MaxAllowedMempoolOpsUnstaked computes the mempool slot allowance an
// unstaked entity earns from its inclusion history.
func (m *Manager) MaxAllowedMempoolOpsUnstaked(addr common.Address) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	const slack = 10
	entry, ok := m.entries[addr]
	if !ok {
		return slack
	}
	var inclusionRate float64
	if entry.opsSeen != 0 {
		inclusionRate = float64(entry.opsIncluded) / float64(entry.opsSeen)
	}
	allowed := slack + uint64(inclusionRate*10)
	if entry.opsIncluded < 10000 {
		return allowed + entry.opsIncluded
	}
	return allowed + 10000
}

// CheckBanned rejects banned entities at intake.
func (m *Manager) CheckBanned(kind string, addr common.Address) error {
	if m.GetStatus(addr) == Banned {
		return rpcerr.Reputation("%s %s is banned", kind, addr.Hex())
	}
	return nil
}

// CheckThrottled rejects throttled entities once they are over the
// unstaked-entity floor.
func (m *Manager) CheckThrottled(kind string, addr common.Address) error {
	if m.GetStatus(addr) == Throttled {
		return rpcerr.Reputation("%s %s is throttled", kind, addr.Hex())
	}
	return nil
}

// CheckStake requires addr to be staked before exceeding its unstaked
// allowance. Whitelisted addresses always pass.
func (m *Manager) CheckStake(ctx context.Context, kind string, addr common.Address) error {
	m.mu.RLock()
	_, whitelisted := m.whitelist[addr]
	m.mu.RUnlock()
	if whitelisted {
		return nil
	}
	status, err := m.StakeStatus(ctx, addr)
	if err != nil {
		return err
	}
	if !status.IsStaked {
		return rpcerr.InsufficientStake("%s %s exceeds its unstaked mempool allowance", kind, addr.Hex())
	}
	return nil
}
