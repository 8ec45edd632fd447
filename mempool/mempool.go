// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package mempool holds validated user operations until they are bundled:
// replacement by (sender, nonce), per-entity quotas, multi-role detection
// and the inclusion ordering the bundle builder consumes.
package mempool

import (
	"context"
	"math/big"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/phamhongphuc1999/bundler/log"
	"github.com/phamhongphuc1999/bundler/metrics"
	"github.com/phamhongphuc1999/bundler/reputation"
	"github.com/phamhongphuc1999/bundler/rpcerr"
	"github.com/phamhongphuc1999/bundler/userop"
	"github.com/phamhongphuc1999/bundler/validation"
)

var (
	logger          = log.WithContext("pkg", "mempool")
	metricPoolGauge = metrics.LazyLoadGauge("mempool_size")
)

// ThrottledEntityMempoolCount is the op count an unstaked throttled entity
// may keep in the pool before further adds are rejected.
const ThrottledEntityMempoolCount = 4

// Entry is one pooled operation with everything its second validation and
// bundling need.
type Entry struct {
	Op         *userop.UserOperation
	Hash       common.Hash
	Prefund    *big.Int
	Referenced *validation.ReferencedCode
	Aggregator *common.Address
}

// Pool is the in-memory mempool. Mutations are serialized by the execution
// manager; the internal lock covers the debug read paths.
type Pool struct {
	mu         sync.RWMutex
	rep        *reputation.Manager
	entries    []*Entry
	byHash     map[common.Hash]*Entry
	entryCount map[common.Address]uint64
}

// New creates an empty pool gated by the given reputation manager.
func New(rep *reputation.Manager) *Pool {
	return &Pool{
		rep:        rep,
		byHash:     make(map[common.Hash]*Entry),
		entryCount: make(map[common.Address]uint64),
	}
}

// Count returns the number of pooled ops.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// EntryCount returns how many pooled ops reference addr as sender, factory
// or paymaster.
func (p *Pool) EntryCount(addr common.Address) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entryCount[addr]
}

// Dump returns the pooled ops in insertion order.
func (p *Pool) Dump() []*userop.UserOperation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*userop.UserOperation, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.Op)
	}
	return out
}

// Get returns the entry with the given hash.
func (p *Pool) Get(hash common.Hash) (*Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byHash[hash]
	return e, ok
}

// ContainsSender reports whether some pooled op has the given sender.
func (p *Pool) ContainsSender(addr common.Address) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		if e.Op.Sender == addr {
			return true
		}
	}
	return false
}

// Add admits entry, replacing any pooled op with the same (sender, nonce)
// when the fee bump suffices, enforcing the reputation quotas and the
// multi-role rule otherwise.
func (p *Pool) Add(ctx context.Context, entry *Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	op := entry.Op
	if idx := p.indexOfSenderNonce(op.Sender, op.Nonce); idx >= 0 {
		existing := p.entries[idx]
		if err := checkReplacement(existing.Op, op); err != nil {
			return err
		}
		delete(p.byHash, existing.Hash)
		p.entries[idx] = entry
		p.byHash[entry.Hash] = entry
		logger.Debug("replaced userOp", "sender", op.Sender, "nonce", op.Nonce, "hash", entry.Hash)
		return nil
	}

	p.shiftCounts(op, 1)
	if err := p.checkReputation(ctx, entry); err != nil {
		p.shiftCounts(op, ^uint64(0))
		return err
	}
	if err := p.checkMultiRole(op); err != nil {
		p.shiftCounts(op, ^uint64(0))
		return err
	}

	p.entries = append(p.entries, entry)
	p.byHash[entry.Hash] = entry
	p.updateSeen(ctx, entry)
	metricPoolGauge().Set(int64(len(p.entries)))
	logger.Debug("added userOp", "sender", op.Sender, "nonce", op.Nonce, "hash", entry.Hash)
	return nil
}

// RemoveByHash drops the op with the given hash.
func (p *Pool) RemoveByHash(hash common.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.byHash[hash]
	if !ok {
		return false
	}
	return p.removeEntry(entry)
}

// RemoveBySenderNonce drops the op keyed by (sender, nonce).
func (p *Pool) RemoveBySenderNonce(sender common.Address, nonce *big.Int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.indexOfSenderNonce(sender, nonce)
	if idx < 0 {
		return false
	}
	return p.removeEntry(p.entries[idx])
}

// Clear drops everything (debug surface).
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = nil
	p.byHash = make(map[common.Hash]*Entry)
	p.entryCount = make(map[common.Address]uint64)
	metricPoolGauge().Set(0)
}

// SortedForInclusion returns a stable copy ordered by maxPriorityFeePerGas,
// highest first: the builder's scheduling key.
func (p *Pool) SortedForInclusion() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Entry, len(p.entries))
	copy(out, p.entries)
	sort.SliceStable(out, func(i, j int) bool {
		a := bigOrZero(out[i].Op.MaxPriorityFeePerGas)
		b := bigOrZero(out[j].Op.MaxPriorityFeePerGas)
		return a.Cmp(b) > 0
	})
	return out
}

func (p *Pool) removeEntry(entry *Entry) bool {
	for i, e := range p.entries {
		if e == entry {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			delete(p.byHash, entry.Hash)
			p.shiftCounts(entry.Op, ^uint64(0))
			metricPoolGauge().Set(int64(len(p.entries)))
			logger.Debug("removed userOp", "hash", entry.Hash)
			return true
		}
	}
	return false
}

func (p *Pool) indexOfSenderNonce(sender common.Address, nonce *big.Int) int {
	for i, e := range p.entries {
		if e.Op.Sender == sender && bigOrZero(e.Op.Nonce).Cmp(bigOrZero(nonce)) == 0 {
			return i
		}
	}
	return -1
}

// shiftCounts adjusts the entry counters of every role the op references.
// delta is 1 or its two's complement for -1.
func (p *Pool) shiftCounts(op *userop.UserOperation, delta uint64) {
	for _, addr := range roleAddresses(op) {
		next := p.entryCount[addr] + delta
		if next == 0 {
			delete(p.entryCount, addr)
		} else {
			p.entryCount[addr] = next
		}
	}
}

func roleAddresses(op *userop.UserOperation) []common.Address {
	addrs := []common.Address{op.Sender}
	if op.HasFactory() {
		addrs = append(addrs, op.Factory())
	}
	if op.HasPaymaster() {
		addrs = append(addrs, op.Paymaster())
	}
	return addrs
}

func (p *Pool) checkReputation(ctx context.Context, entry *Entry) error {
	type role struct {
		kind string
		addr common.Address
	}
	op := entry.Op
	roles := []role{{"account", op.Sender}}
	if op.HasPaymaster() {
		roles = append(roles, role{"paymaster", op.Paymaster()})
	}
	if op.HasFactory() {
		roles = append(roles, role{"deployer", op.Factory()})
	}
	if entry.Aggregator != nil {
		roles = append(roles, role{"aggregator", *entry.Aggregator})
	}
	for _, role := range roles {
		if err := p.rep.CheckBanned(role.kind, role.addr); err != nil {
			return err
		}
		count := p.entryCount[role.addr]
		if count > ThrottledEntityMempoolCount {
			if err := p.rep.CheckThrottled(role.kind, role.addr); err != nil {
				return err
			}
		}
		if count > p.rep.MaxAllowedMempoolOpsUnstaked(role.addr) {
			if err := p.rep.CheckStake(ctx, role.kind, role.addr); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkMultiRole rejects an op whose sender already acts as a paymaster or
// factory elsewhere in the pool, and vice versa.
func (p *Pool) checkMultiRole(op *userop.UserOperation) error {
	knownEntities := mapset.NewThreadUnsafeSet[common.Address]()
	knownSenders := mapset.NewThreadUnsafeSet[common.Address]()
	for _, e := range p.entries {
		knownSenders.Add(e.Op.Sender)
		if e.Op.HasFactory() {
			knownEntities.Add(e.Op.Factory())
		}
		if e.Op.HasPaymaster() {
			knownEntities.Add(e.Op.Paymaster())
		}
	}

	if knownEntities.Contains(op.Sender) {
		return rpcerr.OpcodeValidation("account", "sender "+op.Sender.Hex()+" is used as a different entity in another op in the mempool")
	}
	if op.HasPaymaster() && knownSenders.Contains(op.Paymaster()) {
		return rpcerr.OpcodeValidation("paymaster", op.Paymaster().Hex()+" is used as a sender in another op in the mempool")
	}
	if op.HasFactory() && knownSenders.Contains(op.Factory()) {
		return rpcerr.OpcodeValidation("deployer", op.Factory().Hex()+" is used as a sender in another op in the mempool")
	}
	return nil
}

// updateSeen credits the op's entities. The sender is only counted once it
// is staked, so cheap churn from fresh accounts cannot build reputation.
func (p *Pool) updateSeen(ctx context.Context, entry *Entry) {
	op := entry.Op
	if status, err := p.rep.StakeStatus(ctx, op.Sender); err == nil && status.IsStaked {
		p.rep.UpdateSeen(op.Sender)
	}
	if entry.Aggregator != nil {
		p.rep.UpdateSeen(*entry.Aggregator)
	}
	if op.HasPaymaster() {
		p.rep.UpdateSeen(op.Paymaster())
	}
	if op.HasFactory() {
		p.rep.UpdateSeen(op.Factory())
	}
}

// checkReplacement requires both fee fields to grow by at least 10%.
func checkReplacement(existing, replacement *userop.UserOperation) error {
	if !bumpedEnough(existing.MaxPriorityFeePerGas, replacement.MaxPriorityFeePerGas) {
		return rpcerr.InvalidParams("replacement op must increase maxPriorityFeePerGas by at least 10%%")
	}
	if !bumpedEnough(existing.MaxFeePerGas, replacement.MaxFeePerGas) {
		return rpcerr.InvalidParams("replacement op must increase maxFeePerGas by at least 10%%")
	}
	return nil
}

func bumpedEnough(oldFee, newFee *big.Int) bool {
	oldU, overflow := uint256.FromBig(bigOrZero(oldFee))
	if overflow {
		return false
	}
	newU, overflow := uint256.FromBig(bigOrZero(newFee))
	if overflow {
		return false
	}
	required := new(uint256.Int).Add(oldU, new(uint256.Int).Div(oldU, uint256.NewInt(10)))
	return newU.Cmp(required) >= 0
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
