// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package validation drives simulateValidation against the EntryPoint and
// enforces the ERC-4337 rules over the traced execution: input sanity,
// opcode/storage policy, time range and gas margins.
package validation

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/phamhongphuc1999/bundler/entrypoint"
	"github.com/phamhongphuc1999/bundler/ethnode"
	"github.com/phamhongphuc1999/bundler/log"
	"github.com/phamhongphuc1999/bundler/rpcerr"
	"github.com/phamhongphuc1999/bundler/tracer"
	"github.com/phamhongphuc1999/bundler/userop"
)

var logger = log.WithContext("pkg", "validation")

const (
	// simulation gas limit; simulateValidation always reverts, the limit
	// only bounds runaway accounts.
	simulationGasLimit = 10_000_000
	// minimum slack verificationGasLimit must keep above the measured
	// validation gas.
	minVerificationGasSlack = 2000
	// ops expiring sooner than this are not worth bundling.
	minAcceptableExpiry = 30 * time.Second
)

// Node is the chain surface the manager needs.
type Node interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TraceCall(ctx context.Context, msg ethereum.CallMsg, tracerProgram string, result interface{}) error
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// ReferencedCode fingerprints the contracts an op's validation touched.
// A second validation fails when any of them changed code.
type ReferencedCode struct {
	Addresses []common.Address
	Hash      common.Hash
}

// Result is the full validation outcome the mempool and the bundler keep.
type Result struct {
	ReturnInfo          entrypoint.ReturnInfo
	SenderInfo          entrypoint.StakeInfo
	FactoryInfo         entrypoint.StakeInfo
	PaymasterInfo       entrypoint.StakeInfo
	AggregatorInfo      *entrypoint.AggregatorStakeInfo
	ReferencedContracts *ReferencedCode
	StorageMap          tracer.StorageMap
}

// Manager validates user operations.
type Manager struct {
	node       Node
	entryPoint common.Address
	unsafe     bool
	overheads  GasOverheads
}

// NewManager creates a validation manager. unsafe skips the tracer and
// with it the opcode/storage rules.
func NewManager(node Node, entryPoint common.Address, unsafe bool) *Manager {
	return &Manager{
		node:       node,
		entryPoint: entryPoint,
		unsafe:     unsafe,
		overheads:  DefaultGasOverheads(),
	}
}

// EntryPoint returns the configured EntryPoint address.
func (m *Manager) EntryPoint() common.Address { return m.entryPoint }

// ValidateUserOp simulates op's validation and applies every rule. When
// previous is set (second validation during bundle build), the referenced
// code fingerprint must still match.
func (m *Manager) ValidateUserOp(ctx context.Context, op *userop.UserOperation, previous *ReferencedCode) (*Result, error) {
	if previous != nil && len(previous.Addresses) > 0 {
		hash, err := m.CodeHashes(ctx, previous.Addresses)
		if err != nil {
			return nil, err
		}
		if hash != previous.Hash {
			return nil, rpcerr.OpcodeValidation("account", "code of referenced contracts changed since first validation")
		}
	}

	var (
		vr        *entrypoint.ValidationResult
		contracts []common.Address
		storage   tracer.StorageMap
		err       error
	)
	if m.unsafe {
		vr, err = m.simulateUnsafe(ctx, op)
	} else {
		vr, contracts, storage, err = m.simulateSafe(ctx, op)
	}
	if err != nil {
		return nil, err
	}
	if err := m.checkReturnInfo(op, vr); err != nil {
		return nil, err
	}

	result := &Result{
		ReturnInfo:     vr.ReturnInfo,
		SenderInfo:     vr.SenderInfo,
		FactoryInfo:    vr.FactoryInfo,
		PaymasterInfo:  vr.PaymasterInfo,
		AggregatorInfo: vr.AggregatorInfo,
		StorageMap:     storage,
	}
	if !m.unsafe {
		hash, err := m.CodeHashes(ctx, contracts)
		if err != nil {
			return nil, err
		}
		result.ReferencedContracts = &ReferencedCode{Addresses: contracts, Hash: hash}
	}
	return result, nil
}

func (m *Manager) checkReturnInfo(op *userop.UserOperation, vr *entrypoint.ValidationResult) error {
	info := vr.ReturnInfo
	if info.SigFailed {
		return rpcerr.InvalidSignature("invalid account signature")
	}

	now := time.Now().Unix()
	validAfter := bigToInt64(info.ValidAfter)
	validUntil := bigToInt64(info.ValidUntil)
	if validAfter > now {
		return rpcerr.NotInTimeRange("time-range in the future: validAfter %d", validAfter)
	}
	if validUntil != 0 && validUntil < now+int64(minAcceptableExpiry/time.Second) {
		return rpcerr.NotInTimeRange("expires too soon: validUntil %d", validUntil)
	}

	if vr.AggregatorInfo != nil && vr.AggregatorInfo.Aggregator != (common.Address{}) {
		return rpcerr.UnsupportedAggregator(vr.AggregatorInfo.Aggregator.Hex())
	}

	// preOpGas includes preVerificationGas; the rest is the measured
	// verification gas, which the declared limit must exceed with slack.
	used := new(big.Int).Sub(info.PreOpGas, bigOrZero(op.PreVerificationGas))
	slack := new(big.Int).Sub(bigOrZero(op.VerificationGasLimit), used)
	if slack.Cmp(big.NewInt(minVerificationGasSlack)) < 0 {
		return rpcerr.SimulateValidation("verificationGasLimit too low: needs %d gas slack above the %s used", minVerificationGasSlack, used)
	}
	return nil
}

func (m *Manager) simulateUnsafe(ctx context.Context, op *userop.UserOperation) (*entrypoint.ValidationResult, error) {
	data, err := entrypoint.PackSimulateValidation(op)
	if err != nil {
		return nil, errors.Wrap(err, "pack simulateValidation")
	}
	_, err = m.node.CallContract(ctx, ethereum.CallMsg{
		To:   &m.entryPoint,
		Gas:  simulationGasLimit,
		Data: data,
	}, nil)
	if err == nil {
		return nil, rpcerr.SimulateValidation("simulateValidation did not revert")
	}
	revert, ok := ethnode.RevertData(err)
	if !ok {
		return nil, rpcerr.SimulateValidation("simulateValidation failed: %s", err)
	}
	return m.decodeValidationRevert(revert)
}

func (m *Manager) simulateSafe(ctx context.Context, op *userop.UserOperation) (*entrypoint.ValidationResult, []common.Address, tracer.StorageMap, error) {
	data, err := entrypoint.PackSimulateValidation(op)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "pack simulateValidation")
	}
	var traced tracer.Result
	if err := m.node.TraceCall(ctx, ethereum.CallMsg{
		To:   &m.entryPoint,
		Gas:  simulationGasLimit,
		Data: data,
	}, tracer.CollectorProgram, &traced); err != nil {
		return nil, nil, nil, errors.Wrap(err, "debug_traceCall")
	}

	revert, ok := traced.LastFrameRevert()
	if !ok {
		return nil, nil, nil, rpcerr.SimulateValidation("simulateValidation did not revert")
	}
	vr, err := m.decodeValidationRevert(revert)
	if err != nil {
		return nil, nil, nil, err
	}
	contracts, storage, err := parseTracerResult(op, &traced, vr, m.entryPoint)
	if err != nil {
		return nil, nil, nil, err
	}
	return vr, contracts, storage, nil
}

func (m *Manager) decodeValidationRevert(revert []byte) (*entrypoint.ValidationResult, error) {
	vr, err := entrypoint.UnpackValidationResult(revert)
	if err == nil {
		return vr, nil
	}
	if failedOp, ok := err.(*entrypoint.FailedOpError); ok {
		logger.Debug("simulateValidation rejected op", "index", failedOp.OpIndex, "reason", failedOp.Reason)
		return nil, rpcerr.FromFailedOp(failedOp.OpIndex.Uint64(), failedOp.Reason)
	}
	return nil, rpcerr.SimulateValidation("%s", err)
}

// CodeHashes fingerprints the code of all addresses in one hash. The list
// is ordered first so the fingerprint is insensitive to traversal order.
func (m *Manager) CodeHashes(ctx context.Context, addresses []common.Address) (common.Hash, error) {
	sorted := make([]common.Address, len(addresses))
	copy(sorted, addresses)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })

	var acc []byte
	for _, addr := range sorted {
		code, err := m.node.CodeAt(ctx, addr, nil)
		if err != nil {
			return common.Hash{}, errors.Wrap(err, "fetch code")
		}
		acc = append(acc, crypto.Keccak256(code)...)
	}
	return crypto.Keccak256Hash(acc), nil
}

func bigToInt64(v *big.Int) int64 {
	if v == nil || !v.IsInt64() {
		return 0
	}
	return v.Int64()
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
