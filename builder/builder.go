// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package builder packs eligible mempool operations into one handleOps
// transaction: greedy gas-bounded selection, paymaster deposit tracking,
// cross-op storage conflict checks and conditional-RPC dispatch.
package builder

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/phamhongphuc1999/bundler/entrypoint"
	"github.com/phamhongphuc1999/bundler/ethnode"
	"github.com/phamhongphuc1999/bundler/log"
	"github.com/phamhongphuc1999/bundler/mempool"
	"github.com/phamhongphuc1999/bundler/metrics"
	"github.com/phamhongphuc1999/bundler/reputation"
	"github.com/phamhongphuc1999/bundler/rpcerr"
	"github.com/phamhongphuc1999/bundler/signer"
	"github.com/phamhongphuc1999/bundler/tracer"
	"github.com/phamhongphuc1999/bundler/userop"
	"github.com/phamhongphuc1999/bundler/validation"
)

var (
	logger              = log.WithContext("pkg", "builder")
	metricBundleSize    = metrics.LazyLoadHistogram("bundle_size", []int64{0, 1, 2, 5, 10, 20, 50})
	metricBuildDuration = metrics.LazyLoadHistogram("bundle_build_duration_ms", []int64{10, 50, 100, 500, 1000, 5000})
)

const (
	// gas limit of the handleOps transaction itself.
	handleOpsGasLimit = 10_000_000
	// max ops one staked entity may place in a single bundle.
	maxStakedEntityInBundle = 4
)

// Node is the chain surface the builder needs.
type Node interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestFeeData(ctx context.Context) (*ethnode.FeeData, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendRawTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	SendRawTransactionConditional(ctx context.Context, tx *types.Transaction, knownAccounts tracer.StorageMap) (common.Hash, error)
	StorageRootOf(ctx context.Context, addr common.Address) (common.Hash, error)
}

// Config tunes the builder.
type Config struct {
	Beneficiary common.Address
	// MaxBundleGas bounds the summed (preOpGas + callGasLimit) of a bundle.
	MaxBundleGas uint64
	// MinSignerBalance redirects fees to the signer itself when it runs low.
	MinSignerBalance *big.Int
	// GasFactor scales the gas limit of the handleOps transaction itself.
	// Zero means 1.
	GasFactor float64
	// ConditionalRPC dispatches via eth_sendRawTransactionConditional.
	ConditionalRPC bool
	// MergeToAccountRoot conditions each sender on its whole storage root
	// instead of individual slots.
	MergeToAccountRoot bool
}

// SendResult reports one dispatched bundle.
type SendResult struct {
	TransactionHash common.Hash
	UserOpHashes    []common.Hash
}

// Manager builds and sends bundles.
type Manager struct {
	node    Node
	signer  *signer.Signer
	pool    *mempool.Pool
	rep     *reputation.Manager
	val     *validation.Manager
	ep      *entrypoint.Contract
	chainID *big.Int
	cfg     Config
}

// New creates a bundle manager.
func New(node Node, sig *signer.Signer, pool *mempool.Pool, rep *reputation.Manager, val *validation.Manager, ep *entrypoint.Contract, chainID *big.Int, cfg Config) *Manager {
	if cfg.MinSignerBalance == nil {
		cfg.MinSignerBalance = new(big.Int)
	}
	return &Manager{
		node:    node,
		signer:  sig,
		pool:    pool,
		rep:     rep,
		val:     val,
		ep:      ep,
		chainID: chainID,
		cfg:     cfg,
	}
}

// SendNextBundle builds a bundle from the current mempool and dispatches
// it. An empty build returns (nil, nil).
func (m *Manager) SendNextBundle(ctx context.Context) (*SendResult, error) {
	start := time.Now()
	bundle, storageMap := m.createBundle(ctx)
	metricBuildDuration().Observe(time.Since(start).Milliseconds())
	metricBundleSize().Observe(int64(len(bundle)))
	if len(bundle) == 0 {
		logger.Debug("no ops eligible for bundling")
		return nil, nil
	}
	return m.sendBundle(ctx, bundle, storageMap)
}

// createBundle walks the fee-ordered mempool and admits ops until the gas
// budget is hit. Ops failing their second validation are dropped from the
// pool; conflicting or starved ops are merely skipped for this round.
func (m *Manager) createBundle(ctx context.Context) ([]*mempool.Entry, tracer.StorageMap) {
	entries := m.pool.SortedForInclusion()

	var (
		bundle            []*mempool.Entry
		paymasterDeposit  = map[common.Address]*big.Int{}
		stakedEntityCount = map[common.Address]uint64{}
		sendersIncluded   = map[common.Address]struct{}{}
		storageMap        = tracer.StorageMap{}
		totalGas          = new(big.Int)
		maxBundleGas      = new(big.Int).SetUint64(m.cfg.MaxBundleGas)
	)

	for _, entry := range entries {
		op := entry.Op
		paymaster, factory := op.Paymaster(), op.Factory()
		pmStatus, factoryStatus := m.rep.GetStatus(paymaster), m.rep.GetStatus(factory)

		if pmStatus == reputation.Banned || factoryStatus == reputation.Banned {
			m.pool.RemoveByHash(entry.Hash)
			continue
		}
		if op.HasPaymaster() && (pmStatus == reputation.Throttled || stakedEntityCount[paymaster] > maxStakedEntityInBundle) {
			logger.Debug("skipping throttled paymaster", "sender", op.Sender, "nonce", op.Nonce, "paymaster", paymaster)
			continue
		}
		if op.HasFactory() && (factoryStatus == reputation.Throttled || stakedEntityCount[factory] > maxStakedEntityInBundle) {
			logger.Debug("skipping throttled factory", "sender", op.Sender, "nonce", op.Nonce, "factory", factory)
			continue
		}
		if _, ok := sendersIncluded[op.Sender]; ok {
			// one op per sender per bundle
			continue
		}

		res, err := m.val.ValidateUserOp(ctx, op, entry.Referenced)
		if err != nil {
			logger.Debug("failed 2nd validation, dropping op", "hash", entry.Hash, "err", err)
			m.pool.RemoveByHash(entry.Hash)
			continue
		}

		if m.conflictsWithPooledSender(op.Sender, res.StorageMap) {
			logger.Debug("op touches another pooled sender's storage, deferring", "hash", entry.Hash)
			continue
		}

		userOpGasCost := new(big.Int).Add(res.ReturnInfo.PreOpGas, bigOrZero(op.CallGasLimit))
		newTotalGas := new(big.Int).Add(totalGas, userOpGasCost)
		if newTotalGas.Cmp(maxBundleGas) > 0 {
			break
		}

		if op.HasPaymaster() {
			deposit, ok := paymasterDeposit[paymaster]
			if !ok {
				deposit, err = m.ep.BalanceOf(ctx, paymaster)
				if err != nil {
					logger.Warn("paymaster balance read failed", "paymaster", paymaster, "err", err)
					continue
				}
			}
			if deposit.Cmp(res.ReturnInfo.Prefund) < 0 {
				// not enough deposit left to pay for this op
				paymasterDeposit[paymaster] = deposit
				continue
			}
			paymasterDeposit[paymaster] = new(big.Int).Sub(deposit, res.ReturnInfo.Prefund)
			stakedEntityCount[paymaster]++
		}
		if op.HasFactory() {
			stakedEntityCount[factory]++
		}

		if m.cfg.MergeToAccountRoot {
			if root, err := m.node.StorageRootOf(ctx, op.Sender); err == nil {
				storageMap.SetRoot(op.Sender, root)
			} else {
				logger.Warn("eth_getProof failed", "sender", op.Sender, "err", err)
			}
		}
		storageMap.Merge(res.StorageMap)

		sendersIncluded[op.Sender] = struct{}{}
		bundle = append(bundle, entry)
		totalGas = newTotalGas
	}
	return bundle, storageMap
}

// conflictsWithPooledSender reports whether the validation touched storage
// of an address that is itself a sender in the mempool; bundling both in
// one transaction could invalidate this op mid-bundle.
func (m *Manager) conflictsWithPooledSender(sender common.Address, storage tracer.StorageMap) bool {
	for addr := range storage {
		if addr != sender && m.pool.ContainsSender(addr) {
			return true
		}
	}
	return false
}

func (m *Manager) sendBundle(ctx context.Context, bundle []*mempool.Entry, storageMap tracer.StorageMap) (*SendResult, error) {
	ops := make([]*userop.UserOperation, 0, len(bundle))
	for _, entry := range bundle {
		ops = append(ops, entry.Op)
	}

	beneficiary, err := m.selectBeneficiary(ctx)
	if err != nil {
		return nil, err
	}
	data, err := entrypoint.PackHandleOps(ops, beneficiary)
	if err != nil {
		return nil, errors.Wrap(err, "pack handleOps")
	}

	// dry-run first: a FailedOp here is attributed without burning gas.
	from := m.signer.Address()
	epAddr := m.ep.Address()
	gasLimit := m.txGasLimit()
	if _, err := m.node.CallContract(ctx, ethereum.CallMsg{
		From: from,
		To:   &epAddr,
		Gas:  gasLimit,
		Data: data,
	}, nil); err != nil {
		return nil, m.handleSendError(bundle, err)
	}

	feeData, err := m.node.SuggestFeeData(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := m.node.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, errors.Wrap(err, "signer nonce")
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   m.chainID,
		Nonce:     nonce,
		GasTipCap: feeData.MaxPriorityFeePerGas,
		GasFeeCap: feeData.MaxFeePerGas,
		Gas:       gasLimit,
		To:        &epAddr,
		Data:      data,
	})
	signed, err := m.signer.SignTx(tx, m.chainID)
	if err != nil {
		return nil, err
	}

	var txHash common.Hash
	if m.cfg.ConditionalRPC {
		txHash, err = m.node.SendRawTransactionConditional(ctx, signed, storageMap)
	} else {
		txHash, err = m.node.SendRawTransaction(ctx, signed)
	}
	if err != nil {
		return nil, m.handleSendError(bundle, err)
	}

	hashes := make([]common.Hash, 0, len(bundle))
	for _, entry := range bundle {
		hashes = append(hashes, entry.Hash)
	}
	logger.Info("bundle sent", "tx", txHash, "ops", len(bundle))
	return &SendResult{TransactionHash: txHash, UserOpHashes: hashes}, nil
}

// selectBeneficiary tops the signer itself up when its balance runs low,
// otherwise pays the configured beneficiary.
func (m *Manager) selectBeneficiary(ctx context.Context) (common.Address, error) {
	balance, err := m.node.BalanceAt(ctx, m.signer.Address(), nil)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "signer balance")
	}
	if balance.Cmp(m.cfg.MinSignerBalance) <= 0 {
		logger.Info("low signer balance, collecting fees to signer", "balance", balance)
		return m.signer.Address(), nil
	}
	return m.cfg.Beneficiary, nil
}

// handleSendError attributes a reverted handleOps. AA1* blames the factory,
// AA2* the sender, AA3* the paymaster; anything else just drops the failing
// op. A method-not-found node error is fatal: the node cannot bundle.
func (m *Manager) handleSendError(bundle []*mempool.Entry, sendErr error) error {
	if code, ok := ethnode.ErrorCode(sendErr); ok && code == rpcerr.CodeMethodNotFound {
		return errors.Wrap(sendErr, "node does not support the required method")
	}

	revert, ok := ethnode.RevertData(sendErr)
	if !ok {
		logger.Warn("handleOps failed without revert data", "err", sendErr)
		return nil
	}
	failedOp, ok := entrypoint.DecodeFailedOp(revert)
	if !ok {
		logger.Warn("handleOps reverted with unknown data", "err", sendErr)
		return nil
	}
	idx := failedOp.OpIndex.Uint64()
	if idx >= uint64(len(bundle)) {
		logger.Error("FailedOp index out of bundle range", "index", idx, "reason", failedOp.Reason)
		return nil
	}
	entry := bundle[idx]
	op := entry.Op

	switch {
	case strings.HasPrefix(failedOp.Reason, "AA1"):
		logger.Warn("failed handleOps, blaming factory", "factory", op.Factory(), "reason", failedOp.Reason)
		m.rep.CrashedHandleOps(op.Factory())
	case strings.HasPrefix(failedOp.Reason, "AA2"):
		logger.Warn("failed handleOps, blaming account", "sender", op.Sender, "reason", failedOp.Reason)
		m.rep.CrashedHandleOps(op.Sender)
	case strings.HasPrefix(failedOp.Reason, "AA3"):
		logger.Warn("failed handleOps, blaming paymaster", "paymaster", op.Paymaster(), "reason", failedOp.Reason)
		m.rep.CrashedHandleOps(op.Paymaster())
	default:
		logger.Warn("failed handleOps, dropping op", "hash", entry.Hash, "reason", failedOp.Reason)
		m.pool.RemoveByHash(entry.Hash)
	}
	return nil
}

func (m *Manager) txGasLimit() uint64 {
	if m.cfg.GasFactor <= 0 {
		return handleOpsGasLimit
	}
	return uint64(handleOpsGasLimit * m.cfg.GasFactor)
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
