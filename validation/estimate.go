// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package validation

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"

	"github.com/phamhongphuc1999/bundler/rpcerr"
	"github.com/phamhongphuc1999/bundler/userop"
)

// GasEstimate is the eth_estimateUserOperationGas result.
type GasEstimate struct {
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
	ValidAfter           *big.Int
	ValidUntil           *big.Int
}

// EstimateGas prices the three gas fields of an op. Fees are zeroed for
// the simulation so the sender needs no balance; the tracer is skipped
// since estimation carries no mempool admission.
func (m *Manager) EstimateGas(ctx context.Context, op *userop.UserOperation) (*GasEstimate, error) {
	probe := op.Clone()
	probe.MaxFeePerGas = new(big.Int)
	probe.MaxPriorityFeePerGas = new(big.Int)

	vr, err := m.simulateUnsafe(ctx, probe)
	if err != nil {
		return nil, err
	}

	callGas, err := m.node.EstimateGas(ctx, ethereum.CallMsg{
		From: m.entryPoint,
		To:   &probe.Sender,
		Data: probe.CallData,
	})
	if err != nil {
		return nil, rpcerr.ExecutionReverted(err.Error(), nil)
	}

	estimate := &GasEstimate{
		PreVerificationGas:   CalcPreVerificationGas(op, m.overheads),
		VerificationGasLimit: new(big.Int).Set(vr.ReturnInfo.PreOpGas),
		CallGasLimit:         new(big.Int).SetUint64(callGas),
	}
	if after := bigToInt64(vr.ReturnInfo.ValidAfter); after > 0 {
		estimate.ValidAfter = big.NewInt(after)
	}
	if until := bigToInt64(vr.ReturnInfo.ValidUntil); until > 0 {
		estimate.ValidUntil = big.NewInt(until)
	}
	return estimate, nil
}
