// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package validation

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/phamhongphuc1999/bundler/rpcerr"
	"github.com/phamhongphuc1999/bundler/userop"
)

// CheckInput enforces the static field rules before any simulation:
// the target entry point must be the configured one, optional entity
// fields are either empty or long enough to carry an address, and the
// declared preVerificationGas must cover the computed one.
func (m *Manager) CheckInput(op *userop.UserOperation, entryPoint common.Address) error {
	if entryPoint != m.entryPoint {
		return rpcerr.InvalidParams("entryPoint %s not supported, expected %s", entryPoint.Hex(), m.entryPoint.Hex())
	}
	if n := len(op.InitCode); n > 0 && n < common.AddressLength {
		return rpcerr.InvalidParams("initCode: too short to carry a factory address")
	}
	if n := len(op.PaymasterAndData); n > 0 && n < common.AddressLength {
		return rpcerr.InvalidParams("paymasterAndData: too short to carry a paymaster address")
	}
	required := CalcPreVerificationGas(op, m.overheads)
	if op.PreVerificationGas == nil || op.PreVerificationGas.Cmp(required) < 0 {
		return rpcerr.InvalidParams("preVerificationGas too low: expected at least %s", required)
	}
	return nil
}
