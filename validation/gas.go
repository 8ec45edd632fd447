// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package validation

import (
	"math/big"

	"github.com/phamhongphuc1999/bundler/userop"
)

// GasOverheads parameterize calcPreVerificationGas: the calldata and
// per-op overhead the bundler pays on-chain but the EntryPoint cannot
// meter, so the op must cover it up front.
type GasOverheads struct {
	Fixed         uint64
	PerUserOp     uint64
	PerUserOpWord uint64
	ZeroByte      uint64
	NonZeroByte   uint64
	BundleSize    uint64
	SigSize       uint64
}

// DefaultGasOverheads are the reference parameters.
func DefaultGasOverheads() GasOverheads {
	return GasOverheads{
		Fixed:         21000,
		PerUserOp:     18300,
		PerUserOpWord: 4,
		ZeroByte:      4,
		NonZeroByte:   16,
		BundleSize:    1,
		SigSize:       65,
	}
}

// CalcPreVerificationGas deterministically prices the op's share of the
// bundle overhead. An op without a signature is measured with a dummy
// signature of SigSize bytes so the estimate matches the signed op.
func CalcPreVerificationGas(op *userop.UserOperation, ov GasOverheads) *big.Int {
	p := op.Normalized()
	if len(p.Signature) == 0 {
		p.Signature = make([]byte, ov.SigSize)
		for i := range p.Signature {
			p.Signature[i] = 0xff
		}
	}
	packed, err := p.Pack()
	if err != nil {
		// fixed tuple layout, cannot fail on a normalized op
		panic(err)
	}
	var callDataCost uint64
	for _, b := range packed {
		if b == 0 {
			callDataCost += ov.ZeroByte
		} else {
			callDataCost += ov.NonZeroByte
		}
	}
	words := (uint64(len(packed)) + 31) / 32
	total := callDataCost + ov.Fixed/ov.BundleSize + ov.PerUserOp + ov.PerUserOpWord*words
	return new(big.Int).SetUint64(total)
}
