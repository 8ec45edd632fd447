// Copyright (c) 2023 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package userop models the EntryPoint v0.6 UserOperation: the canonical
// in-memory record, its hex wire codec, ABI packing and hashing.
package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is a signed ERC-4337 pseudo-transaction. Field names match
// the EntryPoint tuple components so the struct packs directly through the
// ABI layer.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// HasFactory reports whether initCode carries a deploying factory.
func (op *UserOperation) HasFactory() bool {
	return len(op.InitCode) >= common.AddressLength
}

// Factory returns the first 20 bytes of initCode, the zero address when absent.
func (op *UserOperation) Factory() common.Address {
	if !op.HasFactory() {
		return common.Address{}
	}
	return common.BytesToAddress(op.InitCode[:common.AddressLength])
}

// HasPaymaster reports whether paymasterAndData carries a paymaster.
func (op *UserOperation) HasPaymaster() bool {
	return len(op.PaymasterAndData) >= common.AddressLength
}

// Paymaster returns the first 20 bytes of paymasterAndData, the zero address
// when absent.
func (op *UserOperation) Paymaster() common.Address {
	if !op.HasPaymaster() {
		return common.Address{}
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
}

// RequiredPrefund computes the deposit the EntryPoint demands before
// executing the op. The verification gas is charged threefold when a
// paymaster participates (postOp calls included).
func (op *UserOperation) RequiredPrefund() *big.Int {
	mul := big.NewInt(1)
	if op.HasPaymaster() {
		mul = big.NewInt(3)
	}
	requiredGas := new(big.Int).Mul(bigOrZero(op.VerificationGasLimit), mul)
	requiredGas.Add(requiredGas, bigOrZero(op.CallGasLimit))
	requiredGas.Add(requiredGas, bigOrZero(op.PreVerificationGas))
	return requiredGas.Mul(requiredGas, bigOrZero(op.MaxFeePerGas))
}

// Clone returns a deep copy.
func (op *UserOperation) Clone() *UserOperation {
	cpy := *op
	cpy.Nonce = bigCopy(op.Nonce)
	cpy.InitCode = append([]byte(nil), op.InitCode...)
	cpy.CallData = append([]byte(nil), op.CallData...)
	cpy.CallGasLimit = bigCopy(op.CallGasLimit)
	cpy.VerificationGasLimit = bigCopy(op.VerificationGasLimit)
	cpy.PreVerificationGas = bigCopy(op.PreVerificationGas)
	cpy.MaxFeePerGas = bigCopy(op.MaxFeePerGas)
	cpy.MaxPriorityFeePerGas = bigCopy(op.MaxPriorityFeePerGas)
	cpy.PaymasterAndData = append([]byte(nil), op.PaymasterAndData...)
	cpy.Signature = append([]byte(nil), op.Signature...)
	return &cpy
}

var (
	addressT = mustNewType("address")
	uint256T = mustNewType("uint256")
	bytes32T = mustNewType("bytes32")

	// TupleType is the ABI type of the v0.6 UserOperation struct.
	TupleType = mustNewTupleType()

	hashArgs = abi.Arguments{
		{Type: addressT}, {Type: uint256T}, {Type: bytes32T}, {Type: bytes32T},
		{Type: uint256T}, {Type: uint256T}, {Type: uint256T}, {Type: uint256T}, {Type: uint256T},
		{Type: bytes32T},
	}
	wrapArgs = abi.Arguments{{Type: bytes32T}, {Type: addressT}, {Type: uint256T}}
	packArgs = abi.Arguments{{Type: TupleType}}
)

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func mustNewTupleType() abi.Type {
	typ, err := abi.NewType("tuple", "UserOperation", []abi.ArgumentMarshaling{
		{Name: "sender", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "initCode", Type: "bytes"},
		{Name: "callData", Type: "bytes"},
		{Name: "callGasLimit", Type: "uint256"},
		{Name: "verificationGasLimit", Type: "uint256"},
		{Name: "preVerificationGas", Type: "uint256"},
		{Name: "maxFeePerGas", Type: "uint256"},
		{Name: "maxPriorityFeePerGas", Type: "uint256"},
		{Name: "paymasterAndData", Type: "bytes"},
		{Name: "signature", Type: "bytes"},
	})
	if err != nil {
		panic(err)
	}
	return typ
}

// Pack ABI-encodes the op as a single dynamic tuple, the encoding the
// EntryPoint charges calldata gas for.
func (op *UserOperation) Pack() ([]byte, error) {
	return packArgs.Pack(*op.normalized())
}

// PackForSignature encodes the op the way getUserOpHash does on-chain:
// dynamic byte fields are replaced by their keccak hashes.
func (op *UserOperation) PackForSignature() ([]byte, error) {
	n := op.normalized()
	return hashArgs.Pack(
		n.Sender,
		n.Nonce,
		crypto.Keccak256Hash(n.InitCode),
		crypto.Keccak256Hash(n.CallData),
		n.CallGasLimit,
		n.VerificationGasLimit,
		n.PreVerificationGas,
		n.MaxFeePerGas,
		n.MaxPriorityFeePerGas,
		crypto.Keccak256Hash(n.PaymasterAndData),
	)
}

// Hash computes the v0.6 userOpHash: keccak over the signature packing,
// bound to the EntryPoint address and chain id.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	packed, err := op.PackForSignature()
	if err != nil {
		// cannot happen for a normalized op; fixed argument types
		panic(err)
	}
	wrapped, err := wrapArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, bigOrZero(chainID))
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(wrapped)
}

// Normalized returns a copy with nil numerics replaced by zero and nil byte
// fields by empty slices, safe to hand to the ABI layer.
func (op *UserOperation) Normalized() *UserOperation {
	return op.normalized()
}

// normalized returns a copy with nil numerics replaced by zero so the ABI
// layer never dereferences a nil big.Int.
func (op *UserOperation) normalized() *UserOperation {
	cpy := *op
	cpy.Nonce = bigOrZero(op.Nonce)
	cpy.CallGasLimit = bigOrZero(op.CallGasLimit)
	cpy.VerificationGasLimit = bigOrZero(op.VerificationGasLimit)
	cpy.PreVerificationGas = bigOrZero(op.PreVerificationGas)
	cpy.MaxFeePerGas = bigOrZero(op.MaxFeePerGas)
	cpy.MaxPriorityFeePerGas = bigOrZero(op.MaxPriorityFeePerGas)
	if cpy.InitCode == nil {
		cpy.InitCode = []byte{}
	}
	if cpy.CallData == nil {
		cpy.CallData = []byte{}
	}
	if cpy.PaymasterAndData == nil {
		cpy.PaymasterAndData = []byte{}
	}
	if cpy.Signature == nil {
		cpy.Signature = []byte{}
	}
	return &cpy
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func bigCopy(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
