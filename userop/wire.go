// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package userop

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// Wire is the JSON-RPC form of a UserOperation: every field a 0x-prefixed
// lowercase hex string. It exists only at the API boundary; nothing past
// the decoder touches it.
type Wire struct {
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	InitCode             string `json:"initCode"`
	CallData             string `json:"callData"`
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string `json:"paymasterAndData"`
	Signature            string `json:"signature"`
}

var hexPattern = regexp.MustCompile(`^0x[0-9a-f]*$`)

// Decode validates every field against the wire grammar and converts to the
// canonical record.
func (w *Wire) Decode() (*UserOperation, error) {
	fields := []struct {
		name  string
		value string
	}{
		{"sender", w.Sender},
		{"nonce", w.Nonce},
		{"initCode", w.InitCode},
		{"callData", w.CallData},
		{"callGasLimit", w.CallGasLimit},
		{"verificationGasLimit", w.VerificationGasLimit},
		{"preVerificationGas", w.PreVerificationGas},
		{"maxFeePerGas", w.MaxFeePerGas},
		{"maxPriorityFeePerGas", w.MaxPriorityFeePerGas},
		{"paymasterAndData", w.PaymasterAndData},
		{"signature", w.Signature},
	}
	for _, f := range fields {
		if f.value == "" {
			return nil, errors.Errorf("missing userOp field %s", f.name)
		}
		if !hexPattern.MatchString(strings.ToLower(f.value)) {
			return nil, errors.Errorf("invalid hex in userOp field %s", f.name)
		}
	}
	sender, err := decodeAddress(w.Sender)
	if err != nil {
		return nil, errors.WithMessage(err, "sender")
	}
	op := &UserOperation{Sender: sender}
	if op.Nonce, err = decodeBig(w.Nonce); err != nil {
		return nil, errors.WithMessage(err, "nonce")
	}
	if op.InitCode, err = decodeBytes(w.InitCode); err != nil {
		return nil, errors.WithMessage(err, "initCode")
	}
	if op.CallData, err = decodeBytes(w.CallData); err != nil {
		return nil, errors.WithMessage(err, "callData")
	}
	if op.CallGasLimit, err = decodeBig(w.CallGasLimit); err != nil {
		return nil, errors.WithMessage(err, "callGasLimit")
	}
	if op.VerificationGasLimit, err = decodeBig(w.VerificationGasLimit); err != nil {
		return nil, errors.WithMessage(err, "verificationGasLimit")
	}
	if op.PreVerificationGas, err = decodeBig(w.PreVerificationGas); err != nil {
		return nil, errors.WithMessage(err, "preVerificationGas")
	}
	if op.MaxFeePerGas, err = decodeBig(w.MaxFeePerGas); err != nil {
		return nil, errors.WithMessage(err, "maxFeePerGas")
	}
	if op.MaxPriorityFeePerGas, err = decodeBig(w.MaxPriorityFeePerGas); err != nil {
		return nil, errors.WithMessage(err, "maxPriorityFeePerGas")
	}
	if op.PaymasterAndData, err = decodeBytes(w.PaymasterAndData); err != nil {
		return nil, errors.WithMessage(err, "paymasterAndData")
	}
	if op.Signature, err = decodeBytes(w.Signature); err != nil {
		return nil, errors.WithMessage(err, "signature")
	}
	return op, nil
}

// ToWire hex-encodes op for RPC output: lowercase, leading zeros stripped,
// zero numerics as 0x0.
func ToWire(op *UserOperation) *Wire {
	n := op.normalized()
	return &Wire{
		Sender:               strings.ToLower(n.Sender.Hex()),
		Nonce:                hexutil.EncodeBig(n.Nonce),
		InitCode:             hexutil.Encode(n.InitCode),
		CallData:             hexutil.Encode(n.CallData),
		CallGasLimit:         hexutil.EncodeBig(n.CallGasLimit),
		VerificationGasLimit: hexutil.EncodeBig(n.VerificationGasLimit),
		PreVerificationGas:   hexutil.EncodeBig(n.PreVerificationGas),
		MaxFeePerGas:         hexutil.EncodeBig(n.MaxFeePerGas),
		MaxPriorityFeePerGas: hexutil.EncodeBig(n.MaxPriorityFeePerGas),
		PaymasterAndData:     hexutil.Encode(n.PaymasterAndData),
		Signature:            hexutil.Encode(n.Signature),
	}
}

func decodeAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.New("not a 20-byte address")
	}
	return common.HexToAddress(s), nil
}

func decodeBytes(s string) ([]byte, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, errors.Wrap(err, "decode bytes")
	}
	return b, nil
}

// decodeBig is deliberately lenient about leading zeros; clients pad.
func decodeBig(s string) (*big.Int, error) {
	body := strings.TrimPrefix(strings.ToLower(s), "0x")
	if body == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(body, 16)
	if !ok {
		return nil, errors.New("not a hex quantity")
	}
	return v, nil
}
