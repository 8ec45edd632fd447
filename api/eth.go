// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package api

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/phamhongphuc1999/bundler/rpcerr"
	"github.com/phamhongphuc1999/bundler/userop"
)

// ClientVersionPrefix identifies this bundler implementation.
const ClientVersionPrefix = "aa-bundler"

func registerEthMethods(s *rpcServer, b *Backend, opts Options) {
	s.register("eth_chainId", func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		return hexutil.EncodeBig(b.ChainID), nil
	})

	s.register("eth_supportedEntryPoints", func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		return []string{b.EntryPoint.Hex()}, nil
	})

	s.register("web3_clientVersion", func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		version := ClientVersionPrefix + "/" + opts.Version
		if opts.Unsafe {
			version += "/unsafe"
		}
		return version, nil
	})

	s.register("eth_sendUserOperation", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var wire userop.Wire
		var epStr string
		if err := parseParams(params, 2, &wire, &epStr); err != nil {
			return nil, err
		}
		entryPoint, err := parseAddress(epStr)
		if err != nil {
			return nil, err
		}
		op, err := wire.Decode()
		if err != nil {
			return nil, rpcerr.InvalidParams("%s", err)
		}
		hash, err := b.Executor.SendUserOperation(ctx, op, entryPoint)
		if err != nil {
			return nil, err
		}
		return hash, nil
	})

	s.register("eth_estimateUserOperationGas", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var wire userop.Wire
		var epStr string
		if err := parseParams(params, 2, &wire, &epStr); err != nil {
			return nil, err
		}
		entryPoint, err := parseAddress(epStr)
		if err != nil {
			return nil, err
		}
		if entryPoint != b.EntryPoint {
			return nil, rpcerr.InvalidParams("entryPoint %s not supported", entryPoint.Hex())
		}
		fillEstimateDefaults(&wire)
		op, err := wire.Decode()
		if err != nil {
			return nil, rpcerr.InvalidParams("%s", err)
		}
		estimate, err := b.Validation.EstimateGas(ctx, op)
		if err != nil {
			return nil, err
		}
		result := map[string]interface{}{
			"preVerificationGas":   hexutil.EncodeBig(estimate.PreVerificationGas),
			"verificationGasLimit": hexutil.EncodeBig(estimate.VerificationGasLimit),
			"callGasLimit":         hexutil.EncodeBig(estimate.CallGasLimit),
		}
		if estimate.ValidAfter != nil {
			result["validAfter"] = hexutil.EncodeBig(estimate.ValidAfter)
		}
		if estimate.ValidUntil != nil {
			result["validUntil"] = hexutil.EncodeBig(estimate.ValidUntil)
		}
		return result, nil
	})

	s.register("eth_getUserOperationByHash", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var hash common.Hash
		if err := parseParams(params, 1, &hash); err != nil {
			return nil, err
		}
		return b.getUserOperationByHash(ctx, hash)
	})

	s.register("eth_getUserOperationReceipt", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var hash common.Hash
		if err := parseParams(params, 1, &hash); err != nil {
			return nil, err
		}
		return b.getUserOperationReceipt(ctx, hash)
	})
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, rpcerr.InvalidParams("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// fillEstimateDefaults relaxes the wire grammar for estimation: the fields
// being estimated (and the fee fields the simulation zeroes anyway) may be
// omitted.
func fillEstimateDefaults(w *userop.Wire) {
	defaults := []*string{
		&w.CallGasLimit, &w.VerificationGasLimit, &w.PreVerificationGas,
		&w.MaxFeePerGas, &w.MaxPriorityFeePerGas,
	}
	for _, field := range defaults {
		if *field == "" {
			*field = "0x0"
		}
	}
	if w.PaymasterAndData == "" {
		w.PaymasterAndData = "0x"
	}
	if w.Signature == "" {
		w.Signature = "0x"
	}
	if w.InitCode == "" {
		w.InitCode = "0x"
	}
	if w.Nonce == "" {
		w.Nonce = "0x0"
	}
}
