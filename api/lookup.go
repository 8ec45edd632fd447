// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package api

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/phamhongphuc1999/bundler/entrypoint"
	"github.com/phamhongphuc1999/bundler/userop"
)

// LookupNode is the chain read surface serving the by-hash queries.
type LookupNode interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// findUserOperationEvent locates the inclusion event of a userOpHash.
func (b *Backend) findUserOperationEvent(ctx context.Context, hash common.Hash) (*types.Log, error) {
	logs, err := b.Lookup.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{b.EntryPoint},
		Topics:    [][]common.Hash{{entrypoint.UserOperationEventTopic}, {hash}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "query UserOperationEvent")
	}
	if len(logs) == 0 {
		return nil, nil
	}
	return &logs[0], nil
}

func (b *Backend) getUserOperationByHash(ctx context.Context, hash common.Hash) (interface{}, error) {
	ev, err := b.findUserOperationEvent(ctx, hash)
	if err != nil || ev == nil {
		return nil, err
	}
	tx, _, err := b.Lookup.TransactionByHash(ctx, ev.TxHash)
	if err != nil {
		return nil, errors.Wrap(err, "fetch bundle tx")
	}
	ops, _, err := entrypoint.UnpackHandleOps(tx.Data())
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if op.Hash(b.EntryPoint, b.ChainID) == hash {
			return map[string]interface{}{
				"userOperation":   userop.ToWire(op),
				"entryPoint":      b.EntryPoint.Hex(),
				"transactionHash": ev.TxHash,
				"blockHash":       ev.BlockHash,
				"blockNumber":     hexutil.Uint64(ev.BlockNumber),
			}, nil
		}
	}
	return nil, errors.New("op not found in its bundle transaction")
}

func (b *Backend) getUserOperationReceipt(ctx context.Context, hash common.Hash) (interface{}, error) {
	ev, err := b.findUserOperationEvent(ctx, hash)
	if err != nil || ev == nil {
		return nil, err
	}
	parsed, err := entrypoint.ParseUserOperationEvent(*ev)
	if err != nil {
		return nil, err
	}
	receipt, err := b.Lookup.TransactionReceipt(ctx, ev.TxHash)
	if err != nil {
		return nil, errors.Wrap(err, "fetch bundle receipt")
	}

	result := map[string]interface{}{
		"userOpHash":    parsed.UserOpHash,
		"sender":        parsed.Sender.Hex(),
		"nonce":         hexutil.EncodeBig(parsed.Nonce),
		"actualGasCost": hexutil.EncodeBig(parsed.ActualGasCost),
		"actualGasUsed": hexutil.EncodeBig(parsed.ActualGasUsed),
		"success":       parsed.Success,
		"logs":          opLogsOfReceipt(ev, receipt.Logs),
		"receipt":       receipt,
	}
	if parsed.Paymaster != (common.Address{}) {
		result["paymaster"] = parsed.Paymaster.Hex()
	}
	return result, nil
}

// opLogsOfReceipt slices the receipt logs down to the ones this op emitted:
// everything after the previous op's event (or the bundle's BeforeExecution
// marker) and before this op's own event.
func opLogsOfReceipt(ev *types.Log, logs []*types.Log) []*types.Log {
	start, end := -1, -1
	for i, l := range logs {
		if len(l.Topics) == 0 {
			continue
		}
		switch {
		case l.Topics[0] == entrypoint.BeforeExecutionTopic:
			start, end = i, i
		case l.Topics[0] == entrypoint.UserOperationEventTopic:
			if len(l.Topics) > 1 && l.Topics[1] == ev.Topics[1] {
				end = i
			} else if end == -1 {
				start = i
			}
		}
	}
	if end == -1 || start+1 > end {
		return []*types.Log{}
	}
	return logs[start+1 : end]
}
