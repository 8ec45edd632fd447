// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package ethnode wraps the Ethereum node the bundler is attached to,
// exposing only the read/trace/send surface the rest of the bundler
// depends on.
package ethnode

import (
	"context"
	stderrors "errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"

	"github.com/phamhongphuc1999/bundler/tracer"
)

// Node is a live connection to an Ethereum node.
type Node struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	chainID *big.Int
}

// Dial connects to url and caches the chain id.
func Dial(ctx context.Context, url string) (*Node, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "dial eth node")
	}
	node := &Node{rpc: client, eth: ethclient.NewClient(client)}
	if node.chainID, err = node.eth.ChainID(ctx); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "fetch chain id")
	}
	return node, nil
}

// Close tears down the underlying connection.
func (n *Node) Close() { n.rpc.Close() }

// ChainID returns the cached chain id.
func (n *Node) ChainID() *big.Int { return new(big.Int).Set(n.chainID) }

func (n *Node) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return n.eth.CallContract(ctx, msg, blockNumber)
}

func (n *Node) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return n.eth.CodeAt(ctx, account, blockNumber)
}

func (n *Node) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return n.eth.BalanceAt(ctx, account, blockNumber)
}

func (n *Node) BlockNumber(ctx context.Context) (uint64, error) {
	return n.eth.BlockNumber(ctx)
}

func (n *Node) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return n.eth.HeaderByNumber(ctx, number)
}

func (n *Node) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return n.eth.PendingNonceAt(ctx, account)
}

func (n *Node) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return n.eth.EstimateGas(ctx, msg)
}

func (n *Node) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return n.eth.TransactionByHash(ctx, hash)
}

func (n *Node) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return n.eth.TransactionReceipt(ctx, hash)
}

func (n *Node) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return n.eth.FilterLogs(ctx, q)
}

func (n *Node) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return n.eth.SubscribeFilterLogs(ctx, q, ch)
}

// FeeData is the node's current fee suggestion. Absent components are zero.
type FeeData struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// SuggestFeeData derives type-2 fee caps from the latest header and the
// node's tip suggestion.
func (n *Node) SuggestFeeData(ctx context.Context) (*FeeData, error) {
	head, err := n.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "latest header")
	}
	tip, err := n.eth.SuggestGasTipCap(ctx)
	if err != nil {
		tip = new(big.Int)
	}
	fee := &FeeData{MaxPriorityFeePerGas: tip, MaxFeePerGas: new(big.Int)}
	if head.BaseFee != nil {
		// maxFee = 2*baseFee + tip, the conventional next-block-safe cap.
		fee.MaxFeePerGas.Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	} else {
		fee.MaxFeePerGas.Set(tip)
	}
	return fee, nil
}

// SendRawTransaction submits a signed transaction.
func (n *Node) SendRawTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "encode tx")
	}
	if err := n.rpc.CallContext(ctx, nil, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// SendRawTransactionConditional submits a signed transaction whose
// inclusion is conditioned on the supplied storage preconditions.
func (n *Node) SendRawTransactionConditional(ctx context.Context, tx *types.Transaction, knownAccounts tracer.StorageMap) (common.Hash, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "encode tx")
	}
	opts := struct {
		KnownAccounts tracer.StorageMap `json:"knownAccounts"`
	}{knownAccounts}
	if err := n.rpc.CallContext(ctx, nil, "eth_sendRawTransactionConditional", hexutil.Encode(raw), opts); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// standard JSON-RPC code for an unknown method.
const methodNotFoundCode = -32601

// SupportsConditionalSend probes eth_sendRawTransactionConditional with an
// empty payload. Any response other than method-not-found means the node
// knows the method.
func (n *Node) SupportsConditionalSend(ctx context.Context) bool {
	err := n.rpc.CallContext(ctx, nil, "eth_sendRawTransactionConditional", "0x", struct{}{})
	if err == nil {
		return true
	}
	code, ok := ErrorCode(err)
	return !ok || code != methodNotFoundCode
}

// TraceCall runs msg under the given tracer program via debug_traceCall and
// decodes the tracer's JSON output into result.
func (n *Node) TraceCall(ctx context.Context, msg ethereum.CallMsg, tracerProgram string, result interface{}) error {
	opts := struct {
		Tracer string `json:"tracer"`
	}{tracerProgram}
	return n.rpc.CallContext(ctx, result, "debug_traceCall", toCallArg(msg), "latest", opts)
}

// StorageRootOf fetches the account storage root via eth_getProof.
func (n *Node) StorageRootOf(ctx context.Context, addr common.Address) (common.Hash, error) {
	var proof struct {
		StorageHash common.Hash `json:"storageHash"`
	}
	if err := n.rpc.CallContext(ctx, &proof, "eth_getProof", addr, []common.Hash{}, "latest"); err != nil {
		return common.Hash{}, errors.Wrap(err, "eth_getProof")
	}
	return proof.StorageHash, nil
}

func toCallArg(msg ethereum.CallMsg) interface{} {
	arg := map[string]interface{}{"from": msg.From, "to": msg.To}
	if len(msg.Data) > 0 {
		arg["data"] = hexutil.Bytes(msg.Data)
	}
	if msg.Value != nil {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}
	if msg.Gas != 0 {
		arg["gas"] = hexutil.Uint64(msg.Gas)
	}
	if msg.GasPrice != nil {
		arg["gasPrice"] = (*hexutil.Big)(msg.GasPrice)
	}
	return arg
}

// RevertData extracts the revert return data carried by a node error, the
// way geth attaches it to eth_call failures.
func RevertData(err error) ([]byte, bool) {
	var dataErr rpc.DataError
	if !stderrors.As(err, &dataErr) {
		return nil, false
	}
	hexStr, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil, false
	}
	data, decodeErr := hexutil.Decode(hexStr)
	if decodeErr != nil {
		return nil, false
	}
	return data, true
}

// ErrorCode extracts the JSON-RPC error code of a node error.
func ErrorCode(err error) (int, bool) {
	var rpcErr rpc.Error
	if stderrors.As(err, &rpcErr) {
		return rpcErr.ErrorCode(), true
	}
	return 0, false
}
