// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package bundlerclient provides a typed Go client for the bundler's
// JSON-RPC API.
package bundlerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/phamhongphuc1999/bundler/reputation"
	"github.com/phamhongphuc1999/bundler/rpcerr"
	"github.com/phamhongphuc1999/bundler/userop"
)

// Client talks to a single bundler endpoint.
type Client struct {
	url  string
	http *http.Client
}

// New creates a client for the given base URL, e.g. "http://localhost:4337".
func New(url string) *Client {
	return &Client{url: url, http: &http.Client{}}
}

// NewWithHTTP creates a client using the caller's HTTP client.
func NewWithHTTP(url string, c *http.Client) *Client {
	return &Client{url: url, http: c}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcerr.Error   `json:"error"`
}

// Call performs a raw JSON-RPC call and unmarshals the result into out.
// A non-nil *rpcerr.Error from the server is returned as-is.
func (c *Client) Call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(&rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/rpc", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d: %s", resp.StatusCode, respBody)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return errors.Wrap(err, "unmarshal response")
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// ChainID returns the chain id the bundler serves.
func (c *Client) ChainID(ctx context.Context) (*hexutil.Big, error) {
	var id hexutil.Big
	if err := c.Call(ctx, &id, "eth_chainId"); err != nil {
		return nil, err
	}
	return &id, nil
}

// SupportedEntryPoints lists the EntryPoint contracts the bundler accepts.
func (c *Client) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var raw []string
	if err := c.Call(ctx, &raw, "eth_supportedEntryPoints"); err != nil {
		return nil, err
	}
	out := make([]common.Address, 0, len(raw))
	for _, s := range raw {
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}

// ClientVersion returns the bundler's version string.
func (c *Client) ClientVersion(ctx context.Context) (string, error) {
	var v string
	err := c.Call(ctx, &v, "web3_clientVersion")
	return v, err
}

// SendUserOperation submits an op and returns its userOpHash.
func (c *Client) SendUserOperation(ctx context.Context, op *userop.Wire, entryPoint common.Address) (common.Hash, error) {
	var hash common.Hash
	err := c.Call(ctx, &hash, "eth_sendUserOperation", op, entryPoint.Hex())
	return hash, err
}

// GasEstimate is the result of eth_estimateUserOperationGas.
type GasEstimate struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
	ValidAfter           *hexutil.Big `json:"validAfter,omitempty"`
	ValidUntil           *hexutil.Big `json:"validUntil,omitempty"`
}

// EstimateUserOperationGas asks the bundler for gas limits. Fields under
// estimation may be left empty on the wire op.
func (c *Client) EstimateUserOperationGas(ctx context.Context, op *userop.Wire, entryPoint common.Address) (*GasEstimate, error) {
	var estimate GasEstimate
	if err := c.Call(ctx, &estimate, "eth_estimateUserOperationGas", op, entryPoint.Hex()); err != nil {
		return nil, err
	}
	return &estimate, nil
}

// OpByHash is the result of eth_getUserOperationByHash.
type OpByHash struct {
	UserOperation   *userop.Wire   `json:"userOperation"`
	EntryPoint      common.Address `json:"entryPoint"`
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockHash       common.Hash    `json:"blockHash"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
}

// GetUserOperationByHash returns the included op, or nil while pending or
// unknown.
func (c *Client) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*OpByHash, error) {
	var out *OpByHash
	if err := c.Call(ctx, &out, "eth_getUserOperationByHash", hash); err != nil {
		return nil, err
	}
	return out, nil
}

// OpReceipt is the result of eth_getUserOperationReceipt.
type OpReceipt struct {
	UserOpHash    common.Hash     `json:"userOpHash"`
	Sender        common.Address  `json:"sender"`
	Nonce         *hexutil.Big    `json:"nonce"`
	Paymaster     *common.Address `json:"paymaster,omitempty"`
	ActualGasCost *hexutil.Big    `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big    `json:"actualGasUsed"`
	Success       bool            `json:"success"`
	Logs          []*types.Log    `json:"logs"`
	Receipt       *types.Receipt  `json:"receipt"`
}

// GetUserOperationReceipt returns the op-scoped receipt, or nil while
// pending or unknown.
func (c *Client) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*OpReceipt, error) {
	var out *OpReceipt
	if err := c.Call(ctx, &out, "eth_getUserOperationReceipt", hash); err != nil {
		return nil, err
	}
	return out, nil
}

// Health probes the liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// DebugClearState wipes the mempool and reputation tables.
func (c *Client) DebugClearState(ctx context.Context) error {
	return c.Call(ctx, nil, "debug_bundler_clearState")
}

// DebugClearMempool wipes the mempool only.
func (c *Client) DebugClearMempool(ctx context.Context) error {
	return c.Call(ctx, nil, "debug_bundler_clearMempool")
}

// DebugClearReputation wipes the reputation table only.
func (c *Client) DebugClearReputation(ctx context.Context) error {
	return c.Call(ctx, nil, "debug_bundler_clearReputation")
}

// DebugDumpMempool returns the pending ops in inclusion order.
func (c *Client) DebugDumpMempool(ctx context.Context) ([]*userop.Wire, error) {
	var ops []*userop.Wire
	if err := c.Call(ctx, &ops, "debug_bundler_dumpMempool"); err != nil {
		return nil, err
	}
	return ops, nil
}

// DebugSetReputation overrides reputation entries.
func (c *Client) DebugSetReputation(ctx context.Context, entries []reputation.Entry) error {
	return c.Call(ctx, nil, "debug_bundler_setReputation", entries)
}

// DebugDumpReputation returns the reputation table.
func (c *Client) DebugDumpReputation(ctx context.Context) ([]reputation.Entry, error) {
	var entries []reputation.Entry
	if err := c.Call(ctx, &entries, "debug_bundler_dumpReputation"); err != nil {
		return nil, err
	}
	return entries, nil
}

// DebugSetBundlingMode switches between "auto" and "manual" bundling.
func (c *Client) DebugSetBundlingMode(ctx context.Context, mode string) error {
	return c.Call(ctx, nil, "debug_bundler_setBundlingMode", mode)
}

// DebugSetBundleInterval reconfigures the auto-bundler timer.
func (c *Client) DebugSetBundleInterval(ctx context.Context, intervalSeconds int64, maxPoolSize int) error {
	return c.Call(ctx, nil, "debug_bundler_setBundleInterval", intervalSeconds, maxPoolSize)
}

// BundleResult reports a dispatched bundle.
type BundleResult struct {
	TransactionHash common.Hash   `json:"transactionHash"`
	UserOpHashes    []common.Hash `json:"userOpHashes"`
}

// DebugSendBundleNow forces an immediate bundle attempt. A nil result means
// the mempool had nothing to bundle.
func (c *Client) DebugSendBundleNow(ctx context.Context) (*BundleResult, error) {
	var raw json.RawMessage
	if err := c.Call(ctx, &raw, "debug_bundler_sendBundleNow"); err != nil {
		return nil, err
	}
	if string(raw) == `"ok"` {
		return nil, nil
	}
	var result BundleResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DebugGetStakeStatus returns the EntryPoint stake view of an address.
func (c *Client) DebugGetStakeStatus(ctx context.Context, addr, entryPoint common.Address) (*reputation.StakeStatus, error) {
	var status reputation.StakeStatus
	if err := c.Call(ctx, &status, "debug_bundler_getStakeStatus", addr.Hex(), entryPoint.Hex()); err != nil {
		return nil, err
	}
	return &status, nil
}
