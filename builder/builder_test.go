// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package builder

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phamhongphuc1999/bundler/entrypoint"
	"github.com/phamhongphuc1999/bundler/ethnode"
	"github.com/phamhongphuc1999/bundler/mempool"
	"github.com/phamhongphuc1999/bundler/reputation"
	"github.com/phamhongphuc1999/bundler/signer"
	"github.com/phamhongphuc1999/bundler/tracer"
	"github.com/phamhongphuc1999/bundler/userop"
	"github.com/phamhongphuc1999/bundler/validation"
)

const testKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"

var (
	epAddr      = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	beneficiary = common.HexToAddress("0x9999999999999999999999999999999999999999")
	pmAddr      = common.HexToAddress("0x3333333333333333333333333333333333333333")

	// per-op prefund reported by the fake validation revert
	opPrefund = big.NewInt(100_000_000_000_000_000) // 0.1 ether
)

// fakeChain backs the builder, the validation manager and the EntryPoint
// binding at once, dispatching eth_call by method selector.
type fakeChain struct {
	deposits    map[common.Address]*big.Int
	failSenders map[common.Address]string

	dryRunErr     error
	sendErr       error
	signerBalance *big.Int

	dryRunGas   uint64
	dryRunData  []byte
	sentTx      *types.Transaction
	conditional bool
	condStorage tracer.StorageMap
}

type revertError struct {
	data []byte
}

func (e *revertError) Error() string          { return "execution reverted" }
func (e *revertError) ErrorCode() int         { return 3 }
func (e *revertError) ErrorData() interface{} { return hexutil.Encode(e.data) }

type codeError struct {
	code int
}

func (e *codeError) Error() string  { return "rpc error" }
func (e *codeError) ErrorCode() int { return e.code }

func (n *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	switch {
	case bytes.HasPrefix(msg.Data, entrypoint.ABI.Methods["simulateValidation"].ID):
		sender := common.BytesToAddress(msg.Data[36:68])
		if reason, ok := n.failSenders[sender]; ok {
			return nil, &revertError{failedOpRevert(0, reason)}
		}
		return nil, &revertError{validationRevert(opPrefund)}
	case bytes.HasPrefix(msg.Data, entrypoint.ABI.Methods["balanceOf"].ID):
		addr := common.BytesToAddress(msg.Data[4:36])
		deposit, ok := n.deposits[addr]
		if !ok {
			deposit = big.NewInt(1e18)
		}
		return common.BigToHash(deposit).Bytes(), nil
	case bytes.HasPrefix(msg.Data, entrypoint.ABI.Methods["handleOps"].ID):
		n.dryRunGas = msg.Gas
		n.dryRunData = msg.Data
		return nil, n.dryRunErr
	}
	return nil, nil
}

func (n *fakeChain) TraceCall(_ context.Context, _ ethereum.CallMsg, _ string, _ interface{}) error {
	return nil
}

func (n *fakeChain) CodeAt(_ context.Context, _ common.Address, _ *big.Int) ([]byte, error) {
	return nil, nil
}

func (n *fakeChain) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (n *fakeChain) BalanceAt(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	return n.signerBalance, nil
}

func (n *fakeChain) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return 7, nil
}

func (n *fakeChain) SuggestFeeData(_ context.Context) (*ethnode.FeeData, error) {
	return &ethnode.FeeData{MaxFeePerGas: big.NewInt(2e9), MaxPriorityFeePerGas: big.NewInt(1e9)}, nil
}

func (n *fakeChain) SendRawTransaction(_ context.Context, tx *types.Transaction) (common.Hash, error) {
	if n.sendErr != nil {
		return common.Hash{}, n.sendErr
	}
	n.sentTx = tx
	return tx.Hash(), nil
}

func (n *fakeChain) SendRawTransactionConditional(_ context.Context, tx *types.Transaction, knownAccounts tracer.StorageMap) (common.Hash, error) {
	n.conditional = true
	n.condStorage = knownAccounts
	n.sentTx = tx
	return tx.Hash(), nil
}

func (n *fakeChain) StorageRootOf(_ context.Context, _ common.Address) (common.Hash, error) {
	return common.HexToHash("0xdead"), nil
}

type zeroStakeReader struct{}

func (zeroStakeReader) GetDepositInfo(context.Context, common.Address) (*entrypoint.DepositInfo, error) {
	return &entrypoint.DepositInfo{Deposit: new(big.Int), Stake: new(big.Int)}, nil
}

func validationRevert(prefund *big.Int) []byte {
	stake := func() entrypoint.StakeInfo {
		return entrypoint.StakeInfo{Stake: new(big.Int), UnstakeDelaySec: new(big.Int)}
	}
	ret := entrypoint.ReturnInfo{
		PreOpGas:         big.NewInt(60_000),
		Prefund:          prefund,
		ValidAfter:       new(big.Int),
		ValidUntil:       new(big.Int),
		PaymasterContext: []byte{},
	}
	payload, err := entrypoint.ABI.Errors["ValidationResult"].Inputs.Pack(ret, stake(), stake(), stake())
	if err != nil {
		panic(err)
	}
	return append(entrypoint.ABI.Errors["ValidationResult"].ID.Bytes()[:4], payload...)
}

func failedOpRevert(index int64, reason string) []byte {
	payload, err := entrypoint.ABI.Errors["FailedOp"].Inputs.Pack(big.NewInt(index), reason)
	if err != nil {
		panic(err)
	}
	return append(entrypoint.ABI.Errors["FailedOp"].ID.Bytes()[:4], payload...)
}

type env struct {
	chain *fakeChain
	pool  *mempool.Pool
	rep   *reputation.Manager
	mgr   *Manager
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	chain := &fakeChain{
		deposits:      map[common.Address]*big.Int{},
		failSenders:   map[common.Address]string{},
		signerBalance: big.NewInt(1e18),
	}
	rep := reputation.New(reputation.BundlerParams, big.NewInt(1e18), 86400, zeroStakeReader{}, nil, nil)
	pool := mempool.New(rep)
	val := validation.NewManager(chain, epAddr, true)
	ep := entrypoint.New(epAddr, chain)
	sig, err := signer.FromHex(testKey)
	require.NoError(t, err)

	if cfg.Beneficiary == (common.Address{}) {
		cfg.Beneficiary = beneficiary
	}
	if cfg.MaxBundleGas == 0 {
		cfg.MaxBundleGas = 5_000_000
	}
	return &env{
		chain: chain,
		pool:  pool,
		rep:   rep,
		mgr:   New(chain, sig, pool, rep, val, ep, big.NewInt(1337), cfg),
	}
}

func bundleOp(sender common.Address, nonce, priorityFee int64) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(nonce),
		CallGasLimit:         big.NewInt(40_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(21_000),
		MaxFeePerGas:         big.NewInt(1000),
		MaxPriorityFeePerGas: big.NewInt(priorityFee),
	}
}

func (e *env) addOp(t *testing.T, op *userop.UserOperation) *mempool.Entry {
	t.Helper()
	entry := &mempool.Entry{
		Op:      op,
		Hash:    crypto.Keccak256Hash(op.Sender.Bytes(), common.BigToHash(op.Nonce).Bytes()),
		Prefund: opPrefund,
	}
	require.NoError(t, e.pool.Add(context.Background(), entry))
	return entry
}

func testSenderAt(i int64) common.Address {
	return common.BigToAddress(big.NewInt(0x1000 + i))
}

func TestSendNextBundleEmpty(t *testing.T) {
	e := newEnv(t, Config{})
	res, err := e.mgr.SendNextBundle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestSendNextBundleSuccess(t *testing.T) {
	e := newEnv(t, Config{})
	first := e.addOp(t, bundleOp(testSenderAt(1), 0, 100))
	second := e.addOp(t, bundleOp(testSenderAt(2), 0, 200))

	res, err := e.mgr.SendNextBundle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotNil(t, e.chain.sentTx)
	assert.Equal(t, e.chain.sentTx.Hash(), res.TransactionHash)
	// fee-ordered: the higher tip goes first
	assert.Equal(t, []common.Hash{second.Hash, first.Hash}, res.UserOpHashes)
	assert.Equal(t, uint64(handleOpsGasLimit), e.chain.dryRunGas)
	assert.Equal(t, uint64(handleOpsGasLimit), e.chain.sentTx.Gas())

	ops, payTo, err := entrypoint.UnpackHandleOps(e.chain.dryRunData)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
	assert.Equal(t, beneficiary, payTo)
}

func TestGasFactorScalesTxGas(t *testing.T) {
	e := newEnv(t, Config{GasFactor: 1.5})
	e.addOp(t, bundleOp(testSenderAt(1), 0, 100))

	_, err := e.mgr.SendNextBundle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(15_000_000), e.chain.dryRunGas)
}

func TestBundleGasBudget(t *testing.T) {
	// each op costs preOpGas 60k + callGasLimit 40k = 100k
	e := newEnv(t, Config{MaxBundleGas: 150_000})
	e.addOp(t, bundleOp(testSenderAt(1), 0, 100))
	winner := e.addOp(t, bundleOp(testSenderAt(2), 0, 200))

	res, err := e.mgr.SendNextBundle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []common.Hash{winner.Hash}, res.UserOpHashes)
	assert.Equal(t, 2, e.pool.Count(), "the deferred op stays pooled")
}

func TestOneOpPerSenderPerBundle(t *testing.T) {
	e := newEnv(t, Config{})
	sender := testSenderAt(1)
	e.addOp(t, bundleOp(sender, 0, 100))
	high := e.addOp(t, bundleOp(sender, 1, 200))

	res, err := e.mgr.SendNextBundle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []common.Hash{high.Hash}, res.UserOpHashes)
}

func TestBannedPaymasterRemovedFromPool(t *testing.T) {
	e := newEnv(t, Config{})
	op := bundleOp(testSenderAt(1), 0, 100)
	op.PaymasterAndData = pmAddr.Bytes()
	e.addOp(t, op)
	e.rep.Set([]reputation.Entry{{Address: pmAddr, OpsSeen: 100_000, OpsIncluded: 0}})

	res, err := e.mgr.SendNextBundle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 0, e.pool.Count(), "banned entity ops are evicted")
}

func TestThrottledPaymasterSkipped(t *testing.T) {
	e := newEnv(t, Config{})
	op := bundleOp(testSenderAt(1), 0, 100)
	op.PaymasterAndData = pmAddr.Bytes()
	e.addOp(t, op)
	e.rep.Set([]reputation.Entry{{Address: pmAddr, OpsSeen: 500, OpsIncluded: 0}})

	res, err := e.mgr.SendNextBundle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 1, e.pool.Count(), "throttled entity ops stay pooled")
}

func TestPaymasterDepositStarvation(t *testing.T) {
	e := newEnv(t, Config{})
	// deposit covers one prefund but not two
	e.chain.deposits[pmAddr] = new(big.Int).Add(opPrefund, new(big.Int).Div(opPrefund, big.NewInt(2)))

	first := bundleOp(testSenderAt(1), 0, 200)
	first.PaymasterAndData = pmAddr.Bytes()
	winner := e.addOp(t, first)

	second := bundleOp(testSenderAt(2), 0, 100)
	second.PaymasterAndData = pmAddr.Bytes()
	e.addOp(t, second)

	res, err := e.mgr.SendNextBundle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []common.Hash{winner.Hash}, res.UserOpHashes)
	assert.Equal(t, 2, e.pool.Count(), "starved op waits for the next round")
}

func TestSecondValidationDropsOp(t *testing.T) {
	e := newEnv(t, Config{})
	bad := testSenderAt(1)
	e.chain.failSenders[bad] = "AA23 reverted"
	e.addOp(t, bundleOp(bad, 0, 200))
	good := e.addOp(t, bundleOp(testSenderAt(2), 0, 100))

	res, err := e.mgr.SendNextBundle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []common.Hash{good.Hash}, res.UserOpHashes)
	assert.Equal(t, 1, e.pool.Count(), "the failing op is dropped")
}

func TestDryRunFailedOpBlamesPaymaster(t *testing.T) {
	e := newEnv(t, Config{})
	op := bundleOp(testSenderAt(1), 0, 100)
	op.PaymasterAndData = pmAddr.Bytes()
	e.addOp(t, op)
	e.chain.dryRunErr = &revertError{failedOpRevert(0, "AA33 reverted (or OOG)")}

	res, err := e.mgr.SendNextBundle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Nil(t, e.chain.sentTx, "a reverting dry run never reaches dispatch")
	assert.Equal(t, reputation.Banned, e.rep.GetStatus(pmAddr))
}

func TestDryRunFailedOpDropsUnattributed(t *testing.T) {
	e := newEnv(t, Config{})
	e.addOp(t, bundleOp(testSenderAt(1), 0, 100))
	e.chain.dryRunErr = &revertError{failedOpRevert(0, "AA95 out of gas")}

	res, err := e.mgr.SendNextBundle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 0, e.pool.Count(), "unattributed failures drop the op")
}

func TestMethodNotFoundIsFatal(t *testing.T) {
	e := newEnv(t, Config{})
	e.addOp(t, bundleOp(testSenderAt(1), 0, 100))
	e.chain.dryRunErr = &codeError{code: -32601}

	_, err := e.mgr.SendNextBundle(context.Background())
	assert.Error(t, err)
}

func TestLowSignerBalanceRedirectsFees(t *testing.T) {
	e := newEnv(t, Config{MinSignerBalance: big.NewInt(100)})
	e.chain.signerBalance = big.NewInt(50)
	e.addOp(t, bundleOp(testSenderAt(1), 0, 100))

	_, err := e.mgr.SendNextBundle(context.Background())
	require.NoError(t, err)

	sig, err := signer.FromHex(testKey)
	require.NoError(t, err)
	_, payTo, err := entrypoint.UnpackHandleOps(e.chain.dryRunData)
	require.NoError(t, err)
	assert.Equal(t, sig.Address(), payTo)
}

func TestConditionalDispatch(t *testing.T) {
	e := newEnv(t, Config{ConditionalRPC: true})
	e.addOp(t, bundleOp(testSenderAt(1), 0, 100))

	res, err := e.mgr.SendNextBundle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, e.chain.conditional)
	assert.NotNil(t, e.chain.condStorage)
}
