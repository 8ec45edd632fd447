// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package validation

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phamhongphuc1999/bundler/entrypoint"
	"github.com/phamhongphuc1999/bundler/rpcerr"
)

// revertError mimics the error geth's rpc client returns for a reverted
// eth_call: the revert data rides in ErrorData.
type revertError struct {
	data []byte
}

func (e *revertError) Error() string          { return "execution reverted" }
func (e *revertError) ErrorCode() int         { return 3 }
func (e *revertError) ErrorData() interface{} { return hexutil.Encode(e.data) }

// fakeNode serves canned responses for the manager's chain surface.
type fakeNode struct {
	callErr     error
	codes       map[common.Address][]byte
	estimate    uint64
	estimateErr error
}

func (n *fakeNode) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return nil, n.callErr
}

func (n *fakeNode) TraceCall(_ context.Context, _ ethereum.CallMsg, _ string, _ interface{}) error {
	return nil
}

func (n *fakeNode) CodeAt(_ context.Context, addr common.Address, _ *big.Int) ([]byte, error) {
	return n.codes[addr], nil
}

func (n *fakeNode) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return n.estimate, n.estimateErr
}

func packValidationRevert(t *testing.T, vr *entrypoint.ValidationResult) []byte {
	t.Helper()
	payload, err := entrypoint.ABI.Errors["ValidationResult"].Inputs.Pack(
		vr.ReturnInfo, vr.SenderInfo, vr.FactoryInfo, vr.PaymasterInfo,
	)
	require.NoError(t, err)
	return append(entrypoint.ABI.Errors["ValidationResult"].ID.Bytes()[:4], payload...)
}

func validReturnInfo() *entrypoint.ValidationResult {
	vr := zeroValidationResult()
	vr.ReturnInfo.PreOpGas = big.NewInt(60_000)
	vr.ReturnInfo.ValidAfter = new(big.Int)
	vr.ReturnInfo.ValidUntil = new(big.Int)
	vr.ReturnInfo.PaymasterContext = []byte{}
	return vr
}

func unsafeManager(node Node) *Manager {
	return NewManager(node, testEntryPoint, true)
}

func TestValidateUserOpUnsafe(t *testing.T) {
	node := &fakeNode{callErr: &revertError{packValidationRevert(t, validReturnInfo())}}
	m := unsafeManager(node)

	op := rulesOp()
	res, err := m.ValidateUserOp(context.Background(), op, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), res.ReturnInfo.PreOpGas.Int64())
	assert.Nil(t, res.ReferencedContracts, "unsafe mode keeps no code fingerprint")
}

func TestValidateUserOpNoRevert(t *testing.T) {
	m := unsafeManager(&fakeNode{callErr: nil})
	_, err := m.ValidateUserOp(context.Background(), rulesOp(), nil)
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.CodeSimulateValidation))
}

func TestValidateUserOpFailedOp(t *testing.T) {
	payload, err := entrypoint.ABI.Errors["FailedOp"].Inputs.Pack(big.NewInt(0), "AA31 paymaster deposit too low")
	require.NoError(t, err)
	data := append(entrypoint.ABI.Errors["FailedOp"].ID.Bytes()[:4], payload...)

	m := unsafeManager(&fakeNode{callErr: &revertError{data}})
	_, err = m.ValidateUserOp(context.Background(), rulesOp(), nil)
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.CodeSimulatePaymaster), "AA3x maps to the paymaster code")
}

func TestValidateUserOpSigFailed(t *testing.T) {
	vr := validReturnInfo()
	vr.ReturnInfo.SigFailed = true
	m := unsafeManager(&fakeNode{callErr: &revertError{packValidationRevert(t, vr)}})

	_, err := m.ValidateUserOp(context.Background(), rulesOp(), nil)
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.CodeInvalidSignature))
}

func TestValidateUserOpTimeRange(t *testing.T) {
	now := time.Now().Unix()

	vr := validReturnInfo()
	vr.ReturnInfo.ValidAfter = big.NewInt(now + 3600)
	m := unsafeManager(&fakeNode{callErr: &revertError{packValidationRevert(t, vr)}})
	_, err := m.ValidateUserOp(context.Background(), rulesOp(), nil)
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.CodeNotInTimeRange))

	vr = validReturnInfo()
	vr.ReturnInfo.ValidUntil = big.NewInt(now + 5) // expires within the 30s slack
	m = unsafeManager(&fakeNode{callErr: &revertError{packValidationRevert(t, vr)}})
	_, err = m.ValidateUserOp(context.Background(), rulesOp(), nil)
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.CodeNotInTimeRange))

	vr = validReturnInfo()
	vr.ReturnInfo.ValidUntil = big.NewInt(now + 3600)
	m = unsafeManager(&fakeNode{callErr: &revertError{packValidationRevert(t, vr)}})
	_, err = m.ValidateUserOp(context.Background(), rulesOp(), nil)
	assert.NoError(t, err)
}

func TestValidateUserOpVerificationGasSlack(t *testing.T) {
	vr := validReturnInfo()
	// preOpGas - preVerificationGas leaves less than 2000 slack below the
	// declared verificationGasLimit
	vr.ReturnInfo.PreOpGas = big.NewInt(120_000)
	m := unsafeManager(&fakeNode{callErr: &revertError{packValidationRevert(t, vr)}})

	_, err := m.ValidateUserOp(context.Background(), rulesOp(), nil)
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.CodeSimulateValidation))
}

func TestValidateUserOpCodeChanged(t *testing.T) {
	node := &fakeNode{
		callErr: &revertError{packValidationRevert(t, validReturnInfo())},
		codes:   map[common.Address][]byte{testSender: {0x60, 0x80}},
	}
	m := unsafeManager(node)

	hash, err := m.CodeHashes(context.Background(), []common.Address{testSender})
	require.NoError(t, err)

	// unchanged fingerprint passes
	_, err = m.ValidateUserOp(context.Background(), rulesOp(), &ReferencedCode{
		Addresses: []common.Address{testSender},
		Hash:      hash,
	})
	assert.NoError(t, err)

	node.codes[testSender] = []byte{0x60, 0x81}
	_, err = m.ValidateUserOp(context.Background(), rulesOp(), &ReferencedCode{
		Addresses: []common.Address{testSender},
		Hash:      hash,
	})
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.CodeOpcodeValidation))
}

func TestCodeHashesOrderInsensitive(t *testing.T) {
	node := &fakeNode{codes: map[common.Address][]byte{
		testSender:  {0x01},
		testFactory: {0x02},
	}}
	m := unsafeManager(node)

	a, err := m.CodeHashes(context.Background(), []common.Address{testSender, testFactory})
	require.NoError(t, err)
	b, err := m.CodeHashes(context.Background(), []common.Address{testFactory, testSender})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCheckInput(t *testing.T) {
	m := unsafeManager(&fakeNode{})

	op := rulesOp()
	op.PreVerificationGas = CalcPreVerificationGas(op, m.overheads)
	assert.NoError(t, m.CheckInput(op, testEntryPoint))

	err := m.CheckInput(op, common.Address{})
	assert.True(t, rpcerr.Is(err, rpcerr.CodeInvalidParams))

	short := rulesOp()
	short.PreVerificationGas = big.NewInt(1 << 30)
	short.InitCode = []byte{0x01}
	err = m.CheckInput(short, testEntryPoint)
	assert.True(t, rpcerr.Is(err, rpcerr.CodeInvalidParams))

	low := rulesOp()
	low.PreVerificationGas = big.NewInt(1)
	err = m.CheckInput(low, testEntryPoint)
	assert.True(t, rpcerr.Is(err, rpcerr.CodeInvalidParams))
}

func TestEstimateGas(t *testing.T) {
	vr := validReturnInfo()
	vr.ReturnInfo.PreOpGas = big.NewInt(70_000)
	node := &fakeNode{
		callErr:  &revertError{packValidationRevert(t, vr)},
		estimate: 123_456,
	}
	m := unsafeManager(node)

	estimate, err := m.EstimateGas(context.Background(), rulesOp())
	require.NoError(t, err)
	assert.Equal(t, int64(70_000), estimate.VerificationGasLimit.Int64())
	assert.Equal(t, uint64(123_456), estimate.CallGasLimit.Uint64())
	assert.Nil(t, estimate.ValidAfter)
	assert.Nil(t, estimate.ValidUntil)

	node.estimateErr = &revertError{nil}
	_, err = m.EstimateGas(context.Background(), rulesOp())
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.CodeExecutionReverted))
}
