// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package entrypoint binds the ERC-4337 EntryPoint v0.6 contract: calldata
// builders, revert decoding for simulateValidation/handleOps and the event
// surface the bundler reconciles against.
package entrypoint

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/phamhongphuc1999/bundler/userop"
)

//go:embed entrypoint_abi.json
var abiJSON []byte

var (
	// ABI is the parsed EntryPoint v0.6 interface.
	ABI abi.ABI

	validationResultID    []byte
	validationResultAggID []byte
	failedOpID            []byte

	// Event topic hashes.
	UserOperationEventTopic         common.Hash
	AccountDeployedTopic            common.Hash
	SignatureAggregatorChangedTopic common.Hash
	BeforeExecutionTopic            common.Hash
)

func init() {
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		panic(errors.Wrap(err, "parse entrypoint abi"))
	}
	ABI = parsed

	validationResultID = ABI.Errors["ValidationResult"].ID.Bytes()[:4]
	validationResultAggID = ABI.Errors["ValidationResultWithAggregation"].ID.Bytes()[:4]
	failedOpID = ABI.Errors["FailedOp"].ID.Bytes()[:4]

	UserOperationEventTopic = ABI.Events["UserOperationEvent"].ID
	AccountDeployedTopic = ABI.Events["AccountDeployed"].ID
	SignatureAggregatorChangedTopic = ABI.Events["SignatureAggregatorChanged"].ID
	BeforeExecutionTopic = ABI.Events["BeforeExecution"].ID
}

// ReturnInfo is the validation outcome the EntryPoint reports inside its
// ValidationResult revert.
type ReturnInfo struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

// StakeInfo mirrors the EntryPoint's per-entity stake report.
type StakeInfo struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

// AggregatorStakeInfo is present only when the account delegates signature
// checking to an aggregator.
type AggregatorStakeInfo struct {
	Aggregator common.Address
	StakeInfo  StakeInfo
}

// ValidationResult is the decoded simulateValidation revert.
type ValidationResult struct {
	ReturnInfo     ReturnInfo
	SenderInfo     StakeInfo
	FactoryInfo    StakeInfo
	PaymasterInfo  StakeInfo
	AggregatorInfo *AggregatorStakeInfo
}

// DepositInfo is the getDepositInfo report.
type DepositInfo struct {
	Deposit         *big.Int
	Staked          bool
	Stake           *big.Int
	UnstakeDelaySec uint32
	WithdrawTime    *big.Int
}

// FailedOpError is the EntryPoint's FailedOp(opIndex, reason) revert as a
// Go error.
type FailedOpError struct {
	OpIndex *big.Int
	Reason  string
}

func (e *FailedOpError) Error() string {
	return fmt.Sprintf("FailedOp(%v): %s", e.OpIndex, e.Reason)
}

// PackSimulateValidation builds the simulateValidation calldata.
func PackSimulateValidation(op *userop.UserOperation) ([]byte, error) {
	return ABI.Pack("simulateValidation", *op.Normalized())
}

// PackHandleOps builds the handleOps calldata for one bundle.
func PackHandleOps(ops []*userop.UserOperation, beneficiary common.Address) ([]byte, error) {
	vals := make([]userop.UserOperation, 0, len(ops))
	for _, op := range ops {
		vals = append(vals, *op.Normalized())
	}
	return ABI.Pack("handleOps", vals, beneficiary)
}

// UnpackHandleOps decodes a handleOps calldata back into its operations.
// Used to serve eth_getUserOperationByHash from the mined transaction.
func UnpackHandleOps(data []byte) ([]*userop.UserOperation, common.Address, error) {
	method := ABI.Methods["handleOps"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return nil, common.Address{}, errors.New("not a handleOps transaction")
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, common.Address{}, errors.Wrap(err, "unpack handleOps")
	}
	raw := *abi.ConvertType(values[0], new([]userop.UserOperation)).(*[]userop.UserOperation)
	beneficiary := *abi.ConvertType(values[1], new(common.Address)).(*common.Address)
	ops := make([]*userop.UserOperation, 0, len(raw))
	for i := range raw {
		ops = append(ops, &raw[i])
	}
	return ops, beneficiary, nil
}

// UnpackValidationResult decodes a simulateValidation revert. A FailedOp
// revert is returned as *FailedOpError; a plain Error(string) revert is
// reported with its reason.
func UnpackValidationResult(data []byte) (*ValidationResult, error) {
	if len(data) < 4 {
		return nil, errors.New("revert data too short")
	}
	selector, payload := data[:4], data[4:]

	switch {
	case bytes.Equal(selector, validationResultID):
		values, err := ABI.Errors["ValidationResult"].Inputs.Unpack(payload)
		if err != nil {
			return nil, errors.Wrap(err, "unpack ValidationResult")
		}
		return &ValidationResult{
			ReturnInfo:    *abi.ConvertType(values[0], new(ReturnInfo)).(*ReturnInfo),
			SenderInfo:    *abi.ConvertType(values[1], new(StakeInfo)).(*StakeInfo),
			FactoryInfo:   *abi.ConvertType(values[2], new(StakeInfo)).(*StakeInfo),
			PaymasterInfo: *abi.ConvertType(values[3], new(StakeInfo)).(*StakeInfo),
		}, nil
	case bytes.Equal(selector, validationResultAggID):
		values, err := ABI.Errors["ValidationResultWithAggregation"].Inputs.Unpack(payload)
		if err != nil {
			return nil, errors.Wrap(err, "unpack ValidationResultWithAggregation")
		}
		return &ValidationResult{
			ReturnInfo:     *abi.ConvertType(values[0], new(ReturnInfo)).(*ReturnInfo),
			SenderInfo:     *abi.ConvertType(values[1], new(StakeInfo)).(*StakeInfo),
			FactoryInfo:    *abi.ConvertType(values[2], new(StakeInfo)).(*StakeInfo),
			PaymasterInfo:  *abi.ConvertType(values[3], new(StakeInfo)).(*StakeInfo),
			AggregatorInfo: abi.ConvertType(values[4], new(AggregatorStakeInfo)).(*AggregatorStakeInfo),
		}, nil
	case bytes.Equal(selector, failedOpID):
		failedOp, ok := DecodeFailedOp(data)
		if !ok {
			return nil, errors.New("malformed FailedOp revert")
		}
		return nil, failedOp
	default:
		if reason, err := abi.UnpackRevert(data); err == nil {
			return nil, errors.Errorf("simulateValidation reverted: %s", reason)
		}
		return nil, errors.Errorf("unexpected simulateValidation revert 0x%x", selector)
	}
}

// DecodeFailedOp extracts a FailedOp revert, reporting ok=false when data is
// some other revert.
func DecodeFailedOp(data []byte) (*FailedOpError, bool) {
	if len(data) < 4 || !bytes.Equal(data[:4], failedOpID) {
		return nil, false
	}
	values, err := ABI.Errors["FailedOp"].Inputs.Unpack(data[4:])
	if err != nil {
		return nil, false
	}
	return &FailedOpError{
		OpIndex: *abi.ConvertType(values[0], new(*big.Int)).(**big.Int),
		Reason:  *abi.ConvertType(values[1], new(string)).(*string),
	}, true
}

// UserOperationEvent is the per-op inclusion receipt log.
type UserOperationEvent struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	Raw           types.Log
}

// AccountDeployed reports that the op's initCode ran.
type AccountDeployed struct {
	UserOpHash common.Hash
	Sender     common.Address
	Factory    common.Address
	Paymaster  common.Address
	Raw        types.Log
}

// ParseUserOperationEvent decodes log if it is a UserOperationEvent.
func ParseUserOperationEvent(log types.Log) (*UserOperationEvent, error) {
	if len(log.Topics) != 4 || log.Topics[0] != UserOperationEventTopic {
		return nil, errors.New("not a UserOperationEvent log")
	}
	values, err := ABI.Events["UserOperationEvent"].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, errors.Wrap(err, "unpack UserOperationEvent")
	}
	return &UserOperationEvent{
		UserOpHash:    log.Topics[1],
		Sender:        common.BytesToAddress(log.Topics[2].Bytes()),
		Paymaster:     common.BytesToAddress(log.Topics[3].Bytes()),
		Nonce:         *abi.ConvertType(values[0], new(*big.Int)).(**big.Int),
		Success:       *abi.ConvertType(values[1], new(bool)).(*bool),
		ActualGasCost: *abi.ConvertType(values[2], new(*big.Int)).(**big.Int),
		ActualGasUsed: *abi.ConvertType(values[3], new(*big.Int)).(**big.Int),
		Raw:           log,
	}, nil
}

// ParseAccountDeployed decodes log if it is an AccountDeployed event.
func ParseAccountDeployed(log types.Log) (*AccountDeployed, error) {
	if len(log.Topics) != 3 || log.Topics[0] != AccountDeployedTopic {
		return nil, errors.New("not an AccountDeployed log")
	}
	values, err := ABI.Events["AccountDeployed"].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, errors.Wrap(err, "unpack AccountDeployed")
	}
	return &AccountDeployed{
		UserOpHash: log.Topics[1],
		Sender:     common.BytesToAddress(log.Topics[2].Bytes()),
		Factory:    *abi.ConvertType(values[0], new(common.Address)).(*common.Address),
		Paymaster:  *abi.ConvertType(values[1], new(common.Address)).(*common.Address),
		Raw:        log,
	}, nil
}

// ParseSignatureAggregatorChanged returns the announced aggregator address.
func ParseSignatureAggregatorChanged(log types.Log) (common.Address, error) {
	if len(log.Topics) != 2 || log.Topics[0] != SignatureAggregatorChangedTopic {
		return common.Address{}, errors.New("not a SignatureAggregatorChanged log")
	}
	return common.BytesToAddress(log.Topics[1].Bytes()), nil
}

// Caller is the minimal read path the contract binding needs.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Contract is the EntryPoint bound to an address and a node read path.
type Contract struct {
	addr   common.Address
	caller Caller
}

// New binds the EntryPoint at addr.
func New(addr common.Address, caller Caller) *Contract {
	return &Contract{addr: addr, caller: caller}
}

// Address returns the bound EntryPoint address.
func (c *Contract) Address() common.Address { return c.addr }

func (c *Contract) call(ctx context.Context, data []byte) ([]byte, error) {
	return c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.addr, Data: data}, nil)
}

// BalanceOf reads the EntryPoint deposit of addr.
func (c *Contract) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := ABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, err
	}
	ret, err := c.call(ctx, data)
	if err != nil {
		return nil, errors.Wrap(err, "balanceOf")
	}
	values, err := ABI.Unpack("balanceOf", ret)
	if err != nil {
		return nil, errors.Wrap(err, "unpack balanceOf")
	}
	return *abi.ConvertType(values[0], new(*big.Int)).(**big.Int), nil
}

// GetDepositInfo reads the stake record of addr.
func (c *Contract) GetDepositInfo(ctx context.Context, addr common.Address) (*DepositInfo, error) {
	data, err := ABI.Pack("getDepositInfo", addr)
	if err != nil {
		return nil, err
	}
	ret, err := c.call(ctx, data)
	if err != nil {
		return nil, errors.Wrap(err, "getDepositInfo")
	}
	values, err := ABI.Unpack("getDepositInfo", ret)
	if err != nil {
		return nil, errors.Wrap(err, "unpack getDepositInfo")
	}
	return abi.ConvertType(values[0], new(DepositInfo)).(*DepositInfo), nil
}

// GetUserOpHash asks the contract for the canonical hash of op.
func (c *Contract) GetUserOpHash(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	data, err := ABI.Pack("getUserOpHash", *op.Normalized())
	if err != nil {
		return common.Hash{}, err
	}
	ret, err := c.call(ctx, data)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "getUserOpHash")
	}
	values, err := ABI.Unpack("getUserOpHash", ret)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "unpack getUserOpHash")
	}
	return common.Hash(*abi.ConvertType(values[0], new([32]byte)).(*[32]byte)), nil
}
