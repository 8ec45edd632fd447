// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package rpcerr defines the closed JSON-RPC error taxonomy of the bundler
// API. Every failure that reaches a caller is one of these codes.
package rpcerr

import (
	"fmt"
	"strings"
)

// Standard JSON-RPC 2.0 codes.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// ERC-4337 bundler codes.
const (
	CodeSimulateValidation    = -32500
	CodeSimulatePaymaster     = -32501
	CodeOpcodeValidation      = -32502
	CodeNotInTimeRange        = -32503
	CodeReputation            = -32504
	CodeInsufficientStake     = -32505
	CodeUnsupportedAggregator = -32506
	CodeInvalidSignature      = -32507
	CodeExecutionReverted     = -32521
)

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// New creates an error with the given code and formatted message.
func New(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches auxiliary data to a copy of e.
func (e *Error) WithData(data interface{}) *Error {
	return &Error{Code: e.Code, Message: e.Message, Data: data}
}

func Parse(msg string) *Error          { return New(CodeParse, "%s", msg) }
func InvalidRequest(msg string) *Error { return New(CodeInvalidRequest, "%s", msg) }

func MethodNotFound(method string) *Error {
	return New(CodeMethodNotFound, "method %s not found", method)
}

func InvalidParams(format string, args ...interface{}) *Error {
	return New(CodeInvalidParams, format, args...)
}

func Internal(err error) *Error {
	return New(CodeInternal, "%s", err.Error())
}

func SimulateValidation(format string, args ...interface{}) *Error {
	return New(CodeSimulateValidation, format, args...)
}

func SimulatePaymaster(format string, args ...interface{}) *Error {
	return New(CodeSimulatePaymaster, format, args...)
}

func OpcodeValidation(entity, detail string) *Error {
	return New(CodeOpcodeValidation, "%s %s", entity, detail)
}

func NotInTimeRange(format string, args ...interface{}) *Error {
	return New(CodeNotInTimeRange, format, args...)
}

func Reputation(format string, args ...interface{}) *Error {
	return New(CodeReputation, format, args...)
}

func InsufficientStake(format string, args ...interface{}) *Error {
	return New(CodeInsufficientStake, format, args...)
}

func UnsupportedAggregator(aggregator string) *Error {
	return New(CodeUnsupportedAggregator, "unsupported signature aggregator %s", aggregator)
}

func InvalidSignature(format string, args ...interface{}) *Error {
	return New(CodeInvalidSignature, format, args...)
}

func ExecutionReverted(msg string, data interface{}) *Error {
	return &Error{Code: CodeExecutionReverted, Message: msg, Data: data}
}

// FromFailedOp maps an EntryPoint FailedOp revert into the right error class:
// AA3x reasons are paymaster failures, everything else is charged to the
// account path.
func FromFailedOp(opIndex uint64, reason string) *Error {
	code := CodeSimulateValidation
	if strings.HasPrefix(reason, "AA3") {
		code = CodeSimulatePaymaster
	}
	return New(code, "FailedOp(%d): %s", opIndex, reason)
}

// Convert passes through *Error values and wraps anything else as an
// internal error, keeping the taxonomy closed at the RPC boundary.
func Convert(err error) *Error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr
	}
	return Internal(err)
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code int) bool {
	rpcErr, ok := err.(*Error)
	return ok && rpcErr.Code == code
}
