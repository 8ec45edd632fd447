// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package tracer

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Result is the decoded output of the collector program for one
// simulateValidation trace.
type Result struct {
	// CallsFromEntryPoint holds one frame per top-level CALL/STATICCALL the
	// EntryPoint makes, in execution order.
	CallsFromEntryPoint []*TopCallFrame `json:"callsFromEntryPoint"`
	// Keccak holds the preimages hashed during the trace, used to recognize
	// sender-associated storage slots.
	Keccak []hexutil.Bytes `json:"keccak"`
	Calls  []*CallEvent    `json:"calls"`
	Logs   []*LogEvent     `json:"logs"`
	Debug  []string        `json:"debug"`
}

// TopCallFrame aggregates everything observed while one top-level callee
// (account, factory, paymaster or aggregator) was executing.
type TopCallFrame struct {
	TopLevelMethodSig     hexutil.Bytes                        `json:"topLevelMethodSig"`
	TopLevelTargetAddress common.Address                       `json:"topLevelTargetAddress"`
	Opcodes               map[string]uint64                    `json:"opcodes"`
	Access                map[common.Address]*AccessInfo       `json:"access"`
	ContractSize          map[common.Address]*ContractSizeInfo `json:"contractSize"`
	ExtCodeAccessInfo     map[common.Address]string            `json:"extCodeAccessInfo"`
	OOG                   bool                                 `json:"oog,omitempty"`
}

// ContractSizeInfo records the deployed code size of a touched address and
// the opcode that first touched it.
type ContractSizeInfo struct {
	ContractSize uint64 `json:"contractSize"`
	Opcode       string `json:"opcode"`
}

// AccessInfo records storage traffic of one address within a frame. Reads
// map each slot to its pre-transaction value; writes count SSTOREs.
type AccessInfo struct {
	Reads  map[common.Hash]hexutil.Bytes `json:"reads"`
	Writes map[common.Hash]uint64        `json:"writes"`
}

// CallEvent is one enter or exit record. Exits carry Type RETURN or REVERT
// and the (truncated) returned data.
type CallEvent struct {
	Type    string          `json:"type"`
	From    *common.Address `json:"from,omitempty"`
	To      *common.Address `json:"to,omitempty"`
	Method  string          `json:"method,omitempty"`
	Gas     uint64          `json:"gas,omitempty"`
	GasUsed uint64          `json:"gasUsed"`
	Value   *hexutil.Big    `json:"value,omitempty"`
	Data    hexutil.Bytes   `json:"data,omitempty"`
}

// LogEvent is a LOG* emitted during the trace.
type LogEvent struct {
	Topics []hexutil.Bytes `json:"topics"`
	Data   hexutil.Bytes   `json:"data"`
}

// LastFrameRevert returns the data of the final REVERT exit, which for a
// successful simulateValidation carries the encoded ValidationResult. ok is
// false when the trace did not end in a top-level revert.
func (r *Result) LastFrameRevert() (data []byte, ok bool) {
	if len(r.Calls) == 0 {
		return nil, false
	}
	last := r.Calls[len(r.Calls)-1]
	if last.Type != "REVERT" {
		return nil, false
	}
	return last.Data, true
}
