// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package validation

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/phamhongphuc1999/bundler/entrypoint"
	"github.com/phamhongphuc1999/bundler/rpcerr"
	"github.com/phamhongphuc1999/bundler/tracer"
	"github.com/phamhongphuc1999/bundler/userop"
)

// Method selectors of the EntryPoint's top-level validation calls, used to
// attribute each traced frame to its entity.
const (
	sigCreateSender            = "0x570e1a36"
	sigValidateUserOp          = "0x3a871cdd"
	sigValidatePaymasterUserOp = "0xf465c77e"
	sigDepositTo               = "0xb760faf9"
)

// Opcodes an entity may never execute during validation.
var bannedOpcodes = map[string]struct{}{
	"GASPRICE":     {},
	"GASLIMIT":     {},
	"DIFFICULTY":   {},
	"PREVRANDAO":   {},
	"TIMESTAMP":    {},
	"BASEFEE":      {},
	"BLOCKHASH":    {},
	"NUMBER":       {},
	"SELFBALANCE":  {},
	"BALANCE":      {},
	"ORIGIN":       {},
	"GAS":          {},
	"CREATE":       {},
	"COINBASE":     {},
	"SELFDESTRUCT": {},
	"RANDOM":       {},
	"INVALID":      {},
}

type entity struct {
	kind  string
	addr  common.Address
	stake entrypoint.StakeInfo
}

func isStaked(info entrypoint.StakeInfo) bool {
	return info.Stake != nil && info.Stake.Sign() > 0 &&
		info.UnstakeDelaySec != nil && info.UnstakeDelaySec.Sign() > 0
}

// parseTracerResult enforces the ERC-4337 opcode/storage rules over the
// collector output and distills what the bundler keeps: the contract
// addresses to fingerprint and the storage the validation depended on.
func parseTracerResult(
	op *userop.UserOperation,
	res *tracer.Result,
	vr *entrypoint.ValidationResult,
	entryPoint common.Address,
) ([]common.Address, tracer.StorageMap, error) {
	if len(res.CallsFromEntryPoint) == 0 {
		return nil, nil, errors.New("unexpected traceCall result: no calls from entrypoint")
	}

	sender := op.Sender
	entities := map[string]entity{
		sigValidateUserOp: {kind: "account", addr: sender, stake: vr.SenderInfo},
	}
	if op.HasFactory() {
		entities[sigCreateSender] = entity{kind: "factory", addr: op.Factory(), stake: vr.FactoryInfo}
	}
	if op.HasPaymaster() {
		entities[sigValidatePaymasterUserOp] = entity{kind: "paymaster", addr: op.Paymaster(), stake: vr.PaymasterInfo}
	}

	// nothing during validation may call back into the EntryPoint, except
	// value deposits and the fallback.
	for _, call := range res.Calls {
		if call.To == nil || call.From == nil {
			continue
		}
		if *call.To == entryPoint && *call.From != entryPoint &&
			call.Method != "0x" && call.Method != sigDepositTo {
			return nil, nil, rpcerr.OpcodeValidation("account", "illegal call into EntryPoint during validation "+call.Method)
		}
	}

	associated := associatedSlots(res.Keccak)
	storageMap := tracer.StorageMap{}
	seen := map[common.Address]struct{}{sender: {}}
	contracts := []common.Address{sender}

	for _, frame := range res.CallsFromEntryPoint {
		ent, known := entities[frame.TopLevelMethodSig.String()]
		if !known {
			continue
		}

		if frame.OOG {
			return nil, nil, rpcerr.OpcodeValidation(ent.kind, "internally reverts on oog, must not run out of gas during validation")
		}

		for opcode, count := range frame.Opcodes {
			if _, banned := bannedOpcodes[opcode]; banned {
				return nil, nil, rpcerr.OpcodeValidation(ent.kind, "uses banned opcode: "+opcode)
			}
			if opcode == "CREATE2" {
				// one CREATE2 is the factory deploying the account
				if ent.kind != "factory" || count > 1 {
					return nil, nil, rpcerr.OpcodeValidation(ent.kind, "uses banned opcode: CREATE2")
				}
			}
		}

		for addr, accessedOp := range frame.ExtCodeAccessInfo {
			if addr != ent.addr && addr != entryPoint {
				return nil, nil, rpcerr.OpcodeValidation(ent.kind, "accesses code of "+addr.Hex()+" with "+accessedOp)
			}
		}

		for addr, size := range frame.ContractSize {
			if addr != sender && size.ContractSize == 0 {
				return nil, nil, rpcerr.OpcodeValidation(ent.kind, "accesses un-deployed contract "+addr.Hex()+" with "+size.Opcode)
			}
			if _, ok := seen[addr]; !ok {
				seen[addr] = struct{}{}
				contracts = append(contracts, addr)
			}
		}

		for addr, access := range frame.Access {
			for slot, value := range access.Reads {
				storageMap.SetSlot(addr, slot, common.BytesToHash(value))
			}
			if addr == sender || addr == entryPoint {
				continue
			}
			var requireStakeSlot *common.Hash
			for _, slot := range slotsOf(access) {
				switch {
				case slotAssociatedWith(slot, sender, associated):
					if op.HasFactory() {
						s := slot
						requireStakeSlot = &s
					}
				case slotAssociatedWith(slot, ent.addr, associated):
					s := slot
					requireStakeSlot = &s
				case addr == ent.addr:
					s := slot
					requireStakeSlot = &s
				default:
					verb := "read from"
					if _, written := access.Writes[slot]; written {
						verb = "write to"
					}
					return nil, nil, rpcerr.OpcodeValidation(ent.kind, "has forbidden "+verb+" "+addr.Hex()+" slot "+slot.Hex())
				}
			}
			if requireStakeSlot != nil && !isStaked(ent.stake) {
				return nil, nil, rpcerr.OpcodeValidation("unstaked "+ent.kind, "accessed "+addr.Hex()+" slot "+requireStakeSlot.Hex())
			}
		}
	}

	return contracts, storageMap, nil
}

func slotsOf(access *tracer.AccessInfo) []common.Hash {
	slots := make([]common.Hash, 0, len(access.Reads)+len(access.Writes))
	for slot := range access.Writes {
		slots = append(slots, slot)
	}
	for slot := range access.Reads {
		if _, ok := access.Writes[slot]; !ok {
			slots = append(slots, slot)
		}
	}
	return slots
}

// associatedSlots maps each address whose padded form prefixes a hashed
// preimage to the keccak of that preimage: the base slot of a mapping
// keyed by the address.
func associatedSlots(preimages []hexutil.Bytes) map[common.Address][]*big.Int {
	out := make(map[common.Address][]*big.Int)
	for _, preimage := range preimages {
		if len(preimage) < 32 {
			continue
		}
		// abi-encoded mapping keys left-pad the address to 32 bytes
		head := preimage[:32]
		if !isZero(head[:12]) {
			continue
		}
		addr := common.BytesToAddress(head[12:32])
		base := new(big.Int).SetBytes(crypto.Keccak256(preimage))
		out[addr] = append(out[addr], base)
	}
	return out
}

// slotAssociatedWith reports whether slot is the address itself (padded) or
// lies within 128 slots of a mapping base derived from the address.
func slotAssociatedWith(slot common.Hash, addr common.Address, associated map[common.Address][]*big.Int) bool {
	if slot == common.BytesToHash(addr.Bytes()) {
		return true
	}
	slotN := new(big.Int).SetBytes(slot.Bytes())
	for _, base := range associated[addr] {
		diff := new(big.Int).Sub(slotN, base)
		if diff.Sign() >= 0 && diff.Cmp(big.NewInt(128)) <= 0 {
			return true
		}
	}
	return false
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
