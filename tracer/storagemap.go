// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package tracer

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// StorageMap captures the storage an operation's validation depends on.
// Per address it holds either the full account storage root or individual
// slot values. It doubles as the knownAccounts payload of
// eth_sendRawTransactionConditional.
type StorageMap map[common.Address]*AccountStorage

// AccountStorage is one account's entry in a StorageMap: a root hash covers
// the whole storage trie and beats any slot-level detail.
type AccountStorage struct {
	RootHash *common.Hash
	Slots    map[common.Hash]common.Hash
}

// MarshalJSON emits the conditional-RPC wire form: a bare hash string in
// root mode, a slot→value object otherwise.
func (s *AccountStorage) MarshalJSON() ([]byte, error) {
	if s.RootHash != nil {
		return json.Marshal(s.RootHash)
	}
	return json.Marshal(s.Slots)
}

// UnmarshalJSON accepts both wire forms.
func (s *AccountStorage) UnmarshalJSON(data []byte) error {
	var root common.Hash
	if err := json.Unmarshal(data, &root); err == nil {
		s.RootHash = &root
		s.Slots = nil
		return nil
	}
	var slots map[common.Hash]common.Hash
	if err := json.Unmarshal(data, &slots); err != nil {
		return errors.Wrap(err, "account storage")
	}
	s.RootHash = nil
	s.Slots = slots
	return nil
}

// SetRoot switches addr to account-root mode, discarding slot detail.
func (m StorageMap) SetRoot(addr common.Address, root common.Hash) {
	m[addr] = &AccountStorage{RootHash: &root}
}

// SetSlot records one slot value unless addr is already in root mode.
func (m StorageMap) SetSlot(addr common.Address, slot, value common.Hash) {
	entry := m[addr]
	if entry == nil {
		entry = &AccountStorage{Slots: map[common.Hash]common.Hash{}}
		m[addr] = entry
	}
	if entry.RootHash != nil {
		return
	}
	if entry.Slots == nil {
		entry.Slots = map[common.Hash]common.Hash{}
	}
	entry.Slots[slot] = value
}

// Merge folds other into m. An address-level root on either side wins over
// slot entries for that address.
func (m StorageMap) Merge(other StorageMap) {
	for addr, incoming := range other {
		if incoming == nil {
			continue
		}
		if incoming.RootHash != nil {
			m.SetRoot(addr, *incoming.RootHash)
			continue
		}
		for slot, value := range incoming.Slots {
			m.SetSlot(addr, slot, value)
		}
	}
}

// Addresses returns the keys of the map.
func (m StorageMap) Addresses() []common.Address {
	addrs := make([]common.Address, 0, len(m))
	for addr := range m {
		addrs = append(addrs, addr)
	}
	return addrs
}
