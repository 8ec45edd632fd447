// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package tracer

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA = common.HexToAddress("0xaa")
	addrB = common.HexToAddress("0xbb")
	slot1 = common.HexToHash("0x01")
	slot2 = common.HexToHash("0x02")
	valX  = common.HexToHash("0x1234")
)

func TestStorageMapRootBeatsSlots(t *testing.T) {
	m := StorageMap{}
	m.SetSlot(addrA, slot1, valX)
	require.NotNil(t, m[addrA])
	assert.Len(t, m[addrA].Slots, 1)

	root := common.HexToHash("0xdead")
	m.SetRoot(addrA, root)
	assert.Equal(t, &root, m[addrA].RootHash)
	assert.Empty(t, m[addrA].Slots)

	// slot writes are ignored once in root mode
	m.SetSlot(addrA, slot2, valX)
	assert.Empty(t, m[addrA].Slots)
}

func TestStorageMapMerge(t *testing.T) {
	m := StorageMap{}
	m.SetSlot(addrA, slot1, valX)

	other := StorageMap{}
	other.SetSlot(addrA, slot2, valX)
	root := common.HexToHash("0xbeef")
	other.SetRoot(addrB, root)

	m.Merge(other)
	assert.Len(t, m[addrA].Slots, 2)
	assert.Equal(t, &root, m[addrB].RootHash)

	// an incoming root overrides collected slots
	override := StorageMap{}
	override.SetRoot(addrA, root)
	m.Merge(override)
	assert.Equal(t, &root, m[addrA].RootHash)
	assert.Empty(t, m[addrA].Slots)
}

func TestStorageMapJSON(t *testing.T) {
	m := StorageMap{}
	m.SetSlot(addrA, slot1, valX)
	root := common.HexToHash("0xbeef")
	m.SetRoot(addrB, root)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded StorageMap
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.NotNil(t, decoded[addrA])
	assert.Nil(t, decoded[addrA].RootHash)
	assert.Equal(t, valX, decoded[addrA].Slots[slot1])

	require.NotNil(t, decoded[addrB])
	require.NotNil(t, decoded[addrB].RootHash)
	assert.Equal(t, root, *decoded[addrB].RootHash)
}

func TestLastFrameRevert(t *testing.T) {
	r := &Result{}
	_, ok := r.LastFrameRevert()
	assert.False(t, ok)

	r.Calls = []*CallEvent{{Type: "RETURN", Data: []byte{0x01}}}
	_, ok = r.LastFrameRevert()
	assert.False(t, ok)

	r.Calls = append(r.Calls, &CallEvent{Type: "REVERT", Data: []byte{0xca, 0xfe}})
	data, ok := r.LastFrameRevert()
	require.True(t, ok)
	assert.Equal(t, []byte{0xca, 0xfe}, data)
}
