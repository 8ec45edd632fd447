// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package signer holds the bundler's EOA: the key that pays for handleOps
// transactions.
package signer

import (
	"crypto/ecdsa"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Signer wraps the bundler key.
type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// FromHex builds a signer from a raw hex private key (0x prefix optional).
func FromHex(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// FromFile reads a hex private key from path.
func FromFile(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read key file")
	}
	return FromHex(string(data))
}

// Address returns the signer's EOA address.
func (s *Signer) Address() common.Address { return s.addr }

// SignTx signs a type-2 transaction for the given chain.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, errors.Wrap(err, "sign tx")
	}
	return signed, nil
}
