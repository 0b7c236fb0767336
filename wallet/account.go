// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wallet

import (
	"bufio"
	"crypto/ecdsa"
	"errors"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	perrors "github.com/pkg/errors"

	"perun.network/perun-eth-paywall/channel/types"
	"perun.network/perun-eth-paywall/util"
)

var (
	ErrMissingPrivateKey = errors.New("no private key given")
	ErrInvalidPrivateKey = errors.New("private key is not a valid secp256k1 hex key")
	ErrInsecureKeyFile   = errors.New("private key file must be readable only by its owner")
)

// Account is used for signing balance proofs and closing messages.
type Account struct {
	// privateKey is the private key of the account.
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewAccount wraps a private key.
func NewAccount(key *ecdsa.PrivateKey) *Account {
	return &Account{privateKey: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewRandomAccount creates an account with a key drawn from rng.
func NewRandomAccount(rng io.Reader) (*Account, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rng)
	if err != nil {
		return nil, err
	}
	return NewAccount(key), nil
}

// NewAccountFromHex parses a hex encoded private key, with or without 0x
// prefix.
func NewAccountFromHex(hexKey string) (*Account, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, ErrMissingPrivateKey
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, perrors.WithMessage(ErrInvalidPrivateKey, err.Error())
	}
	return NewAccount(key), nil
}

// LoadAccount accepts either a hex private key or the path of a file whose
// first line holds one. Key files must be owner-only.
func LoadAccount(keyOrPath string) (*Account, error) {
	if keyOrPath == "" {
		return nil, ErrMissingPrivateKey
	}
	fi, err := os.Stat(keyOrPath)
	if err != nil || fi.IsDir() {
		return NewAccountFromHex(keyOrPath)
	}
	if err := util.CheckOwnerOnly(keyOrPath); err != nil {
		return nil, perrors.WithMessage(ErrInsecureKeyFile, err.Error())
	}
	f, err := os.Open(keyOrPath)
	if err != nil {
		return nil, perrors.Wrap(err, "opening key file")
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, perrors.Wrap(err, "reading key file")
	}
	return NewAccountFromHex(line)
}

// Address returns the Ethereum address of the account.
func (a *Account) Address() common.Address {
	return a.address
}

// PrivateKey returns the account's key, for transaction signing.
func (a *Account) PrivateKey() *ecdsa.PrivateKey {
	return a.privateKey
}

// SignHash signs a 32 byte hash. The recovery id is in Ethereum form
// (27/28) as the contract's ecrecover expects.
func (a *Account) SignHash(hash []byte) ([]byte, error) {
	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return nil, err
	}
	return types.EthereumSignature(sig), nil
}

// SignBalanceProof creates a balance proof for balance on channel id. The
// account must be the channel's sender for the proof to verify.
func (a *Account) SignBalanceProof(id types.ID, balance *big.Int, contract common.Address) (*types.BalanceProof, error) {
	hash, err := types.BalanceMessageHash(id, balance, contract)
	if err != nil {
		return nil, err
	}
	sig, err := a.SignHash(hash)
	if err != nil {
		return nil, err
	}
	return &types.BalanceProof{Channel: id, Balance: new(big.Int).Set(balance), Signature: sig}, nil
}

// SignClosing signs the receiver's agreement to close id at balance.
func (a *Account) SignClosing(id types.ID, balance *big.Int, contract common.Address) ([]byte, error) {
	hash, err := types.ClosingMessageHash(id, balance, contract)
	if err != nil {
		return nil, err
	}
	return a.SignHash(hash)
}
