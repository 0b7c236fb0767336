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

package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// SignatureLength is the length of an ECDSA signature (r||s||v).
	SignatureLength = 65
	// BalanceBits is the width of balances in the contract (uint192).
	BalanceBits = 192

	recoveryIDIndex = 64
	balanceLen      = BalanceBits / 8
)

var (
	ErrSignatureLength = errors.New("signature must be 65 bytes")
	ErrBalanceRange    = errors.New("balance must be a non-negative uint192")

	balanceSchemaHash = crypto.Keccak256(
		[]byte("string message_id"),
		[]byte("address receiver"),
		[]byte("uint32 block_created"),
		[]byte("uint192 balance"),
		[]byte("address contract"),
	)
	closingSchemaHash = crypto.Keccak256(
		[]byte("string message_id"),
		[]byte("address sender"),
		[]byte("uint32 block_created"),
		[]byte("uint192 balance"),
		[]byte("address contract"),
	)
)

const (
	balanceMessageID = "Sender balance proof signature"
	closingMessageID = "Receiver closing signature"
)

// BalanceProof is a sender's signed claim of the cumulative amount owed to
// the receiver on a channel.
type BalanceProof struct {
	Channel   ID
	Balance   *big.Int
	Signature []byte
}

// BalanceMessageHash is the hash a sender signs to prove balance on the
// channel id, as computed by the channel manager contract at contract.
func BalanceMessageHash(id ID, balance *big.Int, contract common.Address) ([]byte, error) {
	return messageHash(balanceSchemaHash, balanceMessageID, id.Receiver, id.OpenBlock, balance, contract)
}

// ClosingMessageHash is the hash the receiver signs to agree to a
// cooperative close of id at balance.
func ClosingMessageHash(id ID, balance *big.Int, contract common.Address) ([]byte, error) {
	return messageHash(closingSchemaHash, closingMessageID, id.Sender, id.OpenBlock, balance, contract)
}

func messageHash(schema []byte, msgID string, party common.Address, openBlock uint32, balance *big.Int, contract common.Address) ([]byte, error) {
	if balance == nil || balance.Sign() < 0 || balance.BitLen() > BalanceBits {
		return nil, ErrBalanceRange
	}
	var block [4]byte
	binary.BigEndian.PutUint32(block[:], openBlock)
	data := crypto.Keccak256(
		[]byte(msgID),
		party.Bytes(),
		block[:],
		common.LeftPadBytes(balance.Bytes(), balanceLen),
		contract.Bytes(),
	)
	return crypto.Keccak256(schema, data), nil
}

// NormalizeSignature converts the recovery id (v) from Ethereum format
// (27/28) to raw format (0/1) as expected by crypto.SigToPub.
func NormalizeSignature(sig []byte) ([]byte, error) {
	if len(sig) != SignatureLength {
		return nil, ErrSignatureLength
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if v := normalized[recoveryIDIndex]; v == 27 || v == 28 {
		normalized[recoveryIDIndex] = v - 27
	}
	return normalized, nil
}

// EthereumSignature converts a raw signature with v in {0,1} to the
// {27,28} form the contract's ecrecover expects.
func EthereumSignature(sig []byte) []byte {
	out := append([]byte(nil), sig...)
	if len(out) == SignatureLength && out[recoveryIDIndex] < 27 {
		out[recoveryIDIndex] += 27
	}
	return out
}

// RecoverSigner returns the address that produced sig over hash.
func RecoverSigner(hash, sig []byte) (common.Address, error) {
	normalized, err := NormalizeSignature(sig)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recovering public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Signer returns the address that signed the proof for contract.
func (p *BalanceProof) Signer(contract common.Address) (common.Address, error) {
	hash, err := BalanceMessageHash(p.Channel, p.Balance, contract)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverSigner(hash, p.Signature)
}
