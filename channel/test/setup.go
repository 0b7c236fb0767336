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

package test

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/perun-eth-paywall/channel/types"
	"perun.network/perun-eth-paywall/wallet"
	wtest "perun.network/perun-eth-paywall/wallet/test"
)

// Setup holds the parties of a payment channel test.
type Setup struct {
	T        *testing.T
	Sender   *wallet.Account
	Receiver *wallet.Account
	Contract common.Address
}

// NewSetup creates a sender, a receiver and a contract address from the
// test's seeded randomness.
func NewSetup(t *testing.T) *Setup {
	rng := pkgtest.Prng(t)
	return &Setup{
		T:        t,
		Sender:   wtest.NewRandomAccount(rng),
		Receiver: wtest.NewRandomAccount(rng),
		Contract: wtest.NewRandomAddress(rng),
	}
}

// ID returns the id of the channel from Sender to Receiver opened in block.
func (s *Setup) ID(block uint32) types.ID {
	return types.MakeID(s.Sender.Address(), s.Receiver.Address(), block)
}

// Channel returns an open channel opened in block with deposit.
func (s *Setup) Channel(block uint32, deposit int64) *types.Channel {
	return types.NewChannel(s.ID(block), big.NewInt(deposit), types.StateOpen, time.Now())
}

// Proof returns a balance proof on id signed by the sender.
func (s *Setup) Proof(id types.ID, balance int64) *types.BalanceProof {
	p, err := s.Sender.SignBalanceProof(id, big.NewInt(balance), s.Contract)
	require.NoError(s.T, err)
	return p
}

// ForeignProof returns a balance proof on id signed by someone other than
// the sender.
func (s *Setup) ForeignProof(id types.ID, balance int64) *types.BalanceProof {
	p, err := s.Receiver.SignBalanceProof(id, big.NewInt(balance), s.Contract)
	require.NoError(s.T, err)
	return p
}

// RequireEqualChannel asserts that got describes the same channel as want.
func RequireEqualChannel(t require.TestingT, want, got *types.Channel) {
	require.NotNil(t, got)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.State, got.State)
	requireEqualInt(t, want.Deposit, got.Deposit, "deposit")
	requireEqualInt(t, want.ConfirmedBalance, got.ConfirmedBalance, "confirmed balance")
	requireEqualInt(t, want.ClosingBalance, got.ClosingBalance, "closing balance")
	require.Equal(t, want.LastSignature, got.LastSignature)
	require.Equal(t, want.SettleBlock, got.SettleBlock)
	require.Equal(t, want.Cursor, got.Cursor)
	require.True(t, want.Created.Equal(got.Created), "created")
	require.True(t, want.Modified.Equal(got.Modified), "modified")
}

func requireEqualInt(t require.TestingT, want, got *big.Int, name string) {
	if want == nil || got == nil {
		require.True(t, want == nil && got == nil, "%s: %v != %v", name, want, got)
		return
	}
	require.Zero(t, want.Cmp(got), "%s: %v != %v", name, want, got)
}
