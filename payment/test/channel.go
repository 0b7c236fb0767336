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
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-eth-paywall/channel/types"
	"perun.network/perun-eth-paywall/wallet"
	"perun.network/perun-eth-paywall/wire"
)

var ErrInsufficientDeposit = errors.New("payment exceeds the channel deposit")

// PaymentChannel is the sender's view of a channel to a receiver.
type PaymentChannel struct {
	mu      sync.Mutex
	id      types.ID
	deposit *big.Int
	balance *big.Int
}

// NewPaymentChannel returns a channel with nothing paid yet.
func NewPaymentChannel(id types.ID, deposit *big.Int) *PaymentChannel {
	return &PaymentChannel{id: id, deposit: new(big.Int).Set(deposit), balance: new(big.Int)}
}

// ID returns the channel id.
func (c *PaymentChannel) ID() types.ID {
	return c.id
}

// Balance returns the balance the receiver acknowledged last.
func (c *PaymentChannel) Balance() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance)
}

// TopUp adds to the deposit after a top-up transaction.
func (c *PaymentChannel) TopUp(added *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deposit.Add(c.deposit, added)
}

// payment signs a proof paying amount on top of the acknowledged balance.
func (c *PaymentChannel) payment(acc *wallet.Account, contract common.Address, amount *big.Int) (*wire.Payment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	balance := new(big.Int).Add(c.balance, amount)
	if balance.Cmp(c.deposit) > 0 {
		return nil, errors.WithMessagef(ErrInsufficientDeposit, "balance %v, deposit %v", balance, c.deposit)
	}
	p, err := acc.SignBalanceProof(c.id, balance, contract)
	if err != nil {
		return nil, err
	}
	return &wire.Payment{
		Contract:  contract,
		Receiver:  c.id.Receiver,
		Sender:    c.id.Sender,
		OpenBlock: c.id.OpenBlock,
		Balance:   p.Balance,
		Signature: p.Signature,
		Price:     amount,
	}, nil
}

// acknowledge records a balance the receiver confirmed. Lower balances are
// ignored.
func (c *PaymentChannel) acknowledge(balance *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if balance.Cmp(c.balance) > 0 {
		c.balance = new(big.Int).Set(balance)
	}
}
