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

package manager

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-eth-paywall/channel"
	"perun.network/perun-eth-paywall/channel/types"
)

// Quote describes a channel to a client that has to pay.
type Quote struct {
	Receiver common.Address
	Contract common.Address
	// Known is false if the channel is not tracked. The fields below are
	// only set for known channels.
	Known   bool
	State   types.State
	Balance *big.Int
	Deposit *big.Int
}

// Quote returns the payment challenge for the channel id.
func (m *Manager) Quote(id types.ID) Quote {
	q := Quote{Receiver: m.verifier.Receiver(), Contract: m.verifier.Contract()}
	ch, err := m.Channel(id)
	if err != nil {
		return q
	}
	q.Known = true
	q.State = ch.State
	q.Balance = ch.ConfirmedBalance
	q.Deposit = ch.Deposit
	return q
}

// RegisterPayment accepts p if it is a valid, fresh balance proof on an
// open channel. The new balance is persisted before RegisterPayment returns
// the accepted increment. A rejected proof changes nothing.
func (m *Manager) RegisterPayment(ctx context.Context, p *types.BalanceProof) (*big.Int, error) {
	return m.pay(ctx, p, nil)
}

// Charge is RegisterPayment for a resource costing price. The proof is
// rejected with ErrInsufficientPayment if it increases the balance by less
// than price.
func (m *Manager) Charge(ctx context.Context, p *types.BalanceProof, price *big.Int) (*big.Int, error) {
	if price == nil || price.Sign() < 0 {
		return nil, errors.New("invalid price")
	}
	return m.pay(ctx, p, price)
}

func (m *Manager) pay(ctx context.Context, p *types.BalanceProof, price *big.Int) (delta *big.Int, err error) {
	defer func() { m.metrics.payment(err, delta) }()

	if err := m.admit(); err != nil {
		return nil, err
	}
	e, ok := m.lookup(p.Channel)
	if !ok {
		return nil, errors.WithMessage(ErrUnknownChannel, p.Channel.String())
	}
	if err := m.lockEntry(ctx, e); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if e.ch == nil {
		return nil, errors.WithMessage(ErrUnknownChannel, p.Channel.String())
	}

	if err := m.verifier.Verify(e.ch, p); err != nil {
		return nil, err
	}
	inc := new(big.Int).Sub(p.Balance, e.ch.ConfirmedBalance)
	if price != nil && inc.Cmp(price) < 0 {
		return nil, errors.WithMessagef(ErrInsufficientPayment,
			"increment %v, price %v, confirmed balance %v", inc, price, e.ch.ConfirmedBalance)
	}

	updated := e.ch.Clone()
	updated.ConfirmedBalance = new(big.Int).Set(p.Balance)
	updated.LastSignature = append([]byte(nil), p.Signature...)
	updated.Modified = m.now()
	if err := m.store.Put(updated); err != nil {
		m.Log().WithError(err).WithField("channel", p.Channel).Error("Persisting payment")
		return nil, errors.WithMessage(err, "payment not confirmed")
	}
	e.ch = updated
	return inc, nil
}

func (m *Manager) admit() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return ErrStopped
	}
	if !m.Ready() {
		return ErrNotReady
	}
	return nil
}

func rejectionLabel(err error) string {
	switch {
	case errors.Is(err, channel.ErrWrongChannel):
		return "wrong_channel"
	case errors.Is(err, channel.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, channel.ErrStaleOrReplayed):
		return "stale"
	case errors.Is(err, channel.ErrOverdraft):
		return "overdraft"
	case errors.Is(err, channel.ErrChannelNotPayable):
		return "not_payable"
	case errors.Is(err, ErrInsufficientPayment):
		return "insufficient"
	case errors.Is(err, ErrUnknownChannel):
		return "unknown_channel"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	}
	return "error"
}
