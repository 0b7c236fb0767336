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

	"github.com/pkg/errors"

	"perun.network/perun-eth-paywall/channel/types"
	"perun.network/perun-eth-paywall/client"
)

// InitiateClose closes the open channel id cooperatively at its confirmed
// balance. balance may be nil, otherwise it must equal the confirmed
// balance. The channel is persisted as closing before the transaction is
// submitted. It reverts to open only if the transaction certainly was not
// broadcast. After any other failure it stays closing and InitiateClose may
// be called again to resubmit.
func (m *Manager) InitiateClose(ctx context.Context, id types.ID, balance *big.Int) error {
	e, ok := m.lookup(id)
	if !ok {
		return errors.WithMessage(ErrUnknownChannel, id.String())
	}
	if err := m.lockEntry(ctx, e); err != nil {
		return err
	}
	defer e.mu.Unlock()

	ch := e.ch
	switch {
	case ch == nil:
		return errors.WithMessage(ErrUnknownChannel, id.String())
	case ch.State != types.StateOpen && !closeUnconfirmed(ch):
		return errors.WithMessagef(ErrInvalidState, "channel is %v", ch.State)
	case balance != nil && balance.Cmp(ch.ConfirmedBalance) != 0:
		return errors.WithMessagef(ErrBalanceMismatch, "requested %v, confirmed %v", balance, ch.ConfirmedBalance)
	case len(ch.LastSignature) == 0:
		return ErrNoBalanceProof
	}

	log := m.Log().WithField("channel", id)
	closing := ch
	if ch.State == types.StateOpen {
		closing = ch.Clone()
		closing.State = types.StateClosing
		closing.ClosingBalance = new(big.Int).Set(ch.ConfirmedBalance)
		closing.Modified = m.now()
		if err := m.store.Put(closing); err != nil {
			return errors.WithMessage(err, "persisting close")
		}
		m.metrics.transition(ch, closing)
		e.ch = closing
	} else {
		log.Info("Resubmitting cooperative close")
	}

	err := m.writer.CooperativeClose(ctx, id, closing.ClosingBalance, closing.LastSignature)
	switch {
	case err == nil:
		log.Infof("Cooperative close at balance %v submitted", closing.ClosingBalance)
		return nil
	case !errors.Is(err, client.ErrTxRejected):
		log.WithError(err).Warn("Cooperative close may have been broadcast, channel stays closing")
		return errors.WithMessage(err, "cooperative close")
	case closing == ch:
		// An earlier submission may still be pending.
		log.WithError(err).Warn("Cooperative close resubmission rejected")
		return errors.WithMessage(err, "cooperative close")
	}

	reverted := closing.Clone()
	reverted.State = types.StateOpen
	reverted.ClosingBalance = nil
	reverted.Modified = m.now()
	if perr := m.store.Put(reverted); perr != nil {
		log.WithError(perr).Error("Reverting rejected close")
		return errors.WithMessage(err, "cooperative close")
	}
	m.metrics.transition(closing, reverted)
	e.ch = reverted
	log.WithError(err).Warn("Cooperative close rejected, channel open again")
	return errors.WithMessage(err, "cooperative close")
}

// closeUnconfirmed reports whether ch is closing because of an own
// cooperative close that no chain event confirmed yet.
func closeUnconfirmed(ch *types.Channel) bool {
	return ch.State == types.StateClosing && ch.SettleBlock == 0
}

// submitClose answers a close request below the confirmed balance with a
// cooperative close at the confirmed balance.
func (m *Manager) submitClose(ctx context.Context, id types.ID, balance *big.Int, sig []byte) {
	log := m.Log().WithField("channel", id)
	if err := m.writer.CooperativeClose(ctx, id, balance, sig); err != nil {
		log.WithError(err).Error("Cooperative close of cheating sender failed")
		return
	}
	log.Infof("Cooperative close at balance %v submitted", balance)
}
