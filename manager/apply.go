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
	"perun.network/perun-eth-paywall/event"
)

// ApplyEvent applies a chain event to the table. Applying an event a second
// time has no effect. Events of channels paying another receiver and close
// or settle events of unknown channels are ignored.
func (m *Manager) ApplyEvent(ctx context.Context, ev event.Event) error {
	m.metrics.events.WithLabelValues(ev.Type().String()).Inc()
	switch ev := ev.(type) {
	case *event.BlockProcessed:
		return m.applyBlock(ev)
	case event.ChannelEvent:
		return m.applyChannelEvent(ctx, ev)
	}
	return errors.Errorf("unsupported event %T", ev)
}

func (m *Manager) applyBlock(ev *event.BlockProcessed) error {
	m.mu.RLock()
	block := ev.Block
	for _, d := range m.deferred {
		// Deferred confirmations must be replayed after a restart.
		if b := d.Cursor().Block; b <= block {
			block = prevBlock(b)
		}
	}
	advance := block > m.checkpoint
	m.mu.RUnlock()

	if advance {
		if err := m.store.Commit(nil, block); err != nil {
			return errors.WithMessagef(err, "persisting checkpoint %d", block)
		}
		m.mu.Lock()
		m.checkpoint = block
		m.mu.Unlock()
		m.metrics.checkpoint.Set(float64(block))
	}
	if ev.CaughtUp {
		m.setReady()
	}
	return nil
}

func (m *Manager) applyChannelEvent(ctx context.Context, ev event.ChannelEvent) error {
	id := ev.ID()
	log := m.Log().WithField("channel", id).WithField("event", ev.Type())
	if id.Receiver != m.verifier.Receiver() {
		log.Debug("Ignoring event of another receiver")
		return nil
	}

	opened, isOpened := ev.(*event.ChannelOpened)
	var e *entry
	if isOpened {
		var err error
		if e, err = m.lockOrCreate(ctx, id); err != nil {
			return err
		}
		defer e.mu.Unlock()
		defer m.dropSettledDeferral(id, e)
	} else {
		var ok bool
		if e, ok = m.lookup(id); !ok {
			log.Info("Ignoring event of unknown channel")
			return nil
		}
		if err := m.lockEntry(ctx, e); err != nil {
			return err
		}
		defer e.mu.Unlock()
	}

	if e.ch == nil && !isOpened {
		log.Info("Ignoring event of unknown channel")
		return nil
	}
	confirming := isOpened && opened.Confirmed && e.ch != nil && e.ch.State == types.StatePending
	if e.ch != nil && !e.ch.Cursor.Before(ev.Cursor()) && !confirming {
		log.Debug("Event already applied")
		return nil
	}

	next, followUp := m.transition(e.ch, ev)
	if next == nil {
		return nil
	}
	if err := m.store.Put(next); err != nil {
		if e.ch == nil {
			m.drop(id, e)
		}
		return errors.WithMessagef(err, "persisting %v", ev)
	}
	log.Infof("Channel %v", next.State)
	m.metrics.transition(e.ch, next)
	e.ch = next
	if followUp != nil {
		m.spawn(followUp)
	}
	return nil
}

// transition returns the channel after ev or nil if ev changes nothing,
// plus an action to run once the new state is persisted.
func (m *Manager) transition(ch *types.Channel, ev event.ChannelEvent) (*types.Channel, func(context.Context)) {
	now := m.now()
	var next *types.Channel
	if ch != nil {
		next = ch.Clone()
		if next.Cursor.Before(ev.Cursor()) {
			next.Cursor = ev.Cursor()
		}
		next.Modified = now
	}

	switch ev := ev.(type) {
	case *event.ChannelOpened:
		confirm := ev.Confirmed && (ch == nil || ch.State == types.StatePending) && m.confirmOrDefer(ev)
		if ch == nil {
			state := types.StatePending
			if confirm {
				state = types.StateOpen
			}
			next = types.NewChannel(ev.ID(), ev.Deposit, state, now)
			next.Cursor = ev.Cursor()
			return next, nil
		}
		if ch.State != types.StatePending || !confirm {
			return m.onlyCursor(ch, next), nil
		}
		// Top-ups seen while pending are already part of the deposit.
		next.State = types.StateOpen

	case *event.ChannelTopUp:
		if ch.State != types.StatePending && ch.State != types.StateOpen {
			m.Log().WithField("channel", ch.ID).Warnf("Ignoring top-up of %v channel", ch.State)
			return m.onlyCursor(ch, next), nil
		}
		next.Deposit = new(big.Int).Add(ch.Deposit, ev.AddedDeposit)

	case *event.CloseRequested:
		if ch.State == types.StateSettled {
			return m.onlyCursor(ch, next), nil
		}
		next.State = types.StateClosing
		next.ClosingBalance = new(big.Int).Set(ev.ClaimedBalance)
		next.SettleBlock = event.SettleBlock(ev.CloseBlock, m.cfg.ChallengePeriod)
		if ev.ClaimedBalance.Cmp(ch.ConfirmedBalance) < 0 && len(ch.LastSignature) > 0 {
			m.Log().WithField("channel", ch.ID).Warnf("Sender requested close at %v below confirmed balance %v",
				ev.ClaimedBalance, ch.ConfirmedBalance)
			balance, sig := new(big.Int).Set(ch.ConfirmedBalance), ch.LastSignature
			return next, func(ctx context.Context) { m.submitClose(ctx, ch.ID, balance, sig) }
		}

	case *event.Settled:
		next.State = types.StateSettled
		next.ClosingBalance = new(big.Int).Set(ev.Balance)
	}
	return next, nil
}

// onlyCursor returns next if it differs from ch in its cursor only, nil if
// nothing changed at all.
func (m *Manager) onlyCursor(ch, next *types.Channel) *types.Channel {
	if next.Cursor == ch.Cursor {
		return nil
	}
	return next
}

// confirmOrDefer reports whether an open confirmation can be applied now.
// If not, it is kept until the chain is reachable again.
func (m *Manager) confirmOrDefer(ev *event.ChannelOpened) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reachable {
		return true
	}
	m.deferred[ev.ID()] = ev
	m.Log().WithField("channel", ev.ID()).Warn("Deferring open confirmation while the chain is unreachable")
	return false
}

// dropSettledDeferral forgets the deferred confirmation of id once the
// channel is persisted beyond pending. e must be locked.
func (m *Manager) dropSettledDeferral(id types.ID, e *entry) {
	if e.ch == nil || e.ch.State == types.StatePending {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deferred, id)
}

func (m *Manager) spawn(fn func(context.Context)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		fn(m.bgCtx)
	}()
}

func prevBlock(b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return b - 1
}
