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

package manager_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"perun.network/perun-eth-paywall/channel"
	chtest "perun.network/perun-eth-paywall/channel/test"
	"perun.network/perun-eth-paywall/channel/types"
	"perun.network/perun-eth-paywall/client"
	"perun.network/perun-eth-paywall/event"
	"perun.network/perun-eth-paywall/manager"
	"perun.network/perun-eth-paywall/store"
)

type closeCall struct {
	ID      types.ID
	Balance *big.Int
	Sig     []byte
}

type fakeWriter struct {
	mu    sync.Mutex
	err   error
	calls chan closeCall
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{calls: make(chan closeCall, 16)}
}

func (w *fakeWriter) CooperativeClose(_ context.Context, id types.ID, balance *big.Int, sig []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls <- closeCall{ID: id, Balance: new(big.Int).Set(balance), Sig: sig}
	return w.err
}

func (w *fakeWriter) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

type env struct {
	*chtest.Setup
	m      *manager.Manager
	st     *store.Store
	writer *fakeWriter
	ctx    context.Context
}

func newEnv(t *testing.T, st *store.Store, s *chtest.Setup) *env {
	t.Helper()
	if s == nil {
		s = chtest.NewSetup(t)
	}
	if st == nil {
		var err error
		st, err = store.NewMemStore(s.Receiver.Address(), s.Contract)
		require.NoError(t, err)
	}
	w := newFakeWriter()
	m := manager.New(st, channel.NewVerifier(s.Receiver.Address(), s.Contract), w, manager.Config{
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, m.Load())
	t.Cleanup(m.Stop)
	return &env{Setup: s, m: m, st: st, writer: w, ctx: context.Background()}
}

// newReadyEnv returns an env whose manager caught up with block 1.
func newReadyEnv(t *testing.T) *env {
	e := newEnv(t, nil, nil)
	e.apply(&event.BlockProcessed{Block: 1, CaughtUp: true})
	return e
}

func (e *env) apply(ev event.Event) {
	require.NoError(e.T, e.m.ApplyEvent(e.ctx, ev))
}

func (e *env) open(block uint32, deposit int64, confirmed bool) types.ID {
	id := e.ID(block)
	e.apply(&event.ChannelOpened{
		Base:      event.Base{IDV: id, CursorV: types.Cursor{Block: uint64(block)}},
		Deposit:   big.NewInt(deposit),
		Confirmed: confirmed,
	})
	return id
}

func (e *env) channel(id types.ID) *types.Channel {
	ch, err := e.m.Channel(id)
	require.NoError(e.T, err)
	return ch
}

func (e *env) pay(id types.ID, balance int64) (*big.Int, error) {
	return e.m.RegisterPayment(e.ctx, e.Proof(id, balance))
}

func TestScenario_AcceptStaleOverdraftAccept(t *testing.T) {
	e := newReadyEnv(t)
	id := e.open(10, 100, true)

	delta, err := e.pay(id, 10)
	require.NoError(t, err)
	require.Equal(t, int64(10), delta.Int64())
	require.Equal(t, int64(10), e.channel(id).ConfirmedBalance.Int64())

	_, err = e.pay(id, 5)
	require.ErrorIs(t, err, channel.ErrStaleOrReplayed)

	_, err = e.pay(id, 150)
	require.ErrorIs(t, err, channel.ErrOverdraft)

	delta, err = e.pay(id, 50)
	require.NoError(t, err)
	require.Equal(t, int64(40), delta.Int64())
	require.Equal(t, int64(50), e.channel(id).ConfirmedBalance.Int64())
}

func TestConfirmedBalanceNeverDecreases(t *testing.T) {
	e := newReadyEnv(t)
	id := e.open(10, 1000, true)

	proofs := []*types.BalanceProof{
		e.Proof(id, 100),
		e.Proof(id, 50),
		e.ForeignProof(id, 500),
		e.Proof(id, 1001),
		e.ForeignProof(id, 5000),
		e.Proof(id, 100),
		e.Proof(id, 700),
		e.Proof(e.ID(11), 800),
		e.Proof(id, 699),
		e.Proof(id, 1000),
	}
	last := big.NewInt(0)
	for i, p := range proofs {
		_, err := e.m.RegisterPayment(e.ctx, p)
		confirmed := e.channel(id).ConfirmedBalance
		require.True(t, confirmed.Cmp(last) >= 0, "proof %d decreased the balance", i)
		if err != nil {
			require.Zero(t, last.Cmp(confirmed), "rejected proof %d changed the balance", i)
		}
		last = confirmed
	}
	require.Equal(t, int64(1000), last.Int64())
}

func TestReplayRejected(t *testing.T) {
	e := newReadyEnv(t)
	id := e.open(10, 100, true)
	p := e.Proof(id, 30)

	_, err := e.m.RegisterPayment(e.ctx, p)
	require.NoError(t, err)
	_, err = e.m.RegisterPayment(e.ctx, p)
	require.ErrorIs(t, err, channel.ErrStaleOrReplayed)
}

func TestOverdraftRegardlessOfSignature(t *testing.T) {
	e := newReadyEnv(t)
	id := e.open(10, 100, true)

	_, err := e.m.RegisterPayment(e.ctx, e.ForeignProof(id, 101))
	require.ErrorIs(t, err, channel.ErrOverdraft)
	p := e.Proof(id, 101)
	p.Signature = make([]byte, types.SignatureLength)
	_, err = e.m.RegisterPayment(e.ctx, p)
	require.ErrorIs(t, err, channel.ErrOverdraft)
}

func TestConcurrentPaymentsSerialize(t *testing.T) {
	e := newReadyEnv(t)
	for block := uint32(10); block < 40; block++ {
		id := e.open(block, 100, true)
		_, err := e.pay(id, 10)
		require.NoError(t, err)

		proofs := []*types.BalanceProof{e.Proof(id, 20), e.Proof(id, 30)}
		deltas := make([]*big.Int, 2)
		errs := make([]error, 2)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := range proofs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				deltas[i], errs[i] = e.m.RegisterPayment(e.ctx, proofs[i])
			}(i)
		}
		close(start)
		wg.Wait()

		require.NoError(t, errs[1], "the highest proof is always accepted")
		require.Equal(t, int64(30), e.channel(id).ConfirmedBalance.Int64())
		if errs[0] == nil {
			// 20 was applied first.
			require.Equal(t, int64(10), deltas[0].Int64())
			require.Equal(t, int64(10), deltas[1].Int64())
		} else {
			require.ErrorIs(t, errs[0], channel.ErrStaleOrReplayed)
			require.Equal(t, int64(20), deltas[1].Int64())
		}
	}
}

func TestCharge(t *testing.T) {
	e := newReadyEnv(t)
	id := e.open(10, 100, true)

	_, err := e.m.Charge(e.ctx, e.Proof(id, 3), big.NewInt(5))
	require.ErrorIs(t, err, manager.ErrInsufficientPayment)
	require.Zero(t, e.channel(id).ConfirmedBalance.Sign())

	delta, err := e.m.Charge(e.ctx, e.Proof(id, 5), big.NewInt(5))
	require.NoError(t, err)
	require.Equal(t, int64(5), delta.Int64())

	q := e.m.Quote(id)
	require.True(t, q.Known)
	require.Equal(t, int64(5), q.Balance.Int64())
	require.Equal(t, e.Receiver.Address(), q.Receiver)
	require.Equal(t, e.Contract, q.Contract)
	require.False(t, e.m.Quote(e.ID(99)).Known)
}

func TestEventIdempotence(t *testing.T) {
	e := newReadyEnv(t)
	id := e.ID(10)
	evs := []event.Event{
		&event.ChannelOpened{Base: event.Base{IDV: id, CursorV: types.Cursor{Block: 10}}, Deposit: big.NewInt(100), Confirmed: true},
		&event.ChannelTopUp{Base: event.Base{IDV: id, CursorV: types.Cursor{Block: 12, Index: 1}}, AddedDeposit: big.NewInt(50)},
		&event.BlockProcessed{Block: 12, CaughtUp: true},
		&event.CloseRequested{Base: event.Base{IDV: id, CursorV: types.Cursor{Block: 20}}, ClaimedBalance: big.NewInt(0), CloseBlock: 20},
	}
	for _, ev := range evs {
		e.apply(ev)
	}
	once := e.channel(id)
	require.Equal(t, int64(150), once.Deposit.Int64())

	for _, ev := range evs {
		e.apply(ev)
		e.apply(ev)
	}
	chtest.RequireEqualChannel(t, once, e.channel(id))
	require.Len(t, e.m.Channels(), 1)
}

func TestUnknownChannelEventsIgnored(t *testing.T) {
	e := newReadyEnv(t)
	id := e.ID(10)

	e.apply(&event.CloseRequested{Base: event.Base{IDV: id, CursorV: types.Cursor{Block: 20}}, ClaimedBalance: big.NewInt(5), CloseBlock: 20})
	e.apply(&event.Settled{Base: event.Base{IDV: id, CursorV: types.Cursor{Block: 30}}, Balance: big.NewInt(5), ReceiverTokens: big.NewInt(5)})
	e.apply(&event.ChannelTopUp{Base: event.Base{IDV: id, CursorV: types.Cursor{Block: 31}}, AddedDeposit: big.NewInt(5)})
	require.Empty(t, e.m.Channels())
	_, err := e.st.Get(id)
	require.ErrorIs(t, err, store.ErrChannelNotFound)

	// Channels of other receivers are not tracked at all.
	foreign := types.MakeID(e.Sender.Address(), e.Sender.Address(), 10)
	e.apply(&event.ChannelOpened{Base: event.Base{IDV: foreign, CursorV: types.Cursor{Block: 10}}, Deposit: big.NewInt(1), Confirmed: true})
	require.Empty(t, e.m.Channels())
}

func TestPendingOpen(t *testing.T) {
	e := newReadyEnv(t)
	id := e.open(10, 100, false)
	require.Equal(t, types.StatePending, e.channel(id).State)

	_, err := e.pay(id, 10)
	require.ErrorIs(t, err, channel.ErrChannelNotPayable)

	e.apply(&event.ChannelTopUp{Base: event.Base{IDV: id, CursorV: types.Cursor{Block: 12}}, AddedDeposit: big.NewInt(20)})
	e.open(10, 100, true)
	ch := e.channel(id)
	require.Equal(t, types.StateOpen, ch.State)
	require.Equal(t, int64(120), ch.Deposit.Int64())
	require.Equal(t, types.Cursor{Block: 12}, ch.Cursor)

	_, err = e.pay(id, 110)
	require.NoError(t, err)
}

func TestTopUpIgnoredWhenClosing(t *testing.T) {
	e := newReadyEnv(t)
	id := e.open(10, 100, true)
	e.apply(&event.CloseRequested{Base: event.Base{IDV: id, CursorV: types.Cursor{Block: 20}}, ClaimedBalance: big.NewInt(0), CloseBlock: 20})
	e.apply(&event.ChannelTopUp{Base: event.Base{IDV: id, CursorV: types.Cursor{Block: 21}}, AddedDeposit: big.NewInt(50)})

	ch := e.channel(id)
	require.Equal(t, types.StateClosing, ch.State)
	require.Equal(t, int64(100), ch.Deposit.Int64())
	require.Equal(t, uint64(20+event.DefaultChallengePeriod), ch.SettleBlock)

	_, err := e.pay(id, 10)
	require.ErrorIs(t, err, channel.ErrChannelNotPayable)

	e.apply(&event.Settled{Base: event.Base{IDV: id, CursorV: types.Cursor{Block: 600}}, Balance: big.NewInt(0), ReceiverTokens: big.NewInt(0)})
	require.Equal(t, types.StateSettled, e.channel(id).State)
}

func TestCheatingCloseAnsweredCooperatively(t *testing.T) {
	e := newReadyEnv(t)
	id := e.open(10, 100, true)
	_, err := e.pay(id, 40)
	require.NoError(t, err)

	e.apply(&event.CloseRequested{Base: event.Base{IDV: id, CursorV: types.Cursor{Block: 20}}, ClaimedBalance: big.NewInt(15), CloseBlock: 20})
	ch := e.channel(id)
	require.Equal(t, types.StateClosing, ch.State)
	require.Equal(t, int64(15), ch.ClosingBalance.Int64())

	select {
	case call := <-e.writer.calls:
		require.Equal(t, id, call.ID)
		require.Equal(t, int64(40), call.Balance.Int64())
		require.Equal(t, ch.LastSignature, call.Sig)
	case <-time.After(5 * time.Second):
		t.Fatal("no cooperative close submitted")
	}
}

func TestInitiateClose(t *testing.T) {
	e := newReadyEnv(t)
	id := e.open(10, 100, true)

	require.ErrorIs(t, e.m.InitiateClose(e.ctx, id, nil), manager.ErrNoBalanceProof)
	_, err := e.pay(id, 25)
	require.NoError(t, err)
	require.ErrorIs(t, e.m.InitiateClose(e.ctx, id, big.NewInt(24)), manager.ErrBalanceMismatch)
	require.ErrorIs(t, e.m.InitiateClose(e.ctx, e.ID(11), nil), manager.ErrUnknownChannel)

	// A transaction the node refused never left: the channel is open again.
	e.writer.setErr(errors.WithMessage(client.ErrTxRejected, "nonce too low"))
	require.ErrorIs(t, e.m.InitiateClose(e.ctx, id, big.NewInt(25)), client.ErrTxRejected)
	<-e.writer.calls
	require.Equal(t, types.StateOpen, e.channel(id).State)
	stored, err := e.st.Get(id)
	require.NoError(t, err)
	require.Equal(t, types.StateOpen, stored.State)
	require.Nil(t, stored.ClosingBalance)

	e.writer.setErr(nil)
	require.NoError(t, e.m.InitiateClose(e.ctx, id, nil))
	call := <-e.writer.calls
	require.Equal(t, int64(25), call.Balance.Int64())
	ch := e.channel(id)
	require.Equal(t, types.StateClosing, ch.State)
	require.Equal(t, int64(25), ch.ClosingBalance.Int64())

	e.apply(&event.Settled{Base: event.Base{IDV: id, CursorV: types.Cursor{Block: 30}}, Balance: big.NewInt(25), ReceiverTokens: big.NewInt(25)})
	require.ErrorIs(t, e.m.InitiateClose(e.ctx, id, nil), manager.ErrInvalidState)
}

func TestInitiateCloseTimeoutKeepsClosing(t *testing.T) {
	e := newReadyEnv(t)
	id := e.open(10, 100, true)
	_, err := e.pay(id, 10)
	require.NoError(t, err)

	e.writer.setErr(context.DeadlineExceeded)
	require.ErrorIs(t, e.m.InitiateClose(e.ctx, id, nil), context.DeadlineExceeded)
	<-e.writer.calls

	// The close may be on-chain, so no payment above it is accepted.
	require.Equal(t, types.StateClosing, e.channel(id).State)
	stored, err := e.st.Get(id)
	require.NoError(t, err)
	require.Equal(t, types.StateClosing, stored.State)
	_, err = e.pay(id, 60)
	require.ErrorIs(t, err, channel.ErrChannelNotPayable)
	require.Equal(t, int64(10), e.channel(id).ConfirmedBalance.Int64())

	// A rejected resubmission does not reopen the channel either.
	e.writer.setErr(errors.WithMessage(client.ErrTxRejected, "already known"))
	require.ErrorIs(t, e.m.InitiateClose(e.ctx, id, nil), client.ErrTxRejected)
	<-e.writer.calls
	require.Equal(t, types.StateClosing, e.channel(id).State)

	e.writer.setErr(nil)
	require.NoError(t, e.m.InitiateClose(e.ctx, id, big.NewInt(10)))
	call := <-e.writer.calls
	require.Equal(t, int64(10), call.Balance.Int64())

	// Once the sender's close request is seen, the close is out of our hands.
	e.apply(&event.CloseRequested{Base: event.Base{IDV: id, CursorV: types.Cursor{Block: 20}}, ClaimedBalance: big.NewInt(10), CloseBlock: 20})
	require.ErrorIs(t, e.m.InitiateClose(e.ctx, id, nil), manager.ErrInvalidState)
}

func TestNotReady(t *testing.T) {
	e := newEnv(t, nil, nil)
	id := e.open(10, 100, true)
	_, err := e.pay(id, 10)
	require.ErrorIs(t, err, manager.ErrNotReady)

	e.apply(&event.BlockProcessed{Block: 20})
	require.False(t, e.m.Ready())
	e.apply(&event.BlockProcessed{Block: 25, CaughtUp: true})
	require.True(t, e.m.Ready())
	_, err = e.pay(id, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(25), e.m.Checkpoint())
}

func TestDegradedMode(t *testing.T) {
	e := newReadyEnv(t)
	id := e.open(10, 100, true)

	e.m.SetChainReachable(false)
	require.True(t, e.m.Status().Degraded())

	// Payments continue against the last known state.
	_, err := e.pay(id, 10)
	require.NoError(t, err)

	// New opens are not confirmed while degraded.
	pending := e.open(30, 100, true)
	require.Equal(t, types.StatePending, e.channel(pending).State)
	e.apply(&event.BlockProcessed{Block: 40, CaughtUp: true})
	require.Equal(t, uint64(29), e.m.Checkpoint())
	require.Equal(t, 1, e.m.Status().Deferred)

	e.m.SetChainReachable(true)
	require.Equal(t, types.StateOpen, e.channel(pending).State)
	require.Zero(t, e.m.Status().Deferred)
	e.apply(&event.BlockProcessed{Block: 41, CaughtUp: true})
	require.Equal(t, uint64(41), e.m.Checkpoint())
}

func TestDeferredConfirmationKeptUntilPersisted(t *testing.T) {
	s := chtest.NewSetup(t)
	dir := t.TempDir() + "/state"
	st, err := store.Open(dir, s.Receiver.Address(), s.Contract)
	require.NoError(t, err)

	e := newEnv(t, st, s)
	e.apply(&event.BlockProcessed{Block: 5, CaughtUp: true})
	e.m.SetChainReachable(false)
	pending := e.open(30, 100, true)
	e.apply(&event.BlockProcessed{Block: 40, CaughtUp: true})
	require.Equal(t, uint64(29), e.m.Checkpoint())

	// The replay cannot be persisted, so the confirmation stays deferred.
	require.NoError(t, st.Close())
	e.m.SetChainReachable(true)
	require.Equal(t, 1, e.m.Status().Deferred)
	require.Equal(t, types.StatePending, e.channel(pending).State)

	st, err = store.Open(dir, s.Receiver.Address(), s.Contract)
	require.NoError(t, err)
	defer st.Close()
	cp, err := st.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, uint64(29), cp)
}

func TestFailedCreateLeavesNoChannel(t *testing.T) {
	e := newReadyEnv(t)
	require.NoError(t, e.st.Close())

	err := e.m.ApplyEvent(e.ctx, &event.ChannelOpened{
		Base:      event.Base{IDV: e.ID(10), CursorV: types.Cursor{Block: 10}},
		Deposit:   big.NewInt(100),
		Confirmed: true,
	})
	require.ErrorIs(t, err, store.ErrClosed)
	require.Zero(t, e.m.Status().Channels)
	require.Empty(t, e.m.Channels())
	_, err = e.m.Channel(e.ID(10))
	require.ErrorIs(t, err, manager.ErrUnknownChannel)
}

func TestDurabilityBeforeAcknowledgment(t *testing.T) {
	s := chtest.NewSetup(t)
	dir := t.TempDir() + "/state"
	st, err := store.Open(dir, s.Receiver.Address(), s.Contract)
	require.NoError(t, err)

	e := newEnv(t, st, s)
	e.apply(&event.BlockProcessed{Block: 5, CaughtUp: true})
	id := e.open(10, 100, true)
	_, err = e.pay(id, 42)
	require.NoError(t, err)

	// Crash: the process goes away without any further call.
	require.NoError(t, st.Close())
	st, err = store.Open(dir, s.Receiver.Address(), s.Contract)
	require.NoError(t, err)
	defer st.Close()

	ch, err := st.Get(id)
	require.NoError(t, err)
	require.Equal(t, int64(42), ch.ConfirmedBalance.Int64())

	restarted := newEnv(t, st, s)
	require.Equal(t, uint64(5), restarted.m.Checkpoint())
	require.Equal(t, int64(42), restarted.channel(id).ConfirmedBalance.Int64())
}

func TestFailedWriteRejectsPayment(t *testing.T) {
	e := newReadyEnv(t)
	id := e.open(10, 100, true)
	require.NoError(t, e.st.Close())

	_, err := e.pay(id, 10)
	require.ErrorIs(t, err, store.ErrClosed)
	require.Zero(t, e.channel(id).ConfirmedBalance.Sign())
}

func TestPruneAndBalances(t *testing.T) {
	now := time.Now()
	s := chtest.NewSetup(t)
	st, err := store.NewMemStore(s.Receiver.Address(), s.Contract)
	require.NoError(t, err)
	clock := now.Add(-40 * 24 * time.Hour)
	m := manager.New(st, channel.NewVerifier(s.Receiver.Address(), s.Contract), newFakeWriter(), manager.Config{
		Now: func() time.Time { return clock },
	})
	defer m.Stop()
	require.NoError(t, m.Load())
	ctx := context.Background()
	require.NoError(t, m.ApplyEvent(ctx, &event.BlockProcessed{Block: 1, CaughtUp: true}))

	old, recent := s.ID(10), s.ID(11)
	for _, id := range []types.ID{old, recent} {
		require.NoError(t, m.ApplyEvent(ctx, &event.ChannelOpened{
			Base: event.Base{IDV: id, CursorV: types.Cursor{Block: uint64(id.OpenBlock)}}, Deposit: big.NewInt(100), Confirmed: true,
		}))
		_, err := m.RegisterPayment(ctx, s.Proof(id, 30))
		require.NoError(t, err)
	}
	require.NoError(t, m.ApplyEvent(ctx, &event.Settled{
		Base: event.Base{IDV: old, CursorV: types.Cursor{Block: 20}}, Balance: big.NewInt(30), ReceiverTokens: big.NewInt(30),
	}))
	require.Equal(t, int64(30), m.LockedBalance().Int64())
	require.Equal(t, int64(30), m.LiquidBalance().Int64())

	clock = now
	n, err := m.Prune(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, m.Channels(), 1)
	require.Equal(t, recent, m.Channels()[0].ID)
	require.Zero(t, m.LiquidBalance().Sign())
}

func TestRunCatchesUpBeforePayments(t *testing.T) {
	s := chtest.NewSetup(t)
	chain := chtest.NewSimChain(1, s.Contract, 100)
	id := chain.Open(s.Sender.Address(), s.Receiver.Address(), 100)
	chain.TopUp(id, 20)
	chain.Mine(10)

	e := newEnv(t, nil, s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := channel.NewEventSub(ctx, chain, channel.EventSubConfig{
		Contract:     s.Contract,
		Receiver:     s.Receiver.Address(),
		PollInterval: 10 * time.Millisecond,
		OnStatus:     e.m.SetChainReachable,
	}, 90)
	defer sub.Close()

	done := make(chan error, 1)
	go func() { done <- e.m.Run(ctx, sub) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, e.m.WaitReady(waitCtx))

	ch := e.channel(id)
	require.Equal(t, types.StateOpen, ch.State)
	require.Equal(t, int64(120), ch.Deposit.Int64())
	_, err := e.pay(id, 120)
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, <-done)
	require.Equal(t, chain.Head()-channel.DefaultConfirmations, e.m.Checkpoint())
}
