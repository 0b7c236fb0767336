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

package channel_test

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"perun.network/perun-eth-paywall/channel"
	chtest "perun.network/perun-eth-paywall/channel/test"
	"perun.network/perun-eth-paywall/event"
)

const eventTimeout = 5 * time.Second

func subConfig(s *chtest.Setup) channel.EventSubConfig {
	return channel.EventSubConfig{
		Contract:      s.Contract,
		Receiver:      s.Receiver.Address(),
		Confirmations: 5,
		PollInterval:  10 * time.Millisecond,
		BatchSize:     10,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond)
		},
	}
}

func nextEvent(t *testing.T, sub *channel.EventSub) event.Event {
	t.Helper()
	evs := make(chan event.Event, 1)
	go func() { evs <- sub.Next() }()
	select {
	case ev := <-evs:
		require.NotNil(t, ev, "subscription ended")
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

func requireBlockProcessed(t *testing.T, ev event.Event, block uint64, caughtUp bool) {
	t.Helper()
	bp, ok := ev.(*event.BlockProcessed)
	require.True(t, ok, "expected BlockProcessed, got %v", ev)
	require.Equal(t, block, bp.Block)
	require.Equal(t, caughtUp, bp.CaughtUp)
}

func TestEventSub_ConfirmedInOrder(t *testing.T) {
	s := chtest.NewSetup(t)
	chain := chtest.NewSimChain(1, s.Contract, 10)
	id := chain.Open(s.Sender.Address(), s.Receiver.Address(), 100) // block 11
	foreign := chain.Open(s.Sender.Address(), s.Sender.Address(), 5)
	chain.Mine(9)
	chain.TopUp(id, 50) // block 22
	chain.Mine(5)
	_ = foreign

	sub := channel.NewEventSub(context.Background(), chain, subConfig(s), 0)
	defer sub.Close()

	requireBlockProcessed(t, nextEvent(t, sub), 9, false)
	opened, ok := nextEvent(t, sub).(*event.ChannelOpened)
	require.True(t, ok)
	require.Equal(t, id, opened.ID())
	require.True(t, opened.Confirmed)
	requireBlockProcessed(t, nextEvent(t, sub), 19, false)
	topUp, ok := nextEvent(t, sub).(*event.ChannelTopUp)
	require.True(t, ok)
	require.Equal(t, int64(50), topUp.AddedDeposit.Int64())
	requireBlockProcessed(t, nextEvent(t, sub), 22, true)

	chain.RequestClose(id, 20) // block 28
	chain.Mine(5)
	closeReq, ok := nextEvent(t, sub).(*event.CloseRequested)
	require.True(t, ok)
	require.Equal(t, uint64(28), closeReq.CloseBlock)
	requireBlockProcessed(t, nextEvent(t, sub), 28, true)

	require.NoError(t, sub.Close())
	require.Nil(t, sub.Next())
	require.NoError(t, sub.Err())
}

func TestEventSub_PendingOpen(t *testing.T) {
	s := chtest.NewSetup(t)
	chain := chtest.NewSimChain(1, s.Contract, 10)
	id := chain.Open(s.Sender.Address(), s.Receiver.Address(), 100) // block 11

	sub := channel.NewEventSub(context.Background(), chain, subConfig(s), 11)
	defer sub.Close()

	requireBlockProcessed(t, nextEvent(t, sub), 10, true)
	pending, ok := nextEvent(t, sub).(*event.ChannelOpened)
	require.True(t, ok)
	require.Equal(t, id, pending.ID())
	require.False(t, pending.Confirmed)

	chain.Mine(5)
	confirmed, ok := nextEvent(t, sub).(*event.ChannelOpened)
	require.True(t, ok, "pending open must be emitted only once")
	require.Equal(t, id, confirmed.ID())
	require.True(t, confirmed.Confirmed)
	requireBlockProcessed(t, nextEvent(t, sub), 11, true)
}

func TestEventSub_Outage(t *testing.T) {
	s := chtest.NewSetup(t)
	chain := chtest.NewSimChain(1, s.Contract, 20)
	chain.SetReachable(false)

	status := make(chan bool, 8)
	cfg := subConfig(s)
	cfg.OnStatus = func(reachable bool) { status <- reachable }
	sub := channel.NewEventSub(context.Background(), chain, cfg, 15)
	defer sub.Close()

	select {
	case reachable := <-status:
		require.False(t, reachable)
	case <-time.After(eventTimeout):
		t.Fatal("outage not reported")
	}

	chain.SetReachable(true)
	requireBlockProcessed(t, nextEvent(t, sub), 15, true)
	require.True(t, <-status)
}

func TestEventSub_Close(t *testing.T) {
	s := chtest.NewSetup(t)
	chain := chtest.NewSimChain(1, s.Contract, 0)
	chain.SetReachable(false)

	sub := channel.NewEventSub(context.Background(), chain, subConfig(s), 0)
	require.NoError(t, sub.Close())
	require.Nil(t, sub.Next())
	require.NoError(t, sub.Err())
}
