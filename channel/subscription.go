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

package channel

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"perun.network/go-perun/log"
	pkgsync "polycry.pt/poly-go/sync"

	"perun.network/perun-eth-paywall/channel/types"
	"perun.network/perun-eth-paywall/client"
	"perun.network/perun-eth-paywall/event"
)

const (
	DefaultBufferSize                  = 1024
	DefaultSubscriptionPollingInterval = time.Duration(5) * time.Second
	DefaultConfirmations               = 5
	DefaultBatchSize                   = 5000
)

// EventSubConfig configures an EventSub.
type EventSubConfig struct {
	Contract common.Address
	Receiver common.Address
	// Confirmations is the depth a log must have before it is final.
	Confirmations uint64
	PollInterval  time.Duration
	// BatchSize caps the number of blocks per log query.
	BatchSize uint64
	// NewBackOff returns the retry policy for a failing request. Defaults to
	// an exponential backoff that retries until the subscription closes.
	NewBackOff func() backoff.BackOff
	// OnStatus is called whenever the chain becomes reachable or unreachable.
	OnStatus func(reachable bool)
}

func (c *EventSubConfig) setDefaults() {
	if c.Confirmations == 0 {
		c.Confirmations = DefaultConfirmations
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultSubscriptionPollingInterval
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.NewBackOff == nil {
		c.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		}
	}
	if c.OnStatus == nil {
		c.OnStatus = func(bool) {}
	}
}

// EventSub polls the chain for lifecycle logs of channels paying the
// receiver and emits them in chain order. Logs are emitted once they are
// Confirmations blocks deep, each processed range is followed by a
// BlockProcessed marker. Channel creations that are not yet deep enough
// are emitted once as unconfirmed ChannelOpened events.
type EventSub struct {
	reader    client.ChainReader
	cfg       EventSubConfig
	next      uint64
	caughtUp  bool
	reachable bool
	pending   map[types.ID]struct{}
	events    chan event.Event
	err       error
	done      chan struct{}
	cancel    context.CancelFunc
	closer    *pkgsync.Closer
	log       log.Embedding
}

// NewEventSub starts a subscription that emits events from block from on.
func NewEventSub(ctx context.Context, reader client.ChainReader, cfg EventSubConfig, from uint64) *EventSub {
	cfg.setDefaults()
	sub := &EventSub{
		reader:    reader,
		cfg:       cfg,
		next:      from,
		reachable: true,
		pending:   make(map[types.ID]struct{}),
		events:    make(chan event.Event, DefaultBufferSize),
		done:      make(chan struct{}),
		closer:    new(pkgsync.Closer),
		log:       log.MakeEmbedding(log.WithField("contract", cfg.Contract.Hex())),
	}

	ctx, sub.cancel = context.WithCancel(ctx)
	go sub.run(ctx)
	return sub
}

func (s *EventSub) run(ctx context.Context) {
	s.log.Log().WithField("from", s.next).Info("Listening for channel manager events")
	finish := func(err error) {
		s.err = err
		close(s.events)
		close(s.done)
	}
	for {
		if err := s.poll(ctx); err != nil {
			if ctx.Err() != nil {
				finish(nil)
			} else {
				finish(err)
			}
			return
		}
		select {
		case <-ctx.Done():
			finish(nil)
			return
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// poll emits everything that became final since the last round, then the
// unconfirmed channel creations above the final head.
func (s *EventSub) poll(ctx context.Context) error {
	var head uint64
	if err := s.retry(ctx, "block number", func() (err error) {
		head, err = s.reader.BlockNumber(ctx)
		return
	}); err != nil {
		return err
	}

	final, hasFinal := finalHead(head, s.cfg.Confirmations)
	for hasFinal && s.next <= final {
		to := s.next + s.cfg.BatchSize - 1
		if to > final {
			to = final
		}
		var logs []ethtypes.Log
		if err := s.retry(ctx, "filter logs", func() (err error) {
			logs, err = s.reader.FilterLogs(ctx, client.ChannelLogsQuery(s.cfg.Contract, s.cfg.Receiver, s.next, to))
			return
		}); err != nil {
			return err
		}
		for _, ev := range s.decode(logs, true) {
			delete(s.pending, ev.ID())
			if err := s.emit(ctx, ev); err != nil {
				return err
			}
		}
		s.caughtUp = s.caughtUp || to == final
		if err := s.emit(ctx, &event.BlockProcessed{Block: to, CaughtUp: to == final}); err != nil {
			return err
		}
		s.next = to + 1
	}

	if !s.caughtUp {
		// Nothing was final yet, the resume point already is the head.
		s.caughtUp = true
		if err := s.emit(ctx, &event.BlockProcessed{Block: prev(s.next), CaughtUp: true}); err != nil {
			return err
		}
	}

	return s.pollPending(ctx, head)
}

func (s *EventSub) pollPending(ctx context.Context, head uint64) error {
	from := s.next
	if from > head {
		return nil
	}
	var logs []ethtypes.Log
	if err := s.retry(ctx, "filter pending logs", func() (err error) {
		logs, err = s.reader.FilterLogs(ctx, client.CreatedLogsQuery(s.cfg.Contract, s.cfg.Receiver, from, head))
		return
	}); err != nil {
		return err
	}
	for _, ev := range s.decode(logs, false) {
		if _, seen := s.pending[ev.ID()]; seen {
			continue
		}
		s.pending[ev.ID()] = struct{}{}
		if err := s.emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *EventSub) decode(logs []ethtypes.Log, confirmed bool) []event.ChannelEvent {
	return event.DecodeLogs(logs, confirmed, func(l *ethtypes.Log, err error) {
		s.log.Log().WithError(err).WithField("block", l.BlockNumber).Warn("Skipping undecodable log")
	})
}

func (s *EventSub) emit(ctx context.Context, ev event.Event) error {
	s.log.Log().Debugf("Found event: %v", ev)
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry runs op until it succeeds or ctx is done, reporting reachability
// changes through OnStatus.
func (s *EventSub) retry(ctx context.Context, what string, op func() error) error {
	notify := func(err error, wait time.Duration) {
		s.log.Log().WithError(err).Warnf("%s failed, retrying in %v", what, wait)
		s.setReachable(false)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(s.cfg.NewBackOff(), ctx), notify); err != nil {
		return err
	}
	s.setReachable(true)
	return nil
}

func (s *EventSub) setReachable(reachable bool) {
	if s.reachable == reachable {
		return
	}
	s.reachable = reachable
	if reachable {
		s.log.Log().Info("Ethereum node reachable again")
	}
	s.cfg.OnStatus(reachable)
}

// Next returns the next event, or nil once the subscription is closed or
// failed.
func (s *EventSub) Next() event.Event {
	if s.closer.IsClosed() {
		return nil
	}
	select {
	case ev, ok := <-s.events:
		if !ok {
			return nil
		}
		return ev
	case <-s.closer.Closed():
		return nil
	}
}

// Close stops the subscription.
func (s *EventSub) Close() error {
	s.closer.Close()
	s.cancel()
	return nil
}

// Err returns the error that ended the subscription. It blocks until the
// polling goroutine returned and is nil if the subscription was closed.
func (s *EventSub) Err() error {
	<-s.done
	return s.err
}

func finalHead(head, confirmations uint64) (uint64, bool) {
	if head < confirmations {
		return 0, false
	}
	return head - confirmations, true
}

func prev(block uint64) uint64 {
	if block == 0 {
		return 0
	}
	return block - 1
}
