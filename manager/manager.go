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

// Package manager keeps the authoritative table of payment channels of a
// receiver. It accepts balance proofs from the paywall, applies lifecycle
// events from the chain and persists every change before acknowledging it.
package manager

import (
	"bytes"
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"perun.network/go-perun/log"
	psync "polycry.pt/poly-go/sync"

	"perun.network/perun-eth-paywall/channel"
	"perun.network/perun-eth-paywall/channel/types"
	"perun.network/perun-eth-paywall/event"
	"perun.network/perun-eth-paywall/store"
)

const (
	// DefaultRetention is how long settled channels are kept for audit.
	DefaultRetention = 30 * 24 * time.Hour
)

// ChainWriter submits receiver transactions to the channel manager
// contract. Errors wrapping client.ErrTxRejected mean the transaction was
// never broadcast.
type ChainWriter interface {
	CooperativeClose(ctx context.Context, id types.ID, balance *big.Int, balanceSig []byte) error
}

// Subscription is a source of chain events in chain order. Next returns nil
// once the subscription ended, Err then reports why.
type Subscription interface {
	Next() event.Event
	Err() error
}

// Config holds the policy parameters of a manager.
type Config struct {
	// ChallengePeriod is the number of blocks between a close request and
	// the earliest settlement.
	ChallengePeriod uint64
	// Retention is how long settled channels are kept before pruning.
	Retention time.Duration
	// Registerer receives the manager metrics. Nil disables registration.
	Registerer prometheus.Registerer
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Status describes the health of a manager.
type Status struct {
	Ready      bool   `json:"ready"`
	Reachable  bool   `json:"chain_reachable"`
	Checkpoint uint64 `json:"checkpoint"`
	Channels   int    `json:"channels"`
	Deferred   int    `json:"deferred_confirmations"`
}

// Degraded reports whether the chain is currently unreachable.
func (s Status) Degraded() bool {
	return !s.Reachable
}

type entry struct {
	mu psync.Mutex
	ch *types.Channel // nil until the creating event was persisted
}

// Manager is the channel table of one receiver on one contract. All methods
// are safe for concurrent use. Operations on the same channel are
// serialized, operations on different channels run in parallel.
type Manager struct {
	verifier *channel.Verifier
	store    *store.Store
	writer   ChainWriter
	cfg      Config
	metrics  *Metrics

	mu         sync.RWMutex // guards the fields below
	table      map[types.ID]*entry
	checkpoint uint64
	reachable  bool
	deferred   map[types.ID]*event.ChannelOpened
	stopped    bool

	ready     chan struct{}
	readyOnce sync.Once
	bg        sync.WaitGroup
	bgCtx     context.Context
	bgCancel  context.CancelFunc

	log.Embedding
}

// New returns a manager persisting to st, verifying proofs with v and
// submitting closes through w.
func New(st *store.Store, v *channel.Verifier, w ChainWriter, cfg Config) *Manager {
	if cfg.ChallengePeriod == 0 {
		cfg.ChallengePeriod = event.DefaultChallengePeriod
	}
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		verifier:  v,
		store:     st,
		writer:    w,
		cfg:       cfg,
		metrics:   NewMetrics(cfg.Registerer),
		table:     make(map[types.ID]*entry),
		reachable: true,
		deferred:  make(map[types.ID]*event.ChannelOpened),
		ready:     make(chan struct{}),
		Embedding: log.MakeEmbedding(log.WithField("receiver", v.Receiver().Hex())),
	}
	m.bgCtx, m.bgCancel = context.WithCancel(context.Background())
	m.metrics.setReachable(true)
	return m
}

// Load reads all channels and the checkpoint from the store into the table.
// It must be called before Run.
func (m *Manager) Load() error {
	chs, err := m.store.All()
	if err != nil {
		return err
	}
	cp, err := m.store.Checkpoint()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range chs {
		m.table[ch.ID] = &entry{ch: ch}
		m.metrics.transition(nil, ch)
	}
	m.checkpoint = cp
	m.metrics.checkpoint.Set(float64(cp))
	m.Log().Infof("Loaded %d channels, checkpoint at block %d", len(chs), cp)
	return nil
}

// Checkpoint returns the last block whose events were fully applied.
func (m *Manager) Checkpoint() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoint
}

// Run applies the events of sub until it ends or ctx is done. The manager
// becomes ready once sub reported that it caught up with the chain.
func (m *Manager) Run(ctx context.Context, sub Subscription) error {
	for {
		ev := sub.Next()
		if ev == nil {
			return sub.Err()
		}
		if err := m.ApplyEvent(ctx, ev); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Ready reports whether the initial chain sync completed.
func (m *Manager) Ready() bool {
	select {
	case <-m.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the manager is ready or ctx is done.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) setReady() {
	m.readyOnce.Do(func() {
		close(m.ready)
		m.Log().Info("Caught up with the chain, accepting payments")
	})
}

// SetChainReachable records whether the Ethereum node is reachable. While it
// is not, channel-open confirmations are deferred. They are applied when the
// node becomes reachable again and hold back the checkpoint until their
// channel is persisted as open.
func (m *Manager) SetChainReachable(reachable bool) {
	m.mu.Lock()
	if m.reachable == reachable {
		m.mu.Unlock()
		return
	}
	m.reachable = reachable
	m.metrics.setReachable(reachable)
	var replay []*event.ChannelOpened
	if reachable {
		for _, ev := range m.deferred {
			replay = append(replay, ev)
		}
	}
	m.mu.Unlock()

	if !reachable {
		m.Log().Warn("Ethereum node unreachable, serving payments from last known state")
		return
	}
	m.Log().Infof("Ethereum node reachable, replaying %d deferred confirmations", len(replay))
	sort.Slice(replay, func(i, j int) bool { return replay[i].Cursor().Before(replay[j].Cursor()) })
	for _, ev := range replay {
		if err := m.ApplyEvent(m.bgCtx, ev); err != nil {
			m.Log().WithError(err).WithField("channel", ev.ID()).Error("Replaying confirmation")
		}
	}
}

// Status returns the current health of the manager.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Ready:      m.Ready(),
		Reachable:  m.reachable,
		Checkpoint: m.checkpoint,
		Channels:   len(m.table),
		Deferred:   len(m.deferred),
	}
}

// Channels returns a snapshot of all channels ordered by id.
func (m *Manager) Channels() []*types.Channel {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.table))
	for _, e := range m.table {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	chs := make([]*types.Channel, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.ch != nil {
			chs = append(chs, e.ch.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(chs, func(i, j int) bool { return bytes.Compare(chs[i].ID.Key(), chs[j].ID.Key()) < 0 })
	return chs
}

// Channel returns a snapshot of the channel id.
func (m *Manager) Channel(id types.ID) (*types.Channel, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, ErrUnknownChannel
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ch == nil {
		return nil, ErrUnknownChannel
	}
	return e.ch.Clone(), nil
}

// LockedBalance is the sum of confirmed balances of channels not settled
// yet. The receiver owns it but has not received it on-chain.
func (m *Manager) LockedBalance() *big.Int {
	sum := new(big.Int)
	for _, ch := range m.Channels() {
		if ch.State != types.StateSettled {
			sum.Add(sum, ch.ConfirmedBalance)
		}
	}
	return sum
}

// LiquidBalance is the sum of balances paid out to the receiver by settled
// channels that are still tracked.
func (m *Manager) LiquidBalance() *big.Int {
	sum := new(big.Int)
	for _, ch := range m.Channels() {
		if ch.State == types.StateSettled && ch.ClosingBalance != nil {
			sum.Add(sum, ch.ClosingBalance)
		}
	}
	return sum
}

// Prune removes settled channels older than the retention period from the
// store and the table.
func (m *Manager) Prune(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pruned, err := m.store.Compact(now.Add(-m.cfg.Retention))
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	removed := make([]*entry, 0, len(pruned))
	for _, id := range pruned {
		if e, ok := m.table[id]; ok {
			removed = append(removed, e)
			delete(m.table, id)
		}
	}
	m.mu.Unlock()

	for _, e := range removed {
		e.mu.Lock()
		m.metrics.transition(e.ch, nil)
		e.mu.Unlock()
	}
	return len(pruned), nil
}

// Stop rejects further payments and waits for background close
// submissions to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.bgCancel()
	m.bg.Wait()
}

// Metrics returns the collectors of the manager.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

func (m *Manager) lookup(id types.ID) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.table[id]
	return e, ok
}

func (m *Manager) lookupOrCreate(id types.ID) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.table[id]
	if !ok {
		e = new(entry)
		m.table[id] = e
	}
	return e
}

// lockOrCreate returns the locked entry of id, creating it if needed. The
// returned entry is the one in the table.
func (m *Manager) lockOrCreate(ctx context.Context, id types.ID) (*entry, error) {
	for {
		e := m.lookupOrCreate(id)
		if err := m.lockEntry(ctx, e); err != nil {
			return nil, err
		}
		if cur, ok := m.lookup(id); ok && cur == e {
			return e, nil
		}
		e.mu.Unlock()
	}
}

// drop removes the entry e of id from the table.
func (m *Manager) drop(id types.ID, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table[id] == e {
		delete(m.table, id)
	}
}

func (m *Manager) lockEntry(ctx context.Context, e *entry) error {
	if !e.mu.TryLockCtx(ctx) {
		return ctx.Err()
	}
	return nil
}

func (m *Manager) now() time.Time {
	return m.cfg.Now().UTC()
}
