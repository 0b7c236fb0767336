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

// Package store persists channel records and the chain checkpoint of one
// receiver on one channel manager contract. Every write is atomic and
// synced to disk before it returns, and only one process may hold a state
// directory at a time.
package store

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	dbm "github.com/tendermint/tm-db"
	"perun.network/go-perun/log"

	"perun.network/perun-eth-paywall/channel/types"
	"perun.network/perun-eth-paywall/util"
)

const (
	// LockFileName is the name of the lock file inside the state directory.
	LockFileName = "LOCK.paywall"
	dbName       = "channels"
)

var (
	ErrStoreLocked       = errors.New("state directory is used by another process")
	ErrLockUnsupported   = errors.New("state directory locking is not supported on this platform")
	ErrInsecureStateFile = errors.New("state directory is accessible by other users")
	ErrStoreMismatch     = errors.New("state belongs to a different receiver or contract")
	ErrChannelNotFound   = errors.New("channel not found")
	ErrClosed            = errors.New("store closed")
)

var (
	prefixChannel = []byte("ch/")
	keyBinding    = []byte("meta/binding")
	keyCheckpoint = []byte("meta/checkpoint")
)

type binding struct {
	Receiver common.Address `json:"receiver"`
	Contract common.Address `json:"contract"`
}

// Store is the durable channel table. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	db     dbm.DB
	lock   *os.File
	dir    string
	closed bool
	log.Embedding
}

// Open opens the state in dir for receiver on contract. The directory is
// created with owner-only permissions when missing and must not be
// accessible by anybody else.
func Open(dir string, receiver, contract common.Address) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "creating state directory")
	}
	if err := util.CheckOwnerOnly(dir); err != nil {
		if errors.Is(err, util.ErrInsecurePermissions) {
			return nil, errors.WithMessage(ErrInsecureStateFile, err.Error())
		}
		return nil, err
	}

	lock, err := lockFile(filepath.Join(dir, LockFileName))
	if err != nil {
		return nil, err
	}
	db, err := dbm.NewGoLevelDB(dbName, dir)
	if err != nil {
		unlockFile(lock) //nolint:errcheck
		return nil, errors.Wrap(err, "opening state database")
	}

	s := newStore(db, dir)
	s.lock = lock
	if err := s.bind(receiver, contract); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	s.Log().Infof("Opened state in %s", dir)
	return s, nil
}

// NewMemStore returns a store that keeps its state in memory.
func NewMemStore(receiver, contract common.Address) (*Store, error) {
	s := newStore(dbm.NewMemDB(), "")
	if err := s.bind(receiver, contract); err != nil {
		return nil, err
	}
	return s, nil
}

func newStore(db dbm.DB, dir string) *Store {
	return &Store{
		db:        db,
		dir:       dir,
		Embedding: log.MakeEmbedding(log.WithField("state", dir)),
	}
}

// bind records receiver and contract on first use and refuses a state
// recorded for others.
func (s *Store) bind(receiver, contract common.Address) error {
	want := binding{Receiver: receiver, Contract: contract}
	data, err := s.db.Get(keyBinding)
	if err != nil {
		return errors.Wrap(err, "reading binding")
	}
	if data == nil {
		rec, err := encodeRecord(want)
		if err != nil {
			return err
		}
		return errors.Wrap(s.db.SetSync(keyBinding, rec), "writing binding")
	}

	var got binding
	if err := decodeRecord(keyBinding, data, &got); err != nil {
		return err
	}
	if got != want {
		return errors.WithMessagef(ErrStoreMismatch, "state for receiver %s on %s",
			got.Receiver.Hex(), got.Contract.Hex())
	}
	return nil
}

// Dir returns the state directory, empty for memory stores.
func (s *Store) Dir() string {
	return s.dir
}

// Get returns the stored channel id.
func (s *Store) Get(id types.ID) (*types.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	key := channelKey(id)
	data, err := s.db.Get(key)
	if err != nil {
		return nil, errors.Wrap(err, "reading channel")
	}
	if data == nil {
		return nil, errors.WithMessage(ErrChannelNotFound, id.String())
	}
	ch := new(types.Channel)
	if err := decodeRecord(key, data, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// Put durably stores ch.
func (s *Store) Put(ch *types.Channel) error {
	return s.write(func(b dbm.Batch) error {
		return putChannel(b, ch)
	})
}

// Commit durably stores chs together with the checkpoint in one atomic
// write.
func (s *Store) Commit(chs []*types.Channel, checkpoint uint64) error {
	return s.write(func(b dbm.Batch) error {
		for _, ch := range chs {
			if err := putChannel(b, ch); err != nil {
				return err
			}
		}
		return putCheckpoint(b, checkpoint)
	})
}

// All returns all stored channels ordered by id.
func (s *Store) All() ([]*types.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var chs []*types.Channel
	err := s.iterate(func(key, value []byte) error {
		ch := new(types.Channel)
		if err := decodeRecord(key, value, ch); err != nil {
			return err
		}
		chs = append(chs, ch)
		return nil
	})
	return chs, err
}

// Checkpoint returns the last block whose events were fully applied, zero
// if none was recorded.
func (s *Store) Checkpoint() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	data, err := s.db.Get(keyCheckpoint)
	if err != nil {
		return 0, errors.Wrap(err, "reading checkpoint")
	}
	if data == nil {
		return 0, nil
	}
	var block uint64
	err = decodeRecord(keyCheckpoint, data, &block)
	return block, err
}

// Compact deletes settled channels last modified before before and returns
// their ids.
func (s *Store) Compact(before time.Time) ([]types.ID, error) {
	s.mu.RLock()
	var pruned []types.ID
	err := func() error {
		if s.closed {
			return ErrClosed
		}
		return s.iterate(func(key, value []byte) error {
			ch := new(types.Channel)
			if err := decodeRecord(key, value, ch); err != nil {
				return err
			}
			if ch.State == types.StateSettled && ch.Modified.Before(before) {
				pruned = append(pruned, ch.ID)
			}
			return nil
		})
	}()
	s.mu.RUnlock()
	if err != nil || len(pruned) == 0 {
		return nil, err
	}

	err = s.write(func(b dbm.Batch) error {
		for _, id := range pruned {
			if err := b.Delete(channelKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Log().Infof("Pruned %d settled channels", len(pruned))
	return pruned, nil
}

// Close closes the database and releases the state directory.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	err := errors.Wrap(s.db.Close(), "closing state database")
	if s.lock != nil {
		if uerr := unlockFile(s.lock); err == nil {
			err = uerr
		}
	}
	return err
}

func (s *Store) write(fill func(dbm.Batch) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := fill(b); err != nil {
		return errors.Wrap(err, "preparing write")
	}
	return errors.Wrap(b.WriteSync(), "writing state")
}

func (s *Store) iterate(fn func(key, value []byte) error) error {
	it, err := s.db.Iterator(prefixChannel, prefixEnd(prefixChannel))
	if err != nil {
		return errors.Wrap(err, "iterating channels")
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return errors.Wrap(it.Error(), "iterating channels")
}

func putChannel(b dbm.Batch, ch *types.Channel) error {
	rec, err := encodeRecord(ch)
	if err != nil {
		return err
	}
	return b.Set(channelKey(ch.ID), rec)
}

func putCheckpoint(b dbm.Batch, block uint64) error {
	rec, err := encodeRecord(block)
	if err != nil {
		return err
	}
	return b.Set(keyCheckpoint, rec)
}

func channelKey(id types.ID) []byte {
	return append(append([]byte(nil), prefixChannel...), id.Key()...)
}

// prefixEnd returns the smallest key greater than all keys with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
