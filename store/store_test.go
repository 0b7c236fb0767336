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

package store_test

import (
	"bytes"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	chtest "perun.network/perun-eth-paywall/channel/test"
	"perun.network/perun-eth-paywall/channel/types"
	"perun.network/perun-eth-paywall/store"
	wtest "perun.network/perun-eth-paywall/wallet/test"
)

func stateDir(t *testing.T) string {
	return filepath.Join(t.TempDir(), "state")
}

func TestOpen_CreatesOwnerOnlyDir(t *testing.T) {
	s := chtest.NewSetup(t)
	dir := stateDir(t)

	st, err := store.Open(dir, s.Receiver.Address(), s.Contract)
	require.NoError(t, err)
	defer st.Close()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	_, err = os.Stat(filepath.Join(dir, store.LockFileName))
	require.NoError(t, err)
}

func TestOpen_Locked(t *testing.T) {
	s := chtest.NewSetup(t)
	dir := stateDir(t)

	st, err := store.Open(dir, s.Receiver.Address(), s.Contract)
	require.NoError(t, err)

	_, err = store.Open(dir, s.Receiver.Address(), s.Contract)
	require.ErrorIs(t, err, store.ErrStoreLocked)

	require.NoError(t, st.Close())
	st, err = store.Open(dir, s.Receiver.Address(), s.Contract)
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.ErrorIs(t, st.Close(), store.ErrClosed)
}

func TestOpen_InsecureDir(t *testing.T) {
	s := chtest.NewSetup(t)
	dir := stateDir(t)
	require.NoError(t, os.Mkdir(dir, 0o750))
	require.NoError(t, os.Chmod(dir, 0o750))

	_, err := store.Open(dir, s.Receiver.Address(), s.Contract)
	require.ErrorIs(t, err, store.ErrInsecureStateFile)
}

func TestOpen_Mismatch(t *testing.T) {
	s := chtest.NewSetup(t)
	dir := stateDir(t)

	st, err := store.Open(dir, s.Receiver.Address(), s.Contract)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = store.Open(dir, s.Sender.Address(), s.Contract)
	require.ErrorIs(t, err, store.ErrStoreMismatch)
	_, err = store.Open(dir, s.Receiver.Address(), s.Sender.Address())
	require.ErrorIs(t, err, store.ErrStoreMismatch)

	// A refused open releases the lock.
	st, err = store.Open(dir, s.Receiver.Address(), s.Contract)
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

func TestStore_Durability(t *testing.T) {
	rng := pkgtest.Prng(t)
	s := chtest.NewSetup(t)
	dir := stateDir(t)

	st, err := store.Open(dir, s.Receiver.Address(), s.Contract)
	require.NoError(t, err)

	chs := make([]*types.Channel, 10)
	for i := range chs {
		chs[i] = chtest.NewRandomChannel(rng, chtest.NewRandomID(rng))
		chs[i].LastSignature = []byte{byte(i)}
	}
	require.NoError(t, st.Put(chs[0]))
	require.NoError(t, st.Commit(chs[1:], 4711))

	// Overwrite acknowledged before the crash.
	chs[0].ConfirmedBalance = new(big.Int).Set(chs[0].Deposit)
	chs[0].ClosingBalance = big.NewInt(3)
	chs[0].State = types.StateClosing
	require.NoError(t, st.Put(chs[0]))
	require.NoError(t, st.Close())

	st, err = store.Open(dir, s.Receiver.Address(), s.Contract)
	require.NoError(t, err)
	defer st.Close()

	cp, err := st.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, uint64(4711), cp)

	for _, ch := range chs {
		got, err := st.Get(ch.ID)
		require.NoError(t, err)
		chtest.RequireEqualChannel(t, ch, got)
	}
	all, err := st.All()
	require.NoError(t, err)
	require.Len(t, all, len(chs))
	for i := 1; i < len(all); i++ {
		require.Negative(t, bytes.Compare(all[i-1].ID.Key(), all[i].ID.Key()))
	}

	_, err = st.Get(chtest.NewRandomID(rng))
	require.ErrorIs(t, err, store.ErrChannelNotFound)
}

func TestStore_Compact(t *testing.T) {
	rng := pkgtest.Prng(t)
	receiver, contract := wtest.NewRandomAddress(rng), wtest.NewRandomAddress(rng)
	st, err := store.NewMemStore(receiver, contract)
	require.NoError(t, err)

	now := time.Now()
	old := chtest.NewRandomChannel(rng, chtest.NewRandomID(rng))
	old.State = types.StateSettled
	old.Modified = now.Add(-31 * 24 * time.Hour)
	recent := chtest.NewRandomChannel(rng, chtest.NewRandomID(rng))
	recent.State = types.StateSettled
	recent.Modified = now.Add(-time.Hour)
	open := chtest.NewRandomChannel(rng, chtest.NewRandomID(rng))
	open.Modified = old.Modified
	require.NoError(t, st.Commit([]*types.Channel{old, recent, open}, 1))

	pruned, err := st.Compact(now.Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, []types.ID{old.ID}, pruned)

	_, err = st.Get(old.ID)
	require.ErrorIs(t, err, store.ErrChannelNotFound)
	all, err := st.All()
	require.NoError(t, err)
	require.Len(t, all, 2)

	pruned, err = st.Compact(now.Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	require.Empty(t, pruned)
}
