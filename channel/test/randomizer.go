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
	"math/rand"
	"time"

	"perun.network/perun-eth-paywall/channel/types"
	wtest "perun.network/perun-eth-paywall/wallet/test"
)

// NewRandomID returns a channel id with random parties.
func NewRandomID(rng *rand.Rand) types.ID {
	return types.MakeID(wtest.NewRandomAddress(rng), wtest.NewRandomAddress(rng), rng.Uint32())
}

// NewRandomChannel returns an open channel on id with a random deposit and
// a confirmed balance below it.
func NewRandomChannel(rng *rand.Rand, id types.ID) *types.Channel {
	deposit := big.NewInt(rng.Int63n(1_000_000) + 1)
	ch := types.NewChannel(id, deposit, types.StateOpen, time.Unix(rng.Int63n(1<<31), 0).UTC())
	ch.ConfirmedBalance.Rand(rng, deposit)
	ch.Cursor = types.Cursor{Block: uint64(id.OpenBlock), Index: uint(rng.Intn(16))}
	return ch
}
