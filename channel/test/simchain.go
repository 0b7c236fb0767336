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
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"perun.network/perun-eth-paywall/channel/types"
	"perun.network/perun-eth-paywall/client"
	"perun.network/perun-eth-paywall/event"
)

// SimChain is an in-memory chain serving channel manager logs. Every
// lifecycle call mines one block containing the corresponding log.
type SimChain struct {
	mu        sync.Mutex
	networkID *big.Int
	contract  common.Address
	head      uint64
	logs      []ethtypes.Log
	down      bool
	calls     int
}

var _ client.ChainReader = (*SimChain)(nil)

// NewSimChain returns a chain at block head serving contract.
func NewSimChain(networkID int64, contract common.Address, head uint64) *SimChain {
	return &SimChain{networkID: big.NewInt(networkID), contract: contract, head: head}
}

// SetReachable makes all requests fail with ErrChainUnavailable while
// reachable is false.
func (c *SimChain) SetReachable(reachable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = !reachable
}

// Calls returns the number of requests served or refused so far.
func (c *SimChain) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Head returns the current head block.
func (c *SimChain) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Mine appends n empty blocks.
func (c *SimChain) Mine(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head += n
}

// Open mines a block creating a channel and returns its id.
func (c *SimChain) Open(sender, receiver common.Address, deposit int64) types.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head++
	id := types.MakeID(sender, receiver, uint32(c.head))
	c.logs = append(c.logs, CreatedLog(c.contract, id, big.NewInt(deposit), c.head, 0))
	return id
}

// TopUp mines a block adding to the deposit of id.
func (c *SimChain) TopUp(id types.ID, added int64) {
	c.mine(ChannelLog(c.contract, event.EventChannelToppedUp, id, 0, 0, big.NewInt(added)))
}

// RequestClose mines a block with a close request of id at balance and
// returns that block.
func (c *SimChain) RequestClose(id types.ID, balance int64) uint64 {
	return c.mine(ChannelLog(c.contract, event.EventChannelCloseRequested, id, 0, 0, big.NewInt(balance)))
}

// Settle mines a block settling id at balance.
func (c *SimChain) Settle(id types.ID, balance int64) {
	c.mine(ChannelLog(c.contract, event.EventChannelSettled, id, 0, 0, big.NewInt(balance), big.NewInt(balance)))
}

func (c *SimChain) mine(l ethtypes.Log) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head++
	l.BlockNumber = c.head
	c.logs = append(c.logs, l)
	return c.head
}

// NetworkID returns the configured network id.
func (c *SimChain) NetworkID(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.request(); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.networkID), nil
}

// BlockNumber returns the head block.
func (c *SimChain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.request(); err != nil {
		return 0, err
	}
	return c.head, nil
}

// FilterLogs returns the logs matching q. Only block ranges, addresses and
// topic sets are supported.
func (c *SimChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.request(); err != nil {
		return nil, err
	}
	from, to := q.FromBlock.Uint64(), c.head
	if q.ToBlock != nil && q.ToBlock.Uint64() < to {
		to = q.ToBlock.Uint64()
	}
	var matched []ethtypes.Log
	for _, l := range c.logs {
		if l.BlockNumber < from || l.BlockNumber > to || !matchAddress(q.Addresses, l.Address) || !matchTopics(q.Topics, l.Topics) {
			continue
		}
		matched = append(matched, l)
	}
	return matched, nil
}

func (c *SimChain) request() error {
	c.calls++
	if c.down {
		return errors.WithMessage(client.ErrChainUnavailable, "simulated outage")
	}
	return nil
}

func matchAddress(addrs []common.Address, addr common.Address) bool {
	if len(addrs) == 0 {
		return true
	}
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}

func matchTopics(filter [][]common.Hash, topics []common.Hash) bool {
	for i, set := range filter {
		if len(set) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		found := false
		for _, t := range set {
			if t == topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CreatedLog returns a ChannelCreated log for id in block.
func CreatedLog(contract common.Address, id types.ID, deposit *big.Int, block uint64, index uint) ethtypes.Log {
	return ethtypes.Log{
		Address: contract,
		Topics: []common.Hash{
			event.CreatedTopic(),
			event.AddressTopic(id.Sender),
			event.AddressTopic(id.Receiver),
		},
		Data:        pack(event.EventChannelCreated, deposit),
		BlockNumber: block,
		Index:       index,
	}
}

// ChannelLog returns a log of the named event on id, which is indexed by
// the open block, in block.
func ChannelLog(contract common.Address, name string, id types.ID, block uint64, index uint, values ...interface{}) ethtypes.Log {
	return ethtypes.Log{
		Address: contract,
		Topics: []common.Hash{
			event.ContractABI.Events[name].ID,
			event.AddressTopic(id.Sender),
			event.AddressTopic(id.Receiver),
			common.BigToHash(new(big.Int).SetUint64(uint64(id.OpenBlock))),
		},
		Data:        pack(name, values...),
		BlockNumber: block,
		Index:       index,
	}
}

func pack(name string, values ...interface{}) []byte {
	data, err := event.ContractABI.Events[name].Inputs.NonIndexed().Pack(values...)
	if err != nil {
		panic(err)
	}
	return data
}
