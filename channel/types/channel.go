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

package types

import (
	"fmt"
	"math/big"
	"time"
)

// State is the lifecycle state of a channel.
type State int

const (
	// StatePending is a channel whose creation was seen on-chain but is not
	// yet deep enough to be considered final.
	StatePending State = iota
	// StateOpen is a confirmed channel that accepts payments.
	StateOpen
	// StateClosing is a channel with a close request on-chain.
	StateClosing
	// StateSettled is a channel whose funds were disbursed. Terminal.
	StateSettled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateSettled:
		return "settled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Cursor is the chain position of an event log.
type Cursor struct {
	Block uint64 `json:"block"`
	Index uint   `json:"index"`
}

// Before reports whether c is strictly before o in chain order.
func (c Cursor) Before(o Cursor) bool {
	if c.Block != o.Block {
		return c.Block < o.Block
	}
	return c.Index < o.Index
}

// Channel is the receiver's record of a payment channel.
type Channel struct {
	ID ID `json:"id"`
	// Deposit is the total value locked by the sender.
	Deposit *big.Int `json:"deposit"`
	// ConfirmedBalance is the highest balance proof accepted so far.
	ConfirmedBalance *big.Int `json:"confirmed_balance"`
	State            State    `json:"state"`
	// LastSignature is the sender's signature over ConfirmedBalance.
	LastSignature []byte `json:"last_signature,omitempty"`
	// ClosingBalance is the balance claimed by the close request.
	ClosingBalance *big.Int `json:"closing_balance,omitempty"`
	// SettleBlock is the block after which the sender may settle.
	SettleBlock uint64 `json:"settle_block,omitempty"`
	// Cursor is the position of the last chain event applied.
	Cursor   Cursor    `json:"cursor"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// NewChannel returns a channel record with zero confirmed balance.
func NewChannel(id ID, deposit *big.Int, state State, now time.Time) *Channel {
	return &Channel{
		ID:               id,
		Deposit:          new(big.Int).Set(deposit),
		ConfirmedBalance: new(big.Int),
		State:            state,
		Created:          now,
		Modified:         now,
	}
}

// Clone returns a deep copy of the channel.
func (c *Channel) Clone() *Channel {
	clone := *c
	clone.Deposit = cloneInt(c.Deposit)
	clone.ConfirmedBalance = cloneInt(c.ConfirmedBalance)
	clone.ClosingBalance = cloneInt(c.ClosingBalance)
	if c.LastSignature != nil {
		clone.LastSignature = append([]byte(nil), c.LastSignature...)
	}
	return &clone
}

// Remaining returns the part of the deposit not yet paid out.
func (c *Channel) Remaining() *big.Int {
	return new(big.Int).Sub(c.Deposit, c.ConfirmedBalance)
}

// IsPayable reports whether the channel accepts balance proofs.
func (c *Channel) IsPayable() bool {
	return c.State == StateOpen
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}
