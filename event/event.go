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

// Package event defines the lifecycle events of the channel manager
// contract and decodes them from Ethereum logs.
package event

import (
	"fmt"
	"math/big"

	"perun.network/perun-eth-paywall/channel/types"
)

// Type enumerates the events the watcher emits.
type Type int

const (
	TypeChannelOpened  Type = iota // sender locked a deposit
	TypeChannelTopUp               // sender added to the deposit
	TypeCloseRequested             // sender asked for an uncooperative close
	TypeSettled                    // funds disbursed, channel gone on-chain
	TypeBlockProcessed             // all events up to a block were emitted
)

func (t Type) String() string {
	switch t {
	case TypeChannelOpened:
		return "ChannelOpened"
	case TypeChannelTopUp:
		return "ChannelTopUp"
	case TypeCloseRequested:
		return "CloseRequested"
	case TypeSettled:
		return "Settled"
	case TypeBlockProcessed:
		return "BlockProcessed"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

type (
	// Event is anything the watcher emits, in chain order.
	Event interface {
		Type() Type
		Cursor() types.Cursor
	}

	// ChannelEvent is an event concerning a single channel.
	ChannelEvent interface {
		Event
		ID() types.ID
	}

	// Base holds the fields common to all channel events.
	Base struct {
		IDV     types.ID
		CursorV types.Cursor
	}

	// ChannelOpened is emitted for a ChannelCreated log. Confirmed is false
	// while the log is still within the confirmation window.
	ChannelOpened struct {
		Base
		Deposit   *big.Int
		Confirmed bool
	}

	// ChannelTopUp is emitted for a ChannelToppedUp log.
	ChannelTopUp struct {
		Base
		AddedDeposit *big.Int
	}

	// CloseRequested is emitted for a ChannelCloseRequested log.
	CloseRequested struct {
		Base
		ClaimedBalance *big.Int
		CloseBlock     uint64
	}

	// Settled is emitted for a ChannelSettled log.
	Settled struct {
		Base
		Balance        *big.Int
		ReceiverTokens *big.Int
	}

	// BlockProcessed marks that every event up to and including Block was
	// emitted. CaughtUp is set once Block reached the confirmed head.
	BlockProcessed struct {
		Block    uint64
		CaughtUp bool
	}
)

// ID returns the channel the event concerns.
func (b *Base) ID() types.ID { return b.IDV }

// Cursor returns the chain position of the underlying log.
func (b *Base) Cursor() types.Cursor { return b.CursorV }

func (*ChannelOpened) Type() Type  { return TypeChannelOpened }
func (*ChannelTopUp) Type() Type   { return TypeChannelTopUp }
func (*CloseRequested) Type() Type { return TypeCloseRequested }
func (*Settled) Type() Type        { return TypeSettled }
func (*BlockProcessed) Type() Type { return TypeBlockProcessed }

// Cursor returns a position after every log of the block.
func (e *BlockProcessed) Cursor() types.Cursor {
	return types.Cursor{Block: e.Block, Index: ^uint(0)}
}

func (e *ChannelOpened) String() string {
	return fmt.Sprintf("ChannelOpened{%v deposit=%v confirmed=%t}", e.IDV, e.Deposit, e.Confirmed)
}

func (e *ChannelTopUp) String() string {
	return fmt.Sprintf("ChannelTopUp{%v added=%v}", e.IDV, e.AddedDeposit)
}

func (e *CloseRequested) String() string {
	return fmt.Sprintf("CloseRequested{%v balance=%v block=%d}", e.IDV, e.ClaimedBalance, e.CloseBlock)
}

func (e *Settled) String() string {
	return fmt.Sprintf("Settled{%v balance=%v}", e.IDV, e.Balance)
}

func (e *BlockProcessed) String() string {
	return fmt.Sprintf("BlockProcessed{%d caught_up=%t}", e.Block, e.CaughtUp)
}
