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

package event

import (
	"math"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"perun.network/perun-eth-paywall/channel/types"
)

// ChannelManagerABI is the part of the RaidenMicroTransferChannels interface
// the paywall interacts with.
const ChannelManagerABI = `[
{"anonymous":false,"type":"event","name":"ChannelCreated","inputs":[
	{"indexed":true,"name":"_sender_address","type":"address"},
	{"indexed":true,"name":"_receiver_address","type":"address"},
	{"indexed":false,"name":"_deposit","type":"uint192"}]},
{"anonymous":false,"type":"event","name":"ChannelToppedUp","inputs":[
	{"indexed":true,"name":"_sender_address","type":"address"},
	{"indexed":true,"name":"_receiver_address","type":"address"},
	{"indexed":true,"name":"_open_block_number","type":"uint32"},
	{"indexed":false,"name":"_added_deposit","type":"uint192"}]},
{"anonymous":false,"type":"event","name":"ChannelCloseRequested","inputs":[
	{"indexed":true,"name":"_sender_address","type":"address"},
	{"indexed":true,"name":"_receiver_address","type":"address"},
	{"indexed":true,"name":"_open_block_number","type":"uint32"},
	{"indexed":false,"name":"_balance","type":"uint192"}]},
{"anonymous":false,"type":"event","name":"ChannelSettled","inputs":[
	{"indexed":true,"name":"_sender_address","type":"address"},
	{"indexed":true,"name":"_receiver_address","type":"address"},
	{"indexed":true,"name":"_open_block_number","type":"uint32"},
	{"indexed":false,"name":"_balance","type":"uint192"},
	{"indexed":false,"name":"_receiver_tokens","type":"uint192"}]},
{"constant":false,"type":"function","name":"cooperativeClose","outputs":[],"payable":false,"stateMutability":"nonpayable","inputs":[
	{"name":"_receiver_address","type":"address"},
	{"name":"_open_block_number","type":"uint32"},
	{"name":"_balance","type":"uint192"},
	{"name":"_balance_msg_sig","type":"bytes"},
	{"name":"_closing_sig","type":"bytes"}]},
{"constant":true,"type":"function","name":"token","payable":false,"stateMutability":"view","inputs":[],"outputs":[
	{"name":"","type":"address"}]}
]`

// Contract event and method names.
const (
	EventChannelCreated        = "ChannelCreated"
	EventChannelToppedUp       = "ChannelToppedUp"
	EventChannelCloseRequested = "ChannelCloseRequested"
	EventChannelSettled        = "ChannelSettled"
	MethodCooperativeClose     = "cooperativeClose"
	MethodToken                = "token"
)

var (
	ErrNotChannelManagerEvent = errors.New("log is not a channel manager event")
	ErrEventDecode            = errors.New("error while decoding event log")

	// ContractABI is the parsed ChannelManagerABI.
	ContractABI = mustParseABI(ChannelManagerABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Topics returns the signature topics of all decoded events.
func Topics() []common.Hash {
	return []common.Hash{
		ContractABI.Events[EventChannelCreated].ID,
		ContractABI.Events[EventChannelToppedUp].ID,
		ContractABI.Events[EventChannelCloseRequested].ID,
		ContractABI.Events[EventChannelSettled].ID,
	}
}

// CreatedTopic returns the signature topic of ChannelCreated.
func CreatedTopic() common.Hash {
	return ContractABI.Events[EventChannelCreated].ID
}

// AddressTopic returns the topic an indexed address is encoded to.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// DecodeLog decodes a single contract log. Confirmed is recorded on
// ChannelOpened events only.
func DecodeLog(l *ethtypes.Log, confirmed bool) (ChannelEvent, error) {
	if len(l.Topics) < 3 {
		return nil, ErrNotChannelManagerEvent
	}
	ev, err := ContractABI.EventByID(l.Topics[0])
	if err != nil {
		return nil, errors.WithMessage(ErrNotChannelManagerEvent, err.Error())
	}
	values, err := ev.Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return nil, errors.WithMessagef(ErrEventDecode, "%s: %v", ev.Name, err)
	}
	ints, err := bigInts(values)
	if err != nil {
		return nil, errors.WithMessage(err, ev.Name)
	}

	sender := common.BytesToAddress(l.Topics[1].Bytes())
	receiver := common.BytesToAddress(l.Topics[2].Bytes())
	cursor := types.Cursor{Block: l.BlockNumber, Index: l.Index}

	if ev.Name == EventChannelCreated {
		if l.BlockNumber > math.MaxUint32 {
			return nil, errors.WithMessagef(ErrEventDecode, "block %d exceeds uint32", l.BlockNumber)
		}
		if len(ints) != 1 {
			return nil, errors.WithMessagef(ErrEventDecode, "%s: %d values", ev.Name, len(ints))
		}
		return &ChannelOpened{
			Base:      Base{IDV: types.MakeID(sender, receiver, uint32(l.BlockNumber)), CursorV: cursor},
			Deposit:   ints[0],
			Confirmed: confirmed,
		}, nil
	}

	if len(l.Topics) < 4 {
		return nil, errors.WithMessagef(ErrEventDecode, "%s: missing open block topic", ev.Name)
	}
	openBlock := new(big.Int).SetBytes(l.Topics[3].Bytes())
	if !openBlock.IsUint64() || openBlock.Uint64() > math.MaxUint32 {
		return nil, errors.WithMessagef(ErrEventDecode, "%s: open block out of range", ev.Name)
	}
	base := Base{IDV: types.MakeID(sender, receiver, uint32(openBlock.Uint64())), CursorV: cursor}

	switch ev.Name {
	case EventChannelToppedUp:
		if len(ints) != 1 {
			break
		}
		return &ChannelTopUp{Base: base, AddedDeposit: ints[0]}, nil
	case EventChannelCloseRequested:
		if len(ints) != 1 {
			break
		}
		return &CloseRequested{Base: base, ClaimedBalance: ints[0], CloseBlock: l.BlockNumber}, nil
	case EventChannelSettled:
		if len(ints) != 2 { //nolint:gomnd
			break
		}
		return &Settled{Base: base, Balance: ints[0], ReceiverTokens: ints[1]}, nil
	default:
		return nil, ErrNotChannelManagerEvent
	}
	return nil, errors.WithMessagef(ErrEventDecode, "%s: %d values", ev.Name, len(ints))
}

// SortLogs returns a copy of logs in (block, log index) order.
func SortLogs(logs []ethtypes.Log) []ethtypes.Log {
	sorted := append([]ethtypes.Log(nil), logs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BlockNumber != sorted[j].BlockNumber {
			return sorted[i].BlockNumber < sorted[j].BlockNumber
		}
		return sorted[i].Index < sorted[j].Index
	})
	return sorted
}

// DecodeLogs decodes logs in chain order. Removed logs are dropped, logs
// that fail to decode are passed to skip, which may be nil, and dropped.
func DecodeLogs(logs []ethtypes.Log, confirmed bool, skip func(*ethtypes.Log, error)) []ChannelEvent {
	sorted := SortLogs(logs)
	evs := make([]ChannelEvent, 0, len(sorted))
	for i := range sorted {
		if sorted[i].Removed {
			continue
		}
		ev, err := DecodeLog(&sorted[i], confirmed)
		if err != nil {
			if skip != nil {
				skip(&sorted[i], err)
			}
			continue
		}
		evs = append(evs, ev)
	}
	return evs
}

func bigInts(values []interface{}) ([]*big.Int, error) {
	ints := make([]*big.Int, len(values))
	for i, v := range values {
		x, ok := v.(*big.Int)
		if !ok {
			return nil, errors.WithMessagef(ErrEventDecode, "value %d has type %T", i, v)
		}
		ints[i] = x
	}
	return ints, nil
}
