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
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// IDBinaryLen is the length of the binary representation of an ID.
const IDBinaryLen = 2*common.AddressLength + 4

// ID identifies a channel. The contract allows one channel per
// sender/receiver pair and block, so the triple is globally unique.
type ID struct {
	Sender    common.Address `json:"sender"`
	Receiver  common.Address `json:"receiver"`
	OpenBlock uint32         `json:"open_block"`
}

// MakeID returns the ID of the channel opened by sender towards receiver in
// block openBlock.
func MakeID(sender, receiver common.Address, openBlock uint32) ID {
	return ID{Sender: sender, Receiver: receiver, OpenBlock: openBlock}
}

// MarshalBinary encodes the ID as sender || receiver || big-endian open block.
// Error will always be nil, it is for implementing BinaryMarshaler.
func (id ID) MarshalBinary() ([]byte, error) {
	return id.Key(), nil
}

// UnmarshalBinary decodes an ID from its binary representation.
func (id *ID) UnmarshalBinary(data []byte) error {
	if len(data) != IDBinaryLen {
		return fmt.Errorf("unexpected channel id length %d, want %d", len(data), IDBinaryLen) //nolint: goerr113
	}
	id.Sender.SetBytes(data[:common.AddressLength])
	id.Receiver.SetBytes(data[common.AddressLength : 2*common.AddressLength])
	id.OpenBlock = binary.BigEndian.Uint32(data[2*common.AddressLength:])
	return nil
}

// Key returns the binary form of the ID. Keys sort by sender, receiver and
// then open block.
func (id ID) Key() []byte {
	key := make([]byte, IDBinaryLen)
	copy(key, id.Sender.Bytes())
	copy(key[common.AddressLength:], id.Receiver.Bytes())
	binary.BigEndian.PutUint32(key[2*common.AddressLength:], id.OpenBlock)
	return key
}

// String formats the ID as sender->receiver@block.
func (id ID) String() string {
	return fmt.Sprintf("%s->%s@%d", id.Sender.Hex(), id.Receiver.Hex(), id.OpenBlock)
}
