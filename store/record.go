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

package store

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"

	"github.com/pkg/errors"
)

const (
	recordVersion = 1
	crcLen        = 4
)

// ErrCorruptRecord is returned when a stored record fails its checksum or
// cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt state record")

// encodeRecord frames the JSON encoding of v as
// [version][payload][CRC32-IEEE of version and payload, big-endian].
func encodeRecord(v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding record")
	}
	buf := make([]byte, 1+len(payload)+crcLen)
	buf[0] = recordVersion
	copy(buf[1:], payload)
	binary.BigEndian.PutUint32(buf[1+len(payload):], crc32.ChecksumIEEE(buf[:1+len(payload)]))
	return buf, nil
}

func decodeRecord(key, data []byte, v interface{}) error {
	if len(data) < 1+crcLen {
		return errors.WithMessagef(ErrCorruptRecord, "key %x: short record (%d bytes)", key, len(data))
	}
	body, sum := data[:len(data)-crcLen], binary.BigEndian.Uint32(data[len(data)-crcLen:])
	if actual := crc32.ChecksumIEEE(body); actual != sum {
		return errors.WithMessagef(ErrCorruptRecord, "key %x: CRC mismatch (expected %08x, got %08x)", key, sum, actual)
	}
	if body[0] != recordVersion {
		return errors.WithMessagef(ErrCorruptRecord, "key %x: unknown record version %d", key, body[0])
	}
	if err := json.Unmarshal(body[1:], v); err != nil {
		return errors.WithMessagef(ErrCorruptRecord, "key %x: %v", key, err)
	}
	return nil
}
