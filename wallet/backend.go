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

package wallet

import (
	"github.com/ethereum/go-ethereum/common"

	"perun.network/perun-eth-paywall/channel/types"
)

type backend struct{}

// Backend verifies secp256k1 signatures.
var Backend = backend{}

// VerifySignature reports whether sig over hash was produced by addr.
func (b backend) VerifySignature(hash, sig []byte, addr common.Address) (bool, error) {
	signer, err := types.RecoverSigner(hash, sig)
	if err != nil {
		return false, err
	}
	return signer == addr, nil
}
