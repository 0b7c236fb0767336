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

package client

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-eth-paywall/event"
)

// Token returns the address of the token contract the channel manager locks
// deposits in.
func (cb *ContractBackend) Token(ctx context.Context) (common.Address, error) {
	var out []interface{}
	if err := cb.contract.Call(&bind.CallOpts{Context: ctx}, &out, event.MethodToken); err != nil {
		return common.Address{}, errors.WithMessagef(ErrChainUnavailable, "calling %s: %v", event.MethodToken, err)
	}
	if len(out) != 1 {
		return common.Address{}, errors.Errorf("%s returned %d values", event.MethodToken, len(out))
	}
	token, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, errors.Errorf("%s returned %T", event.MethodToken, out[0])
	}
	return token, nil
}
