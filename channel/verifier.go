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

package channel

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	perrors "github.com/pkg/errors"

	"perun.network/perun-eth-paywall/channel/types"
	"perun.network/perun-eth-paywall/wallet"
)

// Rejections of a single balance proof.
var (
	ErrWrongChannel      = errors.New("proof does not target this channel")
	ErrInvalidSignature  = errors.New("proof signature does not recover to the channel sender")
	ErrStaleOrReplayed   = errors.New("proof balance does not exceed the confirmed balance")
	ErrOverdraft         = errors.New("proof balance exceeds the channel deposit")
	ErrChannelNotPayable = errors.New("channel does not accept payments")
)

// IsRejection reports whether err is one of the proof rejections above.
func IsRejection(err error) bool {
	return errors.Is(err, ErrWrongChannel) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrStaleOrReplayed) ||
		errors.Is(err, ErrOverdraft) ||
		errors.Is(err, ErrChannelNotPayable)
}

// Verifier checks balance proofs addressed to one receiver on one channel
// manager contract. It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	receiver common.Address
	contract common.Address
}

// NewVerifier returns a verifier for proofs paying receiver on contract.
func NewVerifier(receiver, contract common.Address) *Verifier {
	return &Verifier{receiver: receiver, contract: contract}
}

// Receiver returns the receiver address proofs must pay.
func (v *Verifier) Receiver() common.Address {
	return v.receiver
}

// Contract returns the channel manager contract proofs are bound to.
func (v *Verifier) Contract() common.Address {
	return v.contract
}

// Verify checks p against ch. The checks run in a fixed order and the first
// failing one decides the rejection: channel identity, deposit, signature,
// staleness, channel state. A balance above the deposit is reported as
// overdraft whether or not the signature is valid.
func (v *Verifier) Verify(ch *types.Channel, p *types.BalanceProof) error {
	if p.Channel != ch.ID || ch.ID.Receiver != v.receiver {
		return perrors.WithMessagef(ErrWrongChannel, "proof for %v, channel %v", p.Channel, ch.ID)
	}
	if p.Balance == nil {
		return perrors.WithMessage(ErrInvalidSignature, "missing balance")
	}
	if overdraft(ch, p) {
		return perrors.WithMessagef(ErrOverdraft, "balance %v, deposit %v", p.Balance, ch.Deposit)
	}

	hash, err := types.BalanceMessageHash(p.Channel, p.Balance, v.contract)
	if err != nil {
		return perrors.WithMessage(ErrInvalidSignature, err.Error())
	}
	valid, err := wallet.Backend.VerifySignature(hash, p.Signature, ch.ID.Sender)
	if err != nil {
		return perrors.WithMessage(ErrInvalidSignature, err.Error())
	}
	if !valid {
		return perrors.WithMessagef(ErrInvalidSignature, "not signed by %s", ch.ID.Sender.Hex())
	}

	if p.Balance.Cmp(ch.ConfirmedBalance) <= 0 {
		return perrors.WithMessagef(ErrStaleOrReplayed, "balance %v, confirmed %v", p.Balance, ch.ConfirmedBalance)
	}
	if !ch.IsPayable() {
		return perrors.WithMessagef(ErrChannelNotPayable, "channel is %v", ch.State)
	}
	return nil
}

func overdraft(ch *types.Channel, p *types.BalanceProof) bool {
	return p.Balance.Cmp(ch.Deposit) > 0
}
