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
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-eth-paywall/channel/types"
	"perun.network/perun-eth-paywall/event"
)

// ContractBackend submits receiver transactions to the channel manager
// contract.
type ContractBackend struct {
	tr       *Transactor
	contract *bind.BoundContract
	address  common.Address
	cbMutex  sync.Mutex
	log.Embedding
}

// NewContractBackend binds the channel manager at address on backend.
func NewContractBackend(backend bind.ContractBackend, address common.Address, tr *Transactor) *ContractBackend {
	return &ContractBackend{
		tr:        tr,
		contract:  bind.NewBoundContract(address, event.ContractABI, backend, backend, backend),
		address:   address,
		Embedding: log.MakeEmbedding(log.WithField("contract", address.Hex())),
	}
}

// CooperativeClose closes id on-chain at balance, using the sender's
// balanceSig and a closing signature by the receiver. It returns once the
// transaction was accepted by the node. Failures that prove the
// transaction was never broadcast wrap ErrTxRejected, any other failure
// leaves it open whether the node has the transaction.
func (cb *ContractBackend) CooperativeClose(ctx context.Context, id types.ID, balance *big.Int, balanceSig []byte) error {
	closingSig, err := cb.tr.Account().SignClosing(id, balance, cb.address)
	if err != nil {
		return errors.WithMessagef(ErrTxRejected, "signing closing message: %v", err)
	}
	opts, err := cb.tr.TxOpts(ctx)
	if err != nil {
		return errors.WithMessagef(ErrTxRejected, "%v", err)
	}

	// Nonces are taken from the pending state, so submissions must not race.
	cb.cbMutex.Lock()
	defer cb.cbMutex.Unlock()
	tx, err := cb.contract.Transact(opts, event.MethodCooperativeClose,
		id.Receiver, id.OpenBlock, balance, types.EthereumSignature(balanceSig), closingSig)
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return errors.WithMessagef(ErrTxRejected, "submitting %s for %v: %v", event.MethodCooperativeClose, id, err)
	} else if err != nil {
		return errors.WithMessagef(err, "submitting %s for %v", event.MethodCooperativeClose, id)
	}
	cb.Log().WithField("channel", id).WithField("tx", tx.Hash().Hex()).Info("Cooperative close submitted")
	return nil
}
