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

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/pkg/errors"

	"perun.network/perun-eth-paywall/wallet"
)

// TransactorConfig collects what is needed to sign receiver transactions.
type TransactorConfig struct {
	account *wallet.Account
	chainID *big.Int
}

func (tc *TransactorConfig) SetAccount(account *wallet.Account) {
	tc.account = account
}

func (tc *TransactorConfig) SetChainID(chainID *big.Int) {
	tc.chainID = chainID
}

// Transactor signs transactions and channel messages for the receiver.
type Transactor struct {
	account *wallet.Account
	chainID *big.Int
}

// NewTransactor returns a transactor for cfg.
func NewTransactor(cfg TransactorConfig) (*Transactor, error) {
	if cfg.account == nil {
		return nil, wallet.ErrMissingPrivateKey
	}
	if cfg.chainID == nil {
		return nil, errors.New("transactor needs a chain id")
	}
	return &Transactor{account: cfg.account, chainID: new(big.Int).Set(cfg.chainID)}, nil
}

// Account returns the signing account.
func (t *Transactor) Account() *wallet.Account {
	return t.account
}

// TxOpts returns EIP-155 transaction options bound to ctx.
func (t *Transactor) TxOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(t.account.PrivateKey(), t.chainID)
	if err != nil {
		return nil, errors.WithMessage(err, "creating transactor")
	}
	opts.Context = ctx
	return opts, nil
}
