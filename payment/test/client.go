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

package test

import (
	"context"
	"io"
	"math/big"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-eth-paywall/wallet"
	"perun.network/perun-eth-paywall/wire"
)

// maxAttempts bounds the payments sent for one request.
const maxAttempts = 3

var (
	ErrNoChannel       = errors.New("no channel to the receiver")
	ErrPaymentRejected = errors.New("payment rejected")
)

// PaymentClient fetches paywalled resources, paying through its channels.
type PaymentClient struct {
	account *wallet.Account
	http    *http.Client

	mu       sync.Mutex
	channels map[common.Address]*PaymentChannel // by receiver

	log.Embedding
}

// NewPaymentClient returns a client paying with the account of sender in w.
// A nil hc uses http.DefaultClient.
func NewPaymentClient(w *wallet.EphemeralWallet, sender common.Address, hc *http.Client) (*PaymentClient, error) {
	account, err := w.Unlock(sender)
	if err != nil {
		return nil, errors.WithMessage(err, "unlocking sender")
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &PaymentClient{
		account:   account,
		http:      hc,
		channels:  make(map[common.Address]*PaymentChannel),
		Embedding: log.MakeEmbedding(log.WithField("sender", account.Address().Hex())),
	}, nil
}

// AddChannel makes the client pay the channel's receiver through ch.
func (c *PaymentClient) AddChannel(ch *PaymentChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[ch.ID().Receiver] = ch
}

func (c *PaymentClient) channel(receiver common.Address) (*PaymentChannel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[receiver]
	return ch, ok
}

// Get fetches url, paying the price the paywall asks for. It returns the
// body and the cost charged, which is zero for free resources.
func (c *PaymentClient) Get(ctx context.Context, url string) ([]byte, *big.Int, error) {
	resp, body, err := c.do(ctx, url, nil)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return body, new(big.Int), status(resp)
	}

	var challenge wire.Challenge
	if err := challenge.FromHeader(resp.Header); err != nil {
		return nil, nil, err
	}
	ch, ok := c.channel(challenge.Receiver)
	if !ok {
		return nil, nil, errors.WithMessage(ErrNoChannel, challenge.Receiver.Hex())
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		pay, err := ch.payment(c.account, challenge.Contract, challenge.Price)
		if err != nil {
			return nil, nil, err
		}
		resp, body, err = c.do(ctx, url, pay)
		if err != nil {
			return nil, nil, err
		}
		if resp.StatusCode != http.StatusPaymentRequired {
			if err := status(resp); err != nil {
				return nil, nil, err
			}
			ch.acknowledge(pay.Balance)
			cost, ok := new(big.Int).SetString(resp.Header.Get(wire.HeaderCost), 10)
			if !ok {
				cost = challenge.Price
			}
			return body, cost, nil
		}

		if err := challenge.FromHeader(resp.Header); err != nil {
			return nil, nil, err
		}
		// The paywall saw a higher balance than we did, resume from there.
		if challenge.Reason == wire.RejectInvalidAmount && challenge.SenderBalance != nil &&
			challenge.SenderBalance.Cmp(ch.Balance()) > 0 {
			c.Log().Debugf("Resyncing balance to %v", challenge.SenderBalance)
			ch.acknowledge(challenge.SenderBalance)
			continue
		}
		return nil, nil, errors.WithMessagef(ErrPaymentRejected, "%v", challenge.Reason)
	}
	return nil, nil, errors.WithMessage(ErrPaymentRejected, "too many attempts")
}

func (c *PaymentClient) do(ctx context.Context, url string, pay *wire.Payment) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	if pay != nil {
		pay.ToHeader(req.Header)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading response")
	}
	return resp, body, nil
}

func status(resp *http.Response) error {
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
