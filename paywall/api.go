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

package paywall

import (
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"perun.network/perun-eth-paywall/channel/types"
	"perun.network/perun-eth-paywall/manager"
)

// ChannelView is the API representation of a channel.
type ChannelView struct {
	Sender         common.Address `json:"sender_address"`
	OpenBlock      uint32         `json:"open_block"`
	State          string         `json:"state"`
	Deposit        *big.Int       `json:"deposit"`
	Balance        *big.Int       `json:"balance"`
	Remaining      *big.Int       `json:"remaining"`
	ClosingBalance *big.Int       `json:"closing_balance,omitempty"`
	SettleBlock    uint64         `json:"settle_block,omitempty"`
	LastSignature  hexutil.Bytes  `json:"last_signature,omitempty"`
}

func newChannelView(ch *types.Channel) ChannelView {
	return ChannelView{
		Sender:         ch.ID.Sender,
		OpenBlock:      ch.ID.OpenBlock,
		State:          ch.State.String(),
		Deposit:        ch.Deposit,
		Balance:        ch.ConfirmedBalance,
		Remaining:      ch.Remaining(),
		ClosingBalance: ch.ClosingBalance,
		SettleBlock:    ch.SettleBlock,
		LastSignature:  ch.LastSignature,
	}
}

// Stats summarizes the channels of the receiver.
type Stats struct {
	Receiver      common.Address `json:"receiver_address"`
	Contract      common.Address `json:"contract_address"`
	Channels      map[string]int `json:"channels"`
	UniqueSenders int            `json:"unique_senders"`
	DepositSum    *big.Int       `json:"deposit_sum"`
	LockedBalance *big.Int       `json:"locked_balance"`
	LiquidBalance *big.Int       `json:"liquid_balance"`
	Status        manager.Status `json:"status"`
}

// CloseRequest is the optional body of a channel close request.
type CloseRequest struct {
	// Balance must equal the confirmed balance if set.
	Balance *big.Int `json:"balance,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
}

func (p *Paywall) listChannels(w http.ResponseWriter, r *http.Request) {
	var sender *common.Address
	if s := r.URL.Query().Get("sender"); s != "" {
		if !common.IsHexAddress(s) {
			writeError(w, http.StatusBadRequest, errors.Errorf("invalid sender address %q", s))
			return
		}
		addr := common.HexToAddress(s)
		sender = &addr
	}
	state := r.URL.Query().Get("state")

	views := []ChannelView{}
	for _, ch := range p.mgr.Channels() {
		if sender != nil && ch.ID.Sender != *sender {
			continue
		}
		if state != "" && ch.State.String() != state {
			continue
		}
		views = append(views, newChannelView(ch))
	}
	writeJSON(w, http.StatusOK, views)
}

func (p *Paywall) getChannel(w http.ResponseWriter, r *http.Request) {
	id, err := p.channelID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ch, err := p.mgr.Channel(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, newChannelView(ch))
}

func (p *Paywall) closeChannel(w http.ResponseWriter, r *http.Request) {
	id, err := p.channelID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, errors.WithMessage(err, "decoding close request"))
		return
	}

	err = p.mgr.InitiateClose(r.Context(), id, req.Balance)
	switch {
	case err == nil:
	case errors.Is(err, manager.ErrUnknownChannel):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, manager.ErrInvalidState), errors.Is(err, manager.ErrNoBalanceProof):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, manager.ErrBalanceMismatch):
		writeError(w, http.StatusBadRequest, err)
		return
	default:
		p.Log().WithError(err).WithField("channel", id).Error("Closing channel")
		writeError(w, http.StatusBadGateway, err)
		return
	}

	ch, err := p.mgr.Channel(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, newChannelView(ch))
}

func (p *Paywall) stats(w http.ResponseWriter, r *http.Request) {
	q := p.mgr.Quote(types.ID{})
	s := Stats{
		Receiver:      q.Receiver,
		Contract:      q.Contract,
		Channels:      make(map[string]int),
		DepositSum:    new(big.Int),
		LockedBalance: p.mgr.LockedBalance(),
		LiquidBalance: p.mgr.LiquidBalance(),
		Status:        p.mgr.Status(),
	}
	senders := make(map[common.Address]struct{})
	for _, ch := range p.mgr.Channels() {
		s.Channels[ch.State.String()]++
		if ch.State == types.StateSettled {
			continue
		}
		senders[ch.ID.Sender] = struct{}{}
		s.DepositSum.Add(s.DepositSum, ch.Deposit)
	}
	s.UniqueSenders = len(senders)
	writeJSON(w, http.StatusOK, s)
}

func (p *Paywall) health(w http.ResponseWriter, r *http.Request) {
	status := p.mgr.Status()
	code := http.StatusOK
	if !status.Ready || status.Degraded() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (p *Paywall) channelID(r *http.Request) (types.ID, error) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["sender"]) {
		return types.ID{}, errors.Errorf("invalid sender address %q", vars["sender"])
	}
	block, err := strconv.ParseUint(vars["block"], 10, 32)
	if err != nil {
		return types.ID{}, errors.WithMessage(err, "parsing open block")
	}
	receiver := p.mgr.Quote(types.ID{}).Receiver
	return types.MakeID(common.HexToAddress(vars["sender"]), receiver, uint32(block)), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, apiError{Error: err.Error()})
}
