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

// Package paywall serves priced HTTP resources that are paid with balance
// proofs, and the management API of the receiver.
package paywall

import (
	"context"
	"math/big"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"perun.network/go-perun/log"

	"perun.network/perun-eth-paywall/channel"
	"perun.network/perun-eth-paywall/channel/types"
	"perun.network/perun-eth-paywall/manager"
	"perun.network/perun-eth-paywall/wire"
)

const (
	// APIPrefix is the path prefix of the management API.
	APIPrefix = "/api/1"
	// HealthPath answers 200 while the manager is ready and the chain is
	// reachable, 503 otherwise.
	HealthPath = "/healthz"
	// MetricsPath serves the prometheus metrics.
	MetricsPath = "/metrics"

	defaultContentType = "text/plain; charset=utf-8"
)

// ChannelManager is the part of manager.Manager the paywall uses.
type ChannelManager interface {
	Charge(ctx context.Context, p *types.BalanceProof, price *big.Int) (*big.Int, error)
	Quote(id types.ID) manager.Quote
	Channels() []*types.Channel
	Channel(id types.ID) (*types.Channel, error)
	InitiateClose(ctx context.Context, id types.ID, balance *big.Int) error
	Status() manager.Status
	LockedBalance() *big.Int
	LiquidBalance() *big.Int
}

// Resource is a registered path.
type Resource struct {
	// Price is charged per request. Zero or nil serves the resource for
	// free.
	Price       *big.Int
	ContentType string
	Content     Content
}

func (r *Resource) free() bool {
	return r.Price == nil || r.Price.Sign() == 0
}

// Paywall is an http.Handler that charges for registered resources.
type Paywall struct {
	mgr    ChannelManager
	router *mux.Router

	mu        sync.RWMutex
	resources map[string]*Resource
	token     common.Address

	log.Embedding
}

// New returns a paywall charging through mgr. If gatherer is not nil, its
// metrics are served under MetricsPath.
func New(mgr ChannelManager, gatherer prometheus.Gatherer) *Paywall {
	p := &Paywall{
		mgr:       mgr,
		router:    mux.NewRouter(),
		resources: make(map[string]*Resource),
		Embedding: log.MakeEmbedding(log.WithField("component", "paywall")),
	}

	api := p.router.PathPrefix(APIPrefix).Subrouter()
	api.HandleFunc("/channels", p.listChannels).Methods(http.MethodGet)
	api.HandleFunc("/channels/{sender}/{block:[0-9]+}", p.getChannel).Methods(http.MethodGet)
	api.HandleFunc("/channels/{sender}/{block:[0-9]+}", p.closeChannel).Methods(http.MethodDelete)
	api.HandleFunc("/stats", p.stats).Methods(http.MethodGet)

	p.router.HandleFunc(HealthPath, p.health).Methods(http.MethodGet)
	if gatherer != nil {
		p.router.Handle(MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	p.router.PathPrefix("/").HandlerFunc(p.serveResource)
	return p
}

// Add registers content under path. A resource registered before under the
// same path is replaced.
func (p *Paywall) Add(path string, res Resource) {
	if res.ContentType == "" {
		res.ContentType = defaultContentType
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources[path] = &res
}

// SetToken makes challenges advertise the token deposits are made in.
func (p *Paywall) SetToken(token common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = token
}

// ServeHTTP implements http.Handler.
func (p *Paywall) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.router.ServeHTTP(w, r)
}

func (p *Paywall) resource(path string) (*Resource, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	res, ok := p.resources[path]
	return res, ok
}

func (p *Paywall) serveResource(w http.ResponseWriter, r *http.Request) {
	res, ok := p.resource(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if res.free() {
		p.serveContent(w, r, res)
		return
	}

	if !wire.HasPayment(r.Header) {
		p.challenge(w, r, res, nil, wire.NoRejection)
		return
	}
	var pay wire.Payment
	if err := pay.FromHeader(r.Header); err != nil {
		p.Log().WithError(err).Debug("Malformed payment")
		p.challenge(w, r, res, nil, wire.RejectInvalidBalanceProof)
		return
	}
	q := p.mgr.Quote(pay.ChannelID())
	if pay.Contract != q.Contract || pay.Receiver != q.Receiver {
		p.challenge(w, r, res, &q, wire.RejectInvalidBalanceProof)
		return
	}

	_, err := p.mgr.Charge(r.Context(), pay.Proof(), res.Price)
	if err != nil {
		reason, status := rejection(err, q)
		if status != http.StatusPaymentRequired {
			p.Log().WithError(err).WithField("channel", pay.ChannelID()).Warn("Payment not processed")
			http.Error(w, http.StatusText(status), status)
			return
		}
		p.Log().WithError(err).WithField("channel", pay.ChannelID()).Debug("Payment rejected")
		p.challenge(w, r, res, &q, reason)
		return
	}
	wire.SetCost(w.Header(), res.Price)
	p.serveContent(w, r, res)
}

func (p *Paywall) serveContent(w http.ResponseWriter, r *http.Request, res *Resource) {
	body, status := res.Content.Serve(r)
	w.Header().Set("Content-Type", res.ContentType)
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		p.Log().WithError(err).Debug("Writing response")
	}
}

func (p *Paywall) challenge(w http.ResponseWriter, r *http.Request, res *Resource, q *manager.Quote, reason wire.Rejection) {
	c := wire.Challenge{
		GatewayPath: r.URL.Path,
		Price:       res.Price,
		Reason:      reason,
	}
	if q == nil {
		quote := p.mgr.Quote(types.ID{})
		q = &quote
	}
	c.Receiver, c.Contract = q.Receiver, q.Contract
	p.mu.RLock()
	c.Token = p.token
	p.mu.RUnlock()
	if q.Known {
		c.SenderBalance = q.Balance
	}
	c.ToHeader(w.Header())
	http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
}

// rejection maps a payment error to the flag sent to the client. Errors that
// are not the client's fault map to a status other than 402.
func rejection(err error, q manager.Quote) (wire.Rejection, int) {
	switch {
	case errors.Is(err, manager.ErrNotReady), errors.Is(err, manager.ErrStopped):
		return wire.NoRejection, http.StatusServiceUnavailable
	case errors.Is(err, manager.ErrUnknownChannel):
		return wire.RejectNonexistingChannel, http.StatusPaymentRequired
	case errors.Is(err, channel.ErrWrongChannel), errors.Is(err, channel.ErrInvalidSignature):
		return wire.RejectInvalidBalanceProof, http.StatusPaymentRequired
	case errors.Is(err, channel.ErrOverdraft):
		return wire.RejectInsufficientFunds, http.StatusPaymentRequired
	case errors.Is(err, channel.ErrStaleOrReplayed), errors.Is(err, manager.ErrInsufficientPayment):
		return wire.RejectInvalidAmount, http.StatusPaymentRequired
	case errors.Is(err, channel.ErrChannelNotPayable):
		if q.Known && q.State == types.StatePending {
			return wire.RejectInsufficientConfirmations, http.StatusPaymentRequired
		}
		return wire.RejectNonexistingChannel, http.StatusPaymentRequired
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return wire.NoRejection, http.StatusServiceUnavailable
	}
	return wire.NoRejection, http.StatusInternalServerError
}
