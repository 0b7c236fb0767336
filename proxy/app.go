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

// Package proxy assembles the paywall proxy: chain connection, channel
// database, channel manager, event watcher and HTTP server.
package proxy

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"perun.network/go-perun/log"

	"perun.network/perun-eth-paywall/channel"
	"perun.network/perun-eth-paywall/client"
	"perun.network/perun-eth-paywall/manager"
	"perun.network/perun-eth-paywall/paywall"
	"perun.network/perun-eth-paywall/store"
	"perun.network/perun-eth-paywall/util"
	"perun.network/perun-eth-paywall/wallet"
)

// Chain is the node access of an App.
type Chain struct {
	Reader client.ChainReader
	Writer manager.ChainWriter
	// Token is advertised in payment challenges if set.
	Token common.Address
	close func()
}

// DialChain connects to the node of cfg and binds the channel manager
// contract for transactions signed by acc.
func DialChain(ctx context.Context, cfg Config, acc *wallet.Account) (*Chain, error) {
	c, err := client.Dial(ctx, cfg.RPCEndpoint, cfg.RPCTimeout)
	if err != nil {
		return nil, err
	}
	var tc client.TransactorConfig
	tc.SetAccount(acc)
	tc.SetChainID(cfg.chainID())
	tr, err := client.NewTransactor(tc)
	if err != nil {
		c.Close()
		return nil, err
	}
	cb := client.NewContractBackend(c.Eth(), cfg.Contract, tr)
	token, err := cb.Token(ctx)
	if err != nil {
		cb.Log().WithError(err).Warn("Token address unknown, not advertising it")
	}
	return &Chain{Reader: c, Writer: cb, Token: token, close: c.Close}, nil
}

// App is a running paywall proxy of one receiver.
type App struct {
	cfg       Config
	account   *wallet.Account
	registry  *prometheus.Registry
	resources map[string]paywall.Resource

	chain    *Chain
	store    *store.Store
	manager  *manager.Manager
	sub      *channel.EventSub
	paywall  *paywall.Paywall
	listener net.Listener
	server   *http.Server
	cancel   context.CancelFunc

	log.Embedding
}

// New validates cfg and loads the receiver key.
func New(cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	acc, err := wallet.LoadAccount(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return &App{
		cfg:       cfg,
		account:   acc,
		registry:  registry,
		resources: make(map[string]paywall.Resource),
		Embedding: log.MakeEmbedding(log.WithField("receiver", acc.Address().Hex())),
	}, nil
}

// Receiver returns the address payments go to.
func (a *App) Receiver() common.Address {
	return a.account.Address()
}

// Add registers a resource. It must be called before Start.
func (a *App) Add(path string, res paywall.Resource) {
	a.resources[path] = res
}

// Start connects to the node of the config and starts the app.
func (a *App) Start(ctx context.Context) error {
	chain, err := DialChain(ctx, a.cfg, a.account)
	if err != nil {
		return err
	}
	if err := a.StartWith(ctx, chain); err != nil {
		if chain.close != nil {
			chain.close()
		}
		return err
	}
	return nil
}

// StartWith starts the app on chain. It verifies the network, opens and
// locks the state directory, loads the channel table and starts watching
// the contract from the last checkpoint on.
func (a *App) StartWith(ctx context.Context, chain *Chain) (err error) {
	if err := client.CheckNetwork(ctx, chain.Reader, a.cfg.NetworkID); err != nil {
		return err
	}

	dir := a.cfg.StateDir
	if dir == "" {
		if dir, err = util.DefaultStateDir(a.cfg.Contract, a.Receiver()); err != nil {
			return errors.WithMessage(err, "locating state directory")
		}
	}
	st, err := store.Open(dir, a.Receiver(), a.cfg.Contract)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	m := manager.New(st, channel.NewVerifier(a.Receiver(), a.cfg.Contract), chain.Writer, manager.Config{
		ChallengePeriod: a.cfg.ChallengePeriod,
		Retention:       a.cfg.Retention,
		Registerer:      a.registry,
	})
	if err := m.Load(); err != nil {
		return errors.WithMessage(err, "loading channels")
	}

	listener, err := net.Listen("tcp", a.cfg.ListenAddress)
	if err != nil {
		return errors.Wrap(err, "listening")
	}

	pw := paywall.New(m, a.registry)
	pw.SetToken(chain.Token)
	for path, res := range a.resources {
		pw.Add(path, res)
	}

	from := a.cfg.StartBlock
	if cp := m.Checkpoint(); cp > 0 {
		from = cp + 1
	}
	subCtx, cancel := context.WithCancel(context.Background())
	sub := channel.NewEventSub(subCtx, chain.Reader, channel.EventSubConfig{
		Contract:      a.cfg.Contract,
		Receiver:      a.Receiver(),
		Confirmations: a.cfg.Confirmations,
		PollInterval:  a.cfg.PollInterval,
		BatchSize:     a.cfg.BatchSize,
		OnStatus:      m.SetChainReachable,
	}, from)

	a.chain, a.store, a.manager, a.sub, a.paywall = chain, st, m, sub, pw
	a.listener, a.cancel = listener, cancel
	a.server = &http.Server{Handler: pw, ReadHeaderTimeout: 10 * time.Second}
	a.Log().WithField("dir", st.Dir()).Infof("Started on %s, scanning from block %d", listener.Addr(), from)
	return nil
}

// Addr returns the address the HTTP server listens on.
func (a *App) Addr() net.Addr {
	return a.listener.Addr()
}

// Manager returns the channel manager of a started app.
func (a *App) Manager() *manager.Manager {
	return a.manager
}

// Run serves until ctx is done or a component fails. It applies chain
// events, answers HTTP requests and prunes settled channels periodically.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return errors.WithMessage(a.manager.Run(gctx, a.sub), "applying chain events")
	})
	g.Go(func() error {
		var err error
		if a.cfg.TLSCert != "" {
			err = a.server.ServeTLS(a.listener, a.cfg.TLSCert, a.cfg.TLSKey)
		} else {
			err = a.server.Serve(a.listener)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.WithMessage(err, "serving http")
		}
		return nil
	})
	g.Go(func() error {
		a.prune(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.sub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownGrace)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *App) prune(ctx context.Context) {
	interval := a.cfg.PruneInterval
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := a.manager.Prune(ctx, now)
			if err != nil {
				a.Log().WithError(err).Warn("Pruning settled channels")
			} else if n > 0 {
				a.Log().Infof("Pruned %d settled channels", n)
			}
		}
	}
}

// Close stops all components and releases the state directory.
func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	a.cancel()
	a.sub.Close()
	a.manager.Stop()
	a.listener.Close()
	err := a.store.Close()
	if a.chain.close != nil {
		a.chain.close()
	}
	return err
}
