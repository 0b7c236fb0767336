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

package main

import (
	"context"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"perun.network/go-perun/log"
	plogrus "perun.network/go-perun/log/logrus"

	"perun.network/perun-eth-paywall/client"
	"perun.network/perun-eth-paywall/paywall"
	"perun.network/perun-eth-paywall/proxy"
	"perun.network/perun-eth-paywall/store"
	"perun.network/perun-eth-paywall/wallet"
)

const envPrefix = "PAYWALL"

const doggo = `
         |\_/|
         | @ @   Woof!
         |   <>              _
         |  _/\------____ ((| |))
         |               ` + "`" + `--' |
     ____|_       ___|   |___.'
    /_/_____/____/_______|
`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	def := proxy.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "paywall",
		Short:         "Serves paywalled content paid through off-chain payment channels",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file := v.GetString("config"); file != "" {
				v.SetConfigFile(file)
				if err := v.ReadInConfig(); err != nil {
					return fail(errors.WithMessage(err, "reading config file"))
				}
			}
			if err := setupLogging(v.GetString("log-level")); err != nil {
				return fail(err)
			}
			return fail(run(cmd.Context(), v))
		},
	}

	f := cmd.Flags()
	f.String("config", "", "Config file (yaml, toml or json)")
	f.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	f.String("private-key", "", "Receiver private key in hex, or the path of an owner-only file holding it")
	f.String("rpc-provider", "http://localhost:8545", "Address of the Ethereum RPC provider")
	f.String("channel-manager-address", "", "Ethereum address of the channel manager contract")
	f.String("network-id", "", "Network id the RPC provider must serve")
	f.String("chain-id", "", "Chain id for signing transactions, defaults to the network id")
	f.String("state-dir", "", "Channel database directory, defaults to one per contract and receiver in the user config directory")
	f.Uint64("start-block", 0, "First block to scan if there is no checkpoint yet")
	f.String("listen", def.ListenAddress, "Address of the proxy")
	f.String("ssl-cert", "", "Certificate of the server (cert.pem or similar)")
	f.String("ssl-key", "", "SSL key of the server (key.pem or similar)")
	f.Uint64("confirmations", def.Confirmations, "Blocks a chain event must be deep before it is applied")
	f.Duration("poll-interval", def.PollInterval, "Interval between chain polls")
	f.Duration("rpc-timeout", def.RPCTimeout, "Timeout of a single RPC request")
	f.Uint64("batch-size", def.BatchSize, "Maximum number of blocks per log query")
	f.Uint64("challenge-period", def.ChallengePeriod, "Blocks between a close request and settlement")
	f.Duration("retention", def.Retention, "How long settled channels are kept")
	f.Duration("prune-interval", def.PruneInterval, "Interval between prunes of settled channels")
	f.Bool("demo", true, "Serve the demo content")
	f.String("test-file", "/tmp/test.txt", "File served as /test.txt by the demo content")

	if err := v.BindPFlags(f); err != nil {
		panic(err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return cmd
}

func setupLogging(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.WithMessage(err, "parsing log level")
	}
	plogrus.Set(lvl, &logrus.TextFormatter{FullTimestamp: true})
	return nil
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, err := configFromViper(v)
	if err != nil {
		return err
	}
	app, err := proxy.New(cfg)
	if err != nil {
		return err
	}
	if v.GetBool("demo") {
		addDemoContent(app, v.GetString("test-file"))
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer app.Close()
	return app.Run(ctx)
}

func configFromViper(v *viper.Viper) (proxy.Config, error) {
	cfg := proxy.DefaultConfig()
	cfg.PrivateKey = v.GetString("private-key")
	cfg.RPCEndpoint = v.GetString("rpc-provider")
	cfg.StateDir = v.GetString("state-dir")
	cfg.StartBlock = v.GetUint64("start-block")
	cfg.ListenAddress = v.GetString("listen")
	cfg.TLSCert = v.GetString("ssl-cert")
	cfg.TLSKey = v.GetString("ssl-key")
	cfg.Confirmations = v.GetUint64("confirmations")
	cfg.PollInterval = v.GetDuration("poll-interval")
	cfg.RPCTimeout = v.GetDuration("rpc-timeout")
	cfg.BatchSize = v.GetUint64("batch-size")
	cfg.ChallengePeriod = v.GetUint64("challenge-period")
	cfg.Retention = v.GetDuration("retention")
	cfg.PruneInterval = v.GetDuration("prune-interval")

	if addr := v.GetString("channel-manager-address"); addr != "" {
		if !common.IsHexAddress(addr) {
			return cfg, errors.Errorf("invalid channel manager address %q", addr)
		}
		cfg.Contract = common.HexToAddress(addr)
	}
	var err error
	if cfg.NetworkID, err = parseInt(v.GetString("network-id"), "network id"); err != nil {
		return cfg, err
	}
	if cfg.ChainID, err = parseInt(v.GetString("chain-id"), "chain id"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseInt(s, name string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.Errorf("invalid %s %q", name, s)
	}
	return x, nil
}

func addDemoContent(app *proxy.App, testFile string) {
	value := func(s string, status int) paywall.Content {
		return paywall.Func(func(*http.Request) ([]byte, int) { return []byte(s), status })
	}
	app.Add("/kitten.jpg", paywall.Resource{Price: big.NewInt(1), Content: value("HI I AM A KITTEN", http.StatusOK)})
	app.Add("/doggo.jpg", paywall.Resource{Price: big.NewInt(2), Content: value("HI I AM A DOGGO", http.StatusOK)})
	app.Add("/doggo.txt", paywall.Resource{Price: big.NewInt(2), ContentType: "text/ascii", Content: paywall.Value(doggo)})
	app.Add("/teapot.jpg", paywall.Resource{Price: big.NewInt(3), Content: value("HI I AM A TEAPOT", http.StatusTeapot)})
	app.Add("/test.txt", paywall.Resource{Price: big.NewInt(10), Content: paywall.StaticFile{Path: testFile}})
}

// fail logs err with a message telling the operator what to do about it.
func fail(err error) error {
	if err == nil {
		return nil
	}
	var msg string
	switch {
	case errors.Is(err, store.ErrStoreLocked):
		msg = "Another paywall process is already running on this state directory"
	case errors.Is(err, store.ErrLockUnsupported):
		msg = "This platform cannot lock the state directory against a second paywall process"
	case errors.Is(err, store.ErrInsecureStateFile):
		msg = "The permission bits of the state directory are set incorrectly (others can read or write) " +
			"or you are not the owner. For reasons of security, startup is aborted"
	case errors.Is(err, wallet.ErrInsecureKeyFile):
		msg = "Private key file must be readable only by its owner"
	case errors.Is(err, wallet.ErrMissingPrivateKey):
		msg = "No private key given, use --private-key or " + envPrefix + "_PRIVATE_KEY"
	case errors.Is(err, client.ErrNetworkIdentityMismatch):
		msg = "The Ethereum node serves a different network than configured"
	case errors.Is(err, client.ErrChainUnavailable):
		msg = "Ethereum node refused connection"
	default:
		msg = "Paywall stopped"
	}
	log.WithError(err).Error(msg)
	return err
}
