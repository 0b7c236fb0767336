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

package proxy

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-eth-paywall/channel"
	"perun.network/perun-eth-paywall/client"
	"perun.network/perun-eth-paywall/event"
	"perun.network/perun-eth-paywall/manager"
	"perun.network/perun-eth-paywall/wallet"
)

const (
	DefaultListenAddress = "localhost:5000"
	DefaultPruneInterval = time.Hour
	DefaultShutdownGrace = 5 * time.Second
)

var (
	ErrMissingRPCEndpoint   = errors.New("no ethereum rpc endpoint given")
	ErrMissingContract      = errors.New("no channel manager contract address given")
	ErrMissingNetworkID     = errors.New("no network id given")
	ErrMissingListenAddress = errors.New("no listen address given")
	ErrIncompleteTLS        = errors.New("tls needs both certificate and key")
)

// Config configures an App.
type Config struct {
	// PrivateKey is the receiver key in hex, or the path of an owner-only
	// file holding it.
	PrivateKey  string
	RPCEndpoint string
	Contract    common.Address
	// NetworkID is the network the node must serve.
	NetworkID *big.Int
	// ChainID signs transactions. Defaults to NetworkID.
	ChainID *big.Int
	// StateDir holds the channel database. Defaults to a directory named
	// after contract and receiver below the user config directory.
	StateDir string
	// StartBlock is the first block scanned when there is no checkpoint,
	// usually the block the contract was deployed in.
	StartBlock    uint64
	ListenAddress string
	// TLSCert and TLSKey enable HTTPS if both are set.
	TLSCert string
	TLSKey  string

	Confirmations   uint64
	PollInterval    time.Duration
	RPCTimeout      time.Duration
	BatchSize       uint64
	ChallengePeriod uint64
	Retention       time.Duration
	PruneInterval   time.Duration
}

// DefaultConfig returns a config with all defaults set. Key, endpoint,
// contract and network still have to be filled in.
func DefaultConfig() Config {
	return Config{
		ListenAddress:   DefaultListenAddress,
		Confirmations:   channel.DefaultConfirmations,
		PollInterval:    channel.DefaultSubscriptionPollingInterval,
		RPCTimeout:      client.DefaultRPCTimeout,
		BatchSize:       channel.DefaultBatchSize,
		ChallengePeriod: event.DefaultChallengePeriod,
		Retention:       manager.DefaultRetention,
		PruneInterval:   DefaultPruneInterval,
	}
}

// Validate reports the first missing or invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.PrivateKey == "":
		return wallet.ErrMissingPrivateKey
	case c.RPCEndpoint == "":
		return ErrMissingRPCEndpoint
	case c.Contract == (common.Address{}):
		return ErrMissingContract
	case c.NetworkID == nil || c.NetworkID.Sign() <= 0:
		return ErrMissingNetworkID
	case c.ListenAddress == "":
		return ErrMissingListenAddress
	case (c.TLSCert == "") != (c.TLSKey == ""):
		return ErrIncompleteTLS
	}
	return nil
}

func (c *Config) chainID() *big.Int {
	if c.ChainID != nil {
		return c.ChainID
	}
	return c.NetworkID
}
