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

// Package client connects the paywall to an Ethereum node. It reads the
// channel manager's logs and submits receiver transactions.
package client

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-eth-paywall/event"
)

// DefaultRPCTimeout bounds a single node request.
const DefaultRPCTimeout = 10 * time.Second

var (
	ErrChainUnavailable        = errors.New("ethereum node unavailable")
	ErrNetworkIdentityMismatch = errors.New("node serves a different network than configured")
	// ErrTxRejected marks a transaction that certainly never reached the
	// network: it could not be signed or the node refused it.
	ErrTxRejected = errors.New("transaction rejected before broadcast")
)

// ChainReader is the read access to the chain the watcher needs.
type ChainReader interface {
	NetworkID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
}

// Client is a ChainReader backed by an ethclient connection. Every request
// is bounded by the configured timeout and failures are reported as
// ErrChainUnavailable.
type Client struct {
	eth     *ethclient.Client
	timeout time.Duration
	log.Embedding
}

var _ ChainReader = (*Client)(nil)

// Dial connects to the node at rawurl.
func Dial(ctx context.Context, rawurl string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	eth, err := ethclient.DialContext(dialCtx, rawurl)
	if err != nil {
		return nil, errors.WithMessagef(ErrChainUnavailable, "dialing %s: %v", rawurl, err)
	}
	return &Client{
		eth:       eth,
		timeout:   timeout,
		Embedding: log.MakeEmbedding(log.WithField("rpc", rawurl)),
	}, nil
}

// Eth returns the underlying connection, used for transaction submission.
func (c *Client) Eth() *ethclient.Client {
	return c.eth
}

// NetworkID returns the network id the node serves.
func (c *Client) NetworkID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	id, err := c.eth.NetworkID(ctx)
	return id, unavailable(err, "network id")
}

// BlockNumber returns the current head block.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	head, err := c.eth.BlockNumber(ctx)
	return head, unavailable(err, "block number")
}

// FilterLogs runs q against the node.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	logs, err := c.eth.FilterLogs(ctx, q)
	return logs, unavailable(err, "filter logs")
}

// Close closes the connection.
func (c *Client) Close() {
	c.eth.Close()
}

func unavailable(err error, call string) error {
	if err == nil {
		return nil
	}
	return errors.WithMessagef(ErrChainUnavailable, "%s: %v", call, err)
}

// CheckNetwork fails with ErrNetworkIdentityMismatch if the node does not
// serve the expected network.
func CheckNetwork(ctx context.Context, reader ChainReader, expected *big.Int) error {
	id, err := reader.NetworkID(ctx)
	if err != nil {
		return err
	}
	if id.Cmp(expected) != 0 {
		return errors.WithMessagef(ErrNetworkIdentityMismatch, "expected %v, node reports %v", expected, id)
	}
	return nil
}

// ChannelLogsQuery selects the lifecycle logs of channels paying receiver
// on contract in the blocks [from, to].
func ChannelLogsQuery(contract, receiver common.Address, from, to uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{event.Topics(), nil, {event.AddressTopic(receiver)}},
	}
}

// CreatedLogsQuery selects only ChannelCreated logs in [from, to].
func CreatedLogsQuery(contract, receiver common.Address, from, to uint64) ethereum.FilterQuery {
	q := ChannelLogsQuery(contract, receiver, from, to)
	q.Topics[0] = []common.Hash{event.CreatedTopic()}
	return q
}
