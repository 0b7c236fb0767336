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

// Package wire encodes the paywall protocol, which travels in RDN-* HTTP
// headers between client and paywall.
package wire

import (
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"perun.network/perun-eth-paywall/channel/types"
)

// Protocol headers.
const (
	HeaderGatewayPath         = "RDN-Gateway-Path"
	HeaderReceiverAddress     = "RDN-Receiver-Address"
	HeaderContractAddress     = "RDN-Contract-Address"
	HeaderTokenAddress        = "RDN-Token-Address"
	HeaderPrice               = "RDN-Price"
	HeaderBalance             = "RDN-Balance"
	HeaderBalanceSignature    = "RDN-Balance-Signature"
	HeaderSenderAddress       = "RDN-Sender-Address"
	HeaderSenderBalance       = "RDN-Sender-Balance"
	HeaderOpenBlock           = "RDN-Open-Block"
	HeaderCost                = "RDN-Cost"
	HeaderInsufficientFunds   = "RDN-Insufficient-Funds"
	HeaderInsufficientConfs   = "RDN-Insufficient-Confirmations"
	HeaderNonexistingChannel  = "RDN-Nonexisting-Channel"
	HeaderInvalidBalanceProof = "RDN-Invalid-Balance-Proof"
	HeaderInvalidAmount       = "RDN-Invalid-Amount"
	flagSet                   = "1"
)

var ErrMalformedHeader = errors.New("malformed payment header")

// Rejection tells the client why its payment was not accepted.
type Rejection int

const (
	NoRejection Rejection = iota
	RejectInsufficientFunds
	RejectInsufficientConfirmations
	RejectNonexistingChannel
	RejectInvalidBalanceProof
	RejectInvalidAmount
)

var rejectionHeaders = map[Rejection]string{
	RejectInsufficientFunds:         HeaderInsufficientFunds,
	RejectInsufficientConfirmations: HeaderInsufficientConfs,
	RejectNonexistingChannel:        HeaderNonexistingChannel,
	RejectInvalidBalanceProof:       HeaderInvalidBalanceProof,
	RejectInvalidAmount:             HeaderInvalidAmount,
}

func (r Rejection) String() string {
	if r == NoRejection {
		return "none"
	}
	if name, ok := rejectionHeaders[r]; ok {
		return strings.TrimPrefix(name, "RDN-")
	}
	return "Rejection(" + strconv.Itoa(int(r)) + ")"
}

// Challenge is the content of a 402 Payment Required response.
type Challenge struct {
	GatewayPath string
	Receiver    common.Address
	Contract    common.Address
	// Token is the token deposits are made in, zero if not advertised.
	Token common.Address
	Price *big.Int
	// SenderBalance is the confirmed balance of the channel the client
	// named, nil if it named none.
	SenderBalance *big.Int
	Reason        Rejection
}

// ToHeader writes the challenge to h.
func (c *Challenge) ToHeader(h http.Header) {
	h.Set(HeaderGatewayPath, c.GatewayPath)
	h.Set(HeaderReceiverAddress, c.Receiver.Hex())
	h.Set(HeaderContractAddress, c.Contract.Hex())
	if c.Token != (common.Address{}) {
		h.Set(HeaderTokenAddress, c.Token.Hex())
	}
	h.Set(HeaderPrice, c.Price.String())
	if c.SenderBalance != nil {
		h.Set(HeaderSenderBalance, c.SenderBalance.String())
	}
	if name, ok := rejectionHeaders[c.Reason]; ok {
		h.Set(name, flagSet)
	}
}

// FromHeader reads a challenge from h.
func (c *Challenge) FromHeader(h http.Header) error {
	var err error
	c.GatewayPath = h.Get(HeaderGatewayPath)
	if c.Receiver, err = address(h, HeaderReceiverAddress); err != nil {
		return err
	}
	if c.Contract, err = address(h, HeaderContractAddress); err != nil {
		return err
	}
	c.Token = common.Address{}
	if h.Get(HeaderTokenAddress) != "" {
		if c.Token, err = address(h, HeaderTokenAddress); err != nil {
			return err
		}
	}
	if c.Price, err = amount(h, HeaderPrice); err != nil {
		return err
	}
	c.SenderBalance = nil
	if h.Get(HeaderSenderBalance) != "" {
		if c.SenderBalance, err = amount(h, HeaderSenderBalance); err != nil {
			return err
		}
	}
	c.Reason = NoRejection
	for reason, name := range rejectionHeaders {
		if h.Get(name) == flagSet {
			c.Reason = reason
		}
	}
	return nil
}

// Payment is a balance proof sent by a client to pay for a resource.
type Payment struct {
	Contract  common.Address
	Receiver  common.Address
	Sender    common.Address
	OpenBlock uint32
	Balance   *big.Int
	Signature []byte
	// Price is the price the client expects to pay, nil if unknown.
	Price *big.Int
}

// HasPayment reports whether h carries a payment at all.
func HasPayment(h http.Header) bool {
	return h.Get(HeaderBalanceSignature) != ""
}

// ToHeader writes the payment to h.
func (p *Payment) ToHeader(h http.Header) {
	h.Set(HeaderContractAddress, p.Contract.Hex())
	h.Set(HeaderReceiverAddress, p.Receiver.Hex())
	h.Set(HeaderSenderAddress, p.Sender.Hex())
	h.Set(HeaderOpenBlock, strconv.FormatUint(uint64(p.OpenBlock), 10))
	h.Set(HeaderBalance, p.Balance.String())
	h.Set(HeaderBalanceSignature, hexutil.Encode(p.Signature))
	if p.Price != nil {
		h.Set(HeaderPrice, p.Price.String())
	}
}

// FromHeader reads a payment from h.
func (p *Payment) FromHeader(h http.Header) error {
	var err error
	if p.Contract, err = address(h, HeaderContractAddress); err != nil {
		return err
	}
	if p.Receiver, err = address(h, HeaderReceiverAddress); err != nil {
		return err
	}
	if p.Sender, err = address(h, HeaderSenderAddress); err != nil {
		return err
	}
	block, err := strconv.ParseUint(strings.TrimSpace(h.Get(HeaderOpenBlock)), 10, 32)
	if err != nil {
		return errors.WithMessagef(ErrMalformedHeader, "%s: %v", HeaderOpenBlock, err)
	}
	p.OpenBlock = uint32(block)
	if p.Balance, err = amount(h, HeaderBalance); err != nil {
		return err
	}
	if p.Signature, err = hexutil.Decode(strings.TrimSpace(h.Get(HeaderBalanceSignature))); err != nil {
		return errors.WithMessagef(ErrMalformedHeader, "%s: %v", HeaderBalanceSignature, err)
	}
	p.Price = nil
	if h.Get(HeaderPrice) != "" {
		if p.Price, err = amount(h, HeaderPrice); err != nil {
			return err
		}
	}
	return nil
}

// ChannelID returns the channel the payment is made on.
func (p *Payment) ChannelID() types.ID {
	return types.MakeID(p.Sender, p.Receiver, p.OpenBlock)
}

// Proof returns the balance proof carried by the payment.
func (p *Payment) Proof() *types.BalanceProof {
	return &types.BalanceProof{Channel: p.ChannelID(), Balance: p.Balance, Signature: p.Signature}
}

// SetCost writes the price charged for a served resource.
func SetCost(h http.Header, cost *big.Int) {
	h.Set(HeaderCost, cost.String())
}

func address(h http.Header, name string) (common.Address, error) {
	v := strings.TrimSpace(h.Get(name))
	if !common.IsHexAddress(v) {
		return common.Address{}, errors.WithMessagef(ErrMalformedHeader, "%s: %q is not an address", name, v)
	}
	return common.HexToAddress(v), nil
}

func amount(h http.Header, name string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(h.Get(name)), 10)
	if !ok || v.Sign() < 0 {
		return nil, errors.WithMessagef(ErrMalformedHeader, "%s: %q is not an amount", name, h.Get(name))
	}
	return v, nil
}
