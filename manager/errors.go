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

package manager

import (
	"github.com/pkg/errors"
)

var (
	ErrNotReady            = errors.New("channel manager is not ready")
	ErrUnknownChannel      = errors.New("channel is not known")
	ErrInsufficientPayment = errors.New("payment does not cover the price")
	ErrInvalidState        = errors.New("operation not allowed in the channel's state")
	ErrBalanceMismatch     = errors.New("close balance differs from the confirmed balance")
	ErrNoBalanceProof      = errors.New("no balance proof to close with")
	ErrStopped             = errors.New("channel manager stopped")
)
