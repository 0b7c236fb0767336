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
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"perun.network/perun-eth-paywall/channel/types"
)

const metricsNamespace = "paywall"

// Metrics are the prometheus collectors of a manager.
type Metrics struct {
	payments   *prometheus.CounterVec
	received   prometheus.Counter
	events     *prometheus.CounterVec
	channels   *prometheus.GaugeVec
	reachable  prometheus.Gauge
	checkpoint prometheus.Gauge
}

// NewMetrics registers the manager collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		payments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "payments_total",
			Help:      "Balance proofs processed, by result.",
		}, []string{"result"}),
		received: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "received_total",
			Help:      "Sum of accepted balance increments.",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chain_events_total",
			Help:      "Chain events applied, by type.",
		}, []string{"type"}),
		channels: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "channels",
			Help:      "Tracked channels, by state.",
		}, []string{"state"}),
		reachable: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "chain_reachable",
			Help:      "1 while the Ethereum node is reachable.",
		}),
		checkpoint: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "checkpoint_block",
			Help:      "Last block whose events were applied.",
		}),
	}
}

func (m *Metrics) payment(err error, delta *big.Int) {
	if err != nil {
		m.payments.WithLabelValues(rejectionLabel(err)).Inc()
		return
	}
	m.payments.WithLabelValues("accepted").Inc()
	f, _ := new(big.Float).SetInt(delta).Float64()
	m.received.Add(f)
}

func (m *Metrics) transition(from *types.Channel, to *types.Channel) {
	if from != nil {
		m.channels.WithLabelValues(from.State.String()).Dec()
	}
	if to != nil {
		m.channels.WithLabelValues(to.State.String()).Inc()
	}
}

func (m *Metrics) setReachable(reachable bool) {
	if reachable {
		m.reachable.Set(1)
	} else {
		m.reachable.Set(0)
	}
}
