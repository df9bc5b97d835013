// Copyright 2024 Chainguard, Inc.
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

// Package metrics exposes Prometheus gauges and counters for the
// roster's connection load.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dlorenc/tcplb/pkg/lb/roster"
)

// LBMetrics holds a handful of CounterVec/GaugeVec instruments
// registered against a private registry, rather than the global
// default one.
type LBMetrics struct {
	registry *prometheus.Registry

	BackendsTotal            *prometheus.GaugeVec
	BackendClientsActive     *prometheus.GaugeVec
	BackendLoadRatio         *prometheus.GaugeVec
	ClientsRejectedTotal     prometheus.Counter
	ClientsDisconnectedTotal *prometheus.CounterVec
}

// New creates and registers the load-balancer's metrics.
func New() *LBMetrics {
	reg := prometheus.NewRegistry()

	m := &LBMetrics{
		registry: reg,
		BackendsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lb_backends_total",
			Help: "Number of backends currently in the roster, by status.",
		}, []string{"status"}),
		BackendClientsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lb_backend_clients_active",
			Help: "Number of clients currently assigned to a backend.",
		}, []string{"backend"}),
		BackendLoadRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lb_backend_load_ratio",
			Help: "Fraction of a backend's connection capacity in use.",
		}, []string{"backend"}),
		ClientsRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lb_clients_rejected_total",
			Help: "Total clients rejected because no backend was available.",
		}),
		ClientsDisconnectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lb_clients_disconnected_total",
			Help: "Total clients removed from a backend's poll set.",
		}, []string{"backend"}),
	}

	reg.MustRegister(
		m.BackendsTotal,
		m.BackendClientsActive,
		m.BackendLoadRatio,
		m.ClientsRejectedTotal,
		m.ClientsDisconnectedTotal,
	)
	return m
}

// Observe refreshes the gauge instruments from a roster snapshot. It
// is meant to be called periodically, not on every dispatch, since the
// roster's own counters are the source of truth between scrapes.
func (m *LBMetrics) Observe(statuses []roster.Status) {
	m.BackendsTotal.Reset()
	byStatus := map[string]int{}
	for _, s := range statuses {
		byStatus[s.State]++
		m.BackendClientsActive.WithLabelValues(s.Name).Set(float64(s.Count))
		m.BackendLoadRatio.WithLabelValues(s.Name).Set(s.LoadRatio)
	}
	for status, count := range byStatus {
		m.BackendsTotal.WithLabelValues(status).Set(float64(count))
	}
}

// RecordRejected increments the rejected-client counter.
func (m *LBMetrics) RecordRejected() {
	m.ClientsRejectedTotal.Inc()
}

// RecordDisconnected increments the disconnected-client counter for
// the named backend.
func (m *LBMetrics) RecordDisconnected(backendName string) {
	m.ClientsDisconnectedTotal.WithLabelValues(backendName).Inc()
}

// Handler returns an http.Handler serving this registry's metrics in
// the Prometheus exposition format.
func (m *LBMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
