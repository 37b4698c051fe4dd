// SPDX-License-Identifier: AGPL-3.0-or-later
// busmesh - Typed message bus for cooperating endpoints
// Copyright (C) 2023-2026 Jacob McSwain
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/busmesh/busmesh>

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	// KV Store metrics
	KVOperationsTotal   *prometheus.CounterVec
	KVOperationDuration *prometheus.HistogramVec

	// Router metrics. Forwarded/Dropped are cumulative counters owned by
	// the router itself (atomic.Uint64), so they're sampled into gauges
	// rather than double-accounted through prometheus Counter.Add.
	RouterForwardedTotal *prometheus.GaugeVec
	RouterDroppedTotal   *prometheus.GaugeVec
	RouterMeanAgeMS      *prometheus.GaugeVec
	RouterLinksTotal     *prometheus.GaugeVec

	// Bridge metrics, same sampled-gauge reasoning as the router ones.
	BridgeForwardedTotal *prometheus.GaugeVec
	BridgeDroppedTotal   *prometheus.GaugeVec
	BridgeMeanAgeMS      *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	metrics := &Metrics{
		KVOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kv_operations_total",
			Help: "The total number of KV operations performed",
		}, []string{"operation", "status"}),
		KVOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kv_operation_duration_seconds",
			Help:    "Duration of KV operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		RouterForwardedTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_forwarded_total",
			Help: "The total number of messages forwarded by a router",
		}, []string{"router"}),
		RouterDroppedTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_dropped_total",
			Help: "The total number of messages dropped by a router",
		}, []string{"router"}),
		RouterMeanAgeMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_mean_age_ms",
			Help: "Mean age in milliseconds of messages forwarded by a router",
		}, []string{"router"}),
		RouterLinksTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_links_total",
			Help: "The current number of links held by a router",
		}, []string{"router"}),
		BridgeForwardedTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_forwarded_total",
			Help: "The total number of messages forwarded by a bridge, by direction",
		}, []string{"bridge", "direction"}),
		BridgeDroppedTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_dropped_total",
			Help: "The total number of messages dropped by a bridge, by direction",
		}, []string{"bridge", "direction"}),
		BridgeMeanAgeMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_mean_age_ms",
			Help: "Mean age in milliseconds of messages forwarded by a bridge, by direction",
		}, []string{"bridge", "direction"}),
	}
	metrics.register()
	return metrics
}

func (m *Metrics) register() {
	prometheus.MustRegister(m.KVOperationsTotal)
	prometheus.MustRegister(m.KVOperationDuration)
	prometheus.MustRegister(m.RouterForwardedTotal)
	prometheus.MustRegister(m.RouterDroppedTotal)
	prometheus.MustRegister(m.RouterMeanAgeMS)
	prometheus.MustRegister(m.RouterLinksTotal)
	prometheus.MustRegister(m.BridgeForwardedTotal)
	prometheus.MustRegister(m.BridgeDroppedTotal)
	prometheus.MustRegister(m.BridgeMeanAgeMS)
}

// RecordKVOperation counts one KV call and observes its duration, fed by
// the kv package's instrumented wrapper.
func (m *Metrics) RecordKVOperation(operation, status string, duration float64) {
	m.KVOperationsTotal.WithLabelValues(operation, status).Inc()
	m.KVOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RouterSample is the snapshot a router reports each sampling tick.
type RouterSample struct {
	Forwarded uint64
	Dropped   uint64
	MeanAgeMS float64
	Links     int
}

// SampleRouter records a point-in-time snapshot of one router's forwarding
// counters, identified by name (typically its node id or configured label).
func (m *Metrics) SampleRouter(name string, s RouterSample) {
	m.RouterForwardedTotal.WithLabelValues(name).Set(float64(s.Forwarded))
	m.RouterDroppedTotal.WithLabelValues(name).Set(float64(s.Dropped))
	m.RouterMeanAgeMS.WithLabelValues(name).Set(s.MeanAgeMS)
	m.RouterLinksTotal.WithLabelValues(name).Set(float64(s.Links))
}

// BridgeSample is the snapshot a bridge reports for one direction each
// sampling tick.
type BridgeSample struct {
	Forwarded uint64
	Dropped   uint64
	MeanAgeMS float64
}

// SampleBridge records a point-in-time snapshot of one bridge direction's
// forwarding counters.
func (m *Metrics) SampleBridge(name, direction string, s BridgeSample) {
	m.BridgeForwardedTotal.WithLabelValues(name, direction).Set(float64(s.Forwarded))
	m.BridgeDroppedTotal.WithLabelValues(name, direction).Set(float64(s.Dropped))
	m.BridgeMeanAgeMS.WithLabelValues(name, direction).Set(s.MeanAgeMS)
}
