// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cacheserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bureau-foundation/assetcache/lib/protocol"
)

const metricsNamespace = "assetcache"

// metrics holds the server's Prometheus collectors. Each Server owns
// its own set, registered with the Registerer from Config, so several
// servers (tests) can coexist in one process.
type metrics struct {
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	lookups          *prometheus.CounterVec
	adds             *prometheus.CounterVec
	connectionsOpen  prometheus.Gauge
	connectionsTotal prometheus.Counter
	protocolFailures *prometheus.CounterVec
	handlerPanics    prometheus.Counter
}

// newMetrics creates the collectors. A nil registerer yields working
// but unregistered collectors.
func newMetrics(registerer prometheus.Registerer, store Store) *metrics {
	factory := promauto.With(registerer)
	m := &metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests received, by message kind.",
		}, []string{"kind"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Time from receiving a request to sending its response.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"kind"}),
		lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "lookups_total",
			Help:      "IsInCache and GetFromCache outcomes.",
		}, []string{"kind", "outcome"}),
		adds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "adds_total",
			Help:      "AddToCache outcomes: accepted, rejected by the filter, or failed in the store.",
		}, []string{"outcome"}),
		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "connections_open",
			Help:      "Client connections currently open.",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Client connections accepted.",
		}),
		protocolFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "protocol_failures_total",
			Help:      "Connections closed because of malformed traffic or a version mismatch.",
		}, []string{"reason"}),
		handlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "handler_panics_total",
			Help:      "Connection handlers that panicked and were recovered.",
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "store",
		Name:      "entries",
		Help:      "Live entries in the store.",
	}, func() float64 { return float64(store.Stats().Entries) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "store",
		Name:      "bytes",
		Help:      "Logical bytes held by live entries.",
	}, func() float64 { return float64(store.Stats().TotalBytes) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "store",
		Name:      "max_bytes",
		Help:      "Store byte budget.",
	}, func() float64 { return float64(store.Stats().MaxBytes) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "store",
		Name:      "evictions_total",
		Help:      "Entries evicted to stay within the budget.",
	}, func() float64 { return float64(store.Stats().Evictions) })

	return m
}

func (m *metrics) lookup(kind protocol.Kind, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.lookups.WithLabelValues(kind.String(), outcome).Inc()
}
