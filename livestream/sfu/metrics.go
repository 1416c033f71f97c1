/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sfu

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	transports prometheus.Gauge
	producers  prometheus.Gauge
	consumers  prometheus.Gauge

	sweptTransports    prometheus.Counter
	orphanedTransports prometheus.Counter
	engineStarts       prometheus.Counter
	engineTerminations prometheus.Counter
	engineCallFailures *prometheus.CounterVec
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		transports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sfu",
			Name:      "transports",
			Help:      "Number of registered transports",
		}),
		producers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sfu",
			Name:      "producers",
			Help:      "Number of registered producers",
		}),
		consumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sfu",
			Name:      "consumers",
			Help:      "Number of consumers created on registered transports",
		}),
		sweptTransports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sfu",
			Name:      "swept_transports_total",
			Help:      "Total number of transports removed by the sweep",
		}),
		orphanedTransports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sfu",
			Name:      "orphaned_transports_total",
			Help:      "Total number of transports lost with a terminated media engine",
		}),
		engineStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sfu",
			Name:      "engine_starts_total",
			Help:      "Total number of media engines created",
		}),
		engineTerminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sfu",
			Name:      "engine_terminations_total",
			Help:      "Total number of media engines which terminated",
		}),
		engineCallFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sfu",
			Name:      "engine_call_failures_total",
			Help:      "Total number of failed media engine calls",
		}, []string{"op"}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.transports,
			m.producers,
			m.consumers,
			m.sweptTransports,
			m.orphanedTransports,
			m.engineStarts,
			m.engineTerminations,
			m.engineCallFailures,
		)
	}

	return m
}
