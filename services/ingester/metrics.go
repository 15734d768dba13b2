// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingester

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks ingest pipeline throughput and flush health.
type Metrics struct {
	MessagesConsumed *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	RowsFlushed      *prometheus.CounterVec
	FlushErrors      *prometheus.CounterVec
	FlushDuration    *prometheus.HistogramVec
}

// NewMetrics creates and registers the ingest metrics on the given
// registerer. Tests pass a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_ingest_messages_total",
			Help: "Kafka messages consumed, by topic.",
		}, []string{"topic"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_ingest_decode_errors_total",
			Help: "Messages that failed OTLP decoding, by topic.",
		}, []string{"topic"}),
		RowsFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_ingest_rows_flushed_total",
			Help: "Rows written to the warehouse, by table.",
		}, []string{"table"}),
		FlushErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_ingest_flush_errors_total",
			Help: "Failed warehouse batch writes, by table.",
		}, []string{"table"}),
		FlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "watchtower_ingest_flush_duration_seconds",
			Help:    "Warehouse batch write latency, by table.",
			Buckets: prometheus.DefBuckets,
		}, []string{"table"}),
	}
	reg.MustRegister(m.MessagesConsumed, m.DecodeErrors, m.RowsFlushed,
		m.FlushErrors, m.FlushDuration)
	return m
}
