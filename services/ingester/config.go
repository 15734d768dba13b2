// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingester consumes OTLP/JSON telemetry from Kafka, decodes it
// into flat analytic rows, and flushes batches into the warehouse.
//
// Delivery is at-least-once: offsets are committed only after every
// buffered row from those offsets has been written. A crash between
// flush and commit re-delivers and re-writes the batch.
package ingester

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the ingestion pipeline settings, read from the
// environment.
type Config struct {
	// BootstrapServers is a comma-separated Kafka broker list.
	BootstrapServers string

	// GroupID is the consumer group; all pipeline replicas share it.
	GroupID string

	LogsTopic    string
	TracesTopic  string
	MetricsTopic string

	// BatchSize flushes a table buffer when it reaches this many rows.
	BatchSize int

	// BatchTimeout flushes all non-empty buffers when this much time has
	// passed since the last flush, regardless of size.
	BatchTimeout time.Duration
}

// LoadConfig reads the ingester configuration from the environment.
func LoadConfig() Config {
	return Config{
		BootstrapServers: envOr("KAFKA_BOOTSTRAP_SERVERS", "localhost:9092"),
		GroupID:          envOr("KAFKA_GROUP_ID", "otel-warehouse-consumer"),
		LogsTopic:        envOr("KAFKA_LOGS_TOPIC", "otel-logs"),
		TracesTopic:      envOr("KAFKA_TRACES_TOPIC", "otel-traces"),
		MetricsTopic:     envOr("KAFKA_METRICS_TOPIC", "otel-metrics"),
		BatchSize:        envInt("BATCH_SIZE", 1000),
		BatchTimeout:     envSeconds("BATCH_TIMEOUT_SECONDS", 5*time.Second),
	}
}

// Validate reports configuration the pipeline cannot run with.
func (c Config) Validate() error {
	if c.BootstrapServers == "" {
		return fmt.Errorf("missing required environment variables: KAFKA_BOOTSTRAP_SERVERS")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("BATCH_TIMEOUT_SECONDS must be positive, got %s", c.BatchTimeout)
	}
	return nil
}

// Brokers returns the bootstrap servers as a list.
func (c Config) Brokers() []string {
	parts := strings.Split(c.BootstrapServers, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return fallback
}
