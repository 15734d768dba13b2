// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command watchtower runs the observability pipeline components.
//
// Two long running subcommands are provided:
//
//	watchtower ingest   # Kafka -> ClickHouse OTLP ingester
//	watchtower alerts   # predictive alert engine
//
// Both read their settings from the environment (CLICKHOUSE_ADDR is the
// only required one), bootstrap the warehouse schema on startup, expose
// Prometheus metrics, and shut down cleanly on SIGINT/SIGTERM.
//
// Usage:
//
//	CLICKHOUSE_ADDR=localhost:9000 KAFKA_BOOTSTRAP_SERVERS=localhost:9092 \
//	  go run ./cmd/watchtower ingest
//
//	CLICKHOUSE_ADDR=localhost:9000 OPENAI_API_KEY=sk-... \
//	  go run ./cmd/watchtower alerts
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
