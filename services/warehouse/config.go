// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package warehouse

import (
	"fmt"
	"os"
	"strings"
)

// Config holds the ClickHouse connection settings. All values come from
// the environment; only the address is required.
type Config struct {
	// Addr is the native-protocol address, e.g. "clickhouse:9000".
	Addr string

	// Database holds the analytic and engine tables. Created on startup
	// if missing.
	Database string

	Username string
	Password string
}

// LoadConfig reads the warehouse configuration from the environment.
func LoadConfig() Config {
	return Config{
		Addr:     os.Getenv("CLICKHOUSE_ADDR"),
		Database: envOr("CLICKHOUSE_DATABASE", "otel"),
		Username: envOr("CLICKHOUSE_USERNAME", "default"),
		Password: os.Getenv("CLICKHOUSE_PASSWORD"),
	}
}

// Validate reports missing required settings.
func (c Config) Validate() error {
	var missing []string
	if c.Addr == "" {
		missing = append(missing, "CLICKHOUSE_ADDR")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
