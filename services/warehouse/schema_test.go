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
	"strings"
	"testing"
)

func TestTableDDL(t *testing.T) {
	ddl := tableDDL("otel")

	t.Run("covers every declared table", func(t *testing.T) {
		want := []string{
			TableLogs, TableMetrics, TableSpans, TableSpanEvents, TableSpanLinks,
			TableServiceBaselines, TableAnomalyScores, TableAlerts, TableAlertInvestigations,
		}
		if len(ddl) != len(want) {
			t.Fatalf("tableDDL returned %d statements, want %d", len(ddl), len(want))
		}
		for _, name := range want {
			if _, ok := ddl[name]; !ok {
				t.Errorf("missing DDL for %s", name)
			}
		}
	})

	t.Run("statements are idempotent and database-qualified", func(t *testing.T) {
		for name, stmt := range ddl {
			if !strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS otel."+name) {
				t.Errorf("%s DDL is not IF NOT EXISTS on otel.%s", name, name)
			}
			if !strings.Contains(stmt, "ENGINE = MergeTree") {
				t.Errorf("%s DDL missing MergeTree engine", name)
			}
		}
	})

	t.Run("only resolved_at is nullable", func(t *testing.T) {
		for name, stmt := range ddl {
			count := strings.Count(stmt, "Nullable")
			switch name {
			case TableAlerts:
				if count != 1 || !strings.Contains(stmt, "resolved_at     Nullable(DateTime64(9, 'UTC'))") {
					t.Errorf("alerts DDL should have exactly one nullable column (resolved_at)")
				}
			default:
				if count != 0 {
					t.Errorf("%s DDL has unexpected Nullable column", name)
				}
			}
		}
	})
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CLICKHOUSE_ADDR", "ch:9000")
	t.Setenv("CLICKHOUSE_DATABASE", "")
	t.Setenv("CLICKHOUSE_USERNAME", "")
	t.Setenv("CLICKHOUSE_PASSWORD", "")

	cfg := LoadConfig()
	if cfg.Database != "otel" {
		t.Errorf("Database = %q, want otel", cfg.Database)
	}
	if cfg.Username != "default" {
		t.Errorf("Username = %q, want default", cfg.Username)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate with addr set: %v", err)
	}

	cfg.Addr = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate with empty addr should fail")
	}
	if !strings.Contains(err.Error(), "CLICKHOUSE_ADDR") {
		t.Errorf("error %q does not name CLICKHOUSE_ADDR", err)
	}
}
