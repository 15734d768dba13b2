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

import "fmt"

// Analytic table names (written by the ingester, append-only).
const (
	TableLogs       = "logs"
	TableMetrics    = "metrics"
	TableSpans      = "spans"
	TableSpanEvents = "span_events"
	TableSpanLinks  = "span_links"
)

// Engine table names (written by the alert engine).
const (
	TableServiceBaselines    = "service_baselines"
	TableAnomalyScores       = "anomaly_scores"
	TableAlerts              = "alerts"
	TableAlertInvestigations = "alert_investigations"
)

// tableDDL returns the CREATE TABLE statements for every table, keyed by
// table name. All statements are IF NOT EXISTS so bootstrap is idempotent.
//
// Timestamps are DateTime64(9) UTC throughout; strings default to empty,
// integers to zero. Only alerts.resolved_at is nullable (an active alert
// has no resolution time). The alerts table is the single mutated table
// and is keyed by alert_id so ALTER ... UPDATE mutations stay cheap.
func tableDDL(db string) map[string]string {
	ddl := map[string]string{
		TableLogs: `
CREATE TABLE IF NOT EXISTS %[1]s.logs
(
	timestamp       DateTime64(9, 'UTC') CODEC(Delta, ZSTD(1)),
	service_name    LowCardinality(String),
	severity_number Int32,
	severity_text   LowCardinality(String),
	body_text       String CODEC(ZSTD(1)),
	trace_id        String,
	span_id         String,
	attributes_json String CODEC(ZSTD(1))
)
ENGINE = MergeTree
ORDER BY (service_name, timestamp)`,

		TableMetrics: `
CREATE TABLE IF NOT EXISTS %[1]s.metrics
(
	timestamp       DateTime64(9, 'UTC') CODEC(Delta, ZSTD(1)),
	service_name    LowCardinality(String),
	metric_name     LowCardinality(String),
	metric_unit     LowCardinality(String),
	value_double    Float64,
	attributes_flat String CODEC(ZSTD(1))
)
ENGINE = MergeTree
ORDER BY (service_name, metric_name, timestamp)`,

		TableSpans: `
CREATE TABLE IF NOT EXISTS %[1]s.spans
(
	trace_id       String,
	span_id        String,
	parent_span_id String,
	start_time     DateTime64(9, 'UTC') CODEC(Delta, ZSTD(1)),
	duration_ns    Int64,
	service_name   LowCardinality(String),
	span_name      LowCardinality(String),
	span_kind      LowCardinality(String),
	status_code    LowCardinality(String),
	http_status    Int32,
	db_system      LowCardinality(String)
)
ENGINE = MergeTree
ORDER BY (service_name, start_time)`,

		TableSpanEvents: `
CREATE TABLE IF NOT EXISTS %[1]s.span_events
(
	timestamp                      DateTime64(9, 'UTC') CODEC(Delta, ZSTD(1)),
	trace_id                       String,
	span_id                        String,
	service_name                   LowCardinality(String),
	span_name                      LowCardinality(String),
	event_name                     LowCardinality(String),
	event_attributes_json          String CODEC(ZSTD(1)),
	exception_type                 String,
	exception_message              String CODEC(ZSTD(1)),
	exception_stacktrace           String CODEC(ZSTD(1)),
	gen_ai_system                  LowCardinality(String),
	gen_ai_operation               LowCardinality(String),
	gen_ai_request_model           LowCardinality(String),
	gen_ai_usage_prompt_tokens     Int32,
	gen_ai_usage_completion_tokens Int32
)
ENGINE = MergeTree
ORDER BY (service_name, timestamp)`,

		TableSpanLinks: `
CREATE TABLE IF NOT EXISTS %[1]s.span_links
(
	trace_id             String,
	span_id              String,
	service_name         LowCardinality(String),
	span_name            LowCardinality(String),
	linked_trace_id      String,
	linked_span_id       String,
	linked_trace_state   String,
	link_attributes_json String CODEC(ZSTD(1))
)
ENGINE = MergeTree
ORDER BY (trace_id, span_id)`,

		TableServiceBaselines: `
CREATE TABLE IF NOT EXISTS %[1]s.service_baselines
(
	computed_at     DateTime64(9, 'UTC'),
	service_name    LowCardinality(String),
	metric_type     String,
	baseline_mean   Float64,
	baseline_stddev Float64,
	baseline_min    Float64,
	baseline_max    Float64,
	baseline_p50    Float64,
	baseline_p95    Float64,
	baseline_p99    Float64,
	sample_count    Int32,
	window_hours    Int32
)
ENGINE = MergeTree
ORDER BY (service_name, metric_type, computed_at)`,

		TableAnomalyScores: `
CREATE TABLE IF NOT EXISTS %[1]s.anomaly_scores
(
	timestamp        DateTime64(9, 'UTC'),
	service_name     LowCardinality(String),
	metric_type      String,
	current_value    Float64,
	expected_value   Float64,
	baseline_mean    Float64,
	baseline_stddev  Float64,
	z_score          Float64,
	anomaly_score    Float64,
	is_anomaly       Bool,
	detection_method LowCardinality(String)
)
ENGINE = MergeTree
ORDER BY (service_name, timestamp)`,

		TableAlerts: `
CREATE TABLE IF NOT EXISTS %[1]s.alerts
(
	alert_id        String,
	created_at      DateTime64(9, 'UTC'),
	updated_at      DateTime64(9, 'UTC'),
	service_name    LowCardinality(String),
	alert_type      LowCardinality(String),
	severity        LowCardinality(String),
	title           String,
	description     String,
	metric_type     String,
	current_value   Float64,
	threshold_value Float64,
	baseline_value  Float64,
	z_score         Float64,
	status          LowCardinality(String),
	resolved_at     Nullable(DateTime64(9, 'UTC')),
	auto_resolved   Bool
)
ENGINE = MergeTree
ORDER BY alert_id`,

		TableAlertInvestigations: `
CREATE TABLE IF NOT EXISTS %[1]s.alert_investigations
(
	investigation_id    String,
	alert_id            String,
	investigated_at     DateTime64(9, 'UTC'),
	service_name        LowCardinality(String),
	alert_type          LowCardinality(String),
	model_used          LowCardinality(String),
	root_cause_summary  String CODEC(ZSTD(1)),
	recommended_actions String CODEC(ZSTD(1)),
	supporting_evidence String CODEC(ZSTD(1)),
	queries_executed    Int32,
	tokens_used         Int32
)
ENGINE = MergeTree
ORDER BY (alert_id, investigated_at)`,
	}

	out := make(map[string]string, len(ddl))
	for name, stmt := range ddl {
		out[name] = fmt.Sprintf(stmt, db)
	}
	return out
}
