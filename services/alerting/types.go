// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package alerting

import (
	"context"
	"time"
)

// Executor is the warehouse surface the engine reads and writes through.
// *warehouse.Store satisfies it; tests use fakes that return bare table
// names from Table.
type Executor interface {
	Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
	Exec(ctx context.Context, sql string, args ...any) error
	Table(name string) string
}

// Severity is an alert severity level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertType identifies what condition an alert describes. Symptom types
// describe user-visible degradation; root cause types point at the
// underlying component.
type AlertType string

const (
	// Symptom alerts.
	AlertErrorSpike         AlertType = "error_spike"
	AlertLatencyDegradation AlertType = "latency_degradation"
	AlertThroughputDrop     AlertType = "throughput_drop"
	AlertServiceDown        AlertType = "service_down"

	// Root cause alerts.
	AlertDBConnectionFailure AlertType = "db_connection_failure"
	AlertDBSlowQueries       AlertType = "db_slow_queries"
	AlertDependencyFailure   AlertType = "dependency_failure"
	AlertDependencyLatency   AlertType = "dependency_latency"
	AlertExceptionSurge      AlertType = "exception_surge"
	AlertNewExceptionType    AlertType = "new_exception_type"
)

// Alert status values as stored in the alerts table.
const (
	StatusActive       = "active"
	StatusAcknowledged = "acknowledged"
	StatusResolved     = "resolved"
)

// Anomaly is one detected deviation, ready to become or refresh an
// alert.
type Anomaly struct {
	Service       string
	MetricType    string
	AlertType     AlertType
	Severity      Severity
	CurrentValue  float64
	BaselineValue float64
	ZScore        float64
	Message       string
}

// =============================================================================
// Row Value Coercion
// =============================================================================

// Query rows come back as map[string]any with driver-native types; the
// helpers below normalize the numeric variants the engine cares about.

func rowFloat(row map[string]any, key string) float64 {
	switch v := row[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case int32:
		return float64(v)
	case uint32:
		return float64(v)
	case int:
		return float64(v)
	case *float64:
		if v != nil {
			return *v
		}
	}
	return 0
}

func rowInt(row map[string]any, key string) int64 {
	switch v := row[key].(type) {
	case int64:
		return v
	case uint64:
		return int64(v)
	case int32:
		return int64(v)
	case uint32:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func rowString(row map[string]any, key string) string {
	switch v := row[key].(type) {
	case string:
		return v
	case *string:
		if v != nil {
			return *v
		}
	}
	return ""
}

func rowBool(row map[string]any, key string) bool {
	switch v := row[key].(type) {
	case bool:
		return v
	case uint8:
		return v != 0
	}
	return false
}

func rowTime(row map[string]any, key string) time.Time {
	switch v := row[key].(type) {
	case time.Time:
		return v
	case *time.Time:
		if v != nil {
			return *v
		}
	}
	return time.Time{}
}
