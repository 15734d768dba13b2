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
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/AleutianAI/watchtower/pkg/logging"
	"github.com/AleutianAI/watchtower/services/warehouse"
)

// Detector runs the per-service anomaly checks against the current
// 5-minute window and the cached baselines.
type Detector struct {
	exec       Executor
	cfg        Config
	log        *logging.Logger
	baselines  *BaselineComputer
	thresholds *ThresholdManager
}

// NewDetector wires the detector to its baselines and thresholds.
func NewDetector(exec Executor, cfg Config, baselines *BaselineComputer, log *logging.Logger) *Detector {
	return &Detector{
		exec:       exec,
		cfg:        cfg,
		log:        log,
		baselines:  baselines,
		thresholds: NewThresholdManager(cfg),
	}
}

// Thresholds exposes the adaptive threshold manager for learning runs.
func (d *Detector) Thresholds() *ThresholdManager {
	return d.thresholds
}

// DetectAll runs every check for every baselined service and returns
// the detected anomalies. Individual check failures degrade to skips.
func (d *Detector) DetectAll(ctx context.Context) []Anomaly {
	var anomalies []Anomaly

	for _, service := range d.baselines.Services() {
		if a := d.detectErrorRate(ctx, service); a != nil {
			anomalies = append(anomalies, *a)
		}
		if a := d.detectLatency(ctx, service); a != nil {
			anomalies = append(anomalies, *a)
		}
		if a := d.detectThroughputDrop(ctx, service); a != nil {
			anomalies = append(anomalies, *a)
		}
		if a := d.detectServiceDown(ctx, service); a != nil {
			anomalies = append(anomalies, *a)
		}

		if d.cfg.RootCauseEnabled {
			if d.thresholds.Enabled("db_latency") || d.thresholds.Enabled("db_error") {
				anomalies = append(anomalies, d.detectDatabaseIssues(ctx, service)...)
			}
			if d.thresholds.Enabled("dependency_latency") || d.thresholds.Enabled("dependency_error") {
				anomalies = append(anomalies, d.detectDependencyIssues(ctx, service)...)
			}
			if d.thresholds.Enabled("exception_surge") || d.thresholds.Enabled("new_exception") {
				anomalies = append(anomalies, d.detectExceptionIssues(ctx, service)...)
			}
		}
	}
	return anomalies
}

// severityForZ grades a Z-score excess: warning above the threshold,
// critical above 1.5x.
func severityForZ(z, threshold float64) Severity {
	if z > threshold*1.5 {
		return SeverityCritical
	}
	return SeverityWarning
}

func (d *Detector) detectErrorRate(ctx context.Context, service string) *Anomaly {
	sql := fmt.Sprintf(`
		SELECT
			count() AS total,
			countIf(status_code = 'ERROR') / nullIf(count(), 0) AS error_rate
		FROM %s
		WHERE service_name = ?
		AND start_time > now() - INTERVAL 5 MINUTE`,
		d.exec.Table(warehouse.TableSpans))
	rows, err := d.exec.Query(ctx, sql, service)
	if err != nil {
		d.log.Warn("error rate check failed", "service", service, "error", err)
		return nil
	}
	if len(rows) == 0 || rowInt(rows[0], "total") < 5 {
		return nil
	}

	currentRate := rowFloat(rows[0], "error_rate")
	baseline := d.baselines.Baseline(service, "error_rate")

	var severity Severity
	var zScore float64
	if baseline != nil && baseline.StdDev > 0 {
		zScore = (currentRate - baseline.Mean) / baseline.StdDev
		if zScore > d.cfg.ZScoreThreshold {
			severity = SeverityWarning
		}
		if zScore > d.cfg.ZScoreThreshold*1.5 {
			severity = SeverityCritical
		}
	}

	// Absolute floors apply with or without a baseline.
	if currentRate >= d.cfg.ErrorRateCritical {
		severity = SeverityCritical
	} else if currentRate >= d.cfg.ErrorRateWarning && severity == "" {
		severity = SeverityWarning
	}
	if severity == "" {
		return nil
	}

	var baselineMean, baselineStdDev float64
	if baseline != nil {
		baselineMean = baseline.Mean
		baselineStdDev = baseline.StdDev
	}
	d.storeAnomalyScore(ctx, service, "error_rate", currentRate, baselineMean, baselineStdDev, zScore)

	message := fmt.Sprintf("Error rate %.1f%% exceeds threshold", currentRate*100)
	if baseline != nil {
		message = fmt.Sprintf("Error rate %.1f%% exceeds baseline %.1f%%",
			currentRate*100, baseline.Mean*100)
	}
	return &Anomaly{
		Service:       service,
		MetricType:    "error_rate",
		AlertType:     AlertErrorSpike,
		Severity:      severity,
		CurrentValue:  currentRate,
		BaselineValue: baselineMean,
		ZScore:        zScore,
		Message:       message,
	}
}

func (d *Detector) detectLatency(ctx context.Context, service string) *Anomaly {
	sql := fmt.Sprintf(`
		SELECT quantile(0.95)(duration_ns / 1e6) AS latency_p95
		FROM %s
		WHERE service_name = ?
		AND start_time > now() - INTERVAL 5 MINUTE
		AND duration_ns > 0
		HAVING count() >= 5`,
		d.exec.Table(warehouse.TableSpans))
	rows, err := d.exec.Query(ctx, sql, service)
	if err != nil {
		d.log.Warn("latency check failed", "service", service, "error", err)
		return nil
	}
	if len(rows) == 0 {
		return nil
	}
	current := rowFloat(rows[0], "latency_p95")

	baseline := d.baselines.Baseline(service, "latency_p95")
	if baseline == nil || baseline.StdDev == 0 {
		return nil
	}
	zScore := (current - baseline.Mean) / baseline.StdDev
	if zScore <= d.cfg.ZScoreThreshold {
		return nil
	}

	d.storeAnomalyScore(ctx, service, "latency_p95", current, baseline.Mean, baseline.StdDev, zScore)
	return &Anomaly{
		Service:       service,
		MetricType:    "latency_p95",
		AlertType:     AlertLatencyDegradation,
		Severity:      severityForZ(zScore, d.cfg.ZScoreThreshold),
		CurrentValue:  current,
		BaselineValue: baseline.Mean,
		ZScore:        zScore,
		Message: fmt.Sprintf("P95 latency %.0fms exceeds baseline %.0fms (z=%.1f)",
			current, baseline.Mean, zScore),
	}
}

func (d *Detector) detectThroughputDrop(ctx context.Context, service string) *Anomaly {
	sql := fmt.Sprintf(`
		SELECT count() AS requests
		FROM %s
		WHERE service_name = ?
		AND start_time > now() - INTERVAL 5 MINUTE
		AND span_kind = 'SERVER'`,
		d.exec.Table(warehouse.TableSpans))
	rows, err := d.exec.Query(ctx, sql, service)
	if err != nil {
		d.log.Warn("throughput check failed", "service", service, "error", err)
		return nil
	}
	if len(rows) == 0 {
		return nil
	}

	// The baseline is per-minute; the 5-minute count is normalized.
	current := float64(rowInt(rows[0], "requests")) / 5.0
	baseline := d.baselines.Baseline(service, "throughput")
	if baseline == nil || baseline.StdDev == 0 || baseline.Mean < 1 {
		return nil
	}

	// Drops matter here; a negative Z-score is the signal.
	zScore := (current - baseline.Mean) / baseline.StdDev
	if zScore >= -d.cfg.ZScoreThreshold {
		return nil
	}
	severity := SeverityWarning
	if zScore <= -d.cfg.ZScoreThreshold*1.5 {
		severity = SeverityCritical
	}

	d.storeAnomalyScore(ctx, service, "throughput", current, baseline.Mean, baseline.StdDev, zScore)
	pctDrop := (baseline.Mean - current) / baseline.Mean * 100
	return &Anomaly{
		Service:       service,
		MetricType:    "throughput",
		AlertType:     AlertThroughputDrop,
		Severity:      severity,
		CurrentValue:  current,
		BaselineValue: baseline.Mean,
		ZScore:        zScore,
		Message: fmt.Sprintf("Throughput dropped %.0f%% (%.0f/min vs %.0f/min baseline)",
			pctDrop, current, baseline.Mean),
	}
}

func (d *Detector) detectServiceDown(ctx context.Context, service string) *Anomaly {
	sql := fmt.Sprintf(`
		SELECT count() AS recent
		FROM %s
		WHERE service_name = ?
		AND start_time > now() - INTERVAL 1 HOUR`,
		d.exec.Table(warehouse.TableSpans))
	rows, err := d.exec.Query(ctx, sql, service)
	if err != nil {
		d.log.Warn("service down check failed", "service", service, "error", err)
		return nil
	}
	if len(rows) > 0 && rowInt(rows[0], "recent") > 0 {
		return nil
	}
	return &Anomaly{
		Service:       service,
		MetricType:    "availability",
		AlertType:     AlertServiceDown,
		Severity:      SeverityCritical,
		CurrentValue:  0,
		BaselineValue: 1,
		Message:       fmt.Sprintf("Service %s has not sent telemetry in over 1 hour", service),
	}
}

// detectDatabaseIssues checks the 5-minute window against every cached
// db_<system>_latency and db_<system>_error_rate baseline.
func (d *Detector) detectDatabaseIssues(ctx context.Context, service string) []Anomaly {
	var anomalies []Anomaly

	for _, metric := range d.baselines.MetricTypes(service) {
		if !strings.HasPrefix(metric, "db_") {
			continue
		}
		baseline := d.baselines.Baseline(service, metric)
		if baseline == nil || baseline.StdDev == 0 {
			continue
		}
		system, kind, ok := splitRootCauseMetric(metric, "db_")
		if !ok {
			continue
		}

		switch kind {
		case "latency":
			sql := fmt.Sprintf(`
				SELECT quantile(0.95)(duration_ns / 1e6) AS latency_p95
				FROM %s
				WHERE service_name = ?
				AND db_system = ?
				AND start_time > now() - INTERVAL 5 MINUTE
				AND duration_ns > 0
				HAVING count() >= 3`,
				d.exec.Table(warehouse.TableSpans))
			rows, err := d.exec.Query(ctx, sql, service, system)
			if err != nil || len(rows) == 0 {
				continue
			}
			current := rowFloat(rows[0], "latency_p95")
			zScore := (current - baseline.Mean) / baseline.StdDev
			threshold := d.thresholds.Threshold("db_latency")
			if zScore <= threshold {
				continue
			}

			d.storeAnomalyScore(ctx, service, metric, current, baseline.Mean, baseline.StdDev, zScore)
			anomalies = append(anomalies, Anomaly{
				Service:       service,
				MetricType:    metric,
				AlertType:     AlertDBSlowQueries,
				Severity:      severityForZ(zScore, threshold),
				CurrentValue:  current,
				BaselineValue: baseline.Mean,
				ZScore:        zScore,
				Message: fmt.Sprintf("Database %s queries slow: %.0fms P95 (baseline: %.0fms, z=%.1f)",
					system, current, baseline.Mean, zScore),
			})

		case "error_rate":
			sql := fmt.Sprintf(`
				SELECT
					count() AS total,
					countIf(status_code = 'ERROR') / nullIf(count(), 0) AS error_rate
				FROM %s
				WHERE service_name = ?
				AND db_system = ?
				AND start_time > now() - INTERVAL 5 MINUTE`,
				d.exec.Table(warehouse.TableSpans))
			rows, err := d.exec.Query(ctx, sql, service, system)
			if err != nil || len(rows) == 0 || rowInt(rows[0], "total") < 3 {
				continue
			}
			current := rowFloat(rows[0], "error_rate")
			zScore := (current - baseline.Mean) / baseline.StdDev
			threshold := d.thresholds.Threshold("db_error")
			if zScore <= threshold && current <= 0.1 {
				continue
			}
			severity := SeverityWarning
			if current > 0.2 || zScore > threshold*1.5 {
				severity = SeverityCritical
			}

			d.storeAnomalyScore(ctx, service, metric, current, baseline.Mean, baseline.StdDev, zScore)
			anomalies = append(anomalies, Anomaly{
				Service:       service,
				MetricType:    metric,
				AlertType:     AlertDBConnectionFailure,
				Severity:      severity,
				CurrentValue:  current,
				BaselineValue: baseline.Mean,
				ZScore:        zScore,
				Message: fmt.Sprintf("Database %s errors: %.1f%% error rate (baseline: %.1f%%)",
					system, current*100, baseline.Mean*100),
			})
		}
	}
	return anomalies
}

// detectDependencyIssues checks downstream call health against the
// cached dep_<service>_latency and dep_<service>_error_rate baselines.
func (d *Detector) detectDependencyIssues(ctx context.Context, service string) []Anomaly {
	var anomalies []Anomaly
	spans := d.exec.Table(warehouse.TableSpans)

	for _, metric := range d.baselines.MetricTypes(service) {
		if !strings.HasPrefix(metric, "dep_") {
			continue
		}
		baseline := d.baselines.Baseline(service, metric)
		if baseline == nil || baseline.StdDev == 0 {
			continue
		}
		dep, kind, ok := splitRootCauseMetric(metric, "dep_")
		if !ok {
			continue
		}

		switch kind {
		case "latency":
			sql := fmt.Sprintf(`
				SELECT quantile(0.95)(child.duration_ns / 1e6) AS latency_p95
				FROM %s AS parent
				INNER JOIN %s AS child
					ON parent.span_id = child.parent_span_id
					AND parent.trace_id = child.trace_id
				WHERE parent.service_name = ?
				AND child.service_name = ?
				AND parent.start_time > now() - INTERVAL 5 MINUTE
				AND child.duration_ns > 0
				HAVING count() >= 3`, spans, spans)
			rows, err := d.exec.Query(ctx, sql, service, dep)
			if err != nil || len(rows) == 0 {
				continue
			}
			current := rowFloat(rows[0], "latency_p95")
			zScore := (current - baseline.Mean) / baseline.StdDev
			threshold := d.thresholds.Threshold("dependency_latency")
			if zScore <= threshold {
				continue
			}

			d.storeAnomalyScore(ctx, service, metric, current, baseline.Mean, baseline.StdDev, zScore)
			anomalies = append(anomalies, Anomaly{
				Service:       service,
				MetricType:    metric,
				AlertType:     AlertDependencyLatency,
				Severity:      severityForZ(zScore, threshold),
				CurrentValue:  current,
				BaselineValue: baseline.Mean,
				ZScore:        zScore,
				Message: fmt.Sprintf("Dependency %s slow: %.0fms P95 (baseline: %.0fms, z=%.1f)",
					dep, current, baseline.Mean, zScore),
			})

		case "error_rate":
			sql := fmt.Sprintf(`
				SELECT
					count() AS total,
					countIf(child.status_code = 'ERROR') / nullIf(count(), 0) AS error_rate
				FROM %s AS parent
				INNER JOIN %s AS child
					ON parent.span_id = child.parent_span_id
					AND parent.trace_id = child.trace_id
				WHERE parent.service_name = ?
				AND child.service_name = ?
				AND parent.start_time > now() - INTERVAL 5 MINUTE`, spans, spans)
			rows, err := d.exec.Query(ctx, sql, service, dep)
			if err != nil || len(rows) == 0 || rowInt(rows[0], "total") < 3 {
				continue
			}
			current := rowFloat(rows[0], "error_rate")
			zScore := (current - baseline.Mean) / baseline.StdDev
			threshold := d.thresholds.Threshold("dependency_error")
			if zScore <= threshold && current <= 0.15 {
				continue
			}
			severity := SeverityWarning
			if current > 0.25 || zScore > threshold*1.5 {
				severity = SeverityCritical
			}

			d.storeAnomalyScore(ctx, service, metric, current, baseline.Mean, baseline.StdDev, zScore)
			anomalies = append(anomalies, Anomaly{
				Service:       service,
				MetricType:    metric,
				AlertType:     AlertDependencyFailure,
				Severity:      severity,
				CurrentValue:  current,
				BaselineValue: baseline.Mean,
				ZScore:        zScore,
				Message: fmt.Sprintf("Dependency %s failing: %.1f%% error rate (baseline: %.1f%%)",
					dep, current*100, baseline.Mean*100),
			})
		}
	}
	return anomalies
}

// detectExceptionIssues checks for exception surges and previously
// unseen exception types.
func (d *Detector) detectExceptionIssues(ctx context.Context, service string) []Anomaly {
	var anomalies []Anomaly
	events := d.exec.Table(warehouse.TableSpanEvents)

	if baseline := d.baselines.Baseline(service, "exception_rate"); baseline != nil {
		sql := fmt.Sprintf(`
			SELECT count() AS exception_count
			FROM %s
			WHERE service_name = ?
			AND exception_type != ''
			AND timestamp > now() - INTERVAL 5 MINUTE`, events)
		rows, err := d.exec.Query(ctx, sql, service)
		if err != nil {
			d.log.Warn("exception surge check failed", "service", service, "error", err)
		} else if len(rows) > 0 {
			count := rowInt(rows[0], "exception_count")
			// The baseline is hourly; scale the 5-minute count to match.
			hourlyRate := float64(count) * 12

			if baseline.StdDev > 0 && hourlyRate > 0 {
				zScore := (hourlyRate - baseline.Mean) / baseline.StdDev
				threshold := d.thresholds.Threshold("exception_surge")
				if zScore > threshold {
					d.storeAnomalyScore(ctx, service, "exception_rate", hourlyRate,
						baseline.Mean, baseline.StdDev, zScore)
					anomalies = append(anomalies, Anomaly{
						Service:       service,
						MetricType:    "exception_rate",
						AlertType:     AlertExceptionSurge,
						Severity:      severityForZ(zScore, threshold),
						CurrentValue:  hourlyRate,
						BaselineValue: baseline.Mean,
						ZScore:        zScore,
						Message: fmt.Sprintf("Exception surge: %d exceptions in 5 min (~%.0f/hour, baseline: %.0f/hour)",
							count, hourlyRate, baseline.Mean),
					})
				}
			}
		}
	}

	// Only flag new exception types once a known set exists.
	known := d.baselines.KnownExceptionTypes(service)
	if len(known) > 0 {
		sql := fmt.Sprintf(`
			SELECT exception_type, count() AS cnt
			FROM %s
			WHERE service_name = ?
			AND exception_type != ''
			AND timestamp > now() - INTERVAL 15 MINUTE
			GROUP BY exception_type
			HAVING count() >= 2`, events)
		rows, err := d.exec.Query(ctx, sql, service)
		if err != nil {
			d.log.Warn("new exception check failed", "service", service, "error", err)
			return anomalies
		}
		for _, row := range rows {
			excType := rowString(row, "exception_type")
			count := rowInt(row, "cnt")
			if _, ok := known[excType]; ok {
				continue
			}
			metricType := "new_exception:" + excType
			if len(excType) > 50 {
				metricType = "new_exception:" + excType[:50]
			}
			anomalies = append(anomalies, Anomaly{
				Service:       service,
				MetricType:    metricType,
				AlertType:     AlertNewExceptionType,
				Severity:      SeverityWarning,
				CurrentValue:  float64(count),
				BaselineValue: 0,
				Message: fmt.Sprintf("New exception type detected: %s (%d occurrences in 15 min)",
					excType, count),
			})
		}
	}
	return anomalies
}

// splitRootCauseMetric splits "db_postgresql_latency" or
// "dep_auth_service_error_rate" into the subject and the metric kind.
// Subjects may themselves contain underscores, so the suffix is matched
// first.
func splitRootCauseMetric(metric, prefix string) (subject, kind string, ok bool) {
	rest := strings.TrimPrefix(metric, prefix)
	if subject = strings.TrimSuffix(rest, "_error_rate"); subject != rest {
		return subject, "error_rate", subject != ""
	}
	if subject = strings.TrimSuffix(rest, "_latency"); subject != rest {
		return subject, "latency", subject != ""
	}
	return "", "", false
}

// storeAnomalyScore persists a detection observation. The normalized
// anomaly score is |z| / 5 capped at 1.
func (d *Detector) storeAnomalyScore(ctx context.Context, service, metricType string, current, baselineMean, baselineStdDev, zScore float64) {
	score := math.Min(1.0, math.Abs(zScore)/5.0)
	sql := fmt.Sprintf(`
		INSERT INTO %s (
			timestamp, service_name, metric_type,
			current_value, expected_value, baseline_mean, baseline_stddev,
			z_score, anomaly_score, is_anomaly, detection_method
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.exec.Table(warehouse.TableAnomalyScores))
	err := d.exec.Exec(ctx, sql,
		time.Now().UTC(), service, metricType,
		current, baselineMean, baselineMean, baselineStdDev,
		zScore, score, true, "zscore")
	if err != nil {
		d.log.Warn("could not persist anomaly score",
			"service", service, "metric_type", metricType, "error", err)
	}
}
