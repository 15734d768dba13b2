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
	"sort"
	"time"

	"github.com/AleutianAI/watchtower/pkg/logging"
	"github.com/AleutianAI/watchtower/services/warehouse"
)

// Stats is a statistical baseline for one service metric, computed over
// hourly (or per-minute, for throughput) buckets of the lookback window.
type Stats struct {
	Mean        float64
	StdDev      float64
	Min         float64
	Max         float64
	P50         float64
	P95         float64
	P99         float64
	SampleCount int
}

// computeStats summarizes a list of bucket values. At least two values
// are required for a meaningful (sample) standard deviation. Upper
// percentiles fall back to the maximum when the sample is too small to
// resolve them.
func computeStats(values []float64) *Stats {
	if len(values) < 2 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(n-1))

	p95 := sorted[n-1]
	if n > 20 {
		p95 = sorted[int(float64(n)*0.95)]
	}
	p99 := sorted[n-1]
	if n > 100 {
		p99 = sorted[int(float64(n)*0.99)]
	}

	return &Stats{
		Mean:        mean,
		StdDev:      stddev,
		Min:         sorted[0],
		Max:         sorted[n-1],
		P50:         sorted[int(float64(n)*0.5)],
		P95:         p95,
		P99:         p99,
		SampleCount: n,
	}
}

// BaselineComputer builds and caches per-service baselines from the
// warehouse. Not safe for concurrent use; the service loop owns it.
type BaselineComputer struct {
	exec Executor
	cfg  Config
	log  *logging.Logger

	// service -> metric type -> baseline
	baselines map[string]map[string]*Stats

	// service -> set of exception types seen often enough to be "known"
	knownExceptions map[string]map[string]struct{}
}

// NewBaselineComputer creates an empty computer; call ComputeAll before
// the first detection sweep.
func NewBaselineComputer(exec Executor, cfg Config, log *logging.Logger) *BaselineComputer {
	return &BaselineComputer{
		exec:            exec,
		cfg:             cfg,
		log:             log,
		baselines:       map[string]map[string]*Stats{},
		knownExceptions: map[string]map[string]struct{}{},
	}
}

// Services returns the services with at least one baseline.
func (b *BaselineComputer) Services() []string {
	out := make([]string, 0, len(b.baselines))
	for s := range b.baselines {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Baseline returns the cached baseline for a service metric, or nil.
func (b *BaselineComputer) Baseline(service, metricType string) *Stats {
	return b.baselines[service][metricType]
}

// MetricTypes returns the cached metric types for a service.
func (b *BaselineComputer) MetricTypes(service string) []string {
	m := b.baselines[service]
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// KnownExceptionTypes returns the exception types considered normal for
// a service (seen at least 3 times in the baseline window).
func (b *BaselineComputer) KnownExceptionTypes(service string) map[string]struct{} {
	return b.knownExceptions[service]
}

// ComputeAll rebuilds every baseline from the warehouse. Each baseline
// is also persisted to the service_baselines table for inspection.
// Failures on individual metrics are logged and skipped.
func (b *BaselineComputer) ComputeAll(ctx context.Context) {
	b.log.Info("computing baselines", "window_hours", b.cfg.BaselineWindowHours)

	services, err := b.activeServices(ctx)
	if err != nil {
		b.log.Error("could not list active services", "error", err)
		return
	}
	b.log.Info("found active services", "count", len(services))

	fresh := map[string]map[string]*Stats{}
	for _, service := range services {
		metrics := map[string]*Stats{}

		if s := b.errorRateBaseline(ctx, service); s != nil {
			metrics["error_rate"] = s
		}
		for _, pct := range []struct {
			name  string
			value float64
		}{{"p50", 0.5}, {"p95", 0.95}, {"p99", 0.99}} {
			if s := b.latencyBaseline(ctx, service, pct.value); s != nil {
				metrics["latency_"+pct.name] = s
			}
		}
		if s := b.throughputBaseline(ctx, service); s != nil {
			metrics["throughput"] = s
		}
		for metric, s := range b.dbBaselines(ctx, service) {
			metrics[metric] = s
		}
		if s := b.exceptionRateBaseline(ctx, service); s != nil {
			metrics["exception_rate"] = s
		}
		for metric, s := range b.dependencyBaselines(ctx, service) {
			metrics[metric] = s
		}

		for metric, s := range metrics {
			b.storeBaseline(ctx, service, metric, s)
		}
		// Services stay in the map even with no usable baselines; the
		// exception checks still apply to them.
		fresh[service] = metrics
	}
	b.baselines = fresh

	b.computeKnownExceptionTypes(ctx)
	b.log.Info("baselines computed", "services", len(b.baselines))
}

func (b *BaselineComputer) window() string {
	return fmt.Sprintf("now() - INTERVAL %d HOUR", b.cfg.BaselineWindowHours)
}

func (b *BaselineComputer) activeServices(ctx context.Context) ([]string, error) {
	sql := fmt.Sprintf(`
		SELECT DISTINCT service_name
		FROM %s
		WHERE start_time > %s
		AND service_name != ''`,
		b.exec.Table(warehouse.TableSpans), b.window())
	rows, err := b.exec.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowString(r, "service_name"))
	}
	return out, nil
}

// bucketValues runs a bucketed query and collects the named column,
// returning nil unless at least minBuckets buckets came back.
func (b *BaselineComputer) bucketValues(ctx context.Context, sql, column string, minBuckets int, args ...any) []float64 {
	rows, err := b.exec.Query(ctx, sql, args...)
	if err != nil {
		b.log.Warn("baseline query failed", "column", column, "error", err)
		return nil
	}
	if len(rows) < minBuckets {
		return nil
	}
	values := make([]float64, 0, len(rows))
	for _, r := range rows {
		values = append(values, rowFloat(r, column))
	}
	return values
}

func (b *BaselineComputer) errorRateBaseline(ctx context.Context, service string) *Stats {
	sql := fmt.Sprintf(`
		SELECT
			toStartOfHour(start_time) AS hour,
			count() AS total,
			countIf(status_code = 'ERROR') / count() AS error_rate
		FROM %s
		WHERE service_name = ?
		AND start_time > %s
		GROUP BY hour
		HAVING count() >= 10
		ORDER BY hour`,
		b.exec.Table(warehouse.TableSpans), b.window())
	values := b.bucketValues(ctx, sql, "error_rate", b.cfg.MinSamplesForBaseline, service)
	return computeStats(values)
}

func (b *BaselineComputer) latencyBaseline(ctx context.Context, service string, pct float64) *Stats {
	sql := fmt.Sprintf(`
		SELECT
			toStartOfHour(start_time) AS hour,
			quantile(%g)(duration_ns / 1e6) AS latency_ms
		FROM %s
		WHERE service_name = ?
		AND start_time > %s
		AND duration_ns > 0
		GROUP BY hour
		HAVING count() >= 10
		ORDER BY hour`,
		pct, b.exec.Table(warehouse.TableSpans), b.window())
	values := b.bucketValues(ctx, sql, "latency_ms", b.cfg.MinSamplesForBaseline, service)
	return computeStats(values)
}

func (b *BaselineComputer) throughputBaseline(ctx context.Context, service string) *Stats {
	sql := fmt.Sprintf(`
		SELECT
			toStartOfMinute(start_time) AS minute,
			count() AS requests
		FROM %s
		WHERE service_name = ?
		AND start_time > %s
		AND span_kind = 'SERVER'
		GROUP BY minute
		ORDER BY minute`,
		b.exec.Table(warehouse.TableSpans), b.window())
	values := b.bucketValues(ctx, sql, "requests", b.cfg.MinSamplesForBaseline, service)
	return computeStats(values)
}

// dbBaselines computes "db_<system>_latency" and "db_<system>_error_rate"
// baselines for every database system the service talks to.
func (b *BaselineComputer) dbBaselines(ctx context.Context, service string) map[string]*Stats {
	out := map[string]*Stats{}

	systemsSQL := fmt.Sprintf(`
		SELECT DISTINCT db_system
		FROM %s
		WHERE service_name = ?
		AND db_system != ''
		AND start_time > %s`,
		b.exec.Table(warehouse.TableSpans), b.window())
	rows, err := b.exec.Query(ctx, systemsSQL, service)
	if err != nil {
		b.log.Warn("db systems query failed", "service", service, "error", err)
		return out
	}

	for _, row := range rows {
		system := rowString(row, "db_system")
		if system == "" {
			continue
		}

		latencySQL := fmt.Sprintf(`
			SELECT
				toStartOfHour(start_time) AS hour,
				quantile(0.95)(duration_ns / 1e6) AS latency_p95
			FROM %s
			WHERE service_name = ?
			AND db_system = ?
			AND start_time > %s
			AND duration_ns > 0
			GROUP BY hour
			HAVING count() >= 5
			ORDER BY hour`,
			b.exec.Table(warehouse.TableSpans), b.window())
		if values := b.bucketValues(ctx, latencySQL, "latency_p95", b.cfg.MinSamplesForBaseline, service, system); values != nil {
			if s := computeStats(values); s != nil {
				out["db_"+system+"_latency"] = s
			}
		}

		errorSQL := fmt.Sprintf(`
			SELECT
				toStartOfHour(start_time) AS hour,
				countIf(status_code = 'ERROR') / count() AS error_rate
			FROM %s
			WHERE service_name = ?
			AND db_system = ?
			AND start_time > %s
			GROUP BY hour
			HAVING count() >= 5
			ORDER BY hour`,
			b.exec.Table(warehouse.TableSpans), b.window())
		if values := b.bucketValues(ctx, errorSQL, "error_rate", b.cfg.MinSamplesForBaseline, service, system); values != nil {
			if s := computeStats(values); s != nil {
				out["db_"+system+"_error_rate"] = s
			}
		}
	}
	return out
}

func (b *BaselineComputer) exceptionRateBaseline(ctx context.Context, service string) *Stats {
	sql := fmt.Sprintf(`
		SELECT
			toStartOfHour(timestamp) AS hour,
			count() AS exception_count
		FROM %s
		WHERE service_name = ?
		AND exception_type != ''
		AND timestamp > %s
		GROUP BY hour
		ORDER BY hour`,
		b.exec.Table(warehouse.TableSpanEvents), b.window())
	values := b.bucketValues(ctx, sql, "exception_count", b.cfg.MinSamplesForBaseline, service)
	return computeStats(values)
}

// dependencyBaselines computes "dep_<service>_latency" and
// "dep_<service>_error_rate" baselines for every downstream service,
// identified via parent/child span joins. Database spans are excluded;
// they are covered by the db baselines.
func (b *BaselineComputer) dependencyBaselines(ctx context.Context, service string) map[string]*Stats {
	out := map[string]*Stats{}

	spans := b.exec.Table(warehouse.TableSpans)
	depsSQL := fmt.Sprintf(`
		SELECT DISTINCT child.service_name AS dependency
		FROM %s AS parent
		INNER JOIN %s AS child
			ON parent.span_id = child.parent_span_id
			AND parent.trace_id = child.trace_id
		WHERE parent.service_name = ?
		AND child.service_name != ?
		AND child.service_name != ''
		AND child.db_system = ''
		AND parent.start_time > %s`,
		spans, spans, b.window())
	rows, err := b.exec.Query(ctx, depsSQL, service, service)
	if err != nil {
		b.log.Warn("dependency discovery failed", "service", service, "error", err)
		return out
	}

	for _, row := range rows {
		dep := rowString(row, "dependency")
		if dep == "" {
			continue
		}

		latencySQL := fmt.Sprintf(`
			SELECT
				toStartOfHour(child.start_time) AS hour,
				quantile(0.95)(child.duration_ns / 1e6) AS latency_p95
			FROM %s AS parent
			INNER JOIN %s AS child
				ON parent.span_id = child.parent_span_id
				AND parent.trace_id = child.trace_id
			WHERE parent.service_name = ?
			AND child.service_name = ?
			AND parent.start_time > %s
			AND child.duration_ns > 0
			GROUP BY hour
			HAVING count() >= 5
			ORDER BY hour`,
			spans, spans, b.window())
		if values := b.bucketValues(ctx, latencySQL, "latency_p95", b.cfg.MinSamplesForBaseline, service, dep); values != nil {
			if s := computeStats(values); s != nil {
				out["dep_"+dep+"_latency"] = s
			}
		}

		errorSQL := fmt.Sprintf(`
			SELECT
				toStartOfHour(child.start_time) AS hour,
				countIf(child.status_code = 'ERROR') / count() AS error_rate
			FROM %s AS parent
			INNER JOIN %s AS child
				ON parent.span_id = child.parent_span_id
				AND parent.trace_id = child.trace_id
			WHERE parent.service_name = ?
			AND child.service_name = ?
			AND parent.start_time > %s
			GROUP BY hour
			HAVING count() >= 5
			ORDER BY hour`,
			spans, spans, b.window())
		if values := b.bucketValues(ctx, errorSQL, "error_rate", b.cfg.MinSamplesForBaseline, service, dep); values != nil {
			if s := computeStats(values); s != nil {
				out["dep_"+dep+"_error_rate"] = s
			}
		}
	}
	return out
}

func (b *BaselineComputer) computeKnownExceptionTypes(ctx context.Context) {
	sql := fmt.Sprintf(`
		SELECT service_name, exception_type, count() AS cnt
		FROM %s
		WHERE exception_type != ''
		AND timestamp > %s
		GROUP BY service_name, exception_type
		HAVING count() >= 3`,
		b.exec.Table(warehouse.TableSpanEvents), b.window())
	rows, err := b.exec.Query(ctx, sql)
	if err != nil {
		b.log.Warn("known exception types query failed", "error", err)
		return
	}

	known := map[string]map[string]struct{}{}
	total := 0
	for _, row := range rows {
		service := rowString(row, "service_name")
		excType := rowString(row, "exception_type")
		if service == "" || excType == "" {
			continue
		}
		if known[service] == nil {
			known[service] = map[string]struct{}{}
		}
		known[service][excType] = struct{}{}
		total++
	}
	b.knownExceptions = known
	b.log.Info("tracked known exception types", "types", total, "services", len(known))
}

func (b *BaselineComputer) storeBaseline(ctx context.Context, service, metricType string, s *Stats) {
	sql := fmt.Sprintf(`
		INSERT INTO %s (
			computed_at, service_name, metric_type,
			baseline_mean, baseline_stddev, baseline_min, baseline_max,
			baseline_p50, baseline_p95, baseline_p99,
			sample_count, window_hours
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.exec.Table(warehouse.TableServiceBaselines))
	err := b.exec.Exec(ctx, sql,
		time.Now().UTC(), service, metricType,
		s.Mean, s.StdDev, s.Min, s.Max,
		s.P50, s.P95, s.P99,
		int32(s.SampleCount), int32(b.cfg.BaselineWindowHours))
	if err != nil {
		b.log.Warn("could not persist baseline",
			"service", service, "metric_type", metricType, "error", err)
	}
}
