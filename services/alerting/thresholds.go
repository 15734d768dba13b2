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
	"strconv"
	"strings"

	"github.com/AleutianAI/watchtower/pkg/logging"
	"github.com/AleutianAI/watchtower/services/warehouse"
)

// ThresholdManager resolves the effective Z-score threshold per root
// cause category and adapts it from alert history.
//
// Categories: db_latency, db_error, dependency_latency,
// dependency_error, exception_surge, new_exception.
//
// Learning: categories whose alerts mostly auto-resolve are loosened
// (threshold raised); categories whose alerts persist and get
// investigated with findings are tightened slightly.
type ThresholdManager struct {
	cfg  Config
	base float64

	multipliers map[string]float64
	enabled     map[string]struct{} // empty means all categories enabled

	// Learned additive adjustments, clamped to [-1, 1].
	adjustments map[string]float64
}

// NewThresholdManager parses the configured multipliers and enabled
// category list.
func NewThresholdManager(cfg Config) *ThresholdManager {
	return &ThresholdManager{
		cfg:         cfg,
		base:        cfg.ZScoreThreshold,
		multipliers: parseMultipliers(cfg.ThresholdMultipliers),
		enabled:     parseEnabledTypes(cfg.RootCauseTypes),
		adjustments: map[string]float64{},
	}
}

// parseMultipliers parses "category:mult,category:mult". Malformed pairs
// are ignored.
func parseMultipliers(s string) map[string]float64 {
	out := map[string]float64{}
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			out[strings.TrimSpace(key)] = f
		}
	}
	return out
}

func parseEnabledTypes(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[t] = struct{}{}
		}
	}
	return out
}

// Enabled reports whether a root cause category should be checked.
func (m *ThresholdManager) Enabled(category string) bool {
	if !m.cfg.RootCauseEnabled {
		return false
	}
	if len(m.enabled) == 0 {
		return true
	}
	_, ok := m.enabled[category]
	return ok
}

// Threshold returns the effective Z-score threshold for a category:
// base threshold times the configured multiplier (exact key first, then
// prefix/substring match), plus the learned adjustment, floored at 1.0.
func (m *ThresholdManager) Threshold(category string) float64 {
	threshold := m.base

	if mult, ok := m.multipliers[category]; ok {
		threshold *= mult
	} else {
		for key, mult := range m.multipliers {
			if strings.HasPrefix(category, key) || strings.Contains(category, key) {
				threshold *= mult
				break
			}
		}
	}

	if m.cfg.AdaptiveThresholdsEnabled {
		threshold += m.adjustments[category]
	}

	if threshold < 1.0 {
		return 1.0
	}
	return threshold
}

// LearnFromHistory adjusts per-category thresholds from the last seven
// days of alerts. Query failures are logged and leave adjustments
// unchanged.
func (m *ThresholdManager) LearnFromHistory(ctx context.Context, exec Executor, log *logging.Logger) {
	if !m.cfg.AdaptiveThresholdsEnabled {
		return
	}

	sql := fmt.Sprintf(`
		SELECT
			alert_type,
			metric_type,
			count() AS total_alerts,
			countIf(auto_resolved = true) AS auto_resolved_count
		FROM %s
		WHERE created_at > now() - INTERVAL 7 DAY
		GROUP BY alert_type, metric_type
		HAVING count() >= 5`,
		exec.Table(warehouse.TableAlerts))
	rows, err := exec.Query(ctx, sql)
	if err != nil {
		log.Warn("could not analyze alert history", "error", err)
		return
	}

	for _, row := range rows {
		alertType := rowString(row, "alert_type")
		metricType := rowString(row, "metric_type")
		total := rowInt(row, "total_alerts")
		autoResolved := rowInt(row, "auto_resolved_count")
		if total < 5 {
			continue
		}

		category := metricCategory(alertType, metricType)
		if category == "" {
			continue
		}
		autoResolveRate := float64(autoResolved) / float64(total)

		switch {
		case autoResolveRate > 0.7:
			// Mostly self-clearing alerts look like false positives.
			m.adjustments[category] += m.cfg.AdaptiveThresholdAdjustment
			log.Info("loosening threshold",
				"category", category, "auto_resolve_rate", autoResolveRate)

		case autoResolveRate < 0.3 && total > 20:
			invSQL := fmt.Sprintf(`
				SELECT count() AS investigated
				FROM %s
				WHERE alert_type = ?
				AND investigated_at > now() - INTERVAL 7 DAY
				AND root_cause_summary != ''`,
				exec.Table(warehouse.TableAlertInvestigations))
			invRows, err := exec.Query(ctx, invSQL, alertType)
			if err != nil {
				log.Warn("could not count investigations", "alert_type", alertType, "error", err)
				continue
			}
			var investigated int64
			if len(invRows) > 0 {
				investigated = rowInt(invRows[0], "investigated")
			}
			if float64(investigated) > float64(total)*0.3 {
				m.adjustments[category] -= m.cfg.AdaptiveThresholdAdjustment * 0.5
				log.Info("tightening threshold", "category", category)
			}
		}
	}

	for category, adj := range m.adjustments {
		if adj > 1.0 {
			m.adjustments[category] = 1.0
		} else if adj < -1.0 {
			m.adjustments[category] = -1.0
		}
	}
}

// metricCategory maps an alert/metric pair onto a threshold category.
func metricCategory(alertType, metricType string) string {
	at := strings.ToLower(alertType)
	mt := strings.ToLower(metricType)
	switch {
	case strings.Contains(at, "db_") || strings.HasPrefix(mt, "db_"):
		if strings.Contains(mt, "latency") {
			return "db_latency"
		}
		if strings.Contains(mt, "error") {
			return "db_error"
		}
	case strings.Contains(at, "dependency") || strings.HasPrefix(mt, "dep_"):
		if strings.Contains(mt, "latency") {
			return "dependency_latency"
		}
		if strings.Contains(mt, "error") || strings.Contains(mt, "rate") {
			return "dependency_error"
		}
	case strings.Contains(at, "exception"):
		if strings.Contains(at, "new_exception") {
			return "new_exception"
		}
		return "exception_surge"
	}
	return ""
}
