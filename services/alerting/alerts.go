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
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/watchtower/pkg/logging"
	"github.com/AleutianAI/watchtower/services/warehouse"
)

// ActiveAlert is the in-memory record of an open alert, keyed by
// (service, alert type, metric type) for deduplication.
type ActiveAlert struct {
	AlertID     string
	Service     string
	AlertType   string
	MetricType  string
	Severity    string
	Description string
}

// Manager owns the alert lifecycle: deduplicated creation, refresh of
// open alerts, cooldown after resolution, and auto-resolve when the
// condition clears.
//
// Not safe for concurrent use; the service loop owns it.
type Manager struct {
	exec Executor
	cfg  Config
	log  *logging.Logger

	active map[string]ActiveAlert
}

// NewManager creates a manager and warm-starts the dedup cache from
// alerts still active in the warehouse, so a restart does not duplicate
// open alerts.
func NewManager(ctx context.Context, exec Executor, cfg Config, log *logging.Logger) *Manager {
	m := &Manager{
		exec:   exec,
		cfg:    cfg,
		log:    log,
		active: map[string]ActiveAlert{},
	}
	m.loadActive(ctx)
	return m
}

func (m *Manager) loadActive(ctx context.Context) {
	sql := fmt.Sprintf(`
		SELECT alert_id, service_name, alert_type, metric_type, severity, description
		FROM %s
		WHERE status = '%s'`,
		m.exec.Table(warehouse.TableAlerts), StatusActive)
	rows, err := m.exec.Query(ctx, sql)
	if err != nil {
		m.log.Warn("could not load active alerts", "error", err)
		return
	}
	for _, row := range rows {
		alert := ActiveAlert{
			AlertID:     rowString(row, "alert_id"),
			Service:     rowString(row, "service_name"),
			AlertType:   rowString(row, "alert_type"),
			MetricType:  rowString(row, "metric_type"),
			Severity:    rowString(row, "severity"),
			Description: rowString(row, "description"),
		}
		m.active[alertKey(alert.Service, alert.AlertType, alert.MetricType)] = alert
	}
	m.log.Info("loaded active alerts", "count", len(m.active))
}

func alertKey(service, alertType, metricType string) string {
	return service + ":" + alertType + ":" + metricType
}

// ProcessAnomalies turns detected anomalies into alert state changes and
// returns the counts plus the newly created alerts (candidates for
// investigation).
func (m *Manager) ProcessAnomalies(ctx context.Context, anomalies []Anomaly) (created, updated, resolved int, newAlerts []ActiveAlert) {
	seen := map[string]struct{}{}

	for _, anomaly := range anomalies {
		key := alertKey(anomaly.Service, string(anomaly.AlertType), anomaly.MetricType)
		seen[key] = struct{}{}

		if existing, ok := m.active[key]; ok {
			m.refreshAlert(ctx, existing, anomaly)
			updated++
			continue
		}
		if m.inCooldown(ctx, anomaly.Service, string(anomaly.AlertType), anomaly.MetricType) {
			continue
		}
		if alert, ok := m.createAlert(ctx, anomaly); ok {
			newAlerts = append(newAlerts, alert)
			created++
		}
	}

	resolved = m.autoResolve(ctx, seen)

	if created+updated+resolved > 0 {
		m.log.Info("alert sweep",
			"created", created, "updated", updated, "auto_resolved", resolved)
	}
	return created, updated, resolved, newAlerts
}

// inCooldown reports whether an alert with the same identity resolved
// recently. Archived alerts count the same as resolved ones.
func (m *Manager) inCooldown(ctx context.Context, service, alertType, metricType string) bool {
	sql := fmt.Sprintf(`
		SELECT alert_id
		FROM %s
		WHERE service_name = ?
		AND alert_type = ?
		AND metric_type = ?
		AND status IN ('resolved', 'archived')
		AND resolved_at > now() - INTERVAL %d MINUTE
		ORDER BY resolved_at DESC
		LIMIT 1`,
		m.exec.Table(warehouse.TableAlerts), int(m.cfg.AlertCooldown.Minutes()))
	rows, err := m.exec.Query(ctx, sql, service, alertType, metricType)
	if err != nil {
		m.log.Warn("cooldown check failed", "service", service, "error", err)
		return false
	}
	return len(rows) > 0
}

func (m *Manager) createAlert(ctx context.Context, anomaly Anomaly) (ActiveAlert, bool) {
	alertID := uuid.NewString()[:8]
	now := time.Now().UTC()
	title := alertTitle(string(anomaly.AlertType), anomaly.Service)

	sql := fmt.Sprintf(`
		INSERT INTO %s (
			alert_id, created_at, updated_at, service_name,
			alert_type, severity, title, description,
			metric_type, current_value, threshold_value, baseline_value,
			z_score, status, resolved_at, auto_resolved
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		m.exec.Table(warehouse.TableAlerts))
	err := m.exec.Exec(ctx, sql,
		alertID, now, now, anomaly.Service,
		string(anomaly.AlertType), string(anomaly.Severity), title, anomaly.Message,
		anomaly.MetricType, anomaly.CurrentValue, 0.0, anomaly.BaselineValue,
		anomaly.ZScore, StatusActive, false)
	if err != nil {
		m.log.Error("could not create alert",
			"service", anomaly.Service, "alert_type", anomaly.AlertType, "error", err)
		return ActiveAlert{}, false
	}

	alert := ActiveAlert{
		AlertID:     alertID,
		Service:     anomaly.Service,
		AlertType:   string(anomaly.AlertType),
		MetricType:  anomaly.MetricType,
		Severity:    string(anomaly.Severity),
		Description: anomaly.Message,
	}
	m.active[alertKey(alert.Service, alert.AlertType, alert.MetricType)] = alert
	m.log.Info("alert created",
		"alert_id", alertID, "severity", anomaly.Severity, "title", title,
		"description", anomaly.Message)
	return alert, true
}

func (m *Manager) refreshAlert(ctx context.Context, alert ActiveAlert, anomaly Anomaly) {
	sql := fmt.Sprintf(`
		ALTER TABLE %s
		UPDATE updated_at = ?, current_value = ?, z_score = ?, severity = ?
		WHERE alert_id = ?`,
		m.exec.Table(warehouse.TableAlerts))
	err := m.exec.Exec(ctx, sql,
		time.Now().UTC(), anomaly.CurrentValue, anomaly.ZScore,
		string(anomaly.Severity), alert.AlertID)
	if err != nil {
		m.log.Warn("could not refresh alert", "alert_id", alert.AlertID, "error", err)
	}
}

// autoResolve closes every active alert whose condition was not seen in
// this sweep.
func (m *Manager) autoResolve(ctx context.Context, seen map[string]struct{}) int {
	resolved := 0
	for key, alert := range m.active {
		if _, stillFiring := seen[key]; stillFiring {
			continue
		}
		sql := fmt.Sprintf(`
			ALTER TABLE %s
			UPDATE status = ?, resolved_at = ?, auto_resolved = true
			WHERE alert_id = ?`,
			m.exec.Table(warehouse.TableAlerts))
		err := m.exec.Exec(ctx, sql, StatusResolved, time.Now().UTC(), alert.AlertID)
		if err != nil {
			m.log.Warn("could not auto-resolve alert", "alert_id", alert.AlertID, "error", err)
			continue
		}
		delete(m.active, key)
		resolved++
		m.log.Info("alert auto-resolved",
			"alert_id", alert.AlertID, "service", alert.Service, "alert_type", alert.AlertType)
	}
	return resolved
}

// ActiveCount reports the number of open alerts in the dedup cache.
func (m *Manager) ActiveCount() int {
	return len(m.active)
}

// alertTitle renders "db_slow_queries" + "checkout" as
// "Db Slow Queries - checkout".
func alertTitle(alertType, service string) string {
	words := strings.Split(alertType, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ") + " - " + service
}
