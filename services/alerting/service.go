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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/watchtower/pkg/logging"
)

// Metrics tracks detection loop health.
type Metrics struct {
	Sweeps            prometheus.Counter
	AnomaliesDetected prometheus.Counter
	AlertsCreated     prometheus.Counter
	AlertsResolved    prometheus.Counter
	Investigations    prometheus.Counter
	ActiveAlerts      prometheus.Gauge
}

// NewMetrics creates and registers the detection metrics on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_alerts_sweeps_total",
			Help: "Detection sweeps completed.",
		}),
		AnomaliesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_alerts_anomalies_total",
			Help: "Anomalies detected across all sweeps.",
		}),
		AlertsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_alerts_created_total",
			Help: "Alerts created.",
		}),
		AlertsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_alerts_auto_resolved_total",
			Help: "Alerts auto-resolved after their condition cleared.",
		}),
		Investigations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_alerts_investigations_total",
			Help: "LLM investigations completed.",
		}),
		ActiveAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "watchtower_alerts_active",
			Help: "Currently open alerts.",
		}),
	}
	reg.MustRegister(m.Sweeps, m.AnomaliesDetected, m.AlertsCreated,
		m.AlertsResolved, m.Investigations, m.ActiveAlerts)
	return m
}

// Service orchestrates baselines, detection, alert lifecycle, and
// investigation on a fixed cadence.
type Service struct {
	cfg          Config
	log          *logging.Logger
	baselines    *BaselineComputer
	detector     *Detector
	manager      *Manager
	investigator *Investigator
	metrics      *Metrics

	lastBaselineUpdate time.Time
}

// NewService wires the engine components against one warehouse
// executor.
func NewService(ctx context.Context, exec Executor, cfg Config, metrics *Metrics, log *logging.Logger) *Service {
	baselines := NewBaselineComputer(exec, cfg, log)
	return &Service{
		cfg:          cfg,
		log:          log,
		baselines:    baselines,
		detector:     NewDetector(exec, cfg, baselines, log),
		manager:      NewManager(ctx, exec, cfg, log),
		investigator: NewInvestigator(exec, cfg, log),
		metrics:      metrics,
	}
}

// Run computes the initial baselines and then sweeps until ctx is
// cancelled. Each sweep sleeps for the remainder of the detection
// interval after its own work time.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("alert engine starting",
		"detection_interval", s.cfg.DetectionInterval.String(),
		"baseline_interval", s.cfg.BaselineInterval.String(),
		"baseline_window_hours", s.cfg.BaselineWindowHours,
		"zscore_threshold", s.cfg.ZScoreThreshold,
		"root_cause_enabled", s.cfg.RootCauseEnabled,
		"adaptive_thresholds", s.cfg.AdaptiveThresholdsEnabled)

	s.baselines.ComputeAll(ctx)
	s.lastBaselineUpdate = time.Now()
	if s.cfg.AdaptiveThresholdsEnabled {
		s.detector.Thresholds().LearnFromHistory(ctx, s.detector.exec, s.log)
	}

	for ctx.Err() == nil {
		sweepStart := time.Now()
		s.sweep(ctx)
		s.metrics.Sweeps.Inc()

		// Absorb sweep time so the cadence stays near the interval.
		sleep := s.cfg.DetectionInterval - time.Since(sweepStart)
		if sleep > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(sleep):
			}
		}
	}

	s.log.Info("alert engine stopped")
	return nil
}

func (s *Service) sweep(ctx context.Context) {
	if time.Since(s.lastBaselineUpdate) > s.cfg.BaselineInterval {
		s.log.Info("refreshing baselines")
		s.baselines.ComputeAll(ctx)
		s.lastBaselineUpdate = time.Now()
		if s.cfg.AdaptiveThresholdsEnabled {
			s.detector.Thresholds().LearnFromHistory(ctx, s.detector.exec, s.log)
		}
	}

	anomalies := s.detector.DetectAll(ctx)
	s.metrics.AnomaliesDetected.Add(float64(len(anomalies)))

	created, _, resolved, newAlerts := s.manager.ProcessAnomalies(ctx, anomalies)
	s.metrics.AlertsCreated.Add(float64(created))
	s.metrics.AlertsResolved.Add(float64(resolved))
	s.metrics.ActiveAlerts.Set(float64(s.manager.ActiveCount()))

	for _, alert := range newAlerts {
		if result := s.investigator.Investigate(ctx, alert); result != nil {
			s.metrics.Investigations.Inc()
		}
	}
}
