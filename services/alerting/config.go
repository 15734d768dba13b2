// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package alerting implements the predictive alert engine: statistical
// baselines over recent telemetry, Z-score anomaly detection, root cause
// checks (database, dependency, exception patterns), alert lifecycle
// management, and optional LLM-driven investigation of new alerts.
package alerting

import (
	"os"
	"strconv"
	"time"
)

// Config holds the alert engine settings, read from the environment.
type Config struct {
	// DetectionInterval is the pause between detection sweeps.
	DetectionInterval time.Duration

	// BaselineInterval is how often baselines are recomputed.
	BaselineInterval time.Duration

	// BaselineWindowHours is the lookback window for baselines.
	BaselineWindowHours int

	// ZScoreThreshold is the base Z-score for a warning anomaly;
	// critical fires at 1.5x this value.
	ZScoreThreshold float64

	// ErrorRateWarning and ErrorRateCritical are absolute error-rate
	// floors that alert regardless of the baseline.
	ErrorRateWarning  float64
	ErrorRateCritical float64

	// MinSamplesForBaseline is the minimum bucket count for a usable
	// baseline.
	MinSamplesForBaseline int

	// AlertCooldown suppresses re-creation of an alert after its
	// predecessor resolved.
	AlertCooldown time.Duration

	// Root cause detection.
	RootCauseEnabled     bool
	RootCauseTypes       string // comma-separated; empty enables all
	ThresholdMultipliers string // "category:mult,..." relative to base

	// Adaptive threshold learning.
	AdaptiveThresholdsEnabled   bool
	AdaptiveThresholdAdjustment float64

	// LLM investigation.
	OpenAIAPIKey             string
	InvestigationModel       string
	InvestigationMaxTokens   int
	MaxInvestigationsPerHour int
	InvestigationCooldown    time.Duration
	InvestigateCriticalOnly  bool
}

// LoadConfig reads the alert engine configuration from the environment.
// There are no required settings here; the warehouse connection is
// validated separately.
func LoadConfig() Config {
	return Config{
		DetectionInterval:     envDurationSeconds("DETECTION_INTERVAL", 60*time.Second),
		BaselineInterval:      envDurationSeconds("BASELINE_INTERVAL", time.Hour),
		BaselineWindowHours:   envInt("BASELINE_WINDOW_HOURS", 24),
		ZScoreThreshold:       envFloat("ANOMALY_THRESHOLD", 3.0),
		ErrorRateWarning:      envFloat("ERROR_RATE_WARNING", 0.05),
		ErrorRateCritical:     envFloat("ERROR_RATE_CRITICAL", 0.20),
		MinSamplesForBaseline: envInt("MIN_SAMPLES_FOR_BASELINE", 10),
		AlertCooldown:         envDurationMinutes("ALERT_COOLDOWN_MINUTES", 15*time.Minute),

		RootCauseEnabled:     envBool("ROOT_CAUSE_ENABLED", true),
		RootCauseTypes:       os.Getenv("ROOT_CAUSE_TYPES"),
		ThresholdMultipliers: envOr("ROOT_CAUSE_THRESHOLDS", "db_error:0.8,dependency_error:0.9"),

		AdaptiveThresholdsEnabled:   envBool("ADAPTIVE_THRESHOLDS", true),
		AdaptiveThresholdAdjustment: envFloat("ADAPTIVE_THRESHOLD_ADJUSTMENT", 0.1),

		OpenAIAPIKey:             os.Getenv("OPENAI_API_KEY"),
		InvestigationModel:       envOr("INVESTIGATION_MODEL", "gpt-4o-mini"),
		InvestigationMaxTokens:   envInt("INVESTIGATION_MAX_TOKENS", 1000),
		MaxInvestigationsPerHour: envInt("MAX_INVESTIGATIONS_PER_HOUR", 5),
		InvestigationCooldown:    envDurationMinutes("INVESTIGATION_SERVICE_COOLDOWN_MINUTES", 30*time.Minute),
		InvestigateCriticalOnly:  envBool("INVESTIGATE_CRITICAL_ONLY", false),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "TRUE" || v == "1"
	}
	return fallback
}

func envDurationSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func envDurationMinutes(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Minute
		}
	}
	return fallback
}
