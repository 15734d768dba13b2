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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"DETECTION_INTERVAL", "BASELINE_INTERVAL", "BASELINE_WINDOW_HOURS",
		"ANOMALY_THRESHOLD", "ALERT_COOLDOWN_MINUTES", "ROOT_CAUSE_ENABLED",
		"ROOT_CAUSE_THRESHOLDS", "ADAPTIVE_THRESHOLDS", "OPENAI_API_KEY",
		"INVESTIGATION_MODEL", "INVESTIGATE_CRITICAL_ONLY",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()
	assert.Equal(t, 60*time.Second, cfg.DetectionInterval)
	assert.Equal(t, time.Hour, cfg.BaselineInterval)
	assert.Equal(t, 24, cfg.BaselineWindowHours)
	assert.Equal(t, 3.0, cfg.ZScoreThreshold)
	assert.Equal(t, 0.05, cfg.ErrorRateWarning)
	assert.Equal(t, 0.20, cfg.ErrorRateCritical)
	assert.Equal(t, 10, cfg.MinSamplesForBaseline)
	assert.Equal(t, 15*time.Minute, cfg.AlertCooldown)
	assert.True(t, cfg.RootCauseEnabled)
	assert.Equal(t, "db_error:0.8,dependency_error:0.9", cfg.ThresholdMultipliers)
	assert.True(t, cfg.AdaptiveThresholdsEnabled)
	assert.Equal(t, "gpt-4o-mini", cfg.InvestigationModel)
	assert.Equal(t, 5, cfg.MaxInvestigationsPerHour)
	assert.Equal(t, 30*time.Minute, cfg.InvestigationCooldown)
	assert.False(t, cfg.InvestigateCriticalOnly)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DETECTION_INTERVAL", "30")
	t.Setenv("ANOMALY_THRESHOLD", "2.5")
	t.Setenv("ALERT_COOLDOWN_MINUTES", "45")
	t.Setenv("ROOT_CAUSE_ENABLED", "false")
	t.Setenv("INVESTIGATE_CRITICAL_ONLY", "true")
	t.Setenv("ROOT_CAUSE_TYPES", "db_error,exception_surge")

	cfg := LoadConfig()
	assert.Equal(t, 30*time.Second, cfg.DetectionInterval)
	assert.Equal(t, 2.5, cfg.ZScoreThreshold)
	assert.Equal(t, 45*time.Minute, cfg.AlertCooldown)
	assert.False(t, cfg.RootCauseEnabled)
	assert.True(t, cfg.InvestigateCriticalOnly)
	assert.Equal(t, "db_error,exception_surge", cfg.RootCauseTypes)
}

func TestLoadConfigIgnoresGarbage(t *testing.T) {
	t.Setenv("DETECTION_INTERVAL", "-5")
	t.Setenv("ANOMALY_THRESHOLD", "notanumber")
	t.Setenv("BASELINE_WINDOW_HOURS", "2.5")

	cfg := LoadConfig()
	assert.Equal(t, 60*time.Second, cfg.DetectionInterval)
	assert.Equal(t, 3.0, cfg.ZScoreThreshold)
	assert.Equal(t, 24, cfg.BaselineWindowHours)
}
