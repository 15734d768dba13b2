// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"DEBUG":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
		"VERBOSE": LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelString(t *testing.T) {
	if LevelWarn.String() != "WARN" {
		t.Errorf("LevelWarn.String() = %q, want WARN", LevelWarn.String())
	}
	if Level(99).String() != "UNKNOWN" {
		t.Errorf("Level(99).String() = %q, want UNKNOWN", Level(99).String())
	}
}

func TestFileLogging(t *testing.T) {
	t.Run("writes JSON entries with service attribute", func(t *testing.T) {
		dir := t.TempDir()
		logger := New(Config{
			Level:   LevelInfo,
			LogDir:  dir,
			Service: "ingester",
			Quiet:   true,
		})

		logger.Info("flush complete", "table", "spans", "rows", 7)
		if err := logger.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		name := "ingester_" + time.Now().UTC().Format("2006-01-02") + ".log"
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read log file: %v", err)
		}

		var entry map[string]any
		if err := json.Unmarshal(data[:strings.IndexByte(string(data), '\n')], &entry); err != nil {
			t.Fatalf("log entry is not JSON: %v", err)
		}
		if entry["service"] != "ingester" {
			t.Errorf("service attr = %v, want ingester", entry["service"])
		}
		if entry["table"] != "spans" {
			t.Errorf("table attr = %v, want spans", entry["table"])
		}
	})

	t.Run("level filtering drops debug", func(t *testing.T) {
		dir := t.TempDir()
		logger := New(Config{Level: LevelWarn, LogDir: dir, Service: "alerts", Quiet: true})
		logger.Debug("should not appear")
		logger.Warn("should appear")
		logger.Close()

		name := "alerts_" + time.Now().UTC().Format("2006-01-02") + ".log"
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read log file: %v", err)
		}
		if strings.Contains(string(data), "should not appear") {
			t.Error("debug entry was not filtered")
		}
		if !strings.Contains(string(data), "should appear") {
			t.Error("warn entry missing")
		}
	})
}

func TestCloseIdempotent(t *testing.T) {
	logger := New(Config{Quiet: true})
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
