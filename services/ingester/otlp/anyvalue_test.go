// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package otlp

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSafeInt64(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want int64
	}{
		{"nil", nil, 0},
		{"string int", "1759160000000000000", 1759160000000000000},
		{"string float", "42.9", 42},
		{"garbage string", "not-a-number", 0},
		{"float64", float64(200), 200},
		{"json number", json.Number("1759160000000000123"), 1759160000000000123},
		{"bool true", true, 1},
		{"native int64", int64(-7), -7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SafeInt64(tc.in); got != tc.want {
				t.Errorf("SafeInt64(%v) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestSafeFloat(t *testing.T) {
	if got := SafeFloat("0.125"); got != 0.125 {
		t.Errorf("SafeFloat string = %v, want 0.125", got)
	}
	if got := SafeFloat(json.Number("3.5")); got != 3.5 {
		t.Errorf("SafeFloat json.Number = %v, want 3.5", got)
	}
	if got := SafeFloat("bogus"); got != 0 {
		t.Errorf("SafeFloat garbage = %v, want 0", got)
	}
}

func TestNanosToTime(t *testing.T) {
	t.Run("string nanos preserve precision", func(t *testing.T) {
		got := NanosToTime("1759160000123456789")
		want := time.Unix(0, 1759160000123456789).UTC()
		if !got.Equal(want) {
			t.Errorf("NanosToTime = %v, want %v", got, want)
		}
	})

	t.Run("missing timestamp maps to epoch", func(t *testing.T) {
		if got := NanosToTime(nil); !got.Equal(time.Unix(0, 0).UTC()) {
			t.Errorf("NanosToTime(nil) = %v, want epoch", got)
		}
	})
}

func TestExtractAnyValue(t *testing.T) {
	t.Run("scalar variants", func(t *testing.T) {
		if got := ExtractAnyValue(map[string]any{"stringValue": "checkout"}); got != "checkout" {
			t.Errorf("stringValue = %v", got)
		}
		if got := ExtractAnyValue(map[string]any{"intValue": "42"}); got != int64(42) {
			t.Errorf("intValue = %v (%T)", got, got)
		}
		if got := ExtractAnyValue(map[string]any{"doubleValue": 1.5}); got != 1.5 {
			t.Errorf("doubleValue = %v", got)
		}
		if got := ExtractAnyValue(map[string]any{"boolValue": true}); got != true {
			t.Errorf("boolValue = %v", got)
		}
	})

	t.Run("nested array and kvlist", func(t *testing.T) {
		in := map[string]any{
			"kvlistValue": map[string]any{
				"values": []any{
					map[string]any{"key": "retries", "value": map[string]any{"intValue": "3"}},
					map[string]any{"key": "hosts", "value": map[string]any{
						"arrayValue": map[string]any{"values": []any{
							map[string]any{"stringValue": "a"},
							map[string]any{"stringValue": "b"},
						}},
					}},
				},
			},
		}
		got, ok := ExtractAnyValue(in).(map[string]any)
		if !ok {
			t.Fatalf("kvlist did not extract to map: %v", got)
		}
		if got["retries"] != int64(3) {
			t.Errorf("retries = %v", got["retries"])
		}
		hosts, ok := got["hosts"].([]any)
		if !ok || len(hosts) != 2 || hosts[1] != "b" {
			t.Errorf("hosts = %v", got["hosts"])
		}
	})

	t.Run("empty union is nil", func(t *testing.T) {
		if got := ExtractAnyValue(map[string]any{}); got != nil {
			t.Errorf("empty union = %v, want nil", got)
		}
	})
}

func TestFlattenAttributes(t *testing.T) {
	t.Run("keys sorted and scalars rendered", func(t *testing.T) {
		got := FlattenAttributes(map[string]any{
			"zone":    "us-east",
			"attempt": int64(2),
			"ok":      true,
		})
		want := "attempt=2,ok=true,zone=us-east"
		if got != want {
			t.Errorf("FlattenAttributes = %q, want %q", got, want)
		}
	})

	t.Run("non-scalar values JSON encoded inline", func(t *testing.T) {
		got := FlattenAttributes(map[string]any{"hosts": []any{"a", "b"}})
		if got != `hosts=["a","b"]` {
			t.Errorf("FlattenAttributes = %q", got)
		}
	})

	t.Run("empty map", func(t *testing.T) {
		if got := FlattenAttributes(nil); got != "" {
			t.Errorf("FlattenAttributes(nil) = %q", got)
		}
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		attrs := map[string]any{"b": "2", "a": "1", "c": "3"}
		first := FlattenAttributes(attrs)
		for i := 0; i < 20; i++ {
			if got := FlattenAttributes(attrs); got != first {
				t.Fatalf("iteration %d produced %q, first was %q", i, got, first)
			}
		}
	})
}
