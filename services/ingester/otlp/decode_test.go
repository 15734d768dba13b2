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
	"strings"
	"testing"
	"time"
)

const logsPayload = `{
  "resourceLogs": [{
    "resource": {"attributes": [
      {"key": "service.name", "value": {"stringValue": "checkout"}},
      {"key": "deployment.environment", "value": {"stringValue": "prod"}}
    ]},
    "scopeLogs": [{
      "scope": {"name": "github.com/acme/checkout", "version": "1.2.0"},
      "logRecords": [
        {
          "timeUnixNano": "1759160000000000000",
          "severityNumber": 17,
          "severityText": "ERROR",
          "body": {"stringValue": "payment declined"},
          "traceId": "abc123",
          "spanId": "def456",
          "attributes": [
            {"key": "deployment.environment", "value": {"stringValue": "staging"}},
            {"key": "order.id", "value": {"intValue": "991"}}
          ]
        },
        {
          "observedTimeUnixNano": "1759160001000000000",
          "body": {"kvlistValue": {"values": [
            {"key": "code", "value": {"intValue": "402"}}
          ]}}
        }
      ]
    }]
  }]
}`

func TestParseLogs(t *testing.T) {
	rows, err := ParseLogs([]byte(logsPayload))
	if err != nil {
		t.Fatalf("ParseLogs: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	t.Run("first record fully populated", func(t *testing.T) {
		r := rows[0]
		if r.ServiceName != "checkout" {
			t.Errorf("service = %q", r.ServiceName)
		}
		if !r.Timestamp.Equal(time.Unix(0, 1759160000000000000).UTC()) {
			t.Errorf("timestamp = %v", r.Timestamp)
		}
		if r.SeverityNumber != 17 || r.SeverityText != "ERROR" {
			t.Errorf("severity = %d/%q", r.SeverityNumber, r.SeverityText)
		}
		if r.BodyText != "payment declined" {
			t.Errorf("body = %q", r.BodyText)
		}
		if r.TraceID != "abc123" || r.SpanID != "def456" {
			t.Errorf("trace/span = %q/%q", r.TraceID, r.SpanID)
		}

		var attrs map[string]any
		if err := json.Unmarshal([]byte(r.AttributesJSON), &attrs); err != nil {
			t.Fatalf("attributes not JSON: %v", err)
		}
		// Record attributes win over resource attributes.
		if attrs["deployment.environment"] != "staging" {
			t.Errorf("deployment.environment = %v", attrs["deployment.environment"])
		}
		if attrs["order.id"] != float64(991) {
			t.Errorf("order.id = %v", attrs["order.id"])
		}
		if attrs["otel.scope.name"] != "github.com/acme/checkout" {
			t.Errorf("otel.scope.name = %v", attrs["otel.scope.name"])
		}
		if _, present := attrs["service.name"]; present {
			t.Error("service.name should be promoted out of attributes")
		}
	})

	t.Run("non-string body JSON encoded, observed time used", func(t *testing.T) {
		r := rows[1]
		if !r.Timestamp.Equal(time.Unix(0, 1759160001000000000).UTC()) {
			t.Errorf("timestamp = %v", r.Timestamp)
		}
		if !strings.Contains(r.BodyText, `"code":402`) {
			t.Errorf("body = %q, want JSON with code", r.BodyText)
		}
	})
}

const metricsPayload = `{
  "resourceMetrics": [{
    "resource": {"attributes": [
      {"key": "service.name", "value": {"stringValue": "orders"}},
      {"key": "host", "value": {"stringValue": "node-1"}}
    ]},
    "scopeMetrics": [{
      "metrics": [
        {
          "name": "queue.depth",
          "unit": "1",
          "gauge": {"dataPoints": [
            {"timeUnixNano": "1759160000000000000", "asInt": "17",
             "attributes": [{"key": "host", "value": {"stringValue": "node-2"}}]}
          ]}
        },
        {
          "name": "http.server.duration",
          "unit": "ms",
          "histogram": {"dataPoints": [
            {"timeUnixNano": "1759160000000000000", "count": "5", "sum": 120.5,
             "min": 3.0, "max": 88.0, "attributes": []}
          ]}
        },
        {
          "name": "rpc.latency",
          "unit": "ms",
          "summary": {"dataPoints": [
            {"timeUnixNano": "1759160000000000000", "count": "9", "sum": 41.0,
             "quantileValues": [
               {"quantile": 0.5, "value": 4.0},
               {"quantile": 0.95, "value": 9.5}
             ]}
          ]}
        }
      ]
    }]
  }]
}`

func TestParseMetrics(t *testing.T) {
	rows, err := ParseMetrics([]byte(metricsPayload))
	if err != nil {
		t.Fatalf("ParseMetrics: %v", err)
	}

	byName := map[string]float64{}
	for _, r := range rows {
		byName[r.MetricName] = r.ValueDouble
		if r.ServiceName != "orders" {
			t.Errorf("%s service = %q", r.MetricName, r.ServiceName)
		}
	}

	t.Run("gauge point with merged attributes", func(t *testing.T) {
		if byName["queue.depth"] != 17 {
			t.Errorf("queue.depth = %v", byName["queue.depth"])
		}
		for _, r := range rows {
			if r.MetricName == "queue.depth" {
				// Data-point attribute overrides the resource one.
				if r.AttributesFlat != "host=node-2" {
					t.Errorf("attributes_flat = %q", r.AttributesFlat)
				}
			}
		}
	})

	t.Run("histogram fan-out", func(t *testing.T) {
		want := map[string]float64{
			"http.server.duration.count": 5,
			"http.server.duration.sum":   120.5,
			"http.server.duration.min":   3.0,
			"http.server.duration.max":   88.0,
		}
		for name, v := range want {
			if byName[name] != v {
				t.Errorf("%s = %v, want %v", name, byName[name], v)
			}
		}
	})

	t.Run("summary fan-out with quantiles", func(t *testing.T) {
		want := map[string]float64{
			"rpc.latency.count": 9,
			"rpc.latency.sum":   41.0,
			"rpc.latency.p50":   4.0,
			"rpc.latency.p95":   9.5,
		}
		for name, v := range want {
			if byName[name] != v {
				t.Errorf("%s = %v, want %v", name, byName[name], v)
			}
		}
	})

	if len(rows) != 9 {
		t.Errorf("total rows = %d, want 9", len(rows))
	}
}

const tracesPayload = `{
  "resourceSpans": [{
    "resource": {"attributes": [
      {"key": "service.name", "value": {"stringValue": "payments"}}
    ]},
    "scopeSpans": [{
      "spans": [{
        "traceId": "t1", "spanId": "s1", "parentSpanId": "p1",
        "name": "POST /charge",
        "kind": 2,
        "startTimeUnixNano": "1759160000000000000",
        "endTimeUnixNano":   "1759160000250000000",
        "status": {"code": 2, "message": "boom"},
        "attributes": [
          {"key": "http.response.status_code", "value": {"intValue": "502"}},
          {"key": "db.system", "value": {"stringValue": "postgresql"}}
        ],
        "events": [{
          "timeUnixNano": "1759160000100000000",
          "name": "exception",
          "attributes": [
            {"key": "exception.type", "value": {"stringValue": "TimeoutError"}},
            {"key": "exception.message", "value": {"stringValue": "upstream timed out"}},
            {"key": "gen_ai.system", "value": {"stringValue": "openai"}},
            {"key": "gen_ai.usage.prompt_tokens", "value": {"intValue": "812"}}
          ]
        }],
        "links": [{
          "traceId": "t0", "spanId": "s0", "traceState": "vendor=x",
          "attributes": [{"key": "batch.index", "value": {"intValue": "4"}}]
        }]
      },
      {
        "traceId": "t2", "spanId": "s2", "name": "startup",
        "kind": 99,
        "startTimeUnixNano": "1759160000000000000"
      }]
    }]
  }]
}`

func TestParseTraces(t *testing.T) {
	got, err := ParseTraces([]byte(tracesPayload))
	if err != nil {
		t.Fatalf("ParseTraces: %v", err)
	}
	if len(got.Spans) != 2 || len(got.Events) != 1 || len(got.Links) != 1 {
		t.Fatalf("spans/events/links = %d/%d/%d, want 2/1/1",
			len(got.Spans), len(got.Events), len(got.Links))
	}

	t.Run("span columns", func(t *testing.T) {
		s := got.Spans[0]
		if s.ServiceName != "payments" || s.SpanName != "POST /charge" {
			t.Errorf("identity = %q/%q", s.ServiceName, s.SpanName)
		}
		if s.SpanKind != "SERVER" || s.StatusCode != "ERROR" {
			t.Errorf("kind/status = %q/%q", s.SpanKind, s.StatusCode)
		}
		if s.DurationNs != 250000000 {
			t.Errorf("duration = %d", s.DurationNs)
		}
		if s.HTTPStatus != 502 || s.DBSystem != "postgresql" {
			t.Errorf("http/db = %d/%q", s.HTTPStatus, s.DBSystem)
		}
	})

	t.Run("unknown kind and missing end time", func(t *testing.T) {
		s := got.Spans[1]
		if s.SpanKind != "UNSPECIFIED" {
			t.Errorf("kind = %q", s.SpanKind)
		}
		if s.StatusCode != "UNSET" {
			t.Errorf("status = %q", s.StatusCode)
		}
		if s.DurationNs != 0 {
			t.Errorf("duration = %d, want 0 when end time missing", s.DurationNs)
		}
	})

	t.Run("event promotion", func(t *testing.T) {
		e := got.Events[0]
		if e.EventName != "exception" {
			t.Errorf("event name = %q", e.EventName)
		}
		if e.ExceptionType != "TimeoutError" || e.ExceptionMessage != "upstream timed out" {
			t.Errorf("exception = %q/%q", e.ExceptionType, e.ExceptionMessage)
		}
		if e.GenAISystem != "openai" || e.GenAIUsagePromptTokens != 812 {
			t.Errorf("gen_ai = %q/%d", e.GenAISystem, e.GenAIUsagePromptTokens)
		}
		if e.TraceID != "t1" || e.SpanID != "s1" || e.SpanName != "POST /charge" {
			t.Errorf("parent linkage = %q/%q/%q", e.TraceID, e.SpanID, e.SpanName)
		}
	})

	t.Run("link row", func(t *testing.T) {
		l := got.Links[0]
		if l.LinkedTraceID != "t0" || l.LinkedSpanID != "s0" || l.LinkedTraceState != "vendor=x" {
			t.Errorf("link = %+v", l)
		}
		if !strings.Contains(l.LinkAttributesJSON, `"batch.index":4`) {
			t.Errorf("link attributes = %q", l.LinkAttributesJSON)
		}
	})
}

func TestParseMalformedPayloads(t *testing.T) {
	if _, err := ParseLogs([]byte("{not json")); err == nil {
		t.Error("ParseLogs should fail on invalid JSON")
	}
	rows, err := ParseLogs([]byte(`{"resourceLogs": "wrong-shape"}`))
	if err != nil || len(rows) != 0 {
		t.Errorf("mistyped resourceLogs: rows=%d err=%v", len(rows), err)
	}
	tr, err := ParseTraces([]byte(`{}`))
	if err != nil || len(tr.Spans) != 0 {
		t.Errorf("empty payload: spans=%d err=%v", len(tr.Spans), err)
	}
}
