// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package otlp decodes OTLP/JSON export payloads into flat analytic rows.
//
// OTLP/JSON is hostile to naive decoding: 64-bit integers arrive as JSON
// strings, values arrive as tagged unions ("anyValue"), and attributes are
// key/value lists rather than objects. This package normalizes all of
// that. Decoding is strict about structure (resourceX -> scopeX -> records)
// but lenient about values: a malformed number coerces to zero rather than
// failing the record, and a malformed record is skipped rather than
// failing the batch.
package otlp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Value Coercion
// =============================================================================

// SafeInt64 coerces a decoded JSON value to int64. OTLP/JSON encodes
// 64-bit integers as strings; plain numbers and json.Number are also
// accepted. Anything unparseable yields 0.
func SafeInt64(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return int64(f)
		}
		return 0
	case string:
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return int64(f)
		}
		return 0
	case float64:
		return int64(x)
	case int64:
		return x
	case int:
		return int64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// SafeFloat coerces a decoded JSON value to float64, tolerating string
// encodings. Anything unparseable yields 0.
func SafeFloat(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return 0
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return f
		}
		return 0
	case float64:
		return x
	case int64:
		return float64(x)
	case int:
		return float64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// unixEpoch stands in for absent timestamps. time.Time's zero value is
// outside DateTime64 range, so missing nanos map to 1970-01-01 instead.
var unixEpoch = time.Unix(0, 0).UTC()

// NanosToTime converts a Unix-nanosecond value (string or number) to a
// UTC time. Missing or zero values map to the Unix epoch.
func NanosToTime(v any) time.Time {
	ns := SafeInt64(v)
	if ns == 0 {
		return unixEpoch
	}
	return time.Unix(0, ns).UTC()
}

// =============================================================================
// AnyValue
// =============================================================================

// ExtractAnyValue unwraps an OTLP AnyValue union into a plain Go value.
// Arrays and kvlists are unwrapped recursively; an empty or unrecognized
// union yields nil.
func ExtractAnyValue(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if s, ok := m["stringValue"]; ok {
		return s
	}
	if n, ok := m["intValue"]; ok {
		return SafeInt64(n)
	}
	if n, ok := m["doubleValue"]; ok {
		return SafeFloat(n)
	}
	if b, ok := m["boolValue"]; ok {
		if bv, ok := b.(bool); ok {
			return bv
		}
		return false
	}
	if b, ok := m["bytesValue"]; ok {
		return b
	}
	if arr, ok := m["arrayValue"]; ok {
		out := []any{}
		if am, ok := arr.(map[string]any); ok {
			if vals, ok := am["values"].([]any); ok {
				for _, el := range vals {
					out = append(out, ExtractAnyValue(el))
				}
			}
		}
		return out
	}
	if kvl, ok := m["kvlistValue"]; ok {
		out := map[string]any{}
		if km, ok := kvl.(map[string]any); ok {
			if vals, ok := km["values"].([]any); ok {
				for _, el := range vals {
					kv, ok := el.(map[string]any)
					if !ok {
						continue
					}
					key, _ := kv["key"].(string)
					out[key] = ExtractAnyValue(kv["value"])
				}
			}
		}
		return out
	}
	return nil
}

// attributesToMap converts an OTLP attribute list ([{key, value}, ...])
// into a plain map with unwrapped values. Entries without a key are
// dropped.
func attributesToMap(attrs any) map[string]any {
	out := map[string]any{}
	list, ok := attrs.([]any)
	if !ok {
		return out
	}
	for _, el := range list {
		kv, ok := el.(map[string]any)
		if !ok {
			continue
		}
		key, ok := kv["key"].(string)
		if !ok || key == "" {
			continue
		}
		out[key] = ExtractAnyValue(kv["value"])
	}
	return out
}

// FlattenAttributes serializes an attribute map to the analytic
// "k=v,k=v" form with keys sorted. Non-scalar values are JSON-encoded
// inline so the result is deterministic.
func FlattenAttributes(attrs map[string]any) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(scalarString(attrs[k]))
	}
	return b.String()
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case json.Number:
		return x.String()
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(data)
	}
}

// attributesJSON serializes an attribute map to canonical JSON with
// sorted keys (encoding/json sorts map keys). Empty maps encode as "{}".
func attributesJSON(attrs map[string]any) string {
	data, err := json.Marshal(attrs)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// decodePayload parses raw OTLP/JSON bytes. json.Number preserves
// 64-bit precision for nano timestamps that arrive as bare numbers.
func decodePayload(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode OTLP payload: %w", err)
	}
	return payload, nil
}

// asList returns m[key] as a slice, or nil when absent or mistyped.
func asList(m map[string]any, key string) []any {
	list, _ := m[key].([]any)
	return list
}

// asMap returns m[key] as a map, or an empty map when absent or mistyped.
func asMap(m map[string]any, key string) map[string]any {
	mm, _ := m[key].(map[string]any)
	if mm == nil {
		return map[string]any{}
	}
	return mm
}

// resourceContext extracts the merged resource attributes and the service
// name from a resourceLogs/resourceSpans/resourceMetrics element. The
// service.name attribute is promoted to its own column and removed from
// the attribute map.
func resourceContext(resourceEl map[string]any) (map[string]any, string) {
	attrs := attributesToMap(asMap(resourceEl, "resource")["attributes"])
	service := "unknown"
	if s, ok := attrs["service.name"].(string); ok && s != "" {
		service = s
	}
	delete(attrs, "service.name")
	return attrs, service
}
