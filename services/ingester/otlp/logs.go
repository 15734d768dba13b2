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

	"github.com/AleutianAI/watchtower/services/warehouse"
)

// ParseLogs decodes an OTLP/JSON logs export payload into flat log rows.
//
// Resource, scope, and record attributes are merged into one map (record
// attributes win on conflict); scope identity is carried as the
// otel.scope.name and otel.scope.version attributes. The record body
// passes through verbatim when it is a string and is JSON-encoded
// otherwise.
func ParseLogs(data []byte) ([]warehouse.LogRow, error) {
	payload, err := decodePayload(data)
	if err != nil {
		return nil, err
	}

	var rows []warehouse.LogRow
	for _, rl := range asList(payload, "resourceLogs") {
		resourceEl, ok := rl.(map[string]any)
		if !ok {
			continue
		}
		resourceAttrs, service := resourceContext(resourceEl)

		for _, sl := range asList(resourceEl, "scopeLogs") {
			scopeEl, ok := sl.(map[string]any)
			if !ok {
				continue
			}
			scope := asMap(scopeEl, "scope")
			scopeAttrs := map[string]any{}
			if name, ok := scope["name"].(string); ok && name != "" {
				scopeAttrs["otel.scope.name"] = name
			}
			if version, ok := scope["version"].(string); ok && version != "" {
				scopeAttrs["otel.scope.version"] = version
			}

			for _, lr := range asList(scopeEl, "logRecords") {
				record, ok := lr.(map[string]any)
				if !ok {
					continue
				}

				ts := record["timeUnixNano"]
				if SafeInt64(ts) == 0 {
					ts = record["observedTimeUnixNano"]
				}

				attrs := map[string]any{}
				for k, v := range resourceAttrs {
					attrs[k] = v
				}
				for k, v := range scopeAttrs {
					attrs[k] = v
				}
				for k, v := range attributesToMap(record["attributes"]) {
					attrs[k] = v
				}

				severityText, _ := record["severityText"].(string)
				traceID, _ := record["traceId"].(string)
				spanID, _ := record["spanId"].(string)

				rows = append(rows, warehouse.LogRow{
					Timestamp:      NanosToTime(ts),
					ServiceName:    service,
					SeverityNumber: int32(SafeInt64(record["severityNumber"])),
					SeverityText:   severityText,
					BodyText:       logBody(record["body"]),
					TraceID:        traceID,
					SpanID:         spanID,
					AttributesJSON: attributesJSON(attrs),
				})
			}
		}
	}
	return rows, nil
}

// logBody renders a log record body. String bodies pass through; any
// other non-empty body is unwrapped and JSON-encoded.
func logBody(body any) string {
	if body == nil {
		return ""
	}
	if m, ok := body.(map[string]any); ok {
		if s, ok := m["stringValue"].(string); ok {
			return s
		}
	}
	v := ExtractAnyValue(body)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
