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
	"github.com/AleutianAI/watchtower/services/warehouse"
)

// spanKindNames maps the OTLP SpanKind enum to analytic labels.
var spanKindNames = map[int64]string{
	0: "UNSPECIFIED",
	1: "INTERNAL",
	2: "SERVER",
	3: "CLIENT",
	4: "PRODUCER",
	5: "CONSUMER",
}

// statusCodeNames maps the OTLP StatusCode enum to analytic labels.
var statusCodeNames = map[int64]string{
	0: "UNSET",
	1: "OK",
	2: "ERROR",
}

// TraceRows is the three-table result of decoding one traces payload.
type TraceRows struct {
	Spans  []warehouse.SpanRow
	Events []warehouse.SpanEventRow
	Links  []warehouse.SpanLinkRow
}

// ParseTraces decodes an OTLP/JSON traces export payload into span, span
// event, and span link rows.
//
// Duration is end minus start and zero when either timestamp is missing.
// The http.status_code (or http.response.status_code) and db.system span
// attributes are promoted to columns, as are the exception.* and gen_ai.*
// attributes on events.
func ParseTraces(data []byte) (TraceRows, error) {
	var out TraceRows
	payload, err := decodePayload(data)
	if err != nil {
		return out, err
	}

	for _, rs := range asList(payload, "resourceSpans") {
		resourceEl, ok := rs.(map[string]any)
		if !ok {
			continue
		}
		_, service := resourceContext(resourceEl)

		for _, ss := range asList(resourceEl, "scopeSpans") {
			scopeEl, ok := ss.(map[string]any)
			if !ok {
				continue
			}
			for _, se := range asList(scopeEl, "spans") {
				span, ok := se.(map[string]any)
				if !ok {
					continue
				}
				spanAttrs := attributesToMap(span["attributes"])

				traceID, _ := span["traceId"].(string)
				spanID, _ := span["spanId"].(string)
				parentSpanID, _ := span["parentSpanId"].(string)
				spanName, _ := span["name"].(string)

				startNs := SafeInt64(span["startTimeUnixNano"])
				endNs := SafeInt64(span["endTimeUnixNano"])
				var durationNs int64
				if startNs != 0 && endNs != 0 {
					durationNs = endNs - startNs
				}

				kind, ok := spanKindNames[SafeInt64(span["kind"])]
				if !ok {
					kind = "UNSPECIFIED"
				}
				status, ok := statusCodeNames[SafeInt64(asMap(span, "status")["code"])]
				if !ok {
					status = "UNSET"
				}

				httpStatus := spanAttrs["http.status_code"]
				if httpStatus == nil {
					httpStatus = spanAttrs["http.response.status_code"]
				}
				dbSystem, _ := spanAttrs["db.system"].(string)

				out.Spans = append(out.Spans, warehouse.SpanRow{
					TraceID:      traceID,
					SpanID:       spanID,
					ParentSpanID: parentSpanID,
					StartTime:    NanosToTime(startNs),
					DurationNs:   durationNs,
					ServiceName:  service,
					SpanName:     spanName,
					SpanKind:     kind,
					StatusCode:   status,
					HTTPStatus:   int32(SafeInt64(httpStatus)),
					DBSystem:     dbSystem,
				})

				for _, ee := range asList(span, "events") {
					event, ok := ee.(map[string]any)
					if !ok {
						continue
					}
					eventAttrs := attributesToMap(event["attributes"])
					eventName, _ := event["name"].(string)

					out.Events = append(out.Events, warehouse.SpanEventRow{
						Timestamp:                  NanosToTime(event["timeUnixNano"]),
						TraceID:                    traceID,
						SpanID:                     spanID,
						ServiceName:                service,
						SpanName:                   spanName,
						EventName:                  eventName,
						EventAttributesJSON:        attributesJSON(eventAttrs),
						ExceptionType:              scalarString(eventAttrs["exception.type"]),
						ExceptionMessage:           scalarString(eventAttrs["exception.message"]),
						ExceptionStacktrace:        scalarString(eventAttrs["exception.stacktrace"]),
						GenAISystem:                scalarString(eventAttrs["gen_ai.system"]),
						GenAIOperation:             scalarString(eventAttrs["gen_ai.operation.name"]),
						GenAIRequestModel:          scalarString(eventAttrs["gen_ai.request.model"]),
						GenAIUsagePromptTokens:     int32(SafeInt64(eventAttrs["gen_ai.usage.prompt_tokens"])),
						GenAIUsageCompletionTokens: int32(SafeInt64(eventAttrs["gen_ai.usage.completion_tokens"])),
					})
				}

				for _, le := range asList(span, "links") {
					link, ok := le.(map[string]any)
					if !ok {
						continue
					}
					linkedTraceID, _ := link["traceId"].(string)
					linkedSpanID, _ := link["spanId"].(string)
					linkedState, _ := link["traceState"].(string)

					out.Links = append(out.Links, warehouse.SpanLinkRow{
						TraceID:            traceID,
						SpanID:             spanID,
						ServiceName:        service,
						SpanName:           spanName,
						LinkedTraceID:      linkedTraceID,
						LinkedSpanID:       linkedSpanID,
						LinkedTraceState:   linkedState,
						LinkAttributesJSON: attributesJSON(attributesToMap(link["attributes"])),
					})
				}
			}
		}
	}
	return out, nil
}
