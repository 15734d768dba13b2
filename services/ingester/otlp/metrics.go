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
	"strconv"

	"github.com/AleutianAI/watchtower/services/warehouse"
)

// ParseMetrics decodes an OTLP/JSON metrics export payload into flat
// metric rows.
//
// Gauges and sums emit one row per data point. Histograms and
// exponential histograms fan out into ".count", ".sum", ".min", and
// ".max" rows (min/max only when present). Summaries fan out ".count",
// ".sum", and one ".pN" row per quantile value. Data-point attributes
// are merged over resource attributes before flattening.
func ParseMetrics(data []byte) ([]warehouse.MetricRow, error) {
	payload, err := decodePayload(data)
	if err != nil {
		return nil, err
	}

	var rows []warehouse.MetricRow
	for _, rm := range asList(payload, "resourceMetrics") {
		resourceEl, ok := rm.(map[string]any)
		if !ok {
			continue
		}
		resourceAttrs, service := resourceContext(resourceEl)

		for _, sm := range asList(resourceEl, "scopeMetrics") {
			scopeEl, ok := sm.(map[string]any)
			if !ok {
				continue
			}
			for _, me := range asList(scopeEl, "metrics") {
				metric, ok := me.(map[string]any)
				if !ok {
					continue
				}
				name, _ := metric["name"].(string)
				unit, _ := metric["unit"].(string)

				switch {
				case metric["gauge"] != nil:
					rows = appendPointRows(rows, asMap(metric, "gauge"), name, unit, service, resourceAttrs)
				case metric["sum"] != nil:
					rows = appendPointRows(rows, asMap(metric, "sum"), name, unit, service, resourceAttrs)
				case metric["histogram"] != nil:
					rows = appendHistogramRows(rows, asMap(metric, "histogram"), name, unit, service, resourceAttrs)
				case metric["exponentialHistogram"] != nil:
					rows = appendHistogramRows(rows, asMap(metric, "exponentialHistogram"), name, unit, service, resourceAttrs)
				case metric["summary"] != nil:
					rows = appendSummaryRows(rows, asMap(metric, "summary"), name, unit, service, resourceAttrs)
				}
			}
		}
	}
	return rows, nil
}

// pointValue reads a gauge/sum data-point value, preferring the double
// encoding over the (string-encoded) int one.
func pointValue(dp map[string]any) float64 {
	if v, ok := dp["asDouble"]; ok {
		return SafeFloat(v)
	}
	if v, ok := dp["asInt"]; ok {
		return float64(SafeInt64(v))
	}
	return 0
}

func mergedFlat(resourceAttrs map[string]any, dp map[string]any) string {
	attrs := make(map[string]any, len(resourceAttrs))
	for k, v := range resourceAttrs {
		attrs[k] = v
	}
	for k, v := range attributesToMap(dp["attributes"]) {
		attrs[k] = v
	}
	return FlattenAttributes(attrs)
}

func appendPointRows(rows []warehouse.MetricRow, body map[string]any, name, unit, service string, resourceAttrs map[string]any) []warehouse.MetricRow {
	for _, el := range asList(body, "dataPoints") {
		dp, ok := el.(map[string]any)
		if !ok {
			continue
		}
		rows = append(rows, warehouse.MetricRow{
			Timestamp:      NanosToTime(dp["timeUnixNano"]),
			ServiceName:    service,
			MetricName:     name,
			MetricUnit:     unit,
			ValueDouble:    pointValue(dp),
			AttributesFlat: mergedFlat(resourceAttrs, dp),
		})
	}
	return rows
}

func appendHistogramRows(rows []warehouse.MetricRow, body map[string]any, name, unit, service string, resourceAttrs map[string]any) []warehouse.MetricRow {
	for _, el := range asList(body, "dataPoints") {
		dp, ok := el.(map[string]any)
		if !ok {
			continue
		}
		ts := NanosToTime(dp["timeUnixNano"])
		flat := mergedFlat(resourceAttrs, dp)

		emit := func(suffix string, value float64) {
			rows = append(rows, warehouse.MetricRow{
				Timestamp:      ts,
				ServiceName:    service,
				MetricName:     name + suffix,
				MetricUnit:     unit,
				ValueDouble:    value,
				AttributesFlat: flat,
			})
		}
		emit(".count", float64(SafeInt64(dp["count"])))
		emit(".sum", SafeFloat(dp["sum"]))
		if v, ok := dp["min"]; ok {
			emit(".min", SafeFloat(v))
		}
		if v, ok := dp["max"]; ok {
			emit(".max", SafeFloat(v))
		}
	}
	return rows
}

func appendSummaryRows(rows []warehouse.MetricRow, body map[string]any, name, unit, service string, resourceAttrs map[string]any) []warehouse.MetricRow {
	for _, el := range asList(body, "dataPoints") {
		dp, ok := el.(map[string]any)
		if !ok {
			continue
		}
		ts := NanosToTime(dp["timeUnixNano"])
		flat := mergedFlat(resourceAttrs, dp)

		emit := func(suffix string, value float64) {
			rows = append(rows, warehouse.MetricRow{
				Timestamp:      ts,
				ServiceName:    service,
				MetricName:     name + suffix,
				MetricUnit:     unit,
				ValueDouble:    value,
				AttributesFlat: flat,
			})
		}
		emit(".count", float64(SafeInt64(dp["count"])))
		emit(".sum", SafeFloat(dp["sum"]))
		for _, qel := range asList(dp, "quantileValues") {
			qv, ok := qel.(map[string]any)
			if !ok {
				continue
			}
			pct := int(SafeFloat(qv["quantile"]) * 100)
			emit(".p"+strconv.Itoa(pct), SafeFloat(qv["value"]))
		}
	}
	return rows
}
