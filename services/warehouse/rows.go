// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package warehouse

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// Row Types
// =============================================================================

// LogRow is one normalized log record.
type LogRow struct {
	Timestamp      time.Time
	ServiceName    string
	SeverityNumber int32
	SeverityText   string
	BodyText       string
	TraceID        string
	SpanID         string
	AttributesJSON string
}

// MetricRow is one normalized metric data point. Histograms and summaries
// produce several MetricRows per source data point.
type MetricRow struct {
	Timestamp      time.Time
	ServiceName    string
	MetricName     string
	MetricUnit     string
	ValueDouble    float64
	AttributesFlat string
}

// SpanRow is one normalized span.
type SpanRow struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	StartTime    time.Time
	DurationNs   int64
	ServiceName  string
	SpanName     string
	SpanKind     string
	StatusCode   string
	HTTPStatus   int32
	DBSystem     string
}

// SpanEventRow is one span event, with exception and gen_ai attributes
// promoted to columns.
type SpanEventRow struct {
	Timestamp                  time.Time
	TraceID                    string
	SpanID                     string
	ServiceName                string
	SpanName                   string
	EventName                  string
	EventAttributesJSON        string
	ExceptionType              string
	ExceptionMessage           string
	ExceptionStacktrace        string
	GenAISystem                string
	GenAIOperation             string
	GenAIRequestModel          string
	GenAIUsagePromptTokens     int32
	GenAIUsageCompletionTokens int32
}

// SpanLinkRow is one span link.
type SpanLinkRow struct {
	TraceID            string
	SpanID             string
	ServiceName        string
	SpanName           string
	LinkedTraceID      string
	LinkedSpanID       string
	LinkedTraceState   string
	LinkAttributesJSON string
}

// =============================================================================
// Batch Writers
// =============================================================================

// WriteLogs appends a batch of log rows.
func (s *Store) WriteLogs(ctx context.Context, rows []LogRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.Table(TableLogs))
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", TableLogs, err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.Timestamp, r.ServiceName, r.SeverityNumber, r.SeverityText,
			r.BodyText, r.TraceID, r.SpanID, r.AttributesJSON,
		); err != nil {
			return fmt.Errorf("append %s row: %w", TableLogs, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s batch: %w", TableLogs, err)
	}
	return nil
}

// WriteMetrics appends a batch of metric rows.
func (s *Store) WriteMetrics(ctx context.Context, rows []MetricRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.Table(TableMetrics))
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", TableMetrics, err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.Timestamp, r.ServiceName, r.MetricName, r.MetricUnit,
			r.ValueDouble, r.AttributesFlat,
		); err != nil {
			return fmt.Errorf("append %s row: %w", TableMetrics, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s batch: %w", TableMetrics, err)
	}
	return nil
}

// WriteSpans appends a batch of span rows.
func (s *Store) WriteSpans(ctx context.Context, rows []SpanRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.Table(TableSpans))
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", TableSpans, err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.TraceID, r.SpanID, r.ParentSpanID, r.StartTime, r.DurationNs,
			r.ServiceName, r.SpanName, r.SpanKind, r.StatusCode,
			r.HTTPStatus, r.DBSystem,
		); err != nil {
			return fmt.Errorf("append %s row: %w", TableSpans, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s batch: %w", TableSpans, err)
	}
	return nil
}

// WriteSpanEvents appends a batch of span event rows.
func (s *Store) WriteSpanEvents(ctx context.Context, rows []SpanEventRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.Table(TableSpanEvents))
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", TableSpanEvents, err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.Timestamp, r.TraceID, r.SpanID, r.ServiceName, r.SpanName,
			r.EventName, r.EventAttributesJSON,
			r.ExceptionType, r.ExceptionMessage, r.ExceptionStacktrace,
			r.GenAISystem, r.GenAIOperation, r.GenAIRequestModel,
			r.GenAIUsagePromptTokens, r.GenAIUsageCompletionTokens,
		); err != nil {
			return fmt.Errorf("append %s row: %w", TableSpanEvents, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s batch: %w", TableSpanEvents, err)
	}
	return nil
}

// WriteSpanLinks appends a batch of span link rows.
func (s *Store) WriteSpanLinks(ctx context.Context, rows []SpanLinkRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.Table(TableSpanLinks))
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", TableSpanLinks, err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.TraceID, r.SpanID, r.ServiceName, r.SpanName,
			r.LinkedTraceID, r.LinkedSpanID, r.LinkedTraceState,
			r.LinkAttributesJSON,
		); err != nil {
			return fmt.Errorf("append %s row: %w", TableSpanLinks, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s batch: %w", TableSpanLinks, err)
	}
	return nil
}
