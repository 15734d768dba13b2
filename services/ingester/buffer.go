// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/watchtower/services/ingester/otlp"
	"github.com/AleutianAI/watchtower/services/warehouse"
)

// RowWriter is the warehouse surface the buffers flush through.
// *warehouse.Store satisfies it; tests use fakes.
type RowWriter interface {
	WriteLogs(ctx context.Context, rows []warehouse.LogRow) error
	WriteMetrics(ctx context.Context, rows []warehouse.MetricRow) error
	WriteSpans(ctx context.Context, rows []warehouse.SpanRow) error
	WriteSpanEvents(ctx context.Context, rows []warehouse.SpanEventRow) error
	WriteSpanLinks(ctx context.Context, rows []warehouse.SpanLinkRow) error
}

// Buffers accumulates decoded rows per destination table until a flush
// trigger fires: any single buffer reaching the batch size, or the batch
// timeout elapsing with rows pending.
//
// Not safe for concurrent use; the consumer owns it from one goroutine.
type Buffers struct {
	logs       []warehouse.LogRow
	metrics    []warehouse.MetricRow
	spans      []warehouse.SpanRow
	spanEvents []warehouse.SpanEventRow
	spanLinks  []warehouse.SpanLinkRow

	batchSize int
	timeout   time.Duration
	lastFlush time.Time
}

// NewBuffers creates empty buffers with the given flush thresholds.
func NewBuffers(batchSize int, timeout time.Duration) *Buffers {
	return &Buffers{
		batchSize: batchSize,
		timeout:   timeout,
		lastFlush: time.Now(),
	}
}

// AddLogs appends decoded log rows.
func (b *Buffers) AddLogs(rows []warehouse.LogRow) {
	b.logs = append(b.logs, rows...)
}

// AddMetrics appends decoded metric rows.
func (b *Buffers) AddMetrics(rows []warehouse.MetricRow) {
	b.metrics = append(b.metrics, rows...)
}

// AddTraces appends the three row kinds of a decoded traces payload.
func (b *Buffers) AddTraces(rows otlp.TraceRows) {
	b.spans = append(b.spans, rows.Spans...)
	b.spanEvents = append(b.spanEvents, rows.Events...)
	b.spanLinks = append(b.spanLinks, rows.Links...)
}

// Pending reports the total number of buffered rows.
func (b *Buffers) Pending() int {
	return len(b.logs) + len(b.metrics) + len(b.spans) + len(b.spanEvents) + len(b.spanLinks)
}

// ShouldFlush reports whether a flush trigger has fired.
func (b *Buffers) ShouldFlush(now time.Time) bool {
	if len(b.logs) >= b.batchSize || len(b.metrics) >= b.batchSize ||
		len(b.spans) >= b.batchSize || len(b.spanEvents) >= b.batchSize ||
		len(b.spanLinks) >= b.batchSize {
		return true
	}
	return b.Pending() > 0 && now.Sub(b.lastFlush) >= b.timeout
}

// Flush writes every non-empty buffer. Buffers that flush successfully
// are cleared; a buffer whose write fails keeps its rows for the next
// attempt, and the joined error covers all failed tables. Offsets must
// only be committed when Flush returns nil.
func (b *Buffers) Flush(ctx context.Context, w RowWriter, m *Metrics) error {
	var errs []error
	flush := func(table string, n int, write func() error, clear func()) {
		if n == 0 {
			return
		}
		start := time.Now()
		if err := write(); err != nil {
			if m != nil {
				m.FlushErrors.WithLabelValues(table).Inc()
			}
			errs = append(errs, fmt.Errorf("flush %s (%d rows): %w", table, n, err))
			return
		}
		if m != nil {
			m.FlushDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())
			m.RowsFlushed.WithLabelValues(table).Add(float64(n))
		}
		clear()
	}

	flush(warehouse.TableLogs, len(b.logs),
		func() error { return w.WriteLogs(ctx, b.logs) },
		func() { b.logs = nil })
	flush(warehouse.TableMetrics, len(b.metrics),
		func() error { return w.WriteMetrics(ctx, b.metrics) },
		func() { b.metrics = nil })
	flush(warehouse.TableSpans, len(b.spans),
		func() error { return w.WriteSpans(ctx, b.spans) },
		func() { b.spans = nil })
	flush(warehouse.TableSpanEvents, len(b.spanEvents),
		func() error { return w.WriteSpanEvents(ctx, b.spanEvents) },
		func() { b.spanEvents = nil })
	flush(warehouse.TableSpanLinks, len(b.spanLinks),
		func() error { return w.WriteSpanLinks(ctx, b.spanLinks) },
		func() { b.spanLinks = nil })

	b.lastFlush = time.Now()
	return errors.Join(errs...)
}
