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
	"reflect"
)

// Query runs a SELECT and returns every row as a column-name-keyed map.
// Column values are scanned into the driver's native Go types, so callers
// get float64 for Float64 columns, time.Time for DateTime64, and so on.
//
// The alert engine composes its analytic SQL dynamically; maps keep that
// layer independent of per-query row structs.
func (s *Store) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols := rows.Columns()
	types := rows.ColumnTypes()

	var out []map[string]any
	for rows.Next() {
		scan := make([]any, len(cols))
		for i, ct := range types {
			scan[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, name := range cols {
			row[name] = reflect.ValueOf(scan[i]).Elem().Interface()
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Exec runs a statement that returns no rows (INSERT, ALTER ... UPDATE).
func (s *Store) Exec(ctx context.Context, sql string, args ...any) error {
	return s.conn.Exec(ctx, sql, args...)
}
