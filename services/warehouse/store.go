// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package warehouse is the ClickHouse storage layer shared by the ingester
// and the alert engine.
//
// The ingester appends decoded telemetry rows through the typed batch
// writers in rows.go. The alert engine reads and writes through the
// generic Query/Exec methods in query.go. Bootstrap creates the database
// and all tables idempotently, so either process can start first.
//
// # Thread Safety
//
// Store is safe for concurrent use; clickhouse-go maintains its own
// connection pool.
package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Store wraps a ClickHouse native-protocol connection plus the database
// name used to qualify table references.
type Store struct {
	conn driver.Conn
	db   string
}

// Open connects to ClickHouse and verifies the connection with a ping.
// It does not create the database or tables; call Bootstrap for that.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse at %s: %w", cfg.Addr, err)
	}
	return &Store{conn: conn, db: cfg.Database}, nil
}

// Bootstrap creates the database and every table if they do not exist.
func (s *Store) Bootstrap(ctx context.Context) error {
	stmt := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", s.db)
	if err := s.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create database %s: %w", s.db, err)
	}
	for name, ddl := range tableDDL(s.db) {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", name, err)
		}
	}
	return nil
}

// Table returns the database-qualified form of a table name, for use in
// SQL composed by the alert engine.
func (s *Store) Table(name string) string {
	return s.db + "." + name
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}
