// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"

	"github.com/AleutianAI/AleutianASR/services/asr/records"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS asr_records (
		run_id      TEXT NOT NULL,
		id          TEXT NOT NULL,
		sequence    TEXT NOT NULL,
		aligned     TEXT NOT NULL,
		keep        INTEGER NOT NULL,
		drop_reason TEXT NOT NULL,
		drop_stage  TEXT NOT NULL,
		annotations TEXT NOT NULL,
		PRIMARY KEY (run_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS asr_ancestors (
		run_id    TEXT NOT NULL,
		node      TEXT NOT NULL,
		sequence  TEXT NOT NULL,
		alt_all   TEXT NOT NULL,
		mean_pp   DOUBLE PRECISION NOT NULL,
		ambiguous INTEGER NOT NULL,
		event     TEXT NOT NULL,
		PRIMARY KEY (run_id, node)
	)`,
}

// SQLSink exports run results to a SQL database.
//
// Thread Safety:
//
//	Safe for concurrent use; each Export runs in its own transaction.
type SQLSink struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// OpenSQL opens the database and creates the tables if needed.
//
// Inputs:
//
//	driver - DriverSQLite or DriverPostgres.
//	dsn - SQLite file path or Postgres connection string.
func OpenSQL(ctx context.Context, driver, dsn string, logger *slog.Logger) (*SQLSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			return nil, fmt.Errorf("sqlite needs a database path")
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create report dir: %w", err)
		}
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("pgx needs a connection string")
		}
	default:
		return nil, fmt.Errorf("unsupported report driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}
	return &SQLSink{db: db, driver: driver, logger: logger}, nil
}

// Export replaces the rows of runID with recs and ancestors.
//
// Description:
//
//	Everything happens in one transaction: readers see either the previous
//	export of the run or the new one. Dropped records are exported with
//	keep = 0 so the reasons stay queryable.
func (s *SQLSink) Export(ctx context.Context, runID string, recs []records.Record, ancestors []Ancestor) (err error) {
	if runID == "" {
		return fmt.Errorf("run id must not be empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin export: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"asr_records", "asr_ancestors"} {
		if _, err = tx.ExecContext(ctx, s.rebind("DELETE FROM "+table+" WHERE run_id = ?"), runID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	insRec, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO asr_records (run_id, id, sequence, aligned, keep, drop_reason, drop_stage, annotations)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare records: %w", err)
	}
	defer insRec.Close()
	for _, r := range recs {
		ann, jerr := json.Marshal(r.Annotations)
		if jerr != nil {
			return fmt.Errorf("encode annotations of %s: %w", r.ID, jerr)
		}
		keep := 0
		if r.Keep {
			keep = 1
		}
		if _, err = insRec.ExecContext(ctx, runID, r.ID, r.Sequence, r.Aligned, keep, r.DropReason, r.DropStage, string(ann)); err != nil {
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
	}

	insAnc, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO asr_ancestors (run_id, node, sequence, alt_all, mean_pp, ambiguous, event)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare ancestors: %w", err)
	}
	defer insAnc.Close()
	for _, a := range ancestors {
		if _, err = insAnc.ExecContext(ctx, runID, a.Node, a.Sequence, a.AltAll, a.MeanPP, a.Ambiguous, string(a.Event)); err != nil {
			return fmt.Errorf("insert ancestor %s: %w", a.Node, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit export: %w", err)
	}
	s.logger.Info("report exported",
		slog.String("run_id", runID),
		slog.String("driver", s.driver),
		slog.Int("records", len(recs)),
		slog.Int("ancestors", len(ancestors)))
	return nil
}

// Close closes the database.
func (s *SQLSink) Close() error { return s.db.Close() }

// rebind turns ? placeholders into $n for Postgres.
func (s *SQLSink) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
