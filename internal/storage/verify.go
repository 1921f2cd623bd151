package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/applyforge/contentstore/pkg/types"
)

// Verify runs SQLite's own consistency checks and summarizes the schema:
// integrity_check, foreign_key_check, per-table row counts, index count,
// and the current migration version.
func (s *Store) Verify(ctx context.Context) (*types.VerifyReport, error) {
	start := time.Now()
	defer func() { s.monitor.Record("verify", time.Since(start)) }()

	report := &types.VerifyReport{RowCounts: make(map[string]int64)}
	err := s.pool.Read(ctx, func(conn *sql.Conn) error {
		detail, err := collectStrings(ctx, conn, "PRAGMA integrity_check")
		if err != nil {
			return fmt.Errorf("integrity check failed: %w", err)
		}
		report.IntegrityOK = len(detail) == 1 && detail[0] == "ok"
		if !report.IntegrityOK {
			report.IntegrityDetail = detail
		}

		fkErrors, err := countResultRows(ctx, conn, "PRAGMA foreign_key_check")
		if err != nil {
			return fmt.Errorf("foreign key check failed: %w", err)
		}
		report.ForeignKeyErrors = fkErrors

		// Collect names first; counting reuses the same connection.
		tables, err := collectStrings(ctx, conn,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
		if err != nil {
			return fmt.Errorf("failed to list tables: %w", err)
		}
		for _, table := range tables {
			var count int64
			if err := conn.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %q", table)).Scan(&count); err != nil {
				return fmt.Errorf("failed to count %s: %w", table, err)
			}
			report.RowCounts[table] = count
		}

		return conn.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name NOT LIKE 'sqlite_%'").
			Scan(&report.IndexCount)
	})
	if err != nil {
		return nil, err
	}

	version, err := s.migrations.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	report.SchemaVersion = version

	if !report.OK() {
		s.log.WithFields(logrus.Fields{
			"integrity_ok": report.IntegrityOK,
			"fk_errors":    report.ForeignKeyErrors,
		}).Warn("Database verification found problems")
	}
	return report, nil
}

func collectStrings(ctx context.Context, conn *sql.Conn, query string) ([]string, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func countResultRows(ctx context.Context, conn *sql.Conn, query string) (int, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = rows.Close()
	}()
	count := 0
	for rows.Next() {
		count++
	}
	return count, rows.Err()
}
