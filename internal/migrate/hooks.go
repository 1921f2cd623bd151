package migrate

import (
	"context"
	"database/sql"
	"strings"

	"github.com/sirupsen/logrus"
)

// Hook runs after its migration version commits, outside the migration
// transaction. A hook error is logged and swallowed; the migration stays
// applied either way.
type Hook func(ctx context.Context, conn *sql.Conn, log *logrus.Entry) error

// BackfillJobSkills splits the legacy comma-separated skills column into
// job_skills rows. Rows that fail to insert are logged and skipped so one
// bad legacy value cannot stall the whole backfill.
func BackfillJobSkills(ctx context.Context, conn *sql.Conn, log *logrus.Entry) error {
	// Collect first: a single SQLite connection cannot execute inserts
	// while a result set is still open on it.
	type legacyRow struct {
		id  int64
		csv string
	}
	var pending []legacyRow

	rows, err := conn.QueryContext(ctx,
		"SELECT id, skills_csv FROM job_postings WHERE skills_csv != ''")
	if err != nil {
		return err
	}
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.id, &r.csv); err != nil {
			_ = rows.Close()
			return err
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	backfilled := 0
	for _, r := range pending {
		for _, raw := range strings.Split(r.csv, ",") {
			skill := strings.ToLower(strings.TrimSpace(raw))
			if skill == "" {
				continue
			}
			if _, err := conn.ExecContext(ctx,
				"INSERT OR IGNORE INTO job_skills (job_posting_id, skill) VALUES (?, ?)",
				r.id, skill); err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"job_posting_id": r.id,
					"skill":          skill,
				}).Warn("Skipping skill backfill row")
				continue
			}
			backfilled++
		}
	}
	log.WithField("rows", backfilled).Info("Backfilled job skills from legacy column")
	return nil
}
