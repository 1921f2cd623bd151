package migrate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyforge/contentstore/internal/pool"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Config{
		Path:     filepath.Join(t.TempDir(), "migrate.db"),
		PoolSize: 2,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.Close() // Ignore error in test
	})
	return p
}

func scripts(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, content := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(content)}
	}
	return fsys
}

func tableExists(t *testing.T, p *pool.Pool, name string) bool {
	t.Helper()
	var count int
	err := p.ExecuteRead(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?",
		[]any{name}, func(rows *sql.Rows) error {
			require.True(t, rows.Next())
			return rows.Scan(&count)
		})
	require.NoError(t, err)
	return count == 1
}

func TestDiscover_ParsesAndSortsScripts(t *testing.T) {
	m := NewManager(newTestPool(t), scripts(map[string]string{
		"002_second.sql":   "CREATE TABLE m2 (id INTEGER);",
		"001_first.sql":    "CREATE TABLE m1 (id INTEGER);",
		"001_rollback.sql": "DROP TABLE m1;",
		"notes.txt":        "not a migration",
		"badname.sql":      "SELECT 1;",
	}), testLogger())

	migrations, err := m.Discover()
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "first", migrations[0].Name)
	assert.NotEmpty(t, migrations[0].Reverse)
	assert.Equal(t, 2, migrations[1].Version)
	assert.Empty(t, migrations[1].Reverse)
}

func TestDiscover_DuplicateVersionFails(t *testing.T) {
	m := NewManager(newTestPool(t), scripts(map[string]string{
		"001_first.sql": "SELECT 1;",
		"001_again.sql": "SELECT 1;",
	}), testLogger())

	_, err := m.Discover()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate migration version")
}

func TestDiscover_ToleratesVersionGaps(t *testing.T) {
	m := NewManager(newTestPool(t), scripts(map[string]string{
		"001_first.sql": "CREATE TABLE m1 (id INTEGER);",
		"003_third.sql": "CREATE TABLE m3 (id INTEGER);",
	}), testLogger())

	migrations, err := m.Discover()
	require.NoError(t, err)
	assert.Len(t, migrations, 2)
}

func TestMigrate_AppliesAllAndIsIdempotent(t *testing.T) {
	p := newTestPool(t)
	m := NewManager(p, scripts(map[string]string{
		"001_first.sql":  "CREATE TABLE m1 (id INTEGER);",
		"002_second.sql": "CREATE TABLE m2 (id INTEGER);",
	}), testLogger())
	ctx := context.Background()

	applied, err := m.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.True(t, tableExists(t, p, "m1"))
	assert.True(t, tableExists(t, p, "m2"))

	current, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, current)

	// A second run finds nothing to do.
	applied, err = m.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
}

func TestMigrateTo_StopsAtTarget(t *testing.T) {
	p := newTestPool(t)
	m := NewManager(p, scripts(map[string]string{
		"001_first.sql":  "CREATE TABLE m1 (id INTEGER);",
		"002_second.sql": "CREATE TABLE m2 (id INTEGER);",
		"003_third.sql":  "CREATE TABLE m3 (id INTEGER);",
	}), testLogger())
	ctx := context.Background()

	applied, err := m.MigrateTo(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.False(t, tableExists(t, p, "m3"))

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].Version)
}

func TestMigrate_StopsAtFirstFailureAndRollsBack(t *testing.T) {
	p := newTestPool(t)
	files := map[string]string{
		"001_first.sql":    "CREATE TABLE m1 (id INTEGER);",
		"001_rollback.sql": "DROP TABLE m1;",
		// The first statement succeeds, the second fails, so the whole
		// version must roll back.
		"002_broken.sql": "CREATE TABLE m2 (id INTEGER); INSERT INTO missing_table VALUES (1);",
		"003_third.sql":  "CREATE TABLE m3 (id INTEGER);",
	}
	m := NewManager(p, scripts(files), testLogger())
	ctx := context.Background()

	applied, err := m.Migrate(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, applied)

	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, 2, applyErr.Version)

	assert.True(t, tableExists(t, p, "m1"))
	assert.False(t, tableExists(t, p, "m2"))
	assert.False(t, tableExists(t, p, "m3"))

	records, err := m.ledger(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, StatusApplied, records[0].Status)
	assert.Equal(t, StatusFailed, records[1].Status)

	// The failed version blocks another forward run.
	_, err = m.Migrate(ctx)
	var failedErr *FailedVersionError
	require.ErrorAs(t, err, &failedErr)
	assert.Equal(t, 2, failedErr.Version)

	// Rolling back clears the failed record without running a script.
	reverted, err := m.Rollback(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, reverted)

	// A fixed script set applies cleanly on a fresh manager.
	files["002_broken.sql"] = "CREATE TABLE m2 (id INTEGER);"
	fixed := NewManager(p, scripts(files), testLogger())
	applied, err = fixed.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	current, err := fixed.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, current)
}

func TestRollback_RevertsAboveTargetDescending(t *testing.T) {
	p := newTestPool(t)
	m := NewManager(p, scripts(map[string]string{
		"001_first.sql":    "CREATE TABLE m1 (id INTEGER);",
		"001_rollback.sql": "DROP TABLE m1;",
		"002_second.sql":   "CREATE TABLE m2 (id INTEGER);",
		"002_rollback.sql": "DROP TABLE m2;",
		"003_third.sql":    "CREATE TABLE m3 (id INTEGER);",
		"003_rollback.sql": "DROP TABLE m3;",
	}), testLogger())
	ctx := context.Background()

	_, err := m.Migrate(ctx)
	require.NoError(t, err)

	reverted, err := m.Rollback(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, reverted)

	assert.True(t, tableExists(t, p, "m1"))
	assert.False(t, tableExists(t, p, "m2"))
	assert.False(t, tableExists(t, p, "m3"))

	current, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, current)
}

func TestRollback_MissingReverseHalts(t *testing.T) {
	p := newTestPool(t)
	m := NewManager(p, scripts(map[string]string{
		"001_first.sql":    "CREATE TABLE m1 (id INTEGER);",
		"001_rollback.sql": "DROP TABLE m1;",
		"002_second.sql":   "CREATE TABLE m2 (id INTEGER);",
	}), testLogger())
	ctx := context.Background()

	_, err := m.Migrate(ctx)
	require.NoError(t, err)

	reverted, err := m.Rollback(ctx, 0)
	require.Error(t, err)
	assert.Equal(t, 0, reverted)

	var missing *MissingReverseError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 2, missing.Version)

	// Nothing below the halt point was touched.
	assert.True(t, tableExists(t, p, "m1"))
	assert.True(t, tableExists(t, p, "m2"))
}

func TestRollback_NegativeTargetRejected(t *testing.T) {
	m := NewManager(newTestPool(t), scripts(map[string]string{}), testLogger())
	_, err := m.Rollback(context.Background(), -1)
	require.Error(t, err)
}

func TestHooks_RunAfterCommitAndFailuresAreTolerated(t *testing.T) {
	p := newTestPool(t)
	m := NewManager(p, scripts(map[string]string{
		"001_first.sql": "CREATE TABLE m1 (id INTEGER);",
	}), testLogger())
	ctx := context.Background()

	hookRan := false
	m.RegisterHook(1, func(ctx context.Context, conn *sql.Conn, log *logrus.Entry) error {
		hookRan = true
		_, err := conn.ExecContext(ctx, "INSERT INTO m1 (id) VALUES (99)")
		return err
	})
	m.RegisterHook(1, func(ctx context.Context, conn *sql.Conn, log *logrus.Entry) error {
		return errors.New("hook failure")
	})

	applied, err := m.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.True(t, hookRan)

	// The hook's insert landed and the failing hook did not unseat the
	// migration.
	var count int
	err = p.ExecuteRead(ctx, "SELECT COUNT(*) FROM m1", nil, func(rows *sql.Rows) error {
		require.True(t, rows.Next())
		return rows.Scan(&count)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	current, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, current)
}

func TestStatus_MergesScriptsAndLedger(t *testing.T) {
	p := newTestPool(t)
	m := NewManager(p, scripts(map[string]string{
		"001_first.sql":  "CREATE TABLE m1 (id INTEGER);",
		"002_second.sql": "CREATE TABLE m2 (id INTEGER);",
	}), testLogger())
	ctx := context.Background()

	_, err := m.MigrateTo(ctx, 1)
	require.NoError(t, err)

	entries, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, StatusApplied, entries[0].Status)
	require.NotNil(t, entries[0].AppliedAt)
	assert.WithinDuration(t, time.Now(), *entries[0].AppliedAt, time.Minute)
	assert.Equal(t, StatusPending, entries[1].Status)
	assert.Nil(t, entries[1].AppliedAt)
}

func TestEmbeddedScripts_ApplyAndBackfillSkills(t *testing.T) {
	p := newTestPool(t)
	m := NewManager(p, Files(), testLogger())
	m.RegisterHook(2, BackfillJobSkills)
	ctx := context.Background()

	// Stop after the initial schema so a legacy row exists before the
	// skills table and its backfill arrive.
	applied, err := m.MigrateTo(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	_, err = p.ExecuteWrite(ctx,
		"INSERT INTO job_postings (company, title, description, description_hash, skills_csv) VALUES (?, ?, ?, ?, ?)",
		"Initech", "Engineer", "desc", "hash1", "Go, SQL, go , ")
	require.NoError(t, err)

	applied, err = m.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	var skills []string
	err = p.ExecuteRead(ctx,
		"SELECT skill FROM job_skills ORDER BY skill", nil, func(rows *sql.Rows) error {
			for rows.Next() {
				var s string
				if err := rows.Scan(&s); err != nil {
					return err
				}
				skills = append(skills, s)
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "sql"}, skills)

	current, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, current)
}

func TestEmbeddedScripts_RollBackCleanly(t *testing.T) {
	p := newTestPool(t)
	m := NewManager(p, Files(), testLogger())
	ctx := context.Background()

	_, err := m.Migrate(ctx)
	require.NoError(t, err)

	reverted, err := m.Rollback(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, reverted)

	assert.False(t, tableExists(t, p, "job_postings"))
	assert.False(t, tableExists(t, p, "generated_documents"))
	assert.False(t, tableExists(t, p, "company_research"))
	assert.False(t, tableExists(t, p, "job_skills"))

	current, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, current)
}
