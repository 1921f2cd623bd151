// Package migrate applies versioned schema migrations from an fs.FS of
// numbered SQL scripts. Each forward script runs in its own immediate
// transaction together with its ledger row, so a failure rolls both back
// atomically; the failure itself is then recorded outside the transaction
// and applying stops. Reverse scripts named NNN_rollback.sql undo applied
// versions in descending order.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/applyforge/contentstore/internal/pool"
)

// scriptPattern matches NNN_description.sql. The description "rollback"
// marks the reverse script for that version.
var scriptPattern = regexp.MustCompile(`^(\d{3})_([A-Za-z0-9_]+)\.sql$`)

const (
	StatusPending = "pending"
	StatusApplied = "applied"
	StatusFailed  = "failed"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version           INTEGER PRIMARY KEY,
	name              TEXT NOT NULL,
	applied_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	execution_time_ms INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'applied'
)`

// Migration is one discovered forward script plus its reverse, if any.
type Migration struct {
	Version int
	Name    string
	Forward string
	Reverse string
}

// Record is one ledger row.
type Record struct {
	Version         int
	Name            string
	AppliedAt       time.Time
	ExecutionTimeMS int64
	Status          string
}

// StatusEntry merges a discovered migration with its ledger state.
type StatusEntry struct {
	Version         int        `json:"version"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	AppliedAt       *time.Time `json:"applied_at,omitempty"`
	ExecutionTimeMS int64      `json:"execution_time_ms,omitempty"`
}

// Manager discovers, applies, and reverts migrations against one pool.
type Manager struct {
	pool *pool.Pool
	fsys fs.FS
	log  *logrus.Entry

	mu         sync.Mutex
	hooks      map[int][]Hook
	migrations []Migration
	discovered bool
}

// NewManager builds a manager reading scripts from fsys. Use Files() for
// the embedded set or os.DirFS for an on-disk directory.
func NewManager(p *pool.Pool, fsys fs.FS, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		pool:  p,
		fsys:  fsys,
		log:   log.WithField("component", "migrate"),
		hooks: make(map[int][]Hook),
	}
}

// RegisterHook attaches a post-migration hook to a version. Hooks run in
// registration order after that version's transaction commits.
func (m *Manager) RegisterHook(version int, h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[version] = append(m.hooks[version], h)
}

// Discover scans the script filesystem once and caches the result.
// Malformed names are logged and skipped; duplicate forward versions are
// an error; version gaps are logged but allowed.
func (m *Manager) Discover() ([]Migration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discovered {
		return m.migrations, nil
	}

	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migration directory: %w", err)
	}

	forward := make(map[int]*Migration)
	reverse := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := scriptPattern.FindStringSubmatch(entry.Name())
		if match == nil {
			m.log.WithField("file", entry.Name()).Warn("Ignoring migration script with malformed name")
			continue
		}
		version, _ := strconv.Atoi(match[1])
		content, err := fs.ReadFile(m.fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		if match[2] == "rollback" {
			reverse[version] = string(content)
			continue
		}
		if prev, ok := forward[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %03d: %s and %s", version, prev.Name, match[2])
		}
		forward[version] = &Migration{
			Version: version,
			Name:    match[2],
			Forward: string(content),
		}
	}

	migrations := make([]Migration, 0, len(forward))
	for version, mig := range forward {
		mig.Reverse = reverse[version]
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	prev := 0
	for _, mig := range migrations {
		if mig.Version != prev+1 {
			m.log.WithFields(logrus.Fields{
				"after": prev,
				"next":  mig.Version,
			}).Warn("Gap in migration version sequence")
		}
		prev = mig.Version
	}

	m.migrations = migrations
	m.discovered = true
	m.log.WithField("count", len(migrations)).Debug("Discovered migrations")
	return migrations, nil
}

func (m *Manager) ensureLedger(ctx context.Context) error {
	_, err := m.pool.ExecuteWrite(ctx, ledgerSchema)
	if err != nil {
		return fmt.Errorf("failed to create migration ledger: %w", err)
	}
	return nil
}

// ledger returns all ledger rows ordered by version.
func (m *Manager) ledger(ctx context.Context) ([]Record, error) {
	var records []Record
	err := m.pool.ExecuteRead(ctx,
		"SELECT version, name, applied_at, execution_time_ms, status FROM schema_migrations ORDER BY version",
		nil, func(rows *sql.Rows) error {
			for rows.Next() {
				var r Record
				if err := rows.Scan(&r.Version, &r.Name, &r.AppliedAt, &r.ExecutionTimeMS, &r.Status); err != nil {
					return err
				}
				records = append(records, r)
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to read migration ledger: %w", err)
	}
	return records, nil
}

// load discovers scripts, ensures the ledger exists, and reads it.
func (m *Manager) load(ctx context.Context) ([]Migration, map[int]Record, error) {
	migrations, err := m.Discover()
	if err != nil {
		return nil, nil, err
	}
	if err := m.ensureLedger(ctx); err != nil {
		return nil, nil, err
	}
	records, err := m.ledger(ctx)
	if err != nil {
		return nil, nil, err
	}
	byVersion := make(map[int]Record, len(records))
	for _, r := range records {
		byVersion[r.Version] = r
	}
	return migrations, byVersion, nil
}

// Pending lists discovered migrations not yet applied.
func (m *Manager) Pending(ctx context.Context) ([]Migration, error) {
	migrations, records, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, mig := range migrations {
		if r, ok := records[mig.Version]; ok && r.Status == StatusApplied {
			continue
		}
		pending = append(pending, mig)
	}
	return pending, nil
}

// Migrate applies every pending migration in ascending order. It returns
// the number applied in this run.
func (m *Manager) Migrate(ctx context.Context) (int, error) {
	return m.MigrateTo(ctx, 0)
}

// MigrateTo applies pending migrations up to and including target; a
// target of zero means all. Applying stops at the first failure, and a
// previously failed version refuses to run until it is rolled back.
func (m *Manager) MigrateTo(ctx context.Context, target int) (int, error) {
	migrations, records, err := m.load(ctx)
	if err != nil {
		return 0, err
	}

	for _, r := range records {
		if r.Status == StatusFailed {
			return 0, &FailedVersionError{Version: r.Version, Name: r.Name}
		}
	}

	applied := 0
	for _, mig := range migrations {
		if target > 0 && mig.Version > target {
			break
		}
		if r, ok := records[mig.Version]; ok && r.Status == StatusApplied {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return applied, err
		}
		applied++
	}
	if applied > 0 {
		m.log.WithField("applied", applied).Info("Migrations applied")
	}
	return applied, nil
}

// apply runs one forward script and its ledger insert in a single
// transaction. On failure the transaction is rolled back and a failed
// ledger row is written outside it, then hooks are skipped.
func (m *Manager) apply(ctx context.Context, mig Migration) error {
	log := m.log.WithFields(logrus.Fields{"version": mig.Version, "name": mig.Name})
	log.Info("Applying migration")
	start := time.Now()

	err := m.pool.WriteTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, mig.Forward); err != nil {
			return err
		}
		elapsed := time.Since(start).Milliseconds()
		if _, err := conn.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name, execution_time_ms, status) VALUES (?, ?, ?, ?)",
			mig.Version, mig.Name, elapsed, StatusApplied); err != nil {
			return fmt.Errorf("failed to record ledger row: %w", err)
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Migration failed, rolled back")
		m.recordFailure(ctx, mig, time.Since(start))
		return &ApplyError{Version: mig.Version, Name: mig.Name, Err: err}
	}

	log.WithField("duration_ms", time.Since(start).Milliseconds()).Info("Migration applied")
	m.runHooks(ctx, mig)
	return nil
}

// recordFailure writes the failed ledger row after the migration
// transaction has rolled back, so the failure survives it.
func (m *Manager) recordFailure(ctx context.Context, mig Migration, elapsed time.Duration) {
	_, err := m.pool.ExecuteWrite(context.WithoutCancel(ctx),
		"INSERT OR REPLACE INTO schema_migrations (version, name, execution_time_ms, status) VALUES (?, ?, ?, ?)",
		mig.Version, mig.Name, elapsed.Milliseconds(), StatusFailed)
	if err != nil {
		m.log.WithError(err).WithField("version", mig.Version).Error("Failed to record migration failure")
	}
}

// runHooks executes the hooks registered for a version on a fresh lease.
func (m *Manager) runHooks(ctx context.Context, mig Migration) {
	m.mu.Lock()
	hooks := m.hooks[mig.Version]
	m.mu.Unlock()
	for _, h := range hooks {
		hookLog := m.log.WithField("version", mig.Version)
		err := m.pool.Write(ctx, func(conn *sql.Conn) error {
			return h(ctx, conn, hookLog)
		})
		if err != nil {
			hookLog.WithError(err).Warn("Post-migration hook failed, continuing")
		}
	}
}

// Rollback reverts applied versions strictly above target in descending
// order and returns how many reversals ran. Failed ledger rows above the
// target are cleared without running a script, which is how a failed
// migration is reset for retry. A version without a reverse script halts
// the walk with *MissingReverseError.
func (m *Manager) Rollback(ctx context.Context, target int) (int, error) {
	if target < 0 {
		return 0, fmt.Errorf("rollback target must be >= 0, got %d", target)
	}
	migrations, records, err := m.load(ctx)
	if err != nil {
		return 0, err
	}
	byVersion := make(map[int]Migration, len(migrations))
	for _, mig := range migrations {
		byVersion[mig.Version] = mig
	}

	versions := make([]int, 0, len(records))
	for v := range records {
		if v > target {
			versions = append(versions, v)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))

	reverted := 0
	for _, v := range versions {
		record := records[v]
		log := m.log.WithFields(logrus.Fields{"version": v, "name": record.Name})

		if record.Status == StatusFailed {
			// Nothing was applied for a failed version; clearing the row
			// is the whole rollback.
			if _, err := m.pool.ExecuteWrite(ctx, "DELETE FROM schema_migrations WHERE version = ?", v); err != nil {
				return reverted, fmt.Errorf("failed to clear failed migration %03d: %w", v, err)
			}
			log.Info("Cleared failed migration record")
			continue
		}

		mig, ok := byVersion[v]
		if !ok || mig.Reverse == "" {
			return reverted, &MissingReverseError{Version: v}
		}

		log.Info("Rolling back migration")
		err := m.pool.WriteTx(ctx, func(conn *sql.Conn) error {
			if _, err := conn.ExecContext(ctx, mig.Reverse); err != nil {
				return err
			}
			_, err := conn.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", v)
			return err
		})
		if err != nil {
			log.WithError(err).Error("Rollback failed, halting")
			return reverted, fmt.Errorf("rollback of %03d_%s failed: %w", v, record.Name, err)
		}
		reverted++
	}
	if reverted > 0 {
		m.log.WithFields(logrus.Fields{"reverted": reverted, "target": target}).Info("Rollback complete")
	}
	return reverted, nil
}

// CurrentVersion returns the highest applied version, zero when none.
func (m *Manager) CurrentVersion(ctx context.Context) (int, error) {
	if err := m.ensureLedger(ctx); err != nil {
		return 0, err
	}
	var version int
	err := m.pool.ExecuteRead(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations WHERE status = ?",
		[]any{StatusApplied}, func(rows *sql.Rows) error {
			if rows.Next() {
				return rows.Scan(&version)
			}
			return nil
		})
	if err != nil {
		return 0, fmt.Errorf("failed to read current version: %w", err)
	}
	return version, nil
}

// Status merges discovered migrations with the ledger. Ledger rows whose
// scripts have since disappeared are still listed.
func (m *Manager) Status(ctx context.Context) ([]StatusEntry, error) {
	migrations, records, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(migrations))
	entries := make([]StatusEntry, 0, len(migrations))
	for _, mig := range migrations {
		seen[mig.Version] = true
		entry := StatusEntry{Version: mig.Version, Name: mig.Name, Status: StatusPending}
		if r, ok := records[mig.Version]; ok {
			appliedAt := r.AppliedAt
			entry.Status = r.Status
			entry.AppliedAt = &appliedAt
			entry.ExecutionTimeMS = r.ExecutionTimeMS
		}
		entries = append(entries, entry)
	}
	for v, r := range records {
		if seen[v] {
			continue
		}
		appliedAt := r.AppliedAt
		entries = append(entries, StatusEntry{
			Version:         v,
			Name:            r.Name,
			Status:          r.Status,
			AppliedAt:       &appliedAt,
			ExecutionTimeMS: r.ExecutionTimeMS,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })
	return entries, nil
}
