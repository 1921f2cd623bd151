// Package storage is the data access facade over the pooled SQLite
// database. Reads compose the performance monitor and result cache
// around the query; writes run in immediate transactions with bounded
// retries for the transient SQLite error class, and every mutation
// invalidates the cache namespaces it can affect before returning.
package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/applyforge/contentstore/internal/cache"
	"github.com/applyforge/contentstore/internal/migrate"
	"github.com/applyforge/contentstore/internal/monitor"
	"github.com/applyforge/contentstore/internal/pool"
	"github.com/applyforge/contentstore/pkg/types"
)

// Cache namespaces, one per entity. Writes invalidate the whole
// namespace rather than tracking individual keys.
const (
	identityJobPostings = "job_postings"
	identityDocuments   = "generated_documents"
	identityResearch    = "company_research"
)

const (
	maxWriteAttempts = 5
	retryBaseDelay   = 100 * time.Millisecond
)

// Store is the single entry point the rest of the system uses to read
// and write content.
type Store struct {
	pool       *pool.Pool
	cache      *cache.Cache
	monitor    *monitor.Monitor
	migrations *migrate.Manager
	log        *logrus.Entry
	dialect    goqu.DialectWrapper
}

// New wires the facade. All collaborators are required; the migration
// manager is only consulted for status and schema version reporting.
func New(p *pool.Pool, c *cache.Cache, mon *monitor.Monitor, mgr *migrate.Manager, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		pool:       p,
		cache:      c,
		monitor:    mon,
		migrations: mgr,
		log:        log.WithField("component", "storage"),
		dialect:    goqu.Dialect("sqlite3"),
	}
}

// digest returns the short content fingerprint used for idempotency keys.
func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

func normalizeSkills(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		skill := strings.ToLower(strings.TrimSpace(raw))
		if skill == "" || seen[skill] {
			continue
		}
		seen[skill] = true
		out = append(out, skill)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

func splitSkills(csv string) []string {
	if csv == "" {
		return nil
	}
	skills := strings.Split(csv, ",")
	sort.Strings(skills)
	return skills
}

// withWriteRetry runs fn with up to maxWriteAttempts attempts, backing
// off from retryBaseDelay with doubling. Only the transient SQLite class
// (busy, locked, momentarily read-only) is retried; everything else
// propagates on the first attempt. The duration is recorded whether or
// not the write succeeded.
func (s *Store) withWriteRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	defer func() { s.monitor.Record(op, time.Since(start)) }()

	return retry.Do(
		func() error { return fn(ctx) },
		retry.Context(ctx),
		retry.Attempts(maxWriteAttempts),
		retry.Delay(retryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(pool.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			s.log.WithError(err).WithFields(logrus.Fields{
				"operation": op,
				"attempt":   n + 1,
			}).Warn("Retrying write after transient error")
		}),
	)
}

// readThrough composes the read interceptors explicitly: the monitor
// records on the way out whether or not the fetch failed, and the cache
// is only populated on success.
func readThrough[T any](ctx context.Context, s *Store, op, key string, fetch func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	defer func() { s.monitor.Record(op, time.Since(start)) }()

	if v, ok := s.cache.Get(key); ok {
		if cached, ok := v.(T); ok {
			return cached, nil
		}
	}
	var zero T
	v, err := fetch(ctx)
	if err != nil {
		return zero, err
	}
	s.cache.Set(key, v)
	return v, nil
}

// InsertJobPosting stores a posting. Re-inserting the same company and
// description returns the previously stored row, id included, instead of
// an error.
func (s *Store) InsertJobPosting(ctx context.Context, in *types.JobPosting) (*types.JobPosting, error) {
	if in == nil {
		return nil, fmt.Errorf("posting is required")
	}
	if in.Company == "" || in.Description == "" {
		return nil, fmt.Errorf("company and description are required")
	}
	hash := in.DescriptionHash
	if hash == "" {
		hash = digest(in.Description)
	}
	skills := normalizeSkills(in.Skills)

	var stored *types.JobPosting
	err := s.withWriteRetry(ctx, "insert_job_posting", func(ctx context.Context) error {
		stored = nil
		return s.pool.WriteTx(ctx, func(conn *sql.Conn) error {
			query, args, err := s.dialect.Insert("job_postings").Prepared(true).Rows(goqu.Record{
				"company":          in.Company,
				"title":            in.Title,
				"description":      in.Description,
				"description_hash": hash,
				"source_url":       in.SourceURL,
				"created_at":       time.Now().UTC(),
			}).ToSQL()
			if err != nil {
				return fmt.Errorf("failed to build insert: %w", err)
			}
			res, err := conn.ExecContext(ctx, query, args...)
			if err != nil {
				if pool.IsConstraintViolation(err) {
					existing, ferr := s.fetchJobPostingByKey(ctx, conn, in.Company, hash)
					if ferr != nil {
						return err
					}
					s.log.WithFields(logrus.Fields{
						"company": in.Company,
						"id":      existing.ID,
					}).Debug("Posting already stored, returning existing row")
					stored = existing
					return nil
				}
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to read inserted id: %w", err)
			}
			for _, skill := range skills {
				if _, err := conn.ExecContext(ctx,
					"INSERT OR IGNORE INTO job_skills (job_posting_id, skill) VALUES (?, ?)",
					id, skill); err != nil {
					return fmt.Errorf("failed to store skill %q: %w", skill, err)
				}
			}
			stored, err = s.fetchJobPostingByID(ctx, conn, id)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(identityJobPostings)
	return stored, nil
}

// InsertGeneratedDocument stores a generated document. Re-inserting the
// same (posting, kind, content) returns the stored row; a reference to a
// missing posting fails with the underlying constraint error.
func (s *Store) InsertGeneratedDocument(ctx context.Context, in *types.GeneratedDocument) (*types.GeneratedDocument, error) {
	if in == nil {
		return nil, fmt.Errorf("document is required")
	}
	if in.JobPostingID == 0 {
		return nil, fmt.Errorf("job_posting_id is required")
	}
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("unknown document kind %q", in.Kind)
	}
	if in.Content == "" {
		return nil, fmt.Errorf("content is required")
	}
	hash := in.ContentHash
	if hash == "" {
		hash = digest(in.Content)
	}

	var stored *types.GeneratedDocument
	err := s.withWriteRetry(ctx, "insert_generated_document", func(ctx context.Context) error {
		stored = nil
		return s.pool.WriteTx(ctx, func(conn *sql.Conn) error {
			query, args, err := s.dialect.Insert("generated_documents").Prepared(true).Rows(goqu.Record{
				"job_posting_id": in.JobPostingID,
				"kind":           string(in.Kind),
				"content":        in.Content,
				"content_hash":   hash,
				"model":          in.Model,
				"created_at":     time.Now().UTC(),
			}).ToSQL()
			if err != nil {
				return fmt.Errorf("failed to build insert: %w", err)
			}
			res, err := conn.ExecContext(ctx, query, args...)
			if err != nil {
				if pool.IsConstraintViolation(err) {
					existing, ferr := s.fetchGeneratedDocumentByKey(ctx, conn, in.JobPostingID, in.Kind, hash)
					if ferr != nil {
						// No stored row to fall back to, so this was a
						// foreign key or check failure, not a duplicate.
						return err
					}
					stored = existing
					return nil
				}
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to read inserted id: %w", err)
			}
			stored, err = s.fetchGeneratedDocumentByID(ctx, conn, id)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(identityDocuments)
	return stored, nil
}

// UpsertCompanyResearch stores research for (company, topic), refreshing
// content, fetch time, and expiry when the pair already exists.
func (s *Store) UpsertCompanyResearch(ctx context.Context, in *types.CompanyResearch) (*types.CompanyResearch, error) {
	if in == nil {
		return nil, fmt.Errorf("research is required")
	}
	if in.Company == "" || in.Topic == "" {
		return nil, fmt.Errorf("company and topic are required")
	}

	var stored *types.CompanyResearch
	err := s.withWriteRetry(ctx, "upsert_company_research", func(ctx context.Context) error {
		stored = nil
		return s.pool.WriteTx(ctx, func(conn *sql.Conn) error {
			now := time.Now().UTC()
			query, args, err := s.dialect.Insert("company_research").Prepared(true).
				Rows(goqu.Record{
					"company":    in.Company,
					"topic":      in.Topic,
					"content":    in.Content,
					"fetched_at": now,
					"expires_at": in.ExpiresAt,
				}).
				OnConflict(goqu.DoUpdate("company, topic", goqu.Record{
					"content":    in.Content,
					"fetched_at": now,
					"expires_at": in.ExpiresAt,
				})).
				ToSQL()
			if err != nil {
				return fmt.Errorf("failed to build upsert: %w", err)
			}
			if _, err := conn.ExecContext(ctx, query, args...); err != nil {
				return err
			}
			stored, err = s.fetchCompanyResearch(ctx, conn, in.Company, in.Topic)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(identityResearch)
	return stored, nil
}

// GetJobPosting returns one posting with its skills, cache-first.
func (s *Store) GetJobPosting(ctx context.Context, id int64) (*types.JobPosting, error) {
	key := cache.Key(identityJobPostings, "get", id)
	return readThrough(ctx, s, "get_job_posting", key, func(ctx context.Context) (*types.JobPosting, error) {
		var posting *types.JobPosting
		err := s.pool.Read(ctx, func(conn *sql.Conn) error {
			p, err := s.fetchJobPostingByID(ctx, conn, id)
			if err != nil {
				return err
			}
			posting = p
			return nil
		})
		if err != nil {
			return nil, err
		}
		return posting, nil
	})
}

// GetGeneratedDocument returns one document joined with its posting's
// company and title in a single round trip, cache-first.
func (s *Store) GetGeneratedDocument(ctx context.Context, id int64) (*types.GeneratedDocument, error) {
	key := cache.Key(identityDocuments, "get", id)
	return readThrough(ctx, s, "get_generated_document", key, func(ctx context.Context) (*types.GeneratedDocument, error) {
		var doc *types.GeneratedDocument
		err := s.pool.Read(ctx, func(conn *sql.Conn) error {
			d, err := s.fetchGeneratedDocumentByID(ctx, conn, id)
			if err != nil {
				return err
			}
			doc = d
			return nil
		})
		if err != nil {
			return nil, err
		}
		return doc, nil
	})
}

// GetCompanyResearch returns the research for (company, topic). An entry
// past its expiry is treated as not found and dropped from the cache.
func (s *Store) GetCompanyResearch(ctx context.Context, company, topic string) (*types.CompanyResearch, error) {
	key := cache.Key(identityResearch, "get", company, topic)
	research, err := readThrough(ctx, s, "get_company_research", key, func(ctx context.Context) (*types.CompanyResearch, error) {
		var r *types.CompanyResearch
		err := s.pool.Read(ctx, func(conn *sql.Conn) error {
			fetched, err := s.fetchCompanyResearch(ctx, conn, company, topic)
			if err != nil {
				return err
			}
			r = fetched
			return nil
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	if research.ExpiresAt != nil && !research.ExpiresAt.After(time.Now()) {
		s.cache.Delete(key)
		return nil, types.ErrNotFound
	}
	return research, nil
}

// jobPostingQuery is the shared joined select: one round trip brings a
// posting and its normalized skills back together.
func (s *Store) jobPostingQuery() *goqu.SelectDataset {
	return s.dialect.From(goqu.T("job_postings").As("jp")).
		Select(
			goqu.I("jp.id"), goqu.I("jp.company"), goqu.I("jp.title"),
			goqu.I("jp.description"), goqu.I("jp.description_hash"),
			goqu.I("jp.source_url"), goqu.I("jp.created_at"),
			goqu.COALESCE(goqu.Func("GROUP_CONCAT", goqu.I("js.skill")), goqu.V("")).As("skills"),
		).
		LeftJoin(goqu.T("job_skills").As("js"), goqu.On(goqu.I("js.job_posting_id").Eq(goqu.I("jp.id")))).
		GroupBy(goqu.I("jp.id")).
		Prepared(true)
}

// documentQuery joins each document with its posting's company and title
// so list and get reads stay single round trip.
func (s *Store) documentQuery() *goqu.SelectDataset {
	return s.dialect.From(goqu.T("generated_documents").As("gd")).
		Select(
			goqu.I("gd.id"), goqu.I("gd.job_posting_id"), goqu.I("gd.kind"),
			goqu.I("gd.content"), goqu.I("gd.content_hash"), goqu.I("gd.model"),
			goqu.I("gd.created_at"),
			goqu.I("jp.company"), goqu.I("jp.title").As("job_title"),
		).
		LeftJoin(goqu.T("job_postings").As("jp"), goqu.On(goqu.I("jp.id").Eq(goqu.I("gd.job_posting_id")))).
		Prepared(true)
}

func scanJobPosting(rows *sql.Rows) (*types.JobPosting, error) {
	var p types.JobPosting
	var skills string
	if err := rows.Scan(&p.ID, &p.Company, &p.Title, &p.Description, &p.DescriptionHash,
		&p.SourceURL, &p.CreatedAt, &skills); err != nil {
		return nil, err
	}
	p.Skills = splitSkills(skills)
	return &p, nil
}

func scanGeneratedDocument(rows *sql.Rows) (*types.GeneratedDocument, error) {
	var d types.GeneratedDocument
	if err := rows.Scan(&d.ID, &d.JobPostingID, &d.Kind, &d.Content, &d.ContentHash,
		&d.Model, &d.CreatedAt, &d.Company, &d.JobTitle); err != nil {
		return nil, err
	}
	return &d, nil
}

// queryOne runs ds on conn and scans the single expected row, mapping an
// empty result to types.ErrNotFound.
func queryOne[T any](ctx context.Context, conn *sql.Conn, ds *goqu.SelectDataset, scan func(*sql.Rows) (T, error)) (T, error) {
	var zero T
	query, args, err := ds.ToSQL()
	if err != nil {
		return zero, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return zero, err
	}
	defer func() {
		_ = rows.Close()
	}()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return zero, err
		}
		return zero, types.ErrNotFound
	}
	out, err := scan(rows)
	if err != nil {
		return zero, err
	}
	return out, rows.Err()
}

func (s *Store) fetchJobPostingByID(ctx context.Context, conn *sql.Conn, id int64) (*types.JobPosting, error) {
	return queryOne(ctx, conn, s.jobPostingQuery().Where(goqu.I("jp.id").Eq(id)), scanJobPosting)
}

func (s *Store) fetchJobPostingByKey(ctx context.Context, conn *sql.Conn, company, hash string) (*types.JobPosting, error) {
	ds := s.jobPostingQuery().Where(
		goqu.I("jp.company").Eq(company),
		goqu.I("jp.description_hash").Eq(hash),
	)
	return queryOne(ctx, conn, ds, scanJobPosting)
}

func (s *Store) fetchGeneratedDocumentByID(ctx context.Context, conn *sql.Conn, id int64) (*types.GeneratedDocument, error) {
	return queryOne(ctx, conn, s.documentQuery().Where(goqu.I("gd.id").Eq(id)), scanGeneratedDocument)
}

func (s *Store) fetchGeneratedDocumentByKey(ctx context.Context, conn *sql.Conn, postingID int64, kind types.DocumentKind, hash string) (*types.GeneratedDocument, error) {
	ds := s.documentQuery().Where(
		goqu.I("gd.job_posting_id").Eq(postingID),
		goqu.I("gd.kind").Eq(string(kind)),
		goqu.I("gd.content_hash").Eq(hash),
	)
	return queryOne(ctx, conn, ds, scanGeneratedDocument)
}

func (s *Store) fetchCompanyResearch(ctx context.Context, conn *sql.Conn, company, topic string) (*types.CompanyResearch, error) {
	ds := s.dialect.From("company_research").Prepared(true).
		Select("id", "company", "topic", "content", "fetched_at", "expires_at").
		Where(goqu.C("company").Eq(company), goqu.C("topic").Eq(topic))
	return queryOne(ctx, conn, ds, func(rows *sql.Rows) (*types.CompanyResearch, error) {
		var r types.CompanyResearch
		if err := rows.Scan(&r.ID, &r.Company, &r.Topic, &r.Content, &r.FetchedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		return &r, nil
	})
}

// PoolStats exposes pool accounting for the ops surfaces.
func (s *Store) PoolStats() pool.Stats { return s.pool.Stats() }

// CacheStats exposes cache counters for the ops surfaces.
func (s *Store) CacheStats() cache.Stats { return s.cache.Stats() }

// OperationStats exposes per-operation timing summaries.
func (s *Store) OperationStats() map[string]monitor.OpStats { return s.monitor.Stats() }

// SlowQueries exposes the recent slow operation samples.
func (s *Store) SlowQueries() []monitor.SlowSample { return s.monitor.SlowQueries() }

// SlowCount exposes the lifetime slow operation total.
func (s *Store) SlowCount() uint64 { return s.monitor.SlowCount() }

// MigrationStatus exposes the merged script/ledger migration view.
func (s *Store) MigrationStatus(ctx context.Context) ([]migrate.StatusEntry, error) {
	return s.migrations.Status(ctx)
}

// Health checks that a connection can be leased and queried.
func (s *Store) Health(ctx context.Context) error {
	return s.pool.Read(ctx, func(conn *sql.Conn) error {
		var one int
		return conn.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
}
