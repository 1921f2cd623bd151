package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"

	"github.com/applyforge/contentstore/internal/cache"
	"github.com/applyforge/contentstore/pkg/types"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// JobPostingFilter narrows and pages a posting listing. Zero fields are
// ignored; page numbering starts at 1.
type JobPostingFilter struct {
	Company  string
	Skill    string
	Search   string
	Page     int
	PageSize int
}

func (f *JobPostingFilter) normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
}

func (f *JobPostingFilter) conditions(dialect goqu.DialectWrapper) []goqu.Expression {
	var conds []goqu.Expression
	if f.Company != "" {
		conds = append(conds, goqu.I("jp.company").Eq(f.Company))
	}
	if f.Skill != "" {
		skillMatch := dialect.From("job_skills").
			Select("job_posting_id").
			Where(goqu.C("skill").Eq(strings.ToLower(strings.TrimSpace(f.Skill))))
		conds = append(conds, goqu.I("jp.id").In(skillMatch))
	}
	if f.Search != "" {
		pattern := "%" + f.Search + "%"
		conds = append(conds, goqu.Or(
			goqu.I("jp.title").Like(pattern),
			goqu.I("jp.description").Like(pattern),
		))
	}
	return conds
}

// DocumentFilter narrows and pages a document listing.
type DocumentFilter struct {
	JobPostingID int64
	Kind         types.DocumentKind
	Company      string
	Page         int
	PageSize     int
}

func (f *DocumentFilter) normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
}

func (f *DocumentFilter) conditions() []goqu.Expression {
	var conds []goqu.Expression
	if f.JobPostingID != 0 {
		conds = append(conds, goqu.I("gd.job_posting_id").Eq(f.JobPostingID))
	}
	if f.Kind != "" {
		conds = append(conds, goqu.I("gd.kind").Eq(string(f.Kind)))
	}
	if f.Company != "" {
		conds = append(conds, goqu.I("jp.company").Eq(f.Company))
	}
	return conds
}

// newPage assembles the uniform pagination envelope.
func newPage[T any](items []T, page, pageSize int, total int64) *types.Page[T] {
	pages := 0
	if total > 0 {
		pages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	if items == nil {
		items = []T{}
	}
	return &types.Page[T]{
		Items:    items,
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		Pages:    pages,
	}
}

// countRows runs a COUNT(*) dataset on the leased connection.
func countRows(ctx context.Context, conn *sql.Conn, ds *goqu.SelectDataset) (int64, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}
	var total int64
	if err := conn.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// ListJobPostings returns one page of postings, newest first. The page
// and its count share one leased connection.
func (s *Store) ListJobPostings(ctx context.Context, filter JobPostingFilter) (*types.Page[types.JobPosting], error) {
	filter.normalize()
	key := cache.Key(identityJobPostings, "list",
		filter.Company, filter.Skill, filter.Search, filter.Page, filter.PageSize)
	return readThrough(ctx, s, "list_job_postings", key, func(ctx context.Context) (*types.Page[types.JobPosting], error) {
		var page *types.Page[types.JobPosting]
		err := s.pool.Read(ctx, func(conn *sql.Conn) error {
			conds := filter.conditions(s.dialect)

			countDS := s.dialect.From(goqu.T("job_postings").As("jp")).
				Select(goqu.COUNT("*")).
				Where(conds...).
				Prepared(true)
			total, err := countRows(ctx, conn, countDS)
			if err != nil {
				return err
			}

			pageDS := s.jobPostingQuery().
				Where(conds...).
				Order(goqu.I("jp.created_at").Desc(), goqu.I("jp.id").Desc()).
				Limit(uint(filter.PageSize)).
				Offset(uint((filter.Page - 1) * filter.PageSize))
			query, args, err := pageDS.ToSQL()
			if err != nil {
				return fmt.Errorf("failed to build page query: %w", err)
			}
			rows, err := conn.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			defer func() {
				_ = rows.Close()
			}()

			var items []types.JobPosting
			for rows.Next() {
				p, err := scanJobPosting(rows)
				if err != nil {
					return err
				}
				items = append(items, *p)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			page = newPage(items, filter.Page, filter.PageSize, total)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return page, nil
	})
}

// ListGeneratedDocuments returns one page of documents, newest first,
// each joined with its posting's company and title.
func (s *Store) ListGeneratedDocuments(ctx context.Context, filter DocumentFilter) (*types.Page[types.GeneratedDocument], error) {
	filter.normalize()
	key := cache.Key(identityDocuments, "list",
		filter.JobPostingID, string(filter.Kind), filter.Company, filter.Page, filter.PageSize)
	return readThrough(ctx, s, "list_generated_documents", key, func(ctx context.Context) (*types.Page[types.GeneratedDocument], error) {
		var page *types.Page[types.GeneratedDocument]
		err := s.pool.Read(ctx, func(conn *sql.Conn) error {
			conds := filter.conditions()

			countDS := s.dialect.From(goqu.T("generated_documents").As("gd")).
				Select(goqu.COUNT("*")).
				LeftJoin(goqu.T("job_postings").As("jp"), goqu.On(goqu.I("jp.id").Eq(goqu.I("gd.job_posting_id")))).
				Where(conds...).
				Prepared(true)
			total, err := countRows(ctx, conn, countDS)
			if err != nil {
				return err
			}

			pageDS := s.documentQuery().
				Where(conds...).
				Order(goqu.I("gd.created_at").Desc(), goqu.I("gd.id").Desc()).
				Limit(uint(filter.PageSize)).
				Offset(uint((filter.Page - 1) * filter.PageSize))
			query, args, err := pageDS.ToSQL()
			if err != nil {
				return fmt.Errorf("failed to build page query: %w", err)
			}
			rows, err := conn.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			defer func() {
				_ = rows.Close()
			}()

			var items []types.GeneratedDocument
			for rows.Next() {
				d, err := scanGeneratedDocument(rows)
				if err != nil {
					return err
				}
				items = append(items, *d)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			page = newPage(items, filter.Page, filter.PageSize, total)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return page, nil
	})
}
