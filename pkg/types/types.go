package types

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// DocumentKind enumerates the document types the pipeline generates.
type DocumentKind string

const (
	KindResume      DocumentKind = "resume"
	KindCoverLetter DocumentKind = "cover_letter"
)

// Valid reports whether k is a known document kind.
func (k DocumentKind) Valid() bool {
	return k == KindResume || k == KindCoverLetter
}

// JobPosting is one ingested job advertisement.
type JobPosting struct {
	ID              int64     `json:"id" db:"id"`
	Company         string    `json:"company" db:"company"`
	Title           string    `json:"title,omitempty" db:"title"`
	Description     string    `json:"description" db:"description"`
	DescriptionHash string    `json:"-" db:"description_hash"`
	SourceURL       string    `json:"source_url,omitempty" db:"source_url"`
	Skills          []string  `json:"skills,omitempty" db:"-"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// GeneratedDocument is one model-produced document tied to a job posting.
// Company and JobTitle are filled from the posting on joined reads.
type GeneratedDocument struct {
	ID           int64        `json:"id" db:"id"`
	JobPostingID int64        `json:"job_posting_id" db:"job_posting_id"`
	Kind         DocumentKind `json:"kind" db:"kind"`
	Content      string       `json:"content" db:"content"`
	ContentHash  string       `json:"-" db:"content_hash"`
	Model        string       `json:"model,omitempty" db:"model"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	Company      string       `json:"company,omitempty" db:"company"`
	JobTitle     string       `json:"job_title,omitempty" db:"job_title"`
}

// CompanyResearch is cached research fetched for a company and topic.
type CompanyResearch struct {
	ID        int64      `json:"id" db:"id"`
	Company   string     `json:"company" db:"company"`
	Topic     string     `json:"topic" db:"topic"`
	Content   string     `json:"content" db:"content"`
	FetchedAt time.Time  `json:"fetched_at" db:"fetched_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// Page is one page of a paginated listing.
type Page[T any] struct {
	Items    []T   `json:"items"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
	Pages    int   `json:"pages"`
}

// VerifyReport summarizes a database verification pass.
type VerifyReport struct {
	IntegrityOK      bool             `json:"integrity_ok"`
	IntegrityDetail  []string         `json:"integrity_detail,omitempty"`
	ForeignKeyErrors int              `json:"foreign_key_errors"`
	RowCounts        map[string]int64 `json:"row_counts"`
	IndexCount       int              `json:"index_count"`
	SchemaVersion    int              `json:"schema_version"`
}

// OK reports whether the verification found no problems.
func (r *VerifyReport) OK() bool {
	return r.IntegrityOK && r.ForeignKeyErrors == 0
}

// ErrorResponse is the JSON error envelope served by the ops API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// HealthResponse is served by the ops health endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}
