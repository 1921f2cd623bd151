//go:build integration
// +build integration

package integration

import "time"

// healthResponse mirrors the /health payload
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// migrationEntry mirrors one row of the /api/v1/status payload
type migrationEntry struct {
	Version   int        `json:"version"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// statusResponse mirrors the /api/v1/status payload
type statusResponse struct {
	Migrations []migrationEntry `json:"migrations"`
}

// statsResponse mirrors the /api/v1/stats payload
type statsResponse struct {
	Pool             map[string]any `json:"pool"`
	Cache            map[string]any `json:"cache"`
	Operations       map[string]any `json:"operations"`
	SlowQueriesTotal uint64         `json:"slow_queries_total"`
}

// posting mirrors the fields of a job posting the tests assert on
type posting struct {
	ID        int64     `json:"id"`
	Company   string    `json:"company"`
	Title     string    `json:"title"`
	Skills    []string  `json:"skills"`
	CreatedAt time.Time `json:"created_at"`
}

// postingPage mirrors the pagination envelope for postings
type postingPage struct {
	Items    []posting `json:"items"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
	Total    int64     `json:"total"`
	Pages    int       `json:"pages"`
}

// document mirrors the fields of a generated document the tests assert on
type document struct {
	ID           int64  `json:"id"`
	JobPostingID int64  `json:"job_posting_id"`
	Kind         string `json:"kind"`
	Content      string `json:"content"`
	Company      string `json:"company"`
	JobTitle     string `json:"job_title"`
}

// documentPage mirrors the pagination envelope for documents
type documentPage struct {
	Items    []document `json:"items"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
	Total    int64      `json:"total"`
	Pages    int        `json:"pages"`
}
