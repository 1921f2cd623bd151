package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/applyforge/contentstore/internal/cache"
	"github.com/applyforge/contentstore/internal/migrate"
	"github.com/applyforge/contentstore/internal/monitor"
	"github.com/applyforge/contentstore/internal/pool"
	"github.com/applyforge/contentstore/internal/storage"
	"github.com/applyforge/contentstore/pkg/types"
)

// Runtime is the slice of the store the HTTP surface needs.
type Runtime interface {
	Health(ctx context.Context) error
	PoolStats() pool.Stats
	CacheStats() cache.Stats
	OperationStats() map[string]monitor.OpStats
	SlowQueries() []monitor.SlowSample
	SlowCount() uint64
	MigrationStatus(ctx context.Context) ([]migrate.StatusEntry, error)
	GetJobPosting(ctx context.Context, id int64) (*types.JobPosting, error)
	ListJobPostings(ctx context.Context, filter storage.JobPostingFilter) (*types.Page[types.JobPosting], error)
	ListGeneratedDocuments(ctx context.Context, filter storage.DocumentFilter) (*types.Page[types.GeneratedDocument], error)
}

// Handler handles HTTP API requests
type Handler struct {
	runtime Runtime
	version string
}

// NewHandler creates a new API handler
func NewHandler(runtime Runtime, version string) *Handler {
	return &Handler{
		runtime: runtime,
		version: version,
	}
}

// SetupRoutes configures the API routes. A non-nil authMW guards the
// /api/v1 group; health and metrics stay open for probes and scrapers.
func SetupRoutes(router *gin.Engine, handler *Handler, metrics http.Handler, authMW gin.HandlerFunc) {
	api := router.Group("/api/v1")
	if authMW != nil {
		api.Use(authMW)
	}
	{
		api.GET("/status", handler.MigrationStatus)
		api.GET("/stats", handler.Stats)
		api.GET("/slow-queries", handler.SlowQueries)
		api.GET("/postings", handler.ListJobPostings)
		api.GET("/postings/:id", handler.GetJobPosting)
		api.GET("/documents", handler.ListGeneratedDocuments)
	}

	// Health check endpoint
	router.GET("/health", handler.HealthCheck)

	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
}

// MigrationStatus returns the merged migration script and ledger view
func (h *Handler) MigrationStatus(c *gin.Context) {
	entries, err := h.runtime.MigrationStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{
			Error:   "failed to read migration status",
			Message: err.Error(),
			Code:    500,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"migrations": entries,
	})
}

// Stats returns pool, cache, and operation timing statistics
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pool":               h.runtime.PoolStats(),
		"cache":              h.runtime.CacheStats(),
		"operations":         h.runtime.OperationStats(),
		"slow_queries_total": h.runtime.SlowCount(),
	})
}

// SlowQueries returns the recent slow operation samples
func (h *Handler) SlowQueries(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"total":  h.runtime.SlowCount(),
		"recent": h.runtime.SlowQueries(),
	})
}

// GetJobPosting returns one job posting by id
func (h *Handler) GetJobPosting(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: "id must be a positive integer",
			Code:    400,
		})
		return
	}

	posting, err := h.runtime.GetJobPosting(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.ErrorResponse{
				Error:   "posting not found",
				Message: err.Error(),
				Code:    404,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{
			Error:   "failed to load posting",
			Message: err.Error(),
			Code:    500,
		})
		return
	}

	c.JSON(http.StatusOK, posting)
}

// ListJobPostings returns one page of job postings
func (h *Handler) ListJobPostings(c *gin.Context) {
	filter := storage.JobPostingFilter{
		Company:  c.Query("company"),
		Skill:    c.Query("skill"),
		Search:   c.Query("search"),
		Page:     intQuery(c, "page"),
		PageSize: intQuery(c, "page_size"),
	}

	page, err := h.runtime.ListJobPostings(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{
			Error:   "failed to list postings",
			Message: err.Error(),
			Code:    500,
		})
		return
	}

	c.JSON(http.StatusOK, page)
}

// ListGeneratedDocuments returns one page of generated documents
func (h *Handler) ListGeneratedDocuments(c *gin.Context) {
	kind := c.Query("kind")
	if kind != "" && !types.DocumentKind(kind).Valid() {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: "kind must be resume or cover_letter",
			Code:    400,
		})
		return
	}

	postingID, _ := strconv.ParseInt(c.Query("job_posting_id"), 10, 64)
	filter := storage.DocumentFilter{
		JobPostingID: postingID,
		Kind:         types.DocumentKind(kind),
		Company:      c.Query("company"),
		Page:         intQuery(c, "page"),
		PageSize:     intQuery(c, "page_size"),
	}

	page, err := h.runtime.ListGeneratedDocuments(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{
			Error:   "failed to list documents",
			Message: err.Error(),
			Code:    500,
		})
		return
	}

	c.JSON(http.StatusOK, page)
}

// HealthCheck provides service health information
func (h *Handler) HealthCheck(c *gin.Context) {
	response := types.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   h.version,
	}

	if err := h.runtime.Health(c.Request.Context()); err != nil {
		response.Status = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	// Report degraded while every base and overflow connection is taken.
	stats := h.runtime.PoolStats()
	if stats.Available == 0 && stats.OverflowInFlight >= stats.MaxOverflow {
		response.Status = "degraded"
	}

	c.JSON(http.StatusOK, response)
}

func intQuery(c *gin.Context, name string) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v < 0 {
		return 0
	}
	return v
}
