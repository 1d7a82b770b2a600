package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/page-generator/internal/jobs"
	"github.com/rossigee/page-generator/internal/metrics"
	"github.com/rossigee/page-generator/internal/storage"
	"github.com/rossigee/page-generator/internal/tracker"
	"github.com/rossigee/page-generator/pkg/types"
	"github.com/sirupsen/logrus"
)

// JobManager interface for job operations
type JobManager interface {
	Submit(ctx context.Context, prompt string) (string, error)
	ActiveJobs() int
}

// Store reads published pages and job listings
type Store interface {
	GetPage(ctx context.Context, slug string) (*storage.PageRecord, error)
	ListJobs(ctx context.Context, filter storage.ListJobsFilter) ([]*storage.JobRecord, error)
}

// Config tunes the handler
type Config struct {
	// PollInterval is the fallback poll period of event streams
	PollInterval time.Duration
	// DegradedAt is the number of running jobs from which health reports degraded
	DegradedAt int
	Version    string
}

// Handler handles HTTP API requests
type Handler struct {
	jobManager JobManager
	snapshots  tracker.Source
	store      Store
	cfg        Config
	startTime  time.Time
}

// NewHandler creates a new API handler
func NewHandler(jobManager JobManager, snapshots tracker.Source, store Store, cfg Config) *Handler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = tracker.DefaultPollInterval
	}
	if cfg.DegradedAt <= 0 {
		cfg.DegradedAt = 4
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Handler{
		jobManager: jobManager,
		snapshots:  snapshots,
		store:      store,
		cfg:        cfg,
		startTime:  time.Now(),
	}
}

// SetupRoutes configures the API routes
func SetupRoutes(router *gin.Engine, handler *Handler) {
	api := router.Group("/api/v1")
	{
		api.POST("/generate", handler.Generate)
		api.GET("/jobs", handler.ListJobs)
		api.GET("/jobs/:job_id", handler.GetJob)
		api.GET("/jobs/:job_id/events", handler.StreamJob)
		api.GET("/pages/:slug", handler.GetPage)
	}

	// Health check endpoint
	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// Generate accepts a prompt and starts a generation job
func (h *Handler) Generate(c *gin.Context) {
	var req types.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: err.Error(),
			Code:    400,
		})
		return
	}

	jobID, err := h.jobManager.Submit(c.Request.Context(), req.Prompt)
	if err != nil {
		writeError(c, "failed to start generation", err)
		return
	}

	c.JSON(http.StatusAccepted, types.GenerateResponse{
		JobID:   jobID,
		Status:  "started",
		Message: "Website generation started",
	})
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type listJobsQuery struct {
	Status string `form:"status" binding:"omitempty,oneof=pending processing completed failed"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=200"`
	Offset int    `form:"offset" binding:"omitempty,min=0"`
}

// ListJobs returns recently updated jobs, optionally filtered by status
func (h *Handler) ListJobs(c *gin.Context) {
	var q listJobsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: err.Error(),
			Code:    400,
		})
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultListLimit
	}

	records, err := h.store.ListJobs(c.Request.Context(), storage.ListJobsFilter{
		Status: q.Status,
		Limit:  min(q.Limit, maxListLimit),
		Offset: q.Offset,
	})
	if err != nil {
		writeError(c, "failed to list jobs", err)
		return
	}

	resp := types.ListJobsResponse{
		Jobs:   make([]types.JobSummary, 0, len(records)),
		Limit:  q.Limit,
		Offset: q.Offset,
	}
	for _, r := range records {
		resp.Jobs = append(resp.Jobs, types.JobSummary{
			JobID:        r.ID,
			Prompt:       r.Prompt,
			Status:       types.JobStatus(r.Status),
			PageSlug:     r.PageSlug,
			ErrorMessage: r.ErrorMessage,
			Version:      r.Version,
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
			CompletedAt:  r.CompletedAt,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// GetJob returns the current snapshot of a job
func (h *Handler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	snap, err := h.snapshots.FetchOnce(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, "failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

// StreamJob sends job snapshots as server-sent events until the job is finished
func (h *Handler) StreamJob(c *gin.Context) {
	jobID := c.Param("job_id")
	ctx := c.Request.Context()

	if _, err := h.snapshots.FetchOnce(ctx, jobID); err != nil {
		writeError(c, "failed to get job", err)
		return
	}

	updates := make(chan *types.JobSnapshot, 16)
	quit := make(chan struct{})

	tr := tracker.Track(ctx, h.snapshots, jobID, h.cfg.PollInterval, func(snap *types.JobSnapshot) {
		select {
		case updates <- snap:
		case <-quit:
		}
	})
	defer tr.Stop()
	defer close(quit)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case snap := <-updates:
			c.SSEvent("snapshot", snap)
			return !snap.IsTerminal()
		case <-tr.Done():
			for {
				select {
				case snap := <-updates:
					c.SSEvent("snapshot", snap)
				default:
					if err := tr.Err(); err != nil {
						c.SSEvent("error", types.ErrorResponse{Error: "tracking ended", Message: err.Error()})
					}
					return false
				}
			}
		case <-ctx.Done():
			return false
		}
	})

	logrus.WithField("job_id", jobID).Debug("Job event stream closed")
}

// GetPage returns a published page
func (h *Handler) GetPage(c *gin.Context) {
	slug := c.Param("slug")

	page, err := h.store.GetPage(c.Request.Context(), slug)
	if err != nil {
		writeError(c, "failed to get page", err)
		return
	}

	c.JSON(http.StatusOK, types.PageResponse{
		Slug:        page.Slug,
		Prompt:      page.Prompt,
		PageSpec:    json.RawMessage(page.PageSpec),
		CopySpec:    json.RawMessage(page.CopySpec),
		ThemeTokens: optionalRaw(page.ThemeTokens),
		Images:      optionalRaw(page.Images),
		Published:   page.Published,
		CreatedAt:   page.CreatedAt,
	})
}

// HealthCheck provides service health information
func (h *Handler) HealthCheck(c *gin.Context) {
	activeJobs := h.jobManager.ActiveJobs()

	response := types.HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    h.cfg.Version,
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		ActiveJobs: activeJobs,
	}

	// Return degraded status if too many active jobs
	if activeJobs >= h.cfg.DegradedAt {
		response.Status = "degraded"
	}

	c.JSON(http.StatusOK, response)
}

// writeError maps engine and store errors to HTTP responses
func writeError(c *gin.Context, summary string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobs.ErrInvalidInput):
		status = http.StatusBadRequest
		summary = "invalid request"
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
		summary = "not found"
	case errors.Is(err, jobs.ErrEngineUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		logrus.WithError(err).WithField("path", c.FullPath()).Error(summary)
	}

	c.JSON(status, types.ErrorResponse{
		Error:   summary,
		Message: err.Error(),
		Code:    status,
	})
}

func optionalRaw(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
