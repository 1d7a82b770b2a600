package types

import (
	"encoding/json"
	"time"
)

// GenerateRequest represents a page generation request
type GenerateRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// GenerateResponse represents the response to a generation request
type GenerateResponse struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// JobStatus represents the status of a generation job
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further mutation can happen to a job in this status.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage is one step of the generation pipeline.
type Stage string

const (
	StageInitializing Stage = "initializing"
	StageAnalyzing    Stage = "analyzing"
	StageGenerating   Stage = "generating"
	StageProcessing   Stage = "processing"
	StageValidating   Stage = "validating"
	StageSaving       Stage = "saving"
	StageCompleted    Stage = "completed"

	// StageFailed only appears in the event log, never in a job's progress snapshot.
	StageFailed Stage = "failed"
)

// StageOrder is the fixed order every job walks through.
var StageOrder = []Stage{
	StageInitializing,
	StageAnalyzing,
	StageGenerating,
	StageProcessing,
	StageValidating,
	StageSaving,
	StageCompleted,
}

// Rank returns the position of s in StageOrder, or -1 for stages outside it.
func (s Stage) Rank() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// ProgressInfo represents progress information for a job
type ProgressInfo struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
	Percent int    `json:"percent"`
}

// ProgressEvent is one entry of a job's append-only progress log
type ProgressEvent struct {
	JobID     string    `json:"jobId"`
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	Percent   int       `json:"percent"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobSnapshot is the observable state of a job
type JobSnapshot struct {
	JobID        string          `json:"jobId"`
	Status       JobStatus       `json:"status"`
	Progress     *ProgressInfo   `json:"progress,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	PageSlug     string          `json:"pageSlug,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	RecentEvents []ProgressEvent `json:"updates"`
}

// IsTerminal reports whether the snapshot describes a finished job.
func (s *JobSnapshot) IsTerminal() bool {
	return s != nil && s.Status.IsTerminal()
}

// NewerThan reports whether s supersedes other. A nil other is always superseded.
func (s *JobSnapshot) NewerThan(other *JobSnapshot) bool {
	if other == nil {
		return true
	}
	if s.Version != other.Version {
		return s.Version > other.Version
	}
	return s.UpdatedAt.After(other.UpdatedAt)
}

// PageResponse represents a published page
type PageResponse struct {
	Slug        string          `json:"slug"`
	Prompt      string          `json:"prompt"`
	PageSpec    json.RawMessage `json:"pageSpec"`
	CopySpec    json.RawMessage `json:"copySpec"`
	ThemeTokens json.RawMessage `json:"themeTokens,omitempty"`
	Images      json.RawMessage `json:"images,omitempty"`
	Published   bool            `json:"published"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// JobSummary is a job as shown in listings
type JobSummary struct {
	JobID        string     `json:"jobId"`
	Prompt       string     `json:"prompt"`
	Status       JobStatus  `json:"status"`
	PageSlug     string     `json:"pageSlug,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// ListJobsResponse represents a page of jobs
type ListJobsResponse struct {
	Jobs   []JobSummary `json:"jobs"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version"`
	Uptime     string    `json:"uptime"`
	ActiveJobs int       `json:"active_jobs"`
}
