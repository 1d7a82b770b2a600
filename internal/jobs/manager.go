// Package jobs runs page generation jobs. Each job walks a fixed sequence of stages in a background
// goroutine and ends in exactly one terminal write.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rossigee/page-generator/internal/metrics"
	"github.com/rossigee/page-generator/internal/pexels"
	"github.com/rossigee/page-generator/internal/storage"
	"github.com/rossigee/page-generator/pkg/types"
	"github.com/sirupsen/logrus"
)

// Store is the part of the job store the engine writes to
type Store interface {
	CreateJob(ctx context.Context, record *storage.JobRecord) error
	RecordProgress(ctx context.Context, id string, upd storage.JobUpdate, event *storage.EventRecord) error
	FinalizeJob(ctx context.Context, params storage.FinalizeParams) (bool, error)
	SavePage(ctx context.Context, page *storage.PageRecord) error
}

// Backend generates the raw page document for a rendered prompt
type Backend interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Notifier is told whenever a job's stored state changed
type Notifier interface {
	Publish(ctx context.Context, jobID string) error
}

// PhotoFinder resolves an image slot to a stock photo
type PhotoFinder interface {
	BestPhoto(ctx context.Context, query, orientation string) (*pexels.Photo, error)
}

// Archiver stores a copy of each published page
type Archiver interface {
	UploadArtifact(ctx context.Context, key string, data []byte) error
}

// Options configures a Manager. Photos and Archive are optional.
type Options struct {
	MaxConcurrent  int
	BackendTimeout time.Duration
	Photos         PhotoFinder
	Archive        Archiver
}

// Manager manages page generation jobs
type Manager struct {
	store          Store
	backend        Backend
	notifier       Notifier
	photos         PhotoFinder
	archive        Archiver
	backendTimeout time.Duration
	newSlug        func(name string) string

	semaphore chan struct{} // Limits concurrent pipelines
	running   map[string]struct{}
	closed    bool
	mu        sync.Mutex
	wg        sync.WaitGroup
}

// NewManager creates a new job manager
func NewManager(store Store, backend Backend, notifier Notifier, opts Options) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.BackendTimeout <= 0 {
		opts.BackendTimeout = 60 * time.Second
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}

	return &Manager{
		store:          store,
		backend:        backend,
		notifier:       notifier,
		photos:         opts.Photos,
		archive:        opts.Archive,
		backendTimeout: opts.BackendTimeout,
		newSlug:        NewSlug,
		semaphore:      make(chan struct{}, opts.MaxConcurrent),
		running:        make(map[string]struct{}),
	}
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, string) error { return nil }

// Submit records a pending job for prompt and starts its pipeline in the background.
// It returns as soon as the job is stored. A job that was stored always gets a pipeline.
func (m *Manager) Submit(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrInvalidInput
	}

	if !m.reserve() {
		return "", fmt.Errorf("%w: shutting down", ErrEngineUnavailable)
	}

	progressJSON, err := json.Marshal(StageProgress(types.StageInitializing))
	if err != nil {
		m.wg.Done()
		return "", fmt.Errorf("failed to encode progress: %w", err)
	}

	now := time.Now()
	record := &storage.JobRecord{
		ID:           uuid.New().String(),
		Prompt:       prompt,
		Status:       string(types.StatusPending),
		ProgressJSON: string(progressJSON),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := m.store.CreateJob(ctx, record); err != nil {
		m.wg.Done()
		logrus.WithError(err).Error("Failed to create generation job")
		return "", fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	metrics.JobsSubmitted.Inc()
	m.notify(record.ID)
	m.dispatch(record.ID, prompt)

	logrus.WithField("job_id", record.ID).Info("Generation job submitted")
	return record.ID, nil
}

// reserve counts a pipeline that is about to start so Shutdown waits for it.
// It fails once Shutdown has begun.
func (m *Manager) reserve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

// dispatch starts the pipeline for jobID on a reserved slot. If a pipeline for jobID is
// already running the reservation is released and false is returned.
func (m *Manager) dispatch(jobID, prompt string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.running[jobID]; exists {
		m.wg.Done()
		return false
	}
	m.running[jobID] = struct{}{}

	go m.run(jobID, prompt)
	return true
}

// ActiveJobs returns the number of pipelines started and not yet finished
func (m *Manager) ActiveJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Shutdown stops accepting jobs and waits for running pipelines until ctx is done
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d running jobs: %w", m.ActiveJobs(), ctx.Err())
	}
}

// run executes one job's pipeline. It is the only writer of that job's progress.
func (m *Manager) run(jobID, prompt string) {
	defer func() {
		m.mu.Lock()
		delete(m.running, jobID)
		m.mu.Unlock()
		m.wg.Done()
	}()

	// Jobs are not externally cancellable; they run until a terminal write.
	ctx := context.Background()

	m.semaphore <- struct{}{}
	defer func() { <-m.semaphore }()

	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()

	p := &pipeline{jobID: jobID, prompt: prompt}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"job_id": jobID,
				"stage":  p.stage,
				"panic":  r,
			}).Error("Generation pipeline panicked")
			m.fail(ctx, p, newError(KindInternal, p.stage, fmt.Errorf("unexpected failure: %v", r)))
		}
	}()

	if err := m.execute(ctx, p); err != nil {
		m.fail(ctx, p, err)
		return
	}

	if err := m.complete(ctx, p); err != nil {
		m.fail(ctx, p, newError(KindPersistenceFailed, types.StageCompleted, err))
		return
	}

	logrus.WithFields(logrus.Fields{
		"job_id":      jobID,
		"page_slug":   p.page.Slug,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Generation job completed")

	m.archivePage(ctx, p)
}

// execute walks the stages in order, stopping at the first failure
func (m *Manager) execute(ctx context.Context, p *pipeline) error {
	for _, step := range m.steps() {
		if err := m.enter(ctx, p, step.stage); err != nil {
			return err
		}

		stageStart := time.Now()
		err := step.work(ctx, p)
		metrics.StageDuration.WithLabelValues(string(step.stage)).Observe(time.Since(stageStart).Seconds())
		if err != nil {
			return err
		}
	}
	return nil
}

// enter overwrites the job's progress and appends the matching event in one write
func (m *Manager) enter(ctx context.Context, p *pipeline, stage types.Stage) error {
	p.stage = stage
	info := StageProgress(stage)

	progressJSON, err := json.Marshal(info)
	if err != nil {
		return newError(KindInternal, stage, fmt.Errorf("failed to encode progress: %w", err))
	}
	progress := string(progressJSON)
	upd := storage.JobUpdate{ProgressJSON: &progress}
	if stage == types.StageInitializing {
		status := string(types.StatusProcessing)
		upd.Status = &status
	}

	event := &storage.EventRecord{
		JobID:     p.jobID,
		Stage:     string(stage),
		Message:   info.Message,
		Percent:   info.Percent,
		CreatedAt: time.Now(),
	}

	if err := m.store.RecordProgress(ctx, p.jobID, upd, event); err != nil {
		return newError(KindPersistenceFailed, stage, fmt.Errorf("failed to record progress: %w", err))
	}

	logrus.WithFields(logrus.Fields{
		"job_id":  p.jobID,
		"stage":   stage,
		"percent": info.Percent,
	}).Debug("Job stage started")

	m.notify(p.jobID)
	return nil
}

// complete writes the successful terminal state
func (m *Manager) complete(ctx context.Context, p *pipeline) error {
	resultJSON, err := json.Marshal(p.result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	info := StageProgress(types.StageCompleted)
	progressJSON, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	now := time.Now()
	won, err := m.finalize(ctx, storage.FinalizeParams{
		ID:           p.jobID,
		Status:       string(types.StatusCompleted),
		ResultJSON:   string(resultJSON),
		PageSlug:     p.page.Slug,
		ProgressJSON: string(progressJSON),
		Event: &storage.EventRecord{
			JobID:     p.jobID,
			Stage:     string(types.StageCompleted),
			Message:   info.Message,
			Percent:   info.Percent,
			CreatedAt: now,
		},
		At: now,
	})
	if err != nil {
		return err
	}
	if won {
		metrics.JobsFinished.WithLabelValues(string(types.StatusCompleted)).Inc()
	}
	return nil
}

// fail writes the failed terminal state. Progress keeps the stage the job failed in.
func (m *Manager) fail(ctx context.Context, p *pipeline, cause error) {
	var jobErr *Error
	if !errors.As(cause, &jobErr) {
		jobErr = newError(KindInternal, p.stage, cause)
	}
	message := jobErr.Error()

	logrus.WithFields(logrus.Fields{
		"job_id": p.jobID,
		"stage":  jobErr.Stage,
		"kind":   jobErr.Kind,
	}).WithError(jobErr.Err).Error("Generation job failed")

	now := time.Now()
	won, err := m.finalize(ctx, storage.FinalizeParams{
		ID:           p.jobID,
		Status:       string(types.StatusFailed),
		ErrorMessage: message,
		Event: &storage.EventRecord{
			JobID:     p.jobID,
			Stage:     string(types.StageFailed),
			Message:   message,
			Percent:   StageProgress(p.stage).Percent,
			CreatedAt: now,
		},
		At: now,
	})
	if err != nil {
		logrus.WithError(err).WithField("job_id", p.jobID).Error("Failed to record job failure")
		return
	}
	if won {
		metrics.JobsFinished.WithLabelValues(string(types.StatusFailed)).Inc()
		metrics.JobFailures.WithLabelValues(string(jobErr.Kind)).Inc()
	}
}

// finalize is the single terminal write. Only the first call for a job takes effect;
// later calls report false and change nothing.
func (m *Manager) finalize(ctx context.Context, params storage.FinalizeParams) (bool, error) {
	won, err := m.store.FinalizeJob(ctx, params)
	if err != nil {
		return false, err
	}
	if !won {
		logrus.WithFields(logrus.Fields{
			"job_id": params.ID,
			"status": params.Status,
		}).Debug("Job already finalized, ignoring terminal write")
		return false, nil
	}

	m.notify(params.ID)
	return true, nil
}

func (m *Manager) notify(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.notifier.Publish(ctx, jobID); err != nil {
		logrus.WithError(err).WithField("job_id", jobID).Debug("Failed to publish job change")
	}
}
