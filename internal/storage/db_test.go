package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rossigee/page-generator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close() // Ignore error in test
	})
	return store
}

func createJob(t *testing.T, store *Store, id string, status types.JobStatus, updatedAt time.Time) {
	t.Helper()
	err := store.CreateJob(context.Background(), &JobRecord{
		ID:        id,
		Prompt:    "vegan protein bar",
		Status:    string(status),
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	})
	require.NoError(t, err)
}

func strPtr(s string) *string { return &s }

func TestNewStore_InMemory(t *testing.T) {
	store := newTestStore(t)
	assert.NotNil(t, store.db)
}

func TestNewStore_FilePath(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-*.db")
	require.NoError(t, err)
	_ = tmpFile.Close() // Ignore error in test
	defer func() {
		_ = os.Remove(tmpFile.Name()) // Ignore error in test
	}()

	store, err := NewStore(tmpFile.Name())
	require.NoError(t, err)
	assert.NotNil(t, store.db)
	require.NoError(t, store.Close())

	// Reopening must not re-apply migrations
	store, err = NewStore(tmpFile.Name())
	require.NoError(t, err)
	defer func() {
		_ = store.Close() // Ignore error in test
	}()

	var version int
	require.NoError(t, store.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version))
	assert.Equal(t, len(Migrations), version)
}

func TestCreateJob_And_GetJob(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	createJob(t, store, "job-1", types.StatusPending, now)

	retrieved, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", retrieved.ID)
	assert.Equal(t, "vegan protein bar", retrieved.Prompt)
	assert.Equal(t, string(types.StatusPending), retrieved.Status)
	assert.Equal(t, int64(1), retrieved.Version)
	assert.Equal(t, now.UnixMilli(), retrieved.UpdatedAt.UnixMilli())
	assert.Nil(t, retrieved.CompletedAt)
}

func TestCreateJob_DuplicateID(t *testing.T) {
	store := newTestStore(t)

	createJob(t, store, "job-1", types.StatusPending, time.Now())
	err := store.CreateJob(context.Background(), &JobRecord{ID: "job-1", Status: "pending"})
	assert.Error(t, err)
}

func TestGetJob_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetJob(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJob(t *testing.T) {
	store := newTestStore(t)
	createJob(t, store, "job-1", types.StatusPending, time.Now())

	err := store.UpdateJob(context.Background(), "job-1", JobUpdate{
		Status:       strPtr(string(types.StatusProcessing)),
		ProgressJSON: strPtr(`{"stage":"initializing"}`),
	})
	require.NoError(t, err)

	retrieved, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusProcessing), retrieved.Status)
	assert.Equal(t, `{"stage":"initializing"}`, retrieved.ProgressJSON)
	assert.Equal(t, int64(2), retrieved.Version)

	err = store.UpdateJob(context.Background(), "missing", JobUpdate{Status: strPtr("processing")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordProgress_AppendsEventsInOrder(t *testing.T) {
	store := newTestStore(t)
	createJob(t, store, "job-1", types.StatusPending, time.Now())

	stages := []types.Stage{types.StageInitializing, types.StageAnalyzing, types.StageGenerating}
	for i, stage := range stages {
		err := store.RecordProgress(context.Background(), "job-1",
			JobUpdate{ProgressJSON: strPtr(string(stage))},
			&EventRecord{JobID: "job-1", Stage: string(stage), Message: "step", Percent: i * 10, CreatedAt: time.Now()},
		)
		require.NoError(t, err)
	}

	events, err := store.ListEvents(context.Background(), "job-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, string(types.StageGenerating), events[0].Stage)
	assert.Equal(t, string(types.StageAnalyzing), events[1].Stage)
	assert.Equal(t, string(types.StageInitializing), events[2].Stage)

	events, err = store.ListEvents(context.Background(), "job-1", 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	retrieved, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), retrieved.Version)
}

func TestFinalizeJob_OnlyFirstCallWins(t *testing.T) {
	store := newTestStore(t)
	createJob(t, store, "job-1", types.StatusProcessing, time.Now())

	first := time.Now()
	won, err := store.FinalizeJob(context.Background(), FinalizeParams{
		ID:           "job-1",
		Status:       string(types.StatusCompleted),
		ResultJSON:   `{"pageSlug":"first"}`,
		PageSlug:     "first",
		ProgressJSON: `{"stage":"completed","percent":100}`,
		Event:        &EventRecord{JobID: "job-1", Stage: "completed", Message: "done", Percent: 100, CreatedAt: first},
		At:           first,
	})
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.FinalizeJob(context.Background(), FinalizeParams{
		ID:           "job-1",
		Status:       string(types.StatusFailed),
		ErrorMessage: "Internal: late failure",
		Event:        &EventRecord{JobID: "job-1", Stage: "failed", Message: "late", CreatedAt: time.Now()},
		At:           first.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, won)

	retrieved, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusCompleted), retrieved.Status)
	assert.Equal(t, `{"pageSlug":"first"}`, retrieved.ResultJSON)
	assert.Empty(t, retrieved.ErrorMessage)
	require.NotNil(t, retrieved.CompletedAt)
	assert.Equal(t, first.UnixMilli(), retrieved.CompletedAt.UnixMilli())

	events, err := store.ListEvents(context.Background(), "job-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "completed", events[0].Stage)
}

func TestFinalizeJob_ConcurrentCallers(t *testing.T) {
	store := newTestStore(t)
	createJob(t, store, "job-1", types.StatusProcessing, time.Now())

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.FinalizeJob(context.Background(), FinalizeParams{
				ID:           "job-1",
				Status:       string(types.StatusFailed),
				ErrorMessage: "Internal: boom",
			})
			assert.NoError(t, err)
			if won {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestFinalizeJob_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.FinalizeJob(context.Background(), FinalizeParams{ID: "missing", Status: "failed"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWritesAfterFinalizeAreRejected(t *testing.T) {
	store := newTestStore(t)
	createJob(t, store, "job-1", types.StatusProcessing, time.Now())

	_, err := store.FinalizeJob(context.Background(), FinalizeParams{
		ID:           "job-1",
		Status:       string(types.StatusFailed),
		ErrorMessage: "BackendError: status 500",
	})
	require.NoError(t, err)

	err = store.UpdateJob(context.Background(), "job-1", JobUpdate{ProgressJSON: strPtr("x")})
	assert.ErrorIs(t, err, ErrJobFinalized)

	err = store.AppendEvent(context.Background(), &EventRecord{JobID: "job-1", Stage: "saving", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrJobFinalized)

	err = store.RecordProgress(context.Background(), "job-1",
		JobUpdate{ProgressJSON: strPtr("x")},
		&EventRecord{JobID: "job-1", Stage: "saving", CreatedAt: time.Now()},
	)
	assert.ErrorIs(t, err, ErrJobFinalized)

	events, err := store.ListEvents(context.Background(), "job-1", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAppendEvent(t *testing.T) {
	store := newTestStore(t)
	createJob(t, store, "job-1", types.StatusProcessing, time.Now())

	event := &EventRecord{JobID: "job-1", Stage: "analyzing", Message: "Analyzing", Percent: 10, CreatedAt: time.Now()}
	require.NoError(t, store.AppendEvent(context.Background(), event))
	assert.NotZero(t, event.ID)

	err := store.AppendEvent(context.Background(), &EventRecord{JobID: "missing", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSavePage_And_GetPage(t *testing.T) {
	store := newTestStore(t)

	page := &PageRecord{
		Slug:      "vegafuel-abc123",
		JobID:     "job-1",
		Prompt:    "vegan protein bar",
		PageSpec:  `{"meta":{}}`,
		CopySpec:  `{}`,
		Published: true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.SavePage(context.Background(), page))

	retrieved, err := store.GetPage(context.Background(), "vegafuel-abc123")
	require.NoError(t, err)
	assert.Equal(t, "job-1", retrieved.JobID)
	assert.Equal(t, `{"meta":{}}`, retrieved.PageSpec)
	assert.True(t, retrieved.Published)

	err = store.SavePage(context.Background(), page)
	assert.ErrorIs(t, err, ErrSlugConflict)

	_, err = store.GetPage(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListJobs(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		createJob(t, store, "job-"+string(rune('0'+i)), types.StatusCompleted, time.Now())
	}

	jobs, err := store.ListJobs(context.Background(), ListJobsFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, len(jobs))

	jobs, err = store.ListJobs(context.Background(), ListJobsFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, len(jobs))

	jobs, err = store.ListJobs(context.Background(), ListJobsFilter{Status: string(types.StatusPending)})
	require.NoError(t, err)
	assert.Equal(t, 0, len(jobs))
}

func TestMarkInProgressJobsFailed(t *testing.T) {
	store := newTestStore(t)

	createJob(t, store, "processing-1", types.StatusProcessing, time.Now())
	createJob(t, store, "pending-1", types.StatusPending, time.Now())
	createJob(t, store, "completed-1", types.StatusCompleted, time.Now())

	marked, err := store.MarkInProgressJobsFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked)

	retrieved, err := store.GetJob(context.Background(), "processing-1")
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusFailed), retrieved.Status)
	assert.Contains(t, retrieved.ErrorMessage, "restarted")
	assert.NotNil(t, retrieved.CompletedAt)

	retrieved, err = store.GetJob(context.Background(), "pending-1")
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusFailed), retrieved.Status)

	retrieved, err = store.GetJob(context.Background(), "completed-1")
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusCompleted), retrieved.Status)

	events, err := store.ListEvents(context.Background(), "completed-1", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMarkInProgressJobsFailed_AppendsFailedEvent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createJob(t, store, "processing-1", types.StatusPending, time.Now())
	require.NoError(t, store.RecordProgress(ctx, "processing-1", JobUpdate{
		Status:       strPtr(string(types.StatusProcessing)),
		ProgressJSON: strPtr(`{"stage":"generating","message":"Generating website content with AI...","percent":30}`),
	}, &EventRecord{
		JobID:     "processing-1",
		Stage:     string(types.StageGenerating),
		Message:   "Generating website content with AI...",
		Percent:   30,
		CreatedAt: time.Now(),
	}))
	createJob(t, store, "pending-1", types.StatusPending, time.Now())

	marked, err := store.MarkInProgressJobsFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked)

	events, err := store.ListEvents(ctx, "processing-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, string(types.StageFailed), events[0].Stage)
	assert.Equal(t, RecoveryMessage, events[0].Message)
	assert.Equal(t, 30, events[0].Percent)
	assert.Equal(t, string(types.StageGenerating), events[1].Stage)

	events, err = store.ListEvents(ctx, "pending-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(types.StageFailed), events[0].Stage)
	assert.Equal(t, 0, events[0].Percent)

	// A second recovery finds nothing left to fail
	marked, err = store.MarkInProgressJobsFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), marked)
}

func TestDeleteOldJobs(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	createJob(t, store, "old-job", types.StatusCompleted, now.Add(-48*time.Hour))
	createJob(t, store, "recent-job", types.StatusCompleted, now)
	createJob(t, store, "processing-job", types.StatusProcessing, now.Add(-48*time.Hour))

	deleted, err := store.DeleteOldJobs(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.GetJob(context.Background(), "old-job")
	assert.ErrorIs(t, err, ErrNotFound)

	job, err := store.GetJob(context.Background(), "recent-job")
	require.NoError(t, err)
	assert.Equal(t, "recent-job", job.ID)

	// Non-terminal jobs are never deleted
	job, err = store.GetJob(context.Background(), "processing-job")
	require.NoError(t, err)
	assert.Equal(t, "processing-job", job.ID)
}
