package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rossigee/page-generator/pkg/types"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when a job or page does not exist
	ErrNotFound = errors.New("not found")

	// ErrJobFinalized is returned when writing progress to a job that already reached a terminal status
	ErrJobFinalized = errors.New("job already finalized")

	// ErrSlugConflict is returned when a page slug is already taken
	ErrSlugConflict = errors.New("page slug already exists")
)

// JobRecord represents a job stored in the database
type JobRecord struct {
	ID           string
	Prompt       string
	Status       string
	ProgressJSON string
	ResultJSON   string
	PageSlug     string
	ErrorMessage string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// EventRecord represents one progress event of a job
type EventRecord struct {
	ID        int64
	JobID     string
	Stage     string
	Message   string
	Percent   int
	CreatedAt time.Time
}

// PageRecord represents a published page
type PageRecord struct {
	Slug        string
	JobID       string
	Prompt      string
	PageSpec    string
	CopySpec    string
	ThemeTokens string
	Images      string
	Published   bool
	CreatedAt   time.Time
}

// JobUpdate holds the fields to change on a non-terminal job. Nil fields are left untouched.
type JobUpdate struct {
	Status       *string
	ProgressJSON *string
}

// FinalizeParams describes the terminal transition of a job
type FinalizeParams struct {
	ID           string
	Status       string
	ResultJSON   string
	PageSlug     string
	ErrorMessage string
	// ProgressJSON replaces the progress snapshot when non-empty
	ProgressJSON string
	// Event is appended in the same transaction when the transition wins
	Event *EventRecord
	At    time.Time
}

// Store provides SQLite-based persistence
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewStore initializes a new SQLite store
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Every connection to :memory: is a separate database
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database connection after init error")
		}
		return nil, err
	}

	logrus.WithField("db_path", dbPath).Info("Initialized generator database")
	return store, nil
}

func dsn(dbPath string) string {
	if dbPath == ":memory:" {
		return dbPath
	}
	return dbPath + "?_busy_timeout=5000&_journal_mode=WAL"
}

// initSchema applies all pending migrations
func (s *Store) initSchema() error {
	currentVersion := 0
	row := s.db.QueryRowContext(context.Background(), "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	_ = row.Scan(&currentVersion) // schema_version does not exist before the first migration

	for _, migration := range Migrations {
		if migration.Version <= currentVersion {
			continue
		}

		logrus.WithField("version", migration.Version).Info("Applying schema migration")

		if _, err := s.db.ExecContext(context.Background(), migration.SQL); err != nil {
			return fmt.Errorf("failed to apply migration v%d: %w", migration.Version, err)
		}

		if _, err := s.db.ExecContext(context.Background(),
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			migration.Version,
			time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to record migration v%d: %w", migration.Version, err)
		}

		currentVersion = migration.Version
	}

	return nil
}

// withTx runs fn inside a transaction, rolling back unless fn succeeds
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				logrus.WithError(rollbackErr).Warn("Failed to rollback transaction")
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// CreateJob inserts a new job record
func (s *Store) CreateJob(ctx context.Context, record *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.Version == 0 {
		record.Version = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs
		 (id, prompt, status, progress_json, result_json, page_slug, error_message,
		  version, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Prompt,
		record.Status,
		record.ProgressJSON,
		record.ResultJSON,
		record.PageSlug,
		record.ErrorMessage,
		record.Version,
		record.CreatedAt.UnixMilli(),
		record.UpdatedAt.UnixMilli(),
		timeToMillisPtr(record.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	return nil
}

const jobColumns = `id, prompt, status, progress_json, result_json, page_slug, error_message,
	version, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	record := &JobRecord{}
	var createdAt, updatedAt int64
	var completedAt *int64

	if err := row.Scan(
		&record.ID,
		&record.Prompt,
		&record.Status,
		&record.ProgressJSON,
		&record.ResultJSON,
		&record.PageSlug,
		&record.ErrorMessage,
		&record.Version,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	record.CreatedAt = time.UnixMilli(createdAt)
	record.UpdatedAt = time.UnixMilli(updatedAt)
	if completedAt != nil {
		t := time.UnixMilli(*completedAt)
		record.CompletedAt = &t
	}
	return record, nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, err := scanJob(s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}

	return record, nil
}

// checkWritable returns ErrNotFound or ErrJobFinalized unless the job accepts progress writes
func checkWritable(ctx context.Context, tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check job status: %w", err)
	}
	if types.JobStatus(status).IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", id, status, ErrJobFinalized)
	}
	return nil
}

func updateJob(ctx context.Context, tx *sql.Tx, id string, upd JobUpdate, now time.Time) error {
	query := "UPDATE jobs SET updated_at = ?, version = version + 1"
	args := []interface{}{now.UnixMilli()}

	if upd.Status != nil {
		query += ", status = ?"
		args = append(args, *upd.Status)
	}
	if upd.ProgressJSON != nil {
		query += ", progress_json = ?"
		args = append(args, *upd.ProgressJSON)
	}

	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, event *EventRecord) error {
	result, err := tx.ExecContext(ctx,
		`INSERT INTO job_events (job_id, stage, message, percent, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.JobID,
		event.Stage,
		event.Message,
		event.Percent,
		event.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job event: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// UpdateJob applies a partial update to a job that has not reached a terminal status
func (s *Store) UpdateJob(ctx context.Context, id string, upd JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkWritable(ctx, tx, id); err != nil {
			return err
		}
		return updateJob(ctx, tx, id, upd, time.Now())
	})
}

// AppendEvent appends a progress event to a job that has not reached a terminal status
func (s *Store) AppendEvent(ctx context.Context, event *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkWritable(ctx, tx, event.JobID); err != nil {
			return err
		}
		return insertEvent(ctx, tx, event)
	})
}

// RecordProgress overwrites the job's progress snapshot and appends the matching event atomically
func (s *Store) RecordProgress(ctx context.Context, id string, upd JobUpdate, event *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkWritable(ctx, tx, id); err != nil {
			return err
		}
		if err := updateJob(ctx, tx, id, upd, event.CreatedAt); err != nil {
			return err
		}
		return insertEvent(ctx, tx, event)
	})
}

// FinalizeJob moves a job to a terminal status. It reports false without writing anything
// when the job was already terminal, so only the first caller wins.
func (s *Store) FinalizeJob(ctx context.Context, params FinalizeParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if params.At.IsZero() {
		params.At = time.Now()
	}

	won := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE jobs
			 SET status = ?, result_json = ?, page_slug = ?, error_message = ?,
			     progress_json = CASE WHEN ? = '' THEN progress_json ELSE ? END,
			     updated_at = ?, completed_at = ?, version = version + 1
			 WHERE id = ? AND status NOT IN (?, ?)`,
			params.Status,
			params.ResultJSON,
			params.PageSlug,
			params.ErrorMessage,
			params.ProgressJSON,
			params.ProgressJSON,
			params.At.UnixMilli(),
			params.At.UnixMilli(),
			params.ID,
			string(types.StatusCompleted),
			string(types.StatusFailed),
		)
		if err != nil {
			return fmt.Errorf("failed to finalize job: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		if affected == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, "SELECT 1 FROM jobs WHERE id = ?", params.ID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("job %s: %w", params.ID, ErrNotFound)
			}
			return err
		}

		if params.Event != nil {
			if err := insertEvent(ctx, tx, params.Event); err != nil {
				return err
			}
		}
		won = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return won, nil
}

// ListEvents returns up to limit events of a job, most recent first
func (s *Store) ListEvents(ctx context.Context, jobID string, limit int) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, stage, message, percent, created_at
		 FROM job_events WHERE job_id = ?
		 ORDER BY id DESC LIMIT ?`,
		jobID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query job events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database rows")
		}
	}()

	var events []*EventRecord
	for rows.Next() {
		event := &EventRecord{}
		var createdAt int64
		if err := rows.Scan(&event.ID, &event.JobID, &event.Stage, &event.Message, &event.Percent, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan job event: %w", err)
		}
		event.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job events: %w", err)
	}

	return events, nil
}

// SavePage inserts a published page. A taken slug yields ErrSlugConflict.
func (s *Store) SavePage(ctx context.Context, page *PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pages
		 (slug, job_id, prompt, page_spec, copy_spec, theme_tokens, images, published, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		page.Slug,
		page.JobID,
		page.Prompt,
		page.PageSpec,
		page.CopySpec,
		page.ThemeTokens,
		page.Images,
		page.Published,
		page.CreatedAt.UnixMilli(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("slug %s: %w", page.Slug, ErrSlugConflict)
		}
		return fmt.Errorf("failed to insert page: %w", err)
	}

	return nil
}

// GetPage retrieves a published page by slug
func (s *Store) GetPage(ctx context.Context, slug string) (*PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page := &PageRecord{}
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT slug, job_id, prompt, page_spec, copy_spec, theme_tokens, images, published, created_at
		 FROM pages WHERE slug = ?`,
		slug,
	).Scan(
		&page.Slug,
		&page.JobID,
		&page.Prompt,
		&page.PageSpec,
		&page.CopySpec,
		&page.ThemeTokens,
		&page.Images,
		&page.Published,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("page %s: %w", slug, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query page: %w", err)
	}

	page.CreatedAt = time.UnixMilli(createdAt)
	return page, nil
}

// ListJobsFilter defines filtering options for ListJobs
type ListJobsFilter struct {
	Status string // optional: filter by status
	Limit  int    // default: 100
	Offset int    // default: 0
}

// ListJobs retrieves jobs with optional filtering, most recently updated first
func (s *Store) ListJobs(ctx context.Context, filter ListJobsFilter) ([]*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter.Limit == 0 {
		filter.Limit = 100
	}
	if filter.Limit > 10000 {
		filter.Limit = 10000
	}

	query := "SELECT " + jobColumns + " FROM jobs"
	args := []interface{}{}

	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY updated_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database rows")
		}
	}()

	var records []*JobRecord
	for rows.Next() {
		record, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return records, nil
}

// RecoveryMessage is the error recorded on jobs interrupted by a restart
const RecoveryMessage = "EngineUnavailable: service restarted while job in progress"

// MarkInProgressJobsFailed fails every pending/processing job left behind by a previous process.
// Each recovered job also gets a failed event at its last recorded percent.
func (s *Store) MarkInProgressJobsFailed(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var recovered int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT id, progress_json FROM jobs WHERE status IN (?, ?)",
			string(types.StatusProcessing),
			string(types.StatusPending),
		)
		if err != nil {
			return fmt.Errorf("failed to query in-progress jobs: %w", err)
		}

		type interrupted struct {
			id      string
			percent int
		}
		var jobs []interrupted
		for rows.Next() {
			var (
				id           string
				progressJSON sql.NullString
			)
			if err := rows.Scan(&id, &progressJSON); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan in-progress job: %w", err)
			}
			var progress types.ProgressInfo
			if progressJSON.String != "" {
				_ = json.Unmarshal([]byte(progressJSON.String), &progress) // Unreadable progress counts as 0%
			}
			jobs = append(jobs, interrupted{id: id, percent: progress.Percent})
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("failed to close rows: %w", err)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating in-progress jobs: %w", err)
		}

		for _, job := range jobs {
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs
				 SET status = ?, error_message = ?, updated_at = ?, completed_at = ?, version = version + 1
				 WHERE id = ?`,
				string(types.StatusFailed),
				RecoveryMessage,
				now.UnixMilli(),
				now.UnixMilli(),
				job.id,
			); err != nil {
				return fmt.Errorf("failed to mark job %s as failed: %w", job.id, err)
			}

			if err := insertEvent(ctx, tx, &EventRecord{
				JobID:     job.id,
				Stage:     string(types.StageFailed),
				Message:   RecoveryMessage,
				Percent:   job.percent,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}

		recovered = int64(len(jobs))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to mark in-progress jobs as failed: %w", err)
	}

	return recovered, nil
}

// DeleteOldJobs deletes terminal jobs and their events not updated within olderThan
func (s *Store) DeleteOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	var deleted int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM job_events WHERE job_id IN
			 (SELECT id FROM jobs WHERE status IN (?, ?) AND updated_at < ?)`,
			string(types.StatusCompleted),
			string(types.StatusFailed),
			cutoff,
		); err != nil {
			return fmt.Errorf("failed to delete old job events: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?`,
			string(types.StatusCompleted),
			string(types.StatusFailed),
			cutoff,
		)
		if err != nil {
			return fmt.Errorf("failed to delete old jobs: %w", err)
		}

		deleted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		logrus.WithField("deleted_count", deleted).Debug("Cleaned up old job records")
	}

	return deleted, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}
	return nil
}

// timeToMillisPtr converts a time pointer to a nullable Unix millisecond value
func timeToMillisPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
