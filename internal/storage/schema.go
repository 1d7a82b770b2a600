// Package storage provides job, progress event and page persistence using SQLite.
package storage

// Schema definitions for the generator database
const (
	// SchemaV1 holds generation jobs and their append-only progress log
	SchemaV1 = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	prompt TEXT NOT NULL,
	status TEXT NOT NULL,
	progress_json TEXT NOT NULL DEFAULT '',
	result_json TEXT NOT NULL DEFAULT '',
	page_slug TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);

CREATE TABLE IF NOT EXISTS job_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	message TEXT NOT NULL,
	percent INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, id);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
`

	// SchemaV2 adds published pages
	SchemaV2 = `
CREATE TABLE IF NOT EXISTS pages (
	slug TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	prompt TEXT NOT NULL,
	page_spec TEXT NOT NULL,
	copy_spec TEXT NOT NULL,
	theme_tokens TEXT NOT NULL DEFAULT '',
	images TEXT NOT NULL DEFAULT '',
	published INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pages_job ON pages(job_id);
`
)

// Migrations represents all available migrations
var Migrations = []struct {
	Version int
	SQL     string
}{
	{
		Version: 1,
		SQL:     SchemaV1,
	},
	{
		Version: 2,
		SQL:     SchemaV2,
	},
}
