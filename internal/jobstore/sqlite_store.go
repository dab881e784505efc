// Package jobstore provides persistent storage for analysis job state and results using SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cdrug/server/internal/num"
)

// JobStatus represents the current state of an analysis job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions happen from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Summary kinds stored with SaveSummary.
const (
	SummaryPrimary   = "primary"
	SummarySecondary = "secondary"
	SummaryGroups    = "groups"
	SummaryWarnings  = "warnings"
)

// JobParams contains the parameters for an analysis job.
type JobParams struct {
	DatasetID string `json:"dataset_id"`
	// Drug is a full drug key or a drug name/id.
	Drug       string `json:"drug"`
	Gene       string `json:"gene"`
	Event      string `json:"event,omitempty"`
	MinSupport int    `json:"min_support,omitempty"`
}

// JobProgress represents the progress of a job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Job represents one residual association analysis job.
type Job struct {
	ID         string      `json:"job_id"`
	DatasetID  string      `json:"dataset_id"`
	Status     JobStatus   `json:"status"`
	Params     JobParams   `json:"params"`
	Progress   JobProgress `json:"progress"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Cohort     int         `json:"cohort"`
	Used       int         `json:"used"`
	Error      string      `json:"error,omitempty"`
}

// EventRow is one ranked event of a finished job.
type EventRow struct {
	Rank         int       `json:"rank"`
	Event        string    `json:"event"`
	Count        int       `json:"count"`
	ResidualSum  num.Float `json:"residual_sum"`
	MeanResidual num.Float `json:"mean_residual"`
	Median       num.Float `json:"median"`
	Q1           num.Float `json:"q1"`
	Q3           num.Float `json:"q3"`
}

// ResidualRow is one sample of the primary regression.
type ResidualRow struct {
	Sample   string    `json:"sample"`
	Observed num.Float `json:"observed"`
	Score    num.Float `json:"score"`
	Fitted   num.Float `json:"fitted"`
	Residual num.Float `json:"residual"`
}

// Store provides persistent storage for analysis jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based job store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	// Result rows reference jobs(id); the pragma is applied to every pooled connection
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		cohort INTEGER DEFAULT 0,
		used INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_dataset ON jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at);

	CREATE TABLE IF NOT EXISTS job_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		rank INTEGER NOT NULL,
		event TEXT NOT NULL,
		count INTEGER NOT NULL,
		residual_sum REAL,
		mean_residual REAL,
		median REAL,
		q1 REAL,
		q3 REAL,
		FOREIGN KEY (job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_job_events_job_rank ON job_events(job_id, rank);

	CREATE TABLE IF NOT EXISTS job_residuals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		sample TEXT NOT NULL,
		observed REAL,
		score REAL,
		fitted REAL,
		residual REAL,
		FOREIGN KEY (job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_job_residuals_job ON job_residuals(job_id);

	CREATE TABLE IF NOT EXISTS job_summaries (
		job_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		body_json TEXT NOT NULL,
		PRIMARY KEY (job_id, kind),
		FOREIGN KEY (job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `job_id, dataset_id, status, params_json, phase, done, total, cohort, used, error, created_at, started_at, finished_at`

// CreateJob creates a new job record.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.Cohort,
		job.Used,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. It returns nil, nil for an unknown ID.
func (s *Store) GetJob(jobID string) (*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := s.scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// UpdateJobStatus updates the job status and error message.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// UpdateJobCounts records the cohort size and the samples used by the primary fit.
func (s *Store) UpdateJobCounts(jobID string, cohort, used int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE jobs SET cohort = ?, used = ?
		WHERE job_id = ?
	`, cohort, used, jobID)
	return err
}

// InsertEvents inserts ranked events in a batch transaction.
func (s *Store) InsertEvents(jobID string, events []*EventRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO job_events (job_id, rank, event, count, residual_sum, mean_residual, median, q1, q3)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		_, err := stmt.Exec(
			jobID, e.Rank, e.Event, e.Count,
			e.ResidualSum, e.MeanResidual, e.Median, e.Q1, e.Q3,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// InsertResiduals inserts per-sample primary fit rows in a batch transaction.
func (s *Store) InsertResiduals(jobID string, residuals []*ResidualRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO job_residuals (job_id, sample, observed, score, fitted, residual)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range residuals {
		if _, err := stmt.Exec(jobID, r.Sample, r.Observed, r.Score, r.Fitted, r.Residual); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SaveSummary stores a JSON-encoded summary of the given kind, replacing any previous one.
func (s *Store) SaveSummary(jobID, kind string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s summary: %w", kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO job_summaries (job_id, kind, body_json) VALUES (?, ?, ?)
	`, jobID, kind, string(body))
	return err
}

// LoadSummary decodes a stored summary into v. It reports false if none exists.
func (s *Store) LoadSummary(jobID, kind string, v interface{}) (bool, error) {
	var body string
	err := s.db.QueryRow(`SELECT body_json FROM job_summaries WHERE job_id = ? AND kind = ?`, jobID, kind).Scan(&body)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s summary: %w", kind, err)
	}
	return true, nil
}

// QueryEvents queries ranked events with pagination and ordering.
func (s *Store) QueryEvents(jobID string, orderBy string, offset, limit int) ([]*EventRow, int, error) {
	// Map order_by to SQL column
	orderCol := "rank ASC"
	switch orderBy {
	case "mean_residual":
		orderCol = "rank ASC"
	case "-mean_residual":
		orderCol = "rank DESC"
	case "count":
		orderCol = "count DESC, rank ASC"
	case "event":
		orderCol = "event ASC"
	}

	// Get total count
	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM job_events WHERE job_id = ?", jobID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	// Query with pagination
	query := fmt.Sprintf(`
		SELECT rank, event, count, residual_sum, mean_residual, median, q1, q3
		FROM job_events
		WHERE job_id = ?
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, orderCol)

	rows, err := s.db.Query(query, jobID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*EventRow
	for rows.Next() {
		var e EventRow
		err := rows.Scan(
			&e.Rank, &e.Event, &e.Count,
			&e.ResidualSum, &e.MeanResidual, &e.Median, &e.Q1, &e.Q3,
		)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, &e)
	}

	return events, total, rows.Err()
}

// QueryResiduals queries per-sample rows with pagination and ordering.
func (s *Store) QueryResiduals(jobID string, orderBy string, offset, limit int) ([]*ResidualRow, int, error) {
	orderCol := "id ASC"
	switch orderBy {
	case "sample":
		orderCol = "sample ASC"
	case "residual":
		orderCol = "residual ASC"
	case "-residual":
		orderCol = "residual DESC"
	}

	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM job_residuals WHERE job_id = ?", jobID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT sample, observed, score, fitted, residual
		FROM job_residuals
		WHERE job_id = ?
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, orderCol)

	rows, err := s.db.Query(query, jobID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*ResidualRow
	for rows.Next() {
		var r ResidualRow
		if err := rows.Scan(&r.Sample, &r.Observed, &r.Score, &r.Fitted, &r.Residual); err != nil {
			return nil, 0, err
		}
		out = append(out, &r)
	}

	return out, total, rows.Err()
}

// ListJobsByDataset returns all jobs for a dataset.
func (s *Store) ListJobsByDataset(datasetID string) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM jobs WHERE dataset_id = ?
		ORDER BY created_at DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

var resultTables = []string{"job_events", "job_residuals", "job_summaries"}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	// Delete results first (foreign key)
	for _, tbl := range resultTables {
		_, err := s.db.Exec(`
			DELETE FROM `+tbl+` WHERE job_id IN (
				SELECT job_id FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?
			)
		`, cutoff)
		if err != nil {
			return 0, err
		}
	}

	result, err := s.db.Exec(`
		DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tbl := range resultTables {
		if _, err := s.db.Exec("DELETE FROM "+tbl+" WHERE job_id = ?", jobID); err != nil {
			return err
		}
	}

	_, err := s.db.Exec("DELETE FROM jobs WHERE job_id = ?", jobID)
	return err
}

func (s *Store) scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		var paramsJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.DatasetID,
			&job.Status,
			&paramsJSON,
			&job.Progress.Phase,
			&job.Progress.Done,
			&job.Progress.Total,
			&job.Cohort,
			&job.Used,
			&job.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}

		job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		if startedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, startedAtStr.String)
			job.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
			job.FinishedAt = &t
		}

		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}
