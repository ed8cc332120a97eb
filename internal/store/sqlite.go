package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tmelliott/fieldsync/internal/model"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                  TEXT PRIMARY KEY,
    type                TEXT NOT NULL,
    project_id          TEXT NOT NULL,
    status              TEXT NOT NULL,
    created_by          TEXT NOT NULL,
    overwrite_conflicts INTEGER NOT NULL DEFAULT 0,
    deltafile_id        TEXT,
    feedback            BLOB,
    output              TEXT,
    error               TEXT,
    worker_handle       TEXT,
    created_at          DATETIME NOT NULL,
    started_at          DATETIME,
    finished_at         DATETIME,
    worker_started_at   DATETIME,
    worker_finished_at  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs (project_id);

CREATE TABLE IF NOT EXISTS deltas (
    id               TEXT PRIMARY KEY,
    deltafile_id     TEXT NOT NULL,
    project_id       TEXT NOT NULL,
    content          BLOB NOT NULL,
    last_status      TEXT NOT NULL,
    last_feedback    BLOB,
    last_modified_pk TEXT,
    created_by       TEXT NOT NULL,
    created_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deltas_deltafile ON deltas (deltafile_id, created_at);
CREATE INDEX IF NOT EXISTS idx_deltas_project ON deltas (project_id, created_at);

CREATE TABLE IF NOT EXISTS apply_job_deltas (
    id           TEXT PRIMARY KEY,
    apply_job_id TEXT NOT NULL,
    delta_id     TEXT NOT NULL,
    status       TEXT NOT NULL,
    modified_pk  TEXT,
    feedback     BLOB,
    UNIQUE (apply_job_id, delta_id)
);
`

// claimNextJobSQL moves the single oldest eligible queued job to started.
// Eligibility excludes any project that already has a started job, which keeps
// per-project execution serial. The statement is a single UPDATE so it is
// atomic under SQLite's writer lock even with several dispatcher processes.
const claimNextJobSQL = `
WITH candidate AS (
    SELECT id FROM jobs
    WHERE status = 'queued'
      AND project_id NOT IN (SELECT project_id FROM jobs WHERE status = 'started')
    ORDER BY created_at ASC, id ASC
    LIMIT 1
)
UPDATE jobs
SET status = 'started', started_at = ?
WHERE id IN (SELECT id FROM candidate)
RETURNING ` + jobColumns

const jobColumns = `id, type, project_id, status, created_by, overwrite_conflicts,
    deltafile_id, feedback, output, error, worker_handle,
    created_at, started_at, finished_at, worker_started_at, worker_finished_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection, so the pool must not
	// open a second one.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*model.Job, error) {
	j := &model.Job{}
	var deltafileID, output, errMsg, handle sql.NullString
	err := r.Scan(
		&j.ID, &j.Type, &j.ProjectID, &j.Status, &j.CreatedBy, &j.OverwriteConflicts,
		&deltafileID, &j.Feedback, &output, &errMsg, &handle,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.WorkerStartedAt, &j.WorkerFinishedAt,
	)
	if err != nil {
		return nil, err
	}
	j.DeltafileID = deltafileID.String
	j.Output = output.String
	j.Error = errMsg.String
	j.WorkerHandle = handle.String
	return j, nil
}

// CreateJob inserts a new queued job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, type, project_id, status, created_by, overwrite_conflicts,
			deltafile_id, feedback, output, error, worker_handle,
			created_at, started_at, finished_at, worker_started_at, worker_finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Type, j.ProjectID, j.Status, j.CreatedBy, j.OverwriteConflicts,
		j.DeltafileID, j.Feedback, j.Output, j.Error, j.WorkerHandle,
		j.CreatedAt, j.StartedAt, j.FinishedAt, j.WorkerStartedAt, j.WorkerFinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC, along
// with the total count.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// ClaimNextJob claims the oldest eligible queued job, or returns (nil, nil)
// when the queue has none.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, claimNextJobSQL, time.Now().UTC())
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// SetJobWorker records the backend handle and the worker start time.
func (s *SQLiteStore) SetJobWorker(ctx context.Context, id, handle string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET worker_handle = ?, worker_started_at = ? WHERE id = ?",
		handle, startedAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set job worker: %w", err)
	}
	return checkAffected(res)
}

// MarkJobFinished moves a started job to finished and records its output.
func (s *SQLiteStore) MarkJobFinished(ctx context.Context, id string, output string, feedback []byte) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, output = ?, feedback = ?,
			finished_at = ?, worker_finished_at = ?
		WHERE id = ? AND status = ?`,
		model.JobStatusFinished, output, feedback, now, now, id, model.JobStatusStarted,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return checkTransition(ctx, s.db, res, id)
}

// MarkJobFailed moves a job to failed and records the failure reason. Both
// queued and started jobs may fail (a queued job fails when its payload is
// rejected before launch).
func (s *SQLiteStore) MarkJobFailed(ctx context.Context, id string, reason string, feedback []byte) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, feedback = COALESCE(?, feedback),
			finished_at = ?, worker_finished_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		model.JobStatusFailed, reason, feedback, now, now,
		id, model.JobStatusQueued, model.JobStatusStarted,
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return checkTransition(ctx, s.db, res, id)
}

// AppendFeedback replaces the stored feedback document for a job.
func (s *SQLiteStore) AppendFeedback(ctx context.Context, id string, feedback []byte) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET feedback = ? WHERE id = ?", feedback, id,
	)
	if err != nil {
		return fmt.Errorf("append feedback: %w", err)
	}
	return checkAffected(res)
}

// CancelQueuedJob fails a job that has not started yet.
func (s *SQLiteStore) CancelQueuedJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = 'cancelled', finished_at = ?
		WHERE id = ? AND status = ?`,
		model.JobStatusFailed, time.Now().UTC(), id, model.JobStatusQueued,
	)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return checkTransition(ctx, s.db, res, id)
}

// StartedJobs returns all jobs currently marked started.
func (s *SQLiteStore) StartedJobs(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ?`, model.JobStatusStarted,
	)
	if err != nil {
		return nil, fmt.Errorf("list started jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetJobStats returns aggregate queue statistics.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByStatus: make(map[string]int),
		CountByType:   make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, type, COUNT(*) FROM jobs GROUP BY status, type",
	)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status, typ string
		var n int
		if err := rows.Scan(&status, &typ, &n); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats.CountByStatus[status] += n
		stats.CountByType[typ] += n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job stats: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG((julianday(finished_at) - julianday(started_at)) * 86400000.0)
		FROM jobs WHERE started_at IS NOT NULL AND finished_at IS NOT NULL`,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("avg job duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}

// CreateDelta inserts a new delta record.
func (s *SQLiteStore) CreateDelta(ctx context.Context, d *model.Delta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deltas (
			id, deltafile_id, project_id, content, last_status,
			last_feedback, last_modified_pk, created_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.DeltafileID, d.ProjectID, d.Content, d.LastStatus,
		d.LastFeedback, d.LastModifiedPK, d.CreatedBy, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delta: %w", err)
	}
	return nil
}

const deltaColumns = `id, deltafile_id, project_id, content, last_status,
	last_feedback, last_modified_pk, created_by, created_at`

func scanDelta(r rowScanner) (*model.Delta, error) {
	d := &model.Delta{}
	var modifiedPK sql.NullString
	err := r.Scan(
		&d.ID, &d.DeltafileID, &d.ProjectID, &d.Content, &d.LastStatus,
		&d.LastFeedback, &modifiedPK, &d.CreatedBy, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.LastModifiedPK = modifiedPK.String
	return d, nil
}

// GetDelta retrieves a delta by ID.
func (s *SQLiteStore) GetDelta(ctx context.Context, id string) (*model.Delta, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deltaColumns+` FROM deltas WHERE id = ?`, id)
	d, err := scanDelta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delta: %w", err)
	}
	return d, nil
}

// ListDeltas returns a paginated list of a project's deltas, oldest first.
func (s *SQLiteStore) ListDeltas(ctx context.Context, projectID string, limit, offset int) ([]*model.Delta, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM deltas WHERE project_id = ?", projectID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count deltas: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+deltaColumns+` FROM deltas WHERE project_id = ?
		ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		projectID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list deltas: %w", err)
	}
	defer rows.Close()

	var deltas []*model.Delta
	for rows.Next() {
		d, err := scanDelta(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan delta: %w", err)
		}
		deltas = append(deltas, d)
	}
	return deltas, total, rows.Err()
}

// DeltasForJob returns the deltas of one deltafile submission, oldest first.
func (s *SQLiteStore) DeltasForJob(ctx context.Context, deltafileID string) ([]*model.Delta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deltaColumns+` FROM deltas WHERE deltafile_id = ?
		ORDER BY created_at ASC, id ASC`, deltafileID,
	)
	if err != nil {
		return nil, fmt.Errorf("deltas for job: %w", err)
	}
	defer rows.Close()

	var deltas []*model.Delta
	for rows.Next() {
		d, err := scanDelta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delta: %w", err)
		}
		deltas = append(deltas, d)
	}
	return deltas, rows.Err()
}

// RecordApplyResults persists per-delta outcomes for one apply job run and
// mirrors each delta's last_* columns, in a single transaction.
func (s *SQLiteStore) RecordApplyResults(ctx context.Context, applyJobID string, results []ApplyResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range results {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO apply_job_deltas (id, apply_job_id, delta_id, status, modified_pk, feedback)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (apply_job_id, delta_id) DO UPDATE SET
				status = excluded.status,
				modified_pk = excluded.modified_pk,
				feedback = excluded.feedback`,
			model.NewID(), applyJobID, r.DeltaID, r.Status, r.ModifiedPK, r.Feedback,
		); err != nil {
			return fmt.Errorf("insert apply result: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE deltas SET last_status = ?, last_feedback = ?, last_modified_pk = ?
			WHERE id = ?`,
			r.Status, r.Feedback, r.ModifiedPK, r.DeltaID,
		); err != nil {
			return fmt.Errorf("mirror delta status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply results: %w", err)
	}
	return nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// checkTransition distinguishes a missing row from a guarded status update
// that matched nothing because the job was in the wrong state.
func checkTransition(ctx context.Context, db *sql.DB, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE id = ?", id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrInvalidTransition
}
