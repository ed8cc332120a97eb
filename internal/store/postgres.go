package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tmelliott/fieldsync/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                  TEXT PRIMARY KEY,
    type                TEXT NOT NULL,
    project_id          TEXT NOT NULL,
    status              TEXT NOT NULL,
    created_by          TEXT NOT NULL,
    overwrite_conflicts BOOLEAN NOT NULL DEFAULT FALSE,
    deltafile_id        TEXT,
    feedback            BYTEA,
    output              TEXT,
    error               TEXT,
    worker_handle       TEXT,
    created_at          TIMESTAMPTZ NOT NULL,
    started_at          TIMESTAMPTZ,
    finished_at         TIMESTAMPTZ,
    worker_started_at   TIMESTAMPTZ,
    worker_finished_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs (project_id);

CREATE TABLE IF NOT EXISTS deltas (
    id               TEXT PRIMARY KEY,
    deltafile_id     TEXT NOT NULL,
    project_id       TEXT NOT NULL,
    content          BYTEA NOT NULL,
    last_status      TEXT NOT NULL,
    last_feedback    BYTEA,
    last_modified_pk TEXT,
    created_by       TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deltas_deltafile ON deltas (deltafile_id, created_at);
CREATE INDEX IF NOT EXISTS idx_deltas_project ON deltas (project_id, created_at);

CREATE TABLE IF NOT EXISTS apply_job_deltas (
    id           TEXT PRIMARY KEY,
    apply_job_id TEXT NOT NULL,
    delta_id     TEXT NOT NULL,
    status       TEXT NOT NULL,
    modified_pk  TEXT,
    feedback     BYTEA,
    UNIQUE (apply_job_id, delta_id)
);
`

// Compile-time interface satisfaction check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on PostgreSQL through the pgx stdlib driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to the database at dsn and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new queued job record.
func (s *PostgresStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, type, project_id, status, created_by, overwrite_conflicts,
			deltafile_id, feedback, output, error, worker_handle,
			created_at, started_at, finished_at, worker_started_at, worker_finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
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
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
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
func (s *PostgresStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
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
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
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
	return jobs, total, rows.Err()
}

// ClaimNextJob claims the oldest eligible queued job. The candidate row is
// locked with SKIP LOCKED so concurrent dispatchers never fight over it, and
// a per-project advisory lock closes the window where two transactions pick
// different queued jobs of the same project before either commits.
func (s *PostgresStore) ClaimNextJob(ctx context.Context) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id, projectID string
	err = tx.QueryRowContext(ctx,
		`SELECT id, project_id FROM jobs
		WHERE status = 'queued'
		  AND project_id NOT IN (SELECT project_id FROM jobs WHERE status = 'started')
		ORDER BY created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
	).Scan(&id, &projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claim candidate: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"SELECT pg_advisory_xact_lock(hashtext($1))", projectID,
	); err != nil {
		return nil, fmt.Errorf("lock project: %w", err)
	}

	// Recheck under the advisory lock: another transaction may have started
	// a sibling job of this project between our snapshot and the lock.
	var busy bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM jobs WHERE project_id = $1 AND status = 'started')",
		projectID,
	).Scan(&busy); err != nil {
		return nil, fmt.Errorf("recheck project: %w", err)
	}
	if busy {
		return nil, nil
	}

	row := tx.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'started', started_at = $1
		WHERE id = $2 RETURNING `+jobColumns,
		time.Now().UTC(), id,
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return j, nil
}

// SetJobWorker records the backend handle and the worker start time.
func (s *PostgresStore) SetJobWorker(ctx context.Context, id, handle string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET worker_handle = $1, worker_started_at = $2 WHERE id = $3",
		handle, startedAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set job worker: %w", err)
	}
	return checkAffected(res)
}

// MarkJobFinished moves a started job to finished and records its output.
func (s *PostgresStore) MarkJobFinished(ctx context.Context, id string, output string, feedback []byte) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, output = $2, feedback = $3,
			finished_at = $4, worker_finished_at = $4
		WHERE id = $5 AND status = $6`,
		model.JobStatusFinished, output, feedback, now, id, model.JobStatusStarted,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// MarkJobFailed moves a job to failed and records the failure reason.
func (s *PostgresStore) MarkJobFailed(ctx context.Context, id string, reason string, feedback []byte) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error = $2, feedback = COALESCE($3, feedback),
			finished_at = $4, worker_finished_at = $4
		WHERE id = $5 AND status IN ($6, $7)`,
		model.JobStatusFailed, reason, feedback, now,
		id, model.JobStatusQueued, model.JobStatusStarted,
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// AppendFeedback replaces the stored feedback document for a job.
func (s *PostgresStore) AppendFeedback(ctx context.Context, id string, feedback []byte) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET feedback = $1 WHERE id = $2", feedback, id,
	)
	if err != nil {
		return fmt.Errorf("append feedback: %w", err)
	}
	return checkAffected(res)
}

// CancelQueuedJob fails a job that has not started yet.
func (s *PostgresStore) CancelQueuedJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error = 'cancelled', finished_at = $2
		WHERE id = $3 AND status = $4`,
		model.JobStatusFailed, time.Now().UTC(), id, model.JobStatusQueued,
	)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// StartedJobs returns all jobs currently marked started.
func (s *PostgresStore) StartedJobs(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1`, model.JobStatusStarted,
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
func (s *PostgresStore) GetJobStats(ctx context.Context) (*JobStats, error) {
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
		`SELECT AVG(EXTRACT(EPOCH FROM finished_at - started_at) * 1000)
		FROM jobs WHERE started_at IS NOT NULL AND finished_at IS NOT NULL`,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("avg job duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}

// CreateDelta inserts a new delta record.
func (s *PostgresStore) CreateDelta(ctx context.Context, d *model.Delta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deltas (
			id, deltafile_id, project_id, content, last_status,
			last_feedback, last_modified_pk, created_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.DeltafileID, d.ProjectID, d.Content, d.LastStatus,
		d.LastFeedback, d.LastModifiedPK, d.CreatedBy, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delta: %w", err)
	}
	return nil
}

// GetDelta retrieves a delta by ID.
func (s *PostgresStore) GetDelta(ctx context.Context, id string) (*model.Delta, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deltaColumns+` FROM deltas WHERE id = $1`, id)
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
func (s *PostgresStore) ListDeltas(ctx context.Context, projectID string, limit, offset int) ([]*model.Delta, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM deltas WHERE project_id = $1", projectID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count deltas: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+deltaColumns+` FROM deltas WHERE project_id = $1
		ORDER BY created_at ASC, id ASC LIMIT $2 OFFSET $3`,
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
func (s *PostgresStore) DeltasForJob(ctx context.Context, deltafileID string) ([]*model.Delta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deltaColumns+` FROM deltas WHERE deltafile_id = $1
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
func (s *PostgresStore) RecordApplyResults(ctx context.Context, applyJobID string, results []ApplyResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range results {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO apply_job_deltas (id, apply_job_id, delta_id, status, modified_pk, feedback)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (apply_job_id, delta_id) DO UPDATE SET
				status = excluded.status,
				modified_pk = excluded.modified_pk,
				feedback = excluded.feedback`,
			model.NewID(), applyJobID, r.DeltaID, r.Status, r.ModifiedPK, r.Feedback,
		); err != nil {
			return fmt.Errorf("insert apply result: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE deltas SET last_status = $1, last_feedback = $2, last_modified_pk = $3
			WHERE id = $4`,
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

func (s *PostgresStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)", id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidTransition
}
