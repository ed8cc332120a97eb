package store

import (
	"context"
	"errors"
	"time"

	"github.com/tmelliott/fieldsync/internal/model"
)

// ErrNotFound is returned when a job or delta does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a job status transition is not allowed,
// for example cancelling a job that already started.
var ErrInvalidTransition = errors.New("invalid status transition")

// JobStats holds aggregate queue statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByType   map[string]int `json:"count_by_type"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// ApplyResult is one per-delta outcome persisted by RecordApplyResults.
type ApplyResult struct {
	DeltaID    string
	Status     string
	ModifiedPK string
	Feedback   []byte
}

// Store defines the persistence operations for jobs and deltas. Both
// implementations expose identical semantics; the driver is chosen by config.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)

	// ClaimNextJob atomically moves the oldest queued job whose project has
	// no started sibling to started and returns it. It returns (nil, nil)
	// when no job is eligible. Safe under concurrent dispatcher processes.
	ClaimNextJob(ctx context.Context) (*model.Job, error)

	// SetJobWorker records the backend handle and the worker start time for
	// a started job.
	SetJobWorker(ctx context.Context, id, handle string, startedAt time.Time) error

	MarkJobFinished(ctx context.Context, id string, output string, feedback []byte) error
	MarkJobFailed(ctx context.Context, id string, reason string, feedback []byte) error
	AppendFeedback(ctx context.Context, id string, feedback []byte) error

	// CancelQueuedJob fails a job that has not started yet. It returns
	// ErrInvalidTransition if the job is already started or terminal.
	CancelQueuedJob(ctx context.Context, id string) error

	// StartedJobs returns the jobs currently marked started. The dispatcher
	// orphan sweep reconciles backend handles against this set.
	StartedJobs(ctx context.Context) ([]*model.Job, error)

	GetJobStats(ctx context.Context) (*JobStats, error)

	CreateDelta(ctx context.Context, d *model.Delta) error
	GetDelta(ctx context.Context, id string) (*model.Delta, error)
	ListDeltas(ctx context.Context, projectID string, limit, offset int) ([]*model.Delta, int, error)

	// DeltasForJob returns the deltas an apply job must process, oldest first.
	DeltasForJob(ctx context.Context, deltafileID string) ([]*model.Delta, error)

	// RecordApplyResults writes one ApplyJobDelta row per result and mirrors
	// each delta's last_status, last_feedback and last_modified_pk, all in a
	// single transaction.
	RecordApplyResults(ctx context.Context, applyJobID string, results []ApplyResult) error

	Close() error
}
