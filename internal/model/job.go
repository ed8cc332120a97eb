package model

import "time"

// Job type constants.
const (
	JobTypeProcessProjectfile = "process_projectfile"
	JobTypePackage            = "package"
	JobTypeApplyDelta         = "apply_delta"
)

// Job status constants.
const (
	JobStatusQueued   = "queued"
	JobStatusStarted  = "started"
	JobStatusFinished = "finished"
	JobStatusFailed   = "failed"
)

// validJobTransitions maps each job status to the set of statuses it may
// transition to. A job that has finished or failed is terminal and its row is
// kept as an audit record.
var validJobTransitions = map[string]map[string]bool{
	JobStatusQueued: {
		JobStatusStarted: true,
		JobStatusFailed:  true,
	},
	JobStatusStarted: {
		JobStatusFinished: true,
		JobStatusFailed:   true,
	},
}

// ValidJobTransition reports whether transitioning a job from one status to
// another is allowed.
func ValidJobTransition(from, to string) bool {
	targets, ok := validJobTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ValidJobType reports whether t is a known job type.
func ValidJobType(t string) bool {
	switch t {
	case JobTypeProcessProjectfile, JobTypePackage, JobTypeApplyDelta:
		return true
	}
	return false
}

// Job represents one unit of work dispatched to an isolated worker. Rows are
// created when work is requested, mutated by the dispatcher (status and
// timestamps) and the worker runtime (feedback and output), and never deleted.
type Job struct {
	ID                 string     `json:"id"`
	Type               string     `json:"type"`
	ProjectID          string     `json:"project_id"`
	Status             string     `json:"status"`
	CreatedBy          string     `json:"created_by"`
	OverwriteConflicts bool       `json:"overwrite_conflicts"`
	DeltafileID        string     `json:"deltafile_id,omitempty"`
	Feedback           []byte     `json:"feedback,omitempty"`
	Output             string     `json:"output,omitempty"`
	Error              string     `json:"error,omitempty"`
	WorkerHandle       string     `json:"worker_handle,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
	WorkerStartedAt    *time.Time `json:"worker_started_at,omitempty"`
	WorkerFinishedAt   *time.Time `json:"worker_finished_at,omitempty"`
}

// Terminal reports whether the job reached a final status.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusFinished || j.Status == JobStatusFailed
}
