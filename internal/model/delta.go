package model

import "time"

// Delta status constants. A delta's last_status always mirrors the status
// recorded by its most recent apply attempt.
const (
	DeltaStatusPending              = "pending"
	DeltaStatusApplied              = "applied"
	DeltaStatusConflict             = "conflict"
	DeltaStatusNotApplied           = "not_applied"
	DeltaStatusError                = "error"
	DeltaStatusAppliedWithConflicts = "applied_with_conflicts"
)

// Delta is one client-submitted, ordered set of feature-level change
// operations. Content is immutable once created; only last_status,
// last_feedback and last_modified_pk are updated, exclusively by apply jobs.
type Delta struct {
	ID             string    `json:"id"`
	DeltafileID    string    `json:"deltafile_id"`
	ProjectID      string    `json:"project_id"`
	Content        []byte    `json:"content"`
	LastStatus     string    `json:"last_status"`
	LastFeedback   []byte    `json:"last_feedback,omitempty"`
	LastModifiedPK string    `json:"last_modified_pk,omitempty"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// ApplyJobDelta is the authoritative per-attempt outcome for one (apply job,
// delta) pair. Exactly one row exists per pair attempted.
type ApplyJobDelta struct {
	ID         string `json:"id"`
	ApplyJobID string `json:"apply_job_id"`
	DeltaID    string `json:"delta_id"`
	Status     string `json:"status"`
	ModifiedPK string `json:"modified_pk,omitempty"`
	Feedback   []byte `json:"feedback,omitempty"`
}
