// Package worker implements the runtime that executes one job inside an
// isolated worker. The dispatcher stages job.json (and deltafile.json for
// apply jobs) into the scratch directory, the runtime runs the step chain for
// the job type and leaves feedback.json behind for the dispatcher to persist.
package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tmelliott/fieldsync/internal/delta"
)

// Scratch directory file names shared between dispatcher and worker.
const (
	SpecFile      = "job.json"
	DeltafileFile = "deltafile.json"
	FeedbackFile  = "feedback.json"
)

// JobSpec is the job description the dispatcher hands to the worker.
type JobSpec struct {
	JobID              string `json:"jobId"`
	Type               string `json:"type"`
	ProjectID          string `json:"projectId"`
	DeltafileID        string `json:"deltafileId,omitempty"`
	OverwriteConflicts bool   `json:"overwriteConflicts,omitempty"`
}

// Step statuses in feedback.
const (
	StepOK      = "ok"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// Step records one executed stage of the job.
type Step struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMS int    `json:"durationMs"`
}

// Feedback is the worker's report, written to the scratch directory as the
// last act before exiting.
type Feedback struct {
	JobID    string `json:"jobId"`
	ExitCode int    `json:"exitCode"`
	Steps    []Step `json:"steps"`

	// Output names the job's product: the new project version for apply
	// jobs, the artifact name for package jobs.
	Output string `json:"output,omitempty"`

	// Logs carries the worker's combined output. The worker leaves it empty;
	// the dispatcher fills it from the backend before persisting.
	Logs string `json:"logs,omitempty"`

	// ProjectDetails is the layer and schema report of a projectfile job.
	ProjectDetails json.RawMessage `json:"projectDetails,omitempty"`

	// PerDeltaResults carries the engine outcomes of an apply job.
	PerDeltaResults []delta.Result `json:"perDeltaResults,omitempty"`
}

// ReadSpec loads the job spec from the scratch directory.
func ReadSpec(scratchDir string) (*JobSpec, error) {
	b, err := os.ReadFile(filepath.Join(scratchDir, SpecFile))
	if err != nil {
		return nil, fmt.Errorf("read job spec: %w", err)
	}
	var spec JobSpec
	if err := json.Unmarshal(b, &spec); err != nil {
		return nil, fmt.Errorf("decode job spec: %w", err)
	}
	return &spec, nil
}

// WriteSpec stages a job spec into the scratch directory. Used by the
// dispatcher before launch.
func WriteSpec(scratchDir string, spec *JobSpec) error {
	b, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job spec: %w", err)
	}
	if err := os.WriteFile(filepath.Join(scratchDir, SpecFile), b, 0o644); err != nil {
		return fmt.Errorf("write job spec: %w", err)
	}
	return nil
}

// WriteFeedback stores the worker's report in the scratch directory.
func WriteFeedback(scratchDir string, fb *Feedback) error {
	b, err := json.MarshalIndent(fb, "", "  ")
	if err != nil {
		return fmt.Errorf("encode feedback: %w", err)
	}
	if err := os.WriteFile(filepath.Join(scratchDir, FeedbackFile), b, 0o644); err != nil {
		return fmt.Errorf("write feedback: %w", err)
	}
	return nil
}

// ReadFeedback loads the worker's report from the scratch directory. Used by
// the dispatcher after the worker exits.
func ReadFeedback(scratchDir string) (*Feedback, error) {
	b, err := os.ReadFile(filepath.Join(scratchDir, FeedbackFile))
	if err != nil {
		return nil, fmt.Errorf("read feedback: %w", err)
	}
	var fb Feedback
	if err := json.Unmarshal(b, &fb); err != nil {
		return nil, fmt.Errorf("decode feedback: %w", err)
	}
	return &fb, nil
}
