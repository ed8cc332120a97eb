package backend

import (
	"context"
	"time"
)

// Backend is the interface that all worker backends must implement. Each
// backend (local process, cluster batch job) provides its own way of running
// one isolated worker per job.
type Backend interface {
	// Launch starts a worker for the given spec and returns a handle for it.
	// Launch failures are transient from the dispatcher's point of view and
	// may be retried.
	Launch(ctx context.Context, spec WorkerSpec) (Handle, error)

	// Wait blocks until the worker exits or timeout elapses. A timeout does
	// not kill the worker; the caller decides, usually by calling Kill.
	Wait(ctx context.Context, h Handle, timeout time.Duration) (Outcome, error)

	// FetchLogs returns the worker's combined output so far. Valid during
	// and after execution.
	FetchLogs(ctx context.Context, h Handle) ([]byte, error)

	// Kill forcibly terminates a running worker.
	Kill(ctx context.Context, h Handle) error

	// Cleanup releases any resources associated with the handle. Workers
	// that already exited are cleaned up without error.
	Cleanup(ctx context.Context, h Handle) error

	// ListHandles returns the handles of all live workers this backend
	// knows about. The dispatcher's orphan sweep reconciles these against
	// started job rows.
	ListHandles(ctx context.Context) ([]Handle, error)

	// Capabilities reports what this backend supports.
	Capabilities() Capabilities
}

// Handle identifies one launched worker within its backend. The string form
// is persisted on the job row so orphans survive dispatcher restarts.
type Handle struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`
}

// WorkerSpec describes one worker to be launched by a backend.
type WorkerSpec struct {
	JobID     string `json:"job_id"`
	JobType   string `json:"job_type"`
	ProjectID string `json:"project_id"`

	// Args is the worker command line. Backends that run a fixed image
	// (clusterjob) pass it as the container command.
	Args []string `json:"args"`
	Env  []string `json:"env,omitempty"`

	// ScratchDir is mounted read-write; the job spec and feedback travel
	// through it. AssetsDir is mounted read-only and carries shared assets
	// such as transformation grids.
	ScratchDir string `json:"scratch_dir"`
	AssetsDir  string `json:"assets_dir,omitempty"`

	CPULimit   int `json:"cpu_limit,omitempty"`
	MemLimitMB int `json:"mem_limit_mb,omitempty"`
}

// Outcome holds the terminal state of one worker run.
type Outcome struct {
	// ExitCode is the worker's exit status. Meaningful only when Signal is
	// empty and TimedOut is false.
	ExitCode int `json:"exit_code"`

	// Signal is non-empty when the worker was killed by a signal. This is
	// the discriminator between a crashed worker and a worker that reported
	// a failure through its exit code.
	Signal string `json:"signal,omitempty"`

	// TimedOut is set when Wait gave up before the worker exited.
	TimedOut bool `json:"timed_out,omitempty"`

	DurationMS int `json:"duration_ms"`
}

// Crashed reports whether the worker died abnormally rather than exiting.
func (o Outcome) Crashed() bool {
	return o.Signal != ""
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name           string `json:"name"`
	MaxConcurrency int    `json:"max_concurrency"`

	// SupportsResourceLimits reports whether CPU and memory limits in the
	// spec are enforced rather than advisory.
	SupportsResourceLimits bool `json:"supports_resource_limits"`
}
