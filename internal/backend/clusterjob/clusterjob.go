// Package clusterjob runs workers as batch jobs on a cluster scheduler,
// through its REST API. One job resource is created per worker; the backend
// polls the resource until it reaches a terminal phase, fetches its logs and
// deletes it on cleanup.
package clusterjob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tmelliott/fieldsync/internal/backend"
)

// Backend constants.
const (
	// BackendName is the name used when registering with the backend registry.
	BackendName = "clusterjob"

	// pollInterval is how often Wait polls the job resource.
	pollInterval = 2 * time.Second

	// scratchVolumeName and assetsVolumeName identify the two mounts every
	// worker job gets: the read-write scratch exchange and the read-only
	// shared assets (transformation grids).
	scratchVolumeName = "scratch"
	assetsVolumeName  = "assets"
)

// Job phases reported by the scheduler.
const (
	phasePending   = "pending"
	phaseRunning   = "running"
	phaseSucceeded = "succeeded"
	phaseFailed    = "failed"
)

// Config holds the scheduler connection settings.
type Config struct {
	// BaseURL is the scheduler API root, e.g. http://scheduler:8080.
	BaseURL string

	// Namespace scopes all job resources created by this backend.
	Namespace string

	// Image is the worker container image.
	Image string

	// Token, when set, is sent as a bearer token.
	Token string
}

// jobResource is the request body for job creation.
type jobResource struct {
	Name    string            `json:"name"`
	Labels  map[string]string `json:"labels,omitempty"`
	Image   string            `json:"image"`
	Command []string          `json:"command"`
	Env     []string          `json:"env,omitempty"`
	Limits  resourceLimits    `json:"limits,omitempty"`
	Volumes []volumeMount     `json:"volumes,omitempty"`
}

type resourceLimits struct {
	CPU      int `json:"cpu,omitempty"`
	MemoryMB int `json:"memory_mb,omitempty"`
}

type volumeMount struct {
	Name     string `json:"name"`
	HostPath string `json:"host_path"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// jobStatus is the response body of a job status poll.
type jobStatus struct {
	Name       string            `json:"name"`
	Labels     map[string]string `json:"labels,omitempty"`
	Phase      string            `json:"phase"`
	ExitCode   int               `json:"exit_code"`
	Signal     string            `json:"signal,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Backend implements backend.Backend against a cluster batch scheduler.
type Backend struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	poll   time.Duration
}

// New creates a cluster job backend.
func New(cfg Config, logger *slog.Logger) *Backend {
	return &Backend{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		poll:   pollInterval,
	}
}

func (b *Backend) jobsURL() string {
	return fmt.Sprintf("%s/apis/batch/v1/namespaces/%s/jobs", b.cfg.BaseURL, b.cfg.Namespace)
}

func (b *Backend) jobURL(name string) string {
	return b.jobsURL() + "/" + name
}

// Launch creates a job resource for the worker.
func (b *Backend) Launch(ctx context.Context, spec backend.WorkerSpec) (backend.Handle, error) {
	name := "fieldsync-worker-" + spec.JobID

	volumes := []volumeMount{
		{Name: scratchVolumeName, HostPath: spec.ScratchDir},
	}
	if spec.AssetsDir != "" {
		volumes = append(volumes, volumeMount{
			Name: assetsVolumeName, HostPath: spec.AssetsDir, ReadOnly: true,
		})
	}

	res := jobResource{
		Name: name,
		Labels: map[string]string{
			"app":    "fieldsync-worker",
			"job-id": spec.JobID,
		},
		Image:   b.cfg.Image,
		Command: spec.Args,
		Env: append([]string{
			"FIELDSYNC_JOB_ID=" + spec.JobID,
			"FIELDSYNC_JOB_TYPE=" + spec.JobType,
			"FIELDSYNC_PROJECT_ID=" + spec.ProjectID,
			"FIELDSYNC_SCRATCH_DIR=" + spec.ScratchDir,
		}, spec.Env...),
		Limits: resourceLimits{
			CPU:      spec.CPULimit,
			MemoryMB: spec.MemLimitMB,
		},
		Volumes: volumes,
	}

	var created jobStatus
	if err := b.do(ctx, http.MethodPost, b.jobsURL(), res, &created); err != nil {
		return backend.Handle{}, fmt.Errorf("create job resource: %w", err)
	}

	b.logger.Info("cluster job created", "job_id", spec.JobID, "resource", name)
	return backend.Handle{ID: name, JobID: spec.JobID}, nil
}

// Wait polls the job resource until it reaches a terminal phase or timeout
// elapses.
func (b *Backend) Wait(ctx context.Context, h backend.Handle, timeout time.Duration) (backend.Outcome, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		var st jobStatus
		if err := b.do(ctx, http.MethodGet, b.jobURL(h.ID), nil, &st); err != nil {
			return backend.Outcome{}, fmt.Errorf("poll job resource: %w", err)
		}

		switch st.Phase {
		case phaseSucceeded, phaseFailed:
			out := backend.Outcome{ExitCode: st.ExitCode, Signal: st.Signal}
			if st.StartedAt != nil && st.FinishedAt != nil {
				out.DurationMS = int(st.FinishedAt.Sub(*st.StartedAt).Milliseconds())
			}
			return out, nil
		case phasePending, phaseRunning:
		default:
			return backend.Outcome{}, fmt.Errorf("job resource %s in unknown phase %q", h.ID, st.Phase)
		}

		if time.Now().After(deadline) {
			return backend.Outcome{TimedOut: true, DurationMS: int(timeout.Milliseconds())}, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return backend.Outcome{}, ctx.Err()
		}
	}
}

// FetchLogs retrieves the job's log stream.
func (b *Backend) FetchLogs(ctx context.Context, h backend.Handle) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.jobURL(h.ID)+"/log", nil)
	if err != nil {
		return nil, fmt.Errorf("build log request: %w", err)
	}
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch job logs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch job logs: scheduler returned %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Kill deletes the job resource, which terminates its container.
func (b *Backend) Kill(ctx context.Context, h backend.Handle) error {
	if err := b.do(ctx, http.MethodDelete, b.jobURL(h.ID), nil, nil); err != nil {
		return fmt.Errorf("delete job resource: %w", err)
	}
	return nil
}

// Cleanup deletes the job resource. A resource that is already gone is not
// an error.
func (b *Backend) Cleanup(ctx context.Context, h backend.Handle) error {
	err := b.do(ctx, http.MethodDelete, b.jobURL(h.ID), nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete job resource: %w", err)
	}
	return nil
}

// ListHandles lists this backend's live job resources.
func (b *Backend) ListHandles(ctx context.Context) ([]backend.Handle, error) {
	var listing struct {
		Items []jobStatus `json:"items"`
	}
	url := b.jobsURL() + "?label=app%3Dfieldsync-worker"
	if err := b.do(ctx, http.MethodGet, url, nil, &listing); err != nil {
		return nil, fmt.Errorf("list job resources: %w", err)
	}

	var handles []backend.Handle
	for _, st := range listing.Items {
		if st.Phase == phaseSucceeded || st.Phase == phaseFailed {
			continue
		}
		handles = append(handles, backend.Handle{
			ID:    st.Name,
			JobID: st.Labels["job-id"],
		})
	}
	return handles, nil
}

// Capabilities reports what the cluster backend supports.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:                   BackendName,
		MaxConcurrency:         0, // the scheduler queues beyond its capacity
		SupportsResourceLimits: true,
	}
}

// statusError carries a non-2xx scheduler response.
type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string {
	return "scheduler returned " + e.status
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

func (b *Backend) authorize(req *http.Request) {
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}
}

// do performs one API call, encoding body and decoding the response into out
// when non-nil.
func (b *Backend) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return &statusError{code: resp.StatusCode, status: resp.Status}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
