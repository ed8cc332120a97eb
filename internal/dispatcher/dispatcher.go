// Package dispatcher pulls queued jobs from the store and runs each one on
// the configured worker backend. Several dispatcher processes may share one
// store; the claim operation keeps them from stepping on each other and keeps
// per-project execution serial.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tmelliott/fieldsync/internal/backend"
	"github.com/tmelliott/fieldsync/internal/model"
	"github.com/tmelliott/fieldsync/internal/store"
	"github.com/tmelliott/fieldsync/internal/worker"
)

// launchBackoff is the base delay between launch retries; it doubles per
// attempt.
const launchBackoff = 500 * time.Millisecond

// Options tune one dispatcher instance.
type Options struct {
	BackendName string

	// Slots is the number of jobs run concurrently by this instance.
	Slots int

	// PollInterval is the sleep between claims when the queue is empty.
	PollInterval time.Duration

	// LaunchRetries bounds backend launch attempts per job.
	LaunchRetries int

	// WorkerTimeout caps one worker run; beyond it the worker is killed and
	// the job fails with a timeout.
	WorkerTimeout time.Duration

	// OrphanSweepInterval is the period of the orphan reconciliation pass.
	// Zero disables the sweep.
	OrphanSweepInterval time.Duration

	// ScratchRoot holds the per-job scratch directories. AssetsDir, when
	// set, is passed to workers as a read-only mount.
	ScratchRoot string
	AssetsDir   string

	CPULimit   int
	MemLimitMB int
}

// Dispatcher runs claimed jobs to completion.
type Dispatcher struct {
	store    store.Store
	registry *backend.Registry
	opts     Options
	logger   *slog.Logger

	mu        sync.Mutex
	running   map[string]backend.Handle // job ID → handle
	cancelled map[string]bool
}

// New creates a dispatcher.
func New(st store.Store, registry *backend.Registry, opts Options, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     st,
		registry:  registry,
		opts:      opts,
		logger:    logger,
		running:   make(map[string]backend.Handle),
		cancelled: make(map[string]bool),
	}
}

// Run starts the slot loops and the orphan sweep and blocks until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < d.opts.Slots; i++ {
		slot := i
		g.Go(func() error {
			return d.slotLoop(ctx, slot)
		})
	}
	if d.opts.OrphanSweepInterval > 0 {
		g.Go(func() error {
			return d.sweepLoop(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// slotLoop claims and runs jobs until ctx is cancelled.
func (d *Dispatcher) slotLoop(ctx context.Context, slot int) error {
	for {
		claimStart := time.Now()
		job, err := d.store.ClaimNextJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("claim failed", "slot", slot, "error", err)
			job = nil
		}

		if job == nil {
			select {
			case <-time.After(d.opts.PollInterval):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		claimLatency.Observe(time.Since(claimStart).Seconds())

		d.runJob(ctx, job)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// runJob drives one claimed job to a terminal status. Every path out of this
// function leaves the job finished or failed.
func (d *Dispatcher) runJob(ctx context.Context, job *model.Job) {
	log := d.logger.With("job_id", job.ID, "type", job.Type, "project_id", job.ProjectID)
	start := time.Now()
	activeJobs.Inc()
	defer activeJobs.Dec()

	be, err := d.registry.Resolve(d.opts.BackendName)
	if err != nil {
		d.fail(ctx, job, fmt.Sprintf("resolve backend: %v", err), nil, outcomeError)
		return
	}

	scratch, err := d.stageScratch(ctx, job)
	if err != nil {
		d.fail(ctx, job, fmt.Sprintf("stage job: %v", err), nil, outcomeError)
		return
	}

	handle, err := d.launch(ctx, be, job, scratch)
	if err != nil {
		d.fail(ctx, job, fmt.Sprintf("launch worker: %v", err), nil, outcomeError)
		return
	}
	defer be.Cleanup(context.WithoutCancel(ctx), handle)

	d.mu.Lock()
	d.running[job.ID] = handle
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.running, job.ID)
		delete(d.cancelled, job.ID)
		d.mu.Unlock()
	}()

	if err := d.store.SetJobWorker(ctx, job.ID, handle.ID, time.Now().UTC()); err != nil {
		log.Error("record worker handle", "error", err)
	}

	out, err := be.Wait(ctx, handle, d.opts.WorkerTimeout)
	if err != nil {
		d.fail(ctx, job, fmt.Sprintf("wait for worker: %v", err), nil, outcomeError)
		return
	}

	logs, logsErr := be.FetchLogs(context.WithoutCancel(ctx), handle)
	if logsErr != nil {
		log.Warn("fetch worker logs", "error", logsErr)
	}

	switch {
	case out.TimedOut:
		if err := be.Kill(context.WithoutCancel(ctx), handle); err != nil {
			log.Error("kill timed out worker", "error", err)
		}
		d.fail(ctx, job, fmt.Sprintf("worker timed out after %s", d.opts.WorkerTimeout), logs, outcomeTimeout)

	case out.Crashed():
		if d.wasCancelled(job.ID) {
			d.fail(ctx, job, "cancelled", logs, outcomeCancelled)
		} else {
			d.fail(ctx, job, fmt.Sprintf("worker crashed: %s", out.Signal), logs, outcomeCrash)
		}

	default:
		d.complete(ctx, job, scratch, out, logs, log)
	}

	jobDuration.Observe(time.Since(start).Seconds())
}

// complete persists the worker's feedback and final status after a normal
// exit.
func (d *Dispatcher) complete(ctx context.Context, job *model.Job, scratch string, out backend.Outcome, logs []byte, log *slog.Logger) {
	fb, err := worker.ReadFeedback(scratch)
	if err != nil {
		d.fail(ctx, job, fmt.Sprintf("worker left no feedback (exit code %d): %v", out.ExitCode, err), logs, outcomeError)
		return
	}
	fb.Logs = string(logs)

	if job.Type == model.JobTypeApplyDelta && len(fb.PerDeltaResults) > 0 {
		if err := d.recordApplyResults(ctx, job, fb); err != nil {
			d.fail(ctx, job, fmt.Sprintf("record apply results: %v", err), logs, outcomeError)
			return
		}
	}

	fbJSON, err := json.Marshal(fb)
	if err != nil {
		d.fail(ctx, job, fmt.Sprintf("encode feedback: %v", err), logs, outcomeError)
		return
	}

	if out.ExitCode != 0 {
		d.fail(ctx, job, fmt.Sprintf("worker exited with code %d", out.ExitCode), fbJSON, outcomeFailed)
		return
	}

	if err := d.store.MarkJobFinished(ctx, job.ID, fb.Output, fbJSON); err != nil {
		log.Error("mark job finished", "error", err)
		return
	}
	jobsTotal.WithLabelValues(job.Type, outcomeFinished).Inc()
	log.Info("job finished", "output", fb.Output, "duration_ms", out.DurationMS)
}

// recordApplyResults maps engine results back to delta rows by position:
// both the staged deltafile and the results follow the store's oldest-first
// order.
func (d *Dispatcher) recordApplyResults(ctx context.Context, job *model.Job, fb *worker.Feedback) error {
	rows, err := d.store.DeltasForJob(ctx, job.DeltafileID)
	if err != nil {
		return err
	}
	if len(rows) != len(fb.PerDeltaResults) {
		return fmt.Errorf("feedback carries %d delta results for %d deltas", len(fb.PerDeltaResults), len(rows))
	}

	results := make([]store.ApplyResult, len(rows))
	for i, res := range fb.PerDeltaResults {
		resJSON, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("encode delta result: %w", err)
		}
		results[i] = store.ApplyResult{
			DeltaID:    rows[i].ID,
			Status:     res.Status,
			ModifiedPK: res.ModifiedPK,
			Feedback:   resJSON,
		}
	}
	return d.store.RecordApplyResults(ctx, job.ID, results)
}

// fail records a terminal failure with the given taxonomy label.
func (d *Dispatcher) fail(ctx context.Context, job *model.Job, reason string, feedback []byte, outcome string) {
	if err := d.store.MarkJobFailed(context.WithoutCancel(ctx), job.ID, reason, feedback); err != nil {
		d.logger.Error("mark job failed", "job_id", job.ID, "reason", reason, "error", err)
		return
	}
	jobsTotal.WithLabelValues(job.Type, outcome).Inc()
	d.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "reason", reason)
}

// stageScratch prepares the job's scratch directory: the spec file plus, for
// apply jobs, the assembled deltafile.
func (d *Dispatcher) stageScratch(ctx context.Context, job *model.Job) (string, error) {
	scratch := filepath.Join(d.opts.ScratchRoot, "job-"+job.ID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	spec := &worker.JobSpec{
		JobID:              job.ID,
		Type:               job.Type,
		ProjectID:          job.ProjectID,
		DeltafileID:        job.DeltafileID,
		OverwriteConflicts: job.OverwriteConflicts,
	}
	if err := worker.WriteSpec(scratch, spec); err != nil {
		return "", err
	}

	if job.Type == model.JobTypeApplyDelta {
		if err := d.stageDeltafile(ctx, job, scratch); err != nil {
			return "", err
		}
	}
	return scratch, nil
}

// stageDeltafile reassembles the submitted deltas into a deltafile document
// for the worker, oldest first.
func (d *Dispatcher) stageDeltafile(ctx context.Context, job *model.Job, scratch string) error {
	rows, err := d.store.DeltasForJob(ctx, job.DeltafileID)
	if err != nil {
		return fmt.Errorf("load deltas: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("apply job has no deltas for deltafile %s", job.DeltafileID)
	}

	doc := struct {
		ID        string            `json:"id"`
		ProjectID string            `json:"projectId"`
		Version   string            `json:"version"`
		Deltas    []json.RawMessage `json:"deltas"`
	}{
		ID:        job.DeltafileID,
		ProjectID: job.ProjectID,
		Version:   "1.0",
	}
	for _, row := range rows {
		doc.Deltas = append(doc.Deltas, json.RawMessage(row.Content))
	}

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode deltafile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(scratch, worker.DeltafileFile), b, 0o644); err != nil {
		return fmt.Errorf("write deltafile: %w", err)
	}
	return nil
}

// launch starts the worker with bounded retries and exponential backoff.
func (d *Dispatcher) launch(ctx context.Context, be backend.Backend, job *model.Job, scratch string) (backend.Handle, error) {
	spec := backend.WorkerSpec{
		JobID:      job.ID,
		JobType:    job.Type,
		ProjectID:  job.ProjectID,
		Args:       []string{"run"},
		ScratchDir: scratch,
		AssetsDir:  d.opts.AssetsDir,
		CPULimit:   d.opts.CPULimit,
		MemLimitMB: d.opts.MemLimitMB,
	}

	attempts := d.opts.LaunchRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := launchBackoff << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return backend.Handle{}, ctx.Err()
			}
		}
		handle, err := be.Launch(ctx, spec)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		launchRetries.Inc()
		d.logger.Warn("worker launch failed", "job_id", job.ID, "attempt", attempt+1, "error", err)
	}
	return backend.Handle{}, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// Cancel stops a job. Queued jobs are failed in the store; started jobs get
// a best-effort kill and are then recorded as cancelled by their slot.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	err := d.store.CancelQueuedJob(ctx, jobID)
	if err == nil || !errors.Is(err, store.ErrInvalidTransition) {
		return err
	}

	d.mu.Lock()
	handle, ok := d.running[jobID]
	if ok {
		d.cancelled[jobID] = true
	}
	d.mu.Unlock()
	if !ok {
		return err
	}

	be, rerr := d.registry.Resolve(d.opts.BackendName)
	if rerr != nil {
		return rerr
	}
	return be.Kill(ctx, handle)
}

// Logs returns the live output of a job currently running on this instance.
// The second return is false when the job is not running here.
func (d *Dispatcher) Logs(ctx context.Context, jobID string) ([]byte, bool, error) {
	d.mu.Lock()
	handle, ok := d.running[jobID]
	d.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	be, err := d.registry.Resolve(d.opts.BackendName)
	if err != nil {
		return nil, true, err
	}
	logs, err := be.FetchLogs(ctx, handle)
	return logs, true, err
}

func (d *Dispatcher) wasCancelled(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled[jobID]
}

// sweepLoop periodically kills workers whose jobs are no longer started:
// leftovers of a dispatcher that died between launch and completion.
func (d *Dispatcher) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.OrphanSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.sweepOrphans(ctx); err != nil {
				d.logger.Error("orphan sweep", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) sweepOrphans(ctx context.Context) error {
	be, err := d.registry.Resolve(d.opts.BackendName)
	if err != nil {
		return err
	}

	handles, err := be.ListHandles(ctx)
	if err != nil {
		return fmt.Errorf("list handles: %w", err)
	}
	if len(handles) == 0 {
		return nil
	}

	started, err := d.store.StartedJobs(ctx)
	if err != nil {
		return fmt.Errorf("list started jobs: %w", err)
	}
	live := make(map[string]bool, len(started))
	for _, j := range started {
		live[j.ID] = true
	}

	for _, h := range handles {
		if live[h.JobID] {
			continue
		}
		d.logger.Warn("killing orphaned worker", "handle", h.ID, "job_id", h.JobID)
		if err := be.Kill(ctx, h); err != nil {
			d.logger.Error("kill orphan", "handle", h.ID, "error", err)
			continue
		}
		if err := be.Cleanup(ctx, h); err != nil {
			d.logger.Error("cleanup orphan", "handle", h.ID, "error", err)
		}
		orphansKilled.Inc()
	}
	return nil
}
