// Package localproc runs workers as direct child processes of the dispatcher.
// It is the development and single-host production backend: no scheduler, the
// worker binary is executed with the job scratch directory as its working
// directory and resource knobs passed through the environment.
package localproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/tmelliott/fieldsync/internal/backend"
)

// Backend constants.
const (
	// BackendName is the name used when registering with the backend registry.
	BackendName = "localproc"

	// killGracePeriod is the time between SIGTERM and SIGKILL when a worker
	// is killed.
	killGracePeriod = 5 * time.Second
)

// procState tracks one live worker process.
type procState struct {
	cmd     *exec.Cmd
	handle  backend.Handle
	logs    *logBuffer
	started time.Time

	done    chan struct{} // closed when the process is reaped
	outcome backend.Outcome
	waitErr error
}

// Backend implements backend.Backend by executing the worker binary directly.
type Backend struct {
	workerBin string
	logger    *slog.Logger

	mu    sync.Mutex
	procs map[string]*procState // handle ID → state
}

// New creates a local process backend that launches workerBin.
func New(workerBin string, logger *slog.Logger) *Backend {
	return &Backend{
		workerBin: workerBin,
		logger:    logger,
		procs:     make(map[string]*procState),
	}
}

// Launch starts a worker process for the given spec.
func (b *Backend) Launch(ctx context.Context, spec backend.WorkerSpec) (backend.Handle, error) {
	logs := newLogBuffer(maxLogBytes)

	cmd := exec.Command(b.workerBin, spec.Args...)
	cmd.Dir = spec.ScratchDir
	cmd.Stdout = logs
	cmd.Stderr = logs
	cmd.Env = append(cmd.Environ(),
		"FIELDSYNC_JOB_ID="+spec.JobID,
		"FIELDSYNC_JOB_TYPE="+spec.JobType,
		"FIELDSYNC_PROJECT_ID="+spec.ProjectID,
		"FIELDSYNC_SCRATCH_DIR="+spec.ScratchDir,
	)
	if spec.AssetsDir != "" {
		cmd.Env = append(cmd.Env, "FIELDSYNC_ASSETS_DIR="+spec.AssetsDir)
	}
	// The worker is a Go binary; its runtime honors these without needing
	// cgroups on the host.
	if spec.MemLimitMB > 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("GOMEMLIMIT=%dMiB", spec.MemLimitMB))
	}
	if spec.CPULimit > 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("GOMAXPROCS=%d", spec.CPULimit))
	}
	// Own process group, so a kill reaches the worker's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return backend.Handle{}, fmt.Errorf("start worker: %w", err)
	}

	ps := &procState{
		cmd:     cmd,
		handle:  backend.Handle{ID: fmt.Sprintf("proc-%d", cmd.Process.Pid), JobID: spec.JobID},
		logs:    logs,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.procs[ps.handle.ID] = ps
	b.mu.Unlock()
	activeWorkers.Inc()

	go b.reap(ps)

	b.logger.Info("worker launched",
		"job_id", spec.JobID, "pid", cmd.Process.Pid, "handle", ps.handle.ID)

	return ps.handle, nil
}

// reap waits for the process to exit and records its outcome.
func (b *Backend) reap(ps *procState) {
	err := ps.cmd.Wait()
	duration := time.Since(ps.started)

	out := backend.Outcome{DurationMS: int(duration.Milliseconds())}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			ws, isWait := exitErr.Sys().(syscall.WaitStatus)
			if isWait && ws.Signaled() {
				out.Signal = ws.Signal().String()
				out.ExitCode = -1
			} else {
				out.ExitCode = exitErr.ExitCode()
			}
		} else {
			ps.waitErr = err
		}
	}

	ps.outcome = out
	close(ps.done)
	activeWorkers.Dec()
	workerDuration.Observe(duration.Seconds())
}

// Wait blocks until the worker exits or timeout elapses.
func (b *Backend) Wait(ctx context.Context, h backend.Handle, timeout time.Duration) (backend.Outcome, error) {
	ps, err := b.lookup(h)
	if err != nil {
		return backend.Outcome{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ps.done:
		if ps.waitErr != nil {
			return backend.Outcome{}, fmt.Errorf("wait for worker: %w", ps.waitErr)
		}
		return ps.outcome, nil
	case <-timer.C:
		return backend.Outcome{TimedOut: true, DurationMS: int(timeout.Milliseconds())}, nil
	case <-ctx.Done():
		return backend.Outcome{}, ctx.Err()
	}
}

// FetchLogs returns the worker's combined stdout and stderr captured so far.
func (b *Backend) FetchLogs(ctx context.Context, h backend.Handle) ([]byte, error) {
	ps, err := b.lookup(h)
	if err != nil {
		return nil, err
	}
	return ps.logs.Bytes(), nil
}

// Kill terminates the worker's process group: SIGTERM first, SIGKILL after
// the grace period.
func (b *Backend) Kill(ctx context.Context, h backend.Handle) error {
	ps, err := b.lookup(h)
	if err != nil {
		return err
	}

	select {
	case <-ps.done:
		return nil // already exited
	default:
	}

	pgid := -ps.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal worker: %w", err)
	}

	timer := time.NewTimer(killGracePeriod)
	defer timer.Stop()
	select {
	case <-ps.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill worker: %w", err)
	}
	<-ps.done
	return nil
}

// Cleanup drops the tracked state for a handle. The worker must have exited;
// Cleanup of a live worker kills it first.
func (b *Backend) Cleanup(ctx context.Context, h backend.Handle) error {
	b.mu.Lock()
	ps, ok := b.procs[h.ID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-ps.done:
	default:
		if err := b.Kill(ctx, h); err != nil {
			return fmt.Errorf("cleanup kill: %w", err)
		}
	}

	b.mu.Lock()
	delete(b.procs, h.ID)
	b.mu.Unlock()
	return nil
}

// ListHandles returns the handles of all workers still running.
func (b *Backend) ListHandles(ctx context.Context) ([]backend.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var handles []backend.Handle
	for _, ps := range b.procs {
		select {
		case <-ps.done:
		default:
			handles = append(handles, ps.handle)
		}
	}
	return handles, nil
}

// Capabilities reports what the local process backend supports.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:           BackendName,
		MaxConcurrency: 0, // bounded by dispatcher slots, not the backend
		// GOMEMLIMIT and GOMAXPROCS are runtime hints, not hard limits.
		SupportsResourceLimits: false,
	}
}

func (b *Backend) lookup(h backend.Handle) (*procState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps, ok := b.procs[h.ID]
	if !ok {
		return nil, fmt.Errorf("unknown worker handle %q", h.ID)
	}
	return ps, nil
}
