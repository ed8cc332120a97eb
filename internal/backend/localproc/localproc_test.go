package localproc

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tmelliott/fieldsync/internal/backend"
)

// The tests drive the backend with /bin/sh as the worker binary, so each
// "worker" is a small shell script.
func newTestBackend() *Backend {
	return New("/bin/sh", slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

func spec(t *testing.T, script string) backend.WorkerSpec {
	t.Helper()
	return backend.WorkerSpec{
		JobID:      "job-test",
		JobType:    "package",
		ProjectID:  "proj-test",
		Args:       []string{"-c", script},
		ScratchDir: t.TempDir(),
	}
}

func TestLaunchWaitSuccess(t *testing.T) {
	b := newTestBackend()
	ctx := context.Background()

	h, err := b.Launch(ctx, spec(t, "echo staging project; exit 0"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	out, err := b.Wait(ctx, h, 10*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.ExitCode != 0 || out.Crashed() || out.TimedOut {
		t.Errorf("outcome = %+v, want clean exit", out)
	}

	logs, err := b.FetchLogs(ctx, h)
	if err != nil {
		t.Fatalf("FetchLogs: %v", err)
	}
	if !strings.Contains(string(logs), "staging project") {
		t.Errorf("logs = %q, want to contain worker output", logs)
	}

	if err := b.Cleanup(ctx, h); err != nil {
		t.Errorf("Cleanup: %v", err)
	}
}

func TestWaitReportsExitCode(t *testing.T) {
	b := newTestBackend()
	ctx := context.Background()

	h, err := b.Launch(ctx, spec(t, "exit 3"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	out, err := b.Wait(ctx, h, 10*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", out.ExitCode)
	}
	if out.Crashed() {
		t.Errorf("outcome %+v reported as crash, want plain exit", out)
	}
}

func TestWaitDistinguishesSignalDeath(t *testing.T) {
	b := newTestBackend()
	ctx := context.Background()

	h, err := b.Launch(ctx, spec(t, "kill -9 $$"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	out, err := b.Wait(ctx, h, 10*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !out.Crashed() {
		t.Fatalf("outcome = %+v, want signal death", out)
	}
	if out.Signal == "" {
		t.Error("Signal is empty for a signal death")
	}
}

func TestWaitTimeoutLeavesWorkerRunning(t *testing.T) {
	b := newTestBackend()
	ctx := context.Background()

	h, err := b.Launch(ctx, spec(t, "sleep 30"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() { b.Cleanup(context.Background(), h) })

	out, err := b.Wait(ctx, h, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !out.TimedOut {
		t.Fatalf("outcome = %+v, want timeout", out)
	}

	// The worker is still alive until someone kills it.
	handles, err := b.ListHandles(ctx)
	if err != nil {
		t.Fatalf("ListHandles: %v", err)
	}
	if len(handles) != 1 {
		t.Errorf("len(handles) = %d, want 1 after timeout", len(handles))
	}
}

func TestKillTerminatesWorker(t *testing.T) {
	b := newTestBackend()
	ctx := context.Background()

	h, err := b.Launch(ctx, spec(t, "sleep 30"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if err := b.Kill(ctx, h); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	out, err := b.Wait(ctx, h, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait after kill: %v", err)
	}
	if !out.Crashed() {
		t.Errorf("outcome = %+v, want signal death after kill", out)
	}

	handles, _ := b.ListHandles(ctx)
	if len(handles) != 0 {
		t.Errorf("len(handles) = %d, want 0 after kill", len(handles))
	}
}

func TestCleanupUnknownHandleIsNoop(t *testing.T) {
	b := newTestBackend()
	if err := b.Cleanup(context.Background(), backend.Handle{ID: "proc-99999"}); err != nil {
		t.Errorf("Cleanup of unknown handle: %v", err)
	}
}

func TestFetchLogsUnknownHandle(t *testing.T) {
	b := newTestBackend()
	if _, err := b.FetchLogs(context.Background(), backend.Handle{ID: "proc-99999"}); err == nil {
		t.Error("FetchLogs of unknown handle: want error, got nil")
	}
}

func TestLogBufferCapsRetention(t *testing.T) {
	lb := newLogBuffer(8)
	lb.Write([]byte("0123456789"))
	got := string(lb.Bytes())
	if got != "23456789" {
		t.Errorf("Bytes() = %q, want the trailing 8 bytes", got)
	}

	lb.Write([]byte("AB"))
	got = string(lb.Bytes())
	if got != "456789AB" {
		t.Errorf("Bytes() after second write = %q, want 456789AB", got)
	}
}
