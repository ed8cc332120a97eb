package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tmelliott/fieldsync/internal/backend"
	"github.com/tmelliott/fieldsync/internal/delta"
	"github.com/tmelliott/fieldsync/internal/model"
	"github.com/tmelliott/fieldsync/internal/store"
	"github.com/tmelliott/fieldsync/internal/worker"
)

// fakeStore implements store.Store in memory for dispatcher tests.
type fakeStore struct {
	mu sync.Mutex

	queue    []*model.Job
	started  []*model.Job
	deltas   map[string][]*model.Delta // deltafile ID → rows
	finished map[string]*model.Job
	failed   map[string]string // job ID → reason
	feedback map[string][]byte
	results  map[string][]store.ApplyResult // apply job ID → recorded results
	handles  map[string]string              // job ID → worker handle

	cancelErr error
	done      chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deltas:   make(map[string][]*model.Delta),
		finished: make(map[string]*model.Job),
		failed:   make(map[string]string),
		feedback: make(map[string][]byte),
		results:  make(map[string][]store.ApplyResult),
		handles:  make(map[string]string),
	}
}

func (s *fakeStore) CreateJob(ctx context.Context, j *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, j)
	return nil
}

func (s *fakeStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return nil, store.ErrNotFound
}

func (s *fakeStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	return nil, 0, nil
}

func (s *fakeStore) ClaimNextJob(ctx context.Context) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, nil
	}
	j := s.queue[0]
	s.queue = s.queue[1:]
	j.Status = model.JobStatusStarted
	s.started = append(s.started, j)
	return j, nil
}

func (s *fakeStore) SetJobWorker(ctx context.Context, id, handle string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[id] = handle
	return nil
}

func (s *fakeStore) MarkJobFinished(ctx context.Context, id string, output string, feedback []byte) error {
	s.mu.Lock()
	s.finished[id] = &model.Job{ID: id, Status: model.JobStatusFinished, Output: output}
	s.feedback[id] = feedback
	s.mu.Unlock()
	s.signal(id)
	return nil
}

func (s *fakeStore) MarkJobFailed(ctx context.Context, id string, reason string, feedback []byte) error {
	s.mu.Lock()
	s.failed[id] = reason
	if feedback != nil {
		s.feedback[id] = feedback
	}
	s.mu.Unlock()
	s.signal(id)
	return nil
}

func (s *fakeStore) signal(id string) {
	if s.done != nil {
		s.done <- id
	}
}

func (s *fakeStore) AppendFeedback(ctx context.Context, id string, feedback []byte) error {
	return nil
}

func (s *fakeStore) CancelQueuedJob(ctx context.Context, id string) error {
	return s.cancelErr
}

func (s *fakeStore) StartedJobs(ctx context.Context) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Job(nil), s.started...), nil
}

func (s *fakeStore) GetJobStats(ctx context.Context) (*store.JobStats, error) {
	return &store.JobStats{}, nil
}

func (s *fakeStore) CreateDelta(ctx context.Context, d *model.Delta) error { return nil }

func (s *fakeStore) GetDelta(ctx context.Context, id string) (*model.Delta, error) {
	return nil, store.ErrNotFound
}

func (s *fakeStore) ListDeltas(ctx context.Context, projectID string, limit, offset int) ([]*model.Delta, int, error) {
	return nil, 0, nil
}

func (s *fakeStore) DeltasForJob(ctx context.Context, deltafileID string) ([]*model.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deltas[deltafileID], nil
}

func (s *fakeStore) RecordApplyResults(ctx context.Context, applyJobID string, results []store.ApplyResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[applyJobID] = results
	return nil
}

func (s *fakeStore) Close() error { return nil }

// fakeBackend simulates worker runs. onLaunch, when set, plays the worker:
// it writes feedback into the scratch directory.
type fakeBackend struct {
	mu sync.Mutex

	outcome     backend.Outcome
	launchFails int
	launchCalls int
	killed      []string
	cleaned     []string
	handles     []backend.Handle
	onLaunch    func(spec backend.WorkerSpec) error
}

func (b *fakeBackend) Launch(ctx context.Context, spec backend.WorkerSpec) (backend.Handle, error) {
	b.mu.Lock()
	b.launchCalls++
	calls := b.launchCalls
	b.mu.Unlock()
	if calls <= b.launchFails {
		return backend.Handle{}, errors.New("no capacity")
	}
	if b.onLaunch != nil {
		if err := b.onLaunch(spec); err != nil {
			return backend.Handle{}, err
		}
	}
	return backend.Handle{ID: "fake-1", JobID: spec.JobID}, nil
}

func (b *fakeBackend) Wait(ctx context.Context, h backend.Handle, timeout time.Duration) (backend.Outcome, error) {
	return b.outcome, nil
}

func (b *fakeBackend) FetchLogs(ctx context.Context, h backend.Handle) ([]byte, error) {
	return []byte("worker output\n"), nil
}

func (b *fakeBackend) Kill(ctx context.Context, h backend.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.killed = append(b.killed, h.ID)
	return nil
}

func (b *fakeBackend) Cleanup(ctx context.Context, h backend.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleaned = append(b.cleaned, h.ID)
	return nil
}

func (b *fakeBackend) ListHandles(ctx context.Context) ([]backend.Handle, error) {
	return b.handles, nil
}

func (b *fakeBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "fake"}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestDispatcher(t *testing.T, st *fakeStore, be backend.Backend) *Dispatcher {
	t.Helper()
	reg := backend.NewRegistry()
	reg.Register("fake", be)
	return New(st, reg, Options{
		BackendName:   "fake",
		Slots:         1,
		PollInterval:  5 * time.Millisecond,
		LaunchRetries: 1,
		WorkerTimeout: time.Second,
		ScratchRoot:   t.TempDir(),
	}, testLogger())
}

// writeFeedback makes the fake backend behave like a worker that reported fb.
func writeFeedback(fb *worker.Feedback) func(backend.WorkerSpec) error {
	return func(spec backend.WorkerSpec) error {
		return worker.WriteFeedback(spec.ScratchDir, fb)
	}
}

func TestRunJobFinished(t *testing.T) {
	st := newFakeStore()
	be := &fakeBackend{
		outcome:  backend.Outcome{ExitCode: 0, DurationMS: 12},
		onLaunch: writeFeedback(&worker.Feedback{JobID: "j1", Output: "v123"}),
	}
	d := newTestDispatcher(t, st, be)

	job := &model.Job{ID: "j1", Type: model.JobTypePackage, ProjectID: "p1"}
	d.runJob(context.Background(), job)

	got, ok := st.finished["j1"]
	if !ok {
		t.Fatalf("job not finished; failed = %v", st.failed)
	}
	if got.Output != "v123" {
		t.Errorf("Output = %q, want v123", got.Output)
	}
	if st.handles["j1"] != "fake-1" {
		t.Errorf("worker handle = %q, want fake-1", st.handles["j1"])
	}
	if len(be.cleaned) != 1 {
		t.Errorf("Cleanup called %d times, want 1", len(be.cleaned))
	}

	// The persisted feedback carries the worker's output.
	var fb worker.Feedback
	if err := json.Unmarshal(st.feedback["j1"], &fb); err != nil {
		t.Fatalf("stored feedback not JSON: %v", err)
	}
	if !strings.Contains(fb.Logs, "worker output") {
		t.Errorf("feedback logs = %q, want the backend's output", fb.Logs)
	}
}

func TestRunJobWorkerReportsFailure(t *testing.T) {
	st := newFakeStore()
	be := &fakeBackend{
		outcome:  backend.Outcome{ExitCode: 2},
		onLaunch: writeFeedback(&worker.Feedback{JobID: "j1", ExitCode: 2}),
	}
	d := newTestDispatcher(t, st, be)

	d.runJob(context.Background(), &model.Job{ID: "j1", Type: model.JobTypeProcessProjectfile, ProjectID: "p1"})

	reason, ok := st.failed["j1"]
	if !ok {
		t.Fatal("job not failed")
	}
	if !strings.Contains(reason, "exited with code 2") {
		t.Errorf("reason = %q", reason)
	}
	if len(st.feedback["j1"]) == 0 {
		t.Error("feedback not recorded for a failed worker")
	}
	if len(be.killed) != 0 {
		t.Errorf("Kill called for a normal exit: %v", be.killed)
	}
}

func TestRunJobWorkerCrash(t *testing.T) {
	st := newFakeStore()
	be := &fakeBackend{outcome: backend.Outcome{Signal: "SIGSEGV"}}
	d := newTestDispatcher(t, st, be)

	d.runJob(context.Background(), &model.Job{ID: "j1", Type: model.JobTypePackage, ProjectID: "p1"})

	reason := st.failed["j1"]
	if !strings.Contains(reason, "worker crashed: SIGSEGV") {
		t.Errorf("reason = %q", reason)
	}
}

func TestRunJobTimeout(t *testing.T) {
	st := newFakeStore()
	be := &fakeBackend{outcome: backend.Outcome{TimedOut: true}}
	d := newTestDispatcher(t, st, be)

	d.runJob(context.Background(), &model.Job{ID: "j1", Type: model.JobTypePackage, ProjectID: "p1"})

	reason := st.failed["j1"]
	if !strings.Contains(reason, "timed out") {
		t.Errorf("reason = %q", reason)
	}
	if len(be.killed) != 1 {
		t.Errorf("Kill called %d times, want 1", len(be.killed))
	}
}

func TestRunJobLaunchRetriesThenSucceeds(t *testing.T) {
	st := newFakeStore()
	be := &fakeBackend{
		launchFails: 2,
		outcome:     backend.Outcome{ExitCode: 0},
		onLaunch:    writeFeedback(&worker.Feedback{JobID: "j1"}),
	}
	d := newTestDispatcher(t, st, be)
	d.opts.LaunchRetries = 3

	d.runJob(context.Background(), &model.Job{ID: "j1", Type: model.JobTypePackage, ProjectID: "p1"})

	if _, ok := st.finished["j1"]; !ok {
		t.Fatalf("job not finished after retries; failed = %v", st.failed)
	}
	if be.launchCalls != 3 {
		t.Errorf("launchCalls = %d, want 3", be.launchCalls)
	}
}

func TestRunJobLaunchExhausted(t *testing.T) {
	st := newFakeStore()
	be := &fakeBackend{launchFails: 10}
	d := newTestDispatcher(t, st, be)
	d.opts.LaunchRetries = 2

	d.runJob(context.Background(), &model.Job{ID: "j1", Type: model.JobTypePackage, ProjectID: "p1"})

	reason := st.failed["j1"]
	if !strings.Contains(reason, "launch worker") {
		t.Errorf("reason = %q", reason)
	}
	if be.launchCalls != 2 {
		t.Errorf("launchCalls = %d, want 2", be.launchCalls)
	}
}

func TestRunJobMissingFeedback(t *testing.T) {
	st := newFakeStore()
	be := &fakeBackend{outcome: backend.Outcome{ExitCode: 0}}
	d := newTestDispatcher(t, st, be)

	d.runJob(context.Background(), &model.Job{ID: "j1", Type: model.JobTypePackage, ProjectID: "p1"})

	reason := st.failed["j1"]
	if !strings.Contains(reason, "no feedback") {
		t.Errorf("reason = %q", reason)
	}
}

func TestRunApplyJobStagesDeltafileAndRecordsResults(t *testing.T) {
	st := newFakeStore()
	st.deltas["df1"] = []*model.Delta{
		{ID: "row-1", DeltafileID: "df1", Content: []byte(`{"deltaId":"d-1","projectId":"p1","operations":[]}`)},
	}

	var staged []byte
	be := &fakeBackend{outcome: backend.Outcome{ExitCode: 0}}
	be.onLaunch = func(spec backend.WorkerSpec) error {
		b, err := os.ReadFile(filepath.Join(spec.ScratchDir, worker.DeltafileFile))
		if err != nil {
			return err
		}
		staged = b
		return worker.WriteFeedback(spec.ScratchDir, &worker.Feedback{
			JobID:  "j1",
			Output: "v456",
			PerDeltaResults: []delta.Result{
				{DeltaID: "d-1", Status: model.DeltaStatusApplied, ModifiedPK: "f9"},
			},
		})
	}
	d := newTestDispatcher(t, st, be)

	job := &model.Job{ID: "j1", Type: model.JobTypeApplyDelta, ProjectID: "p1", DeltafileID: "df1"}
	d.runJob(context.Background(), job)

	if _, ok := st.finished["j1"]; !ok {
		t.Fatalf("job not finished; failed = %v", st.failed)
	}

	var doc struct {
		ID     string            `json:"id"`
		Deltas []json.RawMessage `json:"deltas"`
	}
	if err := json.Unmarshal(staged, &doc); err != nil {
		t.Fatalf("staged deltafile not JSON: %v", err)
	}
	if doc.ID != "df1" || len(doc.Deltas) != 1 {
		t.Errorf("staged deltafile = %s", staged)
	}

	results := st.results["j1"]
	if len(results) != 1 {
		t.Fatalf("recorded %d apply results, want 1", len(results))
	}
	if results[0].DeltaID != "row-1" || results[0].Status != model.DeltaStatusApplied || results[0].ModifiedPK != "f9" {
		t.Errorf("result = %+v", results[0])
	}
}

func TestRunApplyJobResultCountMismatch(t *testing.T) {
	st := newFakeStore()
	st.deltas["df1"] = []*model.Delta{
		{ID: "row-1", DeltafileID: "df1", Content: []byte(`{"deltaId":"d-1","projectId":"p1","operations":[]}`)},
		{ID: "row-2", DeltafileID: "df1", Content: []byte(`{"deltaId":"d-2","projectId":"p1","operations":[]}`)},
	}
	be := &fakeBackend{
		outcome: backend.Outcome{ExitCode: 0},
		onLaunch: writeFeedback(&worker.Feedback{
			JobID:           "j1",
			PerDeltaResults: []delta.Result{{DeltaID: "d-1", Status: model.DeltaStatusApplied}},
		}),
	}
	d := newTestDispatcher(t, st, be)

	d.runJob(context.Background(), &model.Job{ID: "j1", Type: model.JobTypeApplyDelta, ProjectID: "p1", DeltafileID: "df1"})

	if _, ok := st.failed["j1"]; !ok {
		t.Error("mismatched result count did not fail the job")
	}
	if len(st.results) != 0 {
		t.Errorf("partial results recorded: %v", st.results)
	}
}

func TestRunLoopDrainsQueue(t *testing.T) {
	st := newFakeStore()
	st.done = make(chan string, 2)
	st.queue = []*model.Job{
		{ID: "j1", Type: model.JobTypePackage, ProjectID: "p1", Status: model.JobStatusQueued},
		{ID: "j2", Type: model.JobTypePackage, ProjectID: "p2", Status: model.JobStatusQueued},
	}
	be := &fakeBackend{outcome: backend.Outcome{ExitCode: 0}}
	be.onLaunch = func(spec backend.WorkerSpec) error {
		return worker.WriteFeedback(spec.ScratchDir, &worker.Feedback{JobID: spec.JobID})
	}
	d := newTestDispatcher(t, st, be)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-st.done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs to complete")
		}
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.finished) != 2 {
		t.Errorf("finished %d jobs, want 2 (failed: %v)", len(st.finished), st.failed)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	st := newFakeStore()
	d := newTestDispatcher(t, st, &fakeBackend{})

	if err := d.Cancel(context.Background(), "j1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestCancelStartedJobKillsWorker(t *testing.T) {
	st := newFakeStore()
	st.cancelErr = store.ErrInvalidTransition
	be := &fakeBackend{}
	d := newTestDispatcher(t, st, be)

	handle := backend.Handle{ID: "fake-1", JobID: "j1"}
	d.mu.Lock()
	d.running["j1"] = handle
	d.mu.Unlock()

	if err := d.Cancel(context.Background(), "j1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(be.killed) != 1 || be.killed[0] != "fake-1" {
		t.Errorf("killed = %v, want [fake-1]", be.killed)
	}
	if !d.wasCancelled("j1") {
		t.Error("job not marked cancelled")
	}
}

func TestCancelUnknownStartedJob(t *testing.T) {
	st := newFakeStore()
	st.cancelErr = store.ErrInvalidTransition
	d := newTestDispatcher(t, st, &fakeBackend{})

	err := d.Cancel(context.Background(), "j1")
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestLogsForRunningJob(t *testing.T) {
	st := newFakeStore()
	be := &fakeBackend{}
	d := newTestDispatcher(t, st, be)

	d.mu.Lock()
	d.running["j1"] = backend.Handle{ID: "fake-1", JobID: "j1"}
	d.mu.Unlock()

	logs, running, err := d.Logs(context.Background(), "j1")
	if err != nil || !running {
		t.Fatalf("Logs = %v running=%v", err, running)
	}
	if !strings.Contains(string(logs), "worker output") {
		t.Errorf("logs = %q", logs)
	}

	if _, running, _ := d.Logs(context.Background(), "other"); running {
		t.Error("Logs reported an unknown job as running")
	}
}

func TestSweepOrphansKillsUnknownHandles(t *testing.T) {
	st := newFakeStore()
	st.started = []*model.Job{{ID: "j1", Status: model.JobStatusStarted}}
	be := &fakeBackend{handles: []backend.Handle{
		{ID: "h1", JobID: "j1"},
		{ID: "h2", JobID: "gone"},
	}}
	d := newTestDispatcher(t, st, be)

	if err := d.sweepOrphans(context.Background()); err != nil {
		t.Fatalf("sweepOrphans: %v", err)
	}
	if len(be.killed) != 1 || be.killed[0] != "h2" {
		t.Errorf("killed = %v, want [h2]", be.killed)
	}
	if len(be.cleaned) != 1 || be.cleaned[0] != "h2" {
		t.Errorf("cleaned = %v, want [h2]", be.cleaned)
	}
}
