package clusterjob

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tmelliott/fieldsync/internal/backend"
)

// fakeScheduler is an in-memory stand-in for the cluster batch API.
type fakeScheduler struct {
	mu   sync.Mutex
	jobs map[string]*jobStatus
	logs map[string]string

	// pollsUntilDone lets a test make a job finish after N status polls.
	pollsUntilDone map[string]int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		jobs:           make(map[string]*jobStatus),
		logs:           make(map[string]string),
		pollsUntilDone: make(map[string]int),
	}
}

func (f *fakeScheduler) handler() http.Handler {
	mux := http.NewServeMux()
	prefix := "/apis/batch/v1/namespaces/testing/jobs"

	mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			var res jobResource
			if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			st := &jobStatus{Name: res.Name, Labels: res.Labels, Phase: phaseRunning}
			f.jobs[res.Name] = st
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(st)
		case http.MethodGet:
			var listing struct {
				Items []jobStatus `json:"items"`
			}
			for _, st := range f.jobs {
				listing.Items = append(listing.Items, *st)
			}
			json.NewEncoder(w).Encode(listing)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc(prefix+"/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		rest := strings.TrimPrefix(r.URL.Path, prefix+"/")
		name, isLog := strings.CutSuffix(rest, "/log")

		st, ok := f.jobs[name]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		switch {
		case isLog:
			w.Write([]byte(f.logs[name]))
		case r.Method == http.MethodGet:
			if n, pending := f.pollsUntilDone[name]; pending {
				if n <= 1 {
					st.Phase = phaseSucceeded
					delete(f.pollsUntilDone, name)
				} else {
					f.pollsUntilDone[name] = n - 1
				}
			}
			json.NewEncoder(w).Encode(st)
		case r.Method == http.MethodDelete:
			delete(f.jobs, name)
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	return mux
}

func newTestBackend(t *testing.T) (*Backend, *fakeScheduler) {
	t.Helper()
	f := newFakeScheduler()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	b := New(Config{
		BaseURL:   srv.URL,
		Namespace: "testing",
		Image:     "fieldsync-worker:latest",
	}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	b.poll = 5 * time.Millisecond
	return b, f
}

func workerSpec() backend.WorkerSpec {
	return backend.WorkerSpec{
		JobID:      "job-1",
		JobType:    "apply_delta",
		ProjectID:  "proj-a",
		Args:       []string{"fieldsync-worker", "run"},
		ScratchDir: "/srv/scratch/job-1",
		AssetsDir:  "/srv/grids",
		CPULimit:   2,
		MemLimitMB: 512,
	}
}

func TestLaunchCreatesJobResource(t *testing.T) {
	b, f := newTestBackend(t)

	h, err := b.Launch(context.Background(), workerSpec())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if h.ID != "fieldsync-worker-job-1" {
		t.Errorf("handle ID = %q", h.ID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.jobs[h.ID]
	if !ok {
		t.Fatal("job resource not created on the scheduler")
	}
	if st.Labels["job-id"] != "job-1" {
		t.Errorf("job-id label = %q, want job-1", st.Labels["job-id"])
	}
}

func TestWaitPollsUntilTerminal(t *testing.T) {
	b, f := newTestBackend(t)

	h, err := b.Launch(context.Background(), workerSpec())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	f.mu.Lock()
	f.pollsUntilDone[h.ID] = 3
	f.mu.Unlock()

	out, err := b.Wait(context.Background(), h, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.TimedOut || out.Crashed() || out.ExitCode != 0 {
		t.Errorf("outcome = %+v, want clean success", out)
	}
}

func TestWaitReportsSignalAndExitCode(t *testing.T) {
	b, f := newTestBackend(t)

	h, err := b.Launch(context.Background(), workerSpec())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	f.mu.Lock()
	f.jobs[h.ID].Phase = phaseFailed
	f.jobs[h.ID].ExitCode = -1
	f.jobs[h.ID].Signal = "SIGKILL"
	f.mu.Unlock()

	out, err := b.Wait(context.Background(), h, time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !out.Crashed() || out.Signal != "SIGKILL" {
		t.Errorf("outcome = %+v, want SIGKILL crash", out)
	}
}

func TestWaitTimesOut(t *testing.T) {
	b, _ := newTestBackend(t)

	h, err := b.Launch(context.Background(), workerSpec())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	out, err := b.Wait(context.Background(), h, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !out.TimedOut {
		t.Errorf("outcome = %+v, want timeout", out)
	}
}

func TestFetchLogs(t *testing.T) {
	b, f := newTestBackend(t)

	h, err := b.Launch(context.Background(), workerSpec())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	f.mu.Lock()
	f.logs[h.ID] = "staging project data\napplying deltas\n"
	f.mu.Unlock()

	logs, err := b.FetchLogs(context.Background(), h)
	if err != nil {
		t.Fatalf("FetchLogs: %v", err)
	}
	if !strings.Contains(string(logs), "applying deltas") {
		t.Errorf("logs = %q", logs)
	}
}

func TestKillDeletesResource(t *testing.T) {
	b, f := newTestBackend(t)

	h, err := b.Launch(context.Background(), workerSpec())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := b.Kill(context.Background(), h); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[h.ID]; ok {
		t.Error("job resource still present after Kill")
	}
}

func TestCleanupToleratesMissingResource(t *testing.T) {
	b, _ := newTestBackend(t)

	h := backend.Handle{ID: "fieldsync-worker-gone", JobID: "gone"}
	if err := b.Cleanup(context.Background(), h); err != nil {
		t.Errorf("Cleanup of missing resource: %v", err)
	}
}

func TestListHandlesSkipsTerminal(t *testing.T) {
	b, f := newTestBackend(t)
	ctx := context.Background()

	h1, err := b.Launch(ctx, workerSpec())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	spec2 := workerSpec()
	spec2.JobID = "job-2"
	if _, err := b.Launch(ctx, spec2); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	f.mu.Lock()
	f.jobs[h1.ID].Phase = phaseSucceeded
	f.mu.Unlock()

	handles, err := b.ListHandles(ctx)
	if err != nil {
		t.Fatalf("ListHandles: %v", err)
	}
	if len(handles) != 1 {
		t.Fatalf("len(handles) = %d, want 1", len(handles))
	}
	if handles[0].JobID != "job-2" {
		t.Errorf("live handle JobID = %q, want job-2", handles[0].JobID)
	}
}
