package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tmelliott/fieldsync/internal/backend"
	"github.com/tmelliott/fieldsync/internal/backend/localproc"
	"github.com/tmelliott/fieldsync/internal/store"
)

// fakeController stands in for the dispatcher in API tests.
type fakeController struct {
	cancelErr error
	cancelled []string
	logs      []byte
	running   bool
}

func (c *fakeController) Cancel(ctx context.Context, jobID string) error {
	c.cancelled = append(c.cancelled, jobID)
	return c.cancelErr
}

func (c *fakeController) Logs(ctx context.Context, jobID string) ([]byte, bool, error) {
	return c.logs, c.running, nil
}

func newTestServer(t *testing.T) (*Server, store.Store, *fakeController) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := backend.NewRegistry()
	ctrl := &fakeController{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewServer(":0", s, reg, ctrl, logger), s, ctrl
}

// doJSON posts a JSON body and decodes the response into out.
func doJSON(t *testing.T, ts *httptest.Server, method, path string, body []byte, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp
}

func TestPanicRecovery(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv, _, _ := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /healthz: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestHealthz(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := backend.NewRegistry()
	reg.Register("local_process", localproc.New("fieldsync-worker", logger))
	srv := NewServer(":0", s, reg, &fakeController{}, logger)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body healthResponse
	resp := doJSON(t, ts, http.MethodGet, "/healthz", nil, &body)
	if resp.StatusCode != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %+v", resp.StatusCode, body)
	}
	if len(body.Backends) != 1 || body.Backends[0] != "local_process" {
		t.Errorf("backends = %v, want [local_process]", body.Backends)
	}
}

func TestHealthzDegradedStore(t *testing.T) {
	srv, s, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// A store that no longer answers queries degrades the health report.
	s.(*store.SQLiteStore).Close()

	var body healthResponse
	resp := doJSON(t, ts, http.MethodGet, "/healthz", nil, &body)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if body.Status != "degraded" {
		t.Errorf("status field = %q, want degraded", body.Status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Populate the request counter before scraping.
	if warm, err := http.Get(ts.URL + "/healthz"); err == nil {
		warm.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("fieldsync_")) {
		t.Error("metrics output carries no fieldsync series")
	}
}
