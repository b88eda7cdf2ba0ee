package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/me/batchos/internal/store"
	"github.com/me/batchos/pkg/model"
)

func testServer(t *testing.T) (*Server, *store.SQLiteStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, logger), st
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func doGet(t *testing.T, srv *Server, path string, wantStatus int) envelope {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("GET %s: status=%d, want %d, body=%s", path, w.Code, wantStatus, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Errorf("GET %s: no X-Request-ID header", path)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("GET %s: invalid JSON: %v", path, err)
	}
	return env
}

func seedRun(t *testing.T, st store.Store, id string, state model.RunState, started time.Time) {
	t.Helper()
	ctx := context.Background()
	run := &model.Run{ID: id, State: model.RunStateRunning, Apps: []string{"hello", "fault"}, StartedAt: started}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	events := []model.Event{
		{Seq: 1, Kind: model.EventSwitch, Task: -1, Next: 0, At: started},
		{Seq: 2, Kind: model.EventExit, Task: 0, Code: 0, At: started},
		{Seq: 3, Kind: model.EventFault, Task: 1, Detail: "StoreFault: memory fault", At: started},
	}
	if err := st.AppendEvents(ctx, id, events); err != nil {
		t.Fatal(err)
	}
	if state != model.RunStateRunning {
		run.State = state
		fin := started.Add(time.Second)
		run.FinishedAt = &fin
		run.Switches = 3
		if err := st.FinishRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDiscovery(t *testing.T) {
	srv, _ := testServer(t)
	env := doGet(t, srv, "/api/v1/", http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if !strings.HasPrefix(env.RequestID, "req_") {
		t.Errorf("request_id = %q, want req_ prefix", env.RequestID)
	}

	var data struct {
		Name      string `json:"name"`
		Endpoints []struct {
			Path string `json:"path"`
		} `json:"endpoints"`
	}
	json.Unmarshal(env.Data, &data)
	if data.Name != "batchos API" {
		t.Errorf("name = %q", data.Name)
	}
	if len(data.Endpoints) != 4 {
		t.Errorf("endpoints count = %d, want 4", len(data.Endpoints))
	}
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)
	env := doGet(t, srv, "/api/v1/health", http.StatusOK)

	var data struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Store   string `json:"store"`
	}
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" || data.Version != "0.1.0" || data.Store != "ok" {
		t.Errorf("health = %+v", data)
	}
}

func TestListRuns(t *testing.T) {
	srv, st := testServer(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	seedRun(t, st, "run_a", model.RunStateCompleted, base)
	seedRun(t, st, "run_b", model.RunStatePanicked, base.Add(time.Minute))
	seedRun(t, st, "run_c", model.RunStateCompleted, base.Add(2*time.Minute))

	env := doGet(t, srv, "/api/v1/runs/", http.StatusOK)
	var runs []model.Run
	if err := json.Unmarshal(env.Data, &runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 || runs[0].ID != "run_c" {
		t.Errorf("runs = %+v", runs)
	}
	if env.Pagination == nil || env.Pagination.Total != 3 || env.Pagination.HasMore {
		t.Errorf("pagination = %+v", env.Pagination)
	}

	env = doGet(t, srv, "/api/v1/runs/?state=COMPLETED&limit=1", http.StatusOK)
	json.Unmarshal(env.Data, &runs)
	if len(runs) != 1 || runs[0].State != model.RunStateCompleted {
		t.Errorf("filtered runs = %+v", runs)
	}
	if env.Pagination.Total != 2 || !env.Pagination.HasMore {
		t.Errorf("filtered pagination = %+v", env.Pagination)
	}
}

func TestListRuns_Empty(t *testing.T) {
	srv, _ := testServer(t)
	env := doGet(t, srv, "/api/v1/runs/", http.StatusOK)
	if string(env.Data) != "[]" {
		t.Errorf("data = %s, want []", env.Data)
	}
}

func TestListRuns_BadQuery(t *testing.T) {
	srv, _ := testServer(t)
	env := doGet(t, srv, "/api/v1/runs/?state=BOGUS&limit=x", http.StatusBadRequest)
	if env.Status != "error" || env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Fatalf("error = %+v", env.Error)
	}
	if len(env.Error.Details) != 2 {
		t.Errorf("details = %+v, want state and limit", env.Error.Details)
	}
}

func TestGetRun(t *testing.T) {
	srv, st := testServer(t)
	seedRun(t, st, "run_x", model.RunStateCompleted, time.Now().UTC())

	env := doGet(t, srv, "/api/v1/runs/run_x", http.StatusOK)
	var run model.Run
	json.Unmarshal(env.Data, &run)
	if run.ID != "run_x" || run.State != model.RunStateCompleted || run.Switches != 3 {
		t.Errorf("run = %+v", run)
	}

	env = doGet(t, srv, "/api/v1/runs/run_missing", http.StatusNotFound)
	if env.Error == nil || env.Error.Code != model.ErrNotFound {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestListEvents(t *testing.T) {
	srv, st := testServer(t)
	seedRun(t, st, "run_x", model.RunStateCompleted, time.Now().UTC())

	env := doGet(t, srv, "/api/v1/runs/run_x/events", http.StatusOK)
	var events []model.Event
	json.Unmarshal(env.Data, &events)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Kind != model.EventSwitch || events[0].Task != -1 {
		t.Errorf("first event = %+v", events[0])
	}
	if events[2].Kind != model.EventFault || events[2].Task != 1 {
		t.Errorf("last event = %+v", events[2])
	}

	doGet(t, srv, "/api/v1/runs/run_missing/events", http.StatusNotFound)
}

func TestRequestID_Inbound(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "req_from_caller")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req_from_caller" {
		t.Errorf("X-Request-ID = %q, want req_from_caller", got)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.RequestID != "req_from_caller" {
		t.Errorf("request_id = %q, want req_from_caller", env.RequestID)
	}
}
