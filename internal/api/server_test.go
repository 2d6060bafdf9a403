package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/imkarma/foreman/internal/bus"
	"github.com/imkarma/foreman/internal/config"
	"github.com/imkarma/foreman/internal/graph"
	"github.com/imkarma/foreman/internal/store"
)

func testServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfgPath := filepath.Join(dir, "config.yaml")
	if err := config.Save(cfgPath, config.Default()); err != nil {
		t.Fatalf("save config: %v", err)
	}

	b := bus.New()
	srv := &Server{
		Store:      s,
		Graph:      graph.New(s, b),
		Bus:        b,
		ConfigPath: cfgPath,
		SessionID:  "ss_test",
		StartedAt:  time.Now(),
	}
	return srv, s
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	body := decodeBody[map[string]any](t, w)
	if body["status"] != "ok" || body["session_id"] != "ss_test" {
		t.Errorf("health body: %v", body)
	}
}

func TestWorkflows_ListAndGet(t *testing.T) {
	srv, s := testServer(t)
	h := srv.Handler()
	wf, _ := s.CreateWorkflow(store.NewWorkflow{Name: "wf"})

	w := doJSON(t, h, http.MethodGet, "/api/workflows", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status %d", w.Code)
	}
	list := decodeBody[[]store.Workflow](t, w)
	if len(list) != 1 || list[0].ID != wf.ID {
		t.Errorf("list: %v", list)
	}

	w = doJSON(t, h, http.MethodGet, "/api/workflows/"+wf.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status %d", w.Code)
	}

	w = doJSON(t, h, http.MethodGet, "/api/workflows/wf_missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing workflow status %d", w.Code)
	}
}

func TestTasks_CreateAndDependencies(t *testing.T) {
	srv, s := testServer(t)
	h := srv.Handler()
	wf, _ := s.CreateWorkflow(store.NewWorkflow{Name: "wf"})

	w := doJSON(t, h, http.MethodPost, "/api/workflows/"+wf.ID+"/tasks",
		map[string]any{"name": "first", "sequence": 1})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", w.Code, w.Body.String())
	}
	first := decodeBody[store.Task](t, w)

	w = doJSON(t, h, http.MethodPost, "/api/workflows/"+wf.ID+"/tasks",
		map[string]any{"name": "second", "sequence": 2, "depends_on": []string{first.ID}})
	if w.Code != http.StatusCreated {
		t.Fatalf("create dependent status %d: %s", w.Code, w.Body.String())
	}

	// Unknown dependency maps to 404.
	w = doJSON(t, h, http.MethodPost, "/api/workflows/"+wf.ID+"/tasks",
		map[string]any{"name": "broken", "depends_on": []string{"tk_missing"}})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown dep status %d", w.Code)
	}

	w = doJSON(t, h, http.MethodGet, "/api/workflows/"+wf.ID+"/tasks", nil)
	tasks := decodeBody[[]store.Task](t, w)
	if len(tasks) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestTaskClaimRelease(t *testing.T) {
	srv, s := testServer(t)
	h := srv.Handler()
	wf, _ := s.CreateWorkflow(store.NewWorkflow{Name: "wf"})
	task, _ := s.CreateTask(store.NewTask{WorkflowID: wf.ID, Name: "t"})

	w := doJSON(t, h, http.MethodPost, "/api/tasks/"+task.ID+"/claim",
		map[string]any{"agent_id": "ag_one"})
	if w.Code != http.StatusOK {
		t.Fatalf("claim status %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody[map[string]bool](t, w); !body["claimed"] {
		t.Error("claim not granted")
	}

	// A lost race is 200 with claimed:false, not an error.
	w = doJSON(t, h, http.MethodPost, "/api/tasks/"+task.ID+"/claim",
		map[string]any{"agent_id": "ag_two"})
	if w.Code != http.StatusOK {
		t.Fatalf("second claim status %d", w.Code)
	}
	if body := decodeBody[map[string]bool](t, w); body["claimed"] {
		t.Error("second claim granted")
	}

	// Release by a non-owner is a conflict.
	w = doJSON(t, h, http.MethodPost, "/api/tasks/"+task.ID+"/release",
		map[string]any{"agent_id": "ag_two", "reason": ""})
	if w.Code != http.StatusConflict {
		t.Errorf("non-owner release status %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/tasks/"+task.ID+"/release",
		map[string]any{"agent_id": "ag_one", "reason": "dependency regressed"})
	if w.Code != http.StatusOK {
		t.Fatalf("release status %d: %s", w.Code, w.Body.String())
	}
	got, _ := s.GetTask(task.ID)
	if got.Status != store.TaskBlocked {
		t.Errorf("regression release left task %s", got.Status)
	}
}

func TestTaskUpdate_InvalidTransition(t *testing.T) {
	srv, s := testServer(t)
	h := srv.Handler()
	wf, _ := s.CreateWorkflow(store.NewWorkflow{Name: "wf"})
	task, _ := s.CreateTask(store.NewTask{WorkflowID: wf.ID, Name: "t"})

	w := doJSON(t, h, http.MethodPut, "/api/tasks/"+task.ID,
		map[string]any{"status": "completed"})
	if w.Code != http.StatusConflict {
		t.Errorf("invalid transition status %d: %s", w.Code, w.Body.String())
	}
}

func TestTaskCheckpoints(t *testing.T) {
	srv, s := testServer(t)
	h := srv.Handler()
	wf, _ := s.CreateWorkflow(store.NewWorkflow{Name: "wf"})
	task, _ := s.CreateTask(store.NewTask{WorkflowID: wf.ID, Name: "t"})

	w := doJSON(t, h, http.MethodPost, "/api/tasks/"+task.ID+"/checkpoints",
		map[string]any{"checkpoint_type": "progress", "content": "started"})
	if w.Code != http.StatusCreated {
		t.Fatalf("append status %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodGet, "/api/tasks/"+task.ID+"/checkpoints", nil)
	cps := decodeBody[[]store.Checkpoint](t, w)
	if len(cps) != 1 || cps[0].Content != "started" {
		t.Errorf("checkpoints: %v", cps)
	}

	w = doJSON(t, h, http.MethodPost, "/api/tasks/tk_missing/checkpoints",
		map[string]any{"content": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing task checkpoint status %d", w.Code)
	}
}

func TestDecodeJSON_RejectsUnknownFields(t *testing.T) {
	srv, s := testServer(t)
	h := srv.Handler()
	wf, _ := s.CreateWorkflow(store.NewWorkflow{Name: "wf"})
	task, _ := s.CreateTask(store.NewTask{WorkflowID: wf.ID, Name: "t"})

	w := doJSON(t, h, http.MethodPost, "/api/tasks/"+task.ID+"/claim",
		map[string]any{"agent_id": "ag_x", "surprise": true})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown field status %d", w.Code)
	}
}

func TestStatsSummary(t *testing.T) {
	srv, s := testServer(t)
	wf, _ := s.CreateWorkflow(store.NewWorkflow{Name: "wf"})
	s.CreateTask(store.NewTask{WorkflowID: wf.ID, Name: "t"})

	w := doJSON(t, srv.Handler(), http.MethodGet, "/api/stats/summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	stats := decodeBody[store.Stats](t, w)
	if stats.Tasks["pending"] != 1 {
		t.Errorf("stats: %+v", stats)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := testServer(t)
	w := doJSON(t, srv.Handler(), http.MethodDelete, "/api/workflows", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status %d", w.Code)
	}
}

type fakeWSWriter struct {
	msgs [][]byte
}

func (f *fakeWSWriter) Write(ctx context.Context, msgType websocket.MessageType, data []byte) error {
	f.msgs = append(f.msgs, data)
	return nil
}

func TestStreamEvents_ForwardsMatchingTopics(t *testing.T) {
	b := bus.New()
	writer := &fakeWSWriter{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- streamEvents(ctx, b, "task:", writer)
	}()

	// Let the subscription register before publishing.
	time.Sleep(50 * time.Millisecond)
	b.Publish(bus.TopicTaskUpdated, map[string]string{"id": "tk_1"})
	b.Publish(bus.TopicWorkflowUpdated, map[string]string{"id": "wf_1"})
	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := <-done; err != context.Canceled {
		t.Errorf("stream returned %v", err)
	}
	if len(writer.msgs) != 1 {
		t.Fatalf("expected 1 forwarded event, got %d", len(writer.msgs))
	}
	var evt bus.Event
	if err := json.Unmarshal(writer.msgs[0], &evt); err != nil {
		t.Fatalf("decode forwarded event: %v", err)
	}
	if evt.Topic != bus.TopicTaskUpdated {
		t.Errorf("forwarded topic %q", evt.Topic)
	}
}
