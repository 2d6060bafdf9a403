// Package api is the daemon's HTTP surface: a thin adapter over the store
// and the task graph service, plus the websocket channel broadcasting task
// mutations. Agent processes use the task and checkpoint endpoints as their
// callback surface; front-ends use the rest read-mostly.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/imkarma/foreman/internal/agent"
	"github.com/imkarma/foreman/internal/bus"
	"github.com/imkarma/foreman/internal/config"
	"github.com/imkarma/foreman/internal/graph"
	"github.com/imkarma/foreman/internal/store"
)

// Server holds the API's collaborators.
type Server struct {
	Store      *store.Store
	Graph      *graph.Service
	Bus        *bus.Bus
	ConfigPath string
	SessionID  string
	StartedAt  time.Time
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/workflows", s.handleWorkflows)
	mux.HandleFunc("/api/workflows/", s.handleWorkflowItem)
	mux.HandleFunc("/api/tasks/", s.handleTaskItem)
	mux.HandleFunc("/api/stats/summary", s.handleStats)
	mux.HandleFunc("/api/setup/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/ws", s.handleWS)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"session_id": s.SessionID,
		"uptime_sec": int(time.Since(s.StartedAt).Seconds()),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := config.Load(s.ConfigPath)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodPut:
		var cfg config.Config
		if err := decodeJSON(r.Body, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := config.Save(s.ConfigPath, &cfg); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	status := store.WorkflowStatus(r.URL.Query().Get("status"))
	items, err := s.Store.ListWorkflows(status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleWorkflowItem routes /api/workflows/{id} and /api/workflows/{id}/tasks.
func (s *Server) handleWorkflowItem(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/workflows/")
	if len(segments) == 0 {
		writeError(w, http.StatusNotFound, errors.New("workflow not found"))
		return
	}
	workflowID := segments[0]

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		wf, err := s.Store.GetWorkflow(workflowID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)
		return
	}

	if segments[1] != "tasks" {
		writeError(w, http.StatusNotFound, errors.New("unknown workflow resource"))
		return
	}

	// /api/workflows/{id}/tasks/{taskID} supports DELETE only.
	if len(segments) == 3 {
		if r.Method != http.MethodDelete {
			writeMethodNotAllowed(w)
			return
		}
		if err := s.Graph.RemoveTask(segments[2]); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	switch r.Method {
	case http.MethodGet:
		status := store.TaskStatus(r.URL.Query().Get("status"))
		tasks, err := s.Store.ListTasks(workflowID, status)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		var spec struct {
			Name          string   `json:"name"`
			Sequence      int      `json:"sequence"`
			ParallelGroup string   `json:"parallel_group"`
			Plan          string   `json:"plan"`
			DependsOn     []string `json:"depends_on"`
		}
		if err := decodeJSON(r.Body, &spec); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		t, err := s.Graph.AddTask(workflowID, graph.TaskSpec{
			Name:          spec.Name,
			Sequence:      spec.Sequence,
			ParallelGroup: spec.ParallelGroup,
			Plan:          spec.Plan,
			DependsOn:     spec.DependsOn,
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	default:
		writeMethodNotAllowed(w)
	}
}

// handleTaskItem routes /api/tasks/{id} and its claim/release/checkpoints
// sub-resources.
func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/tasks/")
	if len(segments) == 0 {
		writeError(w, http.StatusNotFound, errors.New("task not found"))
		return
	}
	taskID := segments[0]

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			t, err := s.Store.GetTask(taskID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, t)
		case http.MethodPut:
			s.handleTaskUpdate(w, r, taskID)
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	switch segments[1] {
	case "claim":
		s.handleTaskClaim(w, r, taskID)
	case "release":
		s.handleTaskRelease(w, r, taskID)
	case "checkpoints":
		s.handleTaskCheckpoints(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown task action"))
	}
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request, taskID string) {
	var payload struct {
		Status  string `json:"status"`
		Outcome string `json:"outcome"`
		Error   string `json:"error"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Graph.UpdateStatus(taskID, store.TaskStatus(payload.Status), payload.Outcome, payload.Error); err != nil {
		writeStoreError(w, err)
		return
	}
	t, err := s.Store.GetTask(taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskClaim(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ok, err := s.Graph.Claim(taskID, payload.AgentID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// A lost race is a normal response, not an error status.
	writeJSON(w, http.StatusOK, map[string]any{"claimed": ok})
}

func (s *Server) handleTaskRelease(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		AgentID string `json:"agent_id"`
		Reason  string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Graph.Release(taskID, payload.AgentID, payload.Reason); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleTaskCheckpoints is the agent callback surface: agents append
// checkpoints as they work and replay them on resume.
func (s *Server) handleTaskCheckpoints(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodGet:
		cps, err := s.Store.ListCheckpoints(taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, cps)
	case http.MethodPost:
		var payload struct {
			Type    string `json:"checkpoint_type"`
			Content string `json:"content"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cp, err := s.Store.AppendCheckpoint(taskID, store.CheckpointType(payload.Type), payload.Content)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	stats, err := s.Store.Summary()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	diag := map[string]any{
		"schema_version": 0,
		"agent_cmd":      "",
		"agent_found":    false,
		"session_id":     s.SessionID,
	}
	if v, err := s.Store.SchemaVersion(); err == nil {
		diag["schema_version"] = v
	}
	if cfg, err := config.Load(s.ConfigPath); err == nil {
		diag["agent_cmd"] = cfg.Agent.Cmd
		diag["agent_found"] = agent.Available(cfg.Agent.Cmd)
	} else {
		diag["config_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, diag)
}

// writeStoreError maps the store's sentinel errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func pathSegments(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
