package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/shopagent/internal/model"
	"github.com/seantiz/shopagent/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createTaskRequest is the JSON body for POST /v1/tasks.
type createTaskRequest struct {
	ShopID   string         `json:"shop_id"`
	Action   string         `json:"action"`
	Payload  map[string]any `json:"payload"`
	Priority int            `json:"priority"`
	DryRun   bool           `json:"dry_run"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.ShopID = strings.TrimSpace(req.ShopID)
	if req.ShopID == "" {
		s.writeError(w, http.StatusBadRequest, "shop_id is required")
		return
	}
	h, ok := s.registry.Lookup(req.Action)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown action "+strconv.Quote(req.Action))
		return
	}
	// Rejected here rather than failing later in the worker.
	if _, err := h.Decode(req.Payload); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t := &model.Task{
		ShopID:   req.ShopID,
		Action:   req.Action,
		Payload:  req.Payload,
		Priority: req.Priority,
		DryRun:   req.DryRun,
	}
	if err := s.store.CreateTask(r.Context(), t); err != nil {
		s.logger.Error("create task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	tasksEnqueuedTotal.WithLabelValues(t.Action, strconv.FormatBool(t.DryRun)).Inc()
	s.logger.Info("task enqueued", "task_id", t.ID, "shop_id", t.ShopID, "action", t.Action, "dry_run", t.DryRun)
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", model.StatusQueued, model.StatusRunning, model.StatusSuccess, model.StatusFailed:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(status))
		return
	}

	tasks, total, err := s.store.ListTasks(r.Context(), store.TaskFilter{
		Status: status,
		ShopID: r.URL.Query().Get("shop_id"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleRequeueTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.store.RequeueTask(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	case errors.Is(err, store.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, "only failed tasks can be requeued")
		return
	case err != nil:
		s.logger.Error("requeue task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to requeue task")
		return
	}

	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.logger.Error("get requeued task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}

	tasksRequeuedTotal.Inc()
	s.logger.Info("task requeued", "task_id", t.ID, "retry_count", t.RetryCount)
	s.writeJSON(w, http.StatusOK, t)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
