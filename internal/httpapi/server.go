// Package httpapi is the thin HTTP adapter over the service surface. It
// translates request framing and nothing else; all policy lives below.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/spotty118/mattthinking/internal/memory"
	"github.com/spotty118/mattthinking/internal/observability"
	"github.com/spotty118/mattthinking/internal/reason"
	"github.com/spotty118/mattthinking/internal/service"
)

// Server exposes the service over HTTP.
type Server struct {
	svc *service.Service
}

// NewServer builds the router.
func NewServer(svc *service.Service) *Server {
	return &Server{svc: svc}
}

// Routes returns the chi router with all endpoints mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/api/healthz", s.handleHealth)
	r.Post("/api/solve", s.handleSolve)
	r.Post("/api/retrieve", s.handleRetrieve)
	r.Get("/api/genealogy/{memoryID}", s.handleGenealogy)
	r.Get("/api/statistics", s.handleStatistics)
	r.Post("/api/cleanup", s.handleCleanup)
	r.Delete("/api/workspace", s.handleDeleteWorkspace)
	r.Post("/api/backup", s.handleBackup)
	r.Post("/api/restore", s.handleRestore)
	r.Post("/api/backup/validate", s.handleValidateBackup)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type solveRequest struct {
	Task        string               `json:"task"`
	WorkspaceID string               `json:"workspace_id"`
	Workspace   string               `json:"workspace,omitempty"` // directory path alternative
	Options     service.SolveOptions `json:"options"`
}

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	var req solveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	workspaceID := req.WorkspaceID
	if workspaceID == "" && req.Workspace != "" {
		id, err := s.svc.ResolveWorkspace(req.Workspace)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		workspaceID = id
	}
	result, err := s.svc.Solve(r.Context(), req.Task, workspaceID, req.Options)
	if err != nil {
		writeServiceError(w, r, err, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type retrieveRequest struct {
	Query       string             `json:"query"`
	WorkspaceID string             `json:"workspace_id"`
	N           int                `json:"n"`
	Filters     memory.RetrieveOpts `json:"filters"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	results, err := s.svc.Retrieve(r.Context(), req.Query, req.WorkspaceID, req.N, req.Filters)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	if results == nil {
		results = []memory.ScoredMemory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": results})
}

func (s *Server) handleGenealogy(w http.ResponseWriter, r *http.Request) {
	memoryID := chi.URLParam(r, "memoryID")
	workspaceID := r.URL.Query().Get("workspace_id")
	g, err := s.svc.Genealogy(r.Context(), memoryID, workspaceID)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Statistics(r.Context(), r.URL.Query().Get("workspace_id"))
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type cleanupRequest struct {
	RetentionDays int    `json:"retention_days"`
	WorkspaceID   string `json:"workspace_id,omitempty"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.svc.Cleanup(r.Context(), req.RetentionDays, req.WorkspaceID)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	n, err := s.svc.DeleteWorkspace(r.Context(), workspaceID, confirm)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n, "workspace_id": workspaceID})
}

type backupRequest struct {
	Path        string `json:"path"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Incremental bool   `json:"incremental,omitempty"`
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.svc.Backup(r.Context(), req.Path, req.WorkspaceID, req.Incremental)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type restoreRequest struct {
	Path            string `json:"path"`
	TargetWorkspace string `json:"target_workspace,omitempty"`
	Overwrite       bool   `json:"overwrite,omitempty"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.svc.Restore(r.Context(), req.Path, req.TargetWorkspace, req.Overwrite)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleValidateBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	meta, err := s.svc.ValidateBackup(req.Path)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// writeServiceError maps error kinds onto HTTP statuses, attaching partial
// results when the pipeline produced one.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, partial any) {
	log := observability.LoggerWithTrace(r.Context())

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, reason.ErrInvalidTask):
		status = http.StatusBadRequest
	case errors.Is(err, reason.ErrTokenBudgetExceeded):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, memory.ErrConfirmationRequired):
		status = http.StatusConflict
	case errors.Is(err, memory.ErrNotFound):
		status = http.StatusNotFound
	}

	var degraded *reason.MattsDegradedError
	if errors.As(err, &degraded) {
		status = http.StatusBadGateway
	}

	log.Error().Err(err).Int("status", status).Str("path", r.URL.Path).Msg("httpapi_request_failed")
	body := map[string]any{"error": err.Error()}
	if partial != nil {
		body["partial"] = partial
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
