package api

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/shopagent/internal/model"
	"github.com/seantiz/shopagent/internal/store"
)

type listRunsResponse struct {
	TaskID string       `json:"task_id"`
	Runs   []*model.Run `json:"runs"`
}

type listArtifactsResponse struct {
	RunID     string            `json:"run_id"`
	Artifacts []*model.Artifact `json:"artifacts"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.writeLookupError(w, err, "task")
		return
	}

	runs, err := s.store.ListRuns(r.Context(), id)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{TaskID: id, Runs: runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLookupError(w, err, "run")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.writeLookupError(w, err, "run")
		return
	}

	arts, err := s.store.ListArtifacts(r.Context(), id)
	if err != nil {
		s.logger.Error("list artifacts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	if arts == nil {
		arts = []*model.Artifact{}
	}

	s.writeJSON(w, http.StatusOK, listArtifactsResponse{RunID: id, Artifacts: arts})
}

// handleArtifactContent serves the evidence file behind an artifact.
func (s *Server) handleArtifactContent(w http.ResponseWriter, r *http.Request) {
	art, err := s.store.GetArtifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLookupError(w, err, "artifact")
		return
	}
	if s.evidence == nil {
		s.writeError(w, http.StatusServiceUnavailable, "evidence files are not served by this process")
		return
	}

	path, err := s.evidence.Path(art.URL)
	if err != nil {
		s.logger.Warn("artifact outside evidence dir", "artifact_id", art.ID, "url", art.URL, "error", err)
		s.writeError(w, http.StatusNotFound, "artifact content not available")
		return
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.writeError(w, http.StatusNotFound, "artifact content not available")
		return
	}
	if err != nil {
		s.logger.Error("open artifact", "artifact_id", art.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read artifact")
		return
	}
	defer f.Close()

	http.ServeContent(w, r, filepath.Base(path), art.CreatedAt, f)
}

// writeLookupError answers a failed single-entity lookup.
func (s *Server) writeLookupError(w http.ResponseWriter, err error, kind string) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, kind+" not found")
		return
	}
	s.logger.Error("get "+kind, "error", err)
	s.writeError(w, http.StatusInternalServerError, "failed to get "+kind)
}
