// File: internal/server/handlers.go
package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// statusResponse is the body of mutating endpoints and of every error.
type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleListRuns returns every stored run, newest first, as a bare JSON list.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.history.Load(r.Context())
	if err != nil {
		s.logger.Error("Failed to load run history.", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "failed to load run history")
		return
	}
	if runs == nil {
		runs = []schemas.RunRecord{}
	}
	s.respondWithJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	rec, err := s.history.Get(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrRunNotFound):
		s.respondWithError(w, http.StatusNotFound, "run not found: "+id)
	case err != nil:
		s.logger.Error("Failed to load run.", zap.String("run_id", id), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "failed to load run")
	default:
		s.respondWithJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	err := s.history.Delete(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrRunNotFound):
		s.respondWithError(w, http.StatusNotFound, "run not found: "+id)
	case err != nil:
		s.logger.Error("Failed to delete run.", zap.String("run_id", id), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "failed to delete run")
	default:
		s.logger.Info("Run deleted.", zap.String("run_id", id))
		s.respondWithJSON(w, http.StatusOK, statusResponse{Status: "success"})
	}
}

func (s *Server) handleClearRuns(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Clear(r.Context()); err != nil {
		s.logger.Error("Failed to clear run history.", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "failed to clear run history")
		return
	}
	s.logger.Info("Run history cleared.")
	s.respondWithJSON(w, http.StatusOK, statusResponse{Status: "success"})
}

func (s *Server) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	s.respondWithJSON(w, statusCode, statusResponse{Status: "error", Error: message})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
