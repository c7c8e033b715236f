package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/syncmesh/syncmesh/internal/engine"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
	s.logger.WithFields(logrus.Fields{
		"error":  message,
		"status": status,
	}).Warn("API error")
}

// writeEngineError maps the engine's error kinds to HTTP status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrConflict),
		errors.Is(err, engine.ErrState),
		errors.Is(err, engine.ErrRemoteConflict),
		errors.Is(err, engine.ErrFetchBeforeSend):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrGone):
		status = http.StatusGone
	case errors.Is(err, engine.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}
	s.writeError(w, err.Error(), status)
}
