// Package handlers is the HTTP boundary: it decodes requests, calls into the
// session manager and persistence gateway, and maps the error taxonomy onto
// status codes.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/avelez/banter/internal/gateway"
	"github.com/avelez/banter/internal/models"
	"github.com/avelez/banter/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var (
		validation *models.DataValidationError
		partial    *gateway.PartialConsistencyError
	)
	switch {
	case errors.Is(err, gateway.ErrValidation), errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, gateway.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, gateway.ErrAuth), errors.Is(err, session.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	case errors.Is(err, gateway.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.As(err, &partial):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "partial write, needs repair"})
	case errors.Is(err, gateway.ErrCorruptRecord):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stored record is corrupt, needs repair"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
