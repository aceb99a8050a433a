package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/zoptal/mailflow/internal/mailerr"
	"github.com/zoptal/mailflow/internal/metrics"
	"github.com/zoptal/mailflow/internal/template"
)

// ErrorResponse is the error response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Missing []string `json:"missing,omitempty"`
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}

// statusFor maps an error kind to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, mailerr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, mailerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, mailerr.ErrState), errors.Is(err, mailerr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, mailerr.ErrDelivery):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// sendServiceError writes err with the status of its kind. Internal errors
// are logged and hidden from the client.
func (s *Server) sendServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "op", op, "path", r.URL.Path, "error", err)
		metrics.IncAPIErrors("internal")
		sendError(w, status, "Internal server error")
		return
	}

	resp := ErrorResponse{Error: err.Error()}
	var mv *template.MissingVariablesError
	if errors.As(err, &mv) {
		resp.Missing = mv.Keys
	}
	sendJSON(w, status, resp)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return mailerr.Validation("invalid request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
