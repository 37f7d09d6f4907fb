package handler

import (
	"buttonsync/internal/model"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes carried in ErrorResponse.Code
const (
	CodeNotFound     = "not_found"
	CodeInvalidState = "invalid_state"
	CodeExpired      = "expired"
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeInternal     = "internal"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeServiceError maps domain errors to HTTP statuses. Anything unrecognised
// is an infrastructure failure and is logged, not echoed.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, model.ErrSessionNotActive):
		writeError(w, http.StatusConflict, CodeInvalidState, err.Error())
	case errors.Is(err, model.ErrSessionExpired):
		writeError(w, http.StatusGone, CodeExpired, err.Error())
	case errors.Is(err, model.ErrInvalidRole), errors.Is(err, model.ErrInvalidCode):
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
