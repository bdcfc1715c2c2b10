package api

import (
	"errors"
	"net/http"

	"recruiter-outreach-scheduler/internal/listactions"
)

// Stable, machine-readable error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"
)

type errorBody struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		loggerFrom(r).Error().Int("status", status).Str("code", code).Str("message", msg).Msg("request failed")
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		RequestID: w.Header().Get(requestIDHeader),
		Code:      code,
		Message:   msg,
	}})
}

// failErr maps service errors onto HTTP statuses.
func failErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, listactions.ErrListNotFound), errors.Is(err, listactions.ErrActionNotFound):
		fail(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, listactions.ErrForbidden):
		fail(w, r, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, listactions.ErrListBusy):
		fail(w, r, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, listactions.ErrInvalidRequest):
		fail(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	default:
		loggerFrom(r).Error().Err(err).Msg("list action failed")
		fail(w, r, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
