package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/zaman-cal/seriesd/server/recurrence"
	"github.com/zaman-cal/seriesd/server/series"
)

// HTTPError carries the status a handler failure maps to
type HTTPError struct {
	Status  int
	Message string
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d: %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// errorResponse is the JSON body of every failed request
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var seriesStatus = map[series.ErrorType]int{
	series.ErrPermissionDenied:    http.StatusForbidden,
	series.ErrLocked:              http.StatusForbidden,
	series.ErrScopeMismatch:       http.StatusBadRequest,
	series.ErrMissingInstanceDate: http.StatusBadRequest,
	series.ErrInvalidInput:        http.StatusBadRequest,
	series.ErrNotFound:            http.StatusNotFound,
	series.ErrVersionConflict:     http.StatusConflict,
	series.ErrInvalidTransition:   http.StatusConflict,
	series.ErrRegeneration:        http.StatusInternalServerError,
}

// toHTTPError classifies err. Internal failures do not leak their message.
func toHTTPError(err error) (*HTTPError, string) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, http.StatusText(httpErr.Status)
	}

	var seriesErr *series.Error
	if errors.As(err, &seriesErr) {
		status, ok := seriesStatus[seriesErr.Type]
		if !ok {
			status = http.StatusInternalServerError
		}
		message := seriesErr.Message
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
		return &HTTPError{Status: status, Message: message, Err: err}, string(seriesErr.Type)
	}

	var ruleErr *recurrence.InvalidRuleError
	if errors.As(err, &ruleErr) {
		return &HTTPError{Status: http.StatusBadRequest, Message: ruleErr.Error(), Err: err}, string(series.ErrInvalidInput)
	}

	return &HTTPError{Status: http.StatusInternalServerError, Message: "internal error", Err: err}, "internal"
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	httpErr, kind := toHTTPError(err)

	if httpErr.Status >= http.StatusInternalServerError {
		s.logger.Error("error response",
			"status", httpErr.Status,
			"message", httpErr.Message,
			"error", err)
	} else {
		s.logger.Debug("error response",
			"status", httpErr.Status,
			"message", httpErr.Message,
			"error", err)
	}

	s.writeJSON(w, httpErr.Status, errorResponse{Error: kind, Message: httpErr.Message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set(headerContentType, mimeTypeJSON)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
