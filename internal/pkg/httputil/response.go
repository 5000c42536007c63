package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/pkg/logger"
)

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// JSON writes data with the given status.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("json encode failed", "error", err)
	}
}

func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// Error writes a bare error envelope.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

func BadRequest(w http.ResponseWriter, message string) {
	JSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: "invalid_input"})
}

func NotFound(w http.ResponseWriter, message string) {
	JSON(w, http.StatusNotFound, ErrorResponse{Error: message, Code: "not_found"})
}

// InternalError logs err and hides it from the client.
func InternalError(w http.ResponseWriter, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal server error")
}

// Status maps a domain error to its HTTP status and error code.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrSuppressed):
		return http.StatusConflict, "suppressed"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrUnresolvedReference):
		return http.StatusUnprocessableEntity, "unresolved_reference"
	case errors.Is(err, domain.ErrExternalFailure):
		return http.StatusBadGateway, "external_failure"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	}
	return http.StatusInternalServerError, ""
}

// FromError writes err with the status Status picks. Unknown errors are
// logged and reported as 500. A TransitionError is echoed as details.
func FromError(w http.ResponseWriter, err error) {
	status, code := Status(err)
	if status == http.StatusInternalServerError {
		InternalError(w, err)
		return
	}
	resp := ErrorResponse{Error: err.Error(), Code: code}
	var te *domain.TransitionError
	if errors.As(err, &te) {
		resp.Details = map[string]string{
			"org_id":  te.OrgID,
			"current": string(te.Current),
			"target":  string(te.Target),
		}
	}
	if status >= 500 {
		logger.Warn("request failed", "code", code, "error", err)
	}
	JSON(w, status, resp)
}

// Decode reads a JSON body into dst, rejecting unknown fields. It writes a
// 400 and returns false on failure.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		BadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
