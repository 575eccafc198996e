package httpapi

import (
	"encoding/json"
	stdliberrors "errors"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/odvcencio/webpilot/pkg/errors"
	"github.com/odvcencio/webpilot/pkg/session"
)

// errorResponse is the JSON envelope for every failed request.
type errorResponse struct {
	Error     string                 `json:"error"`
	Status    int                    `json:"status"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Command   *session.CommandRecord `json:"command,omitempty"`
}

func errorBody(status int, err error) errorResponse {
	resp := errorResponse{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	var typed *apperrors.Error
	if stdliberrors.As(err, &typed) {
		resp.Code = string(typed.Code)
		resp.Message = typed.Message
		resp.Retryable = typed.Retryable
	} else if err != nil {
		resp.Message = err.Error()
	}
	resp.Error = resp.Message
	return resp
}

// statusForError maps the broker's error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidCommand:
		return http.StatusBadRequest
	case apperrors.ErrCodeSessionPaused, apperrors.ErrCodeCancelled:
		return http.StatusConflict
	case apperrors.ErrCodeCapacityExceeded, apperrors.ErrCodeQueueFull:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeNoExecutionBackend:
		return http.StatusServiceUnavailable
	case apperrors.ErrCodeConnectionLost, apperrors.ErrCodeExecutionFailed:
		return http.StatusBadGateway
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func setResponseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// respondJSON sends a JSON response. Call WriteHeader first for non-200s.
func respondJSON(w http.ResponseWriter, payload any) {
	setResponseHeaders(w)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	setResponseHeaders(w)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody(status, err))
}

// parseIntDefault parses a positive integer with a default fallback.
func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}
