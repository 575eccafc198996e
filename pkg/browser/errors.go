package browser

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailable   = errors.New("browser runtime unavailable")
	ErrSessionClosed = errors.New("browser session closed")
	ErrEngineLost    = errors.New("pilotd connection lost")
)

// EngineError wraps errors reported by the pilotd daemon.
type EngineError struct {
	Code    string
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pilotd error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("pilotd error [%s]: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates an EngineError from a daemon-reported code and message.
func NewEngineError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// IsConnectionError reports whether the error indicates a lost daemon connection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEngineLost) {
		return true
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Code == "connection_lost" || engineErr.Code == "unavailable"
	}
	return false
}
