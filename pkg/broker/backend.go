package broker

import "github.com/odvcencio/webpilot/pkg/errors"

// Backend identifies which execution path serves a command.
type Backend string

const (
	BackendRemote Backend = "remote"
	BackendLocal  Backend = "local"
)

// Override is an explicit caller request to force a backend. Empty means
// default selection with silent fallback.
type Override string

const (
	OverrideNone   Override = ""
	OverrideRemote Override = "remote"
	OverrideLocal  Override = "local"
)

// ParseOverride validates a caller-supplied backend override.
func ParseOverride(raw string) (Override, bool) {
	switch Override(raw) {
	case OverrideNone, OverrideRemote, OverrideLocal:
		return Override(raw), true
	}
	return OverrideNone, false
}

// SelectBackend picks the execution path for one submission. Pure; evaluated
// fresh per command, never cached. A forced override fails when its path is
// unavailable instead of silently falling back.
func SelectBackend(connected, localAvailable bool, override Override) (Backend, error) {
	switch override {
	case OverrideRemote:
		if !connected {
			return "", errors.New(errors.ErrCodeNoExecutionBackend,
				"remote backend forced but no agent connection is bound")
		}
		return BackendRemote, nil
	case OverrideLocal:
		if !localAvailable {
			return "", errors.New(errors.ErrCodeNoExecutionBackend,
				"local backend forced but no browser runtime is configured")
		}
		return BackendLocal, nil
	}
	if connected {
		return BackendRemote, nil
	}
	if localAvailable {
		return BackendLocal, nil
	}
	return "", errors.New(errors.ErrCodeNoExecutionBackend,
		"session has no agent connection and no local browser runtime is configured")
}
