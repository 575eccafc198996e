// Package browser defines the local headless-browser execution port and its
// session manager. Runtime adapters (pilotd) live under adapters/.
package browser

// Viewport defines the browser viewport size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SessionConfig configures a headless browser session.
type SessionConfig struct {
	SessionID  string   `json:"session_id"`
	InitialURL string   `json:"initial_url,omitempty"`
	Viewport   Viewport `json:"viewport"`
	UserAgent  string   `json:"user_agent,omitempty"`
}

// DefaultSessionConfig returns the recommended session defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Viewport: Viewport{Width: 1280, Height: 720},
	}
}

// ScreenshotFormat identifies the image format for a screenshot payload.
type ScreenshotFormat string

const (
	ScreenshotPNG  ScreenshotFormat = "png"
	ScreenshotJPEG ScreenshotFormat = "jpeg"
)

// Result is the engine's response payload for a primitive call.
type Result map[string]any
