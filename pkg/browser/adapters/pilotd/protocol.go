package pilotd

import "encoding/json"

// Wire operations supported by pilotd.
const (
	opCreateSession = "create_session"
	opCloseSession  = "close_session"
	opNavigate      = "navigate"
	opClick         = "click"
	opTypeText      = "type_text"
	opExtract       = "extract"
	opExecuteScript = "execute_script"
	opScroll        = "scroll"
	opScreenshot    = "screenshot"
)

// request is one framed call to pilotd.
type request struct {
	RequestID string          `json:"request_id"`
	SessionID string          `json:"session_id"`
	Op        string          `json:"op"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// response is pilotd's reply for a request. Exactly one of Result and Error
// is meaningful.
type response struct {
	RequestID string         `json:"request_id"`
	OK        bool           `json:"ok"`
	Result    map[string]any `json:"result,omitempty"`
	Error     *wireError     `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// event is an unsolicited daemon notification (console output, page load
// progress). The session client skips these while awaiting a response.
type event struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// frame is the envelope discriminator: responses carry request_id, events
// carry event.
type frame struct {
	RequestID string `json:"request_id,omitempty"`
	Event     string `json:"event,omitempty"`
}
