// Package agenthub owns the duplex channels to remote automation agents:
// one live websocket per session, heartbeat, and message framing.
package agenthub

import "encoding/json"

// Server→agent message types.
const (
	MsgRegistered    = "registered"
	MsgCommand       = "command"
	MsgCancelCommand = "cancel_command"
)

// Agent→server message types.
const (
	MsgCommandResult = "command_result"
	MsgError         = "error"
	MsgStatusUpdate  = "status_update"
)

// CommandPayload is the body of a dispatched command message.
type CommandPayload struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMs int64           `json:"timeoutMs"`
}

// ServerMessage is the envelope pushed to the agent.
type ServerMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	CommandID string          `json:"commandId,omitempty"`
	Command   *CommandPayload `json:"command,omitempty"`
}

// AgentMessage is the envelope received from the agent.
type AgentMessage struct {
	Type      string            `json:"type"`
	CommandID string            `json:"commandId,omitempty"`
	Success   bool              `json:"success"`
	Result    map[string]any    `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Context   map[string]any    `json:"context,omitempty"`
	Status    string            `json:"status,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
