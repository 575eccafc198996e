// Package session owns the registry of live automation sessions and their
// command history.
package session

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusCreated   Status = "created"
	StatusConnected Status = "connected"
	StatusActive    Status = "active"
	StatusIdle      Status = "idle"
	StatusExpired   Status = "expired"
	StatusError     Status = "error"
)

// ParseStatus validates a caller-supplied status string.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusCreated, StatusConnected, StatusActive, StatusIdle, StatusExpired, StatusError:
		return s, true
	}
	return "", false
}

// CommandStatus is the state-machine position of a command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandTimeout   CommandStatus = "timeout"
	CommandCancelled CommandStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandTimeout, CommandCancelled:
		return true
	}
	return false
}

// ConnectionInfo is a snapshot of the connection currently bound to a session.
type ConnectionInfo struct {
	ConnectedAt   time.Time `json:"connectedAt"`
	RemoteAddress string    `json:"remoteAddress"`
}

// Command is one submitted browser-control command. Terminal transitions
// happen exactly once; later attempts are rejected so a command can never be
// resolved twice.
type Command struct {
	mu sync.Mutex

	id        string
	sessionID string
	cmdType   string
	payload   json.RawMessage
	timeout   time.Duration
	createdAt time.Time

	status      CommandStatus
	backendUsed string
	result      map[string]any
	errMsg      string
	completedAt *time.Time
	lateResult  map[string]any
}

// NewCommand constructs a pending command.
func NewCommand(id, sessionID, cmdType string, payload json.RawMessage, timeout time.Duration) *Command {
	return &Command{
		id:        id,
		sessionID: sessionID,
		cmdType:   cmdType,
		payload:   payload,
		timeout:   timeout,
		createdAt: time.Now(),
		status:    CommandPending,
	}
}

// ID returns the command identifier.
func (c *Command) ID() string { return c.id }

// SessionID returns the owning session.
func (c *Command) SessionID() string { return c.sessionID }

// Type returns the command type tag.
func (c *Command) Type() string { return c.cmdType }

// Payload returns the raw command payload.
func (c *Command) Payload() json.RawMessage { return c.payload }

// Timeout returns the per-command timeout.
func (c *Command) Timeout() time.Duration { return c.timeout }

// Status returns the current state-machine position.
func (c *Command) Status() CommandStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// MarkExecuting transitions pending → executing and records the backend.
// Returns false if the command already left the pending state.
func (c *Command) MarkExecuting(backend string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != CommandPending {
		return false
	}
	c.status = CommandExecuting
	c.backendUsed = backend
	return true
}

// Complete records a successful result. Returns false if the command is
// already terminal.
func (c *Command) Complete(result map[string]any) bool {
	return c.finish(CommandCompleted, result, "")
}

// Fail records a terminal failure with the given status (failed, timeout or
// cancelled). Returns false if the command is already terminal.
func (c *Command) Fail(status CommandStatus, errMsg string) bool {
	if !status.Terminal() || status == CommandCompleted {
		return false
	}
	return c.finish(status, nil, errMsg)
}

func (c *Command) finish(status CommandStatus, result map[string]any, errMsg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return false
	}
	now := time.Now()
	c.status = status
	c.result = result
	c.errMsg = errMsg
	c.completedAt = &now
	return true
}

// AttachLateResult records a result that arrived after the command was
// already resolved. Audit only; the caller-visible outcome is unchanged.
func (c *Command) AttachLateResult(result map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lateResult = result
}

// Record returns an immutable copy for callers and serialization.
func (c *Command) Record() CommandRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := CommandRecord{
		ID:          c.id,
		SessionID:   c.sessionID,
		Type:        c.cmdType,
		Payload:     c.payload,
		TimeoutMs:   c.timeout.Milliseconds(),
		CreatedAt:   c.createdAt,
		Status:      c.status,
		BackendUsed: c.backendUsed,
		Result:      c.result,
		Error:       c.errMsg,
		LateResult:  c.lateResult,
	}
	if c.completedAt != nil {
		t := *c.completedAt
		rec.CompletedAt = &t
	}
	return rec
}

// CommandRecord is the serializable view of a Command.
type CommandRecord struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TimeoutMs   int64           `json:"timeoutMs"`
	CreatedAt   time.Time       `json:"createdAt"`
	Status      CommandStatus   `json:"status"`
	BackendUsed string          `json:"backendUsed,omitempty"`
	Result      map[string]any  `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	LateResult  map[string]any  `json:"lateResult,omitempty"`
}

// Session is one logical automation context. All mutable state is guarded;
// callers observe it through Info snapshots.
type Session struct {
	mu sync.Mutex

	id        string
	createdAt time.Time
	metadata  map[string]string

	lastActivity time.Time
	status       Status
	connection   *ConnectionInfo
	commands     []*Command
	paused       bool
	pauseReason  string
}

func newSession(id string, metadata map[string]string) *Session {
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	now := time.Now()
	return &Session{
		id:           id,
		createdAt:    now,
		lastActivity: now,
		metadata:     meta,
		status:       StatusCreated,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Touch refreshes the activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last recorded activity time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus updates the lifecycle status.
func (s *Session) SetStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// IsConnected reports whether a live connection is bound.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connection != nil
}

// BindConnection records a live connection snapshot and marks the session
// connected.
func (s *Session) BindConnection(info ConnectionInfo) {
	s.mu.Lock()
	s.connection = &info
	s.status = StatusConnected
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// ClearConnection drops the connection snapshot; the session falls back to
// idle unless it is already terminal.
func (s *Session) ClearConnection() {
	s.mu.Lock()
	s.connection = nil
	if s.status == StatusConnected || s.status == StatusActive {
		s.status = StatusIdle
	}
	s.mu.Unlock()
}

// Pause blocks new command dispatch until Resume.
func (s *Session) Pause(reason string) {
	s.mu.Lock()
	s.paused = true
	s.pauseReason = reason
	s.mu.Unlock()
}

// Resume lifts a pause.
func (s *Session) Resume() {
	s.mu.Lock()
	s.paused = false
	s.pauseReason = ""
	s.mu.Unlock()
}

// Paused returns the pause flag and reason.
func (s *Session) Paused() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused, s.pauseReason
}

// AppendCommand adds a command to the session history and refreshes activity.
func (s *Session) AppendCommand(cmd *Command) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Commands returns history records, newest last, optionally filtered by
// status and capped at limit (0 = unlimited).
func (s *Session) Commands(status CommandStatus, limit int) []CommandRecord {
	s.mu.Lock()
	cmds := make([]*Command, len(s.commands))
	copy(cmds, s.commands)
	s.mu.Unlock()

	records := make([]CommandRecord, 0, len(cmds))
	for _, cmd := range cmds {
		rec := cmd.Record()
		if status != "" && rec.Status != status {
			continue
		}
		records = append(records, rec)
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records
}

// CommandByID looks up a command in this session's history.
func (s *Session) CommandByID(commandID string) (*Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cmd := range s.commands {
		if cmd.id == commandID {
			return cmd, true
		}
	}
	return nil, false
}

// Info is the serializable view of a Session.
type Info struct {
	ID             string            `json:"id"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivity   time.Time         `json:"lastActivity"`
	Status         Status            `json:"status"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IsConnected    bool              `json:"isConnected"`
	ConnectionInfo *ConnectionInfo   `json:"connectionInfo,omitempty"`
	CommandCount   int               `json:"commandCount"`
	IsPaused       bool              `json:"isPaused"`
	PauseReason    string            `json:"pauseReason,omitempty"`
}

// Snapshot returns a consistent view of the session.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		meta[k] = v
	}
	info := Info{
		ID:           s.id,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Status:       s.status,
		Metadata:     meta,
		IsConnected:  s.connection != nil,
		CommandCount: len(s.commands),
		IsPaused:     s.paused,
		PauseReason:  s.pauseReason,
	}
	if s.connection != nil {
		conn := *s.connection
		info.ConnectionInfo = &conn
	}
	return info
}
