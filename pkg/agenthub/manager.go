package agenthub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/webpilot/pkg/errors"
	"github.com/odvcencio/webpilot/pkg/session"
	"github.com/odvcencio/webpilot/pkg/telemetry"
)

// ResultSink receives agent-reported outcomes. Implemented by the command
// broker.
type ResultSink interface {
	// HandleCommandResult delivers a correlated result for an in-flight
	// command. Late or unknown ids are the sink's problem, not the
	// manager's.
	HandleCommandResult(sessionID, commandID string, success bool, result map[string]any, errMsg string)
	// ConnectionLost tells the sink the session's channel is gone so it can
	// fail every pending remote command for that session.
	ConnectionLost(sessionID, reason string)
}

// Config carries manager tuning knobs.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Hub               *telemetry.Hub
	Logger            *slog.Logger
}

// Manager owns the live agent connections, at most one per session.
type Manager struct {
	registry *session.Registry
	sink     ResultSink

	mu        sync.RWMutex
	bySession map[string]*AgentConn

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	hub               *telemetry.Hub
	logger            *slog.Logger
}

// NewManager constructs a connection manager. The sink may be set later via
// SetSink to break the construction cycle with the broker.
func NewManager(registry *session.Registry, cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout < cfg.HeartbeatInterval {
		cfg.HeartbeatTimeout = 2 * cfg.HeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		registry:          registry,
		bySession:         make(map[string]*AgentConn),
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		hub:               cfg.Hub,
		logger:            cfg.Logger,
	}
}

// SetSink wires the result sink.
func (m *Manager) SetSink(sink ResultSink) {
	m.sink = sink
}

// Verify checks whether a channel presenting sessionID may connect.
func (m *Manager) Verify(sessionID string) error {
	sess, ok := m.registry.Peek(sessionID)
	if !ok {
		return errors.Newf(errors.ErrCodeNotFound, "session %s not found", sessionID)
	}
	if sess.Status() == session.StatusExpired {
		return errors.Newf(errors.ErrCodeNotFound, "session %s expired", sessionID)
	}
	return nil
}

// Bind attaches a channel to a session. A connection already bound to the
// same session is force-closed first and its in-flight commands fail with
// ConnectionLost before the new channel becomes usable.
func (m *Manager) Bind(sessionID string, conn wsConn, remoteAddr string) (*AgentConn, error) {
	if err := m.Verify(sessionID); err != nil {
		return nil, err
	}
	sess, ok := m.registry.Peek(sessionID)
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "session %s not found", sessionID)
	}

	c := newAgentConn(sessionID, conn, remoteAddr)

	m.mu.Lock()
	old := m.bySession[sessionID]
	m.bySession[sessionID] = c
	m.mu.Unlock()

	if old != nil {
		old.close(websocket.StatusPolicyViolation, "superseded by new connection")
		if m.sink != nil {
			m.sink.ConnectionLost(sessionID, "superseded by new connection")
		}
		m.logger.Info("connection superseded", "session_id", sessionID)
		m.publish(telemetry.EventConnectionSuperseded, sessionID, nil)
	}

	sess.BindConnection(session.ConnectionInfo{
		ConnectedAt:   c.connectedAt,
		RemoteAddress: remoteAddr,
	})
	m.registry.RecordConnection()

	c.enqueue(ServerMessage{Type: MsgRegistered, SessionID: sessionID})
	m.logger.Info("connection bound", "session_id", sessionID, "remote_addr", remoteAddr)
	m.publish(telemetry.EventConnectionBound, sessionID, map[string]any{"remoteAddress": remoteAddr})
	return c, nil
}

// Unbind tears down a channel. Pending remote commands for the session fail
// with ConnectionLost when this channel was the session's current one.
func (m *Manager) Unbind(c *AgentConn, reason string) {
	if c == nil {
		return
	}
	m.mu.Lock()
	current := m.bySession[c.sessionID] == c
	if current {
		delete(m.bySession, c.sessionID)
	}
	m.mu.Unlock()

	c.close(websocket.StatusNormalClosure, reason)
	if !current {
		// A superseding bind already handled session state.
		return
	}

	if sess, ok := m.registry.Peek(c.sessionID); ok {
		sess.ClearConnection()
	}
	if m.sink != nil {
		m.sink.ConnectionLost(c.sessionID, reason)
	}
	m.logger.Info("connection unbound", "session_id", c.sessionID, "reason", reason)
	m.publish(telemetry.EventConnectionLost, c.sessionID, map[string]any{"reason": reason})
}

// Connected reports whether the session has a live channel.
func (m *Manager) Connected(sessionID string) bool {
	m.mu.RLock()
	c, ok := m.bySession[sessionID]
	m.mu.RUnlock()
	return ok && !c.closed()
}

// Send pushes a message to the session's agent. Fails fast when no channel
// is bound so the broker can fall back instead of blocking.
func (m *Manager) Send(sessionID string, msg ServerMessage) error {
	m.mu.RLock()
	c, ok := m.bySession[sessionID]
	m.mu.RUnlock()
	if !ok || c.closed() {
		return errors.Newf(errors.ErrCodeConnectionLost, "session %s has no agent connection", sessionID)
	}
	if !c.enqueue(msg) {
		m.Unbind(c, "send queue overflow")
		return errors.Newf(errors.ErrCodeConnectionLost, "agent connection for session %s not draining", sessionID)
	}
	return nil
}

// Serve runs the connection's read, write and heartbeat loops until the
// channel dies, then unbinds it. Blocks; callers run it per connection.
func (m *Manager) Serve(ctx context.Context, c *AgentConn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- c.writeLoop(ctx) }()
	go func() { errCh <- m.heartbeatLoop(ctx, c) }()

	reason := "closed"
	if err := m.readLoop(ctx, c); err != nil && ctx.Err() == nil {
		reason = "read error"
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil && errors.IsCode(err, errors.ErrCodeTimeout) {
			reason = "heartbeat timeout"
		}
	default:
	}
	m.Unbind(c, reason)
}

// heartbeatLoop probes the peer at the configured interval; a probe that
// gets no response within the miss window kills the connection.
func (m *Manager) heartbeatLoop(ctx context.Context, c *AgentConn) error {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.heartbeatTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				m.logger.Warn("heartbeat missed", "session_id", c.sessionID, "error", err)
				m.publish(telemetry.EventHeartbeatMissed, c.sessionID, nil)
				c.close(websocket.StatusGoingAway, "heartbeat timeout")
				return errors.Wrap(err, errors.ErrCodeTimeout, "heartbeat timeout")
			}
		case <-c.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, c *AgentConn) error {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg AgentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("malformed agent message", "session_id", c.sessionID, "error", err)
			continue
		}
		m.handleAgentMessage(c, msg)
	}
}

func (m *Manager) handleAgentMessage(c *AgentConn, msg AgentMessage) {
	switch msg.Type {
	case MsgCommandResult:
		if m.sink != nil {
			m.sink.HandleCommandResult(c.sessionID, msg.CommandID, msg.Success, msg.Result, msg.Error)
		}
	case MsgStatusUpdate:
		status, ok := session.ParseStatus(msg.Status)
		if !ok {
			m.logger.Warn("invalid status update", "session_id", c.sessionID, "status", msg.Status)
			return
		}
		if sess, found := m.registry.Peek(c.sessionID); found {
			sess.SetStatus(status)
			sess.Touch()
		}
	case MsgError:
		m.logger.Warn("agent reported error", "session_id", c.sessionID, "error", msg.Error)
	default:
		m.logger.Debug("unknown agent message", "session_id", c.sessionID, "type", msg.Type)
	}
}

// CloseSessionConnection tears down the channel bound to a session, if any.
// Registered as a registry teardown hook so deletion and expiry drop the
// agent channel.
func (m *Manager) CloseSessionConnection(sessionID, reason string) {
	m.mu.RLock()
	c := m.bySession[sessionID]
	m.mu.RUnlock()
	if c != nil {
		m.Unbind(c, reason)
	}
}

// Shutdown closes every live connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*AgentConn, 0, len(m.bySession))
	for _, c := range m.bySession {
		conns = append(conns, c)
	}
	m.bySession = make(map[string]*AgentConn)
	m.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (m *Manager) publish(eventType telemetry.EventType, sessionID string, data map[string]any) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(telemetry.Event{Type: eventType, SessionID: sessionID, Data: data})
}
