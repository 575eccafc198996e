package agenthub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// wsConn is the subset of *websocket.Conn the manager needs; tests supply
// fakes.
type wsConn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Ping(ctx context.Context) error
	Close(status websocket.StatusCode, reason string) error
}

// AgentConn is one live agent channel bound to a session.
type AgentConn struct {
	sessionID   string
	remoteAddr  string
	connectedAt time.Time

	conn    wsConn
	send    chan ServerMessage
	limiter *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}
}

func newAgentConn(sessionID string, conn wsConn, remoteAddr string) *AgentConn {
	return &AgentConn{
		sessionID:   sessionID,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		conn:        conn,
		send:        make(chan ServerMessage, 16),
		limiter:     rate.NewLimiter(rate.Limit(50), 100),
		done:        make(chan struct{}),
	}
}

// SessionID returns the session this connection is bound to.
func (c *AgentConn) SessionID() string { return c.sessionID }

// RemoteAddr returns the peer address recorded at bind time.
func (c *AgentConn) RemoteAddr() string { return c.remoteAddr }

// ConnectedAt returns the bind timestamp.
func (c *AgentConn) ConnectedAt() time.Time { return c.connectedAt }

// enqueue places a message on the outbound queue without blocking. A full
// queue means the agent is not draining; the caller treats that as a dead
// connection.
func (c *AgentConn) enqueue(msg ServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbound queue onto the websocket.
func (c *AgentConn) writeLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// close tears down the channel exactly once.
func (c *AgentConn) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close(status, reason)
	})
}

// closed reports whether close has run.
func (c *AgentConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
