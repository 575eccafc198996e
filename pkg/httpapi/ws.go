package httpapi

import (
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

const maxAgentReadBytes = 4 << 20

// handleAgentSocket upgrades an agent connection and binds it to its session.
// Unknown session ids are rejected before any message exchange.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("session_id query parameter required"))
		return
	}
	if err := s.agents.Verify(sessionID); err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	if !s.agentConnLimiter.Acquire() {
		respondError(w, http.StatusServiceUnavailable, fmt.Errorf("too many agent connections"))
		return
	}
	defer s.agentConnLimiter.Release()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.logger.Printf("agent websocket accept failed for %s: %v", sessionID, err)
		return
	}
	conn.SetReadLimit(maxAgentReadBytes)

	agentConn, err := s.agents.Bind(sessionID, conn, r.RemoteAddr)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "session not available")
		return
	}

	// Serve blocks until the connection drops or the session goes away.
	s.agents.Serve(r.Context(), agentConn)
}
