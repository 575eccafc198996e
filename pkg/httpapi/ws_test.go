package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/webpilot/pkg/agenthub"
)

func wsURL(httpURL, sessionID string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws/agent?session_id=" + sessionID
}

func dialAgent(t *testing.T, h *apiHarness, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(h.ts.URL, sessionID), nil)
	if err != nil {
		t.Fatalf("dial agent socket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) agenthub.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read server message: %v", err)
	}
	var msg agenthub.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode server message %q: %v", data, err)
	}
	return msg
}

func writeAgentMessage(t *testing.T, conn *websocket.Conn, msg agenthub.AgentMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal agent message: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write agent message: %v", err)
	}
}

func TestAgentSocketRejectsUnknownSession(t *testing.T) {
	h := newAPIHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(h.ts.URL, "sess-unknown"), nil)
	if err == nil {
		t.Fatal("dial should fail for unknown session")
	}
	if resp != nil && resp.StatusCode != http.StatusNotFound {
		t.Errorf("handshake status = %d, want 404", resp.StatusCode)
	}
}

func TestAgentSocketRequiresSessionID(t *testing.T) {
	h := newAPIHarness(t)

	resp, err := http.Get(h.ts.URL + "/ws/agent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAgentBindMarksSessionConnected(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createSession(t)

	conn := dialAgent(t, h, id)
	msg := readServerMessage(t, conn)
	if msg.Type != agenthub.MsgRegistered || msg.SessionID != id {
		t.Fatalf("first message = %+v, want registered", msg)
	}

	resp, body := h.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get session status = %d", resp.StatusCode)
	}
	sess := body["session"].(map[string]any)
	if sess["isConnected"] != true {
		t.Errorf("isConnected = %v", sess["isConnected"])
	}
	if sess["connectionInfo"] == nil {
		t.Error("connectionInfo missing while connected")
	}
}

func TestRemoteCommandRoundTrip(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createSession(t)

	conn := dialAgent(t, h, id)
	if msg := readServerMessage(t, conn); msg.Type != agenthub.MsgRegistered {
		t.Fatalf("expected registered, got %+v", msg)
	}

	// Agent loop: answer the first dispatched command with a success result.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg agenthub.ServerMessage
			if json.Unmarshal(data, &msg) != nil || msg.Type != agenthub.MsgCommand {
				continue
			}
			result, _ := json.Marshal(agenthub.AgentMessage{
				Type:      agenthub.MsgCommandResult,
				CommandID: msg.CommandID,
				Success:   true,
				Result:    map[string]any{"title": "Example Domain"},
			})
			_ = conn.Write(ctx, websocket.MessageText, result)
			return
		}
	}()

	resp, body := h.do(t, http.MethodPost, "/api/sessions/"+id+"/commands", map[string]any{
		"type":    "navigate",
		"payload": map[string]string{"url": "https://example.com"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d body=%v", resp.StatusCode, body)
	}
	cmd := body["command"].(map[string]any)
	if cmd["status"] != "completed" {
		t.Errorf("status = %v", cmd["status"])
	}
	if cmd["backendUsed"] != "remote" {
		t.Errorf("backendUsed = %v", cmd["backendUsed"])
	}
	result := cmd["result"].(map[string]any)
	if result["title"] != "Example Domain" {
		t.Errorf("result = %v", result)
	}
}

func TestRemoteCommandFailurePassesErrorThrough(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createSession(t)

	conn := dialAgent(t, h, id)
	if msg := readServerMessage(t, conn); msg.Type != agenthub.MsgRegistered {
		t.Fatalf("expected registered, got %+v", msg)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg agenthub.ServerMessage
			if json.Unmarshal(data, &msg) != nil || msg.Type != agenthub.MsgCommand {
				continue
			}
			result, _ := json.Marshal(agenthub.AgentMessage{
				Type:      agenthub.MsgCommandResult,
				CommandID: msg.CommandID,
				Success:   false,
				Error:     "element #login not found",
			})
			_ = conn.Write(ctx, websocket.MessageText, result)
			return
		}
	}()

	resp, body := h.do(t, http.MethodPost, "/api/sessions/"+id+"/commands", map[string]any{
		"type":    "click",
		"payload": map[string]string{"selector": "#login"},
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("submit status = %d, want 502", resp.StatusCode)
	}
	if body["code"] != "EXECUTION_FAILED" {
		t.Errorf("code = %v", body["code"])
	}
	cmd := body["command"].(map[string]any)
	if msg, _ := cmd["error"].(string); !strings.Contains(msg, "element #login not found") {
		t.Errorf("agent error not passed through: %v", cmd["error"])
	}
}

func TestStatusUpdateOverSocket(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createSession(t)

	conn := dialAgent(t, h, id)
	if msg := readServerMessage(t, conn); msg.Type != agenthub.MsgRegistered {
		t.Fatalf("expected registered, got %+v", msg)
	}

	writeAgentMessage(t, conn, agenthub.AgentMessage{
		Type:   agenthub.MsgStatusUpdate,
		Status: "active",
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body := h.do(t, http.MethodGet, "/api/sessions/"+id, nil)
		sess := body["session"].(map[string]any)
		if sess["status"] == "active" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status never became active: %v", sess["status"])
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSecondAgentSupersedesFirst(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createSession(t)

	first := dialAgent(t, h, id)
	if msg := readServerMessage(t, first); msg.Type != agenthub.MsgRegistered {
		t.Fatalf("expected registered, got %+v", msg)
	}

	second := dialAgent(t, h, id)
	if msg := readServerMessage(t, second); msg.Type != agenthub.MsgRegistered {
		t.Fatalf("second conn expected registered, got %+v", msg)
	}

	// The first connection gets force-closed by the supersede.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if _, _, err := first.Read(ctx); err != nil {
			break
		}
	}

	_, body := h.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	sess := body["session"].(map[string]any)
	if sess["isConnected"] != true {
		t.Error("session should remain connected through the new channel")
	}
}
