package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/webpilot/pkg/agenthub"
	"github.com/odvcencio/webpilot/pkg/broker"
	"github.com/odvcencio/webpilot/pkg/browser"
	"github.com/odvcencio/webpilot/pkg/session"
	"github.com/odvcencio/webpilot/pkg/telemetry"
)

type apiHarness struct {
	ts       *httptest.Server
	registry *session.Registry
	broker   *broker.Broker
	agents   *agenthub.Manager
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	hub := telemetry.NewHub()
	reg := session.NewRegistry(session.RegistryConfig{
		MaxSessions:    8,
		SessionTimeout: time.Minute,
		SweepInterval:  time.Minute,
		Hub:            hub,
	})
	mgr := agenthub.NewManager(reg, agenthub.Config{
		HeartbeatInterval: 100 * time.Millisecond,
		HeartbeatTimeout:  400 * time.Millisecond,
		Hub:               hub,
	})
	brk := broker.New(reg, mgr, browser.NewManager(nil), broker.Config{
		DefaultTimeout: 2 * time.Second,
		QueueDepth:     2,
		Hub:            hub,
	})
	mgr.SetSink(brk)
	reg.OnTeardown(brk.SessionTeardown)
	reg.OnTeardown(func(id, reason string) { mgr.CloseSessionConnection(id, reason) })

	srv := NewServer(Config{AllowedOrigins: []string{"*"}, Version: "test"}, reg, brk, mgr, hub)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		brk.Shutdown()
		mgr.Shutdown()
		reg.Shutdown()
		hub.Close()
	})
	return &apiHarness{ts: ts, registry: reg, broker: brk, agents: mgr}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp, decoded
}

func (h *apiHarness) createSession(t *testing.T) string {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"metadata": map[string]string{"purpose": "test"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d", resp.StatusCode)
	}
	sess, ok := body["session"].(map[string]any)
	if !ok {
		t.Fatalf("missing session in %v", body)
	}
	id, _ := sess["id"].(string)
	if id == "" {
		t.Fatal("session id missing")
	}
	return id
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	h := newAPIHarness(t)

	id := h.createSession(t)
	if !strings.HasPrefix(id, "sess-") {
		t.Errorf("session id %q missing prefix", id)
	}

	resp, body := h.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get session status = %d", resp.StatusCode)
	}
	sess := body["session"].(map[string]any)
	if sess["status"] != "created" {
		t.Errorf("status = %v", sess["status"])
	}
	if meta, _ := sess["metadata"].(map[string]any); meta["purpose"] != "test" {
		t.Errorf("metadata = %v", sess["metadata"])
	}

	resp, body = h.do(t, http.MethodGet, "/api/sessions", nil)
	if resp.StatusCode != http.StatusOK || body["count"].(float64) != 1 {
		t.Errorf("list: status=%d count=%v", resp.StatusCode, body["count"])
	}

	resp, _ = h.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d", resp.StatusCode)
	}
}

func TestCreateSessionResponseIsJSON(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/sessions", map[string]any{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if body["agentWs"] == nil {
		t.Errorf("agentWs missing in %v", body)
	}
}

func TestUpdateSessionStatus(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createSession(t)

	resp, body := h.do(t, http.MethodPut, "/api/sessions/"+id+"/status", map[string]string{"status": "active"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	if sess := body["session"].(map[string]any); sess["status"] != "active" {
		t.Errorf("status = %v", sess["status"])
	}

	resp, _ = h.do(t, http.MethodPut, "/api/sessions/"+id+"/status", map[string]string{"status": "bogus"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus status = %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPut, "/api/sessions/missing/status", map[string]string{"status": "active"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing session status = %d", resp.StatusCode)
	}
}

func TestSubmitWithoutBackendRecordsFailure(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createSession(t)

	resp, body := h.do(t, http.MethodPost, "/api/sessions/"+id+"/commands", map[string]any{
		"type":    "navigate",
		"payload": map[string]string{"url": "https://example.com"},
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("submit status = %d, want 503", resp.StatusCode)
	}
	if body["code"] != "NO_EXECUTION_BACKEND" {
		t.Errorf("code = %v", body["code"])
	}
	cmd, ok := body["command"].(map[string]any)
	if !ok {
		t.Fatalf("failure response missing command record: %v", body)
	}
	if cmd["status"] != "failed" {
		t.Errorf("command status = %v", cmd["status"])
	}

	// The failed attempt lands in history.
	resp, body = h.do(t, http.MethodGet, "/api/sessions/"+id+"/commands", nil)
	if resp.StatusCode != http.StatusOK || body["count"].(float64) != 1 {
		t.Errorf("list commands: status=%d count=%v", resp.StatusCode, body["count"])
	}

	commandID := cmd["id"].(string)
	resp, body = h.do(t, http.MethodGet, "/api/commands/"+commandID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get command status = %d", resp.StatusCode)
	}
	if got := body["command"].(map[string]any); got["id"] != commandID {
		t.Errorf("command id = %v", got["id"])
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createSession(t)

	resp, body := h.do(t, http.MethodPost, "/api/sessions/"+id+"/commands", map[string]any{
		"type": "teleport",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown type status = %d", resp.StatusCode)
	}
	if body["code"] != "INVALID_COMMAND" {
		t.Errorf("code = %v", body["code"])
	}

	// Invalid submissions never reach history.
	_, body = h.do(t, http.MethodGet, "/api/sessions/"+id+"/commands", nil)
	if body["count"].(float64) != 0 {
		t.Errorf("history count = %v, want 0", body["count"])
	}

	resp, _ = h.do(t, http.MethodPost, "/api/sessions/"+id+"/commands", map[string]any{
		"type":    "navigate",
		"payload": map[string]string{"url": "https://example.com"},
		"backend": "quantum",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad backend status = %d", resp.StatusCode)
	}

	resp, _ = h.do(t, http.MethodPost, "/api/sessions/missing/commands", map[string]any{
		"type":    "navigate",
		"payload": map[string]string{"url": "https://example.com"},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing session status = %d", resp.StatusCode)
	}
}

func TestPauseBlocksSubmissions(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createSession(t)

	resp, _ := h.do(t, http.MethodPost, "/api/sessions/"+id+"/pause", map[string]string{"reason": "maintenance"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d", resp.StatusCode)
	}

	resp, body := h.do(t, http.MethodPost, "/api/sessions/"+id+"/commands", map[string]any{
		"type":    "navigate",
		"payload": map[string]string{"url": "https://example.com"},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("paused submit status = %d, want 409", resp.StatusCode)
	}
	if body["code"] != "SESSION_PAUSED" {
		t.Errorf("code = %v", body["code"])
	}

	resp, _ = h.do(t, http.MethodPost, "/api/sessions/"+id+"/resume", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPost, "/api/sessions/"+id+"/commands", map[string]any{
		"type":    "navigate",
		"payload": map[string]string{"url": "https://example.com"},
	})
	if resp.StatusCode == http.StatusConflict {
		t.Error("submit still blocked after resume")
	}
}

func TestCancelCommandEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/commands/missing/cancel", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cancel missing status = %d", resp.StatusCode)
	}
	if body["code"] != "NOT_FOUND" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestCapacityExceededMapsTo429(t *testing.T) {
	h := newAPIHarness(t)
	for i := 0; i < 8; i++ {
		h.createSession(t)
	}
	resp, body := h.do(t, http.MethodPost, "/api/sessions", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over-capacity status = %d", resp.StatusCode)
	}
	if body["code"] != "CAPACITY_EXCEEDED" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestHealthzAndStats(t *testing.T) {
	h := newAPIHarness(t)
	h.createSession(t)

	resp, body := h.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodGet, "/api/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	stats := body["sessions"].(map[string]any)
	if stats["activeSessions"].(float64) != 1 {
		t.Errorf("activeSessions = %v", stats["activeSessions"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	resp, err := http.Get(h.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "webpilot_") {
		t.Error("metrics output missing webpilot_ series")
	}
}

func TestRejectsOversizedBody(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createSession(t)

	big := fmt.Sprintf(`{"type":"navigate","payload":{"url":"https://example.com/%s"}}`,
		strings.Repeat("x", int(maxBodyBytesCommand)+1))
	resp, err := http.Post(h.ts.URL+"/api/sessions/"+id+"/commands", "application/json",
		strings.NewReader(big))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body status = %d", resp.StatusCode)
	}
}
