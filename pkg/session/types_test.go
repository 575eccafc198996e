package session

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCommandTerminalOnce(t *testing.T) {
	cmd := NewCommand("cmd-1", "sess-1", "navigate", json.RawMessage(`{"url":"https://example.com"}`), time.Second)

	if !cmd.MarkExecuting("remote") {
		t.Fatal("first MarkExecuting should succeed")
	}
	if cmd.MarkExecuting("local") {
		t.Error("second MarkExecuting should fail")
	}
	if !cmd.Complete(map[string]any{"ok": true}) {
		t.Fatal("Complete should succeed on executing command")
	}
	if cmd.Complete(map[string]any{"ok": false}) {
		t.Error("second Complete should fail")
	}
	if cmd.Fail(CommandTimeout, "late timer") {
		t.Error("Fail after Complete should be rejected")
	}

	rec := cmd.Record()
	if rec.Status != CommandCompleted {
		t.Errorf("Status = %v, want completed", rec.Status)
	}
	if rec.Result["ok"] != true {
		t.Errorf("Result = %v", rec.Result)
	}
	if rec.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
	if rec.BackendUsed != "remote" {
		t.Errorf("BackendUsed = %q, want remote", rec.BackendUsed)
	}
}

func TestCommandFailRejectsNonTerminalStatus(t *testing.T) {
	cmd := NewCommand("cmd-2", "sess-1", "click", nil, time.Second)
	if cmd.Fail(CommandExecuting, "nope") {
		t.Error("Fail must reject non-terminal status")
	}
	if cmd.Fail(CommandCompleted, "nope") {
		t.Error("Fail must reject completed; use Complete")
	}
	if !cmd.Fail(CommandCancelled, "caller cancelled") {
		t.Error("Fail with cancelled should succeed")
	}
	if got := cmd.Record().Error; got != "caller cancelled" {
		t.Errorf("Error = %q", got)
	}
}

func TestCommandLateResultDoesNotChangeOutcome(t *testing.T) {
	cmd := NewCommand("cmd-3", "sess-1", "evaluate", nil, time.Second)
	cmd.MarkExecuting("remote")
	cmd.Fail(CommandTimeout, "deadline exceeded")

	cmd.AttachLateResult(map[string]any{"value": 42})

	rec := cmd.Record()
	if rec.Status != CommandTimeout {
		t.Errorf("Status = %v, late result must not re-resolve", rec.Status)
	}
	if rec.LateResult["value"] != 42 {
		t.Errorf("LateResult = %v", rec.LateResult)
	}
}

func TestSessionConnectionLifecycle(t *testing.T) {
	sess := newSession("sess-1", map[string]string{"owner": "test"})
	if sess.Status() != StatusCreated {
		t.Fatalf("new session status = %v", sess.Status())
	}

	sess.BindConnection(ConnectionInfo{ConnectedAt: time.Now(), RemoteAddress: "10.0.0.1:1234"})
	if !sess.IsConnected() || sess.Status() != StatusConnected {
		t.Error("bind should mark session connected")
	}

	sess.ClearConnection()
	if sess.IsConnected() {
		t.Error("clear should drop connection")
	}
	if sess.Status() != StatusIdle {
		t.Errorf("status after clear = %v, want idle", sess.Status())
	}

	sess.SetStatus(StatusExpired)
	sess.ClearConnection()
	if sess.Status() != StatusExpired {
		t.Error("clear must not revive an expired session")
	}
}

func TestSessionCommandsFilterAndLimit(t *testing.T) {
	sess := newSession("sess-1", nil)
	for i := 0; i < 5; i++ {
		cmd := NewCommand(string(rune('a'+i)), "sess-1", "click", nil, time.Second)
		if i%2 == 0 {
			cmd.MarkExecuting("remote")
			cmd.Complete(nil)
		}
		sess.AppendCommand(cmd)
	}

	all := sess.Commands("", 0)
	if len(all) != 5 {
		t.Fatalf("len(all) = %d", len(all))
	}
	completed := sess.Commands(CommandCompleted, 0)
	if len(completed) != 3 {
		t.Errorf("len(completed) = %d, want 3", len(completed))
	}
	limited := sess.Commands("", 2)
	if len(limited) != 2 || limited[1].ID != "e" {
		t.Errorf("limit should keep the newest records, got %+v", limited)
	}
}

func TestSnapshotCopiesMetadata(t *testing.T) {
	meta := map[string]string{"k": "v"}
	sess := newSession("sess-1", meta)
	info := sess.Snapshot()
	info.Metadata["k"] = "mutated"
	if sess.Snapshot().Metadata["k"] != "v" {
		t.Error("snapshot must not share metadata map with session")
	}
}

func TestParseStatus(t *testing.T) {
	if s, ok := ParseStatus(" Active "); !ok || s != StatusActive {
		t.Errorf("ParseStatus(Active) = %v, %v", s, ok)
	}
	if _, ok := ParseStatus("bogus"); ok {
		t.Error("bogus status should not parse")
	}
}
