package pilotd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/odvcencio/webpilot/pkg/browser"
)

// Runtime is a pilotd-backed browser runtime implementation.
type Runtime struct {
	cfg Config
}

// NewRuntime creates a pilotd runtime adapter.
func NewRuntime(cfg Config) (*Runtime, error) {
	merged := cfg.withDefaults()
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &Runtime{cfg: merged}, nil
}

// NewSession launches a pilotd process for the session and performs the
// create_session handshake.
func (r *Runtime) NewSession(ctx context.Context, sessionCfg browser.SessionConfig) (browser.BrowserSession, error) {
	if r == nil {
		return nil, browser.ErrUnavailable
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(sessionCfg.SessionID) == "" {
		return nil, errors.New("session_id is required")
	}
	socketPath, err := resolveSocketPath(r.cfg.SocketDir, sessionCfg.SessionID)
	if err != nil {
		return nil, err
	}
	// The daemon outlives the handshake context; the session owns the
	// process and kills it only in Close.
	cmd := exec.Command(r.cfg.PilotdPath, "--socket", socketPath, "--session-id", sessionCfg.SessionID)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pilotd: %w", err)
	}
	waitDone := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waitDone)
	}()

	conn, err := dialPilotd(ctx, socketPath, r.cfg.ConnectTimeout)
	if err != nil {
		_ = cmd.Process.Kill()
		<-waitDone
		return nil, err
	}
	sessionClient := newClient(conn)

	params, err := json.Marshal(sessionCfg)
	if err != nil {
		_ = sessionClient.close()
		_ = cmd.Process.Kill()
		<-waitDone
		return nil, fmt.Errorf("encode session config: %w", err)
	}
	resp, err := sessionClient.send(ctx, &request{
		SessionID: sessionCfg.SessionID,
		Op:        opCreateSession,
		Params:    params,
	})
	if err != nil {
		_ = sessionClient.close()
		_ = cmd.Process.Kill()
		<-waitDone
		return nil, err
	}
	if !resp.OK {
		_ = sessionClient.close()
		_ = cmd.Process.Kill()
		<-waitDone
		return nil, responseError(resp)
	}

	return &Session{
		id:               sessionCfg.SessionID,
		cfg:              sessionCfg,
		client:           sessionClient,
		cmd:              cmd,
		socketPath:       socketPath,
		waitDone:         waitDone,
		connectTimeout:   r.cfg.ConnectTimeout,
		operationTimeout: r.cfg.OperationTimeout,
		maxReconnects:    r.cfg.MaxReconnects,
	}, nil
}

// Close releases runtime resources.
func (r *Runtime) Close() error {
	return nil
}

func resolveSocketPath(socketDir, sessionID string) (string, error) {
	dir := strings.TrimSpace(socketDir)
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "webpilot", "pilotd")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create socket dir: %w", err)
	}
	return filepath.Join(dir, fmt.Sprintf("%s.sock", sanitizeSessionID(sessionID))), nil
}

func sanitizeSessionID(sessionID string) string {
	out := strings.Builder{}
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z':
			out.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			out.WriteRune(r)
		case r >= '0' && r <= '9':
			out.WriteRune(r)
		case r == '-' || r == '_':
			out.WriteRune(r)
		default:
			out.WriteRune('_')
		}
	}
	if out.Len() == 0 {
		return "browser"
	}
	return out.String()
}

func dialPilotd(ctx context.Context, socketPath string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Now().Add(5 * time.Second)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	var lastErr error
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := net.DialTimeout("unix", socketPath, 200*time.Millisecond)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for pilotd")
	}
	return nil, fmt.Errorf("connect pilotd: %w", lastErr)
}

func responseError(resp *response) error {
	if resp == nil {
		return browser.NewEngineError("empty_response", "missing response")
	}
	if resp.OK {
		return nil
	}
	code := "unknown"
	message := "operation failed"
	if resp.Error != nil {
		if resp.Error.Code != "" {
			code = resp.Error.Code
		}
		if resp.Error.Message != "" {
			message = resp.Error.Message
		}
	}
	return browser.NewEngineError(code, message)
}
