package pilotd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/webpilot/pkg/browser"
)

// Session manages one pilotd-backed browser session.
type Session struct {
	id     string
	cfg    browser.SessionConfig
	mu     sync.Mutex
	closed bool
	client *client
	cmd    *exec.Cmd

	socketPath       string
	waitDone         chan struct{}
	connectTimeout   time.Duration
	operationTimeout time.Duration
	maxReconnects    int
	reconnectAttempt int
}

// ID returns the session identifier.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Navigate loads a URL and returns the resulting page url and title.
func (s *Session) Navigate(ctx context.Context, url string) (browser.Result, error) {
	return s.call(ctx, opNavigate, map[string]any{"url": url})
}

// Click dispatches a click on the first element matching selector.
func (s *Session) Click(ctx context.Context, selector string) (browser.Result, error) {
	return s.call(ctx, opClick, map[string]any{"selector": selector})
}

// TypeText types text into the element matching selector.
func (s *Session) TypeText(ctx context.Context, selector, text string) (browser.Result, error) {
	return s.call(ctx, opTypeText, map[string]any{"selector": selector, "text": text})
}

// Extract reads text or an attribute from the element matching selector.
func (s *Session) Extract(ctx context.Context, selector, attribute string) (browser.Result, error) {
	params := map[string]any{"selector": selector}
	if attribute != "" {
		params["attribute"] = attribute
	}
	return s.call(ctx, opExtract, params)
}

// ExecuteScript evaluates a script in the page and returns its value.
func (s *Session) ExecuteScript(ctx context.Context, script string) (browser.Result, error) {
	return s.call(ctx, opExecuteScript, map[string]any{"script": script})
}

// Scroll scrolls the page by the given pixel deltas.
func (s *Session) Scroll(ctx context.Context, x, y int) (browser.Result, error) {
	return s.call(ctx, opScroll, map[string]any{"x": x, "y": y})
}

// Screenshot captures the viewport in the given format.
func (s *Session) Screenshot(ctx context.Context, format browser.ScreenshotFormat) (browser.Result, error) {
	if format == "" {
		format = browser.ScreenshotPNG
	}
	return s.call(ctx, opScreenshot, map[string]any{"format": string(format)})
}

func (s *Session) call(ctx context.Context, op string, params map[string]any) (browser.Result, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", op, err)
	}
	resp, err := s.sendWithReconnect(ctx, &request{
		SessionID: s.id,
		Op:        op,
		Params:    raw,
	})
	if err != nil {
		if isTimeoutError(err) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return nil, fmt.Errorf("%s: %w", op, errors.Join(browser.ErrEngineLost, err))
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	return browser.Result(resp.Result), nil
}

// Close releases session resources and kills the daemon process.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	client := s.client
	cmd := s.cmd
	socketPath := s.socketPath
	waitDone := s.waitDone
	s.mu.Unlock()

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _ = client.send(ctx, &request{SessionID: s.id, Op: opCloseSession})
		cancel()
		_ = client.close()
	}

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if waitDone != nil {
		select {
		case <-waitDone:
		case <-time.After(2 * time.Second):
		}
	}
	if socketPath != "" {
		_ = os.Remove(socketPath)
	}
	return nil
}

func (s *Session) ensureOpen() error {
	if s == nil {
		return browser.ErrSessionClosed
	}
	if s.client == nil {
		return browser.ErrUnavailable
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return browser.ErrSessionClosed
	}
	return nil
}

// reconnect re-establishes the daemon connection after a dropped socket.
func (s *Session) reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return browser.ErrSessionClosed
	}
	if s.reconnectAttempt >= s.maxReconnects {
		s.mu.Unlock()
		return browser.ErrEngineLost
	}
	s.reconnectAttempt++
	oldClient := s.client
	socketPath := s.socketPath
	connectTimeout := s.connectTimeout
	s.mu.Unlock()

	if oldClient != nil {
		_ = oldClient.close()
	}

	conn, err := dialPilotd(ctx, socketPath, connectTimeout)
	if err != nil {
		return fmt.Errorf("reconnect pilotd: %w", err)
	}
	fresh := newClient(conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = fresh.close()
		return browser.ErrSessionClosed
	}
	s.client = fresh
	s.reconnectAttempt = 0
	s.mu.Unlock()
	return nil
}

func (s *Session) sendWithReconnect(ctx context.Context, req *request) (*response, error) {
	resp, err := s.client.send(ctx, req)
	if err == nil {
		return resp, nil
	}
	if isTimeoutError(err) || !isNetworkError(err) {
		return nil, err
	}
	if err := s.reconnect(ctx); err != nil {
		return nil, err
	}
	return s.client.send(ctx, req)
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "use of closed")
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// withOperationTimeout applies the adapter's operation timeout unless the
// context already carries a deadline.
func (s *Session) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	timeout := s.operationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
