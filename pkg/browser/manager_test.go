package browser

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

type fakeSession struct {
	id     string
	closed atomic.Bool
}

func (f *fakeSession) ID() string { return f.id }
func (f *fakeSession) Navigate(ctx context.Context, url string) (Result, error) {
	return Result{"url": url}, nil
}
func (f *fakeSession) Click(ctx context.Context, selector string) (Result, error) {
	return Result{}, nil
}
func (f *fakeSession) TypeText(ctx context.Context, selector, text string) (Result, error) {
	return Result{}, nil
}
func (f *fakeSession) Extract(ctx context.Context, selector, attribute string) (Result, error) {
	return Result{}, nil
}
func (f *fakeSession) ExecuteScript(ctx context.Context, script string) (Result, error) {
	return Result{}, nil
}
func (f *fakeSession) Scroll(ctx context.Context, x, y int) (Result, error) {
	return Result{}, nil
}
func (f *fakeSession) Screenshot(ctx context.Context, format ScreenshotFormat) (Result, error) {
	return Result{}, nil
}
func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeRuntime struct {
	created atomic.Int64
	fail    bool
}

func (f *fakeRuntime) NewSession(ctx context.Context, cfg SessionConfig) (BrowserSession, error) {
	if f.fail {
		return nil, errors.New("boom")
	}
	f.created.Add(1)
	return &fakeSession{id: cfg.SessionID}, nil
}

func (f *fakeRuntime) Close() error { return nil }

func TestEnsureSessionCreatesOnce(t *testing.T) {
	rt := &fakeRuntime{}
	m := NewManager(rt)

	first, err := m.EnsureSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	second, err := m.EnsureSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("EnsureSession again: %v", err)
	}
	if first != second {
		t.Error("second EnsureSession should return the same instance")
	}
	if rt.created.Load() != 1 {
		t.Errorf("runtime created %d sessions, want 1", rt.created.Load())
	}
}

func TestEnsureSessionPropagatesRuntimeError(t *testing.T) {
	m := NewManager(&fakeRuntime{fail: true})
	if _, err := m.EnsureSession(context.Background(), "sess-1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNilRuntimeUnavailable(t *testing.T) {
	m := NewManager(nil)
	if m.Available() {
		t.Error("nil runtime should not be available")
	}
	if _, err := m.EnsureSession(context.Background(), "sess-1"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestCloseSessionRemovesAndCloses(t *testing.T) {
	rt := &fakeRuntime{}
	m := NewManager(rt)
	sess, _ := m.EnsureSession(context.Background(), "sess-1")

	if err := m.CloseSession("sess-1"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if !sess.(*fakeSession).closed.Load() {
		t.Error("underlying session should be closed")
	}
	if _, ok := m.GetSession("sess-1"); ok {
		t.Error("session should be removed")
	}
	// Closing an unknown session is a no-op.
	if err := m.CloseSession("sess-missing"); err != nil {
		t.Errorf("CloseSession(missing): %v", err)
	}
}

func TestManagerCloseDrainsAll(t *testing.T) {
	rt := &fakeRuntime{}
	m := NewManager(rt)
	a, _ := m.EnsureSession(context.Background(), "sess-a")
	b, _ := m.EnsureSession(context.Background(), "sess-b")

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !a.(*fakeSession).closed.Load() || !b.(*fakeSession).closed.Load() {
		t.Error("all sessions should be closed")
	}
}
