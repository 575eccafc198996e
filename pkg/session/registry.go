package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/webpilot/pkg/errors"
	"github.com/odvcencio/webpilot/pkg/telemetry"
)

// expiredRetention is how long an expired session record stays visible
// before the sweeper removes it entirely.
const expiredRetention = 5 * time.Minute

// TeardownFunc is invoked when a session is deleted or expires, before its
// record disappears. Registered by the connection manager and command broker
// to release per-session resources.
type TeardownFunc func(sessionID string, reason string)

// RegistryConfig carries registry tuning knobs.
type RegistryConfig struct {
	MaxSessions    int
	SessionTimeout time.Duration
	SweepInterval  time.Duration
	Hub            *telemetry.Hub
	Logger         *slog.Logger
}

// Registry tracks every live session and expires the idle ones.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	maxSessions    int
	sessionTimeout time.Duration
	sweepInterval  time.Duration

	hub    *telemetry.Hub
	logger *slog.Logger

	teardownMu sync.Mutex
	onTeardown []TeardownFunc

	totalConnections atomic.Int64
	startedAt        time.Time

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRegistry constructs a registry from config, filling zero values with
// safe defaults.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 100
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		sessions:       make(map[string]*Session),
		maxSessions:    cfg.MaxSessions,
		sessionTimeout: cfg.SessionTimeout,
		sweepInterval:  cfg.SweepInterval,
		hub:            cfg.Hub,
		logger:         cfg.Logger,
		startedAt:      time.Now(),
		stopChan:       make(chan struct{}),
	}
}

// OnTeardown registers a callback to run when any session is torn down.
func (r *Registry) OnTeardown(fn TeardownFunc) {
	r.teardownMu.Lock()
	r.onTeardown = append(r.onTeardown, fn)
	r.teardownMu.Unlock()
}

// Create registers a new session. Fails with CAPACITY_EXCEEDED when the
// registry is full.
func (r *Registry) Create(metadata map[string]string) (*Session, error) {
	r.mu.Lock()
	if len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeCapacityExceeded,
			"session limit reached (%d)", r.maxSessions)
	}
	sess := newSession(NewSessionID(), metadata)
	r.sessions[sess.id] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session created", "session_id", sess.id, "active_sessions", count)
	r.publish(telemetry.EventSessionCreated, sess.id, nil)
	return sess, nil
}

// Get returns a session by id and refreshes its activity timestamp. Expired
// sessions come back untouched so lookups during the retention window cannot
// defer their removal.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "session %s not found", id)
	}
	if sess.Status() != StatusExpired {
		sess.Touch()
	}
	return sess, nil
}

// Peek returns a session without touching its activity timestamp. Used by
// observation paths (listing, sweeping) that must not keep sessions alive.
func (r *Registry) Peek(id string) (*Session, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	return sess, ok
}

// List returns snapshots of every registered session.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Snapshot())
	}
	return infos
}

// Stats summarizes registry state for operational endpoints.
type Stats struct {
	ActiveSessions   int            `json:"activeSessions"`
	SessionsByStatus map[Status]int `json:"sessionsByStatus"`
	TotalConnections int64          `json:"totalConnections"`
	UptimeSeconds    int64          `json:"uptimeSeconds"`
}

// Stats returns aggregate counters.
func (r *Registry) Stats() Stats {
	byStatus := make(map[Status]int)
	infos := r.List()
	for _, info := range infos {
		byStatus[info.Status]++
	}
	return Stats{
		ActiveSessions:   len(infos),
		SessionsByStatus: byStatus,
		TotalConnections: r.totalConnections.Load(),
		UptimeSeconds:    int64(time.Since(r.startedAt).Seconds()),
	}
}

// RecordConnection bumps the lifetime connection counter.
func (r *Registry) RecordConnection() {
	r.totalConnections.Add(1)
}

// Delete removes a session and runs teardown callbacks. Returns false when
// the session does not exist.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.runTeardown(id, "deleted")
	r.logger.Info("session deleted", "session_id", id, "status", sess.Status())
	r.publish(telemetry.EventSessionDeleted, id, nil)
	return true
}

// SweepExpired marks sessions idle past the timeout as expired, tears down
// their resources, and drops expired records older than the retention window.
// Returns the ids newly expired in this pass.
func (r *Registry) SweepExpired() []string {
	now := time.Now()

	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		candidates = append(candidates, sess)
	}
	r.mu.RUnlock()

	var newlyExpired []string
	var remove []string
	for _, sess := range candidates {
		switch sess.Status() {
		case StatusExpired:
			if now.Sub(sess.LastActivity()) > r.sessionTimeout+expiredRetention {
				remove = append(remove, sess.id)
			}
		default:
			if now.Sub(sess.LastActivity()) > r.sessionTimeout {
				sess.SetStatus(StatusExpired)
				newlyExpired = append(newlyExpired, sess.id)
			}
		}
	}

	for _, id := range newlyExpired {
		r.runTeardown(id, "expired")
		r.logger.Info("session expired", "session_id", id)
		r.publish(telemetry.EventSessionExpired, id, nil)
	}

	if len(remove) > 0 {
		r.mu.Lock()
		for _, id := range remove {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		// Teardown runs again on final removal; anything recreated for the
		// session since it expired is released here.
		for _, id := range remove {
			r.runTeardown(id, "expired record removed")
			r.logger.Info("expired session removed", "session_id", id)
		}
	}
	return newlyExpired
}

// Start runs the expiry sweep loop until ctx is done or Shutdown is called.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.SweepExpired()
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		}
	}
}

// Shutdown stops the sweep loop and tears down every remaining session.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopChan) })

	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, id := range ids {
		r.runTeardown(id, "shutdown")
	}
	if len(ids) > 0 {
		r.logger.Info("registry shut down", "drained_sessions", len(ids))
	}
}

func (r *Registry) runTeardown(id, reason string) {
	r.teardownMu.Lock()
	callbacks := make([]TeardownFunc, len(r.onTeardown))
	copy(callbacks, r.onTeardown)
	r.teardownMu.Unlock()
	for _, fn := range callbacks {
		fn(id, reason)
	}
}

func (r *Registry) publish(eventType telemetry.EventType, sessionID string, data map[string]any) {
	if r.hub == nil {
		return
	}
	r.hub.Publish(telemetry.Event{Type: eventType, SessionID: sessionID, Data: data})
}
