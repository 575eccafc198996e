// Package broker accepts browser-control commands for a session, picks an
// execution backend, dispatches, and correlates the eventual result against
// the waiting caller.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/webpilot/pkg/agenthub"
	"github.com/odvcencio/webpilot/pkg/browser"
	"github.com/odvcencio/webpilot/pkg/errors"
	"github.com/odvcencio/webpilot/pkg/session"
	"github.com/odvcencio/webpilot/pkg/telemetry"
)

// AgentGateway is the slice of the connection manager the broker needs.
type AgentGateway interface {
	Connected(sessionID string) bool
	Send(sessionID string, msg agenthub.ServerMessage) error
}

// LocalBackend is the slice of the browser manager the broker needs.
type LocalBackend interface {
	Available() bool
	EnsureSession(ctx context.Context, sessionID string) (browser.BrowserSession, error)
	CloseSession(sessionID string) error
	Close() error
}

// CommandLog is an optional audit sink for terminal command records.
type CommandLog interface {
	Append(ctx context.Context, rec session.CommandRecord) error
}

// Config carries broker tuning knobs.
type Config struct {
	DefaultTimeout time.Duration
	QueueDepth     int
	Hub            *telemetry.Hub
	Logger         *slog.Logger
	Audit          CommandLog
}

// SubmitRequest is one command submission.
type SubmitRequest struct {
	Type    string
	Payload json.RawMessage
	Timeout time.Duration
	Backend Override
}

type task struct {
	cmd      *session.Command
	fields   map[string]any
	override Override
}

type sessionExecutor struct {
	tasks chan *task
	stop  chan struct{}
}

// Broker is the command dispatch-and-correlation engine.
type Broker struct {
	registry *session.Registry
	conns    AgentGateway
	browsers LocalBackend

	pending *correlationTable

	cmdMu    sync.RWMutex
	commands map[string]*session.Command

	execMu     sync.Mutex
	executors  map[string]*sessionExecutor
	execCancel map[string]context.CancelFunc

	defaultTimeout time.Duration
	queueDepth     int
	hub            *telemetry.Hub
	logger         *slog.Logger
	audit          CommandLog
}

// New constructs a broker. Register it as the connection manager's sink and
// as a registry teardown hook.
func New(registry *session.Registry, conns AgentGateway, browsers LocalBackend, cfg Config) *Broker {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broker{
		registry:       registry,
		conns:          conns,
		browsers:       browsers,
		pending:        newCorrelationTable(),
		commands:       make(map[string]*session.Command),
		executors:      make(map[string]*sessionExecutor),
		execCancel:     make(map[string]context.CancelFunc),
		defaultTimeout: cfg.DefaultTimeout,
		queueDepth:     cfg.QueueDepth,
		hub:            cfg.Hub,
		logger:         cfg.Logger,
		audit:          cfg.Audit,
	}
}

// Submit accepts a command for a session and suspends the caller until the
// command reaches a terminal state. The returned record is always valid;
// the error is non-nil for every outcome other than completed.
func (b *Broker) Submit(ctx context.Context, sessionID string, req SubmitRequest) (session.CommandRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "broker.submit")
	defer span.End()
	telemetry.SetAttributes(ctx,
		telemetry.AttrSessionID.String(sessionID),
		telemetry.AttrCommandType.String(req.Type),
	)

	sess, err := b.registry.Get(sessionID)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return session.CommandRecord{}, err
	}
	if sess.Status() == session.StatusExpired {
		err := errors.Newf(errors.ErrCodeNotFound, "session %s expired", sessionID)
		telemetry.RecordError(ctx, err)
		return session.CommandRecord{}, err
	}
	if paused, reason := sess.Paused(); paused {
		return session.CommandRecord{}, errors.Newf(errors.ErrCodeSessionPaused,
			"session %s is paused: %s", sessionID, reason)
	}
	fields, err := validateCommand(req.Type, req.Payload)
	if err != nil {
		return session.CommandRecord{}, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	cmd := session.NewCommand(uuid.NewString(), sessionID, req.Type, req.Payload, timeout)
	telemetry.SetAttributes(ctx, telemetry.AttrCommandID.String(cmd.ID()))
	b.cmdMu.Lock()
	b.commands[cmd.ID()] = cmd
	b.cmdMu.Unlock()
	sess.AppendCommand(cmd)

	entry := b.pending.register(cmd.ID(), sessionID, timeout, func() {
		b.timeoutCommand(cmd.ID())
	})
	metricCommandsSubmitted.WithLabelValues(req.Type).Inc()
	metricPendingCommands.Inc()
	b.publish(telemetry.EventCommandAccepted, sessionID, cmd.ID(), map[string]any{"type": req.Type})

	if !b.enqueue(sessionID, &task{cmd: cmd, fields: fields, override: req.Backend}) {
		metricQueueRejections.Inc()
		b.pending.resolve(cmd.ID(), outcome{
			status: session.CommandFailed,
			err: errors.Newf(errors.ErrCodeQueueFull,
				"session %s command queue is full (depth %d)", sessionID, b.queueDepth),
		})
	}

	var out outcome
	select {
	case out = <-entry.ch:
	case <-ctx.Done():
		// Caller went away; cancel if nothing else resolved first.
		b.pending.resolve(cmd.ID(), outcome{
			status: session.CommandCancelled,
			err:    errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "caller abandoned the command"),
		})
		out = <-entry.ch
	}
	rec := b.finalize(cmd, out)
	telemetry.SetAttributes(ctx, telemetry.AttrBackend.String(rec.BackendUsed))
	if out.err != nil {
		telemetry.RecordError(ctx, out.err)
	}
	return rec, out.errOrNil()
}

func (o outcome) errOrNil() error {
	if o.err == nil {
		return nil
	}
	return o.err
}

// finalize applies the single terminal transition, records observability
// signals, and returns the caller-visible record.
func (b *Broker) finalize(cmd *session.Command, out outcome) session.CommandRecord {
	switch out.status {
	case session.CommandCompleted:
		cmd.Complete(out.result)
	default:
		msg := ""
		if out.err != nil {
			msg = out.err.Error()
		}
		cmd.Fail(out.status, msg)
	}
	metricPendingCommands.Dec()

	rec := cmd.Record()
	backend := rec.BackendUsed
	if backend == "" {
		backend = "none"
	}
	metricCommandsResolved.WithLabelValues(string(rec.Status), backend).Inc()
	if rec.CompletedAt != nil {
		metricCommandDuration.WithLabelValues(backend).Observe(rec.CompletedAt.Sub(rec.CreatedAt).Seconds())
	}

	switch rec.Status {
	case session.CommandCompleted:
		b.publish(telemetry.EventCommandCompleted, rec.SessionID, rec.ID, nil)
	case session.CommandTimeout:
		b.publish(telemetry.EventCommandTimeout, rec.SessionID, rec.ID, nil)
	case session.CommandCancelled:
		b.publish(telemetry.EventCommandCancelled, rec.SessionID, rec.ID, nil)
	default:
		b.publish(telemetry.EventCommandFailed, rec.SessionID, rec.ID, map[string]any{"error": rec.Error})
	}

	if b.audit != nil {
		auditCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := b.audit.Append(auditCtx, rec); err != nil {
			b.logger.Warn("audit append failed", "command_id", rec.ID, "error", err)
		}
		cancel()
	}
	return rec
}

// enqueue hands a task to the session's executor, creating it on first use.
// Returns false when the bounded queue is full.
func (b *Broker) enqueue(sessionID string, t *task) bool {
	b.execMu.Lock()
	ex, ok := b.executors[sessionID]
	if !ok {
		ex = &sessionExecutor{
			tasks: make(chan *task, b.queueDepth),
			stop:  make(chan struct{}),
		}
		b.executors[sessionID] = ex
		go b.runExecutor(ex)
	}
	b.execMu.Unlock()

	select {
	case ex.tasks <- t:
		return true
	default:
		return false
	}
}

// runExecutor drains one session's queue strictly in order, one command at
// a time across both backends.
func (b *Broker) runExecutor(ex *sessionExecutor) {
	for {
		select {
		case t := <-ex.tasks:
			b.execute(t)
		case <-ex.stop:
			return
		}
	}
}

func (b *Broker) execute(t *task) {
	id := t.cmd.ID()
	entry, live := b.pending.lookup(id)
	if !live {
		// Timed out or cancelled while queued.
		return
	}
	sessionID := t.cmd.SessionID()

	backend, err := SelectBackend(b.conns.Connected(sessionID), b.browsers.Available(), t.override)
	if err != nil {
		b.pending.resolve(id, outcome{status: session.CommandFailed, err: err.(*errors.Error)})
		return
	}
	if !t.cmd.MarkExecuting(string(backend)) {
		return
	}
	b.publish(telemetry.EventCommandDispatched, sessionID, id, map[string]any{"backend": string(backend)})

	switch backend {
	case BackendRemote:
		b.dispatchRemote(t, entry)
	case BackendLocal:
		b.dispatchLocal(t)
	}
}

// dispatchRemote pushes the command to the agent channel and holds the
// session executor until the correlation resolves, keeping at most one
// remote command in flight per session.
func (b *Broker) dispatchRemote(t *task, entry *pendingEntry) {
	id := t.cmd.ID()
	sessionID := t.cmd.SessionID()
	b.pending.markRemote(id)

	err := b.conns.Send(sessionID, agenthub.ServerMessage{
		Type:      agenthub.MsgCommand,
		CommandID: id,
		Command: &agenthub.CommandPayload{
			Type:      t.cmd.Type(),
			Payload:   t.cmd.Payload(),
			TimeoutMs: t.cmd.Timeout().Milliseconds(),
		},
	})
	if err != nil {
		b.pending.resolve(id, outcome{
			status: session.CommandFailed,
			err:    errors.Wrap(err, errors.ErrCodeConnectionLost, "command dispatch failed"),
		})
		return
	}
	<-entry.done
}

// dispatchLocal runs the command against the session's headless browser.
func (b *Broker) dispatchLocal(t *task) {
	id := t.cmd.ID()
	sessionID := t.cmd.SessionID()

	ctx, cancel := context.WithTimeout(context.Background(), t.cmd.Timeout())
	defer cancel()
	b.execMu.Lock()
	b.execCancel[id] = cancel
	b.execMu.Unlock()
	defer func() {
		b.execMu.Lock()
		delete(b.execCancel, id)
		b.execMu.Unlock()
	}()

	bs, err := b.browsers.EnsureSession(ctx, sessionID)
	if err != nil {
		b.pending.resolve(id, outcome{
			status: session.CommandFailed,
			err:    errors.Wrap(err, errors.ErrCodeExecutionFailed, "browser session unavailable"),
		})
		return
	}

	result, err := runPrimitive(ctx, bs, t.cmd.Type(), t.fields)
	if err != nil {
		b.pending.resolve(id, outcome{
			status: session.CommandFailed,
			err:    errors.Wrap(err, errors.ErrCodeExecutionFailed, describeEngineError(t.cmd.Type(), err)),
		})
		return
	}
	b.pending.resolve(id, outcome{status: session.CommandCompleted, result: result})
}

func runPrimitive(ctx context.Context, bs browser.BrowserSession, cmdType string, fields map[string]any) (map[string]any, error) {
	switch cmdType {
	case CmdNavigate:
		return bs.Navigate(ctx, stringField(fields, "url"))
	case CmdClick:
		return bs.Click(ctx, stringField(fields, "selector"))
	case CmdTypeText:
		return bs.TypeText(ctx, stringField(fields, "selector"), stringField(fields, "text"))
	case CmdExtract:
		return bs.Extract(ctx, stringField(fields, "selector"), stringField(fields, "attribute"))
	case CmdExecuteScript:
		return bs.ExecuteScript(ctx, stringField(fields, "script"))
	case CmdScroll:
		return bs.Scroll(ctx, intField(fields, "x"), intField(fields, "y"))
	case CmdScreenshot:
		return bs.Screenshot(ctx, browser.ScreenshotFormat(stringField(fields, "format")))
	}
	return nil, errors.Newf(errors.ErrCodeInvalidCommand, "unknown command type %q", cmdType)
}

func (b *Broker) timeoutCommand(commandID string) {
	resolved := b.pending.resolve(commandID, outcome{
		status: session.CommandTimeout,
		err:    errors.Newf(errors.ErrCodeTimeout, "command %s timed out", commandID),
	})
	if resolved {
		b.logger.Warn("command timed out", "command_id", commandID)
	}
}

// HandleCommandResult delivers an agent result. Results for already-resolved
// commands are recorded to history only; they never re-resolve a caller.
func (b *Broker) HandleCommandResult(sessionID, commandID string, success bool, result map[string]any, errMsg string) {
	var out outcome
	if success {
		out = outcome{status: session.CommandCompleted, result: result}
	} else {
		out = outcome{
			status: session.CommandFailed,
			err:    errors.Newf(errors.ErrCodeExecutionFailed, "%s", errMsg),
		}
	}
	if b.pending.resolve(commandID, out) {
		return
	}

	cmd := b.command(commandID)
	if cmd == nil || cmd.SessionID() != sessionID {
		b.logger.Warn("result for unknown command", "command_id", commandID, "session_id", sessionID)
		return
	}
	late := result
	if late == nil {
		late = map[string]any{"success": success, "error": errMsg}
	}
	cmd.AttachLateResult(late)
	metricLateResults.Inc()
	b.logger.Info("late result recorded", "command_id", commandID, "session_id", sessionID)
	b.publish(telemetry.EventCommandLateResult, sessionID, commandID, nil)

	if b.audit != nil {
		auditCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := b.audit.Append(auditCtx, cmd.Record()); err != nil {
			b.logger.Warn("audit append failed", "command_id", commandID, "error", err)
		}
		cancel()
	}
}

// ConnectionLost fails every in-flight remote command for the session so no
// caller is left suspended past connection teardown.
func (b *Broker) ConnectionLost(sessionID, reason string) {
	failed := b.pending.failSession(sessionID, true, outcome{
		status: session.CommandFailed,
		err:    errors.Newf(errors.ErrCodeConnectionLost, "agent connection lost: %s", reason),
	})
	if len(failed) > 0 {
		b.logger.Warn("failed in-flight commands on connection loss",
			"session_id", sessionID, "count", len(failed), "reason", reason)
	}
}

// Cancel rejects the waiting caller for a pending or executing command and
// notifies the remote peer best-effort. Cancelling a terminal command is a
// no-op returning a not-cancellable error.
func (b *Broker) Cancel(commandID string) error {
	cmd := b.command(commandID)
	if cmd == nil {
		return errors.Newf(errors.ErrCodeNotFound, "command %s not found", commandID)
	}
	entry, live := b.pending.lookup(commandID)
	if !live {
		return errors.Newf(errors.ErrCodeNotFound, "command %s is not cancellable (already terminal)", commandID)
	}

	resolved := b.pending.resolve(commandID, outcome{
		status: session.CommandCancelled,
		err:    errors.Newf(errors.ErrCodeCancelled, "command %s cancelled by caller", commandID),
	})
	if !resolved {
		return errors.Newf(errors.ErrCodeNotFound, "command %s is not cancellable (already terminal)", commandID)
	}

	if entry.remote {
		// Best-effort: the agent may abort in-page work.
		_ = b.conns.Send(cmd.SessionID(), agenthub.ServerMessage{
			Type:      agenthub.MsgCancelCommand,
			CommandID: commandID,
		})
	}
	b.execMu.Lock()
	cancel := b.execCancel[commandID]
	b.execMu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// ListCommands returns a session's history, optionally filtered.
func (b *Broker) ListCommands(sessionID string, status session.CommandStatus, limit int) ([]session.CommandRecord, error) {
	sess, err := b.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Commands(status, limit), nil
}

// GetCommand returns a single command record by id.
func (b *Broker) GetCommand(commandID string) (session.CommandRecord, error) {
	cmd := b.command(commandID)
	if cmd == nil {
		return session.CommandRecord{}, errors.Newf(errors.ErrCodeNotFound, "command %s not found", commandID)
	}
	return cmd.Record(), nil
}

// PauseSession blocks new dispatch for the session until resumed.
func (b *Broker) PauseSession(sessionID, reason string) error {
	sess, err := b.registry.Get(sessionID)
	if err != nil {
		return err
	}
	sess.Pause(reason)
	b.publish(telemetry.EventSessionPaused, sessionID, "", map[string]any{"reason": reason})
	return nil
}

// ResumeSession lifts a pause.
func (b *Broker) ResumeSession(sessionID string) error {
	sess, err := b.registry.Get(sessionID)
	if err != nil {
		return err
	}
	sess.Resume()
	b.publish(telemetry.EventSessionResumed, sessionID, "", nil)
	return nil
}

// PendingCount reports the number of in-flight commands.
func (b *Broker) PendingCount() int {
	return b.pending.size()
}

// SessionTeardown releases per-session broker state. Registered as a
// registry teardown hook so deletion and expiry cancel waiting callers and
// destroy the session's browser instance.
func (b *Broker) SessionTeardown(sessionID, reason string) {
	b.pending.failSession(sessionID, false, outcome{
		status: session.CommandCancelled,
		err:    errors.Newf(errors.ErrCodeCancelled, "session %s: %s", sessionID, reason),
	})

	b.execMu.Lock()
	if ex, ok := b.executors[sessionID]; ok {
		close(ex.stop)
		delete(b.executors, sessionID)
	}
	b.execMu.Unlock()

	if b.browsers != nil {
		if err := b.browsers.CloseSession(sessionID); err != nil {
			b.logger.Warn("browser teardown failed", "session_id", sessionID, "error", err)
		}
	}

	b.cmdMu.Lock()
	for id, cmd := range b.commands {
		if cmd.SessionID() == sessionID {
			delete(b.commands, id)
		}
	}
	b.cmdMu.Unlock()
}

// Shutdown cancels every waiting caller, stops executors, and drains all
// browser instances.
func (b *Broker) Shutdown() {
	b.pending.failAll(outcome{
		status: session.CommandCancelled,
		err:    errors.New(errors.ErrCodeCancelled, "server shutting down"),
	})

	b.execMu.Lock()
	for id, ex := range b.executors {
		close(ex.stop)
		delete(b.executors, id)
	}
	b.execMu.Unlock()

	if b.browsers != nil {
		if err := b.browsers.Close(); err != nil {
			b.logger.Warn("browser shutdown error", "error", err)
		}
	}
}

func (b *Broker) command(commandID string) *session.Command {
	b.cmdMu.RLock()
	defer b.cmdMu.RUnlock()
	return b.commands[commandID]
}

func (b *Broker) publish(eventType telemetry.EventType, sessionID, commandID string, data map[string]any) {
	if b.hub == nil {
		return
	}
	b.hub.Publish(telemetry.Event{
		Type:      eventType,
		SessionID: sessionID,
		CommandID: commandID,
		Data:      data,
	})
}
