package broker

import (
	"sync"
	"time"

	"github.com/odvcencio/webpilot/pkg/errors"
	"github.com/odvcencio/webpilot/pkg/session"
)

// outcome is the single answer delivered to a suspended submitter.
type outcome struct {
	status session.CommandStatus
	result map[string]any
	err    *errors.Error
}

// pendingEntry links an in-flight command id to its suspended caller. The
// timeout timer races result delivery, cancellation and connection loss;
// resolve applies first-writer-wins atomically with timer cancellation.
type pendingEntry struct {
	commandID string
	sessionID string
	createdAt time.Time

	ch    chan outcome
	done  chan struct{}
	timer *time.Timer

	// remote flips to true once the command has been pushed to an agent
	// channel; only remote in-flight entries fail on connection loss.
	remote bool
}

// correlationTable is the broker's lock-protected pending-command index.
type correlationTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{entries: make(map[string]*pendingEntry)}
}

// register creates a pending entry with its timeout timer armed. onTimeout
// runs in the timer goroutine when the deadline wins the race.
func (t *correlationTable) register(commandID, sessionID string, timeout time.Duration, onTimeout func()) *pendingEntry {
	entry := &pendingEntry{
		commandID: commandID,
		sessionID: sessionID,
		createdAt: time.Now(),
		ch:        make(chan outcome, 1),
		done:      make(chan struct{}),
	}
	entry.timer = time.AfterFunc(timeout, onTimeout)

	t.mu.Lock()
	t.entries[commandID] = entry
	t.mu.Unlock()
	return entry
}

// markRemote flags the entry as dispatched over an agent channel.
func (t *correlationTable) markRemote(commandID string) {
	t.mu.Lock()
	if entry, ok := t.entries[commandID]; ok {
		entry.remote = true
	}
	t.mu.Unlock()
}

// lookup returns the live entry for a command id.
func (t *correlationTable) lookup(commandID string) (*pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[commandID]
	return entry, ok
}

// resolve delivers the outcome for a command id. The first writer wins:
// the entry is removed and its timer stopped under the lock, so a racing
// timeout and result can never both reach the caller. Returns false when
// the command was already resolved.
func (t *correlationTable) resolve(commandID string, out outcome) bool {
	t.mu.Lock()
	entry, ok := t.entries[commandID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.entries, commandID)
	entry.timer.Stop()
	t.mu.Unlock()

	entry.ch <- out
	close(entry.done)
	return true
}

// failSession resolves every matching pending entry for a session with the
// given outcome. When remoteOnly is set, entries not yet dispatched to an
// agent are left alone.
func (t *correlationTable) failSession(sessionID string, remoteOnly bool, out outcome) []string {
	t.mu.Lock()
	var victims []*pendingEntry
	for _, entry := range t.entries {
		if entry.sessionID != sessionID {
			continue
		}
		if remoteOnly && !entry.remote {
			continue
		}
		victims = append(victims, entry)
	}
	for _, entry := range victims {
		delete(t.entries, entry.commandID)
		entry.timer.Stop()
	}
	t.mu.Unlock()

	ids := make([]string, 0, len(victims))
	for _, entry := range victims {
		entry.ch <- out
		close(entry.done)
		ids = append(ids, entry.commandID)
	}
	return ids
}

// failAll resolves every pending entry; used on shutdown.
func (t *correlationTable) failAll(out outcome) []string {
	t.mu.Lock()
	victims := make([]*pendingEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		victims = append(victims, entry)
	}
	t.entries = make(map[string]*pendingEntry)
	for _, entry := range victims {
		entry.timer.Stop()
	}
	t.mu.Unlock()

	ids := make([]string, 0, len(victims))
	for _, entry := range victims {
		entry.ch <- out
		close(entry.done)
		ids = append(ids, entry.commandID)
	}
	return ids
}

// size returns the number of in-flight entries.
func (t *correlationTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
