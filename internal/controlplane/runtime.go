// Package controlplane implements the Control Plane: it terminates the
// runner link and the browser fanout link, serializes all writes to a
// session through a per-session actor, and persists every canonical update
// through the Event Store before broadcasting it.
package controlplane

import (
	"strings"
	"sync"

	"github.com/forgehq/forge/internal/events"
	"github.com/forgehq/forge/internal/transport"
)

// sessionRuntime is the live, in-memory counterpart to a persisted Session
// row: the update-normalization tracker and the runner connection currently
// authoritative for it. Replaces the teacher's scattered globals
// (activeRunByTh, activeTodoIndexes, finalizedSessions, startedSessions --
// see internal/ai/service.go and internal/ai/todos.go) with one struct per
// session, held in one table.
type sessionRuntime struct {
	tracker   *events.Tracker
	runnerID  string
	projectID string
}

// RuntimeTable is the Control Plane's single source of in-memory session
// state, guarded by one mutex. Grounded on the teacher's Service.mu-guarded
// maps (internal/ai/service.go), collapsed from several parallel maps into
// one keyed by session id.
type RuntimeTable struct {
	mu    sync.Mutex
	byID  map[string]*sessionRuntime
	close bool
}

func NewRuntimeTable() *RuntimeTable {
	return &RuntimeTable{byID: make(map[string]*sessionRuntime)}
}

func (t *RuntimeTable) getOrCreate(sessionID, runnerID, projectID string) *sessionRuntime {
	sessionID = strings.TrimSpace(sessionID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if rt := t.byID[sessionID]; rt != nil {
		return rt
	}
	rt := &sessionRuntime{
		tracker:   events.NewTracker(sessionID),
		runnerID:  runnerID,
		projectID: projectID,
	}
	t.byID[sessionID] = rt
	return rt
}

func (t *RuntimeTable) get(sessionID string) *sessionRuntime {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[sessionID]
}

// Forget drops a session's in-memory tracker once it has gone terminal and
// its recovery snapshot is durable in the store; the store, not this table,
// remains the source of truth for reconnecting clients.
func (t *RuntimeTable) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, sessionID)
}

// MarkFinalized marks sessionID's tracker finalized without removing it, so
// a runner-event that arrives afterwards is dropped by the session actor
// (Tracker.Apply) even though the control plane itself decided the session
// was terminal -- a cancel-timeout (E4) or an orphan resume-window failover
// (E5) -- rather than the runner's own terminal event relaying it.
func (t *RuntimeTable) MarkFinalized(sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	t.mu.Lock()
	defer t.mu.Unlock()
	rt := t.byID[sessionID]
	if rt == nil {
		rt = &sessionRuntime{tracker: events.NewTracker(sessionID)}
		t.byID[sessionID] = rt
	}
	rt.tracker.Finalized = true
}

// RunnerLink tracks the live *transport.Conn for a connected runner, keyed
// by runner id, so the command queue and cancel-build path can reach it
// without a broadcast.
type RunnerLink struct {
	mu    sync.Mutex
	byID  map[string]*transport.Conn
}

func NewRunnerLink() *RunnerLink {
	return &RunnerLink{byID: make(map[string]*transport.Conn)}
}

func (l *RunnerLink) Set(runnerID string, conn *transport.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[runnerID] = conn
}

func (l *RunnerLink) Clear(runnerID string, conn *transport.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byID[runnerID] == conn {
		delete(l.byID, runnerID)
	}
}

func (l *RunnerLink) Get(runnerID string) *transport.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byID[runnerID]
}
