package controlplane

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/forgehq/forge/internal/model"
	"github.com/forgehq/forge/internal/transport"
)

// Fanout is the per-project browser-socket registry: every browser watching
// a project's build receives every canonical update persisted for it.
// Grounded on the teacher's realtimeByEndpoint / realtimeWriters maps
// (internal/ai/realtime_sink.go SubscribeEndpoint/DetachRealtimeSink),
// adapted from endpoint-scoped RPC streams to project-scoped WebSocket
// connections.
type Fanout struct {
	mu   sync.Mutex
	subs map[string]map[*transport.Conn]struct{} // project id -> subscriber set
	log  *slog.Logger
}

func NewFanout(log *slog.Logger) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{subs: make(map[string]map[*transport.Conn]struct{}), log: log}
}

func (f *Fanout) Subscribe(projectID string, conn *transport.Conn) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" || conn == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.subs[projectID]
	if set == nil {
		set = make(map[*transport.Conn]struct{})
		f.subs[projectID] = set
	}
	set[conn] = struct{}{}
}

func (f *Fanout) Unsubscribe(projectID string, conn *transport.Conn) {
	projectID = strings.TrimSpace(projectID)
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.subs[projectID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(f.subs, projectID)
	}
}

func (f *Fanout) subscribers(projectID string) []*transport.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.subs[projectID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*transport.Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Broadcast sends env to every browser subscribed to projectID. A send that
// fails (slow/dead subscriber) is logged and dropped, never retried inline
// -- the per-connection writer's own backpressure policy (internal/transport
// .Conn.Send) already decided the connection is terminal by the time this
// returns an error.
func (f *Fanout) Broadcast(projectID string, env transport.Envelope) {
	for _, conn := range f.subscribers(projectID) {
		if err := conn.Send(env); err != nil {
			f.log.Warn("fanout: dropping subscriber", "project_id", projectID, "error", err)
			f.Unsubscribe(projectID, conn)
		}
	}
}

// BroadcastRecovery sends a full state-recovery snapshot to one newly
// connected browser instead of to every subscriber, mirroring the teacher's
// SubscribeEndpoint returning ListActiveThreadRuns synchronously to the
// caller instead of broadcasting it.
func BroadcastRecovery(conn *transport.Conn, snap model.RecoverySnapshot) error {
	env, err := transport.Encode(transport.KindStateRecovery, 0, snap)
	if err != nil {
		return err
	}
	return conn.Send(env)
}
