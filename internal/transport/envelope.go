// Package transport implements the JSON-over-WebSocket wire protocol shared
// by the runner<->control-plane link and the control-plane<->browser fanout
// link. Both sides exchange Envelope frames; the Kind field discriminates
// the payload the same way the teacher's RPC type-id scheme (controlRPCType*
// constants in internal/agent/agent.go) discriminates control messages, but
// as a string tag instead of a numeric RPC type since this wire has no
// shared proto/IDL between the two processes.
package transport

import "encoding/json"

// Kinds sent by a runner to the control plane.
const (
	KindHello           = "hello"
	KindHeartbeat       = "heartbeat"
	KindRunnerEvent     = "runner-event"
	KindCommandAck      = "command-ack"
	KindCommandResult   = "command-result"
	KindTunnelAnnounced = "tunnel-announced"
	KindDevServerStatus = "dev-server-status"
)

// Kinds sent by the control plane to a runner.
const (
	KindHelloAck        = "hello-ack"
	KindCommandDispatch = "command-dispatch"
	KindCancelBuild     = "cancel-build"
	KindGoodbye         = "goodbye"
)

// Kinds sent by the control plane to a browser fanout client.
const (
	KindConnected      = "connected"
	KindStateRecovery  = "state-recovery"
	KindBatchUpdate    = "batch-update"
)

// Envelope is the outer frame for every message on both WebSocket links.
// Seq is carried on the wire but neither side assigns or checks it: the
// runner sends every frame with seq 0, and the control plane does not
// de-duplicate or drop runner events by seq.
type Envelope struct {
	Kind string          `json:"kind"`
	Seq  uint64          `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func Encode(kind string, seq uint64, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Seq: seq, Data: raw}, nil
}

type HelloMsg struct {
	RunnerID    string `json:"runner_id"`
	RunnerKeyID string `json:"runner_key_id"`
	Version     string `json:"version,omitempty"`
	OS          string `json:"os,omitempty"`
	Arch        string `json:"arch,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
}

type HelloAckMsg struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type HeartbeatMsg struct {
	NowUnixMs int64 `json:"now_unix_ms"`
}

// RunnerEventMsg carries one canonical update (see internal/events) scoped
// to a session.
type RunnerEventMsg struct {
	ProjectID string          `json:"project_id"`
	SessionID string          `json:"session_id"`
	Update    json.RawMessage `json:"update"`
}

type CommandDispatchMsg struct {
	CommandID   string          `json:"command_id"`
	ProjectID   string          `json:"project_id"`
	SessionID   string          `json:"session_id,omitempty"`
	PayloadJSON json.RawMessage `json:"payload"`
}

type CommandAckMsg struct {
	CommandID string `json:"command_id"`
}

type CommandResultMsg struct {
	CommandID string `json:"command_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

type CancelBuildMsg struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type TunnelAnnouncedMsg struct {
	ProjectID string `json:"project_id"`
	URL       string `json:"url"`
}

type DevServerStatusMsg struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	Port      int    `json:"port,omitempty"`
	Error     string `json:"error,omitempty"`
}

type GoodbyeMsg struct {
	Reason string `json:"reason,omitempty"`
}
