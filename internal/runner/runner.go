// Package runner implements the Runner process's control-link supervisor:
// connect, hello handshake, heartbeat loop, reconnect-with-backoff, and
// dispatch of control-plane commands into spawned AI-agent sessions.
//
// The connect/heartbeat/backoff/reconnect shape is grounded on the
// teacher's Agent.Run/runControlOnce (internal/agent/agent.go): an outer
// loop that reconnects with transport.Backoff on any disconnect, and an
// inner loop ticking a heartbeat until the connection drops or ctx is
// canceled.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/forgehq/forge/internal/events"
	"github.com/forgehq/forge/internal/events/claudeadapter"
	"github.com/forgehq/forge/internal/events/codexadapter"
	"github.com/forgehq/forge/internal/runner/aiproc"
	"github.com/forgehq/forge/internal/runner/devserver"
	"github.com/forgehq/forge/internal/runner/tunnel"
	"github.com/forgehq/forge/internal/transport"
)

// heartbeatInterval is one third of the 45s transport-idle timeout
// SPEC_FULL.md §5 specifies (3 x 15s heartbeats).
const heartbeatInterval = 15 * time.Second

// devServerPortRange and proxyPortRange are disjoint so a dev server and
// its injection proxy never race for the same port.
var (
	devServerPortRange = [2]int{4100, 4999}
	proxyPortRange     = [2]int{5100, 5999}
)

// Options configures one Runner process's connection to the Control Plane.
type Options struct {
	ControlplaneWSURL string
	RunnerID          string
	RunnerKeyID       string
	RunnerKeySecret   string
	WorkspaceRoot     string
	AIModelID         string
	TunnelBinPath     string
	Log               *slog.Logger
}

// Runner owns the control link, every AI session currently running locally
// (keyed by session id), and the per-project dev server/tunnel processes
// this machine hosts.
type Runner struct {
	opts Options
	log  *slog.Logger

	devservers *devserver.Runner
	tunnels    *tunnel.Manager

	mu       sync.Mutex
	sessions map[string]*aiproc.Process
	conn     *transport.Conn

	tunnelByProject map[string]string // projectID -> tunnelID
}

func New(opts Options) *Runner {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	r := &Runner{
		opts:            opts,
		log:             opts.Log,
		sessions:        make(map[string]*aiproc.Process),
		tunnelByProject: make(map[string]string),
	}
	r.devservers = devserver.NewRunner(opts.Log, devserver.NewAllocator(devServerPortRange[0], devServerPortRange[1]), r.onDevServerStatus)
	r.tunnels = tunnel.NewManager(opts.Log, opts.TunnelBinPath, devserver.NewAllocator(proxyPortRange[0], proxyPortRange[1]), r.onTunnelStatus)
	return r
}

// Run connects, handshakes, and serves the control link until ctx is
// canceled, reconnecting with exponential backoff on every disconnect.
func (r *Runner) Run(ctx context.Context) error {
	backoff := transport.NewBackoff()
	for {
		if ctx.Err() != nil {
			r.stopAllSessions()
			return ctx.Err()
		}

		err := r.runOnce(ctx)
		if ctx.Err() != nil {
			r.stopAllSessions()
			return ctx.Err()
		}
		r.log.Warn("control link disconnected; retrying", "error", err)

		d := backoff.Next()
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.stopAllSessions()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) error {
	header := http.Header{}
	if r.opts.RunnerKeyID != "" {
		header.Set("X-Forge-Runner-Key-Id", r.opts.RunnerKeyID)
		header.Set("Authorization", "Bearer "+r.opts.RunnerKeySecret)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, r.opts.ControlplaneWSURL, header)
	if err != nil {
		return fmt.Errorf("dial control plane: %w", err)
	}
	conn := transport.NewConn(ws, r.log)
	defer conn.Close()

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
	}()

	hello, err := transport.Encode(transport.KindHello, 0, transport.HelloMsg{
		RunnerID:    r.opts.RunnerID,
		RunnerKeyID: r.opts.RunnerKeyID,
		OS:          currentOS(),
		Arch:        currentArch(),
		Hostname:    hostnameBestEffort(),
	})
	if err != nil {
		return err
	}
	if err := conn.Send(hello); err != nil {
		return err
	}

	stopHeartbeat := r.startHeartbeat(ctx, conn)
	defer stopHeartbeat()

	return conn.ReadLoop(ctx, func(env transport.Envelope) error {
		switch env.Kind {
		case transport.KindHelloAck:
			ack, derr := transport.DecodeData[transport.HelloAckMsg](env)
			if derr != nil {
				return derr
			}
			if !ack.OK {
				return fmt.Errorf("hello rejected: %s", ack.Error)
			}
			r.log.Info("control link established", "runner_id", r.opts.RunnerID)

		case transport.KindCommandDispatch:
			cmd, derr := transport.DecodeData[transport.CommandDispatchMsg](env)
			if derr != nil {
				return derr
			}
			r.handleCommand(ctx, conn, cmd)

		case transport.KindCancelBuild:
			cb, derr := transport.DecodeData[transport.CancelBuildMsg](env)
			if derr != nil {
				return derr
			}
			r.cancelSession(cb.SessionID)

		case transport.KindGoodbye:
			return fmt.Errorf("control plane sent goodbye")
		}
		return nil
	})
}

func (r *Runner) startHeartbeat(ctx context.Context, conn *transport.Conn) (stop func()) {
	t := time.NewTicker(heartbeatInterval)
	done := make(chan struct{})
	go func() {
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				env, err := transport.Encode(transport.KindHeartbeat, 0, transport.HeartbeatMsg{NowUnixMs: time.Now().UnixMilli()})
				if err != nil {
					continue
				}
				if err := conn.Send(env); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// handleCommand starts a new AI-agent session for a chat-message command,
// streaming its canonical updates back to the Control Plane as runner-event
// frames, and acks the command once the session has been accepted.
func (r *Runner) handleCommand(ctx context.Context, conn *transport.Conn, cmd transport.CommandDispatchMsg) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
		r.log.Warn("runner: malformed command payload", "command_id", cmd.CommandID, "error", err)
		return
	}

	sessionID := cmd.SessionID
	if strings.TrimSpace(sessionID) == "" {
		sessionID = "sess_" + uuid.NewString()
	}
	projectID := cmd.ProjectID

	adapter := r.adapterFor(r.opts.AIModelID)
	onUpdate := func(u events.Update) {
		r.emitUpdate(conn, projectID, sessionID, u)
	}

	onUpdate(events.Update{Kind: events.KindStart})

	bin, args := aiProcessCommand(r.opts.AIModelID, payload.Text)
	proc, err := aiproc.Spawn(ctx, r.log, adapter, bin, args, r.opts.WorkspaceRoot, onUpdate)
	if err != nil {
		onUpdate(events.Update{Kind: events.KindBuildComplete, Success: false, Error: err.Error()})
		return
	}

	r.mu.Lock()
	r.sessions[sessionID] = proc
	r.mu.Unlock()

	ack, _ := transport.Encode(transport.KindCommandAck, 0, transport.CommandAckMsg{CommandID: cmd.CommandID})
	_ = conn.Send(ack)

	r.ensureProjectHosted(projectID)

	go func() {
		success, werr := proc.Wait()
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()

		msg := ""
		if werr != nil {
			msg = werr.Error()
		}
		onUpdate(events.Update{Kind: events.KindBuildComplete, Success: success, Error: msg})
	}()
}

// ensureProjectHosted starts the project's dev server (if not already
// running) so the build an AI session produces is immediately browsable;
// tunnel bring-up follows once the dev server reports running, via
// onDevServerStatus.
func (r *Runner) ensureProjectHosted(projectID string) {
	if _, running := r.devservers.Get(projectID); running {
		return
	}
	workspacePath := r.workspacePathFor(projectID)
	if _, err := r.devservers.Start(projectID, workspacePath); err != nil {
		r.log.Warn("runner: dev server start failed", "project_id", projectID, "error", err)
	}
}

func (r *Runner) workspacePathFor(projectID string) string {
	return filepath.Join(r.opts.WorkspaceRoot, projectID)
}

// onDevServerStatus is devserver.Runner's StatusFunc: it relays the
// transition upstream and, once the dev server is running, brings up this
// project's tunnel; when the dev server has stopped or failed, it stops
// and forgets the tunnel bound to it.
func (r *Runner) onDevServerStatus(projectID, status string, port int, errMsg string) {
	r.sendStatus(func() (transport.Envelope, error) {
		return transport.Encode(transport.KindDevServerStatus, 0, transport.DevServerStatusMsg{
			ProjectID: projectID, Status: status, Port: port, Error: errMsg,
		})
	})

	if status != "running" {
		if status == devserver.StateStopped || status == devserver.StateFailed {
			r.mu.Lock()
			tunnelID, bound := r.tunnelByProject[projectID]
			delete(r.tunnelByProject, projectID)
			r.mu.Unlock()
			if bound {
				_ = r.tunnels.Stop(tunnelID)
			}
		}
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		t, err := r.tunnels.Start(ctx, projectID, port, 5)
		if err != nil {
			r.log.Warn("runner: tunnel start failed", "project_id", projectID, "error", err)
			return
		}
		r.mu.Lock()
		r.tunnelByProject[projectID] = t.ID
		r.mu.Unlock()
	}()
}

// onTunnelStatus is tunnel.Manager's StatusFunc; it relays readiness
// upstream as tunnel-announced once the public URL is known.
func (r *Runner) onTunnelStatus(tunnelID, state, publicURL, errMsg string) {
	if state != "ready" || strings.TrimSpace(publicURL) == "" {
		if errMsg != "" {
			r.log.Warn("runner: tunnel not ready", "tunnel_id", tunnelID, "state", state, "error", errMsg)
		}
		return
	}
	r.mu.Lock()
	var projectID string
	for pid, tid := range r.tunnelByProject {
		if tid == tunnelID {
			projectID = pid
			break
		}
	}
	r.mu.Unlock()
	if projectID == "" {
		return
	}
	r.sendStatus(func() (transport.Envelope, error) {
		return transport.Encode(transport.KindTunnelAnnounced, 0, transport.TunnelAnnouncedMsg{ProjectID: projectID, URL: publicURL})
	})
}

func (r *Runner) sendStatus(build func() (transport.Envelope, error)) {
	env, err := build()
	if err != nil {
		return
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.Send(env)
}

func (r *Runner) emitUpdate(conn *transport.Conn, projectID, sessionID string, u events.Update) {
	raw, err := json.Marshal(u)
	if err != nil {
		return
	}
	env, err := transport.Encode(transport.KindRunnerEvent, 0, transport.RunnerEventMsg{
		ProjectID: projectID,
		SessionID: sessionID,
		Update:    raw,
	})
	if err != nil {
		return
	}
	_ = conn.Send(env)
}

// cancelSession terminates a running session's AI process within the 30s
// build-cancel window from SPEC_FULL.md §5; the process's own Wait
// goroutine reports the resulting terminal event.
func (r *Runner) cancelSession(sessionID string) {
	r.mu.Lock()
	proc, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = proc.Kill()
}

func (r *Runner) stopAllSessions() {
	r.mu.Lock()
	procs := make([]*aiproc.Process, 0, len(r.sessions))
	for _, p := range r.sessions {
		procs = append(procs, p)
	}
	r.mu.Unlock()
	for _, p := range procs {
		_ = p.Kill()
	}
	r.devservers.StopAll()
}

// adapterFor resolves the canonical-update adapter for a model id. Unknown
// ids fall back to the Codex-style adapter since its extraction paths are
// the most tolerant of free-form text output.
func (r *Runner) adapterFor(modelID string) events.Adapter {
	if strings.HasPrefix(strings.ToLower(modelID), "claude") {
		return claudeadapter.New()
	}
	return codexadapter.New()
}

// aiProcessCommand resolves the binary and arguments used to invoke the
// opaque AI-agent process for one chat message. The binary name is
// intentionally configurable via environment rather than hard-coded, since
// it is operator-provided and outside this repo's scope to vendor.
func aiProcessCommand(modelID, prompt string) (bin string, args []string) {
	bin = strings.TrimSpace(os.Getenv("FORGE_AI_AGENT_BIN"))
	if bin == "" {
		bin = "forge-ai-agent"
	}
	return bin, []string{"--model", modelID, "--prompt", prompt}
}
