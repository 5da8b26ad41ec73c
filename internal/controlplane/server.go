package controlplane

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/forgehq/forge/internal/events"
	"github.com/forgehq/forge/internal/model"
	"github.com/forgehq/forge/internal/store"
	"github.com/forgehq/forge/internal/transport"
)

// Liveness and finalization timings, per SPEC_FULL.md §4.2/§5. Variables
// rather than constants so tests can shrink them instead of waiting out the
// real windows.
var (
	// runnerIdleTimeout closes a runner link after 3x the 15s heartbeat
	// interval of silence (E5).
	runnerIdleTimeout = 45 * time.Second
	// orphanResumeWindow is how long an orphaned session stays recoverable
	// before the control plane fails it with cause runner_timeout (E5).
	orphanResumeWindow = 10 * time.Minute
	// cancelGracePeriod is how long handleCancelBuild waits for the runner's
	// own terminal event before declaring the session cancelled itself (E4).
	cancelGracePeriod = 60 * time.Second
)

// Server wires the gin HTTP router, the two WebSocket upgrade endpoints
// (runner link, browser fanout), and the ingress/fanout/command-queue
// machinery into one process. Route layout grounded on the pack's gin
// router (kiosk404-echoryn's internal/hivemind/router.go): a plain
// installController that groups routes by concern.
type Server struct {
	Store       *store.Store
	Ingress     *Ingress
	Fanout      *Fanout
	Runtime     *RuntimeTable
	RunnerLinks *RunnerLink
	Commands    *CommandQueue
	LocalMode   bool
	Log         *slog.Logger

	upgrader websocket.Upgrader

	orphanMu     sync.Mutex
	orphanTimers map[string]*time.Timer
}

func NewServer(st *store.Store, localMode bool, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	runtime := NewRuntimeTable()
	links := NewRunnerLink()
	fanout := NewFanout(log)
	return &Server{
		Store:       st,
		Fanout:      fanout,
		Runtime:     runtime,
		RunnerLinks: links,
		Commands:    NewCommandQueue(st, links, log),
		Ingress:     NewIngress(st, fanout, runtime, log),
		LocalMode:   localMode,
		Log:         log,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},

		orphanTimers: make(map[string]*time.Timer),
	}
}

func (s *Server) Engine() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(s.requestLogger())
	g.Use(runnerKeyAuth(s.LocalMode, s.resolveRunnerKeySecretHash))

	g.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	g.GET("/ws/runner", s.handleRunnerSocket)
	g.GET("/ws", s.handleBrowserSocket)

	api := g.Group("/api")
	{
		api.GET("/projects/:id/messages", s.handleGetProjectMessages)
		api.POST("/projects/:id/messages", s.handlePostMessage)
		api.GET("/messages", s.handleListMessages)
		api.POST("/projects/:id/cancel-build", s.handleCancelBuild)
		api.POST("/build-events", s.handleBuildEvents)
		api.GET("/runner-keys", s.handleListRunnerKeys)
		api.POST("/runner-keys", s.handleCreateRunnerKey)
		api.DELETE("/runner-keys/:id", s.handleRevokeRunnerKey)
		api.POST("/auth/cli/start", s.handleAuthCLIStart)
	}
	return g
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Log.Info("http request",
			"method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

func (s *Server) resolveRunnerKeySecretHash(keyID string) (string, bool) {
	k, err := s.Store.GetRunnerKey(context.Background(), keyID)
	if err != nil || k.RevokedAtMs > 0 {
		return "", false
	}
	return k.SecretHash, true
}

// handleRunnerSocket upgrades the runner link: hello handshake, then
// read-loop dispatching runner-event/command-ack/command-result/
// tunnel-announced/dev-server-status frames into the ingress/store.
func (s *Server) handleRunnerSocket(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn := transport.NewConn(ws, s.Log)
	conn.SetIdleTimeout(runnerIdleTimeout)

	var runnerID string
	ctx := c.Request.Context()

	err = conn.ReadLoop(ctx, func(env transport.Envelope) error {
		switch env.Kind {
		case transport.KindHello:
			hello, derr := transport.DecodeData[transport.HelloMsg](env)
			if derr != nil {
				return derr
			}
			runnerID = strings.TrimSpace(hello.RunnerID)
			s.RunnerLinks.Set(runnerID, conn)
			s.resumeRunner(ctx, runnerID)
			ack, _ := transport.Encode(transport.KindHelloAck, 0, transport.HelloAckMsg{OK: true})
			_ = conn.Send(ack)
			s.Commands.Flush(ctx, runnerID, conn)

		case transport.KindHeartbeat:
			// no-op: the frame's only job is to keep conn's idle deadline
			// (see Conn.SetIdleTimeout/ReadLoop) from expiring.

		case transport.KindRunnerEvent:
			ev, derr := transport.DecodeData[transport.RunnerEventMsg](env)
			if derr != nil {
				return derr
			}
			s.Ingress.Dispatch(ev)

		case transport.KindCommandAck:
			ack, derr := transport.DecodeData[transport.CommandAckMsg](env)
			if derr != nil {
				return derr
			}
			_ = s.Commands.Ack(ctx, ack.CommandID)

		case transport.KindCommandResult:
			// Persisted as part of the matching build-complete/build-summary
			// runner-event instead of here; a bare result carries no session
			// state to apply.

		case transport.KindTunnelAnnounced:
			ann, derr := transport.DecodeData[transport.TunnelAnnouncedMsg](env)
			if derr != nil {
				return derr
			}
			proj, gerr := s.Store.GetProject(ctx, ann.ProjectID)
			if gerr == nil {
				_ = s.Store.UpdateProjectDevServer(ctx, proj.ID, proj.DevServerStatus, proj.DevServerPort, ann.URL)
			}

		case transport.KindDevServerStatus:
			st, derr := transport.DecodeData[transport.DevServerStatusMsg](env)
			if derr != nil {
				return derr
			}
			proj, gerr := s.Store.GetProject(ctx, st.ProjectID)
			if gerr == nil {
				_ = s.Store.UpdateProjectDevServer(ctx, proj.ID, st.Status, st.Port, proj.TunnelURL)
			}
		}
		return nil
	})
	if err != nil {
		s.Log.Info("runner link closed", "runner_id", runnerID, "error", err)
	}
	if runnerID != "" {
		s.RunnerLinks.Clear(runnerID, conn)
		s.onRunnerDisconnected(runnerID)
	}
	_ = conn.Close()
}

// resumeRunner cancels any pending orphan-failover timer for runnerID and
// reactivates every session it had left orphaned (§4.2: a runner that
// reconnects within the resume window recovers its sessions rather than
// losing them).
func (s *Server) resumeRunner(ctx context.Context, runnerID string) {
	if runnerID == "" {
		return
	}
	s.orphanMu.Lock()
	if t := s.orphanTimers[runnerID]; t != nil {
		t.Stop()
		delete(s.orphanTimers, runnerID)
	}
	s.orphanMu.Unlock()

	n, err := s.Store.ResumeOrphanedSessions(ctx, runnerID)
	if err != nil {
		s.Log.Warn("resume: failed to reactivate orphaned sessions", "runner_id", runnerID, "error", err)
		return
	}
	if n > 0 {
		s.Log.Info("runner reconnected, sessions resumed", "runner_id", runnerID, "count", n)
	}
}

// onRunnerDisconnected marks every session owned by runnerID's projects as
// orphaned and arms the resume-window failover timer (§4.2, E5).
func (s *Server) onRunnerDisconnected(runnerID string) {
	if runnerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	ids, err := s.Store.OrphanSessionsForRunner(ctx, runnerID)
	cancel()
	if err != nil {
		s.Log.Warn("orphan: failed to mark runner's sessions orphaned", "runner_id", runnerID, "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	s.Log.Info("runner disconnected, sessions orphaned", "runner_id", runnerID, "session_ids", ids)

	timer := time.AfterFunc(orphanResumeWindow, func() { s.failOrphanedSessions(runnerID, ids) })
	s.orphanMu.Lock()
	if old := s.orphanTimers[runnerID]; old != nil {
		old.Stop()
	}
	s.orphanTimers[runnerID] = timer
	s.orphanMu.Unlock()
}

// failOrphanedSessions is the resume-window failover (E5): a runner that has
// not reconnected loses every session it left orphaned, each failing with
// cause runner_timeout and each emitting exactly one terminal broadcast.
func (s *Server) failOrphanedSessions(runnerID string, sessionIDs []string) {
	s.orphanMu.Lock()
	delete(s.orphanTimers, runnerID)
	s.orphanMu.Unlock()

	if s.RunnerLinks.Get(runnerID) != nil {
		// Runner reconnected; resumeRunner already reactivated these sessions.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, sessionID := range sessionIDs {
		if err := s.Store.TransitionSession(ctx, sessionID,
			[]string{model.SessionStatusOrphaned}, model.SessionStatusFailed, "runner_timeout"); err != nil {
			continue
		}
		s.Runtime.MarkFinalized(sessionID)
		s.broadcastTerminal(ctx, sessionID, "runner_timeout")
	}
}

// broadcastTerminal sends one build-complete broadcast for a session the
// control plane itself declared terminal (as opposed to one relayed from
// the runner's own terminal event), fetching the session's project id to
// address the fanout.
func (s *Server) broadcastTerminal(ctx context.Context, sessionID, cause string) {
	sess, err := s.Store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	env, err := transport.Encode(transport.KindBatchUpdate, 0, events.Update{
		Kind:    events.KindBuildComplete,
		Success: false,
		Error:   cause,
	})
	if err != nil {
		return
	}
	s.Fanout.Broadcast(sess.ProjectID, env)
}

// handleBrowserSocket upgrades a browser's fanout link: it subscribes to one
// project's updates, is sent `connected`, and then receives a recovery
// snapshot for the project's latest open session, if any.
func (s *Server) handleBrowserSocket(c *gin.Context) {
	projectID := strings.TrimSpace(c.Query("project_id"))
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing project_id"})
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn := transport.NewConn(ws, s.Log)
	s.Fanout.Subscribe(projectID, conn)

	connectedEnv, _ := transport.Encode(transport.KindConnected, 0, nil)
	_ = conn.Send(connectedEnv)

	ctx := c.Request.Context()
	if sessions, serr := s.Store.ListOpenSessions(ctx, projectID); serr == nil && len(sessions) > 0 {
		if snap, rerr := s.Store.FetchRecoverySnapshot(ctx, sessions[0].ID); rerr == nil {
			_ = BroadcastRecovery(conn, *snap)
		}
	}

	err = conn.ReadLoop(ctx, func(transport.Envelope) error { return nil })
	s.Fanout.Unsubscribe(projectID, conn)
	_ = conn.Close()
	if err != nil {
		s.Log.Debug("browser link closed", "project_id", projectID, "error", err)
	}
}

func (s *Server) handlePostMessage(c *gin.Context) {
	projectID := c.Param("id")
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing text"})
		return
	}
	ctx := c.Request.Context()
	if _, err := s.Store.AppendMessage(ctx, model.Message{ProjectID: projectID, Role: model.MessageRoleUser, Text: body.Text}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	proj, err := s.Store.GetProject(ctx, projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown project"})
		return
	}
	payload := []byte(`{"text":` + strconv.Quote(body.Text) + `}`)
	cmdID, err := s.Commands.Enqueue(ctx, proj.RunnerID, projectID, "", string(payload))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"command_id": cmdID})
}

func (s *Server) handleListMessages(c *gin.Context) {
	projectID := strings.TrimSpace(c.Query("project_id"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := s.Store.ListMessages(c.Request.Context(), projectID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleCancelBuild(c *gin.Context) {
	projectID := c.Param("id")
	var body struct {
		SessionID string `json:"session_id"`
		Reason    string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	ctx := c.Request.Context()

	proj, err := s.Store.GetProject(ctx, projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown project"})
		return
	}
	conn := s.RunnerLinks.Get(proj.RunnerID)
	if conn == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "runner not connected"})
		return
	}
	env, _ := transport.Encode(transport.KindCancelBuild, 0, transport.CancelBuildMsg{SessionID: body.SessionID, Reason: body.Reason})
	if err := conn.Send(env); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessionID := strings.TrimSpace(body.SessionID); sessionID != "" {
		s.scheduleCancelTimeout(sessionID)
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel-requested"})
}

// scheduleCancelTimeout is the bounded cancel finalizer (§4.2/§5, E4): if the
// runner hasn't emitted its own terminal event for sessionID within
// cancelGracePeriod of the cancel-build request, the control plane declares
// the session cancelled itself and broadcasts the one required
// build-complete. TransitionSession's compare-and-swap means this is a
// no-op once the runner's real terminal event (or an earlier auto-
// completion) already finalized the session.
func (s *Server) scheduleCancelTimeout(sessionID string) {
	time.AfterFunc(cancelGracePeriod, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.Store.TransitionSession(ctx, sessionID,
			[]string{model.SessionStatusActive, model.SessionStatusPending}, model.SessionStatusCanceled, "cancelled: runner did not confirm within grace period")
		if err != nil {
			return
		}
		s.Runtime.MarkFinalized(sessionID)
		s.broadcastTerminal(ctx, sessionID, "cancelled")
	})
}

// handleBuildEvents lets a runner that cannot hold a WebSocket push its
// queued runner-event batch over plain HTTP instead; each event is applied
// through the same Ingress path as the socket transport so persistence and
// fanout semantics are identical either way.
func (s *Server) handleBuildEvents(c *gin.Context) {
	var body struct {
		Events []transport.RunnerEventMsg `json:"events"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed events batch"})
		return
	}
	for _, ev := range body.Events {
		s.Ingress.Dispatch(ev)
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(body.Events)})
}

// handleGetProjectMessages hydrates a project's past sessions and chat
// messages in one response, for a browser opening a project cold (before
// or alongside its WebSocket fanout subscription).
func (s *Server) handleGetProjectMessages(c *gin.Context) {
	projectID := c.Param("id")
	ctx := c.Request.Context()

	limit, _ := strconv.Atoi(c.Query("limit"))
	sessions, err := s.Store.ListSessionsByProject(ctx, projectID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	msgs, err := s.Store.ListMessages(ctx, projectID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "messages": msgs})
}

func (s *Server) handleListRunnerKeys(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	keys, err := s.Store.ListRunnerKeys(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runner_keys": keys})
}

func (s *Server) handleRevokeRunnerKey(c *gin.Context) {
	if err := s.Store.RevokeRunnerKey(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown runner key"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCreateRunnerKey(c *gin.Context) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user_id"})
		return
	}
	secret := uuid.NewString() + uuid.NewString()
	key := model.RunnerKey{ID: uuid.NewString(), SecretHash: hashSecret(secret), UserID: body.UserID}
	if err := s.Store.CreateRunnerKey(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// The secret is returned exactly once; only its hash is persisted.
	c.JSON(http.StatusCreated, gin.H{"runner_key_id": key.ID, "secret": secret})
}

func (s *Server) handleAuthCLIStart(c *gin.Context) {
	code := uuid.NewString()
	c.JSON(http.StatusOK, gin.H{"device_code": code, "verification_url": "/cli/verify?code=" + code})
}
