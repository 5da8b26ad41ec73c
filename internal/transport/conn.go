package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps a *websocket.Conn with a single-producer writer goroutine and a
// bounded outbox, so a slow reader on the other end coalesces backpressure
// onto itself instead of blocking whichever goroutine is trying to send.
//
// Grounded on the teacher's ndjsonStream (internal/ai/stream.go) and
// aiSinkWriter (internal/ai/realtime_sink.go): a buffered channel feeding one
// writer loop, dropped/closed on backpressure rather than blocking senders.
type Conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	mu          sync.Mutex
	outbox      chan Envelope
	closed      bool
	doneCh      chan struct{}
	idleTimeout time.Duration
}

const outboxCapacity = 256

func NewConn(ws *websocket.Conn, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		ws:     ws,
		log:    log,
		outbox: make(chan Envelope, outboxCapacity),
		doneCh: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	defer close(c.doneCh)
	for env := range c.outbox {
		_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.ws.WriteJSON(env); err != nil {
			c.log.Warn("transport write failed; closing connection", "error", err)
			c.forceClose()
			return
		}
	}
}

// Send enqueues an envelope. It never blocks: when the outbox is full the
// connection is treated as terminal and closed, the same "drop the slow
// consumer" policy the teacher's ndjsonStream.send uses.
func (c *Conn) Send(env Envelope) error {
	if c == nil {
		return errors.New("nil connection")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.outbox <- env:
		return nil
	default:
		c.closed = true
		close(c.outbox)
		return errors.New("transport backpressure: connection closing")
	}
}

func (c *Conn) forceClose() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.outbox)
	}
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.forceClose()
	<-c.doneCh
	return c.ws.Close()
}

// SetIdleTimeout arms a peer-liveness deadline: ReadLoop refreshes a read
// deadline of d after every frame (including a bare heartbeat), and returns
// once d elapses with no frame at all. Per §4.2, the control plane uses this
// to close a runner link after 3x the heartbeat interval of silence. Must be
// called before ReadLoop; zero (the default) leaves reads unbounded, which is
// what the browser fanout link still uses.
func (c *Conn) SetIdleTimeout(d time.Duration) {
	c.mu.Lock()
	c.idleTimeout = d
	c.mu.Unlock()
}

// ReadLoop blocks reading envelopes until the connection closes or ctx is
// canceled, invoking handle for each frame in arrival order.
func (c *Conn) ReadLoop(ctx context.Context, handle func(Envelope) error) error {
	go func() {
		<-ctx.Done()
		_ = c.ws.Close()
	}()
	c.mu.Lock()
	idle := c.idleTimeout
	c.mu.Unlock()
	for {
		if idle > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(idle))
		}
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return err
		}
		if err := handle(env); err != nil {
			return err
		}
	}
}

func DecodeData[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(env.Data, &v)
	return v, err
}
