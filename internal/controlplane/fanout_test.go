package controlplane

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgehq/forge/internal/transport"
)

// dialTestConn spins up an httptest server that upgrades the single request
// it receives and dials it as a client, returning the server side wrapped in
// a *transport.Conn (what Fanout operates on) and the raw client-side
// websocket for direct inspection of what was sent. Grounded on the pack's
// httptest-server-plus-client pattern (the teacher's
// native_anthropic_integration_test.go dials httptest.NewServer handlers).
func dialTestConn(t *testing.T) (server *transport.Conn, clientWS *websocket.Conn) {
	t.Helper()
	var upgrader websocket.Upgrader
	srvReady := make(chan *websocket.Conn, 1)
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade: %v", err)
			return
		}
		srvReady <- ws
	}))
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	clientWS, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}

	var serverWS *websocket.Conn
	select {
	case serverWS = <-srvReady:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for server upgrade")
	}

	server = transport.NewConn(serverWS, nil)
	t.Cleanup(func() {
		_ = server.Close()
		_ = clientWS.Close()
	})
	return server, clientWS
}

func TestFanout_BroadcastDeliversToSubscriber(t *testing.T) {
	t.Parallel()

	f := NewFanout(nil)
	server, clientWS := dialTestConn(t)
	f.Subscribe("proj_1", server)

	env, err := transport.Encode(transport.KindBatchUpdate, 0, map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f.Broadcast("proj_1", env)

	_ = clientWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got transport.Envelope
	if err := clientWS.ReadJSON(&got); err != nil {
		t.Fatalf("reading broadcast: %v", err)
	}
	if got.Kind != transport.KindBatchUpdate {
		t.Fatalf("kind got=%q want=%q", got.Kind, transport.KindBatchUpdate)
	}
}

func TestFanout_UnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	f := NewFanout(nil)
	server, _ := dialTestConn(t)
	f.Subscribe("proj_1", server)
	f.Unsubscribe("proj_1", server)

	if subs := f.subscribers("proj_1"); len(subs) != 0 {
		t.Fatalf("expected no subscribers after Unsubscribe, got %d", len(subs))
	}
}
