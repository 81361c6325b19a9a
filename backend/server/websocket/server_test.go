package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/yim-server/backend/service"
	"github.com/adwski/yim-server/backend/storage/memory"
	sw "github.com/adwski/yim-server/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClient struct {
	id   string
	conn *websocket.Conn
}

func newTestServer(t *testing.T) (*Server, *service.Router, string) {
	t.Helper()
	logger := zerolog.Nop()

	swc := sw.NewSwitch(sw.Config{Logger: &logger})
	outbox := service.NewOutbox(swc)
	clients := memory.NewClientStore(outbox, &logger)
	router := service.NewRouter(service.Config{
		Clients: clients,
		Rooms:   memory.NewRoomStore(clients, &logger),
		Logger:  &logger,
		Outbox:  outbox,
	})
	srv := NewServer(Config{
		Logger: &logger,
		Router: router,
		Switch: swc,
	})

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		srv.closeConnections()
		ts.Close()
	})
	return srv, router, "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat"
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	welcome := readMsg(t, conn)
	text, ok := welcome["text"].(string)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(text, "Welcome to the chat, client "))
	assert.Nil(t, welcome["sender"])

	_ = readMsg(t, conn) // room list
	return &testClient{
		id:   strings.TrimPrefix(text, "Welcome to the chat, client "),
		conn: conn,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestServer_DirectAndRoom(t *testing.T) {
	_, router, url := newTestServer(t)

	a := dial(t, url)
	b := dial(t, url)
	require.NotEqual(t, a.id, b.id)

	require.NoError(t, a.conn.WriteJSON(map[string]any{"text": "hi", "to": b.id}))
	assert.Equal(t, map[string]any{"text": "hi", "sender": a.id}, readMsg(t, b.conn))

	require.NoError(t, a.conn.WriteJSON(map[string]any{"text": "first", "join": "R"}))
	waitFor(t, func() bool { return len(router.Rooms()) == 1 })

	require.NoError(t, b.conn.WriteJSON(map[string]any{
		"text":       "second",
		"join":       "R",
		"attributes": map[string]any{"color": "red"},
	}))
	assert.Equal(t, map[string]any{
		"text":   "second",
		"sender": b.id,
		"room":   "R",
		"color":  "red",
	}, readMsg(t, a.conn))

	require.NoError(t, a.conn.WriteJSON(map[string]any{"text": "hi", "to": "ghost"}))
	assert.Equal(t, map[string]any{
		"text":   "Cannot send to ghost: no such client",
		"sender": nil,
	}, readMsg(t, a.conn))
}

func TestServer_RoomListOnConnect(t *testing.T) {
	_, router, url := newTestServer(t)

	a := dial(t, url)
	require.NoError(t, a.conn.WriteJSON(map[string]any{"text": "x", "join": "beta"}))
	require.NoError(t, a.conn.WriteJSON(map[string]any{"text": "x", "join": "alpha"}))
	waitFor(t, func() bool { return len(router.Rooms()) == 2 })

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	_ = readMsg(t, conn)
	assert.Equal(t, map[string]any{"text": "alpha, beta", "sender": nil}, readMsg(t, conn))
}

func TestServer_DisconnectNotice(t *testing.T) {
	_, router, url := newTestServer(t)

	a := dial(t, url)
	b := dial(t, url)

	require.NoError(t, b.conn.WriteJSON(map[string]any{"text": "x", "join": "solo"}))
	waitFor(t, func() bool { return len(router.Rooms()) == 1 })

	require.NoError(t, b.conn.Close())

	assert.Equal(t, map[string]any{
		"text":   "Client " + b.id + " has gone",
		"sender": nil,
	}, readMsg(t, a.conn))
	waitFor(t, func() bool { return len(router.Rooms()) == 0 })
	assert.Equal(t, 1, router.Stats().Clients)
}

func TestServer_ShutdownNotice(t *testing.T) {
	srv, router, url := newTestServer(t)

	a := dial(t, url)

	srv.notifyShutdown()
	srv.closeConnections()

	assert.Equal(t, map[string]any{"text": "Server is shutting down", "sender": nil}, readMsg(t, a.conn))
	assert.Equal(t, 0, router.Stats().Clients)

	resp, err := http.Get(strings.Replace(url, "ws", "http", 1))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type panicRouter struct {
	onConnect bool
	onMessage bool
}

func (p *panicRouter) OnConnect(context.Context, string) error {
	if p.onConnect {
		panic("connect invariant")
	}
	return nil
}

func (p *panicRouter) OnMessage(context.Context, string, []byte) error {
	if p.onMessage {
		panic("message invariant")
	}
	return nil
}

func (p *panicRouter) OnDisconnect(context.Context, string) error { return nil }

func TestServer_HandlerPanic(t *testing.T) {
	tests := []struct {
		name   string
		router *panicRouter
	}{
		{name: "on connect", router: &panicRouter{onConnect: true}},
		{name: "on message", router: &panicRouter{onMessage: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := zerolog.Nop()
			swc := sw.NewSwitch(sw.Config{Logger: &logger})
			srv := NewServer(Config{
				Logger: &logger,
				Router: tt.router,
				Switch: swc,
			})
			errc := make(chan error, 1)
			srv.errc = errc
			ts := httptest.NewServer(srv.Handler)
			defer ts.Close()

			conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
			require.NoError(t, err)
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			defer func() { _ = conn.Close() }()
			// connection may be already closed when OnConnect panics
			_ = conn.WriteJSON(map[string]any{"text": "hi", "to": "x"})

			select {
			case err = <-errc:
				require.ErrorIs(t, err, ErrPanic)
			case <-time.After(2 * time.Second):
				t.Fatal("panic was not reported")
			}

			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			_, _, err = conn.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			waitFor(t, func() bool { return swc.Len() == 0 })

			done := make(chan struct{})
			go func() {
				srv.closeConnections()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("connections are not released")
			}
		})
	}
}
