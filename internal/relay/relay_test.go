package relay

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func read(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, p, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	return string(p)
}

func TestRelayBroadcastsToAll(t *testing.T) {
	h := New(nil)
	received := make(chan string, 1)
	h.OnMessage = func(p []byte) { received <- string(p) }

	srv := httptest.NewServer(h)
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	require.Eventually(t, func() bool { return h.Count() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"topic":"greet","data":"hi"}`)))

	assert.Equal(t, `{"topic":"greet","data":"hi"}`, <-received)
	assert.Equal(t, `{"topic":"greet","data":"hi"}`, read(t, a))
	assert.Equal(t, `{"topic":"greet","data":"hi"}`, read(t, b))
}

func TestRelayServerBroadcast(t *testing.T) {
	h := New(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	a := dial(t, srv)
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)

	h.Broadcast([]byte("tick"))
	assert.Equal(t, "tick", read(t, a))
}

func TestRelayCloseAll(t *testing.T) {
	h := New(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	a := dial(t, srv)
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)

	h.CloseAll(websocket.CloseGoingAway, "bye")
	assert.Equal(t, 0, h.Count())

	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := a.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, "bye", ce.Text)
}

func TestRelayDisconnectUnregisters(t *testing.T) {
	h := New(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	a := dial(t, srv)
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	assert.Eventually(t, func() bool { return h.Count() == 0 }, time.Second, 5*time.Millisecond)
}
