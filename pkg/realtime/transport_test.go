package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, origins []string) (*httptest.Server, *binderHarness) {
	t.Helper()
	h := newBinderHarness(t, nil)
	srv := httptest.NewServer(NewTransport(h.binder, origins, nil))
	t.Cleanup(srv.Close)
	return srv, h
}

func wsURL(srv *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	if query != "" {
		u += "?" + query
	}
	return u
}

func readEvent(t *testing.T, ws *websocket.Conn, event string) Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env Envelope
		require.NoError(t, ws.ReadJSON(&env))
		if env.Event == event {
			return env
		}
	}
}

func TestTransportRejectsUnauthenticatedHandshake(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=forged"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTransportChecksOrigin(t *testing.T) {
	srv, _ := newTestServer(t, []string{"https://app.caseguard.test"})

	header := http.Header{"Origin": []string{"https://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=alice-token"), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.caseguard.test")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=alice-token"), header)
	require.NoError(t, err)
	ws.Close()
}

func TestTransportSession(t *testing.T) {
	srv, h := newTestServer(t, nil)
	h.grant(t, alice, "chat.send")
	h.grant(t, bob, "chat.read")

	dialer := websocket.Dialer{Subprotocols: []string{"bearer", "alice-token"}}
	aliceWS, resp, err := dialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer aliceWS.Close()
	assert.Equal(t, "bearer", resp.Header.Get("Sec-WebSocket-Protocol"))
	readEvent(t, aliceWS, EventUserOnline)

	bobWS, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), http.Header{"Authorization": []string{"Bearer bob-token"}})
	require.NoError(t, err)
	defer bobWS.Close()
	readEvent(t, bobWS, EventUserOnline)

	assert.Eventually(t, func() bool {
		return len(h.binder.OnlineUsers()) == 2
	}, time.Second, 10*time.Millisecond)

	for _, ws := range []*websocket.Conn{aliceWS, bobWS} {
		require.NoError(t, ws.WriteJSON(envelope(t, EventJoinRoom, CasePayload{CaseID: "c1"})))
		readEvent(t, ws, EventJoined)
	}

	require.NoError(t, aliceWS.WriteJSON(envelope(t, EventSendMessage, SendMessagePayload{CaseID: "c1", Content: "ready"})))
	env := readEvent(t, bobWS, EventNewMessage)
	assert.Contains(t, string(env.Data), `"content":"ready"`)

	require.NoError(t, bobWS.WriteJSON(envelope(t, EventSendMessage, SendMessagePayload{CaseID: "c1", Content: "denied"})))
	env = readEvent(t, bobWS, EventError)
	assert.Contains(t, string(env.Data), `"code":403`)

	require.NoError(t, bobWS.Close())
	env = readEvent(t, aliceWS, EventUserOffline)
	assert.Contains(t, string(env.Data), `"userId":"bob"`)
	assert.Equal(t, []string{"alice"}, h.binder.OnlineUsers())
}
