package relaytest_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chatsync/internal/relaytest"
	"github.com/zhouzirui/chatsync/internal/service/realtime"
)

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) realtime.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := realtime.Decode(data)
	require.NoError(t, err)
	return env
}

func write(t *testing.T, conn *websocket.Conn, env realtime.Envelope) {
	t.Helper()
	data, err := realtime.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestRelayRoutesRoomTraffic(t *testing.T) {
	relay := relaytest.New(relaytest.Options{})
	srv := httptest.NewServer(relay.Handler())
	defer srv.Close()

	agent := dial(t, srv, "/ws/agent/u1")
	require.Equal(t, realtime.TypeConnectionEstablished, read(t, agent).Type)
	visitor := dial(t, srv, "/ws/visitor/w1?visitor_id=v1")
	require.Equal(t, realtime.TypeConnectionEstablished, read(t, visitor).Type)

	write(t, agent, realtime.Envelope{Type: realtime.TypeJoinConversation, ConversationID: "c1"})
	require.Eventually(t, func() bool { return len(relay.Members("c1")) == 1 }, 5*time.Second, 10*time.Millisecond)
	write(t, visitor, realtime.Envelope{Type: realtime.TypeJoinConversation, ConversationID: "c1"})

	joined := read(t, agent)
	require.Equal(t, realtime.TypeVisitorJoined, joined.Type)
	require.Equal(t, "v1", joined.Participant().ID)
	require.Equal(t, []string{"agent:u1", "visitor:v1"}, relay.Members("c1"))

	write(t, visitor, realtime.Envelope{Type: realtime.TypeSendMessage, ConversationID: "c1", Content: "hi", ClientMessageID: "cm-1"})
	echo := read(t, visitor)
	msg, err := echo.ChatMessage()
	require.NoError(t, err)
	require.Equal(t, "cm-1", msg.ClientMessageID)
	require.NotEmpty(t, msg.ID)

	delivered, err := read(t, agent).ChatMessage()
	require.NoError(t, err)
	require.Equal(t, msg.ID, delivered.ID)
	require.Equal(t, "v1", delivered.SenderID)

	write(t, agent, realtime.Envelope{Type: realtime.TypePing})
	require.Equal(t, realtime.TypePong, read(t, agent).Type)

	require.Equal(t, []string{
		realtime.TypeJoinConversation, realtime.TypeJoinConversation, realtime.TypeSendMessage, realtime.TypePing,
	}, relay.ReceivedTypes())
}

func TestRelayRejectsInvalidEnvelope(t *testing.T) {
	relay := relaytest.New(relaytest.Options{})
	srv := httptest.NewServer(relay.Handler())
	defer srv.Close()

	conn := dial(t, srv, "/ws/agent/u1")
	read(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"new_message"}`)))

	env := read(t, conn)
	require.Equal(t, realtime.TypeError, env.Type)
	require.Contains(t, env.ErrorText(), "new_message")
	require.Empty(t, relay.Received())
}

func TestRelayHandshakeRejections(t *testing.T) {
	relay := relaytest.New(relaytest.Options{Tokens: map[string]string{"u1": "secret"}})
	srv := httptest.NewServer(relay.Handler())
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	cases := map[string]int{
		"/ws/agent/u1?token=nope": http.StatusUnauthorized,
		"/ws/agent/u2?token=nope": http.StatusNotFound,
		"/ws/visitor/w1":          http.StatusBadRequest,
	}
	for path, status := range cases {
		_, resp, err := websocket.DefaultDialer.Dial(base+path, nil)
		require.Error(t, err, path)
		require.NotNil(t, resp, path)
		require.Equal(t, status, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}
