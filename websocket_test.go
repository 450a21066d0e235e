package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketURL(t *testing.T) {
	assert.Equal(t, "wss://chat.example.com/ws", WebSocketURL("https://chat.example.com/"))
	assert.Equal(t, "ws://localhost:3200/ws", WebSocketURL("http://localhost:3200"))
}

// echoServer authenticates with the token it was dialed with, sends a
// binary frame the client must skip, then echoes every text frame.
func echoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		auth, _ := json.Marshal(map[string]any{
			"type":    EvtAuthenticated,
			"payload": map[string]string{"userId": token},
		})
		_ = c.WriteMessage(websocket.BinaryMessage, []byte{0x1})
		_ = c.WriteMessage(websocket.TextMessage, auth)

		for {
			typ, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketDialer(t *testing.T) {
	srv := echoServer(t)
	d := &WebSocketDialer{URL: WebSocketURL(srv.URL), ReadLimit: 1 << 16}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, "u-42")
	require.NoError(t, err)
	defer conn.Close("done")

	auth, err := handshake(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "u-42", auth.UserID)

	require.NoError(t, conn.Write(ctx, []byte(`{"type":"typing_start","payload":{"conversationId":"c1"}}`)))
	data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "typing_start"))
}

func TestWebSocketDialerRejected(t *testing.T) {
	srv := echoServer(t)
	d := &WebSocketDialer{URL: WebSocketURL(srv.URL)}

	_, err := d.Dial(context.Background(), "")
	assert.ErrorContains(t, err, "websocket dial")

	_, err = (&WebSocketDialer{URL: "://bad"}).Dial(context.Background(), "tok")
	assert.ErrorContains(t, err, "parse websocket url")
}

func TestEngineOverWebSocket(t *testing.T) {
	srv := echoServer(t)
	e := New(nil, &WebSocketDialer{URL: WebSocketURL(srv.URL)})
	t.Cleanup(func() { e.Close() })

	require.NoError(t, e.Connect(context.Background(), StaticCredential("me")))
	assert.Equal(t, "me", e.Self())
	assert.Equal(t, StateConnected, e.ConnectionState())

	// the echo server reflects the send back; an echoed command is not a
	// known event and must not disturb the store
	_, err := e.SendMessage(context.Background(), "c1", "hello", nil)
	require.NoError(t, err)
	assert.Len(t, e.Messages("c1"), 1)
}
