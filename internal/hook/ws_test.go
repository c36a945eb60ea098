package hook

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/clauderon/clauderon/internal/session"
)

func TestHubBroadcastsStatusToAttachedClient(t *testing.T) {
	fm := &fakeManager{}
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	router := NewRouter(fm, hub, nil)
	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/internal/hooks/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the hub a moment to register the client before broadcasting.
	time.Sleep(20 * time.Millisecond)

	rec := postStatus(router, `{"session_id":"sess-1","status":"working"}`)
	require.Equal(t, 204, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "sess-1")
	require.Contains(t, string(data), string(session.ClaudeStatusWorking))
}
