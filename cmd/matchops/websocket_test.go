package main

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

	"github.com/matchops/localsync/internal/config"
	"github.com/matchops/localsync/internal/models"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func waitForClients(t *testing.T, hub *WSHub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 5*time.Second, 10*time.Millisecond)
}

func TestWSHubSubscriptions(t *testing.T) {
	hub := NewWSHub()
	defer hub.Close()
	srv := httptest.NewServer(HandleWebSocket(hub))
	defer srv.Close()

	conn := dial(t, srv.URL)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventEntityDeleted},
	}))
	ack := readEnvelope(t, conn)
	assert.Equal(t, "subscribe_ack", ack["action"])

	// Filtered out, then delivered.
	hub.BroadcastEntitySaved(models.Entity{Type: models.EntityPlayer, ID: "p1"})
	hub.BroadcastEntityDeleted(models.EntityPlayer, "p1")

	msg := readEnvelope(t, conn)
	assert.Equal(t, EventEntityDeleted, msg["type"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "p1", data["entity_id"])
}

func TestWSHubPing(t *testing.T) {
	hub := NewWSHub()
	defer hub.Close()
	srv := httptest.NewServer(HandleWebSocket(hub))
	defer srv.Close()

	conn := dial(t, srv.URL)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	assert.Equal(t, "pong", readEnvelope(t, conn)["action"])

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestRouterWiring(t *testing.T) {
	isolate(t)
	ctx := context.Background()

	cfg, err := config.Load("")
	require.NoError(t, err)
	a, err := openApp(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	hub := NewWSHub()
	defer hub.Close()
	detach := wireEvents(a, hub)
	defer detach()

	srv := httptest.NewServer(newRouter(ctx, a, hub))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn := dial(t, srv.URL+"/ws")
	waitForClients(t, hub, 1)
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventEntitySaved},
	}))
	readEnvelope(t, conn)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/entities/player/p1", strings.NewReader(`{"name":"Alice"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msg := readEnvelope(t, conn)
	assert.Equal(t, EventEntitySaved, msg["type"])

	resp, err = http.Get(srv.URL + "/api/sync/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "offline", status["state"])
	assert.EqualValues(t, 1, status["pending_count"])
}
