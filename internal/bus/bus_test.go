package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/bus/internal/casil"
	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/config"
	"github.com/arqonbus/bus/internal/dispatch"
	"github.com/arqonbus/bus/internal/events"
	roomsop "github.com/arqonbus/bus/internal/operator/rooms"
	"github.com/arqonbus/bus/internal/registry"
	"github.com/arqonbus/bus/internal/rooms"
	"github.com/arqonbus/bus/internal/storage"
	"github.com/arqonbus/bus/internal/timesync"
)

func newTestHub(t *testing.T, cfg *config.Config) (*Hub, *command.Registry, *rooms.Manager) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
		cfg.Server.Environment = "local"
		cfg.Server.InfraProtocol = "json"
	}

	reg := registry.New()
	roomsMgr := rooms.New()
	engine := casil.New(casil.DefaultConfig())
	backend, err := storage.Create(context.Background(), storage.Config{Kind: "memory"})
	require.NoError(t, err)
	cmdRegistry := command.NewRegistry()
	roomsop.RegisterHandlers(cmdRegistry, roomsMgr)

	dispatcher := dispatch.New(func(clientID string) (dispatch.Sender, bool) {
		c, ok := reg.Get(clientID)
		return c, ok
	})

	hub := NewHub(cfg, reg, roomsMgr, engine, backend, cmdRegistry, dispatcher, nil,
		timesync.NewMonotonicSequenceGenerator(), events.NewBus(), nil, slog.Default())
	return hub, cmdRegistry, roomsMgr
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readEnvelopeJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestWelcomeFrameOnConnect(t *testing.T) {
	hub, _, _ := newTestHub(t, nil)
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()

	welcome := readEnvelopeJSON(t, conn)
	payload := welcome["payload"].(map[string]any)
	require.Equal(t, true, payload["welcome"])
	require.NotEmpty(t, payload["client_id"])
}

func TestHelloWorldFanOutExcludesSender(t *testing.T) {
	hub, cmdRegistry, roomsMgr := newTestHub(t, nil)
	_ = cmdRegistry
	_ = roomsMgr
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	w1 := dial(t, server)
	defer w1.Close()
	w2 := dial(t, server)
	defer w2.Close()

	welcome1 := readEnvelopeJSON(t, w1)
	welcome2 := readEnvelopeJSON(t, w2)
	client1 := welcome1["payload"].(map[string]any)["client_id"].(string)
	client2 := welcome2["payload"].(map[string]any)["client_id"].(string)
	require.NotEqual(t, client1, client2)

	joinFrame := func(clientConn *websocket.Conn) {
		env := map[string]any{
			"id": "arq_1_1_aabbcc", "type": "command", "timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"command": "op.rooms.join", "args": map[string]any{"room": "science", "channel": "general"},
		}
		data, err := json.Marshal(env)
		require.NoError(t, err)
		require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, data))
	}
	joinFrame(w1)
	readEnvelopeJSON(t, w1) // join response
	joinFrame(w2)
	readEnvelopeJSON(t, w2) // join response

	msg := map[string]any{
		"id": "arq_2_2_ddeeff", "type": "message", "timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"room": "science", "channel": "general", "payload": map[string]any{"content": "Hello World from SDK"},
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, w1.WriteMessage(websocket.TextMessage, data))

	received := readEnvelopeJSON(t, w2)
	require.Equal(t, "message", received["type"])
	require.Equal(t, "Hello World from SDK", received["payload"].(map[string]any)["content"])
}

func TestInfraProtocolGateRejectsJSONWhenDisallowed(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.Environment = "local"
	cfg.Server.InfraProtocol = "protobuf"
	cfg.Server.AllowJSONInfra = false
	hub, _, _ := newTestHub(t, cfg)
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()
	readEnvelopeJSON(t, conn) // welcome

	cmd := map[string]any{
		"id": "arq_3_3_112233", "type": "command", "timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"command": "op.rooms.join", "args": map[string]any{"room": "x", "channel": "y"},
	}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	resp := readEnvelopeJSON(t, conn)
	require.Equal(t, "INFRA_PROTOCOL_ERROR", resp["error_code"])
}
