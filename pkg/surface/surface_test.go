package surface

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentgate/pkg/a2a"
	"github.com/Mindburn-Labs/agentgate/pkg/accounting"
	"github.com/Mindburn-Labs/agentgate/pkg/agentregistry"
	"github.com/Mindburn-Labs/agentgate/pkg/agentstate"
	"github.com/Mindburn-Labs/agentgate/pkg/capstore"
	"github.com/Mindburn-Labs/agentgate/pkg/external"
	"github.com/Mindburn-Labs/agentgate/pkg/govloop"
	"github.com/Mindburn-Labs/agentgate/pkg/marketplace"
	"github.com/Mindburn-Labs/agentgate/pkg/memoryfacade"
	"github.com/Mindburn-Labs/agentgate/pkg/policy"
	"github.com/Mindburn-Labs/agentgate/pkg/sanitize"
	"github.com/Mindburn-Labs/agentgate/pkg/toolregistry"

	"github.com/Mindburn-Labs/agentgate/pkg/dispatcher"
)

const testSecret = "test-shared-secret"

func newTestSurface(t *testing.T) (*Surface, *external.InMemoryEventBus, *httptest.Server) {
	t.Helper()
	registry, err := agentregistry.New("", "")
	require.NoError(t, err)
	caps, err := capstore.New([]byte("surface-test-master-secret"), "salt")
	require.NoError(t, err)
	pol := policy.New(false)
	state := agentstate.New()
	auditLog := govloop.NewAuditLog()
	gov, err := govloop.NewEngine(auditLog)
	require.NoError(t, err)
	events := external.NewInMemoryEventBus(16)

	d := dispatcher.New(registry, caps, pol, accounting.New(60, nil), sanitize.New(),
		toolregistry.New(caps, pol), memoryfacade.New(nil), state, gov, auditLog,
		marketplace.New(), nil, events, external.NewMemoryStore())
	d.SetA2A(a2a.NewEngine(registry, d.AgentDispatch, events.Publish))

	s := New(d, registry, state, events, testSecret)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)
	s.RegisterHealthRoutes(mux, nil, nil)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, events, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendRecv(t *testing.T, ws *websocket.Conn, msg Message) Message {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
	var reply Message
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&reply))
	return reply
}

func authenticate(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	reply := sendRecv(t, ws, Message{Type: "auth", ID: "1", Payload: map[string]any{"token": testSecret}})
	require.Equal(t, "auth_success", reply.Type)
	return reply
}

func TestUnauthenticatedFrameGetsAuthRequired(t *testing.T) {
	_, _, srv := newTestSurface(t)
	ws := dialWS(t, srv)

	reply := sendRecv(t, ws, Message{Type: "agent_list", ID: "1"})
	assert.Equal(t, "auth_required", reply.Type)
}

func TestAuthWithWrongTokenClosesConnection(t *testing.T) {
	_, _, srv := newTestSurface(t)
	ws := dialWS(t, srv)

	reply := sendRecv(t, ws, Message{Type: "auth", ID: "1", Payload: map[string]any{"token": "wrong"}})
	assert.Equal(t, "auth_failed", reply.Type)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var next Message
	assert.Error(t, ws.ReadJSON(&next), "server should have closed the socket")
}

func TestAuthIssuesReusableSessionToken(t *testing.T) {
	_, _, srv := newTestSurface(t)

	ws := dialWS(t, srv)
	reply := authenticate(t, ws)
	session, _ := reply.Payload["sessionToken"].(string)
	require.NotEmpty(t, session)

	// reconnect with only the session token
	ws2 := dialWS(t, srv)
	reply2 := sendRecv(t, ws2, Message{Type: "auth", ID: "1", Payload: map[string]any{"sessionToken": session}})
	assert.Equal(t, "auth_success", reply2.Type)

	ws3 := dialWS(t, srv)
	reply3 := sendRecv(t, ws3, Message{Type: "auth", ID: "1", Payload: map[string]any{"sessionToken": "garbage"}})
	assert.Equal(t, "auth_failed", reply3.Type)
}

func TestSpawnThenEchoTask(t *testing.T) {
	_, _, srv := newTestSurface(t)
	ws := dialWS(t, srv)
	authenticate(t, ws)

	spawned := sendRecv(t, ws, Message{Type: "agent_spawn", ID: "2", Payload: map[string]any{"externalId": "alpha"}})
	require.Equal(t, "agent_spawned", spawned.Type)
	assert.Equal(t, "ready", spawned.Payload["state"])

	echoed := sendRecv(t, ws, Message{Type: "echo", ID: "3", Payload: map[string]any{"content": "ping"}})
	require.Equal(t, "echo", echoed.Type)
	assert.Equal(t, "ping", echoed.Payload["content"])
}

func TestUnknownTaskReturnsErrorFrame(t *testing.T) {
	_, _, srv := newTestSurface(t)
	ws := dialWS(t, srv)
	authenticate(t, ws)

	spawned := sendRecv(t, ws, Message{Type: "agent_spawn", ID: "2", Payload: map[string]any{"externalId": "alpha"}})
	require.Equal(t, "agent_spawned", spawned.Type)

	reply := sendRecv(t, ws, Message{Type: "definitely_not_a_task", ID: "4"})
	require.Equal(t, "error", reply.Type)
	assert.Equal(t, "error", reply.Payload["status"])
	assert.Contains(t, reply.Payload["error"], "unknown task type")
}

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	_, events, srv := newTestSurface(t)
	ws := dialWS(t, srv)
	authenticate(t, ws)

	sub := sendRecv(t, ws, Message{Type: "subscribe", ID: "5", Payload: map[string]any{"channel": "alerts"}})
	require.Equal(t, "subscribed", sub.Type)

	events.Publish("alerts", map[string]any{"type": "rate_limit.exceeded"})

	var ev Message
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&ev))
	require.Equal(t, "event", ev.Type)
	assert.Equal(t, "alerts", ev.Payload["channel"])
}

func TestAgentTerminateLifecycle(t *testing.T) {
	_, _, srv := newTestSurface(t)
	ws := dialWS(t, srv)
	authenticate(t, ws)

	spawned := sendRecv(t, ws, Message{Type: "agent_spawn", ID: "2", Payload: map[string]any{"externalId": "alpha"}})
	internalID, _ := spawned.Payload["internalId"].(string)
	require.NotEmpty(t, internalID)

	killed := sendRecv(t, ws, Message{Type: "agent_terminate", ID: "6", Payload: map[string]any{"internalId": internalID}})
	assert.Equal(t, "agent_terminated", killed.Type)

	// terminated is absorbing: a second terminate is a state error
	again := sendRecv(t, ws, Message{Type: "agent_terminate", ID: "7", Payload: map[string]any{"internalId": internalID}})
	assert.Equal(t, "error", again.Type)
}

func TestHealthEndpoints(t *testing.T) {
	_, _, srv := newTestSurface(t)

	// no providers configured -> status "error" -> 503 on /health and /ready
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	live, err := http.Get(srv.URL + "/live")
	require.NoError(t, err)
	defer func() { _ = live.Body.Close() }()
	assert.Equal(t, http.StatusOK, live.StatusCode)

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = metrics.Body.Close() }()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
	assert.Contains(t, metrics.Header.Get("Content-Type"), "text/plain")
}
