// Package surface is the connection surface: the bidirectional,
// authenticated, message-framed websocket channel clients and agents
// use to reach the gateway, plus its subscription fan-out and the
// health/metrics HTTP routes. Rate limiting is per-connection rather
// than per-request, since a single long-lived connection carries many
// framed messages.
package surface

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/agentgate/pkg/agentregistry"
	"github.com/Mindburn-Labs/agentgate/pkg/agentstate"
	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
	"github.com/Mindburn-Labs/agentgate/pkg/dispatcher"
	"github.com/Mindburn-Labs/agentgate/pkg/external"
	"github.com/Mindburn-Labs/agentgate/pkg/gatewayerr"
)

// Message is the wire frame: {type, id?, payload?}. Responses echo id.
type Message struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// maxPayloadBytes bounds a single inbound frame.
const maxPayloadBytes = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Surface holds the Dispatcher and the collaborators needed to service
// spawn/terminate/list/subscribe/chat frames. Administrative operations
// (agent-spawn, agent-terminate, listing, subscription management) are
// handled here directly and do not pass the Dispatcher's task gates.
type Surface struct {
	dispatch *dispatcher.Dispatcher
	registry *agentregistry.Registry
	state    *agentstate.Machine
	events   external.EventBus

	authToken string // shared secret, compared in constant time

	connRate      connRateLimit
	startedAt     time.Time
	defaultLimits contracts.AgentLimits

	mu          sync.Mutex
	connections int
}

// connRateLimit configures the per-connection token bucket.
type connRateLimit struct {
	RatePerSec float64
	Burst      int
}

// New constructs a Surface. authToken is the shared secret every
// connection's first "auth" frame must present.
func New(d *dispatcher.Dispatcher, reg *agentregistry.Registry, state *agentstate.Machine, events external.EventBus, authToken string) *Surface {
	return &Surface{
		dispatch:      d,
		registry:      reg,
		state:         state,
		events:        events,
		authToken:     authToken,
		connRate:      connRateLimit{RatePerSec: 20, Burst: 40},
		startedAt:     time.Now(),
		defaultLimits: stockLimits(),
	}
}

// SetDefaultLimits overrides the limits applied to agents spawned
// without explicit ones.
func (s *Surface) SetDefaultLimits(l contracts.AgentLimits) { s.defaultLimits = l }

// conn is one client's live state: its socket, its authenticated
// identity (once authenticated), and its per-channel subscriptions.
type conn struct {
	ws            *websocket.Conn
	writeMu       sync.Mutex
	authenticated bool
	agentID       string // internal id, once known (after auth or agent_spawn)

	limiter *rate.Limiter

	subsMu sync.Mutex
	subs   map[string]func() // channel -> cancel
}

func (c *conn) send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

// HandleWS upgrades an HTTP request to a websocket connection and runs
// its frame loop until the client disconnects.
func (s *Surface) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("surface: upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxPayloadBytes)

	s.mu.Lock()
	s.connections++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.connections--
		s.mu.Unlock()
	}()

	c := &conn{ws: ws, limiter: rate.NewLimiter(rate.Limit(s.connRate.RatePerSec), s.connRate.Burst), subs: make(map[string]func())}
	defer s.closeConn(c)

	s.loop(r.Context(), c)
}

func (s *Surface) closeConn(c *conn) {
	c.subsMu.Lock()
	for _, cancel := range c.subs {
		cancel()
	}
	c.subsMu.Unlock()
	_ = c.ws.Close()
}

func (s *Surface) loop(ctx context.Context, c *conn) {
	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		if !c.limiter.Allow() {
			_ = c.send(errorFrame(msg.ID, gatewayerr.RateLimited("connection message rate exceeded")))
			continue
		}
		s.handle(ctx, c, msg)
	}
}

func (s *Surface) handle(ctx context.Context, c *conn, msg Message) {
	if msg.Type != "auth" && !c.authenticated {
		_ = c.send(Message{Type: "auth_required", ID: msg.ID})
		return
	}

	switch msg.Type {
	case "auth":
		s.handleAuth(c, msg)
	case "agent_spawn":
		s.handleSpawn(c, msg)
	case "agent_terminate":
		s.handleTerminate(c, msg)
	case "agent_list", "agent_status":
		s.handleList(c, msg)
	case "subscribe":
		s.handleSubscribe(c, msg)
	case "unsubscribe":
		s.handleUnsubscribe(c, msg)
	case "chat":
		s.handleChat(ctx, c, msg)
	default:
		s.handleTask(ctx, c, msg)
	}
}

func (s *Surface) handleAuth(c *conn, msg Message) {
	// Reconnects may present a previously issued session token instead of
	// the shared secret.
	if session, _ := msg.Payload["sessionToken"].(string); session != "" {
		agentID, err := s.validateSessionToken(session)
		if err != nil {
			_ = c.send(Message{Type: "auth_failed", ID: msg.ID})
			_ = c.ws.Close()
			return
		}
		c.authenticated = true
		c.agentID = agentID
		_ = c.send(Message{Type: "auth_success", ID: msg.ID})
		return
	}

	tok, _ := msg.Payload["token"].(string)
	if tok == "" {
		_ = c.send(Message{Type: "auth_required", ID: msg.ID})
		return
	}
	// Shared secret comparison must not leak prefix length.
	if subtle.ConstantTimeCompare([]byte(tok), []byte(s.authToken)) != 1 {
		_ = c.send(Message{Type: "auth_failed", ID: msg.ID})
		_ = c.ws.Close()
		return
	}
	c.authenticated = true
	if agentID, ok := msg.Payload["agentId"].(string); ok {
		c.agentID = agentID
	}
	payload := map[string]any{}
	if session, err := s.issueSessionToken(c.agentID); err == nil {
		payload["sessionToken"] = session
	}
	_ = c.send(Message{Type: "auth_success", ID: msg.ID, Payload: payload})
}

func (s *Surface) handleSpawn(c *conn, msg Message) {
	p := msg.Payload
	now := time.Now()
	entry := &contracts.AgentEntry{
		InternalID:      uuid.NewString(),
		ExternalID:      str(p, "externalId"),
		DisplayName:     str(p, "displayName"),
		ManifestVersion: str(p, "manifestVersion"),
		PreferredModel:  str(p, "preferredModel"),
		TrustLevel:      contracts.TrustLevel(strOr(p, "trustLevel", string(contracts.TrustSemiAutonomous))),
		State:           contracts.AgentCreated,
		CreatedAt:       now,
		LastActiveAt:    now,
		Limits:          s.defaultLimits,
	}
	if err := s.registry.Admit(entry); err != nil {
		_ = c.send(errorFrame(msg.ID, err))
		return
	}
	for _, to := range []contracts.AgentState{contracts.AgentInitializing, contracts.AgentReady} {
		if err := s.state.Transition(entry, to); err != nil {
			_ = c.send(errorFrame(msg.ID, err))
			return
		}
	}
	c.agentID = entry.InternalID
	_ = c.send(Message{Type: "agent_spawned", ID: msg.ID, Payload: map[string]any{"internalId": entry.InternalID, "state": string(entry.State)}})
}

func (s *Surface) handleTerminate(c *conn, msg Message) {
	internalID := strOr(msg.Payload, "internalId", c.agentID)
	lock, err := s.registry.Lock(internalID)
	if err != nil {
		_ = c.send(errorFrame(msg.ID, err))
		return
	}
	agent := lock.Agent()
	terr := s.state.Transition(agent, contracts.AgentTerminated)
	lock.Unlock()
	if terr != nil {
		_ = c.send(errorFrame(msg.ID, terr))
		return
	}
	_ = c.send(Message{Type: "agent_terminated", ID: msg.ID})
}

func (s *Surface) handleList(c *conn, msg Message) {
	internalID := strOr(msg.Payload, "internalId", "")
	if internalID == "" {
		internalID = str(msg.Payload, "externalId")
	}
	if internalID != "" {
		agent, err := s.registry.Get(internalID)
		if err != nil {
			if agent, err = s.registry.GetByExternalID(internalID); err != nil {
				_ = c.send(errorFrame(msg.ID, err))
				return
			}
		}
		_ = c.send(Message{Type: "agent_status", ID: msg.ID, Payload: map[string]any{"agent": agent}})
		return
	}
	agents := s.registry.List()
	_ = c.send(Message{Type: "agent_directory", ID: msg.ID, Payload: map[string]any{"agents": agents}})
}

func (s *Surface) handleSubscribe(c *conn, msg Message) {
	channel := str(msg.Payload, "channel")
	if channel == "" {
		_ = c.send(errorFrame(msg.ID, gatewayerr.Validation("subscribe requires a channel")))
		return
	}
	ch, cancel := s.events.Subscribe(channel)
	c.subsMu.Lock()
	if old, ok := c.subs[channel]; ok {
		old()
	}
	c.subs[channel] = cancel
	c.subsMu.Unlock()

	go s.fanout(c, channel, ch)
	_ = c.send(Message{Type: "subscribed", ID: msg.ID, Payload: map[string]any{"channel": channel}})
}

// fanout delivers events to one subscriber's outbound writer. A slow
// subscriber must not block the publisher: events.Subscribe already
// applies a bounded buffer on the bus side, and if WriteJSON fails the
// subscription is torn down rather than retried.
func (s *Surface) fanout(c *conn, channel string, ch <-chan external.Event) {
	for ev := range ch {
		if err := c.send(Message{Type: "event", Payload: map[string]any{"channel": channel, "event": ev.Payload, "timestamp": ev.Timestamp}}); err != nil {
			c.subsMu.Lock()
			if cancel, ok := c.subs[channel]; ok {
				cancel()
				delete(c.subs, channel)
			}
			c.subsMu.Unlock()
			return
		}
	}
}

func (s *Surface) handleUnsubscribe(c *conn, msg Message) {
	channel := str(msg.Payload, "channel")
	c.subsMu.Lock()
	if cancel, ok := c.subs[channel]; ok {
		cancel()
		delete(c.subs, channel)
	}
	c.subsMu.Unlock()
	_ = c.send(Message{Type: "unsubscribed", ID: msg.ID, Payload: map[string]any{"channel": channel}})
}

// handleChat special-cases the optional-streaming chat path: it runs
// the normal chat task through the Dispatcher gate chain, then, if the
// caller asked for streaming, replays the resulting content as a
// sequence of chat_stream frames followed by exactly one
// chat_stream_end. external.LLMRouter's Route is request/response, not
// a token stream, so the chunking happens here rather than inside the
// Dispatcher.
func (s *Surface) handleChat(ctx context.Context, c *conn, msg Message) {
	stream, _ := msg.Payload["stream"].(bool)
	result, err := s.dispatch.Dispatch(ctx, dispatcher.TaskRequest{
		AgentID: c.agentID,
		Type:    "chat",
		Payload: msg.Payload,
	})
	if err != nil {
		if stream {
			_ = c.send(Message{Type: "chat_stream_end", ID: msg.ID, Payload: map[string]any{"error": err.Error()}})
			return
		}
		_ = c.send(errorFrame(msg.ID, err))
		return
	}
	if !stream {
		_ = c.send(Message{Type: "chat", ID: msg.ID, Payload: result})
		return
	}
	content, _ := result["content"].(string)
	for _, chunk := range chunkString(content, 64) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.send(Message{Type: "chat_stream", ID: msg.ID, Payload: map[string]any{"delta": chunk}}); err != nil {
			return
		}
	}
	_ = c.send(Message{Type: "chat_stream_end", ID: msg.ID, Payload: map[string]any{"model": result["model"]}})
}

func chunkString(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var out []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// handleTask routes every other recognized task type straight to the
// Dispatcher's gate chain.
func (s *Surface) handleTask(ctx context.Context, c *conn, msg Message) {
	req := dispatcher.TaskRequest{
		AgentID: c.agentID,
		Type:    msg.Type,
		Payload: msg.Payload,
	}
	if approval, ok := msg.Payload["approval"].(map[string]any); ok {
		approvedBy, _ := approval["approvedBy"].(string)
		req.Approval = &dispatcher.Approval{ApprovedBy: approvedBy}
	}
	if timeoutMs, ok := msg.Payload["timeout"].(float64); ok && timeoutMs > 0 {
		req.Timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	result, err := s.dispatch.Dispatch(ctx, req)
	if err != nil {
		_ = c.send(errorFrame(msg.ID, err))
		return
	}
	_ = c.send(Message{Type: msg.Type, ID: msg.ID, Payload: result})
}

func errorFrame(id string, err error) Message {
	code := string(gatewayerr.CodeInternal)
	if gerr, ok := err.(*gatewayerr.Error); ok {
		code = string(gerr.Code)
	}
	return Message{Type: "error", ID: id, Payload: map[string]any{"status": "error", "error": err.Error(), "code": code}}
}

func stockLimits() contracts.AgentLimits {
	return contracts.AgentLimits{
		MaxTokensPerRequest: 4096,
		TokensPerMinute:     100000,
		RequestsPerMinute:   60,
		ToolCallsPerMinute:  30,
		CostBudgetUSD:       10.0,
		MaxMemoryMB:         512,
	}
}

func str(p map[string]any, key string) string {
	v, _ := p[key].(string)
	return v
}

func strOr(p map[string]any, key, fallback string) string {
	if v := str(p, key); v != "" {
		return v
	}
	return fallback
}

// ConnectionCount reports the number of live websocket connections, for
// the /metrics connections_total gauge.
func (s *Surface) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

