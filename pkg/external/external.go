// Package external defines the gateway's boundary interfaces to its
// collaborating services — PersistentStore, VectorStore, EventBus,
// LLMRouter, EmbeddingService — plus in-memory implementations suitable
// for local development and tests. Production deployments wire the
// SQL-backed PersistentStore instead of MemoryStore.
package external

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
	"github.com/Mindburn-Labs/agentgate/pkg/gatewayerr"
)

// PersistentStore is the durable projection of agent directory state
// and the audit log, shared across gateway nodes; cluster fan-out reads
// it when a node id is configured.
type PersistentStore interface {
	UpsertAgent(ctx context.Context, agent contracts.AgentEntry) error
	GetAgent(ctx context.Context, internalID string) (*contracts.AgentEntry, error)
	ListAgentsByNode(ctx context.Context, nodeID string) ([]contracts.AgentEntry, error)
	DeleteAgent(ctx context.Context, internalID string) error
	AppendAudit(ctx context.Context, rec contracts.GatewayAuditRecord) error
	QueryAudit(ctx context.Context, actorID string, limit int) ([]contracts.GatewayAuditRecord, error)
	Close() error
}

// VectorPoint is a single embedded item with its source payload.
type VectorPoint struct {
	ID        string
	Embedding []float32
	Payload   map[string]any
}

// VectorStore supports collection provisioning, upsert, filtered
// similarity search, and close.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dims int) error
	Upsert(ctx context.Context, collection string, points []VectorPoint) error
	Search(ctx context.Context, collection string, embedding []float32, filters map[string]any, limit int) ([]VectorPoint, error)
	Close() error
}

// Event is a single message published on an EventBus channel.
type Event struct {
	Channel   string
	Payload   map[string]any
	Timestamp time.Time
}

// EventBus supports publish and channel subscription. Fan-out is
// best-effort: a slow subscriber's bounded buffer fills and its events
// are dropped rather than stalling the publisher.
type EventBus interface {
	Publish(channel string, payload map[string]any)
	Subscribe(channel string) (ch <-chan Event, cancel func())
}

// RouteRequest is a single chat completion request to route to a model.
type RouteRequest struct {
	Messages []map[string]any
	Model    string
	Tools    []map[string]any
}

// RouteUsage reports token accounting for a routed call.
type RouteUsage struct {
	InputTokens  int
	OutputTokens int
}

// RouteResponse is what an LLMRouter call returns on success.
type RouteResponse struct {
	Content    string
	Model      string
	Usage      RouteUsage
	ProviderID string
	LatencyMs  int64
}

// LLMRouter lists available models and routes a request with retry and
// provider failover.
type LLMRouter interface {
	ListModels() []string
	Route(ctx context.Context, req RouteRequest) (*RouteResponse, error)
}

// EmbeddingService generates a vector embedding for text. A nil vector
// with a nil error means "no embedding available" and callers proceed
// without failing. The method name matches
// memoryfacade.EmbeddingService so a single implementation satisfies both
// without an adapter.
type EmbeddingService interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MemoryStore is an in-memory PersistentStore, used for local development
// and as the default in tests. It holds the only logical tables the
// gateway's own code actually reads back: agents (for cluster discovery)
// and the audit log (for durable replay). Forum, job, and reputation
// state is owned by pkg/marketplace, not by this store.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]contracts.AgentEntry
	audit  []contracts.GatewayAuditRecord
}

// NewMemoryStore returns an empty, ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]contracts.AgentEntry),
	}
}

func (m *MemoryStore) UpsertAgent(_ context.Context, agent contracts.AgentEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.InternalID] = agent
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, internalID string) (*contracts.AgentEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[internalID]
	if !ok {
		return nil, gatewayerr.NotFound("external: no durable record for agent %s", internalID)
	}
	return &a, nil
}

func (m *MemoryStore) ListAgentsByNode(_ context.Context, nodeID string) ([]contracts.AgentEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.AgentEntry
	for _, a := range m.agents {
		if a.OwningNodeID == nodeID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteAgent(_ context.Context, internalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, internalID)
	return nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, rec contracts.GatewayAuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, rec)
	return nil
}

func (m *MemoryStore) QueryAudit(_ context.Context, actorID string, limit int) ([]contracts.GatewayAuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.GatewayAuditRecord
	for _, r := range m.audit {
		if actorID == "" || r.ActorID == actorID {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// InMemoryVectorStore is a brute-force cosine-similarity VectorStore, the
// stdlib-only fallback used outside production: the corpus carries no
// vector-database client library (no qdrant/pinecone/weaviate SDK in any
// example repo's go.mod), so there is nothing to wire here instead.
type InMemoryVectorStore struct {
	mu          sync.RWMutex
	collections map[string][]VectorPoint
}

// NewInMemoryVectorStore returns an empty VectorStore.
func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{collections: make(map[string][]VectorPoint)}
}

func (v *InMemoryVectorStore) EnsureCollection(_ context.Context, name string, _ int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.collections[name]; !ok {
		v.collections[name] = nil
	}
	return nil
}

func (v *InMemoryVectorStore) Upsert(_ context.Context, collection string, points []VectorPoint) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	existing := v.collections[collection]
	byID := make(map[string]int, len(existing))
	for i, p := range existing {
		byID[p.ID] = i
	}
	for _, p := range points {
		if i, ok := byID[p.ID]; ok {
			existing[i] = p
		} else {
			existing = append(existing, p)
			byID[p.ID] = len(existing) - 1
		}
	}
	v.collections[collection] = existing
	return nil
}

func (v *InMemoryVectorStore) Search(_ context.Context, collection string, embedding []float32, filters map[string]any, limit int) ([]VectorPoint, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	type scored struct {
		p     VectorPoint
		score float64
	}
	var out []scored
	for _, p := range v.collections[collection] {
		if !payloadMatches(p.Payload, filters) {
			continue
		}
		out = append(out, scored{p: p, score: cosine(embedding, p.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })

	if limit <= 0 || limit > len(out) {
		limit = len(out)
	}
	result := make([]VectorPoint, 0, limit)
	for i := 0; i < limit; i++ {
		result = append(result, out[i].p)
	}
	return result, nil
}

func (v *InMemoryVectorStore) Close() error { return nil }

func payloadMatches(payload, filters map[string]any) bool {
	for k, want := range filters {
		if payload[k] != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// InMemoryEventBus implements EventBus with a per-subscriber bounded
// buffer; a publish to a full subscriber channel drops that message for
// that subscriber rather than blocking the publisher.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	bufferSize  int
	now         func() time.Time
}

// NewInMemoryEventBus returns an EventBus whose subscriber channels are
// buffered to bufferSize.
func NewInMemoryEventBus(bufferSize int) *InMemoryEventBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &InMemoryEventBus{
		subscribers: make(map[string]map[chan Event]struct{}),
		bufferSize:  bufferSize,
		now:         time.Now,
	}
}

func (b *InMemoryEventBus) Publish(channel string, payload map[string]any) {
	ev := Event{Channel: channel, Payload: payload, Timestamp: b.now().UTC()}

	b.mu.RLock()
	subs := b.subscribers[channel]
	chans := make([]chan Event, 0, len(subs))
	for ch := range subs {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default: // subscriber stalled: drop this event for them, never block the publisher
		}
	}
}

func (b *InMemoryEventBus) Subscribe(channel string) (<-chan Event, func()) {
	ch := make(chan Event, b.bufferSize)

	b.mu.Lock()
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[chan Event]struct{})
	}
	b.subscribers[channel][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers[channel], ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}
