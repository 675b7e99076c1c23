package external

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
)

func TestMemoryStoreAgentRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	agent := contracts.AgentEntry{InternalID: "a1", ExternalID: "alpha", OwningNodeID: "node-1"}
	require.NoError(t, store.UpsertAgent(ctx, agent))

	got, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.ExternalID)

	byNode, err := store.ListAgentsByNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Len(t, byNode, 1)

	require.NoError(t, store.DeleteAgent(ctx, "a1"))
	_, err = store.GetAgent(ctx, "a1")
	assert.Error(t, err)
}

func TestMemoryStoreAuditQuery(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		actor := "a"
		if i%2 == 1 {
			actor = "b"
		}
		require.NoError(t, store.AppendAudit(ctx, contracts.GatewayAuditRecord{ActorID: actor, Action: "echo.executed"}))
	}

	all, err := store.QueryAudit(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	onlyA, err := store.QueryAudit(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)

	limited, err := store.QueryAudit(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestEventBusFanout(t *testing.T) {
	bus := NewInMemoryEventBus(8)

	ch1, cancel1 := bus.Subscribe("alerts")
	defer cancel1()
	ch2, cancel2 := bus.Subscribe("alerts")
	defer cancel2()

	bus.Publish("alerts", map[string]any{"type": "test"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "alerts", ev.Channel)
			assert.Equal(t, "test", ev.Payload["type"])
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestEventBusDropsWhenSubscriberStalls(t *testing.T) {
	bus := NewInMemoryEventBus(2)
	ch, cancel := bus.Subscribe("alerts")
	defer cancel()

	// nobody drains: buffer fills at 2, the rest are dropped without
	// blocking the publisher
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish("alerts", map[string]any{"n": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on stalled subscriber")
	}
	assert.Equal(t, 2, len(ch))
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewInMemoryEventBus(4)
	ch, cancel := bus.Subscribe("events")
	cancel()

	// channel is closed; publish after cancel must not panic
	bus.Publish("events", map[string]any{"type": "late"})
	_, open := <-ch
	assert.False(t, open)
}

func TestVectorStoreSearchRanksByCosine(t *testing.T) {
	vs := NewInMemoryVectorStore()
	ctx := context.Background()
	require.NoError(t, vs.EnsureCollection(ctx, "memories", 3))

	require.NoError(t, vs.Upsert(ctx, "memories", []VectorPoint{
		{ID: "exact", Embedding: []float32{1, 0, 0}, Payload: map[string]any{"agent": "a"}},
		{ID: "near", Embedding: []float32{0.9, 0.1, 0}, Payload: map[string]any{"agent": "a"}},
		{ID: "far", Embedding: []float32{0, 0, 1}, Payload: map[string]any{"agent": "a"}},
		{ID: "other-agent", Embedding: []float32{1, 0, 0}, Payload: map[string]any{"agent": "b"}},
	}))

	got, err := vs.Search(ctx, "memories", []float32{1, 0, 0}, map[string]any{"agent": "a"}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "exact", got[0].ID)
	assert.Equal(t, "near", got[1].ID)
}

func TestVectorStoreUpsertReplacesByID(t *testing.T) {
	vs := NewInMemoryVectorStore()
	ctx := context.Background()
	require.NoError(t, vs.EnsureCollection(ctx, "c", 2))
	require.NoError(t, vs.Upsert(ctx, "c", []VectorPoint{{ID: "p", Embedding: []float32{1, 0}}}))
	require.NoError(t, vs.Upsert(ctx, "c", []VectorPoint{{ID: "p", Embedding: []float32{0, 1}}}))

	got, err := vs.Search(ctx, "c", []float32{0, 1}, nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []float32{0, 1}, got[0].Embedding)
}
