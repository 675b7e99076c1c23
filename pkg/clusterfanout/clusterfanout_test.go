package clusterfanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
	"github.com/Mindburn-Labs/agentgate/pkg/external"
)

func TestDisabledReturnsLocalOnly(t *testing.T) {
	d := New(external.NewMemoryStore(), "", nil)
	local := []*contracts.AgentEntry{{InternalID: "a1"}}
	out, err := d.Discover(context.Background(), local)
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, "a1", out[0].InternalID)
}

func TestDiscoverMergesPeerAgents(t *testing.T) {
	store := external.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertAgent(ctx, contracts.AgentEntry{InternalID: "remote-1", OwningNodeID: "node-b"}))

	d := New(store, "node-a", []string{"node-b"})
	local := []*contracts.AgentEntry{{InternalID: "local-1"}}

	out, err := d.Discover(ctx, local)
	require.NoError(t, err)
	require.Len(t, out, 2)

	ids := map[string]string{}
	for _, a := range out {
		ids[a.InternalID] = a.OwningNodeID
	}
	assert.Equal(t, "node-a", ids["local-1"])
	assert.Equal(t, "node-b", ids["remote-1"])

	health := d.PeerHealthSnapshot()
	require.Contains(t, health, "node-b")
	assert.True(t, health["node-b"].Healthy)
}

func TestSyncStampsOwningNode(t *testing.T) {
	store := external.NewMemoryStore()
	ctx := context.Background()
	d := New(store, "node-a", nil)

	require.NoError(t, d.Sync(ctx, contracts.AgentEntry{InternalID: "a1"}))

	got, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.OwningNodeID)
}

func TestSyncNoopWhenDisabled(t *testing.T) {
	store := external.NewMemoryStore()
	ctx := context.Background()
	d := New(store, "", nil)

	require.NoError(t, d.Sync(ctx, contracts.AgentEntry{InternalID: "a1"}))

	_, err := store.GetAgent(ctx, "a1")
	require.Error(t, err)
}

func TestOwnsAndRequireLocal(t *testing.T) {
	d := New(external.NewMemoryStore(), "node-a", nil)

	local := contracts.AgentEntry{InternalID: "a1", OwningNodeID: "node-a"}
	assert.True(t, d.Owns(local))
	assert.NoError(t, d.RequireLocal(local))

	unowned := contracts.AgentEntry{InternalID: "a2"}
	assert.True(t, d.Owns(unowned))

	remote := contracts.AgentEntry{InternalID: "a3", OwningNodeID: "node-b"}
	assert.False(t, d.Owns(remote))
	err := d.RequireLocal(remote)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node-b")
}

func TestUnknownPeerYieldsNoAgentsButStaysHealthy(t *testing.T) {
	// MemoryStore.ListAgentsByNode never errors, it just filters — an
	// unregistered peer id is indistinguishable from "no agents there yet"
	// for an in-memory store, the same way a durable SQL store would see
	// zero rows rather than a connection failure.
	store := external.NewMemoryStore()
	d := New(store, "node-a", []string{"node-ghost"}).WithClock(func() time.Time { return time.Unix(0, 0) })

	out, err := d.Discover(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	health := d.PeerHealthSnapshot()
	require.Contains(t, health, "node-ghost")
	assert.True(t, health["node-ghost"].Healthy)
}
