// Package clusterfanout shares the agent directory across gateway nodes
// through the durable PersistentStore rather than direct node-to-node
// calls: every node writes its own agents into the shared store under
// its node id, and discovery reads the other known nodes' slices back
// out of that same store.
package clusterfanout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
	"github.com/Mindburn-Labs/agentgate/pkg/external"
	"github.com/Mindburn-Labs/agentgate/pkg/gatewayerr"
)

// PeerHealth records whether the last fan-out read from a peer node
// succeeded. There is nothing to reconnect here, only a durable store
// query that either answered or didn't.
type PeerHealth struct {
	Healthy  bool
	LastSeen time.Time
	LastErr  string
}

// Directory is the cluster-aware agent directory. An empty node id
// means the gateway runs standalone and Discover returns exactly the
// local registry's view.
type Directory struct {
	mu     sync.RWMutex
	store  external.PersistentStore
	cache  *RedisDirectoryCache
	nodeID string
	peers  []string
	health map[string]*PeerHealth
	now    func() time.Time
}

// New constructs a cluster directory backed by store, owned by nodeID.
// peers lists the OTHER node ids known to share this store; nodeID
// itself should not be included. An empty nodeID disables fan-out.
func New(store external.PersistentStore, nodeID string, peers []string) *Directory {
	health := make(map[string]*PeerHealth, len(peers))
	for _, p := range peers {
		health[p] = &PeerHealth{}
	}
	return &Directory{
		store:  store,
		nodeID: nodeID,
		peers:  append([]string(nil), peers...),
		health: health,
		now:    time.Now,
	}
}

func (d *Directory) WithClock(f func() time.Time) *Directory {
	d.now = f
	return d
}

// Enabled reports whether cluster fan-out is active for this gateway.
func (d *Directory) Enabled() bool { return d.nodeID != "" }

// NodeID is this gateway's own cluster node id.
func (d *Directory) NodeID() string { return d.nodeID }

// Owns reports whether the given agent is owned by this node, i.e.
// whether a Dispatch call for it may be served locally. An agent with
// no OwningNodeID recorded is treated as locally owned.
func (d *Directory) Owns(agent contracts.AgentEntry) bool {
	return agent.OwningNodeID == "" || agent.OwningNodeID == d.nodeID
}

// Sync stamps agent with this node's id and upserts it into the shared
// store, making it visible to Discover calls on peer nodes. Called
// whenever the local agent registry admits, updates, or removes an
// agent.
func (d *Directory) Sync(ctx context.Context, agent contracts.AgentEntry) error {
	if !d.Enabled() || d.store == nil {
		return nil
	}
	agent.OwningNodeID = d.nodeID
	if err := d.store.UpsertAgent(ctx, agent); err != nil {
		return err
	}
	if d.cache != nil {
		// cache refresh is best-effort; the store already holds the truth
		_ = d.cache.Publish(ctx, agent)
	}
	return nil
}

// Forget removes an agent's durable projection, e.g. on termination.
func (d *Directory) Forget(ctx context.Context, internalID string) error {
	if !d.Enabled() || d.store == nil {
		return nil
	}
	if d.cache != nil {
		_ = d.cache.Remove(ctx, d.nodeID, internalID)
	}
	return d.store.DeleteAgent(ctx, internalID)
}

// Discover returns the locally-registered agents plus, when fan-out is
// enabled, every peer node's agents as last projected into the shared
// store. A peer read failure marks that peer unhealthy and is skipped
// rather than failing the whole call; discovery is best-effort and
// eventually consistent, like the event bus fan-out.
func (d *Directory) Discover(ctx context.Context, local []*contracts.AgentEntry) ([]contracts.AgentEntry, error) {
	out := make([]contracts.AgentEntry, 0, len(local))
	for _, a := range local {
		entry := *a
		if entry.OwningNodeID == "" {
			entry.OwningNodeID = d.nodeID
		}
		out = append(out, entry)
	}

	if !d.Enabled() || d.store == nil {
		return out, nil
	}

	d.mu.RLock()
	peers := append([]string(nil), d.peers...)
	d.mu.RUnlock()

	for _, peer := range peers {
		remote, err := d.peerAgents(ctx, peer)
		d.recordHealth(peer, err)
		if err != nil {
			continue
		}
		out = append(out, remote...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].InternalID < out[j].InternalID })
	return out, nil
}

// peerAgents prefers the Redis cache when one is attached, falling back
// to the durable store for a peer whose cache slice is empty or expired.
func (d *Directory) peerAgents(ctx context.Context, peer string) ([]contracts.AgentEntry, error) {
	if d.cache != nil {
		if cached, err := d.cache.NodeAgents(ctx, peer); err == nil && len(cached) > 0 {
			return cached, nil
		}
	}
	return d.store.ListAgentsByNode(ctx, peer)
}

func (d *Directory) recordHealth(peer string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.health[peer]
	if !ok {
		h = &PeerHealth{}
		d.health[peer] = h
	}
	h.LastSeen = d.now()
	if err != nil {
		h.Healthy = false
		h.LastErr = err.Error()
		return
	}
	h.Healthy = true
	h.LastErr = ""
}

// PeerHealthSnapshot returns a copy of the last-observed health of
// every configured peer, for the surface's /health and /metrics routes.
func (d *Directory) PeerHealthSnapshot() map[string]PeerHealth {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]PeerHealth, len(d.health))
	for k, v := range d.health {
		out[k] = *v
	}
	return out
}

// RequireLocal returns an error if agent is not owned by this node.
// Dispatch never forwards across nodes; the caller must be connected to
// the owning node.
func (d *Directory) RequireLocal(agent contracts.AgentEntry) error {
	if d.Owns(agent) {
		return nil
	}
	return gatewayerr.InvalidState("agent %s is owned by node %s, not %s; reconnect to its owning node", agent.InternalID, agent.OwningNodeID, d.nodeID)
}
