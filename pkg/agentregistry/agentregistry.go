// Package agentregistry implements the Agent Registry: an
// in-memory directory of active agents keyed by both internal and
// external id, manifest-version admission control, and the per-agent
// lock that the Dispatcher and Accounting gates serialize through.
package agentregistry

import (
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
	"github.com/Mindburn-Labs/agentgate/pkg/gatewayerr"
)

type entry struct {
	mu    sync.Mutex
	agent *contracts.AgentEntry
}

// Registry is the thread-safe directory of active agents.
type Registry struct {
	mu           sync.RWMutex
	byInternalID map[string]*entry
	byExternalID map[string]string // externalID -> internalID

	minVersion *semver.Version
	maxVersion *semver.Version
}

// New returns a Registry that admits agents whose ManifestVersion falls
// within [minVersion, maxVersion] (inclusive). Either bound may be empty
// to leave it unconstrained.
func New(minVersion, maxVersion string) (*Registry, error) {
	r := &Registry{
		byInternalID: make(map[string]*entry),
		byExternalID: make(map[string]string),
	}
	if minVersion != "" {
		v, err := semver.NewVersion(minVersion)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.CodeValidation, "agentregistry: invalid min version", err)
		}
		r.minVersion = v
	}
	if maxVersion != "" {
		v, err := semver.NewVersion(maxVersion)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.CodeValidation, "agentregistry: invalid max version", err)
		}
		r.maxVersion = v
	}
	return r, nil
}

// Admit registers a new agent after checking its manifest version is
// within the gateway's supported range and its external id is unique.
func (r *Registry) Admit(agent *contracts.AgentEntry) error {
	if agent == nil || agent.InternalID == "" {
		return gatewayerr.Validation("agentregistry: agent must have an internal id")
	}

	if err := r.checkManifestVersion(agent.ManifestVersion); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byInternalID[agent.InternalID]; exists {
		return gatewayerr.Conflict("agentregistry: agent %s already registered", agent.InternalID)
	}
	if agent.ExternalID != "" {
		if _, exists := r.byExternalID[agent.ExternalID]; exists {
			return gatewayerr.Conflict("agentregistry: external id %s already in use", agent.ExternalID)
		}
		r.byExternalID[agent.ExternalID] = agent.InternalID
	}

	r.byInternalID[agent.InternalID] = &entry{agent: agent}
	return nil
}

func (r *Registry) checkManifestVersion(raw string) error {
	if r.minVersion == nil && r.maxVersion == nil {
		return nil
	}
	if raw == "" {
		return gatewayerr.Validation("agentregistry: manifest version required")
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return gatewayerr.Validation("agentregistry: invalid manifest version %q", raw)
	}
	if r.minVersion != nil && v.LessThan(r.minVersion) {
		return gatewayerr.Validation("agentregistry: manifest version %s below minimum supported %s", raw, r.minVersion)
	}
	if r.maxVersion != nil && v.GreaterThan(r.maxVersion) {
		return gatewayerr.Validation("agentregistry: manifest version %s above maximum supported %s", raw, r.maxVersion)
	}
	return nil
}

// Get returns a snapshot copy of an agent by internal id. Callers that
// need to mutate agent state must go through Lock instead.
func (r *Registry) Get(internalID string) (*contracts.AgentEntry, error) {
	r.mu.RLock()
	e, ok := r.byInternalID[internalID]
	r.mu.RUnlock()
	if !ok {
		return nil, gatewayerr.NotFound("agentregistry: unknown agent %s", internalID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := *e.agent
	return &snapshot, nil
}

// GetByExternalID resolves an external id to its current agent snapshot.
func (r *Registry) GetByExternalID(externalID string) (*contracts.AgentEntry, error) {
	r.mu.RLock()
	internalID, ok := r.byExternalID[externalID]
	r.mu.RUnlock()
	if !ok {
		return nil, gatewayerr.NotFound("agentregistry: unknown external id %s", externalID)
	}
	return r.Get(internalID)
}

// List returns a snapshot of every registered agent.
func (r *Registry) List() []*contracts.AgentEntry {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byInternalID))
	for _, e := range r.byInternalID {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*contracts.AgentEntry, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		snapshot := *e.agent
		e.mu.Unlock()
		out = append(out, &snapshot)
	}
	return out
}

// Remove deletes an agent from the registry (e.g. on termination).
func (r *Registry) Remove(internalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byInternalID[internalID]
	if !ok {
		return gatewayerr.NotFound("agentregistry: unknown agent %s", internalID)
	}
	delete(r.byExternalID, e.agent.ExternalID)
	delete(r.byInternalID, internalID)
	return nil
}

// AgentLock holds the per-agent mutual-exclusion lock: all gates and
// post-execute accounting for a given agent serialize through it.
// Callers must call Unlock exactly once, and must not hold the lock
// across suspending I/O; snapshot what's needed, Unlock, do the I/O,
// then Lock again to fold results back in.
type AgentLock struct {
	e *entry
}

// Agent returns the live, lock-protected agent entry. Mutations are only
// safe while the AgentLock is held.
func (l *AgentLock) Agent() *contracts.AgentEntry { return l.e.agent }

// Unlock releases the per-agent lock.
func (l *AgentLock) Unlock() { l.e.mu.Unlock() }

// Lock acquires the per-agent lock and returns a handle to the live
// AgentEntry. The caller must Unlock it, and must not hold it across
// suspending I/O (snapshot what's needed, Unlock, do I/O, Lock again).
func (r *Registry) Lock(internalID string) (*AgentLock, error) {
	r.mu.RLock()
	e, ok := r.byInternalID[internalID]
	r.mu.RUnlock()
	if !ok {
		return nil, gatewayerr.NotFound("agentregistry: unknown agent %s", internalID)
	}
	e.mu.Lock()
	return &AgentLock{e: e}, nil
}
