// Package agentstate implements the agent lifecycle state machine: a
// fixed permitted-transition table, with a lifecycle event emitted after
// every successful transition and never after a rejected one.
package agentstate

import (
	"sync"
	"time"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
	"github.com/Mindburn-Labs/agentgate/pkg/gatewayerr"
)

// TransitionEvent is emitted on the registry event channel after every
// successful state transition.
type TransitionEvent struct {
	AgentID string
	From    contracts.AgentState
	To      contracts.AgentState
	At      time.Time
}

// EventSink receives lifecycle transition events.
type EventSink func(TransitionEvent)

// permitted is the lifecycle transition table. Terminated is a
// terminal absorbing state with no outbound edges.
var permitted = map[contracts.AgentState]map[contracts.AgentState]bool{
	contracts.AgentCreated: {
		contracts.AgentInitializing: true,
		contracts.AgentTerminated:   true,
	},
	contracts.AgentInitializing: {
		contracts.AgentReady:      true,
		contracts.AgentError:      true,
		contracts.AgentTerminated: true,
	},
	contracts.AgentReady: {
		contracts.AgentRunning:    true,
		contracts.AgentPaused:     true,
		contracts.AgentError:      true,
		contracts.AgentTerminated: true,
	},
	contracts.AgentRunning: {
		contracts.AgentReady:      true,
		contracts.AgentPaused:     true,
		contracts.AgentError:      true,
		contracts.AgentTerminated: true,
	},
	contracts.AgentPaused: {
		contracts.AgentReady:      true,
		contracts.AgentTerminated: true,
	},
	contracts.AgentError: {
		contracts.AgentReady:      true, // manual recovery
		contracts.AgentTerminated: true,
	},
	contracts.AgentTerminated: {},
}

// Machine applies and broadcasts lifecycle transitions.
type Machine struct {
	mu    sync.RWMutex
	sinks []EventSink
	now   func() time.Time
}

// New returns a ready-to-use Machine.
func New() *Machine {
	return &Machine{now: time.Now}
}

// WithClock overrides the time source, for tests.
func (m *Machine) WithClock(f func() time.Time) *Machine {
	m.now = f
	return m
}

// OnTransition registers a sink invoked after every successful transition.
func (m *Machine) OnTransition(sink EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// CanTransition reports whether from -> to is a permitted edge.
func CanTransition(from, to contracts.AgentState) bool {
	return permitted[from][to]
}

// Transition applies a state transition to agent in place. The caller is
// expected to already hold the agent's per-agent lock (agentregistry.Lock).
func (m *Machine) Transition(agent *contracts.AgentEntry, to contracts.AgentState) error {
	from := agent.State
	if !CanTransition(from, to) {
		return gatewayerr.InvalidState("agentstate: transition %s -> %s not permitted", from, to)
	}

	now := m.now().UTC()
	agent.State = to
	agent.LastActiveAt = now

	event := TransitionEvent{AgentID: agent.InternalID, From: from, To: to, At: now}

	m.mu.RLock()
	sinks := append([]EventSink(nil), m.sinks...)
	m.mu.RUnlock()

	for _, sink := range sinks {
		sink(event)
	}
	return nil
}
