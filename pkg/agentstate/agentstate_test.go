package agentstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
)

func TestPermittedTransitionsSucceed(t *testing.T) {
	m := New()
	agent := &contracts.AgentEntry{InternalID: "a1", State: contracts.AgentCreated}

	require.NoError(t, m.Transition(agent, contracts.AgentInitializing))
	require.NoError(t, m.Transition(agent, contracts.AgentReady))
	require.NoError(t, m.Transition(agent, contracts.AgentRunning))
	require.NoError(t, m.Transition(agent, contracts.AgentPaused))
	require.NoError(t, m.Transition(agent, contracts.AgentReady))
	require.NoError(t, m.Transition(agent, contracts.AgentTerminated))
	assert.Equal(t, contracts.AgentTerminated, agent.State)
}

func TestTerminatedIsAbsorbing(t *testing.T) {
	m := New()
	agent := &contracts.AgentEntry{InternalID: "a1", State: contracts.AgentTerminated}
	err := m.Transition(agent, contracts.AgentReady)
	assert.Error(t, err)
}

func TestRejectedTransitionDoesNotMutateState(t *testing.T) {
	m := New()
	agent := &contracts.AgentEntry{InternalID: "a1", State: contracts.AgentCreated}
	err := m.Transition(agent, contracts.AgentRunning)
	assert.Error(t, err)
	assert.Equal(t, contracts.AgentCreated, agent.State)
}

func TestTransitionEmitsEvent(t *testing.T) {
	m := New()
	var got TransitionEvent
	m.OnTransition(func(e TransitionEvent) { got = e })

	agent := &contracts.AgentEntry{InternalID: "a1", State: contracts.AgentCreated}
	require.NoError(t, m.Transition(agent, contracts.AgentInitializing))

	assert.Equal(t, "a1", got.AgentID)
	assert.Equal(t, contracts.AgentCreated, got.From)
	assert.Equal(t, contracts.AgentInitializing, got.To)
}

func TestErrorStateAllowsManualRecovery(t *testing.T) {
	m := New()
	agent := &contracts.AgentEntry{InternalID: "a1", State: contracts.AgentError}
	require.NoError(t, m.Transition(agent, contracts.AgentReady))
}
