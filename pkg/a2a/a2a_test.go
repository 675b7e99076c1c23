package a2a

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
	"github.com/Mindburn-Labs/agentgate/pkg/gatewayerr"
)

type stubLookup struct {
	agents map[string]*contracts.AgentEntry
}

func (s *stubLookup) Get(id string) (*contracts.AgentEntry, error) {
	a, ok := s.agents[id]
	if !ok {
		return nil, gatewayerr.NotFound("no agent %s", id)
	}
	return a, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) publish(channel string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, channel)
}

func (r *eventRecorder) channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func echoDispatch(_ context.Context, _ *contracts.AgentEntry, _ string, payload map[string]any) (map[string]any, error) {
	return payload, nil
}

func newTestEngine(dispatch DispatchFunc, agents ...*contracts.AgentEntry) (*Engine, *eventRecorder) {
	lookup := &stubLookup{agents: make(map[string]*contracts.AgentEntry)}
	for _, a := range agents {
		lookup.agents[a.InternalID] = a
	}
	rec := &eventRecorder{}
	return NewEngine(lookup, dispatch, rec.publish), rec
}

func readyAgent(id string) *contracts.AgentEntry {
	return &contracts.AgentEntry{InternalID: id, State: contracts.AgentReady}
}

func TestSubmitSyncEchoCompletes(t *testing.T) {
	eng, rec := newTestEngine(echoDispatch, readyAgent("receiver"))

	task, err := eng.SubmitSync(context.Background(), "sender", "receiver",
		map[string]any{"type": "echo", "content": "hello"}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, contracts.A2ACompleted, task.Status)
	assert.Equal(t, "hello", task.Result["content"])
	assert.Equal(t, "sender", task.FromAgentID)

	chans := rec.channels()
	require.GreaterOrEqual(t, len(chans), 2)
	assert.Equal(t, "a2a.task.submitted", chans[0])
	assert.Equal(t, "a2a.task.completed", chans[len(chans)-1])
}

func TestSubmitSyncDispatchErrorFails(t *testing.T) {
	failing := func(context.Context, *contracts.AgentEntry, string, map[string]any) (map[string]any, error) {
		return nil, gatewayerr.PermissionDenied("nope")
	}
	eng, rec := newTestEngine(failing, readyAgent("receiver"))

	task, err := eng.SubmitSync(context.Background(), "sender", "receiver",
		map[string]any{"type": "echo"}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, contracts.A2AFailed, task.Status)
	assert.Contains(t, task.Error, "nope")
	assert.Contains(t, rec.channels(), "a2a.task.failed")
}

func TestSubmitAsyncReturnsImmediatelyAndCompletes(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(ctx context.Context, target *contracts.AgentEntry, from string, payload map[string]any) (map[string]any, error) {
		close(started)
		<-release
		return payload, nil
	}
	eng, _ := newTestEngine(slow, readyAgent("receiver"))

	task, err := eng.SubmitAsync("sender", "receiver", map[string]any{"type": "echo"})
	require.NoError(t, err)
	assert.Equal(t, contracts.A2ASubmitted, task.Status)

	<-started
	status, err := eng.Status(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, contracts.A2AWorking, status.Status)

	close(release)
	require.Eventually(t, func() bool {
		status, err := eng.Status(task.TaskID)
		return err == nil && status.Status == contracts.A2ACompleted
	}, time.Second, 5*time.Millisecond)
}

func TestStatusUnknownTask(t *testing.T) {
	eng, _ := newTestEngine(echoDispatch)
	_, err := eng.Status("missing")
	require.Error(t, err)
}

func TestValidateRejectsTerminatedTarget(t *testing.T) {
	terminated := &contracts.AgentEntry{InternalID: "dead", State: contracts.AgentTerminated}
	eng, _ := newTestEngine(echoDispatch, terminated)

	_, err := eng.SubmitAsync("sender", "dead", map[string]any{"type": "echo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminated")
}

func TestValidateRejectsOversizedPayload(t *testing.T) {
	eng, _ := newTestEngine(echoDispatch, readyAgent("receiver"))

	_, err := eng.SubmitAsync("sender", "receiver", map[string]any{
		"type": "echo",
		"blob": strings.Repeat("x", maxPayloadBytes+1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 MiB")
}

func TestSkillValidation(t *testing.T) {
	target := readyAgent("skilled")
	target.A2ASkills = []contracts.A2ASkill{{
		ID:   "summarize",
		Name: "Summarize",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"text"},
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
		},
	}}
	eng, _ := newTestEngine(echoDispatch, target)

	// undeclared skill
	_, err := eng.SubmitAsync("sender", "skilled", map[string]any{"type": "translate"})
	require.Error(t, err)

	// declared skill, payload fails its schema
	_, err = eng.SubmitAsync("sender", "skilled", map[string]any{"skillId": "summarize"})
	require.Error(t, err)

	// declared skill, payload validates
	task, err := eng.SubmitSync(context.Background(), "sender", "skilled",
		map[string]any{"skillId": "summarize", "text": "a long document"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, contracts.A2ACompleted, task.Status)
}

func TestSubmitSyncTimeout(t *testing.T) {
	blocked := func(ctx context.Context, _ *contracts.AgentEntry, _ string, payload map[string]any) (map[string]any, error) {
		<-ctx.Done()
		// keep the task from reaching a terminal state until well after
		// the caller's timeout branch has won the select
		time.Sleep(100 * time.Millisecond)
		return nil, ctx.Err()
	}
	eng, _ := newTestEngine(blocked, readyAgent("receiver"))

	_, err := eng.SubmitSync(context.Background(), "sender", "receiver",
		map[string]any{"type": "echo"}, 20*time.Millisecond)
	require.Error(t, err)
	gerr, ok := err.(*gatewayerr.Error)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.CodeTimeout, gerr.Code)
}

func TestStatusMonotonicity(t *testing.T) {
	eng, rec := newTestEngine(echoDispatch, readyAgent("receiver"))

	task, err := eng.SubmitSync(context.Background(), "sender", "receiver",
		map[string]any{"type": "echo"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, contracts.A2ACompleted, task.Status)

	order := map[string]int{
		"a2a.task.submitted": 0,
		"a2a.task.working":   1,
		"a2a.task.completed": 2,
		"a2a.task.failed":    2,
	}
	last := -1
	for _, ch := range rec.channels() {
		rank, ok := order[ch]
		require.True(t, ok, "unexpected channel %s", ch)
		assert.GreaterOrEqual(t, rank, last)
		last = rank
	}
}
