// Package a2a implements the Agent-to-Agent Task Engine: validated
// enqueue of cross-agent delegated tasks, a monotone submitted→working→
// {completed,failed} state machine, and the fire-and-forget, async,
// sync, and status-query dispatch modes.
package a2a

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
	"github.com/Mindburn-Labs/agentgate/pkg/gatewayerr"
)

// maxPayloadBytes caps a serialized task payload at 1 MiB.
const maxPayloadBytes = 1 << 20

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// AgentLookup resolves an agent by internal id. Satisfied by
// *agentregistry.Registry without any adapter.
type AgentLookup interface {
	Get(internalID string) (*contracts.AgentEntry, error)
}

// DispatchFunc runs a payload through the normal Dispatcher gate chain
// under the target agent's identity, with fromAgentID preserved for
// audit attribution. Injected rather than imported directly, since
// pkg/dispatcher itself depends on this package to delegate A2A tasks.
type DispatchFunc func(ctx context.Context, target *contracts.AgentEntry, fromAgentID string, payload map[string]any) (map[string]any, error)

// EventPublisher fans out a durable lifecycle event on a channel, e.g.
// channel "a2a.task.submitted" with the task snapshot as payload.
type EventPublisher func(channel string, event map[string]any)

// Engine tracks every A2ATaskEntry and drives it through its dispatch
// mode. Safe for concurrent use.
type Engine struct {
	mu    sync.RWMutex
	tasks map[string]*contracts.A2ATaskEntry

	schemaCache map[string]*jsonschema.Schema // agentID|skillID -> compiled schema

	lookup   AgentLookup
	dispatch DispatchFunc
	publish  EventPublisher
	now      Clock
}

// NewEngine wires an Engine to the agent registry, the Dispatcher
// delegate, and the event bus publisher.
func NewEngine(lookup AgentLookup, dispatch DispatchFunc, publish EventPublisher) *Engine {
	return &Engine{
		tasks:       make(map[string]*contracts.A2ATaskEntry),
		schemaCache: make(map[string]*jsonschema.Schema),
		lookup:      lookup,
		dispatch:    dispatch,
		publish:     publish,
		now:         time.Now,
	}
}

// WithClock overrides the engine's time source, for tests.
func (e *Engine) WithClock(c Clock) *Engine {
	e.now = c
	return e
}

// validate runs enqueue admission: the target agent must exist and not
// be terminated, the payload must be under 1 MiB serialized, and if the
// target declares a2aSkills, the payload must name one via "skillId" or
// "type" and validate against its schema.
func (e *Engine) validate(toAgentID string, payload map[string]any) (*contracts.AgentEntry, error) {
	target, err := e.lookup.Get(toAgentID)
	if err != nil {
		return nil, gatewayerr.NotFound("a2a: target agent %s not found", toAgentID)
	}
	if target.State == contracts.AgentTerminated {
		return nil, gatewayerr.InvalidState("a2a: target agent %s is terminated", toAgentID)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, gatewayerr.Validation("a2a: payload is not serializable: %v", err)
	}
	if len(encoded) > maxPayloadBytes {
		return nil, gatewayerr.Validation("a2a: payload exceeds 1 MiB limit (%d bytes)", len(encoded))
	}

	if len(target.A2ASkills) > 0 {
		skillID, _ := payload["skillId"].(string)
		if skillID == "" {
			skillID, _ = payload["type"].(string)
		}

		var skill *contracts.A2ASkill
		for i := range target.A2ASkills {
			if target.A2ASkills[i].ID == skillID {
				skill = &target.A2ASkills[i]
				break
			}
		}
		if skill == nil {
			return nil, gatewayerr.Validation("a2a: payload does not match any skill declared by %s", toAgentID)
		}
		if len(skill.InputSchema) > 0 {
			if err := e.validateAgainstSchema(toAgentID, *skill, payload); err != nil {
				return nil, gatewayerr.Wrap(gatewayerr.CodeValidation, "a2a: payload failed skill input schema", err)
			}
		}
	}

	return target, nil
}

func (e *Engine) validateAgainstSchema(agentID string, skill contracts.A2ASkill, payload map[string]any) error {
	cacheKey := agentID + "|" + skill.ID

	e.mu.RLock()
	compiled, ok := e.schemaCache[cacheKey]
	e.mu.RUnlock()

	if !ok {
		raw, err := json.Marshal(skill.InputSchema)
		if err != nil {
			return err
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		schemaURL := "https://agentgate.local/a2a/" + url.PathEscape(agentID) + "/" + url.PathEscape(skill.ID) + ".schema.json"
		if err := c.AddResource(schemaURL, strings.NewReader(string(raw))); err != nil {
			return err
		}
		compiled, err = c.Compile(schemaURL)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.schemaCache[cacheKey] = compiled
		e.mu.Unlock()
	}

	return compiled.Validate(payload)
}

func (e *Engine) newTask(fromAgentID, toAgentID string, payload map[string]any) *contracts.A2ATaskEntry {
	now := e.now().UTC()
	return &contracts.A2ATaskEntry{
		TaskID:      uuid.New().String(),
		FromAgentID: fromAgentID,
		ToAgentID:   toAgentID,
		Payload:     payload,
		Status:      contracts.A2ASubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (e *Engine) store(task *contracts.A2ATaskEntry) {
	e.mu.Lock()
	e.tasks[task.TaskID] = task
	e.mu.Unlock()
}

func (e *Engine) snapshot(task *contracts.A2ATaskEntry) contracts.A2ATaskEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return *task
}

func (e *Engine) transition(task *contracts.A2ATaskEntry, status contracts.A2ATaskStatus, result map[string]any, taskErr string) contracts.A2ATaskEntry {
	e.mu.Lock()
	task.Status = status
	task.Result = result
	task.Error = taskErr
	task.UpdatedAt = e.now().UTC()
	snap := *task
	e.mu.Unlock()

	e.publishEvent(snap)
	return snap
}

func (e *Engine) publishEvent(task contracts.A2ATaskEntry) {
	if e.publish == nil {
		return
	}
	channel := "a2a.task." + string(task.Status)
	e.publish(channel, map[string]any{
		"task_id":       task.TaskID,
		"from_agent_id": task.FromAgentID,
		"to_agent_id":   task.ToAgentID,
		"status":        string(task.Status),
		"result":        task.Result,
		"error":         task.Error,
	})
}

// run drives a single task from working through its terminal state by
// calling the injected DispatchFunc, which runs the target agent's task
// through the normal Dispatcher gate chain.
func (e *Engine) run(ctx context.Context, task *contracts.A2ATaskEntry, target *contracts.AgentEntry) {
	e.transition(task, contracts.A2AWorking, nil, "")

	result, err := e.dispatch(ctx, target, task.FromAgentID, task.Payload)
	if err != nil {
		e.transition(task, contracts.A2AFailed, nil, err.Error())
		return
	}
	e.transition(task, contracts.A2ACompleted, result, "")
}

// SubmitAsync implements the fire-and-forget and async dispatch modes:
// it validates, enqueues, publishes the submitted event, and runs the
// task to completion on a detached goroutine, returning immediately.
func (e *Engine) SubmitAsync(fromAgentID, toAgentID string, payload map[string]any) (contracts.A2ATaskEntry, error) {
	target, err := e.validate(toAgentID, payload)
	if err != nil {
		return contracts.A2ATaskEntry{}, err
	}

	task := e.newTask(fromAgentID, toAgentID, payload)
	e.store(task)
	e.publishEvent(*task)

	go e.run(context.Background(), task, target)

	return e.snapshot(task), nil
}

// SubmitSync implements the sync dispatch mode: it validates, enqueues,
// then blocks the caller until the task reaches a terminal state or
// timeout elapses.
func (e *Engine) SubmitSync(ctx context.Context, fromAgentID, toAgentID string, payload map[string]any, timeout time.Duration) (contracts.A2ATaskEntry, error) {
	target, err := e.validate(toAgentID, payload)
	if err != nil {
		return contracts.A2ATaskEntry{}, err
	}

	task := e.newTask(fromAgentID, toAgentID, payload)
	e.store(task)
	e.publishEvent(*task)

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		e.run(runCtx, task, target)
		close(done)
	}()

	select {
	case <-done:
		return e.snapshot(task), nil
	case <-runCtx.Done():
		return e.snapshot(task), gatewayerr.Timeout("a2a: task %s timed out", task.TaskID)
	}
}

// Status implements the status-query dispatch mode.
func (e *Engine) Status(taskID string) (contracts.A2ATaskEntry, error) {
	e.mu.RLock()
	task, ok := e.tasks[taskID]
	e.mu.RUnlock()
	if !ok {
		return contracts.A2ATaskEntry{}, gatewayerr.NotFound("a2a: unknown task %s", taskID)
	}
	return e.snapshot(task), nil
}

// List returns every tracked task, for diagnostics and the
// `audit_query`-adjacent admin surfaces.
func (e *Engine) List() []contracts.A2ATaskEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]contracts.A2ATaskEntry, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, *t)
	}
	return out
}
