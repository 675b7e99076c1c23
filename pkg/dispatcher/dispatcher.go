// Package dispatcher implements the Dispatcher: the single gate
// chain every task from every agent passes through before any side effect
// happens. It wires together the Capability Store, Policy Engine, Input
// Sanitizer, Memory Façade, Tool Registry, Rate/Cost Accounting, Agent
// Registry, State Machine, A2A Task Engine, and Audit+Governance Loop.
package dispatcher

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/agentgate/pkg/a2a"
	"github.com/Mindburn-Labs/agentgate/pkg/accounting"
	"github.com/Mindburn-Labs/agentgate/pkg/agentregistry"
	"github.com/Mindburn-Labs/agentgate/pkg/agentstate"
	"github.com/Mindburn-Labs/agentgate/pkg/capstore"
	"github.com/Mindburn-Labs/agentgate/pkg/clusterfanout"
	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
	"github.com/Mindburn-Labs/agentgate/pkg/external"
	"github.com/Mindburn-Labs/agentgate/pkg/gatewayerr"
	"github.com/Mindburn-Labs/agentgate/pkg/govloop"
	"github.com/Mindburn-Labs/agentgate/pkg/marketplace"
	"github.com/Mindburn-Labs/agentgate/pkg/memoryfacade"
	"github.com/Mindburn-Labs/agentgate/pkg/policy"
	"github.com/Mindburn-Labs/agentgate/pkg/sanitize"
	"github.com/Mindburn-Labs/agentgate/pkg/toolregistry"
)

// Approval carries the admin/operator sign-off required for supervised
// agents and confirmation-requiring tools.
type Approval struct {
	ApprovedBy string
}

// TaskRequest is the uniform dispatch envelope every task enters as.
type TaskRequest struct {
	AgentID     string
	FromAgentID string // set by the A2A engine; preserved for audit attribution only
	Type        string
	Payload     map[string]any
	Approval    *Approval
	Timeout     time.Duration // a2a_task_sync only
}

// Dispatcher holds every collaborator as a field set at construction.
// There are no package-level singletons.
type Dispatcher struct {
	registry   *agentregistry.Registry
	capstore   *capstore.Store
	policy     *policy.Engine
	accountant *accounting.Accountant
	sanitizer  *sanitize.Sanitizer
	tools      *toolregistry.Registry
	memory     *memoryfacade.Facade
	state      *agentstate.Machine
	gov        *govloop.Engine
	auditLog   *govloop.AuditLog
	market     *marketplace.Market
	a2a        *a2a.Engine // wired post-construction via SetA2A, see pkg/gateway
	cluster    *clusterfanout.Directory // optional; nil means single-node

	llm    external.LLMRouter
	events external.EventBus
	store  external.PersistentStore

	now    func() time.Time
	tracer trace.Tracer
}

// New wires every collaborator into a Dispatcher. The A2A engine is
// not a constructor argument: it depends on this Dispatcher's AgentDispatch
// method as its DispatchFunc, so callers build the Dispatcher, build the
// a2a.Engine with dispatcher.AgentDispatch, then call SetA2A.
func New(
	registry *agentregistry.Registry,
	caps *capstore.Store,
	pol *policy.Engine,
	acct *accounting.Accountant,
	san *sanitize.Sanitizer,
	tools *toolregistry.Registry,
	memory *memoryfacade.Facade,
	state *agentstate.Machine,
	gov *govloop.Engine,
	auditLog *govloop.AuditLog,
	market *marketplace.Market,
	llm external.LLMRouter,
	events external.EventBus,
	store external.PersistentStore,
) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		capstore:   caps,
		policy:     pol,
		accountant: acct,
		sanitizer:  san,
		tools:      tools,
		memory:     memory,
		state:      state,
		gov:        gov,
		auditLog:   auditLog,
		market:     market,
		llm:        llm,
		events:     events,
		store:      store,
		now:        time.Now,
		tracer:     otel.Tracer("gateway/dispatcher"),
	}
}

// WithClock overrides the time source, for tests.
func (d *Dispatcher) WithClock(f func() time.Time) *Dispatcher {
	d.now = f
	return d
}

// SetA2A completes the two-phase wiring the A2A engine's DispatchFunc
// dependency requires.
func (d *Dispatcher) SetA2A(e *a2a.Engine) { d.a2a = e }

// SetCluster wires the cluster fan-out directory in; called by
// pkg/gateway only when a cluster node id is configured. A nil cluster
// (the default) means discover_agents/agent_directory consult only the
// local in-memory registry.
func (d *Dispatcher) SetCluster(c *clusterfanout.Directory) { d.cluster = c }

func (d *Dispatcher) publish(channel string, payload map[string]any) {
	if d.events != nil {
		d.events.Publish(channel, payload)
	}
}

func (d *Dispatcher) auditRecord(actorID, action, resourceType, resourceID string, outcome contracts.AuditOutcome, details map[string]any) {
	d.auditLog.Append(contracts.GatewayAuditRecord{
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      outcome,
		Details:      details,
	})
}

// reject records the failure audit required for every gate rejection
// and returns the typed error unchanged.
func (d *Dispatcher) reject(actorID, action, resourceType, resourceID string, outcome contracts.AuditOutcome, err error, details map[string]any) error {
	d.auditRecord(actorID, action, resourceType, resourceID, outcome, details)
	return err
}

var appealOps = map[string]bool{
	"appeal_open":    true,
	"appeal_list":    true,
	"appeal_resolve": true,
}

func isAppealOp(taskType string) bool { return appealOps[taskType] }

// Dispatch runs a single task through the full gate chain and, on success,
// its handler. Every rejection in steps 2-8 still produces an audit
// record even though execution never proceeds.
func (d *Dispatcher) Dispatch(ctx context.Context, req TaskRequest) (result map[string]any, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("task.type", req.Type),
			attribute.String("agent.id", req.AgentID),
		))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// 1. Shape validation.
	if req.Type == "" {
		return nil, d.reject(req.AgentID, "dispatch.rejected", "task", "", contracts.OutcomeFailure,
			gatewayerr.Validation("dispatch: payload missing string type"), nil)
	}
	if !knownTaskType(req.Type) {
		return nil, d.reject(req.AgentID, "dispatch.rejected", "task", req.Type, contracts.OutcomeFailure,
			gatewayerr.Validation("unknown task type %q", req.Type), nil)
	}

	lock, err := d.registry.Lock(req.AgentID)
	if err != nil {
		return nil, d.reject(req.AgentID, "dispatch.rejected", "agent", req.AgentID, contracts.OutcomeFailure, err, nil)
	}
	agent := lock.Agent()
	locked := true
	defer func() {
		if locked {
			lock.Unlock()
		}
	}()
	// runs before the unlock above, so the counters mutate under the lock
	defer func() {
		if locked {
			d.accountant.RecordOutcome(&agent.Hourly, err != nil)
		}
	}()

	// 2. Sanction gate — appeal operations are the one exempt surface.
	if !isAppealOp(req.Type) {
		if sanctions := d.gov.ActiveSanctions(agent.InternalID); len(sanctions) > 0 {
			s := sanctions[0]
			return nil, d.reject(agent.InternalID, "dispatch.rejected", "agent", agent.InternalID, contracts.OutcomeDenied,
				gatewayerr.Sanctioned("agent sanctioned: %s", s.Type),
				map[string]any{"sanction_id": s.ID, "sanction_type": string(s.Type)})
		}
	}

	// 3. State gate.
	switch agent.State {
	case contracts.AgentTerminated, contracts.AgentError, contracts.AgentPaused:
		return nil, d.reject(agent.InternalID, "dispatch.rejected", "agent", agent.InternalID, contracts.OutcomeFailure,
			gatewayerr.InvalidState("agent %s is %s", agent.InternalID, agent.State),
			map[string]any{"state": string(agent.State)})
	}

	// 4. Per-task schema validation.
	if err := validatePayloadShape(req.Type, req.Payload); err != nil {
		return nil, d.reject(agent.InternalID, "dispatch.rejected", "task", req.Type, contracts.OutcomeFailure, err, nil)
	}

	// 5. Approval gate.
	var toolDef toolregistry.ToolDefinition
	var haveToolDef bool
	if req.Type == "invoke_tool" {
		toolDef, haveToolDef = d.tools.Get(str(req.Payload, "toolId"))
	}
	requiresConfirmation := haveToolDef && toolDef.RequiresConfirmation
	if agent.TrustLevel == contracts.TrustSupervised || requiresConfirmation {
		if req.Approval == nil || req.Approval.ApprovedBy == "" {
			return nil, d.reject(agent.InternalID, "approval.required", "task", req.Type, contracts.OutcomeFailure,
				gatewayerr.ApprovalRequired("task %s requires approval", req.Type), nil)
		}
	}

	// 6. Permission gate.
	category, action, resource := permissionFor(req.Type, req.Payload)
	var capTokenID string
	if category != "" {
		allowed, tokenID, checkErr := d.capstore.CheckAgent(agent.InternalID, category, action, resource)
		if checkErr != nil || !allowed {
			return nil, d.reject(agent.InternalID, "permission.denied", category, resource, contracts.OutcomeDenied,
				gatewayerr.PermissionDenied("permission denied: %s.%s", category, action),
				map[string]any{"action": action, "resource": resource})
		}
		capTokenID = tokenID
	}

	// 7. Rate / token-rate / cost-budget gates. Only chat and invoke_tool
	// consume the 60s usage window.
	isToolCall := req.Type == "invoke_tool"
	consumesWindow := req.Type == "chat" || isToolCall
	if consumesWindow {
		if req.Type == "chat" {
			if err := d.accountant.CheckTokenRate(agent.Usage, agent.Limits); err != nil {
				return nil, d.reject(agent.InternalID, "rate_limit.exceeded", "agent", agent.InternalID, contracts.OutcomeFailure,
					err, map[string]any{"kind": "tokens"})
			}
		}
		if err := d.accountant.CheckAndReserveRequest(&agent.Usage, agent.Limits, agent.CumulativeCost, isToolCall); err != nil {
			kind, action := "requests", "rate_limit.exceeded"
			if isToolCall {
				kind = "tool_calls"
			}
			if ge, ok := err.(*gatewayerr.Error); ok && ge.Code == gatewayerr.CodeBudgetExceeded {
				kind, action = "cost", "budget.exceeded"
			}
			return nil, d.reject(agent.InternalID, action, "agent", agent.InternalID, contracts.OutcomeFailure,
				err, map[string]any{"kind": kind})
		}
	}

	// 8. Input-safety gate (chat only). A rejection here must reverse the
	// reservation step 7 just made, since the call it guarded never runs.
	if req.Type == "chat" {
		if findings := d.scanChatMessages(req.Payload); len(findings) > 0 {
			d.accountant.RollbackRequest(&agent.Usage, false)
			d.publish("alerts", map[string]any{"type": "security.prompt_injection", "agent_id": agent.InternalID})
			return nil, d.reject(agent.InternalID, "policy.injection_blocked", "agent", agent.InternalID, contracts.OutcomeBlocked,
				gatewayerr.UnsafeInput("input rejected: potential prompt injection detected"), nil)
		}
	}

	// 9. Execute.
	auditAction := taskAuditAction[req.Type]
	snap := snapshotOf(agent)

	var (
		resourceType string
		resourceID   string
		execErr      error
	)

	switch req.Type {
	case "chat":
		lock.Unlock()
		locked = false
		var usage external.RouteUsage
		result, usage, execErr = d.executeChat(ctx, snap, req.Payload)
		lock, err = d.registry.Lock(snap.InternalID)
		if err != nil {
			return nil, err
		}
		locked = true
		agent = lock.Agent()
		resourceType, resourceID = "llm", snap.PreferredModel
		if execErr == nil {
			cost, _ := d.accountant.EstimateCost(snap.PreferredModel, usage.InputTokens, usage.OutputTokens)
			fold := d.accountant.FoldTokenUsage(&agent.Usage, &agent.CumulativeCost, agent.Limits, usage.InputTokens, usage.OutputTokens, cost)
			if fold.TokenRateOverrun {
				d.auditRecord(agent.InternalID, "rate_limit.exceeded", "agent", agent.InternalID, contracts.OutcomeFailure, map[string]any{"kind": "tokens", "post_hoc": true})
				d.publish("alerts", map[string]any{"type": "rate_limit.exceeded", "agent_id": agent.InternalID})
			}
			if fold.BudgetJustCrossed {
				d.auditRecord(agent.InternalID, "budget.reached", "agent", agent.InternalID, contracts.OutcomeSuccess, nil)
				d.publish("alerts", map[string]any{"type": "budget.reached", "agent_id": agent.InternalID})
			}
			_, _ = d.memory.WriteEpisodic(agent.InternalID, memoryfacade.EpisodicEvent{
				EventName: "chat", Outcome: "completed", Success: true, Importance: 0.3,
			}, nil)
		}

	case "invoke_tool":
		lock.Unlock()
		locked = false
		result, execErr = d.executeInvokeTool(ctx, snap, req.Payload, capTokenID)
		lock, err = d.registry.Lock(snap.InternalID)
		if err != nil {
			return nil, err
		}
		locked = true
		agent = lock.Agent()
		resourceType, resourceID = "tool", str(req.Payload, "toolId")
		if execErr == nil {
			_, _ = d.memory.WriteEpisodic(agent.InternalID, memoryfacade.EpisodicEvent{
				EventName: "tool_invoke", Outcome: resourceID, Success: true, Importance: 0.2,
			}, nil)
		}

	case "a2a_task", "a2a_task_async":
		lock.Unlock()
		locked = false
		var task contracts.A2ATaskEntry
		task, execErr = d.a2a.SubmitAsync(snap.InternalID, str(req.Payload, "toAgentId"), innerPayload(req.Payload))
		lock, err = d.registry.Lock(snap.InternalID)
		if err == nil {
			locked = true
			agent = lock.Agent()
		}
		result = map[string]any{"task_id": task.TaskID, "status": string(task.Status)}
		resourceType, resourceID = "a2a_task", task.TaskID

	case "a2a_task_sync":
		lock.Unlock()
		locked = false
		var task contracts.A2ATaskEntry
		task, execErr = d.a2a.SubmitSync(ctx, snap.InternalID, str(req.Payload, "toAgentId"), innerPayload(req.Payload), req.Timeout)
		lock, err = d.registry.Lock(snap.InternalID)
		if err == nil {
			locked = true
			agent = lock.Agent()
		}
		result = map[string]any{"task_id": task.TaskID, "status": string(task.Status), "result": task.Result, "error": task.Error}
		resourceType, resourceID = "a2a_task", task.TaskID

	case "invoke_skill":
		lock.Unlock()
		locked = false
		payload := innerPayload(req.Payload)
		payload["skillId"] = str(req.Payload, "skillId")
		var task contracts.A2ATaskEntry
		task, execErr = d.a2a.SubmitSync(ctx, snap.InternalID, str(req.Payload, "targetAgentId"), payload, req.Timeout)
		lock, err = d.registry.Lock(snap.InternalID)
		if err == nil {
			locked = true
			agent = lock.Agent()
		}
		result = map[string]any{"task_id": task.TaskID, "status": string(task.Status), "result": task.Result, "error": task.Error}
		resourceType, resourceID = "a2a_task", task.TaskID

	default:
		result, resourceType, resourceID, execErr = d.executeLocal(ctx, agent, req.Payload, req.Type)
	}

	if execErr != nil {
		failAction, outcome := auditAction, contracts.OutcomeFailure
		if ge, ok := execErr.(*gatewayerr.Error); ok && ge.Code == gatewayerr.CodePermissionDenied {
			// a denied tool invocation is a rejection, not a consumed call
			failAction, outcome = "permission.denied", contracts.OutcomeDenied
			if locked && consumesWindow {
				d.accountant.RollbackRequest(&agent.Usage, isToolCall)
			}
		}
		details := map[string]any{"error": execErr.Error()}
		if req.FromAgentID != "" {
			details["from_agent_id"] = req.FromAgentID
		}
		d.auditRecord(snap.InternalID, failAction, resourceType, resourceID, outcome, details)
		return nil, execErr
	}

	if locked {
		agent.LastActiveAt = d.now().UTC()
	}

	// 11. Audit success.
	var details map[string]any
	if req.FromAgentID != "" {
		details = map[string]any{"from_agent_id": req.FromAgentID}
	}
	d.auditRecord(snap.InternalID, auditAction, resourceType, resourceID, contracts.OutcomeSuccess, details)
	return result, nil
}

// AgentDispatch implements a2a.DispatchFunc: it re-enters Dispatch under
// the target agent's identity with fromAgentID preserved for attribution,
// so delegated tasks face the same gates as direct ones.
func (d *Dispatcher) AgentDispatch(ctx context.Context, target *contracts.AgentEntry, fromAgentID string, payload map[string]any) (map[string]any, error) {
	taskType, _ := payload["type"].(string)
	if taskType == "" {
		taskType, _ = payload["skillId"].(string)
	}
	return d.Dispatch(ctx, TaskRequest{
		AgentID:     target.InternalID,
		FromAgentID: fromAgentID,
		Type:        taskType,
		Payload:     payload,
	})
}

func innerPayload(payload map[string]any) map[string]any {
	if task, ok := payload["task"].(map[string]any); ok {
		return task
	}
	return payload
}

// agentSnapshot is the read-only slice of AgentEntry state safe to read
// after the per-agent lock is released (snapshot under lock, release,
// do I/O, re-acquire to fold back in). Only fields that never change
// after admission belong here.
type agentSnapshot struct {
	InternalID     string
	ExternalID     string
	PreferredModel string
	ToolAllowList  []string
	MCPAllowList   []string
}

func snapshotOf(a *contracts.AgentEntry) agentSnapshot {
	return agentSnapshot{
		InternalID:     a.InternalID,
		ExternalID:     a.ExternalID,
		PreferredModel: a.PreferredModel,
		ToolAllowList:  append([]string(nil), a.ToolAllowList...),
		MCPAllowList:   append([]string(nil), a.MCPAllowList...),
	}
}

func (d *Dispatcher) executeChat(ctx context.Context, agent agentSnapshot, payload map[string]any) (map[string]any, external.RouteUsage, error) {
	if d.llm == nil {
		return nil, external.RouteUsage{}, gatewayerr.UpstreamError(nil, "no llm router configured")
	}
	model := str(payload, "model")
	if model == "" {
		model = agent.PreferredModel
	}
	resp, err := d.llm.Route(ctx, external.RouteRequest{
		Messages: toMessages(payload["messages"]),
		Model:    model,
	})
	if err != nil {
		return nil, external.RouteUsage{}, gatewayerr.UpstreamError(err, "llm request failed")
	}
	return map[string]any{
		"content":     resp.Content,
		"model":       resp.Model,
		"provider_id": resp.ProviderID,
		"latency_ms":  resp.LatencyMs,
	}, resp.Usage, nil
}

func (d *Dispatcher) scanChatMessages(payload map[string]any) []sanitize.Finding {
	var findings []sanitize.Finding
	for _, m := range toMessages(payload["messages"]) {
		if m["role"] != "user" {
			continue
		}
		content, _ := m["content"].(string)
		findings = append(findings, d.sanitizer.ScanText(content)...)
	}
	return findings
}

func toMessages(raw any) []map[string]any {
	list, _ := raw.([]any)
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func (d *Dispatcher) executeInvokeTool(ctx context.Context, agent agentSnapshot, payload map[string]any, capTokenID string) (map[string]any, error) {
	args, _ := payload["args"].(map[string]any)
	result := d.tools.Invoke(ctx, toolregistry.InvokeRequest{
		ToolID:          str(payload, "toolId"),
		CapabilityToken: capTokenID,
		Args:            args,
		ToolAllowList:   agent.ToolAllowList,
		MCPAllowList:    agent.MCPAllowList,
	})
	if !result.Success {
		if strings.Contains(result.Error, "permission denied") || strings.Contains(result.Error, "blocked by policy") {
			return nil, gatewayerr.PermissionDenied("%s", result.Error)
		}
		return nil, gatewayerr.UpstreamError(nil, "%s", result.Error)
	}
	return map[string]any{
		"success":           result.Success,
		"content":           result.Content,
		"metadata":          result.Metadata,
		"execution_time_ms": result.ExecutionTimeMs,
	}, nil
}

// executeLocal handles every task type whose work is fast, in-memory, and
// never suspends, so it runs with the per-agent lock still held.
func (d *Dispatcher) executeLocal(ctx context.Context, agent *contracts.AgentEntry, payload map[string]any, taskType string) (map[string]any, string, string, error) {
	switch taskType {
	case "echo":
		return payload, "task", "echo", nil

	case "store_fact":
		id, err := d.memory.WriteSemantic(agent.InternalID, memoryfacade.SemanticFact{
			Category:   str(payload, "category"),
			FactKind:   str(payload, "kind"),
			Content:    str(payload, "content"),
			Importance: f64(payload, "importance"),
			Tags:       strs(payload, "tags"),
			Source:     str(payload, "source"),
		}, nil)
		return map[string]any{"id": id}, "memory", id, err

	case "record_episode":
		id, err := d.memory.WriteEpisodic(agent.InternalID, memoryfacade.EpisodicEvent{
			EventName:   str(payload, "eventName"),
			ContextText: str(payload, "contextText"),
			Outcome:     str(payload, "outcome"),
			Success:     boolv(payload, "success"),
			Importance:  f64(payload, "importance"),
			Tags:        strs(payload, "tags"),
			SessionID:   str(payload, "sessionId"),
		}, nil)
		return map[string]any{"id": id}, "memory", id, err

	case "search_memory":
		opts := memoryfacade.SearchOptions{
			Tags:          strs(payload, "tags"),
			MinImportance: f64(payload, "minImportance"),
			Limit:         intv(payload, "limit"),
		}
		records, err := d.memory.Search(ctx, agent.InternalID, str(payload, "query"), opts)
		return map[string]any{"records": records}, "memory", "", err

	case "store_procedure":
		id, err := d.memory.LearnProcedure(agent.InternalID, memoryfacade.Procedure{
			Trigger: str(payload, "trigger"),
			Steps:   strs(payload, "steps"),
			Version: str(payload, "version"),
			Active:  boolv(payload, "active"),
		})
		return map[string]any{"id": id}, "memory", id, err

	case "get_procedure":
		id := str(payload, "id")
		rec, err := d.memory.Get(id)
		return map[string]any{"record": rec}, "memory", id, err

	case "find_procedures":
		opts := memoryfacade.SearchOptions{Types: []memoryfacade.Kind{memoryfacade.KindProcedural}, Limit: intv(payload, "limit")}
		records, err := d.memory.Search(ctx, agent.InternalID, str(payload, "query"), opts)
		return map[string]any{"records": records}, "memory", "", err

	case "record_procedure_execution":
		id := str(payload, "id")
		err := d.memory.RecordProcedureExecution(id, boolv(payload, "success"))
		return map[string]any{"id": id}, "memory", id, err

	case "list_tools":
		defs := d.tools.List()
		out := make([]map[string]any, 0, len(defs))
		for _, def := range defs {
			out = append(out, map[string]any{
				"id": def.ID, "name": def.Name, "description": def.Description,
				"category": def.Category, "tags": def.Tags,
				"requires_confirmation": def.RequiresConfirmation,
			})
		}
		return map[string]any{"tools": out}, "tool", "", nil

	case "discover_agents", "agent_directory":
		local := d.registry.List()
		var merged []contracts.AgentEntry
		if d.cluster != nil && d.cluster.Enabled() {
			var err error
			merged, err = d.cluster.Discover(ctx, local)
			if err != nil {
				return nil, "", "", gatewayerr.Internal(err, "cluster discovery failed")
			}
		} else {
			merged = make([]contracts.AgentEntry, 0, len(local))
			for _, a := range local {
				merged = append(merged, *a)
			}
		}
		out := make([]map[string]any, 0, len(merged))
		for _, a := range merged {
			out = append(out, map[string]any{
				"internal_id": a.InternalID, "external_id": a.ExternalID,
				"display_name": a.DisplayName, "state": string(a.State),
				"trust_level": string(a.TrustLevel), "owning_node_id": a.OwningNodeID,
			})
		}
		return map[string]any{"agents": out}, "agent", "", nil

	case "list_skills":
		return map[string]any{"skills": agent.A2ASkills}, "skill", "", nil

	case "a2a_task_status":
		task, err := d.a2a.Status(str(payload, "taskId"))
		return map[string]any{"task": task}, "a2a_task", task.TaskID, err

	case "forum_create":
		forum, err := d.market.CreateForum(str(payload, "name"), agent.InternalID)
		return map[string]any{"forum": forum}, "forum", forum.ID, err
	case "forum_list":
		return map[string]any{"forums": d.market.ListForums()}, "forum", "", nil
	case "forum_post":
		post, err := d.market.Post(str(payload, "forumId"), agent.InternalID, str(payload, "content"))
		return map[string]any{"post": post}, "forum", post.ID, err
	case "forum_posts":
		forumID := str(payload, "forumId")
		posts, err := d.market.Posts(forumID)
		return map[string]any{"posts": posts}, "forum", forumID, err

	case "job_post":
		job := d.market.PostJob(agent.InternalID, str(payload, "title"), str(payload, "description"))
		return map[string]any{"job": job}, "job", job.ID, nil
	case "job_list":
		return map[string]any{"jobs": d.market.ListJobs()}, "job", "", nil
	case "job_apply":
		app, err := d.market.ApplyToJob(str(payload, "jobId"), agent.InternalID, str(payload, "message"))
		return map[string]any{"application": app}, "job", app.ID, err

	case "reputation_get":
		target := str(payload, "agentId")
		if target == "" {
			target = agent.InternalID
		}
		return map[string]any{"reputation": d.market.GetReputation(target)}, "reputation", target, nil
	case "reputation_list":
		return map[string]any{"reputation": d.market.ListReputation()}, "reputation", "", nil
	case "reputation_adjust":
		target := str(payload, "agentId")
		entry := d.market.AdjustReputation(target, f64(payload, "delta"))
		return map[string]any{"reputation": entry}, "reputation", target, nil

	case "audit_query":
		limit := intv(payload, "limit")
		filter := govloop.QueryFilter{ActorID: str(payload, "actorId"), Action: str(payload, "action"), Limit: limit}
		return map[string]any{"records": d.auditLog.Query(filter)}, "audit", "", nil

	case "capability_list":
		target := str(payload, "agentId")
		if target == "" {
			target = agent.InternalID
		}
		return map[string]any{"tokens": d.capstore.List(target)}, "capability", target, nil
	case "capability_grant":
		target := str(payload, "agentId")
		perms := toPermissions(payload["permissions"])
		ttl := time.Duration(intv(payload, "ttlSeconds")) * time.Second
		tok, err := d.capstore.Grant(target, perms, str(payload, "purpose"), ttl, boolv(payload, "delegatable"))
		if err != nil {
			return nil, "capability", target, err
		}
		return map[string]any{"token": tok}, "capability", tok.ID, nil
	case "capability_revoke":
		tokenID := str(payload, "tokenId")
		err := d.capstore.Revoke(tokenID)
		return map[string]any{"token_id": tokenID}, "capability", tokenID, err
	case "capability_revoke_all":
		target := str(payload, "agentId")
		n := d.capstore.RevokeAll(target)
		return map[string]any{"revoked": n}, "capability", target, nil

	case "policy_create":
		rule := toPolicyRule(payload)
		err := d.policy.AddRule(rule)
		return map[string]any{"rule": rule}, "policy", rule.ID, err
	case "policy_list":
		kind := contracts.PolicyRuleKind(str(payload, "kind"))
		return map[string]any{"rules": d.policy.ListRules(kind)}, "policy", string(kind), nil
	case "policy_set_status":
		kind := contracts.PolicyRuleKind(str(payload, "kind"))
		id := str(payload, "id")
		err := d.policy.SetRuleEnabled(kind, id, boolv(payload, "enabled"))
		return map[string]any{"id": id}, "policy", id, err

	case "moderation_case_open":
		c := d.gov.OpenCase(str(payload, "subjectAgentId"), str(payload, "policyId"), str(payload, "reason"))
		return map[string]any{"case": c}, "moderation", c.ID, nil
	case "moderation_case_list":
		return map[string]any{"cases": d.gov.ListCases()}, "moderation", "", nil
	case "moderation_case_resolve":
		id := str(payload, "caseId")
		err := d.gov.ResolveCase(id, contracts.ModerationCaseStatus(str(payload, "status")), str(payload, "resolution"))
		return map[string]any{"id": id}, "moderation", id, err

	case "appeal_open":
		a, err := d.gov.OpenAppeal(str(payload, "caseId"), agent.InternalID, str(payload, "reason"))
		return map[string]any{"appeal": a}, "appeal", a.ID, err
	case "appeal_list":
		return map[string]any{"appeals": d.gov.ListAppeals()}, "appeal", "", nil
	case "appeal_resolve":
		id := str(payload, "appealId")
		a, err := d.gov.ResolveAppeal(id, contracts.AppealStatus(str(payload, "status")), str(payload, "resolution"))
		return map[string]any{"appeal": a}, "appeal", id, err

	case "sanction_apply":
		s := d.gov.ApplySanction(str(payload, "subjectAgentId"), contracts.SanctionType(str(payload, "sanctionType")), str(payload, "details"), str(payload, "caseId"))
		return map[string]any{"sanction": s}, "sanction", s.ID, nil
	case "sanction_list":
		return map[string]any{"sanctions": d.gov.ListSanctions()}, "sanction", "", nil
	case "sanction_lift":
		id := str(payload, "sanctionId")
		err := d.gov.LiftSanction(id)
		return map[string]any{"id": id}, "sanction", id, err

	case "compute":
		n := intv(payload, "n")
		if n <= 0 || n > 10_000_000 {
			n = 1000
		}
		var sum int64
		for i := 0; i < n; i++ {
			sum += int64(i) * int64(i)
		}
		return map[string]any{"result": sum}, "task", "compute", nil

	case "memory_intensive":
		sizeKB := intv(payload, "sizeKb")
		if sizeKB <= 0 || sizeKB > 64*1024 {
			sizeKB = 1024
		}
		buf := make([]byte, sizeKB*1024)
		for i := range buf {
			buf[i] = byte(i)
		}
		if usedMB := sizeKB / 1024; usedMB > agent.MemoryUsageMB {
			agent.MemoryUsageMB = usedMB
		}
		return map[string]any{"bytes_touched": len(buf)}, "task", "memory_intensive", nil

	default:
		return nil, "task", taskType, gatewayerr.Validation("unknown task type %q", taskType)
	}
}

func toPermissions(raw any) []contracts.Permission {
	list, _ := raw.([]any)
	out := make([]contracts.Permission, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, contracts.Permission{
			Category: str(m, "category"),
			Actions:  strs(m, "actions"),
			Resource: str(m, "resource"),
		})
	}
	return out
}

func toPolicyRule(payload map[string]any) contracts.GatewayPolicyRule {
	id := str(payload, "id")
	if id == "" {
		id = uuid.New().String()
	}
	matcher, _ := payload["matcher"].(map[string]any)
	return contracts.GatewayPolicyRule{
		ID:       id,
		Kind:     contracts.PolicyRuleKind(str(payload, "kind")),
		Priority: intv(payload, "priority"),
		Enabled:  true,
		Decision: contracts.PolicyDecisionKind(str(payload, "decision")),
		Matcher: contracts.PolicyMatcher{
			PathPatterns:    strs(matcher, "pathPatterns"),
			Operations:      strs(matcher, "operations"),
			HostPatterns:    strs(matcher, "hostPatterns"),
			PortList:        ints(matcher, "portList"),
			ProtocolList:    strs(matcher, "protocolList"),
			CommandPatterns: strs(matcher, "commandPatterns"),
			NamePatterns:    strs(matcher, "namePatterns"),
		},
	}
}

// --- payload accessor helpers ---

func str(p map[string]any, k string) string {
	if p == nil {
		return ""
	}
	v, _ := p[k].(string)
	return v
}

func f64(p map[string]any, k string) float64 {
	if p == nil {
		return 0
	}
	switch v := p[k].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func intv(p map[string]any, k string) int { return int(f64(p, k)) }

func boolv(p map[string]any, k string) bool {
	if p == nil {
		return false
	}
	v, _ := p[k].(bool)
	return v
}

func strs(p map[string]any, k string) []string {
	if p == nil {
		return nil
	}
	list, _ := p[k].([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func ints(p map[string]any, k string) []int {
	if p == nil {
		return nil
	}
	list, _ := p[k].([]any)
	out := make([]int, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case float64:
			out = append(out, int(v))
		case int:
			out = append(out, v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				out = append(out, n)
			}
		}
	}
	return out
}
