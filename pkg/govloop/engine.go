package govloop

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
	"github.com/Mindburn-Labs/agentgate/pkg/gatewayerr"
)

// skipPrefixes are the action-namespaces owned by the governance loop
// itself: a record whose action starts with one of these is
// never re-evaluated, which is how the audit-loop-opens-cases-which-emit-
// audit-records cycle terminates (break the cycle with the
// prefix-skip rule, not with locks").
var skipPrefixes = []string{
	"policy.", "moderation.", "sanction.", "appeal.",
	"audit.", "permission.", "approval.", "rate_limit.", "budget.",
}

func hasSkipPrefix(action string) bool {
	for _, p := range skipPrefixes {
		if hasPrefix(action, p) {
			return true
		}
	}
	return false
}

// SanctionSink is notified every time the Engine applies a new Sanction.
// The Dispatcher's sanction gate does not depend on it: it reads
// ActiveSanctions on every task.
type SanctionSink func(contracts.Sanction)

// CaseSink is notified every time the Engine opens a new ModerationCase.
type CaseSink func(contracts.ModerationCase)

// Engine evaluates freshly-appended audit records against the set of
// active GovernancePolicies, opening moderation cases and applying
// sanctions on violation. CEL programs compile once per rule at
// LoadPolicy time and evaluate on every matching record.
type Engine struct {
	mu sync.Mutex

	env      *cel.Env
	policies map[string]*contracts.GovernancePolicy
	compiled map[string]cel.Program // ruleID -> compiled match_expr

	cases      map[string]*contracts.ModerationCase // id -> case
	openByKey  map[string]string                     // (subjectAgentId, policyId) -> open case id
	sanctions  map[string]*contracts.Sanction        // id -> sanction
	byCaseType map[string]string                      // (caseId, type) -> sanction id, only while active
	appeals    map[string]*contracts.Appeal          // id -> appeal

	auditLog *AuditLog

	onSanction SanctionSink
	onCase     CaseSink
	now        Clock
}

// NewEngine builds the Engine's CEL environment (action/resource_type/
// resource_id/actor_id/outcome/details variables, matching the audit
// record's own field set) and wires it to append follow-on audit records
// to auditLog.
func NewEngine(auditLog *AuditLog) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("action", types.StringType),
			decls.NewVariable("resource_type", types.StringType),
			decls.NewVariable("resource_id", types.StringType),
			decls.NewVariable("actor_id", types.StringType),
			decls.NewVariable("outcome", types.StringType),
			decls.NewVariable("details", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, gatewayerr.Internal(err, "govloop: failed to build CEL environment")
	}

	return &Engine{
		env:        env,
		policies:   make(map[string]*contracts.GovernancePolicy),
		compiled:   make(map[string]cel.Program),
		cases:      make(map[string]*contracts.ModerationCase),
		openByKey:  make(map[string]string),
		sanctions:  make(map[string]*contracts.Sanction),
		byCaseType: make(map[string]string),
		appeals:    make(map[string]*contracts.Appeal),
		auditLog:   auditLog,
		now:        time.Now,
	}, nil
}

// WithClock overrides the engine's time source, for tests.
func (e *Engine) WithClock(c Clock) *Engine {
	e.now = c
	return e
}

// OnSanction registers a sink invoked whenever a Sanction is newly upserted.
func (e *Engine) OnSanction(sink SanctionSink) { e.onSanction = sink }

// OnCase registers a sink invoked whenever a ModerationCase is opened.
func (e *Engine) OnCase(sink CaseSink) { e.onCase = sink }

// LoadPolicy compiles every rule's match_expr and registers the policy.
// A rule that fails to compile makes the whole LoadPolicy call fail —
// governance rules are fail-closed configuration, not best-effort.
func (e *Engine) LoadPolicy(p contracts.GovernancePolicy) error {
	compiled := make(map[string]cel.Program, len(p.Rules))
	for _, rule := range p.Rules {
		if rule.MatchExpr == "" {
			return gatewayerr.Validation("govloop: rule %s missing match_expr", rule.ID)
		}
		ast, issues := e.env.Compile(rule.MatchExpr)
		if issues != nil && issues.Err() != nil {
			return gatewayerr.Wrap(gatewayerr.CodeValidation, fmt.Sprintf("govloop: rule %s match_expr compile error", rule.ID), issues.Err())
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return gatewayerr.Wrap(gatewayerr.CodeValidation, fmt.Sprintf("govloop: rule %s program construction failed", rule.ID), err)
		}
		compiled[rule.ID] = prg
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.ID] = &p
	for id, prg := range compiled {
		e.compiled[id] = prg
	}
	return nil
}

// SetPolicyActive flips a loaded policy's Active flag. Setting the
// current value again is a no-op.
func (e *Engine) SetPolicyActive(policyID string, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[policyID]
	if !ok {
		return gatewayerr.NotFound("govloop: unknown policy %s", policyID)
	}
	p.Active = active
	return nil
}

// Evaluate is the AuditLog.OnRecord handler: it skips records the
// governance loop itself produced (SkipPolicyCheck, or an owned action
// prefix), then checks rec against every active policy's rules.
func (e *Engine) Evaluate(rec contracts.GatewayAuditRecord) {
	if rec.SkipPolicyCheck || hasSkipPrefix(rec.Action) {
		return
	}

	e.mu.Lock()
	policies := make([]*contracts.GovernancePolicy, 0, len(e.policies))
	for _, p := range e.policies {
		if p.Active {
			policies = append(policies, p)
		}
	}
	e.mu.Unlock()

	input := map[string]any{
		"action":        rec.Action,
		"resource_type": rec.ResourceType,
		"resource_id":   rec.ResourceID,
		"actor_id":      rec.ActorID,
		"outcome":       string(rec.Outcome),
		"details":       rec.Details,
	}

	for _, p := range policies {
		for _, rule := range p.Rules {
			if e.ruleViolated(rule, rec, input) {
				e.onViolation(p, rule, rec)
			}
		}
	}
}

func (e *Engine) ruleViolated(rule contracts.GovernanceRule, rec contracts.GatewayAuditRecord, input map[string]any) bool {
	e.mu.Lock()
	prg, ok := e.compiled[rule.ID]
	e.mu.Unlock()
	if !ok {
		return false
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false // fail open on evaluation error: no violation raised, not a crash
	}
	matched, ok := out.Value().(bool)
	if !ok || !matched {
		return false
	}

	switch rule.Type {
	case contracts.GovRuleDeny:
		return true
	case contracts.GovRuleRateLimit:
		return e.countInWindow(rec.ActorID, rule) > rule.MaxCount
	default:
		return false
	}
}

// countInWindow counts audit records matching the rule's actor/action/
// resourceType/outcome filter within the last windowSeconds.
func (e *Engine) countInWindow(actorID string, rule contracts.GovernanceRule) int {
	since := e.now().UTC().Add(-time.Duration(rule.WindowSeconds) * time.Second)
	records := e.auditLog.Query(QueryFilter{
		ActorID:      actorID,
		Action:       rule.Action,
		ResourceType: rule.ResourceType,
		Outcome:      rule.OutcomeFilter,
		Since:        &since,
	})
	return len(records)
}

func (e *Engine) onViolation(p *contracts.GovernancePolicy, rule contracts.GovernanceRule, rec contracts.GatewayAuditRecord) {
	now := e.now().UTC()
	e.mu.Lock()
	key := rec.ActorID + "|" + p.ID
	caseID, open := e.openByKey[key]
	var c *contracts.ModerationCase
	if open {
		c = e.cases[caseID]
	} else {
		c = &contracts.ModerationCase{
			ID:             uuid.New().String(),
			SubjectAgentID: rec.ActorID,
			PolicyID:       p.ID,
			Status:         contracts.CaseOpen,
			Reason:         fmt.Sprintf("violation of rule %s in policy %s", rule.ID, p.Name),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		e.cases[c.ID] = c
		e.openByKey[key] = c.ID
	}
	c.Evidence = append(c.Evidence, rec.ID)
	c.UpdatedAt = now

	var sanction *contracts.Sanction
	newSanction := false
	if rule.Sanction != nil {
		sKey := c.ID + "|" + string(rule.Sanction.Type)
		if existingID, ok := e.byCaseType[sKey]; ok {
			sanction = e.sanctions[existingID]
		} else {
			sanction = &contracts.Sanction{
				ID:             uuid.New().String(),
				SubjectAgentID: rec.ActorID,
				Type:           rule.Sanction.Type,
				Details:        fmt.Sprintf("auto-applied by rule %s", rule.ID),
				Status:         contracts.SanctionActive,
				CaseID:         c.ID,
				CreatedAt:      now,
			}
			e.sanctions[sanction.ID] = sanction
			e.byCaseType[sKey] = sanction.ID
			newSanction = true
		}
	}
	caseSnapshot := *c
	e.mu.Unlock()

	if !open && e.onCase != nil {
		e.onCase(caseSnapshot)
	}

	e.auditLog.Append(contracts.GatewayAuditRecord{
		ActorID:         rec.ActorID,
		Action:          "policy.violation",
		ResourceType:    "moderation_case",
		ResourceID:      c.ID,
		Outcome:         contracts.OutcomeBlocked,
		Details:         map[string]any{"rule_id": rule.ID, "policy_id": p.ID},
		SkipPolicyCheck: true,
	})

	if sanction != nil {
		sanctionSnapshot := *sanction
		e.auditLog.Append(contracts.GatewayAuditRecord{
			ActorID:         sanction.SubjectAgentID,
			Action:          "sanction.apply.auto",
			ResourceType:    "sanction",
			ResourceID:      sanction.ID,
			Outcome:         contracts.OutcomeSuccess,
			Details:         map[string]any{"type": string(sanction.Type), "case_id": c.ID},
			SkipPolicyCheck: true,
		})
		if newSanction && e.onSanction != nil {
			e.onSanction(sanctionSnapshot)
		}
	}
}

// ActiveSanctions returns every currently-active Sanction against subjectAgentID.
func (e *Engine) ActiveSanctions(subjectAgentID string) []contracts.Sanction {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []contracts.Sanction
	for _, s := range e.sanctions {
		if s.SubjectAgentID == subjectAgentID && s.Status == contracts.SanctionActive {
			out = append(out, *s)
		}
	}
	return out
}

// ApplySanction manually applies a sanction (the sanction_apply task type),
// independent of any governance rule.
func (e *Engine) ApplySanction(subjectAgentID string, sType contracts.SanctionType, details, caseID string) contracts.Sanction {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &contracts.Sanction{
		ID:             uuid.New().String(),
		SubjectAgentID: subjectAgentID,
		Type:           sType,
		Details:        details,
		Status:         contracts.SanctionActive,
		CaseID:         caseID,
		CreatedAt:      e.now().UTC(),
	}
	e.sanctions[s.ID] = s
	if e.onSanction != nil {
		snapshot := *s
		e.onSanction(snapshot)
	}
	return *s
}

// ListSanctions returns every sanction on record, active or resolved.
func (e *Engine) ListSanctions() []contracts.Sanction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]contracts.Sanction, 0, len(e.sanctions))
	for _, s := range e.sanctions {
		out = append(out, *s)
	}
	return out
}

// LiftSanction resolves a sanction (the sanction_lift task type).
func (e *Engine) LiftSanction(sanctionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sanctions[sanctionID]
	if !ok {
		return gatewayerr.NotFound("govloop: unknown sanction %s", sanctionID)
	}
	now := e.now().UTC()
	s.Status = contracts.SanctionResolved
	s.ResolvedAt = &now
	if key := s.CaseID + "|" + string(s.Type); e.byCaseType[key] == s.ID {
		delete(e.byCaseType, key)
	}
	return nil
}

// ListCases returns every moderation case on record.
func (e *Engine) ListCases() []contracts.ModerationCase {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]contracts.ModerationCase, 0, len(e.cases))
	for _, c := range e.cases {
		out = append(out, *c)
	}
	return out
}

// ResolveCase closes a moderation case with a disposition and resolution note.
func (e *Engine) ResolveCase(caseID string, status contracts.ModerationCaseStatus, resolution string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cases[caseID]
	if !ok {
		return gatewayerr.NotFound("govloop: unknown moderation case %s", caseID)
	}
	c.Status = status
	c.Resolution = resolution
	c.UpdatedAt = e.now().UTC()
	delete(e.openByKey, c.SubjectAgentID+"|"+c.PolicyID)
	return nil
}

// OpenCase opens a moderation case directly (the moderation_case_open
// task type), independent of rule evaluation.
func (e *Engine) OpenCase(subjectAgentID, policyID, reason string) contracts.ModerationCase {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now().UTC()
	c := &contracts.ModerationCase{
		ID:             uuid.New().String(),
		SubjectAgentID: subjectAgentID,
		PolicyID:       policyID,
		Status:         contracts.CaseOpen,
		Reason:         reason,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e.cases[c.ID] = c
	e.openByKey[subjectAgentID+"|"+policyID] = c.ID
	return *c
}

// OpenAppeal records a contestation of a ModerationCase (the
// appeal_open task type). Appeal operations are the
// one escape hatch a sanctioned agent retains, so the Dispatcher's
// sanction gate exempts appeal_open, appeal_list and appeal_resolve.
func (e *Engine) OpenAppeal(caseID, openedBy, reason string) (contracts.Appeal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cases[caseID]; !ok {
		return contracts.Appeal{}, gatewayerr.NotFound("govloop: unknown moderation case %s", caseID)
	}
	now := e.now().UTC()
	a := &contracts.Appeal{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		OpenedBy:  openedBy,
		Status:    contracts.AppealOpen,
		Reason:    reason,
		CreatedAt: now,
	}
	e.appeals[a.ID] = a
	return *a, nil
}

// ListAppeals returns every appeal on record.
func (e *Engine) ListAppeals() []contracts.Appeal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]contracts.Appeal, 0, len(e.appeals))
	for _, a := range e.appeals {
		out = append(out, *a)
	}
	return out
}

// ResolveAppeal records an admin's disposition of an appeal.
func (e *Engine) ResolveAppeal(appealID string, status contracts.AppealStatus, resolution string) (contracts.Appeal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.appeals[appealID]
	if !ok {
		return contracts.Appeal{}, gatewayerr.NotFound("govloop: unknown appeal %s", appealID)
	}
	now := e.now().UTC()
	a.Status = status
	a.Resolution = resolution
	a.ResolvedAt = &now
	return *a, nil
}
