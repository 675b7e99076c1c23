// Package contracts holds the gateway's shared domain types: agent
// entries, capability tokens, policy rules, audit records, A2A tasks,
// and the governance triplet (cases, sanctions, appeals). Every other
// package depends on these; this package depends on nothing.
package contracts

import "time"

// TrustLevel gates how much autonomy an agent is granted.
type TrustLevel string

const (
	TrustSupervised        TrustLevel = "supervised"
	TrustSemiAutonomous    TrustLevel = "semi-autonomous"
	TrustMonitoredAutonomy TrustLevel = "monitored-autonomous"
)

// AgentState is an element of the agent lifecycle state machine.
type AgentState string

const (
	AgentCreated      AgentState = "created"
	AgentInitializing AgentState = "initializing"
	AgentReady        AgentState = "ready"
	AgentRunning      AgentState = "running"
	AgentPaused       AgentState = "paused"
	AgentError        AgentState = "error"
	AgentTerminated   AgentState = "terminated"
)

// A2ASkill is a capability an agent advertises for agent-to-agent delegation.
type A2ASkill struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// UsageWindow is the 60-second sliding counter for rate-limit accounting.
type UsageWindow struct {
	WindowStart         int64 `json:"window_start"` // epoch-ms
	RequestsThisMinute  int   `json:"requests_this_minute"`
	ToolCallsThisMinute int   `json:"tool_calls_this_minute"`
	TokensThisMinute    int   `json:"tokens_this_minute"`
}

// HourlyWindow is the coarse per-agent request/error counter behind the
// health monitor's error-rate check. Like UsageWindow it resets in place
// once its hour has elapsed.
type HourlyWindow struct {
	WindowStart int64 `json:"window_start"` // epoch-ms
	Requests    int   `json:"requests"`
	Errors      int   `json:"errors"`
}

// AgentLimits bounds an agent's resource consumption.
type AgentLimits struct {
	MaxTokensPerRequest int     `json:"max_tokens_per_request"`
	TokensPerMinute     int     `json:"tokens_per_minute"`
	RequestsPerMinute   int     `json:"requests_per_minute"`
	ToolCallsPerMinute  int     `json:"tool_calls_per_minute"`
	CostBudgetUSD       float64 `json:"cost_budget_usd"`
	MaxMemoryMB         int     `json:"max_memory_mb"`
}

// AgentEntry is the Registry's record of a single active agent.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type AgentEntry struct {
	InternalID      string     `json:"internal_id"`
	ExternalID      string     `json:"external_id"`
	DisplayName     string     `json:"display_name"`
	ManifestVersion string     `json:"manifest_version"`
	PreferredModel  string     `json:"preferred_model"`
	ToolAllowList   []string   `json:"tool_allow_list"`
	MCPAllowList    []string   `json:"mcp_allow_list"`
	A2ASkills       []A2ASkill `json:"a2a_skills"`

	TrustLevel          TrustLevel          `json:"trust_level"`
	AllowedCapabilities map[string][]string `json:"allowed_capabilities"` // category -> actions
	AllowedSkillIDs     []string            `json:"allowed_skill_ids"`

	State AgentState `json:"state"`

	CumulativeInputTokens  int64        `json:"cumulative_input_tokens"`
	CumulativeOutputTokens int64        `json:"cumulative_output_tokens"`
	CumulativeCost         float64      `json:"cumulative_cost"`
	Usage                  UsageWindow  `json:"usage"`
	Hourly                 HourlyWindow `json:"hourly"`

	// MemoryUsageMB is the agent's last-reported peak working-set, fed by
	// the memory-reporting task surface; agents run out of process, so
	// usage is reported rather than measured.
	MemoryUsageMB int `json:"memory_usage_mb"`

	Limits AgentLimits `json:"limits"`

	OwningNodeID string `json:"owning_node_id"`

	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Permission is a single capability grant: a category, an action set,
// and an optional resource-glob scope.
type Permission struct {
	Category    string         `json:"category"`
	Actions     []string       `json:"actions"`
	Resource    string         `json:"resource,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

// CapabilityToken is an HMAC-signed, time-bounded grant of permissions.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type CapabilityToken struct {
	ID           string       `json:"id"`
	OwnerAgentID string       `json:"owner_agent_id"`
	Permissions  []Permission `json:"permissions"`
	Purpose      string       `json:"purpose"`
	IssuedAt     time.Time    `json:"issued_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
	Delegatable  bool         `json:"delegatable"`
	Signature    string       `json:"signature"`
}

// PolicyRuleKind is the request category a PolicyRule applies to.
type PolicyRuleKind string

const (
	PolicyKindFile    PolicyRuleKind = "file"
	PolicyKindNetwork PolicyRuleKind = "network"
	PolicyKindShell   PolicyRuleKind = "shell"
	PolicyKindSecret  PolicyRuleKind = "secret"
)

// PolicyDecisionKind is the outcome of evaluating a PolicyRule.
type PolicyDecisionKind string

const (
	PolicyAllow   PolicyDecisionKind = "allow"
	PolicyBlock   PolicyDecisionKind = "block"
	PolicyApprove PolicyDecisionKind = "approve"
)

// PolicyMatcher holds the kind-specific matcher fields for a PolicyRule.
// Only the fields relevant to Kind are populated.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type PolicyMatcher struct {
	PathPatterns    []string `json:"path_patterns,omitempty" yaml:"path_patterns"`
	Operations      []string `json:"operations,omitempty" yaml:"operations"` // read, write, delete, list
	HostPatterns    []string `json:"host_patterns,omitempty" yaml:"host_patterns"`
	PortList        []int    `json:"port_list,omitempty" yaml:"port_list"`
	ProtocolList    []string `json:"protocol_list,omitempty" yaml:"protocol_list"`
	CommandPatterns []string `json:"command_patterns,omitempty" yaml:"command_patterns"`
	NamePatterns    []string `json:"name_patterns,omitempty" yaml:"name_patterns"`
	OperationFilter string   `json:"operation_filter,omitempty" yaml:"operation_filter"`
}

// GatewayPolicyRule is a glob-based allow/block/approve rule owned by
// the Policy Engine, distinct from GovernancePolicy below: this one
// gates file/network/shell/secret requests, that one watches the audit
// stream.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type GatewayPolicyRule struct {
	ID       string             `json:"id" yaml:"id"`
	Kind     PolicyRuleKind     `json:"kind" yaml:"kind"`
	Priority int                `json:"priority" yaml:"priority"`
	Enabled  bool               `json:"enabled" yaml:"enabled"`
	Decision PolicyDecisionKind `json:"decision" yaml:"decision"`
	Matcher  PolicyMatcher      `json:"matcher" yaml:"matcher"`
}

// AuditOutcome is the result recorded for a gated decision.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
	OutcomeBlocked AuditOutcome = "blocked"
	OutcomeDenied  AuditOutcome = "denied"
)

// GatewayAuditRecord is the append-only audit record emitted by every gated
// decision in the Dispatcher and Governance Loop.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type GatewayAuditRecord struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	InsertionSeq uint64         `json:"insertion_seq"`
	ActorID      string         `json:"actor_id"`
	Action       string         `json:"action"` // dotted string, e.g. "tool.invoked"
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details,omitempty"`
	Outcome      AuditOutcome   `json:"outcome"`
	SkipPolicyCheck bool        `json:"skip_policy_check,omitempty"`
}

// A2ATaskStatus is an element of the A2A task lifecycle.
type A2ATaskStatus string

const (
	A2ASubmitted A2ATaskStatus = "submitted"
	A2AWorking   A2ATaskStatus = "working"
	A2ACompleted A2ATaskStatus = "completed"
	A2AFailed    A2ATaskStatus = "failed"
)

// A2ATaskEntry is a single cross-agent delegated task.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type A2ATaskEntry struct {
	TaskID      string         `json:"task_id"`
	FromAgentID string         `json:"from_agent_id"`
	ToAgentID   string         `json:"to_agent_id"`
	Payload     map[string]any `json:"payload"`
	Status      A2ATaskStatus  `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// SanctionType is the severity of an applied sanction.
type SanctionType string

const (
	SanctionWarn       SanctionType = "warn"
	SanctionThrottle   SanctionType = "throttle"
	SanctionQuarantine SanctionType = "quarantine"
	SanctionBan        SanctionType = "ban"
)

// SanctionStatus tracks whether a sanction is still in force.
type SanctionStatus string

const (
	SanctionActive   SanctionStatus = "active"
	SanctionResolved SanctionStatus = "resolved"
)

// Sanction is a governance-imposed restriction on an agent.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Sanction struct {
	ID              string         `json:"id"`
	SubjectAgentID  string         `json:"subject_agent_id"`
	Type            SanctionType   `json:"type"`
	Details         string         `json:"details,omitempty"`
	Status          SanctionStatus `json:"status"`
	CaseID          string         `json:"case_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

// ModerationCaseStatus tracks a moderation case's disposition.
type ModerationCaseStatus string

const (
	CaseOpen      ModerationCaseStatus = "open"
	CaseResolved  ModerationCaseStatus = "resolved"
	CaseDismissed ModerationCaseStatus = "dismissed"
)

// ModerationCase groups the violations of a single (subject, policy) pair.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ModerationCase struct {
	ID             string               `json:"id"`
	SubjectAgentID string               `json:"subject_agent_id"`
	PolicyID       string               `json:"policy_id"`
	Status         ModerationCaseStatus `json:"status"`
	Reason         string               `json:"reason"`
	Evidence       []string             `json:"evidence,omitempty"` // audit record IDs
	Resolution     string               `json:"resolution,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// AppealStatus tracks the disposition of an appeal against a ModerationCase.
type AppealStatus string

const (
	AppealOpen     AppealStatus = "open"
	AppealAccepted AppealStatus = "accepted"
	AppealRejected AppealStatus = "rejected"
)

// Appeal is a subject agent's (or admin's) contestation of a ModerationCase.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Appeal struct {
	ID         string       `json:"id"`
	CaseID     string       `json:"case_id"`
	OpenedBy   string       `json:"opened_by"`
	Status     AppealStatus `json:"status"`
	Reason     string       `json:"reason"`
	Resolution string       `json:"resolution,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

// GovernanceRuleType distinguishes the two rule shapes the governance loop
// evaluates audit records against.
type GovernanceRuleType string

const (
	GovRuleDeny      GovernanceRuleType = "deny"
	GovRuleRateLimit GovernanceRuleType = "rate_limit"
)

// SanctionSpec is the sanction a GovernanceRule applies on violation.
type SanctionSpec struct {
	Type SanctionType `json:"type"`
}

// GovernanceRule is a single rule within a governance Policy: a CEL match
// expression over an audit record plus an optional rate-limit window and
// an optional sanction to apply on violation.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type GovernanceRule struct {
	ID             string             `json:"id"`
	Type           GovernanceRuleType `json:"type"`
	MatchExpr      string             `json:"match_expr"` // CEL, evaluated over the audit record
	Action         string             `json:"action,omitempty"`
	ResourceType   string             `json:"resource_type,omitempty"`
	OutcomeFilter  AuditOutcome       `json:"outcome_filter,omitempty"`
	WindowSeconds  int                `json:"window_seconds,omitempty"`
	MaxCount       int                `json:"max_count,omitempty"`
	Sanction       *SanctionSpec      `json:"sanction,omitempty"`
}

// GovernancePolicy is a named, ordered set of GovernanceRules, evaluated
// against every audit record that doesn't match a governance-owned prefix.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type GovernancePolicy struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Active  bool             `json:"active"`
	Rules   []GovernanceRule `json:"rules"`
}
