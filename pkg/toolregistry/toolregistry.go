// Package toolregistry is the catalog of built-in and external
// ("mcp:"-prefixed) tools: registration, permission-string parsing,
// Policy Engine consultation for structural resource arguments, and
// time/byte-capped handler execution.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
	"github.com/Mindburn-Labs/agentgate/pkg/gatewayerr"
	"github.com/Mindburn-Labs/agentgate/pkg/policy"
)

// Handler executes a tool's actual logic.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// ResourceArgs is the structural resource extracted from a built-in
// tool's arguments, used to consult the Policy Engine.
type ResourceArgs struct {
	Kind      contracts.PolicyRuleKind
	Path      string
	Operation string
	Host      string
	Port      int
	Protocol  string
	Command   string
}

// ResourceExtractor pulls a structural resource out of a tool's call
// arguments. Tools with no structural resource (pure computation) leave
// this nil.
type ResourceExtractor func(args map[string]any) (ResourceArgs, bool)

// ToolDefinition describes a registered tool.
type ToolDefinition struct {
	ID                   string
	Name                 string
	Description          string
	Category             string
	Tags                 []string
	RequiredPermissions  []string // "category.action[resource]"
	RequiresConfirmation bool
	Handler              Handler
	ExtractResource      ResourceExtractor
}

// ToolResult is returned from every Invoke call, success or failure.
type ToolResult struct {
	Success         bool           `json:"success"`
	Content         any            `json:"content,omitempty"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
}

// CapabilityChecker is the subset of capstore.Store the registry needs,
// kept as an interface so tests can stub it without wiring a real store.
type CapabilityChecker interface {
	Check(tokenID, category, action, resource string) (bool, error)
}

// InvokeRequest carries everything Invoke needs about the calling agent.
type InvokeRequest struct {
	ToolID          string
	CapabilityToken string
	Args            map[string]any
	ToolAllowList   []string
	MCPAllowList    []string
}

const (
	defaultTimeout  = 10 * time.Second
	defaultMaxBytes = 1 << 20 // 1 MiB
)

// Registry holds registered tools and enforces the invoke gate chain.
type Registry struct {
	tools        map[string]ToolDefinition
	capabilities CapabilityChecker
	policyEngine *policy.Engine
	timeout      time.Duration
	maxBytes     int
}

// New returns a Registry. capabilities and policyEngine may be swapped
// out per-environment (e.g. a permissive stub in local dev).
func New(capabilities CapabilityChecker, policyEngine *policy.Engine) *Registry {
	return &Registry{
		tools:        make(map[string]ToolDefinition),
		capabilities: capabilities,
		policyEngine: policyEngine,
		timeout:      defaultTimeout,
		maxBytes:     defaultMaxBytes,
	}
}

// WithTimeout overrides the per-invocation execution timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// WithMaxBytes overrides the per-invocation serialized result cap.
func (r *Registry) WithMaxBytes(n int) *Registry {
	r.maxBytes = n
	return r
}

// Register adds or replaces a ToolDefinition.
func (r *Registry) Register(def ToolDefinition) error {
	if def.ID == "" {
		return gatewayerr.Validation("toolregistry: tool id required")
	}
	if def.Handler == nil {
		return gatewayerr.Validation("toolregistry: tool %s missing handler", def.ID)
	}
	r.tools[def.ID] = def
	return nil
}

// Get returns a registered tool definition.
func (r *Registry) Get(id string) (ToolDefinition, bool) {
	def, ok := r.tools[id]
	return def, ok
}

// List returns every registered tool definition, for the list_tools task
// type. Order is unspecified.
func (r *Registry) List() []ToolDefinition {
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	return out
}

// permission is a parsed "category.action[resource]" string.
type permission struct {
	category string
	action   string
	resource string
}

func parsePermission(s string) (permission, error) {
	catAction := s
	resource := ""
	if i := strings.IndexByte(s, '['); i >= 0 {
		if !strings.HasSuffix(s, "]") {
			return permission{}, fmt.Errorf("malformed permission string %q", s)
		}
		catAction = s[:i]
		resource = s[i+1 : len(s)-1]
	}
	parts := strings.SplitN(catAction, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return permission{}, fmt.Errorf("malformed permission string %q", s)
	}
	return permission{category: parts[0], action: parts[1], resource: resource}, nil
}

// Invoke runs the full invocation gate chain: lookup, allow-list, permission
// coverage, policy consultation, then time/byte-capped execution.
func (r *Registry) Invoke(ctx context.Context, req InvokeRequest) ToolResult {
	start := time.Now()

	def, ok := r.tools[req.ToolID]
	if !ok {
		return failResult(start, "tool %s not found", req.ToolID)
	}

	if strings.HasPrefix(req.ToolID, "mcp:") {
		server := mcpServerName(req.ToolID)
		if !stringInList(req.MCPAllowList, server) {
			return failResult(start, "mcp server %s not in caller's allow-list", server)
		}
	} else if !stringInList(req.ToolAllowList, req.ToolID) {
		return failResult(start, "tool %s not in caller's allow-list", req.ToolID)
	}

	for _, raw := range def.RequiredPermissions {
		perm, err := parsePermission(raw)
		if err != nil {
			return failResult(start, "invalid permission declared on tool %s: %v", req.ToolID, err)
		}
		if r.capabilities == nil {
			return failResult(start, "no capability checker configured (fail-closed)")
		}
		allowed, err := r.capabilities.Check(req.CapabilityToken, perm.category, perm.action, perm.resource)
		if err != nil || !allowed {
			return failResult(start, "permission denied: %s.%s", perm.category, perm.action)
		}
	}

	if def.ExtractResource != nil && r.policyEngine != nil {
		if resArgs, has := def.ExtractResource(req.Args); has {
			decision, err := r.policyEngine.Evaluate(policy.Request{
				Kind:      resArgs.Kind,
				Path:      resArgs.Path,
				Operation: resArgs.Operation,
				Host:      resArgs.Host,
				Port:      resArgs.Port,
				Protocol:  resArgs.Protocol,
				Command:   resArgs.Command,
			})
			if err != nil {
				return failResult(start, "policy evaluation error: %v", err)
			}
			if decision.Outcome == contracts.PolicyBlock {
				return failResult(start, "blocked by policy: %s", decision.Reason)
			}
			if decision.Outcome == contracts.PolicyApprove {
				return failResult(start, "requires approval: %s", decision.Reason)
			}
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resultCh := make(chan struct {
		content any
		err     error
	}, 1)
	go func() {
		content, err := def.Handler(execCtx, req.Args)
		resultCh <- struct {
			content any
			err     error
		}{content, err}
	}()

	select {
	case <-execCtx.Done():
		return failResult(start, "tool %s execution timed out after %s", req.ToolID, r.timeout)
	case res := <-resultCh:
		if res.err != nil {
			return failResult(start, "tool %s handler error: %v", req.ToolID, res.err)
		}
		encoded, err := json.Marshal(res.content)
		if err == nil && len(encoded) > r.maxBytes {
			return failResult(start, "tool %s result exceeds %d byte cap", req.ToolID, r.maxBytes)
		}
		return ToolResult{
			Success:         true,
			Content:         res.content,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}
	}
}

func mcpServerName(toolID string) string {
	rest := strings.TrimPrefix(toolID, "mcp:")
	if i := strings.IndexAny(rest, "/:"); i >= 0 {
		return rest[:i]
	}
	return rest
}

func stringInList(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func failResult(start time.Time, format string, args ...any) ToolResult {
	return ToolResult{
		Success:         false,
		Error:           fmt.Sprintf(format, args...),
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
}
