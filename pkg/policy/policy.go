// Package policy implements the glob-based Policy Engine: per-kind
// (file/network/shell/secret) rule lists evaluated in priority order,
// with path-traversal-safe normalization and a production-hardened
// default-deny posture.
package policy

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
	"github.com/Mindburn-Labs/agentgate/pkg/gatewayerr"
)

// Request describes a single request to be checked against a kind's rules.
type Request struct {
	Kind      contracts.PolicyRuleKind
	Path      string // file kind
	Operation string // file: read/write/delete/list
	Host      string // network kind
	Port      int    // network kind
	Protocol  string // network kind
	Command   string // shell kind
	Name      string // secret kind
}

// Decision is the result of evaluating a Request against the rule set.
type Decision struct {
	Outcome   contracts.PolicyDecisionKind
	MatchedID string // rule ID, empty if the default decision applied
	Reason    string
}

// PolicyAuditEntry is one evaluation recorded in the Engine's bounded
// ring buffer, independent of the Dispatcher's own
// audit+governance log.
type PolicyAuditEntry struct {
	Request  Request
	Decision Decision
}

const defaultAuditRingSize = 1000

// Engine holds priority-sorted GatewayPolicyRule lists per kind.
type Engine struct {
	mu         sync.RWMutex
	rules      map[contracts.PolicyRuleKind][]contracts.GatewayPolicyRule
	production bool // true: fail-closed default-deny when nothing matches

	auditRing []PolicyAuditEntry
	auditNext int
	auditFull bool
}

// New creates an Engine. In production mode, a request that matches no
// enabled rule is blocked; outside production it is allowed, to keep
// local/dev iteration friction-free.
func New(production bool) *Engine {
	return &Engine{
		rules:      make(map[contracts.PolicyRuleKind][]contracts.GatewayPolicyRule),
		production: production,
		auditRing:  make([]PolicyAuditEntry, defaultAuditRingSize),
	}
}

// recordAudit appends to the bounded ring buffer, overwriting the oldest
// entry once full. Caller must hold e.mu.
func (e *Engine) recordAudit(entry PolicyAuditEntry) {
	e.auditRing[e.auditNext] = entry
	e.auditNext = (e.auditNext + 1) % len(e.auditRing)
	if e.auditNext == 0 {
		e.auditFull = true
	}
}

// AuditLog returns the ring buffer's current contents, oldest first.
func (e *Engine) AuditLog() []PolicyAuditEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.auditFull {
		out := make([]PolicyAuditEntry, e.auditNext)
		copy(out, e.auditRing[:e.auditNext])
		return out
	}
	out := make([]PolicyAuditEntry, len(e.auditRing))
	copy(out, e.auditRing[e.auditNext:])
	copy(out[len(e.auditRing)-e.auditNext:], e.auditRing[:e.auditNext])
	return out
}

// LoadRules replaces the rule set for the kinds present in rules,
// sorting each kind's rules by descending priority (higher runs first).
func (e *Engine) LoadRules(rules []contracts.GatewayPolicyRule) error {
	for _, r := range rules {
		if r.ID == "" {
			return gatewayerr.Validation("policy: rule missing id")
		}
		if r.Decision != contracts.PolicyAllow && r.Decision != contracts.PolicyBlock && r.Decision != contracts.PolicyApprove {
			return gatewayerr.Validation("policy: rule %s has invalid decision %q", r.ID, r.Decision)
		}
	}

	byKind := make(map[contracts.PolicyRuleKind][]contracts.GatewayPolicyRule)
	for _, r := range rules {
		byKind[r.Kind] = append(byKind[r.Kind], r)
	}
	for kind := range byKind {
		sort.SliceStable(byKind[kind], func(i, j int) bool {
			return byKind[kind][i].Priority > byKind[kind][j].Priority
		})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = byKind
	return nil
}

// LoadRulesYAML loads a rule set from a YAML document, matching the
// file-driven configuration style used for manifest bundles.
func (e *Engine) LoadRulesYAML(data []byte) error {
	var doc struct {
		Rules []contracts.GatewayPolicyRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return gatewayerr.Wrap(gatewayerr.CodeValidation, "policy: invalid yaml rule set", err)
	}
	return e.LoadRules(doc.Rules)
}

// AddRule inserts or replaces a single rule, re-sorting its kind's list.
func (e *Engine) AddRule(r contracts.GatewayPolicyRule) error {
	if r.ID == "" {
		return gatewayerr.Validation("policy: rule missing id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.rules[r.Kind]
	replaced := false
	for i := range list {
		if list[i].ID == r.ID {
			list[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, r)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })
	e.rules[r.Kind] = list
	return nil
}

// ListRules returns a copy of kind's priority-ordered rule list.
func (e *Engine) ListRules(kind contracts.PolicyRuleKind) []contracts.GatewayPolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]contracts.GatewayPolicyRule, len(e.rules[kind]))
	copy(out, e.rules[kind])
	return out
}

// SetRuleEnabled flips a rule's Enabled flag in place (the
// policy_set_status task type). Idempotent: setting the same value
// twice is a no-op.
func (e *Engine) SetRuleEnabled(kind contracts.PolicyRuleKind, id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.rules[kind]
	for i := range list {
		if list[i].ID == id {
			list[i].Enabled = enabled
			return nil
		}
	}
	return gatewayerr.NotFound("policy: unknown rule %s", id)
}

// RemoveRule deletes a rule by kind and ID.
func (e *Engine) RemoveRule(kind contracts.PolicyRuleKind, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.rules[kind]
	for i, r := range list {
		if r.ID == id {
			e.rules[kind] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Evaluate checks req against the kind's priority-ordered rule list,
// returning the first enabled matching rule's decision. If nothing
// matches, the engine's default posture applies.
func (e *Engine) Evaluate(req Request) (Decision, error) {
	decision, err := e.evaluate(req)
	if err == nil {
		e.mu.Lock()
		e.recordAudit(PolicyAuditEntry{Request: req, Decision: decision})
		e.mu.Unlock()
	}
	return decision, err
}

func (e *Engine) evaluate(req Request) (Decision, error) {
	if req.Kind == contracts.PolicyKindFile {
		normalized, err := normalizeSafePath(req.Path)
		if err != nil {
			return Decision{Outcome: contracts.PolicyBlock, Reason: err.Error()}, nil
		}
		req.Path = normalized
	}

	e.mu.RLock()
	rules := e.rules[req.Kind]
	e.mu.RUnlock()

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if matchRule(r, req) {
			return Decision{Outcome: r.Decision, MatchedID: r.ID, Reason: "matched rule " + r.ID}, nil
		}
	}

	if e.production {
		return Decision{Outcome: contracts.PolicyBlock, Reason: "no matching rule; default-deny in production"}, nil
	}
	return Decision{Outcome: contracts.PolicyAllow, Reason: "no matching rule; default-allow outside production"}, nil
}

func matchRule(r contracts.GatewayPolicyRule, req Request) bool {
	m := r.Matcher
	switch r.Kind {
	case contracts.PolicyKindFile:
		if !globAnyMatch(m.PathPatterns, req.Path) {
			return false
		}
		if len(m.Operations) > 0 && !stringInSlice(m.Operations, req.Operation) {
			return false
		}
		return true

	case contracts.PolicyKindNetwork:
		if !hostAnyMatch(m.HostPatterns, req.Host) {
			return false
		}
		if len(m.PortList) > 0 && !intInSlice(m.PortList, req.Port) {
			return false
		}
		if len(m.ProtocolList) > 0 && !stringInSlice(m.ProtocolList, req.Protocol) {
			return false
		}
		return true

	case contracts.PolicyKindShell:
		return globAnyMatch(m.CommandPatterns, req.Command)

	case contracts.PolicyKindSecret:
		return globAnyMatch(m.NamePatterns, req.Name)

	default:
		return false
	}
}

// traversal sequences rejected before any normalization, including the
// URL-encoded spellings.
var traversalSequences = []string{"../", "..\\", "%2e%2e", "%2E%2E", "..%2f", "..%2F", "..%5c", "..%5C"}

func containsTraversal(p string) bool {
	for _, seq := range traversalSequences {
		if strings.Contains(p, seq) {
			return true
		}
	}
	return strings.HasSuffix(p, "/..") || strings.HasSuffix(p, "\\..") || p == ".."
}

// normalizeSafePath rejects any input carrying a traversal sequence in
// its raw, pre-normalized form, then percent-decodes and cleans what
// remains. Rejection before decoding means an encoded "../" can never
// survive to the match step.
func normalizeSafePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("policy: empty path")
	}
	if containsTraversal(p) {
		return "", fmt.Errorf("policy: path traversal rejected: %s", p)
	}
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	if containsTraversal(p) {
		return "", fmt.Errorf("policy: path traversal rejected after decoding: %s", p)
	}
	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(cleaned, "/../") {
		return "", fmt.Errorf("policy: path traversal rejected: %s", p)
	}
	return cleaned, nil
}

// maxPatternsPerCheck guards a single evaluation against pathological
// rule sets.
const maxPatternsPerCheck = 1000

// expandHome substitutes a leading "~" using the HOME environment hint.
func expandHome(pat string) string {
	if pat == "~" || strings.HasPrefix(pat, "~/") {
		if home := os.Getenv("HOME"); home != "" {
			return home + strings.TrimPrefix(pat, "~")
		}
	}
	return pat
}

// globToRegexp compiles a glob where "*" matches within a path segment,
// "**" crosses segment boundaries, and "?" matches one non-slash rune.
func globToRegexp(pat string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pat); i++ {
		switch c := pat[i]; c {
		case '*':
			if i+1 < len(pat) && pat[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// MatchPattern reports whether value matches a single glob pattern,
// with the same star/globstar/question-mark semantics the rule matchers
// use. Exported for callers that share the gateway's glob dialect, such
// as capability resource scoping.
func MatchPattern(pattern, value string) bool {
	return globMatch(pattern, value)
}

func globMatch(pat, value string) bool {
	re, err := globToRegexp(expandHome(pat))
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

func globAnyMatch(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return false
	}
	if len(patterns) > maxPatternsPerCheck {
		patterns = patterns[:maxPatternsPerCheck]
	}
	for _, pat := range patterns {
		if globMatch(pat, value) {
			return true
		}
	}
	return false
}

// hostAnyMatch supports "*.example.com"-style patterns (the bare domain
// or any subdomain) and a lone "*", in addition to the engine's own
// glob patterns.
func hostAnyMatch(patterns []string, host string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, pat := range patterns {
		if pat == "*" {
			return true
		}
		if strings.HasPrefix(pat, "*.") {
			domain := pat[2:]
			if host == domain || strings.HasSuffix(host, "."+domain) {
				return true
			}
			continue
		}
		if globMatch(pat, host) {
			return true
		}
	}
	return false
}

func stringInSlice(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func intInSlice(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}

// ParsePort is a small helper for callers building a Request from a
// string port (e.g. parsed out of a URL).
func ParsePort(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
