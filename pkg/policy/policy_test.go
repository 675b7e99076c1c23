package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
)

func TestFileRulePriorityAndTraversal(t *testing.T) {
	e := New(true)
	require.NoError(t, e.LoadRules([]contracts.GatewayPolicyRule{
		{ID: "deny-secrets", Kind: contracts.PolicyKindFile, Priority: 100, Enabled: true,
			Decision: contracts.PolicyBlock,
			Matcher:  contracts.PolicyMatcher{PathPatterns: []string{"secrets/*"}}},
		{ID: "allow-repo", Kind: contracts.PolicyKindFile, Priority: 10, Enabled: true,
			Decision: contracts.PolicyAllow,
			Matcher:  contracts.PolicyMatcher{PathPatterns: []string{"repo/*"}, Operations: []string{"read"}}},
	}))

	d, err := e.Evaluate(Request{Kind: contracts.PolicyKindFile, Path: "repo/main.go", Operation: "read"})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyAllow, d.Outcome)

	d, err = e.Evaluate(Request{Kind: contracts.PolicyKindFile, Path: "secrets/api.key", Operation: "read"})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyBlock, d.Outcome)

	d, err = e.Evaluate(Request{Kind: contracts.PolicyKindFile, Path: "../../etc/passwd", Operation: "read"})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyBlock, d.Outcome)
}

func TestDefaultDenyInProductionAllowInDev(t *testing.T) {
	prod := New(true)
	d, err := prod.Evaluate(Request{Kind: contracts.PolicyKindFile, Path: "anything", Operation: "read"})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyBlock, d.Outcome)

	dev := New(false)
	d, err = dev.Evaluate(Request{Kind: contracts.PolicyKindFile, Path: "anything", Operation: "read"})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyAllow, d.Outcome)
}

func TestNetworkHostGlob(t *testing.T) {
	e := New(true)
	require.NoError(t, e.LoadRules([]contracts.GatewayPolicyRule{
		{ID: "allow-api", Kind: contracts.PolicyKindNetwork, Priority: 1, Enabled: true,
			Decision: contracts.PolicyAllow,
			Matcher:  contracts.PolicyMatcher{HostPatterns: []string{"*.example.com"}, PortList: []int{443}}},
	}))

	d, err := e.Evaluate(Request{Kind: contracts.PolicyKindNetwork, Host: "api.example.com", Port: 443})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyAllow, d.Outcome)

	d, err = e.Evaluate(Request{Kind: contracts.PolicyKindNetwork, Host: "evil.com", Port: 443})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyBlock, d.Outcome)
}

func TestShellAndSecretKinds(t *testing.T) {
	e := New(true)
	require.NoError(t, e.LoadRules([]contracts.GatewayPolicyRule{
		{ID: "allow-git", Kind: contracts.PolicyKindShell, Priority: 1, Enabled: true,
			Decision: contracts.PolicyAllow,
			Matcher:  contracts.PolicyMatcher{CommandPatterns: []string{"git *"}}},
		{ID: "deny-db-secret", Kind: contracts.PolicyKindSecret, Priority: 1, Enabled: true,
			Decision: contracts.PolicyBlock,
			Matcher:  contracts.PolicyMatcher{NamePatterns: []string{"db_*"}}},
	}))

	d, _ := e.Evaluate(Request{Kind: contracts.PolicyKindShell, Command: "git status"})
	assert.Equal(t, contracts.PolicyAllow, d.Outcome)

	d, _ = e.Evaluate(Request{Kind: contracts.PolicyKindSecret, Name: "db_password"})
	assert.Equal(t, contracts.PolicyBlock, d.Outcome)
}

func TestLoadRulesYAML(t *testing.T) {
	e := New(true)
	yamlDoc := []byte(`
rules:
  - id: allow-reads
    kind: file
    priority: 5
    enabled: true
    decision: allow
    matcher:
      path_patterns: ["*.md"]
      operations: ["read"]
`)
	require.NoError(t, e.LoadRulesYAML(yamlDoc))
	d, err := e.Evaluate(Request{Kind: contracts.PolicyKindFile, Path: "README.md", Operation: "read"})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyAllow, d.Outcome)
}

func TestDisabledRuleIsSkipped(t *testing.T) {
	e := New(true)
	require.NoError(t, e.LoadRules([]contracts.GatewayPolicyRule{
		{ID: "disabled", Kind: contracts.PolicyKindFile, Priority: 100, Enabled: false,
			Decision: contracts.PolicyAllow, Matcher: contracts.PolicyMatcher{PathPatterns: []string{"*"}}},
	}))
	d, err := e.Evaluate(Request{Kind: contracts.PolicyKindFile, Path: "x", Operation: "read"})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyBlock, d.Outcome)
}

func TestGlobstarCrossesSegments(t *testing.T) {
	e := New(true)
	require.NoError(t, e.LoadRules([]contracts.GatewayPolicyRule{
		{ID: "allow-workspace", Kind: contracts.PolicyKindFile, Priority: 1, Enabled: true,
			Decision: contracts.PolicyAllow,
			Matcher:  contracts.PolicyMatcher{PathPatterns: []string{"/workspace/**"}}},
	}))

	d, err := e.Evaluate(Request{Kind: contracts.PolicyKindFile, Path: "/workspace/a/b/c.txt", Operation: "read"})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyAllow, d.Outcome)

	// single star must not cross a segment boundary
	e2 := New(true)
	require.NoError(t, e2.LoadRules([]contracts.GatewayPolicyRule{
		{ID: "allow-top", Kind: contracts.PolicyKindFile, Priority: 1, Enabled: true,
			Decision: contracts.PolicyAllow,
			Matcher:  contracts.PolicyMatcher{PathPatterns: []string{"/workspace/*"}}},
	}))
	d, err = e2.Evaluate(Request{Kind: contracts.PolicyKindFile, Path: "/workspace/a/b.txt", Operation: "read"})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyBlock, d.Outcome)
}

func TestEncodedTraversalRejected(t *testing.T) {
	e := New(true)
	require.NoError(t, e.LoadRules([]contracts.GatewayPolicyRule{
		{ID: "allow-all", Kind: contracts.PolicyKindFile, Priority: 1, Enabled: true,
			Decision: contracts.PolicyAllow,
			Matcher:  contracts.PolicyMatcher{PathPatterns: []string{"/workspace/**"}}},
	}))

	for _, p := range []string{
		"/workspace/../etc/passwd",
		"/workspace/%2e%2e/etc/passwd",
		"/workspace/..%2fetc/passwd",
	} {
		d, err := e.Evaluate(Request{Kind: contracts.PolicyKindFile, Path: p, Operation: "read"})
		require.NoError(t, err)
		assert.Equal(t, contracts.PolicyBlock, d.Outcome, "path %s must be blocked", p)
	}
}
