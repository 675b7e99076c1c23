package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
	"github.com/Mindburn-Labs/agentgate/pkg/dispatcher"
	"github.com/Mindburn-Labs/agentgate/pkg/gwconfig"
	"github.com/Mindburn-Labs/agentgate/pkg/health"
	"github.com/Mindburn-Labs/agentgate/pkg/toolregistry"
)

func testConfig() *gwconfig.Config {
	cfg := gwconfig.Load()
	cfg.TokenSigningSecret = "gateway-test-secret"
	cfg.NodeID = ""
	return cfg
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New(testConfig(), Options{})
	require.NoError(t, err)
	return g
}

func spawnReady(t *testing.T, g *Gateway, id string) *contracts.AgentEntry {
	t.Helper()
	now := time.Now()
	entry := &contracts.AgentEntry{
		InternalID:      id,
		ExternalID:      id,
		ManifestVersion: "1.0.0",
		TrustLevel:      contracts.TrustSemiAutonomous,
		State:           contracts.AgentCreated,
		Limits: contracts.AgentLimits{
			RequestsPerMinute:  100,
			ToolCallsPerMinute: 100,
			TokensPerMinute:    100000,
			CostBudgetUSD:      100,
		},
		CreatedAt:    now,
		LastActiveAt: now,
	}
	require.NoError(t, g.SpawnAgent(entry))
	require.Equal(t, contracts.AgentReady, entry.State)
	return entry
}

func TestNewWiresEveryComponent(t *testing.T) {
	g := newTestGateway(t)
	assert.NotNil(t, g.Registry)
	assert.NotNil(t, g.Capstore)
	assert.NotNil(t, g.Policy)
	assert.NotNil(t, g.Dispatcher)
	assert.NotNil(t, g.A2A)
	assert.NotNil(t, g.Surface)
	assert.NotNil(t, g.Governance)
	assert.Nil(t, g.Cluster, "no cluster without node id and peers")

	// built-in tools are registered at construction
	_, ok := g.Tools.Get("builtin:file_read")
	assert.True(t, ok)
	_, ok = g.Tools.Get("builtin:shell_exec")
	assert.True(t, ok)
}

func TestProductionHardeningRejectsDefaultSecret(t *testing.T) {
	cfg := gwconfig.Load()
	cfg.ProductionHardening = true
	cfg.TokenSigningSecret = "dev-insecure-secret-change-me"
	_, err := New(cfg, Options{})
	require.Error(t, err)
}

func TestEchoThroughFullStack(t *testing.T) {
	g := newTestGateway(t)
	spawnReady(t, g, "a1")

	result, err := g.Dispatcher.Dispatch(context.Background(), dispatcher.TaskRequest{
		AgentID: "a1",
		Type:    "echo",
		Payload: map[string]any{"content": "ping"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ping", result["content"])
}

// A governance rate-limit rule fires after the audit write: the tripping
// invocation itself succeeds, but the sanction it applies rejects the
// agent's next task.
func TestGovernanceRateLimitSanctionsNextTask(t *testing.T) {
	g := newTestGateway(t)
	agent := spawnReady(t, g, "y")
	agent.ToolAllowList = []string{"test:noop"}

	require.NoError(t, g.Tools.Register(toolregistry.ToolDefinition{
		ID:      "test:noop",
		Name:    "No-op",
		Handler: func(context.Context, map[string]any) (any, error) { return "ok", nil },
	}))
	_, err := g.Capstore.Grant("y", []contracts.Permission{
		{Category: "tool", Actions: []string{"invoke"}},
	}, "test", time.Hour, false)
	require.NoError(t, err)

	require.NoError(t, g.Governance.LoadPolicy(contracts.GovernancePolicy{
		ID: "burst", Name: "tool burst", Active: true,
		Rules: []contracts.GovernanceRule{{
			ID:            "r1",
			Type:          contracts.GovRuleRateLimit,
			MatchExpr:     `action == "tool.invoked"`,
			Action:        "tool.invoked",
			WindowSeconds: 10,
			MaxCount:      2,
			Sanction:      &contracts.SanctionSpec{Type: contracts.SanctionQuarantine},
		}},
	}))

	ctx := context.Background()
	invoke := dispatcher.TaskRequest{AgentID: "y", Type: "invoke_tool", Payload: map[string]any{"toolId": "test:noop"}}

	for i := 0; i < 3; i++ {
		_, err := g.Dispatcher.Dispatch(ctx, invoke)
		require.NoError(t, err, "invocation %d should succeed; the sanction only gates later tasks", i+1)
	}

	sanctions := g.Governance.ActiveSanctions("y")
	require.Len(t, sanctions, 1)
	assert.Equal(t, contracts.SanctionQuarantine, sanctions[0].Type)

	_, err = g.Dispatcher.Dispatch(ctx, dispatcher.TaskRequest{AgentID: "y", Type: "echo", Payload: map[string]any{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sanctioned")
}

func TestHandlerServesHealthAndMetrics(t *testing.T) {
	g := newTestGateway(t)
	spawnReady(t, g, "a1")

	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthTickEvaluatesAgents(t *testing.T) {
	g := newTestGateway(t)
	entry := spawnReady(t, g, "a1")

	var changes []string
	g.Health.OnStatusChange(func(agentID string, from, to health.Status) {
		changes = append(changes, agentID+":"+to.String())
	})

	// first tick records the healthy baseline without firing the sink
	g.healthTick(time.Now())
	require.Empty(t, changes)

	entry.Usage.TokensThisMinute = 95000 // above the 0.9 critical ratio
	g.healthTick(time.Now())
	require.NotEmpty(t, changes)
	seen := len(changes)

	// a further tick with the same reading must not re-emit a change
	g.healthTick(time.Now())
	assert.Len(t, changes, seen)
}
