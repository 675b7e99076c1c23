// Package gateway assembles the full agent gateway: every component is
// constructed here and threaded explicitly — there are no package-level
// singletons anywhere in the runtime.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/Mindburn-Labs/agentgate/pkg/a2a"
	"github.com/Mindburn-Labs/agentgate/pkg/accounting"
	"github.com/Mindburn-Labs/agentgate/pkg/agentregistry"
	"github.com/Mindburn-Labs/agentgate/pkg/agentstate"
	"github.com/Mindburn-Labs/agentgate/pkg/capstore"
	"github.com/Mindburn-Labs/agentgate/pkg/clusterfanout"
	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
	"github.com/Mindburn-Labs/agentgate/pkg/dispatcher"
	"github.com/Mindburn-Labs/agentgate/pkg/external"
	"github.com/Mindburn-Labs/agentgate/pkg/govloop"
	"github.com/Mindburn-Labs/agentgate/pkg/gwconfig"
	"github.com/Mindburn-Labs/agentgate/pkg/health"
	"github.com/Mindburn-Labs/agentgate/pkg/marketplace"
	"github.com/Mindburn-Labs/agentgate/pkg/memoryfacade"
	"github.com/Mindburn-Labs/agentgate/pkg/policy"
	"github.com/Mindburn-Labs/agentgate/pkg/sanitize"
	"github.com/Mindburn-Labs/agentgate/pkg/surface"
	"github.com/Mindburn-Labs/agentgate/pkg/toolregistry"
)

// supported manifest version range for agent admission.
const (
	minManifestVersion = "1.0.0"
	maxManifestVersion = "2.0.0"
)

const healthInterval = 30 * time.Second

// defaultModelRates is the per-model cost table used when the deployment
// doesn't supply its own. Prices are USD per 1K tokens.
func defaultModelRates() map[string]accounting.ModelRate {
	return map[string]accounting.ModelRate{
		"default":     {InputPer1K: 0.003, OutputPer1K: 0.015},
		"fast":        {InputPer1K: 0.00025, OutputPer1K: 0.00125},
		"smart":       {InputPer1K: 0.015, OutputPer1K: 0.075},
		"gpt-4o":      {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini": {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	}
}

// Options carries the external collaborators a deployment wires in.
// Every field is optional. A nil Store or Events falls back to the
// in-memory implementation, which is what local development and tests
// use; a nil LLM, Embedder or Vectors leaves that collaborator unset.
type Options struct {
	Store    external.PersistentStore
	Events   external.EventBus
	LLM      external.LLMRouter
	Embedder external.EmbeddingService
	Vectors  external.VectorStore

	// ModelRates overrides the default per-model cost table.
	ModelRates map[string]accounting.ModelRate

	// ClusterPeers lists the other gateway node ids sharing Store.
	ClusterPeers []string
}

// Gateway owns every component of a single gateway node.
type Gateway struct {
	Config *gwconfig.Config

	Registry   *agentregistry.Registry
	Capstore   *capstore.Store
	Policy     *policy.Engine
	Sanitizer  *sanitize.Sanitizer
	Memory     *memoryfacade.Facade
	Tools      *toolregistry.Registry
	Accountant *accounting.Accountant
	State      *agentstate.Machine
	Health     *health.Monitor
	AuditLog   *govloop.AuditLog
	Governance *govloop.Engine
	A2A        *a2a.Engine
	Market     *marketplace.Market
	Dispatcher *dispatcher.Dispatcher
	Surface    *surface.Surface
	Cluster    *clusterfanout.Directory

	Store   external.PersistentStore
	Events  external.EventBus
	LLM     external.LLMRouter
	Vectors external.VectorStore

	server *http.Server
}

// New builds a fully wired gateway node from cfg and opts.
func New(cfg *gwconfig.Config, opts Options) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		store = external.NewMemoryStore()
	}
	events := opts.Events
	if events == nil {
		events = external.NewInMemoryEventBus(256)
	}
	rates := opts.ModelRates
	if rates == nil {
		rates = defaultModelRates()
	}

	registry, err := agentregistry.New(minManifestVersion, maxManifestVersion)
	if err != nil {
		return nil, err
	}

	caps, err := capstore.New([]byte(cfg.TokenSigningSecret), "capability-tokens")
	if err != nil {
		return nil, err
	}
	caps.WithTTLBounds(cfg.TokenTTL, cfg.TokenMaxTTL)

	if cfg.RequirePersistentStore && opts.Store == nil {
		return nil, fmt.Errorf("gateway: a persistent store is required but none was configured")
	}
	if cfg.RequireVectorStore && opts.Vectors == nil {
		return nil, fmt.Errorf("gateway: a vector store is required but none was configured")
	}

	pol := policy.New(cfg.ProductionHardening)
	if cfg.PolicyFile != "" {
		data, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("gateway: reading policy file: %w", err)
		}
		if err := pol.LoadRulesYAML(data); err != nil {
			return nil, fmt.Errorf("gateway: loading policy file: %w", err)
		}
	}
	if err := loadAllowListRules(pol, cfg); err != nil {
		return nil, err
	}

	san := sanitize.New()

	// Encrypted memory cannot be embedded server-side, so enabling
	// encryption turns vector-augmented search off.
	embedder := opts.Embedder
	if cfg.MemoryEncryption {
		embedder = nil
	}
	memory := memoryfacade.New(embedder)

	tools := toolregistry.New(caps, pol)
	if err := toolregistry.RegisterBuiltins(tools); err != nil {
		return nil, err
	}

	acct := accounting.New(cfg.UsageWindowSeconds, rates)
	state := agentstate.New()
	monitor := health.New(20)
	auditLog := govloop.NewAuditLog()
	gov, err := govloop.NewEngine(auditLog)
	if err != nil {
		return nil, err
	}
	market := marketplace.New()

	// The governance loop rides the audit stream: every appended record
	// is evaluated synchronously, so a sanction applied for this task is
	// already in force when the agent's next task hits the sanction gate.
	auditLog.OnRecord(gov.Evaluate)
	gov.OnSanction(func(s contracts.Sanction) {
		events.Publish("alerts", map[string]any{
			"type":        "sanction.applied",
			"agent_id":    s.SubjectAgentID,
			"sanction":    string(s.Type),
			"sanction_id": s.ID,
		})
	})
	gov.OnCase(func(c contracts.ModerationCase) {
		events.Publish("events", map[string]any{
			"type":     "moderation.case_opened",
			"agent_id": c.SubjectAgentID,
			"case_id":  c.ID,
		})
	})

	disp := dispatcher.New(registry, caps, pol, acct, san, tools, memory, state,
		gov, auditLog, market, opts.LLM, events, store)
	a2aEngine := a2a.NewEngine(registry, disp.AgentDispatch, events.Publish)
	disp.SetA2A(a2aEngine)

	g := &Gateway{
		Config:     cfg,
		Registry:   registry,
		Capstore:   caps,
		Policy:     pol,
		Sanitizer:  san,
		Memory:     memory,
		Tools:      tools,
		Accountant: acct,
		State:      state,
		Health:     monitor,
		AuditLog:   auditLog,
		Governance: gov,
		A2A:        a2aEngine,
		Market:     market,
		Dispatcher: disp,
		Store:      store,
		Events:     events,
		LLM:        opts.LLM,
		Vectors:    opts.Vectors,
	}

	if cfg.NodeID != "" && len(opts.ClusterPeers) > 0 {
		cluster := clusterfanout.New(store, cfg.NodeID, opts.ClusterPeers)
		if cfg.RedisURL != "" {
			cache, err := clusterfanout.NewRedisDirectoryCacheFromURL(cfg.RedisURL)
			if err != nil {
				return nil, err
			}
			cluster = cluster.WithCache(cache)
		}
		disp.SetCluster(cluster)
		g.Cluster = cluster
	}

	// Lifecycle transitions and health findings flow out on the event
	// bus; the cluster directory mirrors every transition into the
	// shared store so peers can discover this node's agents.
	state.OnTransition(func(ev agentstate.TransitionEvent) {
		events.Publish("events", map[string]any{
			"type":     "agent.state_changed",
			"agent_id": ev.AgentID,
			"from":     string(ev.From),
			"to":       string(ev.To),
		})
		if g.Cluster != nil {
			if agent, err := registry.Get(ev.AgentID); err == nil {
				_ = g.Cluster.Sync(context.Background(), *agent)
			}
		}
	})
	monitor.OnStatusChange(func(agentID string, from, to health.Status) {
		events.Publish("events", map[string]any{
			"type":     "agent.health_changed",
			"agent_id": agentID,
			"from":     from.String(),
			"to":       to.String(),
		})
	})
	monitor.OnAnomaly(func(ev health.AnomalyEvent) {
		events.Publish("alerts", map[string]any{
			"type":     "anomaly." + string(ev.Kind),
			"agent_id": ev.AgentID,
			"current":  ev.Current,
			"mean":     ev.Mean,
			"stddev":   ev.StdDev,
		})
	})

	g.Surface = surface.New(disp, registry, state, events, cfg.TokenSigningSecret)
	g.Surface.SetDefaultLimits(contracts.AgentLimits{
		MaxTokensPerRequest: 4096,
		TokensPerMinute:     100000,
		RequestsPerMinute:   60,
		ToolCallsPerMinute:  30,
		CostBudgetUSD:       cfg.DefaultCostBudget,
		MaxMemoryMB:         cfg.MemoryLimitMB,
	})
	return g, nil
}

// loadAllowListRules turns the configured path/domain/command allow
// lists into low-priority allow rules, so explicit operator policy can
// still override them.
func loadAllowListRules(pol *policy.Engine, cfg *gwconfig.Config) error {
	add := func(id string, kind contracts.PolicyRuleKind, matcher contracts.PolicyMatcher) error {
		return pol.AddRule(contracts.GatewayPolicyRule{
			ID: id, Kind: kind, Priority: -100, Enabled: true,
			Decision: contracts.PolicyAllow, Matcher: matcher,
		})
	}
	for i, p := range cfg.AllowedPaths {
		if err := add(fmt.Sprintf("cfg-allow-path-%d", i), contracts.PolicyKindFile,
			contracts.PolicyMatcher{PathPatterns: []string{globOrAll(p, "**")}}); err != nil {
			return err
		}
	}
	for i, d := range cfg.AllowedDomains {
		if err := add(fmt.Sprintf("cfg-allow-domain-%d", i), contracts.PolicyKindNetwork,
			contracts.PolicyMatcher{HostPatterns: []string{globOrAll(d, "*")}}); err != nil {
			return err
		}
	}
	for i, c := range cfg.AllowedCommands {
		if err := add(fmt.Sprintf("cfg-allow-command-%d", i), contracts.PolicyKindShell,
			contracts.PolicyMatcher{CommandPatterns: []string{globOrAll(c, "**")}}); err != nil {
			return err
		}
	}
	return nil
}

func globOrAll(v, all string) string {
	if v == "*" {
		return all
	}
	return v
}

// Handler builds the gateway's full HTTP surface: the websocket endpoint
// plus the health/metrics routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.Surface.HandleWS)
	var lister surface.ProviderLister
	if g.LLM != nil {
		lister = g.LLM
	}
	g.Surface.RegisterHealthRoutes(mux, lister, g.extraMetrics)
	return mux
}

func (g *Gateway) extraMetrics() []string {
	lines := []string{
		"# HELP gateway_audit_records_total Audit records appended since start.",
		"# TYPE gateway_audit_records_total counter",
		fmt.Sprintf("gateway_audit_records_total %d", g.AuditLog.Len()),
	}
	if g.Cluster != nil {
		healthy := 0
		for _, h := range g.Cluster.PeerHealthSnapshot() {
			if h.Healthy {
				healthy++
			}
		}
		lines = append(lines,
			"# HELP gateway_cluster_peers_healthy Peer nodes whose last directory read succeeded.",
			"# TYPE gateway_cluster_peers_healthy gauge",
			fmt.Sprintf("gateway_cluster_peers_healthy %d", healthy),
		)
	}
	return lines
}

// healthTick evaluates every registered agent once.
func (g *Gateway) healthTick(now time.Time) {
	for _, agent := range g.Registry.List() {
		limits := agent.Limits
		snap := health.Snapshot{
			AgentID: agent.InternalID,
			State:   agent.State,
		}
		if limits.TokensPerMinute > 0 {
			snap.TokenUsageRatio = float64(agent.Usage.TokensThisMinute) / float64(limits.TokensPerMinute)
		}
		if limits.MaxMemoryMB > 0 {
			snap.MemoryUsageRatio = float64(agent.MemoryUsageMB) / float64(limits.MaxMemoryMB)
		}
		if limits.CostBudgetUSD > 0 {
			snap.CostBudgetRatio = agent.CumulativeCost / limits.CostBudgetUSD
		}
		// a stale hourly window means no traffic for over an hour: zero, not
		// whatever the last active hour recorded
		if now.UnixMilli()-agent.Hourly.WindowStart < 3_600_000 {
			snap.RequestsLastHour = agent.Hourly.Requests
			snap.ErrorsLastHour = agent.Hourly.Errors
		}
		snap.IdleSeconds = now.Sub(agent.LastActiveAt).Seconds()
		g.Health.Evaluate(snap)
	}
}

// Run serves the gateway until ctx is cancelled, then shuts down
// gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	g.server = &http.Server{
		Addr:              ":" + g.Config.Port,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				g.healthTick(t)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway: listening", "addr", g.server.Addr, "node", g.Config.NodeID)
		errCh <- g.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := g.server.Shutdown(shutdownCtx)
		if g.Vectors != nil {
			_ = g.Vectors.Close()
		}
		if g.Store != nil {
			_ = g.Store.Close()
		}
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// SpawnAgent admits a new agent and walks it to ready, for agents
// provisioned programmatically; interactive spawns go through the
// connection surface instead.
func (g *Gateway) SpawnAgent(entry *contracts.AgentEntry) error {
	if err := g.Registry.Admit(entry); err != nil {
		return err
	}
	for _, to := range []contracts.AgentState{contracts.AgentInitializing, contracts.AgentReady} {
		if err := g.State.Transition(entry, to); err != nil {
			return err
		}
	}
	if g.Cluster != nil {
		return g.Cluster.Sync(context.Background(), *entry)
	}
	return nil
}
