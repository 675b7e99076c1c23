// The gateway server process: loads configuration from the environment,
// wires the persistent store, LLM router, and telemetry, then serves the
// connection surface until interrupted.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Mindburn-Labs/agentgate/pkg/external"
	"github.com/Mindburn-Labs/agentgate/pkg/gateway"
	"github.com/Mindburn-Labs/agentgate/pkg/gwconfig"
	"github.com/Mindburn-Labs/agentgate/pkg/llm"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := gwconfig.Load()

	level := slog.LevelInfo
	if strings.EqualFold(cfg.LogLevel, "debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := gateway.SetupTelemetry(ctx, gateway.TelemetryConfig{
		ServiceName:  "agent-gateway",
		OTLPEndpoint: os.Getenv("GATEWAY_OTLP_ENDPOINT"),
		SampleRate:   1.0,
		Insecure:     os.Getenv("GATEWAY_OTLP_INSECURE") == "true",
	})
	if err != nil {
		slog.Error("gateway: telemetry setup failed", "error", err)
		return 1
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	store, err := openStore(cfg)
	if err != nil {
		slog.Error("gateway: store unavailable", "error", err)
		return 1
	}

	opts := gateway.Options{
		Store:        store,
		LLM:          buildRouter(),
		ClusterPeers: splitList(os.Getenv("GATEWAY_CLUSTER_PEERS")),
	}

	g, err := gateway.New(cfg, opts)
	if err != nil {
		slog.Error("gateway: initialization failed", "error", err)
		return 1
	}

	if err := g.Run(ctx); err != nil {
		slog.Error("gateway: server error", "error", err)
		return 1
	}
	return 0
}

// openStore selects the persistent store from configuration: Postgres
// for production, SQLite for local single-node work, or the in-memory
// store when no durability is wanted.
func openStore(cfg *gwconfig.Config) (external.PersistentStore, error) {
	switch cfg.PersistentStoreDriver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("postgres unreachable: %w", err)
		}
		return external.NewSQLStore(db, external.DialectPostgres)
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return external.NewSQLStore(db, external.DialectSQLite)
	case "memory", "":
		if cfg.RequirePersistentStore {
			return nil, fmt.Errorf("durable store required but driver is %q", cfg.PersistentStoreDriver)
		}
		return external.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.PersistentStoreDriver)
	}
}

// buildRouter wires the two-tier LLM router from environment-supplied
// provider credentials. Returns nil when no provider is configured;
// chat tasks then fail with an upstream error instead of at startup.
func buildRouter() external.LLMRouter {
	apiKey := os.Getenv("GATEWAY_LLM_API_KEY")
	if apiKey == "" {
		return nil
	}
	fastModel := envOr("GATEWAY_LLM_FAST_MODEL", "gpt-4o-mini")
	smartModel := envOr("GATEWAY_LLM_SMART_MODEL", "gpt-4o")

	fast := llm.NewOpenAIClient(apiKey, fastModel)
	smart := llm.NewOpenAIClient(apiKey, smartModel)
	router := llm.NewRouter(fast, smart, nil)
	return external.NewLLMRouterAdapter(router, []string{fastModel, smartModel})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
