// Package gwconfig loads gateway configuration from the environment,
// following the same Load() pattern as pkg/config.
package gwconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds gateway process configuration.
type Config struct {
	Port     string
	LogLevel string

	PersistentStoreDriver string // "postgres", "sqlite", or "memory"
	DatabaseURL           string

	RedisURL string // optional; empty disables the Redis-backed cluster directory

	PolicyFile string // YAML policy rule set, optional

	TokenSigningSecret string
	TokenTTL           time.Duration // default capability token lifetime
	TokenMaxTTL        time.Duration // hard ceiling on any granted token lifetime

	NodeID string // this gateway instance's cluster node identifier

	UsageWindowSeconds int
	DefaultCostBudget  float64
	MemoryLimitMB      int // default per-agent memory cap

	// RequirePersistentStore fails initialization when the durable store
	// is unreachable (or deliberately in-memory); RequireVectorStore does
	// the same for the vector service.
	RequirePersistentStore bool
	RequireVectorStore     bool

	// MemoryEncryption disables vector search: the gateway wires no
	// embedder into the memory façade when it is set. Memory payloads
	// themselves are stored unencrypted; with ProductionHardening,
	// Validate requires MemoryEncryptionKey alongside it.
	MemoryEncryption    bool
	MemoryEncryptionKey string

	// AllowedPaths/AllowedDomains/AllowedCommands augment the Policy
	// Engine with allow rules. "*" allows everything of that kind.
	AllowedPaths    []string
	AllowedDomains  []string
	AllowedCommands []string

	ShadowMode bool // read from GATEWAY_SHADOW_MODE; no gateway component consults it

	// ProductionHardening, when true, makes the Policy Engine's default
	// decision "block" (gateway.New passes it to policy.New) and makes
	// Validate reject an empty or default token signing secret;
	// gateway.New runs Validate and returns its error.
	ProductionHardening bool
}

// Load reads gateway configuration from environment variables, applying
// the same sane-default convention as pkg/config.Load.
func Load() *Config {
	c := &Config{
		Port:                  getEnv("GATEWAY_PORT", "8090"),
		LogLevel:              getEnv("GATEWAY_LOG_LEVEL", "INFO"),
		PersistentStoreDriver: getEnv("GATEWAY_STORE_DRIVER", "sqlite"),
		DatabaseURL:           getEnv("GATEWAY_DATABASE_URL", "file:gateway.db?mode=rwc"),
		RedisURL:              os.Getenv("GATEWAY_REDIS_URL"),
		PolicyFile:            os.Getenv("GATEWAY_POLICY_FILE"),
		TokenSigningSecret:    getEnv("GATEWAY_TOKEN_SECRET", "dev-insecure-secret-change-me"),
		NodeID:                getEnv("GATEWAY_NODE_ID", "node-1"),
		ShadowMode:            os.Getenv("GATEWAY_SHADOW_MODE") == "true",
		ProductionHardening:   os.Getenv("GATEWAY_PRODUCTION_HARDENING") == "true",
	}

	c.TokenTTL = getDuration("GATEWAY_TOKEN_TTL", 15*time.Minute)
	c.TokenMaxTTL = getDuration("GATEWAY_TOKEN_MAX_TTL", 24*time.Hour)
	c.UsageWindowSeconds = getInt("GATEWAY_USAGE_WINDOW_SECONDS", 60)
	c.DefaultCostBudget = getFloat("GATEWAY_DEFAULT_COST_BUDGET", 10.0)
	c.MemoryLimitMB = getInt("GATEWAY_MEMORY_LIMIT_MB", 512)

	c.RequirePersistentStore = os.Getenv("GATEWAY_REQUIRE_STORE") == "true"
	c.RequireVectorStore = os.Getenv("GATEWAY_REQUIRE_VECTOR_STORE") == "true"
	c.MemoryEncryption = os.Getenv("GATEWAY_MEMORY_ENCRYPTION") == "true"
	c.MemoryEncryptionKey = os.Getenv("GATEWAY_MEMORY_ENCRYPTION_KEY")

	c.AllowedPaths = getList("GATEWAY_ALLOWED_PATHS")
	c.AllowedDomains = getList("GATEWAY_ALLOWED_DOMAINS")
	c.AllowedCommands = getList("GATEWAY_ALLOWED_COMMANDS")

	return c
}

func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// Validate enforces the production-hardening contract: with
// ProductionHardening set, it rejects a missing/default token signing
// secret and memory encryption without a key. gateway.New runs it
// before wiring the gateway.
func (c *Config) Validate() error {
	if !c.ProductionHardening {
		return nil
	}
	if c.TokenSigningSecret == "" || c.TokenSigningSecret == "dev-insecure-secret-change-me" {
		return fmt.Errorf("gwconfig: production hardening requires GATEWAY_TOKEN_SECRET to be set")
	}
	if c.MemoryEncryption && c.MemoryEncryptionKey == "" {
		return fmt.Errorf("gwconfig: memory encryption requires GATEWAY_MEMORY_ENCRYPTION_KEY")
	}
	return nil
}
