// Package capstore implements the Capability Store: issuance,
// verification, and revocation of HMAC-signed, time-bounded capability
// tokens. The signing key is derived from a master secret via HKDF, and
// signatures are checked in constant time.
package capstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
	"github.com/Mindburn-Labs/agentgate/pkg/gatewayerr"
	"github.com/Mindburn-Labs/agentgate/pkg/policy"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Token lifetime bounds applied by Grant when the caller supplies none,
// or asks for more than the store allows.
const (
	defaultTokenTTL = 15 * time.Minute
	defaultMaxTTL   = 24 * time.Hour
)

// Store issues and verifies CapabilityTokens. It is safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	signingKey []byte
	tokens     map[string]*contracts.CapabilityToken // tokenID -> token
	byAgent    map[string]map[string]struct{}        // agentID -> set of tokenIDs
	revoked    map[string]struct{}
	defaultTTL time.Duration
	maxTTL     time.Duration
	now        Clock
}

// New derives a signing key from masterSecret via HKDF-SHA256 and
// returns a ready-to-use Store.
func New(masterSecret []byte, salt string) (*Store, error) {
	if len(masterSecret) == 0 {
		return nil, gatewayerr.Internal(nil, "capstore: master secret must not be empty")
	}

	kdf := hkdf.New(sha256.New, masterSecret, []byte(salt), []byte("agentgate-capability-token"))
	key := make([]byte, 32)
	if _, err := kdf.Read(key); err != nil {
		return nil, gatewayerr.Internal(err, "capstore: key derivation failed")
	}

	return &Store{
		signingKey: key,
		tokens:     make(map[string]*contracts.CapabilityToken),
		byAgent:    make(map[string]map[string]struct{}),
		revoked:    make(map[string]struct{}),
		defaultTTL: defaultTokenTTL,
		maxTTL:     defaultMaxTTL,
		now:        time.Now,
	}, nil
}

// WithTTLBounds overrides the default and maximum token lifetimes. A
// non-positive bound keeps the current value.
func (s *Store) WithTTLBounds(defaultTTL, maxTTL time.Duration) *Store {
	if defaultTTL > 0 {
		s.defaultTTL = defaultTTL
	}
	if maxTTL > 0 {
		s.maxTTL = maxTTL
	}
	if s.defaultTTL > s.maxTTL {
		s.defaultTTL = s.maxTTL
	}
	return s
}

// WithClock overrides the store's time source, for tests.
func (s *Store) WithClock(c Clock) *Store {
	s.now = c
	return s
}

type signable struct {
	OwnerAgentID string                  `json:"owner_agent_id"`
	Permissions  []contracts.Permission  `json:"permissions"`
	Purpose      string                  `json:"purpose"`
	IssuedAt     int64                   `json:"issued_at"`
	ExpiresAt    int64                   `json:"expires_at"`
	Delegatable  bool                    `json:"delegatable"`
}

func (s *Store) sign(tok *contracts.CapabilityToken) (string, error) {
	payload := signable{
		OwnerAgentID: tok.OwnerAgentID,
		Permissions:  tok.Permissions,
		Purpose:      tok.Purpose,
		IssuedAt:     tok.IssuedAt.UnixNano(),
		ExpiresAt:    tok.ExpiresAt.UnixNano(),
		Delegatable:  tok.Delegatable,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("capstore: marshal for signing: %w", err)
	}
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Grant issues a new CapabilityToken for an agent. A non-positive ttl
// falls back to the store's default; any ttl is clamped to the store's
// maximum, so callers cannot mint effectively-permanent tokens.
func (s *Store) Grant(agentID string, perms []contracts.Permission, purpose string, ttl time.Duration, delegatable bool) (*contracts.CapabilityToken, error) {
	if agentID == "" {
		return nil, gatewayerr.Validation("capstore: owner agent id required")
	}
	if len(perms) == 0 {
		return nil, gatewayerr.Validation("capstore: at least one permission required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	now := s.now().UTC()
	tok := &contracts.CapabilityToken{
		ID:           uuid.New().String(),
		OwnerAgentID: agentID,
		Permissions:  perms,
		Purpose:      purpose,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
		Delegatable:  delegatable,
	}

	sig, err := s.sign(tok)
	if err != nil {
		return nil, gatewayerr.Internal(err, "capstore: failed to sign token")
	}
	tok.Signature = sig

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.ID] = tok
	if s.byAgent[agentID] == nil {
		s.byAgent[agentID] = make(map[string]struct{})
	}
	s.byAgent[agentID][tok.ID] = struct{}{}

	return tok, nil
}

// Verify checks a token's signature (constant-time) and expiry, returning
// the stored, canonical copy of the token on success.
func (s *Store) Verify(tokenID string) (*contracts.CapabilityToken, error) {
	s.mu.RLock()
	tok, ok := s.tokens[tokenID]
	_, isRevoked := s.revoked[tokenID]
	s.mu.RUnlock()

	if !ok {
		return nil, gatewayerr.NotFound("capstore: unknown token %s", tokenID)
	}
	if isRevoked {
		return nil, gatewayerr.PermissionDenied("capstore: token %s has been revoked", tokenID)
	}

	expectedSig, err := s.sign(tok)
	if err != nil {
		return nil, gatewayerr.Internal(err, "capstore: failed to recompute signature")
	}
	if subtle.ConstantTimeCompare([]byte(expectedSig), []byte(tok.Signature)) != 1 {
		return nil, gatewayerr.PermissionDenied("capstore: token %s signature mismatch", tokenID)
	}

	if s.now().UTC().After(tok.ExpiresAt) {
		return nil, gatewayerr.PermissionDenied("capstore: token %s has expired", tokenID)
	}

	return tok, nil
}

// Check verifies a token and asks whether it grants the given
// category/action against resource. Resource matching uses the Policy
// Engine's glob dialect, so Permission{Resource: "repo/**"} grants
// access to anything under repo.
func (s *Store) Check(tokenID, category, action, resource string) (bool, error) {
	tok, err := s.Verify(tokenID)
	if err != nil {
		return false, err
	}

	for _, p := range tok.Permissions {
		if p.Category != category {
			continue
		}
		if !containsAction(p.Actions, action) {
			continue
		}
		if p.Resource == "" || resource == "" {
			return true, nil
		}
		if policy.MatchPattern(p.Resource, resource) {
			return true, nil
		}
		if strings.HasPrefix(resource, p.Resource) {
			return true, nil
		}
	}
	return false, nil
}

// CheckAgent is the agent-scoped form of
// `check(agentId, category, action, resource) → allowed`: it scans every
// non-revoked, non-expired token owned by agentID and returns true the
// moment one of them covers (category, action, resource). The id of the
// covering token is returned for audit-trail purposes.
func (s *Store) CheckAgent(agentID, category, action, resource string) (bool, string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.byAgent[agentID]))
	for id := range s.byAgent[agentID] {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		ok, err := s.Check(id, category, action, resource)
		if err != nil {
			continue // revoked/expired/invalid token: not a match, keep scanning
		}
		if ok {
			return true, id, nil
		}
	}
	return false, "", nil
}

func containsAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}

// List returns every currently-issued token for an agent (revoked tokens
// included, so callers can observe their revocation status via Verify).
func (s *Store) List(agentID string) []*contracts.CapabilityToken {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byAgent[agentID]
	out := make([]*contracts.CapabilityToken, 0, len(ids))
	for id := range ids {
		out = append(out, s.tokens[id])
	}
	return out
}

// Revoke invalidates a single token.
func (s *Store) Revoke(tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tokenID]; !ok {
		return gatewayerr.NotFound("capstore: unknown token %s", tokenID)
	}
	s.revoked[tokenID] = struct{}{}
	return nil
}

// RevokeAll invalidates every token owned by an agent, e.g. on
// termination or quarantine sanction.
func (s *Store) RevokeAll(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byAgent[agentID]
	for id := range ids {
		s.revoked[id] = struct{}{}
	}
	return len(ids)
}
