package surface

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionTTL bounds how long a reconnect token stays usable.
const sessionTTL = 12 * time.Hour

// sessionClaims are the claims carried by a reconnect session token.
// Subject holds the agent internal id the connection was bound to, so a
// reconnecting client resumes the same identity without re-presenting
// the shared secret.
type sessionClaims struct {
	jwt.RegisteredClaims
}

// issueSessionToken signs a short-lived HS256 session token after a
// successful shared-secret handshake.
func (s *Surface) issueSessionToken(agentID string) (string, error) {
	now := time.Now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
			Issuer:    "gateway/surface",
			Audience:  jwt.ClaimStrings{"gateway.connection"},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.authToken))
}

// validateSessionToken parses a reconnect token and returns the agent id
// it was bound to. HS256 only; any other algorithm fails parsing.
func (s *Surface) validateSessionToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		return []byte(s.authToken), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return "", jwt.ErrTokenSignatureInvalid
	}
	return claims.Subject, nil
}
