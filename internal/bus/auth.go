// Package bus implements the per-connection socket loop: accept, optional
// JWT validation, welcome frame, and the receive loop that threads every
// inbound envelope through the infra-protocol gate, validator, CASIL, and
// the dispatch-by-type rules of the component design.
package bus

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the subset of JWT claims the socket bus cares about at
// accept time.
type Identity struct {
	ClientID    string
	TenantID    string
	Role        string
	Permissions []string
	HasPerms    bool
}

// ValidateJWT parses and verifies tokenString against secret, accepting
// only HS256 and honoring exp. Any other signing algorithm is rejected
// outright rather than negotiated.
func ValidateJWT(tokenString, secret string) (Identity, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok || t.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("bus: unsupported signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Identity{}, fmt.Errorf("bus: jwt validation failed: %w", err)
	}

	id := Identity{}
	if v, ok := claims["client_id"].(string); ok {
		id.ClientID = v
	}
	if v, ok := claims["tenant_id"].(string); ok {
		id.TenantID = v
	}
	if v, ok := claims["role"].(string); ok {
		id.Role = v
	}
	if raw, ok := claims["permissions"].([]any); ok {
		id.HasPerms = true
		for _, p := range raw {
			if s, ok := p.(string); ok {
				id.Permissions = append(id.Permissions, s)
			}
		}
	}
	return id, nil
}
