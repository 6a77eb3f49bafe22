package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// LegacyClaims is the payload of the HMAC session tokens the previous Source
// Library backend issued. They stay accepted alongside OIDC until every
// client has moved to the new login flow.
type LegacyClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	// Role is the archive role of the session: "viewer", "editor" or "admin".
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ValidateLegacyToken parses and verifies an HMAC-signed session token.
func ValidateLegacyToken(tokenString, secret string) (*LegacyClaims, error) {
	claims := &LegacyClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("legacy token rejected: %w", err)
	}
	return claims, nil
}
