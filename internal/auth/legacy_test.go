package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signLegacy(t *testing.T, secret string, claims *LegacyClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func TestValidateLegacyToken_AcceptsSessionToken(t *testing.T) {
	token := signLegacy(t, "s3cret", &LegacyClaims{
		UserID: "user-1",
		Email:  "curator@example.org",
		Role:   "editor",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := ValidateLegacyToken(token, "s3cret")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "user-1" || claims.Email != "curator@example.org" {
		t.Errorf("got identity %s/%s, want user-1/curator@example.org", claims.UserID, claims.Email)
	}
	if claims.Role != "editor" {
		t.Errorf("got role %q, want editor", claims.Role)
	}
}

func TestValidateLegacyToken_RejectsWrongSecret(t *testing.T) {
	token := signLegacy(t, "s3cret", &LegacyClaims{UserID: "user-1"})
	if _, err := ValidateLegacyToken(token, "other-secret"); err == nil {
		t.Fatal("expected rejection for wrong secret")
	}
}

func TestValidateLegacyToken_RejectsExpiredToken(t *testing.T) {
	token := signLegacy(t, "s3cret", &LegacyClaims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	if _, err := ValidateLegacyToken(token, "s3cret"); err == nil {
		t.Fatal("expected rejection for expired token")
	}
}

func TestValidateLegacyToken_RejectsUnsignedToken(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, &LegacyClaims{UserID: "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build token: %v", err)
	}
	if _, err := ValidateLegacyToken(token, "s3cret"); err == nil {
		t.Fatal("expected rejection for alg=none token")
	}
}
