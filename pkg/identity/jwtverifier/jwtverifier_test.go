package jwtverifier_test

import (
	"context"
	"testing"
	"time"

	"github.com/LampLight-DkIT/relay/pkg/identity"
	"github.com/LampLight-DkIT/relay/pkg/identity/jwtverifier"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwtverifier.AppClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign test token: %v", err)
	}
	return signed
}

func TestVerifyValidToken(t *testing.T) {
	v := jwtverifier.New(testSecret)
	token := signToken(t, testSecret, jwtverifier.AppClaims{
		Name: "Alice A",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	ident, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if ident.ID != "alice" || ident.Name != "Alice A" {
		t.Errorf("Unexpected identity: %+v", ident)
	}
	if !ident.Grants.Has(identity.RoleStandard) {
		t.Error("Every identity should be granted the standard role")
	}
	if ident.Grants.Has(identity.RoleMonitor) {
		t.Error("Monitor role must not be granted without a roles claim")
	}
}

func TestVerifyMonitorGrant(t *testing.T) {
	v := jwtverifier.New(testSecret)
	token := signToken(t, testSecret, jwtverifier.AppClaims{
		Roles: []string{"monitor"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "dash-1",
		},
	})

	ident, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ident.Grants.Has(identity.RoleMonitor) {
		t.Error("Expected monitor grant from roles claim")
	}
	if ident.Name != "dash-1" {
		t.Errorf("Name should default to the subject, got '%s'", ident.Name)
	}
}

func TestVerifyFailures(t *testing.T) {
	v := jwtverifier.New(testSecret)

	cases := []struct {
		name       string
		credential string
	}{
		{"empty credential", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", signToken(t, "other-secret", jwtverifier.AppClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
		})},
		{"missing subject", signToken(t, testSecret, jwtverifier.AppClaims{})},
		{"expired", signToken(t, testSecret, jwtverifier.AppClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "alice",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		})},
		{"unknown role", signToken(t, testSecret, jwtverifier.AppClaims{
			Roles:            []string{"superuser"},
			RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
		})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tc.credential)
			if err == nil {
				t.Fatal("Expected verification to fail")
			}
			if !identity.IsAuthError(err) {
				t.Errorf("Expected an AuthError, got %v", err)
			}
		})
	}
}
