package jwtverifier

import (
	"context"

	"github.com/LampLight-DkIT/relay/pkg/identity"
	"github.com/golang-jwt/jwt/v5"
)

// AppClaims defines our custom JWT claims structure. The subject is the
// stable user id; Roles lists the roles this identity may assume.
type AppClaims struct {
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed JWTs against a shared secret.
type Verifier struct {
	secret []byte
}

// compile-time check to ensure Verifier implements identity.Verifier.
var _ identity.Verifier = (*Verifier)(nil)

func New(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Verify(_ context.Context, credential string) (*identity.Identity, error) {
	if credential == "" {
		return nil, &identity.AuthError{Reason: "no credential provided"}
	}

	token, err := jwt.ParseWithClaims(credential, &AppClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, &identity.AuthError{Reason: "invalid token", Err: err}
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok {
		return nil, &identity.AuthError{Reason: "malformed claims"}
	}
	if claims.Subject == "" {
		return nil, &identity.AuthError{Reason: "token missing 'sub' claim"}
	}

	grants, err := identity.CompileRoles(claims.Roles)
	if err != nil {
		return nil, &identity.AuthError{Reason: "token contains unregistered roles", Err: err}
	}
	// Every authenticated identity may act as a standard client.
	grants = grants.With(identity.RoleStandard)

	name := claims.Name
	if name == "" {
		name = claims.Subject
	}

	return &identity.Identity{
		ID:     claims.Subject,
		Name:   name,
		Grants: grants,
	}, nil
}
