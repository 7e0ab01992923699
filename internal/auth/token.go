// Package auth verifies the bearer tokens that gate WebSocket sessions and
// REST requests. Tokens are JWTs signed with a shared secret; the payload
// must carry a numeric user_id claim identifying the authenticated user.
//
// Token issuance lives elsewhere (the auth service signs tokens at login);
// this package only validates.
package auth

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that are malformed, expired,
// signed with the wrong key, or missing the user_id claim.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is the JWT payload shape used across the backend.
type Claims struct {
	jwt.RegisteredClaims
	UserID int64 `json:"user_id"`
}

// Verifier validates JWTs against the shared signing secret.
type Verifier struct {
	secret []byte
	method jwt.SigningMethod
}

// NewVerifier creates a Verifier for the given secret and signing
// algorithm name (e.g. "HS256"). Unknown algorithm names fall back to
// HS256, matching the deployment default.
func NewVerifier(secret string, algorithm string) *Verifier {
	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		method = jwt.SigningMethodHS256
	}
	return &Verifier{
		secret: []byte(secret),
		method: method,
	}
}

// NewVerifierFromEnv builds a Verifier from the SECRET_KEY and ALGORITHM
// environment variables. ALGORITHM defaults to HS256 when unset.
func NewVerifierFromEnv() (*Verifier, error) {
	secret := os.Getenv("SECRET_KEY")
	if secret == "" {
		return nil, errors.New("auth: SECRET_KEY environment variable is required")
	}
	algorithm := os.Getenv("ALGORITHM")
	if algorithm == "" {
		algorithm = "HS256"
	}
	return NewVerifier(secret, algorithm), nil
}

// Verify decodes and validates a token string and returns the embedded
// user ID. Any decode or validation failure, and any token without a
// positive user_id claim, yields an error wrapping ErrInvalidToken.
func (v *Verifier) Verify(tokenString string) (int64, error) {
	if tokenString == "" {
		return 0, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != v.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return 0, ErrInvalidToken
	}
	if claims.UserID <= 0 {
		return 0, fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}
	return claims.UserID, nil
}
