// Package security provides the HMAC-SHA256 JWT verification the status
// API uses to gate its bearer-protected routes. Token issuance lives
// outside this daemon's scope (operators mint bearer tokens out of band);
// only the verification half the teacher's JWTService implements is kept.
package security

import (
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWTService validates HMAC SHA-256 (HS256) signed bearer tokens against a
// single shared secret.
type JWTService struct {
	secret []byte
}

// NewJWTService returns a JWTService keyed by secret.
func NewJWTService(secret string) *JWTService {
	return &JWTService{secret: []byte(secret)}
}

// ValidateToken parses and verifies tokenString's signature and expiry.
func (j *JWTService) ValidateToken(tokenString string) (jwt.Token, error) {
	token, err := jwt.Parse([]byte(tokenString), jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return nil, fmt.Errorf("parsing bearer token: %w", err)
	}
	return token, nil
}
