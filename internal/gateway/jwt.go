package gateway

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jiunbae/aily/pkg/tokenstore"
)

// tokenTTL bounds how long a minted dashboard session token is valid for.
const tokenTTL = 12 * time.Hour

// tokenIssuer mints and validates dashboard session tokens signed with
// DASHBOARD_JWT_SECRET — layered on top of the static DASHBOARD_TOKEN
// comparison, generalized from the reference's GitHub App JWT-signing
// pattern to a symmetric HS256 session token. revoked tracks tokens a
// logout has invalidated before their natural expiry, adapted from the
// reference's tokenstore package (there used for GitHub App installation
// tokens, here repurposed as a revocation list).
type tokenIssuer struct {
	secret  []byte
	revoked tokenstore.Store
}

func newTokenIssuer(secret string) *tokenIssuer {
	if secret == "" {
		return nil
	}
	return &tokenIssuer{secret: []byte(secret), revoked: tokenstore.NewMemoryStore()}
}

// Issue mints a short-lived signed token for subject.
func (t *tokenIssuer) Issue(subject string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify parses and validates a token string, returning its subject. A
// token revoked by Revoke fails verification even while still within its
// signed expiry.
func (t *tokenIssuer) Verify(raw string) (subject string, err error) {
	if _, err := t.revoked.Get(context.Background(), raw); err == nil {
		return "", jwt.ErrTokenInvalidClaims
	}
	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	})
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Revoke blacklists a token for the remainder of its natural tokenTTL,
// called on POST /api/auth/logout.
func (t *tokenIssuer) Revoke(raw string) error {
	return t.revoked.Set(context.Background(), raw, "revoked", tokenTTL)
}
