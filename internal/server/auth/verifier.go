// Package auth validates bearer tokens and carries the caller's user id
// through request contexts.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 30 * time.Second

var newKeyfuncFromURL = keyfunc.NewDefaultCtx

// Verifier checks token signatures and expiry.
type Verifier struct {
	keyfunc func(ctx context.Context) jwt.Keyfunc
	methods []string
	leeway  time.Duration
}

// NewHMACVerifier accepts HS256 tokens signed with secret.
func NewHMACVerifier(secret []byte) *Verifier {
	return &Verifier{
		keyfunc: func(context.Context) jwt.Keyfunc {
			return func(*jwt.Token) (any, error) { return secret, nil }
		},
		methods: []string{jwt.SigningMethodHS256.Alg()},
		leeway:  defaultLeeway,
	}
}

// NewJWKSVerifier accepts RS256/ES256 tokens whose keys are published at
// url. Keys are refreshed in the background until ctx ends.
func NewJWKSVerifier(ctx context.Context, url string) (*Verifier, error) {
	kf, err := newKeyfuncFromURL(ctx, []string{url})
	if err != nil {
		return nil, fmt.Errorf("jwks %s: %w", url, err)
	}
	return NewKeyfuncVerifier(kf), nil
}

// NewKeyfuncVerifier wraps an existing key set.
func NewKeyfuncVerifier(kf keyfunc.Keyfunc) *Verifier {
	return &Verifier{
		keyfunc: kf.KeyfuncCtx,
		methods: []string{"RS256", "ES256"},
		leeway:  defaultLeeway,
	}
}

// Verify returns the owner id of a valid token.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyfunc(ctx),
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return "", mapTokenError(err)
	}
	if !token.Valid {
		return "", common.ErrInvalidToken
	}

	owner := claims.Owner()
	if owner == "" {
		return "", fmt.Errorf("%w: no subject", common.ErrInvalidToken)
	}
	return owner, nil
}
