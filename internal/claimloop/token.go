package claimloop

import (
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// tokenVerifier checks a claimed token's signature against the
// coordinator's public key, per §4.6 step 3a. A verifier without a
// public key (no WORKER_LIGHTNING_PUBLIC_KEY configured) accepts every token,
// mirroring the teacher's own IsEnabled()-gated authenticator
// (internal/frameauth/authenticator.go).
type tokenVerifier struct {
	publicKey *rsa.PublicKey
}

// newTokenVerifier parses pemKey as a PEM-encoded RSA public key. An
// empty pemKey disables verification.
func newTokenVerifier(pemKey string) (*tokenVerifier, error) {
	if pemKey == "" {
		return &tokenVerifier{}, nil
	}

	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, fmt.Errorf("parse lightning public key: %w", err)
	}
	return &tokenVerifier{publicKey: key}, nil
}

// Verify validates tokenString's signature, following the teacher's
// jwt.ParseWithClaims + keyFunc idiom
// (internal/frameauth/authenticator.go's getPemCert), adapted from a
// JWKS lookup to a single statically configured key since the worker
// trusts exactly one coordinator.
func (v *tokenVerifier) Verify(tokenString string) error {
	if v.publicKey == nil {
		return nil
	}

	_, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil {
		return fmt.Errorf("invalid-token: %w", err)
	}
	return nil
}
