// Package token verifies bearer credentials issued by the login service.
package token

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken indicates the credential failed signature or structural checks.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the verified identity carried by a bearer token.
type Claims struct {
	// Subject is the account id the token was issued to.
	Subject string
	// Secret is the per-account secret embedded at issue time.
	Secret string
	// DisplayName is the account display name.
	DisplayName string
}

// jwtClaims is the on-wire claim set.
type jwtClaims struct {
	jwt.RegisteredClaims
	Secret      string `json:"secret"`
	DisplayName string `json:"dn"`
}

// Verifier validates HS256-signed bearer tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared signing secret.
//
// Precondition: secret must be non-empty.
func NewVerifier(secret string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token secret must not be empty")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify parses the bearer credential and validates its signature and expiry.
// A leading "Bearer " prefix is tolerated.
//
// Postcondition: Returns the embedded claims, or ErrInvalidToken (wrapped)
// on any failure.
func (v *Verifier) Verify(bearer string) (Claims, error) {
	bearer = strings.TrimSpace(bearer)
	bearer = strings.TrimPrefix(bearer, "Bearer ")
	if bearer == "" {
		return Claims{}, ErrInvalidToken
	}

	var claims jwtClaims
	_, err := jwt.ParseWithClaims(bearer, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return Claims{
		Subject:     claims.Subject,
		Secret:      claims.Secret,
		DisplayName: claims.DisplayName,
	}, nil
}
