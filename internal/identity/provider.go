// Package identity defines the identity-provider contract: the external
// issuer that authenticates users and mints short-lived bearer tokens. The
// core never stores principals; it only verifies what the provider asserts.
package identity

import (
	"context"
	"errors"
	"time"
)

// Classification errors for provider failures. The token validator maps these
// to stable client-facing codes.
var (
	// ErrExpired means the token's signature is fine but it is past its lifetime.
	ErrExpired = errors.New("identity: token expired")
	// ErrRevoked means the provider has revoked the token or its principal.
	ErrRevoked = errors.New("identity: token revoked")
	// ErrInvalid covers malformed tokens, bad signatures, and claim mismatches.
	ErrInvalid = errors.New("identity: token invalid")
)

// Principal is the identity asserted by a verified bearer token. It is never
// persisted by the core.
type Principal struct {
	PrincipalID   string
	Email         string
	EmailVerified bool
	IssuedAt      time.Time
	AuthTime      time.Time
	Audience      string
	TokenID       string
}

// Provider verifies bearer tokens. VerifyIDToken returns the asserted
// principal or one of ErrExpired, ErrRevoked, ErrInvalid.
type Provider interface {
	VerifyIDToken(ctx context.Context, raw string) (*Principal, error)
}

// RevocationChecker is an optional hook consulted after signature
// verification; implementations typically call the provider's revocation API.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID, principalID string) (bool, error)
}
