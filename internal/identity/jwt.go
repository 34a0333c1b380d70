package identity

import (
	"context"
	"crypto"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// idTokenClaims is the claim set identity-provider tokens carry.
type idTokenClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	AuthTime      int64  `json:"auth_time"`
}

// JWTProvider verifies RS256/ES256 identity-provider tokens against a public key.
type JWTProvider struct {
	publicKey  crypto.PublicKey
	issuer     string
	revocation RevocationChecker
}

// NewJWTProvider returns a Provider that verifies tokens signed by the holder
// of publicKey and issued by issuer. revocation may be nil; then revocation is
// not checked locally and ErrRevoked is never returned.
func NewJWTProvider(publicKey crypto.PublicKey, issuer string, revocation RevocationChecker) *JWTProvider {
	return &JWTProvider{publicKey: publicKey, issuer: issuer, revocation: revocation}
}

// VerifyIDToken parses and validates the token (signature, exp, iss) and
// returns the asserted principal. Claim failures classify to ErrExpired or
// ErrInvalid; the optional revocation hook classifies to ErrRevoked.
func (p *JWTProvider) VerifyIDToken(ctx context.Context, raw string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(raw, &idTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); ok {
			return p.publicKey, nil
		}
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); ok {
			return p.publicKey, nil
		}
		return nil, ErrInvalid
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	claims, ok := token.Claims.(*idTokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalid
	}
	if p.issuer != "" && claims.Issuer != p.issuer {
		return nil, ErrInvalid
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalid
	}

	if p.revocation != nil {
		revoked, err := p.revocation.IsRevoked(ctx, claims.ID, claims.Subject)
		if err != nil {
			// Fail closed: an unreachable revocation API must not admit tokens.
			return nil, err
		}
		if revoked {
			return nil, ErrRevoked
		}
	}

	principal := &Principal{
		PrincipalID:   claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		TokenID:       claims.ID,
	}
	if claims.IssuedAt != nil {
		principal.IssuedAt = claims.IssuedAt.Time
	}
	if claims.AuthTime > 0 {
		principal.AuthTime = time.Unix(claims.AuthTime, 0).UTC()
	} else {
		principal.AuthTime = principal.IssuedAt
	}
	if len(claims.Audience) > 0 {
		principal.Audience = claims.Audience[0]
	}
	return principal, nil
}
