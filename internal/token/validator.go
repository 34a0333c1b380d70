// Package token validates identity-provider bearer tokens and enforces their
// single-use semantics. The critical ordering contract: the consumed-token
// write commits before any caller observes a valid result, so concurrent
// duplicate validations resolve to exactly one success.
package token

import (
	"context"
	"errors"
	"net/http"
	"time"

	"copyforge/backend/internal/apierror"
	"copyforge/backend/internal/audit"
	"copyforge/backend/internal/docstore"
	"copyforge/backend/internal/identity"
	"copyforge/backend/internal/security"
)

// lockTTL bounds how long a crashed invocation can hold a validation lock.
const lockTTL = 10 * time.Second

// minBearerLength is the pre-validation shape floor; real provider tokens are
// far longer.
const minBearerLength = 100

// RequestContext carries the request attributes bound to a consumed token.
type RequestContext struct {
	IP            string
	UserAgentHash string
	Origin        string
	OperationID   string
}

// Result is a successful validation.
type Result struct {
	Principal *identity.Principal
	RiskLevel string
}

// ConsumedToken records one consumed token id. TTL-deleted after the replay window.
type ConsumedToken struct {
	PrincipalID string       `json:"principalId"`
	ConsumedAt  time.Time    `json:"consumedAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	UsageCount  int          `json:"usageCount"`
	MaxUsage    int          `json:"maxUsage"`
	Context     TokenContext `json:"context"`
}

// TokenContext is the request context captured at consumption time.
type TokenContext struct {
	IP     string `json:"ip,omitempty"`
	UAHash string `json:"uaHash,omitempty"`
	Origin string `json:"origin,omitempty"`
}

// validationLock is the short-lived lock document serializing concurrent
// validations of the same token across nodes.
type validationLock struct {
	ExpiresAt time.Time `json:"expiresAt"`
	NodeID    string    `json:"nodeId,omitempty"`
}

// Validator verifies bearer tokens with the identity provider and enforces
// single-use via the consumed-token collection.
type Validator struct {
	provider      identity.Provider
	store         docstore.Store
	auditLog      *audit.Logger
	projectID     string
	maxSessionAge time.Duration
	replayWindow  time.Duration
	nodeID        string
	nowF          func() time.Time
}

// NewValidator returns a Validator. projectID is the required token audience;
// replayWindow must be at least the provider's token lifetime.
func NewValidator(provider identity.Provider, store docstore.Store, auditLog *audit.Logger, projectID string, maxSessionAge, replayWindow time.Duration, nodeID string) *Validator {
	return &Validator{
		provider:      provider,
		store:         store,
		auditLog:      auditLog,
		projectID:     projectID,
		maxSessionAge: maxSessionAge,
		replayWindow:  replayWindow,
		nodeID:        nodeID,
		nowF:          func() time.Time { return time.Now().UTC() },
	}
}

// Validate verifies the bearer token and atomically consumes it. Errors are
// *apierror.Error with stable codes; any store error after pre-validation
// fails closed.
func (v *Validator) Validate(ctx context.Context, bearer string, rc RequestContext) (*Result, error) {
	principal, err := v.preValidate(ctx, bearer)
	if err != nil {
		return nil, err
	}

	tokenHash := security.HashKey(principal.TokenID)
	lockKey := "validation_" + tokenHash
	now := v.nowF()

	// Fast-fail lock: a live lock means another invocation is mid-consumption.
	// The lock is written in its own transaction so overlapping validations on
	// other nodes observe it; a crash leaves it to expire via TTL.
	err = v.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		var lock validationLock
		found, err := tx.Get(docstore.CollValidationLocks, lockKey, &lock)
		if err != nil {
			return err
		}
		if found && lock.ExpiresAt.After(now) {
			return apierror.New(apierror.CodeConcurrentValidationDetected, http.StatusUnauthorized, "token validation in progress")
		}
		exp := now.Add(lockTTL)
		return tx.Set(docstore.CollValidationLocks, lockKey, &validationLock{ExpiresAt: exp, NodeID: v.nodeID}, &exp)
	})
	if err != nil {
		return nil, v.storeError(ctx, principal, rc, err)
	}
	defer v.releaseLock(ctx, lockKey)

	// Atomic consumption: replay check, usage-count write, and success audit
	// commit together or not at all.
	err = v.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		var consumed ConsumedToken
		found, err := tx.Get(docstore.CollConsumedTokens, tokenHash, &consumed)
		if err != nil {
			return err
		}
		if found && consumed.UsageCount >= consumed.MaxUsage && now.Before(consumed.ExpiresAt) {
			return apierror.TokenReplay()
		}
		if !found {
			consumed = ConsumedToken{
				PrincipalID: principal.PrincipalID,
				ExpiresAt:   now.Add(v.replayWindow),
				MaxUsage:    1,
				Context:     TokenContext{IP: rc.IP, UAHash: rc.UserAgentHash, Origin: rc.Origin},
			}
		}
		consumed.UsageCount++
		consumed.ConsumedAt = now
		exp := consumed.ExpiresAt
		if err := tx.Set(docstore.CollConsumedTokens, tokenHash, &consumed, &exp); err != nil {
			return err
		}
		return v.auditLog.EventInTx(tx, &audit.Entry{
			EventType:   audit.EventTokenValidated,
			PrincipalID: principal.PrincipalID,
			OperationID: rc.OperationID,
			Context:     map[string]string{"ip": rc.IP, "origin": rc.Origin},
			Result:      "success",
			Severity:    audit.SeverityInfo,
		})
	})
	if err != nil {
		var ae *apierror.Error
		if errors.As(err, &ae) && ae.Code == apierror.CodeTokenReplay {
			v.auditLog.Incident(ctx, &audit.Incident{
				Type:       audit.IncidentTokenReplay,
				Severity:   audit.SeverityHigh,
				Indicators: []string{"TOKEN_REPLAY"},
				Evidence:   map[string]string{"principalId": principal.PrincipalID, "ip": rc.IP},
			})
			return nil, ae
		}
		return nil, v.storeError(ctx, principal, rc, err)
	}

	return &Result{Principal: principal, RiskLevel: "LOW"}, nil
}

// preValidate runs the checks that require no store I/O. Failures here leave
// no store mutation.
func (v *Validator) preValidate(ctx context.Context, bearer string) (*identity.Principal, error) {
	if len(bearer) < minBearerLength || countDots(bearer) < 2 {
		return nil, apierror.InvalidTokenFormat()
	}
	principal, err := v.provider.VerifyIDToken(ctx, bearer)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrExpired):
			return nil, apierror.New(apierror.CodeTokenExpired, http.StatusUnauthorized, "token expired")
		case errors.Is(err, identity.ErrRevoked):
			return nil, apierror.New(apierror.CodeTokenRevoked, http.StatusUnauthorized, "token revoked")
		case errors.Is(err, identity.ErrInvalid):
			return nil, apierror.InvalidTokenFormat()
		default:
			return nil, apierror.SystemUnavailable(err)
		}
	}
	if v.projectID != "" && principal.Audience != v.projectID {
		return nil, apierror.InvalidTokenFormat()
	}
	if !principal.EmailVerified {
		return nil, apierror.New(apierror.CodeEmailNotVerified, http.StatusForbidden, "email verification required")
	}
	if v.nowF().Sub(principal.AuthTime) > v.maxSessionAge {
		return nil, apierror.New(apierror.CodeSessionTooOld, http.StatusUnauthorized, "reauthentication required")
	}
	return principal, nil
}

// releaseLock deletes the validation lock. Best-effort: a leaked lock expires
// via its TTL.
func (v *Validator) releaseLock(ctx context.Context, lockKey string) {
	_ = v.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		return tx.Delete(docstore.CollValidationLocks, lockKey)
	})
}

// storeError maps store failures to fail-closed taxonomy errors and records
// the rejection (best-effort).
func (v *Validator) storeError(ctx context.Context, principal *identity.Principal, rc RequestContext, err error) error {
	var ae *apierror.Error
	if errors.As(err, &ae) {
		return ae
	}
	v.auditLog.Event(ctx, &audit.Entry{
		EventType:   audit.EventTokenRejected,
		PrincipalID: principal.PrincipalID,
		OperationID: rc.OperationID,
		Result:      "store_error",
		Severity:    audit.SeverityWarn,
	})
	if errors.Is(err, docstore.ErrTransactionConflict) {
		return apierror.New(apierror.CodeTransactionConflict, http.StatusInternalServerError, "please retry").WithCause(err)
	}
	return apierror.SystemUnavailable(err)
}

func countDots(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			n++
		}
	}
	return n
}
