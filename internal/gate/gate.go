// Package gate composes the authorization pipeline every protected route runs
// behind: security headers, method guard, rate limiting with lockout, bearer
// or session authentication, CSRF, admin role, and subscription entitlement.
// Checks run cheapest-first; the first failure denies and later checks never
// execute.
package gate

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"copyforge/backend/internal/apierror"
	"copyforge/backend/internal/audit"
	"copyforge/backend/internal/billing"
	"copyforge/backend/internal/docstore"
	"copyforge/backend/internal/envelope"
	"copyforge/backend/internal/policy"
	"copyforge/backend/internal/ratelimit"
	"copyforge/backend/internal/session"
	"copyforge/backend/internal/token"
)

// Requirements declares what one route demands. Zero value admits any method
// on the general rate scope with no authentication.
type Requirements struct {
	Methods             []string
	RateScope           ratelimit.Scope
	RequireAuth         bool // fresh bearer token (single-use)
	RequireSession      bool // session cookie
	RequireCSRF         bool
	RequireAdmin        bool
	RequireSubscription bool // check-and-increment generation quota
}

// Identity is the authenticated caller, attached to the request context after
// the gate admits a request.
type Identity struct {
	PrincipalID string
	SessionID   string
	RiskLevel   string
	SessionData map[string]string
	Email       string
}

type ctxKey struct{}

// FromContext returns the Identity the gate attached, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*Identity)
	return id, ok
}

// adminGrant is the stored role grant for one principal.
type adminGrant struct {
	Roles     []string  `json:"roles"`
	GrantedAt time.Time `json:"grantedAt"`
}

// Gate wires the authorization components into middleware.
type Gate struct {
	env      *envelope.Envelope
	limiter  *ratelimit.Limiter
	tokens   *token.Validator
	sessions *session.Manager
	policies *policy.Evaluator
	store    docstore.Store
	auditLog *audit.Logger
}

// New returns a Gate over the given components.
func New(env *envelope.Envelope, limiter *ratelimit.Limiter, tokens *token.Validator, sessions *session.Manager, policies *policy.Evaluator, store docstore.Store, auditLog *audit.Logger) *Gate {
	return &Gate{
		env:      env,
		limiter:  limiter,
		tokens:   tokens,
		sessions: sessions,
		policies: policies,
		store:    store,
		auditLog: auditLog,
	}
}

// Wrap runs the pipeline for req before next. Denials are rendered as JSON
// taxonomy errors; next only ever sees admitted requests.
func (g *Gate) Wrap(req Requirements, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		g.env.Apply(w, origin)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !methodAllowed(r.Method, req.Methods) {
			WriteErrorAllowed(w, apierror.New(apierror.CodeMethodNotAllowed, http.StatusMethodNotAllowed, "method not allowed"), req.Methods)
			return
		}

		ctx := r.Context()
		ip := envelope.ClientIP(r)

		scope := req.RateScope
		if scope == "" {
			scope = ratelimit.ScopeGeneral
		}
		pol := ratelimit.PolicyFor(scope)
		decision, err := g.limiter.Check(ctx, scope, ip, pol)
		if err != nil {
			WriteError(w, apierror.SystemUnavailable(err))
			return
		}
		if !decision.Allowed {
			if decision.Locked {
				WriteError(w, apierror.IPLocked(decision.RetryAfter, decision.ResetAt))
			} else {
				g.auditLog.Event(ctx, &audit.Entry{
					EventType: audit.EventRateLimited,
					Context:   map[string]string{"ip": ip, "scope": string(scope)},
					Result:    "denied",
					Severity:  audit.SeverityWarn,
				})
				WriteError(w, apierror.RateLimited(decision.RetryAfter, decision.ResetAt))
			}
			return
		}

		id := &Identity{}

		if req.RequireAuth {
			result, err := g.ValidateBearer(r)
			if err != nil {
				WriteError(w, apierror.From(err))
				return
			}
			id.PrincipalID = result.Principal.PrincipalID
			id.Email = result.Principal.Email
			id.RiskLevel = result.RiskLevel
		}

		if req.RequireSession {
			result, _, err := g.ValidateSession(r)
			if err != nil {
				WriteError(w, apierror.From(err))
				return
			}
			id.PrincipalID = result.PrincipalID
			id.SessionID = result.SessionID
			id.SessionData = result.Data
			id.RiskLevel = result.RiskLevel
		}

		if req.RequireCSRF && !g.env.CSRFValid(r) {
			g.denied(ctx, id, "csrf_mismatch")
			WriteError(w, apierror.New(apierror.CodeCSRFTokenMismatch, http.StatusForbidden, "csrf token mismatch"))
			return
		}

		if req.RequireAdmin {
			ok, err := g.isAdmin(ctx, id.PrincipalID)
			if err != nil {
				WriteError(w, apierror.From(err))
				return
			}
			if !ok {
				g.denied(ctx, id, "admin_required")
				WriteError(w, apierror.New(apierror.CodeInsufficientPrivileges, http.StatusForbidden, "insufficient privileges"))
				return
			}
		}

		if req.RequireSubscription {
			if err := g.consumeQuota(ctx, id.PrincipalID); err != nil {
				ae := apierror.From(err)
				if ae.Code == apierror.CodeUsageLimitExceeded {
					g.denied(ctx, id, "usage_limit")
				}
				WriteError(w, ae)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, ctxKey{}, id)))
	})
}

// ValidateBearer verifies and consumes the request's bearer token. Client
// failures count toward the caller IP's lockout.
func (g *Gate) ValidateBearer(r *http.Request) (*token.Result, error) {
	ctx := r.Context()
	ip := envelope.ClientIP(r)
	result, err := g.tokens.Validate(ctx, bearerToken(r), token.RequestContext{
		IP:            ip,
		UserAgentHash: envelope.UserAgentHash(r),
		Origin:        r.Header.Get("Origin"),
		OperationID:   r.Header.Get("X-Request-Id"),
	})
	if err != nil {
		g.recordAuthFailure(ctx, ip, err)
		return nil, err
	}
	return result, nil
}

// ValidateSession validates the request's session cookie. Returns the raw
// handle alongside the result so callers can revoke it. Client failures count
// toward the caller IP's lockout.
func (g *Gate) ValidateSession(r *http.Request) (*session.ValidationResult, string, error) {
	ctx := r.Context()
	ip := envelope.ClientIP(r)
	handle, ok := g.env.SessionHandle(r)
	if !ok {
		return nil, "", apierror.New(apierror.CodeNoAuthCookie, http.StatusUnauthorized, "authentication required")
	}
	result, err := g.sessions.Validate(ctx, handle, session.RequestContext{
		IP:            ip,
		UserAgentHash: envelope.UserAgentHash(r),
		Origin:        r.Header.Get("Origin"),
		OperationID:   r.Header.Get("X-Request-Id"),
	})
	if err != nil {
		g.recordAuthFailure(ctx, ip, err)
		return nil, "", err
	}
	return result, handle, nil
}

// recordAuthFailure counts an authentication failure toward the IP lockout.
// Only client-caused 4xx denials count; store outages never lock anyone out.
func (g *Gate) recordAuthFailure(ctx context.Context, ip string, cause error) {
	ae := apierror.From(cause)
	if ae.Status < 400 || ae.Status >= 500 {
		return
	}
	pol := ratelimit.PolicyFor(ratelimit.ScopeAuthFailure)
	lockedNow, err := g.limiter.RecordFailure(ctx, ratelimit.ScopeAuthFailure, ip, pol)
	if err != nil || !lockedNow {
		return
	}
	g.auditLog.Incident(ctx, &audit.Incident{
		Type:       audit.IncidentAuthLockout,
		Severity:   audit.SeverityHigh,
		Indicators: []string{"REPEATED_AUTH_FAILURES"},
		Evidence:   map[string]string{"ip": ip, "lastCode": ae.Code},
	})
}

// isAdmin checks the role grant through the policy engine.
func (g *Gate) isAdmin(ctx context.Context, principalID string) (bool, error) {
	var grant adminGrant
	err := g.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		_, err := tx.Get(docstore.CollAdminRoles, principalID, &grant)
		return err
	})
	if err != nil {
		return false, apierror.SystemUnavailable(err)
	}
	result, err := g.policies.Evaluate(ctx, policy.AccessInput{PrincipalID: principalID, Roles: grant.Roles})
	if err != nil {
		return false, apierror.SystemUnavailable(err)
	}
	return result.AllowAdmin, nil
}

// consumeQuota admits one generation against the subscription and increments
// usage in the same transaction, so concurrent requests cannot overdraw.
func (g *Gate) consumeQuota(ctx context.Context, principalID string) error {
	err := g.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		var sub billing.Subscription
		found, err := tx.Get(docstore.CollSubscriptions, principalID, &sub)
		if err != nil {
			return err
		}
		remaining := 0
		if found {
			remaining = sub.Remaining()
		}
		result, err := g.policies.Evaluate(ctx, policy.AccessInput{
			PrincipalID:    principalID,
			Plan:           sub.Plan,
			Status:         sub.Status,
			RemainingQuota: remaining,
		})
		if err != nil {
			return err
		}
		if !result.AllowGenerate {
			return apierror.New(apierror.CodeUsageLimitExceeded, http.StatusForbidden, "usage limit exceeded")
		}
		sub.UsedThisPeriod++
		return tx.Set(docstore.CollSubscriptions, principalID, &sub, nil)
	})
	if err != nil {
		return apierror.From(err)
	}
	return nil
}

// denied records an access-denied audit event (best-effort).
func (g *Gate) denied(ctx context.Context, id *Identity, reason string) {
	g.auditLog.Event(ctx, &audit.Entry{
		EventType:   audit.EventAccessDenied,
		PrincipalID: id.PrincipalID,
		SessionID:   id.SessionID,
		Result:      reason,
		Severity:    audit.SeverityWarn,
	})
}

func methodAllowed(method string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if m == method {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// errorBody is the wire shape of a denial.
type errorBody struct {
	Error      string   `json:"error"`
	Code       string   `json:"code"`
	RetryAfter int      `json:"retryAfter,omitempty"` // seconds
	ResetTime  string   `json:"resetTime,omitempty"`  // RFC3339
	Allowed    []string `json:"allowed,omitempty"`
}

// WriteError renders a taxonomy error as JSON with its HTTP status.
func WriteError(w http.ResponseWriter, ae *apierror.Error) {
	WriteErrorAllowed(w, ae, nil)
}

// WriteErrorAllowed is WriteError plus the allowed-methods list for 405s.
func WriteErrorAllowed(w http.ResponseWriter, ae *apierror.Error, allowed []string) {
	body := errorBody{Error: ae.Message, Code: ae.Code, Allowed: allowed}
	if ae.RetryAfter > 0 {
		secs := int(ae.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if !ae.ResetAt.IsZero() {
		body.ResetTime = ae.ResetAt.UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status)
	_ = json.NewEncoder(w).Encode(&body)
}

// WriteJSON renders a success payload.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
