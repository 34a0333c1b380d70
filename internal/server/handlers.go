package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"copyforge/backend/internal/apierror"
	"copyforge/backend/internal/docstore"
	"copyforge/backend/internal/envelope"
	"copyforge/backend/internal/gate"
	"copyforge/backend/internal/security"
	"copyforge/backend/internal/session"
)

// authRequest is the body of POST /auth.
type authRequest struct {
	Action      string            `json:"action"`
	SessionData map[string]string `json:"sessionData,omitempty"`
}

// handleAuth dispatches the authentication actions. "authenticate" exchanges
// a fresh bearer token for a session cookie; "logout" and "logout_all" revoke
// and require a valid session plus CSRF.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gate.WriteError(w, apierror.New(apierror.CodeValidationFailed, http.StatusBadRequest, "malformed request body"))
		return
	}

	switch req.Action {
	case "authenticate":
		s.authenticate(w, r, req.SessionData)
	case "logout":
		s.logout(w, r, false)
	case "logout_all":
		s.logout(w, r, true)
	default:
		gate.WriteError(w, apierror.New(apierror.CodeValidationFailed, http.StatusBadRequest, "unknown action"))
	}
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, data map[string]string) {
	result, err := s.gate.ValidateBearer(r)
	if err != nil {
		gate.WriteError(w, apierror.From(err))
		return
	}

	if data == nil {
		data = map[string]string{}
	}
	data["email"] = result.Principal.Email

	created, err := s.sessions.Create(r.Context(), result.Principal.PrincipalID, data, session.RequestContext{
		IP:            envelope.ClientIP(r),
		UserAgentHash: envelope.UserAgentHash(r),
		Origin:        r.Header.Get("Origin"),
		OperationID:   r.Header.Get("X-Request-Id"),
	})
	if err != nil {
		gate.WriteError(w, apierror.From(err))
		return
	}

	csrf, err := security.NewCSRFToken()
	if err != nil {
		gate.WriteError(w, apierror.SystemUnavailable(err))
		return
	}
	s.env.SetAuthCookies(w, created.Handle, csrf)

	gate.WriteJSON(w, http.StatusOK, map[string]any{
		"sessionId": created.SessionID,
		"expiresAt": created.ExpiresAt.Format(time.RFC3339),
		"csrfToken": csrf,
		"principal": map[string]string{
			"id":    result.Principal.PrincipalID,
			"email": result.Principal.Email,
		},
	})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request, all bool) {
	if !s.env.CSRFValid(r) {
		gate.WriteError(w, apierror.New(apierror.CodeCSRFTokenMismatch, http.StatusForbidden, "csrf token mismatch"))
		return
	}
	result, handle, err := s.gate.ValidateSession(r)
	if err != nil {
		// Logout of an already-dead session still clears the cookies.
		s.env.ClearAuthCookies(w)
		gate.WriteError(w, apierror.From(err))
		return
	}

	if all {
		revoked, err := s.sessions.InvalidateAll(r.Context(), result.PrincipalID, session.ReasonBulkRevocation)
		if err != nil {
			gate.WriteError(w, apierror.From(err))
			return
		}
		s.env.ClearAuthCookies(w)
		gate.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "revoked": revoked})
		return
	}

	if err := s.sessions.Invalidate(r.Context(), handle, session.ReasonLogout); err != nil {
		gate.WriteError(w, apierror.From(err))
		return
	}
	s.env.ClearAuthCookies(w)
	gate.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// generateRequest is the body of POST /api/generate.
type generateRequest struct {
	ProductName string   `json:"productName"`
	Attributes  []string `json:"attributes,omitempty"`
	Tone        string   `json:"tone,omitempty"`
}

// handleGenerate runs a generation for an entitled session. The gate already
// validated the session, the CSRF witness, and consumed one quota unit.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	id, _ := gate.FromContext(r.Context())

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.ProductName) == "" {
		gate.WriteError(w, apierror.New(apierror.CodeValidationFailed, http.StatusBadRequest, "productName is required"))
		return
	}

	gate.WriteJSON(w, http.StatusOK, map[string]any{
		"description": renderDescription(req),
		"principalId": id.PrincipalID,
	})
}

// renderDescription is the placeholder copy engine; the real model call lives
// behind this seam.
func renderDescription(req generateRequest) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.ProductName))
	if len(req.Attributes) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(req.Attributes, ", "))
	}
	if req.Tone != "" {
		b.WriteString(" (")
		b.WriteString(req.Tone)
		b.WriteString(" tone)")
	}
	return b.String()
}

// handleMe returns the caller's identity as seen by the gate.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := gate.FromContext(r.Context())
	gate.WriteJSON(w, http.StatusOK, map[string]any{
		"principalId": id.PrincipalID,
		"sessionId":   id.SessionID,
		"riskLevel":   id.RiskLevel,
		"sessionData": id.SessionData,
	})
}

// handleBillingWebhook verifies and applies a billing provider event.
func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		gate.WriteError(w, apierror.New(apierror.CodeValidationFailed, http.StatusBadRequest, "unreadable body"))
		return
	}
	if err := s.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Billing-Signature")); err != nil {
		gate.WriteError(w, apierror.From(err))
		return
	}
	gate.WriteJSON(w, http.StatusOK, map[string]any{"received": true})
}

// handleIncidents lists recent security incidents for operators.
func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	incidents := make([]json.RawMessage, 0, limit)
	err := s.store.Query(r.Context(), docstore.CollSecurityIncidents, limit, func(key string, raw []byte) error {
		incidents = append(incidents, json.RawMessage(raw))
		return nil
	})
	if err != nil {
		gate.WriteError(w, apierror.SystemUnavailable(err))
		return
	}
	gate.WriteJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

// handleHealthz reports liveness: the store answers a read and the policy
// engine evaluates.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	var probe struct{}
	if _, err := s.store.Get(ctx, docstore.CollAdminRoles, "healthz", &probe); err != nil {
		gate.WriteError(w, apierror.SystemUnavailable(err))
		return
	}
	if err := s.policies.HealthCheck(ctx); err != nil {
		gate.WriteError(w, apierror.SystemUnavailable(err))
		return
	}
	gate.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
