// Package audit provides append-only sinks for authorization events and
// security incidents. Writes never block the hot path: a failed append is
// logged locally and the caller proceeds with its decision.
package audit

import "time"

// Severity of an audit entry or incident.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Event types recorded by the core.
const (
	EventTokenValidated     = "token_validated"
	EventTokenRejected      = "token_rejected"
	EventSessionCreated     = "session_created"
	EventSessionValidated   = "session_validated"
	EventSessionRejected    = "session_rejected"
	EventSessionInvalidated = "session_invalidated"
	EventSessionsRevoked    = "sessions_revoked"
	EventRateLimited        = "rate_limited"
	EventAccessDenied       = "access_denied"
	EventWebhookReceived    = "webhook_received"
	EventWebhookRejected    = "webhook_rejected"
)

// Incident types recorded by the core.
const (
	IncidentSessionHijack       = "SESSION_HIJACK_SUSPECTED"
	IncidentAuthLockout         = "AUTH_LOCKOUT"
	IncidentTokenReplay         = "TOKEN_REPLAY_ATTEMPT"
	IncidentStoreFailure        = "STORE_FAILURE"
	IncidentWebhookBadSignature = "WEBHOOK_BAD_SIGNATURE"
)

// Entry is one audit event. Retained 90 days.
type Entry struct {
	EventID     string            `json:"eventId"`
	Timestamp   time.Time         `json:"timestamp"`
	EventType   string            `json:"eventType"`
	PrincipalID string            `json:"principalId,omitempty"`
	SessionID   string            `json:"sessionId,omitempty"`
	OperationID string            `json:"operationId"`
	NodeID      string            `json:"nodeId"`
	Context     map[string]string `json:"context,omitempty"`
	Result      string            `json:"result"`
	Severity    Severity          `json:"severity"`
}

// Incident is one security incident. Retained 365 days.
type Incident struct {
	IncidentID       string            `json:"incidentId"`
	Timestamp        time.Time         `json:"timestamp"`
	Type             string            `json:"type"`
	Severity         Severity          `json:"severity"`
	Indicators       []string          `json:"indicators,omitempty"`
	Evidence         map[string]string `json:"evidence,omitempty"`
	MitigationStatus string            `json:"mitigationStatus"`
}
