// Package session manages opaque session handles: creation under a
// concurrent-session cap, validation with hijack heuristics, and revocation.
// Handles are HMAC-tagged random strings; the store only ever sees their hash.
package session

import "time"

// Risk levels attached to sessions and validation findings.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// Finding indicators reported on security rejections.
const (
	IndicatorIPMismatch = "IP_ADDRESS_MISMATCH"
	IndicatorUAMismatch = "USER_AGENT_MISMATCH"
	IndicatorSessionAge = "SESSION_AGE_EXCEEDED"
	IndicatorInactivity = "INACTIVITY_TIMEOUT"
)

// Invalidation reasons stamped on terminal transitions.
const (
	ReasonExpired         = "EXPIRED"
	ReasonLogout          = "LOGOUT"
	ReasonBulkRevocation  = "BULK_REVOCATION"
	ReasonRollingEviction = "ROLLING_EVICTION"
	ReasonSecurity        = "SECURITY_VIOLATION"
)

// Config is the per-session timing configuration, frozen at creation.
type Config struct {
	Timeout          time.Duration `json:"timeout"`
	MaxTimeout       time.Duration `json:"maxTimeout"`
	ActivityInterval time.Duration `json:"activityInterval"`
}

// SecurityContext is the request fingerprint bound to a session at creation.
// MediumFindings accumulates MEDIUM-severity findings across validations; the
// session is rejected once it reaches three.
type SecurityContext struct {
	IPAddress      string `json:"ipAddress,omitempty"`
	UAHash         string `json:"uaHash,omitempty"`
	Origin         string `json:"origin,omitempty"`
	RiskLevel      string `json:"riskLevel"`
	MediumFindings int    `json:"mediumFindings,omitempty"`
}

// Session is the stored session record, keyed by hash(handle).
// IsActive becomes false exactly once and never returns to true.
type Session struct {
	SessionID          string            `json:"sessionId"`
	PrincipalID        string            `json:"principalId"`
	CreatedAt          time.Time         `json:"createdAt"`
	LastActivityAt     time.Time         `json:"lastActivityAt"`
	ExpiresAt          time.Time         `json:"expiresAt"`
	IsActive           bool              `json:"isActive"`
	InvalidatedAt      *time.Time        `json:"invalidatedAt,omitempty"`
	InvalidationReason string            `json:"invalidationReason,omitempty"`
	Config             Config            `json:"config"`
	Security           SecurityContext   `json:"securityContext"`
	Data               map[string]string `json:"sessionData,omitempty"`
}

// IndexEntry ties a session id to its handle hash so the index can reach the
// session document (the raw handle is never stored).
type IndexEntry struct {
	SessionID  string    `json:"sessionId"`
	HandleHash string    `json:"handleHash"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Index is the per-principal concurrent-session index, updated in the same
// transaction as the session writes it reflects.
type Index struct {
	Entries          []IndexEntry `json:"entries"`
	ActiveSessionIDs []string     `json:"activeSessionIds"`
	TotalSessions    int          `json:"totalSessions"`
	LastUpdated      time.Time    `json:"lastUpdated"`
}

// rebuild refreshes the derived fields after Entries changed.
func (ix *Index) rebuild(now time.Time) {
	ids := make([]string, len(ix.Entries))
	for i, e := range ix.Entries {
		ids[i] = e.SessionID
	}
	ix.ActiveSessionIDs = ids
	ix.LastUpdated = now
}
