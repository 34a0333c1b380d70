package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"copyforge/backend/internal/apierror"
	"copyforge/backend/internal/audit"
	"copyforge/backend/internal/config"
	"copyforge/backend/internal/docstore"
	"copyforge/backend/internal/security"
)

// inactivityLimit is the hard inactivity heuristic, independent of the
// configured activity-update interval.
const inactivityLimit = 2 * time.Hour

// mediumFindingLimit rejects a session once this many MEDIUM findings accumulate.
const mediumFindingLimit = 3

// RequestContext carries the request attributes checked against a session's
// security context.
type RequestContext struct {
	IP            string
	UserAgentHash string
	Origin        string
	OperationID   string
}

// Options configures the Manager.
type Options struct {
	Timeout          time.Duration
	MaxTimeout       time.Duration
	ActivityInterval time.Duration
	MaxConcurrent    int
	EvictionPolicy   config.SessionEvictionPolicy
}

// CreateResult is a successfully created session. Handle is returned to the
// client once and never stored.
type CreateResult struct {
	Handle    string
	SessionID string
	ExpiresAt time.Time
}

// ValidationResult is a successfully validated session.
type ValidationResult struct {
	SessionID   string
	PrincipalID string
	Data        map[string]string
	RiskLevel   string
}

// Manager creates, validates, and revokes sessions through store transactions.
type Manager struct {
	store    docstore.Store
	minter   *security.HandleMinter
	auditLog *audit.Logger
	opts     Options
	nowF     func() time.Time
}

// NewManager returns a session Manager.
func NewManager(store docstore.Store, minter *security.HandleMinter, auditLog *audit.Logger, opts Options) *Manager {
	return &Manager{
		store:    store,
		minter:   minter,
		auditLog: auditLog,
		opts:     opts,
		nowF:     func() time.Time { return time.Now().UTC() },
	}
}

// Create mints a handle and writes the session and the principal's index in
// one transaction, enforcing the concurrent-session cap.
func (m *Manager) Create(ctx context.Context, principalID string, data map[string]string, rc RequestContext) (*CreateResult, error) {
	handle, err := m.minter.Mint()
	if err != nil {
		return nil, apierror.SystemUnavailable(err)
	}
	now := m.nowF()
	sessionID := uuid.New().String()
	handleHash := security.HashKey(handle)

	cfg := Config{
		Timeout:          m.opts.Timeout,
		MaxTimeout:       m.opts.MaxTimeout,
		ActivityInterval: m.opts.ActivityInterval,
	}
	sess := &Session{
		SessionID:      sessionID,
		PrincipalID:    principalID,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      expiry(cfg, now, now),
		IsActive:       true,
		Config:         cfg,
		Security: SecurityContext{
			IPAddress: rc.IP,
			UAHash:    rc.UserAgentHash,
			Origin:    rc.Origin,
			RiskLevel: RiskLow,
		},
		Data: data,
	}

	err = m.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		var ix Index
		if _, err := tx.Get(docstore.CollSessionIndex, principalID, &ix); err != nil {
			return err
		}
		live, err := m.pruneIndex(tx, &ix, now)
		if err != nil {
			return err
		}
		if len(live) >= m.opts.MaxConcurrent {
			if m.opts.EvictionPolicy == config.EvictionStrict {
				return apierror.New(apierror.CodeConcurrentSessionLimitExceeded, http.StatusConflict, "too many active sessions")
			}
			// ROLLING: evict the oldest. Eviction deletes the document so
			// the evicted handle is indistinguishable from an unknown one.
			oldest := 0
			for i := 1; i < len(live); i++ {
				if live[i].CreatedAt.Before(live[oldest].CreatedAt) {
					oldest = i
				}
			}
			if err := tx.Delete(docstore.CollSessions, live[oldest].HandleHash); err != nil {
				return err
			}
			if err := m.auditLog.EventInTx(tx, &audit.Entry{
				EventType:   audit.EventSessionInvalidated,
				PrincipalID: principalID,
				SessionID:   live[oldest].SessionID,
				Result:      ReasonRollingEviction,
				Severity:    audit.SeverityInfo,
			}); err != nil {
				return err
			}
			live = append(live[:oldest], live[oldest+1:]...)
		}

		live = append(live, IndexEntry{SessionID: sessionID, HandleHash: handleHash, CreatedAt: now})
		ix.Entries = live
		ix.TotalSessions++
		ix.rebuild(now)

		maxExp := now.Add(m.opts.MaxTimeout)
		if err := tx.Set(docstore.CollSessions, handleHash, sess, &maxExp); err != nil {
			return err
		}
		if err := tx.Set(docstore.CollSessionIndex, principalID, &ix, nil); err != nil {
			return err
		}
		return m.auditLog.EventInTx(tx, &audit.Entry{
			EventType:   audit.EventSessionCreated,
			PrincipalID: principalID,
			SessionID:   sessionID,
			OperationID: rc.OperationID,
			Context:     map[string]string{"ip": rc.IP, "origin": rc.Origin},
			Result:      "success",
			Severity:    audit.SeverityInfo,
		})
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &CreateResult{Handle: handle, SessionID: sessionID, ExpiresAt: sess.ExpiresAt}, nil
}

// Validate checks the handle's HMAC tag (no I/O), then loads and re-checks the
// session in a transaction. Security findings raise the risk level; a HIGH
// finding or three accumulated MEDIUM findings reject and deactivate the
// session and record an incident.
func (m *Manager) Validate(ctx context.Context, handle string, rc RequestContext) (*ValidationResult, error) {
	if err := m.minter.Verify(handle); err != nil {
		return nil, apierror.New(apierror.CodeInvalidAuthToken, http.StatusUnauthorized, "invalid session")
	}
	handleHash := security.HashKey(handle)
	now := m.nowF()

	var result *ValidationResult
	var rejection *apierror.Error
	var indicators []string
	var principalID, sessionID string

	err := m.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		// Re-runs must start clean: transaction retries would otherwise
		// accumulate findings from aborted attempts.
		result, rejection, indicators = nil, nil, nil

		var sess Session
		found, err := tx.Get(docstore.CollSessions, handleHash, &sess)
		if err != nil {
			return err
		}
		if !found {
			rejection = apierror.SessionNotFound()
			return nil
		}
		principalID, sessionID = sess.PrincipalID, sess.SessionID
		if !sess.IsActive {
			rejection = apierror.SessionExpired()
			return nil
		}
		if !sess.ExpiresAt.After(now) {
			if err := m.deactivate(tx, handleHash, ReasonExpired, now); err != nil {
				return err
			}
			if err := m.removeFromIndex(tx, sess.PrincipalID, sess.SessionID, now); err != nil {
				return err
			}
			rejection = apierror.SessionExpired()
			return nil
		}

		high := false
		medium := 0
		if rc.IP != "" && sess.Security.IPAddress != "" && rc.IP != sess.Security.IPAddress {
			high = true
			indicators = append(indicators, IndicatorIPMismatch)
		}
		if rc.UserAgentHash != "" && sess.Security.UAHash != "" && rc.UserAgentHash != sess.Security.UAHash {
			medium++
			indicators = append(indicators, IndicatorUAMismatch)
		}
		if now.Sub(sess.CreatedAt) > sess.Config.MaxTimeout {
			high = true
			indicators = append(indicators, IndicatorSessionAge)
		}
		if now.Sub(sess.LastActivityAt) > inactivityLimit {
			medium++
			indicators = append(indicators, IndicatorInactivity)
		}
		sess.Security.MediumFindings += medium
		if high || sess.Security.MediumFindings >= mediumFindingLimit {
			if err := m.deactivate(tx, handleHash, ReasonSecurity, now); err != nil {
				return err
			}
			if err := m.removeFromIndex(tx, sess.PrincipalID, sess.SessionID, now); err != nil {
				return err
			}
			rejection = apierror.New(apierror.CodeSessionValidationFailed, http.StatusUnauthorized, "session validation failed")
			return nil
		}

		risk := RiskLow
		if sess.Security.MediumFindings > 0 {
			risk = RiskMedium
		}
		sess.Security.RiskLevel = risk

		if now.Sub(sess.LastActivityAt) > sess.Config.ActivityInterval {
			sess.LastActivityAt = now
			sess.ExpiresAt = expiry(sess.Config, sess.CreatedAt, now)
		}
		maxExp := sess.CreatedAt.Add(sess.Config.MaxTimeout)
		if err := tx.Set(docstore.CollSessions, handleHash, &sess, &maxExp); err != nil {
			return err
		}

		result = &ValidationResult{
			SessionID:   sess.SessionID,
			PrincipalID: sess.PrincipalID,
			Data:        sess.Data,
			RiskLevel:   risk,
		}
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if rejection != nil {
		if rejection.Code == apierror.CodeSessionValidationFailed {
			m.auditLog.Incident(ctx, &audit.Incident{
				Type:       audit.IncidentSessionHijack,
				Severity:   audit.SeverityHigh,
				Indicators: indicators,
				Evidence: map[string]string{
					"principalId": principalID,
					"sessionId":   sessionID,
					"ip":          rc.IP,
				},
			})
		}
		m.auditLog.Event(ctx, &audit.Entry{
			EventType:   audit.EventSessionRejected,
			PrincipalID: principalID,
			SessionID:   sessionID,
			OperationID: rc.OperationID,
			Result:      rejection.Code,
			Severity:    audit.SeverityWarn,
		})
		return nil, rejection
	}
	return result, nil
}

// Invalidate terminates the session behind the handle. Idempotent: an already
// inactive or missing session is not an error.
func (m *Manager) Invalidate(ctx context.Context, handle, reason string) error {
	if err := m.minter.Verify(handle); err != nil {
		return apierror.New(apierror.CodeInvalidAuthToken, http.StatusUnauthorized, "invalid session")
	}
	handleHash := security.HashKey(handle)
	now := m.nowF()
	var principalID, sessionID string

	err := m.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		var sess Session
		found, err := tx.Get(docstore.CollSessions, handleHash, &sess)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		principalID, sessionID = sess.PrincipalID, sess.SessionID
		if sess.IsActive {
			if err := m.deactivate(tx, handleHash, reason, now); err != nil {
				return err
			}
		}
		return m.removeFromIndex(tx, sess.PrincipalID, sess.SessionID, now)
	})
	if err != nil {
		return mapStoreErr(err)
	}
	if sessionID != "" {
		m.auditLog.Event(ctx, &audit.Entry{
			EventType:   audit.EventSessionInvalidated,
			PrincipalID: principalID,
			SessionID:   sessionID,
			Result:      reason,
			Severity:    audit.SeverityInfo,
		})
	}
	return nil
}

// InvalidateAll terminates every active session of the principal and clears
// the index. Returns the number of sessions revoked.
func (m *Manager) InvalidateAll(ctx context.Context, principalID, reason string) (int, error) {
	now := m.nowF()
	revoked := 0
	err := m.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		revoked = 0
		var ix Index
		found, err := tx.Get(docstore.CollSessionIndex, principalID, &ix)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		for _, e := range ix.Entries {
			var sess Session
			ok, err := tx.Get(docstore.CollSessions, e.HandleHash, &sess)
			if err != nil {
				return err
			}
			if ok && sess.IsActive {
				if err := m.deactivate(tx, e.HandleHash, reason, now); err != nil {
					return err
				}
				revoked++
			}
		}
		ix.Entries = nil
		ix.rebuild(now)
		return tx.Set(docstore.CollSessionIndex, principalID, &ix, nil)
	})
	if err != nil {
		return 0, mapStoreErr(err)
	}
	m.auditLog.Event(ctx, &audit.Entry{
		EventType:   audit.EventSessionsRevoked,
		PrincipalID: principalID,
		Result:      reason,
		Severity:    audit.SeverityWarn,
	})
	return revoked, nil
}

// pruneIndex drops index entries whose session is missing, inactive, or
// expired (marking expired ones inactive). Returns the live entries.
func (m *Manager) pruneIndex(tx docstore.Tx, ix *Index, now time.Time) ([]IndexEntry, error) {
	live := make([]IndexEntry, 0, len(ix.Entries))
	for _, e := range ix.Entries {
		var sess Session
		found, err := tx.Get(docstore.CollSessions, e.HandleHash, &sess)
		if err != nil {
			return nil, err
		}
		if !found || !sess.IsActive {
			continue
		}
		if !sess.ExpiresAt.After(now) {
			if err := m.deactivate(tx, e.HandleHash, ReasonExpired, now); err != nil {
				return nil, err
			}
			continue
		}
		live = append(live, e)
	}
	return live, nil
}

// deactivate flips IsActive to false (monotonic) and stamps the reason.
func (m *Manager) deactivate(tx docstore.Tx, handleHash, reason string, now time.Time) error {
	var sess Session
	found, err := tx.Get(docstore.CollSessions, handleHash, &sess)
	if err != nil {
		return err
	}
	if !found || !sess.IsActive {
		return nil
	}
	sess.IsActive = false
	sess.InvalidatedAt = &now
	sess.InvalidationReason = reason
	maxExp := sess.CreatedAt.Add(sess.Config.MaxTimeout)
	return tx.Set(docstore.CollSessions, handleHash, &sess, &maxExp)
}

func (m *Manager) removeFromIndex(tx docstore.Tx, principalID, sessionID string, now time.Time) error {
	var ix Index
	found, err := tx.Get(docstore.CollSessionIndex, principalID, &ix)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	kept := ix.Entries[:0]
	for _, e := range ix.Entries {
		if e.SessionID != sessionID {
			kept = append(kept, e)
		}
	}
	ix.Entries = kept
	ix.rebuild(now)
	return tx.Set(docstore.CollSessionIndex, principalID, &ix, nil)
}

// expiry returns the sliding expiry: now+Timeout capped at createdAt+MaxTimeout.
func expiry(cfg Config, createdAt, now time.Time) time.Time {
	exp := now.Add(cfg.Timeout)
	if limit := createdAt.Add(cfg.MaxTimeout); exp.After(limit) {
		return limit
	}
	return exp
}

func mapStoreErr(err error) error {
	var ae *apierror.Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, docstore.ErrTransactionConflict) {
		return apierror.New(apierror.CodeTransactionConflict, http.StatusInternalServerError, "please retry").WithCause(err)
	}
	return apierror.SystemUnavailable(err)
}
