package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"copyforge/backend/internal/apierror"
	"copyforge/backend/internal/audit"
	"copyforge/backend/internal/config"
	"copyforge/backend/internal/docstore"
	"copyforge/backend/internal/security"
)

func newTestManager(t *testing.T, opts Options) (*Manager, *docstore.MemoryStore, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := docstore.NewMemoryStoreWithClock(func() time.Time { return now })

	key, err := security.DeriveKey([]byte("test-master-secret-at-least-32-bytes!!"), "session-handle")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	minter, err := security.NewHandleMinter(key)
	if err != nil {
		t.Fatalf("NewHandleMinter: %v", err)
	}

	if opts.Timeout == 0 {
		opts = Options{
			Timeout:          24 * time.Hour,
			MaxTimeout:       168 * time.Hour,
			ActivityInterval: 5 * time.Minute,
			MaxConcurrent:    3,
			EvictionPolicy:   config.EvictionRolling,
		}
	}
	m := NewManager(store, minter, audit.NewLogger(store, nil, "test-node"), opts)
	m.nowF = func() time.Time { return now }

	return m, store, &now
}

func defaultRC() RequestContext {
	return RequestContext{IP: "1.2.3.4", UserAgentHash: "ua-hash", Origin: "https://app.example.com"}
}

func TestCreateValidateRoundtrip(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", map[string]string{"email": "u@example.com"}, defaultRC())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(created.Handle, "sess_") {
		t.Fatalf("handle = %q", created.Handle)
	}

	got, err := m.Validate(ctx, created.Handle, defaultRC())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.PrincipalID != "user-1" || got.SessionID != created.SessionID {
		t.Fatalf("result = %+v", got)
	}
	if got.Data["email"] != "u@example.com" {
		t.Fatalf("data = %v", got.Data)
	}
	if got.RiskLevel != RiskLow {
		t.Fatalf("risk = %q", got.RiskLevel)
	}
}

func TestValidateRejectsForgedHandle(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	_, err := m.Validate(context.Background(), "sess_"+strings.Repeat("0", 64)+"."+strings.Repeat("0", 32)+"."+strings.Repeat("0", 18), defaultRC())
	var ae *apierror.Error
	if !errors.As(err, &ae) || ae.Code != apierror.CodeInvalidAuthToken {
		t.Fatalf("err = %v, want INVALID_AUTH_TOKEN", err)
	}
}

func TestValidateUnknownHandle(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	other, _, _ := newTestManager(t, Options{})
	created, err := other.Create(context.Background(), "user-1", nil, defaultRC())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Same key, different store: the tag verifies but no record exists.
	_, err = m.Validate(context.Background(), created.Handle, defaultRC())
	var ae *apierror.Error
	if !errors.As(err, &ae) || ae.Code != apierror.CodeSessionNotFound {
		t.Fatalf("err = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestInvalidateIsMonotonicAndIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", nil, defaultRC())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Invalidate(ctx, created.Handle, ReasonLogout); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	// Idempotent.
	if err := m.Invalidate(ctx, created.Handle, ReasonLogout); err != nil {
		t.Fatalf("second Invalidate: %v", err)
	}

	_, err = m.Validate(ctx, created.Handle, defaultRC())
	var ae *apierror.Error
	if !errors.As(err, &ae) || ae.Code != apierror.CodeSessionExpired {
		t.Fatalf("Validate after Invalidate err = %v, want SESSION_EXPIRED", err)
	}
}

func TestValidateExpiredSession(t *testing.T) {
	m, _, clock := newTestManager(t, Options{})
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", nil, defaultRC())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	*clock = clock.Add(25 * time.Hour) // past the 24h idle timeout
	_, err = m.Validate(ctx, created.Handle, defaultRC())
	var ae *apierror.Error
	if !errors.As(err, &ae) || ae.Code != apierror.CodeSessionExpired {
		t.Fatalf("err = %v, want SESSION_EXPIRED", err)
	}

	// The rejection is terminal, not transient.
	_, err = m.Validate(ctx, created.Handle, defaultRC())
	if !errors.As(err, &ae) || ae.Code != apierror.CodeSessionExpired {
		t.Fatalf("repeat err = %v, want SESSION_EXPIRED", err)
	}
}

func TestSlidingExpiryCappedAtMaxTimeout(t *testing.T) {
	m, _, clock := newTestManager(t, Options{
		Timeout:          24 * time.Hour,
		MaxTimeout:       48 * time.Hour,
		ActivityInterval: time.Minute,
		MaxConcurrent:    3,
		EvictionPolicy:   config.EvictionRolling,
	})
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", nil, defaultRC())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	start := *clock

	// Keep the session active (steps shorter than the inactivity heuristic)
	// until the absolute lifetime ends it regardless of activity.
	for i := 0; i < 40; i++ {
		*clock = clock.Add(90 * time.Minute)
		_, err = m.Validate(ctx, created.Handle, defaultRC())
		if clock.Sub(start) >= 48*time.Hour {
			var ae *apierror.Error
			if !errors.As(err, &ae) {
				t.Fatalf("validation past max lifetime succeeded at +%v", clock.Sub(start))
			}
			return
		}
		if err != nil {
			t.Fatalf("Validate at +%v: %v", clock.Sub(start), err)
		}
	}
	t.Fatal("session never hit its absolute lifetime")
}

func TestIPMismatchRejectsAndRecordsIncident(t *testing.T) {
	m, store, _ := newTestManager(t, Options{})
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", nil, defaultRC())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rc := defaultRC()
	rc.IP = "9.9.9.9"
	_, err = m.Validate(ctx, created.Handle, rc)
	var ae *apierror.Error
	if !errors.As(err, &ae) || ae.Code != apierror.CodeSessionValidationFailed {
		t.Fatalf("err = %v, want SESSION_VALIDATION_FAILED", err)
	}

	// Session is now terminally dead, even from the original IP.
	_, err = m.Validate(ctx, created.Handle, defaultRC())
	if !errors.As(err, &ae) || ae.Code != apierror.CodeSessionExpired {
		t.Fatalf("err after hijack = %v, want SESSION_EXPIRED", err)
	}

	hijacks := 0
	err = store.Query(ctx, docstore.CollSecurityIncidents, 0, func(key string, raw []byte) error {
		if strings.Contains(string(raw), audit.IncidentSessionHijack) && strings.Contains(string(raw), IndicatorIPMismatch) {
			hijacks++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if hijacks != 1 {
		t.Fatalf("hijack incidents = %d, want 1", hijacks)
	}
}

func TestMediumFindingsAccumulate(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", nil, defaultRC())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A UA mismatch alone is MEDIUM: tolerated twice, rejected on the third.
	rc := defaultRC()
	rc.UserAgentHash = "different-ua"
	for i := 0; i < 2; i++ {
		got, err := m.Validate(ctx, created.Handle, rc)
		if err != nil {
			t.Fatalf("Validate %d: %v", i+1, err)
		}
		if got.RiskLevel != RiskMedium {
			t.Fatalf("risk after finding %d = %q, want MEDIUM", i+1, got.RiskLevel)
		}
	}

	_, err = m.Validate(ctx, created.Handle, rc)
	var ae *apierror.Error
	if !errors.As(err, &ae) || ae.Code != apierror.CodeSessionValidationFailed {
		t.Fatalf("third finding err = %v, want SESSION_VALIDATION_FAILED", err)
	}
}

func TestConcurrentCapStrict(t *testing.T) {
	m, _, _ := newTestManager(t, Options{
		Timeout:          24 * time.Hour,
		MaxTimeout:       168 * time.Hour,
		ActivityInterval: 5 * time.Minute,
		MaxConcurrent:    2,
		EvictionPolicy:   config.EvictionStrict,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Create(ctx, "user-1", nil, defaultRC()); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	_, err := m.Create(ctx, "user-1", nil, defaultRC())
	var ae *apierror.Error
	if !errors.As(err, &ae) || ae.Code != apierror.CodeConcurrentSessionLimitExceeded {
		t.Fatalf("err = %v, want CONCURRENT_SESSION_LIMIT_EXCEEDED", err)
	}
	if ae.Status != 409 {
		t.Fatalf("status = %d, want 409", ae.Status)
	}

	// Another principal is unaffected.
	if _, err := m.Create(ctx, "user-2", nil, defaultRC()); err != nil {
		t.Fatalf("Create for other principal: %v", err)
	}
}

func TestConcurrentCapRollingEvictsOldest(t *testing.T) {
	m, _, clock := newTestManager(t, Options{
		Timeout:          24 * time.Hour,
		MaxTimeout:       168 * time.Hour,
		ActivityInterval: 5 * time.Minute,
		MaxConcurrent:    2,
		EvictionPolicy:   config.EvictionRolling,
	})
	ctx := context.Background()

	first, err := m.Create(ctx, "user-1", nil, defaultRC())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	*clock = clock.Add(time.Minute)
	second, err := m.Create(ctx, "user-1", nil, defaultRC())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	*clock = clock.Add(time.Minute)
	third, err := m.Create(ctx, "user-1", nil, defaultRC())
	if err != nil {
		t.Fatalf("Create at cap: %v", err)
	}

	// Oldest evicted: its document is gone, so the handle validates like an
	// unknown one. The two newest still validate.
	_, err = m.Validate(ctx, first.Handle, defaultRC())
	var ae *apierror.Error
	if !errors.As(err, &ae) || ae.Code != apierror.CodeSessionNotFound {
		t.Fatalf("oldest session err = %v, want SESSION_NOT_FOUND", err)
	}
	if _, err := m.Validate(ctx, second.Handle, defaultRC()); err != nil {
		t.Fatalf("second session: %v", err)
	}
	if _, err := m.Validate(ctx, third.Handle, defaultRC()); err != nil {
		t.Fatalf("third session: %v", err)
	}
}

func TestInvalidateAll(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	ctx := context.Background()

	var handles []string
	for i := 0; i < 3; i++ {
		created, err := m.Create(ctx, "user-1", nil, defaultRC())
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		handles = append(handles, created.Handle)
	}

	revoked, err := m.InvalidateAll(ctx, "user-1", ReasonBulkRevocation)
	if err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}
	if revoked != 3 {
		t.Fatalf("revoked = %d, want 3", revoked)
	}

	for i, h := range handles {
		_, err := m.Validate(ctx, h, defaultRC())
		var ae *apierror.Error
		if !errors.As(err, &ae) || ae.Code != apierror.CodeSessionExpired {
			t.Fatalf("handle %d err = %v, want SESSION_EXPIRED", i, err)
		}
	}

	// A fresh create works after the wipe.
	if _, err := m.Create(ctx, "user-1", nil, defaultRC()); err != nil {
		t.Fatalf("Create after InvalidateAll: %v", err)
	}
}

func TestCreateFaultLeavesNoPartialState(t *testing.T) {
	m, store, _ := newTestManager(t, Options{})
	ctx := context.Background()

	injected := errors.New("injected store failure")
	store.FailWrite = func(collection, key string) error {
		if collection == docstore.CollSessionIndex {
			return injected
		}
		return nil
	}

	_, err := m.Create(ctx, "user-1", nil, defaultRC())
	var ae *apierror.Error
	if !errors.As(err, &ae) || ae.Code != apierror.CodeSystemUnavailable {
		t.Fatalf("err = %v, want SYSTEM_UNAVAILABLE", err)
	}

	sessions := 0
	err = store.Query(ctx, docstore.CollSessions, 0, func(key string, raw []byte) error {
		sessions++
		return nil
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if sessions != 0 {
		t.Fatalf("%d orphan session documents after aborted create", sessions)
	}
}
