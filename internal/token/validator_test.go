package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"copyforge/backend/internal/apierror"
	"copyforge/backend/internal/audit"
	"copyforge/backend/internal/docstore"
	"copyforge/backend/internal/identity"
)

func newTestValidator(t *testing.T) (*Validator, *identity.FakeProvider, *docstore.MemoryStore) {
	t.Helper()
	store := docstore.NewMemoryStore()
	provider := identity.NewFakeProvider()
	auditLog := audit.NewLogger(store, nil, "test-node")
	v := NewValidator(provider, store, auditLog, "proj", 24*time.Hour, time.Hour, "test-node")
	return v, provider, store
}

func mintValid(provider *identity.FakeProvider) string {
	return provider.Mint(identity.Principal{
		PrincipalID:   "user-1",
		Email:         "user@example.com",
		EmailVerified: true,
		Audience:      "proj",
	})
}

func TestValidateSuccess(t *testing.T) {
	v, provider, _ := newTestValidator(t)
	bearer := mintValid(provider)

	result, err := v.Validate(context.Background(), bearer, RequestContext{IP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.Principal.PrincipalID != "user-1" {
		t.Fatalf("principal = %q", result.Principal.PrincipalID)
	}
}

func TestValidateReplayRejected(t *testing.T) {
	v, provider, store := newTestValidator(t)
	bearer := mintValid(provider)
	ctx := context.Background()

	if _, err := v.Validate(ctx, bearer, RequestContext{}); err != nil {
		t.Fatalf("first Validate: %v", err)
	}

	_, err := v.Validate(ctx, bearer, RequestContext{})
	var ae *apierror.Error
	if !errors.As(err, &ae) || ae.Code != apierror.CodeTokenReplay {
		t.Fatalf("second Validate err = %v, want TOKEN_REPLAY", err)
	}
	if ae.Status != 401 {
		t.Fatalf("status = %d, want 401", ae.Status)
	}

	// A replay raises an incident.
	found := false
	err = store.Query(ctx, docstore.CollSecurityIncidents, 0, func(key string, raw []byte) error {
		if strings.Contains(string(raw), audit.IncidentTokenReplay) {
			found = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !found {
		t.Fatal("no replay incident recorded")
	}
}

func TestValidateConcurrentDuplicatesOneSuccess(t *testing.T) {
	v, provider, _ := newTestValidator(t)
	bearer := mintValid(provider)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Validate(ctx, bearer, RequestContext{})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			var ae *apierror.Error
			if !errors.As(err, &ae) {
				t.Errorf("non-taxonomy error: %v", err)
				return
			}
			switch ae.Code {
			case apierror.CodeTokenReplay, apierror.CodeConcurrentValidationDetected:
			default:
				t.Errorf("unexpected code %s", ae.Code)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes)
	}
}

func TestValidateShapeRejectedWithoutProviderCall(t *testing.T) {
	v, _, _ := newTestValidator(t)
	cases := []string{"", "short", strings.Repeat("a", 200)}
	for _, bearer := range cases {
		_, err := v.Validate(context.Background(), bearer, RequestContext{})
		var ae *apierror.Error
		if !errors.As(err, &ae) || ae.Code != apierror.CodeInvalidTokenFormat {
			t.Errorf("Validate(%q) err = %v, want INVALID_TOKEN_FORMAT", bearer, err)
		}
	}
}

func TestValidateProviderErrors(t *testing.T) {
	v, provider, _ := newTestValidator(t)
	cases := []struct {
		mint error
		want string
	}{
		{identity.ErrExpired, apierror.CodeTokenExpired},
		{identity.ErrRevoked, apierror.CodeTokenRevoked},
		{identity.ErrInvalid, apierror.CodeInvalidTokenFormat},
	}
	for _, c := range cases {
		bearer := provider.MintError(c.mint)
		_, err := v.Validate(context.Background(), bearer, RequestContext{})
		var ae *apierror.Error
		if !errors.As(err, &ae) || ae.Code != c.want {
			t.Errorf("mint=%v: err = %v, want %s", c.mint, err, c.want)
		}
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	v, provider, _ := newTestValidator(t)
	bearer := provider.Mint(identity.Principal{
		PrincipalID:   "user-1",
		EmailVerified: true,
		Audience:      "other-project",
	})
	_, err := v.Validate(context.Background(), bearer, RequestContext{})
	var ae *apierror.Error
	if !errors.As(err, &ae) || ae.Code != apierror.CodeInvalidTokenFormat {
		t.Fatalf("err = %v, want INVALID_TOKEN_FORMAT", err)
	}
}

func TestValidateRejectsUnverifiedEmail(t *testing.T) {
	v, provider, _ := newTestValidator(t)
	bearer := provider.Mint(identity.Principal{
		PrincipalID: "user-1",
		Audience:    "proj",
	})
	_, err := v.Validate(context.Background(), bearer, RequestContext{})
	var ae *apierror.Error
	if !errors.As(err, &ae) || ae.Code != apierror.CodeEmailNotVerified {
		t.Fatalf("err = %v, want EMAIL_NOT_VERIFIED", err)
	}
	if ae.Status != 403 {
		t.Fatalf("status = %d, want 403", ae.Status)
	}
}

func TestValidateRejectsStaleAuthTime(t *testing.T) {
	v, provider, _ := newTestValidator(t)
	bearer := provider.Mint(identity.Principal{
		PrincipalID:   "user-1",
		EmailVerified: true,
		Audience:      "proj",
		AuthTime:      time.Now().UTC().Add(-25 * time.Hour),
	})
	_, err := v.Validate(context.Background(), bearer, RequestContext{})
	var ae *apierror.Error
	if !errors.As(err, &ae) || ae.Code != apierror.CodeSessionTooOld {
		t.Fatalf("err = %v, want SESSION_TOO_OLD", err)
	}
}

func TestValidateStoreFailureFailsClosedAndDoesNotConsume(t *testing.T) {
	v, provider, store := newTestValidator(t)
	bearer := mintValid(provider)
	ctx := context.Background()

	injected := errors.New("injected store failure")
	store.FailWrite = func(collection, key string) error {
		if collection == docstore.CollConsumedTokens {
			return injected
		}
		return nil
	}

	_, err := v.Validate(ctx, bearer, RequestContext{})
	var ae *apierror.Error
	if !errors.As(err, &ae) || ae.Code != apierror.CodeSystemUnavailable {
		t.Fatalf("err = %v, want SYSTEM_UNAVAILABLE", err)
	}

	// The failed attempt consumed nothing: with the fault cleared the token
	// validates normally.
	store.FailWrite = nil
	if _, err := v.Validate(ctx, bearer, RequestContext{}); err != nil {
		t.Fatalf("Validate after fault cleared: %v", err)
	}
}

func TestValidateLockReleasedAfterSuccess(t *testing.T) {
	v, provider, store := newTestValidator(t)
	ctx := context.Background()

	if _, err := v.Validate(ctx, mintValid(provider), RequestContext{}); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	locks := 0
	err := store.Query(ctx, docstore.CollValidationLocks, 0, func(key string, raw []byte) error {
		locks++
		return nil
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if locks != 0 {
		t.Fatalf("%d validation locks left behind", locks)
	}
}
