package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"copyforge/backend/internal/apierror"
	"copyforge/backend/internal/audit"
	"copyforge/backend/internal/docstore"
)

const testSecret = "whsec_test"

func newTestProcessor(t *testing.T) (*Processor, *docstore.MemoryStore, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := docstore.NewMemoryStoreWithClock(func() time.Time { return now })
	p := NewProcessor(store, audit.NewLogger(store, nil, "test-node"), testSecret, 5*time.Minute)
	p.nowF = func() time.Time { return now }
	return p, store, &now
}

func sign(payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(ts + "."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(t *testing.T, ev Event) []byte {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func TestVerifySignature(t *testing.T) {
	p, _, clock := newTestProcessor(t)
	payload := []byte(`{"id":"evt_1"}`)

	if err := p.VerifySignature(payload, sign(payload, *clock)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	if err := p.VerifySignature(payload, "t=abc,v1=def"); err == nil {
		t.Fatal("garbage header accepted")
	}
	if err := p.VerifySignature(payload, ""); err == nil {
		t.Fatal("empty header accepted")
	}
	if err := p.VerifySignature([]byte(`{"id":"evt_2"}`), sign(payload, *clock)); err == nil {
		t.Fatal("signature over different payload accepted")
	}
	if err := p.VerifySignature(payload, sign(payload, clock.Add(-10*time.Minute))); err == nil {
		t.Fatal("stale signature accepted")
	}
	if err := p.VerifySignature(payload, sign(payload, clock.Add(10*time.Minute))); err == nil {
		t.Fatal("future signature accepted")
	}
}

func TestHandleWebhookAppliesSubscription(t *testing.T) {
	p, store, clock := newTestProcessor(t)
	ctx := context.Background()

	periodEnd := clock.AddDate(0, 1, 0)
	payload := eventPayload(t, Event{
		ID:           "evt_1",
		Type:         "subscription.created",
		PrincipalID:  "user-1",
		Plan:         "pro",
		Status:       StatusActive,
		MonthlyQuota: 500,
		PeriodEnd:    periodEnd.Unix(),
	})

	if err := p.HandleWebhook(ctx, payload, sign(payload, *clock)); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	var sub Subscription
	found, err := store.Get(ctx, docstore.CollSubscriptions, "user-1", &sub)
	if err != nil || !found {
		t.Fatalf("subscription: found=%v err=%v", found, err)
	}
	if sub.Plan != "pro" || sub.Status != StatusActive || sub.MonthlyQuota != 500 {
		t.Fatalf("subscription = %+v", sub)
	}
	if sub.Remaining() != 500 {
		t.Fatalf("Remaining = %d", sub.Remaining())
	}
}

func TestHandleWebhookIdempotent(t *testing.T) {
	p, store, clock := newTestProcessor(t)
	ctx := context.Background()

	payload := eventPayload(t, Event{
		ID:           "evt_1",
		Type:         "subscription.created",
		PrincipalID:  "user-1",
		Plan:         "pro",
		Status:       StatusActive,
		MonthlyQuota: 100,
		PeriodEnd:    clock.AddDate(0, 1, 0).Unix(),
	})
	if err := p.HandleWebhook(ctx, payload, sign(payload, *clock)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	// Usage accrues between deliveries.
	err := store.RunTransaction(ctx, func(tx docstore.Tx) error {
		var sub Subscription
		if _, err := tx.Get(docstore.CollSubscriptions, "user-1", &sub); err != nil {
			return err
		}
		sub.UsedThisPeriod = 7
		return tx.Set(docstore.CollSubscriptions, "user-1", &sub, nil)
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}

	// Redelivery of the same event id must not reapply.
	if err := p.HandleWebhook(ctx, payload, sign(payload, *clock)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	var sub Subscription
	if _, err := store.Get(ctx, docstore.CollSubscriptions, "user-1", &sub); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sub.UsedThisPeriod != 7 {
		t.Fatalf("UsedThisPeriod = %d, want 7 (event reapplied)", sub.UsedThisPeriod)
	}
}

func TestHandleWebhookNewPeriodResetsUsage(t *testing.T) {
	p, store, clock := newTestProcessor(t)
	ctx := context.Background()

	first := eventPayload(t, Event{
		ID: "evt_1", Type: "subscription.created", PrincipalID: "user-1",
		Plan: "pro", Status: StatusActive, MonthlyQuota: 100,
		PeriodEnd: clock.AddDate(0, 1, 0).Unix(),
	})
	if err := p.HandleWebhook(ctx, first, sign(first, *clock)); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	err := store.RunTransaction(ctx, func(tx docstore.Tx) error {
		var sub Subscription
		if _, err := tx.Get(docstore.CollSubscriptions, "user-1", &sub); err != nil {
			return err
		}
		sub.UsedThisPeriod = 42
		return tx.Set(docstore.CollSubscriptions, "user-1", &sub, nil)
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}

	renewal := eventPayload(t, Event{
		ID: "evt_2", Type: "subscription.updated", PrincipalID: "user-1",
		Plan: "pro", Status: StatusActive, MonthlyQuota: 100,
		PeriodEnd: clock.AddDate(0, 2, 0).Unix(),
	})
	if err := p.HandleWebhook(ctx, renewal, sign(renewal, *clock)); err != nil {
		t.Fatalf("renewal: %v", err)
	}

	var sub Subscription
	if _, err := store.Get(ctx, docstore.CollSubscriptions, "user-1", &sub); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sub.UsedThisPeriod != 0 {
		t.Fatalf("UsedThisPeriod = %d, want 0 after new period", sub.UsedThisPeriod)
	}
}

func TestHandleWebhookBadSignatureRecordsIncident(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	payload := []byte(`{"id":"evt_1","principalId":"user-1"}`)
	err := p.HandleWebhook(ctx, payload, "t=1,v1=bogus")
	if err == nil {
		t.Fatal("bad signature accepted")
	}
	var ae *apierror.Error
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want taxonomy error", err)
	}

	if found, _ := store.Get(ctx, docstore.CollSubscriptions, "user-1", nil); found {
		t.Fatal("unsigned event mutated a subscription")
	}

	incidents := 0
	_ = store.Query(ctx, docstore.CollSecurityIncidents, 0, func(key string, raw []byte) error {
		if strings.Contains(string(raw), audit.IncidentWebhookBadSignature) {
			incidents++
		}
		return nil
	})
	if incidents != 1 {
		t.Fatalf("incidents = %d, want 1", incidents)
	}
}

func TestHandleWebhookCancel(t *testing.T) {
	p, store, clock := newTestProcessor(t)
	ctx := context.Background()

	created := eventPayload(t, Event{
		ID: "evt_1", Type: "subscription.created", PrincipalID: "user-1",
		Plan: "pro", Status: StatusActive, MonthlyQuota: 100,
		PeriodEnd: clock.AddDate(0, 1, 0).Unix(),
	})
	if err := p.HandleWebhook(ctx, created, sign(created, *clock)); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	canceled := eventPayload(t, Event{ID: "evt_2", Type: "subscription.canceled", PrincipalID: "user-1"})
	if err := p.HandleWebhook(ctx, canceled, sign(canceled, *clock)); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var sub Subscription
	if _, err := store.Get(ctx, docstore.CollSubscriptions, "user-1", &sub); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sub.Status != StatusCanceled {
		t.Fatalf("status = %q, want canceled", sub.Status)
	}
}
