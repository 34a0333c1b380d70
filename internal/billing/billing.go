// Package billing keeps subscription entitlements current from provider
// webhooks. Webhook delivery is at-least-once, so event processing is
// idempotent, keyed by the provider's event id.
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"copyforge/backend/internal/apierror"
	"copyforge/backend/internal/audit"
	"copyforge/backend/internal/docstore"
)

// Subscription statuses mirrored from the billing provider.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

// webhookEventTTL keeps processed event ids around long past any plausible
// redelivery window.
const webhookEventTTL = 30 * 24 * time.Hour

// Subscription is the stored entitlement for one principal.
type Subscription struct {
	PrincipalID    string    `json:"principalId"`
	Plan           string    `json:"plan"`
	Status         string    `json:"status"`
	MonthlyQuota   int       `json:"monthlyQuota"`
	UsedThisPeriod int       `json:"usedThisPeriod"`
	PeriodEnd      time.Time `json:"periodEnd"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Remaining returns the generation quota left in the current period.
func (s *Subscription) Remaining() int {
	if r := s.MonthlyQuota - s.UsedThisPeriod; r > 0 {
		return r
	}
	return 0
}

// Event is the provider webhook payload subset we act on.
type Event struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	PrincipalID  string `json:"principalId"`
	Plan         string `json:"plan"`
	Status       string `json:"status"`
	MonthlyQuota int    `json:"monthlyQuota"`
	PeriodEnd    int64  `json:"periodEnd"` // unix seconds
}

// processedEvent marks a webhook event id as handled.
type processedEvent struct {
	ProcessedAt time.Time `json:"processedAt"`
	EventType   string    `json:"eventType"`
}

// Processor verifies and applies billing webhooks.
type Processor struct {
	store     docstore.Store
	auditLog  *audit.Logger
	secret    []byte
	tolerance time.Duration
	nowF      func() time.Time
}

// NewProcessor returns a Processor. secret is the webhook signing secret
// shared with the billing provider.
func NewProcessor(store docstore.Store, auditLog *audit.Logger, secret string, tolerance time.Duration) *Processor {
	return &Processor{
		store:     store,
		auditLog:  auditLog,
		secret:    []byte(secret),
		tolerance: tolerance,
		nowF:      func() time.Time { return time.Now().UTC() },
	}
}

// VerifySignature checks the provider signature header ("t=<unix>,v1=<hex>")
// against the raw payload. The signed message is "<t>.<payload>"; comparison
// is constant-time and the timestamp must be within the tolerance window.
func (p *Processor) VerifySignature(payload []byte, header string) error {
	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return apierror.New(apierror.CodeValidationFailed, http.StatusBadRequest, "invalid signature header")
			}
			ts = n
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return apierror.New(apierror.CodeValidationFailed, http.StatusBadRequest, "invalid signature header")
	}

	now := p.nowF()
	at := time.Unix(ts, 0).UTC()
	if at.Before(now.Add(-p.tolerance)) || at.After(now.Add(p.tolerance)) {
		return apierror.New(apierror.CodeValidationFailed, http.StatusBadRequest, "signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return apierror.New(apierror.CodeValidationFailed, http.StatusUnauthorized, "signature mismatch")
	}
	return nil
}

// HandleWebhook verifies the signature and applies the event exactly once.
// A replayed event id is acknowledged without effect.
func (p *Processor) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	if err := p.VerifySignature(payload, sigHeader); err != nil {
		p.auditLog.Event(ctx, &audit.Entry{
			EventType: audit.EventWebhookRejected,
			Result:    "signature_invalid",
			Severity:  audit.SeverityWarn,
		})
		p.auditLog.Incident(ctx, &audit.Incident{
			Type:       audit.IncidentWebhookBadSignature,
			Severity:   audit.SeverityHigh,
			Indicators: []string{"WEBHOOK_SIGNATURE_INVALID"},
		})
		return err
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil || ev.ID == "" || ev.PrincipalID == "" {
		return apierror.New(apierror.CodeValidationFailed, http.StatusBadRequest, "malformed event")
	}

	now := p.nowF()
	err := p.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		var seen processedEvent
		found, err := tx.Get(docstore.CollWebhookEvents, ev.ID, &seen)
		if err != nil {
			return err
		}
		if found {
			return nil // already applied
		}

		var sub Subscription
		if _, err := tx.Get(docstore.CollSubscriptions, ev.PrincipalID, &sub); err != nil {
			return err
		}
		sub.PrincipalID = ev.PrincipalID
		sub.UpdatedAt = now
		switch ev.Type {
		case "subscription.created", "subscription.updated":
			sub.Plan = ev.Plan
			sub.Status = ev.Status
			sub.MonthlyQuota = ev.MonthlyQuota
			if ev.PeriodEnd > 0 {
				end := time.Unix(ev.PeriodEnd, 0).UTC()
				if end.After(sub.PeriodEnd) {
					// New billing period: usage resets.
					sub.UsedThisPeriod = 0
				}
				sub.PeriodEnd = end
			}
		case "subscription.canceled":
			sub.Status = StatusCanceled
		default:
			// Unknown event types are acknowledged so the provider stops retrying.
		}
		if err := tx.Set(docstore.CollSubscriptions, ev.PrincipalID, &sub, nil); err != nil {
			return err
		}

		ttl := now.Add(webhookEventTTL)
		if err := tx.Set(docstore.CollWebhookEvents, ev.ID, &processedEvent{ProcessedAt: now, EventType: ev.Type}, &ttl); err != nil {
			return err
		}
		return p.auditLog.EventInTx(tx, &audit.Entry{
			EventType:   audit.EventWebhookReceived,
			PrincipalID: ev.PrincipalID,
			Context:     map[string]string{"eventId": ev.ID, "eventType": ev.Type},
			Result:      "success",
			Severity:    audit.SeverityInfo,
		})
	})
	if err != nil {
		return apierror.From(err)
	}
	return nil
}
