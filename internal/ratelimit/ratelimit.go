// Package ratelimit implements the distributed sliding-window rate limiter
// with failed-attempt lockout. All state lives in a shared store; every
// decision is one atomic read-modify-write, so the admission bound holds
// across any number of stateless compute nodes.
package ratelimit

import (
	"context"
	"time"

	"copyforge/backend/internal/security"
)

// Scope partitions buckets by traffic class.
type Scope string

const (
	ScopeGeneral      Scope = "general"
	ScopeAuthFailure  Scope = "auth-failure"
	ScopePayment      Scope = "payment"
	ScopeWebhook      Scope = "webhook"
	ScopeRegistration Scope = "registration"
)

// Policy bounds admissions and failures for one scope.
type Policy struct {
	MaxRequests   int
	Window        time.Duration
	MaxFailures   int // 0 disables the failure counter
	FailureWindow time.Duration
	Lockout       time.Duration
}

// PolicyFor returns the enumerated policy for a scope.
func PolicyFor(scope Scope) Policy {
	switch scope {
	case ScopeAuthFailure:
		return Policy{MaxRequests: 5, Window: time.Minute, MaxFailures: 10, FailureWindow: time.Hour, Lockout: 15 * time.Minute}
	case ScopePayment:
		return Policy{MaxRequests: 5, Window: 5 * time.Minute}
	case ScopeWebhook:
		return Policy{MaxRequests: 100, Window: time.Minute}
	case ScopeRegistration:
		return Policy{MaxRequests: 5, Window: time.Hour}
	default:
		return Policy{MaxRequests: 60, Window: time.Minute}
	}
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed    bool
	Locked     bool // true when denial came from a failure lockout, not window capacity
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Bucket is the stored per-(scope,identifier) record. Timestamps are unix
// milliseconds; the window is a bag, duplicates are allowed.
type Bucket struct {
	Window      []int64 `json:"window"`
	Failures    []int64 `json:"failures,omitempty"`
	LockedUntil int64   `json:"lockedUntil,omitempty"`
	LastUpdate  int64   `json:"lastUpdate"`
}

// Store atomically reads, mutates, and persists one bucket. Implementations
// must guarantee that concurrent Update calls on the same key serialize.
type Store interface {
	Update(ctx context.Context, key string, ttl time.Duration, fn func(b *Bucket) error) error
}

// Limiter runs the sliding-window algorithm over a Store.
type Limiter struct {
	store Store
	nowF  func() time.Time
}

// New returns a Limiter over the given store.
func New(store Store) *Limiter {
	return &Limiter{store: store, nowF: func() time.Time { return time.Now().UTC() }}
}

// Check admits or throttles one request. Fail closed: on store error the
// decision is not-allowed and the error is returned.
func (l *Limiter) Check(ctx context.Context, scope Scope, identifier string, p Policy) (Decision, error) {
	var d Decision
	now := l.nowF()
	nowMs := now.UnixMilli()
	err := l.store.Update(ctx, bucketKey(scope, identifier), bucketTTL(p), func(b *Bucket) error {
		b.Window = compact(b.Window, nowMs-p.Window.Milliseconds())
		b.LastUpdate = nowMs

		if b.LockedUntil > nowMs {
			d = Decision{
				Allowed:    false,
				Locked:     true,
				RetryAfter: time.Duration(b.LockedUntil-nowMs) * time.Millisecond,
				ResetAt:    time.UnixMilli(b.LockedUntil).UTC(),
			}
			return nil
		}
		if len(b.Window) >= p.MaxRequests {
			oldest := b.Window[0]
			for _, ts := range b.Window {
				if ts < oldest {
					oldest = ts
				}
			}
			retry := p.Window - time.Duration(nowMs-oldest)*time.Millisecond
			if retry < 0 {
				retry = 0
			}
			d = Decision{
				Allowed:    false,
				RetryAfter: retry,
				ResetAt:    now.Add(retry),
			}
			return nil
		}
		b.Window = append(b.Window, nowMs)
		d = Decision{
			Allowed:   true,
			Remaining: p.MaxRequests - len(b.Window),
			ResetAt:   now.Add(p.Window),
		}
		return nil
	})
	if err != nil {
		return Decision{Allowed: false}, err
	}
	return d, nil
}

// RecordFailure counts one failed attempt against the identifier. Returns
// true when this failure newly engaged the lockout (callers record an
// incident then). No-op for policies without a failure counter.
func (l *Limiter) RecordFailure(ctx context.Context, scope Scope, identifier string, p Policy) (bool, error) {
	if p.MaxFailures <= 0 {
		return false, nil
	}
	locked := false
	nowMs := l.nowF().UnixMilli()
	err := l.store.Update(ctx, bucketKey(scope, identifier), bucketTTL(p), func(b *Bucket) error {
		b.Failures = compact(b.Failures, nowMs-p.FailureWindow.Milliseconds())
		b.Failures = append(b.Failures, nowMs)
		b.LastUpdate = nowMs
		if len(b.Failures) >= p.MaxFailures && b.LockedUntil <= nowMs {
			b.LockedUntil = nowMs + p.Lockout.Milliseconds()
			locked = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return locked, nil
}

// compact drops timestamps at or before cutoff (inclusive-lower, exclusive-upper:
// an entry exactly at the cutoff is discarded).
func compact(ts []int64, cutoff int64) []int64 {
	out := ts[:0]
	for _, t := range ts {
		if t > cutoff {
			out = append(out, t)
		}
	}
	return out
}

func bucketKey(scope Scope, identifier string) string {
	return security.HashKey(string(scope) + ":" + identifier)
}

// bucketTTL keeps the bucket document alive for the longest horizon the
// policy can look back or forward.
func bucketTTL(p Policy) time.Duration {
	ttl := p.Window
	if p.FailureWindow > ttl {
		ttl = p.FailureWindow
	}
	if p.Lockout > ttl {
		ttl = p.Lockout
	}
	return ttl + time.Minute
}
