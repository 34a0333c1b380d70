package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"copyforge/backend/internal/docstore"
)

func newTestLimiter(start time.Time) (*Limiter, *time.Time) {
	now := start
	store := NewDocStore(docstore.NewMemoryStoreWithClock(func() time.Time { return now }))
	l := New(store)
	l.nowF = func() time.Time { return now }
	return l, &now
}

func TestCheckAdmitsUpToLimit(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l, _ := newTestLimiter(start)
	p := Policy{MaxRequests: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, ScopeGeneral, "1.2.3.4", p)
		if err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d denied under limit", i)
		}
		if want := 3 - (i + 1); d.Remaining != want {
			t.Fatalf("Remaining = %d, want %d", d.Remaining, want)
		}
	}

	d, err := l.Check(ctx, ScopeGeneral, "1.2.3.4", p)
	if err != nil {
		t.Fatalf("Check over limit: %v", err)
	}
	if d.Allowed {
		t.Fatal("request over limit admitted")
	}
	if d.Locked {
		t.Fatal("capacity denial reported as lockout")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter = %v", d.RetryAfter)
	}
}

func TestCheckWindowSlides(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l, now := newTestLimiter(start)
	p := Policy{MaxRequests: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		if d, _ := l.Check(ctx, ScopeGeneral, "ip", p); !d.Allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	if d, _ := l.Check(ctx, ScopeGeneral, "ip", p); d.Allowed {
		t.Fatal("third request admitted inside window")
	}

	// Past the window the old admissions compact away.
	*now = now.Add(time.Minute + time.Second)
	d, err := l.Check(ctx, ScopeGeneral, "ip", p)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Fatal("request denied after window slid")
	}
}

func TestIdentifiersIsolated(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := Policy{MaxRequests: 1, Window: time.Minute}

	if d, _ := l.Check(ctx, ScopeGeneral, "a", p); !d.Allowed {
		t.Fatal("first identifier denied")
	}
	if d, _ := l.Check(ctx, ScopeGeneral, "a", p); d.Allowed {
		t.Fatal("first identifier over limit admitted")
	}
	if d, _ := l.Check(ctx, ScopeGeneral, "b", p); !d.Allowed {
		t.Fatal("second identifier throttled by first")
	}
	if d, _ := l.Check(ctx, ScopeAuthFailure, "a", p); !d.Allowed {
		t.Fatal("different scope shares a bucket")
	}
}

func TestLockoutEngagesOnce(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l, now := newTestLimiter(start)
	p := Policy{MaxRequests: 100, Window: time.Minute, MaxFailures: 3, FailureWindow: time.Hour, Lockout: 15 * time.Minute}

	for i := 0; i < 2; i++ {
		locked, err := l.RecordFailure(ctx, ScopeAuthFailure, "ip", p)
		if err != nil {
			t.Fatalf("RecordFailure %d: %v", i, err)
		}
		if locked {
			t.Fatalf("lockout engaged at failure %d", i+1)
		}
	}

	locked, err := l.RecordFailure(ctx, ScopeAuthFailure, "ip", p)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if !locked {
		t.Fatal("lockout did not engage at threshold")
	}

	// Further failures while locked do not re-engage (no incident spam) and do
	// not extend the lockout.
	locked, err = l.RecordFailure(ctx, ScopeAuthFailure, "ip", p)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if locked {
		t.Fatal("lockout re-engaged while already locked")
	}

	d, err := l.Check(ctx, ScopeAuthFailure, "ip", p)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed || !d.Locked {
		t.Fatalf("locked decision = %+v", d)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 15*time.Minute {
		t.Fatalf("RetryAfter = %v", d.RetryAfter)
	}

	// After the lockout expires, requests flow again.
	*now = now.Add(15*time.Minute + time.Second)
	d, err = l.Check(ctx, ScopeAuthFailure, "ip", p)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Fatal("request denied after lockout expired")
	}
}

func TestCompactDropsCutoffEntry(t *testing.T) {
	out := compact([]int64{10, 11, 12}, 11)
	if len(out) != 1 || out[0] != 12 {
		t.Fatalf("compact = %v, want [12]", out)
	}
}

func TestConcurrentChecksRespectBound(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := Policy{MaxRequests: 10, Window: time.Minute}

	const attempts = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Check(ctx, ScopeGeneral, "shared-ip", p)
			if err != nil {
				t.Errorf("Check: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != p.MaxRequests {
		t.Fatalf("allowed %d of %d, want exactly %d", allowed, attempts, p.MaxRequests)
	}
}
