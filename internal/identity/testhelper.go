package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FakeProvider is an in-memory Provider for unit tests. Tokens are minted with
// Mint and verified by lookup; no cryptography is involved. For tests only.
type FakeProvider struct {
	mu       sync.Mutex
	byRaw    map[string]*Principal
	errByRaw map[string]error
	nextID   int
}

// NewFakeProvider returns an empty fake provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{byRaw: make(map[string]*Principal), errByRaw: make(map[string]error)}
}

// Mint registers and returns a token asserting the given principal. The raw
// token is padded past the validator's minimum-length check and carries the
// two dots of a real compact JWT.
func (f *FakeProvider) Mint(p Principal) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if p.TokenID == "" {
		p.TokenID = fmt.Sprintf("tok-%d", f.nextID)
	}
	if p.IssuedAt.IsZero() {
		p.IssuedAt = time.Now().UTC()
	}
	if p.AuthTime.IsZero() {
		p.AuthTime = p.IssuedAt
	}
	raw := fmt.Sprintf("fake.%s.%s", p.TokenID, strings.Repeat("x", 100))
	cp := p
	f.byRaw[raw] = &cp
	return raw
}

// MintError registers a token whose verification fails with err
// (use ErrExpired, ErrRevoked, or ErrInvalid).
func (f *FakeProvider) MintError(err error) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	raw := fmt.Sprintf("fake.err-%d.%s", f.nextID, strings.Repeat("x", 100))
	f.errByRaw[raw] = err
	return raw
}

// VerifyIDToken implements Provider.
func (f *FakeProvider) VerifyIDToken(ctx context.Context, raw string) (*Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errByRaw[raw]; ok {
		return nil, err
	}
	p, ok := f.byRaw[raw]
	if !ok {
		return nil, ErrInvalid
	}
	cp := *p
	return &cp, nil
}
