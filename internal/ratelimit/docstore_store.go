package ratelimit

import (
	"context"
	"time"

	"copyforge/backend/internal/docstore"
)

// DocStore is the default bucket store: one document per bucket, mutated in a
// document-store transaction.
type DocStore struct {
	store docstore.Store
	nowF  func() time.Time
}

// NewDocStore returns a bucket store over the document store gateway.
func NewDocStore(store docstore.Store) *DocStore {
	return &DocStore{store: store, nowF: func() time.Time { return time.Now().UTC() }}
}

// Update implements Store.
func (s *DocStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(b *Bucket) error) error {
	return s.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		var b Bucket
		if _, err := tx.Get(docstore.CollRateLimits, key, &b); err != nil {
			return err
		}
		if err := fn(&b); err != nil {
			return err
		}
		exp := s.nowF().Add(ttl)
		return tx.Set(docstore.CollRateLimits, key, &b, &exp)
	})
}
