package docstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type memDoc struct {
	raw       []byte
	expiresAt *time.Time
}

// MemoryStore is an in-memory Store implementation for development and tests.
// Transactions serialize on a single mutex; writes are staged and applied only
// on commit, so an aborted transaction leaves no partial state.
type MemoryStore struct {
	mu   sync.Mutex
	m    map[string]map[string]memDoc // collection -> key -> doc
	nowF func() time.Time

	// FailWrite, when non-nil, is consulted before every transactional Set or
	// Delete; a non-nil return aborts the transaction with that error. Test hook
	// for fault-injection; nil in normal operation.
	FailWrite func(collection, key string) error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryStoreWithClock returns an in-memory store that uses now for expiry
// decisions. Tests use this to control time.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{m: make(map[string]map[string]memDoc), nowF: now}
}

// Get reads a live document.
func (s *MemoryStore) Get(ctx context.Context, collection, key string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(collection, key, out)
}

func (s *MemoryStore) getLocked(collection, key string, out any) (bool, error) {
	d, ok := s.m[collection][key]
	if !ok {
		return false, nil
	}
	if d.expiresAt != nil && !d.expiresAt.After(s.nowF()) {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(d.raw, out); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Query streams live documents in key order.
func (s *MemoryStore) Query(ctx context.Context, collection string, limit int, fn func(key string, raw []byte) error) error {
	s.mu.Lock()
	now := s.nowF()
	keys := make([]string, 0, len(s.m[collection]))
	for k, d := range s.m[collection] {
		if d.expiresAt != nil && !d.expiresAt.After(now) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	docs := make([][]byte, len(keys))
	for i, k := range keys {
		docs[i] = s.m[collection][k].raw
	}
	s.mu.Unlock()

	for i, k := range keys {
		if err := fn(k, docs[i]); err != nil {
			return err
		}
	}
	return nil
}

// RunTransaction runs fn under the store mutex with staged writes.
func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &memTx{store: s, staged: make(map[string]map[string]*memDoc)}
	if err := fn(t); err != nil {
		return err
	}
	// Commit.
	for coll, docs := range t.staged {
		for key, d := range docs {
			if d == nil {
				delete(s.m[coll], key)
				continue
			}
			if s.m[coll] == nil {
				s.m[coll] = make(map[string]memDoc)
			}
			s.m[coll][key] = *d
		}
	}
	return nil
}

// TTLSweep deletes up to batch expired documents.
func (s *MemoryStore) TTLSweep(ctx context.Context, collection string, cutoff time.Time, batch int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, d := range s.m[collection] {
		if batch > 0 && n >= batch {
			break
		}
		if d.expiresAt != nil && !d.expiresAt.After(cutoff) {
			delete(s.m[collection], k)
			n++
		}
	}
	return n, nil
}

// memTx stages writes; nil staged doc marks a delete.
type memTx struct {
	store  *MemoryStore
	staged map[string]map[string]*memDoc
}

func (t *memTx) Get(collection, key string, out any) (bool, error) {
	if docs, ok := t.staged[collection]; ok {
		if d, ok := docs[key]; ok {
			if d == nil {
				return false, nil
			}
			if d.expiresAt != nil && !d.expiresAt.After(t.store.nowF()) {
				return false, nil
			}
			if out != nil {
				if err := json.Unmarshal(d.raw, out); err != nil {
					return false, err
				}
			}
			return true, nil
		}
	}
	return t.store.getLocked(collection, key, out)
}

func (t *memTx) Set(collection, key string, doc any, expiresAt *time.Time) error {
	if t.store.FailWrite != nil {
		if err := t.store.FailWrite(collection, key); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if t.staged[collection] == nil {
		t.staged[collection] = make(map[string]*memDoc)
	}
	var exp *time.Time
	if expiresAt != nil {
		e := *expiresAt
		exp = &e
	}
	t.staged[collection][key] = &memDoc{raw: raw, expiresAt: exp}
	return nil
}

func (t *memTx) Delete(collection, key string) error {
	if t.store.FailWrite != nil {
		if err := t.store.FailWrite(collection, key); err != nil {
			return err
		}
	}
	if t.staged[collection] == nil {
		t.staged[collection] = make(map[string]*memDoc)
	}
	t.staged[collection][key] = nil
	return nil
}
