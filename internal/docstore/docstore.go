// Package docstore is the typed gateway to the transactional document store.
// Every state-dependent decision in the authorization core happens inside
// RunTransaction; expired documents are invisible to readers so correctness
// never depends on the external TTL sweeper.
package docstore

import (
	"context"
	"errors"
	"time"
)

// Collection names. Each collection has exactly one writing component.
const (
	CollConsumedTokens    = "consumed_tokens"    // token validator
	CollValidationLocks   = "validation_locks"   // token validator
	CollSessions          = "sessions"           // session manager
	CollSessionIndex      = "session_index"      // session manager
	CollRateLimits        = "rate_limits"        // rate limiter
	CollAuditLog          = "audit_log"          // audit log
	CollSecurityIncidents = "security_incidents" // audit log
	CollAdminRoles        = "admin_roles"        // provisioning (read-only here)
	CollSubscriptions     = "subscriptions"      // policy gate + billing webhook
	CollWebhookEvents     = "webhook_events"     // billing webhook
)

// ErrTransactionConflict is returned when a transaction could not commit after retries.
// Callers must fail closed.
var ErrTransactionConflict = errors.New("docstore: transaction conflict")

// Tx is the mutation surface inside RunTransaction. Reads through Tx take
// write locks so concurrent transactions on the same document serialize.
type Tx interface {
	// Get unmarshals the document at (collection, key) into out.
	// Returns false if the document is absent or expired.
	Get(collection, key string, out any) (bool, error)
	// Set upserts the document. A nil expiresAt means the document never expires.
	Set(collection, key string, doc any, expiresAt *time.Time) error
	// Delete removes the document. Deleting an absent document is not an error.
	Delete(collection, key string) error
}

// Store is the document store gateway.
type Store interface {
	// Get unmarshals the document at (collection, key) into out outside any
	// transaction (snapshot read). Returns false if absent or expired.
	Get(ctx context.Context, collection, key string, out any) (bool, error)
	// Query streams up to limit live documents of a collection to fn in key order.
	// fn returning an error stops the scan and propagates the error.
	Query(ctx context.Context, collection string, limit int, fn func(key string, raw []byte) error) error
	// RunTransaction executes fn atomically. On contention it retries; after the
	// retry budget it returns ErrTransactionConflict. An error from fn aborts the
	// transaction and leaves no partial state.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	// TTLSweep deletes up to batch documents of the collection whose expiry is at
	// or before cutoff, returning the number deleted. Driven by an external
	// scheduler; never required for correctness.
	TTLSweep(ctx context.Context, collection string, cutoff time.Time, batch int) (int, error)
}
