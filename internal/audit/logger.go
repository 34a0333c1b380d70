package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"copyforge/backend/internal/docstore"
)

// Retention windows for the TTL sweeper.
const (
	eventRetention    = 90 * 24 * time.Hour
	incidentRetention = 365 * 24 * time.Hour
)

// Producer mirrors audit entries to an external sink (e.g. Kafka). Emit is
// best-effort; the logger never surfaces its errors.
type Producer interface {
	Emit(ctx context.Context, payload []byte) error
}

// Logger appends events and incidents to the document store, optionally
// mirroring them to a Producer.
type Logger struct {
	store    docstore.Store
	producer Producer
	nodeID   string
	nowF     func() time.Time
}

// NewLogger returns a Logger writing through store. producer may be nil.
// nodeID identifies this compute node in entries (e.g. hostname).
func NewLogger(store docstore.Store, producer Producer, nodeID string) *Logger {
	return &Logger{store: store, producer: producer, nodeID: nodeID, nowF: func() time.Time { return time.Now().UTC() }}
}

// Event appends one audit entry. Best-effort: errors are logged and not returned.
func (l *Logger) Event(ctx context.Context, e *Entry) {
	l.fill(e)
	exp := e.Timestamp.Add(eventRetention)
	err := l.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		return tx.Set(docstore.CollAuditLog, entryKey(e), e, &exp)
	})
	if err != nil {
		log.Printf("audit: failed to append %s: %v", e.EventType, err)
	}
	l.mirror(e)
}

// EventInTx appends one audit entry inside a caller transaction, so the entry
// commits atomically with the caller's writes (or not at all).
func (l *Logger) EventInTx(tx docstore.Tx, e *Entry) error {
	l.fill(e)
	exp := e.Timestamp.Add(eventRetention)
	if err := tx.Set(docstore.CollAuditLog, entryKey(e), e, &exp); err != nil {
		return err
	}
	l.mirror(e)
	return nil
}

// Incident appends one security incident. Best-effort like Event; the caller
// must still return its security decision when the append fails.
func (l *Logger) Incident(ctx context.Context, inc *Incident) {
	if inc.IncidentID == "" {
		inc.IncidentID = uuid.New().String()
	}
	if inc.Timestamp.IsZero() {
		inc.Timestamp = l.nowF()
	}
	if inc.MitigationStatus == "" {
		inc.MitigationStatus = "OPEN"
	}
	exp := inc.Timestamp.Add(incidentRetention)
	key := inc.Timestamp.Format(time.RFC3339Nano) + "_" + inc.IncidentID
	err := l.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		return tx.Set(docstore.CollSecurityIncidents, key, inc, &exp)
	})
	if err != nil {
		log.Printf("audit: failed to record incident %s: %v", inc.Type, err)
	}
}

func (l *Logger) fill(e *Entry) {
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.nowF()
	}
	if e.NodeID == "" {
		e.NodeID = l.nodeID
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
}

// mirror ships the entry to the producer in the background with a short
// timeout so a slow broker never blocks a request.
func (l *Logger) mirror(e *Entry) {
	if l.producer == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	go func() {
		emitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.producer.Emit(emitCtx, payload); err != nil {
			log.Printf("audit: producer emit failed: %v", err)
		}
	}()
}

func entryKey(e *Entry) string {
	return e.Timestamp.Format(time.RFC3339Nano) + "_" + e.EventID
}
