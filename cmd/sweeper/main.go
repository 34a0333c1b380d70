// Sweeper deletes expired documents in batches. Run it on a schedule (e.g.
// cron every few minutes); correctness never depends on it because expired
// documents are already invisible to readers.
package main

import (
	"context"
	"log"
	"time"

	"copyforge/backend/internal/config"
	"copyforge/backend/internal/db"
	"copyforge/backend/internal/docstore"
)

// sweepBatch bounds one delete statement so the sweeper never holds long locks.
const sweepBatch = 500

var collections = []string{
	docstore.CollConsumedTokens,
	docstore.CollValidationLocks,
	docstore.CollSessions,
	docstore.CollRateLimits,
	docstore.CollAuditLog,
	docstore.CollSecurityIncidents,
	docstore.CollWebhookEvents,
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("sweeper: DATABASE_URL is required")
	}

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer sqlDB.Close()
	store := docstore.NewPostgresStore(sqlDB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().UTC()
	total := 0
	for _, coll := range collections {
		for {
			n, err := store.TTLSweep(ctx, coll, cutoff, sweepBatch)
			if err != nil {
				log.Fatalf("sweeper: %s: %v", coll, err)
			}
			total += n
			if n < sweepBatch {
				break
			}
		}
	}
	log.Printf("sweeper: deleted %d expired documents", total)
}
