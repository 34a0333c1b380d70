// seed inserts development sample data for local testing.
// Idempotent: skips inserts if the dev principal already has a subscription.
package main

import (
	"context"
	"log"
	"time"

	"copyforge/backend/internal/billing"
	"copyforge/backend/internal/config"
	"copyforge/backend/internal/db"
	"copyforge/backend/internal/docstore"
)

const (
	devPrincipalID   = "dev-principal-001"
	adminPrincipalID = "dev-admin-001"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("seed: DATABASE_URL is required")
	}
	if cfg.Env == "production" {
		log.Fatal("seed: refusing to run with APP_ENV=production")
	}

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer sqlDB.Close()
	store := docstore.NewPostgresStore(sqlDB)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	now := time.Now().UTC()

	err = store.RunTransaction(ctx, func(tx docstore.Tx) error {
		var existing billing.Subscription
		found, err := tx.Get(docstore.CollSubscriptions, devPrincipalID, &existing)
		if err != nil {
			return err
		}
		if found {
			log.Println("seed: dev data already present, skipping")
			return nil
		}

		sub := billing.Subscription{
			PrincipalID:  devPrincipalID,
			Plan:         "pro",
			Status:       billing.StatusActive,
			MonthlyQuota: 500,
			PeriodEnd:    now.AddDate(0, 1, 0),
			UpdatedAt:    now,
		}
		if err := tx.Set(docstore.CollSubscriptions, devPrincipalID, &sub, nil); err != nil {
			return err
		}

		grant := struct {
			Roles     []string  `json:"roles"`
			GrantedAt time.Time `json:"grantedAt"`
		}{Roles: []string{"admin"}, GrantedAt: now}
		return tx.Set(docstore.CollAdminRoles, adminPrincipalID, &grant, nil)
	})
	if err != nil {
		log.Fatalf("seed: %v", err)
	}
	log.Println("seed: done")
}
