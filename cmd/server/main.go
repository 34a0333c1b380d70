package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"copyforge/backend/internal/audit"
	"copyforge/backend/internal/audit/producer"
	"copyforge/backend/internal/billing"
	"copyforge/backend/internal/config"
	"copyforge/backend/internal/db"
	"copyforge/backend/internal/docstore"
	"copyforge/backend/internal/envelope"
	"copyforge/backend/internal/gate"
	"copyforge/backend/internal/identity"
	"copyforge/backend/internal/policy"
	"copyforge/backend/internal/ratelimit"
	"copyforge/backend/internal/security"
	"copyforge/backend/internal/server"
	"copyforge/backend/internal/session"
	"copyforge/backend/internal/telemetry/otel"
	"copyforge/backend/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "copyforge-server", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()

	var store docstore.Store
	if cfg.DatabaseURL != "" {
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer sqlDB.Close()
		store = docstore.NewPostgresStore(sqlDB)
	} else {
		log.Println("server: DATABASE_URL not set; using in-memory store (dev only)")
		store = docstore.NewMemoryStore()
	}

	kafkaProducer, err := producer.NewKafkaProducer(cfg.AuditKafkaBrokersList(), cfg.AuditKafkaTopic)
	if err != nil {
		log.Fatalf("kafka: %v", err)
	}
	nodeID, _ := os.Hostname()
	var auditProducer audit.Producer
	if kafkaProducer != nil {
		auditProducer = kafkaProducer
		defer kafkaProducer.Close()
	}
	auditLog := audit.NewLogger(store, auditProducer, nodeID)

	var bucketStore ratelimit.Store
	if cfg.RedisAddr != "" {
		bucketStore = ratelimit.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	} else {
		bucketStore = ratelimit.NewDocStore(store)
	}
	limiter := ratelimit.New(bucketStore)

	publicKey, err := security.ParsePublicKey(cfg.IDPPublicKey)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	provider := identity.NewJWTProvider(publicKey, cfg.IDPIssuer, nil)

	validator := token.NewValidator(provider, store, auditLog, cfg.ProjectID, cfg.MaxSessionAgeDuration(), cfg.TokenReplayWindowDuration(), nodeID)

	handleKey, err := security.DeriveKey([]byte(cfg.SessionSecret), "session-handle")
	if err != nil {
		log.Fatalf("security: %v", err)
	}
	minter, err := security.NewHandleMinter(handleKey)
	if err != nil {
		log.Fatalf("security: %v", err)
	}
	sessions := session.NewManager(store, minter, auditLog, session.Options{
		Timeout:          cfg.SessionTimeoutDuration(),
		MaxTimeout:       cfg.SessionMaxTimeoutDuration(),
		ActivityInterval: cfg.ActivityUpdateIntervalDuration(),
		MaxConcurrent:    cfg.MaxConcurrentSessions,
		EvictionPolicy:   cfg.EvictionPolicy(),
	})

	policies, err := policy.NewEvaluator()
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	env := envelope.New(cfg.ParentDomain, cfg.TrustedOriginsList(), cfg.CookieMaxAge)
	g := gate.New(env, limiter, validator, sessions, policies, store, auditLog)
	billingProc := billing.NewProcessor(store, auditLog, cfg.BillingWebhookSecret, cfg.WebhookToleranceDuration())

	srv := server.New(env, g, sessions, billingProc, policies, store, auditLog)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("telemetry shutdown: %v", err)
	}
	log.Println("HTTP server stopped")
}
