package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/skillgate/gateway/internal/api"
	"github.com/skillgate/gateway/internal/audit"
	"github.com/skillgate/gateway/internal/config"
	"github.com/skillgate/gateway/internal/database"
	"github.com/skillgate/gateway/internal/gates"
	"github.com/skillgate/gateway/internal/infra"
	"github.com/skillgate/gateway/internal/ledger"
	"github.com/skillgate/gateway/internal/metering"
	"github.com/skillgate/gateway/internal/metrics"
	"github.com/skillgate/gateway/internal/playbook"
	"github.com/skillgate/gateway/internal/pricing"
	"github.com/skillgate/gateway/internal/spec"
)

func main() {
	// Local development convenience; in production the environment is
	// injected by the platform.
	_ = godotenv.Load()

	cfg := config.Load()

	plans, err := config.LoadPlans(cfg.PlansPath)
	if err != nil {
		log.Fatalf("Failed to load plans: %v", err)
	}

	var priceTable *pricing.Table
	if cfg.ModelPricingJSON != "" {
		priceTable, err = pricing.ParseTable(cfg.ModelPricingJSON)
		if err != nil {
			log.Fatalf("Failed to parse MODEL_PRICING_JSON: %v", err)
		}
	}

	usageLedger := openLedger(cfg)
	if closer, ok := usageLedger.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		log.Fatalf("Failed to open audit log: %v", err)
	}
	defer auditLog.Close()

	m := metrics.New()
	verifier := metering.NewVerifier(cfg.MeteringSecret, cfg.MeteringTTL)
	chain := gates.NewChain(usageLedger, auditLog, verifier, m)

	registry := spec.NewRegistry()
	playbooks := playbook.NewRegistry()

	server := api.NewServer(api.Deps{
		Registry:  registry,
		Playbooks: playbooks,
		Plans:     plans,
		Chain:     chain,
		Ledger:    usageLedger,
		Audit:     auditLog,
		Pricing:   priceTable,
		Metrics:   m,
		HighWater: cfg.WriterQueueHighWater,
		Timeout:   cfg.RequestTimeout,
	})
	registerBuiltinAgents(server)

	// Operator denial feed rides on the audit append callback.
	auditLog.SetAppendCallback(server.Feed().Publish)
	defer server.Feed().Close()

	// Periodic chain verification detects tampering out of band.
	verifyCtx, stopVerify := context.WithCancel(context.Background())
	defer stopVerify()
	auditVerifier := audit.NewVerifier(auditLog, cfg.AuditVerifyInterval, func(firstBad int, rec *audit.Record) {
		m.AuditVerifyRun.WithLabelValues("corrupt").Inc()
		log.Printf("[AUDIT] chain verification FAILED at index %d (decision_id=%s)", firstBad, rec.DecisionID)
	})
	auditVerifier.SetResultHook(func(ok bool) {
		if ok {
			m.AuditVerifyRun.WithLabelValues("ok").Inc()
		}
	})
	go auditVerifier.Run(verifyCtx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("HTTP shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Agent execution gateway listening on :%s", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
	log.Println("Gateway stopped")
}

// openLedger selects the usage ledger backend: Redis, then Postgres, then
// the fsync-backed file store, then in-memory for development.
func openLedger(cfg *config.Config) ledger.Ledger {
	if cfg.LedgerRedisAddr != "" {
		l, err := infra.NewRedisLedger(cfg.LedgerRedisAddr, os.Getenv("USAGE_LEDGER_REDIS_PASSWORD"), 0)
		if err == nil {
			return l
		}
		log.Printf("[LEDGER] Redis unavailable, falling back: %v", err)
	}
	if cfg.LedgerDSN != "" {
		l, err := database.NewPostgresLedger(cfg.LedgerDSN)
		if err == nil {
			return l
		}
		log.Printf("[LEDGER] Postgres unavailable, falling back: %v", err)
	}
	if cfg.UsageEventsPath != "" {
		l, err := ledger.OpenFileLedger(cfg.UsageEventsPath)
		if err != nil {
			log.Fatalf("Failed to open usage ledger at %s: %v", cfg.UsageEventsPath, err)
		}
		return l
	}
	log.Println("[LEDGER] no durable store configured, using in-memory ledger")
	return ledger.NewMemoryLedger()
}

// registerBuiltinAgents installs the two reference agents served out of
// the box. Additional agents are validated through /api/v1/specs/validate
// and registered through configuration.
func registerBuiltinAgents(s *api.Server) {
	s.RegisterAgent("marketing/v1", marketingAgentSpec())
	s.RegisterAgent("tutor/v1", tutorAgentSpec())
}
