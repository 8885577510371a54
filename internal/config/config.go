// Package config loads the gateway's environment configuration and the
// plan records. Everything here is immutable after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/skillgate/gateway/internal/core"
)

// Config is the process configuration resolved from the environment.
type Config struct {
	Port string

	// Presence of the secret enables trusted-metering enforcement for
	// budgeted plans.
	MeteringSecret string
	MeteringTTL    time.Duration

	// Durable store paths; empty selects the in-memory development
	// backends. UsageLedgerPath is honoured as a legacy alias when
	// UsageEventsPath is unset.
	UsageLedgerPath string
	UsageEventsPath string
	AuditLogPath    string

	// Production backends; either overrides the file/memory ledger.
	LedgerDSN       string
	LedgerRedisAddr string

	ModelPricingJSON string
	PlansPath        string

	RequestTimeout      time.Duration
	AuditVerifyInterval time.Duration

	// Writer-queue high-water mark for backpressure shedding.
	WriterQueueHighWater int
}

// Load resolves the configuration from the environment.
func Load() *Config {
	cfg := &Config{
		Port:                 getenv("PORT", "8080"),
		MeteringSecret:       os.Getenv("METERING_ENVELOPE_SECRET"),
		MeteringTTL:          secondsEnv("METERING_ENVELOPE_TTL_SECONDS", 300),
		UsageLedgerPath:      os.Getenv("USAGE_LEDGER_STORE_PATH"),
		UsageEventsPath:      os.Getenv("USAGE_EVENTS_STORE_PATH"),
		AuditLogPath:         os.Getenv("AUDIT_LOG_STORE_PATH"),
		LedgerDSN:            os.Getenv("USAGE_LEDGER_DSN"),
		LedgerRedisAddr:      os.Getenv("USAGE_LEDGER_REDIS_ADDR"),
		ModelPricingJSON:     os.Getenv("MODEL_PRICING_JSON"),
		PlansPath:            os.Getenv("PLANS_CONFIG_PATH"),
		RequestTimeout:       secondsEnv("GATEWAY_REQUEST_TIMEOUT_SECONDS", 5),
		AuditVerifyInterval:  secondsEnv("AUDIT_VERIFY_INTERVAL_SECONDS", 60),
		WriterQueueHighWater: intEnv("WRITER_QUEUE_HIGH_WATER", 1024),
	}
	if cfg.UsageEventsPath == "" {
		cfg.UsageEventsPath = cfg.UsageLedgerPath
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func secondsEnv(key string, fallback int) time.Duration {
	return time.Duration(intEnv(key, fallback)) * time.Second
}

// PlanSet is the immutable registry of plan records keyed by plan id.
type PlanSet struct {
	plans map[string]*core.Plan
}

type plansFile struct {
	Plans []core.Plan `yaml:"plans"`
}

// LoadPlans reads the plans YAML at path, or returns the built-in defaults
// when path is empty.
func LoadPlans(path string) (*PlanSet, error) {
	if path == "" {
		return defaultPlans(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plans config %s: %w", path, err)
	}
	defer f.Close()

	var doc plansFile
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode plans config %s: %w", path, err)
	}

	ps := &PlanSet{plans: make(map[string]*core.Plan, len(doc.Plans))}
	for i := range doc.Plans {
		p := doc.Plans[i]
		if p.PlanID == "" {
			return nil, fmt.Errorf("plans config %s: plan %d has no plan_id", path, i)
		}
		ps.plans[p.PlanID] = &p
	}
	return ps, nil
}

// Get returns the plan record for id, or nil when unknown.
func (ps *PlanSet) Get(id string) *core.Plan {
	return ps.plans[id]
}

func defaultPlans() *PlanSet {
	return &PlanSet{plans: map[string]*core.Plan{
		"trial": {
			PlanID:              "trial",
			Currency:            "USD",
			TrialDailyTasksCap:  25,
			TrialDailyTokensCap: 100_000,
			TrialMaxCostPerCall: 0.50,
		},
		"standard": {
			PlanID:              "standard",
			Currency:            "USD",
			MonthlyBudgetAmount: 250.00,
			AllowAutopublish:    false,
		},
		"enterprise": {
			PlanID:              "enterprise",
			Currency:            "USD",
			MonthlyBudgetAmount: 5000.00,
			AllowAutopublish:    true,
		},
	}}
}
