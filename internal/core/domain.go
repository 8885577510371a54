// Package core holds the shared domain types of the gateway: invocation
// context, usage events, plan records and policy reason codes.
package core

import "time"

// EventType classifies a usage ledger event.
type EventType string

const (
	EventBudgetPrecheck EventType = "budget_precheck"
	EventSkillExecution EventType = "skill_execution"
	EventPublishAction  EventType = "publish_action"
	EventDenial         EventType = "denial"
)

// Stage identifies which part of the enforcement plane produced a decision.
type Stage string

const (
	StageApproval Stage = "approval"
	StageTrial    Stage = "trial"
	StageBudget   Stage = "budget"
	StageMetering Stage = "metering"
	StageOther    Stage = "other"
)

// UsageEvent is a single append-only metered occurrence. No field is ever
// mutated after Append.
type UsageEvent struct {
	EventID       string    `json:"event_id"`
	EventType     EventType `json:"event_type"`
	CorrelationID string    `json:"correlation_id"`
	CallerID      string    `json:"caller_id"`
	CustomerID    string    `json:"customer_id"`
	AgentID       string    `json:"agent_id"`
	Purpose       string    `json:"purpose,omitempty"`
	Model         string    `json:"model,omitempty"`
	CacheHit      bool      `json:"cache_hit"`
	TokensIn      int64     `json:"tokens_in"`
	TokensOut     int64     `json:"tokens_out"`
	CostAmount    float64   `json:"cost_amount"`
	Timestamp     time.Time `json:"timestamp_utc"`
}

// Plan is the immutable per-customer-segment record carrying caps and
// budgets. Loaded at startup, read-only thereafter.
type Plan struct {
	PlanID              string  `yaml:"plan_id" json:"plan_id"`
	Currency            string  `yaml:"currency" json:"currency"`
	MonthlyBudgetAmount float64 `yaml:"monthly_budget_amount" json:"monthly_budget_amount"`
	TrialDailyTasksCap  int64   `yaml:"trial_daily_tasks_cap" json:"trial_daily_tasks_cap"`
	TrialDailyTokensCap int64   `yaml:"trial_daily_tokens_cap" json:"trial_daily_tokens_cap"`
	TrialMaxCostPerCall float64 `yaml:"trial_max_cost_per_call" json:"trial_max_cost_per_call"`
	AllowAutopublish    bool    `yaml:"allow_autopublish" json:"allow_autopublish"`
}

// HasMonthlyBudget reports whether a monthly budget applies to this plan.
func (p *Plan) HasMonthlyBudget() bool {
	return p != nil && p.MonthlyBudgetAmount > 0
}

// Metering carries token/model/cost counts for one invocation. Either
// caller-declared (Attested=false) or taken from a validated trusted
// metering envelope (Attested=true).
type Metering struct {
	TokensIn   int64   `json:"tokens_in"`
	TokensOut  int64   `json:"tokens_out"`
	Model      string  `json:"model"`
	CacheHit   bool    `json:"cache_hit"`
	CostAmount float64 `json:"cost_amount"`
	Attested   bool    `json:"attested"`
}

// IsZero reports whether no metering information was supplied at all.
func (m Metering) IsZero() bool {
	return m.TokensIn == 0 && m.TokensOut == 0 && m.CostAmount == 0 && m.Model == ""
}

// Invocation is the per-request mutable record threaded through the gate
// chain. Created by the ingress, exclusively owned by the request task,
// destroyed at response.
type Invocation struct {
	CorrelationID string
	CallerID      string
	CustomerID    string
	PlanID        string
	AgentID       string
	SkillID       string

	// IntentAction is the short descriptor of what the skill will do,
	// e.g. "draft" or "publish".
	IntentAction string
	ApprovalID   string
	DoPublish    bool
	TrialMode    bool

	Inputs map[string]interface{}

	// Declared is the caller-declared metering; Attested is set by the
	// metering gate when a trusted envelope validates and overrides
	// Declared for the remainder of the request.
	Declared Metering
	Attested *Metering

	// EnvelopeHeaders holds the raw X-Metering-* header values as seen by
	// the ingress (after browser-boundary stripping).
	EnvelopeHeaders map[string]string

	// Annotations accumulated by gates that allowed the request.
	Annotations []string

	ReceivedAt time.Time
}

// EffectiveMetering returns the authoritative metering for the request:
// envelope-attested values when an envelope validated, else the caller's.
func (inv *Invocation) EffectiveMetering() Metering {
	if inv.Attested != nil {
		return *inv.Attested
	}
	return inv.Declared
}

// Annotate appends a gate annotation to the invocation context.
func (inv *Invocation) Annotate(note string) {
	inv.Annotations = append(inv.Annotations, note)
}

// SideEffecting reports whether the declared intent action writes outside
// the gateway (publish/send/post/write).
func SideEffecting(action string) bool {
	switch action {
	case "publish", "send", "post", "write":
		return true
	}
	return false
}
