// Package gates implements the ordered, short-circuiting gate chain run
// before any skill side effect. Each gate is a pure function of the
// invocation context plus read-only views of the ledger and configuration;
// policy outcomes are values, never errors.
package gates

import (
	"context"
	"fmt"
	"time"

	"github.com/skillgate/gateway/internal/core"
	"github.com/skillgate/gateway/internal/ledger"
	"github.com/skillgate/gateway/internal/metering"
	"github.com/skillgate/gateway/internal/spec"
)

// Request bundles the read-only views a gate evaluates against.
type Request struct {
	Inv    *core.Invocation
	Bundle *spec.Bundle
	Plan   *core.Plan
}

// Decision is a deny outcome. A nil *Decision means allow.
type Decision struct {
	Stage      core.Stage
	ReasonCode core.ReasonCode
	Details    map[string]interface{}
}

func deny(stage core.Stage, reason core.ReasonCode) *Decision {
	return &Decision{Stage: stage, ReasonCode: reason}
}

func (d *Decision) withDetail(key string, value interface{}) *Decision {
	if d.Details == nil {
		d.Details = make(map[string]interface{})
	}
	d.Details[key] = value
	return d
}

// Gate is one deterministic policy check. A non-nil error is an
// infrastructure failure and fails the request closed.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, req *Request) (*Decision, error)
}

// --- Gate 1: intent action required ---

// IntentGate rejects side-effecting requests that carry no intent action.
type IntentGate struct{}

func (IntentGate) Name() string { return "intent_action" }

func (IntentGate) Evaluate(_ context.Context, req *Request) (*Decision, error) {
	inv := req.Inv
	if inv.DoPublish && inv.IntentAction == "" {
		return deny(core.StageOther, core.ReasonIntentActionRequired), nil
	}
	return nil, nil
}

// --- Gate 2: approval ---

// ApprovalGate requires either an approval id or an agreed autopublish
// (spec dimension and plan flag both set) for side-effecting intents.
type ApprovalGate struct{}

func (ApprovalGate) Name() string { return "approval" }

func (ApprovalGate) Evaluate(_ context.Context, req *Request) (*Decision, error) {
	inv := req.Inv
	if !core.SideEffecting(inv.IntentAction) && !inv.DoPublish {
		return nil, nil
	}

	if inv.ApprovalID != "" {
		inv.Annotate("approval:" + inv.ApprovalID)
		return nil, nil
	}

	if !req.Bundle.Autopublish() {
		return deny(core.StageApproval, core.ReasonApprovalRequired), nil
	}
	if !req.Plan.AllowAutopublish {
		return deny(core.StageApproval, core.ReasonAutopublishNotAllowed), nil
	}

	inv.Annotate("autopublish")
	return nil, nil
}

// --- Gate 3: trial restrictions ---

// TrialGate blocks production writes and high-cost calls under trial mode.
type TrialGate struct{}

func (TrialGate) Name() string { return "trial" }

func (TrialGate) Evaluate(_ context.Context, req *Request) (*Decision, error) {
	inv := req.Inv
	if !inv.TrialMode {
		return nil, nil
	}

	if core.SideEffecting(inv.IntentAction) || inv.DoPublish {
		return deny(core.StageTrial, core.ReasonTrialProductionWrite), nil
	}
	if cap := req.Plan.TrialMaxCostPerCall; cap > 0 && inv.Declared.CostAmount > cap {
		return deny(core.StageTrial, core.ReasonTrialHighCostCall).
			withDetail("max_cost_per_call", cap), nil
	}
	return nil, nil
}

// --- Gate 4: trial daily caps ---

// TrialCapGate enforces the per-caller daily task and token caps over the
// UTC calendar day containing server time.
type TrialCapGate struct {
	Ledger ledger.Ledger
	Now    func() time.Time
}

func (TrialCapGate) Name() string { return "trial_daily_cap" }

func (g TrialCapGate) Evaluate(ctx context.Context, req *Request) (*Decision, error) {
	inv := req.Inv
	if !inv.TrialMode {
		return nil, nil
	}

	now := g.Now().UTC()
	filter := ledger.Filter{
		CallerID:   inv.CallerID,
		EventTypes: []core.EventType{core.EventSkillExecution},
		Since:      ledger.BucketStart(now, ledger.BucketDay),
		Until:      ledger.NextBucketStart(now, ledger.BucketDay),
	}
	rows, err := g.Ledger.Aggregate(ctx, filter, ledger.BucketDay)
	if err != nil {
		return nil, fmt.Errorf("trial cap aggregate: %w", err)
	}

	var tasks, tokens int64
	if len(rows) > 0 {
		tasks = rows[0].Events
		tokens = rows[0].TokensIn + rows[0].TokensOut
	}

	if cap := req.Plan.TrialDailyTasksCap; cap > 0 && tasks >= cap {
		return deny(core.StageTrial, core.ReasonTrialDailyCap).
			withDetail("daily_tasks_cap", cap), nil
	}
	declared := inv.Declared.TokensIn + inv.Declared.TokensOut
	if cap := req.Plan.TrialDailyTokensCap; cap > 0 && tokens+declared > cap {
		return deny(core.StageTrial, core.ReasonTrialDailyTokenCap).
			withDetail("daily_tokens_cap", cap), nil
	}
	return nil, nil
}

// --- Gate 5: metering requirement ---

// MeteringGate validates the trusted metering envelope when the secret is
// configured, and otherwise insists on non-zero caller metering for
// budgeted plans. On success the attested values override the caller's.
type MeteringGate struct {
	Verifier *metering.Verifier
}

func (MeteringGate) Name() string { return "metering" }

func (g MeteringGate) Evaluate(_ context.Context, req *Request) (*Decision, error) {
	inv := req.Inv
	budgeted := req.Plan.HasMonthlyBudget()

	if g.Verifier.Enabled() {
		// For non-budgeted plans the envelope is optional, but one that is
		// presented must still validate: a spoofed envelope never passes.
		if !budgeted && len(inv.EnvelopeHeaders) == 0 {
			return nil, nil
		}
		attested, envErr := g.Verifier.Verify(inv.EnvelopeHeaders, inv.CorrelationID)
		if envErr != nil {
			return deny(core.StageMetering, envErr.Reason), nil
		}
		inv.Attested = attested
		inv.Annotate("metering:attested")
		return nil, nil
	}

	if budgeted && inv.Declared.IsZero() {
		return deny(core.StageMetering, core.ReasonMeteringRequiredForBudget), nil
	}
	return nil, nil
}

// --- Gate 6: plan budget ---

// BudgetGate enforces the plan's monthly budget over the UTC calendar
// month containing server time.
type BudgetGate struct {
	Ledger ledger.Ledger
	Now    func() time.Time
}

func (BudgetGate) Name() string { return "budget" }

func (g BudgetGate) Evaluate(ctx context.Context, req *Request) (*Decision, error) {
	inv := req.Inv
	if !req.Plan.HasMonthlyBudget() {
		return nil, nil
	}

	now := g.Now().UTC()
	filter := ledger.Filter{
		CustomerID: inv.CustomerID,
		EventTypes: []core.EventType{core.EventSkillExecution, core.EventPublishAction},
		Since:      ledger.BucketStart(now, ledger.BucketMonth),
		Until:      ledger.NextBucketStart(now, ledger.BucketMonth),
	}
	rows, err := g.Ledger.Aggregate(ctx, filter, ledger.BucketMonth)
	if err != nil {
		return nil, fmt.Errorf("budget aggregate: %w", err)
	}

	var spent float64
	if len(rows) > 0 {
		spent = rows[0].CostAmount
	}

	effective := inv.EffectiveMetering().CostAmount
	if spent+effective > req.Plan.MonthlyBudgetAmount {
		resetsAt := ledger.NextBucketStart(now, ledger.BucketMonth)
		return deny(core.StageBudget, core.ReasonMonthlyBudgetExceeded).
			withDetail("window_resets_at", resetsAt.Format(time.RFC3339)).
			withDetail("monthly_budget_amount", req.Plan.MonthlyBudgetAmount), nil
	}

	inv.Annotate("budget:precheck")
	return nil, nil
}
