package gates

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillgate/gateway/internal/audit"
	"github.com/skillgate/gateway/internal/core"
	"github.com/skillgate/gateway/internal/ledger"
	"github.com/skillgate/gateway/internal/metering"
	"github.com/skillgate/gateway/internal/spec"
)

var testNow = time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	ledger *ledger.MemoryLedger
	audit  *audit.Log
	chain  *Chain
}

func newFixture(t *testing.T, verifier *metering.Verifier) *fixture {
	t.Helper()
	if verifier == nil {
		verifier = metering.NewVerifier("", 0)
	}
	auditLog, err := audit.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	lg := ledger.NewMemoryLedger()
	chain := NewChain(lg, auditLog, verifier, nil)
	chain.Now = func() time.Time { return testNow }
	for i, g := range chain.Gates {
		switch tg := g.(type) {
		case TrialCapGate:
			tg.Now = chain.Now
			chain.Gates[i] = tg
		case BudgetGate:
			tg.Now = chain.Now
			chain.Gates[i] = tg
		}
	}
	return &fixture{ledger: lg, audit: auditLog, chain: chain}
}

func autopublishBundle(t *testing.T, autopublish bool) *spec.Bundle {
	t.Helper()
	cfg := `{"playbook_id":"marketing-draft-v1","autopublish":` + strconv.FormatBool(autopublish) + `}`
	bundle, violations := spec.NewRegistry().Compile(&spec.AgentSpec{
		ID:      "marketing/v1",
		Type:    spec.TypeMarketing,
		Version: "1.0",
		Dimensions: map[spec.DimensionName]*spec.DimensionSpec{
			spec.DimSkill:        {Version: "1.0", Config: []byte(cfg)},
			spec.DimIndustry:     nil,
			spec.DimTeam:         nil,
			spec.DimIntegrations: nil,
			spec.DimUI:           nil,
			spec.DimLocalization: nil,
			spec.DimTrial:        nil,
			spec.DimBudget:       nil,
		},
	})
	require.Empty(t, violations)
	return bundle
}

func invocation() *core.Invocation {
	return &core.Invocation{
		CorrelationID: "corr-1",
		CallerID:      "alice",
		CustomerID:    "cust-a",
		PlanID:        "standard",
		AgentID:       "marketing/v1",
		SkillID:       "draft",
		ReceivedAt:    testNow,
	}
}

func run(t *testing.T, f *fixture, inv *core.Invocation, bundle *spec.Bundle, plan *core.Plan) *Decision {
	t.Helper()
	d, err := f.chain.Run(context.Background(), &Request{Inv: inv, Bundle: bundle, Plan: plan})
	require.NoError(t, err)
	return d
}

// --- Individual deny paths ---

func TestChain_IntentActionRequired(t *testing.T) {
	f := newFixture(t, nil)
	inv := invocation()
	inv.DoPublish = true

	d := run(t, f, inv, autopublishBundle(t, false), &core.Plan{PlanID: "p"})
	require.NotNil(t, d)
	assert.Equal(t, core.ReasonIntentActionRequired, d.ReasonCode)
	assert.Equal(t, core.StageOther, d.Stage)
}

func TestChain_ApprovalRequired(t *testing.T) {
	f := newFixture(t, nil)
	inv := invocation()
	inv.IntentAction = "publish"
	inv.DoPublish = true

	d := run(t, f, inv, autopublishBundle(t, false), &core.Plan{PlanID: "p", AllowAutopublish: true})
	require.NotNil(t, d)
	assert.Equal(t, core.ReasonApprovalRequired, d.ReasonCode)
	assert.Equal(t, core.StageApproval, d.Stage)

	// Exactly one audit record for the denial.
	records := f.audit.List(audit.Filter{CorrelationID: "corr-1"})
	require.Len(t, records, 1)
	assert.Equal(t, core.StageApproval, records[0].Stage)
	assert.Equal(t, "publish", records[0].Action)
}

func TestChain_ApprovalIDAllows(t *testing.T) {
	f := newFixture(t, nil)
	inv := invocation()
	inv.IntentAction = "publish"
	inv.DoPublish = true
	inv.ApprovalID = "A-1"

	d := run(t, f, inv, autopublishBundle(t, false), &core.Plan{PlanID: "p"})
	assert.Nil(t, d)
	assert.Contains(t, inv.Annotations, "approval:A-1")
	assert.Empty(t, f.audit.List(audit.Filter{CorrelationID: "corr-1"}))
}

func TestChain_AutopublishNeedsSpecAndPlan(t *testing.T) {
	plan := func(allow bool) *core.Plan { return &core.Plan{PlanID: "p", AllowAutopublish: allow} }

	t.Run("spec and plan agree", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := invocation()
		inv.IntentAction = "publish"
		inv.DoPublish = true
		d := run(t, f, inv, autopublishBundle(t, true), plan(true))
		assert.Nil(t, d)
		assert.Contains(t, inv.Annotations, "autopublish")
	})

	t.Run("plan refuses", func(t *testing.T) {
		f := newFixture(t, nil)
		inv := invocation()
		inv.IntentAction = "publish"
		inv.DoPublish = true
		d := run(t, f, inv, autopublishBundle(t, true), plan(false))
		require.NotNil(t, d)
		assert.Equal(t, core.ReasonAutopublishNotAllowed, d.ReasonCode)
	})
}

func TestChain_TrialBlocksWritesEvenWithApproval(t *testing.T) {
	f := newFixture(t, nil)
	inv := invocation()
	inv.TrialMode = true
	inv.IntentAction = "publish"
	inv.DoPublish = true
	inv.ApprovalID = "A-1"

	d := run(t, f, inv, autopublishBundle(t, false), &core.Plan{PlanID: "trial"})
	require.NotNil(t, d)
	assert.Equal(t, core.ReasonTrialProductionWrite, d.ReasonCode)
	assert.Equal(t, core.StageTrial, d.Stage)
}

func TestChain_TrialHighCostCall(t *testing.T) {
	f := newFixture(t, nil)
	inv := invocation()
	inv.TrialMode = true
	inv.Declared.CostAmount = 0.51

	plan := &core.Plan{PlanID: "trial", TrialMaxCostPerCall: 0.50}
	d := run(t, f, inv, autopublishBundle(t, false), plan)
	require.NotNil(t, d)
	assert.Equal(t, core.ReasonTrialHighCostCall, d.ReasonCode)

	// Exactly at the cap is allowed.
	f2 := newFixture(t, nil)
	inv2 := invocation()
	inv2.TrialMode = true
	inv2.Declared.CostAmount = 0.50
	assert.Nil(t, run(t, f2, inv2, autopublishBundle(t, false), plan))
}

func seedDayEvents(t *testing.T, lg ledger.Ledger, caller string, n int, tokensEach int64) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := lg.Append(context.Background(), &core.UsageEvent{
			EventType:  core.EventSkillExecution,
			CallerID:   caller,
			CustomerID: "cust-a",
			TokensIn:   tokensEach / 2,
			TokensOut:  tokensEach / 2,
			Timestamp:  testNow.Add(-time.Hour),
		})
		require.NoError(t, err)
	}
}

func TestChain_TrialDailyTasksCap(t *testing.T) {
	f := newFixture(t, nil)
	plan := &core.Plan{PlanID: "trial", TrialDailyTasksCap: 3}

	seedDayEvents(t, f.ledger, "alice", 2, 0)
	inv := invocation()
	inv.TrialMode = true
	assert.Nil(t, run(t, f, inv, autopublishBundle(t, false), plan), "below cap allows")

	seedDayEvents(t, f.ledger, "alice", 1, 0)
	inv2 := invocation()
	inv2.TrialMode = true
	d := run(t, f, inv2, autopublishBundle(t, false), plan)
	require.NotNil(t, d, "at cap denies")
	assert.Equal(t, core.ReasonTrialDailyCap, d.ReasonCode)
}

func TestChain_TrialDailyTokenCap(t *testing.T) {
	f := newFixture(t, nil)
	plan := &core.Plan{PlanID: "trial", TrialDailyTokensCap: 1000}
	seedDayEvents(t, f.ledger, "alice", 1, 900)

	// 900 + 100 == cap: adding this request does not exceed, allowed.
	inv := invocation()
	inv.TrialMode = true
	inv.Declared.TokensIn = 50
	inv.Declared.TokensOut = 50
	assert.Nil(t, run(t, f, inv, autopublishBundle(t, false), plan))

	// 900 + 101 > cap: denied. Yesterday's usage is outside the window.
	inv2 := invocation()
	inv2.TrialMode = true
	inv2.Declared.TokensIn = 51
	inv2.Declared.TokensOut = 50
	d := run(t, f, inv2, autopublishBundle(t, false), plan)
	require.NotNil(t, d)
	assert.Equal(t, core.ReasonTrialDailyTokenCap, d.ReasonCode)
}

func TestChain_TrialCapIgnoresOtherCallersAndDays(t *testing.T) {
	f := newFixture(t, nil)
	plan := &core.Plan{PlanID: "trial", TrialDailyTasksCap: 2}

	seedDayEvents(t, f.ledger, "bob", 5, 0)
	_, err := f.ledger.Append(context.Background(), &core.UsageEvent{
		EventType: core.EventSkillExecution,
		CallerID:  "alice",
		Timestamp: testNow.AddDate(0, 0, -1), // previous UTC day
	})
	require.NoError(t, err)

	inv := invocation()
	inv.TrialMode = true
	assert.Nil(t, run(t, f, inv, autopublishBundle(t, false), plan))
}

func TestChain_MeteringRequiredForBudget(t *testing.T) {
	f := newFixture(t, nil) // no secret configured
	plan := &core.Plan{PlanID: "standard", MonthlyBudgetAmount: 100}

	inv := invocation()
	d := run(t, f, inv, autopublishBundle(t, false), plan)
	require.NotNil(t, d)
	assert.Equal(t, core.ReasonMeteringRequiredForBudget, d.ReasonCode)
	assert.Equal(t, core.StageMetering, d.Stage)

	inv2 := invocation()
	inv2.Declared = core.Metering{TokensIn: 10, TokensOut: 5, Model: "m", CostAmount: 0.01}
	assert.Nil(t, run(t, f, inv2, autopublishBundle(t, false), plan))
}

func TestChain_EnvelopeRequiredWhenSecretConfigured(t *testing.T) {
	verifier := metering.NewVerifier("secret", 300*time.Second)
	verifier.SetClock(func() time.Time { return testNow })
	f := newFixture(t, verifier)
	plan := &core.Plan{PlanID: "standard", MonthlyBudgetAmount: 100}

	inv := invocation()
	inv.Declared = core.Metering{CostAmount: 0.01, Model: "m"}
	d := run(t, f, inv, autopublishBundle(t, false), plan)
	require.NotNil(t, d)
	assert.Equal(t, core.ReasonMeteringEnvelopeRequired, d.ReasonCode)
}

func TestChain_AttestedOverridesDeclared(t *testing.T) {
	verifier := metering.NewVerifier("secret", 300*time.Second)
	verifier.SetClock(func() time.Time { return testNow })
	f := newFixture(t, verifier)
	plan := &core.Plan{PlanID: "standard", MonthlyBudgetAmount: 100}

	ts := strconv.FormatInt(testNow.Unix(), 10)
	payload := metering.CanonicalPayload(ts, "corr-1", 100, 40, "gpt-x", false, 0.05)
	inv := invocation()
	inv.Declared = core.Metering{CostAmount: 0}
	inv.EnvelopeHeaders = map[string]string{
		metering.HeaderTimestamp: ts,
		metering.HeaderTokensIn:  "100",
		metering.HeaderTokensOut: "40",
		metering.HeaderModel:     "gpt-x",
		metering.HeaderCacheHit:  "false",
		metering.HeaderCost:      metering.FormatCost(0.05),
		metering.HeaderSignature: verifier.Sign(payload),
	}

	d := run(t, f, inv, autopublishBundle(t, false), plan)
	assert.Nil(t, d)
	require.NotNil(t, inv.Attested)
	assert.InDelta(t, 0.05, inv.EffectiveMetering().CostAmount, 1e-9)
}

func TestChain_BudgetExceeded(t *testing.T) {
	f := newFixture(t, nil)
	plan := &core.Plan{PlanID: "standard", MonthlyBudgetAmount: 10.00}

	// Prior spend this month: 9.99.
	_, err := f.ledger.Append(context.Background(), &core.UsageEvent{
		EventType:  core.EventSkillExecution,
		CustomerID: "cust-a",
		CostAmount: 9.99,
		Timestamp:  testNow.AddDate(0, 0, -3),
	})
	require.NoError(t, err)

	inv := invocation()
	inv.Declared = core.Metering{Model: "m", CostAmount: 0.02}
	d := run(t, f, inv, autopublishBundle(t, false), plan)
	require.NotNil(t, d)
	assert.Equal(t, core.ReasonMonthlyBudgetExceeded, d.ReasonCode)
	assert.Equal(t, core.StageBudget, d.Stage)

	resetsAt, ok := d.Details["window_resets_at"].(string)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339), resetsAt)
}

func TestChain_BudgetExactlyAtLimitAllows(t *testing.T) {
	f := newFixture(t, nil)
	plan := &core.Plan{PlanID: "standard", MonthlyBudgetAmount: 10.00}

	_, err := f.ledger.Append(context.Background(), &core.UsageEvent{
		EventType:  core.EventSkillExecution,
		CustomerID: "cust-a",
		CostAmount: 9.50,
		Timestamp:  testNow.Add(-time.Hour),
	})
	require.NoError(t, err)

	inv := invocation()
	inv.Declared = core.Metering{Model: "m", CostAmount: 0.50}
	assert.Nil(t, run(t, f, inv, autopublishBundle(t, false), plan))
}

func TestChain_BudgetIgnoresLastMonth(t *testing.T) {
	f := newFixture(t, nil)
	plan := &core.Plan{PlanID: "standard", MonthlyBudgetAmount: 10.00}

	_, err := f.ledger.Append(context.Background(), &core.UsageEvent{
		EventType:  core.EventSkillExecution,
		CustomerID: "cust-a",
		CostAmount: 999.0,
		Timestamp:  testNow.AddDate(0, -1, 0),
	})
	require.NoError(t, err)

	inv := invocation()
	inv.Declared = core.Metering{Model: "m", CostAmount: 0.01}
	assert.Nil(t, run(t, f, inv, autopublishBundle(t, false), plan))
}

// --- Chain bookkeeping ---

func TestChain_DenialWritesLedgerEvent(t *testing.T) {
	f := newFixture(t, nil)
	inv := invocation()
	inv.IntentAction = "publish"
	inv.DoPublish = true

	d := run(t, f, inv, autopublishBundle(t, false), &core.Plan{PlanID: "p"})
	require.NotNil(t, d)

	events, err := f.ledger.Query(context.Background(), ledger.Filter{
		EventTypes: []core.EventType{core.EventDenial},
	}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(core.ReasonApprovalRequired), events[0].Purpose)
}

func TestChain_AllowRecordsBudgetPrecheck(t *testing.T) {
	f := newFixture(t, nil)
	plan := &core.Plan{PlanID: "standard", MonthlyBudgetAmount: 100}

	inv := invocation()
	inv.Declared = core.Metering{Model: "m", CostAmount: 0.25}
	require.Nil(t, run(t, f, inv, autopublishBundle(t, false), plan))

	events, err := f.ledger.Query(context.Background(), ledger.Filter{
		EventTypes: []core.EventType{core.EventBudgetPrecheck},
	}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.InDelta(t, 0.25, events[0].CostAmount, 1e-9)
}

func TestChain_ReadOnlyRequestSkipsAllGates(t *testing.T) {
	f := newFixture(t, nil)
	inv := invocation() // no intent, no publish, no trial, plan unbudgeted

	assert.Nil(t, run(t, f, inv, autopublishBundle(t, false), &core.Plan{PlanID: "p"}))
	assert.Empty(t, f.audit.List(audit.Filter{}))
}
