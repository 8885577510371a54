package gates

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skillgate/gateway/internal/audit"
	"github.com/skillgate/gateway/internal/core"
	"github.com/skillgate/gateway/internal/ledger"
	"github.com/skillgate/gateway/internal/metering"
	"github.com/skillgate/gateway/internal/metrics"
)

// Chain runs the gates in their fixed order and short-circuits on the
// first denial. Every denial appends exactly one audit record before the
// decision is returned; if that append fails the request fails closed.
type Chain struct {
	Gates   []Gate
	Audit   *audit.Log
	Ledger  ledger.Ledger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// NewChain wires the standard gate order. Reordering the gates changes
// which reason code a multiply-failing request reports, so the order is
// fixed here and nowhere else.
func NewChain(lg ledger.Ledger, auditLog *audit.Log, verifier *metering.Verifier, m *metrics.Metrics) *Chain {
	now := time.Now
	return &Chain{
		Gates: []Gate{
			IntentGate{},
			ApprovalGate{},
			TrialGate{},
			TrialCapGate{Ledger: lg, Now: now},
			MeteringGate{Verifier: verifier},
			BudgetGate{Ledger: lg, Now: now},
		},
		Audit:   auditLog,
		Ledger:  lg,
		Metrics: m,
		Now:     now,
	}
}

// Run evaluates the chain for one invocation. A nil Decision with a nil
// error means every gate allowed the request.
func (c *Chain) Run(ctx context.Context, req *Request) (*Decision, error) {
	for _, gate := range c.Gates {
		started := c.Now()
		decision, err := gate.Evaluate(ctx, req)
		if c.Metrics != nil {
			c.Metrics.GateDuration.WithLabelValues(gate.Name()).Observe(c.Now().Sub(started).Seconds())
		}
		if err != nil {
			return nil, fmt.Errorf("gate %s: %w", gate.Name(), err)
		}
		if decision == nil {
			continue
		}

		if err := c.recordDenial(ctx, req.Inv, decision); err != nil {
			return nil, fmt.Errorf("gate %s: audit denial: %w", gate.Name(), err)
		}
		if c.Metrics != nil {
			c.Metrics.DenialsTotal.WithLabelValues(string(decision.Stage), string(decision.ReasonCode)).Inc()
		}
		slog.Info("gate denied request",
			"gate", gate.Name(),
			"correlation_id", req.Inv.CorrelationID,
			"reason_code", decision.ReasonCode)
		return decision, nil
	}

	c.recordPrecheck(ctx, req)
	return nil, nil
}

// recordDenial writes the audit record for a deny and, best effort, a
// denial event to the usage ledger. The audit append is the one that must
// succeed for the decision to stand.
func (c *Chain) recordDenial(ctx context.Context, inv *core.Invocation, d *Decision) error {
	action := inv.IntentAction
	if action == "" {
		action = "execute"
	}
	rec := &audit.Record{
		CorrelationID: inv.CorrelationID,
		CallerID:      inv.CallerID,
		CustomerID:    inv.CustomerID,
		AgentID:       inv.AgentID,
		Stage:         d.Stage,
		Action:        action,
		ReasonCode:    d.ReasonCode,
		Details:       stringifyDetails(d.Details),
		Path:          fmt.Sprintf("/api/v1/agents/%s/skills/%s:execute", inv.AgentID, inv.SkillID),
		Timestamp:     c.Now().UTC(),
	}
	if err := c.Audit.Append(ctx, rec); err != nil {
		return err
	}

	if c.Ledger != nil {
		now := c.Now().UTC()
		_, err := c.Ledger.Append(ctx, &core.UsageEvent{
			EventID:       ledger.NewEventID(now),
			EventType:     core.EventDenial,
			CorrelationID: inv.CorrelationID,
			CallerID:      inv.CallerID,
			CustomerID:    inv.CustomerID,
			AgentID:       inv.AgentID,
			Purpose:       string(d.ReasonCode),
			Timestamp:     now,
		})
		if err != nil {
			slog.Warn("denial ledger append failed", "correlation_id", inv.CorrelationID, "error", err)
		}
	}
	return nil
}

// recordPrecheck notes that a budgeted request cleared the chain. Purely
// informational, so failures only log.
func (c *Chain) recordPrecheck(ctx context.Context, req *Request) {
	if c.Ledger == nil || !req.Plan.HasMonthlyBudget() {
		return
	}
	inv := req.Inv
	m := inv.EffectiveMetering()
	now := c.Now().UTC()
	_, err := c.Ledger.Append(ctx, &core.UsageEvent{
		EventID:       ledger.NewEventID(now),
		EventType:     core.EventBudgetPrecheck,
		CorrelationID: inv.CorrelationID,
		CallerID:      inv.CallerID,
		CustomerID:    inv.CustomerID,
		AgentID:       inv.AgentID,
		Model:         m.Model,
		CacheHit:      m.CacheHit,
		TokensIn:      m.TokensIn,
		TokensOut:     m.TokensOut,
		CostAmount:    m.CostAmount,
		Timestamp:     now,
	})
	if err != nil {
		slog.Warn("budget precheck append failed", "correlation_id", inv.CorrelationID, "error", err)
	}
}

func stringifyDetails(details map[string]interface{}) map[string]string {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]string, len(details))
	for k, v := range details {
		out[k] = fmt.Sprint(v)
	}
	return out
}
