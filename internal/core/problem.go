package core

import "net/http"

// ReasonCode is the normative catalogue of policy and infrastructure
// denial codes returned to callers and written to the audit log.
type ReasonCode string

const (
	ReasonIntentActionRequired      ReasonCode = "intent_action_required"
	ReasonApprovalRequired          ReasonCode = "approval_required"
	ReasonAutopublishNotAllowed     ReasonCode = "autopublish_not_allowed"
	ReasonUnknownReferenceAgent     ReasonCode = "unknown_reference_agent"
	ReasonTrialProductionWrite      ReasonCode = "trial_production_write_blocked"
	ReasonTrialDailyCap             ReasonCode = "trial_daily_cap"
	ReasonTrialDailyTokenCap        ReasonCode = "trial_daily_token_cap"
	ReasonTrialHighCostCall         ReasonCode = "trial_high_cost_call"
	ReasonMeteringRequiredForBudget ReasonCode = "metering_required_for_budget"
	ReasonMonthlyBudgetExceeded     ReasonCode = "monthly_budget_exceeded"
	ReasonMeteringEnvelopeRequired  ReasonCode = "metering_envelope_required"
	ReasonMeteringEnvelopeInvalid   ReasonCode = "metering_envelope_invalid"
	ReasonMeteringEnvelopeExpired   ReasonCode = "metering_envelope_expired"
	ReasonDeadline                  ReasonCode = "deadline"
	ReasonInternal                  ReasonCode = "internal"

	// HTTP-surface codes outside the gate catalogue: spec validation
	// failures and malformed request bodies.
	ReasonSpecInvalid ReasonCode = "spec_invalid"
	ReasonBadRequest  ReasonCode = "bad_request"
)

// Problem is the uniform structured error body for every failure path.
type Problem struct {
	Title         string                 `json:"title"`
	ReasonCode    ReasonCode             `json:"reason_code"`
	Details       map[string]interface{} `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
}

// StatusFor maps a reason code to its HTTP status: 403 for approval-stage
// denials, 429 for trial/budget/metering denials, 408 for deadline and 500
// for infrastructure.
func StatusFor(reason ReasonCode) int {
	switch reason {
	case ReasonIntentActionRequired, ReasonApprovalRequired, ReasonAutopublishNotAllowed:
		return http.StatusForbidden
	case ReasonUnknownReferenceAgent:
		return http.StatusNotFound
	case ReasonTrialProductionWrite, ReasonTrialDailyCap, ReasonTrialDailyTokenCap,
		ReasonTrialHighCostCall, ReasonMeteringRequiredForBudget, ReasonMonthlyBudgetExceeded,
		ReasonMeteringEnvelopeRequired, ReasonMeteringEnvelopeInvalid, ReasonMeteringEnvelopeExpired:
		return http.StatusTooManyRequests
	case ReasonSpecInvalid:
		return http.StatusUnprocessableEntity
	case ReasonBadRequest:
		return http.StatusBadRequest
	case ReasonDeadline:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
