// Package pricing imputes a cost amount from declared token counts when
// the caller supplies tokens but no cost, using the MODEL_PRICING_JSON
// table. The table is read-only after startup.
package pricing

import (
	"encoding/json"
	"fmt"
)

// ModelRate prices one model per single token.
type ModelRate struct {
	InputPerToken  float64 `json:"input_per_token"`
	OutputPerToken float64 `json:"output_per_token"`
}

// Table maps model name to its rate.
type Table struct {
	rates map[string]ModelRate
}

// ParseTable decodes a MODEL_PRICING_JSON document. An empty document
// yields an empty table: imputation is simply unavailable.
func ParseTable(raw string) (*Table, error) {
	t := &Table{rates: make(map[string]ModelRate)}
	if raw == "" {
		return t, nil
	}
	if err := json.Unmarshal([]byte(raw), &t.rates); err != nil {
		return nil, fmt.Errorf("parse MODEL_PRICING_JSON: %w", err)
	}
	return t, nil
}

// Impute returns the cost of the token counts under the model's rate, or
// false when the model is not priced.
func (t *Table) Impute(model string, tokensIn, tokensOut int64) (float64, bool) {
	rate, ok := t.rates[model]
	if !ok {
		return 0, false
	}
	return float64(tokensIn)*rate.InputPerToken + float64(tokensOut)*rate.OutputPerToken, true
}
