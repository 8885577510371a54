package api

import (
	"encoding/json"
	"net/http"

	"github.com/skillgate/gateway/internal/core"
)

// writeProblem renders the uniform structured error body. Status follows
// from the reason code.
func writeProblem(w http.ResponseWriter, correlationID string, reason core.ReasonCode, title string, details map[string]interface{}) {
	writeProblemStatus(w, core.StatusFor(reason), correlationID, reason, title, details)
}

func writeProblemStatus(w http.ResponseWriter, status int, correlationID string, reason core.ReasonCode, title string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(core.Problem{
		Title:         title,
		ReasonCode:    reason,
		Details:       details,
		CorrelationID: correlationID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
