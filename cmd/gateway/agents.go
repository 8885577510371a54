package main

import (
	"encoding/json"

	"github.com/skillgate/gateway/internal/spec"
)

func dim(version, config string) *spec.DimensionSpec {
	return &spec.DimensionSpec{Version: version, Config: json.RawMessage(config)}
}

// marketingAgentSpec is the built-in marketing reference agent. Every
// recognised dimension is present; the ones this agent does not use carry
// the explicit null sentinel.
func marketingAgentSpec() *spec.AgentSpec {
	return &spec.AgentSpec{
		ID:      "marketing/v1",
		Type:    spec.TypeMarketing,
		Version: "1.0",
		Dimensions: map[spec.DimensionName]*spec.DimensionSpec{
			spec.DimSkill:        dim("1.2", `{"playbook_id":"marketing-draft-v1","purpose":"campaign drafting","autopublish":false}`),
			spec.DimIndustry:     dim("1.0", `{"sector":"saas"}`),
			spec.DimTeam:         dim("1.0", `{"size":3,"roles":["copywriter","reviewer","owner"]}`),
			spec.DimIntegrations: dim("1.1", `{"targets":["cms","newsletter"]}`),
			spec.DimUI:           dim("1.0", `{"theme":"light"}`),
			spec.DimLocalization: dim("1.0", `{"default_locale":"en-US","supported":["en-US","de-DE"]}`),
			spec.DimTrial:        dim("1.0", `{"enabled":true}`),
			spec.DimBudget:       dim("1.0", `{"alert_threshold_pct":80}`),
		},
	}
}

// tutorAgentSpec is the built-in tutoring reference agent. The tutor type
// does not recognise integrations; ui and budget are explicitly null.
func tutorAgentSpec() *spec.AgentSpec {
	return &spec.AgentSpec{
		ID:      "tutor/v1",
		Type:    spec.TypeTutor,
		Version: "1.0",
		Dimensions: map[spec.DimensionName]*spec.DimensionSpec{
			spec.DimSkill:        dim("1.0", `{"playbook_id":"tutor-lesson-v1","purpose":"lesson planning","autopublish":false}`),
			spec.DimIndustry:     dim("1.0", `{"sector":"education"}`),
			spec.DimTeam:         dim("1.0", `{"size":1,"roles":["tutor"]}`),
			spec.DimUI:           nil,
			spec.DimLocalization: dim("1.0", `{"default_locale":"en-US"}`),
			spec.DimTrial:        dim("1.0", `{"enabled":true}`),
			spec.DimBudget:       nil,
		},
	}
}
