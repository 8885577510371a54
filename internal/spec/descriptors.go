package spec

import (
	"encoding/json"
	"fmt"
)

// Typed dimension configurations. All required sub-fields of an active
// dimension must be present: partial configuration is a violation.

// SkillConfig binds the agent to a playbook. Autopublish is the opt-in
// spec-level enablement consulted by the approval gate.
type SkillConfig struct {
	PlaybookID  string `json:"playbook_id"`
	Purpose     string `json:"purpose,omitempty"`
	Autopublish bool   `json:"autopublish"`
}

// IndustryConfig selects the industry corpus slice.
type IndustryConfig struct {
	Sector    string `json:"sector"`
	CorpusRef string `json:"corpus_ref,omitempty"`
}

// TeamConfig describes the operating team shape.
type TeamConfig struct {
	Size  int      `json:"size"`
	Roles []string `json:"roles"`
}

// IntegrationsConfig lists outbound publish targets.
type IntegrationsConfig struct {
	Targets []string `json:"targets"`
}

// UIConfig carries presentation settings forwarded to the portal.
type UIConfig struct {
	Theme string `json:"theme"`
}

// LocalizationConfig fixes the locales the agent may answer in.
type LocalizationConfig struct {
	DefaultLocale string   `json:"default_locale"`
	Supported     []string `json:"supported,omitempty"`
}

// TrialConfig marks the agent as trial-scoped.
type TrialConfig struct {
	Enabled bool `json:"enabled"`
}

// BudgetConfig carries spec-level budget hints; authoritative caps live on
// the plan record.
type BudgetConfig struct {
	AlertThresholdPct int `json:"alert_threshold_pct"`
}

// Active dimension instances.

type SkillInstance struct{ Config SkillConfig }
type IndustryInstance struct{ Config IndustryConfig }
type TeamInstance struct{ Config TeamConfig }
type IntegrationsInstance struct{ Config IntegrationsConfig }
type UIInstance struct{ Config UIConfig }
type LocalizationInstance struct{ Config LocalizationConfig }
type TrialInstance struct{ Config TrialConfig }
type BudgetInstance struct{ Config BudgetConfig }

func (SkillInstance) Dimension() DimensionName        { return DimSkill }
func (SkillInstance) IsNull() bool                    { return false }
func (IndustryInstance) Dimension() DimensionName     { return DimIndustry }
func (IndustryInstance) IsNull() bool                 { return false }
func (TeamInstance) Dimension() DimensionName         { return DimTeam }
func (TeamInstance) IsNull() bool                     { return false }
func (IntegrationsInstance) Dimension() DimensionName { return DimIntegrations }
func (IntegrationsInstance) IsNull() bool             { return false }
func (UIInstance) Dimension() DimensionName           { return DimUI }
func (UIInstance) IsNull() bool                       { return false }
func (LocalizationInstance) Dimension() DimensionName { return DimLocalization }
func (LocalizationInstance) IsNull() bool             { return false }
func (TrialInstance) Dimension() DimensionName        { return DimTrial }
func (TrialInstance) IsNull() bool                    { return false }
func (BudgetInstance) Dimension() DimensionName       { return DimBudget }
func (BudgetInstance) IsNull() bool                   { return false }

// Descriptor is one platform-registered dimension: its supported version
// range, a validator and a materialise function.
type Descriptor struct {
	Name DimensionName

	// Version support: exact on major, range on minor, patch ignored.
	Major    int
	MinMinor int
	MaxMinor int

	Validate    func(path string, raw json.RawMessage) []Violation
	Materialise func(raw json.RawMessage) (Instance, error)
}

// fieldKind names the JSON shape a required field must have.
type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindBool
	kindStringList
)

type fieldSpec struct {
	name     string
	kind     fieldKind
	required bool
}

// checkFields validates presence and shape against the declared fields and
// rejects unrecognised keys.
func checkFields(path string, raw json.RawMessage, fields []fieldSpec) []Violation {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []Violation{violationf(path, CodeWrongShape, "configuration must be an object: %v", err)}
	}

	var out []Violation
	known := make(map[string]fieldSpec, len(fields))
	for _, f := range fields {
		known[f.name] = f
		v, ok := doc[f.name]
		if !ok {
			if f.required {
				out = append(out, violationf(path+"/"+f.name, CodeMissingField, "required field %q is missing", f.name))
			}
			continue
		}
		if !shapeOK(v, f.kind) {
			out = append(out, violationf(path+"/"+f.name, CodeWrongShape, "field %q has the wrong shape", f.name))
		}
	}
	for k := range doc {
		if _, ok := known[k]; !ok {
			out = append(out, violationf(path+"/"+k, CodeWrongShape, "unrecognised field %q", k))
		}
	}
	return out
}

func shapeOK(raw json.RawMessage, kind fieldKind) bool {
	switch kind {
	case kindString:
		var s string
		return json.Unmarshal(raw, &s) == nil
	case kindInt:
		var n int64
		return json.Unmarshal(raw, &n) == nil
	case kindBool:
		var b bool
		return json.Unmarshal(raw, &b) == nil
	case kindStringList:
		var l []string
		return json.Unmarshal(raw, &l) == nil
	}
	return false
}

func decodeInto(raw json.RawMessage, dst interface{}) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("materialise dimension config: %w", err)
	}
	return nil
}

// defaultDescriptors registers the platform's dimension set, v1.x across
// the board.
func defaultDescriptors() map[DimensionName]*Descriptor {
	d := map[DimensionName]*Descriptor{
		DimSkill: {
			Name: DimSkill, Major: 1, MinMinor: 0, MaxMinor: 3,
			Validate: func(path string, raw json.RawMessage) []Violation {
				return checkFields(path, raw, []fieldSpec{
					{name: "playbook_id", kind: kindString, required: true},
					{name: "purpose", kind: kindString},
					{name: "autopublish", kind: kindBool},
				})
			},
			Materialise: func(raw json.RawMessage) (Instance, error) {
				var c SkillConfig
				if err := decodeInto(raw, &c); err != nil {
					return nil, err
				}
				return SkillInstance{Config: c}, nil
			},
		},
		DimIndustry: {
			Name: DimIndustry, Major: 1, MinMinor: 0, MaxMinor: 2,
			Validate: func(path string, raw json.RawMessage) []Violation {
				return checkFields(path, raw, []fieldSpec{
					{name: "sector", kind: kindString, required: true},
					{name: "corpus_ref", kind: kindString},
				})
			},
			Materialise: func(raw json.RawMessage) (Instance, error) {
				var c IndustryConfig
				if err := decodeInto(raw, &c); err != nil {
					return nil, err
				}
				return IndustryInstance{Config: c}, nil
			},
		},
		DimTeam: {
			Name: DimTeam, Major: 1, MinMinor: 0, MaxMinor: 1,
			Validate: func(path string, raw json.RawMessage) []Violation {
				return checkFields(path, raw, []fieldSpec{
					{name: "size", kind: kindInt, required: true},
					{name: "roles", kind: kindStringList, required: true},
				})
			},
			Materialise: func(raw json.RawMessage) (Instance, error) {
				var c TeamConfig
				if err := decodeInto(raw, &c); err != nil {
					return nil, err
				}
				return TeamInstance{Config: c}, nil
			},
		},
		DimIntegrations: {
			Name: DimIntegrations, Major: 1, MinMinor: 0, MaxMinor: 2,
			Validate: func(path string, raw json.RawMessage) []Violation {
				return checkFields(path, raw, []fieldSpec{
					{name: "targets", kind: kindStringList, required: true},
				})
			},
			Materialise: func(raw json.RawMessage) (Instance, error) {
				var c IntegrationsConfig
				if err := decodeInto(raw, &c); err != nil {
					return nil, err
				}
				return IntegrationsInstance{Config: c}, nil
			},
		},
		DimUI: {
			Name: DimUI, Major: 1, MinMinor: 0, MaxMinor: 4,
			Validate: func(path string, raw json.RawMessage) []Violation {
				return checkFields(path, raw, []fieldSpec{
					{name: "theme", kind: kindString, required: true},
				})
			},
			Materialise: func(raw json.RawMessage) (Instance, error) {
				var c UIConfig
				if err := decodeInto(raw, &c); err != nil {
					return nil, err
				}
				return UIInstance{Config: c}, nil
			},
		},
		DimLocalization: {
			Name: DimLocalization, Major: 1, MinMinor: 0, MaxMinor: 1,
			Validate: func(path string, raw json.RawMessage) []Violation {
				return checkFields(path, raw, []fieldSpec{
					{name: "default_locale", kind: kindString, required: true},
					{name: "supported", kind: kindStringList},
				})
			},
			Materialise: func(raw json.RawMessage) (Instance, error) {
				var c LocalizationConfig
				if err := decodeInto(raw, &c); err != nil {
					return nil, err
				}
				return LocalizationInstance{Config: c}, nil
			},
		},
		DimTrial: {
			Name: DimTrial, Major: 1, MinMinor: 0, MaxMinor: 0,
			Validate: func(path string, raw json.RawMessage) []Violation {
				return checkFields(path, raw, []fieldSpec{
					{name: "enabled", kind: kindBool, required: true},
				})
			},
			Materialise: func(raw json.RawMessage) (Instance, error) {
				var c TrialConfig
				if err := decodeInto(raw, &c); err != nil {
					return nil, err
				}
				return TrialInstance{Config: c}, nil
			},
		},
		DimBudget: {
			Name: DimBudget, Major: 1, MinMinor: 0, MaxMinor: 1,
			Validate: func(path string, raw json.RawMessage) []Violation {
				return checkFields(path, raw, []fieldSpec{
					{name: "alert_threshold_pct", kind: kindInt, required: true},
				})
			},
			Materialise: func(raw json.RawMessage) (Instance, error) {
				var c BudgetConfig
				if err := decodeInto(raw, &c); err != nil {
					return nil, err
				}
				return BudgetInstance{Config: c}, nil
			},
		},
	}
	return d
}

// recognisedByType fixes which dimensions each spec type carries. Tutor
// agents have no outbound integrations surface.
func recognisedByType() map[SpecType][]DimensionName {
	return map[SpecType][]DimensionName{
		TypeMarketing: {
			DimSkill, DimIndustry, DimTeam, DimIntegrations,
			DimUI, DimLocalization, DimTrial, DimBudget,
		},
		TypeTutor: {
			DimSkill, DimIndustry, DimTeam,
			DimUI, DimLocalization, DimTrial, DimBudget,
		},
	}
}
