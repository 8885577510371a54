// Package spec implements the AgentSpec compile and validation pipeline:
// dimension descriptors, the null-dimension discipline, version checks and
// the compiled runtime bundle served to the gate chain and the executor.
package spec

import (
	"encoding/json"
	"fmt"
	"time"
)

// SpecType is the closed set of agent types.
type SpecType string

const (
	TypeMarketing SpecType = "marketing"
	TypeTutor     SpecType = "tutor"
)

// DimensionName is the closed set of capability dimensions.
type DimensionName string

const (
	DimSkill        DimensionName = "skill"
	DimIndustry     DimensionName = "industry"
	DimTeam         DimensionName = "team"
	DimIntegrations DimensionName = "integrations"
	DimUI           DimensionName = "ui"
	DimLocalization DimensionName = "localization"
	DimTrial        DimensionName = "trial"
	DimBudget       DimensionName = "budget"
)

// AgentSpec is the immutable declarative blueprint of an agent.
//
// Every dimension recognised for the spec's type must appear in Dimensions:
// either active (version + config) or the explicit null sentinel. A JSON
// null value decodes to a nil *DimensionSpec with the key still present,
// which is how the sentinel is represented in memory.
type AgentSpec struct {
	ID         string                           `json:"id"`
	Type       SpecType                         `json:"type"`
	Version    string                           `json:"version"`
	Dimensions map[DimensionName]*DimensionSpec `json:"dimensions"`
}

// DimensionSpec is the active configuration of one dimension.
type DimensionSpec struct {
	Version string          `json:"version"`
	Config  json.RawMessage `json:"config"`
}

// Violation is one precise compile or validation failure. Violations are
// values, never exceptions for flow control.
type Violation struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Violation codes.
const (
	CodeUnknownDimension = "unknown_dimension"
	CodeMissingDimension = "missing_dimension"
	CodeUnsupportedType  = "unsupported_spec_type"
	CodeVersionOutOfRange = "version_out_of_range"
	CodeMissingField     = "missing_field"
	CodeWrongShape       = "wrong_shape"
	CodeSchema           = "schema"
)

func violationf(path, code, format string, args ...interface{}) Violation {
	return Violation{Path: path, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Instance is the opaque carrier a dimension materialises into; consumed
// by downstream gates and the executor.
type Instance interface {
	Dimension() DimensionName
	IsNull() bool
}

// NullInstance is the first-class null sentinel: the dimension is
// recognised and deliberately inactive, which is distinct from absence.
type NullInstance struct {
	Name DimensionName
}

func (n NullInstance) Dimension() DimensionName { return n.Name }
func (n NullInstance) IsNull() bool             { return true }

// Bundle is the frozen compile output: read-only after creation.
type Bundle struct {
	SpecID      string
	SpecVersion string
	Type        SpecType
	Dimensions  map[DimensionName]Instance
	CompiledAt  time.Time
}

// Autopublish reports whether the spec's skill dimension explicitly
// enables autopublish.
func (b *Bundle) Autopublish() bool {
	inst, ok := b.Dimensions[DimSkill].(SkillInstance)
	return ok && inst.Config.Autopublish
}

// Skill returns the active skill instance, if any.
func (b *Bundle) Skill() (SkillInstance, bool) {
	inst, ok := b.Dimensions[DimSkill].(SkillInstance)
	return inst, ok
}
