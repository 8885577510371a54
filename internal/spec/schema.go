package spec

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var schemaOnce struct {
	sync.Once
	doc      json.RawMessage
	compiled *jsonschema.Schema
	err      error
}

// Schema emits the stable machine-readable JSON Schema for the AgentSpec
// shape, for external validation.
func (r *Registry) Schema() json.RawMessage {
	r.buildSchema()
	return schemaOnce.doc
}

func (r *Registry) buildSchema() {
	schemaOnce.Do(func() {
		dimensionSchema := func(required []string, properties map[string]interface{}) map[string]interface{} {
			return map[string]interface{}{
				"oneOf": []interface{}{
					map[string]interface{}{"type": "null"},
					map[string]interface{}{
						"type":                 "object",
						"required":             []string{"version", "config"},
						"additionalProperties": false,
						"properties": map[string]interface{}{
							"version": map[string]interface{}{"type": "string"},
							"config": map[string]interface{}{
								"type":                 "object",
								"required":             required,
								"additionalProperties": false,
								"properties":           properties,
							},
						},
					},
				},
			}
		}

		str := map[string]interface{}{"type": "string"}
		boolean := map[string]interface{}{"type": "boolean"}
		integer := map[string]interface{}{"type": "integer"}
		strList := map[string]interface{}{"type": "array", "items": str}

		dims := map[string]interface{}{
			string(DimSkill): dimensionSchema([]string{"playbook_id"}, map[string]interface{}{
				"playbook_id": str, "purpose": str, "autopublish": boolean,
			}),
			string(DimIndustry): dimensionSchema([]string{"sector"}, map[string]interface{}{
				"sector": str, "corpus_ref": str,
			}),
			string(DimTeam): dimensionSchema([]string{"size", "roles"}, map[string]interface{}{
				"size": integer, "roles": strList,
			}),
			string(DimIntegrations): dimensionSchema([]string{"targets"}, map[string]interface{}{
				"targets": strList,
			}),
			string(DimUI): dimensionSchema([]string{"theme"}, map[string]interface{}{
				"theme": str,
			}),
			string(DimLocalization): dimensionSchema([]string{"default_locale"}, map[string]interface{}{
				"default_locale": str, "supported": strList,
			}),
			string(DimTrial): dimensionSchema([]string{"enabled"}, map[string]interface{}{
				"enabled": boolean,
			}),
			string(DimBudget): dimensionSchema([]string{"alert_threshold_pct"}, map[string]interface{}{
				"alert_threshold_pct": integer,
			}),
		}

		root := map[string]interface{}{
			"$schema":              "https://json-schema.org/draft/2020-12/schema",
			"$id":                  "https://skillgate.dev/schemas/agent-spec.json",
			"title":                "AgentSpec",
			"type":                 "object",
			"required":             []string{"id", "type", "version", "dimensions"},
			"additionalProperties": false,
			"properties": map[string]interface{}{
				"id":      str,
				"type":    map[string]interface{}{"enum": []interface{}{string(TypeMarketing), string(TypeTutor)}},
				"version": map[string]interface{}{"type": "string", "pattern": `^\d+\.\d+(\.\d+)?$`},
				"dimensions": map[string]interface{}{
					"type":                 "object",
					"additionalProperties": false,
					"properties":           dims,
				},
			},
		}

		doc, err := json.MarshalIndent(root, "", "  ")
		if err != nil {
			schemaOnce.err = fmt.Errorf("render spec schema: %w", err)
			return
		}
		schemaOnce.doc = doc

		var schemaDoc interface{}
		if err := json.Unmarshal(doc, &schemaDoc); err != nil {
			schemaOnce.err = fmt.Errorf("reload spec schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("agent-spec.json", schemaDoc); err != nil {
			schemaOnce.err = fmt.Errorf("add spec schema resource: %w", err)
			return
		}
		schemaOnce.compiled, schemaOnce.err = c.Compile("agent-spec.json")
	})
}

// ValidateDocument checks a raw spec document against the JSON Schema
// before typed validation. Used by the preflight endpoint.
func (r *Registry) ValidateDocument(raw []byte) []Violation {
	r.buildSchema()
	if schemaOnce.err != nil {
		return []Violation{violationf("/", CodeSchema, "schema unavailable: %v", schemaOnce.err)}
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []Violation{violationf("/", CodeSchema, "document is not valid JSON: %v", err)}
	}

	err := schemaOnce.compiled.Validate(doc)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Violation{violationf("/", CodeSchema, "%v", err)}
	}
	return schemaViolations(ve)
}

func schemaViolations(ve *jsonschema.ValidationError) []Violation {
	printer := message.NewPrinter(language.English)

	var out []Violation
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, Violation{
				Path:    "/" + strings.Join(e.InstanceLocation, "/"),
				Code:    CodeSchema,
				Message: e.ErrorKind.LocalizedString(printer),
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
