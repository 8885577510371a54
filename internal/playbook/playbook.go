// Package playbook holds the loaded, content-addressed agent playbooks and
// the deterministic skill executor. Execution is purely deterministic over
// the declared inputs: same inputs, byte-identical output. Timestamps are
// injected by the runtime and excluded from the content hash.
package playbook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Playbook is one validated skill recipe.
type Playbook struct {
	ID             string   `json:"id"`
	AgentType      string   `json:"agent_type"`
	Skill          string   `json:"skill"`
	RequiredInputs []string `json:"required_inputs"`
	StepTemplate   string   `json:"step_template"`
	Rubric         []string `json:"rubric"`
	ContentHash    string   `json:"content_hash"`
}

// Draft is the deterministic output of one execution.
type Draft struct {
	PlaybookID  string    `json:"playbook_id"`
	Body        string    `json:"body"`
	BodyHash    string    `json:"body_hash"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Registry is the read-only set of playbooks loaded at startup.
type Registry struct {
	byID map[string]*Playbook
}

// NewRegistry loads the built-in playbooks.
func NewRegistry() *Registry {
	r := &Registry{byID: make(map[string]*Playbook)}
	for _, pb := range builtins() {
		pb.ContentHash = contentHash(pb)
		r.byID[pb.ID] = pb
	}
	return r
}

// Get returns the playbook by id.
func (r *Registry) Get(id string) (*Playbook, bool) {
	pb, ok := r.byID[id]
	return pb, ok
}

// Execute renders the playbook's step template over the inputs. Inputs are
// substituted in sorted key order so the output is reproducible.
func (r *Registry) Execute(pb *Playbook, inputs map[string]interface{}) (*Draft, error) {
	for _, name := range pb.RequiredInputs {
		if _, ok := inputs[name]; !ok {
			return nil, fmt.Errorf("playbook %s: missing required input %q", pb.ID, name)
		}
	}

	body := pb.StepTemplate
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		body = strings.ReplaceAll(body, "{{"+k+"}}", fmt.Sprintf("%v", inputs[k]))
	}

	if err := applyRubric(pb, body); err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(body))
	return &Draft{
		PlaybookID:  pb.ID,
		Body:        body,
		BodyHash:    hex.EncodeToString(sum[:]),
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// applyRubric enforces the QA rules declared on the playbook.
func applyRubric(pb *Playbook, body string) error {
	for _, rule := range pb.Rubric {
		switch {
		case rule == "non_empty":
			if strings.TrimSpace(body) == "" {
				return fmt.Errorf("playbook %s: rubric %q failed", pb.ID, rule)
			}
		case rule == "no_unresolved_inputs":
			if strings.Contains(body, "{{") {
				return fmt.Errorf("playbook %s: rubric %q failed: unresolved template slots", pb.ID, rule)
			}
		}
	}
	return nil
}

func contentHash(pb *Playbook) string {
	canonical := strings.Join([]string{
		pb.ID, pb.AgentType, pb.Skill,
		strings.Join(pb.RequiredInputs, ","),
		pb.StepTemplate,
		strings.Join(pb.Rubric, ","),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func builtins() []*Playbook {
	return []*Playbook{
		{
			ID:             "marketing-draft-v1",
			AgentType:      "marketing",
			Skill:          "draft",
			RequiredInputs: []string{"topic", "audience"},
			StepTemplate: "CAMPAIGN DRAFT\n" +
				"Topic: {{topic}}\n" +
				"Audience: {{audience}}\n" +
				"Opening: Introducing {{topic}} for {{audience}}.\n" +
				"Call to action: Learn more about {{topic}} today.",
			Rubric: []string{"non_empty", "no_unresolved_inputs"},
		},
		{
			ID:             "tutor-lesson-v1",
			AgentType:      "tutor",
			Skill:          "lesson",
			RequiredInputs: []string{"subject", "level"},
			StepTemplate: "LESSON PLAN\n" +
				"Subject: {{subject}}\n" +
				"Level: {{level}}\n" +
				"Objectives: understand the fundamentals of {{subject}} at {{level}} level.\n" +
				"Assessment: short quiz on {{subject}}.",
			Rubric: []string{"non_empty", "no_unresolved_inputs"},
		},
	}
}
