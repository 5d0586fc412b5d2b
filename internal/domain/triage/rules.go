package triage

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

type TierRule struct {
	Confidence float64  `yaml:"confidence"`
	Reasoning  string   `yaml:"reasoning"`
	Keywords   []string `yaml:"keywords"`
}

type SpecialtyRule struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// RuleTable is the keyword table behind the rule engine.
type RuleTable struct {
	Tiers            map[Priority]TierRule `yaml:"tiers"`
	Specialties      []SpecialtyRule       `yaml:"specialties"`
	DefaultSpecialty string                `yaml:"default_specialty"`
}

// tierOrder is the evaluation order, most severe first. Low has no keywords.
var tierOrder = []Priority{PriorityCritical, PriorityHigh, PriorityMedium}

// ParseRuleTable decodes and validates a YAML rule table. Keywords are
// lowercased so matching works on lowercased input.
func ParseRuleTable(data []byte) (*RuleTable, error) {
	var t RuleTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse rule table: %w", err)
	}
	for _, p := range []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow} {
		tier, ok := t.Tiers[p]
		if !ok {
			return nil, fmt.Errorf("rule table: missing tier %q", p)
		}
		if tier.Confidence < 0 || tier.Confidence > 1 {
			return nil, fmt.Errorf("rule table: tier %q confidence %v out of range", p, tier.Confidence)
		}
		tier.Keywords = lowerAll(tier.Keywords)
		t.Tiers[p] = tier
	}
	for p := range t.Tiers {
		if !p.Valid() {
			return nil, fmt.Errorf("rule table: %w: %q", ErrUnknownPriority, p)
		}
	}
	for i := range t.Specialties {
		t.Specialties[i].Name = strings.ToLower(strings.TrimSpace(t.Specialties[i].Name))
		if t.Specialties[i].Name == "" {
			return nil, fmt.Errorf("rule table: specialty %d has no name", i)
		}
		t.Specialties[i].Keywords = lowerAll(t.Specialties[i].Keywords)
	}
	if t.DefaultSpecialty == "" {
		t.DefaultSpecialty = "general"
	}
	t.DefaultSpecialty = strings.ToLower(t.DefaultSpecialty)
	return &t, nil
}

// MustDefaultRuleTable returns the embedded table and panics if it is broken.
func MustDefaultRuleTable() *RuleTable {
	t, err := ParseRuleTable(defaultRulesYAML)
	if err != nil {
		panic(err)
	}
	return t
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RuleEngine is the deterministic keyword classifier. It has no state
// beyond its table and is safe for concurrent use.
type RuleEngine struct {
	table *RuleTable
}

func NewRuleEngine(table *RuleTable) *RuleEngine {
	if table == nil {
		table = MustDefaultRuleTable()
	}
	return &RuleEngine{table: table}
}

// Classify never fails and never calls out.
func (e *RuleEngine) Classify(symptoms, history string) ClassificationResult {
	text := strings.ToLower(symptoms + " " + history)

	priority := PriorityLow
	for _, p := range tierOrder {
		if containsAny(text, e.table.Tiers[p].Keywords) {
			priority = p
			break
		}
	}
	tier := e.table.Tiers[priority]

	return ClassificationResult{
		Priority:   priority,
		Specialty:  e.specialty(text),
		Confidence: tier.Confidence,
		Reasoning:  tier.Reasoning,
		Source:     SourceRuleBased,
	}
}

func (e *RuleEngine) specialty(text string) string {
	best, bestScore := e.table.DefaultSpecialty, 0
	for _, s := range e.table.Specialties {
		score := 0
		for _, kw := range s.Keywords {
			score += strings.Count(text, kw)
		}
		// strict > keeps the first declared specialty on ties
		if score > bestScore {
			best, bestScore = s.Name, score
		}
	}
	return best
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
