// Package template loads, validates, and hot-reloads named policy templates
// from a watched directory of YAML files.
package template

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits is the optional spend-limit table a template may carry.
type Limits struct {
	AIDailyUSD    float64 `yaml:"ai_daily_usd,omitempty" json:"aiDailyUsd,omitempty"`
	AIMonthlyUSD  float64 `yaml:"ai_monthly_usd,omitempty" json:"aiMonthlyUsd,omitempty"`
	LLMDailyUSD   float64 `yaml:"llm_daily_usd,omitempty" json:"llmDailyUsd,omitempty"`
	LLMMonthlyUSD float64 `yaml:"llm_monthly_usd,omitempty" json:"llmMonthlyUsd,omitempty"`
}

// Chaos is the optional chaos-injection config a template may carry.
type Chaos struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	BlockRate     float64  `yaml:"block_rate" json:"blockRate"`
	Seed          *int64   `yaml:"seed,omitempty" json:"seed,omitempty"`
	TargetIntents []string `yaml:"target_intents,omitempty" json:"targetIntents,omitempty"`
	ExemptIntents []string `yaml:"exempt_intents,omitempty" json:"exemptIntents,omitempty"`
	DelayMs       int      `yaml:"delay_ms,omitempty" json:"delayMs,omitempty"`
}

// Template is a named policy body loaded from YAML.
type Template struct {
	Name        string   `yaml:"name" json:"name"`
	Version     int      `yaml:"version" json:"version"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Allow       []string `yaml:"allow,omitempty" json:"allow,omitempty"`
	Ask         []string `yaml:"ask,omitempty" json:"ask,omitempty"`
	Block       []string `yaml:"block,omitempty" json:"block,omitempty"`
	Limits      *Limits  `yaml:"limits,omitempty" json:"limits,omitempty"`
	Chaos       *Chaos   `yaml:"chaos,omitempty" json:"chaos,omitempty"`
	InputFilter string   `yaml:"input_filter,omitempty" json:"inputFilter,omitempty"` // permissive|balanced|strict

	LoadedAt time.Time `yaml:"-" json:"-"`
}

// ValidateResult is the outcome of validating a template's YAML source.
type ValidateResult struct {
	Valid    bool      `json:"valid"`
	Errors   []string  `json:"errors,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
	Parsed   *Template `json:"parsed,omitempty"`
}

var knownTopLevelKeys = map[string]bool{
	"name": true, "version": true, "description": true,
	"allow": true, "ask": true, "block": true,
	"limits": true, "chaos": true, "input_filter": true,
}

// Validate parses yamlText and checks it against the template invariants:
// name required, each rule parses, unknown top-level keys are warnings not
// errors, duplicate rules within one list are warnings, an empty body is
// valid but flagged.
func Validate(yamlText string) ValidateResult {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal([]byte(yamlText), &raw); err != nil {
		return ValidateResult{Valid: false, Errors: []string{fmt.Sprintf("invalid yaml: %s", err)}}
	}

	var warnings []string
	for key := range raw {
		if !knownTopLevelKeys[key] {
			warnings = append(warnings, fmt.Sprintf("unknown top-level key %q", key))
		}
	}

	var t Template
	if err := yaml.Unmarshal([]byte(yamlText), &t); err != nil {
		return ValidateResult{Valid: false, Errors: []string{fmt.Sprintf("invalid yaml: %s", err)}, Warnings: warnings}
	}

	var errs []string
	if t.Name == "" {
		errs = append(errs, "missing required field: name")
	}
	if t.Version <= 0 {
		errs = append(errs, "version must be a positive integer")
	}

	for listName, rules := range map[string][]string{"allow": t.Allow, "ask": t.Ask, "block": t.Block} {
		seen := make(map[string]bool, len(rules))
		for _, rule := range rules {
			if err := validateRule(rule); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %s", listName, err))
				continue
			}
			if seen[rule] {
				warnings = append(warnings, fmt.Sprintf("duplicate rule %q in %s", rule, listName))
			}
			seen[rule] = true
		}
	}

	if len(t.Allow) == 0 && len(t.Ask) == 0 && len(t.Block) == 0 && t.Limits == nil && t.Chaos == nil {
		warnings = append(warnings, "template body is empty (no rules, no limits, no chaos)")
	}

	if len(errs) > 0 {
		return ValidateResult{Valid: false, Errors: errs, Warnings: warnings}
	}

	t.LoadedAt = time.Now()
	return ValidateResult{Valid: true, Warnings: warnings, Parsed: &t}
}

// validateRule checks that rule parses as intent_glob[:target_glob]: neither
// half may be empty. Characters are not checked; the matcher treats "*" as
// its only wildcard and every other character as a literal.
func validateRule(rule string) error {
	if rule == "" {
		return fmt.Errorf("empty rule")
	}
	idx := -1
	for i, c := range rule {
		if c == ':' {
			idx = i
			break
		}
	}
	intentGlob := rule
	if idx >= 0 {
		intentGlob = rule[:idx]
		targetGlob := rule[idx+1:]
		if targetGlob == "" {
			return fmt.Errorf("rule %q has empty target glob after ':'", rule)
		}
	}
	if intentGlob == "" {
		return fmt.Errorf("rule %q has empty intent glob", rule)
	}
	return nil
}
