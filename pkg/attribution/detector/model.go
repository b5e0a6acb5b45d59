// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package detector evaluates a forbidden-action policy against timeline rows
// and emits alert rows.
package detector

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/sandtrace/agent/pkg/attribution/config"
)

// Defaults applied to rules that do not set their own.
const (
	DefaultSeverity = "medium"
	DefaultAction   = "alert"
)

// StringList accepts either a scalar or a list in YAML and JSON.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		*s = StringList{single}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for the JSON policy fallback.
func (s *StringList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*s = StringList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = list
	return nil
}

// PolicyDefaults carries policy-wide fallbacks for per-rule settings.
type PolicyDefaults struct {
	Severity string `yaml:"severity" json:"severity"`
	Action   string `yaml:"action" json:"action"`
	Enabled  *bool  `yaml:"enabled" json:"enabled"`
}

// RuleDefinition is one raw policy rule as written in the policy file.
type RuleDefinition struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description" json:"description"`
	Severity    string `yaml:"severity" json:"severity"`
	Action      string `yaml:"action" json:"action"`
	Enabled     *bool  `yaml:"enabled" json:"enabled"`

	EventType StringList `yaml:"event_type" json:"event_type"`
	Source    StringList `yaml:"source" json:"source"`

	Match map[string]interface{} `yaml:"match" json:"match"`
}

// PolicyDefinition is the raw policy file.
type PolicyDefinition struct {
	Name     string            `yaml:"name" json:"name"`
	Defaults PolicyDefaults    `yaml:"defaults" json:"defaults"`
	Rules    []*RuleDefinition `yaml:"rules" json:"rules"`
}

// Check validates the policy shape before compilation.
func (p *PolicyDefinition) Check() error {
	var result *multierror.Error
	if len(p.Rules) == 0 {
		result = multierror.Append(result, fmt.Errorf("policy defines no rules"))
	}
	seen := make(map[string]struct{}, len(p.Rules))
	for i, rule := range p.Rules {
		if rule == nil {
			result = multierror.Append(result, fmt.Errorf("rules[%d] is empty", i))
			continue
		}
		if rule.ID == "" {
			continue // skipped at compile time, not an error
		}
		if _, dup := seen[rule.ID]; dup {
			result = multierror.Append(result, fmt.Errorf("duplicate rule id %q", rule.ID))
		}
		seen[rule.ID] = struct{}{}
	}
	return result.ErrorOrNil()
}

// enabled resolves the rule's enabled flag against the policy defaults.
// Rules are enabled unless something says otherwise.
func (r *RuleDefinition) enabled(defaults PolicyDefaults) bool {
	if r.Enabled != nil {
		return *r.Enabled
	}
	if defaults.Enabled != nil {
		return *defaults.Enabled
	}
	return true
}

func (r *RuleDefinition) severity(defaults PolicyDefaults) string {
	if r.Severity != "" {
		return r.Severity
	}
	if defaults.Severity != "" {
		return defaults.Severity
	}
	return DefaultSeverity
}

func (r *RuleDefinition) action(defaults PolicyDefaults) string {
	if r.Action != "" {
		return r.Action
	}
	if defaults.Action != "" {
		return defaults.Action
	}
	return DefaultAction
}

// LoadPolicy reads a policy file, YAML first with a JSON fallback.
func LoadPolicy(path string) (*PolicyDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("policy %s: %w", path, config.ErrNotFound)
		}
		return nil, fmt.Errorf("reading policy %s: %w", path, err)
	}
	var def PolicyDefinition
	if yamlErr := yaml.Unmarshal(data, &def); yamlErr != nil {
		def = PolicyDefinition{}
		if jsonErr := json.Unmarshal(data, &def); jsonErr != nil {
			return nil, fmt.Errorf("parsing policy %s: %v", path, yamlErr)
		}
	}
	if err := def.Check(); err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return &def, nil
}
