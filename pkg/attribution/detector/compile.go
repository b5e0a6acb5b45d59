// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package detector

import (
	"fmt"
	"regexp"

	"github.com/mitchellh/mapstructure"

	"github.com/sandtrace/agent/pkg/util/log"
)

// matchSpec is the decoded form of a rule's match block. Scalars are
// promoted to single-element lists by the weakly typed decode.
type matchSpec struct {
	CommAny     []string `mapstructure:"comm_any"`
	ExeAny      []string `mapstructure:"exe_any"`
	ProtocolAny []string `mapstructure:"protocol_any"`
	DstIPAny    []string `mapstructure:"dst_ip_any"`
	CmdContains []string `mapstructure:"cmd_contains"`
	CmdRegex    []string `mapstructure:"cmd_regex"`
	PathRegex   []string `mapstructure:"path_regex"`
	DNSRegex    []string `mapstructure:"dns_regex"`
	PathPrefix  []string `mapstructure:"path_prefix"`
	DstPort     []int    `mapstructure:"dst_port"`
	DNSSuffix   []string `mapstructure:"dns_suffix"`
}

// anyAliases maps bare field names to their canonical exact-any key, so
// `protocol: {any: ["tcp"]}` and `protocol_any: ["tcp"]` compile identically.
var anyAliases = map[string]string{
	"comm":     "comm_any",
	"exe":      "exe_any",
	"protocol": "protocol_any",
	"dst_ip":   "dst_ip_any",
}

// normalizeMatch unwraps `{field: {any: [...]}}` values and canonicalizes
// the aliased exact-any keys.
func normalizeMatch(raw map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for key, value := range raw {
		if wrapper, ok := asStringKeyMap(value); ok {
			if inner, hasAny := wrapper["any"]; hasAny && len(wrapper) == 1 {
				value = inner
			}
		}
		if canonical, ok := anyAliases[key]; ok {
			key = canonical
		}
		out[key] = value
	}
	return out
}

// asStringKeyMap tolerates both decoder map flavors; yaml.v2 produces
// map[interface{}]interface{} while yaml.v3 and JSON produce string keys.
func asStringKeyMap(value interface{}) (map[string]interface{}, bool) {
	switch m := value.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = v
		}
		return out, true
	}
	return nil, false
}

// Rule is one compiled policy entry.
type Rule struct {
	ID          string
	Description string
	Severity    string
	Action      string
	Enabled     bool

	eventTypes map[string]struct{}
	sources    map[string]struct{}
	predicates []predicate
}

// Policy is a compiled policy ready for evaluation.
type Policy struct {
	Name  string
	Rules []*Rule
}

// Compile turns a validated policy definition into an evaluable policy.
// Rules without an id are skipped; invalid regexes are logged and omitted
// without disabling the rest of the rule.
func Compile(def *PolicyDefinition) (*Policy, error) {
	policy := &Policy{Name: def.Name}
	for _, raw := range def.Rules {
		if raw == nil || raw.ID == "" {
			continue
		}
		rule, err := compileRule(raw, def.Defaults)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", raw.ID, err)
		}
		policy.Rules = append(policy.Rules, rule)
	}
	return policy, nil
}

func compileRule(raw *RuleDefinition, defaults PolicyDefaults) (*Rule, error) {
	rule := &Rule{
		ID:          raw.ID,
		Description: raw.Description,
		Severity:    raw.severity(defaults),
		Action:      raw.action(defaults),
		Enabled:     raw.enabled(defaults),
		eventTypes:  toSet(raw.EventType),
		sources:     toSet(raw.Source),
	}

	var spec matchSpec
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &spec,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(normalizeMatch(raw.Match)); err != nil {
		return nil, fmt.Errorf("match spec: %w", err)
	}

	add := func(p predicate) { rule.predicates = append(rule.predicates, p) }
	if len(spec.CommAny) > 0 {
		add(&exactAnyPredicate{field: "comm", values: spec.CommAny})
	}
	if len(spec.ExeAny) > 0 {
		add(&exactAnyPredicate{field: "exe", values: spec.ExeAny})
	}
	if len(spec.ProtocolAny) > 0 {
		add(&exactAnyPredicate{field: "protocol", values: spec.ProtocolAny})
	}
	if len(spec.DstIPAny) > 0 {
		add(&exactAnyPredicate{field: "dst_ip", values: spec.DstIPAny})
	}
	if len(spec.CmdContains) > 0 {
		add(&containsPredicate{field: "cmd", values: spec.CmdContains})
	}
	if p := compileRegexes(raw.ID, "cmd", spec.CmdRegex); p != nil {
		add(p)
	}
	if p := compileRegexes(raw.ID, "path", spec.PathRegex); p != nil {
		add(p)
	}
	if p := compileRegexes(raw.ID, "dns_names", spec.DNSRegex); p != nil {
		add(p)
	}
	if len(spec.PathPrefix) > 0 {
		add(&prefixPredicate{field: "path", values: spec.PathPrefix})
	}
	if len(spec.DstPort) > 0 {
		add(&intAnyPredicate{field: "dst_port", values: spec.DstPort})
	}
	if len(spec.DNSSuffix) > 0 {
		add(&suffixPredicate{field: "dns_names", values: spec.DNSSuffix})
	}
	return rule, nil
}

// compileRegexes compiles a regex list, dropping invalid patterns with a log
// line naming the rule and field. A predicate is returned only if at least
// one pattern survives.
func compileRegexes(ruleID, field string, patterns []string) predicate {
	if len(patterns) == 0 {
		return nil
	}
	p := &regexPredicate{field: field}
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			log.Errorf("rule %s field %s: invalid regex %q: %v", ruleID, field, pattern, err) //nolint:errcheck
			continue
		}
		p.patterns = append(p.patterns, re)
	}
	if len(p.patterns) == 0 {
		return nil
	}
	return p
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
