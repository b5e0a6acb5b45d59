// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package detector

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/sandtrace/agent/pkg/attribution/event"
)

// rowView is one timeline row with field lookup falling back to the details
// sub-object.
type rowView map[string]interface{}

// Lookup finds a field at the top level, else under details.
func (r rowView) Lookup(field string) (interface{}, bool) {
	if v, ok := r[field]; ok {
		return v, true
	}
	if details, ok := r["details"].(map[string]interface{}); ok {
		if v, ok := details[field]; ok {
			return v, true
		}
	}
	return nil, false
}

// String reads a field as a string, empty when absent or non-string.
func (r rowView) String(field string) string {
	v, ok := r.Lookup(field)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Int reads a field as an integer.
func (r rowView) Int(field string) int {
	v, ok := r.Lookup(field)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

// Strings reads a field as a list of strings, promoting a scalar.
func (r rowView) Strings(field string) []string {
	v, ok := r.Lookup(field)
	if !ok {
		return nil
	}
	switch val := v.(type) {
	case string:
		return []string{val}
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// predicate is one compiled match condition. Match records the first value
// and pattern pair that satisfied it.
type predicate interface {
	Match(row rowView) (event.Matched, bool)
}

type exactAnyPredicate struct {
	field  string
	values []string
}

func (p *exactAnyPredicate) Match(row rowView) (event.Matched, bool) {
	for _, candidate := range row.Strings(p.field) {
		for _, want := range p.values {
			if candidate == want {
				return event.Matched{Field: p.field, Value: candidate, Pattern: want}, true
			}
		}
	}
	return event.Matched{}, false
}

type containsPredicate struct {
	field  string
	values []string
}

func (p *containsPredicate) Match(row rowView) (event.Matched, bool) {
	for _, candidate := range row.Strings(p.field) {
		for _, want := range p.values {
			if strings.Contains(candidate, want) {
				return event.Matched{Field: p.field, Value: candidate, Pattern: want}, true
			}
		}
	}
	return event.Matched{}, false
}

type regexPredicate struct {
	field    string
	patterns []*regexp.Regexp
}

func (p *regexPredicate) Match(row rowView) (event.Matched, bool) {
	for _, candidate := range row.Strings(p.field) {
		for _, re := range p.patterns {
			if re.MatchString(candidate) {
				return event.Matched{Field: p.field, Value: candidate, Pattern: re.String()}, true
			}
		}
	}
	return event.Matched{}, false
}

type prefixPredicate struct {
	field  string
	values []string
}

func (p *prefixPredicate) Match(row rowView) (event.Matched, bool) {
	for _, candidate := range row.Strings(p.field) {
		for _, want := range p.values {
			if strings.HasPrefix(candidate, want) {
				return event.Matched{Field: p.field, Value: candidate, Pattern: want}, true
			}
		}
	}
	return event.Matched{}, false
}

type intAnyPredicate struct {
	field  string
	values []int
}

func (p *intAnyPredicate) Match(row rowView) (event.Matched, bool) {
	v, ok := row.Lookup(p.field)
	if !ok {
		return event.Matched{}, false
	}
	candidate := row.Int(p.field)
	for _, want := range p.values {
		if candidate == want {
			return event.Matched{Field: p.field, Value: v, Pattern: strconv.Itoa(want)}, true
		}
	}
	return event.Matched{}, false
}

// suffixPredicate matches case-insensitively, intended for host name lists.
type suffixPredicate struct {
	field  string
	values []string
}

func (p *suffixPredicate) Match(row rowView) (event.Matched, bool) {
	for _, candidate := range row.Strings(p.field) {
		lower := strings.ToLower(candidate)
		for _, want := range p.values {
			if strings.HasSuffix(lower, strings.ToLower(want)) {
				return event.Matched{Field: p.field, Value: candidate, Pattern: want}, true
			}
		}
	}
	return event.Matched{}, false
}
