// SPDX-License-Identifier: MIT

package event

import (
	"fmt"
	"strings"
)

// Filter fields a rule may inspect.
const (
	FieldType     = "type"
	FieldSource   = "source"
	FieldCategory = "category"
)

// Rule operators.
const (
	OpEquals   = "eq"
	OpIn       = "in"
	OpContains = "contains"
)

// Rule is a single tagged predicate over one event field.
type Rule struct {
	Field  string   `json:"field"`
	Op     string   `json:"op"`
	Values []string `json:"values"`
}

// Filter is a conjunction of rules. An empty filter matches every event.
type Filter []Rule

// Validate checks that every rule references a known field and operator.
func (f Filter) Validate() error {
	for i, r := range f {
		switch r.Field {
		case FieldType, FieldSource, FieldCategory:
		default:
			return &ValidationError{Field: "filter", Reason: fmt.Sprintf("rule %d: unknown field %q", i, r.Field)}
		}
		switch r.Op {
		case OpEquals, OpIn, OpContains:
		default:
			return &ValidationError{Field: "filter", Reason: fmt.Sprintf("rule %d: unknown op %q", i, r.Op)}
		}
		if len(r.Values) == 0 {
			return &ValidationError{Field: "filter", Reason: fmt.Sprintf("rule %d: values must not be empty", i)}
		}
	}
	return nil
}

// Matches evaluates the filter against an event. All rules must hold.
func (f Filter) Matches(e Event) bool {
	for _, r := range f {
		if !r.matches(e) {
			return false
		}
	}
	return true
}

func (r Rule) matches(e Event) bool {
	var actual string
	switch r.Field {
	case FieldType:
		actual = e.Type
	case FieldSource:
		actual = string(e.Source)
	case FieldCategory:
		actual = e.Category
	default:
		return false
	}

	switch r.Op {
	case OpEquals:
		return len(r.Values) == 1 && r.Values[0] == actual
	case OpIn:
		for _, v := range r.Values {
			if v == actual {
				return true
			}
		}
		return false
	case OpContains:
		for _, v := range r.Values {
			if strings.Contains(actual, v) {
				return true
			}
		}
		return false
	}
	return false
}

// TypeFilter is a convenience constructor for the common exact-type filter.
func TypeFilter(eventType string) Filter {
	return Filter{{Field: FieldType, Op: OpEquals, Values: []string{eventType}}}
}
