package filter

import (
	"fmt"

	"hpboard-controller/internal/models"
)

// RuleSet is an ordered, immutable collection of software filters, built
// once at startup and shared by reference with the listener.
type RuleSet struct {
	rules []SoftwareFilter
}

// NewRuleSet validates the rules and returns an immutable rule set.
// Rule names must be unique; rule order is preserved for matching.
func NewRuleSet(rules []SoftwareFilter) (*RuleSet, error) {
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("duplicate software filter name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	rs := &RuleSet{rules: make([]SoftwareFilter, len(rules))}
	copy(rs.rules, rules)
	return rs, nil
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// Names returns the rule names in rule order.
func (rs *RuleSet) Names() []string {
	names := make([]string, len(rs.rules))
	for i, r := range rs.rules {
		names[i] = r.Name
	}
	return names
}

// Match classifies a frame against the rule set and returns the names of
// all matching rules in rule order. Pure: no side effects, identical inputs
// always yield identical results.
//
// Payload positions beyond the frame's data length match only wildcard
// conditions; an exact condition at an absent byte rejects the rule.
func (rs *RuleSet) Match(f models.Frame) []string {
	var names []string
	for _, r := range rs.rules {
		if matches(r, f) {
			names = append(names, r.Name)
		}
	}
	return names
}

func matches(r SoftwareFilter, f models.Frame) bool {
	if f.ID < r.IDLow || f.ID > r.IDHigh {
		return false
	}
	for i, cond := range r.Conditions {
		if cond.Wildcard {
			continue
		}
		if i >= int(f.Len) {
			return false
		}
		if f.Data[i] != cond.Value {
			return false
		}
	}
	return true
}
