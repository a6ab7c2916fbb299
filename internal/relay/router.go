package relay

import (
	"errors"
	"fmt"
	"sort"
)

// Predicate decides whether a routing rule applies to an alert.
type Predicate func(sev Severity, source string) bool

// RoutingRule maps matching alerts to an ordered set of actions.
type RoutingRule struct {
	Name      string
	Priority  int
	Predicate Predicate
	Actions   []ActionKind
}

// RouteResult is the outcome of routing an alert.
type RouteResult struct {
	Rule    string
	Actions []ActionKind
}

// Router evaluates rules in ascending priority order. The first matching
// rule's actions are used exclusively.
type Router struct {
	rules []RoutingRule
}

// NewRouter validates and orders rules. Rules with equal priority keep
// their given order.
func NewRouter(rules []RoutingRule) (*Router, error) {
	var errs []error
	out := make([]RoutingRule, 0, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("rule %d: name is required", i))
		}
		if r.Predicate == nil {
			errs = append(errs, fmt.Errorf("rule %q: predicate is required", r.Name))
		}
		seen := make(map[ActionKind]bool, len(r.Actions))
		actions := make([]ActionKind, 0, len(r.Actions))
		for _, k := range r.Actions {
			if _, ok := ParseActionKind(string(k)); !ok {
				errs = append(errs, fmt.Errorf("rule %q: unknown action %q", r.Name, k))
				continue
			}
			if seen[k] {
				continue
			}
			seen[k] = true
			actions = append(actions, k)
		}
		r.Actions = actions
		out = append(out, r)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return &Router{rules: out}, nil
}

// Route picks the actions for an alert. When nothing matches it returns an
// empty result and ErrRoutingNoMatch.
func (r *Router) Route(a *Alert) (RouteResult, error) {
	for _, rule := range r.rules {
		if rule.Predicate(a.Severity, a.Source) {
			actions := make([]ActionKind, len(rule.Actions))
			copy(actions, rule.Actions)
			return RouteResult{Rule: rule.Name, Actions: actions}, nil
		}
	}
	return RouteResult{}, ErrRoutingNoMatch
}

// Rules returns the rule names in evaluation order.
func (r *Router) Rules() []string {
	names := make([]string, len(r.rules))
	for i, rule := range r.rules {
		names[i] = rule.Name
	}
	return names
}
