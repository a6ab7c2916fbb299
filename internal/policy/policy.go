// Package policy loads the routing and pattern-classification policy from YAML.
//
// Example:
//
//	routes:
//	  - name: high-and-critical
//	    priority: 10
//	    match:
//	      min_severity: High
//	    actions: [create_ticket, notify_chat]
//	  - name: edr-medium
//	    priority: 20
//	    match:
//	      severities: [Medium]
//	      sources: ["edr-*"]
//	    actions: [notify_chat]
//	patterns:
//	  - name: bruteforce
//	    regex: "failed login"
//	    severity: High
//	    confidence: 0.7
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/alertrelay/internal/classify/pattern"
	"github.com/linnemanlabs/alertrelay/internal/relay"
)

// Policy is the parsed policy file.
type Policy struct {
	Routes   []Route   `yaml:"routes"`
	Patterns []Pattern `yaml:"patterns"`
}

// Route is one routing rule. All set match criteria must hold; an empty
// match applies to every alert.
type Route struct {
	Name     string   `yaml:"name"`
	Priority int      `yaml:"priority"`
	Match    Match    `yaml:"match"`
	Actions  []string `yaml:"actions"`
}

// Match holds the route criteria.
type Match struct {
	Severities  []string `yaml:"severities"`
	MinSeverity string   `yaml:"min_severity"`
	// Sources are case-insensitive globs where * matches any run of characters.
	Sources     []string `yaml:"sources"`
	SourceRegex string   `yaml:"source_regex"`
}

// Pattern is one pattern classifier rule.
type Pattern struct {
	Name       string  `yaml:"name"`
	Regex      string  `yaml:"regex"`
	Severity   string  `yaml:"severity"`
	Confidence float64 `yaml:"confidence"`
}

// Default is used when no policy file is configured: High and Critical
// alerts open a ticket and notify chat, everything else is recorded only.
func Default() *Policy {
	return &Policy{
		Routes: []Route{{
			Name:     "high-and-critical",
			Priority: 10,
			Match:    Match{Severities: []string{string(relay.SeverityHigh), string(relay.SeverityCritical)}},
			Actions:  []string{string(relay.ActionCreateTicket), string(relay.ActionNotifyChat)},
		}},
	}
}

// Load reads and parses the policy file at path.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %q: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a policy document. Unknown keys are rejected.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if _, err := p.RoutingRules(); err != nil {
		return nil, err
	}
	if _, err := pattern.New(p.PatternRules()); err != nil {
		return nil, fmt.Errorf("patterns: %w", err)
	}
	return &p, nil
}

// RoutingRules converts routes into relay routing rules.
func (p *Policy) RoutingRules() ([]relay.RoutingRule, error) {
	var errs []error
	rules := make([]relay.RoutingRule, 0, len(p.Routes))
	seen := make(map[string]bool, len(p.Routes))

	for i, r := range p.Routes {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: name is required", i))
			continue
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("routes[%d]: duplicate name %q", i, r.Name))
			continue
		}
		seen[r.Name] = true

		pred, err := r.Match.predicate()
		if err != nil {
			errs = append(errs, fmt.Errorf("route %q: %w", r.Name, err))
			continue
		}

		actions := make([]relay.ActionKind, 0, len(r.Actions))
		for _, a := range r.Actions {
			k, ok := relay.ParseActionKind(a)
			if !ok {
				errs = append(errs, fmt.Errorf("route %q: unknown action %q", r.Name, a))
				continue
			}
			actions = append(actions, k)
		}

		rules = append(rules, relay.RoutingRule{
			Name:      r.Name,
			Priority:  r.Priority,
			Predicate: pred,
			Actions:   actions,
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rules, nil
}

// Router builds a relay.Router from the routes.
func (p *Policy) Router() (*relay.Router, error) {
	rules, err := p.RoutingRules()
	if err != nil {
		return nil, err
	}
	return relay.NewRouter(rules)
}

// PatternRules converts patterns into pattern classifier rules.
func (p *Policy) PatternRules() []pattern.Rule {
	out := make([]pattern.Rule, len(p.Patterns))
	for i, pt := range p.Patterns {
		out[i] = pattern.Rule{
			Name:       pt.Name,
			Expr:       pt.Regex,
			Severity:   relay.Severity(pt.Severity),
			Confidence: pt.Confidence,
		}
	}
	return out
}

func (m Match) predicate() (relay.Predicate, error) {
	var errs []error

	sevs := make(map[relay.Severity]bool, len(m.Severities))
	for _, s := range m.Severities {
		sev := relay.ParseSeverity(s)
		// Unknown is accepted so a route can target unclassified alerts
		if sev == relay.SeverityUnknown && !strings.EqualFold(strings.TrimSpace(s), string(relay.SeverityUnknown)) {
			errs = append(errs, fmt.Errorf("invalid severity %q", s))
			continue
		}
		sevs[sev] = true
	}

	var minSev relay.Severity
	if m.MinSeverity != "" {
		minSev = relay.ParseSeverity(m.MinSeverity)
		if minSev == relay.SeverityUnknown {
			errs = append(errs, fmt.Errorf("invalid min_severity %q", m.MinSeverity))
		}
	}

	var re *regexp.Regexp
	if m.SourceRegex != "" {
		var err error
		if re, err = regexp.Compile(m.SourceRegex); err != nil {
			errs = append(errs, fmt.Errorf("source_regex: %w", err))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sources := append([]string(nil), m.Sources...)
	return func(sev relay.Severity, source string) bool {
		if len(sevs) > 0 && !sevs[sev] {
			return false
		}
		if minSev != "" && !sev.AtLeast(minSev) {
			return false
		}
		if len(sources) > 0 && !matchAny(sources, source) {
			return false
		}
		if re != nil && !re.MatchString(source) {
			return false
		}
		return true
	}, nil
}

func matchAny(patterns []string, v string) bool {
	for _, p := range patterns {
		if relay.MatchPattern(p, v) {
			return true
		}
	}
	return false
}
