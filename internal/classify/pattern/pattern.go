// Package pattern classifies alerts with ordered regular-expression rules.
// It needs no network and is used alone or as the fallback of a chain.
package pattern

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/linnemanlabs/alertrelay/internal/relay"
)

// ErrNoPatternMatch is returned when no rule matches the message.
var ErrNoPatternMatch = errors.New("no pattern matched")

// Rule assigns Severity to messages matching Expr.
type Rule struct {
	Name       string
	Expr       string
	Severity   relay.Severity
	Confidence float64
}

type compiled struct {
	Rule
	re *regexp.Regexp
}

// Classifier evaluates rules in order; the first match wins.
type Classifier struct {
	rules []compiled
}

// New compiles rules. Expressions are matched case-insensitively. A zero
// confidence defaults to 0.6.
func New(rules []Rule) (*Classifier, error) {
	var errs []error
	out := make([]compiled, 0, len(rules))
	for i, r := range rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("pattern[%d]", i)
		}
		re, err := regexp.Compile("(?i)" + r.Expr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if r.Expr == "" {
			errs = append(errs, fmt.Errorf("%s: expression is required", name))
			continue
		}
		sev := relay.ParseSeverity(string(r.Severity))
		if sev == relay.SeverityUnknown {
			errs = append(errs, fmt.Errorf("%s: invalid severity %q", name, r.Severity))
			continue
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			errs = append(errs, fmt.Errorf("%s: confidence must be within [0,1]", name))
			continue
		}
		if r.Confidence == 0 {
			r.Confidence = 0.6
		}
		r.Name = name
		r.Severity = sev
		out = append(out, compiled{Rule: r, re: re})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Classifier{rules: out}, nil
}

// Name implements relay.Strategy.
func (c *Classifier) Name() string { return "pattern" }

// Classify implements relay.Strategy.
func (c *Classifier) Classify(ctx context.Context, message string) (relay.Classification, error) {
	if err := ctx.Err(); err != nil {
		return relay.Classification{}, err
	}
	for _, r := range c.rules {
		if r.re.MatchString(message) {
			return relay.Classification{Severity: r.Severity, Confidence: r.Confidence}, nil
		}
	}
	return relay.Classification{}, ErrNoPatternMatch
}

// Len returns the number of rules.
func (c *Classifier) Len() int { return len(c.rules) }

var _ relay.Strategy = (*Classifier)(nil)
