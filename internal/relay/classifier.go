package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// DefaultClassifyTimeout bounds a single classification call.
const DefaultClassifyTimeout = 5 * time.Second

// Classification is the output of a classifier.
type Classification struct {
	Severity   Severity
	Confidence float64
	// Reason explains a degradation to Unknown. Empty on success.
	Reason string
}

// Strategy is a pluggable severity classifier (LLM, pattern rules, ...).
type Strategy interface {
	Name() string
	Classify(ctx context.Context, message string) (Classification, error)
}

// ParseSeverity maps a free-form label to a Severity. Anything that is not
// exactly one of the known levels (ignoring case, whitespace and trailing
// punctuation) is Unknown.
func ParseSeverity(label string) Severity {
	label = strings.Trim(strings.TrimSpace(label), ".!,;:\"'`*")
	for _, s := range []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow} {
		if strings.EqualFold(label, string(s)) {
			return s
		}
	}
	return SeverityUnknown
}

// Classifier wraps a Strategy so that classification never fails: errors,
// timeouts and unparseable labels degrade to Unknown with confidence 0.
type Classifier struct {
	strategy Strategy
	timeout  time.Duration
	logger   log.Logger
}

// NewClassifier creates a Classifier. A non-positive timeout uses DefaultClassifyTimeout.
func NewClassifier(strategy Strategy, timeout time.Duration, logger log.Logger) *Classifier {
	if strategy == nil {
		panic(xerrors.New("classifier strategy is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if timeout <= 0 {
		timeout = DefaultClassifyTimeout
	}
	return &Classifier{strategy: strategy, timeout: timeout, logger: logger}
}

// Name returns the underlying strategy name.
func (c *Classifier) Name() string { return c.strategy.Name() }

type classifyResult struct {
	c   Classification
	err error
}

// Classify returns the severity of message. It does not return an error.
func (c *Classifier) Classify(ctx context.Context, message string) Classification {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// run the strategy in its own goroutine so a strategy that ignores ctx
	// cannot hold the pipeline past the timeout
	ch := make(chan classifyResult, 1)
	go func() {
		res, err := c.strategy.Classify(cctx, message)
		ch <- classifyResult{c: res, err: err}
	}()

	var res classifyResult
	select {
	case res = <-ch:
	case <-cctx.Done():
		res = classifyResult{err: cctx.Err()}
	}

	if res.err != nil {
		return c.degrade(ctx, res.err)
	}

	sev := ParseSeverity(string(res.c.Severity))
	if sev == SeverityUnknown {
		if res.c.Severity != SeverityUnknown {
			return c.degrade(ctx, fmt.Errorf("unparseable label %q", res.c.Severity))
		}
		return Classification{Severity: SeverityUnknown, Reason: res.c.Reason}
	}

	conf := res.c.Confidence
	switch {
	case conf < 0:
		conf = 0
	case conf > 1:
		conf = 1
	}
	return Classification{Severity: sev, Confidence: conf}
}

func (c *Classifier) degrade(ctx context.Context, err error) Classification {
	reason := fmt.Errorf("%w: %s: %w", ErrClassificationUnavailable, c.strategy.Name(), err)
	c.logger.Warn(ctx, "classification degraded to unknown", "strategy", c.strategy.Name(), "error", err)
	return Classification{Severity: SeverityUnknown, Reason: reason.Error()}
}

type chain []Strategy

// Chain tries each strategy in order and returns the first result that is
// not Unknown. If none succeeds the errors are joined.
func Chain(strategies ...Strategy) Strategy {
	return chain(strategies)
}

func (ch chain) Name() string {
	names := make([]string, len(ch))
	for i, s := range ch {
		names[i] = s.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

func (ch chain) Classify(ctx context.Context, message string) (Classification, error) {
	var errs []error
	for _, s := range ch {
		res, err := s.Classify(ctx, message)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if ParseSeverity(string(res.Severity)) != SeverityUnknown {
			return res, nil
		}
	}
	if len(errs) > 0 {
		return Classification{}, errors.Join(errs...)
	}
	return Classification{Severity: SeverityUnknown}, nil
}
