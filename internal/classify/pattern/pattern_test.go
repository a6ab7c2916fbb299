package pattern

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/alertrelay/internal/relay"
)

func testRules() []Rule {
	return []Rule{
		{Name: "ransomware", Expr: `ransom|encrypt(ed|ing) files`, Severity: relay.SeverityCritical, Confidence: 0.9},
		{Name: "bruteforce", Expr: `failed login`, Severity: "high"},
		{Name: "scan", Expr: `port scan`, Severity: relay.SeverityLow, Confidence: 0.5},
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	c, err := New(testRules())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		msg      string
		wantSev  relay.Severity
		wantConf float64
		wantErr  error
	}{
		{"Ransom note found on host-12", relay.SeverityCritical, 0.9, nil},
		{"Multiple FAILED LOGIN attempts", relay.SeverityHigh, 0.6, nil},
		{"port scan from 198.51.100.7", relay.SeverityLow, 0.5, nil},
		{"failed login after port scan", relay.SeverityHigh, 0.6, nil},
		{"disk usage at 80%", "", 0, ErrNoPatternMatch},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			t.Parallel()
			got, err := c.Classify(context.Background(), tt.msg)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got.Severity != tt.wantSev || got.Confidence != tt.wantConf {
				t.Errorf("got %+v, want %s/%v", got, tt.wantSev, tt.wantConf)
			}
		})
	}
}

func TestNew_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rule Rule
	}{
		{"bad regex", Rule{Expr: `(unclosed`, Severity: relay.SeverityLow}},
		{"empty expr", Rule{Severity: relay.SeverityLow}},
		{"bad severity", Rule{Expr: `x`, Severity: "Severe"}},
		{"unknown severity", Rule{Expr: `x`, Severity: relay.SeverityUnknown}},
		{"confidence out of range", Rule{Expr: `x`, Severity: relay.SeverityLow, Confidence: 1.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New([]Rule{tt.rule}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestClassify_CancelledContext(t *testing.T) {
	t.Parallel()

	c, _ := New(testRules())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Classify(ctx, "ransom"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNoMatchDegradesThroughClassifier(t *testing.T) {
	t.Parallel()

	c, _ := New(testRules())
	got := relay.NewClassifier(c, time.Second, log.Nop()).Classify(context.Background(), "nothing relevant")
	if got.Severity != relay.SeverityUnknown || got.Confidence != 0 {
		t.Errorf("got %+v, want Unknown/0", got)
	}
}

func TestChainFallback(t *testing.T) {
	t.Parallel()

	c, _ := New(testRules())
	failing := failingStrategy{}
	got := relay.NewClassifier(relay.Chain(failing, c), time.Second, log.Nop()).
		Classify(context.Background(), "Multiple failed login attempts")
	if got.Severity != relay.SeverityHigh {
		t.Errorf("Severity = %q, want High from fallback", got.Severity)
	}
}

type failingStrategy struct{}

func (failingStrategy) Name() string { return "failing" }
func (failingStrategy) Classify(context.Context, string) (relay.Classification, error) {
	return relay.Classification{}, errors.New("upstream unavailable")
}
