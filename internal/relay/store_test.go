package relay

import (
	"testing"
	"time"
)

func TestMatchPattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern, value string
		want           bool
	}{
		{"firewall", "firewall", true},
		{"FIREWALL", "firewall", true},
		{"fire", "firewall", false},
		{"fire*", "firewall-eu", true},
		{"*wall*", "edge-firewall-1", true},
		{"*", "", true},
		{"a.b", "axb", false},
		{"ids*", "firewall", false},
		{"crit*", "Critical", true},
	}

	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.value); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
		}
	}
}

func TestLikePattern(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"firewall":    "firewall",
		"fire*":       "fire%",
		"100%_done":   `100\%\_done`,
		`back\slash*`: `back\\slash%`,
	}
	for in, want := range tests {
		if got := LikePattern(in); got != want {
			t.Errorf("LikePattern(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFilter_Matches(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &Alert{ID: "a", Source: "firewall", Severity: SeverityHigh, Status: StatusDelivered, CreatedAt: base}

	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"severity", Filter{Severity: "high"}, true},
		{"severity miss", Filter{Severity: "Critical"}, false},
		{"source glob", Filter{Source: "fire*"}, true},
		{"status", Filter{Statuses: []Status{StatusFailed, StatusDelivered}}, true},
		{"status miss", Filter{Statuses: []Status{StatusNew}}, false},
		{"from inclusive", Filter{CreatedFrom: base}, true},
		{"to inclusive", Filter{CreatedTo: base}, true},
		{"after window", Filter{CreatedTo: base.Add(-time.Second)}, false},
		{"before window", Filter{CreatedFrom: base.Add(time.Second)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.f.Matches(a); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}
