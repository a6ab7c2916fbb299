package relay

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Store is the persistence interface for alerts and their actions.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save upserts the alert and every action in a.Actions atomically.
	Save(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, bool, error)
	// Query returns matching alerts ordered by CreatedAt descending, ties by ID ascending.
	Query(ctx context.Context, f Filter) ([]*Alert, error)
	// RecordAction upserts a single action of an existing alert.
	RecordAction(ctx context.Context, act *Action) error
	DeliveredAction(ctx context.Context, alertID string, kind ActionKind) (*Action, bool, error)
}

// Filter selects alerts. Severity and Source match case-insensitively and
// accept '*' as a wildcard. Zero values are ignored. Time bounds are inclusive.
type Filter struct {
	Severity    string
	Source      string
	Statuses    []Status
	CreatedFrom time.Time
	CreatedTo   time.Time
	Limit       int
}

// Matches reports whether a satisfies the filter.
func (f *Filter) Matches(a *Alert) bool {
	if f.Severity != "" && !MatchPattern(f.Severity, string(a.Severity)) {
		return false
	}
	if f.Source != "" && !MatchPattern(f.Source, a.Source) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if a.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.CreatedFrom.IsZero() && a.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && a.CreatedAt.After(f.CreatedTo) {
		return false
	}
	return true
}

// MatchPattern compares value to pattern case-insensitively, where '*'
// matches any run of characters.
func MatchPattern(pattern, value string) bool {
	if !strings.Contains(pattern, "*") {
		return strings.EqualFold(pattern, value)
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("(?is)^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// LikePattern converts a filter pattern to a SQL LIKE pattern with '\' as
// the escape character.
func LikePattern(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '\\', '%', '_':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '*':
			b.WriteByte('%')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
