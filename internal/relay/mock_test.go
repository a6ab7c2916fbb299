package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// mockStore implements Store for testing with failure injection.
type mockStore struct {
	mu     sync.Mutex
	alerts map[string]*Alert

	saveErr   error
	getErr    error
	queryErr  error
	recordErr error
	// failSaveAfter, when >= 0, fails every Save once that many have succeeded.
	failSaveAfter int
	saves         int
	records       []Action
}

func newMockStore() *mockStore {
	return &mockStore{alerts: make(map[string]*Alert), failSaveAfter: -1}
}

func (m *mockStore) Save(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.failSaveAfter >= 0 && m.saves >= m.failSaveAfter {
		return errors.New("db down")
	}
	m.saves++
	m.alerts[a.ID] = a.Clone()
	return nil
}

func (m *mockStore) Get(_ context.Context, id string) (*Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	a, ok := m.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

func (m *mockStore) Query(_ context.Context, f Filter) ([]*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	var out []*Alert
	for _, a := range m.alerts {
		if f.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *mockStore) RecordAction(_ context.Context, act *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	a, ok := m.alerts[act.AlertID]
	if !ok {
		return errors.New("alert not found")
	}
	m.records = append(m.records, *act)
	if cur := a.Action(act.Kind); cur != nil {
		*cur = *act
		return nil
	}
	a.Actions = append(a.Actions, *act)
	return nil
}

func (m *mockStore) DeliveredAction(_ context.Context, alertID string, kind ActionKind) (*Action, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	a, ok := m.alerts[alertID]
	if !ok {
		return nil, false, nil
	}
	act := a.Action(kind)
	if act == nil || act.State != ActionDelivered {
		return nil, false, nil
	}
	cp := *act
	return &cp, true, nil
}

func (m *mockStore) put(a *Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a.Clone()
}

func (m *mockStore) alert(id string) *Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil
	}
	return a.Clone()
}

// fakeTickets returns results from fn keyed by 1-based call number.
type fakeTickets struct {
	mu    sync.Mutex
	calls int
	reqs  []*TicketRequest
	fn    func(n int) (string, error)
}

func (f *fakeTickets) CreateTicket(ctx context.Context, req *TicketRequest) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.reqs = append(f.reqs, req)
	fn := f.fn
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if fn == nil {
		return "SEC-1", nil
	}
	return fn(n)
}

func (f *fakeTickets) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeChat struct {
	mu    sync.Mutex
	calls int
	msgs  []*ChatMessage
	fn    func(ctx context.Context, n int) (string, error)
}

func (f *fakeChat) PostMessage(ctx context.Context, msg *ChatMessage) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.msgs = append(f.msgs, msg)
	fn := f.fn
	f.mu.Unlock()

	if fn == nil {
		return "msg-1", nil
	}
	return fn(ctx, n)
}

func (f *fakeChat) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fixedStrategy returns the same label for every message.
type fixedStrategy struct {
	label Severity
	conf  float64
	err   error
	delay time.Duration
}

func (f *fixedStrategy) Name() string { return "fixed" }

func (f *fixedStrategy) Classify(ctx context.Context, _ string) (Classification, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Classification{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Classification{}, f.err
	}
	return Classification{Severity: f.label, Confidence: f.conf}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (r *recordingSink) Publish(_ context.Context, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func fastRetry(max int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     max,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		CallTimeout:     time.Second,
	}
}

// highAndCritical routes High and Critical alerts to a ticket then a chat notification.
func highAndCritical() []RoutingRule {
	return []RoutingRule{{
		Name:     "high-and-critical",
		Priority: 10,
		Predicate: func(sev Severity, _ string) bool {
			return sev.AtLeast(SeverityHigh)
		},
		Actions: []ActionKind{ActionCreateTicket, ActionNotifyChat},
	}}
}

func testAlert(id string) *Alert {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Alert{
		ID:        id,
		Source:    "firewall",
		Message:   "Multiple failed login attempts from 203.0.113.9",
		Severity:  SeverityCritical,
		Status:    StatusRouted,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
