package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/alertrelay/internal/classify/pattern"
	"github.com/linnemanlabs/alertrelay/internal/policy"
	"github.com/linnemanlabs/alertrelay/internal/relay"
	"github.com/linnemanlabs/alertrelay/internal/relay/memstore"
)

// fakeService records calls and returns canned results.
type fakeService struct {
	mu         sync.Mutex
	submitErr  error
	alerts     map[string]*relay.Alert
	listErr    error
	lastFilter relay.Filter
	redriveErr error
	triggerErr error
	recommend  string
	recErr     error

	// driveCtxErr and driveDeadline capture the context Redrive/Trigger ran under
	driveCtxErr   error
	driveDeadline bool
}

func (f *fakeService) captureDrive(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.driveCtxErr = ctx.Err()
	_, f.driveDeadline = ctx.Deadline()
}

func newFakeService() *fakeService {
	return &fakeService{alerts: map[string]*relay.Alert{
		"01JQ1": {
			ID: "01JQ1", Source: "firewall", Message: "Multiple failed login attempts",
			Severity: relay.SeverityCritical, Status: relay.StatusDelivered,
			Actions: []relay.Action{{AlertID: "01JQ1", Kind: relay.ActionCreateTicket, State: relay.ActionDelivered, TargetRef: "SEC-1", Attempts: 1}},
		},
	}}
}

func (f *fakeService) Submit(_ context.Context, source, message string) (*relay.SubmitResult, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if source == "" || message == "" {
		return nil, fmt.Errorf("%w: source and message are required", relay.ErrInvalidAlert)
	}
	return &relay.SubmitResult{ID: "01JQNEW", Severity: relay.SeverityHigh, Status: relay.StatusClassified}, nil
}

func (f *fakeService) Get(_ context.Context, id string) (*relay.Alert, bool, error) {
	a, ok := f.alerts[id]
	return a, ok, nil
}

func (f *fakeService) List(_ context.Context, flt relay.Filter) ([]*relay.Alert, error) {
	f.mu.Lock()
	f.lastFilter = flt
	f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*relay.Alert
	for _, a := range f.alerts {
		if flt.Matches(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeService) Redrive(ctx context.Context, id string) error {
	f.captureDrive(ctx)
	if f.redriveErr != nil {
		return f.redriveErr
	}
	if _, ok := f.alerts[id]; !ok {
		return fmt.Errorf("%w: %s", relay.ErrNotFound, id)
	}
	return nil
}

func (f *fakeService) Trigger(ctx context.Context, id string, kind relay.ActionKind) (*relay.Action, error) {
	f.captureDrive(ctx)
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	if _, ok := relay.ParseActionKind(string(kind)); !ok {
		return nil, fmt.Errorf("%w: unknown action %q", relay.ErrInvalidAlert, kind)
	}
	return &relay.Action{AlertID: id, Kind: kind, State: relay.ActionDelivered, TargetRef: "C1:1", Attempts: 1}, nil
}

func (f *fakeService) Recommend(_ context.Context, id string) (string, error) {
	if f.recErr != nil {
		return "", f.recErr
	}
	return f.recommend, nil
}

func newTestRouter(t *testing.T, svc RelayService) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	New(nil, svc).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, newFakeService())
	if api.logger == nil {
		t.Fatal("New(nil, svc) left logger nil; expected Nop logger")
	}
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil) did not panic; expected panic for nil service")
		}
	}()
	New(log.Nop(), nil)
}

// Routing

func TestRegisterRoutes(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, newFakeService())

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"submit", http.MethodPost, "/api/v1/alerts", `{"source":"firewall","message":"port scan"}`, http.StatusAccepted},
		{"list", http.MethodGet, "/api/v1/alerts", "", http.StatusOK},
		{"get", http.MethodGet, "/api/v1/alerts/01JQ1", "", http.StatusOK},
		{"get missing", http.MethodGet, "/api/v1/alerts/nope", "", http.StatusNotFound},
		{"redrive", http.MethodPost, "/api/v1/alerts/01JQ1/redrive", "", http.StatusAccepted},
		{"trigger", http.MethodPost, "/api/v1/alerts/01JQ1/actions/notify_chat", "", http.StatusOK},
		{"recommendation", http.MethodGet, "/api/v1/alerts/01JQ1/recommendation", "", http.StatusOK},
		{"PUT alerts not allowed", http.MethodPut, "/api/v1/alerts", "", http.StatusMethodNotAllowed},
		{"DELETE alert not allowed", http.MethodDelete, "/api/v1/alerts/01JQ1", "", http.StatusMethodNotAllowed},
		{"GET redrive not allowed", http.MethodGet, "/api/v1/alerts/01JQ1/redrive", "", http.StatusMethodNotAllowed},
		{"unknown path", http.MethodGet, "/api/v2/alerts", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := do(t, r, tt.method, tt.path, tt.body); rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestDriveSurvivesClientDisconnect(t *testing.T) {
	t.Parallel()

	for _, path := range []string{
		"/api/v1/alerts/01JQ1/redrive",
		"/api/v1/alerts/01JQ1/actions/notify_chat",
	} {
		t.Run(path, func(t *testing.T) {
			t.Parallel()

			svc := newFakeService()
			r := newTestRouter(t, svc)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			req := httptest.NewRequest(http.MethodPost, path, nil).WithContext(ctx)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code >= 300 {
				t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
			}
			svc.mu.Lock()
			defer svc.mu.Unlock()
			if svc.driveCtxErr != nil {
				t.Errorf("service saw ctx err %v, want live context", svc.driveCtxErr)
			}
			if !svc.driveDeadline {
				t.Error("service context has no deadline, want bounded drive")
			}
		})
	}
}

func TestSubmitAlert(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, newFakeService())
	rec := do(t, r, http.MethodPost, "/api/v1/alerts", `{"source":"firewall","message":"Multiple failed login attempts"}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
	body := decode(t, rec)
	if body["alert_id"] != "01JQNEW" || body["severity"] != "High" || body["status"] != "classified" {
		t.Errorf("body = %v", body)
	}
}

func TestSubmitAlert_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		svcErr     error
		wantStatus int
		wantError  string
	}{
		{"invalid JSON", `{bad`, nil, http.StatusBadRequest, "invalid payload"},
		{"missing fields", `{"source":""}`, nil, http.StatusBadRequest, "invalid alert"},
		{"store down", `{"source":"a","message":"b"}`, fmt.Errorf("%w: boom", relay.ErrStoreUnavailable), http.StatusServiceUnavailable, "store unavailable"},
		{"unexpected", `{"source":"a","message":"b"}`, errors.New("boom"), http.StatusInternalServerError, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := newFakeService()
			svc.submitErr = tt.svcErr
			rec := do(t, newTestRouter(t, svc), http.MethodPost, "/api/v1/alerts", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got, _ := decode(t, rec)["error"].(string); !strings.Contains(got, tt.wantError) {
				t.Errorf("error = %q, want containing %q", got, tt.wantError)
			}
		})
	}
}

func TestListAlerts_Filters(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	r := newTestRouter(t, svc)

	rec := do(t, r, http.MethodGet, "/api/v1/alerts?severity=critical&source=fire*&status=delivered,failed&start_date=2026-03-01&end_date=2026-03-02&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	alerts, ok := decode(t, rec)["alerts"].([]any)
	if !ok || len(alerts) != 0 {
		// the fixture alert has a zero CreatedAt, outside the window
		t.Errorf("alerts = %v", alerts)
	}

	svc.mu.Lock()
	f := svc.lastFilter
	svc.mu.Unlock()
	if f.Severity != "critical" || f.Source != "fire*" || f.Limit != 5 {
		t.Errorf("filter = %+v", f)
	}
	if len(f.Statuses) != 2 || f.Statuses[0] != relay.StatusDelivered || f.Statuses[1] != relay.StatusFailed {
		t.Errorf("statuses = %v", f.Statuses)
	}
	if want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC); !f.CreatedFrom.Equal(want) {
		t.Errorf("CreatedFrom = %v, want %v", f.CreatedFrom, want)
	}
	if want := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond); !f.CreatedTo.Equal(want) {
		t.Errorf("CreatedTo = %v, want end of day %v", f.CreatedTo, want)
	}
}

func TestListAlerts_EmptyIsArray(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestRouter(t, newFakeService()), http.MethodGet, "/api/v1/alerts?source=nothing", "")
	if !strings.Contains(rec.Body.String(), `"alerts":[]`) {
		t.Errorf("body = %s, want empty array", rec.Body.String())
	}
}

func TestParseFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query   string
		wantErr bool
	}{
		{"", false},
		{"start_date=2026-03-01T10:00:00Z", false},
		{"status=bogus", true},
		{"start_date=yesterday", true},
		{"end_date=03/01/2026", true},
		{"start_date=2026-03-02&end_date=2026-03-01", true},
		{"limit=0", true},
		{"limit=1001", true},
		{"limit=abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts?"+tt.query, http.NoBody)
			f, err := parseFilter(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.query == "" && f.Limit != defaultListLimit {
				t.Errorf("Limit = %d, want default %d", f.Limit, defaultListLimit)
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		method     string
		path       string
		setup      func(*fakeService)
		wantStatus int
	}{
		{"redrive missing", http.MethodPost, "/api/v1/alerts/nope/redrive", nil, http.StatusNotFound},
		{"redrive not failed", http.MethodPost, "/api/v1/alerts/01JQ1/redrive",
			func(f *fakeService) { f.redriveErr = relay.ErrNotRedrivable }, http.StatusConflict},
		{"trigger unknown kind", http.MethodPost, "/api/v1/alerts/01JQ1/actions/page_oncall", nil, http.StatusBadRequest},
		{"trigger unrouted", http.MethodPost, "/api/v1/alerts/01JQ1/actions/notify_chat",
			func(f *fakeService) { f.triggerErr = fmt.Errorf("%w: new", relay.ErrNotRouted) }, http.StatusConflict},
		{"no recommender", http.MethodGet, "/api/v1/alerts/01JQ1/recommendation",
			func(f *fakeService) { f.recErr = relay.ErrNoRecommender }, http.StatusServiceUnavailable},
		{"recommend missing", http.MethodGet, "/api/v1/alerts/x/recommendation",
			func(f *fakeService) { f.recErr = fmt.Errorf("%w: x", relay.ErrNotFound) }, http.StatusNotFound},
		{"recommend upstream failure", http.MethodGet, "/api/v1/alerts/01JQ1/recommendation",
			func(f *fakeService) { f.recErr = errors.New("claude api status 529") }, http.StatusBadGateway},
		{"list store down", http.MethodGet, "/api/v1/alerts",
			func(f *fakeService) { f.listErr = fmt.Errorf("%w: x", relay.ErrStoreUnavailable) }, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := newFakeService()
			if tt.setup != nil {
				tt.setup(svc)
			}
			rec := do(t, newTestRouter(t, svc), tt.method, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if _, ok := decode(t, rec)["error"]; !ok {
				t.Error("expected JSON error body")
			}
		})
	}
}

func TestRecommendation(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.recommend = "1. Block the source address."
	rec := do(t, newTestRouter(t, svc), http.MethodGet, "/api/v1/alerts/01JQ1/recommendation", "")
	body := decode(t, rec)
	if body["recommendation"] != "1. Block the source address." || body["alert_id"] != "01JQ1" {
		t.Errorf("body = %v", body)
	}
}

// stubTickets and stubChat stand in for Jira and Slack in the end-to-end test.
type stubTickets struct{ calls int }

func (s *stubTickets) CreateTicket(context.Context, *relay.TicketRequest) (string, error) {
	s.calls++
	return fmt.Sprintf("SEC-%d", 100+s.calls), nil
}

type stubChat struct{}

func (stubChat) PostMessage(context.Context, *relay.ChatMessage) (string, error) {
	return "C1:1", nil
}

func TestEndToEnd_RealService(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	strategy, err := pattern.New([]pattern.Rule{{Expr: "failed login", Severity: relay.SeverityCritical}})
	if err != nil {
		t.Fatal(err)
	}
	router, err := policy.Default().Router()
	if err != nil {
		t.Fatal(err)
	}
	tickets := &stubTickets{}
	dispatcher := relay.NewDispatcher(store, relay.DispatcherConfig{Tickets: tickets, Chat: stubChat{}, Retry: relay.DefaultRetryPolicy()}, log.Nop())
	svc := relay.NewService(store, relay.NewClassifier(strategy, time.Second, log.Nop()), router, dispatcher, log.Nop(), relay.Options{})

	r := newTestRouter(t, svc)
	rec := do(t, r, http.MethodPost, "/api/v1/alerts", `{"source":"firewall","message":"Multiple failed login attempts"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit = %d: %s", rec.Code, rec.Body.String())
	}
	sub := decode(t, rec)
	if sub["severity"] != "Critical" {
		t.Errorf("severity = %v", sub["severity"])
	}
	svc.Wait()

	id := sub["alert_id"].(string)
	rec = do(t, r, http.MethodGet, "/api/v1/alerts/"+id, "")
	var al relay.Alert
	if err := json.NewDecoder(rec.Body).Decode(&al); err != nil {
		t.Fatal(err)
	}
	if al.Status != relay.StatusDelivered || len(al.Actions) != 2 {
		t.Fatalf("alert = %+v", al)
	}
	if al.Actions[0].TargetRef != "SEC-101" {
		t.Errorf("ticket ref = %q", al.Actions[0].TargetRef)
	}

	rec = do(t, r, http.MethodGet, "/api/v1/alerts?severity=critical&source=FIRE*", "")
	if alerts := decode(t, rec)["alerts"].([]any); len(alerts) != 1 {
		t.Errorf("list returned %d alerts, want 1", len(alerts))
	}

	rec = do(t, r, http.MethodGet, "/api/v1/alerts/"+id+"/recommendation", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("recommendation without recommender = %d, want 503", rec.Code)
	}
}

func FuzzAlertIngestion(f *testing.F) {
	f.Add(`{"source":"firewall","message":"Multiple failed login attempts"}`)
	f.Add(`{}`)
	f.Add(`{"source":null,"message":123}`)
	f.Add(`[]`)
	f.Add(`{bad`)
	f.Add(strings.Repeat(`{"source":"a",`, 100))

	r := chi.NewRouter()
	New(log.Nop(), newFakeService()).RegisterRoutes(r)

	f.Fuzz(func(t *testing.T, body string) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(body))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		switch rec.Code {
		case http.StatusAccepted, http.StatusBadRequest:
		default:
			t.Fatalf("unexpected status %d for body %q", rec.Code, body)
		}
		var out map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("response is not JSON: %v", err)
		}
	})
}
