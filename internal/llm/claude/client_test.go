package claude

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/alertrelay/internal/relay"
)

const claudeTestModel = "claude-sonnet-4-20250514"

type capturedRequest struct {
	Model       string           `json:"model"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	System      []map[string]any `json:"system"`
	Messages    []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
}

// fakeAPI serves the Messages endpoint with a fixed reply.
func fakeAPI(t *testing.T, status int, reply string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q, want /v1/messages", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "test-key" {
			t.Errorf("api key = %q", got)
		}
		var req capturedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`))
			return
		}
		resp := map[string]any{
			"id":            "msg_test",
			"type":          "message",
			"role":          "assistant",
			"model":         claudeTestModel,
			"content":       []map[string]any{{"type": "text", "text": reply}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 42, "output_tokens": 3},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func newTestClient(srv *httptest.Server) *Client {
	return New("test-key", claudeTestModel, option.WithBaseURL(srv.URL))
}

func TestClassify_ReturnsLabel(t *testing.T) {
	t.Parallel()

	srv, reqs := fakeAPI(t, http.StatusOK, "High\n")
	c := newTestClient(srv)

	got, err := c.Classify(context.Background(), "Multiple failed login attempts")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Severity != relay.SeverityHigh {
		t.Errorf("Severity = %q, want High", got.Severity)
	}
	if got.Confidence != 1 {
		t.Errorf("Confidence = %v, want 1", got.Confidence)
	}

	if len(*reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(*reqs))
	}
	req := (*reqs)[0]
	if req.Model != claudeTestModel {
		t.Errorf("model = %q", req.Model)
	}
	if req.MaxTokens != classifyMaxTokens {
		t.Errorf("max_tokens = %d, want %d", req.MaxTokens, classifyMaxTokens)
	}
	if req.Temperature != 0 {
		t.Errorf("temperature = %v, want 0", req.Temperature)
	}
	if len(req.Messages) != 1 || !strings.Contains(req.Messages[0].Content[0].Text, "Multiple failed login attempts") {
		t.Errorf("messages = %+v", req.Messages)
	}
	if len(req.System) != 1 {
		t.Errorf("system blocks = %d, want 1", len(req.System))
	}
}

func TestClassify_FirstWordOnly(t *testing.T) {
	t.Parallel()

	srv, _ := fakeAPI(t, http.StatusOK, "Critical - active intrusion")
	got, err := newTestClient(srv).Classify(context.Background(), "msg")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Severity != "Critical" {
		t.Errorf("Severity = %q, want Critical", got.Severity)
	}
}

func TestClassify_InvalidLabelDegradesThroughClassifier(t *testing.T) {
	t.Parallel()

	srv, _ := fakeAPI(t, http.StatusOK, "Severe")
	classifier := relay.NewClassifier(newTestClient(srv), time.Second, log.Nop())

	got := classifier.Classify(context.Background(), "msg")
	if got.Severity != relay.SeverityUnknown {
		t.Errorf("Severity = %q, want Unknown", got.Severity)
	}
	if got.Reason == "" {
		t.Error("expected degradation reason")
	}
}

func TestClassify_APIError(t *testing.T) {
	t.Parallel()

	srv, _ := fakeAPI(t, http.StatusServiceUnavailable, "")

	var mu sync.Mutex
	var observed error
	c := newTestClient(srv).WithHooks(Hooks{OnCall: func(op string, _, _ int64, _ float64, err error) {
		mu.Lock()
		observed = err
		mu.Unlock()
	}})

	_, err := c.Classify(context.Background(), "msg")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("err = %v, want status in message", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if observed == nil {
		t.Error("hook did not observe the error")
	}
}

func TestRecommend(t *testing.T) {
	t.Parallel()

	srv, reqs := fakeAPI(t, http.StatusOK, "  1. Block 203.0.113.9 at the edge.\n2. Review auth logs.  ")
	c := newTestClient(srv)

	var in, out int64
	c.WithHooks(Hooks{OnCall: func(op string, i, o int64, _ float64, _ error) {
		if op == "recommend" {
			in, out = i, o
		}
	}})

	got, err := c.Recommend(context.Background(), &relay.Alert{
		Source:   "firewall",
		Severity: relay.SeverityCritical,
		Message:  "Multiple failed login attempts",
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if !strings.HasPrefix(got, "1. Block") {
		t.Errorf("recommendation = %q", got)
	}
	if in != 42 || out != 3 {
		t.Errorf("usage = %d/%d, want 42/3", in, out)
	}

	prompt := (*reqs)[0].Messages[0].Content[0].Text
	for _, want := range []string{"Source: firewall", "Severity: Critical", "Multiple failed login attempts"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q: %s", want, prompt)
		}
	}
}

func TestRecommend_Empty(t *testing.T) {
	t.Parallel()

	srv, _ := fakeAPI(t, http.StatusOK, "   ")
	if _, err := newTestClient(srv).Recommend(context.Background(), &relay.Alert{}); err == nil {
		t.Fatal("expected error for empty recommendation")
	}
}

var (
	_ relay.Strategy    = (*Client)(nil)
	_ relay.Recommender = (*Client)(nil)
)
