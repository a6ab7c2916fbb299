// Package jira opens tickets through the Jira REST API v2.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/alertrelay/internal/relay"
)

const (
	httpTimeout      = 15 * time.Second
	defaultIssueType = "Task"
	maxSummaryLen    = 250
)

// Config holds the Jira connection settings.
type Config struct {
	BaseURL   string // e.g. https://example.atlassian.net
	Email     string
	APIToken  string
	Project   string // project key, e.g. SEC
	IssueType string
	// NoPriority skips the priority field for projects whose screens reject it.
	NoPriority bool
}

// Client implements relay.TicketCreator.
type Client struct {
	cfg    Config
	base   string
	client *http.Client
}

// New creates a Jira client.
func New(cfg Config) *Client {
	if cfg.IssueType == "" {
		cfg.IssueType = defaultIssueType
	}
	return &Client{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{Timeout: httpTimeout},
	}
}

// WithHTTPClient replaces the HTTP client. Used to add tracing transports.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

type issueFields struct {
	Project     keyRef   `json:"project"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	IssueType   nameRef  `json:"issuetype"`
	Labels      []string `json:"labels,omitempty"`
	Priority    *nameRef `json:"priority,omitempty"`
}

type keyRef struct {
	Key string `json:"key"`
}

type nameRef struct {
	Name string `json:"name"`
}

type createResponse struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

type searchResponse struct {
	Total  int      `json:"total"`
	Issues []keyRef `json:"issues"`
}

// CreateTicket opens an issue for the request. When an issue carrying the
// alert's dedup label already exists its key is returned instead, so a crash
// between creating the issue and recording it does not yield a duplicate.
func (c *Client) CreateTicket(ctx context.Context, req *relay.TicketRequest) (string, error) {
	if req.AlertID != "" {
		key, err := c.findByLabel(ctx, relay.DedupLabel(req.AlertID))
		if err != nil {
			return "", err
		}
		if key != "" {
			return key, nil
		}
	}

	fields := issueFields{
		Project:     keyRef{Key: c.cfg.Project},
		Summary:     truncate(req.Summary, maxSummaryLen),
		Description: req.Description,
		IssueType:   nameRef{Name: c.cfg.IssueType},
		Labels:      req.Labels,
	}
	if req.Priority != "" && !c.cfg.NoPriority {
		fields.Priority = &nameRef{Name: req.Priority}
	}

	var out createResponse
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/issue", map[string]any{"fields": fields}, &out); err != nil {
		return "", err
	}
	if out.Key == "" {
		return "", relay.Permanent(fmt.Errorf("jira: create issue: response has no key"))
	}
	return out.Key, nil
}

func (c *Client) findByLabel(ctx context.Context, label string) (string, error) {
	q := url.Values{}
	q.Set("jql", fmt.Sprintf(`project = %q AND labels = %q`, c.cfg.Project, label))
	q.Set("maxResults", "1")
	q.Set("fields", "key")

	var out searchResponse
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/search?"+q.Encode(), nil, &out); err != nil {
		return "", fmt.Errorf("jira: search %s: %w", label, err)
	}
	if len(out.Issues) == 0 {
		return "", nil
	}
	return out.Issues[0].Key, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return relay.Permanent(fmt.Errorf("jira: marshal request: %w", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return relay.Permanent(fmt.Errorf("jira: create request: %w", err))
	}
	req.SetBasicAuth(c.cfg.Email, c.cfg.APIToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req) //nolint:gosec // base URL is from trusted config
	if err != nil {
		return relay.Transient(fmt.Errorf("jira: %s %s: %w", method, path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return relay.HTTPError(resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return relay.Transient(fmt.Errorf("jira: decode response: %w", err))
	}
	return nil
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

var _ relay.TicketCreator = (*Client)(nil)
