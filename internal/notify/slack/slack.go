// Package slack posts alert notifications to Slack, either through the Web
// API (chat.postMessage with a bot token) or an incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/alertrelay/internal/relay"
)

const (
	defaultAPIURL = "https://slack.com/api"
	maxSectionLen = 3000
	httpTimeout   = 10 * time.Second
)

// Config selects the delivery mode. Token takes precedence over WebhookURL.
type Config struct {
	Token      string
	Channel    string // default channel for Web API mode
	WebhookURL string
	APIURL     string // overrides https://slack.com/api, for tests
}

// Notifier implements relay.ChatPoster.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger log.Logger
}

// New creates a Slack notifier.
func New(cfg Config, logger log.Logger) (*Notifier, error) {
	if cfg.Token == "" && cfg.WebhookURL == "" {
		return nil, errors.New("slack: token or webhook url is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: httpTimeout},
		logger: logger,
	}, nil
}

// WithHTTPClient replaces the HTTP client. Used to add tracing transports.
func (n *Notifier) WithHTTPClient(hc *http.Client) *Notifier {
	n.client = hc
	return n
}

type apiResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

// PostMessage sends msg and returns "<channel>:<ts>" in Web API mode or
// "webhook" in webhook mode.
func (n *Notifier) PostMessage(ctx context.Context, msg *relay.ChatMessage) (string, error) {
	payload := buildMessage(msg)

	if n.cfg.Token == "" {
		if err := n.post(ctx, n.cfg.WebhookURL, payload, nil); err != nil {
			return "", err
		}
		return "webhook", nil
	}

	channel := msg.Channel
	if channel == "" {
		channel = n.cfg.Channel
	}
	if channel == "" {
		return "", relay.Permanent(errors.New("slack: no channel configured"))
	}
	payload["channel"] = channel

	var resp apiResponse
	if err := n.post(ctx, n.cfg.APIURL+"/chat.postMessage", payload, &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", apiError(resp.Error)
	}
	return resp.Channel + ":" + resp.TS, nil
}

func (n *Notifier) post(ctx context.Context, url string, payload any, out *apiResponse) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return relay.Permanent(fmt.Errorf("slack: marshal message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return relay.Permanent(fmt.Errorf("slack: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if n.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.Token)
	}

	resp, err := n.client.Do(req) //nolint:gosec // G704: url is from trusted config, not user input
	if err != nil {
		return relay.Transient(fmt.Errorf("slack: post: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			n.logger.Warn(ctx, "slack rate limited", "retry_after", ra)
		}
		return relay.HTTPError(resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return relay.Transient(fmt.Errorf("slack: decode response: %w", err))
	}
	return nil
}

// transientCodes are Web API error codes worth retrying. Anything else
// (auth, channel, payload problems) will not fix itself.
var transientCodes = map[string]bool{
	"ratelimited":         true,
	"internal_error":      true,
	"fatal_error":         true,
	"service_unavailable": true,
	"request_timeout":     true,
}

func apiError(code string) error {
	err := fmt.Errorf("slack: chat.postMessage: %s", code)
	if transientCodes[code] {
		return relay.Transient(err)
	}
	return relay.Permanent(err)
}

func buildMessage(m *relay.ChatMessage) map[string]any {
	blocks := []map[string]any{
		headerBlock(m),
		fieldsBlock(m),
		{"type": "divider"},
	}
	for _, a := range m.Attachments {
		blocks = append(blocks, attachmentBlock(a))
	}
	blocks = append(blocks, contextBlock(m))

	return map[string]any{
		// text is the notification fallback
		"text":   m.Text,
		"blocks": blocks,
	}
}

func headerBlock(m *relay.ChatMessage) map[string]any {
	text := fmt.Sprintf("%s Security Alert: %s", severityEmoji(m.Severity), m.Severity)
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150),
		},
	}
}

func fieldsBlock(m *relay.ChatMessage) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s", m.Severity),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Source:* %s", escape(m.Source)),
		},
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func attachmentBlock(a relay.Attachment) map[string]any {
	text := escape(a.Text)
	if a.Link != "" {
		text = fmt.Sprintf("<%s|%s>", a.Link, text)
	}
	text = truncate(fmt.Sprintf("*%s*\n%s", escape(a.Title), text), maxSectionLen)
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func contextBlock(m *relay.ChatMessage) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("alertrelay • alert %s • %s", m.AlertID, m.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}
	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func severityEmoji(sev relay.Severity) string {
	switch sev {
	case relay.SeverityCritical:
		return "\U0001f534" // red circle
	case relay.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case relay.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	case relay.SeverityLow:
		return "\U0001f7e2" // green circle
	default:
		return "⚪" // white circle
	}
}

// escape neutralizes Slack control sequences in untrusted text.
var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string { return escaper.Replace(s) }

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

var _ relay.ChatPoster = (*Notifier)(nil)
