// Package claude classifies alerts and drafts incident response
// recommendations with the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/alertrelay/internal/relay"
)

const (
	classifyMaxTokens  = 10
	recommendMaxTokens = 512
)

const classifySystemPrompt = `You are a security operations triage assistant. Classify the severity of the security alert you are given.
Answer with exactly one word from this list: Critical, High, Medium, Low.
Do not explain your answer.`

const recommendSystemPrompt = `You are a security incident responder. Given a security alert, give a concise, ordered incident response plan:
containment first, then investigation, then recovery. Plain text, no more than ten steps.`

// Hooks receives one notification per API call. Nil funcs are skipped.
type Hooks struct {
	OnCall func(op string, inputTokens, outputTokens int64, duration float64, err error)
}

// Client implements relay.Strategy and relay.Recommender on top of the Anthropic SDK.
type Client struct {
	sdk   anthropic.Client
	model string
	hooks Hooks
}

// New creates a Client. Extra request options (base URL, HTTP client) are
// passed to the SDK. SDK retries are disabled; retry policy lives in the relay.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	return &Client{
		sdk:   anthropic.NewClient(append(base, opts...)...),
		model: model,
	}
}

// WithHooks sets call hooks and returns the client.
func (c *Client) WithHooks(h Hooks) *Client {
	c.hooks = h
	return c
}

// Name implements relay.Strategy.
func (c *Client) Name() string { return "claude" }

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Classify asks the model for a one-word severity label. The label is
// returned as-is; the relay classifier validates it.
func (c *Client) Classify(ctx context.Context, message string) (relay.Classification, error) {
	text, err := c.complete(ctx, "classify", classifySystemPrompt,
		"Classify the severity of this alert:\n\n"+message, classifyMaxTokens)
	if err != nil {
		return relay.Classification{}, err
	}

	label := strings.TrimSpace(text)
	if f := strings.Fields(label); len(f) > 0 {
		label = f[0]
	}
	return relay.Classification{Severity: relay.Severity(label), Confidence: 1}, nil
}

// Recommend drafts an incident response plan for an alert.
func (c *Client) Recommend(ctx context.Context, a *relay.Alert) (string, error) {
	prompt := fmt.Sprintf("Provide a security incident response for the following alert:\nSource: %s\nSeverity: %s\nMessage: %s",
		a.Source, a.Severity, a.Message)

	text, err := c.complete(ctx, "recommend", recommendSystemPrompt, prompt, recommendMaxTokens)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("claude returned an empty recommendation")
	}
	return text, nil
}

func (c *Client) complete(ctx context.Context, op, system, prompt string, maxTokens int64) (string, error) {
	start := time.Now()
	msg, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   maxTokens,
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(0),
	})
	dur := time.Since(start).Seconds()

	if err != nil {
		err = describeError(err)
		c.observe(op, 0, 0, dur, err)
		return "", err
	}
	c.observe(op, msg.Usage.InputTokens, msg.Usage.OutputTokens, dur, nil)

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

func (c *Client) observe(op string, in, out int64, dur float64, err error) {
	if c.hooks.OnCall != nil {
		c.hooks.OnCall(op, in, out, dur, err)
	}
}

// describeError keeps the API status visible in the degradation reason.
func describeError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("claude api status %d: %w", apiErr.StatusCode, err)
	}
	return fmt.Errorf("claude request: %w", err)
}
