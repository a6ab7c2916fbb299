package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Classifier strategies.
const (
	ClassifierClaude  = "claude"
	ClassifierPattern = "pattern"
	ClassifierChain   = "chain"
)

// Chat backends. ChatAuto picks Slack when configured, then Telegram.
const (
	ChatAuto     = "auto"
	ChatSlack    = "slack"
	ChatTelegram = "telegram"
	ChatNone     = "none"
)

// Config holds application settings for the relay. Library packages
// register their own flags in main.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APITokens             string

	DatabaseURL     string
	DBMaxConns      int
	DBSlowQuery     time.Duration
	PolicyFile      string
	Classifier      string
	ClassifyTimeout time.Duration
	ClaudeAPIKey    string
	ClaudeModel     string
	ClaudeBaseURL   string

	JiraURL       string
	JiraEmail     string
	JiraAPIToken  string
	JiraProject   string
	JiraIssueType string
	JiraNoPrio    bool

	Chat                   string
	SlackToken             string
	SlackChannel           string
	SlackWebhookURL        string
	TelegramToken          string
	TelegramChatID         int64
	TelegramCriticalChatID int64

	MaxAttempts     int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	CallTimeout     time.Duration
	RateLimit       float64
	RateBurst       int
	BreakerFailures int
	BreakerCooldown time.Duration
	SweepInterval   time.Duration

	NATSURL     string
	NATSSubject string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APITokens, "api-token", "", "comma-separated bearer tokens accepted by the API (empty = no auth)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum PostgreSQL pool connections (0 = pgx default, max 1000)")
	fs.DurationVar(&c.DBSlowQuery, "db-slow-query", 500*time.Millisecond, "log queries slower than this (0 = off)")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML routing/pattern policy (empty = built-in default routing)")
	fs.StringVar(&c.Classifier, "classifier", ClassifierClaude, "severity classifier: claude, pattern or chain")
	fs.DurationVar(&c.ClassifyTimeout, "classify-timeout", 5*time.Second, "timeout for one classification (max 60s)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.ClaudeBaseURL, "claude-base-url", "", "override the Anthropic API base URL")

	fs.StringVar(&c.JiraURL, "jira-url", "", "Jira base URL (empty = ticket actions fail permanently)")
	fs.StringVar(&c.JiraEmail, "jira-email", "", "Jira account email")
	fs.StringVar(&c.JiraAPIToken, "jira-api-token", "", "Jira API token")
	fs.StringVar(&c.JiraProject, "jira-project", "SEC", "Jira project key")
	fs.StringVar(&c.JiraIssueType, "jira-issue-type", "Task", "Jira issue type")
	fs.BoolVar(&c.JiraNoPrio, "jira-no-priority", false, "do not set issue priority")

	fs.StringVar(&c.Chat, "chat", ChatAuto, "chat backend: auto, slack, telegram or none")
	fs.StringVar(&c.SlackToken, "slack-token", "", "Slack bot token for chat.postMessage")
	fs.StringVar(&c.SlackChannel, "slack-channel", "", "Slack channel for notifications")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack incoming webhook URL (used when no bot token)")
	fs.StringVar(&c.TelegramToken, "telegram-token", "", "Telegram bot token")
	fs.Int64Var(&c.TelegramChatID, "telegram-chat-id", 0, "Telegram chat id for notifications")
	fs.Int64Var(&c.TelegramCriticalChatID, "telegram-critical-chat-id", 0, "Telegram chat id for Critical alerts (0 = same chat)")

	fs.IntVar(&c.MaxAttempts, "max-attempts", 5, "integration calls per action per drive (1..20)")
	fs.DurationVar(&c.RetryInitial, "retry-initial", 500*time.Millisecond, "initial retry backoff")
	fs.DurationVar(&c.RetryMax, "retry-max", 30*time.Second, "maximum retry backoff")
	fs.DurationVar(&c.CallTimeout, "call-timeout", 15*time.Second, "timeout for one integration call")
	fs.Float64Var(&c.RateLimit, "rate-limit", 5, "integration calls per second per integration (0 = unlimited)")
	fs.IntVar(&c.RateBurst, "rate-burst", 10, "integration call burst")
	fs.IntVar(&c.BreakerFailures, "breaker-failures", 5, "consecutive transient failures that open an integration circuit (0 = never)")
	fs.DurationVar(&c.BreakerCooldown, "breaker-cooldown", 30*time.Second, "how long an open circuit rejects calls")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Minute, "interval for resuming stuck and redriving failed alerts (0 = off)")

	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS URL for lifecycle events (empty = disabled)")
	fs.StringVar(&c.NATSSubject, "nats-subject", "alertrelay.events", "NATS subject prefix for lifecycle events")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DBMaxConns < 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 0..1000)", c.DBMaxConns))
	}

	switch c.Classifier {
	case ClassifierClaude, ClassifierChain:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, fmt.Errorf("CLAUDE_API_KEY is required for CLASSIFIER=%s", c.Classifier))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required"))
		}
	case ClassifierPattern:
		if c.PolicyFile == "" {
			errs = append(errs, errors.New("POLICY_FILE is required for CLASSIFIER=pattern"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid CLASSIFIER %q (must be claude, pattern or chain)", c.Classifier))
	}
	if c.ClassifyTimeout <= 0 || c.ClassifyTimeout > time.Minute {
		errs = append(errs, fmt.Errorf("invalid CLASSIFY_TIMEOUT %s (must be within (0, 1m])", c.ClassifyTimeout))
	}

	// Jira is optional, but all-or-nothing
	if c.JiraURL != "" && (c.JiraEmail == "" || c.JiraAPIToken == "" || c.JiraProject == "") {
		errs = append(errs, errors.New("JIRA_EMAIL, JIRA_API_TOKEN and JIRA_PROJECT are required with JIRA_URL"))
	}

	switch c.Chat {
	case ChatAuto, ChatNone:
	case ChatSlack:
		if c.SlackWebhookURL == "" && (c.SlackToken == "" || c.SlackChannel == "") {
			errs = append(errs, errors.New("CHAT=slack requires SLACK_TOKEN with SLACK_CHANNEL, or SLACK_WEBHOOK_URL"))
		}
	case ChatTelegram:
		if c.TelegramToken == "" || c.TelegramChatID == 0 {
			errs = append(errs, errors.New("CHAT=telegram requires TELEGRAM_TOKEN and TELEGRAM_CHAT_ID"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid CHAT %q (must be auto, slack, telegram or none)", c.Chat))
	}

	// Delivery retry policy
	if c.MaxAttempts < 1 || c.MaxAttempts > 20 {
		errs = append(errs, fmt.Errorf("invalid MAX_ATTEMPTS %d (must be 1..20)", c.MaxAttempts))
	}
	if c.RetryInitial <= 0 || c.RetryMax < c.RetryInitial {
		errs = append(errs, fmt.Errorf("invalid RETRY_INITIAL %s / RETRY_MAX %s (need 0 < initial <= max)", c.RetryInitial, c.RetryMax))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid CALL_TIMEOUT %s (must be > 0)", c.CallTimeout))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT %v (must be >= 0)", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("invalid RATE_BURST %d (must be >= 1 with RATE_LIMIT)", c.RateBurst))
	}
	if c.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("invalid BREAKER_FAILURES %d (must be >= 0)", c.BreakerFailures))
	}
	if c.BreakerFailures > 0 && c.BreakerCooldown <= 0 {
		errs = append(errs, fmt.Errorf("invalid BREAKER_COOLDOWN %s (must be > 0)", c.BreakerCooldown))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_INTERVAL %s (must be >= 0)", c.SweepInterval))
	}

	if c.NATSURL != "" && c.NATSSubject == "" {
		errs = append(errs, errors.New("NATS_SUBJECT is required with NATS_URL"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ChatBackend resolves ChatAuto to the configured backend.
func (c *Config) ChatBackend() string {
	if c.Chat != ChatAuto {
		return c.Chat
	}
	switch {
	case c.SlackWebhookURL != "" || (c.SlackToken != "" && c.SlackChannel != ""):
		return ChatSlack
	case c.TelegramToken != "" && c.TelegramChatID != 0:
		return ChatTelegram
	}
	return ChatNone
}
