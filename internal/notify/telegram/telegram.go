// Package telegram posts alert notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "gopkg.in/telegram-bot-api.v4"

	"github.com/linnemanlabs/alertrelay/internal/relay"
)

const (
	maxMsgLength        = 4096
	maxAttachmentLength = 3000
	httpTimeout         = 15 * time.Second
)

// BotAPI is the subset of *tgbotapi.BotAPI the notifier uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier implements relay.ChatPoster. Critical alerts go to criticalChatID
// when it is set, everything else to chatID.
type Notifier struct {
	bot            BotAPI
	chatID         int64
	criticalChatID int64
}

// New connects to the Bot API with token. A nil hc gets a client with a
// request timeout, since Send takes no context.
func New(token string, chatID, criticalChatID int64, hc *http.Client) (*Notifier, error) {
	if token == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	if hc == nil {
		hc = &http.Client{Timeout: httpTimeout}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, hc)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	return NewWithBot(bot, chatID, criticalChatID), nil
}

// NewWithBot wraps an existing bot client.
func NewWithBot(bot BotAPI, chatID, criticalChatID int64) *Notifier {
	return &Notifier{bot: bot, chatID: chatID, criticalChatID: criticalChatID}
}

// PostMessage sends msg as one Bot API message and returns
// "<chat id>:<message id>". Oversized text is truncated rather than split so
// a retry never repeats an already delivered part.
func (n *Notifier) PostMessage(ctx context.Context, msg *relay.ChatMessage) (string, error) {
	chatID, err := n.chatFor(msg)
	if err != nil {
		return "", relay.Permanent(err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sent, err := n.bot.Send(tgbotapi.NewMessage(chatID, formatMessage(msg)))
	if err != nil {
		return "", classify(err)
	}
	return fmt.Sprintf("%d:%d", chatID, sent.MessageID), nil
}

func (n *Notifier) chatFor(msg *relay.ChatMessage) (int64, error) {
	if msg.Channel != "" {
		id, err := strconv.ParseInt(msg.Channel, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("telegram: channel %q is not a chat id", msg.Channel)
		}
		return id, nil
	}
	if msg.Severity == relay.SeverityCritical && n.criticalChatID != 0 {
		return n.criticalChatID, nil
	}
	if n.chatID == 0 {
		return 0, errors.New("telegram: no chat id configured")
	}
	return n.chatID, nil
}

func formatMessage(m *relay.ChatMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Security Alert\nSeverity: %s\nSource: %s\nAlert ID: %s\n",
		severityMark(m.Severity), m.Severity, m.Source, m.AlertID)
	for _, a := range m.Attachments {
		b.WriteString("\n")
		b.WriteString(a.Title)
		b.WriteString(":\n")
		b.WriteString(truncate(a.Text, maxAttachmentLength))
		if a.Link != "" {
			b.WriteString("\n")
			b.WriteString(a.Link)
		}
		b.WriteString("\n")
	}
	return truncate(strings.TrimRight(b.String(), "\n"), maxMsgLength)
}

func severityMark(sev relay.Severity) string {
	switch sev {
	case relay.SeverityCritical:
		return "\U0001f534"
	case relay.SeverityHigh:
		return "\U0001f7e0"
	case relay.SeverityMedium:
		return "\U0001f7e1"
	case relay.SeverityLow:
		return "\U0001f7e2"
	default:
		return "⚪"
	}
}

// truncate cuts s to at most limit bytes on a rune boundary, marking the cut.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len("...")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// classify maps Bot API failures onto delivery error classes. The v4 client
// reports API errors as the response description text only.
func classify(err error) error {
	var ue *url.Error
	var ne net.Error
	if errors.As(err, &ue) || errors.As(err, &ne) {
		return relay.Transient(fmt.Errorf("telegram: send: %w", err))
	}

	desc := err.Error()
	switch {
	case strings.HasPrefix(desc, "Too Many Requests"),
		strings.Contains(desc, "Internal Server Error"),
		strings.Contains(desc, "Bad Gateway"),
		strings.Contains(desc, "Gateway Timeout"),
		strings.Contains(desc, "Service Unavailable"):
		return relay.Transient(fmt.Errorf("telegram: send: %w", err))
	case strings.HasPrefix(desc, "Bad Request"),
		strings.HasPrefix(desc, "Forbidden"),
		strings.HasPrefix(desc, "Unauthorized"),
		strings.HasPrefix(desc, "Not Found"):
		return relay.Permanent(fmt.Errorf("telegram: send: %w", err))
	}
	return relay.Transient(fmt.Errorf("telegram: send: %w", err))
}

var _ relay.ChatPoster = (*Notifier)(nil)
