package relay

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TicketCreator opens a ticket and returns its key.
type TicketCreator interface {
	CreateTicket(ctx context.Context, req *TicketRequest) (string, error)
}

// ChatPoster posts a chat message and returns a reference to it.
type ChatPoster interface {
	PostMessage(ctx context.Context, msg *ChatMessage) (string, error)
}

// TicketRequest is the integration-neutral ticket payload.
type TicketRequest struct {
	AlertID     string
	Summary     string
	Description string
	Labels      []string
	Priority    string
}

// ChatMessage is the integration-neutral chat payload. Channel may be empty,
// in which case the poster's default channel is used.
type ChatMessage struct {
	AlertID     string
	Channel     string
	Severity    Severity
	Source      string
	Text        string
	Attachments []Attachment
	CreatedAt   time.Time
}

// Attachment is a titled block of supplementary text.
type Attachment struct {
	Title string
	Text  string
	Link  string
}

// DedupLabel tags downstream records with the alert that produced them.
func DedupLabel(alertID string) string {
	return "alertrelay-" + strings.ToLower(alertID)
}

// TicketPriority maps a severity to a ticket priority name.
func TicketPriority(sev Severity) string {
	switch sev {
	case SeverityCritical:
		return "Highest"
	case SeverityHigh:
		return "High"
	case SeverityLow:
		return "Low"
	default:
		return "Medium"
	}
}

// BuildTicketRequest renders the ticket for an alert.
func BuildTicketRequest(a *Alert) *TicketRequest {
	desc := fmt.Sprintf(`Security Alert Details
Severity: %s
Source: %s
Alert ID: %s
Time: %s

Message:
%s`, a.Severity, a.Source, a.ID, a.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"), a.Message)

	return &TicketRequest{
		AlertID:     a.ID,
		Summary:     fmt.Sprintf("[%s] Security Alert from %s", a.Severity, a.Source),
		Description: desc,
		Labels: []string{
			"security-alert",
			labelize(a.Source),
			strings.ToLower(string(a.Severity)),
			DedupLabel(a.ID),
		},
		Priority: TicketPriority(a.Severity),
	}
}

// BuildChatMessage renders the notification for an alert. When the alert's
// ticket is already delivered the message references it.
func BuildChatMessage(a *Alert, channel string) *ChatMessage {
	msg := &ChatMessage{
		AlertID:   a.ID,
		Channel:   channel,
		Severity:  a.Severity,
		Source:    a.Source,
		Text:      fmt.Sprintf("Security Alert: %s severity from %s", a.Severity, a.Source),
		CreatedAt: a.CreatedAt,
		Attachments: []Attachment{
			{Title: "Alert message", Text: a.Message},
		},
	}
	if t := a.Action(ActionCreateTicket); t != nil && t.State == ActionDelivered && t.TargetRef != "" {
		msg.Attachments = append(msg.Attachments, Attachment{Title: "Ticket", Text: t.TargetRef})
	}
	return msg
}

func labelize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown-source"
	}
	return strings.Join(strings.Fields(s), "-")
}
