// Package notify tells case managers about flagged and high-concern client messages.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// ErrNoRecipient is returned when no notification address is configured.
var ErrNoRecipient = errors.New("notify: no recipient configured")

// Notifier delivers case-manager notifications for a triage decision.
type Notifier interface {
	NotifyCaseManager(ctx context.Context, p models.ClientProfile, d models.FinalDecision) error
}

// EmailMessage is one outgoing email.
type EmailMessage struct {
	To      string
	ToName  string
	Subject string
	Body    string
}

// EmailSender sends a single email.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

type sendClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridSender sends email through the SendGrid v3 API.
type SendGridSender struct {
	client    sendClient
	fromEmail string
	fromName  string
}

// NewSendGridSender returns nil when apiKey is empty.
func NewSendGridSender(apiKey, fromEmail, fromName string) *SendGridSender {
	if apiKey == "" {
		return nil
	}
	if fromName == "" {
		fromName = "TriagePipe"
	}
	return &SendGridSender{client: sendgrid.NewSendClient(apiKey), fromEmail: fromEmail, fromName: fromName}
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(s.fromName, s.fromEmail))
	message.Subject = msg.Subject
	personalization := mail.NewPersonalization()
	personalization.AddTos(mail.NewEmail(msg.ToName, msg.To))
	message.AddPersonalizations(personalization)
	message.AddContent(mail.NewContent("text/plain", msg.Body))

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		slog.Error("SendGridSender.Send: request failed", "to", msg.To, "error", err)
		return fmt.Errorf("notify: sendgrid send failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		slog.Error("SendGridSender.Send: error status", "status", resp.StatusCode, "body", resp.Body, "to", msg.To)
		return fmt.Errorf("notify: sendgrid returned status %d", resp.StatusCode)
	}
	slog.Info("SendGridSender.Send: email sent", "to", msg.To, "subject", msg.Subject, "status", resp.StatusCode)
	return nil
}

// LogSender only logs. It is used when email is not configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg EmailMessage) error {
	slog.Info("LogSender.Send: email not configured, logging notification", "to", msg.To, "subject", msg.Subject, "body", msg.Body)
	return nil
}

// EmailNotifier formats decisions as case-manager emails.
type EmailNotifier struct {
	sender EmailSender
	to     string
}

// NewEmailNotifier sends notifications to the address to. A nil sender logs instead.
func NewEmailNotifier(sender EmailSender, to string) *EmailNotifier {
	if sender == nil {
		sender = LogSender{}
	}
	return &EmailNotifier{sender: sender, to: to}
}

func (n *EmailNotifier) NotifyCaseManager(ctx context.Context, p models.ClientProfile, d models.FinalDecision) error {
	if n.to == "" {
		return ErrNoRecipient
	}
	return n.sender.Send(ctx, EmailMessage{
		To:      n.to,
		ToName:  p.PrimaryCaseManager(),
		Subject: Subject(p, d),
		Body:    Body(p, d),
	})
}

// Subject is the one-line summary of a notification.
func Subject(p models.ClientProfile, d models.FinalDecision) string {
	urgency := d.Urgency
	if urgency == "" {
		urgency = models.UrgencyMedium
	}
	verb := "needs review"
	if !d.ShouldFlag {
		verb = "shows high concern"
	}
	return fmt.Sprintf("[%s] %s %s", strings.ToUpper(string(urgency)), p.Name, verb)
}

// Body renders the decision for a human reader.
func Body(p models.ClientProfile, d models.FinalDecision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Client: %s\n", p.Name)
	if p.Phone != "" {
		fmt.Fprintf(&b, "Phone: %s\n", p.Phone)
	}
	fmt.Fprintf(&b, "Case manager: %s\n\n", p.PrimaryCaseManager())
	fmt.Fprintf(&b, "Message:\n%s\n\n", d.Message)
	fmt.Fprintf(&b, "Action: %s\nConcern: %s\nSentiment: %s\nConfidence: %.2f\n", d.Action, d.ConcernLevel, d.Sentiment, d.Confidence)
	if len(d.FlagReasons) > 0 {
		b.WriteString("\nReasons:\n")
		for _, r := range d.FlagReasons {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if d.Reasoning != "" {
		fmt.Fprintf(&b, "\nReasoning: %s\n", d.Reasoning)
	}
	return b.String()
}

// NotifyFollowUp reminds the case manager of a follow-up that has come due.
func (n *EmailNotifier) NotifyFollowUp(ctx context.Context, p models.ClientProfile, item models.ActionItem) error {
	if n.to == "" {
		return ErrNoRecipient
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Client: %s\n", p.Name)
	if p.Phone != "" {
		fmt.Fprintf(&b, "Phone: %s\n", p.Phone)
	}
	fmt.Fprintf(&b, "Case manager: %s\n\n", p.PrimaryCaseManager())
	fmt.Fprintf(&b, "Task: %s\nType: %s\nDue: %s\n", item.Task, item.Type, item.ScheduledDate.Format("2006-01-02"))
	return n.sender.Send(ctx, EmailMessage{
		To:      n.to,
		ToName:  p.PrimaryCaseManager(),
		Subject: fmt.Sprintf("[%s] Follow-up due for %s", strings.ToUpper(string(item.Priority)), p.Name),
		Body:    b.String(),
	})
}
