package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/promptctx"
)

// checkInTurns is how many recent messages a history-aware writer sees.
const checkInTurns = 4

const checkInSystemPrompt = "You write short, natural check-in text messages for a personal-injury law firm. You sound like a caring person at the firm, never like a template."

// CheckIn is a generated proactive message.
type CheckIn struct {
	ClientID    string    `json:"client_id,omitempty"`
	Message     string    `json:"message"`
	ScheduledAt time.Time `json:"scheduled_for"`
	Fallback    bool      `json:"fallback,omitempty"`
}

// CheckInWriter generates weekly check-in messages.
type CheckInWriter struct {
	writer Generator
	now    func() time.Time
}

// NewCheckInWriter returns a writer backed by gen. A nil clock uses time.Now.
func NewCheckInWriter(gen Generator, now func() time.Time) *CheckInWriter {
	if now == nil {
		now = time.Now
	}
	return &CheckInWriter{writer: gen, now: now}
}

// Write generates a check-in for the client. The tone follows days since the incident and the
// sentiment of the client's last message in history, neutral when there is none. Writers that
// accept history also see the latest turns. A failed generation falls back to a plain template.
func (w *CheckInWriter) Write(ctx context.Context, p models.ClientProfile, history []models.ConversationMessage) (CheckIn, error) {
	now := w.now()
	days := models.DaysSince(p.IncidentDate, now)
	out := CheckIn{ClientID: p.ID, ScheduledAt: now}

	lastSentiment, ok := promptctx.LastClientSentiment(history)
	if !ok {
		lastSentiment = models.SentimentNeutral
	}
	prompt := checkInPrompt(p, days, lastSentiment)

	var (
		text string
		err  error
	)
	if hg, ok := w.writer.(HistoryGenerator); ok && len(history) > 0 {
		text, err = hg.GenerateWithHistory(ctx, checkInSystemPrompt, models.Last(history, checkInTurns), prompt)
	} else {
		text, err = w.writer.Generate(ctx, checkInSystemPrompt, prompt)
	}
	text = cleanReply(text)
	if err != nil || text == "" {
		if err != nil {
			slog.Error("CheckInWriter.Write: generation failed, using template", "client", p.ID, "error", err)
		}
		out.Message = fallbackCheckIn(p)
		out.Fallback = true
		return out, err
	}
	out.Message = text
	slog.Debug("CheckInWriter.Write: check-in generated", "client", p.ID, "days_since_incident", days, "sentiment", lastSentiment)
	return out, nil
}

// TimelineGuidance returns the care focus for the number of days since the incident.
func TimelineGuidance(days int) string {
	switch {
	case days <= 7:
		return "First week: be extra gentle and supportive, focus on immediate recovery."
	case days <= 30:
		return "First month: offer ongoing support and ask how healing is going."
	case days <= 90:
		return "One to three months: maintain the connection and show interest in how things are progressing."
	default:
		return "Three months or more: maintain the relationship with long-term care."
	}
}

// SentimentGuidance returns the tone adjustment for the client's last sentiment.
func SentimentGuidance(s models.Sentiment) string {
	switch s {
	case models.SentimentNegative:
		return "Their last message was negative: be more personal and caring, and acknowledge their concerns."
	case models.SentimentPositive:
		return "Their last message was positive: be warm and encouraging."
	default:
		return "Be friendly with genuine interest, without being pushy."
	}
}

func checkInPrompt(p models.ClientProfile, days int, lastSentiment models.Sentiment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CLIENT INFO:\n- Name: %s\n- Case Manager: %s\n", p.FirstName(), firstWord(p.PrimaryCaseManager()))
	if p.Gender != "" {
		fmt.Fprintf(&b, "- Gender: %s\n", p.Gender)
	}
	fmt.Fprintf(&b, "- Days since incident: %d\n- Recent sentiment: %s\n\n", days, lastSentiment)
	b.WriteString("GUIDANCE:\n- ")
	b.WriteString(TimelineGuidance(days))
	b.WriteString("\n- ")
	b.WriteString(SentimentGuidance(lastSentiment))
	b.WriteString(`
- Mention the case manager naturally, first name only.
- SMS style, brief but genuinely caring. Vary the wording; never sound scripted.
- No legal or medical advice.

Write only the message text.`)
	return b.String()
}

func fallbackCheckIn(p models.ClientProfile) string {
	return fmt.Sprintf("Hi %s, just checking in to see how you're doing. %s and the team are here if you need anything.", p.FirstName(), capitalize(firstWord(p.PrimaryCaseManager())))
}

func firstWord(s string) string {
	if f := strings.Fields(s); len(f) > 0 && !strings.EqualFold(f[0], "your") {
		return f[0]
	}
	return s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
