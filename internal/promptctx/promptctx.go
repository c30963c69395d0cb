// Package promptctx renders client profiles and conversation histories into prompt text.
//
// Every builder here is a pure function of its inputs: the same profile, history and clock
// always render the same text.
package promptctx

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/signals"
)

// DefaultWindow is the number of trailing messages printed by BuildConversationContext.
const DefaultWindow = 5

const (
	// minPatternHistory is the history length from which conversation patterns are reported.
	minPatternHistory = 3
	// patternClientWindow bounds the client messages scanned for patterns.
	patternClientWindow = 10
	// escalationWindow bounds the system messages scanned for escalation notes.
	escalationWindow = 5
	// trendWindow is the number of sentiments printed in the recent trend.
	trendWindow = 3
)

// NoHistory is rendered when there is no prior conversation.
const NoHistory = "No previous conversation history"

// BuildClientContext renders the profile with timeline and relationship notes.
// Unparseable dates count as 0 days.
func BuildClientContext(p models.ClientProfile, now time.Time) string {
	var lines []string

	if p.Name != "" {
		lines = append(lines, "Name: "+p.Name)
	}
	if p.Gender != "" {
		lines = append(lines, "Gender: "+p.Gender)
	}
	if p.IncidentDate != "" {
		days := models.DaysSince(p.IncidentDate, now)
		lines = append(lines, fmt.Sprintf("Days since incident: %d", days), "- Timeline context: "+incidentNote(days))
	}
	if p.SignupDate != "" {
		days := models.DaysSince(p.SignupDate, now)
		lines = append(lines, fmt.Sprintf("Days since signup: %d", days), "- Relationship context: "+signupNote(days))
	}
	if p.Lawyer != "" {
		lines = append(lines, "Lawyer: "+p.Lawyer)
	}
	if len(p.CaseManagers) > 0 {
		lines = append(lines, "Case Manager: "+strings.Join(p.CaseManagers, ", "))
	}
	if p.Injuries != "" {
		lines = append(lines, "Injuries: "+p.Injuries)
	}
	if p.CaseInfo != "" {
		lines = append(lines, "Case Info: "+p.CaseInfo)
	}
	return strings.Join(lines, "\n")
}

func incidentNote(days int) string {
	switch {
	case days < 30:
		return "Fresh incident, likely high emotional state"
	case days < 90:
		return "Early case phase, establishing trust period"
	case days < 365:
		return "Active case development, may have timeline concerns"
	default:
		return "Long-term case, possible frustration with delays"
	}
}

func signupNote(days int) string {
	switch {
	case days < 7:
		return "New client, onboarding phase"
	case days < 30:
		return "Establishing relationship, building trust"
	case days < 90:
		return "Active engagement period"
	default:
		return "Established client, expect familiarity"
	}
}

// BuildConversationContext renders the last window messages and, once the history has at least
// three entries, a summary of conversation patterns. A non-positive window uses DefaultWindow.
func BuildConversationContext(history []models.ConversationMessage, window int) string {
	if len(history) == 0 {
		return NoHistory
	}
	if window <= 0 {
		window = DefaultWindow
	}

	lines := []string{"RECENT CONVERSATION:"}
	for i, m := range models.Last(history, window) {
		sender := m.Sender
		if sender == "" {
			sender = "unknown"
		}
		lines = append(lines, fmt.Sprintf("%d. %s (%s): %s", i+1, sender, m.Timestamp, m.Content))
	}

	if len(history) >= minPatternHistory {
		lines = append(lines, "", "CONVERSATION PATTERNS:")
		recent := models.Last(models.ClientMessages(history), patternClientWindow)
		if len(recent) > 0 {
			trend := signals.SentimentTimeline(recent)
			if len(trend) > trendWindow {
				trend = trend[len(trend)-trendWindow:]
			}
			lines = append(lines, "- Recent sentiment trend: "+joinSentiments(trend))

			var recurring []string
			for _, topic := range signals.ConversationTopics {
				if topic.Count(recent) > 1 {
					recurring = append(recurring, topic.Name)
				}
			}
			if len(recurring) > 0 {
				lines = append(lines, "- Recurring topics: "+strings.Join(recurring, ", "))
			}
		}

		if system := models.SystemMessages(history); len(system) > 0 {
			lines = append(lines, fmt.Sprintf("- Previous system responses: %d", len(system)))
			if n := RecentEscalations(history); n > 0 {
				lines = append(lines, fmt.Sprintf("- Recent escalations/flags: %d", n))
			}
		}
	}
	return strings.Join(lines, "\n")
}

func joinSentiments(s []models.Sentiment) string {
	parts := make([]string, len(s))
	for i, v := range s {
		parts[i] = string(v)
	}
	return strings.Join(parts, " → ")
}

// RecentEscalations counts escalation notes among the last five system messages.
func RecentEscalations(history []models.ConversationMessage) int {
	return signals.Escalation.Count(models.Last(models.SystemMessages(history), escalationWindow))
}

// HasRepeatedConcerns reports whether any recent client message repeats another one, in the
// sense that one message's text is contained in another's.
func HasRepeatedConcerns(history []models.ConversationMessage) bool {
	recent := models.Last(models.ClientMessages(history), patternClientWindow)
	for i, a := range recent {
		ac := strings.ToLower(strings.TrimSpace(a.Content))
		if ac == "" {
			continue
		}
		for j, b := range recent {
			bc := strings.ToLower(strings.TrimSpace(b.Content))
			if i != j && bc != "" && strings.Contains(ac, bc) {
				return true
			}
		}
	}
	return false
}

// UnansweredQuestions counts client questions sent since the last system or AI message.
func UnansweredQuestions(history []models.ConversationMessage) int {
	n := 0
	for _, m := range history {
		switch {
		case m.IsSystem():
			n = 0
		case m.IsClient() && strings.Contains(m.Content, "?"):
			n++
		}
	}
	return n
}

// LastClientSentiment classifies the most recent client message in history.
// ok is false when history has no client messages.
func LastClientSentiment(history []models.ConversationMessage) (models.Sentiment, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsClient() {
			return signals.ClassifySentiment(history[i].Content), true
		}
	}
	return models.SentimentNeutral, false
}

// AverageLength is the mean content length of msgs in characters, 0 for none.
func AverageLength(msgs []models.ConversationMessage) float64 {
	if len(msgs) == 0 {
		return 0
	}
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return float64(total) / float64(len(msgs))
}
