package promptctx

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

const (
	highEngagementMessages = 5
	longMessageChars       = 100
	styleWindow            = 3
)

// SentimentInsights summarizes conversation volume for the sentiment stage.
func SentimentInsights(history []models.ConversationMessage, messageCount int) string {
	if len(history) == 0 {
		return ""
	}
	return block("CONVERSATION INSIGHTS:",
		fmt.Sprintf("Total conversation messages: %d", len(history)),
		fmt.Sprintf("Client messages: %d", len(models.ClientMessages(history))),
		fmt.Sprintf("Current message number: %d", messageCount),
	)
}

// ConcernInsights summarizes engagement and repetition for the concern stage.
func ConcernInsights(history []models.ConversationMessage, patternChange models.PatternChange) string {
	if len(history) == 0 {
		return ""
	}
	recent := models.Last(models.ClientMessages(history), patternClientWindow)
	engagement := "Normal engagement"
	if len(recent) > highEngagementMessages {
		engagement = "High engagement"
	}
	return block("CONVERSATION PATTERN ANALYSIS:",
		fmt.Sprintf("Recent client messages: %d", len(recent)),
		"Message frequency suggests: "+engagement,
		fmt.Sprintf("Repeated concerns detected: %t", HasRepeatedConcerns(history)),
		fmt.Sprintf("Unanswered questions: %d", UnansweredQuestions(history)),
		"Pattern change from history: "+string(patternChange),
	)
}

// FlagInsights summarizes prior escalations for the flag stage.
func FlagInsights(history []models.ConversationMessage, patternChange models.PatternChange) string {
	if len(history) == 0 {
		return ""
	}
	flags := RecentEscalations(history)
	pattern := "Normal handling"
	if flags > 1 {
		pattern = "Escalation pattern"
	}
	return block("FLAGGING HISTORY CONTEXT:",
		fmt.Sprintf("Recent system responses with flag indicators: %d", flags),
		"Pattern suggests: "+pattern,
		"Client communication pattern: "+string(patternChange),
	)
}

// RespondInsights summarizes the client's writing style for the respond stage.
func RespondInsights(history []models.ConversationMessage, patternChange models.PatternChange) string {
	if len(history) == 0 {
		return ""
	}
	clients := models.ClientMessages(history)
	length := "Short"
	if AverageLength(models.Last(clients, styleWindow)) > longMessageChars {
		length = "Long"
	}
	engagement := "Normal"
	if len(clients) > highEngagementMessages {
		engagement = "High"
	}
	return block("RESPONSE CONTEXT:",
		"Client's typical message length: "+length,
		fmt.Sprintf("Recent system responses: %d", len(models.SystemMessages(history))),
		"Client engagement level: "+engagement,
		"Conversation pattern: "+string(patternChange),
	)
}

func block(title string, items ...string) string {
	var b strings.Builder
	b.WriteString(title)
	for _, it := range items {
		b.WriteString("\n- ")
		b.WriteString(it)
	}
	return b.String()
}
