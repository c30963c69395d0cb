package promptctx

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/signals"
)

// NoHistoryForAnalysis is returned by AnalyzeForInsights for an empty history.
const NoHistoryForAnalysis = "No conversation history available for analysis"

const (
	insightTrendWindow = 5
	topTopics          = 3
)

// AnalyzeForInsights renders the statistics the insight prompt is built on: message frequency,
// sentiment progression, top topics, escalations and the case timeline.
func AnalyzeForInsights(history []models.ConversationMessage, p models.ClientProfile, now time.Time) string {
	if len(history) == 0 {
		return NoHistoryForAnalysis
	}
	clients := models.ClientMessages(history)
	system := models.SystemMessages(history)
	denom := float64(max(len(clients), 1))

	lines := []string{
		"MESSAGE FREQUENCY:",
		fmt.Sprintf("- Client messages: %d", len(clients)),
		fmt.Sprintf("- System responses: %d", len(system)),
		fmt.Sprintf("- Response ratio: %.2f", float64(len(system))/denom),
	}

	if timeline := signals.SentimentTimeline(clients); len(timeline) > 0 {
		lines = append(lines, "", "SENTIMENT PROGRESSION:", "- Overall sentiment: "+joinSentiments(timeline))
		lines = append(lines, "- Recent trend: "+RecentTrend(timeline))
	}

	lines = append(lines, "", "TOP DISCUSSION TOPICS:")
	for _, tc := range TopTopics(clients, topTopics) {
		lines = append(lines, fmt.Sprintf("- %s: %d mentions", topicLabel(tc.Topic), tc.Count))
	}

	escalations := signals.EscalationAudit.Count(system)
	lines = append(lines,
		"", "ESCALATION PATTERNS:",
		fmt.Sprintf("- Messages escalated: %d", escalations),
		fmt.Sprintf("- Escalation rate: %.2f", float64(escalations)/denom),
	)

	incident := models.DaysSince(p.IncidentDate, now)
	signup := models.DaysSince(p.SignupDate, now)
	lines = append(lines,
		"", "TIMELINE CONTEXT:",
		fmt.Sprintf("- Days since incident: %d", incident),
		fmt.Sprintf("- Days since signup: %d", signup),
		"- Case stage: "+CaseStage(incident, signup),
	)
	return strings.Join(lines, "\n")
}

// RecentTrend summarizes the last five sentiments of a timeline.
func RecentTrend(timeline []models.Sentiment) string {
	if len(timeline) > insightTrendWindow {
		timeline = timeline[len(timeline)-insightTrendWindow:]
	}
	pos, neg := 0, 0
	for _, s := range timeline {
		switch s {
		case models.SentimentPositive:
			pos++
		case models.SentimentNegative:
			neg++
		}
	}
	switch {
	case pos > neg:
		return fmt.Sprintf("Positive (%d/%d)", pos, len(timeline))
	case neg > pos:
		return fmt.Sprintf("Negative (%d/%d)", neg, len(timeline))
	default:
		return "Neutral/Mixed"
	}
}

// TopicCount is the number of client messages mentioning a topic.
type TopicCount struct {
	Topic string
	Count int
}

// TopTopics returns up to n insight topics with at least one mention, most mentioned first.
// Ties keep table order.
func TopTopics(clients []models.ConversationMessage, n int) []TopicCount {
	counts := make([]TopicCount, 0, len(signals.InsightTopics))
	for _, topic := range signals.InsightTopics {
		counts = append(counts, TopicCount{Topic: topic.Name, Count: topic.Count(clients)})
	}
	sort.SliceStable(counts, func(i, j int) bool { return counts[i].Count > counts[j].Count })
	if len(counts) > n {
		counts = counts[:n]
	}
	out := counts[:0]
	for _, c := range counts {
		if c.Count > 0 {
			out = append(out, c)
		}
	}
	return out
}

func topicLabel(topic string) string {
	label := strings.ReplaceAll(topic, "_", " ")
	if label == "" {
		return label
	}
	return strings.ToUpper(label[:1]) + label[1:]
}

// CaseStage names the relationship stage from days since incident and signup.
func CaseStage(incidentDays, signupDays int) string {
	switch {
	case signupDays < 7:
		return "Initial onboarding"
	case signupDays < 30:
		return "Early relationship building"
	case incidentDays < 90:
		return "Active case development"
	case incidentDays < 365:
		return "Case progression"
	default:
		return "Long-term case management"
	}
}
