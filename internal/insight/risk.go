package insight

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/parser"
	"github.com/BTreeMap/TriagePipe/internal/signals"
)

const riskSystemPrompt = "You are an expert risk assessment analyst for law firm client relationships. Return only JSON."

// Risk urgency values.
const (
	UrgencyImmediate  = "immediate"
	UrgencyWithin24h  = "within_24h"
	UrgencyWithinWeek = "within_week"
	UrgencyRoutine    = "routine"
)

// Engagement levels.
const (
	EngagementHigh   = "high"
	EngagementMedium = "medium"
	EngagementLow    = "low"
)

const (
	fallbackRiskScore = 5
	maxRiskScore      = 10
)

// RiskInput summarizes the signals churn risk is assessed from.
type RiskInput struct {
	SentimentHistory      []models.Sentiment `json:"sentiment_history"`
	ResponseRate          float64            `json:"response_rate"`
	Keywords              []string           `json:"keywords_mentioned"`
	DaysSinceLastResponse int                `json:"days_since_last_response"`
}

// RiskAssessment is the churn-risk rating of a client relationship.
type RiskAssessment struct {
	ClientID        string                `json:"client_id,omitempty"`
	RiskLevel       models.ConcernLevel   `json:"risk_level"`
	RiskScore       float64               `json:"risk_score"`
	RiskFactors     []string              `json:"primary_risk_factors"`
	SentimentTrend  models.SentimentTrend `json:"sentiment_trend"`
	EngagementLevel string                `json:"engagement_level"`
	Recommendations []string              `json:"recommendations"`
	Urgency         string                `json:"urgency"`
	Confidence      float64               `json:"confidence"`
	Fallback        bool                  `json:"fallback,omitempty"`
	AssessedAt      time.Time             `json:"assessment_date"`
}

// RiskInputFromHistory derives risk signals from a conversation. ResponseRate is the share of
// firm messages the client answered; DaysSinceLastResponse counts from the last timestamped
// client message.
func RiskInputFromHistory(history []models.ConversationMessage, now time.Time) RiskInput {
	clients := models.ClientMessages(history)
	in := RiskInput{
		SentimentHistory: signals.SentimentTimeline(clients),
		Keywords:         []string{},
	}

	prompts, answered := 0, 0
	for i, m := range history {
		if !m.IsSystem() {
			continue
		}
		prompts++
		if i+1 < len(history) && history[i+1].IsClient() {
			answered++
		}
	}
	if prompts > 0 {
		in.ResponseRate = float64(answered) / float64(prompts)
	} else if len(clients) > 0 {
		in.ResponseRate = 1
	}

	seen := map[string]bool{}
	for _, m := range clients {
		lower := strings.ToLower(m.Content)
		for _, w := range signals.RiskKeywords.Words {
			if !seen[w] && strings.Contains(lower, w) {
				seen[w] = true
				in.Keywords = append(in.Keywords, w)
			}
		}
	}

	for i := len(clients) - 1; i >= 0; i-- {
		if t, ok := clients[i].Time(now.Location()); ok {
			in.DaysSinceLastResponse = max(0, int(now.Sub(t).Hours()/24))
			break
		}
	}
	return in
}

// FallbackRisk is the assessment used when the model gives no usable answer.
func FallbackRisk(now time.Time) RiskAssessment {
	return RiskAssessment{
		RiskLevel:       models.ConcernMedium,
		RiskScore:       fallbackRiskScore,
		RiskFactors:     []string{},
		SentimentTrend:  models.TrendStable,
		EngagementLevel: EngagementMedium,
		Recommendations: []string{"Monitor client communication closely"},
		Urgency:         UrgencyRoutine,
		Confidence:      0.5,
		Fallback:        true,
		AssessedAt:      now,
	}
}

// AssessRisk rates churn risk from in. A generation error is returned together with the
// fallback assessment; unparseable output yields the fallback without an error.
func (g *Generator) AssessRisk(ctx context.Context, in RiskInput) (RiskAssessment, error) {
	now := g.now()
	raw, err := g.llm.Generate(ctx, riskSystemPrompt, riskPrompt(in))
	if err != nil {
		slog.Error("Generator.AssessRisk: generation failed, using fallback", "error", err)
		return FallbackRisk(now), fmt.Errorf("risk assessment: %w", err)
	}

	r := parser.Parse(raw)
	if len(r) == 0 {
		slog.Warn("Generator.AssessRisk: unparseable model output, using fallback")
		return FallbackRisk(now), nil
	}

	out := FallbackRisk(now)
	out.Fallback = false
	if v, ok := models.ParseConcernLevel(r.String("risk_level", "")); ok {
		out.RiskLevel = v
	}
	if f, ok := r.Float("risk_score"); ok {
		out.RiskScore = math.Max(0, math.Min(maxRiskScore, f))
	}
	out.RiskFactors = r.Strings("primary_risk_factors")
	if v, ok := models.ParseSentimentTrend(r.String("sentiment_trend", "")); ok {
		out.SentimentTrend = v
	}
	switch v := strings.ToLower(r.String("engagement_level", "")); v {
	case EngagementHigh, EngagementMedium, EngagementLow:
		out.EngagementLevel = v
	}
	if recs := r.Strings("recommendations"); len(recs) > 0 {
		out.Recommendations = recs
	}
	switch v := strings.ToLower(r.String("urgency", "")); v {
	case UrgencyImmediate, UrgencyWithin24h, UrgencyWithinWeek, UrgencyRoutine:
		out.Urgency = v
	}
	out.Confidence = r.Confidence("confidence", out.Confidence)

	slog.Info("Generator.AssessRisk: assessment completed", "risk_level", out.RiskLevel, "risk_score", out.RiskScore, "urgency", out.Urgency)
	return out, nil
}

func riskPrompt(in RiskInput) string {
	sentiments := make([]string, len(in.SentimentHistory))
	for i, s := range in.SentimentHistory {
		sentiments[i] = string(s)
	}
	return fmt.Sprintf(`Analyze the following client data to determine churn risk.

SENTIMENT HISTORY: [%s]
RESPONSE RATE: %.2f (0.0 = never responds, 1.0 = always responds)
KEYWORDS MENTIONED: [%s]
DAYS SINCE LAST RESPONSE: %d

RISK FACTORS TO CONSIDER:
- Declining sentiment trend
- Low response rates
- Mentions of dissatisfaction ("slow", "unhappy", "frustrated")
- Mentions of switching lawyers ("another lawyer", "different firm")
- Extended periods of non-communication
- Financial stress indicators
- Process confusion or concerns

RISK LEVELS:
- HIGH: immediate intervention needed, high churn probability
- MEDIUM: monitor closely, some concerning indicators
- LOW: healthy relationship, standard monitoring

Return JSON:
{
  "risk_level": "low|medium|high",
  "risk_score": 0-10,
  "primary_risk_factors": ["main concerns"],
  "sentiment_trend": "improving|stable|declining",
  "engagement_level": "high|medium|low",
  "recommendations": ["specific action items"],
  "urgency": "immediate|within_24h|within_week|routine",
  "confidence": 0.0-1.0
}`,
		strings.Join(sentiments, ", "), in.ResponseRate, strings.Join(in.Keywords, ", "), in.DaysSinceLastResponse)
}
