package insight

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/google/go-cmp/cmp"
)

func TestRiskInputFromHistory(t *testing.T) {
	h := []models.ConversationMessage{
		{Sender: "client", Content: "This is so slow, I'm frustrated", Timestamp: "2025-06-01 10:00:00"},
		{Sender: "system", Content: "Sorry to hear that, Ana will call.", Timestamp: "2025-06-01 10:05:00"},
		{Sender: "system", Content: "Checking in, how are you?", Timestamp: "2025-06-08 10:00:00"},
		{Sender: "client", Content: "Thanks for checking", Timestamp: "2025-06-10 12:00:00"},
	}
	got := RiskInputFromHistory(h, fixedNow)
	want := RiskInput{
		SentimentHistory:      []models.Sentiment{models.SentimentNegative, models.SentimentPositive},
		ResponseRate:          0.5,
		Keywords:              []string{"slow", "frustrated"},
		DaysSinceLastResponse: 5,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("risk input mismatch (-want +got):\n%s", diff)
	}
}

func TestAssessRisk(t *testing.T) {
	llm := &fakeLLM{output: `{"risk_level": "HIGH", "risk_score": 14, "primary_risk_factors": ["mentions another lawyer"], "sentiment_trend": "declining", "engagement_level": "Low", "recommendations": ["Call today"], "urgency": "immediate", "confidence": 0.8}`}
	got, err := newTestGenerator(llm).AssessRisk(context.Background(), RiskInput{ResponseRate: 0.2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := RiskAssessment{
		RiskLevel:       models.ConcernHigh,
		RiskScore:       10,
		RiskFactors:     []string{"mentions another lawyer"},
		SentimentTrend:  models.TrendDeclining,
		EngagementLevel: EngagementLow,
		Recommendations: []string{"Call today"},
		Urgency:         UrgencyImmediate,
		Confidence:      0.8,
		AssessedAt:      fixedNow,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("assessment mismatch (-want +got):\n%s", diff)
	}
}

func TestAssessRiskFallback(t *testing.T) {
	got, err := newTestGenerator(&fakeLLM{output: "not json"}).AssessRisk(context.Background(), RiskInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Fallback || got.RiskLevel != models.ConcernMedium || got.RiskScore != 5 {
		t.Errorf("unexpected fallback: %+v", got)
	}
	if diff := cmp.Diff([]string{"Monitor client communication closely"}, got.Recommendations); diff != "" {
		t.Errorf("recommendations mismatch:\n%s", diff)
	}

	got, err = newTestGenerator(&fakeLLM{err: errors.New("boom")}).AssessRisk(context.Background(), RiskInput{})
	if err == nil || !got.Fallback || got.RiskLevel != models.ConcernMedium {
		t.Errorf("expected fallback with error, got %+v, %v", got, err)
	}
}
