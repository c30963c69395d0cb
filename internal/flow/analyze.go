package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/parser"
)

// defaultConfidence stands in for a confidence the model did not report.
const defaultConfidence = 0.5

// classify runs one classification call and parses its output. A generation error is logged,
// counted on the state and returned; the caller substitutes its stage default.
func (p *Pipeline) classify(ctx context.Context, s *State, stage, systemPrompt, userPrompt string) (parser.Result, error) {
	raw, err := p.classifier.Generate(ctx, systemPrompt, userPrompt)
	s.recordModelCall(err)
	if err != nil {
		slog.Error("Pipeline.classify: generation failed, using stage default", "stage", stage, "error", err)
		return nil, err
	}
	r := parser.Parse(raw)
	if len(r) == 0 {
		slog.Warn("Pipeline.classify: empty or unparseable model output, using stage default", "stage", stage)
	}
	return r, nil
}

func (p *Pipeline) analyzeSentiment(ctx context.Context, s *State) error {
	res := &SentimentResult{
		Sentiment:           models.SentimentNeutral,
		Confidence:          defaultConfidence,
		EmotionalIndicators: []string{},
		KeyTopics:           []string{},
		Trend:               models.TrendStable,
		PatternChange:       models.PatternConsistent,
	}
	s.Sentiment = res

	r, err := p.classify(ctx, s, StageSentiment, sentimentSystemPrompt, sentimentPrompt(s))
	if err != nil {
		res.Reasoning = "Analysis failed, defaulting to neutral"
		return err
	}
	if len(r) == 0 {
		res.Reasoning = "Failed to parse sentiment analysis"
		return nil
	}

	if v, ok := models.ParseSentiment(r.String("sentiment", "")); ok {
		res.Sentiment = v
	} else if r.Has("sentiment") {
		slog.Warn("Pipeline.analyzeSentiment: invalid sentiment, defaulting to neutral", "value", r["sentiment"])
	}
	if v, ok := models.ParseSentimentTrend(r.String("sentiment_trend", "")); ok {
		res.Trend = v
	} else if r.Has("sentiment_trend") {
		slog.Warn("Pipeline.analyzeSentiment: invalid sentiment trend, defaulting to stable", "value", r["sentiment_trend"])
	}
	if v, ok := models.ParsePatternChange(r.String("pattern_change", "")); ok {
		res.PatternChange = v
	} else if r.Has("pattern_change") {
		slog.Warn("Pipeline.analyzeSentiment: invalid pattern change, defaulting to consistent", "value", r["pattern_change"])
	}
	res.Confidence = r.Confidence("confidence", defaultConfidence)
	res.EmotionalIndicators = r.Strings("emotional_indicators")
	res.KeyTopics = r.Strings("key_topics")
	res.Reasoning = r.String("reasoning", "")

	slog.Debug("Pipeline.analyzeSentiment: completed", "sentiment", res.Sentiment, "confidence", res.Confidence, "pattern_change", res.PatternChange)
	return nil
}

func (p *Pipeline) assessConcern(ctx context.Context, s *State) error {
	res := &ConcernResult{Level: models.ConcernMedium, Confidence: defaultConfidence, RiskIndicators: []string{}}
	s.Concern = res

	r, err := p.classify(ctx, s, StageConcern, concernSystemPrompt, concernPrompt(s))
	if err != nil {
		res.Reasoning = "Assessment failed, defaulting to medium"
		return err
	}
	if len(r) == 0 {
		res.Reasoning = "Failed to parse concern assessment"
		return nil
	}

	if v, ok := models.ParseConcernLevel(r.String("concern_level", "")); ok {
		res.Level = v
	} else if r.Has("concern_level") {
		slog.Warn("Pipeline.assessConcern: invalid concern level, defaulting to medium", "value", r["concern_level"])
	}
	res.RiskIndicators = r.Strings("risk_indicators")
	res.RetentionRisk = r.Confidence("client_retention_risk", 0)
	res.HistoricalContext = r.String("historical_context", "")
	res.Reasoning = r.String("reasoning", "")
	res.Confidence = r.Confidence("confidence", defaultConfidence)

	slog.Debug("Pipeline.assessConcern: completed", "concern_level", res.Level, "retention_risk", res.RetentionRisk)
	return nil
}
