package flow

import (
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/signals"
	"github.com/BTreeMap/TriagePipe/internal/tone"
)

// Stage names, as used in logs and metrics.
const (
	StageSentiment = "sentiment"
	StageConcern   = "concern"
	StageFlag      = "flag"
	StageRespond   = "respond"
	StageGenerate  = "generate"
	StageCompile   = "compile"
)

// SentimentResult is the typed output of the sentiment stage.
type SentimentResult struct {
	Sentiment           models.Sentiment      `json:"sentiment"`
	Confidence          float64               `json:"confidence"`
	EmotionalIndicators []string              `json:"emotional_indicators"`
	KeyTopics           []string              `json:"key_topics"`
	Trend               models.SentimentTrend `json:"sentiment_trend"`
	PatternChange       models.PatternChange  `json:"pattern_change"`
	Reasoning           string                `json:"reasoning"`
}

// ConcernResult is the typed output of the concern stage.
type ConcernResult struct {
	Level             models.ConcernLevel `json:"concern_level"`
	RiskIndicators    []string            `json:"risk_indicators"`
	RetentionRisk     float64             `json:"client_retention_risk"`
	HistoricalContext string              `json:"historical_context,omitempty"`
	Reasoning         string              `json:"reasoning"`
	Confidence        float64             `json:"confidence"`
}

// FlagResult is the typed output of the flag stage, after must-flag rules are merged in.
type FlagResult struct {
	ShouldFlag     bool           `json:"should_flag"`
	Reasons        []string       `json:"flag_reasons"`
	Urgency        models.Urgency `json:"urgency_level"`
	PatternContext string         `json:"pattern_context,omitempty"`
	Reasoning      string         `json:"reasoning"`
	Confidence     float64        `json:"confidence"`
	// RuleForced is set when a deterministic must-flag rule fired.
	RuleForced bool `json:"-"`
}

// RespondResult is the typed output of the respond stage, after suppressions are applied.
type RespondResult struct {
	ShouldRespond       bool              `json:"should_respond"`
	Type                tone.ResponseType `json:"response_type"`
	Tone                tone.Tone         `json:"tone"`
	ConversationContext string            `json:"conversation_context,omitempty"`
	Reasoning           string            `json:"reasoning"`
	Confidence          float64           `json:"confidence"`
	// SuppressedBy names the rule that vetoed a reply, if any.
	SuppressedBy string `json:"-"`
}

// ReplyResult is the output of the generate stage.
type ReplyResult struct {
	Content          *string
	LimitExceeded    bool
	ChargeAdditional bool
	// Fallback is set when the generic greeting replaced a failed generation.
	Fallback bool
	Streamed bool
}

// State is threaded through every stage of one run. It is created per call and never shared.
type State struct {
	Message      string
	Profile      models.ClientProfile
	MessageCount int
	History      []models.ConversationMessage
	Now          time.Time
	Sink         func(string)

	ClientContext       string
	ConversationContext string
	RuleMatches         []signals.RuleMatch
	DelaySeconds        float64

	Sentiment *SentimentResult
	Concern   *ConcernResult
	Flag      *FlagResult
	Respond   *RespondResult
	Reply     *ReplyResult
	Final     *models.FinalDecision

	modelStages  int
	modelErrors  int
	lastModelErr error
}

func (s *State) recordModelCall(err error) {
	s.modelStages++
	if err != nil {
		s.modelErrors++
		s.lastModelErr = err
	}
}

// allModelStagesFailed reports whether every classification call of this run failed.
func (s *State) allModelStagesFailed() bool {
	return s.modelStages > 0 && s.modelErrors == s.modelStages
}
