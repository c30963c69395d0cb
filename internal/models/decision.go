package models

import (
	"strings"
	"time"
)

// Action is the single outcome of a triage run.
type Action string

const (
	ActionRespond Action = "respond"
	ActionFlag    Action = "flag"
	ActionIgnore  Action = "ignore"
)

// Sentiment is the tone classification of a client message.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// ParseSentiment normalises s. The boolean is false when s is outside the enum.
func ParseSentiment(s string) (Sentiment, bool) {
	switch v := Sentiment(normalizeEnum(s)); v {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return v, true
	}
	return SentimentNeutral, false
}

// ConcernLevel is a coarse churn/risk rating, distinct from sentiment.
type ConcernLevel string

const (
	ConcernLow    ConcernLevel = "low"
	ConcernMedium ConcernLevel = "medium"
	ConcernHigh   ConcernLevel = "high"
)

// ParseConcernLevel normalises s; "critical" collapses to high.
// The boolean is false when s had to be replaced by the default.
func ParseConcernLevel(s string) (ConcernLevel, bool) {
	switch v := normalizeEnum(s); v {
	case "low", "medium", "high":
		return ConcernLevel(v), true
	case "critical":
		return ConcernHigh, true
	}
	return ConcernMedium, false
}

// Urgency ranks how quickly a flagged message needs human attention.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

var urgencyRank = map[Urgency]int{UrgencyLow: 0, UrgencyMedium: 1, UrgencyHigh: 2, UrgencyCritical: 3}

// ParseUrgency normalises s, defaulting to medium.
func ParseUrgency(s string) (Urgency, bool) {
	v := Urgency(normalizeEnum(s))
	if _, ok := urgencyRank[v]; ok {
		return v, true
	}
	return UrgencyMedium, false
}

// MaxUrgency returns the more urgent of a and b.
func MaxUrgency(a, b Urgency) Urgency {
	if urgencyRank[b] > urgencyRank[a] {
		return b
	}
	return a
}

// SentimentTrend describes how client sentiment is moving across the conversation.
type SentimentTrend string

const (
	TrendImproving SentimentTrend = "improving"
	TrendStable    SentimentTrend = "stable"
	TrendDeclining SentimentTrend = "declining"
)

// ParseSentimentTrend normalises s, defaulting to stable.
func ParseSentimentTrend(s string) (SentimentTrend, bool) {
	switch v := SentimentTrend(normalizeEnum(s)); v {
	case TrendImproving, TrendStable, TrendDeclining:
		return v, true
	}
	return TrendStable, false
}

// PatternChange describes the current message relative to earlier communication.
type PatternChange string

const (
	PatternEscalating   PatternChange = "escalating"
	PatternConsistent   PatternChange = "consistent"
	PatternDeEscalating PatternChange = "de-escalating"
)

// ParsePatternChange normalises s, defaulting to consistent.
func ParsePatternChange(s string) (PatternChange, bool) {
	v := normalizeEnum(s)
	if v == "de_escalating" || v == "deescalating" {
		v = string(PatternDeEscalating)
	}
	switch p := PatternChange(v); p {
	case PatternEscalating, PatternConsistent, PatternDeEscalating:
		return p, true
	}
	return PatternConsistent, false
}

// ActionItem is a follow-up task derived from a client message.
type ActionItem struct {
	ID            string    `json:"id,omitempty"`
	ClientID      string    `json:"client_id,omitempty"`
	Task          string    `json:"task"`
	ScheduledDate time.Time `json:"scheduled_date"`
	Type          string    `json:"type"`
	Priority      Priority  `json:"priority"`
	Done          bool      `json:"done,omitempty"`
}

// Follow-up types produced by the pipeline.
const (
	FollowUpMedical   = "medical_follow_up"
	FollowUpFinancial = "financial_follow_up"
)

// FinalDecision is the compiled outcome of one triage run.
type FinalDecision struct {
	ID                string       `json:"id,omitempty"`
	ClientID          string       `json:"client_id,omitempty"`
	Message           string       `json:"message,omitempty"`
	Action            Action       `json:"action"`
	ShouldRespond     bool         `json:"should_respond"`
	ShouldFlag        bool         `json:"should_flag"`
	ConcernLevel      ConcernLevel `json:"concern_level"`
	Sentiment         Sentiment    `json:"sentiment"`
	Reasoning         string       `json:"reasoning"`
	Confidence        float64      `json:"confidence"`
	ResponseContent   *string      `json:"response_content"`
	Urgency           Urgency      `json:"urgency,omitempty"`
	FlagReasons       []string     `json:"flag_reasons,omitempty"`
	LimitExceeded     bool         `json:"limit_exceeded"`
	ChargeAdditional  bool         `json:"charge_additional"`
	NotifyCaseManager bool         `json:"notify_case_manager"`
	ActionItems       []ActionItem `json:"action_items,omitempty"`
	DelaySeconds      float64      `json:"delay_seconds"`
	ProcessedAt       time.Time    `json:"processed_at"`
}

// Reply returns the generated reply text, or "" when there is none.
func (d FinalDecision) Reply() string {
	if d.ResponseContent == nil {
		return ""
	}
	return *d.ResponseContent
}

func normalizeEnum(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
