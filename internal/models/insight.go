package models

// InsightType classifies what an insight says about the client relationship.
type InsightType string

const (
	InsightPositive       InsightType = "positive"
	InsightConcern        InsightType = "concern"
	InsightActionRequired InsightType = "action_required"
)

// ParseInsightType normalises s, defaulting to concern.
func ParseInsightType(s string) InsightType {
	switch v := InsightType(normalizeEnum(s)); v {
	case InsightPositive, InsightConcern, InsightActionRequired:
		return v
	}
	return InsightConcern
}

// InsightStatus tracks the review lifecycle of an insight.
type InsightStatus string

const (
	InsightStatusNew            InsightStatus = "new"
	InsightStatusReviewed       InsightStatus = "reviewed"
	InsightStatusActionRequired InsightStatus = "action_required"
)

// ParseInsightStatus normalises s, defaulting to new.
func ParseInsightStatus(s string) InsightStatus {
	switch v := InsightStatus(normalizeEnum(s)); v {
	case InsightStatusNew, InsightStatusReviewed, InsightStatusActionRequired:
		return v
	}
	return InsightStatusNew
}

// Priority orders insights and follow-ups.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority normalises s, defaulting to medium.
func ParsePriority(s string) Priority {
	switch v := Priority(normalizeEnum(s)); v {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return v
	}
	return PriorityMedium
}

// Recommended insight categories. Category is a free string; these are the common values.
const (
	CategorySatisfaction  = "satisfaction"
	CategoryCommunication = "communication"
	CategoryCaseProgress  = "case_progress"
	CategoryRetentionRisk = "retention_risk"
)

// Insight is one qualitative finding about a client's communication.
type Insight struct {
	ID                 string        `json:"id,omitempty"`
	ClientID           string        `json:"client_id,omitempty"`
	InsightType        InsightType   `json:"insight_type"`
	Category           string        `json:"category"`
	Message            string        `json:"message"`
	Date               string        `json:"date"`
	Status             InsightStatus `json:"status"`
	Confidence         float64       `json:"confidence"`
	SupportingEvidence []string      `json:"supporting_evidence"`
	RecommendedActions []string      `json:"recommended_actions"`
	Priority           Priority      `json:"priority"`
}
