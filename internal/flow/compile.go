package flow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/signals"
)

// SafeConfidence is the confidence of a decision produced after total failure.
const SafeConfidence = 0.1

const (
	medicalFollowUpAfter   = 14 * 24 * time.Hour
	financialFollowUpAfter = 7 * 24 * time.Hour
)

func (p *Pipeline) compile(_ context.Context, s *State) error {
	if s.allModelStagesFailed() {
		d := SafeDecision(s.lastModelErr)
		s.Final = &d
		return nil
	}

	d := models.FinalDecision{
		Message:           s.Message,
		ClientID:          s.Profile.ID,
		ShouldRespond:     s.Respond.ShouldRespond,
		ShouldFlag:        s.Flag.ShouldFlag,
		ConcernLevel:      s.Concern.Level,
		Sentiment:         s.Sentiment.Sentiment,
		Reasoning:         compileReasoning(s),
		Confidence:        math.Min(s.Sentiment.Confidence, math.Min(s.Flag.Confidence, s.Respond.Confidence)),
		Urgency:           s.Flag.Urgency,
		FlagReasons:       s.Flag.Reasons,
		LimitExceeded:     s.Reply.LimitExceeded,
		ChargeAdditional:  s.Reply.ChargeAdditional,
		NotifyCaseManager: s.Flag.ShouldFlag || s.Concern.Level == models.ConcernHigh,
		ActionItems:       ActionItems(s.Profile, s.Message, s.Now),
		DelaySeconds:      s.DelaySeconds,
		ProcessedAt:       s.Now,
	}

	switch {
	case d.ShouldFlag:
		d.Action = models.ActionFlag
	case d.ShouldRespond:
		d.Action = models.ActionRespond
	default:
		d.Action = models.ActionIgnore
	}
	if d.Action == models.ActionRespond {
		d.ResponseContent = s.Reply.Content
	}

	s.Final = &d
	slog.Info("Pipeline.compile: decision compiled", "action", d.Action, "concern_level", d.ConcernLevel, "sentiment", d.Sentiment, "confidence", d.Confidence)
	return nil
}

// compileReasoning joins the labelled reasoning parts of every stage.
func compileReasoning(s *State) string {
	var parts []string
	add := func(label, value string) {
		if value = strings.TrimSpace(value); value != "" {
			parts = append(parts, label+" "+value)
		}
	}
	add("Sentiment Analysis:", s.Sentiment.Reasoning)
	add("Pattern Change:", string(s.Sentiment.PatternChange))
	add("Flag Decision:", s.Flag.Reasoning)
	add("Pattern Context:", s.Flag.PatternContext)
	add("Response Decision:", s.Respond.Reasoning)
	add("Conversation Context:", s.Respond.ConversationContext)
	return strings.Join(parts, " | ")
}

// SafeDecision is the decision returned when the pipeline could not run: route to a human.
func SafeDecision(cause error) models.FinalDecision {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return models.FinalDecision{
		Action:            models.ActionFlag,
		ShouldRespond:     false,
		ShouldFlag:        true,
		ConcernLevel:      models.ConcernHigh,
		Sentiment:         models.SentimentNeutral,
		Reasoning:         fmt.Sprintf("Processing failed: %s - Defaulting to human review", msg),
		Confidence:        SafeConfidence,
		Urgency:           models.UrgencyMedium,
		NotifyCaseManager: true,
		ProcessedAt:       time.Now(),
	}
}

// ActionItems derives follow-up tasks from the message text.
func ActionItems(p models.ClientProfile, message string, now time.Time) []models.ActionItem {
	var items []models.ActionItem
	if signals.MedicalFollowUp.Matches(message) {
		items = append(items, models.ActionItem{
			ClientID:      p.ID,
			Task:          fmt.Sprintf("Follow up with %s about medical appointment outcome", p.FirstName()),
			ScheduledDate: now.Add(medicalFollowUpAfter),
			Type:          models.FollowUpMedical,
			Priority:      models.PriorityMedium,
		})
	}
	if signals.FinancialFollowUp.Matches(message) {
		items = append(items, models.ActionItem{
			ClientID:      p.ID,
			Task:          fmt.Sprintf("Follow up with %s about financial concerns", p.FirstName()),
			ScheduledDate: now.Add(financialFollowUpAfter),
			Type:          models.FollowUpFinancial,
			Priority:      models.PriorityHigh,
		})
	}
	return items
}
