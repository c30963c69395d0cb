package flow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/promptctx"
	"github.com/BTreeMap/TriagePipe/internal/signals"
	"github.com/BTreeMap/TriagePipe/internal/tone"
)

const (
	analysisErrorReason  = "Analysis error - defaulting to human review"
	unparseableReason    = "Unreadable flag decision - defaulting to human review"
	reversalNote         = "Sentiment reversal: positive → negative"
	minEscalatingSignals = 2
	strongEscalations    = 2
)

// Respond suppression reasons.
const (
	SuppressedFlagged     = "flagged for human review"
	SuppressedAck         = "acknowledgment only"
	SuppressedLimit       = "weekly message limit reached"
	SuppressedPause       = "client asked to pause messages"
	SuppressedEscalations = "recent escalation pattern needs a human"
)

func (p *Pipeline) decideFlag(ctx context.Context, s *State) error {
	res := &FlagResult{Urgency: models.UrgencyMedium, Confidence: defaultConfidence, Reasons: []string{}}
	s.Flag = res

	r, err := p.classify(ctx, s, StageFlag, flagSystemPrompt, flagPrompt(s))
	switch {
	case err != nil:
		res.ShouldFlag = true
		res.Reasons = append(res.Reasons, analysisErrorReason)
		res.Reasoning = "Decision failed, defaulting to human review for safety"
	case len(r) == 0:
		res.ShouldFlag = true
		res.Reasons = append(res.Reasons, unparseableReason)
		res.Reasoning = "Failed to parse flag decision, defaulting to human review"
	default:
		should, ok := r.Bool("should_flag")
		if !ok {
			slog.Warn("Pipeline.decideFlag: should_flag missing, defaulting to flag")
			should = true
		}
		res.ShouldFlag = should
		res.Reasons = r.Strings("flag_reasons")
		if v, ok := models.ParseUrgency(r.String("urgency_level", "")); ok {
			res.Urgency = v
		} else if r.Has("urgency_level") {
			slog.Warn("Pipeline.decideFlag: invalid urgency, defaulting to medium", "value", r["urgency_level"])
		}
		res.PatternContext = r.String("pattern_context", "")
		res.Reasoning = r.String("reasoning", "")
		res.Confidence = r.Confidence("confidence", defaultConfidence)
	}

	p.applyMustFlagRules(s, res)
	slog.Debug("Pipeline.decideFlag: completed", "should_flag", res.ShouldFlag, "urgency", res.Urgency, "reasons", res.Reasons, "rule_forced", res.RuleForced)
	return err
}

// applyMustFlagRules merges the deterministic rules into the model's decision. Rules can only
// raise the decision: they force a flag and raise urgency, never the reverse.
func (p *Pipeline) applyMustFlagRules(s *State, res *FlagResult) {
	force := func(reason string, urgency models.Urgency) {
		res.ShouldFlag = true
		res.RuleForced = true
		res.Urgency = models.MaxUrgency(res.Urgency, urgency)
		if !slices.Contains(res.Reasons, reason) {
			res.Reasons = append(res.Reasons, reason)
		}
	}

	for _, m := range s.RuleMatches {
		force(m.Rule.Reason, m.Rule.Urgency)
	}

	if sentimentReversed(s) {
		res.PatternContext = joinNotes(reversalNote, res.PatternContext)
		if escalatingPattern(s) {
			force(signals.EscalatingPatternReason, models.UrgencyHigh)
		}
	}
}

// sentimentReversed reports whether the last client message before this one read positive and
// the current message reads negative.
func sentimentReversed(s *State) bool {
	prev, ok := promptctx.LastClientSentiment(s.History)
	if !ok || prev != models.SentimentPositive {
		return false
	}
	return currentlyNegative(s)
}

func currentlyNegative(s *State) bool {
	for _, m := range s.RuleMatches {
		if m.Rule.Negative {
			return true
		}
	}
	if s.Sentiment.Sentiment == models.SentimentNegative {
		return true
	}
	if s.Sentiment.Trend == models.TrendDeclining || s.Sentiment.PatternChange == models.PatternEscalating {
		return true
	}
	return signals.ClassifySentiment(s.Message) == models.SentimentNegative
}

// escalatingPattern requires at least two unanswered questions, counting the current message,
// or a repeated concern.
func escalatingPattern(s *State) bool {
	unanswered := promptctx.UnansweredQuestions(s.History)
	if strings.Contains(s.Message, "?") {
		unanswered++
	}
	return unanswered >= minEscalatingSignals || promptctx.HasRepeatedConcerns(s.History)
}

func joinNotes(notes ...string) string {
	var out []string
	for _, n := range notes {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return strings.Join(out, "; ")
}

func (p *Pipeline) decideResponse(ctx context.Context, s *State) error {
	res := &RespondResult{Type: tone.Ignore, Tone: tone.Professional, Confidence: defaultConfidence}
	s.Respond = res

	r, err := p.classify(ctx, s, StageRespond, respondSystemPrompt, respondPrompt(s))
	switch {
	case err != nil:
		res.Reasoning = "Decision failed, defaulting to human review"
	case len(r) == 0:
		res.Reasoning = "Failed to parse response decision"
	default:
		res.ShouldRespond, _ = r.Bool("should_respond")
		res.Type, _ = tone.NormalizeResponseType(r.String("response_type", ""))
		res.Tone, _ = tone.NormalizeTone(r.String("tone", ""))
		res.ConversationContext = r.String("conversation_context", "")
		res.Reasoning = r.String("reasoning", "")
		res.Confidence = r.Confidence("confidence", defaultConfidence)
		if res.ShouldRespond && res.Type == tone.Ignore {
			res.Type = tone.Acknowledgment
		}
		if !res.ShouldRespond {
			res.Type = tone.Ignore
		}
	}

	if reason := p.suppression(s); reason != "" && res.ShouldRespond {
		slog.Info("Pipeline.decideResponse: reply suppressed", "reason", reason)
		res.ShouldRespond = false
		res.Type = tone.Ignore
		res.SuppressedBy = reason
		res.Reasoning = joinNotes(res.Reasoning, fmt.Sprintf("Suppressed: %s", reason))
	}
	slog.Debug("Pipeline.decideResponse: completed", "should_respond", res.ShouldRespond, "type", res.Type, "tone", res.Tone)
	return err
}

// suppression returns the first rule that vetoes a reply, or "".
func (p *Pipeline) suppression(s *State) string {
	switch {
	case s.Flag.ShouldFlag:
		return SuppressedFlagged
	case signals.IsAcknowledgmentOnly(s.Message):
		return SuppressedAck
	case s.MessageCount >= p.weeklyLimit:
		return SuppressedLimit
	case signals.IsPauseRequest(s.Message):
		return SuppressedPause
	case promptctx.RecentEscalations(s.History) >= strongEscalations || (sentimentReversed(s) && escalatingPattern(s)):
		return SuppressedEscalations
	}
	return ""
}
