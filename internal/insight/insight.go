// Package insight produces periodic qualitative findings about a client's communication.
package insight

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/parser"
	"github.com/BTreeMap/TriagePipe/internal/promptctx"
)

// DefaultWindowDays is the trailing window of history considered by Generate.
const DefaultWindowDays = 30

const (
	defaultInsightConfidence = 0.7
	caseAgeInsightAfterDays  = 90
	insightHistoryWindow     = 20
)

const systemPrompt = "You are an expert client relationship analyst. Generate clear, actionable insights."

// textGenerator is the generation capability the insight generator needs.
type textGenerator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Opts holds configuration for the insight generator.
type Opts struct {
	Clock         func() time.Time
	HistoryWindow int
}

// Option configures the insight generator.
type Option func(*Opts)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// WithHistoryWindow sets how many trailing messages are printed into the prompt.
func WithHistoryWindow(n int) Option {
	return func(o *Opts) { o.HistoryWindow = n }
}

// Generator turns a client's recent history into insights and risk assessments.
type Generator struct {
	llm    textGenerator
	now    func() time.Time
	window int
}

// NewGenerator creates an insight generator backed by llm.
func NewGenerator(llm textGenerator, opts ...Option) *Generator {
	cfg := Opts{Clock: time.Now, HistoryWindow: insightHistoryWindow}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Generator{llm: llm, now: cfg.Clock, window: cfg.HistoryWindow}
}

// Generate returns insights for the trailing windowDays of history. It always returns at least
// one insight: when the model yields nothing usable, deterministic insights are derived from
// the history instead. An empty window yields exactly one placeholder without a model call.
func (g *Generator) Generate(ctx context.Context, p models.ClientProfile, history []models.ConversationMessage, windowDays int) []models.Insight {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	now := g.now()
	recent := FilterWindow(history, now, windowDays)
	slog.Debug("Generator.Generate: start", "client", p.ID, "history", len(history), "in_window", len(recent), "window_days", windowDays)

	if len(recent) == 0 {
		return []models.Insight{placeholder(p, now)}
	}

	raw, err := g.llm.Generate(ctx, systemPrompt, g.prompt(p, recent, windowDays, now))
	if err != nil {
		slog.Error("Generator.Generate: generation failed, using fallback insights", "client", p.ID, "error", err)
		return Fallback(p, recent, now)
	}

	insights := backfill(parser.ParseAll(raw), p, now)
	if len(insights) == 0 {
		slog.Warn("Generator.Generate: no usable insights in model output, using fallback", "client", p.ID)
		return Fallback(p, recent, now)
	}
	slog.Info("Generator.Generate: insights generated", "client", p.ID, "count", len(insights))
	return insights
}

// FilterWindow keeps messages newer than windowDays before now. Messages whose timestamp cannot
// be parsed are kept.
func FilterWindow(history []models.ConversationMessage, now time.Time, windowDays int) []models.ConversationMessage {
	cutoff := now.AddDate(0, 0, -windowDays)
	out := make([]models.ConversationMessage, 0, len(history))
	for _, m := range history {
		if t, ok := m.Time(now.Location()); ok && t.Before(cutoff) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (g *Generator) prompt(p models.ClientProfile, recent []models.ConversationMessage, windowDays int, now time.Time) string {
	return fmt.Sprintf(`Analyze the client communication and generate specific insights for the law firm.

CLIENT INFORMATION:
%s

RECENT CONVERSATIONS (%d days):
%s

ANALYSIS DATA:
%s

TASK: Generate 2-4 specific insights grounded in the actual conversation content.

INSIGHT CATEGORIES:
1. Communication patterns and preferences
2. Client satisfaction indicators
3. Case progress concerns or questions
4. Potential retention risks or positive indicators

Return ONLY a JSON array of objects with these fields:
[
  {
    "insight_type": "positive|concern|action_required",
    "category": "satisfaction|communication|case_progress|retention_risk",
    "message": "specific, clear finding",
    "date": "%s",
    "status": "new",
    "confidence": 0.0-1.0,
    "supporting_evidence": ["evidence from the conversation"],
    "recommended_actions": ["actionable recommendation"],
    "priority": "low|medium|high"
  }
]`,
		promptctx.BuildClientContext(p, now),
		windowDays,
		promptctx.BuildConversationContext(recent, g.window),
		promptctx.AnalyzeForInsights(recent, p, now),
		now.Format(models.DateLayout),
	)
}

// backfill converts parsed objects to insights, filling missing fields with defaults and
// dropping objects without a message.
func backfill(results []parser.Result, p models.ClientProfile, now time.Time) []models.Insight {
	out := make([]models.Insight, 0, len(results))
	for _, r := range results {
		msg := r.String("message", "")
		if msg == "" {
			continue
		}
		out = append(out, models.Insight{
			ClientID:           p.ID,
			InsightType:        models.ParseInsightType(r.String("insight_type", "")),
			Category:           r.String("category", models.CategoryCommunication),
			Message:            msg,
			Date:               r.String("date", now.Format(models.DateLayout)),
			Status:             models.ParseInsightStatus(r.String("status", "")),
			Confidence:         r.Confidence("confidence", defaultInsightConfidence),
			SupportingEvidence: r.Strings("supporting_evidence"),
			RecommendedActions: r.Strings("recommended_actions"),
			Priority:           models.ParsePriority(r.String("priority", "")),
		})
	}
	return out
}

// Fallback derives insights from history alone: an engagement insight when the client has
// written, a progress concern when the case is older than 90 days, and a placeholder otherwise.
func Fallback(p models.ClientProfile, history []models.ConversationMessage, now time.Time) []models.Insight {
	var out []models.Insight
	today := now.Format(models.DateLayout)

	if n := len(models.ClientMessages(history)); n > 0 {
		out = append(out, models.Insight{
			ClientID:           p.ID,
			InsightType:        models.InsightPositive,
			Category:           models.CategoryCommunication,
			Message:            fmt.Sprintf("Client has initiated %d conversation(s), showing active engagement with the firm.", n),
			Date:               today,
			Status:             models.InsightStatusNew,
			Confidence:         defaultInsightConfidence,
			SupportingEvidence: []string{fmt.Sprintf("Client sent %d messages", n)},
			RecommendedActions: []string{"Continue responsive communication", "Monitor for any concerns"},
			Priority:           models.PriorityLow,
		})
	}

	if days := models.DaysSince(p.IncidentDate, now); len(history) > 0 && days > caseAgeInsightAfterDays {
		out = append(out, models.Insight{
			ClientID:           p.ID,
			InsightType:        models.InsightConcern,
			Category:           models.CategoryCaseProgress,
			Message:            fmt.Sprintf("Case is %d days old. Client may have questions about timeline and progress.", days),
			Date:               today,
			Status:             models.InsightStatusNew,
			Confidence:         0.6,
			SupportingEvidence: []string{fmt.Sprintf("Incident occurred %d days ago", days)},
			RecommendedActions: []string{"Provide case progress update", "Set clear timeline expectations"},
			Priority:           models.PriorityMedium,
		})
	}

	if len(out) == 0 {
		out = append(out, placeholder(p, now))
	}
	return out
}

func placeholder(p models.ClientProfile, now time.Time) models.Insight {
	return models.Insight{
		ClientID:           p.ID,
		InsightType:        models.InsightConcern,
		Category:           models.CategoryCommunication,
		Message:            "Limited conversation data available. Recommend reaching out to client to establish communication.",
		Date:               now.Format(models.DateLayout),
		Status:             models.InsightStatusNew,
		Confidence:         0.5,
		SupportingEvidence: []string{"Minimal conversation history"},
		RecommendedActions: []string{"Initiate client contact", "Establish regular communication schedule"},
		Priority:           models.PriorityMedium,
	}
}
