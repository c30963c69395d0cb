package flow

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/signals"
	"github.com/google/go-cmp/cmp"
)

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// scriptedGenerator returns canned output keyed by system prompt.
type scriptedGenerator struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     []string
}

func newScripted() *scriptedGenerator {
	return &scriptedGenerator{responses: map[string]string{}, errs: map[string]error{}}
}

func (g *scriptedGenerator) on(systemPrompt, output string) *scriptedGenerator {
	g.responses[systemPrompt] = output
	return g
}

func (g *scriptedGenerator) fail(systemPrompt string, err error) *scriptedGenerator {
	g.errs[systemPrompt] = err
	return g
}

func (g *scriptedGenerator) Generate(_ context.Context, systemPrompt, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, systemPrompt)
	if err := g.errs[systemPrompt]; err != nil {
		return "", err
	}
	return g.responses[systemPrompt], nil
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// streamingGenerator splits its reply into words and streams them.
type streamingGenerator struct {
	*scriptedGenerator
	reply string
	// failAfter, when set, is returned once the first word has been streamed.
	failAfter error
}

func (g *streamingGenerator) GenerateStream(_ context.Context, systemPrompt, _ string, sink func(string)) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, systemPrompt)
	g.mu.Unlock()
	words := strings.SplitAfter(g.reply, " ")
	for _, w := range words {
		sink(w)
		if g.failAfter != nil {
			return "", g.failAfter
		}
	}
	return g.reply, nil
}

type recordingObserver struct {
	stages []string
	failed []string
}

func (o *recordingObserver) ObserveStage(stage string, _ time.Duration, err error) {
	o.stages = append(o.stages, stage)
	if err != nil {
		o.failed = append(o.failed, stage)
	}
}

const (
	neutralSentiment  = `{"sentiment": "neutral", "confidence": 0.8, "sentiment_trend": "stable", "pattern_change": "consistent", "reasoning": "Routine question"}`
	positiveSentiment = `{"sentiment": "positive", "confidence": 0.9, "reasoning": "Grateful"}`
	negativeSentiment = `{"sentiment": "negative", "confidence": 0.85, "sentiment_trend": "declining", "pattern_change": "escalating", "reasoning": "Unhappy"}`
	lowConcern        = `{"concern_level": "low", "confidence": 0.9, "reasoning": "Nothing alarming"}`
	noFlag            = "```json\n{\"should_flag\": false, \"flag_reasons\": [], \"urgency_level\": \"low\", \"reasoning\": \"Routine\", \"confidence\": 0.7}\n```"
	respondYes        = `Here is my decision: {"should_respond": true, "response_type": "informational", "tone": "casual", "reasoning": "Simple question", "confidence": 0.6}`
)

func testProfile() models.ClientProfile {
	return models.ClientProfile{
		ID:           "c1",
		Name:         "Maria Lopez",
		CaseManagers: []string{"Ana Ruiz"},
		IncidentDate: "2025-03-01",
		SignupDate:   "2025-03-05",
	}
}

func baseClassifier() *scriptedGenerator {
	return newScripted().
		on(sentimentSystemPrompt, neutralSentiment).
		on(concernSystemPrompt, lowConcern).
		on(flagSystemPrompt, noFlag).
		on(respondSystemPrompt, respondYes)
}

func newTestPipeline(classifier, writer Generator, opts ...Option) *Pipeline {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(classifier, writer, opts...)
}

func TestProcessMessage_Respond(t *testing.T) {
	classifier := baseClassifier()
	writer := newScripted().on(replySystemPrompt, `"Hi Maria! Ana will confirm your appointment time shortly. Anything else on your mind?"`)
	p := newTestPipeline(classifier, writer)

	d := p.ProcessMessage(context.Background(), Request{
		Message:      "When is my next appointment?",
		Profile:      testProfile(),
		MessageCount: 3,
	})

	if d.Action != models.ActionRespond || !d.ShouldRespond || d.ShouldFlag {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if got := d.Reply(); got != "Hi Maria! Ana will confirm your appointment time shortly. Anything else on your mind?" {
		t.Errorf("reply not cleaned: %q", got)
	}
	if d.Confidence != 0.6 {
		t.Errorf("confidence = %v, want min 0.6", d.Confidence)
	}
	if classifier.callCount() != 4 || writer.callCount() != 1 {
		t.Errorf("calls: classifier=%d writer=%d", classifier.callCount(), writer.callCount())
	}
	if d.ClientID != "c1" || !d.ProcessedAt.Equal(fixedNow) || d.DelaySeconds != 0 {
		t.Errorf("metadata not set: %+v", d)
	}
	want := []models.ActionItem{{
		ClientID:      "c1",
		Task:          "Follow up with Maria about medical appointment outcome",
		ScheduledDate: fixedNow.Add(14 * 24 * time.Hour),
		Type:          models.FollowUpMedical,
		Priority:      models.PriorityMedium,
	}}
	if diff := cmp.Diff(want, d.ActionItems); diff != "" {
		t.Errorf("action items mismatch (-want +got):\n%s", diff)
	}
	for _, label := range []string{"Sentiment Analysis: Routine question", "Pattern Change: consistent", "Flag Decision: Routine", "Response Decision: Simple question"} {
		if !strings.Contains(d.Reasoning, label) {
			t.Errorf("reasoning missing %q: %s", label, d.Reasoning)
		}
	}
}

func TestProcessMessage_CriticalConcernNormalizesToHigh(t *testing.T) {
	classifier := baseClassifier().on(concernSystemPrompt, `{"concern_level": "CRITICAL", "confidence": 0.9}`)
	p := newTestPipeline(classifier, newScripted())

	d := p.ProcessMessage(context.Background(), Request{Message: "Is anyone working on my file", Profile: testProfile()})
	if d.ConcernLevel != models.ConcernHigh {
		t.Errorf("concern = %q, want high", d.ConcernLevel)
	}
	if !d.NotifyCaseManager {
		t.Error("expected high concern to notify the case manager")
	}
}

func TestProcessMessage_ConfidenceIsMinimumWithMissingAsHalf(t *testing.T) {
	classifier := baseClassifier().
		on(sentimentSystemPrompt, `{"sentiment": "neutral"}`).
		on(flagSystemPrompt, `{"should_flag": false, "confidence": 0.9}`).
		on(respondSystemPrompt, `{"should_respond": false, "confidence": 0.95}`)
	p := newTestPipeline(classifier, newScripted())

	d := p.ProcessMessage(context.Background(), Request{Message: "Hello there", Profile: testProfile()})
	if d.Confidence != 0.5 {
		t.Errorf("confidence = %v, want 0.5", d.Confidence)
	}
	if d.Action != models.ActionIgnore {
		t.Errorf("action = %q, want ignore", d.Action)
	}
}

func TestProcessMessage_WeeklyLimit(t *testing.T) {
	classifier := baseClassifier()
	writer := newScripted().on(replySystemPrompt, "should never be used")
	p := newTestPipeline(classifier, writer)

	d := p.ProcessMessage(context.Background(), Request{
		Message:      "Can you tell me the status of my file?",
		Profile:      testProfile(),
		MessageCount: 25,
	})
	if !d.LimitExceeded || !d.ChargeAdditional {
		t.Errorf("expected limit flags, got %+v", d)
	}
	if writer.callCount() != 0 {
		t.Errorf("writer called %d times, want 0", writer.callCount())
	}
	if d.ShouldRespond || d.ResponseContent != nil {
		t.Errorf("expected no reply past the limit, got %+v", d)
	}
}

func TestScenarioA_AcknowledgmentIsIgnored(t *testing.T) {
	classifier := baseClassifier().on(sentimentSystemPrompt, positiveSentiment)
	writer := newScripted()
	p := newTestPipeline(classifier, writer)

	d := p.ProcessMessage(context.Background(), Request{Message: "ok thanks", Profile: testProfile()})
	if d.Action != models.ActionIgnore || d.ShouldFlag || d.ShouldRespond {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if writer.callCount() != 0 {
		t.Error("acknowledgment should not trigger a reply")
	}
	if !strings.Contains(d.Reasoning, SuppressedAck) {
		t.Errorf("reasoning should mention the suppression: %s", d.Reasoning)
	}
}

func TestScenarioB_LegalQuestionIsFlagged(t *testing.T) {
	classifier := baseClassifier()
	writer := newScripted()
	p := newTestPipeline(classifier, writer)

	d := p.ProcessMessage(context.Background(), Request{Message: "Can I sue the other driver for more money?", Profile: testProfile()})
	if !d.ShouldFlag || d.Action != models.ActionFlag {
		t.Fatalf("expected flag, got %+v", d)
	}
	if !slices.Contains(d.FlagReasons, "Legal strategy or case value question") {
		t.Errorf("flag reasons = %v", d.FlagReasons)
	}
	if d.ShouldRespond || d.ResponseContent != nil || writer.callCount() != 0 {
		t.Error("flagged message must not be answered")
	}
	if !d.NotifyCaseManager {
		t.Error("flagged message should notify the case manager")
	}
	// "money" also schedules a financial follow-up.
	if len(d.ActionItems) != 1 || d.ActionItems[0].Type != models.FollowUpFinancial {
		t.Errorf("action items = %+v", d.ActionItems)
	}
}

func TestScenarioC_SentimentReversalIsNoted(t *testing.T) {
	classifier := baseClassifier().
		on(sentimentSystemPrompt, negativeSentiment).
		on(flagSystemPrompt, `{"should_flag": true, "pattern_context": "Client was satisfied last week", "reasoning": "Mentions another lawyer", "confidence": 0.9}`)
	p := newTestPipeline(classifier, newScripted())

	history := []models.ConversationMessage{
		{Sender: "client", Content: "Thank you so much, you've all been great", Timestamp: "2025-06-01 10:00:00"},
		{Sender: "system", Content: "Happy to help, Maria!", Timestamp: "2025-06-01 10:05:00"},
	}
	d := p.ProcessMessage(context.Background(), Request{
		Message: "I think I need to speak with another lawyer",
		Profile: testProfile(),
		History: history,
	})
	if !d.ShouldFlag || d.Action != models.ActionFlag {
		t.Fatalf("expected flag, got %+v", d)
	}
	if !strings.Contains(d.Reasoning, "Pattern Context: "+reversalNote+"; Client was satisfied last week") {
		t.Errorf("pattern context should note the reversal: %s", d.Reasoning)
	}
	if !slices.Contains(d.FlagReasons, "Switching representation") || d.Urgency != models.UrgencyHigh {
		t.Errorf("reasons=%v urgency=%s", d.FlagReasons, d.Urgency)
	}
	if len(history) != 2 {
		t.Error("pipeline must not modify the caller's history")
	}
}

func TestScenarioC_ReversalNotedWhenSentimentReadsNeutral(t *testing.T) {
	p := newTestPipeline(baseClassifier(), newScripted())

	d := p.ProcessMessage(context.Background(), Request{
		Message: "I think I need to speak with another lawyer",
		Profile: testProfile(),
		History: []models.ConversationMessage{
			{Sender: "client", Content: "Thank you so much, you've all been great", Timestamp: "2025-06-01 10:00:00"},
			{Sender: "system", Content: "Happy to help, Maria!", Timestamp: "2025-06-01 10:05:00"},
		},
	})
	if !d.ShouldFlag || d.Action != models.ActionFlag {
		t.Fatalf("expected flag, got %+v", d)
	}
	if !strings.Contains(d.Reasoning, "Pattern Context: "+reversalNote) {
		t.Errorf("switching representation after praise should note the reversal: %s", d.Reasoning)
	}
}

func TestSentimentReversal_NeutralWithoutNegativeRuleIsNotNoted(t *testing.T) {
	p := newTestPipeline(baseClassifier(), newScripted())

	d := p.ProcessMessage(context.Background(), Request{
		Message: "Can you send me the police report?",
		Profile: testProfile(),
		History: []models.ConversationMessage{
			{Sender: "client", Content: "Thank you so much, you've all been great"},
		},
	})
	if strings.Contains(d.Reasoning, reversalNote) {
		t.Errorf("no reversal expected: %s", d.Reasoning)
	}
}

func TestEscalatingPatternForcesFlag(t *testing.T) {
	classifier := baseClassifier().on(sentimentSystemPrompt, negativeSentiment)
	p := newTestPipeline(classifier, newScripted())

	d := p.ProcessMessage(context.Background(), Request{
		Message: "I'm upset, why is nobody answering?",
		Profile: testProfile(),
		History: []models.ConversationMessage{
			{Sender: "client", Content: "Great, thanks! When is the next step?"},
		},
	})
	if !d.ShouldFlag || !slices.Contains(d.FlagReasons, signals.EscalatingPatternReason) {
		t.Errorf("expected escalating pattern flag, got %+v", d)
	}
}

func TestProcessMessage_TotalFailureIsSafe(t *testing.T) {
	boom := errors.New("upstream unavailable")
	classifier := newScripted().
		fail(sentimentSystemPrompt, boom).
		fail(concernSystemPrompt, boom).
		fail(flagSystemPrompt, boom).
		fail(respondSystemPrompt, boom)
	writer := newScripted()
	obs := &recordingObserver{}
	p := newTestPipeline(classifier, writer, WithObserver(obs))

	d := p.ProcessMessage(context.Background(), Request{Message: "hello?", Profile: testProfile()})
	if d.Action != models.ActionFlag || !d.ShouldFlag || d.ShouldRespond {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.ConcernLevel != models.ConcernHigh || d.Sentiment != models.SentimentNeutral || d.Confidence != SafeConfidence {
		t.Errorf("unexpected safe fields: %+v", d)
	}
	if d.Reasoning != "Processing failed: upstream unavailable - Defaulting to human review" {
		t.Errorf("reasoning = %q", d.Reasoning)
	}
	if writer.callCount() != 0 {
		t.Error("writer should not be called")
	}
	if diff := cmp.Diff([]string{StageSentiment, StageConcern, StageFlag, StageRespond}, obs.failed); diff != "" {
		t.Errorf("failed stages mismatch:\n%s", diff)
	}
	if len(obs.stages) != 6 {
		t.Errorf("observed %d stages, want 6", len(obs.stages))
	}
}

func TestProcessMessage_FlagErrorDefaultsToHumanReview(t *testing.T) {
	classifier := baseClassifier().fail(flagSystemPrompt, errors.New("timeout"))
	p := newTestPipeline(classifier, newScripted())

	d := p.ProcessMessage(context.Background(), Request{Message: "Quick question about parking", Profile: testProfile()})
	if !d.ShouldFlag || !slices.Contains(d.FlagReasons, analysisErrorReason) || d.Urgency != models.UrgencyMedium {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestProcessMessage_UnparseableFlagDefaultsToFlag(t *testing.T) {
	classifier := baseClassifier().on(flagSystemPrompt, "I am not sure what to do here.")
	p := newTestPipeline(classifier, newScripted())

	d := p.ProcessMessage(context.Background(), Request{Message: "Quick question about parking", Profile: testProfile()})
	if !d.ShouldFlag || !slices.Contains(d.FlagReasons, unparseableReason) {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestProcessMessage_ReplyErrorUsesGreeting(t *testing.T) {
	writer := newScripted().fail(replySystemPrompt, errors.New("rate limited"))
	p := newTestPipeline(baseClassifier(), writer)

	d := p.ProcessMessage(context.Background(), Request{Message: "What documents should I keep?", Profile: testProfile()})
	if d.Action != models.ActionRespond {
		t.Fatalf("action = %q", d.Action)
	}
	if got, want := d.Reply(), FallbackReply(testProfile()); got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
	if !strings.HasPrefix(d.Reply(), "Hi Maria! Thank you for reaching out.") {
		t.Errorf("unexpected greeting: %q", d.Reply())
	}
}

func TestProcessMessage_PauseRequestSuppressesReply(t *testing.T) {
	p := newTestPipeline(baseClassifier(), newScripted())
	d := p.ProcessMessage(context.Background(), Request{Message: "Please stop texting me for a while", Profile: testProfile()})
	if d.ShouldRespond || d.Action != models.ActionIgnore {
		t.Errorf("expected pause to suppress reply, got %+v", d)
	}
}

func TestProcessMessage_StreamsReply(t *testing.T) {
	writer := &streamingGenerator{scriptedGenerator: newScripted(), reply: "Hi Maria! Ana will call you today."}
	p := newTestPipeline(baseClassifier(), writer)

	var fragments []string
	d := p.ProcessMessage(context.Background(), Request{
		Message: "Who is handling my file?",
		Profile: testProfile(),
		Sink:    func(s string) { fragments = append(fragments, s) },
	})
	if d.Reply() != "Hi Maria! Ana will call you today." {
		t.Errorf("reply = %q", d.Reply())
	}
	if strings.Join(fragments, "") != d.Reply() || len(fragments) < 2 {
		t.Errorf("fragments = %q", fragments)
	}
}

func TestProcessMessage_BrokenStreamEndsWithFallback(t *testing.T) {
	writer := &streamingGenerator{
		scriptedGenerator: newScripted(),
		reply:             "Hi Maria! Ana will call you today.",
		failAfter:         errors.New("connection reset"),
	}
	p := newTestPipeline(baseClassifier(), writer)

	var out strings.Builder
	d := p.ProcessMessage(context.Background(), Request{
		Message: "Who is handling my file?",
		Profile: testProfile(),
		Sink:    func(s string) { out.WriteString(s) },
	})
	want := FallbackReply(testProfile())
	if d.Reply() != want {
		t.Fatalf("reply = %q, want fallback", d.Reply())
	}
	lines := strings.Split(out.String(), "\n")
	if len(lines) != 2 || lines[0] != "Hi " || lines[1] != want {
		t.Errorf("streamed output = %q", out.String())
	}
}

func TestProcessMessage_RecoversFromPanic(t *testing.T) {
	panicky := GeneratorFunc(func(context.Context, string, string) (string, error) { panic("bad state") })
	p := newTestPipeline(panicky, nil)

	d := p.ProcessMessage(context.Background(), Request{Message: "hi", Profile: testProfile()})
	if d.Action != models.ActionFlag || d.Confidence != SafeConfidence || !strings.Contains(d.Reasoning, "panic: bad state") {
		t.Errorf("unexpected decision: %+v", d)
	}
	if d.ClientID != "c1" || !d.ProcessedAt.Equal(fixedNow) {
		t.Errorf("metadata not set on safe decision: %+v", d)
	}
}

func TestProcessMessage_AtMostFiveCalls(t *testing.T) {
	shared := baseClassifier().on(replySystemPrompt, "Sure thing!")
	p := newTestPipeline(shared, shared)
	p.ProcessMessage(context.Background(), Request{Message: "What's the office address?", Profile: testProfile()})
	if n := shared.callCount(); n > 5 {
		t.Errorf("made %d generation calls, want at most 5", n)
	}
}

func TestComplexity(t *testing.T) {
	if Complexity("ok thanks") != "simple" {
		t.Error("acknowledgment should be simple")
	}
	if Complexity("Can I sue them?") != "complex" {
		t.Error("flag rule match should be complex")
	}
	if Complexity("What time is my call?") != "normal" {
		t.Error("plain question should be normal")
	}
}

func TestCleanReply(t *testing.T) {
	tests := map[string]string{
		`  "Hello there"  `: "Hello there",
		"“Curly quotes”":    "Curly quotes",
		"No quotes":         "No quotes",
		`"`:                 `"`,
	}
	for in, want := range tests {
		if got := cleanReply(in); got != want {
			t.Errorf("cleanReply(%q) = %q, want %q", in, got, want)
		}
	}
}
