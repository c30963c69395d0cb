package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/promptctx"
	"github.com/BTreeMap/TriagePipe/internal/signals"
	"github.com/BTreeMap/TriagePipe/internal/timing"
)

// DefaultWeeklyLimit is the number of messages per ISO week that are answered for free.
const DefaultWeeklyLimit = 25

const complexMessageChars = 200

// Request is the input of one triage run. History is owned by the caller and excludes Message;
// the pipeline never retains or modifies it.
type Request struct {
	Message      string
	Profile      models.ClientProfile
	MessageCount int
	EnableDelay  bool
	History      []models.ConversationMessage
	// Sink, when set, receives reply fragments as they are generated. If the stream breaks
	// after some fragments went out, the fallback reply follows on a new line, so the last line
	// written always matches the decision's reply.
	Sink func(string)
}

// Opts holds configuration for the pipeline.
type Opts struct {
	WeeklyLimit   int
	HistoryWindow int
	Delayer       *timing.Delayer
	Clock         func() time.Time
	Observer      Observer
}

// Option configures the pipeline.
type Option func(*Opts)

// WithWeeklyLimit sets the weekly message count from which replies are suppressed.
func WithWeeklyLimit(n int) Option {
	return func(o *Opts) { o.WeeklyLimit = n }
}

// WithHistoryWindow sets how many trailing messages are printed into prompts.
func WithHistoryWindow(n int) Option {
	return func(o *Opts) { o.HistoryWindow = n }
}

// WithDelayer sets the delayer used when a request enables the human delay.
func WithDelayer(d *timing.Delayer) Option {
	return func(o *Opts) { o.Delayer = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// WithObserver registers a stage observer, typically metrics.
func WithObserver(obs Observer) Option {
	return func(o *Opts) { o.Observer = obs }
}

type stage struct {
	name string
	run  func(ctx context.Context, s *State) error
}

// Pipeline runs the six triage stages in order.
type Pipeline struct {
	classifier  Generator
	writer      Generator
	weeklyLimit int
	window      int
	delayer     *timing.Delayer
	now         func() time.Time
	observer    Observer
	stages      []stage
}

// New builds a pipeline. classifier serves the four classification stages and writer the reply;
// a nil writer reuses the classifier.
func New(classifier, writer Generator, opts ...Option) *Pipeline {
	cfg := Opts{
		WeeklyLimit:   DefaultWeeklyLimit,
		HistoryWindow: promptctx.DefaultWindow,
		Delayer:       timing.Disabled(),
		Clock:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if writer == nil {
		writer = classifier
	}
	if cfg.WeeklyLimit <= 0 {
		cfg.WeeklyLimit = DefaultWeeklyLimit
	}

	p := &Pipeline{
		classifier:  classifier,
		writer:      writer,
		weeklyLimit: cfg.WeeklyLimit,
		window:      cfg.HistoryWindow,
		delayer:     cfg.Delayer,
		now:         cfg.Clock,
		observer:    cfg.Observer,
	}
	p.stages = []stage{
		{StageSentiment, p.analyzeSentiment},
		{StageConcern, p.assessConcern},
		{StageFlag, p.decideFlag},
		{StageRespond, p.decideResponse},
		{StageGenerate, p.generateReply},
		{StageCompile, p.compile},
	}
	return p
}

// WeeklyLimit returns the configured weekly message limit.
func (p *Pipeline) WeeklyLimit() int { return p.weeklyLimit }

// ProcessMessage triages one message. It never fails: generation and parse errors fall back to
// stage defaults, and a panic or total failure yields SafeDecision.
func (p *Pipeline) ProcessMessage(ctx context.Context, req Request) (decision models.FinalDecision) {
	now := p.now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Pipeline.ProcessMessage: recovered from panic", "panic", r)
			decision = SafeDecision(fmt.Errorf("panic: %v", r))
			decision.Message = req.Message
			decision.ClientID = req.Profile.ID
			decision.ProcessedAt = now
		}
	}()

	slog.Debug("Pipeline.ProcessMessage: start", "client", req.Profile.ID, "message_count", req.MessageCount, "history", len(req.History))

	s := &State{
		Message:             req.Message,
		Profile:             req.Profile,
		MessageCount:        req.MessageCount,
		History:             req.History,
		Now:                 now,
		Sink:                req.Sink,
		ClientContext:       promptctx.BuildClientContext(req.Profile, now),
		ConversationContext: promptctx.BuildConversationContext(req.History, p.window),
		RuleMatches:         signals.MatchFlagRules(req.Message),
	}

	if req.EnableDelay {
		delay, err := p.delayer.Apply(ctx, len(req.Message), Complexity(req.Message))
		if err != nil {
			slog.Warn("Pipeline.ProcessMessage: delay interrupted", "error", err)
		}
		s.DelaySeconds = delay.Seconds()
	}

	for _, st := range p.stages {
		start := time.Now()
		err := st.run(ctx, s)
		if p.observer != nil {
			p.observer.ObserveStage(st.name, time.Since(start), err)
		}
	}

	decision = *s.Final
	decision.Message = req.Message
	decision.ClientID = req.Profile.ID
	decision.ProcessedAt = now
	decision.DelaySeconds = s.DelaySeconds
	return decision
}

// Complexity rates how much thought a reply to message would take a person.
func Complexity(message string) timing.Complexity {
	switch {
	case signals.IsAcknowledgmentOnly(message):
		return timing.Simple
	case len(signals.MatchFlagRules(message)) > 0 || len(message) > complexMessageChars:
		return timing.Complex
	default:
		return timing.Normal
	}
}
