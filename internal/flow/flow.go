// Package flow implements the triage pipeline: six stages folded over a per-call State that
// turn one inbound client message into a FinalDecision.
package flow

import (
	"context"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

// Generator produces text from a system and a user prompt. *genai.Client implements it.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// HistoryGenerator is a Generator that can replay earlier conversation turns as chat messages.
type HistoryGenerator interface {
	Generator
	GenerateWithHistory(ctx context.Context, systemPrompt string, history []models.ConversationMessage, userPrompt string) (string, error)
}

// StreamGenerator is a Generator that can hand out partial text as it is produced.
type StreamGenerator interface {
	Generator
	GenerateStream(ctx context.Context, systemPrompt, userPrompt string, sink func(string)) (string, error)
}

// Observer receives per-stage timings. err is the generation error the stage absorbed, if any.
type Observer interface {
	ObserveStage(stage string, duration time.Duration, err error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, systemPrompt, userPrompt)
}
