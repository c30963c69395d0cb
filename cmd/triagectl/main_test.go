package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/TriagePipe/internal/flow"
	"github.com/BTreeMap/TriagePipe/internal/insight"
	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const profileYAML = `id: c1
name: Maria Lopez
phone: "+15551234567"
case_managers:
  - Ana Ruiz
incident_date: "2025-05-01"
`

const historyYAML = `- sender: client
  content: Nobody has called me back about my claim
  timestamp: "2025-06-10 09:00:00"
- sender: system
  content: Ana will call you today.
  timestamp: "2025-06-10 09:05:00"
`

// scripted answers by matching a fragment of the system prompt.
type scripted map[string]string

func (s scripted) Generate(_ context.Context, systemPrompt, _ string) (string, error) {
	for fragment, out := range s {
		if strings.Contains(systemPrompt, fragment) {
			return out, nil
		}
	}
	return "", errors.New("unexpected prompt")
}

// streamingWriter hands the reply out word by word.
type streamingWriter struct{ scripted }

func (w streamingWriter) GenerateStream(ctx context.Context, systemPrompt, userPrompt string, sink func(string)) (string, error) {
	text, err := w.Generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", err
	}
	for i, word := range strings.Fields(text) {
		if i > 0 {
			word = " " + word
		}
		sink(word)
	}
	return text, nil
}

var answers = scripted{
	"sentiment analysis":      `{"sentiment": "neutral", "confidence": 0.8, "reasoning": "Routine"}`,
	"retention system":        `{"concern_level": "low", "confidence": 0.9, "reasoning": "Fine"}`,
	"triage agent":            `{"should_flag": false, "urgency_level": "low", "confidence": 0.8, "reasoning": "Routine"}`,
	"communication agent":     `{"should_respond": true, "response_type": "informational", "tone": "warm", "confidence": 0.7}`,
	"caring, professional":    "Hi Maria, Ana will confirm your appointment time today.",
	"relationship analyst":    `[{"insight_type": "concern", "category": "communication", "message": "Client feels unheard", "priority": "high", "confidence": 0.8}]`,
	"risk assessment analyst": `{"risk_level": "high", "risk_score": 8, "primary_risk_factors": ["Unreturned calls"], "confidence": 0.7}`,
}

func fixedGenerators(writer flow.Generator) generators {
	return func(string, string) (flow.Generator, flow.Generator, error) {
		return answers, writer, nil
	}
}

func writeFiles(t *testing.T) (profile, history string) {
	t.Helper()
	dir := t.TempDir()
	profile = filepath.Join(dir, "profile.yaml")
	history = filepath.Join(dir, "history.yaml")
	require.NoError(t, os.WriteFile(profile, []byte(profileYAML), 0o644))
	require.NoError(t, os.WriteFile(history, []byte(historyYAML), 0o644))
	return profile, history
}

func execute(t *testing.T, gens generators, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(gens)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader("When is my next appointment?\n"))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestProcessPrintsDecision(t *testing.T) {
	profile, history := writeFiles(t)

	out, err := execute(t, fixedGenerators(nil), "process", "--profile", profile, "--history", history, "When", "is", "my", "next", "appointment?")
	require.NoError(t, err)

	var d models.FinalDecision
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, models.ActionRespond, d.Action)
	assert.Equal(t, "Hi Maria, Ana will confirm your appointment time today.", d.Reply())
}

func TestProcessReadsStdin(t *testing.T) {
	profile, _ := writeFiles(t)

	out, err := execute(t, fixedGenerators(nil), "process", "-p", profile, "-")
	require.NoError(t, err)
	assert.Contains(t, out, `"When is my next appointment?"`)
}

func TestProcessStreamsReply(t *testing.T) {
	profile, _ := writeFiles(t)

	out, err := execute(t, fixedGenerators(streamingWriter{answers}), "process", "-p", profile, "--stream", "When is my next appointment?")
	require.NoError(t, err)

	first, rest, ok := strings.Cut(out, "\n")
	require.True(t, ok)
	assert.Equal(t, "Hi Maria, Ana will confirm your appointment time today.", first)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(rest), "{"), "decision JSON follows the streamed reply")
}

func TestProcessWeeklyLimit(t *testing.T) {
	profile, _ := writeFiles(t)

	out, err := execute(t, fixedGenerators(nil), "process", "-p", profile, "--count", "25", "Any update on my case?")
	require.NoError(t, err)

	var d models.FinalDecision
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.True(t, d.LimitExceeded)
	assert.NotEqual(t, models.ActionRespond, d.Action)
}

func TestProcessRequiresProfile(t *testing.T) {
	_, err := execute(t, fixedGenerators(nil), "process", "hello")
	assert.Error(t, err)
}

func TestProcessRejectsInvalidProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("phone: \"+15551234567\"\n"), 0o644))

	_, err := execute(t, fixedGenerators(nil), "process", "-p", path, "hello")
	assert.Error(t, err)
}

func TestInsightsCommand(t *testing.T) {
	profile, history := writeFiles(t)
	cmd := newRootCmd(fixedGenerators(nil))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"insights", "-p", profile, "--history", history, "--window", "30"})

	require.NoError(t, cmd.Execute())

	var insights []models.Insight
	require.NoError(t, json.Unmarshal(out.Bytes(), &insights))
	require.NotEmpty(t, insights)
	for _, in := range insights {
		assert.Equal(t, "c1", in.ClientID)
	}
}

func TestRiskCommand(t *testing.T) {
	profile, history := writeFiles(t)

	out, err := execute(t, fixedGenerators(nil), "risk", "-p", profile, "--history", history)
	require.NoError(t, err)

	var assessment insight.RiskAssessment
	require.NoError(t, json.Unmarshal([]byte(out), &assessment))
	assert.Equal(t, "c1", assessment.ClientID)
	assert.NotEmpty(t, assessment.RiskLevel)
}

func TestMessageText(t *testing.T) {
	got, err := messageText([]string{"-"}, strings.NewReader("  from stdin \n"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", got)

	got, err = messageText([]string{"two", "words"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "two words", got)
}

func TestLoadHistoryEmptyPath(t *testing.T) {
	history, err := loadHistory("")
	require.NoError(t, err)
	assert.Nil(t, history)
}
