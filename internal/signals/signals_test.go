package signals

import (
	"testing"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

func TestNormalize(t *testing.T) {
	got := Normalize("  Can I SUE the other-driver??  It’s fine.")
	want := "can i sue the other driver it's fine"
	if got != want {
		t.Errorf("Normalize() = %q, want %q", got, want)
	}
}

func TestWholeWordDoesNotMatchInsideWords(t *testing.T) {
	legal := FlagRules[0].Set
	if legal.Matches("I have an issue with my pursuit of happiness") {
		t.Error("expected 'sue' not to match inside 'issue'/'pursuit'")
	}
	if !legal.Matches("Can I sue the other driver for more money?") {
		t.Error("expected 'sue' to match as a whole word")
	}
}

func TestSubstringMatchesWordStems(t *testing.T) {
	if !Positive.Matches("Thanks so much!") {
		t.Error("expected 'thank' to match 'Thanks'")
	}
	if Negative.Matches("all good here") {
		t.Error("unexpected negative match")
	}
}

func TestClassifySentiment(t *testing.T) {
	tests := []struct {
		text string
		want models.Sentiment
	}{
		{"Thank you, you've been great", models.SentimentPositive},
		{"I'm really frustrated with this", models.SentimentNegative},
		{"When is my next appointment", models.SentimentNeutral},
		{"thanks but I'm worried", models.SentimentPositive},
	}
	for _, tt := range tests {
		if got := ClassifySentiment(tt.text); got != tt.want {
			t.Errorf("ClassifySentiment(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestMatchFlagRules(t *testing.T) {
	tests := []struct {
		text    string
		reasons []string
	}{
		{"ok thanks", nil},
		{"Can I sue the other driver for more money?", []string{"Legal strategy or case value question"}},
		{"I think I need to speak with another lawyer", []string{"Switching representation"}},
		{"I can't go on like this", []string{"Self-harm or extreme distress"}},
		{"The adjuster called me about my court date", []string{"Urgent case development"}},
		{"Here are the photos of my leg", []string{"Injury media or sensitive documents"}},
		{"Should I take more ibuprofen?", []string{"Medical advice request"}},
	}
	for _, tt := range tests {
		matches := MatchFlagRules(tt.text)
		if len(matches) != len(tt.reasons) {
			t.Errorf("MatchFlagRules(%q) = %d matches, want %d", tt.text, len(matches), len(tt.reasons))
			continue
		}
		for i, m := range matches {
			if m.Rule.Reason != tt.reasons[i] {
				t.Errorf("MatchFlagRules(%q)[%d] = %q, want %q", tt.text, i, m.Rule.Reason, tt.reasons[i])
			}
			if m.Trigger == "" {
				t.Errorf("MatchFlagRules(%q)[%d] has empty trigger", tt.text, i)
			}
		}
	}
}

func TestDistressIsCritical(t *testing.T) {
	matches := MatchFlagRules("honestly I want to die")
	if len(matches) != 1 || matches[0].Rule.Urgency != models.UrgencyCritical {
		t.Fatalf("expected a single critical match, got %+v", matches)
	}
}

func TestIsAcknowledgmentOnly(t *testing.T) {
	tests := map[string]bool{
		"ok thanks":              true,
		"Got it, thank you!":     true,
		"k":                      true,
		"ok thanks?":             false,
		"ok but when is my case": false,
		"":                       false,
		"...":                    false,
	}
	for text, want := range tests {
		if got := IsAcknowledgmentOnly(text); got != want {
			t.Errorf("IsAcknowledgmentOnly(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestIsPauseRequest(t *testing.T) {
	if !IsPauseRequest("Please stop texting me for a while") {
		t.Error("expected pause request")
	}
	if IsPauseRequest("Can you stop by the office?") {
		t.Error("unexpected pause request")
	}
}

func TestEscalationAuditExtendsEscalation(t *testing.T) {
	if !EscalationAudit.Matches("This was flagged for the team") {
		t.Error("expected audit set to include 'flagged'")
	}
	if Escalation.Matches("This was flagged for the team") {
		t.Error("conversation escalation set should not include 'flagged'")
	}
}

func TestCount(t *testing.T) {
	msgs := []models.ConversationMessage{
		{Content: "when will my case settle"},
		{Content: "any update?"},
		{Content: "hello"},
	}
	if n := Timeline.Count(msgs); n != 2 {
		t.Errorf("Timeline.Count = %d, want 2", n)
	}
}
