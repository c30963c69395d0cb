// Package tone provides the fixed whitelist of reply tones and response types, their
// normalization, and prompt-guide construction for reply generation.
package tone

import (
	"log/slog"
	"strings"
)

// ---- Whitelist ----

// Tone is the register a generated reply is written in.
type Tone string

const (
	Casual       Tone = "casual"
	Professional Tone = "professional"
	Supportive   Tone = "supportive"
	Brief        Tone = "brief"
)

// ResponseType is the purpose of a generated reply.
type ResponseType string

const (
	Empathetic     ResponseType = "empathetic"
	Informational  ResponseType = "informational"
	Clarification  ResponseType = "clarification"
	Acknowledgment ResponseType = "acknowledgment"
	Ignore         ResponseType = "ignore"
)

// AllTones is the hard-coded set of safe tones.
var AllTones = map[Tone]bool{
	Casual:       true,
	Professional: true,
	Supportive:   true,
	Brief:        true,
}

// AllResponseTypes is the hard-coded set of response types.
var AllResponseTypes = map[ResponseType]bool{
	Empathetic:     true,
	Informational:  true,
	Clarification:  true,
	Acknowledgment: true,
	Ignore:         true,
}

// ---- Public API ----

// NormalizeTone maps s onto the whitelist. Unknown tones become Professional.
// ok is false when s had to be replaced.
func NormalizeTone(s string) (t Tone, ok bool) {
	t = Tone(strings.ToLower(strings.TrimSpace(s)))
	if AllTones[t] {
		return t, true
	}
	if s != "" {
		slog.Warn("tone.NormalizeTone: unknown tone, using professional", "tone", s)
	}
	return Professional, false
}

// NormalizeResponseType maps s onto the whitelist. Unknown types become Acknowledgment.
// ok is false when s had to be replaced.
func NormalizeResponseType(s string) (r ResponseType, ok bool) {
	r = ResponseType(strings.ToLower(strings.TrimSpace(s)))
	if AllResponseTypes[r] {
		return r, true
	}
	if s != "" {
		slog.Warn("tone.NormalizeResponseType: unknown response type, using acknowledgment", "response_type", s)
	}
	return Acknowledgment, false
}

// Style describes how the client writes, derived from their recent messages.
type Style struct {
	LongMessages bool
	UsesEmojis   bool
}

// BuildToneGuide produces a compact instruction snippet for injection into the reply prompt.
// Unknown values are normalized first, so the guide is never empty.
func BuildToneGuide(t Tone, r ResponseType, style Style) string {
	t, _ = NormalizeTone(string(t))
	r, _ = NormalizeResponseType(string(r))

	var b strings.Builder
	b.WriteString("<TONE POLICY>\n")

	switch t {
	case Casual:
		b.WriteString("- Use casual, friendly language, like a helpful person at the office.\n")
	case Supportive:
		b.WriteString("- Be warm and reassuring. Acknowledge how the client feels before anything else.\n")
	case Brief:
		b.WriteString("- Be brief: one or two short sentences, no filler.\n")
	default:
		b.WriteString("- Keep a neutral, professional register.\n")
	}

	switch r {
	case Empathetic:
		b.WriteString("- Lead with empathy for what the client is going through.\n")
	case Informational:
		b.WriteString("- Share general, non-legal information only and point to the case team for specifics.\n")
	case Clarification:
		b.WriteString("- Ask one short question to clarify what the client needs.\n")
	default:
		b.WriteString("- Acknowledge the message and let the client know the team has it.\n")
	}

	if style.LongMessages && t != Brief {
		b.WriteString("- The client writes in detail; a slightly fuller reply is fine.\n")
	} else {
		b.WriteString("- Keep it short; the client writes short messages.\n")
	}
	if style.UsesEmojis && t == Casual {
		b.WriteString("- A single emoji is acceptable.\n")
	} else {
		b.WriteString("- Do NOT use emojis.\n")
	}

	b.WriteString("- NEVER mirror hostility, sarcasm, insults, or unsafe language.\n")
	b.WriteString("</TONE POLICY>")
	return b.String()
}

// ContainsEmoji reports whether s contains a character from the common emoji blocks.
func ContainsEmoji(s string) bool {
	for _, r := range s {
		switch {
		case r >= 0x1F300 && r <= 0x1FAFF, r >= 0x2600 && r <= 0x27BF:
			return true
		}
	}
	return false
}
