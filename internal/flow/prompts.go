package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/TriagePipe/internal/promptctx"
	"github.com/BTreeMap/TriagePipe/internal/tone"
)

const (
	sentimentSystemPrompt = "You are an expert sentiment analysis agent for a law firm's client communication system. Provide thorough, reasoned analysis."
	concernSystemPrompt   = "You are an expert risk assessment agent for a law firm's client retention system. Provide thorough analysis for client retention."
	flagSystemPrompt      = "You are an expert triage agent for a law firm's AI communication system. Prioritize client safety and legal compliance."
	respondSystemPrompt   = "You are an expert communication agent for a law firm's AI system. Balance helpfulness with appropriate boundaries."
	replySystemPrompt     = "You are a caring, professional assistant for a law firm. Generate warm, helpful responses that stay within appropriate boundaries."
)

func section(b *strings.Builder, title, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	if title != "" {
		b.WriteString(title)
		b.WriteString("\n")
	}
	b.WriteString(body)
	b.WriteString("\n\n")
}

func toJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func contextHeader(b *strings.Builder, s *State) {
	section(b, "CLIENT CONTEXT:", s.ClientContext)
	section(b, "CONVERSATION HISTORY AND PATTERNS:", s.ConversationContext)
}

func sentimentPrompt(s *State) string {
	var b strings.Builder
	contextHeader(&b, s)
	section(&b, "", promptctx.SentimentInsights(s.History, s.MessageCount))
	fmt.Fprintf(&b, "CURRENT MESSAGE TO ANALYZE:\n%q\n\n", s.Message)
	b.WriteString(`ANALYSIS REQUIREMENTS:
1. Classify the sentiment of the current message (positive, neutral, negative).
2. Consider the client's journey stage and relationship timeline.
3. Look for emotional indicators specific to legal and medical case stress.
4. Identify key topics and concerns mentioned.
5. Assess the sentiment trend from the conversation history.
6. Decide whether this message changes the client's earlier communication pattern.

A client who was positive before and is negative now is significant. Repeating the same question shows frustration building.

Respond with JSON only:
{
  "sentiment": "positive|neutral|negative",
  "confidence": 0.0-1.0,
  "emotional_indicators": ["..."],
  "key_topics": ["..."],
  "sentiment_trend": "improving|stable|declining",
  "pattern_change": "escalating|consistent|de-escalating",
  "reasoning": "..."
}`)
	return b.String()
}

func concernPrompt(s *State) string {
	var b strings.Builder
	contextHeader(&b, s)
	section(&b, "", promptctx.ConcernInsights(s.History, s.Sentiment.PatternChange))
	fmt.Fprintf(&b, "CURRENT MESSAGE:\n%q\n\n", s.Message)
	section(&b, "SENTIMENT ANALYSIS:", toJSON(s.Sentiment))
	fmt.Fprintf(&b, "MESSAGE COUNT THIS WEEK: %d\n\n", s.MessageCount)
	b.WriteString(`HIGH CONCERN INDICATORS:
- Mentions of other law firms or attorneys, threats to leave or fire the firm
- Extreme anger or frustration, feeling "forgotten" or "ignored"
- Financial distress affecting case decisions
- Repeated questions without satisfactory answers
- A change from positive to negative communication, or an escalating tone

MEDIUM CONCERN INDICATORS:
- Mild frustration about case progress or communication frequency
- Repeated timeline questions, anxiety about the outcome
- Increased message frequency indicating stress

LOW CONCERN INDICATORS:
- Routine questions, positive or neutral sentiment, gratitude
- Consistent communication patterns

Respond with JSON only:
{
  "concern_level": "low|medium|high",
  "risk_indicators": ["..."],
  "client_retention_risk": 0.0-1.0,
  "historical_context": "...",
  "reasoning": "...",
  "confidence": 0.0-1.0
}`)
	return b.String()
}

func flagPrompt(s *State) string {
	var b strings.Builder
	contextHeader(&b, s)
	section(&b, "", promptctx.FlagInsights(s.History, s.Sentiment.PatternChange))
	fmt.Fprintf(&b, "CURRENT MESSAGE:\n%q\n\n", s.Message)
	section(&b, "SENTIMENT ANALYSIS:", toJSON(s.Sentiment))
	fmt.Fprintf(&b, "CONCERN LEVEL: %s\n\n", s.Concern.Level)
	b.WriteString(`MUST FLAG when any of these apply:
1. Legal strategy, case value, settlement amount or procedure questions
2. Requests for medical advice or treatment decisions
3. Self-harm, extreme despair, abusive anger, or wanting to give up on the case
4. Photos or videos of injuries, medical records, insurance or legal documents
5. Mentions of other attorneys or firms, threats to leave, demands for an attorney
6. New injuries, insurer contact, court dates or deadlines
7. Repeated unanswered questions, escalating frustration, or a positive to negative change

A high concern level alone may warrant flagging. When in doubt, flag.

Respond with JSON only:
{
  "should_flag": true|false,
  "flag_reasons": ["..."],
  "urgency_level": "low|medium|high|critical",
  "pattern_context": "...",
  "reasoning": "...",
  "confidence": 0.0-1.0
}`)
	return b.String()
}

func respondPrompt(s *State) string {
	var b strings.Builder
	contextHeader(&b, s)
	section(&b, "", promptctx.RespondInsights(s.History, s.Sentiment.PatternChange))
	fmt.Fprintf(&b, "CURRENT MESSAGE:\n%q\n\n", s.Message)
	section(&b, "SENTIMENT ANALYSIS:", toJSON(s.Sentiment))
	fmt.Fprintf(&b, "CONCERN LEVEL: %s\n\n", s.Concern.Level)
	section(&b, "FLAG DECISION:", toJSON(s.Flag))
	fmt.Fprintf(&b, "MESSAGE COUNT THIS WEEK: %d\n\n", s.MessageCount)
	b.WriteString(`DO NOT RESPOND if the message is flagged, is a simple acknowledgment ("ok", "thanks", "got it"),
the weekly message count is 25 or more, the client asked to pause messages, or recent escalations
suggest a human should step in.

RESPOND to simple questions that need no legal advice, to clients who need reassurance,
to routine check-ins, and to requests for basic clarification.

Respond with JSON only:
{
  "should_respond": true|false,
  "response_type": "empathetic|informational|clarification|acknowledgment|ignore",
  "tone": "casual|professional|supportive|brief",
  "conversation_context": "...",
  "reasoning": "...",
  "confidence": 0.0-1.0
}`)
	return b.String()
}

func replyPrompt(s *State, style tone.Style) string {
	var b strings.Builder
	section(&b, "CLIENT CONTEXT:", s.ClientContext)
	section(&b, "CONVERSATION HISTORY:", s.ConversationContext)
	fmt.Fprintf(&b, "CURRENT MESSAGE:\n%q\n\n", s.Message)
	fmt.Fprintf(&b, "SENTIMENT: %s\nRESPONSE TYPE: %s\nTONE: %s\n\n", s.Sentiment.Sentiment, s.Respond.Type, s.Respond.Tone)
	b.WriteString(tone.BuildToneGuide(s.Respond.Tone, s.Respond.Type, style))
	b.WriteString("\n\n")
	managers := strings.Join(s.Profile.CaseManagers, ", ")
	if managers == "" {
		managers = s.Profile.PrimaryCaseManager()
	}
	fmt.Fprintf(&b, `GUIDELINES:
- Use the client's name (%s).
- Mention their case manager (%s) when it fits.
- Two to three sentences at most.
- Never give legal advice, case valuations, outcome promises or medical recommendations.
- Refer complex matters to the legal team.
- If this is their first message, welcome them warmly. If they seem concerned, acknowledge it.
- End with an invitation to share more or ask questions.

Write only the message text: no JSON and no quotes.`, s.Profile.FirstName(), managers)
	return b.String()
}
