// Package signals holds the single keyword table used for lexical signal detection.
//
// Every component that scans message text for sentiment, topics, escalation history or
// must-flag content reads its word lists from here, so the rule set stays auditable.
package signals

import (
	"strings"
	"unicode"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

// MatchMode controls how a KeywordSet compares its words against text.
type MatchMode int

const (
	// Substring matches a word anywhere in the lower-cased text ("thank" matches "thanks").
	Substring MatchMode = iota
	// WholeWord matches a word or phrase only on word boundaries ("sue" does not match "issue").
	WholeWord
)

// KeywordSet is a named list of trigger words.
type KeywordSet struct {
	Name  string
	Words []string
	Mode  MatchMode
}

// Matches reports whether text contains any word of the set.
func (k KeywordSet) Matches(text string) bool {
	return k.First(text) != ""
}

// First returns the first word of the set found in text, or "".
func (k KeywordSet) First(text string) string {
	var haystack string
	if k.Mode == WholeWord {
		haystack = " " + Normalize(text) + " "
	} else {
		haystack = strings.ToLower(text)
	}
	for _, w := range k.Words {
		needle := w
		if k.Mode == WholeWord {
			needle = " " + w + " "
		}
		if strings.Contains(haystack, needle) {
			return w
		}
	}
	return ""
}

// Count returns how many messages contain a word of the set.
func (k KeywordSet) Count(msgs []models.ConversationMessage) int {
	n := 0
	for _, m := range msgs {
		if k.Matches(m.Content) {
			n++
		}
	}
	return n
}

// Normalize lower-cases text and collapses every run of non letter/digit/apostrophe
// characters into a single space.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '’' {
			if r == '’' {
				r = '\''
			}
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Sentiment keyword sets.
var (
	Positive = KeywordSet{Name: "positive", Words: []string{"thank", "good", "great", "appreciate", "happy", "satisfied", "excellent"}}
	Negative = KeywordSet{Name: "negative", Words: []string{"angry", "frustrated", "upset", "disappointed", "worried", "concerned", "unhappy"}}
)

// Conversation topic keyword sets.
var (
	Legal    = KeywordSet{Name: "legal", Words: []string{"settlement", "lawyer", "attorney", "case", "court", "insurance"}}
	Medical  = KeywordSet{Name: "medical", Words: []string{"doctor", "treatment", "pain", "injury", "medical", "hospital"}}
	Timeline = KeywordSet{Name: "timeline", Words: []string{"when", "how long", "timeline", "status", "update"}}
)

// ConversationTopics is the ordered topic list used by conversation pattern analysis.
var ConversationTopics = []KeywordSet{Legal, Medical, Timeline}

// Escalation indicators found in system-authored messages that were routed to a human.
var (
	Escalation      = KeywordSet{Name: "escalation", Words: []string{"forwarded", "escalated", "manager", "attorney", "review"}}
	EscalationAudit = KeywordSet{Name: "escalation_audit", Words: append(append([]string{}, Escalation.Words...), "flagged")}
)

// InsightTopics is the ordered topic list used by insight analysis.
var InsightTopics = []KeywordSet{
	{Name: "timeline", Words: []string{"when", "how long", "timeline", "status", "update", "progress"}},
	{Name: "legal_advice", Words: []string{"lawyer", "attorney", "legal", "case", "settlement", "court"}},
	{Name: "medical", Words: Medical.Words},
	{Name: "financial", Words: []string{"money", "cost", "payment", "bill", "insurance", "coverage"}},
	{Name: "communication", Words: []string{"call", "email", "message", "contact", "response", "update"}},
}

// FlagRule is a must-flag condition: any message matching Set has to reach a human.
// Negative rules also count as a negative turn in the client's sentiment.
type FlagRule struct {
	Reason   string
	Urgency  models.Urgency
	Set      KeywordSet
	Negative bool
}

// FlagRules are evaluated in order against every inbound message.
var FlagRules = []FlagRule{
	{
		Reason:  "Legal strategy or case value question",
		Urgency: models.UrgencyMedium,
		Set: KeywordSet{Name: "legal_strategy", Mode: WholeWord, Words: []string{
			"sue", "suing", "lawsuit", "case worth", "case value", "how much is my case", "how much will i get",
			"how much money", "more money", "settlement amount", "settle for", "should i settle", "compensation",
			"pain and suffering", "punitive",
		}},
	},
	{
		Reason:  "Medical advice request",
		Urgency: models.UrgencyMedium,
		Set: KeywordSet{Name: "medical_advice", Mode: WholeWord, Words: []string{
			"should i take", "what medication", "which medication", "should i stop taking", "should i get surgery",
			"should i see a doctor", "is it normal that", "do i need surgery", "what treatment", "dosage",
		}},
	},
	{
		Reason:   "Self-harm or extreme distress",
		Urgency:  models.UrgencyCritical,
		Negative: true,
		Set: KeywordSet{Name: "distress", Mode: WholeWord, Words: []string{
			"kill myself", "end my life", "suicide", "suicidal", "hurt myself", "want to die", "can't go on",
			"cant go on", "no reason to live", "give up on everything", "end it all",
		}},
	},
	{
		Reason:  "Injury media or sensitive documents",
		Urgency: models.UrgencyMedium,
		Set: KeywordSet{Name: "sensitive_media", Mode: WholeWord, Words: []string{
			"photo", "photos", "picture", "pictures", "video", "videos", "medical records", "police report",
			"attached", "attachment", "x ray", "xray", "mri results",
		}},
	},
	{
		Reason:   "Switching representation",
		Urgency:  models.UrgencyHigh,
		Negative: true,
		Set: KeywordSet{Name: "switch_representation", Mode: WholeWord, Words: []string{
			"another lawyer", "another attorney", "new lawyer", "new attorney", "different lawyer",
			"different attorney", "different firm", "another firm", "other law firm", "switch lawyers",
			"switch attorneys", "fire you", "firing you", "fire the firm", "drop my case", "leave the firm",
		}},
	},
	{
		Reason:  "Urgent case development",
		Urgency: models.UrgencyHigh,
		Set: KeywordSet{Name: "urgent_development", Mode: WholeWord, Words: []string{
			"court date", "deadline", "subpoena", "deposition", "adjuster", "insurance called",
			"insurance company called", "insurer called", "new injury", "injured again", "back in the hospital",
			"emergency room", "another accident", "served papers",
		}},
	},
}

// Escalating-pattern reason, used when sentiment reverses alongside unanswered questions.
const EscalatingPatternReason = "Escalating pattern: sentiment reversal with repeated unanswered questions"

// Acknowledgment words; a message made only of these does not need a reply.
var Acknowledgment = KeywordSet{Name: "acknowledgment", Mode: WholeWord, Words: []string{
	"ok", "okay", "k", "kk", "thanks", "thank", "you", "thx", "ty", "got", "it", "sounds", "good", "great",
	"cool", "noted", "will", "do", "sure", "alright", "perfect", "yes", "yep", "np", "appreciate", "so",
	"much", "very", "understood", "gotcha", "all", "right", "awesome",
}}

// Pause requests ask the firm to stop automated messages.
var Pause = KeywordSet{Name: "pause", Mode: WholeWord, Words: []string{
	"stop texting", "stop messaging", "stop sending", "pause messages", "pause the messages", "no more messages",
	"no more texts", "unsubscribe", "leave me alone", "don't text me", "dont text me",
}}

// Follow-up triggers for action items.
var (
	MedicalFollowUp   = KeywordSet{Name: "medical_follow_up", Words: []string{"doctor", "appointment", "surgery", "therapy"}}
	FinancialFollowUp = KeywordSet{Name: "financial_follow_up", Words: []string{"bill", "insurance", "payment", "money"}}
)

// RiskKeywords are churn indicators surfaced to risk assessment.
var RiskKeywords = KeywordSet{Name: "risk", Words: []string{
	"slow", "unhappy", "frustrated", "another lawyer", "different firm", "ignored", "forgotten", "nobody",
	"waste", "money", "bill",
}}

// ClassifySentiment is the coarse keyword classifier: positive words win over negative ones.
func ClassifySentiment(text string) models.Sentiment {
	switch {
	case Positive.Matches(text):
		return models.SentimentPositive
	case Negative.Matches(text):
		return models.SentimentNegative
	default:
		return models.SentimentNeutral
	}
}

// SentimentTimeline classifies each message in order.
func SentimentTimeline(msgs []models.ConversationMessage) []models.Sentiment {
	out := make([]models.Sentiment, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ClassifySentiment(m.Content))
	}
	return out
}

// RuleMatch is a FlagRule that fired, with the trigger word that matched.
type RuleMatch struct {
	Rule    FlagRule
	Trigger string
}

// MatchFlagRules returns every must-flag rule that fires on text, in rule order.
func MatchFlagRules(text string) []RuleMatch {
	var out []RuleMatch
	for _, r := range FlagRules {
		if w := r.Set.First(text); w != "" {
			out = append(out, RuleMatch{Rule: r, Trigger: w})
		}
	}
	return out
}

// IsAcknowledgmentOnly reports whether every word of text is an acknowledgment word.
// Questions are never acknowledgments.
func IsAcknowledgmentOnly(text string) bool {
	if strings.Contains(text, "?") {
		return false
	}
	words := strings.Fields(Normalize(text))
	if len(words) == 0 {
		return false
	}
	allowed := make(map[string]bool, len(Acknowledgment.Words))
	for _, w := range Acknowledgment.Words {
		allowed[w] = true
	}
	for _, w := range words {
		if !allowed[w] {
			return false
		}
	}
	return true
}

// IsPauseRequest reports whether text asks the firm to pause automated messages.
func IsPauseRequest(text string) bool {
	return Pause.Matches(text)
}
