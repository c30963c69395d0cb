package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/promptctx"
	"github.com/BTreeMap/TriagePipe/internal/quota"
	"github.com/BTreeMap/TriagePipe/internal/tone"
)

const styleWindow = 3

// FallbackReply is the generic greeting sent when reply generation fails.
func FallbackReply(p models.ClientProfile) string {
	return fmt.Sprintf("Hi %s! Thank you for reaching out. I'm here to help with any questions you might have about your case. What can I assist you with today?", p.FirstName())
}

func (p *Pipeline) generateReply(ctx context.Context, s *State) error {
	res := &ReplyResult{}
	s.Reply = res

	if quota.Exceeded(s.MessageCount, p.weeklyLimit) {
		res.LimitExceeded = true
		res.ChargeAdditional = true
		slog.Info("Pipeline.generateReply: weekly limit reached, skipping generation", "message_count", s.MessageCount, "limit", p.weeklyLimit)
		return nil
	}
	if !s.Respond.ShouldRespond {
		return nil
	}

	prompt := replyPrompt(s, clientStyle(s))
	var (
		text string
		err  error
	)
	streamedAny := false
	if sg, ok := p.writer.(StreamGenerator); ok && s.Sink != nil {
		text, err = sg.GenerateStream(ctx, replySystemPrompt, prompt, func(fragment string) {
			streamedAny = true
			s.Sink(fragment)
		})
		res.Streamed = err == nil
	} else {
		text, err = p.writer.Generate(ctx, replySystemPrompt, prompt)
	}
	if err != nil {
		slog.Error("Pipeline.generateReply: generation failed, using fallback greeting", "error", err)
	}

	text = cleanReply(text)
	if err != nil || text == "" {
		text = FallbackReply(s.Profile)
		res.Fallback = true
		if streamedAny {
			s.Sink("\n" + text)
		}
	}
	res.Content = &text
	slog.Debug("Pipeline.generateReply: reply ready", "length", len(text), "fallback", res.Fallback, "streamed", res.Streamed)
	return err
}

// clientStyle derives writing-style hints from the client's recent messages.
func clientStyle(s *State) tone.Style {
	recent := append(models.ClientMessages(s.History), models.ConversationMessage{Sender: models.SenderClient, Content: s.Message})
	return tone.Style{
		LongMessages: promptctx.AverageLength(models.Last(recent, styleWindow)) > 100,
		UsesEmojis:   tone.ContainsEmoji(s.Message),
	}
}

// cleanReply trims whitespace and one pair of surrounding quotes.
func cleanReply(text string) string {
	text = strings.TrimSpace(text)
	for _, q := range [][2]string{{`"`, `"`}, {"“", "”"}, {"'", "'"}} {
		if len(text) >= len(q[0])+len(q[1]) && strings.HasPrefix(text, q[0]) && strings.HasSuffix(text, q[1]) {
			return strings.TrimSpace(text[len(q[0]) : len(text)-len(q[1])])
		}
	}
	return text
}
