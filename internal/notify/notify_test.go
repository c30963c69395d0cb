package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent []EmailMessage
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg EmailMessage) error {
	r.sent = append(r.sent, msg)
	return r.err
}

type fakeSendClient struct {
	resp  *rest.Response
	err   error
	email *mail.SGMailV3
}

func (f *fakeSendClient) SendWithContext(_ context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	f.email = email
	return f.resp, f.err
}

func flagged() (models.ClientProfile, models.FinalDecision) {
	p := models.ClientProfile{Name: "Maria Lopez", Phone: "+15551234567", CaseManagers: []string{"Ana Ruiz"}}
	d := models.FinalDecision{
		Message:      "Can I sue the other driver?",
		Action:       models.ActionFlag,
		ShouldFlag:   true,
		ConcernLevel: models.ConcernMedium,
		Sentiment:    models.SentimentNeutral,
		Urgency:      models.UrgencyHigh,
		FlagReasons:  []string{"Legal strategy or case value question"},
		Confidence:   0.8,
	}
	return p, d
}

func TestEmailNotifier(t *testing.T) {
	sender := &recordingSender{}
	n := NewEmailNotifier(sender, "cases@firm.example")
	p, d := flagged()

	require.NoError(t, n.NotifyCaseManager(context.Background(), p, d))
	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "cases@firm.example", msg.To)
	assert.Equal(t, "Ana Ruiz", msg.ToName)
	assert.Equal(t, "[HIGH] Maria Lopez needs review", msg.Subject)
	assert.Contains(t, msg.Body, "- Legal strategy or case value question")
	assert.Contains(t, msg.Body, "Can I sue the other driver?")
}

func TestEmailNotifierHighConcernSubject(t *testing.T) {
	p, d := flagged()
	d.ShouldFlag = false
	d.Urgency = ""
	assert.Equal(t, "[MEDIUM] Maria Lopez shows high concern", Subject(p, d))
}

func TestEmailNotifierNoRecipient(t *testing.T) {
	p, d := flagged()
	err := NewEmailNotifier(nil, "").NotifyCaseManager(context.Background(), p, d)
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestSendGridSender(t *testing.T) {
	client := &fakeSendClient{resp: &rest.Response{StatusCode: 202}}
	s := &SendGridSender{client: client, fromEmail: "noreply@firm.example", fromName: "TriagePipe"}

	err := s.Send(context.Background(), EmailMessage{To: "ana@firm.example", Subject: "hello", Body: "body"})
	require.NoError(t, err)
	require.NotNil(t, client.email)
	assert.Equal(t, "hello", client.email.Subject)
	assert.Equal(t, "noreply@firm.example", client.email.From.Address)

	client.resp = &rest.Response{StatusCode: 401, Body: "unauthorized"}
	err = s.Send(context.Background(), EmailMessage{To: "ana@firm.example"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "401"))

	client.err = errors.New("network down")
	assert.Error(t, s.Send(context.Background(), EmailMessage{To: "ana@firm.example"}))
}

func TestNewSendGridSenderRequiresKey(t *testing.T) {
	assert.Nil(t, NewSendGridSender("", "a@b.c", ""))
	assert.NotNil(t, NewSendGridSender("key", "a@b.c", ""))
}

func TestEmailNotifierFollowUp(t *testing.T) {
	sender := &recordingSender{}
	n := NewEmailNotifier(sender, "cases@firm.example")
	p, _ := flagged()
	item := models.ActionItem{
		Task:          "Check on medical appointment status",
		Type:          models.FollowUpMedical,
		Priority:      models.PriorityMedium,
		ScheduledDate: time.Date(2025, 6, 29, 12, 0, 0, 0, time.UTC),
	}

	require.NoError(t, n.NotifyFollowUp(context.Background(), p, item))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "[MEDIUM] Follow-up due for Maria Lopez", sender.sent[0].Subject)
	assert.Contains(t, sender.sent[0].Body, "Due: 2025-06-29")
	assert.ErrorIs(t, NewEmailNotifier(nil, "").NotifyFollowUp(context.Background(), p, item), ErrNoRecipient)
}
