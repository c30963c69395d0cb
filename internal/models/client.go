package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DateLayout is the layout of profile dates such as the incident and signup date.
	DateLayout = "2006-01-02"
	// TimestampLayout is the layout of conversation message timestamps.
	TimestampLayout = "2006-01-02 15:04:05"
)

// Sender values recognised in conversation history. Any other string is kept as-is.
const (
	SenderClient = "client"
	SenderSystem = "system"
	SenderAI     = "ai"
)

var (
	ErrMissingName  = errors.New("client name is required")
	ErrInvalidDate  = errors.New("invalid date, expected YYYY-MM-DD")
	ErrEmptyMessage = errors.New("message cannot be empty")
)

// ClientProfile describes a law-firm client. It is treated as immutable for the
// duration of a triage run; derived values are recomputed on every call.
type ClientProfile struct {
	ID           string   `json:"id,omitempty" yaml:"id,omitempty"`
	Name         string   `json:"name" yaml:"name"`
	Gender       string   `json:"gender,omitempty" yaml:"gender,omitempty"`
	Phone        string   `json:"phone,omitempty" yaml:"phone,omitempty"`
	Email        string   `json:"email,omitempty" yaml:"email,omitempty"`
	CaseManagers []string `json:"case_managers,omitempty" yaml:"case_managers,omitempty"`
	IncidentDate string   `json:"incident_date,omitempty" yaml:"incident_date,omitempty"`
	SignupDate   string   `json:"signup_date,omitempty" yaml:"signup_date,omitempty"`
	Lawyer       string   `json:"lawyer,omitempty" yaml:"lawyer,omitempty"`
	Injuries     string   `json:"injuries,omitempty" yaml:"injuries,omitempty"`
	CaseInfo     string   `json:"case_info,omitempty" yaml:"case_info,omitempty"`
}

// Validate checks the fields that gate pipeline entry.
func (p ClientProfile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return ErrMissingName
	}
	for field, value := range map[string]string{"incident_date": p.IncidentDate, "signup_date": p.SignupDate} {
		if value == "" {
			continue
		}
		if _, err := time.Parse(DateLayout, value); err != nil {
			return fmt.Errorf("%s %q: %w", field, value, ErrInvalidDate)
		}
	}
	return nil
}

// FirstName returns the first word of the client's name, or "there" when it is unknown.
func (p ClientProfile) FirstName() string {
	fields := strings.Fields(p.Name)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}

// PrimaryCaseManager returns the first case manager or a generic placeholder.
func (p ClientProfile) PrimaryCaseManager() string {
	for _, m := range p.CaseManagers {
		if strings.TrimSpace(m) != "" {
			return m
		}
	}
	return "your case manager"
}

// DaysSince returns the whole days between date (YYYY-MM-DD) and now.
// Unparseable or empty dates yield 0.
func DaysSince(date string, now time.Time) int {
	if date == "" {
		return 0
	}
	t, err := time.ParseInLocation(DateLayout, date, now.Location())
	if err != nil {
		return 0
	}
	return int(now.Sub(t).Hours() / 24)
}

// ConversationMessage is one entry of the caller-owned, append-only conversation log.
type ConversationMessage struct {
	Sender    string `json:"sender" yaml:"sender"`
	Content   string `json:"content" yaml:"content"`
	Timestamp string `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

// IsClient reports whether the message was written by the client.
func (m ConversationMessage) IsClient() bool {
	return strings.EqualFold(m.Sender, SenderClient)
}

// IsSystem reports whether the message was written by the firm's automated side.
func (m ConversationMessage) IsSystem() bool {
	return strings.EqualFold(m.Sender, SenderSystem) || strings.EqualFold(m.Sender, SenderAI)
}

// Time parses the message timestamp. The boolean is false when it cannot be parsed.
func (m ConversationMessage) Time(loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(TimestampLayout, m.Timestamp, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// NewMessage builds a conversation message stamped with the given time.
func NewMessage(sender, content string, at time.Time) ConversationMessage {
	return ConversationMessage{Sender: sender, Content: content, Timestamp: at.Format(TimestampLayout)}
}

// ClientMessages returns the client-authored subset of history, preserving order.
func ClientMessages(history []ConversationMessage) []ConversationMessage {
	var out []ConversationMessage
	for _, m := range history {
		if m.IsClient() {
			out = append(out, m)
		}
	}
	return out
}

// SystemMessages returns the system-authored subset of history, preserving order.
func SystemMessages(history []ConversationMessage) []ConversationMessage {
	var out []ConversationMessage
	for _, m := range history {
		if m.IsSystem() {
			out = append(out, m)
		}
	}
	return out
}

// Last returns at most the final n elements of msgs.
func Last(msgs []ConversationMessage, n int) []ConversationMessage {
	if n <= 0 {
		return nil
	}
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
