// Package message defines the email message model, its lifecycle and its
// persistence.
package message

import (
	"strings"
	"time"

	"github.com/zoptal/mailflow/internal/mailerr"
)

// Status represents the lifecycle position of a message
type Status string

const (
	StatusDraft        Status = "draft"
	StatusQueued       Status = "queued"
	StatusSending      Status = "sending"
	StatusSent         Status = "sent"
	StatusDelivered    Status = "delivered"
	StatusOpened       Status = "opened"
	StatusClicked      Status = "clicked"
	StatusBounced      Status = "bounced"
	StatusUnsubscribed Status = "unsubscribed"
	StatusFailed       Status = "failed"
)

var statusRank = map[Status]int{
	StatusDraft:        0,
	StatusQueued:       1,
	StatusSending:      2,
	StatusSent:         3,
	StatusDelivered:    4,
	StatusOpened:       5,
	StatusClicked:      6,
	StatusBounced:      7,
	StatusUnsubscribed: 7,
}

// Event is an engagement event reported after delivery.
type Event string

const (
	EventOpened       Event = "opened"
	EventClicked      Event = "clicked"
	EventBounced      Event = "bounced"
	EventUnsubscribed Event = "unsubscribed"
)

// Valid reports whether e is a known engagement event.
func (e Event) Valid() bool {
	switch e {
	case EventOpened, EventClicked, EventBounced, EventUnsubscribed:
		return true
	}
	return false
}

// Address is a mailbox with an optional display name
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// String formats the address for a header.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return quoteName(a.Name) + " <" + a.Email + ">"
}

// Recipient is a message recipient with per-recipient template variables
type Recipient struct {
	Email     string            `json:"email"`
	Name      string            `json:"name,omitempty"`
	Variables map[string]any    `json:"variables,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Address returns the recipient mailbox.
func (r Recipient) Address() Address {
	return Address{Email: r.Email, Name: r.Name}
}

// Attachment is a file attached to a message
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Content     []byte `json:"content"`
}

// Message represents an email message
type Message struct {
	ID             string            `json:"id"`
	TemplateID     string            `json:"template_id,omitempty"`
	CampaignID     string            `json:"campaign_id,omitempty"`
	AutomationID   string            `json:"automation_id,omitempty"`
	Subject        string            `json:"subject"`
	HTML           string            `json:"html,omitempty"`
	Text           string            `json:"text,omitempty"`
	Recipients     []Recipient       `json:"recipients"`
	From           Address           `json:"from"`
	ReplyTo        *Address          `json:"reply_to,omitempty"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ScheduledAt    *time.Time        `json:"scheduled_at,omitempty"`
	Status         Status            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	SentAt         *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time        `json:"delivered_at,omitempty"`
	OpenedAt       *time.Time        `json:"opened_at,omitempty"`
	ClickedAt      *time.Time        `json:"clicked_at,omitempty"`
	BouncedAt      *time.Time        `json:"bounced_at,omitempty"`
	UnsubscribedAt *time.Time        `json:"unsubscribed_at,omitempty"`
	FailedAt       *time.Time        `json:"failed_at,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
}

// CanTransition reports whether a message may move from one status to another.
// Statuses only move forward; failed is reachable only before submission completes.
func CanTransition(from, to Status) bool {
	if from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return from == StatusDraft || from == StatusQueued || from == StatusSending
	}
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// Terminal reports whether no further delivery work is pending for s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDraft, StatusQueued, StatusSending:
		return false
	}
	return true
}

// Transition moves the message to status and stamps the matching timestamp.
func (m *Message) Transition(to Status, at time.Time) error {
	if !CanTransition(m.Status, to) {
		return mailerr.State("message %s cannot move from %s to %s", m.ID, m.Status, to)
	}
	m.Status = to
	m.stamp(to, at)
	return nil
}

// Record applies an engagement event. The timestamp is always recorded;
// the status only advances when the event ranks above the current status.
func (m *Message) Record(e Event, at time.Time) error {
	if !e.Valid() {
		return mailerr.Validation("unknown event %q", e)
	}
	if rank, ok := statusRank[m.Status]; !ok || rank < statusRank[StatusSent] {
		return mailerr.State("message %s is %s, events need a sent message", m.ID, m.Status)
	}

	to := Status(e)
	m.stamp(to, at)
	if CanTransition(m.Status, to) {
		m.Status = to
	}
	return nil
}

func (m *Message) stamp(s Status, at time.Time) {
	t := at.UTC()
	switch s {
	case StatusSent:
		m.SentAt = &t
	case StatusDelivered:
		m.DeliveredAt = &t
	case StatusOpened:
		if m.OpenedAt == nil {
			m.OpenedAt = &t
		}
	case StatusClicked:
		if m.ClickedAt == nil {
			m.ClickedAt = &t
		}
	case StatusBounced:
		if m.BouncedAt == nil {
			m.BouncedAt = &t
		}
	case StatusUnsubscribed:
		if m.UnsubscribedAt == nil {
			m.UnsubscribedAt = &t
		}
	case StatusFailed:
		m.FailedAt = &t
	}
}

// Emails returns the recipient addresses.
func (m *Message) Emails() []string {
	out := make([]string, len(m.Recipients))
	for i, r := range m.Recipients {
		out[i] = r.Email
	}
	return out
}

func quoteName(name string) string {
	if strings.ContainsAny(name, `"(),.:;<>@[\]`) {
		return `"` + strings.ReplaceAll(name, `"`, `\"`) + `"`
	}
	return name
}
