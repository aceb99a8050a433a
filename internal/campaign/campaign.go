// Package campaign orchestrates one-shot sends of a template to the union of
// one or more audiences.
package campaign

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zoptal/mailflow/internal/mailerr"
	"github.com/zoptal/mailflow/internal/message"
)

// Status represents campaign status
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Stats holds campaign counts. Rates are derived with Stats.Rates().
type Stats = message.Counts

// SendingWindow restricts sending to a daily time range, "HH:MM" in the
// campaign timezone. A window whose end is before its start wraps midnight.
type SendingWindow struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// Settings contains per-campaign sending options
type Settings struct {
	TrackOpens     bool           `json:"track_opens"`
	TrackClicks    bool           `json:"track_clicks"`
	SkipSuppressed bool           `json:"skip_suppressed"`
	Timezone       string         `json:"timezone,omitempty"`
	Window         *SendingWindow `json:"window,omitempty"`
}

// Campaign is a send of one template to a set of audiences
type Campaign struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	TemplateID  string           `json:"template_id"`
	AudienceIDs []string         `json:"audience_ids"`
	From        message.Address  `json:"from"`
	ReplyTo     *message.Address `json:"reply_to,omitempty"`
	Subject     string           `json:"subject,omitempty"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
	Status      Status           `json:"status"`
	Stats       Stats            `json:"stats"`
	Rejected    int              `json:"rejected"`
	Settings    Settings         `json:"settings"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	SentAt      *time.Time       `json:"sent_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// MarshalJSON adds the rates derived from the current counts
func (c Campaign) MarshalJSON() ([]byte, error) {
	type campaign Campaign
	return json.Marshal(struct {
		campaign
		Rates message.Rates `json:"rates"`
	}{campaign(c), c.Stats.Rates()})
}

// Input holds the fields accepted when creating a campaign
type Input struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	TemplateID  string           `json:"template_id"`
	AudienceIDs []string         `json:"audience_ids"`
	From        message.Address  `json:"from"`
	ReplyTo     *message.Address `json:"reply_to"`
	Subject     string           `json:"subject"`
	ScheduledAt *time.Time       `json:"scheduled_at"`
	Settings    Settings         `json:"settings"`
}

// SendReport summarizes a campaign send
type SendReport struct {
	CampaignID string   `json:"campaign_id"`
	Recipients int      `json:"recipients"`
	Suppressed int      `json:"suppressed"`
	Accepted   int      `json:"accepted"`
	Rejected   int      `json:"rejected"`
	Errors     []string `json:"errors,omitempty"`
}

// ListFilter contains campaign list options
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

// Validate checks the shape of the input. Existence of the template and
// audiences is checked by the service.
func (in *Input) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return mailerr.Validation("campaign name is required")
	}
	if in.TemplateID == "" {
		return mailerr.Validation("template_id is required")
	}
	if len(in.AudienceIDs) == 0 {
		return mailerr.Validation("at least one audience is required")
	}
	if in.From.Email != "" && !message.ValidEmail(in.From.Email) {
		return mailerr.Validation("invalid from address %q", in.From.Email)
	}
	if in.ReplyTo != nil && !message.ValidEmail(in.ReplyTo.Email) {
		return mailerr.Validation("invalid reply_to address %q", in.ReplyTo.Email)
	}
	return in.Settings.Validate()
}

// Validate checks the timezone and window format
func (s Settings) Validate() error {
	if _, err := s.location(); err != nil {
		return mailerr.Validation("invalid timezone %q", s.Timezone)
	}
	if s.Window != nil {
		if _, err := parseClock(s.Window.Start); err != nil {
			return mailerr.Validation("invalid window start: %v", err)
		}
		if _, err := parseClock(s.Window.End); err != nil {
			return mailerr.Validation("invalid window end: %v", err)
		}
	}
	return nil
}

// InWindow reports whether t falls inside the sending window. Campaigns
// without a window can always send.
func (s Settings) InWindow(t time.Time) bool {
	if s.Window == nil {
		return true
	}
	loc, err := s.location()
	if err != nil {
		return false
	}
	start, err := parseClock(s.Window.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(s.Window.End)
	if err != nil {
		return false
	}

	local := t.In(loc)
	now := local.Hour()*60 + local.Minute()
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

func (s Settings) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// parseClock returns minutes since midnight for "HH:MM".
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
