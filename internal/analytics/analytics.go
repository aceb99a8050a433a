// Package analytics emits the email subsystem's analytics events.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zoptal/mailflow/internal/metrics"
)

const (
	EventEmailSent           = "email_sent"
	EventEmailSendFailed     = "email_send_failed"
	EventBulkEmailsSent      = "bulk_emails_sent"
	EventTemplateCreated     = "email_template_created"
	EventTemplateUpdated     = "email_template_updated"
	EventAudienceCreated     = "email_audience_created"
	EventCampaignCreated     = "email_campaign_created"
	EventCampaignSent        = "email_campaign_sent"
	EventAutomationCreated   = "email_automation_created"
	EventAutomationTriggered = "email_automation_triggered"
	EventEmailEngagement     = "email_engagement"
)

// Event is one analytics record
type Event struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
	At         time.Time      `json:"at"`
}

// Tracker receives analytics events
type Tracker interface {
	Track(ctx context.Context, name string, props map[string]any)
}

// Log writes events to a structured logger and counts them
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging tracker
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With("component", "analytics")}
}

func (l *Log) Track(ctx context.Context, name string, props map[string]any) {
	metrics.IncEvents(name)

	args := make([]any, 0, len(props)*2+2)
	args = append(args, "event", name)
	for k, v := range props {
		args = append(args, k, v)
	}
	l.logger.InfoContext(ctx, "analytics event", args...)
}

// Recorder keeps events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Track(ctx context.Context, name string, props map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: name, Properties: props, At: time.Now().UTC()})
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns recorded events with the given name
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans an event out to several trackers
type Multi []Tracker

func (m Multi) Track(ctx context.Context, name string, props map[string]any) {
	for _, t := range m {
		t.Track(ctx, name, props)
	}
}

// Nop discards events
type Nop struct{}

func (Nop) Track(context.Context, string, map[string]any) {}
