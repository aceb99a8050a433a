// Package service composes the mail stores and engines into one EmailService.
// It is constructed once at startup and passed to every consumer.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zoptal/mailflow/internal/analytics"
	"github.com/zoptal/mailflow/internal/audience"
	"github.com/zoptal/mailflow/internal/automation"
	"github.com/zoptal/mailflow/internal/campaign"
	"github.com/zoptal/mailflow/internal/dispatch"
	"github.com/zoptal/mailflow/internal/message"
	"github.com/zoptal/mailflow/internal/suppression"
	"github.com/zoptal/mailflow/internal/template"
)

// Deps holds the components an EmailService is built from
type Deps struct {
	Templates    *template.Storage
	Engine       *template.Engine
	Audiences    *audience.Storage
	Messages     *message.Storage
	Dispatcher   *dispatch.Dispatcher
	Campaigns    *campaign.Service
	Automations  *automation.Engine
	Suppressions suppression.Store
	Tracker      analytics.Tracker
	Logger       *slog.Logger
}

// EmailService is the entry point to the mail subsystem
type EmailService struct {
	templates    *template.Storage
	engine       *template.Engine
	audiences    *audience.Storage
	messages     *message.Storage
	dispatcher   *dispatch.Dispatcher
	campaigns    *campaign.Service
	automations  *automation.Engine
	suppressions suppression.Store
	tracker      analytics.Tracker
	logger       *slog.Logger
}

// New creates the service and routes engagement events into automations.
func New(d Deps) *EmailService {
	tracker := d.Tracker
	if tracker == nil {
		tracker = analytics.Nop{}
	}

	s := &EmailService{
		templates:    d.Templates,
		engine:       d.Engine,
		audiences:    d.Audiences,
		messages:     d.Messages,
		dispatcher:   d.Dispatcher,
		campaigns:    d.Campaigns,
		automations:  d.Automations,
		suppressions: d.Suppressions,
		tracker:      tracker,
		logger:       d.Logger.With("component", "email_service"),
	}

	if s.automations != nil {
		s.dispatcher.OnEvent(s.emitEngagement)
	}
	return s
}

func (s *EmailService) emitEngagement(ctx context.Context, msg *message.Message, event message.Event) {
	data := map[string]any{
		"message_id":  msg.ID,
		"campaign_id": msg.CampaignID,
		"template_id": msg.TemplateID,
		"event":       string(event),
	}
	if len(msg.Recipients) > 0 {
		data["email"] = msg.Recipients[0].Email
		data["name"] = msg.Recipients[0].Name
	}

	trigger := automation.TriggerType("email_" + string(event))
	if _, err := s.automations.Emit(ctx, trigger, data); err != nil {
		s.logger.Error("failed to emit engagement event", "event", event, "error", err)
	}
}

// Templates

func (s *EmailService) CreateTemplate(ctx context.Context, t *template.Template) error {
	if err := s.templates.Create(ctx, t); err != nil {
		return err
	}
	s.tracker.Track(ctx, analytics.EventTemplateCreated, map[string]any{
		"template_id":    t.ID,
		"template_name":  t.Name,
		"category":       t.Category,
		"variable_count": len(t.Variables),
	})
	return nil
}

func (s *EmailService) UpdateTemplate(ctx context.Context, id string, patch template.Patch) (*template.Template, error) {
	t, err := s.templates.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.tracker.Track(ctx, analytics.EventTemplateUpdated, map[string]any{
		"template_id": t.ID,
		"version":     t.Version,
	})
	return t, nil
}

func (s *EmailService) GetTemplate(ctx context.Context, id string) (*template.Template, error) {
	return s.templates.Get(ctx, id)
}

func (s *EmailService) GetAllTemplates(ctx context.Context, filter template.ListFilter) ([]*template.Template, error) {
	return s.templates.List(ctx, filter)
}

func (s *EmailService) DeleteTemplate(ctx context.Context, id string) error {
	return s.templates.Delete(ctx, id)
}

// PreviewTemplate renders a stored template with sample data
func (s *EmailService) PreviewTemplate(ctx context.Context, id string, overrides map[string]any) (*template.RenderResult, error) {
	t, err := s.templates.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.engine.Preview(t, overrides)
}

func (s *EmailService) TemplateStats(ctx context.Context) (*template.Stats, error) {
	return s.templates.Stats(ctx)
}

// Audiences

func (s *EmailService) CreateAudience(ctx context.Context, a *audience.Audience) error {
	if err := s.audiences.Create(ctx, a); err != nil {
		return err
	}
	s.tracker.Track(ctx, analytics.EventAudienceCreated, map[string]any{
		"audience_id":   a.ID,
		"audience_name": a.Name,
		"filter_count":  len(a.Filters),
		"size":          a.Size,
	})
	return nil
}

func (s *EmailService) GetAudience(ctx context.Context, id string) (*audience.Audience, error) {
	return s.audiences.Get(ctx, id)
}

func (s *EmailService) GetAllAudiences(ctx context.Context, search string) ([]*audience.Audience, error) {
	return s.audiences.List(ctx, search)
}

func (s *EmailService) RefreshAudience(ctx context.Context, id string) (*audience.Audience, error) {
	return s.audiences.Refresh(ctx, id)
}

func (s *EmailService) DeleteAudience(ctx context.Context, id string) error {
	return s.audiences.Delete(ctx, id)
}

// Messages

func (s *EmailService) SendEmail(ctx context.Context, msg *message.Message) (*dispatch.Delivery, error) {
	return s.dispatcher.Send(ctx, msg)
}

func (s *EmailService) SendBulkEmails(ctx context.Context, msgs []*message.Message) []dispatch.Result {
	return s.dispatcher.SendBulk(ctx, msgs)
}

func (s *EmailService) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	return s.dispatcher.Get(ctx, id)
}

func (s *EmailService) GetMessages(ctx context.Context, filter message.ListFilter) ([]*message.Message, error) {
	return s.dispatcher.List(ctx, filter)
}

// TrackEvent records an engagement event and fires matching automations
func (s *EmailService) TrackEvent(ctx context.Context, id string, event message.Event) (*message.Message, error) {
	return s.dispatcher.Track(ctx, id, event)
}

// GetEmailStatistics aggregates every message created in the date range
func (s *EmailService) GetEmailStatistics(ctx context.Context, r message.DateRange) (*message.Statistics, error) {
	stats, err := s.messages.Statistics(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to compute statistics: %w", err)
	}
	return stats, nil
}

// Suppressions

func (s *EmailService) Suppressions() suppression.Store {
	return s.suppressions
}

// Campaigns

func (s *EmailService) CreateCampaign(ctx context.Context, in campaign.Input) (*campaign.Campaign, error) {
	return s.campaigns.Create(ctx, in)
}

func (s *EmailService) SendCampaign(ctx context.Context, id string) (*campaign.SendReport, error) {
	return s.campaigns.Send(ctx, id)
}

func (s *EmailService) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	return s.campaigns.Get(ctx, id)
}

func (s *EmailService) GetAllCampaigns(ctx context.Context, filter campaign.ListFilter) ([]*campaign.Campaign, error) {
	return s.campaigns.List(ctx, filter)
}

func (s *EmailService) Campaigns() *campaign.Service {
	return s.campaigns
}

// Automations

func (s *EmailService) CreateAutomation(ctx context.Context, a *automation.Automation) error {
	return s.automations.Create(ctx, a)
}

func (s *EmailService) TriggerAutomation(ctx context.Context, id string, data map[string]any) (*automation.Run, error) {
	return s.automations.Trigger(ctx, id, data)
}

func (s *EmailService) EmitEvent(ctx context.Context, trigger automation.TriggerType, data map[string]any) ([]*automation.Run, error) {
	return s.automations.Emit(ctx, trigger, data)
}

func (s *EmailService) GetAutomation(ctx context.Context, id string) (*automation.Automation, error) {
	return s.automations.Get(ctx, id)
}

func (s *EmailService) GetAllAutomations(ctx context.Context, trigger automation.TriggerType) ([]*automation.Automation, error) {
	return s.automations.List(ctx, trigger)
}

func (s *EmailService) SetAutomationActive(ctx context.Context, id string, active bool) (*automation.Automation, error) {
	return s.automations.SetActive(ctx, id, active)
}

func (s *EmailService) DeleteAutomation(ctx context.Context, id string) error {
	return s.automations.Delete(ctx, id)
}

// Close stops background work in dependency order
func (s *EmailService) Close() {
	s.automations.Stop()
	s.campaigns.Close()
	s.dispatcher.Close()
}
