package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/zoptal/mailflow/internal/analytics"
	"github.com/zoptal/mailflow/internal/directory"
	"github.com/zoptal/mailflow/internal/dispatch"
	"github.com/zoptal/mailflow/internal/mailerr"
	"github.com/zoptal/mailflow/internal/message"
	"github.com/zoptal/mailflow/internal/metrics"
	"github.com/zoptal/mailflow/internal/suppression"
	"github.com/zoptal/mailflow/internal/template"
)

// TemplateSource resolves templates by ID
type TemplateSource interface {
	Get(ctx context.Context, id string) (*template.Template, error)
}

// AudienceSource checks and resolves audiences
type AudienceSource interface {
	Exists(ctx context.Context, ids []string) error
	Recipients(ctx context.Context, ids []string) ([]directory.Contact, error)
}

// Dispatcher hands messages to delivery and reports per-campaign counts
type Dispatcher interface {
	SendBulk(ctx context.Context, msgs []*message.Message) []dispatch.Result
	Counts(ctx context.Context, campaignID string, r message.DateRange) (message.Counts, error)
}

// Service manages the campaign lifecycle
type Service struct {
	storage      *Storage
	templates    TemplateSource
	audiences    AudienceSource
	dispatcher   Dispatcher
	suppressions suppression.Store
	tracker      analytics.Tracker
	logger       *slog.Logger

	now func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a campaign service. suppressions may be nil.
func NewService(
	storage *Storage,
	templates TemplateSource,
	audiences AudienceSource,
	dispatcher Dispatcher,
	suppressions suppression.Store,
	tracker analytics.Tracker,
	logger *slog.Logger,
) *Service {
	if tracker == nil {
		tracker = analytics.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		storage:      storage,
		templates:    templates,
		audiences:    audiences,
		dispatcher:   dispatcher,
		suppressions: suppressions,
		tracker:      tracker,
		logger:       logger.With("component", "campaign"),
		now:          time.Now,
		baseCtx:      ctx,
		stop:         cancel,
	}
}

// Create validates the input and stores a draft, or scheduled, campaign
func (s *Service) Create(ctx context.Context, in Input) (*Campaign, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.templates.Get(ctx, in.TemplateID); err != nil {
		return nil, err
	}
	if err := s.audiences.Exists(ctx, in.AudienceIDs); err != nil {
		return nil, err
	}

	c := &Campaign{
		Name:        in.Name,
		Description: in.Description,
		TemplateID:  in.TemplateID,
		AudienceIDs: in.AudienceIDs,
		From:        in.From,
		ReplyTo:     in.ReplyTo,
		Subject:     in.Subject,
		ScheduledAt: in.ScheduledAt,
		Settings:    in.Settings,
		Status:      StatusDraft,
	}
	if c.ScheduledAt != nil {
		c.Status = StatusScheduled
	}

	if err := s.storage.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to store campaign: %w", err)
	}

	s.logger.Info("campaign created", "id", c.ID, "name", c.Name, "status", c.Status)
	s.tracker.Track(ctx, analytics.EventCampaignCreated, map[string]any{
		"campaign_id":    c.ID,
		"template_id":    c.TemplateID,
		"audience_count": len(c.AudienceIDs),
		"scheduled":      c.ScheduledAt != nil,
	})

	return c, nil
}

// Get returns a campaign
func (s *Service) Get(ctx context.Context, id string) (*Campaign, error) {
	return s.storage.Get(ctx, id)
}

// List returns campaigns
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Campaign, error) {
	return s.storage.List(ctx, filter)
}

// Send dispatches the campaign to the unique recipients of its audiences.
// Only draft and scheduled campaigns can be sent, and at most once.
func (s *Service) Send(ctx context.Context, id string) (*SendReport, error) {
	now := s.now()
	c, err := s.storage.Transition(ctx, id, []Status{StatusDraft, StatusScheduled}, StatusSending, func(c *Campaign) error {
		if !c.Settings.InWindow(now) {
			return mailerr.State("campaign %s is outside its sending window", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger := s.logger.With("id", c.ID)
	report := &SendReport{CampaignID: c.ID}

	contacts, err := s.audiences.Recipients(ctx, c.AudienceIDs)
	if err != nil {
		s.abort(ctx, c.ID, "resolve_failed", err)
		return nil, fmt.Errorf("failed to resolve recipients: %w", err)
	}

	if c.Settings.SkipSuppressed && s.suppressions != nil {
		kept := contacts[:0]
		for _, contact := range contacts {
			suppressed, err := s.suppressions.IsSuppressed(ctx, contact.Email)
			if err != nil {
				s.abort(ctx, c.ID, "resolve_failed", err)
				return nil, fmt.Errorf("failed to check suppression list: %w", err)
			}
			if suppressed {
				report.Suppressed++
				continue
			}
			kept = append(kept, contact)
		}
		contacts = kept
	}

	report.Recipients = len(contacts)
	if len(contacts) == 0 {
		err := mailerr.Validation("campaign %s has no recipients", c.ID)
		s.abort(ctx, c.ID, "no_recipients", err)
		return nil, err
	}

	msgs := make([]*message.Message, len(contacts))
	for i, contact := range contacts {
		msgs[i] = s.buildMessage(c, contact)
	}

	results := s.dispatcher.SendBulk(ctx, msgs)

	var deliveries []*dispatch.Delivery
	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			report.Rejected++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", msgs[r.Index].Recipients[0].Email, r.Err))
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		report.Accepted++
		deliveries = append(deliveries, r.Delivery)
	}

	if report.Accepted == 0 {
		s.abort(ctx, c.ID, "all_rejected", firstErr)
		return report, fmt.Errorf("all %d messages rejected: %w", report.Rejected, firstErr)
	}

	sentAt := s.now().UTC()
	_, err = s.storage.Transition(ctx, c.ID, []Status{StatusSending}, StatusSent, func(c *Campaign) error {
		c.SentAt = &sentAt
		c.Stats = Stats{TotalSent: report.Accepted, Failed: report.Rejected}
		c.Rejected = report.Rejected
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("failed to mark campaign sent: %w", err)
	}

	metrics.IncCampaignSends("sent")
	s.tracker.Track(ctx, analytics.EventCampaignSent, map[string]any{
		"campaign_id": c.ID,
		"recipients":  report.Recipients,
		"accepted":    report.Accepted,
		"rejected":    report.Rejected,
		"suppressed":  report.Suppressed,
	})
	logger.Info("campaign sent", "accepted", report.Accepted, "rejected", report.Rejected, "suppressed", report.Suppressed)

	s.wg.Add(1)
	go s.watchCompletion(c.ID, deliveries)

	return report, nil
}

func (s *Service) buildMessage(c *Campaign, contact directory.Contact) *message.Message {
	return &message.Message{
		TemplateID: c.TemplateID,
		CampaignID: c.ID,
		Subject:    c.Subject,
		From:       c.From,
		ReplyTo:    c.ReplyTo,
		Recipients: []message.Recipient{{
			Email:     contact.Email,
			Name:      contact.Name,
			Variables: contact.Variables(),
			Tags:      contact.Tags,
		}},
		Tags: []string{"campaign"},
		Metadata: map[string]string{
			"campaign_id":  c.ID,
			"track_opens":  strconv.FormatBool(c.Settings.TrackOpens),
			"track_clicks": strconv.FormatBool(c.Settings.TrackClicks),
		},
	}
}

// abort cancels a campaign whose send could not start
func (s *Service) abort(ctx context.Context, id, reason string, cause error) {
	metrics.IncCampaignSends(reason)
	s.logger.Warn("campaign send aborted", "id", id, "reason", reason, "error", cause)

	_, err := s.storage.Transition(context.WithoutCancel(ctx), id, []Status{StatusSending}, StatusCancelled, nil)
	if err != nil {
		s.logger.Error("failed to cancel campaign", "id", id, "error", err)
	}
}

// watchCompletion waits for every accepted delivery to finish, then marks
// the campaign completed and refreshes its stats.
func (s *Service) watchCompletion(id string, deliveries []*dispatch.Delivery) {
	defer s.wg.Done()

	for _, d := range deliveries {
		select {
		case <-s.baseCtx.Done():
			return
		case <-d.Done():
		}
	}

	ctx := context.Background()
	completedAt := s.now().UTC()
	_, err := s.storage.Transition(ctx, id, []Status{StatusSent}, StatusCompleted, func(c *Campaign) error {
		c.CompletedAt = &completedAt
		return nil
	})
	if err != nil {
		s.logger.Warn("campaign not completed", "id", id, "error", err)
		return
	}

	if _, err := s.RefreshStats(ctx, id); err != nil {
		s.logger.Error("failed to refresh campaign stats", "id", id, "error", err)
	}
	s.logger.Info("campaign completed", "id", id)
}

// RefreshStats recomputes campaign counts from its messages
func (s *Service) RefreshStats(ctx context.Context, id string) (*Campaign, error) {
	if _, err := s.storage.Get(ctx, id); err != nil {
		return nil, err
	}

	counts, err := s.dispatcher.Counts(ctx, id, message.DateRange{})
	if err != nil {
		return nil, fmt.Errorf("failed to count campaign messages: %w", err)
	}

	return s.storage.Update(ctx, id, func(c *Campaign) error {
		counts.Failed += c.Rejected
		c.Stats = counts
		return nil
	})
}

// Schedule sets a send time on a draft campaign
func (s *Service) Schedule(ctx context.Context, id string, at time.Time) (*Campaign, error) {
	if at.IsZero() {
		return nil, mailerr.Validation("scheduled time is required")
	}
	at = at.UTC()
	return s.storage.Transition(ctx, id, []Status{StatusDraft, StatusScheduled}, StatusScheduled, func(c *Campaign) error {
		c.ScheduledAt = &at
		return nil
	})
}

// Pause holds a scheduled campaign
func (s *Service) Pause(ctx context.Context, id string) (*Campaign, error) {
	return s.storage.Transition(ctx, id, []Status{StatusScheduled}, StatusPaused, nil)
}

// Resume returns a paused campaign to scheduled, or to draft when it has no
// send time.
func (s *Service) Resume(ctx context.Context, id string) (*Campaign, error) {
	return s.storage.Update(ctx, id, func(c *Campaign) error {
		if c.Status != StatusPaused {
			return mailerr.State("campaign %s is %s, cannot resume", id, c.Status)
		}
		if c.ScheduledAt != nil {
			c.Status = StatusScheduled
		} else {
			c.Status = StatusDraft
		}
		return nil
	})
}

// Cancel stops a campaign that has not been sent
func (s *Service) Cancel(ctx context.Context, id string) (*Campaign, error) {
	return s.storage.Transition(ctx, id, []Status{StatusDraft, StatusScheduled, StatusPaused}, StatusCancelled, nil)
}

// Delete removes a campaign that is not in flight
func (s *Service) Delete(ctx context.Context, id string) error {
	c, err := s.storage.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == StatusSending || c.Status == StatusSent {
		return mailerr.State("campaign %s is %s, cannot delete", id, c.Status)
	}
	return s.storage.Delete(ctx, id)
}

// SendDue sends every scheduled campaign whose time has come and whose
// window is open. It returns the number of campaigns sent.
func (s *Service) SendDue(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.storage.Due(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list due campaigns: %w", err)
	}

	sent := 0
	for _, c := range due {
		if !c.Settings.InWindow(now) {
			continue
		}
		if _, err := s.Send(ctx, c.ID); err != nil {
			if errors.Is(err, mailerr.ErrState) {
				continue
			}
			s.logger.Error("scheduled campaign failed", "id", c.ID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// Close stops completion watchers and waits for them to exit
func (s *Service) Close() {
	s.stop()
	s.wg.Wait()
}
