package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zoptal/mailflow/internal/analytics"
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

// EventHook observes engagement events recorded through Track
type EventHook func(ctx context.Context, msg *message.Message, event message.Event)

// Config contains dispatcher settings
type Config struct {
	Workers         int
	DeliveryTimeout time.Duration
	DefaultFrom     message.Address
}

// Dispatcher accepts messages and delivers them asynchronously
type Dispatcher struct {
	messages     *message.Storage
	templates    TemplateSource
	engine       *template.Engine
	transport    Transport
	tracker      analytics.Tracker
	suppressions suppression.Store
	cfg          Config
	logger       *slog.Logger

	hooksMu sync.RWMutex
	hooks   []EventHook

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a dispatcher. suppressions may be nil.
func New(
	messages *message.Storage,
	templates TemplateSource,
	engine *template.Engine,
	transport Transport,
	tracker analytics.Tracker,
	suppressions suppression.Store,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 2 * time.Minute
	}
	if tracker == nil {
		tracker = analytics.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		messages:     messages,
		templates:    templates,
		engine:       engine,
		transport:    transport,
		tracker:      tracker,
		suppressions: suppressions,
		cfg:          cfg,
		logger:       logger.With("component", "dispatcher"),
		baseCtx:      ctx,
		stop:         cancel,
	}
}

// OnEvent registers a hook called after Track records an event
func (d *Dispatcher) OnEvent(h EventHook) {
	d.hooksMu.Lock()
	defer d.hooksMu.Unlock()
	d.hooks = append(d.hooks, h)
}

// Send prepares, validates and persists msg, then starts its delivery in the
// background. When msg references a template, the template is rendered with
// the first recipient's variables.
func (d *Dispatcher) Send(ctx context.Context, msg *message.Message) (*Delivery, error) {
	if err := d.prepare(ctx, msg); err != nil {
		d.tracker.Track(ctx, analytics.EventEmailSendFailed, eventProps(msg, err))
		return nil, err
	}

	msg.ID = uuid.New().String()
	msg.Status = message.StatusQueued
	msg.CreatedAt = time.Now().UTC()
	msg.LastError = ""

	if err := d.messages.Save(ctx, msg); err != nil {
		d.tracker.Track(ctx, analytics.EventEmailSendFailed, eventProps(msg, err))
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	metrics.IncMessages(string(message.StatusQueued))
	d.tracker.Track(ctx, analytics.EventEmailSent, eventProps(msg, nil))

	deliveryCtx, cancel := context.WithTimeout(d.baseCtx, d.cfg.DeliveryTimeout)
	delivery := newDelivery(msg.ID, cancel)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		d.deliver(deliveryCtx, msg, delivery)
	}()

	return delivery, nil
}

func (d *Dispatcher) prepare(ctx context.Context, msg *message.Message) error {
	if msg == nil {
		return mailerr.Validation("message is nil")
	}

	if msg.TemplateID != "" {
		tmpl, err := d.templates.Get(ctx, msg.TemplateID)
		if err != nil {
			return err
		}

		content := *tmpl
		if msg.Subject != "" {
			content.Subject = msg.Subject
		}

		var vars map[string]any
		if len(msg.Recipients) > 0 {
			vars = msg.Recipients[0].Variables
		}
		result, err := d.engine.Render(&content, vars)
		if err != nil {
			return err
		}
		msg.Subject = result.Subject
		msg.HTML = result.HTML
		msg.Text = result.Text
	}

	if msg.From.Email == "" {
		msg.From = d.cfg.DefaultFrom
	}

	return msg.Validate()
}

func (d *Dispatcher) deliver(ctx context.Context, msg *message.Message, delivery *Delivery) {
	start := time.Now()
	metrics.AddDeliveriesActive(1)
	defer metrics.AddDeliveriesActive(-1)

	logger := d.logger.With("id", msg.ID)

	final, err := d.advance(msg.ID, func(m *message.Message) error {
		return m.Transition(message.StatusSending, time.Now())
	})
	if err != nil {
		logger.Error("failed to mark message sending", "error", err)
		delivery.finish(msg, err)
		return
	}

	if err := d.transport.Submit(ctx, final); err != nil {
		d.fail(ctx, final, delivery, err, logger)
		return
	}

	sent, err := d.advance(msg.ID, func(m *message.Message) error {
		return m.Transition(message.StatusSent, time.Now())
	})
	if err != nil {
		logger.Error("failed to mark message sent", "error", err)
		delivery.finish(final, err)
		return
	}
	final = sent
	metrics.IncMessages(string(message.StatusSent))

	if err := d.transport.Confirm(ctx, final); err != nil {
		logger.Warn("delivery not confirmed", "error", err)
		updated, uerr := d.advance(msg.ID, func(m *message.Message) error {
			m.LastError = err.Error()
			return nil
		})
		if uerr != nil {
			logger.Error("failed to record confirmation error", "error", uerr)
		} else {
			final = updated
		}
		delivery.finish(final, mailerr.Delivery(err))
		return
	}

	delivered, err := d.advance(msg.ID, func(m *message.Message) error {
		if message.CanTransition(m.Status, message.StatusDelivered) {
			return m.Transition(message.StatusDelivered, time.Now())
		}
		// An engagement event overtook confirmation; keep its status.
		if m.DeliveredAt == nil {
			now := time.Now().UTC()
			m.DeliveredAt = &now
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to mark message delivered", "error", err)
		delivery.finish(final, err)
		return
	}
	final = delivered

	metrics.IncMessages(string(message.StatusDelivered))
	metrics.ObserveDelivery(time.Since(start).Seconds())
	logger.Debug("message delivered", "duration", time.Since(start))
	delivery.finish(final, nil)
}

func (d *Dispatcher) fail(ctx context.Context, msg *message.Message, delivery *Delivery, cause error, logger *slog.Logger) {
	final, err := d.advance(msg.ID, func(m *message.Message) error {
		m.LastError = cause.Error()
		return m.Transition(message.StatusFailed, time.Now())
	})
	if err != nil {
		logger.Error("failed to mark message failed", "error", err)
		final = msg
	}

	logger.Warn("delivery failed", "error", cause, "temporary", IsTemporaryError(cause))
	metrics.IncMessages(string(message.StatusFailed))
	metrics.ObserveDelivery(time.Since(msg.CreatedAt).Seconds())
	d.tracker.Track(context.WithoutCancel(ctx), analytics.EventEmailSendFailed, eventProps(final, cause))
	delivery.finish(final, mailerr.Delivery(cause))
}

// advance applies fn to the stored message. It uses a fresh context so that
// the final state is written even after the delivery context ends.
func (d *Dispatcher) advance(id string, fn func(m *message.Message) error) (*message.Message, error) {
	return d.messages.Update(context.Background(), id, fn)
}

// Track records an engagement event for a message. Bounces and unsubscribes
// add the recipients to the suppression list.
func (d *Dispatcher) Track(ctx context.Context, id string, event message.Event) (*message.Message, error) {
	if !event.Valid() {
		return nil, mailerr.Validation("unknown event %q", event)
	}

	msg, err := d.messages.Update(ctx, id, func(m *message.Message) error {
		return m.Record(event, time.Now())
	})
	if err != nil {
		return nil, err
	}

	if d.suppressions != nil && (event == message.EventBounced || event == message.EventUnsubscribed) {
		reason := suppression.ReasonBounced
		if event == message.EventUnsubscribed {
			reason = suppression.ReasonUnsubscribed
		}
		for _, email := range msg.Emails() {
			if err := d.suppressions.Add(ctx, email, reason); err != nil {
				d.logger.Error("failed to suppress recipient", "email", email, "error", err)
			}
		}
	}

	metrics.IncMessages(string(event))
	props := eventProps(msg, nil)
	props["event"] = string(event)
	d.tracker.Track(ctx, analytics.EventEmailEngagement, props)

	d.hooksMu.RLock()
	hooks := append([]EventHook(nil), d.hooks...)
	d.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, msg, event)
	}

	return msg, nil
}

// Get returns a stored message
func (d *Dispatcher) Get(ctx context.Context, id string) (*message.Message, error) {
	return d.messages.Get(ctx, id)
}

// List returns stored messages
func (d *Dispatcher) List(ctx context.Context, filter message.ListFilter) ([]*message.Message, error) {
	return d.messages.List(ctx, filter)
}

// Counts aggregates stored messages, optionally for one campaign
func (d *Dispatcher) Counts(ctx context.Context, campaignID string, r message.DateRange) (message.Counts, error) {
	return d.messages.Counts(ctx, campaignID, r)
}

// Close cancels in-flight deliveries and waits for them to settle
func (d *Dispatcher) Close() {
	d.stop()
	d.wg.Wait()
}

func eventProps(msg *message.Message, err error) map[string]any {
	props := map[string]any{}
	if msg != nil {
		props["message_id"] = msg.ID
		props["template_id"] = msg.TemplateID
		props["recipient_count"] = len(msg.Recipients)
		props["has_attachments"] = len(msg.Attachments) > 0
		if msg.CampaignID != "" {
			props["campaign_id"] = msg.CampaignID
		}
	}
	if err != nil {
		props["error"] = err.Error()
		if errors.Is(err, mailerr.ErrValidation) {
			props["reason"] = "validation"
		}
	}
	return props
}
