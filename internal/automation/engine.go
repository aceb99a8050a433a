package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zoptal/mailflow/internal/analytics"
	"github.com/zoptal/mailflow/internal/filter"
	"github.com/zoptal/mailflow/internal/mailerr"
	"github.com/zoptal/mailflow/internal/metrics"
)

var errCancelled = errors.New("delayed action cancelled")

// Config contains engine settings
type Config struct {
	// DelayUnit is the duration of one unit of Action.Delay
	DelayUnit time.Duration
}

// Engine evaluates triggers and executes automation actions
type Engine struct {
	storage  *Storage
	sender   Sender
	contacts ContactUpdater
	webhook  *WebhookClient
	tracker  analytics.Tracker
	cfg      Config
	logger   *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates an automation engine
func NewEngine(
	storage *Storage,
	sender Sender,
	contacts ContactUpdater,
	webhook *WebhookClient,
	tracker analytics.Tracker,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.DelayUnit <= 0 {
		cfg.DelayUnit = time.Minute
	}
	if tracker == nil {
		tracker = analytics.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		storage:  storage,
		sender:   sender,
		contacts: contacts,
		webhook:  webhook,
		tracker:  tracker,
		cfg:      cfg,
		logger:   logger.With("component", "automation"),
		baseCtx:  ctx,
		stop:     cancel,
	}
}

// Create validates and stores an automation with zeroed stats
func (e *Engine) Create(ctx context.Context, a *Automation) error {
	if err := a.Validate(); err != nil {
		return err
	}
	a.Stats = Stats{}
	a.LastTriggeredAt = nil

	if err := e.storage.Create(ctx, a); err != nil {
		return fmt.Errorf("failed to store automation: %w", err)
	}

	e.logger.Info("automation created", "id", a.ID, "name", a.Name, "trigger", a.Trigger.Type)
	e.tracker.Track(ctx, analytics.EventAutomationCreated, map[string]any{
		"automation_id": a.ID,
		"trigger_type":  string(a.Trigger.Type),
		"action_count":  len(a.Actions),
	})
	return nil
}

// Get returns an automation
func (e *Engine) Get(ctx context.Context, id string) (*Automation, error) {
	return e.storage.Get(ctx, id)
}

// List returns automations, optionally for one trigger type
func (e *Engine) List(ctx context.Context, trigger TriggerType) ([]*Automation, error) {
	return e.storage.List(ctx, trigger)
}

// SetActive enables or disables an automation
func (e *Engine) SetActive(ctx context.Context, id string, active bool) (*Automation, error) {
	return e.storage.Update(ctx, id, func(a *Automation) error {
		a.Active = active
		return nil
	})
}

// Delete removes an automation. Delayed actions already scheduled still run.
func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.storage.Delete(ctx, id)
}

// Trigger runs automation id against the event context. A missing or
// inactive automation, or one whose conditions do not hold, yields a skipped
// run and no error. Every action runs regardless of the others' outcomes.
func (e *Engine) Trigger(ctx context.Context, id string, data map[string]any) (*Run, error) {
	a, err := e.storage.Get(ctx, id)
	if errors.Is(err, mailerr.ErrNotFound) {
		return skippedRun(id, "not_found"), nil
	}
	if err != nil {
		return nil, err
	}
	return e.run(ctx, a, data)
}

// Emit triggers every active automation of the given trigger type whose
// trigger config matches the context.
func (e *Engine) Emit(ctx context.Context, trigger TriggerType, data map[string]any) ([]*Run, error) {
	automations, err := e.storage.List(ctx, trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to list automations: %w", err)
	}

	var runs []*Run
	for _, a := range automations {
		if !a.Active || !a.Trigger.Matches(data) {
			continue
		}
		run, err := e.run(ctx, a, data)
		if err != nil {
			e.logger.Error("automation run failed", "id", a.ID, "error", err)
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (e *Engine) run(ctx context.Context, a *Automation, data map[string]any) (*Run, error) {
	if !a.Active {
		metrics.IncAutomationRuns("skipped")
		return skippedRun(a.ID, "inactive"), nil
	}
	if !filter.MatchAll(a.Conditions, filter.MapLookup(data)) {
		metrics.IncAutomationRuns("skipped")
		return skippedRun(a.ID, "conditions"), nil
	}

	now := time.Now().UTC()
	_, err := e.storage.Update(ctx, a.ID, func(a *Automation) error {
		a.Stats.Triggered++
		a.LastTriggeredAt = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record trigger: %w", err)
	}

	metrics.IncAutomationRuns("triggered")
	e.tracker.Track(ctx, analytics.EventAutomationTriggered, map[string]any{
		"automation_id": a.ID,
		"trigger_type":  string(a.Trigger.Type),
	})

	run := newRun(a)
	logger := e.logger.With("id", a.ID)

	for i, action := range a.Actions {
		if action.Delay > 0 {
			e.schedule(a, i, action, data, run)
			continue
		}
		err := e.execute(ctx, a, action, data)
		if err != nil {
			logger.Warn("action failed", "index", i, "type", action.Type, "error", err)
		}
		if run.record(i, err) {
			e.finish(a.ID, run)
			run.complete()
		}
	}

	return run, nil
}

// schedule runs a delayed action on a timer tied to the engine lifetime.
func (e *Engine) schedule(a *Automation, i int, action Action, data map[string]any, run *Run) {
	delay := time.Duration(action.Delay) * e.cfg.DelayUnit

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		var err error
		select {
		case <-e.baseCtx.Done():
			err = errCancelled
		case <-timer.C:
			err = e.execute(e.baseCtx, a, action, data)
		}
		if err != nil {
			e.logger.Warn("delayed action failed", "id", a.ID, "index", i, "type", action.Type, "error", err)
		}
		if run.record(i, err) {
			e.finish(a.ID, run)
			run.complete()
		}
	}()
}

// finish counts the outcome of a run once its last action is done
func (e *Engine) finish(id string, run *Run) {
	failed := run.Failed()

	_, err := e.storage.Update(context.Background(), id, func(a *Automation) error {
		if failed {
			a.Stats.Failed++
		} else {
			a.Stats.Completed++
		}
		return nil
	})
	if err != nil && !errors.Is(err, mailerr.ErrNotFound) {
		e.logger.Error("failed to record run outcome", "id", id, "error", err)
	}

	if failed {
		metrics.IncAutomationRuns("failed")
	} else {
		metrics.IncAutomationRuns("completed")
	}
}

// Stop cancels pending delayed actions and waits for them to settle
func (e *Engine) Stop() {
	e.stop()
	e.wg.Wait()
}
