// Package automation runs condition-gated action sequences in response to
// trigger events.
package automation

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/zoptal/mailflow/internal/filter"
	"github.com/zoptal/mailflow/internal/mailerr"
)

// TriggerType identifies the event that starts an automation
type TriggerType string

const (
	TriggerUserSignup        TriggerType = "user_signup"
	TriggerEmailOpened       TriggerType = "email_opened"
	TriggerEmailClicked      TriggerType = "email_clicked"
	TriggerEmailBounced      TriggerType = "email_bounced"
	TriggerEmailUnsubscribed TriggerType = "email_unsubscribed"
	TriggerTagAdded          TriggerType = "tag_added"
	TriggerContactUpdated    TriggerType = "contact_updated"
	TriggerCustom            TriggerType = "custom"
)

var triggerTypes = map[TriggerType]bool{
	TriggerUserSignup:        true,
	TriggerEmailOpened:       true,
	TriggerEmailClicked:      true,
	TriggerEmailBounced:      true,
	TriggerEmailUnsubscribed: true,
	TriggerTagAdded:          true,
	TriggerContactUpdated:    true,
	TriggerCustom:            true,
}

// Valid reports whether t is a known trigger type
func (t TriggerType) Valid() bool {
	return triggerTypes[t]
}

// ActionType identifies what an action does
type ActionType string

const (
	ActionSendEmail     ActionType = "send_email"
	ActionUpdateContact ActionType = "update_contact"
	ActionAddTag        ActionType = "add_tag"
	ActionWebhook       ActionType = "webhook"
)

// Trigger selects the events an automation reacts to. Every Config entry
// must equal the same key of the event context.
type Trigger struct {
	Type   TriggerType    `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Matches reports whether the event context satisfies the trigger config
func (t Trigger) Matches(data map[string]any) bool {
	lookup := filter.MapLookup(data)
	for k, v := range t.Config {
		if !filter.Match(filter.Condition{Field: k, Operator: filter.OpEquals, Value: v}, lookup) {
			return false
		}
	}
	return true
}

// Action is one step of an automation. Delay is counted in delay units,
// minutes by default.
type Action struct {
	Type   ActionType     `json:"type"`
	Config map[string]any `json:"config,omitempty"`
	Delay  int            `json:"delay,omitempty"`
}

// Stats counts automation outcomes. EmailsSent counts confirmed deliveries
// only and may lag behind Completed.
type Stats struct {
	Triggered  int `json:"triggered"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	EmailsSent int `json:"emails_sent"`
}

// Automation is a trigger plus conditions plus actions
type Automation struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Description     string             `json:"description,omitempty"`
	Trigger         Trigger            `json:"trigger"`
	Actions         []Action           `json:"actions"`
	Conditions      []filter.Condition `json:"conditions,omitempty"`
	Active          bool               `json:"active"`
	Stats           Stats              `json:"stats"`
	LastTriggeredAt *time.Time         `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Validate checks the automation definition
func (a *Automation) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return mailerr.Validation("automation name is required")
	}
	if !a.Trigger.Type.Valid() {
		return mailerr.Validation("unknown trigger type %q", a.Trigger.Type)
	}
	if len(a.Actions) == 0 {
		return mailerr.Validation("at least one action is required")
	}
	for i, action := range a.Actions {
		if action.Delay < 0 {
			return mailerr.Validation("action %d: delay must not be negative", i)
		}
		if err := validateAction(action); err != nil {
			return mailerr.Validation("action %d: %v", i, err)
		}
	}
	if err := filter.Validate(a.Conditions); err != nil {
		return mailerr.Validation("%v", err)
	}
	return nil
}

// RunStatus is the state of one action within a run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// ActionResult is the outcome of one action of a run
type ActionResult struct {
	Index   int        `json:"index"`
	Type    ActionType `json:"type"`
	Delayed bool       `json:"delayed"`
	Status  RunStatus  `json:"status"`
	Error   string     `json:"error,omitempty"`
}

// Run is one execution of an automation. Delayed actions keep running after
// Trigger returns; Wait blocks until every action has finished.
type Run struct {
	AutomationID string    `json:"automation_id"`
	Skipped      bool      `json:"skipped"`
	Reason       string    `json:"reason,omitempty"`
	StartedAt    time.Time `json:"started_at"`

	mu      sync.Mutex
	actions []ActionResult
	pending int
	done    chan struct{}
}

func skippedRun(id, reason string) *Run {
	r := &Run{AutomationID: id, Skipped: true, Reason: reason, StartedAt: time.Now().UTC(), done: make(chan struct{})}
	close(r.done)
	return r
}

func newRun(a *Automation) *Run {
	r := &Run{
		AutomationID: a.ID,
		StartedAt:    time.Now().UTC(),
		actions:      make([]ActionResult, len(a.Actions)),
		pending:      len(a.Actions),
		done:         make(chan struct{}),
	}
	for i, action := range a.Actions {
		r.actions[i] = ActionResult{Index: i, Type: action.Type, Delayed: action.Delay > 0, Status: RunPending}
	}
	return r
}

// record stores an action outcome and reports whether it was the last one.
// The caller completes the run after counting its outcome.
func (r *Run) record(i int, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.actions[i].Status = RunFailed
		r.actions[i].Error = err.Error()
	} else {
		r.actions[i].Status = RunSucceeded
	}
	r.pending--
	return r.pending == 0
}

func (r *Run) complete() {
	close(r.done)
}

// Actions returns a snapshot of the action results
func (r *Run) Actions() []ActionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ActionResult(nil), r.actions...)
}

// Done is closed once every action has finished and the outcome is counted
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until every action has finished or ctx is done
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return nil
	}
}

// Failed reports whether any action failed
func (r *Run) Failed() bool {
	for _, a := range r.Actions() {
		if a.Status == RunFailed {
			return true
		}
	}
	return false
}


// MarshalJSON includes the action results
func (r *Run) MarshalJSON() ([]byte, error) {
	type run struct {
		AutomationID string         `json:"automation_id"`
		Skipped      bool           `json:"skipped"`
		Reason       string         `json:"reason,omitempty"`
		StartedAt    time.Time      `json:"started_at"`
		Actions      []ActionResult `json:"actions"`
	}
	return json.Marshal(run{
		AutomationID: r.AutomationID,
		Skipped:      r.Skipped,
		Reason:       r.Reason,
		StartedAt:    r.StartedAt,
		Actions:      r.Actions(),
	})
}
