package automation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/zoptal/mailflow/internal/analytics"
	"github.com/zoptal/mailflow/internal/directory"
	"github.com/zoptal/mailflow/internal/dispatch"
	"github.com/zoptal/mailflow/internal/filter"
	"github.com/zoptal/mailflow/internal/mailerr"
	"github.com/zoptal/mailflow/internal/message"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []*message.Message
	fail   error
	bounce error
}

func (f *fakeSender) Send(ctx context.Context, msg *message.Message) (*dispatch.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.sent = append(f.sent, msg)
	return dispatch.Finished(msg, f.bounce), nil
}

func (f *fakeSender) messages() []*message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*message.Message(nil), f.sent...)
}

type testEngine struct {
	engine   *Engine
	sender   *fakeSender
	contacts *directory.Store
	recorder *analytics.Recorder
}

func setup(t *testing.T) *testEngine {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "automations.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	storage, err := NewStorage(db)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sender := &fakeSender{}
	contacts := directory.NewStore([]directory.Contact{
		{Email: "new@example.com", Name: "New User"},
	})
	recorder := analytics.NewRecorder()

	engine := NewEngine(storage, sender, contacts, NewWebhookClient(2*time.Second, logger), recorder,
		Config{DelayUnit: 10 * time.Millisecond}, logger)
	t.Cleanup(engine.Stop)

	return &testEngine{engine: engine, sender: sender, contacts: contacts, recorder: recorder}
}

func welcomeAutomation() *Automation {
	return &Automation{
		Name:    "Welcome series",
		Trigger: Trigger{Type: TriggerUserSignup},
		Actions: []Action{
			{Type: ActionSendEmail, Config: map[string]any{
				"template_id": "welcome",
				"variables":   map[string]any{"firstName": "friend", "plan": "free"},
			}},
			{Type: ActionAddTag, Config: map[string]any{"tag": "onboarding"}},
		},
		Active: true,
	}
}

func waitRun(t *testing.T, run *Run) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(ctx))
}

func TestEngine_Create(t *testing.T) {
	te := setup(t)
	ctx := context.Background()

	a := welcomeAutomation()
	a.Stats = Stats{Triggered: 7}
	require.NoError(t, te.engine.Create(ctx, a))
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, Stats{}, a.Stats)
	assert.Len(t, te.recorder.Named(analytics.EventAutomationCreated), 1)

	tests := []struct {
		name   string
		mutate func(a *Automation)
	}{
		{"no actions", func(a *Automation) { a.Actions = nil }},
		{"no name", func(a *Automation) { a.Name = "" }},
		{"unknown trigger", func(a *Automation) { a.Trigger.Type = "moon_phase" }},
		{"unknown action", func(a *Automation) { a.Actions[0].Type = "fax" }},
		{"webhook without url", func(a *Automation) { a.Actions[0] = Action{Type: ActionWebhook} }},
		{"negative delay", func(a *Automation) { a.Actions[0].Delay = -1 }},
		{"bad condition", func(a *Automation) {
			a.Conditions = []filter.Condition{{Field: "plan", Operator: "like", Value: "x"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := welcomeAutomation()
			tt.mutate(a)
			assert.ErrorIs(t, te.engine.Create(ctx, a), mailerr.ErrValidation)
		})
	}
}

func TestEngine_Trigger(t *testing.T) {
	te := setup(t)
	ctx := context.Background()

	a := welcomeAutomation()
	require.NoError(t, te.engine.Create(ctx, a))

	run, err := te.engine.Trigger(ctx, a.ID, map[string]any{"email": "new@example.com", "firstName": "Nina"})
	require.NoError(t, err)
	assert.False(t, run.Skipped)
	waitRun(t, run)
	assert.False(t, run.Failed())

	sent := te.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "welcome", sent[0].TemplateID)
	assert.Equal(t, a.ID, sent[0].AutomationID)
	assert.Equal(t, a.ID, sent[0].Metadata["automation_id"])
	vars := sent[0].Recipients[0].Variables
	assert.Equal(t, "Nina", vars["firstName"], "context overrides config variables")
	assert.Equal(t, "free", vars["plan"])

	contact, err := te.contacts.Get(ctx, "new@example.com")
	require.NoError(t, err)
	assert.Contains(t, contact.Tags, "onboarding")

	assertStats(t, te, a.ID, Stats{Triggered: 1, Completed: 1, EmailsSent: 1})
	got, err := te.engine.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastTriggeredAt)
	assert.Len(t, te.recorder.Named(analytics.EventAutomationTriggered), 1)
}

func TestEngine_TriggerSkips(t *testing.T) {
	te := setup(t)
	ctx := context.Background()

	run, err := te.engine.Trigger(ctx, "missing", nil)
	require.NoError(t, err)
	assert.True(t, run.Skipped)

	inactive := welcomeAutomation()
	inactive.Active = false
	require.NoError(t, te.engine.Create(ctx, inactive))

	run, err = te.engine.Trigger(ctx, inactive.ID, map[string]any{"email": "new@example.com"})
	require.NoError(t, err)
	assert.True(t, run.Skipped)
	assert.Empty(t, te.sender.messages())

	got, err := te.engine.Get(ctx, inactive.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Stats.Triggered)
}

func TestEngine_Conditions(t *testing.T) {
	te := setup(t)
	ctx := context.Background()

	a := welcomeAutomation()
	a.Conditions = []filter.Condition{
		{Field: "plan", Operator: filter.OpIn, Value: []any{"pro", "team"}},
		{Field: "source", Operator: filter.OpContains, Value: "google"},
		{Field: "age", Operator: filter.OpGreaterThan, Value: 17},
	}
	require.NoError(t, te.engine.Create(ctx, a))

	tests := []struct {
		name    string
		data    map[string]any
		skipped bool
	}{
		{"all hold", map[string]any{"email": "new@example.com", "plan": "pro", "source": "ads.google.com", "age": 30}, false},
		{"in fails", map[string]any{"email": "new@example.com", "plan": "free", "source": "google", "age": 30}, true},
		{"contains fails", map[string]any{"email": "new@example.com", "plan": "team", "source": "bing", "age": 30}, true},
		{"missing field", map[string]any{"email": "new@example.com", "plan": "team", "source": "google"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, err := te.engine.Trigger(ctx, a.ID, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.skipped, run.Skipped)
		})
	}
}

func TestEngine_ActionIsolation(t *testing.T) {
	te := setup(t)
	ctx := context.Background()
	te.sender.fail = mailerr.Validation("template missing")

	a := welcomeAutomation()
	require.NoError(t, te.engine.Create(ctx, a))

	run, err := te.engine.Trigger(ctx, a.ID, map[string]any{"email": "new@example.com"})
	require.NoError(t, err)
	waitRun(t, run)

	results := run.Actions()
	require.Len(t, results, 2)
	assert.Equal(t, RunFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "template missing")
	assert.Equal(t, RunSucceeded, results[1].Status, "a failed send must not abort later actions")

	got, err := te.engine.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, Stats{Triggered: 1, Failed: 1}, got.Stats)
}

func TestEngine_DelayedActions(t *testing.T) {
	te := setup(t)
	ctx := context.Background()

	a := &Automation{
		Name:    "Nudge",
		Trigger: Trigger{Type: TriggerUserSignup},
		Actions: []Action{
			{Type: ActionSendEmail, Config: map[string]any{"subject": "Later", "text": "Hi"}, Delay: 3},
			{Type: ActionAddTag, Config: map[string]any{"tag": "nudged"}},
		},
		Active: true,
	}
	require.NoError(t, te.engine.Create(ctx, a))

	run, err := te.engine.Trigger(ctx, a.ID, map[string]any{"email": "new@example.com"})
	require.NoError(t, err)

	assert.Empty(t, te.sender.messages(), "delayed action ran immediately")
	got, err := te.engine.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Stats.Completed, "run counted before its delayed action finished")

	waitRun(t, run)
	assert.Len(t, te.sender.messages(), 1)

	assertStats(t, te, a.ID, Stats{Triggered: 1, Completed: 1, EmailsSent: 1})
}

func TestEngine_EmailsSentCountsConfirmedOnly(t *testing.T) {
	te := setup(t)
	ctx := context.Background()
	te.sender.bounce = errors.New("mailbox unavailable")

	a := welcomeAutomation()
	require.NoError(t, te.engine.Create(ctx, a))

	run, err := te.engine.Trigger(ctx, a.ID, map[string]any{"email": "new@example.com"})
	require.NoError(t, err)
	waitRun(t, run)
	assert.False(t, run.Failed(), "accepted send is a successful action")
	require.Len(t, te.sender.messages(), 1)

	// Let the delivery watcher finish before reading the stats.
	te.engine.Stop()

	got, err := te.engine.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, Stats{Triggered: 1, Completed: 1}, got.Stats)
}

func assertStats(t *testing.T, te *testEngine, id string, want Stats) {
	t.Helper()
	assert.Eventually(t, func() bool {
		got, err := te.engine.Get(context.Background(), id)
		return err == nil && got.Stats == want
	}, 5*time.Second, 10*time.Millisecond, "stats never reached %+v", want)
}

func TestEngine_StopCancelsDelayed(t *testing.T) {
	te := setup(t)
	ctx := context.Background()

	a := &Automation{
		Name:    "Much later",
		Trigger: Trigger{Type: TriggerUserSignup},
		Actions: []Action{
			{Type: ActionSendEmail, Config: map[string]any{"subject": "Later", "text": "Hi"}, Delay: 100000},
		},
		Active: true,
	}
	require.NoError(t, te.engine.Create(ctx, a))

	run, err := te.engine.Trigger(ctx, a.ID, map[string]any{"email": "new@example.com"})
	require.NoError(t, err)

	te.engine.Stop()
	waitRun(t, run)
	assert.True(t, run.Failed())
	assert.Empty(t, te.sender.messages())
}

func TestEngine_Emit(t *testing.T) {
	te := setup(t)
	ctx := context.Background()

	opened := &Automation{
		Name:    "Opened launch",
		Trigger: Trigger{Type: TriggerEmailOpened, Config: map[string]any{"campaign_id": "c-1"}},
		Actions: []Action{{Type: ActionAddTag, Config: map[string]any{"tag": "engaged"}}},
		Active:  true,
	}
	other := &Automation{
		Name:    "Opened other",
		Trigger: Trigger{Type: TriggerEmailOpened, Config: map[string]any{"campaign_id": "c-2"}},
		Actions: []Action{{Type: ActionAddTag, Config: map[string]any{"tag": "other"}}},
		Active:  true,
	}
	signup := welcomeAutomation()
	for _, a := range []*Automation{opened, other, signup} {
		require.NoError(t, te.engine.Create(ctx, a))
	}

	runs, err := te.engine.Emit(ctx, TriggerEmailOpened, map[string]any{"email": "new@example.com", "campaign_id": "c-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, opened.ID, runs[0].AutomationID)

	contact, err := te.contacts.Get(ctx, "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"engaged"}, contact.Tags)
}

func TestWebhookAction(t *testing.T) {
	var (
		mu      sync.Mutex
		method  string
		headers http.Header
		body    map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method = r.Method
		headers = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&body)
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	te := setup(t)
	ctx := context.Background()

	a := &Automation{
		Name:    "Notify CRM",
		Trigger: Trigger{Type: TriggerCustom},
		Actions: []Action{
			{Type: ActionWebhook, Config: map[string]any{
				"url":     srv.URL + "/hook",
				"headers": map[string]any{"X-Token": "abc", "Content-Type": "text/plain"},
			}},
			{Type: ActionWebhook, Config: map[string]any{"url": srv.URL + "/fail", "method": "put"}},
		},
		Active: true,
	}
	require.NoError(t, te.engine.Create(ctx, a))

	run, err := te.engine.Trigger(ctx, a.ID, map[string]any{"email": "new@example.com", "event": "upgrade"})
	require.NoError(t, err)
	waitRun(t, run)

	results := run.Actions()
	assert.Equal(t, RunSucceeded, results[0].Status)
	assert.Equal(t, RunFailed, results[1].Status)
	assert.Contains(t, results[1].Error, "500")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "upgrade", body["event"])
}

func TestWebhookClient_Headers(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		assert.Equal(t, http.MethodPost, r.Method)
	}))
	defer srv.Close()

	client := NewWebhookClient(time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := client.Call(context.Background(), map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Token": "abc", "Content-Type": "text/plain"},
	}, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Get("X-Token"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))

	err = client.Call(context.Background(), map[string]any{"url": "http://127.0.0.1:1/unreachable"}, nil)
	assert.Error(t, err)
}

func TestRun_MarshalJSON(t *testing.T) {
	a := &Automation{ID: "a1", Actions: []Action{{Type: ActionAddTag}}}
	run := newRun(a)
	run.record(0, errors.New("boom"))

	data, err := json.Marshal(run)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	actions := decoded["actions"].([]any)
	require.Len(t, actions, 1)
	assert.Equal(t, "failed", actions[0].(map[string]any)["status"])
}
