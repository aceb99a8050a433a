package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zoptal/mailflow/internal/analytics"
	"github.com/zoptal/mailflow/internal/mailerr"
	"github.com/zoptal/mailflow/internal/message"
	"github.com/zoptal/mailflow/internal/suppression"
	"github.com/zoptal/mailflow/internal/template"
)

type templateMap map[string]*template.Template

func (m templateMap) Get(ctx context.Context, id string) (*template.Template, error) {
	t, ok := m[id]
	if !ok {
		return nil, mailerr.NotFound("template", id)
	}
	return t, nil
}

// stubTransport records submissions and fails for configured recipients.
type stubTransport struct {
	mu        sync.Mutex
	submitted []*message.Message
	failFor   map[string]error
	block     chan struct{}
	confirm   error
	onConfirm func()
}

func (s *stubTransport) Submit(ctx context.Context, msg *message.Message) error {
	if s.block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.block:
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, email := range msg.Emails() {
		if err, ok := s.failFor[email]; ok {
			return err
		}
	}
	s.submitted = append(s.submitted, msg)
	return nil
}

func (s *stubTransport) Confirm(ctx context.Context, msg *message.Message) error {
	if s.onConfirm != nil {
		s.onConfirm()
	}
	return s.confirm
}

func (s *stubTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

type fixture struct {
	db           *bolt.DB
	dispatcher   *Dispatcher
	recorder     *analytics.Recorder
	suppressions *suppression.Memory
	transport    Transport
}

func setupDispatcher(t *testing.T, transport Transport) *fixture {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "dispatch.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	messages, err := message.NewStorage(db)
	if err != nil {
		t.Fatalf("message.NewStorage() error = %v", err)
	}

	templates := templateMap{
		"welcome": {
			ID:      "welcome",
			Name:    "Welcome",
			Subject: "Welcome, {{firstName}}!",
			HTML:    "<p>Hello {{ firstName }}</p>",
			Text:    "Hello {{firstName}}",
			Variables: []template.Variable{
				{Key: "firstName", Name: "First name", Type: template.VarString, Required: true},
			},
			Active: true,
		},
	}

	recorder := analytics.NewRecorder()
	suppressions := suppression.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	d := New(messages, templates, template.NewEngine(true), transport, recorder, suppressions, Config{
		Workers:         4,
		DeliveryTimeout: 5 * time.Second,
		DefaultFrom:     message.Address{Email: "team@zoptal.com", Name: "Zoptal"},
	}, logger)
	t.Cleanup(d.Close)

	return &fixture{db: db, dispatcher: d, recorder: recorder, suppressions: suppressions, transport: transport}
}

func newMessage(email string) *message.Message {
	return &message.Message{
		Subject:    "Hi",
		Text:       "Hello",
		Recipients: []message.Recipient{{Email: email}},
	}
}

func waitDelivery(t *testing.T, d *Delivery) (*message.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := d.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && msg == nil {
		t.Fatalf("delivery %s did not finish", d.ID())
	}
	return msg, err
}

func TestSend_DeliversMessage(t *testing.T) {
	f := setupDispatcher(t, &stubTransport{})
	ctx := context.Background()

	delivery, err := f.dispatcher.Send(ctx, newMessage("user@example.com"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if delivery.ID() == "" {
		t.Fatal("Send() returned empty ID")
	}

	msg, err := waitDelivery(t, delivery)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if msg.Status != message.StatusDelivered {
		t.Errorf("status = %s, want delivered", msg.Status)
	}
	if msg.SentAt == nil || msg.DeliveredAt == nil {
		t.Error("sent/delivered timestamps not set")
	}
	if msg.From.Email != "team@zoptal.com" {
		t.Errorf("From = %q, want default sender", msg.From.Email)
	}

	stored, err := f.dispatcher.Get(ctx, delivery.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != message.StatusDelivered {
		t.Errorf("stored status = %s", stored.Status)
	}

	if n := len(f.recorder.Named(analytics.EventEmailSent)); n != 1 {
		t.Errorf("email_sent events = %d, want 1", n)
	}
}

func TestSend_RendersTemplate(t *testing.T) {
	stub := &stubTransport{}
	f := setupDispatcher(t, stub)

	msg := &message.Message{
		TemplateID: "welcome",
		Recipients: []message.Recipient{{
			Email:     "alice@example.com",
			Variables: map[string]any{"firstName": "Alice"},
		}},
	}

	delivery, err := f.dispatcher.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got, err := waitDelivery(t, delivery)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if got.Subject != "Welcome, Alice!" {
		t.Errorf("Subject = %q", got.Subject)
	}
	if got.HTML != "<p>Hello Alice</p>" {
		t.Errorf("HTML = %q", got.HTML)
	}
	if got.Text != "Hello Alice" {
		t.Errorf("Text = %q", got.Text)
	}
}

func TestSend_SubjectOverridesTemplate(t *testing.T) {
	f := setupDispatcher(t, &stubTransport{})

	msg := &message.Message{
		TemplateID: "welcome",
		Subject:    "Big news for {{firstName}}",
		Recipients: []message.Recipient{{
			Email:     "bob@example.com",
			Variables: map[string]any{"firstName": "Bob"},
		}},
	}

	delivery, err := f.dispatcher.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got, _ := waitDelivery(t, delivery)
	if got.Subject != "Big news for Bob" {
		t.Errorf("Subject = %q", got.Subject)
	}
}

func TestSend_Rejects(t *testing.T) {
	tests := []struct {
		name string
		msg  *message.Message
		kind error
	}{
		{"no recipients", &message.Message{Subject: "Hi", Text: "x"}, mailerr.ErrValidation},
		{"invalid recipient", newMessage("not-an-email"), mailerr.ErrValidation},
		{"no body", &message.Message{Subject: "Hi", Recipients: []message.Recipient{{Email: "a@example.com"}}}, mailerr.ErrValidation},
		{"unknown template", &message.Message{TemplateID: "nope", Recipients: []message.Recipient{{Email: "a@example.com"}}}, mailerr.ErrNotFound},
		{"missing variable", &message.Message{TemplateID: "welcome", Recipients: []message.Recipient{{Email: "a@example.com"}}}, mailerr.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubTransport{}
			f := setupDispatcher(t, stub)

			delivery, err := f.dispatcher.Send(context.Background(), tt.msg)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("Send() error = %v, want %v", err, tt.kind)
			}
			if delivery != nil {
				t.Error("Send() returned a delivery for a rejected message")
			}
			if n := len(f.recorder.Named(analytics.EventEmailSendFailed)); n != 1 {
				t.Errorf("email_send_failed events = %d, want 1", n)
			}

			list, err := f.dispatcher.List(context.Background(), message.ListFilter{})
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(list) != 0 {
				t.Errorf("rejected message was stored")
			}
			if stub.count() != 0 {
				t.Errorf("rejected message was submitted")
			}
		})
	}
}

func TestSend_TransportFailure(t *testing.T) {
	stub := &stubTransport{failFor: map[string]error{
		"bad@example.com": &DeliveryError{Code: 550, Message: "User not found"},
	}}
	f := setupDispatcher(t, stub)

	delivery, err := f.dispatcher.Send(context.Background(), newMessage("bad@example.com"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msg, err := waitDelivery(t, delivery)
	if !errors.Is(err, mailerr.ErrDelivery) {
		t.Fatalf("Wait() error = %v, want delivery error", err)
	}
	if IsTemporaryError(err) {
		t.Error("550 should be permanent")
	}
	if msg.Status != message.StatusFailed {
		t.Errorf("status = %s, want failed", msg.Status)
	}
	if msg.FailedAt == nil || !strings.Contains(msg.LastError, "User not found") {
		t.Errorf("failure not recorded: %+v", msg)
	}
	if n := len(f.recorder.Named(analytics.EventEmailSendFailed)); n != 1 {
		t.Errorf("email_send_failed events = %d, want 1", n)
	}
}

func TestSend_ConfirmFailureKeepsSent(t *testing.T) {
	f := setupDispatcher(t, &stubTransport{confirm: errors.New("no receipt")})

	delivery, err := f.dispatcher.Send(context.Background(), newMessage("user@example.com"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msg, err := waitDelivery(t, delivery)
	if err == nil {
		t.Fatal("Wait() error = nil, want confirmation error")
	}
	if msg.Status != message.StatusSent {
		t.Errorf("status = %s, want sent", msg.Status)
	}
	if msg.LastError != "no receipt" {
		t.Errorf("LastError = %q", msg.LastError)
	}
}

func TestSend_ConfirmFailureWithStoreErrorKeepsMessage(t *testing.T) {
	stub := &stubTransport{confirm: errors.New("no receipt")}
	f := setupDispatcher(t, stub)
	stub.onConfirm = func() { f.db.Close() }

	delivery, err := f.dispatcher.Send(context.Background(), newMessage("user@example.com"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msg, err := waitDelivery(t, delivery)
	if err == nil {
		t.Fatal("Wait() error = nil, want confirmation error")
	}
	if msg == nil {
		t.Fatal("Wait() returned no message")
	}
	if msg.ID != delivery.ID() || msg.Status != message.StatusSent {
		t.Errorf("message = %s/%s, want %s/sent", msg.ID, msg.Status, delivery.ID())
	}
}

func TestDelivery_Cancel(t *testing.T) {
	stub := &stubTransport{block: make(chan struct{})}
	f := setupDispatcher(t, stub)

	delivery, err := f.dispatcher.Send(context.Background(), newMessage("user@example.com"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if msg, _ := delivery.Result(); msg != nil {
		t.Fatal("Result() returned a message before delivery finished")
	}

	delivery.Cancel()

	msg, err := waitDelivery(t, delivery)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want canceled", err)
	}
	if msg.Status != message.StatusFailed {
		t.Errorf("status = %s, want failed", msg.Status)
	}
}

func TestDelivery_WaitRespectsContext(t *testing.T) {
	stub := &stubTransport{block: make(chan struct{})}
	f := setupDispatcher(t, stub)
	defer close(stub.block)

	delivery, err := f.dispatcher.Send(context.Background(), newMessage("user@example.com"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := delivery.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
}

func TestSendBulk_IsolatesFailures(t *testing.T) {
	stub := &stubTransport{}
	f := setupDispatcher(t, stub)

	msgs := make([]*message.Message, 10)
	for i := range msgs {
		msgs[i] = newMessage(fmt.Sprintf("user%d@example.com", i))
	}
	msgs[3] = newMessage("broken")
	msgs[7] = &message.Message{Recipients: []message.Recipient{{Email: "x@example.com"}}}

	results := f.dispatcher.SendBulk(context.Background(), msgs)
	if len(results) != len(msgs) {
		t.Fatalf("SendBulk() returned %d results, want %d", len(results), len(msgs))
	}

	for i, r := range results {
		if r.Index != i {
			t.Errorf("results[%d].Index = %d", i, r.Index)
		}
		if i == 3 || i == 7 {
			if !errors.Is(r.Err, mailerr.ErrValidation) {
				t.Errorf("results[%d].Err = %v, want validation error", i, r.Err)
			}
			continue
		}
		if r.Err != nil {
			t.Errorf("results[%d].Err = %v", i, r.Err)
			continue
		}
		if _, err := waitDelivery(t, r.Delivery); err != nil {
			t.Errorf("results[%d] delivery error = %v", i, err)
		}
	}

	if stub.count() != 8 {
		t.Errorf("submitted = %d, want 8", stub.count())
	}

	events := f.recorder.Named(analytics.EventBulkEmailsSent)
	if len(events) != 1 {
		t.Fatalf("bulk_emails_sent events = %d, want 1", len(events))
	}
	props := events[0].Properties
	if props["total"] != 10 || props["accepted"] != 8 || props["failed"] != 2 {
		t.Errorf("bulk event props = %v", props)
	}
}

func TestTrack_Engagement(t *testing.T) {
	f := setupDispatcher(t, &stubTransport{})
	ctx := context.Background()

	var hooked []message.Event
	var mu sync.Mutex
	f.dispatcher.OnEvent(func(ctx context.Context, msg *message.Message, event message.Event) {
		mu.Lock()
		defer mu.Unlock()
		hooked = append(hooked, event)
	})

	delivery, err := f.dispatcher.Send(ctx, newMessage("reader@example.com"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, err := waitDelivery(t, delivery); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	msg, err := f.dispatcher.Track(ctx, delivery.ID(), message.EventClicked)
	if err != nil {
		t.Fatalf("Track(clicked) error = %v", err)
	}
	if msg.Status != message.StatusClicked {
		t.Errorf("status = %s, want clicked", msg.Status)
	}

	msg, err = f.dispatcher.Track(ctx, delivery.ID(), message.EventOpened)
	if err != nil {
		t.Fatalf("Track(opened) error = %v", err)
	}
	if msg.Status != message.StatusClicked {
		t.Errorf("opened moved status back to %s", msg.Status)
	}
	if msg.OpenedAt == nil {
		t.Error("OpenedAt not stamped")
	}

	if _, err := f.dispatcher.Track(ctx, delivery.ID(), message.EventUnsubscribed); err != nil {
		t.Fatalf("Track(unsubscribed) error = %v", err)
	}
	suppressed, err := f.suppressions.IsSuppressed(ctx, "Reader@Example.com")
	if err != nil {
		t.Fatalf("IsSuppressed() error = %v", err)
	}
	if !suppressed {
		t.Error("unsubscribed recipient was not suppressed")
	}

	mu.Lock()
	if len(hooked) != 3 {
		t.Errorf("hook calls = %d, want 3", len(hooked))
	}
	mu.Unlock()

	if n := len(f.recorder.Named(analytics.EventEmailEngagement)); n != 3 {
		t.Errorf("email_engagement events = %d, want 3", n)
	}
}

func TestTrack_Errors(t *testing.T) {
	f := setupDispatcher(t, &stubTransport{})
	ctx := context.Background()

	if _, err := f.dispatcher.Track(ctx, "missing", message.EventOpened); !errors.Is(err, mailerr.ErrNotFound) {
		t.Errorf("Track(missing) error = %v, want not found", err)
	}
	if _, err := f.dispatcher.Track(ctx, "missing", message.Event("forwarded")); !errors.Is(err, mailerr.ErrValidation) {
		t.Errorf("Track(unknown event) error = %v, want validation", err)
	}
}
