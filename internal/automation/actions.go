package automation

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/zoptal/mailflow/internal/dispatch"
	"github.com/zoptal/mailflow/internal/mailerr"
	"github.com/zoptal/mailflow/internal/message"
)

// Sender accepts messages for delivery
type Sender interface {
	Send(ctx context.Context, msg *message.Message) (*dispatch.Delivery, error)
}

// ContactUpdater applies contact changes in the user directory
type ContactUpdater interface {
	UpdateContact(ctx context.Context, email string, fields map[string]any) error
	AddTag(ctx context.Context, email, tag string) error
}

var errNoRecipient = errors.New("no recipient email in config or context")

func validateAction(a Action) error {
	switch a.Type {
	case ActionSendEmail:
		if configString(a.Config, "template_id") == "" && configString(a.Config, "subject") == "" {
			return errors.New("send_email requires template_id or subject")
		}
	case ActionUpdateContact:
		if _, ok := a.Config["fields"].(map[string]any); !ok {
			return errors.New("update_contact requires a fields map")
		}
	case ActionAddTag:
		if configString(a.Config, "tag") == "" {
			return errors.New("add_tag requires a tag")
		}
	case ActionWebhook:
		if configString(a.Config, "url") == "" {
			return errors.New("webhook requires a url")
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// execute runs one action against the trigger context
func (e *Engine) execute(ctx context.Context, a *Automation, action Action, data map[string]any) error {
	switch action.Type {
	case ActionSendEmail:
		return e.sendEmail(ctx, a, action.Config, data)
	case ActionUpdateContact:
		email := recipientEmail(action.Config, data)
		if email == "" {
			return errNoRecipient
		}
		fields, _ := action.Config["fields"].(map[string]any)
		return e.contacts.UpdateContact(ctx, email, fields)
	case ActionAddTag:
		email := recipientEmail(action.Config, data)
		if email == "" {
			return errNoRecipient
		}
		return e.contacts.AddTag(ctx, email, configString(action.Config, "tag"))
	case ActionWebhook:
		return e.webhook.Call(ctx, action.Config, data)
	}
	return fmt.Errorf("unknown action type %q", action.Type)
}

// sendEmail sends to the context recipient. Config variables are merged
// under the trigger context, so context values win.
func (e *Engine) sendEmail(ctx context.Context, a *Automation, cfg, data map[string]any) error {
	email := recipientEmail(cfg, data)
	if email == "" {
		return errNoRecipient
	}

	vars := map[string]any{}
	if cv, ok := cfg["variables"].(map[string]any); ok {
		maps.Copy(vars, cv)
	}
	maps.Copy(vars, data)

	msg := &message.Message{
		TemplateID:   configString(cfg, "template_id"),
		AutomationID: a.ID,
		Subject:      configString(cfg, "subject"),
		HTML:         configString(cfg, "html"),
		Text:         configString(cfg, "text"),
		Recipients: []message.Recipient{{
			Email:     email,
			Name:      configString(data, "name"),
			Variables: vars,
		}},
		Tags:     []string{"automation"},
		Metadata: map[string]string{"automation_id": a.ID},
	}
	if from := configString(cfg, "from"); from != "" {
		msg.From = message.Address{Email: from, Name: configString(cfg, "from_name")}
	}

	delivery, err := e.sender.Send(ctx, msg)
	if err != nil {
		return err
	}
	e.countDelivery(a.ID, delivery)
	return nil
}

// countDelivery adds to EmailsSent once the dispatcher confirms delivery.
// Failed and unconfirmed deliveries are not counted.
func (e *Engine) countDelivery(id string, delivery *dispatch.Delivery) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		select {
		case <-e.baseCtx.Done():
			return
		case <-delivery.Done():
		}
		if _, err := delivery.Result(); err != nil {
			return
		}

		_, err := e.storage.Update(context.Background(), id, func(a *Automation) error {
			a.Stats.EmailsSent++
			return nil
		})
		if err != nil && !errors.Is(err, mailerr.ErrNotFound) {
			e.logger.Error("failed to count delivered email", "id", id, "error", err)
		}
	}()
}

func recipientEmail(cfg, data map[string]any) string {
	if to := configString(cfg, "to"); to != "" {
		return to
	}
	return configString(data, "email")
}

func configString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
