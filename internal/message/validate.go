package message

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/zoptal/mailflow/internal/mailerr"
)

var validate = validator.New()

// ValidEmail reports whether s is a syntactically valid email address.
func ValidEmail(s string) bool {
	return validate.Var(s, "required,email") == nil
}

// Validate checks that the message can be handed to a transport.
func (m *Message) Validate() error {
	if len(m.Recipients) == 0 {
		return mailerr.Validation("at least one recipient is required")
	}
	for i, r := range m.Recipients {
		if !ValidEmail(r.Email) {
			return mailerr.Validation("recipient %d: invalid email address %q", i, r.Email)
		}
	}
	if !ValidEmail(m.From.Email) {
		return mailerr.Validation("invalid sender address %q", m.From.Email)
	}
	if m.ReplyTo != nil && !ValidEmail(m.ReplyTo.Email) {
		return mailerr.Validation("invalid reply-to address %q", m.ReplyTo.Email)
	}
	if strings.TrimSpace(m.Subject) == "" {
		return mailerr.Validation("subject is required")
	}
	if strings.TrimSpace(m.HTML) == "" && strings.TrimSpace(m.Text) == "" {
		return mailerr.Validation("message needs an html or text body")
	}
	for i, a := range m.Attachments {
		if strings.TrimSpace(a.Filename) == "" {
			return mailerr.Validation("attachment %d: filename is required", i)
		}
	}
	return nil
}
