// Package dispatch validates, persists and delivers email messages.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"

	"github.com/zoptal/mailflow/internal/message"
)

// Transport moves a message to the outside world in two phases: Submit
// hands it to the next hop, Confirm waits for proof of delivery.
type Transport interface {
	Submit(ctx context.Context, msg *message.Message) error
	Confirm(ctx context.Context, msg *message.Message) error
}

// DeliveryError represents a transport error with type information
type DeliveryError struct {
	Temporary bool
	Code      int
	Message   string
}

func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%d %s", e.Code, e.Message)
	}
	return e.Message
}

// IsTemporaryError reports whether err is worth retrying. Unknown errors are
// treated as temporary.
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

// categorizeError classifies an SMTP error by reply code: 5xx is permanent,
// everything else is temporary.
func categorizeError(err error, stage string) *DeliveryError {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &DeliveryError{
			Temporary: se.Code < 500,
			Code:      se.Code,
			Message:   fmt.Sprintf("%s failed: %s", stage, se.Message),
		}
	}
	return &DeliveryError{
		Temporary: true,
		Message:   fmt.Sprintf("%s failed: %v", stage, err),
	}
}
