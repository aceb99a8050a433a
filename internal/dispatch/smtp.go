package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/zoptal/mailflow/internal/dkim"
	"github.com/zoptal/mailflow/internal/message"
)

// SMTPConfig configures relay submission
type SMTPConfig struct {
	Addr      string
	Helo      string
	Username  string
	Password  string
	StartTLS  bool
	TLSConfig *tls.Config
	Timeout   time.Duration
}

// SMTPTransport submits messages to a relay. The relay accepting DATA is
// treated as delivery, so Confirm succeeds immediately.
type SMTPTransport struct {
	cfg    SMTPConfig
	signer *dkim.Signer
	logger *slog.Logger
}

// NewSMTPTransport creates a relay transport. signer may be nil.
func NewSMTPTransport(cfg SMTPConfig, signer *dkim.Signer, logger *slog.Logger) *SMTPTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Helo == "" {
		cfg.Helo = "localhost"
	}
	return &SMTPTransport{cfg: cfg, signer: signer, logger: logger}
}

func (t *SMTPTransport) Submit(ctx context.Context, msg *message.Message) error {
	data := message.Build(msg, time.Now())
	if t.signer != nil {
		signed, err := t.signer.Sign(data)
		if err != nil {
			t.logger.Warn("DKIM signing failed, sending unsigned", "domain", t.signer.Domain(), "error", err)
		} else {
			data = signed
		}
	}

	dialer := &net.Dialer{Timeout: t.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.cfg.Addr)
	if err != nil {
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", t.cfg.Addr, err),
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(t.cfg.Timeout))
	}

	var client *smtp.Client
	if t.cfg.StartTLS {
		tlsConfig := t.cfg.TLSConfig
		if tlsConfig == nil {
			host, _, _ := net.SplitHostPort(t.cfg.Addr)
			tlsConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
		}
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return categorizeError(err, "STARTTLS")
		}
	} else {
		client = smtp.NewClient(conn)
	}
	defer client.Close()

	// After STARTTLS the greeting is sent again, so the configured name
	// is used on the encrypted session.
	if err := client.Hello(t.cfg.Helo); err != nil {
		return categorizeError(err, "HELO")
	}

	if t.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	if err := client.Mail(msg.From.Email, nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}
	for _, rcpt := range msg.Emails() {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return categorizeError(err, "RCPT TO "+rcpt)
		}
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return &DeliveryError{Temporary: true, Message: fmt.Sprintf("failed to write message data: %v", err)}
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	client.Quit()

	t.logger.Debug("message submitted", "id", msg.ID, "relay", t.cfg.Addr, "recipients", len(msg.Recipients))
	return nil
}

func (t *SMTPTransport) Confirm(ctx context.Context, msg *message.Message) error {
	return ctx.Err()
}
