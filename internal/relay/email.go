// ABOUTME: SMTP email sender using go-mail. Dial-per-send for sporadic
// ABOUTME: outbox traffic. BCC all recipients in a single message.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/caseq/caseq/internal/store"
)

// SMTPConfig holds SMTP connection parameters sourced from global env vars.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	FromName string
	Username string
	Password string
	TLS      bool
}

// emailPayload is the envelope stored in an outbox row on the email channel.
type emailPayload struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	HTMLBody   string   `json:"html_body"`
	TextBody   string   `json:"text_body"`
}

// EmailSender delivers email-channel outbox messages over SMTP.
type EmailSender struct {
	Cfg SMTPConfig
}

// Send sends an HTML+plaintext multipart email to all recipients via BCC.
// Retry retries all recipients; receivers are expected to tolerate an
// occasional duplicate (at-least-once dispatch).
func (e *EmailSender) Send(ctx context.Context, msg store.OutboxMessage) error {
	var p emailPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return store.Permanent(fmt.Errorf("email payload: %w", err))
	}
	if len(p.Recipients) == 0 {
		return store.Permanent(errors.New("email payload: no recipients"))
	}

	// Strip CR/LF from the subject to prevent header injection.
	subject := strings.NewReplacer("\r", "", "\n", "").Replace(p.Subject)

	m := mail.NewMsg()
	if err := m.FromFormat(e.Cfg.FromName, e.Cfg.From); err != nil {
		return store.Permanent(fmt.Errorf("email send: set from: %w", err))
	}
	if err := m.Bcc(p.Recipients...); err != nil {
		return store.Permanent(fmt.Errorf("email send: set bcc: %w", err))
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, p.TextBody)
	if p.HTMLBody != "" {
		m.AddAlternativeString(mail.TypeTextHTML, p.HTMLBody)
	}

	opts := []mail.Option{
		mail.WithPort(e.Cfg.Port),
	}
	if e.Cfg.Username != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain))
		opts = append(opts, mail.WithUsername(e.Cfg.Username))
		opts = append(opts, mail.WithPassword(e.Cfg.Password))
	}
	if e.Cfg.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(e.Cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("email send: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}
