package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"
)

var ErrNoRecipients = errors.New("notify: no mail recipients")

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// Mailer sends notifications as plain text mail over SMTP with PLAIN auth.
// TLS is used when the server offers it.
type Mailer struct {
	cfg  MailConfig
	send func(ctx context.Context, msg *mail.Msg) error
}

func NewMailer(cfg MailConfig) (*Mailer, error) {
	if len(cfg.To) == 0 {
		return nil, ErrNoRecipients
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &Mailer{cfg: cfg, send: func(ctx context.Context, msg *mail.Msg) error {
		return client.DialAndSendWithContext(ctx, msg)
	}}, nil
}

func (m *Mailer) message(n Notification) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("mail from: %w", err)
	}
	if err := msg.To(m.cfg.To...); err != nil {
		return nil, fmt.Errorf("mail to: %w", err)
	}
	msg.Subject(n.Subject)
	msg.SetDate()
	body := n.Body
	if n.DeviceID != "" {
		body = fmt.Sprintf("Device %s: %s", n.DeviceID, n.Body)
	}
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

func (m *Mailer) Notify(ctx context.Context, n Notification) error {
	msg, err := m.message(n)
	if err != nil {
		return err
	}
	if err := m.send(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	slog.Info("Notification mailed", "subject", n.Subject, "to", m.cfg.To)
	return nil
}
