package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/septivank/tankwatch/internal/config"
	"github.com/septivank/tankwatch/internal/report"
)

const smtpsPort = 465

type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Mailer sends the daily report over SMTP
type Mailer struct {
	client sender
	from   string
	to     []string
	logger *zap.Logger
}

// NewMailer creates an SMTP mailer. Port 465 uses implicit TLS, any other
// port requires STARTTLS.
func NewMailer(cfg config.EmailConfig, logger *zap.Logger) (*Mailer, error) {
	opts := []mail.Option{mail.WithTimeout(30 * time.Second)}
	if cfg.SMTPPort == smtpsPort {
		opts = append(opts, mail.WithSSLPort(false))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	}
	opts = append(opts, mail.WithPort(cfg.SMTPPort))
	if cfg.SMTPUser != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.SMTPUser),
			mail.WithPassword(cfg.SMTPPassword))
	}

	client, err := mail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("[SMTP] failed to create mail client: %w", err)
	}

	return &Mailer{client: client, from: cfg.From, to: cfg.To, logger: logger}, nil
}

// Name implements report.Sink.
func (m *Mailer) Name() string { return "email" }

// Deliver implements report.Sink.
func (m *Mailer) Deliver(ctx context.Context, r *report.Report) error {
	msg, err := m.buildMessage(r)
	if err != nil {
		return err
	}

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("[SMTP] failed to send report email: %w", err)
	}

	m.logger.Info("report email sent",
		zap.String("report_date", r.Date),
		zap.Strings("recipients", m.to))
	return nil
}

// buildMessage renders the plain-text body with an HTML alternative.
func (m *Mailer) buildMessage(r *report.Report) (*mail.Msg, error) {
	text, err := report.RenderText(r)
	if err != nil {
		return nil, err
	}
	html, err := report.RenderHTML(r)
	if err != nil {
		return nil, err
	}

	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", m.from, err)
	}
	if err := msg.To(m.to...); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(r.Subject())
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, text)
	msg.AddAlternativeString(mail.TypeTextHTML, html)

	return msg, nil
}
