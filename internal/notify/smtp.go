package notify

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/CZERTAINLY/pipewatch/internal/model"
	"github.com/spf13/viper"
	"github.com/wneessen/go-mail"
)

const sendTimeout = 30 * time.Second

// SMTP mails alerts through a plain SMTP relay. STARTTLS is used when the
// server offers it.
type SMTP struct {
	cfg        model.SMTP
	recipients []string
}

func NewSMTP(cfg model.SMTP, recipients []string) *SMTP {
	return &SMTP{cfg: cfg, recipients: slices.Clone(recipients)}
}

func (s *SMTP) WithRecipients(recipients []string) Notifier {
	return NewSMTP(s.cfg, recipients)
}

func (s *SMTP) Recipients() []string {
	return slices.Clone(s.recipients)
}

func (s *SMTP) Notify(ctx context.Context, subject, body string) {
	if len(s.recipients) == 0 {
		slog.WarnContext(ctx, "no alert recipients: alert not sent", "subject", subject)
		return
	}
	if err := s.send(ctx, subject, body); err != nil {
		slog.ErrorContext(ctx, "sending alert failed", "subject", subject, "server", s.cfg.Server, "error", err)
		return
	}
	slog.InfoContext(ctx, "alert sent", "subject", subject, "recipients", s.recipients)
}

func (s *SMTP) send(ctx context.Context, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(s.cfg.Sender); err != nil {
		return err
	}
	if err := msg.To(s.recipients...); err != nil {
		return err
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	client, err := mail.NewClient(s.cfg.Server,
		mail.WithPort(s.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(sendTimeout),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return client.DialAndSendWithContext(ctx, msg)
}

// FromEnv overrides cfg with SMTP_SERVER, SMTP_PORT, SMTP_SENDER and
// ALERT_EMAILS (comma separated) when they are set.
func FromEnv(cfg model.Notify) model.Notify {
	v := viper.New()
	v.SetDefault("smtp_server", cfg.SMTP.Server)
	v.SetDefault("smtp_port", strconv.Itoa(cfg.SMTP.Port))
	v.SetDefault("smtp_sender", cfg.SMTP.Sender)
	v.AutomaticEnv()

	cfg.SMTP.Server = v.GetString("smtp_server")
	cfg.SMTP.Port = v.GetInt("smtp_port")
	cfg.SMTP.Sender = v.GetString("smtp_sender")
	if v.IsSet("alert_emails") {
		cfg.Recipients = ParseRecipients(v.GetString("alert_emails"))
	}
	return cfg
}
