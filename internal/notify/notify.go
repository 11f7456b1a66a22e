// Package notify sends best-effort out-of-band alerts. A Notifier never
// reports failures to its caller, they are logged and swallowed.
package notify

import (
	"context"
	"log/slog"
	"strings"
)

type Notifier interface {
	Notify(ctx context.Context, subject, body string)
}

// Scoper is implemented by notifiers which can address a run specific list
// of recipients.
type Scoper interface {
	WithRecipients(recipients []string) Notifier
}

// For returns n addressed to recipients when n supports it and recipients
// is not empty, n otherwise.
func For(n Notifier, recipients []string) Notifier {
	if n == nil {
		return Nop{}
	}
	if s, ok := n.(Scoper); ok && len(recipients) > 0 {
		return s.WithRecipients(recipients)
	}
	return n
}

// ParseRecipients splits a comma separated list and drops empty items.
func ParseRecipients(raw string) []string {
	var out []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

type Nop struct{}

func (Nop) Notify(context.Context, string, string) {}

// Log writes alerts to slog, useful when no mail server is configured.
type Log struct {
	Recipients []string
}

func (l Log) Notify(ctx context.Context, subject, body string) {
	slog.InfoContext(ctx, "alert", "subject", subject, "body", body, "recipients", l.Recipients)
}

func (l Log) WithRecipients(recipients []string) Notifier {
	return Log{Recipients: recipients}
}
