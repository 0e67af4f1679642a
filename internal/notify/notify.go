// Package notify delivers templated notifications to people involved in the
// workflow. Delivery is best effort; callers treat failures as warnings, not
// workflow errors.
package notify

import (
	"context"
	"log/slog"
)

// Notifier sends a templated notification. The context map carries the
// template variables.
type Notifier interface {
	SendTemplate(ctx context.Context, to, template string, vars map[string]string) error
}

// LogNotifier writes notifications to the log. It stands in for the mail
// relay in development and tests; the production relay implements the same
// interface.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendTemplate(ctx context.Context, to, template string, vars map[string]string) error {
	attrs := []any{"to", to, "template", template}
	for k, v := range vars {
		attrs = append(attrs, "var_"+k, v)
	}
	n.logger.InfoContext(ctx, "notification sent", attrs...)
	return nil
}

var _ Notifier = (*LogNotifier)(nil)

// Recorder captures notifications for test assertions.
type Recorder struct {
	Sent []Recorded
	Err  error
}

// Recorded is one captured notification.
type Recorded struct {
	To       string
	Template string
	Vars     map[string]string
}

func (r *Recorder) SendTemplate(_ context.Context, to, template string, vars map[string]string) error {
	if r.Err != nil {
		return r.Err
	}
	r.Sent = append(r.Sent, Recorded{To: to, Template: template, Vars: vars})
	return nil
}

var _ Notifier = (*Recorder)(nil)
