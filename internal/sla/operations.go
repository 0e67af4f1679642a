package sla

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"docflow/internal/document"
	"docflow/internal/notify"
	"docflow/internal/platform/metrics"
	dErrors "docflow/pkg/domain-errors"
)

// Operation names as referenced from rule configuration.
const (
	OpNotifyNearlyExpired = "notify_sla_nearly_expired"
	OpRechazoActa         = "rechazo_acta"
)

// NotifyNearlyExpired mails the person responsible for a document whose
// state budget is almost used up.
//
// Params:
//   - send_to: an address, or a "metadata." key holding one
//   - notifications_template: mail template name
type NotifyNearlyExpired struct {
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewNotifyNearlyExpired(notifier notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *NotifyNearlyExpired {
	return &NotifyNearlyExpired{notifier: notifier, metrics: m, logger: logger, now: time.Now}
}

// WithClock overrides the timestamp source, for tests.
func (o *NotifyNearlyExpired) WithClock(now func() time.Time) *NotifyNearlyExpired {
	o.now = now
	return o
}

func (o *NotifyNearlyExpired) Run(ctx context.Context, doc *document.Document, maxMinutes int, params Params) error {
	if maxMinutes <= 0 {
		return dErrors.Newf(dErrors.CodeBadRequest,
			"state %q of document %s has no time budget", doc.State.Name, doc.ID)
	}

	recipient := params["send_to"]
	if strings.HasPrefix(recipient, "metadata.") {
		resolved, ok := doc.MetadataValue(recipient)
		if !ok {
			return dErrors.Newf(dErrors.CodeBadRequest,
				"document %s has no value for %q", doc.ID, recipient)
		}
		recipient = resolved
	}
	if recipient == "" {
		return dErrors.New(dErrors.CodeBadRequest, "'send_to' is required")
	}

	elapsed := doc.ElapsedInState(o.now())
	elapsedMinutes := elapsed.Minutes()
	remainingMinutes := float64(maxMinutes) - elapsedMinutes

	elapsedStr := formatMinutes(elapsedMinutes)
	// An empty elapsed string tells the template to drop that sentence.
	if elapsedMinutes < 5 {
		elapsedStr = ""
	}

	err := o.notifier.SendTemplate(ctx, recipient, params["notifications_template"], map[string]string{
		"elapsed_time":   elapsedStr,
		"remaining_time": formatMinutes(remainingMinutes),
		"document_uuid":  doc.ID.String(),
	})
	if err != nil {
		return err
	}

	o.logger.InfoContext(ctx, "sla expiry notification sent",
		"document_id", doc.ID, "to", recipient, "state", doc.State.Name)
	if o.metrics != nil {
		o.metrics.SLANotifications.Inc()
	}
	return nil
}

// ActaRejecter is the slice of the acta workflow the auto-reject operation
// needs.
type ActaRejecter interface {
	Reject(ctx context.Context, id uuid.UUID, motivo string) error
}

// RechazoActa rejects an acta whose signing window ran out, going through
// the regular workflow so partner notification and the state machine still
// apply.
//
// Params:
//   - motivo: rejection reason (optional, has a default)
type RechazoActa struct {
	actas  ActaRejecter
	logger *slog.Logger
}

func NewRechazoActa(actas ActaRejecter, logger *slog.Logger) *RechazoActa {
	return &RechazoActa{actas: actas, logger: logger}
}

func (o *RechazoActa) Run(ctx context.Context, doc *document.Document, _ int, params Params) error {
	motivo := params["motivo"]
	if motivo == "" {
		motivo = "Rechazo automático por vencimiento del plazo de firma"
	}
	if err := o.actas.Reject(ctx, doc.ID, motivo); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "acta auto-rejected after sla expiry", "document_id", doc.ID)
	return nil
}

var (
	_ Operation = (*NotifyNearlyExpired)(nil)
	_ Operation = (*RechazoActa)(nil)
)
