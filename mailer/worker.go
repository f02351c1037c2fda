package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mmdatafocus/recruit_backend/config"
	"github.com/mmdatafocus/recruit_backend/models"
	"github.com/mmdatafocus/recruit_backend/taskqueue"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("recruit-mailer")

// DeliveryWorker consumes the three priority queues and performs the actual
// send attempt. One send attempt plus its status update is the unit of
// atomicity; the row is owned by this worker from SENDING onward.
type DeliveryWorker struct {
	Provider Provider
	Logger   *logrus.Logger

	// SendTimeout bounds one provider call so a stuck send cannot wedge a
	// worker slot past the runtime's own limits.
	SendTimeout time.Duration
}

func NewDeliveryWorker(provider Provider, logger *logrus.Logger) *DeliveryWorker {
	return &DeliveryWorker{
		Provider:    provider,
		Logger:      logger,
		SendTimeout: 30 * time.Second,
	}
}

// deliveryDecision is the post-attempt state transition, kept pure so the
// retry-budget invariant is testable without a database or provider.
type deliveryDecision struct {
	Status     models.EmailStatus
	RetryCount int
	// Redeliver asks the task runtime to retry after backoff (handler nack).
	Redeliver bool
}

func decideDelivery(retryCount, maxRetries int, sendErr error) deliveryDecision {
	if sendErr == nil {
		return deliveryDecision{Status: models.EmailStatusSent, RetryCount: retryCount}
	}
	if errors.Is(sendErr, ErrPermanentReject) {
		// Retrying a syntactically valid but undeliverable address cannot succeed.
		return deliveryDecision{Status: models.EmailStatusInvalid, RetryCount: retryCount}
	}
	next := retryCount + 1
	if next >= maxRetries {
		return deliveryDecision{Status: models.EmailStatusFailed, RetryCount: next}
	}
	return deliveryDecision{Status: models.EmailStatusQueued, RetryCount: next, Redeliver: true}
}

// Handle processes one delivery task. Returning an error nacks the task so
// the runtime re-invokes after backoff; terminal outcomes always ack.
func (w *DeliveryWorker) Handle(ctx context.Context, payload []byte) error {
	var task EmailTaskPayload
	if err := json.Unmarshal(payload, &task); err != nil || task.EmailId <= 0 {
		// Malformed task: ack/drop, retrying cannot help.
		return nil
	}

	ctx, span := tracer.Start(ctx, "mailer.Deliver")
	defer span.End()

	db := config.GetDB()

	var email models.EmailQueue
	if err := db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", task.EmailId, task.TenantId).
		First(&email).Error; err != nil {
		// Row gone or foreign tenant: nothing to deliver.
		return nil
	}
	if email.Status.IsTerminal() {
		// Duplicate delivery of an already-settled task.
		return nil
	}

	now := time.Now().UTC()
	claimed, err := models.ClaimEmailForSending(ctx, db, email.ID, &now)
	if err != nil {
		return err
	}
	if !claimed {
		// Settled between the load and the claim (e.g. a bounce callback).
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.SendTimeout)
	defer cancel()

	var variables map[string]interface{}
	if len(email.Variables) > 0 {
		_ = json.Unmarshal(email.Variables, &variables)
	}

	providerId, sendErr := w.Provider.Send(sendCtx, Message{
		To:         email.RecipientEmail,
		Subject:    email.Subject,
		Body:       email.Body,
		TemplateId: email.TemplateId,
		Variables:  variables,
	})

	decision := decideDelivery(email.RetryCount, email.MaxRetries, sendErr)

	updates := map[string]interface{}{
		"status":      decision.Status,
		"retry_count": decision.RetryCount,
		"locked_at":   nil,
		"locked_by":   nil,
	}
	switch decision.Status {
	case models.EmailStatusSent:
		sentAt := time.Now().UTC()
		updates["sent_at"] = &sentAt
		updates["error_message"] = nil
		updates["next_attempt_at"] = nil
		if providerId != "" {
			updates["provider_message_id"] = &providerId
		}
	case models.EmailStatusQueued:
		msg := sendErr.Error()
		next := time.Now().UTC().Add(models.EmailRetryBackoff(decision.RetryCount))
		updates["error_message"] = &msg
		updates["next_attempt_at"] = &next
	default:
		msg := sendErr.Error()
		updates["error_message"] = &msg
		updates["next_attempt_at"] = nil
	}

	res := db.WithContext(ctx).Model(&models.EmailQueue{}).
		Where("id = ? AND status = ?", email.ID, models.EmailStatusSending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// The row settled while the send was in flight; keep that outcome.
		return nil
	}

	if sendErr != nil && w.Logger != nil {
		fields := logrus.Fields{
			"module":      "mailer",
			"tenant_id":   email.TenantId,
			"email_id":    email.ID,
			"status":      decision.Status,
			"retry_count": decision.RetryCount,
		}
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
		w.Logger.WithFields(fields).Error("email delivery attempt failed: " + sendErr.Error())
	}

	if decision.Redeliver {
		return sendErr
	}
	return nil
}

// Run subscribes the worker to all three priority queues until ctx is done.
func (w *DeliveryWorker) Run(ctx context.Context, rt taskqueue.Runtime) {
	for _, queue := range []string{QueueHigh, QueueDefault, QueueLow} {
		queue := queue
		go func() {
			if err := rt.Subscribe(ctx, queue, w.Handle); err != nil && ctx.Err() == nil && w.Logger != nil {
				w.Logger.WithFields(logrus.Fields{
					"module": "mailer",
					"queue":  queue,
				}).Error("queue subscription ended: " + err.Error())
			}
		}()
	}
}
