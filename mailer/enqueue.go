package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mmdatafocus/recruit_backend/config"
	"github.com/mmdatafocus/recruit_backend/models"
	"github.com/mmdatafocus/recruit_backend/utils"
)

// Enqueue is the producer entry: insert QUEUED, fire the delivery task.
// Address validation failing fails the call; nothing is stored as INVALID
// from this path. A dispatch failure is swallowed (logged by the dispatcher):
// the row stays QUEUED for the reconciliation sweep.
func Enqueue(ctx context.Context, d *Dispatcher, input *models.NewEmailQueue) (int, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return 0, errors.New("tenant id is required")
	}

	if err := models.ValidateRecipientEmail(input.RecipientEmail); err != nil {
		return 0, err
	}
	if input.Subject == "" {
		return 0, errors.New("subject is required")
	}

	emailType := input.EmailType
	if emailType == "" {
		emailType = models.EmailTypeGeneric
	}
	if !emailType.IsValid() {
		return 0, fmt.Errorf("unknown email type %q", input.EmailType)
	}

	priority := input.Priority
	switch priority {
	case models.EmailPriorityHigh, models.EmailPriorityMedium, models.EmailPriorityLow:
	case "":
		priority = models.EmailPriorityMedium
	default:
		return 0, fmt.Errorf("unknown priority %q", input.Priority)
	}

	var variablesJSON []byte
	if input.Variables != nil {
		var err error
		variablesJSON, err = json.Marshal(input.Variables)
		if err != nil {
			return 0, err
		}
	}

	email := models.EmailQueue{
		TenantId:       tenantId,
		RecipientId:    input.RecipientId,
		RecipientType:  input.RecipientType,
		RecipientEmail: input.RecipientEmail,
		TemplateId:     input.TemplateId,
		Subject:        input.Subject,
		Body:           input.Body,
		Variables:      variablesJSON,
		EmailType:      emailType,
		Priority:       priority,
		Status:         models.EmailStatusQueued,
		MaxRetries:     models.DefaultMaxRetries(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&email).Error; err != nil {
		return 0, err
	}

	if taskId, err := d.Dispatch(ctx, email.ID, tenantId, priority); err == nil && taskId != "" {
		_ = db.WithContext(ctx).Model(&models.EmailQueue{}).
			Where("id = ?", email.ID).
			Update("task_id", taskId).Error
	}

	return email.ID, nil
}

// EnqueueBulk enqueues one message per distinct recipient. Recipients are
// independent: one failure never blocks the rest. The returned ids cover the
// successes; the error, if any, names every failed recipient.
func EnqueueBulk(ctx context.Context, d *Dispatcher, recipients []string, input *models.NewEmailQueue) ([]int, error) {
	recipients = utils.UniqueSlice(recipients)
	ids := make([]int, 0, len(recipients))
	var errs []error
	for _, recipient := range recipients {
		one := *input
		one.RecipientEmail = recipient
		id, err := Enqueue(ctx, d, &one)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", recipient, err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}
