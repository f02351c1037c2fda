package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/recruit_backend/config"
	"github.com/mmdatafocus/recruit_backend/utils"
	"gorm.io/gorm"
)

// EmailQueue tracks one outbound notification message. Producers insert the
// row QUEUED and fire a delivery task; after that only the delivery worker
// (or the direct processor standing in for it) mutates delivery state.
type EmailQueue struct {
	ID            int     `gorm:"primary_key;index:idx_email_claim,priority:3" json:"id"`
	TenantId      string  `gorm:"size:64;not null;index" json:"tenant_id"`
	RecipientId   *int    `json:"recipient_id"`
	RecipientType *string `gorm:"size:50" json:"recipient_type"`

	RecipientEmail string `gorm:"size:255;not null" json:"recipient_email"`
	TemplateId     string `gorm:"size:100" json:"template_id"`
	Subject        string `gorm:"size:500;not null" json:"subject"`
	Body           string `gorm:"type:text" json:"body"`
	Variables      []byte `gorm:"type:json" json:"-"`

	EmailType EmailType     `gorm:"size:30;not null;default:'GENERIC'" json:"email_type"`
	Priority  EmailPriority `gorm:"type:enum('HIGH','MEDIUM','LOW');not null;default:'MEDIUM'" json:"priority"`

	Status            EmailStatus `gorm:"size:20;index;not null;default:'QUEUED';index:idx_email_claim,priority:1" json:"status"`
	RetryCount        int         `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries        int         `gorm:"not null;default:3" json:"max_retries"`
	ErrorMessage      *string     `gorm:"type:text" json:"error_message"`
	ProviderMessageId *string     `gorm:"size:255" json:"provider_message_id"`
	TaskId            *string     `gorm:"size:255" json:"task_id"`

	// Claim columns for the DB-poll fallback processor.
	NextAttemptAt *time.Time `gorm:"index;index:idx_email_claim,priority:2" json:"next_attempt_at"`
	LockedAt      *time.Time `gorm:"index" json:"locked_at"`
	LockedBy      *string    `gorm:"size:100" json:"locked_by"`

	CreatedAt time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	SentAt    *time.Time `json:"sent_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EmailTracking rows are appended by delivery-provider callbacks.
// Append-only: never mutated, never deleted.
type EmailTracking struct {
	ID           int       `gorm:"primary_key" json:"id"`
	EmailQueueId int       `gorm:"not null;index" json:"email_queue_id"`
	EventType    string    `gorm:"size:50;not null" json:"event_type"`
	EventData    []byte    `gorm:"type:json" json:"event_data"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewEmailQueue struct {
	RecipientEmail string                 `json:"recipient_email" binding:"required"`
	RecipientId    *int                   `json:"recipient_id"`
	RecipientType  *string                `json:"recipient_type"`
	TemplateId     string                 `json:"template_id"`
	Subject        string                 `json:"subject" binding:"required"`
	Body           string                 `json:"body"`
	Variables      map[string]interface{} `json:"variables"`
	EmailType      EmailType              `json:"email_type"`
	Priority       EmailPriority          `json:"priority"`
}

const minRecipientEmailLength = 6

// ValidateRecipientEmail is the producer-side syntactic gate. A violation
// fails the enqueue call outright; it is never stored as INVALID.
func ValidateRecipientEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return errors.New("recipient email is required")
	}
	if len(email) < minRecipientEmailLength {
		return fmt.Errorf("recipient email %q is too short", email)
	}
	if strings.Count(email, "@") != 1 {
		return fmt.Errorf("recipient email %q must contain exactly one @", email)
	}
	return nil
}

func DefaultMaxRetries() int {
	if v := strings.TrimSpace(os.Getenv("EMAIL_MAX_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return 3
}

// EmailRetryBackoff returns the delay before attempt n (1-based):
// base * 2^(n-1), capped at 10 minutes.
func EmailRetryBackoff(attempt int) time.Duration {
	base := time.Duration(config.IntFromEnv("EMAIL_RETRY_BASE_BACKOFF_SECONDS", 60)) * time.Second
	if attempt <= 1 {
		return base
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > 10*time.Minute {
		return 10 * time.Minute
	}
	return delay
}

// ClaimEmailForSending flips the row to SENDING for one delivery attempt.
// Guarded on non-terminal status so a bounce callback committed between the
// worker's load and this write stays sticky; false means the row settled.
func ClaimEmailForSending(ctx context.Context, db *gorm.DB, id int, now *time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&EmailQueue{}).
		Where("id = ? AND status IN ?", id,
			[]EmailStatus{EmailStatusQueued, EmailStatusSending}).
		Updates(map[string]interface{}{
			"status":    EmailStatusSending,
			"locked_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func GetEmailQueue(ctx context.Context, id int) (*EmailQueue, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	return utils.FetchModel[EmailQueue](ctx, tenantId, id)
}

// AppendEmailTracking records a provider callback event. A bounce event also
// forces the parent row to BOUNCED unless it already reached a terminal state.
func AppendEmailTracking(ctx context.Context, emailId int, eventType string, eventData map[string]interface{}) (*EmailTracking, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if eventType == "" {
		return nil, errors.New("event type is required")
	}

	db := config.GetDB()

	var email EmailQueue
	if err := db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", emailId, tenantId).
		First(&email).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	var dataJSON []byte
	if eventData != nil {
		var err error
		dataJSON, err = json.Marshal(eventData)
		if err != nil {
			return nil, err
		}
	}

	tracking := EmailTracking{
		EmailQueueId: email.ID,
		EventType:    eventType,
		EventData:    dataJSON,
	}
	if err := db.WithContext(ctx).Create(&tracking).Error; err != nil {
		return nil, err
	}

	if eventType == "bounce" && !email.Status.IsTerminal() {
		_ = db.WithContext(ctx).Model(&EmailQueue{}).
			Where("id = ?", email.ID).
			Updates(map[string]interface{}{
				"status": EmailStatusBounced,
			}).Error
	}

	return &tracking, nil
}
