package mailer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmdatafocus/recruit_backend/config"
	"github.com/mmdatafocus/recruit_backend/models"
	"github.com/mmdatafocus/recruit_backend/taskqueue"
	"github.com/sirupsen/logrus"
)

// Priority-partitioned delivery queues. Each carries its own message TTL so
// a message still unconsumed past it is dropped by the broker, not delivered
// stale: an hour-old interview invitation is still useful, a day-old one is.
const (
	QueueHigh    = "email_high"
	QueueDefault = "email_default"
	QueueLow     = "email_low"
)

func QueueForPriority(p models.EmailPriority) string {
	switch p {
	case models.EmailPriorityHigh:
		return QueueHigh
	case models.EmailPriorityLow:
		return QueueLow
	default:
		return QueueDefault
	}
}

// QueueTTLs returns the retention profile per queue, env-overridable.
func QueueTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		QueueHigh:    time.Duration(config.IntFromEnv("EMAIL_QUEUE_TTL_HIGH_SECONDS", 3600)) * time.Second,
		QueueDefault: time.Duration(config.IntFromEnv("EMAIL_QUEUE_TTL_MEDIUM_SECONDS", 7200)) * time.Second,
		QueueLow:     time.Duration(config.IntFromEnv("EMAIL_QUEUE_TTL_LOW_SECONDS", 86400)) * time.Second,
	}
}

type EmailTaskPayload struct {
	EmailId  int    `json:"email_id"`
	TenantId string `json:"tenant_id"`
}

type Dispatcher struct {
	Runtime taskqueue.Runtime
	Logger  *logrus.Logger
}

func NewDispatcher(rt taskqueue.Runtime, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{Runtime: rt, Logger: logger}
}

// Dispatch submits one delivery task on the queue derived from priority and
// returns the task handle. Callers treat a failure as log-only: the QUEUED
// row stays behind for the reconciliation sweep.
func (d *Dispatcher) Dispatch(ctx context.Context, emailId int, tenantId string, priority models.EmailPriority) (string, error) {
	payload, _ := json.Marshal(EmailTaskPayload{EmailId: emailId, TenantId: tenantId})
	queue := QueueForPriority(priority)
	taskId, err := d.Runtime.Submit(ctx, queue, payload)
	if err != nil {
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"module":    "mailer",
				"tenant_id": tenantId,
				"email_id":  emailId,
				"queue":     queue,
			}).Error("email task dispatch failed: " + err.Error())
		}
		return "", err
	}
	return taskId, nil
}
