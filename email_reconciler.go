package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmdatafocus/recruit_backend/config"
	"github.com/mmdatafocus/recruit_backend/importer"
	"github.com/mmdatafocus/recruit_backend/mailer"
	"github.com/mmdatafocus/recruit_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EmailReconciler re-dispatches tasks for rows the queue lost track of:
// QUEUED emails whose task was dropped (or whose dispatch failed at enqueue
// time) and SENDING rows orphaned by a crashed worker. It is the sweep that
// turns "the dispatch failed but the row is safe" into an actual delivery.
type EmailReconciler struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Dispatcher *mailer.Dispatcher
	Interval   time.Duration
	// StaleAfter is how long a QUEUED row may sit untouched before it is
	// considered lost and re-dispatched.
	StaleAfter time.Duration
	// SendingTTL is how long a SENDING row may hold its claim before the
	// worker is presumed dead and the row is reset to QUEUED.
	SendingTTL time.Duration
	BatchSize  int
}

func NewEmailReconciler(db *gorm.DB, logger *logrus.Logger, dispatcher *mailer.Dispatcher) *EmailReconciler {
	return &EmailReconciler{
		DB:         db,
		Logger:     logger,
		Dispatcher: dispatcher,
		Interval:   time.Duration(config.IntFromEnv("EMAIL_RECONCILE_INTERVAL_SECONDS", 60)) * time.Second,
		StaleAfter: time.Duration(config.IntFromEnv("EMAIL_RECONCILE_AFTER_SECONDS", 600)) * time.Second,
		SendingTTL: time.Duration(config.IntFromEnv("EMAIL_SENDING_TTL_SECONDS", 300)) * time.Second,
		BatchSize:  config.IntFromEnv("EMAIL_RECONCILE_BATCH_SIZE", 100),
	}
}

func (r *EmailReconciler) Run(ctx context.Context) {
	if r == nil || r.DB == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.Interval):
		}
		r.sweepOnce(ctx)
	}
}

func (r *EmailReconciler) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	// Orphaned SENDING rows go back to QUEUED; retry_count is untouched
	// because the attempt outcome is unknown.
	res := r.DB.WithContext(ctx).Model(&models.EmailQueue{}).
		Where("status = ? AND locked_at IS NOT NULL AND locked_at <= ?",
			models.EmailStatusSending, now.Add(-r.SendingTTL)).
		Updates(map[string]interface{}{
			"status":    models.EmailStatusQueued,
			"locked_at": nil,
			"locked_by": nil,
		})
	if res.Error == nil && res.RowsAffected > 0 && r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"module": "email_reconciler",
			"count":  res.RowsAffected,
		}).Warn("reset orphaned SENDING emails to QUEUED")
	}

	// Stale QUEUED rows get a fresh task. updated_at moves on every
	// dispatch-side mutation, so "untouched for StaleAfter" means no task
	// ever landed or its queue TTL expired.
	var stale []models.EmailQueue
	err := r.DB.WithContext(ctx).
		Select("id", "tenant_id", "priority").
		Where("status = ? AND updated_at <= ?", models.EmailStatusQueued, now.Add(-r.StaleAfter)).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
		Order("id ASC").
		Limit(r.BatchSize).
		Find(&stale).Error
	if err != nil {
		if r.Logger != nil {
			r.Logger.WithFields(logrus.Fields{
				"module": "email_reconciler",
			}).Error("stale email scan failed: " + err.Error())
		}
		return
	}

	for _, email := range stale {
		taskId, err := r.Dispatcher.Dispatch(ctx, email.ID, email.TenantId, email.Priority)
		if err != nil {
			continue
		}
		_ = r.DB.WithContext(ctx).Model(&models.EmailQueue{}).
			Where("id = ?", email.ID).
			Update("task_id", taskId).Error
	}
	if len(stale) > 0 && r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"module": "email_reconciler",
			"count":  len(stale),
		}).Info("re-dispatched stale queued emails")
	}

	r.sweepImportJobs(ctx, now)
}

// sweepImportJobs resubmits QUEUED import jobs that never got a task handle,
// which happens when the Submit at admission time failed.
func (r *EmailReconciler) sweepImportJobs(ctx context.Context, now time.Time) {
	var jobs []models.ImportJob
	err := r.DB.WithContext(ctx).
		Select("id", "tenant_id").
		Where("status = ? AND task_id IS NULL AND created_at <= ?",
			models.ImportJobStatusQueued, now.Add(-r.StaleAfter)).
		Order("id ASC").
		Limit(r.BatchSize).
		Find(&jobs).Error
	if err != nil || len(jobs) == 0 {
		return
	}

	for _, job := range jobs {
		payload, _ := json.Marshal(importer.ImportTaskPayload{JobId: job.ID, TenantId: job.TenantId})
		taskId, err := r.Dispatcher.Runtime.Submit(ctx, importer.ImportQueue, payload)
		if err != nil {
			continue
		}
		_ = r.DB.WithContext(ctx).Model(&models.ImportJob{}).
			Where("id = ?", job.ID).
			Update("task_id", taskId).Error
	}
	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"module": "email_reconciler",
			"count":  len(jobs),
		}).Info("resubmitted stale queued import jobs")
	}
}
