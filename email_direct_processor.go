package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/recruit_backend/config"
	"github.com/mmdatafocus/recruit_backend/mailer"
	"github.com/mmdatafocus/recruit_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EmailDirectProcessor delivers QUEUED emails straight off the database
// without a task transport. Intended for local/dev, but also safe as a
// production backup worker: delivery is at-least-once either way and a row
// already settled by the push path is skipped.
type EmailDirectProcessor struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Worker    *mailer.DeliveryWorker
	WorkerID  string
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
}

func NewEmailDirectProcessor(db *gorm.DB, logger *logrus.Logger, provider mailer.Provider) *EmailDirectProcessor {
	return &EmailDirectProcessor{
		DB:        db,
		Logger:    logger,
		Worker:    mailer.NewDeliveryWorker(provider, logger),
		WorkerID:  "direct-" + time.Now().Format("20060102-150405.000"),
		BatchSize: config.IntFromEnv("EMAIL_DIRECT_BATCH_SIZE", 50),
		Interval:  time.Duration(config.IntFromEnv("EMAIL_DIRECT_INTERVAL_SECONDS", 5)) * time.Second,
		LockTTL:   time.Duration(config.IntFromEnv("EMAIL_DIRECT_LOCK_TTL_SECONDS", 60)) * time.Second,
	}
}

func shouldRunDirectEmailProcessor() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("EMAIL_DIRECT_PROCESSING")))
	if val == "true" {
		return true
	}
	if val == "false" {
		return false
	}
	// Default: run as a safety-net even when Pub/Sub is configured. Queue
	// delivery or permissions can be misconfigured and leave rows stuck in
	// QUEUED forever; this loop guarantees they are eventually attempted.
	// To disable in production, explicitly set EMAIL_DIRECT_PROCESSING=false.
	return true
}

func (p *EmailDirectProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

// processOnce claims one batch of due rows and runs a delivery attempt for
// each. The claim marks locked_at/locked_by so concurrent replicas skip the
// same rows; SKIP LOCKED keeps the claim itself contention-free.
func (p *EmailDirectProcessor) processOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.LockTTL)

	var claimed []models.EmailQueue
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("status = ?", models.EmailStatusQueued).
			Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("id ASC").
			Limit(p.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			if err := tx.Model(&models.EmailQueue{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"locked_at": &now,
					"locked_by": &p.WorkerID,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"module": "email_direct_processor",
			}).Error("claim batch failed: " + err.Error())
		}
		return
	}
	if len(claimed) == 0 {
		return
	}

	for _, email := range claimed {
		payload, _ := json.Marshal(mailer.EmailTaskPayload{
			EmailId:  email.ID,
			TenantId: email.TenantId,
		})
		// A redeliver error just means next_attempt_at was pushed out; the
		// next poll picks the row up once it is due again.
		_ = p.Worker.Handle(ctx, payload)
	}
}
