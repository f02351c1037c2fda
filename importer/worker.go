package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/recruit_backend/config"
	"github.com/mmdatafocus/recruit_backend/mailer"
	"github.com/mmdatafocus/recruit_backend/models"
	"github.com/mmdatafocus/recruit_backend/taskqueue"
	"github.com/mmdatafocus/recruit_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("recruit-importer")

// Worker drains one ImportJob per task invocation: parse, dedup, batched
// inserts, finalize. Each batch commits as one transaction, so a crash
// mid-job loses at most one batch of progress. Re-delivery of the same task
// is tolerated: the duplicate check turns a prior partial run's inserts into
// skips, never double-inserts.
type Worker struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Dispatcher *mailer.Dispatcher

	BatchSize     int
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
}

func NewWorker(db *gorm.DB, logger *logrus.Logger, dispatcher *mailer.Dispatcher) *Worker {
	return &Worker{
		DB:            db,
		Logger:        logger,
		Dispatcher:    dispatcher,
		BatchSize:     config.IntFromEnv("IMPORT_BATCH_SIZE", 50),
		SoftTimeLimit: time.Duration(config.IntFromEnv("IMPORT_SOFT_TIME_LIMIT_SECONDS", 1500)) * time.Second,
		HardTimeLimit: time.Duration(config.IntFromEnv("IMPORT_HARD_TIME_LIMIT_SECONDS", 1800)) * time.Second,
	}
}

// Run subscribes the worker to the import queue until ctx is done.
func (w *Worker) Run(ctx context.Context, rt taskqueue.Runtime) {
	go func() {
		if err := rt.Subscribe(ctx, ImportQueue, w.Handle); err != nil && ctx.Err() == nil && w.Logger != nil {
			w.Logger.WithFields(logrus.Fields{
				"module": "importer",
				"queue":  ImportQueue,
			}).Error("import queue subscription ended: " + err.Error())
		}
	}()
}

type jobProgress struct {
	created   int
	failed    int
	skipped   int
	rowErrors []models.ImportRowError
}

func (p *jobProgress) addError(e models.ImportRowError) {
	// The stored list is capped; counting continues past the cap.
	if len(p.rowErrors) < models.RowErrorLimit() {
		p.rowErrors = append(p.rowErrors, e)
	}
}

// Handle executes one import task. A non-nil return nacks the task so the
// runtime retries with backoff; job-fatal conditions (malformed file,
// cancellation, time limit) ack because they will not self-correct.
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	var task ImportTaskPayload
	if err := json.Unmarshal(payload, &task); err != nil || task.JobId <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.HardTimeLimit)
	defer cancel()

	ctx, span := tracer.Start(ctx, "importer.ProcessJob")
	defer span.End()

	job, err := models.LoadImportJobForProcessing(ctx, w.DB, task.JobId, task.TenantId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	if job.Status == models.ImportJobStatusCancelled {
		if w.Logger != nil {
			w.Logger.WithFields(logrus.Fields{
				"module":    "importer",
				"tenant_id": job.TenantId,
				"job_id":    job.ID,
			}).Info("import job cancelled before processing, skipping")
		}
		return nil
	}
	if job.Status.IsTerminal() {
		// Duplicate delivery of a settled task.
		return nil
	}

	started := time.Now().UTC()
	processingStart := started
	if job.ProcessingStart != nil {
		// Re-run after a partial attempt: keep the original start.
		processingStart = *job.ProcessingStart
	}
	claimed, err := models.MarkImportJobProcessing(ctx, w.DB, job.ID, &processingStart)
	if err != nil {
		return err
	}
	if !claimed {
		// Cancelled between the load and the claim; the terminal row wins.
		return nil
	}

	result, parseErr := ParseCandidateFile(job.FileData, job.FileName, utils.DereferencePtr(job.DefaultSource, ""))
	if parseErr != nil {
		// Malformed input will not self-correct: terminal, no retry.
		w.failJob(ctx, job, processingStart, parseErr.Error(), nil)
		return nil
	}

	if err := w.DB.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ?", job.ID).
		Update("total_records", result.TotalRows).Error; err != nil {
		return err
	}

	progress := &jobProgress{}
	progress.failed = len(result.RowErrors)
	progress.rowErrors = append(progress.rowErrors, result.RowErrors...)

	tenantCtx := utils.SetTenantIdInContext(ctx, job.TenantId)

	records := result.Records
	for start := 0; start < len(records); start += w.BatchSize {
		// Coarse checkpoints: cancellation and the soft time limit are
		// honored between batches, never mid-batch.
		cancelled, err := w.jobCancelled(ctx, job.ID)
		if err != nil {
			return err
		}
		if cancelled {
			w.persistProgress(ctx, job.ID, progress)
			if w.Logger != nil {
				w.Logger.WithFields(logrus.Fields{
					"module": "importer",
					"job_id": job.ID,
				}).Info("import job cancelled mid-run, stopping before next batch")
			}
			return nil
		}
		if time.Since(started) > w.SoftTimeLimit {
			w.persistProgress(ctx, job.ID, progress)
			w.failJob(ctx, job, processingStart,
				fmt.Sprintf("soft time limit exceeded after %s", w.SoftTimeLimit), progress)
			return nil
		}

		end := start + w.BatchSize
		if end > len(records) {
			end = len(records)
		}

		createdInBatch, err := w.processBatch(ctx, job, records[start:end], progress)
		if err != nil {
			// Infrastructure failure: record it and let the runtime retry.
			w.failJob(ctx, job, processingStart, err.Error(), progress)
			return err
		}

		if job.SendInvitations {
			w.enqueueInvitations(tenantCtx, job, createdInBatch)
		}
	}

	now := time.Now().UTC()
	duration := now.Sub(processingStart).Seconds()
	// Guarded on PROCESSING so a cancellation observed at the last checkpoint
	// race stays sticky.
	if err := w.DB.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ? AND status = ?", job.ID, models.ImportJobStatusProcessing).
		Updates(map[string]interface{}{
			"status":           models.ImportJobStatusCompleted,
			"created_count":    progress.created,
			"failed_count":     progress.failed,
			"skipped_count":    progress.skipped,
			"row_errors":       models.EncodeRowErrors(progress.rowErrors),
			"processing_end":   &now,
			"duration_seconds": &duration,
		}).Error; err != nil {
		return err
	}
	_ = config.RemoveRedisKey(models.ImportStatsCacheKey(job.TenantId))

	w.enqueueSummary(tenantCtx, job, result.TotalRows, progress)

	if w.Logger != nil {
		w.Logger.WithFields(logrus.Fields{
			"module":    "importer",
			"tenant_id": job.TenantId,
			"job_id":    job.ID,
			"total":     result.TotalRows,
			"created":   progress.created,
			"failed":    progress.failed,
			"skipped":   progress.skipped,
		}).Info("import job completed")
	}
	return nil
}

// processBatch commits one batch as a single transaction, counters included.
func (w *Worker) processBatch(ctx context.Context, job *models.ImportJob, batch []ParsedRecord, progress *jobProgress) ([]models.Candidate, error) {
	var createdInBatch []models.Candidate

	err := w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range batch {
			exists, err := models.CandidateEmailExists(tx, job.TenantId, rec.Email)
			if err != nil {
				return err
			}
			if exists {
				progress.skipped++
				progress.addError(models.ImportRowError{
					Row: rec.Row, Value: rec.Email, Reason: "duplicate email, skipped",
				})
				continue
			}

			candidate := models.Candidate{
				TenantId:       job.TenantId,
				Email:          rec.Email,
				FirstName:      rec.FirstName,
				LastName:       rec.LastName,
				Phone:          rec.Phone,
				Company:        rec.Company,
				JobTitle:       rec.JobTitle,
				Source:         rec.Source,
				ExpectedSalary: rec.ExpectedSalary,
				ImportJobId:    &job.ID,
			}
			if err := tx.Create(&candidate).Error; err != nil {
				// Per-record failure (e.g. unique-index race with a
				// concurrent job) stays local to the row.
				progress.failed++
				progress.addError(models.ImportRowError{
					Row: rec.Row, Value: rec.Email, Reason: "insert failed: " + err.Error(),
				})
				continue
			}
			progress.created++
			createdInBatch = append(createdInBatch, candidate)
		}

		return tx.Model(&models.ImportJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"created_count": progress.created,
				"failed_count":  progress.failed,
				"skipped_count": progress.skipped,
				"row_errors":    models.EncodeRowErrors(progress.rowErrors),
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return createdInBatch, nil
}

func (w *Worker) jobCancelled(ctx context.Context, jobId int) (bool, error) {
	var status models.ImportJobStatus
	err := w.DB.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ?", jobId).
		Pluck("status", &status).Error
	if err != nil {
		return false, err
	}
	return status == models.ImportJobStatusCancelled, nil
}

func (w *Worker) persistProgress(ctx context.Context, jobId int, progress *jobProgress) {
	_ = w.DB.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ?", jobId).
		Updates(map[string]interface{}{
			"created_count": progress.created,
			"failed_count":  progress.failed,
			"skipped_count": progress.skipped,
			"row_errors":    models.EncodeRowErrors(progress.rowErrors),
		}).Error
}

func (w *Worker) failJob(ctx context.Context, job *models.ImportJob, processingStart time.Time, message string, progress *jobProgress) {
	now := time.Now().UTC()
	duration := now.Sub(processingStart).Seconds()
	msg := utils.TruncateString(message, 2000)
	updates := map[string]interface{}{
		"status":           models.ImportJobStatusFailed,
		"error_message":    &msg,
		"processing_end":   &now,
		"duration_seconds": &duration,
	}
	if progress != nil {
		updates["created_count"] = progress.created
		updates["failed_count"] = progress.failed
		updates["skipped_count"] = progress.skipped
		updates["row_errors"] = models.EncodeRowErrors(progress.rowErrors)
	}
	_ = w.DB.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ? AND status IN ?", job.ID,
			[]models.ImportJobStatus{models.ImportJobStatusQueued, models.ImportJobStatusProcessing}).
		Updates(updates).Error
	_ = config.RemoveRedisKey(models.ImportStatsCacheKey(job.TenantId))

	if w.Logger != nil {
		w.Logger.WithFields(logrus.Fields{
			"module": "importer",
			"job_id": job.ID,
		}).Error("import job failed: " + message)
	}
}

func (w *Worker) enqueueInvitations(ctx context.Context, job *models.ImportJob, candidates []models.Candidate) {
	if w.Dispatcher == nil {
		return
	}
	for _, candidate := range candidates {
		candidate := candidate
		_, err := mailer.Enqueue(ctx, w.Dispatcher, &models.NewEmailQueue{
			RecipientEmail: candidate.Email,
			RecipientId:    &candidate.ID,
			RecipientType:  strPtr("candidate"),
			TemplateId:     "interview_invitation",
			Subject:        "You're invited to interview",
			EmailType:      models.EmailTypeInterviewInvitation,
			Priority:       models.EmailPriorityHigh,
			Variables: map[string]interface{}{
				"first_name": candidate.FirstName,
				"last_name":  candidate.LastName,
			},
		})
		if err != nil && w.Logger != nil {
			// Invitation failures never fail the import.
			w.Logger.WithFields(logrus.Fields{
				"module":       "importer",
				"job_id":       job.ID,
				"candidate_id": candidate.ID,
			}).Error("invitation enqueue failed: " + err.Error())
		}
	}
}

func (w *Worker) enqueueSummary(ctx context.Context, job *models.ImportJob, total int, progress *jobProgress) {
	if w.Dispatcher == nil || job.NotifyEmail == nil || *job.NotifyEmail == "" {
		return
	}
	_, err := mailer.Enqueue(ctx, w.Dispatcher, &models.NewEmailQueue{
		RecipientEmail: *job.NotifyEmail,
		TemplateId:     "bulk_import_summary",
		Subject:        fmt.Sprintf("Import of %s finished", job.FileName),
		EmailType:      models.EmailTypeBulkImportSummary,
		Priority:       models.EmailPriorityLow,
		Variables: map[string]interface{}{
			"file_name": job.FileName,
			"total":     total,
			"created":   progress.created,
			"failed":    progress.failed,
			"skipped":   progress.skipped,
		},
	})
	if err != nil && w.Logger != nil {
		w.Logger.WithFields(logrus.Fields{
			"module": "importer",
			"job_id": job.ID,
		}).Error("summary enqueue failed: " + err.Error())
	}
}

func strPtr(s string) *string { return &s }
