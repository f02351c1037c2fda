package importer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/recruit_backend/config"
	"github.com/mmdatafocus/recruit_backend/models"
	"github.com/mmdatafocus/recruit_backend/taskqueue"
	"github.com/mmdatafocus/recruit_backend/utils"
	"github.com/sirupsen/logrus"
)

// ImportQueue is the task-runtime queue consumed by the import worker.
const ImportQueue = "candidate_import"

type ImportTaskPayload struct {
	JobId    int    `json:"job_id"`
	TenantId string `json:"tenant_id"`
}

type NewImportJob struct {
	FileName        string `json:"file_name" binding:"required"`
	FileData        []byte `json:"-"`
	SendInvitations bool   `json:"send_invitations"`
	DefaultSource   string `json:"default_source"`
	NotifyEmail     string `json:"notify_email"`
}

// CreateImportJob admits one upload: rate-limit check, QUEUED row, task
// dispatch. The Redis lock only narrows the check-then-insert race between
// concurrent submissions of the same tenant; absent Redis the check runs
// unlocked and the limit degrades to best effort.
func CreateImportJob(ctx context.Context, rt taskqueue.Runtime, input *NewImportJob) (*models.ImportJob, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	format, err := DetectFileFormat(input.FileName)
	if err != nil {
		return nil, err
	}
	if len(input.FileData) == 0 {
		return nil, errors.New("file is empty")
	}

	if locker := config.GetRedisLock(); locker != nil {
		lock, lockErr := locker.Obtain(ctx, "import_admission:"+tenantId, 5*time.Second, &redislock.Options{
			RetryStrategy: redislock.LinearBackoff(100 * time.Millisecond),
		})
		if lockErr == nil {
			defer lock.Release(ctx)
		}
	}

	maxConcurrent := DefaultMaxConcurrentImports()
	allowed, active, err := CheckAndReserve(ctx, tenantId, maxConcurrent)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &TooManyActiveImportsError{ActiveCount: active, MaxConcurrent: maxConcurrent}
	}

	job := models.ImportJob{
		TenantId:        tenantId,
		SubmitterId:     userId,
		FileName:        input.FileName,
		FileSize:        int64(len(input.FileData)),
		FileFormat:      format,
		FileData:        input.FileData,
		SendInvitations: input.SendInvitations,
		Status:          models.ImportJobStatusQueued,
	}
	if input.DefaultSource != "" {
		job.DefaultSource = &input.DefaultSource
	}
	if input.NotifyEmail != "" {
		job.NotifyEmail = &input.NotifyEmail
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(ImportTaskPayload{JobId: job.ID, TenantId: tenantId})
	taskId, err := rt.Submit(ctx, ImportQueue, payload)
	if err != nil {
		// The row stays QUEUED and inspectable; a reconciliation sweep or
		// resubmission of the task can pick it up.
		logger := config.GetLogger()
		logger.WithFields(logrus.Fields{
			"module":    "importer",
			"tenant_id": tenantId,
			"job_id":    job.ID,
		}).Error("import task dispatch failed: " + err.Error())
		return &job, nil
	}

	_ = db.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ?", job.ID).
		Update("task_id", taskId).Error
	job.TaskId = &taskId

	return &job, nil
}
