package models

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/recruit_backend/config"
	"github.com/mmdatafocus/recruit_backend/utils"
	"gorm.io/gorm"
)

// ImportJob tracks one bulk-upload-to-candidates conversion. The submission
// path creates the row in QUEUED and never touches it again; the import worker
// owns every execution-state mutation after dispatch. Rows are kept for audit,
// never deleted here.
type ImportJob struct {
	ID          int    `gorm:"primary_key" json:"id"`
	TenantId    string `gorm:"size:64;not null;index" json:"tenant_id"`
	SubmitterId int    `gorm:"not null" json:"submitter_id"`

	FileName        string           `gorm:"size:255;not null" json:"file_name"`
	FileSize        int64            `gorm:"not null" json:"file_size"`
	FileFormat      ImportFileFormat `gorm:"type:enum('csv','xlsx','xls')" json:"file_format"`
	FileData        []byte           `gorm:"type:mediumblob" json:"-"`
	TotalRecords    int              `gorm:"not null;default:0" json:"total_records"`
	SendInvitations bool             `gorm:"not null;default:false" json:"send_invitations"`
	DefaultSource   *string          `gorm:"size:50" json:"default_source"`
	NotifyEmail     *string          `gorm:"size:255" json:"notify_email"`

	Status ImportJobStatus `gorm:"size:20;index;not null;default:'QUEUED'" json:"status"`
	TaskId *string         `gorm:"size:255" json:"task_id"`

	CreatedCount int `gorm:"not null;default:0" json:"created_count"`
	FailedCount  int `gorm:"not null;default:0" json:"failed_count"`
	SkippedCount int `gorm:"not null;default:0" json:"skipped_count"`

	ErrorMessage *string `gorm:"type:text" json:"error_message"`
	RowErrors    []byte  `gorm:"type:json" json:"-"`

	ProcessingStart *time.Time `json:"processing_start"`
	ProcessingEnd   *time.Time `json:"processing_end"`
	DurationSeconds *float64   `json:"duration_seconds"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ImportRowError is one structured diagnostic entry. The stored list is capped
// (RowErrorLimit) so a pathological file cannot grow the row without bound.
type ImportRowError struct {
	Row    int    `json:"row"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// RowErrorLimit returns the cap on stored per-row diagnostics.
func RowErrorLimit() int {
	if v := strings.TrimSpace(os.Getenv("IMPORT_ROW_ERROR_LIMIT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 100
}

func EncodeRowErrors(rowErrors []ImportRowError) []byte {
	if limit := RowErrorLimit(); len(rowErrors) > limit {
		rowErrors = rowErrors[:limit]
	}
	data, err := json.Marshal(rowErrors)
	if err != nil {
		return []byte("[]")
	}
	return data
}

func (j *ImportJob) DecodedRowErrors() []ImportRowError {
	if len(j.RowErrors) == 0 {
		return nil
	}
	var out []ImportRowError
	if err := json.Unmarshal(j.RowErrors, &out); err != nil {
		return nil
	}
	return out
}

// GetImportJob is the polling read. File bytes are omitted: callers poll
// counters and diagnostics, the worker loads the payload separately.
func GetImportJob(ctx context.Context, id int) (*ImportJob, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB()
	var job ImportJob
	err := db.WithContext(ctx).
		Omit("file_data").
		Where("tenant_id = ?", tenantId).
		First(&job, id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &job, nil
}

// CancelImportJob requests cancellation. It succeeds only while the job is
// QUEUED or PROCESSING; a terminal job reports false with no mutation. The
// worker honors the flag at admission and between batches, not mid-batch.
func CancelImportJob(ctx context.Context, id int) (bool, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return false, errors.New("tenant id is required")
	}

	db := config.GetDB()
	res := db.WithContext(ctx).
		Model(&ImportJob{}).
		Where("id = ? AND tenant_id = ? AND status IN ?", id, tenantId,
			[]ImportJobStatus{ImportJobStatusQueued, ImportJobStatusProcessing}).
		Update("status", ImportJobStatusCancelled)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

type ImportJobStats struct {
	CompletedCount  int64    `json:"completed_count"`
	FailedCount     int64    `json:"failed_count"`
	AverageDuration *float64 `json:"average_duration_seconds"`
}

// ComputeImportStats aggregates terminal jobs inside the window. Read-only;
// the result is cached briefly in Redis to keep dashboards off the main table.
func ComputeImportStats(ctx context.Context, window time.Duration) (*ImportJobStats, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	cacheKey := ImportStatsCacheKey(tenantId)
	var cached ImportJobStats
	if hit, _ := config.GetRedisObject(cacheKey, &cached); hit {
		return &cached, nil
	}

	since := time.Now().UTC().Add(-window)
	db := config.GetDB()

	var stats ImportJobStats
	err := db.WithContext(ctx).
		Model(&ImportJob{}).
		Select(
			"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed_count,"+
				" SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed_count,"+
				" AVG(duration_seconds) AS average_duration",
			ImportJobStatusCompleted, ImportJobStatusFailed,
		).
		Where("tenant_id = ? AND created_at >= ?", tenantId, since).
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}

	_ = config.SetRedisObject(cacheKey, stats, 30*time.Second)
	return &stats, nil
}

// ImportStatsCacheKey is the Redis key caching ComputeImportStats per tenant.
// The worker invalidates it when a job reaches a terminal state.
func ImportStatsCacheKey(tenantId string) string {
	return "import_stats:" + tenantId
}

// CountActiveImportJobs backs the per-tenant admission check.
func CountActiveImportJobs(ctx context.Context, tenantId string) (int64, error) {
	return utils.ResourceCountWhere[ImportJob](ctx, tenantId, "status IN ?",
		[]ImportJobStatus{ImportJobStatusQueued, ImportJobStatusProcessing})
}

// LoadImportJobForProcessing fetches the full row, file bytes included.
// Worker-side only; scoped by the tenant id carried in the task payload.
func LoadImportJobForProcessing(ctx context.Context, db *gorm.DB, id int, tenantId string) (*ImportJob, error) {
	var job ImportJob
	err := db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantId).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkImportJobProcessing claims the job for one worker run. Guarded on
// non-terminal status so a cancellation committed between the worker's load
// and this write stays sticky; false means the row settled concurrently.
func MarkImportJobProcessing(ctx context.Context, db *gorm.DB, id int, processingStart *time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&ImportJob{}).
		Where("id = ? AND status IN ?", id,
			[]ImportJobStatus{ImportJobStatusQueued, ImportJobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":           ImportJobStatusProcessing,
			"processing_start": processingStart,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
