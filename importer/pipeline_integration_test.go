package importer_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/recruit_backend/config"
	"github.com/mmdatafocus/recruit_backend/importer"
	"github.com/mmdatafocus/recruit_backend/mailer"
	"github.com/mmdatafocus/recruit_backend/models"
	"github.com/mmdatafocus/recruit_backend/taskqueue"
	"github.com/mmdatafocus/recruit_backend/utils"
)

const pipelineCSV = "email,first_name,last_name,expected_salary\n" +
	"jane@acme.com,Jane,Doe,85000\n" +
	"john@acme.com,John,Smith,\n" +
	"bad-email,Broken,Row,\n" +
	"mary@widgets.io,Mary,Major,120000\n"

// failingProvider fails every send with the configured error.
type failingProvider struct {
	err error
}

func (p *failingProvider) Send(ctx context.Context, msg mailer.Message) (string, error) {
	return "", p.err
}

func TestImportAndEmailPipeline(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "recruit_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	db := config.GetDB()
	logger := config.GetLogger()

	tenantId := "tenant-a"
	ctx = utils.SetTenantIdInContext(ctx, tenantId)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")

	rt := taskqueue.NewInProcessRuntime()
	dispatcher := mailer.NewDispatcher(rt, logger)
	worker := importer.NewWorker(db, logger, dispatcher)

	t.Run("first import creates candidates and records diagnostics", func(t *testing.T) {
		job, err := importer.CreateImportJob(ctx, rt, &importer.NewImportJob{
			FileName:        "candidates.csv",
			FileData:        []byte(pipelineCSV),
			SendInvitations: true,
		})
		if err != nil {
			t.Fatalf("CreateImportJob: %v", err)
		}
		if job.Status != models.ImportJobStatusQueued {
			t.Fatalf("new job status = %s, want QUEUED", job.Status)
		}
		if job.TaskId == nil || *job.TaskId == "" {
			t.Fatal("expected a task id after dispatch")
		}

		runImportTask(t, worker, job.ID, tenantId)

		done, err := models.GetImportJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetImportJob: %v", err)
		}
		if done.Status != models.ImportJobStatusCompleted {
			t.Fatalf("job status = %s, want COMPLETED (error: %v)", done.Status, done.ErrorMessage)
		}
		if done.TotalRecords != 4 || done.CreatedCount != 3 || done.FailedCount != 1 || done.SkippedCount != 0 {
			t.Fatalf("counters total=%d created=%d failed=%d skipped=%d",
				done.TotalRecords, done.CreatedCount, done.FailedCount, done.SkippedCount)
		}
		if done.CreatedCount+done.FailedCount+done.SkippedCount != done.TotalRecords {
			t.Fatal("counter invariant violated")
		}
		if done.ProcessingStart == nil || done.ProcessingEnd == nil || done.DurationSeconds == nil {
			t.Fatal("expected processing interval recorded")
		}
		rowErrors := done.DecodedRowErrors()
		if len(rowErrors) != 1 || rowErrors[0].Row != 3 {
			t.Fatalf("expected one diagnostic for row 3, got %+v", rowErrors)
		}

		var candidateCount int64
		if err := db.Model(&models.Candidate{}).Where("tenant_id = ?", tenantId).Count(&candidateCount).Error; err != nil {
			t.Fatalf("count candidates: %v", err)
		}
		if candidateCount != 3 {
			t.Fatalf("expected 3 candidates, got %d", candidateCount)
		}

		var invitationCount int64
		if err := db.Model(&models.EmailQueue{}).
			Where("tenant_id = ? AND email_type = ?", tenantId, models.EmailTypeInterviewInvitation).
			Count(&invitationCount).Error; err != nil {
			t.Fatalf("count invitations: %v", err)
		}
		if invitationCount != 3 {
			t.Fatalf("expected one invitation per created candidate, got %d", invitationCount)
		}
	})

	t.Run("re-importing the same file skips all duplicates", func(t *testing.T) {
		job, err := importer.CreateImportJob(ctx, rt, &importer.NewImportJob{
			FileName: "candidates.csv",
			FileData: []byte(pipelineCSV),
		})
		if err != nil {
			t.Fatalf("CreateImportJob: %v", err)
		}
		runImportTask(t, worker, job.ID, tenantId)

		done, err := models.GetImportJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetImportJob: %v", err)
		}
		if done.CreatedCount != 0 || done.SkippedCount != 3 || done.FailedCount != 1 {
			t.Fatalf("counters created=%d skipped=%d failed=%d, want 0/3/1",
				done.CreatedCount, done.SkippedCount, done.FailedCount)
		}

		var candidateCount int64
		_ = db.Model(&models.Candidate{}).Where("tenant_id = ?", tenantId).Count(&candidateCount).Error
		if candidateCount != 3 {
			t.Fatalf("duplicate run must not insert, got %d candidates", candidateCount)
		}
	})

	t.Run("third concurrent import is rejected", func(t *testing.T) {
		var blockers []models.ImportJob
		for i := 0; i < 2; i++ {
			blocker := models.ImportJob{
				TenantId:   tenantId,
				FileName:   fmt.Sprintf("blocker-%d.csv", i),
				FileSize:   1,
				FileFormat: models.ImportFileFormatCSV,
				FileData:   []byte("email,first_name,last_name\n"),
				Status:     models.ImportJobStatusQueued,
			}
			if err := db.Create(&blocker).Error; err != nil {
				t.Fatalf("seed blocker job: %v", err)
			}
			blockers = append(blockers, blocker)
		}
		t.Cleanup(func() {
			for _, b := range blockers {
				_ = db.Model(&models.ImportJob{}).Where("id = ?", b.ID).
					Update("status", models.ImportJobStatusCancelled).Error
			}
		})

		_, err := importer.CreateImportJob(ctx, rt, &importer.NewImportJob{
			FileName: "third.csv",
			FileData: []byte(pipelineCSV),
		})
		var tooMany *importer.TooManyActiveImportsError
		if !errors.As(err, &tooMany) {
			t.Fatalf("expected TooManyActiveImportsError, got %v", err)
		}
		if tooMany.ActiveCount < 2 {
			t.Fatalf("expected at least 2 active jobs reported, got %d", tooMany.ActiveCount)
		}

		// Other tenants are unaffected by this tenant's ceiling.
		otherCtx := utils.SetTenantIdInContext(context.Background(), "tenant-b")
		otherJob, err := importer.CreateImportJob(otherCtx, rt, &importer.NewImportJob{
			FileName: "other.csv",
			FileData: []byte(pipelineCSV),
		})
		if err != nil {
			t.Fatalf("other tenant submission: %v", err)
		}
		_ = db.Model(&models.ImportJob{}).Where("id = ?", otherJob.ID).
			Update("status", models.ImportJobStatusCancelled).Error
	})

	t.Run("cancelled job is not processed", func(t *testing.T) {
		job, err := importer.CreateImportJob(ctx, rt, &importer.NewImportJob{
			FileName: "cancelme.csv",
			FileData: []byte("email,first_name,last_name\nnew.person@other.org,New,Person\n"),
		})
		if err != nil {
			t.Fatalf("CreateImportJob: %v", err)
		}

		cancelled, err := models.CancelImportJob(ctx, job.ID)
		if err != nil || !cancelled {
			t.Fatalf("CancelImportJob = %v, %v", cancelled, err)
		}
		// Cancelling again reports false: the job is already terminal.
		again, err := models.CancelImportJob(ctx, job.ID)
		if err != nil || again {
			t.Fatalf("second cancel = %v, %v, want false", again, err)
		}

		runImportTask(t, worker, job.ID, tenantId)

		done, _ := models.GetImportJob(ctx, job.ID)
		if done.Status != models.ImportJobStatusCancelled {
			t.Fatalf("status = %s, want CANCELLED to stick", done.Status)
		}
		var count int64
		_ = db.Model(&models.Candidate{}).Where("tenant_id = ? AND email = ?", tenantId, "new.person@other.org").Count(&count).Error
		if count != 0 {
			t.Fatal("cancelled job must not insert candidates")
		}
	})

	t.Run("processing claim loses against a committed cancellation", func(t *testing.T) {
		job, err := importer.CreateImportJob(ctx, rt, &importer.NewImportJob{
			FileName: "race.csv",
			FileData: []byte("email,first_name,last_name\nrace.person@other.org,Race,Person\n"),
		})
		if err != nil {
			t.Fatalf("CreateImportJob: %v", err)
		}

		// Simulates the worker having loaded the row right before the
		// cancellation committed: the claim must not resurrect the job.
		cancelled, err := models.CancelImportJob(ctx, job.ID)
		if err != nil || !cancelled {
			t.Fatalf("CancelImportJob = %v, %v", cancelled, err)
		}

		start := time.Now().UTC()
		claimed, err := models.MarkImportJobProcessing(ctx, db, job.ID, &start)
		if err != nil {
			t.Fatalf("MarkImportJobProcessing: %v", err)
		}
		if claimed {
			t.Fatal("claim must refuse a cancelled job")
		}

		done, _ := models.GetImportJob(ctx, job.ID)
		if done.Status != models.ImportJobStatusCancelled {
			t.Fatalf("status = %s, want CANCELLED to stick", done.Status)
		}
	})

	t.Run("malformed file fails terminally", func(t *testing.T) {
		job, err := importer.CreateImportJob(ctx, rt, &importer.NewImportJob{
			FileName: "broken.csv",
			FileData: []byte("email,name\nmissing@required.cols,X\n"),
		})
		if err != nil {
			t.Fatalf("CreateImportJob: %v", err)
		}
		runImportTask(t, worker, job.ID, tenantId)

		done, _ := models.GetImportJob(ctx, job.ID)
		if done.Status != models.ImportJobStatusFailed {
			t.Fatalf("status = %s, want FAILED", done.Status)
		}
		if done.ErrorMessage == nil || !strings.Contains(*done.ErrorMessage, "missing required columns") {
			t.Fatalf("expected missing-columns error message, got %v", done.ErrorMessage)
		}
	})

	t.Run("transient send failures exhaust the retry budget", func(t *testing.T) {
		id, err := mailer.Enqueue(ctx, dispatcher, &models.NewEmailQueue{
			RecipientEmail: "retry.me@acme.com",
			Subject:        "Interview reminder",
			EmailType:      models.EmailTypeInterviewReminder,
			Priority:       models.EmailPriorityMedium,
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		deliveryWorker := mailer.NewDeliveryWorker(&failingProvider{err: errors.New("smtp timeout")}, logger)
		payload, _ := json.Marshal(mailer.EmailTaskPayload{EmailId: id, TenantId: tenantId})

		// Attempts 1 and 2 nack for redelivery; attempt 3 settles FAILED.
		for attempt := 1; attempt <= 2; attempt++ {
			if err := deliveryWorker.Handle(ctx, payload); err == nil {
				t.Fatalf("attempt %d: expected redeliver error", attempt)
			}
			email, _ := models.GetEmailQueue(ctx, id)
			if email.Status != models.EmailStatusQueued || email.RetryCount != attempt {
				t.Fatalf("attempt %d: status=%s retry_count=%d", attempt, email.Status, email.RetryCount)
			}
			if email.NextAttemptAt == nil {
				t.Fatalf("attempt %d: expected next_attempt_at set", attempt)
			}
		}
		if err := deliveryWorker.Handle(ctx, payload); err != nil {
			t.Fatalf("final attempt must ack, got %v", err)
		}

		email, _ := models.GetEmailQueue(ctx, id)
		if email.Status != models.EmailStatusFailed {
			t.Fatalf("status = %s, want FAILED", email.Status)
		}
		if email.RetryCount != email.MaxRetries {
			t.Fatalf("retry_count=%d must equal max_retries=%d", email.RetryCount, email.MaxRetries)
		}
		if email.SentAt != nil {
			t.Fatal("failed email must have null sent_at")
		}
		if email.ErrorMessage == nil || !strings.Contains(*email.ErrorMessage, "smtp timeout") {
			t.Fatalf("expected last error recorded, got %v", email.ErrorMessage)
		}

		// Settled task: a duplicate delivery is a no-op.
		if err := deliveryWorker.Handle(ctx, payload); err != nil {
			t.Fatalf("duplicate delivery must ack, got %v", err)
		}
	})

	t.Run("permanent reject marks INVALID without retries", func(t *testing.T) {
		id, err := mailer.Enqueue(ctx, dispatcher, &models.NewEmailQueue{
			RecipientEmail: "gone.address@acme.com",
			Subject:        "Status update",
			EmailType:      models.EmailTypeStatusUpdate,
			Priority:       models.EmailPriorityHigh,
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		deliveryWorker := mailer.NewDeliveryWorker(
			&failingProvider{err: fmt.Errorf("suppressed: %w", mailer.ErrPermanentReject)}, logger)
		payload, _ := json.Marshal(mailer.EmailTaskPayload{EmailId: id, TenantId: tenantId})
		if err := deliveryWorker.Handle(ctx, payload); err != nil {
			t.Fatalf("permanent reject must ack, got %v", err)
		}

		email, _ := models.GetEmailQueue(ctx, id)
		if email.Status != models.EmailStatusInvalid {
			t.Fatalf("status = %s, want INVALID", email.Status)
		}
		if email.RetryCount != 0 {
			t.Fatalf("permanent reject must not consume retries, got %d", email.RetryCount)
		}
	})

	t.Run("successful send records provider id and sent_at", func(t *testing.T) {
		id, err := mailer.Enqueue(ctx, dispatcher, &models.NewEmailQueue{
			RecipientEmail: "lands.fine@acme.com",
			Subject:        "Welcome",
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		deliveryWorker := mailer.NewDeliveryWorker(&mailer.LogProvider{Logger: logger}, logger)
		payload, _ := json.Marshal(mailer.EmailTaskPayload{EmailId: id, TenantId: tenantId})
		if err := deliveryWorker.Handle(ctx, payload); err != nil {
			t.Fatalf("Handle: %v", err)
		}

		email, _ := models.GetEmailQueue(ctx, id)
		if email.Status != models.EmailStatusSent || email.SentAt == nil {
			t.Fatalf("status=%s sent_at=%v, want SENT with timestamp", email.Status, email.SentAt)
		}
		if email.ProviderMessageId == nil || *email.ProviderMessageId == "" {
			t.Fatal("expected provider message id recorded")
		}
	})

	t.Run("bounce tracking forces BOUNCED", func(t *testing.T) {
		id, err := mailer.Enqueue(ctx, dispatcher, &models.NewEmailQueue{
			RecipientEmail: "bouncy@acme.com",
			Subject:        "Hello",
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		tracking, err := models.AppendEmailTracking(ctx, id, "bounce", map[string]interface{}{"code": "550"})
		if err != nil {
			t.Fatalf("AppendEmailTracking: %v", err)
		}
		if tracking.ID == 0 {
			t.Fatal("expected tracking row persisted")
		}

		email, _ := models.GetEmailQueue(ctx, id)
		if email.Status != models.EmailStatusBounced {
			t.Fatalf("status = %s, want BOUNCED", email.Status)
		}
	})

	t.Run("sending claim loses against a committed bounce", func(t *testing.T) {
		id, err := mailer.Enqueue(ctx, dispatcher, &models.NewEmailQueue{
			RecipientEmail: "late.bounce@acme.com",
			Subject:        "Hello",
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		// The bounce callback lands between the worker's load and its claim.
		if _, err := models.AppendEmailTracking(ctx, id, "bounce", nil); err != nil {
			t.Fatalf("AppendEmailTracking: %v", err)
		}

		now := time.Now().UTC()
		claimed, err := models.ClaimEmailForSending(ctx, db, id, &now)
		if err != nil {
			t.Fatalf("ClaimEmailForSending: %v", err)
		}
		if claimed {
			t.Fatal("claim must refuse a bounced row")
		}

		email, _ := models.GetEmailQueue(ctx, id)
		if email.Status != models.EmailStatusBounced {
			t.Fatalf("status = %s, want BOUNCED to stick", email.Status)
		}
	})
}

func runImportTask(t *testing.T, worker *importer.Worker, jobId int, tenantId string) {
	t.Helper()
	payload, _ := json.Marshal(importer.ImportTaskPayload{JobId: jobId, TenantId: tenantId})
	if err := worker.Handle(context.Background(), payload); err != nil {
		t.Fatalf("import worker Handle: %v", err)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("recruit-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("recruit-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=recruit_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
