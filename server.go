package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/recruit_backend/config"
	"github.com/mmdatafocus/recruit_backend/importer"
	"github.com/mmdatafocus/recruit_backend/mailer"
	"github.com/mmdatafocus/recruit_backend/models"
	"github.com/mmdatafocus/recruit_backend/taskqueue"
	"github.com/mmdatafocus/recruit_backend/utils"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("recruit-backend")

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// PubSubMessage is the push-delivery envelope Pub/Sub wraps around the task
// payload for HTTP push subscriptions.
type PubSubMessage struct {
	Message struct {
		Data       []byte            `json:"data,omitempty"`
		ID         string            `json:"id"`
		Attributes map[string]string `json:"attributes,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// tenantMiddleware lifts gateway-forwarded identity headers into the request
// context. Full user auth lives upstream; this service trusts x-tenant-id.
func tenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := strings.TrimSpace(c.GetHeader("x-tenant-id"))
		if tenantId == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "x-tenant-id header is required"})
			return
		}
		ctx := utils.SetTenantIdInContext(c.Request.Context(), tenantId)
		if userId, err := strconv.Atoi(strings.TrimSpace(c.GetHeader("x-user-id"))); err == nil {
			ctx = utils.SetUserIdInContext(ctx, userId)
		}
		if userName := strings.TrimSpace(c.GetHeader("x-user-name")); userName != "" {
			ctx = utils.SetUserNameInContext(ctx, userName)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// taskPushHandler receives Pub/Sub push deliveries for every task queue and
// routes them to the matching worker. A non-2xx response tells Pub/Sub to
// redeliver (and eventually dead-letter).
func taskPushHandler(importWorker *importer.Worker, deliveryWorker *mailer.DeliveryWorker) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		claim, err := validatePushToken(c.Query("token"))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "taskPushHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		var msg PubSubMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "taskPushHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}

		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = msg.Message.ID
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), cid)
		ctx, span := tracer.Start(ctx, "server.PushTask")
		defer span.End()

		var handlerErr error
		switch claim.Queue {
		case importer.ImportQueue:
			handlerErr = importWorker.Handle(ctx, msg.Message.Data)
		case mailer.QueueHigh, mailer.QueueDefault, mailer.QueueLow:
			handlerErr = deliveryWorker.Handle(ctx, msg.Message.Data)
		default:
			config.LogError(logger, "server.go", "taskPushHandler", "unknown queue", claim.Queue, errors.New("no handler registered"))
			c.Status(http.StatusNoContent)
			return
		}

		if handlerErr != nil {
			logger.WithFields(logrus.Fields{
				"module":         "server",
				"queue":          claim.Queue,
				"message_id":     msg.Message.ID,
				"correlation_id": cid,
			}).Error("push task processing failed: " + handlerErr.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func validatePushToken(token string) (*utils.PushClaim, error) {
	if token == "" {
		return nil, errors.New("token is required")
	}
	parsed, err := utils.PushTokenValidate(token)
	if err != nil || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	claim, ok := parsed.Claims.(*utils.PushClaim)
	if !ok || claim.Queue == "" {
		return nil, jwt.NewValidationError("queue claim missing", jwt.ValidationErrorClaimsInvalid)
	}
	return claim, nil
}

const maxImportFileSize = 20 << 20 // 20 MB

func importJobCreateHandler(rt taskqueue.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		if fileHeader.Size > maxImportFileSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file exceeds the 20MB limit"})
			return
		}

		f, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read file"})
			return
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read file"})
			return
		}

		input := &importer.NewImportJob{
			FileName:        fileHeader.Filename,
			FileData:        data,
			SendInvitations: strings.EqualFold(c.PostForm("send_invitations"), "true"),
			DefaultSource:   strings.TrimSpace(c.PostForm("default_source")),
			NotifyEmail:     strings.TrimSpace(c.PostForm("notify_email")),
		}

		job, err := importer.CreateImportJob(c.Request.Context(), rt, input)
		if err != nil {
			var tooMany *importer.TooManyActiveImportsError
			if errors.As(err, &tooMany) {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, job)
	}
}

func importJobGetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		job, err := models.GetImportJob(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"job":        job,
			"row_errors": job.DecodedRowErrors(),
		})
	}
}

func importJobCancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		ctx := c.Request.Context()
		tenantId, _ := utils.GetTenantIdFromContext(ctx)
		if err := utils.ValidateResourceId[models.ImportJob](ctx, tenantId, id); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "import job not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cancelled, err := models.CancelImportJob(ctx, id)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !cancelled {
			c.JSON(http.StatusConflict, gin.H{"error": "job is already in a terminal state"})
			return
		}
		fields := logrus.Fields{"module": "server", "job_id": id, "tenant_id": tenantId}
		if userId, ok := utils.GetUserIdFromContext(ctx); ok {
			fields["user_id"] = userId
		}
		if userName, ok := utils.GetUserNameFromContext(ctx); ok {
			fields["user_name"] = userName
		}
		config.GetLogger().WithFields(fields).Info("import job cancellation requested")
		c.JSON(http.StatusOK, gin.H{"id": id, "status": models.ImportJobStatusCancelled})
	}
}

func importJobStatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		windowHours := 24
		if v := strings.TrimSpace(c.Query("window_hours")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 24*90 {
				windowHours = n
			}
		}
		stats, err := models.ComputeImportStats(c.Request.Context(), time.Duration(windowHours)*time.Hour)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func emailEnqueueHandler(dispatcher *mailer.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewEmailQueue
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}
		id, err := mailer.Enqueue(c.Request.Context(), dispatcher, &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id, "status": models.EmailStatusQueued})
	}
}

type bulkEmailRequest struct {
	Recipients []string             `json:"recipients" binding:"required,min=1"`
	Email      models.NewEmailQueue `json:"email"`
}

func emailEnqueueBulkHandler(dispatcher *mailer.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bulkEmailRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}
		ids, err := mailer.EnqueueBulk(c.Request.Context(), dispatcher, req.Recipients, &req.Email)
		if len(ids) == 0 && err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp := gin.H{"ids": ids, "queued": len(ids)}
		if err != nil {
			resp["partial_errors"] = err.Error()
		}
		c.JSON(http.StatusAccepted, resp)
	}
}

func emailGetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		email, err := models.GetEmailQueue(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, email)
	}
}

type trackingEventRequest struct {
	EventType string                 `json:"event_type" binding:"required"`
	EventData map[string]interface{} `json:"event_data"`
}

func emailTrackingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		var req trackingEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}
		tracking, err := models.AppendEmailTracking(c.Request.Context(), id, req.EventType, req.EventData)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, tracking)
	}
}

// buildRuntime picks the task transport: Pub/Sub when a project is
// configured, otherwise the in-process fallback for local/dev.
func buildRuntime(logger *logrus.Logger) taskqueue.Runtime {
	if os.Getenv("PUBSUB_PROJECT_ID") != "" || os.Getenv("GOOGLE_CLOUD_PROJECT") != "" || os.Getenv("GCP_PROJECT") != "" {
		retention := mailer.QueueTTLs()
		retention[importer.ImportQueue] = 24 * time.Hour
		return taskqueue.NewPubSubRuntime(logger, retention)
	}
	logger.WithFields(logrus.Fields{"module": "server"}).Warn("no Pub/Sub project configured; using in-process task runtime")
	return taskqueue.NewInProcessRuntime()
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate app endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production require an explicit allowlist; allow all otherwise.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-tenant-id", "x-user-id", "x-user-name", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(config.IntFromEnv("RATE_LIMIT_MAX_REQUESTS", 600))
		window := time.Duration(config.IntFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
		rateLimiter := NewRateLimiter(client, limit, window)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	rt := buildRuntime(logger)
	dispatcher := mailer.NewDispatcher(rt, logger)
	deliveryWorker := mailer.NewDeliveryWorker(mailer.NewProviderFromEnv(logger), logger)
	var importWorker *importer.Worker // needs the DB; built after connect

	api := r.Group("/api", tenantMiddleware())
	api.POST("/import-jobs", importJobCreateHandler(rt))
	api.GET("/import-jobs/stats", importJobStatsHandler())
	api.GET("/import-jobs/:id", importJobGetHandler())
	api.POST("/import-jobs/:id/cancel", importJobCancelHandler())
	api.POST("/emails", emailEnqueueHandler(dispatcher))
	api.POST("/emails/bulk", emailEnqueueBulkHandler(dispatcher))
	api.GET("/emails/:id", emailGetHandler())
	api.POST("/emails/:id/tracking", emailTrackingHandler())

	// Pub/Sub push deliveries land here; routing is by the token's queue claim.
	r.POST("/push/tasks", func(c *gin.Context) {
		if importWorker == nil {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		taskPushHandler(importWorker, deliveryWorker)(c)
	})

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow disabling on startup
	// and running migrations as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	importWorker = importer.NewWorker(db, logger, dispatcher)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	// Subscribing workers are optional here: production runs them as a
	// separate service (cmd/email-worker) or via push subscriptions.
	if envBoolDefault("WORKERS_ENABLED", true) {
		importWorker.Run(workerCtx, rt)
		deliveryWorker.Run(workerCtx, rt)
	}
	if shouldRunDirectEmailProcessor() {
		go NewEmailDirectProcessor(db, logger, deliveryWorker.Provider).Run(workerCtx)
	}
	go NewEmailReconciler(db, logger, dispatcher).Run(workerCtx)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// IP-based rate limiting.
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envBoolDefault(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "true" {
		return true
	}
	if v == "false" {
		return false
	}
	return def
}
