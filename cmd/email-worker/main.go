package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mmdatafocus/recruit_backend/config"
	"github.com/mmdatafocus/recruit_backend/importer"
	"github.com/mmdatafocus/recruit_backend/mailer"
	"github.com/mmdatafocus/recruit_backend/taskqueue"
	"github.com/sirupsen/logrus"
)

// Standalone worker service: subscribes to the import queue and the three
// email queues over Pub/Sub. Run this when the API service has
// WORKERS_ENABLED=false so delivery capacity scales independently of HTTP.
func main() {
	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Panic("database not initialized")
	}

	retention := mailer.QueueTTLs()
	retention[importer.ImportQueue] = 24 * time.Hour
	rt := taskqueue.NewPubSubRuntime(logger, retention)

	dispatcher := mailer.NewDispatcher(rt, logger)
	deliveryWorker := mailer.NewDeliveryWorker(mailer.NewProviderFromEnv(logger), logger)
	importWorker := importer.NewWorker(db, logger, dispatcher)

	importWorker.Run(sigCtx, rt)
	deliveryWorker.Run(sigCtx, rt)

	logger.WithFields(logrus.Fields{
		"queues": []string{importer.ImportQueue, mailer.QueueHigh, mailer.QueueDefault, mailer.QueueLow},
	}).Info("worker started")

	<-sigCtx.Done()
	logger.Info("shutting down worker")
	// Give in-flight handlers a moment to settle before the process exits.
	time.Sleep(2 * time.Second)
}
