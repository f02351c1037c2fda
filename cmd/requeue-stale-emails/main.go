package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/recruit_backend/config"
	"github.com/mmdatafocus/recruit_backend/models"
	"gorm.io/gorm"
)

// One-shot ops tool: resets emails stuck in SENDING (worker died mid-attempt)
// back to QUEUED, and optionally reopens FAILED emails for another retry
// round. The running reconciler picks the rows up afterwards.
func main() {
	tenantID := flag.String("tenant-id", "", "Limit the sweep to one tenant (optional)")
	stuckMinutes := flag.Int("stuck-minutes", 10, "SENDING rows locked longer than this are reset")
	reopenFailed := flag.Bool("reopen-failed", false, "Also reset FAILED rows to QUEUED with retry_count=0")
	dryRun := flag.Bool("dry-run", true, "Show counts only (no writes)")
	confirm := flag.String("confirm", "", "Type REQUEUE to proceed when dry-run=false")
	flag.Parse()

	if !*dryRun && strings.TrimSpace(*confirm) != "REQUEUE" {
		fmt.Fprintln(os.Stderr, "set --confirm=REQUEUE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	cutoff := time.Now().UTC().Add(-time.Duration(*stuckMinutes) * time.Minute)

	// Session() makes the condition chains reusable for Count then Updates.
	stuck := db.Model(&models.EmailQueue{}).
		Where("status = ? AND locked_at IS NOT NULL AND locked_at <= ?", models.EmailStatusSending, cutoff)
	failed := db.Model(&models.EmailQueue{}).
		Where("status = ?", models.EmailStatusFailed)
	if strings.TrimSpace(*tenantID) != "" {
		stuck = stuck.Where("tenant_id = ?", *tenantID)
		failed = failed.Where("tenant_id = ?", *tenantID)
	}
	stuck = stuck.Session(&gorm.Session{})
	failed = failed.Session(&gorm.Session{})

	var stuckCount, failedCount int64
	if err := stuck.Count(&stuckCount).Error; err != nil {
		fmt.Fprintf(os.Stderr, "count failed: %v\n", err)
		os.Exit(1)
	}
	if *reopenFailed {
		if err := failed.Count(&failedCount).Error; err != nil {
			fmt.Fprintf(os.Stderr, "count failed: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("stuck SENDING rows: %d\n", stuckCount)
	if *reopenFailed {
		fmt.Printf("FAILED rows to reopen: %d\n", failedCount)
	}
	if *dryRun {
		fmt.Println("dry-run: no changes made")
		return
	}

	now := time.Now().UTC()
	res := stuck.Updates(map[string]interface{}{
		"status":          models.EmailStatusQueued,
		"locked_at":       nil,
		"locked_by":       nil,
		"next_attempt_at": &now,
	})
	if res.Error != nil {
		fmt.Fprintf(os.Stderr, "requeue failed: %v\n", res.Error)
		os.Exit(1)
	}
	fmt.Printf("requeued %d stuck emails\n", res.RowsAffected)

	if *reopenFailed {
		res = failed.Updates(map[string]interface{}{
			"status":          models.EmailStatusQueued,
			"retry_count":     0,
			"error_message":   nil,
			"next_attempt_at": &now,
		})
		if res.Error != nil {
			fmt.Fprintf(os.Stderr, "reopen failed: %v\n", res.Error)
			os.Exit(1)
		}
		fmt.Printf("reopened %d failed emails\n", res.RowsAffected)
	}
}
