package importer

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/recruit_backend/config"
	"github.com/mmdatafocus/recruit_backend/models"
)

// Per-tenant admission control. This is a soft limit: the COUNT and the job
// insert are not one atomic unit, so two racing submissions can both pass.
// The submission path narrows the window with a short Redis lock, but
// correctness never depends on it: slight under-enforcement is acceptable,
// a global lock is not.

type TooManyActiveImportsError struct {
	ActiveCount   int64
	MaxConcurrent int
}

func (e *TooManyActiveImportsError) Error() string {
	return fmt.Sprintf("tenant already has %d active import jobs (limit %d); retry once one finishes",
		e.ActiveCount, e.MaxConcurrent)
}

func DefaultMaxConcurrentImports() int {
	return config.IntFromEnv("IMPORT_MAX_CONCURRENT_JOBS", 2)
}

// CheckAndReserve reports whether the tenant may submit another import job.
// Advisory only, it mutates nothing.
func CheckAndReserve(ctx context.Context, tenantId string, maxConcurrent int) (bool, int64, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentImports()
	}
	active, err := models.CountActiveImportJobs(ctx, tenantId)
	if err != nil {
		return false, 0, err
	}
	return active < int64(maxConcurrent), active, nil
}
