package mailer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mmdatafocus/recruit_backend/models"
)

func TestDecideDelivery_Success(t *testing.T) {
	d := decideDelivery(2, 3, nil)
	if d.Status != models.EmailStatusSent {
		t.Fatalf("expected SENT, got %s", d.Status)
	}
	if d.RetryCount != 2 {
		t.Fatalf("success must not bump retry_count, got %d", d.RetryCount)
	}
	if d.Redeliver {
		t.Fatal("success must not redeliver")
	}
}

func TestDecideDelivery_PermanentRejectShortCircuits(t *testing.T) {
	d := decideDelivery(0, 3, fmt.Errorf("provider said no: %w", ErrPermanentReject))
	if d.Status != models.EmailStatusInvalid {
		t.Fatalf("expected INVALID, got %s", d.Status)
	}
	if d.Redeliver {
		t.Fatal("permanent reject must not redeliver")
	}
	if d.RetryCount != 0 {
		t.Fatalf("permanent reject must not consume retry budget, got %d", d.RetryCount)
	}
}

func TestDecideDelivery_TransientRetriesThenFails(t *testing.T) {
	transient := errors.New("connection reset")

	d := decideDelivery(0, 3, transient)
	if d.Status != models.EmailStatusQueued || !d.Redeliver || d.RetryCount != 1 {
		t.Fatalf("attempt 1: expected QUEUED/redeliver/rc=1, got %+v", d)
	}

	d = decideDelivery(1, 3, transient)
	if d.Status != models.EmailStatusQueued || !d.Redeliver || d.RetryCount != 2 {
		t.Fatalf("attempt 2: expected QUEUED/redeliver/rc=2, got %+v", d)
	}

	// Third failure exhausts the budget: retry_count reaches max_retries
	// and never exceeds it.
	d = decideDelivery(2, 3, transient)
	if d.Status != models.EmailStatusFailed {
		t.Fatalf("attempt 3: expected FAILED, got %s", d.Status)
	}
	if d.Redeliver {
		t.Fatal("exhausted budget must not redeliver")
	}
	if d.RetryCount != 3 {
		t.Fatalf("retry_count must equal max_retries, got %d", d.RetryCount)
	}
}

func TestDecideDelivery_ZeroBudgetFailsImmediately(t *testing.T) {
	d := decideDelivery(0, 0, errors.New("boom"))
	if d.Status != models.EmailStatusFailed || d.Redeliver {
		t.Fatalf("max_retries=0 must fail on first error, got %+v", d)
	}
}
