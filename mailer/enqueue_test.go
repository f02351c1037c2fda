package mailer

import (
	"context"
	"strings"
	"testing"

	"github.com/mmdatafocus/recruit_backend/models"
	"github.com/mmdatafocus/recruit_backend/utils"
)

// All recipients here fail the syntactic gate, so no database or dispatcher
// is ever touched and the independence contract is testable in isolation.
func TestEnqueueBulk_InvalidRecipientsFailIndependently(t *testing.T) {
	ctx := utils.SetTenantIdInContext(context.Background(), "tenant-a")

	recipients := []string{"no-at-sign", "a@b", "x@@y.com"}
	ids, err := EnqueueBulk(ctx, nil, recipients, &models.NewEmailQueue{Subject: "hello"})
	if len(ids) != 0 {
		t.Fatalf("expected no ids, got %v", ids)
	}
	if err == nil {
		t.Fatal("expected a joined error")
	}
	for _, recipient := range recipients {
		if !strings.Contains(err.Error(), recipient) {
			t.Errorf("error does not name %q: %v", recipient, err)
		}
	}
}

func TestEnqueueBulk_DuplicateRecipientsCollapse(t *testing.T) {
	ctx := utils.SetTenantIdInContext(context.Background(), "tenant-a")

	ids, err := EnqueueBulk(ctx, nil,
		[]string{"no-at-sign", "no-at-sign", "no-at-sign"},
		&models.NewEmailQueue{Subject: "hello"})
	if len(ids) != 0 {
		t.Fatalf("expected no ids, got %v", ids)
	}
	if err == nil {
		t.Fatal("expected a joined error")
	}
	if got := strings.Count(err.Error(), "no-at-sign"); got != 1 {
		t.Fatalf("expected one entry for the deduplicated recipient, got %d: %v", got, err)
	}
}

func TestEnqueueBulk_MissingTenant(t *testing.T) {
	ids, err := EnqueueBulk(context.Background(), nil,
		[]string{"no-at-sign"}, &models.NewEmailQueue{Subject: "hello"})
	if len(ids) != 0 || err == nil {
		t.Fatalf("expected failure without a tenant, got ids=%v err=%v", ids, err)
	}
	if !strings.Contains(err.Error(), "tenant id is required") {
		t.Fatalf("unexpected error: %v", err)
	}
}
