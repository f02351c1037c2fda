package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Candidate struct {
	ID             int              `gorm:"primary_key" json:"id"`
	TenantId       string           `gorm:"size:64;not null;index;uniqueIndex:idx_candidate_tenant_email,priority:1" json:"tenant_id"`
	Email          string           `gorm:"size:255;not null;uniqueIndex:idx_candidate_tenant_email,priority:2" json:"email"`
	FirstName      string           `gorm:"size:100;not null" json:"first_name"`
	LastName       string           `gorm:"size:100;not null" json:"last_name"`
	Phone          string           `gorm:"size:50" json:"phone"`
	Company        string           `gorm:"size:255" json:"company"`
	JobTitle       string           `gorm:"size:255" json:"job_title"`
	Source         CandidateSource  `gorm:"size:20" json:"source"`
	ExpectedSalary *decimal.Decimal `gorm:"type:decimal(14,2)" json:"expected_salary"`
	ImportJobId    *int             `gorm:"index" json:"import_job_id"`
	CreatedAt      time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// CandidateEmailExists is the duplicate check behind import idempotence:
// re-running a batch can only ever skip, never double-insert. It runs on the
// caller's handle so the check shares the import batch transaction.
func CandidateEmailExists(db *gorm.DB, tenantId string, email string) (bool, error) {
	var count int64
	err := db.Model(&Candidate{}).
		Where("tenant_id = ? AND email = ?", tenantId, email).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
