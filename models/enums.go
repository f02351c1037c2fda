package models

// Import job lifecycle. Forward-only: QUEUED -> PROCESSING -> COMPLETED|FAILED.
// CANCELLED is reachable from QUEUED or PROCESSING only.
type ImportJobStatus string

const (
	ImportJobStatusQueued     ImportJobStatus = "QUEUED"
	ImportJobStatusProcessing ImportJobStatus = "PROCESSING"
	ImportJobStatusCompleted  ImportJobStatus = "COMPLETED"
	ImportJobStatusFailed     ImportJobStatus = "FAILED"
	ImportJobStatusCancelled  ImportJobStatus = "CANCELLED"
)

func (s ImportJobStatus) IsTerminal() bool {
	switch s {
	case ImportJobStatusCompleted, ImportJobStatusFailed, ImportJobStatusCancelled:
		return true
	}
	return false
}

func (s ImportJobStatus) CanTransitionTo(next ImportJobStatus) bool {
	switch s {
	case ImportJobStatusQueued:
		return next == ImportJobStatusProcessing || next == ImportJobStatusFailed || next == ImportJobStatusCancelled
	case ImportJobStatusProcessing:
		return next == ImportJobStatusCompleted || next == ImportJobStatusFailed || next == ImportJobStatusCancelled
	}
	return false
}

type ImportFileFormat string

const (
	ImportFileFormatCSV  ImportFileFormat = "csv"
	ImportFileFormatXLSX ImportFileFormat = "xlsx"
	ImportFileFormatXLS  ImportFileFormat = "xls"
)

// Email delivery lifecycle.
type EmailStatus string

const (
	EmailStatusQueued  EmailStatus = "QUEUED"
	EmailStatusSending EmailStatus = "SENDING"
	EmailStatusSent    EmailStatus = "SENT"
	EmailStatusFailed  EmailStatus = "FAILED"
	EmailStatusBounced EmailStatus = "BOUNCED"
	EmailStatusInvalid EmailStatus = "INVALID"
)

func (s EmailStatus) IsTerminal() bool {
	switch s {
	case EmailStatusSent, EmailStatusFailed, EmailStatusBounced, EmailStatusInvalid:
		return true
	}
	return false
}

type EmailPriority string

const (
	EmailPriorityHigh   EmailPriority = "HIGH"
	EmailPriorityMedium EmailPriority = "MEDIUM"
	EmailPriorityLow    EmailPriority = "LOW"
)

type EmailType string

const (
	EmailTypeInterviewInvitation EmailType = "INTERVIEW_INVITATION"
	EmailTypeInterviewReminder   EmailType = "INTERVIEW_REMINDER"
	EmailTypeStatusUpdate        EmailType = "STATUS_UPDATE"
	EmailTypeBulkImportSummary   EmailType = "BULK_IMPORT_SUMMARY"
	EmailTypeGeneric             EmailType = "GENERIC"
)

func (t EmailType) IsValid() bool {
	switch t {
	case EmailTypeInterviewInvitation, EmailTypeInterviewReminder,
		EmailTypeStatusUpdate, EmailTypeBulkImportSummary, EmailTypeGeneric:
		return true
	}
	return false
}

type CandidateSource string

const (
	CandidateSourceDirect   CandidateSource = "DIRECT"
	CandidateSourceReferral CandidateSource = "REFERRAL"
	CandidateSourceAgency   CandidateSource = "AGENCY"
	CandidateSourceOrganic  CandidateSource = "ORGANIC"
)
