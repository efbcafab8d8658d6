package dto

import (
	"time"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
)

// OnboardingRecordView is an onboarding record with its derived state.
type OnboardingRecordView struct {
	Record *models.OnboardingRecord `json:"record"`
	State  models.OnboardingState   `json:"state"`
}

// OnboardingStepResult is returned after a step is saved.
type OnboardingStepResult struct {
	EnrollmentKey string                 `json:"enrollment_key"`
	Step          int                    `json:"step"`
	State         models.OnboardingState `json:"state"`
	Completed     bool                   `json:"completed"`
	Agreement     *AgreementDocumentLink `json:"agreement,omitempty"`
	ChangedFields []string               `json:"changed_fields,omitempty"`
	AuditNote     string                 `json:"audit_note,omitempty"`
	Warnings      []Warning              `json:"warnings,omitempty"`
}

// AgreementDocumentLink points at the stored agreement PDF.
type AgreementDocumentLink struct {
	Path      string    `json:"path"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
