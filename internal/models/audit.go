package models

import "time"

// Audit events emitted by the enrollment engine.
const (
	AuditEnrollmentCreated             = "ENROLLMENT_CREATED"
	AuditEnrollmentUpdated             = "ENROLLMENT_UPDATED"
	AuditEnrollmentDelisted            = "ENROLLMENT_DELISTED"
	AuditEnrollmentChargeableActivated = "ENROLLMENT_CHARGEABLE_ACTIVATED"
	AuditEnrollmentLocked              = "ENROLLMENT_LOCKED"
	AuditEnrollmentUnlocked            = "ENROLLMENT_UNLOCKED"
	AuditCertificateIssued             = "CERTIFICATE_ISSUED"
	AuditReEnrollmentTriggered         = "REENROLLMENT_TRIGGERED"
	AuditReEnrollmentCompleted         = "REENROLLMENT_COMPLETED"
	AuditOnboardingStepSaved           = "ONBOARDING_STEP_SAVED"
)

// Audit subjects.
const (
	AuditSubjectEnrollment = "enrollment"
	AuditSubjectOnboarding = "onboarding_record"
)

// AuditLog represents an append-only audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	ActorID    *string   `db:"actor_id" json:"actor_id,omitempty"`
	Event      string    `db:"event" json:"event"`
	Subject    string    `db:"subject" json:"subject"`
	SubjectID  string    `db:"subject_id" json:"subject_id"`
	Properties []byte    `db:"properties" json:"properties,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
