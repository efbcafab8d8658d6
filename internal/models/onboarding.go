package models

import (
	"database/sql/driver"
	"time"
)

// BaseEnrollmentKey is the key of a student's first onboarding record.
const BaseEnrollmentKey = "onboard"

// OnboardingState is derived from is_active, archived_at and step-6 presence.
type OnboardingState string

// Onboarding record states.
const (
	OnboardingStateBuilding       OnboardingState = "BUILDING"
	OnboardingStateActiveComplete OnboardingState = "ACTIVE_COMPLETE"
	OnboardingStateArchived       OnboardingState = "ARCHIVED"
)

// OnboardingRecord is one versioned onboarding questionnaire/agreement of a student.
type OnboardingRecord struct {
	ID            string          `db:"id" json:"id"`
	StudentID     string          `db:"student_id" json:"student_id"`
	EnrollmentKey string          `db:"enrollment_key" json:"enrollment_key"`
	IsActive      bool            `db:"is_active" json:"is_active"`
	RenewsKey     *string         `db:"renews_key" json:"renews_key,omitempty"`
	Value         OnboardingSteps `db:"value" json:"value"`
	ArchivedAt    *time.Time      `db:"archived_at" json:"archived_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// IsComplete reports whether the agreement step has been signed.
func (r *OnboardingRecord) IsComplete() bool {
	return r.Value.Step6 != nil && r.Value.Step6.SignedOn != nil
}

// IsRenewalDraft reports whether the record is an inactive renewal still being built.
func (r *OnboardingRecord) IsRenewalDraft() bool {
	return !r.IsActive && r.ArchivedAt == nil
}

// State derives the workflow state of the record.
func (r *OnboardingRecord) State() OnboardingState {
	switch {
	case r.IsActive && r.IsComplete():
		return OnboardingStateActiveComplete
	case r.IsActive, r.IsRenewalDraft():
		return OnboardingStateBuilding
	default:
		return OnboardingStateArchived
	}
}

// SignedOn returns the agreement signature timestamp, if any.
func (r *OnboardingRecord) SignedOn() *time.Time {
	if r.Value.Step6 == nil {
		return nil
	}
	return r.Value.Step6.SignedOn
}

// OnboardingSteps is the step-indexed questionnaire stored as one JSON column.
type OnboardingSteps struct {
	Step1 *Step1PersonalDetails   `json:"step-1,omitempty"`
	Step2 *Step2EmploymentDetails `json:"step-2,omitempty"`
	Step3 *Step3PriorLearning     `json:"step-3,omitempty"`
	Step4 *Step4InitialAssessment `json:"step-4,omitempty"`
	Step5 *Step5Documents         `json:"step-5,omitempty"`
	Step6 *Step6Agreement         `json:"step-6,omitempty"`
}

// Value implements driver.Valuer.
func (s OnboardingSteps) Value() (driver.Value, error) {
	return jsonValue(s)
}

// Scan implements sql.Scanner.
func (s *OnboardingSteps) Scan(src interface{}) error {
	return jsonScan(src, s)
}

// Step1PersonalDetails captures the learner's identity and contact details.
type Step1PersonalDetails struct {
	FirstName    string `json:"first_name" validate:"required,max=100"`
	LastName     string `json:"last_name" validate:"required,max=100"`
	DateOfBirth  string `json:"date_of_birth" validate:"required,datetime=2006-01-02"`
	Email        string `json:"email" validate:"required,email"`
	Phone        string `json:"phone" validate:"omitempty,max=30"`
	AddressLine1 string `json:"address_line_1" validate:"required"`
	AddressLine2 string `json:"address_line_2"`
	City         string `json:"city" validate:"required"`
	Postcode     string `json:"postcode" validate:"required,max=10"`
	NINumber     string `json:"ni_number" validate:"omitempty,len=9,alphanum"`
}

// Step2EmploymentDetails captures the employer side of the agreement.
type Step2EmploymentDetails struct {
	EmployerName        string `json:"employer_name" validate:"required"`
	JobTitle            string `json:"job_title" validate:"required"`
	EmploymentStartDate string `json:"employment_start_date" validate:"required,datetime=2006-01-02"`
	WeeklyHours         int    `json:"weekly_hours" validate:"required,min=1,max=60"`
	ManagerName         string `json:"manager_name"`
	ManagerEmail        string `json:"manager_email" validate:"omitempty,email"`
}

// PriorQualification is one entry of the prior-training record.
type PriorQualification struct {
	Title        string `json:"title" validate:"required"`
	Level        string `json:"level" validate:"required"`
	Awarded      string `json:"awarded" validate:"omitempty,datetime=2006-01-02"`
	Relevant     bool   `json:"relevant"`
	EvidenceNote string `json:"evidence_note"`
}

// Step3PriorLearning is the prior-training record (PTR). It is the only step a
// renewal carries over from the record it supersedes.
type Step3PriorLearning struct {
	Qualifications []PriorQualification `json:"qualifications" validate:"dive"`
	Notes          string               `json:"notes"`
	ReducedHours   int                  `json:"reduced_hours" validate:"min=0"`
	ReviewedBy     string               `json:"reviewed_by"`
	ReviewedAt     *time.Time           `json:"reviewed_at,omitempty"`
}

// Step4InitialAssessment records functional-skills levels from the initial quiz.
type Step4InitialAssessment struct {
	EnglishLevel          string     `json:"english_level" validate:"required,oneof=E1 E2 E3 L1 L2"`
	MathsLevel            string     `json:"maths_level" validate:"required,oneof=E1 E2 E3 L1 L2"`
	DigitalLevel          string     `json:"digital_level" validate:"omitempty,oneof=E1 E2 E3 L1 L2"`
	LearningSupportNeeded bool       `json:"learning_support_needed"`
	SupportNotes          string     `json:"support_notes"`
	QuizCompleted         bool       `json:"quiz_completed"`
	QuizCompletedAt       *time.Time `json:"quiz_completed_at,omitempty"`
}

// Step5Documents lists uploaded evidence by document store id.
type Step5Documents struct {
	IDDocumentID             string   `json:"id_document_id" validate:"required"`
	ProofOfAddressDocumentID string   `json:"proof_of_address_document_id"`
	SupportingDocumentIDs    []string `json:"supporting_document_ids"`
	ConsentToContact         bool     `json:"consent_to_contact"`
}

// Step6Agreement is the signed agreement. SignedOn marks the record complete.
type Step6Agreement struct {
	AgreedToTerms         bool       `json:"agreed_to_terms" validate:"required"`
	StudentSignature      string     `json:"student_signature" validate:"required"`
	EmployerSignature     string     `json:"employer_signature"`
	TrainerSignature      string     `json:"trainer_signature"`
	SignedOn              *time.Time `json:"signed_on,omitempty"`
	AgreementDocumentPath string     `json:"agreement_document_path,omitempty"`
}
