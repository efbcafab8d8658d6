package dto

import (
	"time"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
)

// Warning is a non-fatal problem reported alongside a successful result.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EnrollmentAttributes are the caller-authored fields of one enrollment. Nil
// fields keep the stored value, or the catalog default for a new row.
type EnrollmentAttributes struct {
	CourseStartAt    *time.Time `json:"course_start_at,omitempty"`
	CourseEndsAt     *time.Time `json:"course_ends_at,omitempty"`
	IsChargeable     *bool      `json:"is_chargeable,omitempty"`
	IsLocked         *bool      `json:"is_locked,omitempty"`
	Deferred         *bool      `json:"deferred,omitempty"`
	ReplacesCourseID string     `json:"replaces_course_id,omitempty"`
}

// EnrollCourseRequest enrolls a student on a single course.
type EnrollCourseRequest struct {
	CourseID   string               `json:"course_id" validate:"required"`
	Attributes EnrollmentAttributes `json:"attributes"`
}

// DesiredCourse is one entry of a full course set.
type DesiredCourse struct {
	CourseID   string               `json:"course_id" validate:"required"`
	Attributes EnrollmentAttributes `json:"attributes"`
}

// ReconcileCourseSetRequest replaces a student's course set.
type ReconcileCourseSetRequest struct {
	Courses []DesiredCourse `json:"courses" validate:"dive"`
}

// EnrollmentResult is returned by the single-course enroll path.
type EnrollmentResult struct {
	Enrollment       *models.Enrollment `json:"enrollment"`
	Sibling          *models.Enrollment `json:"semester_2_enrollment,omitempty"`
	Created          bool               `json:"created"`
	RegistrationRule string             `json:"registration_rule"`
	RenewalTriggered bool               `json:"renewal_triggered"`
	ActiveKey        string             `json:"active_enrollment_key,omitempty"`
	Warnings         []Warning          `json:"warnings,omitempty"`
}

// ReconcileResult is returned by course set reconciliation.
type ReconcileResult struct {
	Added            []string            `json:"added"`
	Removed          []string            `json:"removed"`
	Records          []models.Enrollment `json:"records"`
	RenewalTriggered bool                `json:"renewal_triggered"`
	ActiveKey        string              `json:"active_enrollment_key,omitempty"`
	Warnings         []Warning           `json:"warnings,omitempty"`
}

// IssueCertificateRequest lists the courses to certify.
type IssueCertificateRequest struct {
	CourseIDs []string `json:"course_ids" validate:"required,min=1,dive,required"`
}

// CertificateResult reports certificate issuance.
type CertificateResult struct {
	Issued        []string  `json:"issued"`
	AlreadyIssued []string  `json:"already_issued"`
	Warnings      []Warning `json:"warnings,omitempty"`
}

// EnrollmentView is an enrollment together with its derived rows.
type EnrollmentView struct {
	Enrollment *models.Enrollment     `json:"enrollment"`
	Progress   *models.CourseProgress `json:"progress,omitempty"`
	Report     *models.AdminReport    `json:"report,omitempty"`
	Healed     []string               `json:"healed,omitempty"`
}

// LessonResultRequest records the outcome of a lesson or quiz attempt.
type LessonResultRequest struct {
	Passed bool    `json:"passed"`
	Score  float64 `json:"score" validate:"min=0,max=100"`
}

// ReEnrollmentCheckRequest asks whether adding a course requires a renewal.
type ReEnrollmentCheckRequest struct {
	CourseID string `json:"course_id" validate:"required"`
}

// ReEnrollmentResult reports the renewal check.
type ReEnrollmentResult struct {
	Triggered bool      `json:"triggered"`
	ActiveKey string    `json:"active_enrollment_key"`
	Warnings  []Warning `json:"warnings,omitempty"`
}
