package models

import (
	"database/sql/driver"
	"time"
)

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusEnrolled  EnrollmentStatus = "ENROLLED"
	EnrollmentStatusCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentStatusDelist    EnrollmentStatus = "DELIST"
)

// Enrollment is the single row per student×course pairing.
type Enrollment struct {
	ID        string           `db:"id" json:"id"`
	StudentID string           `db:"student_id" json:"student_id"`
	CourseID  string           `db:"course_id" json:"course_id"`
	Status    EnrollmentStatus `db:"status" json:"status"`

	IsChargeable bool `db:"is_chargeable" json:"is_chargeable"`
	IsLocked     bool `db:"is_locked" json:"is_locked"`
	IsMainCourse bool `db:"is_main_course" json:"is_main_course"`
	IsSemester2  bool `db:"is_semester_2" json:"is_semester_2"`

	CourseStartAt time.Time `db:"course_start_at" json:"course_start_at"`
	CourseEndsAt  time.Time `db:"course_ends_at" json:"course_ends_at"`
	CourseExpiry  time.Time `db:"course_expiry" json:"course_expiry"`

	RegistrationDate     *time.Time `db:"registration_date" json:"registration_date,omitempty"`
	ShowRegistrationDate bool       `db:"show_registration_date" json:"show_registration_date"`
	ShowOnWidget         bool       `db:"show_on_widget" json:"show_on_widget"`
	RegisteredOnCreate   bool       `db:"registered_on_create" json:"registered_on_create"`
	RegisteredBy         *string    `db:"registered_by" json:"registered_by,omitempty"`

	Deferred        bool            `db:"deferred" json:"deferred"`
	DeferredDetails DeferredHistory `db:"deferred_details" json:"deferred_details"`

	CertIssued   bool       `db:"cert_issued" json:"cert_issued"`
	CertIssuedAt *time.Time `db:"cert_issued_at" json:"cert_issued_at,omitempty"`
	CertIssuedBy *string    `db:"cert_issued_by" json:"cert_issued_by,omitempty"`

	CourseProgressID     *string `db:"course_progress_id" json:"course_progress_id,omitempty"`
	AdminReportID        *string `db:"admin_reports_id" json:"admin_reports_id,omitempty"`
	StudentCourseStatsID *string `db:"student_course_stats_id" json:"student_course_stats_id,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsDelisted reports whether the enrollment has been removed from the student's course set.
func (e *Enrollment) IsDelisted() bool {
	return e.Status == EnrollmentStatusDelist
}

// SetCourseDates assigns start/end and recomputes the expiry mirror.
func (e *Enrollment) SetCourseDates(start, end time.Time) {
	e.CourseStartAt = start
	e.CourseEndsAt = end
	e.CourseExpiry = CourseExpiry(start, end)
}

// CourseExpiry returns start + (end - start).
func CourseExpiry(start, end time.Time) time.Time {
	return start.Add(end.Sub(start))
}

// DeferredSnapshot records the dates an enrollment had before a deferral moved them.
type DeferredSnapshot struct {
	CourseStartAt time.Time `json:"course_start_at"`
	CourseEndsAt  time.Time `json:"course_ends_at"`
	CourseExpiry  time.Time `json:"course_expiry"`
	RecordedAt    time.Time `json:"recorded_at"`
	RecordedBy    string    `json:"recorded_by"`
}

// DeferredHistory is the append-only JSON list stored in enrollments.deferred_details.
type DeferredHistory []DeferredSnapshot

// Value implements driver.Valuer.
func (h DeferredHistory) Value() (driver.Value, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return jsonValue(h)
}

// Scan implements sql.Scanner.
func (h *DeferredHistory) Scan(src interface{}) error {
	return jsonScan(src, h)
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID      string
	CourseID       string
	Status         EnrollmentStatus
	IncludeDelist  bool
	ExcludeCourses []string
}
