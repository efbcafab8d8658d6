package models

import (
	"database/sql/driver"
	"time"
)

// LessonProgress is one node of the per-enrollment progress tree.
type LessonProgress struct {
	LessonID    string     `json:"lesson_id"`
	Passed      bool       `json:"passed"`
	Attempts    int        `json:"attempts"`
	BestScore   float64    `json:"best_score"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ProgressDetails is the JSON tree stored in course_progress.details.
type ProgressDetails struct {
	TotalLessons int              `json:"total_lessons"`
	Lessons      []LessonProgress `json:"lessons"`
}

// Value implements driver.Valuer.
func (d ProgressDetails) Value() (driver.Value, error) {
	if d.Lessons == nil {
		d.Lessons = []LessonProgress{}
	}
	return jsonValue(d)
}

// Scan implements sql.Scanner.
func (d *ProgressDetails) Scan(src interface{}) error {
	return jsonScan(src, d)
}

// PassedLessons counts lessons marked as passed.
func (d ProgressDetails) PassedLessons() int {
	n := 0
	for _, l := range d.Lessons {
		if l.Passed {
			n++
		}
	}
	return n
}

// CourseProgress is the derived progress row for one enrollment.
type CourseProgress struct {
	ID         string          `db:"id" json:"id"`
	StudentID  string          `db:"student_id" json:"student_id"`
	CourseID   string          `db:"course_id" json:"course_id"`
	Percentage float64         `db:"percentage" json:"percentage"`
	Details    ProgressDetails `db:"details" json:"details"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// StudentCourseStats is the denormalised per-enrollment statistics row.
type StudentCourseStats struct {
	ID            string           `db:"id" json:"id"`
	StudentID     string           `db:"student_id" json:"student_id"`
	CourseID      string           `db:"course_id" json:"course_id"`
	Status        EnrollmentStatus `db:"status" json:"status"`
	Percentage    float64          `db:"percentage" json:"percentage"`
	PassedLessons int              `db:"passed_lessons" json:"passed_lessons"`
	TotalLessons  int              `db:"total_lessons" json:"total_lessons"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at" json:"updated_at"`
}

// AdminReport is the reporting projection row. It is rebuilt from enrollment,
// progress and course and is never read back as a source of truth.
type AdminReport struct {
	ID                   string           `db:"id" json:"id"`
	StudentID            string           `db:"student_id" json:"student_id"`
	CourseID             string           `db:"course_id" json:"course_id"`
	CourseTitle          string           `db:"course_title" json:"course_title"`
	CourseCategory       string           `db:"course_category" json:"course_category"`
	Status               EnrollmentStatus `db:"status" json:"status"`
	IsChargeable         bool             `db:"is_chargeable" json:"is_chargeable"`
	IsSemester2          bool             `db:"is_semester_2" json:"is_semester_2"`
	RegistrationDate     *time.Time       `db:"registration_date" json:"registration_date,omitempty"`
	ShowRegistrationDate bool             `db:"show_registration_date" json:"show_registration_date"`
	CourseStartAt        time.Time        `db:"course_start_at" json:"course_start_at"`
	CourseEndsAt         time.Time        `db:"course_ends_at" json:"course_ends_at"`
	CourseExpiry         time.Time        `db:"course_expiry" json:"course_expiry"`
	Percentage           float64          `db:"percentage" json:"percentage"`
	CertIssued           bool             `db:"cert_issued" json:"cert_issued"`
	Deferred             bool             `db:"deferred" json:"deferred"`
	RefreshedAt          time.Time        `db:"refreshed_at" json:"refreshed_at"`
}
