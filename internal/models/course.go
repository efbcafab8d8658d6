package models

import "time"

// Course is the read-only catalog template an enrollment is created from.
type Course struct {
	ID                  string    `db:"id" json:"id"`
	Title               string    `db:"title" json:"title"`
	Category            string    `db:"category" json:"category"`
	LengthDays          int       `db:"length_days" json:"length_days"`
	NextCourseID        *string   `db:"next_course_id" json:"next_course_id,omitempty"`
	NextCourseAfterDays int       `db:"next_course_after_days" json:"next_course_after_days"`
	AllowedToNextCourse bool      `db:"allowed_to_next_course" json:"allowed_to_next_course"`
	IsSemester2         bool      `db:"is_semester_2" json:"is_semester_2"`
	LessonCount         int       `db:"lesson_count" json:"lesson_count"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
}

// RequiresSemesterCascade reports whether enrolling on this course also schedules
// its second-semester course. The stored flag is inverted: allowed_to_next_course=false
// marks the first half of a two-part program.
func (c *Course) RequiresSemesterCascade() bool {
	return !c.AllowedToNextCourse && c.NextCourseID != nil && *c.NextCourseID != ""
}
